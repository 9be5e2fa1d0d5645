package audit

// Kafka topics for audit event publishing, one per category so retention
// and consumer policies can differ.
const (
	TopicCompliance = "audit.compliance"
	TopicSecurity   = "audit.security"
	TopicOps        = "audit.ops"
)

// Topics lists all audit topics for creation and consumption.
func Topics() []string {
	return []string{TopicCompliance, TopicSecurity, TopicOps}
}

// TopicFor maps an event category to its Kafka topic.
func TopicFor(category EventCategory) string {
	switch category {
	case CategoryCompliance:
		return TopicCompliance
	case CategorySecurity:
		return TopicSecurity
	default:
		return TopicOps
	}
}
