package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	UsersCreated    prometheus.Counter
	UsersDeleted    prometheus.Counter
	PasswordChanges prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		UsersCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "authd_identity_users_created_total",
			Help: "Total number of accounts registered",
		}),
		UsersDeleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "authd_identity_users_deleted_total",
			Help: "Total number of accounts soft-deleted",
		}),
		PasswordChanges: promauto.NewCounter(prometheus.CounterOpts{
			Name: "authd_identity_password_changes_total",
			Help: "Total number of successful password changes",
		}),
	}
}

func (m *Metrics) IncrementUsersCreated() {
	m.UsersCreated.Inc()
}

func (m *Metrics) IncrementUsersDeleted() {
	m.UsersDeleted.Inc()
}

func (m *Metrics) IncrementPasswordChanges() {
	m.PasswordChanges.Inc()
}
