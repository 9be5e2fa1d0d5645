package postgres

// Schema is the full DDL for the server's tables. Applied by deployment
// tooling and by integration tests against a fresh database; every statement
// is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id UUID PRIMARY KEY,
	handle TEXT NOT NULL UNIQUE,
	email TEXT NOT NULL,
	recovery_email_encrypted BYTEA,
	recovery_email_blind_index TEXT,
	mobile_number_encrypted BYTEA,
	password_hash TEXT NOT NULL DEFAULT '',
	given_name TEXT NOT NULL DEFAULT '',
	middle_name TEXT NOT NULL DEFAULT '',
	surname TEXT NOT NULL DEFAULT '',
	nickname TEXT NOT NULL DEFAULT '',
	email_verified BOOLEAN NOT NULL DEFAULT FALSE,
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	failed_login_attempts INT NOT NULL DEFAULT 0,
	lockout_expires_at TIMESTAMPTZ,
	account_non_expired BOOLEAN NOT NULL DEFAULT TRUE,
	credentials_non_expired BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	last_login_at TIMESTAMPTZ,
	last_password_change_at TIMESTAMPTZ,
	deleted_at TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS users_email_live
	ON users (email) WHERE deleted_at IS NULL;
CREATE UNIQUE INDEX IF NOT EXISTS users_recovery_blind_index_live
	ON users (recovery_email_blind_index)
	WHERE deleted_at IS NULL AND recovery_email_blind_index IS NOT NULL;

CREATE TABLE IF NOT EXISTS login_failure_events (
	id BIGSERIAL PRIMARY KEY,
	user_id UUID NOT NULL REFERENCES users (id),
	ip TEXT NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS login_failure_events_user_time
	ON login_failure_events (user_id, occurred_at);

CREATE TABLE IF NOT EXISTS user_roles (
	user_id UUID NOT NULL REFERENCES users (id),
	role_name TEXT NOT NULL,
	PRIMARY KEY (user_id, role_name)
);

CREATE TABLE IF NOT EXISTS passkey_credentials (
	credential_id BYTEA PRIMARY KEY,
	user_id UUID NOT NULL REFERENCES users (id),
	public_key BYTEA NOT NULL,
	sign_count BIGINT NOT NULL DEFAULT 0,
	transports TEXT[] NOT NULL DEFAULT '{}',
	name TEXT NOT NULL DEFAULT '',
	attestation_format TEXT NOT NULL DEFAULT '',
	compromised BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	last_used_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS passkey_credentials_user
	ON passkey_credentials (user_id);

CREATE TABLE IF NOT EXISTS roles (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	parent_id UUID REFERENCES roles (id),
	path TEXT NOT NULL,
	depth INT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS roles_path ON roles (path text_pattern_ops);

CREATE TABLE IF NOT EXISTS role_permissions (
	role_id UUID NOT NULL REFERENCES roles (id),
	permission TEXT NOT NULL,
	PRIMARY KEY (role_id, permission)
);

CREATE TABLE IF NOT EXISTS ip_metadata (
	ip TEXT PRIMARY KEY,
	suspicious_count INT NOT NULL DEFAULT 0,
	first_seen_at TIMESTAMPTZ NOT NULL,
	last_seen_at TIMESTAMPTZ NOT NULL,
	last_country_code TEXT NOT NULL DEFAULT '',
	last_city TEXT NOT NULL DEFAULT '',
	last_latitude DOUBLE PRECISION,
	last_longitude DOUBLE PRECISION,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS geo_history (
	id BIGSERIAL PRIMARY KEY,
	user_id UUID NOT NULL REFERENCES users (id),
	ip TEXT NOT NULL,
	country_code TEXT NOT NULL DEFAULT '',
	city TEXT NOT NULL DEFAULT '',
	latitude DOUBLE PRECISION,
	longitude DOUBLE PRECISION,
	asn BIGINT NOT NULL DEFAULT 0,
	device_fingerprint TEXT NOT NULL DEFAULT '',
	observed_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS geo_history_user_time
	ON geo_history (user_id, observed_at DESC);

CREATE TABLE IF NOT EXISTS ip_blocklist (
	ip TEXT PRIMARY KEY,
	reason TEXT NOT NULL DEFAULT '',
	blocked_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS refresh_tokens (
	jti UUID PRIMARY KEY,
	user_id UUID NOT NULL REFERENCES users (id),
	session_id UUID NOT NULL,
	issued_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	rotated_to UUID,
	revoked_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS refresh_tokens_session
	ON refresh_tokens (session_id);
CREATE INDEX IF NOT EXISTS refresh_tokens_user
	ON refresh_tokens (user_id);

CREATE TABLE IF NOT EXISTS revoked_tokens (
	jti UUID PRIMARY KEY,
	user_id UUID,
	reason TEXT NOT NULL DEFAULT '',
	revoked_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS revoked_tokens_expiry
	ON revoked_tokens (expires_at);

CREATE TABLE IF NOT EXISTS user_revocations (
	user_id UUID PRIMARY KEY,
	revoked_at TIMESTAMPTZ NOT NULL,
	reason TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS audit_events (
	id UUID PRIMARY KEY,
	category TEXT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL,
	user_id UUID,
	subject TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL,
	decision TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	ip TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	request_id TEXT NOT NULL DEFAULT '',
	actor_id TEXT NOT NULL DEFAULT '',
	details JSONB
);
CREATE INDEX IF NOT EXISTS audit_events_time ON audit_events (timestamp);

CREATE TABLE IF NOT EXISTS audit_compliance (
	id UUID PRIMARY KEY,
	timestamp TIMESTAMPTZ NOT NULL,
	user_id UUID NOT NULL,
	subject TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL,
	decision TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	request_id TEXT NOT NULL DEFAULT '',
	actor_id TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS audit_security (
	id UUID PRIMARY KEY,
	timestamp TIMESTAMPTZ NOT NULL,
	subject TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	ip TEXT NOT NULL DEFAULT '',
	request_id TEXT NOT NULL DEFAULT '',
	actor_id TEXT NOT NULL DEFAULT '',
	severity TEXT NOT NULL DEFAULT 'info',
	details JSONB
);

CREATE TABLE IF NOT EXISTS audit_ops (
	id UUID NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL,
	subject TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL,
	request_id TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (id, timestamp)
);

CREATE TABLE IF NOT EXISTS outbox (
	id UUID PRIMARY KEY,
	aggregate_type TEXT NOT NULL,
	aggregate_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	published_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS outbox_unpublished
	ON outbox (created_at) WHERE published_at IS NULL;
`
