// Package store provides storage backends for Dermis.
//
// A Store keeps three kinds of per-device records: the session key-value pairs
// (user_id, has_completed_onboarding, results, phone), the onboarding flow
// state, and the durable outbox of background sends. Backends: in-memory,
// SQLite and PostgreSQL.
package store

import (
	"strings"

	"github.com/BTreeMap/Dermis/internal/models"
)

// SessionRepo persists the per-device key-value session.
type SessionRepo interface {
	// GetSession returns every stored key for the device. A device with no
	// keys yields an empty map.
	GetSession(deviceID string) (map[string]string, error)
	// UpdateSession sets and deletes keys in one transaction.
	UpdateSession(deviceID string, set map[string]string, del []string) error
}

// FlowStateRepo persists per-device flow state.
type FlowStateRepo interface {
	SaveFlowState(state models.FlowState) error
	// GetFlowState returns nil, nil when no state exists.
	GetFlowState(deviceID string, flowType models.FlowType) (*models.FlowState, error)
	DeleteFlowState(deviceID string, flowType models.FlowType) error
}

// Store is the full storage interface used by the service.
type Store interface {
	SessionRepo
	FlowStateRepo
	OutboxRepo
	Close() error
}

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string
}

// Option configures a store.
type Option func(*Opts)

// WithDSN sets the database connection string or SQLite file path.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return WithDSN(dsn)
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return WithDSN(dsn)
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open creates the backend matching the DSN. An empty DSN yields an in-memory store.
func Open(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(dsn) == "postgres" {
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}
