package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"

	"github.com/BTreeMap/Dermis/internal/models"
)

// Database connection pool configuration constants
const (
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 25
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is the backend for multi-instance deployments.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) GetSession(deviceID string) (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM session_kv WHERE device_id = $1`, deviceID)
	if err != nil {
		slog.Error("PostgresStore GetSession query failed", "error", err, "device", deviceID)
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	defer rows.Close()

	kv := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		kv[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	return kv, nil
}

func (s *PostgresStore) UpdateSession(deviceID string, set map[string]string, del []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin session transaction: %w", err)
	}
	defer tx.Rollback()

	for _, k := range del {
		if _, err := tx.Exec(`DELETE FROM session_kv WHERE device_id = $1 AND key = $2`, deviceID, k); err != nil {
			return fmt.Errorf("failed to delete session key %s: %w", k, err)
		}
	}
	now := time.Now().UTC()
	for k, v := range set {
		_, err := tx.Exec(
			`INSERT INTO session_kv (device_id, key, value, updated_at) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (device_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
			deviceID, k, v, now,
		)
		if err != nil {
			return fmt.Errorf("failed to set session key %s: %w", k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		slog.Error("PostgresStore UpdateSession commit failed", "error", err, "device", deviceID)
		return fmt.Errorf("failed to commit session update: %w", err)
	}
	slog.Debug("PostgresStore UpdateSession succeeded", "device", deviceID, "set", len(set), "deleted", len(del))
	return nil
}

// SaveFlowState stores or updates flow state for a device.
func (s *PostgresStore) SaveFlowState(state models.FlowState) error {
	stateDataJSON, err := encodeStateData(state.StateData)
	if err != nil {
		slog.Error("PostgresStore SaveFlowState JSON marshal failed", "error", err, "device", state.DeviceID)
		return err
	}
	var data interface{}
	if stateDataJSON != "" {
		data = []byte(stateDataJSON)
	}
	_, err = s.db.Exec(
		`INSERT INTO flow_states (device_id, flow_type, current_state, state_data, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (device_id, flow_type)
		 DO UPDATE SET
			current_state = EXCLUDED.current_state,
			state_data = EXCLUDED.state_data,
			updated_at = EXCLUDED.updated_at`,
		state.DeviceID, state.FlowType, state.CurrentState, data, state.CreatedAt, state.UpdatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore SaveFlowState failed", "error", err, "device", state.DeviceID, "flowType", state.FlowType)
		return err
	}
	slog.Debug("PostgresStore SaveFlowState succeeded", "device", state.DeviceID, "flowType", state.FlowType, "state", state.CurrentState)
	return nil
}

// GetFlowState retrieves flow state for a device.
func (s *PostgresStore) GetFlowState(deviceID string, flowType models.FlowType) (*models.FlowState, error) {
	var state models.FlowState
	var stateDataJSON []byte

	err := s.db.QueryRow(
		`SELECT device_id, flow_type, current_state, state_data, created_at, updated_at
		 FROM flow_states WHERE device_id = $1 AND flow_type = $2`,
		deviceID, flowType,
	).Scan(&state.DeviceID, &state.FlowType, &state.CurrentState, &stateDataJSON, &state.CreatedAt, &state.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetFlowState failed", "error", err, "device", deviceID, "flowType", flowType)
		return nil, err
	}
	state.StateData = decodeStateData(stateDataJSON, deviceID)
	return &state, nil
}

// DeleteFlowState removes flow state for a device.
func (s *PostgresStore) DeleteFlowState(deviceID string, flowType models.FlowType) error {
	if _, err := s.db.Exec(`DELETE FROM flow_states WHERE device_id = $1 AND flow_type = $2`, deviceID, flowType); err != nil {
		slog.Error("PostgresStore DeleteFlowState failed", "error", err, "device", deviceID, "flowType", flowType)
		return err
	}
	return nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	}
	return err
}
