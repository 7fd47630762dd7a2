package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"

	"github.com/BTreeMap/Dermis/internal/models"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is the single-file backend used by default on one host.
type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store. The DSN is a file path; its
// directory is created when missing.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite3", dsn+sep+"_busy_timeout=5000")
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// A single connection serialises writers and keeps transactions simple.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "path", dsn)

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) GetSession(deviceID string) (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM session_kv WHERE device_id = ?`, deviceID)
	if err != nil {
		slog.Error("SQLiteStore GetSession query failed", "error", err, "device", deviceID)
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

func (s *SQLiteStore) UpdateSession(deviceID string, set map[string]string, del []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin session transaction: %w", err)
	}
	defer tx.Rollback()

	for _, k := range del {
		if _, err := tx.Exec(`DELETE FROM session_kv WHERE device_id = ? AND key = ?`, deviceID, k); err != nil {
			return fmt.Errorf("failed to delete session key %s: %w", k, err)
		}
	}
	now := time.Now().UTC()
	for k, v := range set {
		_, err := tx.Exec(
			`INSERT INTO session_kv (device_id, key, value, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT (device_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			deviceID, k, v, now,
		)
		if err != nil {
			return fmt.Errorf("failed to set session key %s: %w", k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		slog.Error("SQLiteStore UpdateSession commit failed", "error", err, "device", deviceID)
		return fmt.Errorf("failed to commit session update: %w", err)
	}
	slog.Debug("SQLiteStore UpdateSession succeeded", "device", deviceID, "set", len(set), "deleted", len(del))
	return nil
}

// SaveFlowState stores or updates flow state for a device.
func (s *SQLiteStore) SaveFlowState(state models.FlowState) error {
	stateDataJSON, err := encodeStateData(state.StateData)
	if err != nil {
		slog.Error("SQLiteStore SaveFlowState JSON marshal failed", "error", err, "device", state.DeviceID)
		return err
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO flow_states (device_id, flow_type, current_state, state_data, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		state.DeviceID, state.FlowType, state.CurrentState, stateDataJSON, state.CreatedAt, state.UpdatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore SaveFlowState failed", "error", err, "device", state.DeviceID, "flowType", state.FlowType)
		return err
	}
	slog.Debug("SQLiteStore SaveFlowState succeeded", "device", state.DeviceID, "flowType", state.FlowType, "state", state.CurrentState)
	return nil
}

// GetFlowState retrieves flow state for a device.
func (s *SQLiteStore) GetFlowState(deviceID string, flowType models.FlowType) (*models.FlowState, error) {
	var state models.FlowState
	var stateDataJSON string

	err := s.db.QueryRow(
		`SELECT device_id, flow_type, current_state, state_data, created_at, updated_at
		 FROM flow_states WHERE device_id = ? AND flow_type = ?`,
		deviceID, flowType,
	).Scan(&state.DeviceID, &state.FlowType, &state.CurrentState, &stateDataJSON, &state.CreatedAt, &state.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetFlowState failed", "error", err, "device", deviceID, "flowType", flowType)
		return nil, err
	}
	state.StateData = decodeStateData([]byte(stateDataJSON), deviceID)
	return &state, nil
}

// DeleteFlowState removes flow state for a device.
func (s *SQLiteStore) DeleteFlowState(deviceID string, flowType models.FlowType) error {
	if _, err := s.db.Exec(`DELETE FROM flow_states WHERE device_id = ? AND flow_type = ?`, deviceID, flowType); err != nil {
		slog.Error("SQLiteStore DeleteFlowState failed", "error", err, "device", deviceID, "flowType", flowType)
		return err
	}
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
