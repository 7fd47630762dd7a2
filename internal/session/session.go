// Package session is the single writer of per-device session state.
//
// The Manager owns the persisted keys user_id, has_completed_onboarding,
// results and phone. Every mutation runs under a per-device lock, is written
// in one store transaction, and publishes the resulting immutable
// models.SessionState to subscribers, so a reader never observes a user ID
// without its matching onboarding flag.
package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/Dermis/internal/models"
	"github.com/BTreeMap/Dermis/internal/store"
	"github.com/BTreeMap/Dermis/internal/util"
)

// Manager serialises session writes per device and fans snapshots out to subscribers.
type Manager struct {
	repo store.SessionRepo

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	subs    map[string]map[int]chan models.SessionState
	nextSub int
}

// NewManager creates a Manager over repo.
func NewManager(repo store.SessionRepo) *Manager {
	return &Manager{
		repo:  repo,
		locks: make(map[string]*sync.Mutex),
		subs:  make(map[string]map[int]chan models.SessionState),
	}
}

func (m *Manager) lock(deviceID string) func() {
	m.mu.Lock()
	l, ok := m.locks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[deviceID] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Snapshot reads the current session of a device.
func (m *Manager) Snapshot(deviceID string) (models.SessionState, error) {
	kv, err := m.repo.GetSession(deviceID)
	if err != nil {
		return models.SessionState{}, fmt.Errorf("failed to load session: %w", err)
	}
	return stateFrom(kv), nil
}

// Load is Snapshot under the name the start-up path uses.
func (m *Manager) Load(deviceID string) (models.SessionState, error) {
	st, err := m.Snapshot(deviceID)
	if err == nil {
		slog.Debug("Manager.Load: session loaded", "device", deviceID, "authenticated", st.Authenticated(), "completed", st.HasCompletedOnboarding)
	}
	return st, err
}

func stateFrom(kv map[string]string) models.SessionState {
	return models.NewSessionState(kv[models.SessionKeyUserID], kv[models.SessionKeyHasCompletedOnboarding] == "true")
}

// update applies set/del in one transaction and publishes the new snapshot.
// Caller must hold the device lock.
func (m *Manager) update(deviceID string, set map[string]string, del []string) (models.SessionState, error) {
	if err := m.repo.UpdateSession(deviceID, set, del); err != nil {
		return models.SessionState{}, fmt.Errorf("failed to update session: %w", err)
	}
	st, err := m.Snapshot(deviceID)
	if err != nil {
		return models.SessionState{}, err
	}
	m.publish(deviceID, st)
	return st, nil
}

// LoginAndSetStatus sets user_id and has_completed_onboarding together.
// Subscribers receive exactly one snapshot carrying both values.
func (m *Manager) LoginAndSetStatus(deviceID, userID string, completed bool) (models.SessionState, error) {
	if userID == "" {
		return models.SessionState{}, fmt.Errorf("user ID is required")
	}
	unlock := m.lock(deviceID)
	defer unlock()

	st, err := m.update(deviceID, map[string]string{
		models.SessionKeyUserID:                 userID,
		models.SessionKeyHasCompletedOnboarding: util.FormatBool(completed),
	}, nil)
	if err != nil {
		slog.Error("Manager.LoginAndSetStatus: update failed", "device", deviceID, "error", err)
		return st, err
	}
	slog.Info("Manager.LoginAndSetStatus: session set", "device", deviceID, "userID", userID, "completed", completed)
	return st, nil
}

// CompleteOnboarding flips has_completed_onboarding to true. It reports
// whether the flag changed; a second call in the same cycle is a no-op.
func (m *Manager) CompleteOnboarding(deviceID string) (bool, error) {
	unlock := m.lock(deviceID)
	defer unlock()

	current, err := m.Snapshot(deviceID)
	if err != nil {
		return false, err
	}
	if !current.Authenticated() {
		return false, models.ErrNotAuthenticated
	}
	if current.HasCompletedOnboarding {
		slog.Debug("Manager.CompleteOnboarding: already complete", "device", deviceID)
		return false, nil
	}
	if _, err := m.update(deviceID, map[string]string{models.SessionKeyHasCompletedOnboarding: "true"}, nil); err != nil {
		slog.Error("Manager.CompleteOnboarding: update failed", "device", deviceID, "error", err)
		return false, err
	}
	slog.Info("Manager.CompleteOnboarding: onboarding complete", "device", deviceID, "userID", current.User())
	return true, nil
}

// Logout clears user_id only; the onboarding flag and cached results stay.
func (m *Manager) Logout(deviceID string) (models.SessionState, error) {
	unlock := m.lock(deviceID)
	defer unlock()
	st, err := m.update(deviceID, nil, []string{models.SessionKeyUserID})
	if err == nil {
		slog.Info("Manager.Logout: logged out", "device", deviceID)
	}
	return st, err
}

// ForgetToken clears user_id and has_completed_onboarding.
func (m *Manager) ForgetToken(deviceID string) (models.SessionState, error) {
	unlock := m.lock(deviceID)
	defer unlock()
	st, err := m.update(deviceID, nil, []string{models.SessionKeyUserID, models.SessionKeyHasCompletedOnboarding})
	if err == nil {
		slog.Info("Manager.ForgetToken: token forgotten", "device", deviceID)
	}
	return st, err
}

// SaveResults caches the last synthesized recommendations.
func (m *Manager) SaveResults(deviceID string, products []models.RecommendedProduct) error {
	if products == nil {
		products = []models.RecommendedProduct{}
	}
	data, err := json.Marshal(products)
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}
	unlock := m.lock(deviceID)
	defer unlock()
	if err := m.repo.UpdateSession(deviceID, map[string]string{models.SessionKeyResults: string(data)}, nil); err != nil {
		return fmt.Errorf("failed to save results: %w", err)
	}
	return nil
}

// LoadResults returns the cached recommendations. A missing or corrupt cache
// yields an empty list.
func (m *Manager) LoadResults(deviceID string) ([]models.RecommendedProduct, error) {
	kv, err := m.repo.GetSession(deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load results: %w", err)
	}
	products := []models.RecommendedProduct{}
	raw := kv[models.SessionKeyResults]
	if raw == "" {
		return products, nil
	}
	if err := json.Unmarshal([]byte(raw), &products); err != nil {
		slog.Warn("Manager.LoadResults: corrupt results cache", "device", deviceID, "error", err)
		return []models.RecommendedProduct{}, nil
	}
	return products, nil
}

// SetPhone stores the phone number used for notifications. An empty phone removes it.
func (m *Manager) SetPhone(deviceID, phone string) error {
	unlock := m.lock(deviceID)
	defer unlock()
	if phone == "" {
		return m.repo.UpdateSession(deviceID, nil, []string{models.SessionKeyPhone})
	}
	return m.repo.UpdateSession(deviceID, map[string]string{models.SessionKeyPhone: phone}, nil)
}

// Phone returns the stored phone number or "".
func (m *Manager) Phone(deviceID string) (string, error) {
	kv, err := m.repo.GetSession(deviceID)
	if err != nil {
		return "", err
	}
	return kv[models.SessionKeyPhone], nil
}
