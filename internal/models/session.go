package models

// Persisted session keys. The values match the keys the mobile client used
// in its local key-value storage.
const (
	SessionKeyUserID                 = "user_id"
	SessionKeyHasCompletedOnboarding = "has_completed_onboarding"
	SessionKeyResults                = "results"
	SessionKeyPhone                  = "phone"
)

// SessionState gates the three top-level navigation stacks.
// A nil UserID means the device is not authenticated.
type SessionState struct {
	UserID                 *string `json:"userId"`
	HasCompletedOnboarding bool    `json:"hasCompletedOnboarding"`
}

// Authenticated reports whether a user is logged in on the device.
func (s SessionState) Authenticated() bool {
	return s.UserID != nil && *s.UserID != ""
}

// User returns the user ID or "".
func (s SessionState) User() string {
	if s.UserID == nil {
		return ""
	}
	return *s.UserID
}

// NewSessionState builds a snapshot; an empty userID means logged out.
func NewSessionState(userID string, completed bool) SessionState {
	st := SessionState{HasCompletedOnboarding: completed}
	if userID != "" {
		id := userID
		st.UserID = &id
	}
	return st
}
