package models

// Outbox message kinds.
const (
	OutboxKindSkinSync     = "skin_sync"
	OutboxKindRoutineReady = "routine_ready"
)

// SkinSyncPayload is the queued form of a failed skin-data PATCH.
type SkinSyncPayload struct {
	UserID      string   `json:"user_id"`
	SkinType    string   `json:"skin_type"`
	Conditions  []string `json:"conditions"`
	IsSensitive bool     `json:"is_sensitive"`
}

// RoutineReadyPayload is the queued "routine ready" notification.
type RoutineReadyPayload struct {
	Phone     string `json:"phone"`
	RoutineID string `json:"routine_id"`
	Language  string `json:"language"`
}
