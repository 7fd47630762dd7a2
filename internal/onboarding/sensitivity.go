package onboarding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/Dermis/internal/i18n"
	"github.com/BTreeMap/Dermis/internal/models"
	"github.com/BTreeMap/Dermis/internal/skinapi"
	"github.com/BTreeMap/Dermis/internal/store"
)

// Answer is the user's reply to "is your skin sensitive?".
type Answer int

const (
	AnswerUnanswered Answer = iota
	AnswerYes
	AnswerNo
	AnswerUnsure
)

var answerNames = map[Answer]string{
	AnswerUnanswered: "unanswered",
	AnswerYes:        "yes",
	AnswerNo:         "no",
	AnswerUnsure:     "unsure",
}

func (a Answer) String() string {
	if s, ok := answerNames[a]; ok {
		return s
	}
	return "unanswered"
}

// ParseAnswer accepts yes/no/unsure (and the Spanish si/sí/no sé). Anything
// else is unanswered.
func ParseAnswer(s string) Answer {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "si", "sí", "true":
		return AnswerYes
	case "no", "false":
		return AnswerNo
	case "unsure", "no se", "no sé", "not sure":
		return AnswerUnsure
	default:
		return AnswerUnanswered
	}
}

// Effective maps the answer to the flag sent upstream. Only an explicit "no"
// is false; unsure and unanswered count as sensitive.
func (a Answer) Effective() bool {
	return a != AnswerNo
}

// SkinDataClient is the subset of skinapi.Client used by the sensitivity step.
type SkinDataClient interface {
	PatchSkinData(ctx context.Context, patch skinapi.SkinDataPatch) error
}

// SyncResult reports whether the skin data reached the user record. A failed
// sync does not block the flow; it is retried from the outbox.
type SyncResult struct {
	Synced   bool             `json:"synced"`
	Kind     models.ErrorKind `json:"kind,omitempty"`
	Alert    string           `json:"alert,omitempty"`
	OutboxID string           `json:"outbox_id,omitempty"`
}

// SensitivityStep records the sensitivity answer on the user record.
type SensitivityStep struct {
	client SkinDataClient
	outbox store.OutboxRepo
}

// NewSensitivityStep creates the step. outbox may be nil, in which case failed
// syncs are only reported.
func NewSensitivityStep(client SkinDataClient, outbox store.OutboxRepo) *SensitivityStep {
	return &SensitivityStep{client: client, outbox: outbox}
}

// SubmitSensitivity PATCHes skin type, conditions and sensitivity for userID.
func (s *SensitivityStep) SubmitSensitivity(ctx context.Context, deviceID, userID string, result models.AnalysisResult, isSensitive bool) SyncResult {
	if !result.Complete() {
		return SyncResult{Kind: models.ErrorKindInvalidState, Alert: i18n.FromContext(ctx).T(i18n.KeyInvalidStep)}
	}
	payload := models.SkinSyncPayload{
		UserID:      userID,
		SkinType:    result.SkinType(),
		Conditions:  result.Conditions(),
		IsSensitive: isSensitive,
	}
	err := s.client.PatchSkinData(ctx, patchFromPayload(payload))
	// Any sync still queued for this user carries older data.
	s.supersede(userID)
	if err == nil {
		slog.Info("SensitivityStep.SubmitSensitivity: skin data synced", "device", deviceID, "userID", userID, "sensitive", isSensitive)
		return SyncResult{Synced: true}
	}

	slog.Warn("SensitivityStep.SubmitSensitivity: sync failed, queueing retry", "device", deviceID, "userID", userID, "error", err)
	out := SyncResult{Kind: models.ErrorKindSync, Alert: i18n.FromContext(ctx).T(i18n.KeySyncFailed)}
	if s.outbox == nil {
		return out
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("SensitivityStep.SubmitSensitivity: failed to encode payload", "error", err)
		return out
	}
	id, err := s.outbox.EnqueueOutboxMessage(deviceID, models.OutboxKindSkinSync, string(data), skinSyncKey(userID))
	if err != nil {
		slog.Error("SensitivityStep.SubmitSensitivity: failed to queue retry", "device", deviceID, "error", err)
		return out
	}
	out.OutboxID = id
	return out
}

func skinSyncKey(userID string) string {
	return "skin:" + userID
}

func (s *SensitivityStep) supersede(userID string) {
	if s.outbox == nil {
		return
	}
	n, err := s.outbox.CancelOutboxMessages(skinSyncKey(userID), "superseded by a newer skin sync")
	if err != nil {
		slog.Error("SensitivityStep.supersede: failed to cancel queued syncs", "userID", userID, "error", err)
		return
	}
	if n > 0 {
		slog.Info("SensitivityStep.supersede: canceled queued syncs", "userID", userID, "count", n)
	}
}

func patchFromPayload(p models.SkinSyncPayload) skinapi.SkinDataPatch {
	return skinapi.SkinDataPatch{
		UserID:      p.UserID,
		SkinType:    p.SkinType,
		Conditions:  p.Conditions,
		IsSensitive: p.IsSensitive,
	}
}

// SkinSyncSender replays queued skin_sync messages. Client errors other than
// timeouts and rate limits are permanent.
func SkinSyncSender(client SkinDataClient) store.OutboxSendFunc {
	return func(ctx context.Context, msg store.OutboxMessage) error {
		var p models.SkinSyncPayload
		if err := json.Unmarshal([]byte(msg.PayloadJSON), &p); err != nil {
			return fmt.Errorf("%w: invalid skin_sync payload: %v", store.ErrPermanent, err)
		}
		err := client.PatchSkinData(ctx, patchFromPayload(p))
		if err == nil {
			slog.Info("SkinSyncSender: skin data synced", "device", msg.DeviceID, "userID", p.UserID, "attempts", msg.Attempts+1)
			return nil
		}
		if permanentStatus(skinapi.StatusCode(err)) {
			return errors.Join(store.ErrPermanent, err)
		}
		return err
	}
}

func permanentStatus(code int) bool {
	if code < 400 || code >= 500 {
		return false
	}
	return code != http.StatusRequestTimeout && code != http.StatusTooManyRequests
}
