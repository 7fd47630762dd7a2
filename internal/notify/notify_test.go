package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/BTreeMap/Dermis/internal/models"
	"github.com/BTreeMap/Dermis/internal/store"
)

func TestMockClient_SendMessage(t *testing.T) {
	mock := NewMockClient()
	if err := mock.SendMessage(context.Background(), "+15550001", "Hello Test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sent := mock.Sent()
	if len(sent) != 1 || sent[0].Body != "Hello Test" {
		t.Errorf("sent = %+v", sent)
	}
}

func TestNewClientRequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")
	if _, err := NewClient(); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
	if _, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok")); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("missing from number err = %v", err)
	}
	if _, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok"), WithFromNumber("+15550000")); err != nil {
		t.Errorf("configured client err = %v", err)
	}
}

func TestRoutineReadyHandler(t *testing.T) {
	tests := []struct {
		name     string
		language string
		contains string
	}{
		{"spanish", "es", "tu rutina r1 está lista"},
		{"english", "en", "your routine r1 is ready"},
		{"unknown falls back", "", "tu rutina r1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := NewMockClient()
			payload, _ := json.Marshal(models.RoutineReadyPayload{Phone: "+15550001", RoutineID: "r1", Language: tt.language})
			err := RoutineReadyHandler(mock)(context.Background(), store.OutboxMessage{Kind: models.OutboxKindRoutineReady, PayloadJSON: string(payload)})
			if err != nil {
				t.Fatalf("handler: %v", err)
			}
			sent := mock.Sent()
			if len(sent) != 1 || sent[0].To != "+15550001" || !strings.Contains(sent[0].Body, tt.contains) {
				t.Errorf("sent = %+v", sent)
			}
		})
	}
}

func TestRoutineReadyHandlerPermanentFailures(t *testing.T) {
	h := RoutineReadyHandler(NewMockClient())
	for _, payload := range []string{"{", `{"routine_id":"r1"}`} {
		if err := h(context.Background(), store.OutboxMessage{PayloadJSON: payload}); !errors.Is(err, store.ErrPermanent) {
			t.Errorf("payload %q err = %v", payload, err)
		}
	}
}

func TestRoutineReadyHandlerTransientFailure(t *testing.T) {
	mock := NewMockClient()
	mock.Err = errors.New("twilio down")
	payload, _ := json.Marshal(models.RoutineReadyPayload{Phone: "+15550001", RoutineID: "r1"})
	err := RoutineReadyHandler(mock)(context.Background(), store.OutboxMessage{PayloadJSON: string(payload)})
	if err == nil || errors.Is(err, store.ErrPermanent) {
		t.Errorf("err = %v, want transient", err)
	}
}

func TestMaskPhone(t *testing.T) {
	if got := maskPhone("+15550001"); got != "*****0001" {
		t.Errorf("maskPhone = %q", got)
	}
	if got := maskPhone("12"); got != "****" {
		t.Errorf("maskPhone short = %q", got)
	}
}
