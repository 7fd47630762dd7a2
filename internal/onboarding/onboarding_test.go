package onboarding

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/Dermis/internal/flow"
	"github.com/BTreeMap/Dermis/internal/i18n"
	"github.com/BTreeMap/Dermis/internal/models"
	"github.com/BTreeMap/Dermis/internal/session"
	"github.com/BTreeMap/Dermis/internal/skinapi"
	"github.com/BTreeMap/Dermis/internal/store"
	"github.com/BTreeMap/Dermis/internal/testutil"
)

var (
	frontImage = models.ImageAsset{URI: "file:///tmp/front.jpg", Width: 4, Height: 4, Base64: base64.StdEncoding.EncodeToString([]byte("front"))}
	sideImage  = models.ImageAsset{URI: "file:///tmp/side.jpg", Width: 4, Height: 4, Base64: base64.StdEncoding.EncodeToString([]byte("side"))}
)

type harness struct {
	up       *testutil.FakeUpstream
	st       *store.InMemoryStore
	sessions *session.Manager
	states   *flow.StoreBasedStateManager
	svc      *Service
	client   *skinapi.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	up := testutil.NewFakeUpstream()
	t.Cleanup(up.Close)
	client := skinapi.NewClient(
		skinapi.WithInferenceBaseURL(up.URL()),
		skinapi.WithUsersBaseURL(up.URL()),
		skinapi.WithSynthesisBaseURL(up.URL()),
		skinapi.WithRoutinesBaseURL(up.URL()),
	)
	st := store.NewInMemoryStore()
	sessions := session.NewManager(st)
	if _, err := sessions.LoginAndSetStatus("dev", "u1", false); err != nil {
		t.Fatalf("LoginAndSetStatus: %v", err)
	}
	states := flow.NewStoreBasedStateManager(st)
	svc := NewService(
		NewAnalyzer(client),
		NewSensitivityStep(client, st),
		NewSynthesizer(client, sessions, WithRoutineReadyNotifications(st)),
		sessions, states, NewGuard(),
	)
	return &harness{up: up, st: st, sessions: sessions, states: states, svc: svc, client: client}
}

func (h *harness) state(t *testing.T) models.StateType {
	t.Helper()
	s, err := h.states.GetCurrentState(context.Background(), "dev", models.FlowTypeOnboarding)
	if err != nil {
		t.Fatalf("GetCurrentState: %v", err)
	}
	return s
}

func (h *harness) completed(t *testing.T) bool {
	t.Helper()
	st, err := h.sessions.Snapshot("dev")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	return st.HasCompletedOnboarding
}

func TestFullOnboarding(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	eff, err := h.svc.FrontStep(ctx, "dev", frontImage)
	if err != nil {
		t.Fatalf("FrontStep: %v", err)
	}
	if !reflect.DeepEqual(eff.Conditions, []string{"acne", "rosacea"}) {
		t.Errorf("conditions = %v", eff.Conditions)
	}
	if eff.InputImage.HasBase64() {
		t.Error("stored front image kept its base64")
	}
	if got := h.state(t); got != models.StateSide {
		t.Fatalf("state after front = %q", got)
	}

	result, err := h.svc.SideStep(ctx, "dev", sideImage)
	if err != nil {
		t.Fatalf("SideStep: %v", err)
	}
	if !result.Complete() || result.SkinType() != "oily" || result.CNN.Confidence != 0.873 {
		t.Errorf("result = %+v", result)
	}

	syncRes, err := h.svc.Sensitivity(ctx, "dev", AnswerUnsure)
	if err != nil {
		t.Fatalf("Sensitivity: %v", err)
	}
	if !syncRes.Synced {
		t.Errorf("sync = %+v", syncRes)
	}
	patches := h.up.Requests(http.MethodPatch, testutil.PathUsers)
	if len(patches) != 1 {
		t.Fatalf("PATCH count = %d", len(patches))
	}
	var patch map[string]interface{}
	testutil.MustUnmarshalJSON(t, patches[0].Body, &patch)
	if patch["is_sensitive"] != true || patch["skyn_type"] != "oily" {
		t.Errorf("PATCH body = %v", patch)
	}

	outcome, err := h.svc.Routine(ctx, "dev")
	if err != nil {
		t.Fatalf("Routine: %v", err)
	}
	if outcome.RoutineID != "r1" || !outcome.Completed || outcome.Alert != "" {
		t.Errorf("outcome = %+v", outcome)
	}
	var steps []string
	for _, p := range outcome.Products {
		steps = append(steps, p.Step)
	}
	if !reflect.DeepEqual(steps, []string{"Limpiar", "Tratar", "Proteger"}) {
		t.Errorf("steps = %v", steps)
	}
	if !h.completed(t) {
		t.Error("onboarding flag not set")
	}
	if got := h.state(t); got != models.StateComplete {
		t.Errorf("state = %q", got)
	}
	cached, _ := h.sessions.LoadResults("dev")
	if len(cached) != 3 {
		t.Errorf("cached results = %v", cached)
	}

	var pre map[string]interface{}
	testutil.MustUnmarshalJSON(t, h.up.Requests(http.MethodPost, testutil.PathPreprocess)[0].Body, &pre)
	if pre["is_sensitive"] != "true" {
		t.Errorf("preprocess is_sensitive = %v", pre["is_sensitive"])
	}
}

func TestSideFailureKeepsFlowAtSide(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.up.Set(http.MethodPost, testutil.PathSkinType, http.StatusInternalServerError, `{"error":"boom"}`)

	if _, err := h.svc.FrontStep(ctx, "dev", frontImage); err != nil {
		t.Fatalf("FrontStep: %v", err)
	}
	_, err := h.svc.SideStep(ctx, "dev", sideImage)
	var se *models.StepError
	if !errors.As(err, &se) {
		t.Fatalf("SideStep err = %v, want StepError", err)
	}
	if se.Kind != models.ErrorKindNetwork || !se.Blocking() || se.Alert != i18n.Default().T(i18n.KeySideFailed) {
		t.Errorf("StepError = %+v", se)
	}
	if skinapi.StatusCode(err) != http.StatusInternalServerError {
		t.Errorf("status = %d", skinapi.StatusCode(err))
	}
	if got := h.state(t); got != models.StateSide {
		t.Errorf("state = %q, want side", got)
	}
	if h.completed(t) {
		t.Error("onboarding flag changed")
	}
	if n := h.up.Count(http.MethodPost, testutil.PathSkinType); n != 1 {
		t.Errorf("side attempts = %d, want 1", n)
	}
}

func TestSideBeforeFrontRejected(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.SideStep(context.Background(), "dev", sideImage)
	if models.KindOf(err) != models.ErrorKindInvalidState {
		t.Errorf("err = %v, want invalid_state", err)
	}
	if n := h.up.Count(http.MethodPost, testutil.PathSkinType); n != 0 {
		t.Errorf("skin type called %d times", n)
	}
}

func TestStepsRequireLogin(t *testing.T) {
	h := newHarness(t)
	if _, err := h.sessions.Logout("dev"); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	_, err := h.svc.FrontStep(context.Background(), "dev", frontImage)
	if models.KindOf(err) != models.ErrorKindUnauthorized {
		t.Errorf("err = %v, want unauthorized", err)
	}
}

func TestCreateRoutineFailureStillCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.up.Set(http.MethodPost, testutil.PathRoutines, http.StatusBadRequest, `{"detail":"bad"}`)

	if _, err := h.svc.Analyze(ctx, "dev", frontImage, sideImage); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if _, err := h.svc.Sensitivity(ctx, "dev", AnswerNo); err != nil {
		t.Fatalf("Sensitivity: %v", err)
	}
	outcome, err := h.svc.Routine(ctx, "dev")
	if err != nil {
		t.Fatalf("Routine: %v", err)
	}
	if outcome.RoutineID != "" || outcome.Kind != models.ErrorKindNetwork || outcome.Alert == "" {
		t.Errorf("outcome = %+v", outcome)
	}
	if !outcome.Completed || !h.completed(t) {
		t.Error("onboarding flag not set after routine failure")
	}
	if h.client.HasRoutine(ctx, "u1") {
		t.Error("routine reported present")
	}
}

func TestPreprocessFailureStillCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.up.Set(http.MethodPost, testutil.PathPreprocess, http.StatusBadGateway, `{}`)

	if _, err := h.svc.Analyze(ctx, "dev", frontImage, sideImage); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if _, err := h.svc.Sensitivity(ctx, "dev", AnswerYes); err != nil {
		t.Fatalf("Sensitivity: %v", err)
	}
	outcome, err := h.svc.Routine(ctx, "dev")
	if err != nil {
		t.Fatalf("Routine: %v", err)
	}
	if len(outcome.Products) != 0 || !outcome.Completed {
		t.Errorf("outcome = %+v", outcome)
	}
	if n := h.up.Count(http.MethodPost, testutil.PathRoutines); n != 0 {
		t.Errorf("createRoutine called %d times after preprocess failure", n)
	}
}

func TestEmptyConditionsUseFallback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.up.Set(http.MethodPost, testutil.PathConditions, http.StatusOK, `{"skin_conditions":[]}`)

	if _, err := h.svc.Analyze(ctx, "dev", frontImage, sideImage); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if _, err := h.svc.Sensitivity(ctx, "dev", AnswerNo); err != nil {
		t.Fatalf("Sensitivity: %v", err)
	}
	if _, err := h.svc.Routine(ctx, "dev"); err != nil {
		t.Fatalf("Routine: %v", err)
	}
	reqs := h.up.Requests(http.MethodPost, testutil.PathPreprocess)
	if len(reqs) != 1 {
		t.Fatalf("preprocess calls = %d", len(reqs))
	}
	var body skinapi.SynthesisRequest
	testutil.MustUnmarshalJSON(t, reqs[0].Body, &body)
	if !reflect.DeepEqual(body.Conditions, []string{"wrinkle"}) || body.IsSensitive != "false" {
		t.Errorf("preprocess body = %+v", body)
	}
}

func TestFailedSyncIsRetriedFromOutbox(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.up.Queue(http.MethodPatch, testutil.PathUsers,
		testutil.Reply{Status: http.StatusServiceUnavailable, Body: `{}`},
		testutil.Reply{Status: http.StatusOK, Body: `{}`},
	)

	if _, err := h.svc.Analyze(ctx, "dev", frontImage, sideImage); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	res, err := h.svc.Sensitivity(ctx, "dev", AnswerYes)
	if err != nil {
		t.Fatalf("Sensitivity: %v", err)
	}
	if res.Synced || res.Kind != models.ErrorKindSync || res.OutboxID == "" {
		t.Fatalf("sync = %+v", res)
	}
	if got := h.state(t); got != models.StateSynthesis {
		t.Errorf("failed sync blocked the flow: state = %q", got)
	}

	sender := store.NewOutboxSender(h.st, store.OutboxRouter{
		models.OutboxKindSkinSync: SkinSyncSender(h.client),
	}.Send, time.Hour)
	if sent := sender.Flush(ctx); sent != 1 {
		t.Fatalf("Flush sent %d, want 1", sent)
	}
	msgs, _ := h.st.ListOutboxMessages("dev")
	if len(msgs) != 1 || msgs[0].Status != store.OutboxStatusSent {
		t.Errorf("outbox = %+v", msgs)
	}
	if n := h.up.Count(http.MethodPatch, testutil.PathUsers); n != 2 {
		t.Errorf("PATCH count = %d, want 2", n)
	}
}

// redoSensitivity restarts the flow and answers again after a fresh analysis.
func redoSensitivity(t *testing.T, h *harness, answer Answer) SyncResult {
	t.Helper()
	ctx := context.Background()
	if err := h.svc.Restart(ctx, "dev"); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if _, err := h.svc.Analyze(ctx, "dev", frontImage, sideImage); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	res, err := h.svc.Sensitivity(ctx, "dev", answer)
	if err != nil {
		t.Fatalf("Sensitivity: %v", err)
	}
	return res
}

func lastPatchSensitive(t *testing.T, h *harness) bool {
	t.Helper()
	reqs := h.up.Requests(http.MethodPatch, testutil.PathUsers)
	if len(reqs) == 0 {
		t.Fatal("no PATCH recorded")
	}
	var body map[string]interface{}
	testutil.MustUnmarshalJSON(t, reqs[len(reqs)-1].Body, &body)
	sensitive, ok := body["is_sensitive"].(bool)
	if !ok {
		t.Fatalf("PATCH body without is_sensitive: %s", reqs[len(reqs)-1].Body)
	}
	return sensitive
}

func TestNewerSyncCancelsQueuedRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.up.Queue(http.MethodPatch, testutil.PathUsers,
		testutil.Reply{Status: http.StatusServiceUnavailable, Body: `{}`},
		testutil.Reply{Status: http.StatusOK, Body: `{}`},
	)

	if _, err := h.svc.Analyze(ctx, "dev", frontImage, sideImage); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	first, err := h.svc.Sensitivity(ctx, "dev", AnswerYes)
	if err != nil || first.Synced || first.OutboxID == "" {
		t.Fatalf("first sync = %+v, %v", first, err)
	}

	if second := redoSensitivity(t, h, AnswerNo); !second.Synced {
		t.Fatalf("second sync = %+v", second)
	}

	sender := store.NewOutboxSender(h.st, store.OutboxRouter{
		models.OutboxKindSkinSync: SkinSyncSender(h.client),
	}.Send, time.Hour)
	if sent := sender.Flush(ctx); sent != 0 {
		t.Errorf("stale sync replayed: sent %d", sent)
	}
	if n := h.up.Count(http.MethodPatch, testutil.PathUsers); n != 2 {
		t.Errorf("PATCH count = %d, want 2", n)
	}
	if lastPatchSensitive(t, h) {
		t.Error("user record holds the older answer")
	}
	msgs, _ := h.st.ListOutboxMessages("dev")
	if len(msgs) != 1 || msgs[0].ID != first.OutboxID || msgs[0].Status != store.OutboxStatusCanceled {
		t.Errorf("outbox = %+v", msgs)
	}
}

func TestRepeatedSyncFailureQueuesLatestPayload(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.up.Queue(http.MethodPatch, testutil.PathUsers,
		testutil.Reply{Status: http.StatusServiceUnavailable, Body: `{}`},
		testutil.Reply{Status: http.StatusServiceUnavailable, Body: `{}`},
		testutil.Reply{Status: http.StatusOK, Body: `{}`},
	)

	if _, err := h.svc.Analyze(ctx, "dev", frontImage, sideImage); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	first, _ := h.svc.Sensitivity(ctx, "dev", AnswerYes)
	second := redoSensitivity(t, h, AnswerNo)
	if second.Synced || second.OutboxID == "" || second.OutboxID == first.OutboxID {
		t.Fatalf("second sync = %+v, first = %+v", second, first)
	}

	sender := store.NewOutboxSender(h.st, store.OutboxRouter{
		models.OutboxKindSkinSync: SkinSyncSender(h.client),
	}.Send, time.Hour)
	if sent := sender.Flush(ctx); sent != 1 {
		t.Fatalf("Flush sent %d, want 1", sent)
	}
	if lastPatchSensitive(t, h) {
		t.Error("retry sent the older answer")
	}
}

func TestSkinSyncSenderPermanentStatus(t *testing.T) {
	h := newHarness(t)
	send := SkinSyncSender(h.client)
	payload, _ := json.Marshal(models.SkinSyncPayload{UserID: "u1", SkinType: "dry"})
	msg := store.OutboxMessage{ID: "ob_1", DeviceID: "dev", Kind: models.OutboxKindSkinSync, PayloadJSON: string(payload)}

	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusNotFound, true},
		{http.StatusRequestTimeout, false},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		h.up.Set(http.MethodPatch, testutil.PathUsers, tt.status, `{}`)
		err := send(context.Background(), msg)
		if err == nil {
			t.Errorf("status %d: no error", tt.status)
			continue
		}
		if got := errors.Is(err, store.ErrPermanent); got != tt.permanent {
			t.Errorf("status %d: permanent = %v, want %v", tt.status, got, tt.permanent)
		}
	}

	bad := msg
	bad.PayloadJSON = "{"
	if err := send(context.Background(), bad); !errors.Is(err, store.ErrPermanent) {
		t.Errorf("corrupt payload err = %v", err)
	}
}

func TestRoutineReadyQueuedForPhone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.sessions.SetPhone("dev", "+15550001"); err != nil {
		t.Fatalf("SetPhone: %v", err)
	}
	if _, err := h.svc.Analyze(ctx, "dev", frontImage, sideImage); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if _, err := h.svc.Sensitivity(ctx, "dev", AnswerYes); err != nil {
		t.Fatalf("Sensitivity: %v", err)
	}
	if _, err := h.svc.Routine(ctx, "dev"); err != nil {
		t.Fatalf("Routine: %v", err)
	}
	msgs, _ := h.st.ListOutboxMessages("dev")
	if len(msgs) != 1 || msgs[0].Kind != models.OutboxKindRoutineReady {
		t.Fatalf("outbox = %+v", msgs)
	}
	var p models.RoutineReadyPayload
	testutil.MustUnmarshalJSON(t, []byte(msgs[0].PayloadJSON), &p)
	if p.Phone != "+15550001" || p.RoutineID != "r1" || p.Language != "es" {
		t.Errorf("payload = %+v", p)
	}
}

func TestRoutineBeforeSensitivityRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.svc.Analyze(ctx, "dev", frontImage, sideImage); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	_, err := h.svc.Routine(ctx, "dev")
	if models.KindOf(err) != models.ErrorKindInvalidState {
		t.Errorf("err = %v, want invalid_state", err)
	}
	if h.completed(t) {
		t.Error("flag set without synthesis")
	}
}

func TestRestartAndStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	st, err := h.svc.Status(ctx, "dev")
	if err != nil || st.State != models.StateFront {
		t.Fatalf("Status = %+v, %v", st, err)
	}
	if _, err := h.svc.Analyze(ctx, "dev", frontImage, sideImage); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	st, _ = h.svc.Status(ctx, "dev")
	if st.State != models.StateSensitivity || st.SkinType != "oily" || st.Confidence != "87.3%" {
		t.Errorf("Status = %+v", st)
	}
	if err := h.svc.Restart(ctx, "dev"); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if got := h.state(t); got != "" {
		t.Errorf("state after restart = %q", got)
	}
}

type blockingInference struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingInference) DetectConditions(ctx context.Context, _ models.ImageAsset) ([]string, error) {
	close(b.started)
	select {
	case <-b.release:
		return []string{"acne"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *blockingInference) ClassifySkinType(context.Context, models.ImageAsset) (string, float64, error) {
	return "dry", 0.5, nil
}

func TestInFlightRejectedAndCancelled(t *testing.T) {
	h := newHarness(t)
	inf := &blockingInference{started: make(chan struct{}), release: make(chan struct{})}
	svc := NewService(NewAnalyzer(inf), nil, nil, h.sessions, h.states, NewGuard())

	var wg sync.WaitGroup
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstErr = svc.FrontStep(context.Background(), "dev", frontImage)
	}()
	<-inf.started

	st, err := svc.Status(context.Background(), "dev")
	if err != nil || len(st.Processing) != 1 || st.Processing[0] != StepFront {
		t.Errorf("status while front runs = %+v, %v", st, err)
	}

	_, err = svc.FrontStep(context.Background(), "dev", frontImage)
	var se *models.StepError
	if !errors.As(err, &se) || se.Kind != models.ErrorKindInFlight || !errors.Is(err, ErrInFlight) {
		t.Errorf("second trigger err = %v, want in_flight", err)
	}

	if err := svc.Cancel(context.Background(), "dev"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	wg.Wait()
	if !errors.Is(firstErr, context.Canceled) {
		t.Errorf("first trigger err = %v, want context.Canceled", firstErr)
	}
	if svc.Guard().Running("dev", StepFront) {
		t.Error("guard still holds the step")
	}
	if st, _ := svc.Status(context.Background(), "dev"); len(st.Processing) != 0 {
		t.Errorf("status after cancel = %+v", st)
	}
}

func TestLoadProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	data := []byte(`inference_base_url: http://inference
condition_path: /api/analyze-skin/logistic_regression_v1
transport: json
timeouts:
  inference: 5s
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	p, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if p.InferenceBaseURL != "http://inference" || p.ConditionPath != skinapi.ConditionPathLogistic || p.Transport != skinapi.TransportJSON {
		t.Errorf("profile = %+v", p)
	}
	if p.Timeouts.Inference != 5*time.Second || p.Timeouts.Request != skinapi.DefaultRequestTimeout {
		t.Errorf("timeouts = %+v", p.Timeouts)
	}
	if !reflect.DeepEqual(p.FallbackConditions, []string{"wrinkle"}) || p.RoutineName != "Mi rutina" {
		t.Errorf("defaults lost: %+v", p)
	}

	if _, err := LoadProfile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing profile loaded")
	}
}
