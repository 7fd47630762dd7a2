package onboarding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/BTreeMap/Dermis/internal/flow"
	"github.com/BTreeMap/Dermis/internal/i18n"
	"github.com/BTreeMap/Dermis/internal/models"
	"github.com/BTreeMap/Dermis/internal/session"
)

// Step names registered with the Guard.
const (
	StepFront       = "front"
	StepSide        = "side"
	StepAnalyze     = "analyze"
	StepSensitivity = "sensitivity"
	StepRoutine     = "routine"
)

var steps = []string{StepFront, StepSide, StepAnalyze, StepSensitivity, StepRoutine}

// Status is the device's position in the onboarding flow.
type Status struct {
	State      models.StateType       `json:"state"`
	Conditions []string               `json:"conditions,omitempty"`
	Result     *models.AnalysisResult `json:"result,omitempty"`
	SkinType   string                 `json:"skin_type,omitempty"`
	Confidence string                 `json:"confidence,omitempty"`
	// Processing lists the steps in flight, so a reconnecting client can
	// show progress instead of triggering them again.
	Processing []string `json:"processing,omitempty"`
}

// Service drives a device through front, side, sensitivity and routine,
// persisting each intermediate result in the flow state.
type Service struct {
	analyzer    *Analyzer
	sensitivity *SensitivityStep
	synthesizer *Synthesizer
	sessions    *session.Manager
	states      flow.StateManager
	guard       *Guard
}

// NewService wires the onboarding steps together.
func NewService(analyzer *Analyzer, sensitivity *SensitivityStep, synthesizer *Synthesizer, sessions *session.Manager, states flow.StateManager, guard *Guard) *Service {
	if guard == nil {
		guard = NewGuard()
	}
	return &Service{
		analyzer:    analyzer,
		sensitivity: sensitivity,
		synthesizer: synthesizer,
		sessions:    sessions,
		states:      states,
		guard:       guard,
	}
}

// Guard returns the in-flight guard shared with logout.
func (s *Service) Guard() *Guard {
	return s.guard
}

// begin checks authentication and registers the step with the guard.
func (s *Service) begin(ctx context.Context, deviceID, step string) (context.Context, func(), string, error) {
	loc := i18n.FromContext(ctx)
	st, err := s.sessions.Snapshot(deviceID)
	if err != nil {
		return nil, nil, "", fmt.Errorf("failed to load session: %w", err)
	}
	if !st.Authenticated() {
		return nil, nil, "", models.NewStepError(models.ErrorKindUnauthorized, step, loc.T(i18n.KeyNotAuthenticated), models.ErrNotAuthenticated)
	}
	stepCtx, done, err := s.guard.Begin(ctx, deviceID, step)
	if err != nil {
		return nil, nil, "", models.NewStepError(models.ErrorKindInFlight, step, loc.T(i18n.KeyAlreadyProcessing), err)
	}
	return i18n.WithLocalizer(stepCtx, loc), done, st.User(), nil
}

func (s *Service) currentState(ctx context.Context, deviceID string) (models.StateType, error) {
	return s.states.GetCurrentState(ctx, deviceID, models.FlowTypeOnboarding)
}

func (s *Service) invalidStep(ctx context.Context, op string, key i18n.Key, state models.StateType) error {
	slog.Warn("Service: step not available", "op", op, "state", state)
	return models.NewStepError(models.ErrorKindInvalidState, op, i18n.FromContext(ctx).T(key),
		fmt.Errorf("%w: current state %q", flow.ErrInvalidTransition, state))
}

// capturing reports whether the front capture may (re)start from state.
func capturing(state models.StateType) bool {
	return state == "" || state == models.StateFront || state == models.StateSide
}

// transition stores data and advances the flow; a concurrent move by another
// request surfaces as an invalid_state error.
func (s *Service) transition(ctx context.Context, op, deviceID string, from, to models.StateType, data map[models.DataKey]string) error {
	err := s.states.TransitionState(ctx, deviceID, models.FlowTypeOnboarding, from, to, data)
	if errors.Is(err, flow.ErrInvalidTransition) {
		return s.invalidStep(ctx, op, i18n.KeyInvalidStep, from)
	}
	if err != nil {
		return fmt.Errorf("failed to save flow state: %w", err)
	}
	return nil
}

// FrontStep analyzes the front image. On success the device moves to the side step.
func (s *Service) FrontStep(ctx context.Context, deviceID string, image models.ImageAsset) (models.ConditionsResult, error) {
	ctx, done, _, err := s.begin(ctx, deviceID, StepFront)
	if err != nil {
		return models.ConditionsResult{}, err
	}
	defer done()

	state, err := s.currentState(ctx, deviceID)
	if err != nil {
		return models.ConditionsResult{}, err
	}
	if !capturing(state) {
		return models.ConditionsResult{}, s.invalidStep(ctx, "FrontStep", i18n.KeyInvalidStep, state)
	}

	eff, err := s.analyzer.SubmitFrontImage(ctx, image)
	if err != nil {
		return models.ConditionsResult{}, err
	}
	stored := models.NewConditionsResult(eff.Conditions, eff.InputImage.WithoutBase64())
	data, err := json.Marshal(stored)
	if err != nil {
		return models.ConditionsResult{}, fmt.Errorf("failed to encode conditions: %w", err)
	}
	if err := s.transition(ctx, "FrontStep", deviceID, state, models.StateSide, map[models.DataKey]string{
		models.DataKeyFrontConditions: string(data),
	}); err != nil {
		return models.ConditionsResult{}, err
	}
	return stored, nil
}

func (s *Service) frontConditions(ctx context.Context, deviceID string) (*models.ConditionsResult, error) {
	raw, err := s.states.GetStateData(ctx, deviceID, models.FlowTypeOnboarding, models.DataKeyFrontConditions)
	if err != nil || raw == "" {
		return nil, err
	}
	var eff models.ConditionsResult
	if err := json.Unmarshal([]byte(raw), &eff); err != nil {
		return nil, fmt.Errorf("corrupt front conditions: %w", err)
	}
	return &eff, nil
}

// SideStep classifies the side image and merges it with the stored front
// conditions. On failure the device stays at the side step.
func (s *Service) SideStep(ctx context.Context, deviceID string, image models.ImageAsset) (models.AnalysisResult, error) {
	ctx, done, _, err := s.begin(ctx, deviceID, StepSide)
	if err != nil {
		return models.AnalysisResult{}, err
	}
	defer done()

	state, err := s.currentState(ctx, deviceID)
	if err != nil {
		return models.AnalysisResult{}, err
	}
	if state != models.StateSide {
		return models.AnalysisResult{}, s.invalidStep(ctx, "SideStep", i18n.KeyFrontRequired, state)
	}
	prior, err := s.frontConditions(ctx, deviceID)
	if err != nil {
		return models.AnalysisResult{}, err
	}
	cnn, err := s.analyzer.SubmitSideImage(ctx, image, prior)
	if err != nil {
		return models.AnalysisResult{}, err
	}
	result := MergeResults(*prior, cnn).WithoutImageData()
	if err := s.storeResult(ctx, "SideStep", deviceID, models.StateSide, models.StateSensitivity, result, nil); err != nil {
		return models.AnalysisResult{}, err
	}
	return result, nil
}

// Analyze runs both analyses in one request and moves the device to the
// sensitivity step.
func (s *Service) Analyze(ctx context.Context, deviceID string, front, side models.ImageAsset) (models.AnalysisResult, error) {
	ctx, done, _, err := s.begin(ctx, deviceID, StepAnalyze)
	if err != nil {
		return models.AnalysisResult{}, err
	}
	defer done()

	state, err := s.currentState(ctx, deviceID)
	if err != nil {
		return models.AnalysisResult{}, err
	}
	if !capturing(state) {
		return models.AnalysisResult{}, s.invalidStep(ctx, "Analyze", i18n.KeyInvalidStep, state)
	}
	result, err := s.analyzer.AnalyzeCombined(ctx, front, side)
	if err != nil {
		return models.AnalysisResult{}, err
	}
	result = result.WithoutImageData()
	effData, err := json.Marshal(result.Eff)
	if err != nil {
		return models.AnalysisResult{}, fmt.Errorf("failed to encode conditions: %w", err)
	}
	if err := s.storeResult(ctx, "Analyze", deviceID, state, models.StateSensitivity, result, map[models.DataKey]string{
		models.DataKeyFrontConditions: string(effData),
	}); err != nil {
		return models.AnalysisResult{}, err
	}
	return result, nil
}

func (s *Service) storeResult(ctx context.Context, op, deviceID string, from, to models.StateType, result models.AnalysisResult, extra map[models.DataKey]string) error {
	if !result.Complete() {
		return models.NewStepError(models.ErrorKindInvalidState, op, i18n.FromContext(ctx).T(i18n.KeyInvalidStep), models.ErrIncompleteAnalysis)
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode analysis result: %w", err)
	}
	values := map[models.DataKey]string{models.DataKeyAnalysisResult: string(data)}
	for k, v := range extra {
		values[k] = v
	}
	return s.transition(ctx, op, deviceID, from, to, values)
}

func (s *Service) analysisResult(ctx context.Context, deviceID string) (models.AnalysisResult, error) {
	raw, err := s.states.GetStateData(ctx, deviceID, models.FlowTypeOnboarding, models.DataKeyAnalysisResult)
	if err != nil {
		return models.AnalysisResult{}, err
	}
	var result models.AnalysisResult
	if raw == "" {
		return result, nil
	}
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return models.AnalysisResult{}, fmt.Errorf("corrupt analysis result: %w", err)
	}
	return result, nil
}

// Sensitivity records the answer on the user record and moves the device to
// the routine step. A failed sync is reported but does not block.
func (s *Service) Sensitivity(ctx context.Context, deviceID string, answer Answer) (SyncResult, error) {
	ctx, done, userID, err := s.begin(ctx, deviceID, StepSensitivity)
	if err != nil {
		return SyncResult{}, err
	}
	defer done()

	state, err := s.currentState(ctx, deviceID)
	if err != nil {
		return SyncResult{}, err
	}
	if state != models.StateSensitivity {
		return SyncResult{}, s.invalidStep(ctx, "Sensitivity", i18n.KeyInvalidStep, state)
	}
	result, err := s.analysisResult(ctx, deviceID)
	if err != nil {
		return SyncResult{}, err
	}
	if !result.Complete() {
		return SyncResult{}, models.NewStepError(models.ErrorKindInvalidState, "Sensitivity", i18n.FromContext(ctx).T(i18n.KeyInvalidStep), models.ErrIncompleteAnalysis)
	}

	sensitive := answer.Effective()
	res := s.sensitivity.SubmitSensitivity(ctx, deviceID, userID, result, sensitive)
	pending := "false"
	if !res.Synced {
		pending = "true"
	}
	if err := s.storeResult(ctx, "Sensitivity", deviceID, models.StateSensitivity, models.StateSynthesis, result.WithSensitivity(sensitive), map[models.DataKey]string{
		models.DataKeySensitivity: answer.String(),
		models.DataKeySyncPending: pending,
	}); err != nil {
		return SyncResult{}, err
	}
	return res, nil
}

// Routine synthesizes and saves the routine. The onboarding flag is set and
// the flow completes even when synthesis fails.
func (s *Service) Routine(ctx context.Context, deviceID string) (SynthesisOutcome, error) {
	ctx, done, userID, err := s.begin(ctx, deviceID, StepRoutine)
	if err != nil {
		return SynthesisOutcome{}, err
	}
	defer done()

	state, err := s.currentState(ctx, deviceID)
	if err != nil {
		return SynthesisOutcome{}, err
	}
	if state != models.StateSynthesis {
		return SynthesisOutcome{}, s.invalidStep(ctx, "Routine", i18n.KeyInvalidStep, state)
	}
	result, err := s.analysisResult(ctx, deviceID)
	if err != nil {
		return SynthesisOutcome{}, err
	}
	outcome, err := s.synthesizer.Synthesize(ctx, deviceID, userID, result)
	if err != nil {
		return outcome, err
	}
	if err := s.transition(ctx, "Routine", deviceID, models.StateSynthesis, models.StateComplete, nil); err != nil {
		slog.Error("Service.Routine: failed to complete flow", "device", deviceID, "error", err)
	}
	return outcome, nil
}

// Status reports the current step and what has been stored so far.
func (s *Service) Status(ctx context.Context, deviceID string) (Status, error) {
	state, err := s.currentState(ctx, deviceID)
	if err != nil {
		return Status{}, err
	}
	if state == "" {
		state = models.StateFront
	}
	out := Status{State: state}
	for _, step := range steps {
		if s.guard.Running(deviceID, step) {
			out.Processing = append(out.Processing, step)
		}
	}
	if eff, err := s.frontConditions(ctx, deviceID); err == nil && eff != nil {
		out.Conditions = slices.Clone(eff.Conditions)
	}
	if result, err := s.analysisResult(ctx, deviceID); err == nil && result.Complete() {
		out.Result = &result
		out.SkinType = result.SkinType()
		out.Confidence = models.FormatConfidence(result.CNN.Confidence)
	}
	return out, nil
}

// Restart discards the stored flow so the device can capture again. The
// onboarding flag is left as is.
func (s *Service) Restart(ctx context.Context, deviceID string) error {
	s.guard.CancelDevice(deviceID)
	return s.states.ResetState(ctx, deviceID, models.FlowTypeOnboarding)
}

// Cancel stops in-flight steps and resets the flow; used on logout.
func (s *Service) Cancel(ctx context.Context, deviceID string) error {
	n := s.guard.CancelDevice(deviceID)
	if err := s.states.ResetState(ctx, deviceID, models.FlowTypeOnboarding); err != nil {
		return err
	}
	slog.Debug("Service.Cancel: flow reset", "device", deviceID, "cancelled", n)
	return nil
}
