package onboarding

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sort"
	"strconv"

	"github.com/BTreeMap/Dermis/internal/i18n"
	"github.com/BTreeMap/Dermis/internal/models"
	"github.com/BTreeMap/Dermis/internal/session"
	"github.com/BTreeMap/Dermis/internal/skinapi"
	"github.com/BTreeMap/Dermis/internal/store"
)

// SynthesisClient is the subset of skinapi.Client used by the Synthesizer.
type SynthesisClient interface {
	Preprocess(ctx context.Context, req skinapi.SynthesisRequest) (map[string]skinapi.StageRecommendation, error)
	CreateRoutine(ctx context.Context, userID, name string, productNames []string) (string, error)
}

// SynthesisOutcome is the result of the routine step. Failures are reported
// through Kind and Alert; Completed is true once the onboarding flag is set.
type SynthesisOutcome struct {
	Products  []models.RecommendedProduct `json:"products"`
	RoutineID string                      `json:"routine_id,omitempty"`
	Completed bool                        `json:"completed"`
	Kind      models.ErrorKind            `json:"kind,omitempty"`
	Alert     string                      `json:"alert,omitempty"`
}

// SynthesizerOpts holds optional Synthesizer settings.
type SynthesizerOpts struct {
	FallbackConditions []string
	RoutineName        string
	Outbox             store.OutboxRepo
	NotifyEnabled      bool
}

// SynthesizerOption configures a Synthesizer.
type SynthesizerOption func(*SynthesizerOpts)

// WithFallbackConditions replaces empty condition lists before preprocessing.
func WithFallbackConditions(c []string) SynthesizerOption {
	return func(o *SynthesizerOpts) { o.FallbackConditions = slices.Clone(c) }
}

// WithRoutineName sets the name given to created routines.
func WithRoutineName(name string) SynthesizerOption {
	return func(o *SynthesizerOpts) { o.RoutineName = name }
}

// WithRoutineReadyNotifications queues a routine_ready message on outbox after
// each created routine, for devices with a phone number.
func WithRoutineReadyNotifications(outbox store.OutboxRepo) SynthesizerOption {
	return func(o *SynthesizerOpts) {
		o.Outbox = outbox
		o.NotifyEnabled = outbox != nil
	}
}

// Synthesizer turns a complete analysis into recommended products and a saved routine.
type Synthesizer struct {
	client   SynthesisClient
	sessions *session.Manager
	opts     SynthesizerOpts
}

// NewSynthesizer creates a Synthesizer.
func NewSynthesizer(client SynthesisClient, sessions *session.Manager, opts ...SynthesizerOption) *Synthesizer {
	d := DefaultProfile()
	o := SynthesizerOpts{FallbackConditions: d.FallbackConditions, RoutineName: d.RoutineName}
	for _, opt := range opts {
		opt(&o)
	}
	if len(o.FallbackConditions) == 0 {
		o.FallbackConditions = d.FallbackConditions
	}
	if o.RoutineName == "" {
		o.RoutineName = d.RoutineName
	}
	return &Synthesizer{client: client, sessions: sessions, opts: o}
}

// Preprocess asks the synthesis service for one product per stage.
func (s *Synthesizer) Preprocess(ctx context.Context, skinType string, conditions []string, isSensitive bool) (map[string]skinapi.StageRecommendation, error) {
	if len(conditions) == 0 {
		conditions = slices.Clone(s.opts.FallbackConditions)
	}
	return s.client.Preprocess(ctx, skinapi.SynthesisRequest{
		SkinType:    skinType,
		Conditions:  conditions,
		IsSensitive: strconv.FormatBool(isSensitive),
	})
}

var stageRank = map[string]int{
	models.StageCleanse: 0,
	models.StageTreat:   1,
	models.StageProtect: 2,
}

// FlattenStages orders stages Limpiar, Tratar, Proteger, then any other stage
// alphabetically.
func FlattenStages(stages map[string]skinapi.StageRecommendation) []models.RecommendedProduct {
	names := make([]string, 0, len(stages))
	for name := range stages {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		ri, iok := stageRank[names[i]]
		rj, jok := stageRank[names[j]]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		default:
			return names[i] < names[j]
		}
	})
	out := make([]models.RecommendedProduct, 0, len(names))
	for _, name := range names {
		st := stages[name]
		ingredients := st.Ingredients
		if ingredients == nil {
			ingredients = []string{}
		}
		out = append(out, models.RecommendedProduct{Step: name, Name: st.Name, Ingredients: ingredients})
	}
	return out
}

// CreateRoutine saves a routine holding productNames for userID.
func (s *Synthesizer) CreateRoutine(ctx context.Context, userID string, productNames []string) (string, error) {
	return s.client.CreateRoutine(ctx, userID, s.opts.RoutineName, productNames)
}

// Synthesize runs preprocessing and routine creation for a complete analysis.
// Whatever happens after the input check, the onboarding flag is set before
// returning.
func (s *Synthesizer) Synthesize(ctx context.Context, deviceID, userID string, result models.AnalysisResult) (out SynthesisOutcome, err error) {
	out.Products = []models.RecommendedProduct{}
	loc := i18n.FromContext(ctx)
	if !result.Complete() {
		return out, models.NewStepError(models.ErrorKindInvalidState, "Synthesize", loc.T(i18n.KeyInvalidStep), models.ErrIncompleteAnalysis)
	}

	defer func() {
		if _, cerr := s.sessions.CompleteOnboarding(deviceID); cerr != nil {
			slog.Error("Synthesizer.Synthesize: failed to set onboarding flag", "device", deviceID, "error", cerr)
			return
		}
		out.Completed = true
	}()

	stages, perr := s.Preprocess(ctx, result.SkinType(), result.Conditions(), result.IsSensitive())
	if perr != nil {
		slog.Error("Synthesizer.Synthesize: preprocess failed", "device", deviceID, "userID", userID, "error", perr)
		out.Kind = models.ErrorKindNetwork
		out.Alert = loc.T(i18n.KeySynthesisFailed)
		return out, nil
	}
	out.Products = FlattenStages(stages)
	if serr := s.sessions.SaveResults(deviceID, out.Products); serr != nil {
		slog.Error("Synthesizer.Synthesize: failed to cache results", "device", deviceID, "error", serr)
	}

	names := make([]string, 0, len(out.Products))
	for _, p := range out.Products {
		if p.Name != "" {
			names = append(names, p.Name)
		}
	}
	routineID, rerr := s.CreateRoutine(ctx, userID, names)
	if rerr != nil {
		slog.Error("Synthesizer.Synthesize: routine creation failed", "device", deviceID, "userID", userID, "error", rerr)
		out.Kind = models.ErrorKindNetwork
		out.Alert = loc.T(i18n.KeyRoutineFailed)
		return out, nil
	}
	out.RoutineID = routineID
	slog.Info("Synthesizer.Synthesize: routine created", "device", deviceID, "userID", userID, "routineID", routineID, "products", len(out.Products))
	s.queueRoutineReady(ctx, deviceID, routineID)
	return out, nil
}

func (s *Synthesizer) queueRoutineReady(ctx context.Context, deviceID, routineID string) {
	if !s.opts.NotifyEnabled {
		return
	}
	phone, err := s.sessions.Phone(deviceID)
	if err != nil || phone == "" {
		return
	}
	data, err := json.Marshal(models.RoutineReadyPayload{
		Phone:     phone,
		RoutineID: routineID,
		Language:  i18n.FromContext(ctx).Tag().String(),
	})
	if err != nil {
		slog.Error("Synthesizer.queueRoutineReady: encode failed", "error", err)
		return
	}
	if _, err := s.opts.Outbox.EnqueueOutboxMessage(deviceID, models.OutboxKindRoutineReady, string(data), "routine:"+routineID); err != nil {
		slog.Error("Synthesizer.queueRoutineReady: enqueue failed", "device", deviceID, "error", err)
	}
}
