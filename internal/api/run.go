package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/Dermis/internal/auth"
	"github.com/BTreeMap/Dermis/internal/capture"
	"github.com/BTreeMap/Dermis/internal/flow"
	"github.com/BTreeMap/Dermis/internal/genai"
	"github.com/BTreeMap/Dermis/internal/models"
	"github.com/BTreeMap/Dermis/internal/navigation"
	"github.com/BTreeMap/Dermis/internal/notify"
	"github.com/BTreeMap/Dermis/internal/onboarding"
	"github.com/BTreeMap/Dermis/internal/routine"
	"github.com/BTreeMap/Dermis/internal/scheduler"
	"github.com/BTreeMap/Dermis/internal/session"
	"github.com/BTreeMap/Dermis/internal/skinapi"
	"github.com/BTreeMap/Dermis/internal/store"
)

// DefaultOutboxPollInterval is how often queued syncs and notifications are retried.
const DefaultOutboxPollInterval = 5 * time.Second

// Config gathers the per-module options assembled by the command.
type Config struct {
	Profile  onboarding.Profile
	StateDir string
	Store    []store.Option
	GenAI    []genai.Option
	Notify   []notify.Option
	API      []Option
}

// Stack is every component wired over one store.
type Stack struct {
	Store      store.Store
	Client     *skinapi.Client
	Gateway    *capture.Gateway
	Server     *Server
	Outbox     *store.OutboxSender
	Onboarding *onboarding.Service
}

// Build wires the store, external clients, services and server. GenAI and
// SMS are optional: without credentials usage drafting and routine-ready
// notifications are disabled.
func Build(cfg Config) (*Stack, error) {
	var so store.Opts
	for _, opt := range cfg.Store {
		opt(&so)
	}
	st, err := store.Open(so.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	slog.Debug("api.Build: store opened", "type", fmt.Sprintf("%T", st))

	apiOpts := resolveOpts(cfg.API)
	uploadDir := apiOpts.UploadDir
	if uploadDir == "" {
		uploadDir = filepath.Join(cfg.StateDir, "uploads")
	}

	sessions := session.NewManager(st)
	states := flow.NewStoreBasedStateManager(st)
	client := skinapi.NewClient(cfg.Profile.ClientOptions()...)
	hub := NewHub()

	consent := capture.NewReportedConsent()
	gateway, err := capture.NewGateway(
		capture.WithUploadDir(uploadDir),
		capture.WithPrompter(consent),
		capture.WithAlerter(hub),
	)
	if err != nil {
		st.Close()
		return nil, err
	}

	outboxRoutes := store.OutboxRouter{
		models.OutboxKindSkinSync: onboarding.SkinSyncSender(client),
	}
	synthOpts := []onboarding.SynthesizerOption{
		onboarding.WithFallbackConditions(cfg.Profile.FallbackConditions),
		onboarding.WithRoutineName(cfg.Profile.RoutineName),
	}
	sms, err := notify.NewClient(cfg.Notify...)
	switch {
	case err == nil:
		outboxRoutes[models.OutboxKindRoutineReady] = notify.RoutineReadyHandler(sms)
		synthOpts = append(synthOpts, onboarding.WithRoutineReadyNotifications(st))
		slog.Info("api.Build: routine-ready SMS enabled")
	case errors.Is(err, notify.ErrNotConfigured):
		slog.Info("api.Build: routine-ready SMS disabled", "reason", err)
	default:
		st.Close()
		return nil, fmt.Errorf("failed to create notification client: %w", err)
	}

	var routineOpts []routine.Option
	routineOpts = append(routineOpts, routine.WithUsageTimeout(cfg.Profile.Timeouts.Usage))
	gc, err := genai.NewClient(cfg.GenAI...)
	switch {
	case err == nil:
		routineOpts = append(routineOpts, routine.WithGenAI(gc))
		slog.Info("api.Build: usage drafting enabled")
	case errors.Is(err, genai.ErrNoAPIKey):
		slog.Info("api.Build: usage drafting disabled", "reason", err)
	default:
		st.Close()
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	onb := onboarding.NewService(
		onboarding.NewAnalyzer(client),
		onboarding.NewSensitivityStep(client, st),
		onboarding.NewSynthesizer(client, sessions, synthOpts...),
		sessions, states, onboarding.NewGuard(),
	)
	accounts := auth.NewService(client, sessions,
		auth.WithFlowCanceller(onb),
		auth.WithDeviceForgetter(gateway),
	)

	server := NewServer(Services{
		Sessions:   sessions,
		Navigation: navigation.NewController(sessions),
		Gateway:    gateway,
		Consent:    consent,
		Onboarding: onb,
		Auth:       accounts,
		Routine:    routine.NewService(client, sessions, routineOpts...),
		Hub:        hub,
	}, cfg.API...)

	return &Stack{
		Store:      st,
		Client:     client,
		Gateway:    gateway,
		Server:     server,
		Outbox:     store.NewOutboxSender(st, outboxRoutes.Send, DefaultOutboxPollInterval),
		Onboarding: onb,
	}, nil
}

// SchedulePruning registers the job that removes captured images older
// than the upload retention.
func (s *Stack) SchedulePruning(sched *scheduler.Scheduler) error {
	opts := s.Server.opts
	return sched.AddJob("prune-uploads", opts.PruneSchedule, func() {
		n, err := s.Gateway.PruneUploads(time.Now().Add(-opts.UploadRetention))
		if err != nil {
			slog.Warn("Stack.SchedulePruning: prune failed", "dir", s.Gateway.UploadDir(), "error", err)
			return
		}
		slog.Debug("Stack.SchedulePruning: uploads pruned", "dir", s.Gateway.UploadDir(), "removed", n)
	})
}

// Run builds the stack and serves until SIGINT or SIGTERM.
func Run(cfg Config) error {
	stack, err := Build(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := stack.Store.Close(); err != nil {
			slog.Error("api.Run: failed to close store", "error", err)
		}
	}()

	if err := stack.Outbox.RecoverStaleMessages(); err != nil {
		slog.Warn("api.Run: failed to recover stale outbox messages", "error", err)
	}

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := stack.SchedulePruning(sched); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		stack.Outbox.Run(gctx)
		return nil
	})
	g.Go(stack.Server.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("api.Run: stopping")
		return stack.Server.Shutdown(context.Background())
	})
	return g.Wait()
}
