// Package auth registers users, logs devices in and out, and loads the
// user profile.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"

	"github.com/BTreeMap/Dermis/internal/i18n"
	"github.com/BTreeMap/Dermis/internal/models"
	"github.com/BTreeMap/Dermis/internal/session"
	"github.com/BTreeMap/Dermis/internal/skinapi"
)

// UserClient is the subset of skinapi.Client used for accounts.
type UserClient interface {
	RegisterUser(ctx context.Context, req skinapi.RegisterRequest) (string, error)
	Login(ctx context.Context, email, password string) (string, error)
	GetUser(ctx context.Context, userID string) (*models.UserProfile, error)
	HasRoutine(ctx context.Context, userID string) bool
}

// FlowCanceller stops in-flight onboarding work and resets the device's flow.
type FlowCanceller interface {
	Cancel(ctx context.Context, deviceID string) error
}

// DeviceForgetter drops per-device cached state, such as permission denials.
type DeviceForgetter interface {
	Forget(deviceID string)
}

// RegisterInput is the sign-up form.
type RegisterInput struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Age      int    `json:"age"`
	NickName string `json:"nick_name"`
	Password string `json:"password"`
	Phone    string `json:"phone,omitempty"`
}

// Validate reports whether every required field is present.
func (in RegisterInput) Validate() error {
	if strings.TrimSpace(in.Name) == "" || strings.TrimSpace(in.Email) == "" || in.Password == "" || in.Age <= 0 {
		return fmt.Errorf("missing required fields")
	}
	if _, err := mail.ParseAddress(in.Email); err != nil {
		return fmt.Errorf("invalid email: %w", err)
	}
	return nil
}

// Opts holds optional Service collaborators.
type Opts struct {
	Flows  FlowCanceller
	Forget DeviceForgetter
}

// Option configures a Service.
type Option func(*Opts)

// WithFlowCanceller resets onboarding flows on logout and forget-token.
func WithFlowCanceller(f FlowCanceller) Option {
	return func(o *Opts) { o.Flows = f }
}

// WithDeviceForgetter clears device caches on forget-token.
func WithDeviceForgetter(f DeviceForgetter) Option {
	return func(o *Opts) { o.Forget = f }
}

// Service implements the account operations for a device.
type Service struct {
	client   UserClient
	sessions *session.Manager
	opts     Opts
}

// NewService creates a Service.
func NewService(client UserClient, sessions *session.Manager, opts ...Option) *Service {
	var o Opts
	for _, opt := range opts {
		opt(&o)
	}
	return &Service{client: client, sessions: sessions, opts: o}
}

// Register creates the user record and logs the device in with onboarding pending.
func (s *Service) Register(ctx context.Context, deviceID string, in RegisterInput) (models.SessionState, error) {
	loc := i18n.FromContext(ctx)
	if err := in.Validate(); err != nil {
		return models.SessionState{}, models.NewStepError(models.ErrorKindInvalidInput, "Register", loc.T(i18n.KeyMissingFields), err)
	}
	userID, err := s.client.RegisterUser(ctx, skinapi.RegisterRequest{
		Name:     strings.TrimSpace(in.Name),
		Email:    strings.TrimSpace(in.Email),
		Age:      in.Age,
		NickName: strings.TrimSpace(in.NickName),
		Password: in.Password,
	})
	if err != nil {
		slog.Error("Service.Register: registration failed", "device", deviceID, "error", err)
		return models.SessionState{}, models.NewStepError(models.ErrorKindNetwork, "Register", loc.T(i18n.KeyRegisterFailed), err)
	}
	st, err := s.sessions.LoginAndSetStatus(deviceID, userID, false)
	if err != nil {
		return models.SessionState{}, err
	}
	if in.Phone != "" {
		if err := s.sessions.SetPhone(deviceID, strings.TrimSpace(in.Phone)); err != nil {
			slog.Warn("Service.Register: failed to store phone", "device", deviceID, "error", err)
		}
	}
	slog.Info("Service.Register: user registered", "device", deviceID, "userID", userID)
	return st, nil
}

// Login authenticates the device. A user whose routine exists has completed
// onboarding; a missing routine or any lookup failure means it has not.
func (s *Service) Login(ctx context.Context, deviceID, email, password string) (models.SessionState, error) {
	loc := i18n.FromContext(ctx)
	if strings.TrimSpace(email) == "" || password == "" {
		return models.SessionState{}, models.NewStepError(models.ErrorKindInvalidInput, "Login", loc.T(i18n.KeyMissingFields), fmt.Errorf("missing credentials"))
	}
	userID, err := s.client.Login(ctx, strings.TrimSpace(email), password)
	if err != nil {
		kind := models.ErrorKindNetwork
		switch skinapi.StatusCode(err) {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			kind = models.ErrorKindUnauthorized
		}
		slog.Warn("Service.Login: login failed", "device", deviceID, "kind", kind, "error", err)
		return models.SessionState{}, models.NewStepError(kind, "Login", loc.T(i18n.KeyLoginFailed), err)
	}
	completed := s.client.HasRoutine(ctx, userID)
	st, err := s.sessions.LoginAndSetStatus(deviceID, userID, completed)
	if err != nil {
		return models.SessionState{}, err
	}
	return st, nil
}

// Logout clears the user from the device and stops its onboarding work.
func (s *Service) Logout(ctx context.Context, deviceID string) (models.SessionState, error) {
	s.cancelFlow(ctx, deviceID)
	return s.sessions.Logout(deviceID)
}

// ForgetToken clears the user and the onboarding flag, stops onboarding work
// and drops device caches.
func (s *Service) ForgetToken(ctx context.Context, deviceID string) (models.SessionState, error) {
	s.cancelFlow(ctx, deviceID)
	if s.opts.Forget != nil {
		s.opts.Forget.Forget(deviceID)
	}
	return s.sessions.ForgetToken(deviceID)
}

func (s *Service) cancelFlow(ctx context.Context, deviceID string) {
	if s.opts.Flows == nil {
		return
	}
	if err := s.opts.Flows.Cancel(ctx, deviceID); err != nil {
		slog.Warn("Service.cancelFlow: failed to reset flow", "device", deviceID, "error", err)
	}
}

// Profile loads the logged-in user's record.
func (s *Service) Profile(ctx context.Context, deviceID string) (*models.UserProfile, error) {
	loc := i18n.FromContext(ctx)
	st, err := s.sessions.Snapshot(deviceID)
	if err != nil {
		return nil, err
	}
	if !st.Authenticated() {
		return nil, models.NewStepError(models.ErrorKindUnauthorized, "Profile", loc.T(i18n.KeyNotAuthenticated), models.ErrNotAuthenticated)
	}
	profile, err := s.client.GetUser(ctx, st.User())
	if err != nil {
		slog.Error("Service.Profile: lookup failed", "device", deviceID, "userID", st.User(), "error", err)
		return nil, models.NewStepError(models.ErrorKindNetwork, "Profile", loc.T(i18n.KeyProfileFailed), err)
	}
	return profile, nil
}
