// Package routine builds the main screen: the saved routine, or an empty
// state with the last recommendations when there is none.
package routine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/Dermis/internal/genai"
	"github.com/BTreeMap/Dermis/internal/i18n"
	"github.com/BTreeMap/Dermis/internal/models"
	"github.com/BTreeMap/Dermis/internal/session"
	"github.com/BTreeMap/Dermis/internal/skinapi"
)

// DefaultUsageTimeout bounds usage drafting.
const DefaultUsageTimeout = 15 * time.Second

// Client is the subset of skinapi.Client used by the routine screen.
type Client interface {
	GetRoutine(ctx context.Context, userID string) (*models.Routine, error)
}

// ProductView is a routine product with its standard instructions.
type ProductView struct {
	models.Product
	Steps        []string `json:"steps"`
	Instructions string   `json:"instructions"`
}

// Screen is everything the main screen renders.
type Screen struct {
	RoutineID       string                      `json:"routine_id,omitempty"`
	Products        []ProductView               `json:"products"`
	Usage           string                      `json:"usage"`
	UsageBlocks     []Block                     `json:"usage_blocks"`
	Empty           bool                        `json:"empty"`
	Message         string                      `json:"message,omitempty"`
	CanRecapture    bool                        `json:"can_recapture"`
	Recommendations []models.RecommendedProduct `json:"recommendations"`
}

// Opts holds optional Service settings.
type Opts struct {
	GenAI        genai.ClientInterface
	UsageTimeout time.Duration
}

// Option configures a Service.
type Option func(*Opts)

// WithGenAI drafts usage text for routines that have none.
func WithGenAI(c genai.ClientInterface) Option {
	return func(o *Opts) { o.GenAI = c }
}

// WithUsageTimeout bounds each drafting call.
func WithUsageTimeout(d time.Duration) Option {
	return func(o *Opts) { o.UsageTimeout = d }
}

// Service loads the main screen for a device.
type Service struct {
	client   Client
	sessions *session.Manager
	opts     Opts
}

// NewService creates a Service.
func NewService(client Client, sessions *session.Manager, opts ...Option) *Service {
	o := Opts{UsageTimeout: DefaultUsageTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.UsageTimeout <= 0 {
		o.UsageTimeout = DefaultUsageTimeout
	}
	return &Service{client: client, sessions: sessions, opts: o}
}

// Current loads the user's routine. A missing routine, or any failure to
// load it, yields the empty state with the cached recommendations.
func (s *Service) Current(ctx context.Context, deviceID string) (Screen, error) {
	loc := i18n.FromContext(ctx)
	st, err := s.sessions.Snapshot(deviceID)
	if err != nil {
		return Screen{}, err
	}
	if !st.Authenticated() {
		return Screen{}, models.NewStepError(models.ErrorKindUnauthorized, "Current", loc.T(i18n.KeyNotAuthenticated), models.ErrNotAuthenticated)
	}

	cached, err := s.sessions.LoadResults(deviceID)
	if err != nil {
		slog.Warn("Service.Current: failed to load cached results", "device", deviceID, "error", err)
		cached = []models.RecommendedProduct{}
	}

	r, err := s.client.GetRoutine(ctx, st.User())
	if err != nil {
		if errors.Is(err, skinapi.ErrNotFound) {
			slog.Debug("Service.Current: no routine yet", "device", deviceID, "userID", st.User())
		} else {
			slog.Warn("Service.Current: routine lookup failed", "device", deviceID, "userID", st.User(), "error", err)
		}
		return emptyScreen(loc, cached), nil
	}

	screen := Screen{
		RoutineID:       r.RoutineID,
		Products:        make([]ProductView, 0, len(r.Products)),
		Usage:           r.Usage,
		Recommendations: cached,
		CanRecapture:    true,
	}
	for _, p := range r.Products {
		steps := p.Steps()
		if steps == nil {
			steps = []string{}
		}
		screen.Products = append(screen.Products, ProductView{Product: p, Steps: steps, Instructions: StepInstructions(p)})
	}
	if len(screen.Products) == 0 {
		empty := emptyScreen(loc, cached)
		empty.RoutineID = r.RoutineID
		return empty, nil
	}
	if strings.TrimSpace(screen.Usage) == "" {
		screen.Usage = s.draftUsage(ctx, r.Products)
	}
	screen.UsageBlocks = ParseUsage(screen.Usage)
	return screen, nil
}

func emptyScreen(loc *i18n.Localizer, cached []models.RecommendedProduct) Screen {
	return Screen{
		Products:        []ProductView{},
		UsageBlocks:     []Block{},
		Empty:           true,
		Message:         loc.T(i18n.KeyRoutineEmpty),
		CanRecapture:    true,
		Recommendations: cached,
	}
}

const usageSystemPrompt = `Eres un asistente de cuidado de la piel. Escribe instrucciones de uso breves y seguras para una rutina facial.
Responde en el idioma indicado. Usa una lista numerada con un paso por producto, en el orden limpiar, tratar, proteger.
Puedes añadir sub-pasos con letras (a., b.). No des diagnósticos médicos.`

// draftUsage asks the GenAI client for usage instructions. It returns "" when
// no client is configured or drafting fails.
func (s *Service) draftUsage(ctx context.Context, products []models.Product) string {
	if s.opts.GenAI == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.UsageTimeout)
	defer cancel()

	text, err := s.opts.GenAI.GeneratePromptWithContext(ctx, usageSystemPrompt, usagePrompt(i18n.FromContext(ctx).Tag().String(), products))
	if err != nil {
		slog.Warn("Service.draftUsage: drafting failed", "error", err)
		return ""
	}
	return strings.TrimSpace(text)
}

func usagePrompt(lang string, products []models.Product) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Idioma: %s\nProductos:\n", lang)
	for _, p := range products {
		fmt.Fprintf(&b, "- %s", p.Name)
		if p.Brand != "" {
			fmt.Fprintf(&b, " (%s)", p.Brand)
		}
		if steps := p.Steps(); len(steps) > 0 {
			fmt.Fprintf(&b, " [%s]", strings.Join(steps, ", "))
		}
		if len(p.Ingredients) > 0 {
			fmt.Fprintf(&b, ": %s", strings.Join(p.Ingredients, ", "))
		}
		b.WriteByte('\n')
	}
	return b.String()
}
