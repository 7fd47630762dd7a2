// Package capture implements the local asset and permission gateway.
//
// A Gateway asks for camera or gallery permission, caches denials per device,
// and turns raw picker bytes into a normalized models.ImageAsset: center
// cropped to the requested aspect ratio, re-encoded as JPEG, optionally
// carrying its base64 encoding, and persisted under the uploads directory.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BTreeMap/Dermis/internal/i18n"
	"github.com/BTreeMap/Dermis/internal/models"
)

// Kind selects the image source.
type Kind string

const (
	KindCamera  Kind = "camera"
	KindGallery Kind = "gallery"
)

// Valid reports whether k is a known source.
func (k Kind) Valid() bool {
	return k == KindCamera || k == KindGallery
}

// Outcome is what the calling step observes from a capture.
type Outcome int

const (
	OutcomeCancelled Outcome = iota
	OutcomeCaptured
)

func (o Outcome) String() string {
	if o == OutcomeCaptured {
		return "captured"
	}
	return "cancelled"
}

// ErrCancelled is returned by pickers when the user dismissed the picker.
var ErrCancelled = errors.New("capture cancelled by user")

// PermissionPrompter answers a permission request for a device.
type PermissionPrompter interface {
	Prompt(ctx context.Context, deviceID string, kind Kind) (bool, error)
}

// Picker produces the raw bytes of one image.
type Picker interface {
	Pick(ctx context.Context) ([]byte, error)
}

// PickerFunc adapts a function to Picker.
type PickerFunc func(ctx context.Context) ([]byte, error)

func (f PickerFunc) Pick(ctx context.Context) ([]byte, error) { return f(ctx) }

// Alerter delivers a localized alert to the user of a device.
type Alerter interface {
	Alert(ctx context.Context, deviceID, message string)
}

// Options controls normalisation of a captured image.
type Options struct {
	AspectWidth  int
	AspectHeight int
	// Quality is the JPEG compression quality in [0,1].
	Quality float64
	Base64  bool
}

// DefaultOptions mirrors the settings the capture screens used: square crop,
// full quality, base64 embedded.
func DefaultOptions() Options {
	return Options{AspectWidth: 1, AspectHeight: 1, Quality: 1, Base64: true}
}

// GatewayOpts holds configuration for a Gateway.
type GatewayOpts struct {
	UploadDir string
	Prompter  PermissionPrompter
	Alerter   Alerter
	Localizer *i18n.Localizer
}

// Option configures a Gateway.
type Option func(*GatewayOpts)

// WithUploadDir sets where normalized images are written.
func WithUploadDir(dir string) Option {
	return func(o *GatewayOpts) { o.UploadDir = dir }
}

// WithPrompter sets the permission prompter.
func WithPrompter(p PermissionPrompter) Option {
	return func(o *GatewayOpts) { o.Prompter = p }
}

// WithAlerter sets the alert sink.
func WithAlerter(a Alerter) Option {
	return func(o *GatewayOpts) { o.Alerter = a }
}

// WithLocalizer fixes the language used for alerts instead of taking it
// from the request context.
func WithLocalizer(l *i18n.Localizer) Option {
	return func(o *GatewayOpts) { o.Localizer = l }
}

type permKey struct {
	device string
	kind   Kind
}

// Gateway wraps permission prompts and picker calls for all devices.
type Gateway struct {
	opts GatewayOpts

	mu     sync.Mutex
	denied map[permKey]bool
}

// NewGateway creates a Gateway. Without a prompter every request is granted.
func NewGateway(opts ...Option) (*Gateway, error) {
	cfg := GatewayOpts{UploadDir: filepath.Join(os.TempDir(), "dermis-uploads")}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Alerter == nil {
		cfg.Alerter = logAlerter{}
	}
	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	return &Gateway{
		opts:   cfg,
		denied: make(map[permKey]bool),
	}, nil
}

// UploadDir returns the directory normalized images are written to.
func (g *Gateway) UploadDir() string {
	return g.opts.UploadDir
}

// PruneUploads removes normalized images written before cutoff and returns
// how many were deleted.
func (g *Gateway) PruneUploads(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(g.opts.UploadDir)
	if err != nil {
		return 0, fmt.Errorf("failed to list uploads: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jpg" {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(g.opts.UploadDir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("Gateway.PruneUploads: failed to remove upload", "file", e.Name(), "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.Info("Gateway.PruneUploads: removed old uploads", "count", removed, "cutoff", cutoff)
	}
	return removed, nil
}

// RequestPermission returns whether the device may use kind. A denial is
// cached and answered without prompting until Retry is called.
func (g *Gateway) RequestPermission(ctx context.Context, deviceID string, kind Kind) (bool, error) {
	if !kind.Valid() {
		return false, fmt.Errorf("unknown capture kind %q", kind)
	}
	key := permKey{deviceID, kind}

	g.mu.Lock()
	if g.denied[key] {
		g.mu.Unlock()
		slog.Debug("Gateway.RequestPermission: denial cached", "device", deviceID, "kind", kind)
		return false, nil
	}
	g.mu.Unlock()

	granted := true
	if g.opts.Prompter != nil {
		var err error
		granted, err = g.opts.Prompter.Prompt(ctx, deviceID, kind)
		if err != nil {
			return false, fmt.Errorf("permission prompt failed: %w", err)
		}
	}

	if !granted {
		g.mu.Lock()
		g.denied[key] = true
		g.mu.Unlock()
	}

	slog.Debug("Gateway.RequestPermission: answered", "device", deviceID, "kind", kind, "granted", granted)
	return granted, nil
}

// Retry clears a cached denial so the next request prompts again.
func (g *Gateway) Retry(deviceID string, kind Kind) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.denied, permKey{deviceID, kind})
}

// Forget drops every cached permission for the device.
func (g *Gateway) Forget(deviceID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for k := range g.denied {
		if k.device == deviceID {
			delete(g.denied, k)
		}
	}
}

// Capture asks for permission, runs the picker and normalizes the image.
// Every failure, including a picker panic, becomes a localized alert and
// OutcomeCancelled; the caller never sees the underlying error.
func (g *Gateway) Capture(ctx context.Context, deviceID string, kind Kind, picker Picker, opts Options) (models.ImageAsset, Outcome) {
	granted, err := g.RequestPermission(ctx, deviceID, kind)
	if err != nil {
		slog.Error("Gateway.Capture: permission request failed", "device", deviceID, "kind", kind, "error", err)
		g.alert(ctx, deviceID, i18n.KeyCaptureFailed)
		return models.ImageAsset{}, OutcomeCancelled
	}
	if !granted {
		g.alert(ctx, deviceID, i18n.KeyPermissionDenied)
		return models.ImageAsset{}, OutcomeCancelled
	}

	raw, err := safePick(ctx, picker)
	if errors.Is(err, ErrCancelled) {
		slog.Debug("Gateway.Capture: user cancelled", "device", deviceID, "kind", kind)
		return models.ImageAsset{}, OutcomeCancelled
	}
	if err != nil {
		slog.Error("Gateway.Capture: picker failed", "device", deviceID, "kind", kind, "error", err)
		g.alert(ctx, deviceID, i18n.KeyCaptureFailed)
		return models.ImageAsset{}, OutcomeCancelled
	}

	asset, err := Normalize(raw, opts, g.opts.UploadDir)
	if err != nil {
		slog.Error("Gateway.Capture: normalisation failed", "device", deviceID, "kind", kind, "error", err)
		g.alert(ctx, deviceID, i18n.KeyCaptureFailed)
		return models.ImageAsset{}, OutcomeCancelled
	}

	slog.Info("Gateway.Capture: image captured", "device", deviceID, "kind", kind, "uri", asset.URI, "width", asset.Width, "height", asset.Height)
	return asset, OutcomeCaptured
}

func (g *Gateway) alert(ctx context.Context, deviceID string, key i18n.Key) {
	loc := g.opts.Localizer
	if loc == nil {
		loc = i18n.FromContext(ctx)
	}
	g.opts.Alerter.Alert(ctx, deviceID, loc.T(key))
}

func safePick(ctx context.Context, picker Picker) (raw []byte, err error) {
	if picker == nil {
		return nil, errors.New("no picker provided")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("picker panic: %v", r)
		}
	}()
	raw, err = picker.Pick(ctx)
	if err == nil && len(raw) == 0 {
		err = models.ErrEmptyImage
	}
	return raw, err
}

type logAlerter struct{}

func (logAlerter) Alert(_ context.Context, deviceID, message string) {
	slog.Warn("Gateway.Alert", "device", deviceID, "message", message)
}
