package api

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/BTreeMap/Dermis/internal/i18n"
	"github.com/BTreeMap/Dermis/internal/models"
	"github.com/BTreeMap/Dermis/internal/util"
)

// DeviceHeader carries the ID issued by POST /session.
const DeviceHeader = "X-Device-ID"

// deviceQueryParam is accepted on /ws, where browsers cannot set headers.
const deviceQueryParam = "device_id"

type deviceKey struct{}

func withDeviceID(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, deviceKey{}, deviceID)
}

func deviceID(ctx context.Context) string {
	id, _ := ctx.Value(deviceKey{}).(string)
	return id
}

func deviceFromRequest(r *http.Request) string {
	if id := r.Header.Get(DeviceHeader); id != "" {
		return id
	}
	return r.URL.Query().Get(deviceQueryParam)
}

// device rejects requests without a valid device ID and stores it in the context.
func (s *Server) device(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := deviceFromRequest(r)
		if !util.IsDeviceID(id) {
			slog.Warn("Server.device: missing or invalid device ID", "path", r.URL.Path)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing or invalid "+DeviceHeader+" header"))
			return
		}
		next(w, r.WithContext(withDeviceID(r.Context(), id)))
	})
}

// withLocale picks the alert language from Accept-Language.
func (s *Server) withLocale(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		loc := i18n.FromAcceptLanguage(r.Header.Get("Accept-Language"))
		next.ServeHTTP(w, r.WithContext(i18n.WithLocalizer(r.Context(), loc)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack lets websocket upgrades through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Debug("Server.logRequests: request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}

func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}
				slog.Error("Server.recoverPanics: handler panicked", "method", r.Method, "path", r.URL.Path, "panic", p)
				writeJSONResponse(w, http.StatusInternalServerError, models.Error("Internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
