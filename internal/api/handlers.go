package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/BTreeMap/Dermis/internal/auth"
	"github.com/BTreeMap/Dermis/internal/capture"
	"github.com/BTreeMap/Dermis/internal/models"
	"github.com/BTreeMap/Dermis/internal/navigation"
	"github.com/BTreeMap/Dermis/internal/onboarding"
	"github.com/BTreeMap/Dermis/internal/util"
)

// SessionView is returned by the session and auth endpoints.
type SessionView struct {
	DeviceID string              `json:"device_id"`
	Stack    navigation.Stack    `json:"stack"`
	Session  models.SessionState `json:"session"`
}

// CaptureView reports a capture step. Outcome is "captured" or "cancelled";
// a cancelled capture leaves the flow where it was.
type CaptureView struct {
	Outcome    string                   `json:"outcome"`
	Conditions *models.ConditionsResult `json:"conditions,omitempty"`
	Result     *models.AnalysisResult   `json:"result,omitempty"`
	SkinType   string                   `json:"skin_type,omitempty"`
	Confidence string                   `json:"confidence,omitempty"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type permissionRequest struct {
	Kind    capture.Kind `json:"kind"`
	Granted bool         `json:"granted"`
}

type sensitivityRequest struct {
	Answer string `json:"answer"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"status": "healthy"}))
}

func (s *Server) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusNotFound, models.Error("Not found"))
}

func (s *Server) methodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
}

func (s *Server) sessionView(device string, st models.SessionState) SessionView {
	return SessionView{DeviceID: device, Stack: navigation.Route(st), Session: st}
}

// createSessionHandler issues a device ID. A client that already holds a
// valid ID gets its current session back instead.
func (s *Server) createSessionHandler(w http.ResponseWriter, r *http.Request) {
	device := r.Header.Get(DeviceHeader)
	issued := false
	if !util.IsDeviceID(device) {
		device = util.GenerateDeviceID()
		issued = true
	}
	st, err := s.svc.Sessions.Load(device)
	if err != nil {
		writeError(w, "createSessionHandler", err)
		return
	}
	slog.Info("Server.createSessionHandler: session ready", "device", device, "issued", issued)
	status := http.StatusOK
	if issued {
		status = http.StatusCreated
	}
	writeJSONResponse(w, status, models.Success(s.sessionView(device, st)))
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	device := deviceID(r.Context())
	change, err := s.svc.Navigation.Current(device)
	if err != nil {
		writeError(w, "getSessionHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(SessionView{DeviceID: device, Stack: change.Stack, Session: change.Session}))
}

func (s *Server) registerHandler(w http.ResponseWriter, r *http.Request) {
	var in auth.RegisterInput
	if !decodeJSON(w, r, "registerHandler", &in) {
		return
	}
	device := deviceID(r.Context())
	st, err := s.svc.Auth.Register(r.Context(), device, in)
	if err != nil {
		writeError(w, "registerHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Success(s.sessionView(device, st)))
}

func (s *Server) loginHandler(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, "loginHandler", &req) {
		return
	}
	device := deviceID(r.Context())
	st, err := s.svc.Auth.Login(r.Context(), device, req.Email, req.Password)
	if err != nil {
		writeError(w, "loginHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.sessionView(device, st)))
}

func (s *Server) logoutHandler(w http.ResponseWriter, r *http.Request) {
	device := deviceID(r.Context())
	st, err := s.svc.Auth.Logout(r.Context(), device)
	if err != nil {
		writeError(w, "logoutHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.sessionView(device, st)))
}

func (s *Server) forgetHandler(w http.ResponseWriter, r *http.Request) {
	device := deviceID(r.Context())
	st, err := s.svc.Auth.ForgetToken(r.Context(), device)
	if err != nil {
		writeError(w, "forgetHandler", err)
		return
	}
	if s.svc.Consent != nil {
		s.svc.Consent.Clear(device, capture.KindCamera)
		s.svc.Consent.Clear(device, capture.KindGallery)
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.sessionView(device, st)))
}

func (s *Server) profileHandler(w http.ResponseWriter, r *http.Request) {
	profile, err := s.svc.Auth.Profile(r.Context(), deviceID(r.Context()))
	if err != nil {
		writeError(w, "profileHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(profile))
}

// permissionHandler records the answer the client got from its OS dialog.
// A grant also clears a cached denial.
func (s *Server) permissionHandler(w http.ResponseWriter, r *http.Request) {
	var req permissionRequest
	if !decodeJSON(w, r, "permissionHandler", &req) {
		return
	}
	if !req.Kind.Valid() {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(fmt.Sprintf("unknown capture kind %q", req.Kind)))
		return
	}
	device := deviceID(r.Context())
	s.svc.Consent.Record(device, req.Kind, req.Granted)
	if req.Granted {
		s.svc.Gateway.Retry(device, req.Kind)
	}
	slog.Debug("Server.permissionHandler: answer recorded", "device", device, "kind", req.Kind, "granted", req.Granted)
	writeJSONResponse(w, http.StatusOK, models.Success(req))
}

// retryPermissionHandler lets the next capture prompt again.
func (s *Server) retryPermissionHandler(w http.ResponseWriter, r *http.Request) {
	var req permissionRequest
	if !decodeJSON(w, r, "retryPermissionHandler", &req) {
		return
	}
	if !req.Kind.Valid() {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(fmt.Sprintf("unknown capture kind %q", req.Kind)))
		return
	}
	device := deviceID(r.Context())
	s.svc.Consent.Clear(device, req.Kind)
	s.svc.Gateway.Retry(device, req.Kind)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Permission will be requested again", nil))
}

// parseUpload reads the multipart form; false means a 400 was written.
func (s *Server) parseUpload(w http.ResponseWriter, r *http.Request, op string) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 2*s.opts.MaxUploadBytes+(1<<20))
	if err := r.ParseMultipartForm(s.opts.MaxUploadBytes); err != nil {
		slog.Warn("Server."+op+": invalid multipart upload", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid multipart upload"))
		return false
	}
	return true
}

// captureOptions reads the optional aspect ("4:3") and quality (0..1) fields.
func captureOptions(r *http.Request) capture.Options {
	opts := capture.DefaultOptions()
	if aspect := r.FormValue("aspect"); aspect != "" {
		if wStr, hStr, ok := strings.Cut(aspect, ":"); ok {
			aw, errW := strconv.Atoi(wStr)
			ah, errH := strconv.Atoi(hStr)
			if errW == nil && errH == nil && aw > 0 && ah > 0 {
				opts.AspectWidth, opts.AspectHeight = aw, ah
			}
		}
	}
	if q, err := strconv.ParseFloat(r.FormValue("quality"), 64); err == nil && q > 0 && q <= 1 {
		opts.Quality = q
	}
	return opts
}

// captureImage runs the gateway over the uploaded file in field. A missing
// file is a dismissed picker.
func (s *Server) captureImage(ctx context.Context, r *http.Request, field string) (models.ImageAsset, capture.Outcome) {
	kind := capture.Kind(r.FormValue("source"))
	if kind == "" {
		kind = capture.KindCamera
	}
	picker := capture.PickerFunc(func(context.Context) ([]byte, error) {
		file, _, err := r.FormFile(field)
		if errors.Is(err, http.ErrMissingFile) {
			return nil, capture.ErrCancelled
		}
		if err != nil {
			return nil, err
		}
		defer file.Close()
		return io.ReadAll(io.LimitReader(file, s.opts.MaxUploadBytes))
	})
	return s.svc.Gateway.Capture(ctx, deviceID(ctx), kind, picker, captureOptions(r))
}

func writeCancelled(w http.ResponseWriter, sink *alertSink) {
	writeJSONResponse(w, http.StatusOK, models.SuccessWithAlert(sink.last(), CaptureView{Outcome: capture.OutcomeCancelled.String()}))
}

func analysisView(result models.AnalysisResult) CaptureView {
	view := result.WithoutImageData()
	out := CaptureView{Outcome: capture.OutcomeCaptured.String(), Result: &view, SkinType: result.SkinType()}
	if result.CNN != nil {
		out.Confidence = models.FormatConfidence(result.CNN.Confidence)
	}
	return out
}

func (s *Server) frontHandler(w http.ResponseWriter, r *http.Request) {
	if !s.parseUpload(w, r, "frontHandler") {
		return
	}
	ctx, sink := withAlertSink(r.Context())
	image, outcome := s.captureImage(ctx, r, "image")
	if outcome != capture.OutcomeCaptured {
		writeCancelled(w, sink)
		return
	}
	eff, err := s.svc.Onboarding.FrontStep(ctx, deviceID(ctx), image)
	if err != nil {
		writeError(w, "frontHandler", err)
		return
	}
	eff.InputImage = eff.InputImage.WithoutBase64()
	writeJSONResponse(w, http.StatusOK, models.Success(CaptureView{Outcome: capture.OutcomeCaptured.String(), Conditions: &eff}))
}

func (s *Server) sideHandler(w http.ResponseWriter, r *http.Request) {
	if !s.parseUpload(w, r, "sideHandler") {
		return
	}
	ctx, sink := withAlertSink(r.Context())
	image, outcome := s.captureImage(ctx, r, "image")
	if outcome != capture.OutcomeCaptured {
		writeCancelled(w, sink)
		return
	}
	result, err := s.svc.Onboarding.SideStep(ctx, deviceID(ctx), image)
	if err != nil {
		writeError(w, "sideHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(analysisView(result)))
}

// analyzeHandler takes both images in one upload and runs the models in parallel.
func (s *Server) analyzeHandler(w http.ResponseWriter, r *http.Request) {
	if !s.parseUpload(w, r, "analyzeHandler") {
		return
	}
	ctx, sink := withAlertSink(r.Context())
	front, outcome := s.captureImage(ctx, r, "front")
	if outcome != capture.OutcomeCaptured {
		writeCancelled(w, sink)
		return
	}
	side, outcome := s.captureImage(ctx, r, "side")
	if outcome != capture.OutcomeCaptured {
		writeCancelled(w, sink)
		return
	}
	result, err := s.svc.Onboarding.Analyze(ctx, deviceID(ctx), front, side)
	if err != nil {
		writeError(w, "analyzeHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(analysisView(result)))
}

func (s *Server) sensitivityHandler(w http.ResponseWriter, r *http.Request) {
	var req sensitivityRequest
	if !decodeJSON(w, r, "sensitivityHandler", &req) {
		return
	}
	// An empty answer is "continue" without a choice, which counts as sensitive.
	res, err := s.svc.Onboarding.Sensitivity(r.Context(), deviceID(r.Context()), onboarding.ParseAnswer(req.Answer))
	if err != nil {
		writeError(w, "sensitivityHandler", err)
		return
	}
	// A failed sync is not a failed step: the flow has advanced.
	writeJSONResponse(w, http.StatusOK, models.SuccessWithAlert(res.Alert, res))
}

func (s *Server) routineStepHandler(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.svc.Onboarding.Routine(r.Context(), deviceID(r.Context()))
	if err != nil {
		writeError(w, "routineStepHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithAlert(outcome.Alert, outcome))
}

func (s *Server) restartHandler(w http.ResponseWriter, r *http.Request) {
	device := deviceID(r.Context())
	if err := s.svc.Onboarding.Restart(r.Context(), device); err != nil {
		writeError(w, "restartHandler", err)
		return
	}
	status, err := s.svc.Onboarding.Status(r.Context(), device)
	if err != nil {
		writeError(w, "restartHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(status))
}

func (s *Server) onboardingStatusHandler(w http.ResponseWriter, r *http.Request) {
	status, err := s.svc.Onboarding.Status(r.Context(), deviceID(r.Context()))
	if err != nil {
		writeError(w, "onboardingStatusHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(status))
}

func (s *Server) routineHandler(w http.ResponseWriter, r *http.Request) {
	screen, err := s.svc.Routine.Current(r.Context(), deviceID(r.Context()))
	if err != nil {
		writeError(w, "routineHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(screen))
}
