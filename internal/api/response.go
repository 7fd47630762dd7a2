package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/Dermis/internal/models"
)

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal first so an encoding failure can still change the status code.
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// statusForKind maps a step failure to the HTTP status returned with its alert.
func statusForKind(kind models.ErrorKind) int {
	switch kind {
	case models.ErrorKindPermissionDenied:
		return http.StatusForbidden
	case models.ErrorKindUnauthorized:
		return http.StatusUnauthorized
	case models.ErrorKindInvalidInput:
		return http.StatusBadRequest
	case models.ErrorKindInFlight, models.ErrorKindInvalidState:
		return http.StatusConflict
	case models.ErrorKindNetwork, models.ErrorKindSync, models.ErrorKindMalformed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err as an error envelope. A StepError carries its
// localized alert; anything else is reported as an internal error without
// its text.
func writeError(w http.ResponseWriter, op string, err error) {
	var se *models.StepError
	if errors.As(err, &se) {
		status := statusForKind(se.Kind)
		slog.Warn("Server."+op+": step failed", "kind", se.Kind, "status", status, "error", err)
		if se.Alert == "" {
			writeJSONResponse(w, status, models.Error(string(se.Kind)))
			return
		}
		writeJSONResponse(w, status, models.AlertError(se.Alert))
		return
	}
	slog.Error("Server."+op+": internal error", "error", err)
	writeJSONResponse(w, http.StatusInternalServerError, models.Error("Internal server error"))
}

// decodeJSON decodes the request body into v, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, op string, v interface{}) bool {
	if r.Body == nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Request body is required"))
		return false
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		slog.Warn("Server."+op+": failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return false
	}
	return true
}
