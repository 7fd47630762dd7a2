// Package models defines the core data structures for Dermis.
//
// It includes the image, analysis, session and routine types shared by the
// capture gateway, the onboarding steps, the session store and the API layer.
package models

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse is the envelope returned by every Dermis endpoint.
// Alert carries a localized, user-facing message when a step failed or
// completed with a tolerated failure.
type APIResponse struct {
	Status  APIStatus   `json:"status"`
	Message string      `json:"message,omitempty"`
	Alert   string      `json:"alert,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success builds an ok envelope around result.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: APIStatusOK, Result: result}
}

// SuccessWithMessage builds an ok envelope with a message.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: APIStatusOK, Message: message, Result: result}
}

// SuccessWithAlert builds an ok envelope that still carries a user-facing alert,
// used by steps that tolerate failures and let the user proceed.
func SuccessWithAlert(alert string, result interface{}) APIResponse {
	return APIResponse{Status: APIStatusOK, Alert: alert, Result: result}
}

// Error builds an error envelope.
func Error(message string) APIResponse {
	return APIResponse{Status: APIStatusError, Message: message}
}

// AlertError builds an error envelope whose message is also shown to the user.
func AlertError(alert string) APIResponse {
	return APIResponse{Status: APIStatusError, Message: alert, Alert: alert}
}
