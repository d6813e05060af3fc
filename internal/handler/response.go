package handler

// RESPONSE HELPERS:
// Every form endpoint answers with HTTP 200 and a small JSON body whose
// "status" field the login/signup/settings pages display:
//
//	{"status": "Login successful"}
//
// Failures are expressed in that status string, not in the HTTP code. The
// only exceptions are the rate limiter (429) and /healthz (503).

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Status strings returned by the form endpoints.
const (
	StatusLoginOK         = "Login successful"
	StatusInvalidLogin    = "Invalid user/pass"
	StatusLoginRequired   = "Both fields required"
	StatusSignupOK        = "Signup successful"
	StatusUsernameTaken   = "Username taken"
	StatusSignupRequired  = "User/Pass required"
	StatusSaved           = "Saved"
	StatusSettingsTooLong = "Password max 30, email max 50 characters"
	StatusFailed          = "Something went wrong"
)

// StatusResponse is the body of every form endpoint.
type StatusResponse struct {
	Status string `json:"status"`
}

// NotFoundResponse is the body served for unknown routes.
type NotFoundResponse struct {
	ErrorCode int    `json:"errorCode"`
	Message   string `json:"message"`
}

// writeJSON sends a JSON response with the given status code.
//
// Headers and status code MUST be set before the body: once Encode writes,
// later header changes are silently ignored.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// headers are already sent, all we can do is log
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// writeStatus answers a form submission.
func writeStatus(w http.ResponseWriter, status string) {
	writeJSON(w, http.StatusOK, StatusResponse{Status: status})
}

// NotFound answers unknown routes with a JSON body. The HTTP status stays
// 200 so the pages' fetch handlers can always parse the body.
func NotFound(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, NotFoundResponse{
		ErrorCode: http.StatusNotFound,
		Message:   "Route not found",
	})
}
