package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// Error codes surfaced in the response envelope.
const (
	CodeValidationError       = "VALIDATION_ERROR"
	CodeInvalidToken          = "INVALID_TOKEN"
	CodeTokenExpired          = "TOKEN_EXPIRED"
	CodeInvalidRefreshToken   = "INVALID_REFRESH_TOKEN"
	CodeInvalidCredentials    = "INVALID_CREDENTIALS"
	CodeInsufficientScope     = "INSUFFICIENT_SCOPE"
	CodeResourceNotFound      = "RESOURCE_NOT_FOUND"
	CodeStreamNotLive         = "STREAM_NOT_LIVE"
	CodeConsumerAlreadyExists = "CONSUMER_ALREADY_EXISTS"
	CodeSfuUnavailable        = "SFU_UNAVAILABLE"
	CodeRtspTimeout           = "RTSP_TIMEOUT"
	CodeSsrcCaptureFailed     = "SSRC_CAPTURE_FAILED"
	CodeRtspConnectionFailed  = "RTSP_CONNECTION_FAILED"
	CodeTranscoderError       = "TRANSCODER_ERROR"
	CodeExtractionTimeout     = "EXTRACTION_TIMEOUT"
	CodeNoRecordingData       = "NO_RECORDING_DATA"
	CodeDiskFull              = "DISK_FULL"
	CodeBacklogged            = "BACKLOGGED"
	CodeRateLimited           = "RATE_LIMITED"
	CodeInternalError         = "INTERNAL_ERROR"
)

// Envelope is the uniform error body for all non-2xx responses.
type Envelope struct {
	Error            string         `json:"error"`
	ErrorDescription string         `json:"error_description"`
	StatusCode       int            `json:"status_code"`
	Details          map[string]any `json:"details,omitempty"`
	RequestID        string         `json:"request_id,omitempty"`
	Timestamp        string         `json:"timestamp"`
}

// WriteError emits the error envelope.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, description string, details map[string]any) {
	env := Envelope{
		Error:            code,
		ErrorDescription: description,
		StatusCode:       status,
		Details:          details,
		RequestID:        chimw.GetReqID(r.Context()),
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		log.Printf("[api] write error envelope: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] write json: %v", err)
	}
}

func notFound(w http.ResponseWriter, r *http.Request, what string) {
	WriteError(w, r, http.StatusNotFound, CodeResourceNotFound, what+" not found", nil)
}

func badRequest(w http.ResponseWriter, r *http.Request, description string) {
	WriteError(w, r, http.StatusBadRequest, CodeValidationError, description, nil)
}

func serverError(w http.ResponseWriter, r *http.Request, err error) {
	log.Printf("[api] internal error: %v", err)
	WriteError(w, r, http.StatusInternalServerError, CodeInternalError, "internal server error", nil)
}
