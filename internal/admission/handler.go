package admission

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/subportal/backend/internal/metrics"
	"github.com/subportal/backend/internal/repository"
)

// APIResponse represents the standard API response format
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError represents the error detail in API response
type APIError struct {
	Code    string              `json:"code"`
	Message string              `json:"message"`
	Details map[string][]string `json:"details,omitempty"`
}

// Error codes for API responses
const (
	CodeValidationError      = "VALIDATION_ERROR"
	CodeAccountUnresolved    = "ACCOUNT_UNRESOLVED"
	CodeAdmissionUnavailable = "ADMISSION_UNAVAILABLE"
	CodeSessionNotFound      = "SESSION_NOT_FOUND"
)

// LogoutRequest represents the logout request payload
type LogoutRequest struct {
	SessionID string `json:"session_id" validate:"required,uuid"`
}

// Handler handles HTTP requests for the admission endpoints
type Handler struct {
	engine   *Engine
	validate *validator.Validate
}

// NewHandler creates a new admission Handler instance
func NewHandler(engine *Engine) *Handler {
	return &Handler{
		engine:   engine,
		validate: validator.New(),
	}
}

// Check handles one login admission decision
// POST /api/v1/admission/check
//
// 200 carries an allow verdict, 403 a denial (the reason field tells which),
// 400 malformed input, 500 "we could not decide" - distinct from any denial.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Request validation failed", validationDetails(err))
		return
	}

	if req.UserAgent == "" {
		req.UserAgent = r.UserAgent()
	}

	decision, err := h.engine.Check(r.Context(), req, getClientIP(r))
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidInput):
			metrics.AdmissionVerdicts.WithLabelValues("invalid").Inc()
			h.writeError(w, http.StatusBadRequest, CodeValidationError, "account_id and device_fingerprint are required", nil)
		case errors.Is(err, ErrUnknownAccount):
			metrics.AdmissionVerdicts.WithLabelValues("error").Inc()
			h.writeError(w, http.StatusInternalServerError, CodeAccountUnresolved, "The account could not be resolved", nil)
		default:
			metrics.AdmissionVerdicts.WithLabelValues("error").Inc()
			h.writeError(w, http.StatusInternalServerError, CodeAdmissionUnavailable, "We could not decide this login. Please try again.", nil)
		}
		return
	}

	status := http.StatusOK
	verdict := "allow"
	if !decision.Allowed {
		status = http.StatusForbidden
		verdict = string(decision.Reason)
	}
	metrics.AdmissionVerdicts.WithLabelValues(verdict).Inc()

	h.writeSuccess(w, status, decision)
}

// Logout handles device session deactivation
// POST /api/v1/session/logout
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	var req LogoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "session_id is required", validationDetails(err))
		return
	}

	sessionID, err := uuid.Parse(req.SessionID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "session_id must be a valid UUID", nil)
		return
	}

	if err := h.engine.Logout(r.Context(), sessionID); err != nil {
		if errors.Is(err, repository.ErrDeviceSessionNotFound) {
			h.writeError(w, http.StatusNotFound, CodeSessionNotFound, "Device session not found", nil)
			return
		}
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]string{
		"message": "Device signed out",
	})
}

// writeSuccess writes a JSON response carrying a decided verdict or result
func (h *Handler) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	json.NewEncoder(w).Encode(response)
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, statusCode int, code, message string, details map[string][]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Success: false,
		Error: &APIError{
			Code:    code,
			Message: message,
			Details: details,
		},
		Timestamp: time.Now().UTC(),
	}

	json.NewEncoder(w).Encode(response)
}

// validationDetails flattens validator errors into a field -> messages map
func validationDetails(err error) map[string][]string {
	details := make(map[string][]string)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			field := strings.ToLower(fe.Field())
			details[field] = append(details[field], "failed "+fe.Tag()+" validation")
		}
	}
	return details
}

// getClientIP extracts the client IP address from the request. The first
// X-Forwarded-For value wins for proxied requests.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 && !strings.HasSuffix(host, "]") {
		host = host[:idx]
	}
	return strings.Trim(host, "[]")
}
