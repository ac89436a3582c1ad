package approval

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	appctx "github.com/subportal/backend/internal/context"
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
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DeviceResponse is one ledger row as exposed to the admin UI
type DeviceResponse struct {
	ID           uuid.UUID  `json:"id"`
	AccountID    uuid.UUID  `json:"account_id"`
	Fingerprint  string     `json:"device_fingerprint"`
	DeviceName   string     `json:"device_name"`
	IPAddress    string     `json:"ip_address"`
	Country      string     `json:"country"`
	City         string     `json:"city"`
	IsActive     bool       `json:"is_active"`
	IsApproved   bool       `json:"is_approved"`
	ApprovedBy   *uuid.UUID `json:"approved_by,omitempty"`
	ApprovedAt   *time.Time `json:"approved_at,omitempty"`
	LastActiveAt *time.Time `json:"last_active_at,omitempty"`
	UserAgent    string     `json:"user_agent"`
	CreatedAt    time.Time  `json:"created_at"`
}

func toDeviceResponse(s repository.DeviceSession) DeviceResponse {
	return DeviceResponse{
		ID:           s.ID,
		AccountID:    s.AccountID,
		Fingerprint:  s.DeviceFingerprint,
		DeviceName:   s.DeviceName,
		IPAddress:    s.IPAddress,
		Country:      s.Country,
		City:         s.City,
		IsActive:     s.IsActive,
		IsApproved:   s.IsApproved,
		ApprovedBy:   s.ApprovedBy,
		ApprovedAt:   s.ApprovedAt,
		LastActiveAt: s.LastActiveAt,
		UserAgent:    s.UserAgent,
		CreatedAt:    s.CreatedAt,
	}
}

// AttemptResponse is one audit log row as exposed to the admin UI
type AttemptResponse struct {
	ID          uuid.UUID  `json:"id"`
	AccountID   *uuid.UUID `json:"account_id,omitempty"`
	Fingerprint string     `json:"device_fingerprint"`
	IPAddress   string     `json:"ip_address"`
	Country     string     `json:"country"`
	City        string     `json:"city"`
	AttemptType string     `json:"attempt_type"`
	Reason      string     `json:"reason"`
	UserAgent   string     `json:"user_agent"`
	CreatedAt   time.Time  `json:"created_at"`
}

func toAttemptResponse(a repository.LoginAttempt) AttemptResponse {
	return AttemptResponse{
		ID:          a.ID,
		AccountID:   a.AccountID,
		Fingerprint: a.DeviceFingerprint,
		IPAddress:   a.IPAddress,
		Country:     a.Country,
		City:        a.City,
		AttemptType: a.AttemptType,
		Reason:      a.Reason,
		UserAgent:   a.UserAgent,
		CreatedAt:   a.CreatedAt,
	}
}

// Handler handles HTTP requests for the admin back office
type Handler struct {
	service *Service
}

// NewHandler creates a new approval Handler instance
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// ListDevices handles GET /api/v1/admin/devices?account_id=
func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(r.URL.Query().Get("account_id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "account_id query parameter must be a valid UUID")
		return
	}

	sessions, err := h.service.ListDevices(r.Context(), accountID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred")
		return
	}

	devices := make([]DeviceResponse, 0, len(sessions))
	for _, s := range sessions {
		devices = append(devices, toDeviceResponse(s))
	}

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{"devices": devices})
}

// ListPending handles GET /api/v1/admin/devices/pending
func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	sessions, err := h.service.ListPending(r.Context(), limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred")
		return
	}

	devices := make([]DeviceResponse, 0, len(sessions))
	for _, s := range sessions {
		devices = append(devices, toDeviceResponse(s))
	}

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{"devices": devices})
}

// Approve handles POST /api/v1/admin/devices/{id}/approve
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Device session id must be a valid UUID")
		return
	}

	approverID, ok := accountIDFromContext(r)
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "AUTH_TOKEN_INVALID", "Invalid or expired token")
		return
	}

	if err := h.service.Approve(r.Context(), sessionID, approverID); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			h.writeError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "Device session not found")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred")
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]string{
		"message": "Device approved. All other devices for the account have been signed out.",
	})
}

// Revoke handles POST /api/v1/admin/devices/{id}/revoke
func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Device session id must be a valid UUID")
		return
	}

	if err := h.service.Revoke(r.Context(), sessionID); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			h.writeError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "Device session not found")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred")
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]string{
		"message": "Device signed out",
	})
}

// ListAttempts handles GET /api/v1/admin/attempts
func (h *Handler) ListAttempts(w http.ResponseWriter, r *http.Request) {
	params := repository.ListAttemptParams{
		AttemptType: r.URL.Query().Get("type"),
	}
	params.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	params.Offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))

	if raw := r.URL.Query().Get("account_id"); raw != "" {
		accountID, err := uuid.Parse(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "account_id query parameter must be a valid UUID")
			return
		}
		params.AccountID = &accountID
	}

	rows, total, err := h.service.ListAttempts(r.Context(), params)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred")
		return
	}

	attempts := make([]AttemptResponse, 0, len(rows))
	for _, a := range rows {
		attempts = append(attempts, toAttemptResponse(a))
	}

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"attempts": attempts,
		"total":    total,
	})
}

// ListNotifications handles GET /api/v1/admin/notifications
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	recipientID, ok := accountIDFromContext(r)
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "AUTH_TOKEN_INVALID", "Invalid or expired token")
		return
	}

	unreadOnly := r.URL.Query().Get("unread") == "true"
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	notifications, err := h.service.ListNotifications(r.Context(), recipientID, unreadOnly, limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred")
		return
	}
	if notifications == nil {
		notifications = []repository.Notification{}
	}

	h.writeSuccess(w, http.StatusOK, map[string]interface{}{"notifications": notifications})
}

// MarkNotificationRead handles POST /api/v1/admin/notifications/{id}/read
func (h *Handler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Notification id must be a valid UUID")
		return
	}

	if err := h.service.MarkNotificationRead(r.Context(), id); err != nil {
		if errors.Is(err, ErrNotificationNotFound) {
			h.writeError(w, http.StatusNotFound, "NOTIFICATION_NOT_FOUND", "Notification not found")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred")
		return
	}

	h.writeSuccess(w, http.StatusOK, map[string]string{"message": "Notification marked as read"})
}

// accountIDFromContext pulls the authenticated admin's account id from the
// request context (set by the auth middleware)
func accountIDFromContext(r *http.Request) (uuid.UUID, bool) {
	raw, ok := appctx.ExtractAccountID(r.Context())
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	json.NewEncoder(w).Encode(APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error: &APIError{
			Code:    code,
			Message: message,
		},
		Timestamp: time.Now().UTC(),
	})
}
