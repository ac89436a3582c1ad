package admission

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/subportal/backend/internal/repository"
)

func newHandlerFixture(t *testing.T) (*testFixture, *Handler) {
	t.Helper()
	f := newTestFixture(6 * time.Hour)
	return f, NewHandler(f.engine)
}

func doCheck(t *testing.T, handler *Handler, body interface{}, headers map[string]string) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()

	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admission/check", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	handler.Check(rec, req)

	var response APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &response); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return rec, response
}

func decodeDecision(t *testing.T, response APIResponse) Decision {
	t.Helper()
	raw, err := json.Marshal(response.Data)
	if err != nil {
		t.Fatalf("re-marshal data: %v", err)
	}
	var decision Decision
	if err := json.Unmarshal(raw, &decision); err != nil {
		t.Fatalf("decode decision: %v", err)
	}
	return decision
}

func TestCheckHandlerAllow(t *testing.T) {
	f, handler := newHandlerFixture(t)
	account := f.addStandardAccount()

	rec, response := doCheck(t, handler, CheckRequest{
		AccountID:         account.ID.String(),
		DeviceFingerprint: "fp-1",
		DeviceName:        "Laptop",
	}, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !response.Success {
		t.Error("expected success envelope")
	}
	decision := decodeDecision(t, response)
	if !decision.Allowed {
		t.Errorf("expected allow, got reason %q", decision.Reason)
	}
	if decision.SessionID == nil {
		t.Error("expected a session id in the decision")
	}
}

func TestCheckHandlerDenyIsForbiddenButDecided(t *testing.T) {
	f, handler := newHandlerFixture(t)
	account := f.addStandardAccount()
	f.sessions.AddSession(&repository.DeviceSession{
		AccountID:         account.ID,
		DeviceFingerprint: "fp-pending",
	})

	rec, response := doCheck(t, handler, CheckRequest{
		AccountID:         account.ID.String(),
		DeviceFingerprint: "fp-pending",
	}, nil)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	// A denial is a successful decision, not an API error.
	if !response.Success {
		t.Error("denied verdicts still use the success envelope")
	}
	decision := decodeDecision(t, response)
	if decision.Reason != ReasonPendingApproval {
		t.Errorf("expected reason %q, got %q", ReasonPendingApproval, decision.Reason)
	}
	if decision.Message == "" {
		t.Error("every denial carries a user-facing message")
	}
}

func TestCheckHandlerValidation(t *testing.T) {
	_, handler := newHandlerFixture(t)

	tests := []struct {
		name string
		body interface{}
	}{
		{"missing account id", CheckRequest{DeviceFingerprint: "fp-1"}},
		{"missing fingerprint", CheckRequest{AccountID: uuid.New().String()}},
		{"malformed account id", CheckRequest{AccountID: "nope", DeviceFingerprint: "fp-1"}},
		{"not json", "not-json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, response := doCheck(t, handler, tt.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rec.Code)
			}
			if response.Error == nil || response.Error.Code != CodeValidationError {
				t.Errorf("expected %s error, got %+v", CodeValidationError, response.Error)
			}
		})
	}
}

func TestCheckHandlerUnknownAccountIsServerError(t *testing.T) {
	_, handler := newHandlerFixture(t)

	rec, response := doCheck(t, handler, CheckRequest{
		AccountID:         uuid.New().String(),
		DeviceFingerprint: "fp-1",
	}, nil)

	// Unresolvable accounts are an integration fault with the identity
	// provider, not a denial the portal should render.
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if response.Error == nil || response.Error.Code != CodeAccountUnresolved {
		t.Errorf("expected %s error, got %+v", CodeAccountUnresolved, response.Error)
	}
}

func TestCheckHandlerUsesForwardedFor(t *testing.T) {
	f, handler := newHandlerFixture(t)
	account := f.addStandardAccount()
	f.geo.SetLocation("203.0.113.50", "SG", "Singapore")

	rec, _ := doCheck(t, handler, CheckRequest{
		AccountID:         account.ID.String(),
		DeviceFingerprint: "fp-1",
	}, map[string]string{"X-Forwarded-For": "203.0.113.50, 10.0.0.1"})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(f.attempts.attempts) != 1 {
		t.Fatalf("expected one audit row, got %d", len(f.attempts.attempts))
	}
	if got := f.attempts.attempts[0].Country; got != "SG" {
		t.Errorf("expected the forwarded client IP to drive geolocation, got country %q", got)
	}
}

func TestLogoutHandler(t *testing.T) {
	f, handler := newHandlerFixture(t)
	account := f.addStandardAccount()
	session := &repository.DeviceSession{
		AccountID:         account.ID,
		DeviceFingerprint: "fp-1",
		IsApproved:        true,
		IsActive:          true,
	}
	f.sessions.AddSession(session)

	body, _ := json.Marshal(LogoutRequest{SessionID: session.ID.String()})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/session/logout", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.Logout(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if session.IsActive {
		t.Error("expected session to be deactivated")
	}
}

func TestLogoutHandlerUnknownSession(t *testing.T) {
	_, handler := newHandlerFixture(t)

	body, _ := json.Marshal(LogoutRequest{SessionID: uuid.New().String()})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/session/logout", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.Logout(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		expected   string
	}{
		{"remote addr with port", "192.0.2.1:51234", nil, "192.0.2.1"},
		{"x-forwarded-for single", "10.0.0.1:80", map[string]string{"X-Forwarded-For": "203.0.113.7"}, "203.0.113.7"},
		{"x-forwarded-for chain", "10.0.0.1:80", map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.2"}, "203.0.113.7"},
		{"x-real-ip", "10.0.0.1:80", map[string]string{"X-Real-IP": "203.0.113.8"}, "203.0.113.8"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := getClientIP(req); got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}
