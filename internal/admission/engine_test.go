package admission

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/subportal/backend/internal/geoip"
	"github.com/subportal/backend/internal/notify"
	"github.com/subportal/backend/internal/repository"
	"pgregory.net/rapid"
)

// MockAccountRepository implements repository.AccountRepository for testing
type MockAccountRepository struct {
	accounts map[uuid.UUID]*repository.Account
	getErr   error
}

func NewMockAccountRepository() *MockAccountRepository {
	return &MockAccountRepository{
		accounts: make(map[uuid.UUID]*repository.Account),
	}
}

func (m *MockAccountRepository) GetByID(ctx context.Context, id uuid.UUID) (*repository.Account, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	account, exists := m.accounts[id]
	if !exists {
		return nil, repository.ErrAccountNotFound
	}
	return account, nil
}

func (m *MockAccountRepository) ListAdministrators(ctx context.Context) ([]repository.Account, error) {
	var admins []repository.Account
	for _, account := range m.accounts {
		if account.IsAdministrator() {
			admins = append(admins, *account)
		}
	}
	return admins, nil
}

func (m *MockAccountRepository) AddAccount(account *repository.Account) {
	m.accounts[account.ID] = account
}

// MockDeviceSessionRepository implements repository.DeviceSessionRepository
// in memory, including the (account_id, device_fingerprint) uniqueness rule.
type MockDeviceSessionRepository struct {
	sessions map[uuid.UUID]*repository.DeviceSession
	byKey    map[string]*repository.DeviceSession

	getErr    error
	countErr  error
	insertErr error

	// conflictOnInsert simulates a concurrent login winning the insert race:
	// the next Insert registers this session under the same key and reports
	// ErrDeviceSessionExists to the caller.
	conflictOnInsert *repository.DeviceSession
}

func NewMockDeviceSessionRepository() *MockDeviceSessionRepository {
	return &MockDeviceSessionRepository{
		sessions: make(map[uuid.UUID]*repository.DeviceSession),
		byKey:    make(map[string]*repository.DeviceSession),
	}
}

func sessionKey(accountID uuid.UUID, fingerprint string) string {
	return accountID.String() + "|" + fingerprint
}

func (m *MockDeviceSessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*repository.DeviceSession, error) {
	session, exists := m.sessions[id]
	if !exists {
		return nil, repository.ErrDeviceSessionNotFound
	}
	return session, nil
}

func (m *MockDeviceSessionRepository) GetByAccountAndFingerprint(ctx context.Context, accountID uuid.UUID, fingerprint string) (*repository.DeviceSession, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	session, exists := m.byKey[sessionKey(accountID, fingerprint)]
	if !exists {
		return nil, repository.ErrDeviceSessionNotFound
	}
	return session, nil
}

func (m *MockDeviceSessionRepository) CountActive(ctx context.Context, accountID uuid.UUID, excludeFingerprint string) (int, error) {
	if m.countErr != nil {
		return 0, m.countErr
	}
	count := 0
	for _, session := range m.sessions {
		if session.AccountID == accountID && session.IsActive && session.DeviceFingerprint != excludeFingerprint {
			count++
		}
	}
	return count, nil
}

func (m *MockDeviceSessionRepository) CountByAccount(ctx context.Context, accountID uuid.UUID) (int, error) {
	if m.countErr != nil {
		return 0, m.countErr
	}
	count := 0
	for _, session := range m.sessions {
		if session.AccountID == accountID {
			count++
		}
	}
	return count, nil
}

func (m *MockDeviceSessionRepository) Insert(ctx context.Context, session *repository.DeviceSession) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	if m.conflictOnInsert != nil {
		winner := m.conflictOnInsert
		m.conflictOnInsert = nil
		m.AddSession(winner)
		return repository.ErrDeviceSessionExists
	}
	key := sessionKey(session.AccountID, session.DeviceFingerprint)
	if _, exists := m.byKey[key]; exists {
		return repository.ErrDeviceSessionExists
	}
	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	session.CreatedAt = time.Now().UTC()
	m.sessions[session.ID] = session
	m.byKey[key] = session
	return nil
}

func (m *MockDeviceSessionRepository) Reactivate(ctx context.Context, id uuid.UUID, meta repository.DeviceMeta) error {
	session, exists := m.sessions[id]
	if !exists {
		return repository.ErrDeviceSessionNotFound
	}
	if !session.IsApproved {
		return repository.ErrSessionNotApproved
	}
	now := time.Now().UTC()
	session.IsActive = true
	session.DeviceName = meta.DeviceName
	session.IPAddress = meta.IPAddress
	session.Country = meta.Country
	session.City = meta.City
	session.UserAgent = meta.UserAgent
	session.LastActiveAt = &now
	return nil
}

func (m *MockDeviceSessionRepository) Approve(ctx context.Context, id, approverID uuid.UUID) error {
	target, exists := m.sessions[id]
	if !exists {
		return repository.ErrDeviceSessionNotFound
	}
	for _, session := range m.sessions {
		if session.AccountID == target.AccountID && session.ID != id {
			session.IsActive = false
		}
	}
	now := time.Now().UTC()
	target.IsApproved = true
	target.IsActive = true
	target.ApprovedBy = &approverID
	target.ApprovedAt = &now
	return nil
}

func (m *MockDeviceSessionRepository) Deactivate(ctx context.Context, id uuid.UUID) error {
	session, exists := m.sessions[id]
	if !exists {
		return repository.ErrDeviceSessionNotFound
	}
	session.IsActive = false
	return nil
}

func (m *MockDeviceSessionRepository) ListByAccount(ctx context.Context, accountID uuid.UUID) ([]repository.DeviceSession, error) {
	var result []repository.DeviceSession
	for _, session := range m.sessions {
		if session.AccountID == accountID {
			result = append(result, *session)
		}
	}
	return result, nil
}

func (m *MockDeviceSessionRepository) ListPending(ctx context.Context, limit int) ([]repository.DeviceSession, error) {
	var result []repository.DeviceSession
	for _, session := range m.sessions {
		if !session.IsApproved {
			result = append(result, *session)
		}
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MockDeviceSessionRepository) AddSession(session *repository.DeviceSession) {
	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	m.sessions[session.ID] = session
	m.byKey[sessionKey(session.AccountID, session.DeviceFingerprint)] = session
}

func (m *MockDeviceSessionRepository) approvedCount(accountID uuid.UUID) int {
	count := 0
	for _, session := range m.sessions {
		if session.AccountID == accountID && session.IsApproved {
			count++
		}
	}
	return count
}

// MockLoginAttemptRepository implements repository.LoginAttemptRepository
// as an in-memory append-only slice.
type MockLoginAttemptRepository struct {
	attempts  []repository.LoginAttempt
	insertErr error
	lastErr   error
}

func NewMockLoginAttemptRepository() *MockLoginAttemptRepository {
	return &MockLoginAttemptRepository{}
}

func (m *MockLoginAttemptRepository) Insert(ctx context.Context, attempt *repository.LoginAttempt) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	attempt.ID = uuid.New()
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}
	m.attempts = append(m.attempts, *attempt)
	return nil
}

func (m *MockLoginAttemptRepository) LastSuccessful(ctx context.Context, accountID uuid.UUID) (*repository.LoginAttempt, error) {
	if m.lastErr != nil {
		return nil, m.lastErr
	}
	for i := len(m.attempts) - 1; i >= 0; i-- {
		attempt := m.attempts[i]
		if attempt.AccountID != nil && *attempt.AccountID == accountID && attempt.AttemptType == repository.AttemptSuccess {
			return &attempt, nil
		}
	}
	return nil, nil
}

func (m *MockLoginAttemptRepository) List(ctx context.Context, params repository.ListAttemptParams) ([]repository.LoginAttempt, int, error) {
	var result []repository.LoginAttempt
	for _, attempt := range m.attempts {
		if params.AccountID != nil && (attempt.AccountID == nil || *attempt.AccountID != *params.AccountID) {
			continue
		}
		if params.AttemptType != "" && attempt.AttemptType != params.AttemptType {
			continue
		}
		result = append(result, attempt)
	}
	return result, len(result), nil
}

func (m *MockLoginAttemptRepository) ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]repository.LoginAttempt, error) {
	var result []repository.LoginAttempt
	for _, attempt := range m.attempts {
		if attempt.CreatedAt.Before(cutoff) {
			result = append(result, attempt)
		}
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MockLoginAttemptRepository) DeleteByIDs(ctx context.Context, ids []uuid.UUID) (int64, error) {
	drop := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	var kept []repository.LoginAttempt
	var deleted int64
	for _, attempt := range m.attempts {
		if drop[attempt.ID] {
			deleted++
			continue
		}
		kept = append(kept, attempt)
	}
	m.attempts = kept
	return deleted, nil
}

func (m *MockLoginAttemptRepository) AddAttempt(attempt repository.LoginAttempt) {
	if attempt.ID == uuid.Nil {
		attempt.ID = uuid.New()
	}
	m.attempts = append(m.attempts, attempt)
}

func (m *MockLoginAttemptRepository) lastReason() string {
	if len(m.attempts) == 0 {
		return ""
	}
	return m.attempts[len(m.attempts)-1].Reason
}

// MockGeoResolver resolves IPs from a fixed table; everything else is Unknown
type MockGeoResolver struct {
	locations map[string]geoip.Location
}

func NewMockGeoResolver() *MockGeoResolver {
	return &MockGeoResolver{locations: make(map[string]geoip.Location)}
}

func (m *MockGeoResolver) Resolve(ctx context.Context, ip string) geoip.Location {
	if loc, exists := m.locations[ip]; exists {
		return loc
	}
	return geoip.Unknown()
}

func (m *MockGeoResolver) SetLocation(ip, country, city string) {
	m.locations[ip] = geoip.Location{Country: country, City: city}
}

// MockNotifier records alerts instead of writing notification rows
type MockNotifier struct {
	alerts []notify.Alert
}

func (m *MockNotifier) NotifyAdministrators(ctx context.Context, alert notify.Alert) {
	m.alerts = append(m.alerts, alert)
}

// testFixture bundles an engine with all its mock collaborators
type testFixture struct {
	accounts *MockAccountRepository
	sessions *MockDeviceSessionRepository
	attempts *MockLoginAttemptRepository
	notifier *MockNotifier
	geo      *MockGeoResolver
	engine   *Engine
}

func newTestFixture(window time.Duration) *testFixture {
	f := &testFixture{
		accounts: NewMockAccountRepository(),
		sessions: NewMockDeviceSessionRepository(),
		attempts: NewMockLoginAttemptRepository(),
		notifier: &MockNotifier{},
		geo:      NewMockGeoResolver(),
	}
	f.engine = NewEngine(Config{
		Accounts: f.accounts,
		Sessions: f.sessions,
		Attempts: f.attempts,
		Notifier: f.notifier,
		Geo:      f.geo,
		Detector: NewDetector(window),
	})
	return f
}

func (f *testFixture) addStandardAccount() *repository.Account {
	account := &repository.Account{
		ID:     uuid.New(),
		Role:   repository.RoleStandard,
		Handle: "member",
	}
	f.accounts.AddAccount(account)
	return account
}

func checkRequest(accountID uuid.UUID, fingerprint string) CheckRequest {
	return CheckRequest{
		AccountID:         accountID.String(),
		DeviceFingerprint: fingerprint,
		DeviceName:        "Work Laptop",
		UserAgent:         "Mozilla/5.0",
	}
}

func TestCheckAdministratorBypass(t *testing.T) {
	f := newTestFixture(6 * time.Hour)
	admin := &repository.Account{ID: uuid.New(), Role: repository.RoleAdministrator, Handle: "ops"}
	f.accounts.AddAccount(admin)

	decision, err := f.engine.Check(context.Background(), checkRequest(admin.ID, "fp-admin"), "203.0.113.9")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !decision.Allowed {
		t.Errorf("expected admin login to be allowed, got reason %q", decision.Reason)
	}
	if !decision.IsAdmin {
		t.Error("expected IsAdmin to be set")
	}
	if len(f.sessions.sessions) != 0 {
		t.Errorf("admin bypass must not touch the ledger, found %d sessions", len(f.sessions.sessions))
	}
	if got := f.attempts.lastReason(); got != "administrator bypass" {
		t.Errorf("expected audit reason %q, got %q", "administrator bypass", got)
	}
}

func TestCheckFirstDeviceAutoApproved(t *testing.T) {
	f := newTestFixture(6 * time.Hour)
	account := f.addStandardAccount()
	f.geo.SetLocation("203.0.113.9", "ID", "Jakarta")

	decision, err := f.engine.Check(context.Background(), checkRequest(account.ID, "fp-1"), "203.0.113.9")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected first device to be allowed, got reason %q", decision.Reason)
	}
	if decision.SessionID == nil {
		t.Fatal("expected a session ID for the registered device")
	}

	session := f.sessions.sessions[*decision.SessionID]
	if session == nil {
		t.Fatal("session not found in ledger")
	}
	if !session.IsApproved || !session.IsActive {
		t.Errorf("first device should be approved and active, got approved=%v active=%v", session.IsApproved, session.IsActive)
	}
	if session.Country != "ID" {
		t.Errorf("expected resolved country ID, got %q", session.Country)
	}
	if len(f.attempts.attempts) != 1 {
		t.Errorf("expected exactly one audit row, got %d", len(f.attempts.attempts))
	}
	if f.attempts.attempts[0].AttemptType != repository.AttemptSuccess {
		t.Errorf("expected success audit row, got %q", f.attempts.attempts[0].AttemptType)
	}
}

func TestCheckTrustedDeviceReLogin(t *testing.T) {
	f := newTestFixture(6 * time.Hour)
	account := f.addStandardAccount()

	existing := &repository.DeviceSession{
		AccountID:         account.ID,
		DeviceFingerprint: "fp-1",
		IsApproved:        true,
		IsActive:          false,
		Country:           "ID",
	}
	f.sessions.AddSession(existing)
	f.geo.SetLocation("198.51.100.4", "ID", "Bandung")

	decision, err := f.engine.Check(context.Background(), checkRequest(account.ID, "fp-1"), "198.51.100.4")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected trusted device to be allowed, got reason %q", decision.Reason)
	}
	if decision.SessionID == nil || *decision.SessionID != existing.ID {
		t.Error("expected the existing session to be reused")
	}
	if !existing.IsActive {
		t.Error("expected session to be reactivated")
	}
	if existing.City != "Bandung" {
		t.Errorf("expected metadata refresh on re-login, city is %q", existing.City)
	}
	if len(f.sessions.sessions) != 1 {
		t.Errorf("re-login must not create new sessions, found %d", len(f.sessions.sessions))
	}
}

func TestCheckReLoginIsIdempotent(t *testing.T) {
	f := newTestFixture(6 * time.Hour)
	account := f.addStandardAccount()

	for i := 0; i < 3; i++ {
		decision, err := f.engine.Check(context.Background(), checkRequest(account.ID, "fp-1"), "203.0.113.9")
		if err != nil {
			t.Fatalf("Check %d failed: %v", i, err)
		}
		if !decision.Allowed {
			t.Fatalf("Check %d: expected allow, got reason %q", i, decision.Reason)
		}
	}

	if len(f.sessions.sessions) != 1 {
		t.Errorf("expected a single ledger row after repeated logins, got %d", len(f.sessions.sessions))
	}
	if len(f.attempts.attempts) != 3 {
		t.Errorf("expected one audit row per call, got %d", len(f.attempts.attempts))
	}
}

func TestCheckPendingDeviceDenied(t *testing.T) {
	f := newTestFixture(6 * time.Hour)
	account := f.addStandardAccount()

	pending := &repository.DeviceSession{
		AccountID:         account.ID,
		DeviceFingerprint: "fp-pending",
		IsApproved:        false,
		IsActive:          false,
	}
	f.sessions.AddSession(pending)

	decision, err := f.engine.Check(context.Background(), checkRequest(account.ID, "fp-pending"), "203.0.113.9")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if decision.Allowed {
		t.Fatal("expected pending device to be denied")
	}
	if decision.Reason != ReasonPendingApproval {
		t.Errorf("expected reason %q, got %q", ReasonPendingApproval, decision.Reason)
	}
	if pending.IsActive || pending.IsApproved {
		t.Error("pending denial must not mutate the session")
	}
	if len(f.sessions.sessions) != 1 {
		t.Errorf("pending denial must not create sessions, found %d", len(f.sessions.sessions))
	}
}

func TestCheckDeviceLimitTakesPrecedenceOverAnomaly(t *testing.T) {
	f := newTestFixture(6 * time.Hour)
	account := f.addStandardAccount()

	// An active approved device on another fingerprint, plus login history
	// that would also trip the impossible-travel rule.
	active := &repository.DeviceSession{
		AccountID:         account.ID,
		DeviceFingerprint: "fp-active",
		IsApproved:        true,
		IsActive:          true,
		Country:           "BD",
	}
	f.sessions.AddSession(active)
	accountID := account.ID
	f.attempts.AddAttempt(repository.LoginAttempt{
		AccountID:   &accountID,
		AttemptType: repository.AttemptSuccess,
		Country:     "BD",
		CreatedAt:   time.Now().UTC().Add(-10 * time.Minute),
	})
	f.geo.SetLocation("203.0.113.9", "IN", "Mumbai")

	decision, err := f.engine.Check(context.Background(), checkRequest(account.ID, "fp-new"), "203.0.113.9")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if decision.Allowed {
		t.Fatal("expected denial")
	}
	if decision.Reason != ReasonDeviceLimit {
		t.Errorf("expected device limit to win over anomaly, got reason %q", decision.Reason)
	}

	// The new device still lands in the approval queue.
	newSession := f.sessions.byKey[sessionKey(account.ID, "fp-new")]
	if newSession == nil {
		t.Fatal("expected a pending session for the new device")
	}
	if newSession.IsApproved || newSession.IsActive {
		t.Error("device-limit session must be pending and inactive")
	}
	if len(f.notifier.alerts) != 1 || f.notifier.alerts[0].Severity != repository.SeverityWarning {
		t.Errorf("expected one warning alert, got %+v", f.notifier.alerts)
	}
}

func TestCheckImpossibleTravelBlocked(t *testing.T) {
	f := newTestFixture(6 * time.Hour)
	account := f.addStandardAccount()
	accountID := account.ID

	// History exists but no device is currently active.
	old := &repository.DeviceSession{
		AccountID:         account.ID,
		DeviceFingerprint: "fp-old",
		IsApproved:        true,
		IsActive:          false,
		Country:           "BD",
	}
	f.sessions.AddSession(old)
	f.attempts.AddAttempt(repository.LoginAttempt{
		AccountID:   &accountID,
		AttemptType: repository.AttemptSuccess,
		Country:     "BD",
		CreatedAt:   time.Now().UTC().Add(-10 * time.Minute),
	})
	f.geo.SetLocation("203.0.113.9", "IN", "Mumbai")

	decision, err := f.engine.Check(context.Background(), checkRequest(account.ID, "fp-new"), "203.0.113.9")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if decision.Allowed || decision.Reason != ReasonSuspicious {
		t.Fatalf("expected suspicious denial, got allowed=%v reason=%q", decision.Allowed, decision.Reason)
	}

	// No ledger row for the suspicious device.
	if f.sessions.byKey[sessionKey(account.ID, "fp-new")] != nil {
		t.Error("suspicious denial must not register the device")
	}

	last := f.attempts.attempts[len(f.attempts.attempts)-1]
	if last.AttemptType != repository.AttemptSuspicious {
		t.Errorf("expected suspicious audit row, got %q", last.AttemptType)
	}
	if len(f.notifier.alerts) != 1 || f.notifier.alerts[0].Severity != repository.SeverityCritical {
		t.Errorf("expected one critical alert, got %+v", f.notifier.alerts)
	}
}

func TestCheckCountryChangeOutsideWindowIsNewDevice(t *testing.T) {
	f := newTestFixture(6 * time.Hour)
	account := f.addStandardAccount()
	accountID := account.ID

	old := &repository.DeviceSession{
		AccountID:         account.ID,
		DeviceFingerprint: "fp-old",
		IsApproved:        true,
		IsActive:          false,
		Country:           "BD",
	}
	f.sessions.AddSession(old)
	f.attempts.AddAttempt(repository.LoginAttempt{
		AccountID:   &accountID,
		AttemptType: repository.AttemptSuccess,
		Country:     "BD",
		CreatedAt:   time.Now().UTC().Add(-30 * 24 * time.Hour),
	})
	f.geo.SetLocation("203.0.113.9", "IN", "Mumbai")

	decision, err := f.engine.Check(context.Background(), checkRequest(account.ID, "fp-new"), "203.0.113.9")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if decision.Reason != ReasonNewDevice {
		t.Errorf("a month-old country change is normal travel; expected %q, got %q", ReasonNewDevice, decision.Reason)
	}

	newSession := f.sessions.byKey[sessionKey(account.ID, "fp-new")]
	if newSession == nil || newSession.IsApproved {
		t.Error("expected a pending session awaiting approval")
	}
}

func TestCheckUnknownCountryNeverSuspicious(t *testing.T) {
	f := newTestFixture(6 * time.Hour)
	account := f.addStandardAccount()
	accountID := account.ID

	old := &repository.DeviceSession{
		AccountID:         account.ID,
		DeviceFingerprint: "fp-old",
		IsApproved:        true,
		IsActive:          false,
	}
	f.sessions.AddSession(old)
	f.attempts.AddAttempt(repository.LoginAttempt{
		AccountID:   &accountID,
		AttemptType: repository.AttemptSuccess,
		Country:     geoip.UnknownValue,
		CreatedAt:   time.Now().UTC().Add(-5 * time.Minute),
	})
	f.geo.SetLocation("203.0.113.9", "IN", "Mumbai")

	decision, err := f.engine.Check(context.Background(), checkRequest(account.ID, "fp-new"), "203.0.113.9")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if decision.Reason == ReasonSuspicious {
		t.Error("Unknown prior country must never count as a country change")
	}
}

func TestCheckFailsClosedOnStorageError(t *testing.T) {
	f := newTestFixture(6 * time.Hour)
	account := f.addStandardAccount()
	f.sessions.getErr = errors.New("connection reset")

	decision, err := f.engine.Check(context.Background(), checkRequest(account.ID, "fp-1"), "203.0.113.9")
	if err == nil {
		t.Fatal("expected an error when the ledger is unreadable")
	}
	if decision != nil {
		t.Errorf("fail-closed means no verdict at all, got %+v", decision)
	}
}

func TestCheckUnknownAccount(t *testing.T) {
	f := newTestFixture(6 * time.Hour)

	_, err := f.engine.Check(context.Background(), checkRequest(uuid.New(), "fp-1"), "203.0.113.9")
	if !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("expected ErrUnknownAccount, got %v", err)
	}

	// The attempt is still logged, with no account attached.
	if len(f.attempts.attempts) != 1 {
		t.Fatalf("expected one audit row, got %d", len(f.attempts.attempts))
	}
	if f.attempts.attempts[0].AccountID != nil {
		t.Error("expected a nil account id on the audit row")
	}
}

func TestCheckInvalidInput(t *testing.T) {
	f := newTestFixture(6 * time.Hour)
	account := f.addStandardAccount()

	cases := []CheckRequest{
		{AccountID: "", DeviceFingerprint: "fp-1"},
		{AccountID: account.ID.String(), DeviceFingerprint: ""},
		{AccountID: "not-a-uuid", DeviceFingerprint: "fp-1"},
	}
	for _, req := range cases {
		if _, err := f.engine.Check(context.Background(), req, "203.0.113.9"); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("request %+v: expected ErrInvalidInput, got %v", req, err)
		}
	}
}

func TestCheckAuditFailureDoesNotChangeVerdict(t *testing.T) {
	f := newTestFixture(6 * time.Hour)
	admin := &repository.Account{ID: uuid.New(), Role: repository.RoleAdministrator, Handle: "ops"}
	f.accounts.AddAccount(admin)
	f.attempts.insertErr = errors.New("disk full")

	decision, err := f.engine.Check(context.Background(), checkRequest(admin.ID, "fp-1"), "203.0.113.9")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !decision.Allowed {
		t.Error("audit write failure must not overturn an allow verdict")
	}
}

func TestCheckInsertConflictReEntersDecisionTable(t *testing.T) {
	f := newTestFixture(6 * time.Hour)
	account := f.addStandardAccount()

	// A concurrent login for the same fingerprint wins the insert race and
	// leaves an approved session behind; the retry must land on rule 2.
	f.sessions.conflictOnInsert = &repository.DeviceSession{
		AccountID:         account.ID,
		DeviceFingerprint: "fp-1",
		IsApproved:        true,
		IsActive:          true,
	}

	decision, err := f.engine.Check(context.Background(), checkRequest(account.ID, "fp-1"), "203.0.113.9")
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected retry to allow the trusted device, got reason %q", decision.Reason)
	}
	if len(f.sessions.sessions) != 1 {
		t.Errorf("expected exactly one ledger row after the race, got %d", len(f.sessions.sessions))
	}
}

func TestLogoutDeactivatesSession(t *testing.T) {
	f := newTestFixture(6 * time.Hour)
	account := f.addStandardAccount()

	session := &repository.DeviceSession{
		AccountID:         account.ID,
		DeviceFingerprint: "fp-1",
		IsApproved:        true,
		IsActive:          true,
	}
	f.sessions.AddSession(session)

	if err := f.engine.Logout(context.Background(), session.ID); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if session.IsActive {
		t.Error("expected session to be deactivated")
	}
	if !session.IsApproved {
		t.Error("logout must not revoke approval")
	}
}

// TestCheckPropertyInvariants drives the engine with random login sequences
// and asserts the ledger invariants hold whatever the order of events.
func TestCheckPropertyInvariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		f := newTestFixture(6 * time.Hour)
		account := f.addStandardAccount()

		fingerprints := []string{"fp-a", "fp-b", "fp-c"}
		countries := []string{"ID", "SG", "BD", geoip.UnknownValue}

		steps := rapid.IntRange(1, 20).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			fp := rapid.SampledFrom(fingerprints).Draw(t, fmt.Sprintf("fp%d", i))
			country := rapid.SampledFrom(countries).Draw(t, fmt.Sprintf("country%d", i))

			ip := fmt.Sprintf("198.51.100.%d", i+1)
			if country != geoip.UnknownValue {
				f.geo.SetLocation(ip, country, "City")
			}

			before := len(f.attempts.attempts)
			_, err := f.engine.Check(context.Background(), checkRequest(account.ID, fp), ip)
			if err != nil {
				t.Fatalf("step %d: Check failed: %v", i, err)
			}

			// Exactly one audit row per invocation.
			if got := len(f.attempts.attempts); got != before+1 {
				t.Fatalf("step %d: expected %d audit rows, got %d", i, before+1, got)
			}

			// The engine only ever auto-approves the account's first device;
			// every other approval requires an administrator.
			if approved := f.sessions.approvedCount(account.ID); approved > 1 {
				t.Fatalf("step %d: %d approved sessions without admin involvement", i, approved)
			}

			// At most one row per (account, fingerprint).
			if len(f.sessions.sessions) > len(fingerprints) {
				t.Fatalf("step %d: %d ledger rows for %d fingerprints", i, len(f.sessions.sessions), len(fingerprints))
			}
		}
	})
}
