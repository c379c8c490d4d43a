// Package credential owns the per-slot authentication state machine.
//
// A Manager is constructed once at process start and passed by reference to
// the HTTP facade, the CLI, and the refresh scheduler; there is no ambient
// global token state. Log call sites in this package pass only slot, user,
// tenant id, and error kind — never token material or device codes.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"tenantbridge/internal/devicecode"
	"tenantbridge/internal/tenant"
	"tenantbridge/internal/tokenclaims"
	"tenantbridge/internal/tokenrepo"
)

var (
	// ErrNotAuthenticated means no usable token exists for the slot.
	ErrNotAuthenticated = errors.New("credential: slot not authenticated")

	// ErrAlreadyAuthenticating means a device-code session is already in
	// flight for the slot; at most one sign-in runs per slot at a time.
	ErrAlreadyAuthenticating = errors.New("credential: sign-in already in progress")

	// ErrUnknownSession means the supplied session handle does not match the
	// slot's in-flight device-code session.
	ErrUnknownSession = errors.New("credential: unknown device-code session")
)

// DefaultRefreshLookahead is how much remaining validity GetToken guarantees:
// a token closer than this to expiry is refreshed before being returned.
const DefaultRefreshLookahead = 10 * time.Minute

// State is the derived authentication state of one slot.
type State string

const (
	StateNotAuthenticated State = "not_authenticated"
	StateAuthenticating   State = "authenticating"
	StateAuthenticated    State = "authenticated"
	StateExpired          State = "expired"
	StateError            State = "error"
)

// Poll status values exposed to callers; raw provider payloads never pass
// through these.
const (
	PollStatusPending   = "pending"
	PollStatusCompleted = "completed"
	PollStatusExpired   = "expired"
	PollStatusError     = "error"
)

// DeviceClient is the provider surface the manager drives.
type DeviceClient interface {
	Start(ctx context.Context, slot tenant.Slot) (*devicecode.Session, error)
	PollOnce(ctx context.Context, session *devicecode.Session) (*oauth2.Token, error)
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// Repository is the token storage surface.
type Repository interface {
	Put(ctx context.Context, slot tenant.Slot, record tokenrepo.TokenRecord) error
	Get(ctx context.Context, slot tenant.Slot) (*tokenrepo.TokenRecord, error)
	Clear(ctx context.Context, slot tenant.Slot) error
}

// Validator decodes and checks token claims without network access.
type Validator interface {
	Validate(rawToken, expectedTenantID string) (*tokenclaims.Claims, error)
}

// SessionInfo is the UI-safe view of an in-flight device-code session.
// The device code itself is never included.
type SessionInfo struct {
	ID              string
	Slot            tenant.Slot
	UserCode        string
	VerificationURI string
	ExpiresAt       time.Time
	Interval        time.Duration
}

// PollStatus is the outcome of one CheckStatus call.
type PollStatus struct {
	Status    string
	User      string
	TenantID  string
	ExpiresAt time.Time
	Message   string

	// Interval is the provider's current minimum wait between polls. Set on
	// pending statuses; it grows when the provider answers slow_down, and
	// callers must re-pace from it or they will be rate-limited.
	Interval time.Duration
}

// Status is the per-slot summary exposed to callers and downstream features.
// Downstream modules must refuse to operate unless State is authenticated.
type Status struct {
	Slot      tenant.Slot
	State     State
	User      string
	TenantID  string
	ExpiresAt time.Time
	ExpiresIn int64 // seconds; 0 unless authenticated
	Message   string
}

// slotState is the in-memory state for one slot. Each slot has its own
// mutex; no lock is ever held across slots.
type slotState struct {
	mu sync.Mutex

	session   *devicecode.Session
	sessionID string

	// expectedTenantID is the pre-registered tenant for the slot; empty
	// means the first observed tenant is adopted.
	expectedTenantID string

	// lastErr holds a human-readable message for the error state, cleared
	// on the next sign-in or sign-out.
	lastErr string

	// expired marks a failed refresh; the stored record is kept (and
	// unusable) until sign-out, and no further refresh is attempted.
	expired bool

	// generation increments on sign-out. A refresh exchange running outside
	// the lock re-checks it before persisting, so a sign-out issued while a
	// refresh is in flight is never undone by the late write-back.
	generation uint64
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLookahead overrides the refresh lookahead window.
func WithLookahead(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.lookahead = d
	}
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock overrides the time source; used in tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// WithExpectedTenant pre-registers the tenant id a slot must authenticate
// against. Without it, the first observed tenant id is recorded for the slot.
func WithExpectedTenant(slot tenant.Slot, tenantID string) ManagerOption {
	return func(m *Manager) {
		if st, ok := m.slots[slot]; ok {
			st.expectedTenantID = tenantID
		}
	}
}

// Manager drives the device-code flow, validates and persists tokens, and
// keeps them fresh. All methods are safe for concurrent use; operations on
// one slot never block the other slot.
type Manager struct {
	clients   map[tenant.Slot]DeviceClient
	repo      Repository
	validator Validator
	lookahead time.Duration
	logger    *slog.Logger
	now       func() time.Time

	slots        map[tenant.Slot]*slotState
	refreshGroup singleflight.Group
}

// NewManager creates a Manager. clients must cover both slots.
func NewManager(clients map[tenant.Slot]DeviceClient, repo Repository, validator Validator, opts ...ManagerOption) (*Manager, error) {
	if repo == nil {
		return nil, fmt.Errorf("missing repository")
	}
	if validator == nil {
		return nil, fmt.Errorf("missing validator")
	}
	for _, slot := range tenant.Slots() {
		if clients[slot] == nil {
			return nil, fmt.Errorf("missing device client for slot %s", slot)
		}
	}

	m := &Manager{
		clients:   clients,
		repo:      repo,
		validator: validator,
		lookahead: DefaultRefreshLookahead,
		logger:    slog.Default(),
		now:       time.Now,
		slots: map[tenant.Slot]*slotState{
			tenant.SlotSource: {},
			tenant.SlotTarget: {},
		},
	}
	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

func (m *Manager) slot(slot tenant.Slot) (*slotState, error) {
	st, ok := m.slots[slot]
	if !ok {
		return nil, fmt.Errorf("unknown tenant slot %q", slot)
	}
	return st, nil
}

// SignIn starts a device-code flow for the slot. Rejects if a session is
// already in flight; an expired leftover session is silently replaced.
func (m *Manager) SignIn(ctx context.Context, slot tenant.Slot) (*SessionInfo, error) {
	st, err := m.slot(slot)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	if st.session != nil && !st.session.Expired(m.now()) {
		st.mu.Unlock()
		return nil, ErrAlreadyAuthenticating
	}
	st.session = nil
	st.sessionID = ""
	st.mu.Unlock()

	// Provider round trip happens outside the slot lock.
	session, err := m.clients[slot].Start(ctx, slot)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.session != nil && !st.session.Expired(m.now()) {
		// Lost the race to a concurrent sign-in for the same slot.
		return nil, ErrAlreadyAuthenticating
	}

	st.session = session
	st.sessionID = uuid.NewString()
	st.lastErr = ""
	st.expired = false

	m.logger.Info("device-code sign-in started", "slot", slot)

	return &SessionInfo{
		ID:              st.sessionID,
		Slot:            slot,
		UserCode:        session.UserCode,
		VerificationURI: session.VerificationURI,
		ExpiresAt:       session.ExpiresAt,
		Interval:        session.Interval,
	}, nil
}

// CheckStatus performs one poll of the slot's in-flight session.
//
// An expired session is dropped and reported without a network call. On a
// completed sign-in the token is validated against the slot's expected
// tenant before anything is persisted; a tenant mismatch discards the token,
// moves the slot to the error state, and persists nothing.
func (m *Manager) CheckStatus(ctx context.Context, slot tenant.Slot, sessionID string) (PollStatus, error) {
	st, err := m.slot(slot)
	if err != nil {
		return PollStatus{}, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.session == nil || st.sessionID != sessionID {
		return PollStatus{}, ErrUnknownSession
	}

	if st.session.Expired(m.now()) {
		st.dropSession()
		m.logger.Info("device-code session expired", "slot", slot)
		return PollStatus{Status: PollStatusExpired}, nil
	}

	token, err := m.clients[slot].PollOnce(ctx, st.session)
	switch {
	case err == nil:
		return m.completeSignIn(ctx, slot, st, token), nil
	case errors.Is(err, devicecode.ErrAuthorizationPending),
		errors.Is(err, devicecode.ErrRateLimited):
		// PollOnce may have grown the interval (slow_down); report the
		// current value so the caller can re-pace.
		return PollStatus{Status: PollStatusPending, Interval: st.session.Interval}, nil
	case errors.Is(err, devicecode.ErrProviderUnreachable):
		// Transient; the session stays alive and the caller retries at the
		// poll interval.
		m.logger.Warn("provider unreachable during poll", "slot", slot)
		return PollStatus{Status: PollStatusPending, Interval: st.session.Interval}, nil
	case errors.Is(err, devicecode.ErrExpired):
		st.dropSession()
		return PollStatus{Status: PollStatusExpired}, nil
	case errors.Is(err, devicecode.ErrAccessDenied):
		st.dropSession()
		st.lastErr = "authorization denied by user"
		m.logger.Warn("device-code authorization denied", "slot", slot)
		return PollStatus{Status: PollStatusError, Message: st.lastErr}, nil
	default:
		st.dropSession()
		st.lastErr = "sign-in failed"
		m.logger.Error("device-code poll failed", "slot", slot, "error", err)
		return PollStatus{Status: PollStatusError, Message: st.lastErr}, nil
	}
}

// completeSignIn validates and persists a freshly issued token.
// Called with the slot lock held.
func (m *Manager) completeSignIn(ctx context.Context, slot tenant.Slot, st *slotState, token *oauth2.Token) PollStatus {
	claims, err := m.validator.Validate(token.AccessToken, st.expectedTenantID)
	if err != nil {
		st.dropSession()
		if errors.Is(err, tokenclaims.ErrTenantMismatch) {
			st.lastErr = "token issued for a different tenant"
			m.logger.Warn("tenant mismatch; token discarded", "slot", slot, "kind", "tenant_mismatch")
		} else {
			st.lastErr = "token validation failed"
			m.logger.Error("token validation failed", "slot", slot, "error", err)
		}
		return PollStatus{Status: PollStatusError, Message: st.lastErr}
	}

	expiresAt := token.Expiry
	if expiresAt.IsZero() {
		expiresAt = claims.ExpiresAt
	}

	record := tokenrepo.TokenRecord{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    expiresAt,
		TenantID:     claims.TenantID,
		User:         claims.Subject,
	}
	if err := m.repo.Put(ctx, slot, record); err != nil {
		st.dropSession()
		st.lastErr = "storage failure"
		m.logger.Error("storing token record failed", "slot", slot, "kind", "storage_error")
		return PollStatus{Status: PollStatusError, Message: st.lastErr}
	}

	st.dropSession()
	st.lastErr = ""
	st.expired = false

	m.logger.Info("slot authenticated",
		"slot", slot, "user", record.User, "tenant_id", record.TenantID)

	return PollStatus{
		Status:    PollStatusCompleted,
		User:      record.User,
		TenantID:  record.TenantID,
		ExpiresAt: record.ExpiresAt,
	}
}

// dropSession clears the in-flight session. Called with the slot lock held.
func (st *slotState) dropSession() {
	st.session = nil
	st.sessionID = ""
}

// GetToken returns the slot's token record, refreshing first when less than
// the lookahead window of validity remains. Barring provider failure,
// callers never receive a token closer than the lookahead to expiry.
func (m *Manager) GetToken(ctx context.Context, slot tenant.Slot) (*tokenrepo.TokenRecord, error) {
	st, err := m.slot(slot)
	if err != nil {
		return nil, err
	}

	record, err := m.repo.Get(ctx, slot)
	if err != nil {
		if errors.Is(err, tokenrepo.ErrNotFound) {
			return nil, ErrNotAuthenticated
		}
		return nil, err
	}

	// A rejected refresh token stays rejected; don't replay the exchange on
	// every call. Only a fresh sign-in (or sign-out) clears the marker.
	st.mu.Lock()
	expired := st.expired
	st.mu.Unlock()
	if expired {
		return nil, fmt.Errorf("%w: slot requires re-authentication", devicecode.ErrRefreshFailed)
	}

	now := m.now()
	if now.Add(m.lookahead).Before(record.ExpiresAt) {
		return record, nil
	}

	refreshed, err := m.Refresh(ctx, slot)
	if err == nil {
		return refreshed, nil
	}

	// Transient provider failure: the stored token is still usable until its
	// real expiry.
	if errors.Is(err, devicecode.ErrProviderUnreachable) && now.Before(record.ExpiresAt) {
		m.logger.Warn("refresh skipped, provider unreachable; returning stored token", "slot", slot)
		return record, nil
	}

	return nil, err
}

// Refresh exchanges the slot's refresh token for a new pair and atomically
// replaces the stored record. Single-flight per slot: concurrent callers
// share one provider exchange, since duplicate exchanges would each rotate
// the refresh token and race each other into invalidating one another.
//
// On a provider rejection the slot moves to the expired state; the stored
// (now-unusable) record is kept until sign-out.
func (m *Manager) Refresh(ctx context.Context, slot tenant.Slot) (*tokenrepo.TokenRecord, error) {
	st, err := m.slot(slot)
	if err != nil {
		return nil, err
	}

	v, err, _ := m.refreshGroup.Do(string(slot), func() (any, error) {
		return m.refreshSlot(ctx, slot, st)
	})
	if err != nil {
		return nil, err
	}

	return v.(*tokenrepo.TokenRecord), nil
}

func (m *Manager) refreshSlot(ctx context.Context, slot tenant.Slot, st *slotState) (*tokenrepo.TokenRecord, error) {
	st.mu.Lock()
	generation := st.generation
	st.mu.Unlock()

	record, err := m.repo.Get(ctx, slot)
	if err != nil {
		if errors.Is(err, tokenrepo.ErrNotFound) {
			return nil, ErrNotAuthenticated
		}
		return nil, err
	}

	token, err := m.clients[slot].Refresh(ctx, record.RefreshToken)
	if err != nil {
		if errors.Is(err, devicecode.ErrRefreshFailed) {
			st.mu.Lock()
			if st.generation == generation {
				st.expired = true
			}
			st.mu.Unlock()
			m.logger.Warn("refresh rejected; slot requires re-authentication",
				"slot", slot, "kind", "refresh_failed")
		}
		return nil, err
	}

	// The stored record's tenant is authoritative across refreshes.
	claims, err := m.validator.Validate(token.AccessToken, record.TenantID)
	if err != nil {
		if errors.Is(err, tokenclaims.ErrTenantMismatch) {
			m.logger.Warn("tenant mismatch on refreshed token; discarded",
				"slot", slot, "kind", "tenant_mismatch")
		}
		return nil, err
	}

	expiresAt := token.Expiry
	if expiresAt.IsZero() {
		expiresAt = claims.ExpiresAt
	}

	user := claims.Subject
	if user == "" {
		user = record.User
	}

	newRecord := tokenrepo.TokenRecord{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    expiresAt,
		TenantID:     claims.TenantID,
		User:         user,
	}

	// The exchange ran outside the slot lock. If a sign-out happened in the
	// meantime, the slot was cleared deliberately; writing the rotated record
	// now would resurrect the credential, so it is dropped instead. The write
	// happens under the lock SignOut clears under.
	st.mu.Lock()
	if st.generation != generation {
		st.mu.Unlock()
		return nil, ErrNotAuthenticated
	}
	if err := m.repo.Put(ctx, slot, newRecord); err != nil {
		st.mu.Unlock()
		return nil, err
	}
	st.expired = false
	st.lastErr = ""
	st.mu.Unlock()

	m.logger.Info("token refreshed", "slot", slot, "expires_at", newRecord.ExpiresAt)

	return &newRecord, nil
}

// SignOut clears the slot's stored record and in-memory state. Idempotent;
// the other slot is untouched. The generation bump and the storage clear
// happen under the slot lock, so a refresh that was in flight when sign-out
// ran cannot write its rotated record back afterwards.
func (m *Manager) SignOut(ctx context.Context, slot tenant.Slot) error {
	st, err := m.slot(slot)
	if err != nil {
		return err
	}

	st.mu.Lock()
	st.dropSession()
	st.lastErr = ""
	st.expired = false
	st.generation++
	err = m.repo.Clear(ctx, slot)
	st.mu.Unlock()

	if err != nil {
		return err
	}

	m.logger.Info("signed out", "slot", slot)
	return nil
}

// Status derives the slot's authentication state from the in-flight session,
// sticky error/expired markers, and the stored record.
func (m *Manager) Status(ctx context.Context, slot tenant.Slot) (Status, error) {
	st, err := m.slot(slot)
	if err != nil {
		return Status{}, err
	}

	now := m.now()

	st.mu.Lock()
	if st.session != nil && !st.session.Expired(now) {
		st.mu.Unlock()
		return Status{Slot: slot, State: StateAuthenticating}, nil
	}
	lastErr := st.lastErr
	expired := st.expired
	st.mu.Unlock()

	if lastErr != "" {
		return Status{Slot: slot, State: StateError, Message: lastErr}, nil
	}

	record, err := m.repo.Get(ctx, slot)
	if err != nil {
		if errors.Is(err, tokenrepo.ErrNotFound) {
			return Status{Slot: slot, State: StateNotAuthenticated}, nil
		}
		return Status{}, err
	}

	if expired || now.After(record.ExpiresAt) {
		return Status{
			Slot:     slot,
			State:    StateExpired,
			User:     record.User,
			TenantID: record.TenantID,
		}, nil
	}

	return Status{
		Slot:      slot,
		State:     StateAuthenticated,
		User:      record.User,
		TenantID:  record.TenantID,
		ExpiresAt: record.ExpiresAt,
		ExpiresIn: int64(record.ExpiresAt.Sub(now) / time.Second),
	}, nil
}

// StatusAll returns per-slot summaries for both slots.
func (m *Manager) StatusAll(ctx context.Context) (map[tenant.Slot]Status, error) {
	statuses := make(map[tenant.Slot]Status, len(m.slots))
	for _, slot := range tenant.Slots() {
		status, err := m.Status(ctx, slot)
		if err != nil {
			return nil, err
		}
		statuses[slot] = status
	}
	return statuses, nil
}
