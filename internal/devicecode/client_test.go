package devicecode

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenantbridge/internal/tenant"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	current time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{current: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	return c.current
}

func (c *fakeClock) Advance(d time.Duration) {
	c.current = c.current.Add(d)
}

// fakeProvider is a minimal identity provider for the device flow.
type fakeProvider struct {
	server *httptest.Server

	tokenCalls  atomic.Int64
	deviceCalls atomic.Int64

	// tokenResponse is returned by the token endpoint; tests mutate it to
	// drive the scenario.
	tokenResponse func(w http.ResponseWriter, r *http.Request)
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()

	p := &fakeProvider{}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/v2.0/devicecode", func(w http.ResponseWriter, r *http.Request) {
		p.deviceCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"device_code":      "device-code-secret",
			"user_code":        "ABCD-1234",
			"verification_uri": "https://login.example/device",
			"expires_in":       900,
			"interval":         5,
		})
	})
	mux.HandleFunc("/oauth2/v2.0/token", func(w http.ResponseWriter, r *http.Request) {
		p.tokenCalls.Add(1)
		p.tokenResponse(w, r)
	})

	p.server = httptest.NewServer(mux)
	t.Cleanup(p.server.Close)
	return p
}

func (p *fakeProvider) respondPending(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "authorization_pending"})
}

func (p *fakeProvider) respondError(code string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
	}
}

func (p *fakeProvider) respondToken(access, refresh string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  access,
			"refresh_token": refresh,
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}
}

func newTestClient(t *testing.T, p *fakeProvider, clock *fakeClock) *Client {
	t.Helper()

	client, err := NewClient(
		"client-1",
		[]string{"openid", "offline_access"},
		EndpointsForAuthority(p.server.URL),
		WithClock(clock.Now),
	)
	require.NoError(t, err)
	return client
}

func startSession(t *testing.T, client *Client) *Session {
	t.Helper()

	session, err := client.Start(context.Background(), tenant.SlotSource)
	require.NoError(t, err)
	return session
}

func TestStart(t *testing.T) {
	provider := newFakeProvider(t)
	clock := newFakeClock()
	client := newTestClient(t, provider, clock)

	session := startSession(t, client)

	assert.Equal(t, tenant.SlotSource, session.Slot)
	assert.Equal(t, "ABCD-1234", session.UserCode)
	assert.Equal(t, "https://login.example/device", session.VerificationURI)
	assert.Equal(t, "device-code-secret", session.DeviceCode)
	assert.Equal(t, 5*time.Second, session.Interval)
	assert.False(t, session.Expired(clock.Now()))
	assert.EqualValues(t, 1, provider.deviceCalls.Load())
}

func TestStartProviderUnreachable(t *testing.T) {
	provider := newFakeProvider(t)
	clock := newFakeClock()
	client := newTestClient(t, provider, clock)
	provider.server.Close()

	_, err := client.Start(context.Background(), tenant.SlotSource)
	assert.ErrorIs(t, err, ErrProviderUnreachable)
}

func TestPollOncePendingThenIssued(t *testing.T) {
	provider := newFakeProvider(t)
	clock := newFakeClock()
	client := newTestClient(t, provider, clock)
	session := startSession(t, client)
	ctx := context.Background()

	provider.tokenResponse = provider.respondPending
	clock.Advance(session.Interval)
	_, err := client.PollOnce(ctx, session)
	assert.ErrorIs(t, err, ErrAuthorizationPending)

	provider.tokenResponse = provider.respondToken("access-1", "refresh-1")
	clock.Advance(session.Interval)
	token, err := client.PollOnce(ctx, session)
	require.NoError(t, err)
	assert.Equal(t, "access-1", token.AccessToken)
	assert.Equal(t, "refresh-1", token.RefreshToken)
	assert.True(t, token.Expiry.After(clock.Now()))
	assert.EqualValues(t, 2, provider.tokenCalls.Load())
}

func TestPollOnceRateLimited(t *testing.T) {
	provider := newFakeProvider(t)
	clock := newFakeClock()
	client := newTestClient(t, provider, clock)
	session := startSession(t, client)
	provider.tokenResponse = provider.respondPending
	ctx := context.Background()

	// Polling before the interval elapses never touches the network and
	// pushes the window out by one extra interval.
	_, err := client.PollOnce(ctx, session)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.EqualValues(t, 0, provider.tokenCalls.Load())

	// One interval later is still too early because of the penalty, but
	// further premature polls do not push the window out again.
	clock.Advance(session.Interval)
	_, err = client.PollOnce(ctx, session)
	assert.ErrorIs(t, err, ErrRateLimited)
	_, err = client.PollOnce(ctx, session)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.EqualValues(t, 0, provider.tokenCalls.Load())

	// Waiting out the single penalty reaches the network.
	clock.Advance(session.Interval)
	_, err = client.PollOnce(ctx, session)
	assert.ErrorIs(t, err, ErrAuthorizationPending)
	assert.EqualValues(t, 1, provider.tokenCalls.Load())
}

func TestPollOnceOffPaceCallerIsNotStarved(t *testing.T) {
	provider := newFakeProvider(t)
	clock := newFakeClock()
	client := newTestClient(t, provider, clock)
	session := startSession(t, client)
	ctx := context.Background()

	// The provider asks for a slower pace; the session interval doubles.
	provider.tokenResponse = provider.respondError("slow_down")
	clock.Advance(session.Interval)
	_, err := client.PollOnce(ctx, session)
	require.ErrorIs(t, err, ErrAuthorizationPending)
	require.Equal(t, 10*time.Second, session.Interval)

	// A caller still polling at the originally advertised 5s cadence is
	// delayed by one penalty window, then gets through and obtains the token.
	provider.tokenResponse = provider.respondToken("access-1", "refresh-1")
	issued := false
	for range 6 {
		clock.Advance(5 * time.Second)
		token, err := client.PollOnce(ctx, session)
		if err == nil {
			assert.Equal(t, "access-1", token.AccessToken)
			issued = true
			break
		}
		require.ErrorIs(t, err, ErrRateLimited)
	}
	assert.True(t, issued, "off-pace caller must eventually reach the token endpoint")
	assert.EqualValues(t, 2, provider.tokenCalls.Load())
}

func TestPollOnceSlowDownGrowsInterval(t *testing.T) {
	provider := newFakeProvider(t)
	clock := newFakeClock()
	client := newTestClient(t, provider, clock)
	session := startSession(t, client)
	provider.tokenResponse = provider.respondError("slow_down")
	ctx := context.Background()

	initial := session.Interval
	clock.Advance(session.Interval)
	_, err := client.PollOnce(ctx, session)
	assert.ErrorIs(t, err, ErrAuthorizationPending)
	assert.Equal(t, initial+5*time.Second, session.Interval)
}

func TestPollOnceExpiredWithoutNetwork(t *testing.T) {
	provider := newFakeProvider(t)
	clock := newFakeClock()
	client := newTestClient(t, provider, clock)
	session := startSession(t, client)
	provider.tokenResponse = provider.respondPending
	ctx := context.Background()

	clock.Advance(16 * time.Minute) // past the 900s window

	_, err := client.PollOnce(ctx, session)
	assert.ErrorIs(t, err, ErrExpired)
	assert.EqualValues(t, 0, provider.tokenCalls.Load(), "expired sessions are rejected offline")
}

func TestPollOnceProviderOutcomes(t *testing.T) {
	tests := []struct {
		providerError string
		want          error
	}{
		{"expired_token", ErrExpired},
		{"access_denied", ErrAccessDenied},
	}
	for _, tt := range tests {
		t.Run(tt.providerError, func(t *testing.T) {
			provider := newFakeProvider(t)
			clock := newFakeClock()
			client := newTestClient(t, provider, clock)
			session := startSession(t, client)
			provider.tokenResponse = provider.respondError(tt.providerError)

			clock.Advance(session.Interval)
			_, err := client.PollOnce(context.Background(), session)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRefresh(t *testing.T) {
	provider := newFakeProvider(t)
	clock := newFakeClock()
	client := newTestClient(t, provider, clock)
	provider.tokenResponse = provider.respondToken("access-2", "refresh-2")

	token, err := client.Refresh(context.Background(), "refresh-1")
	require.NoError(t, err)
	assert.Equal(t, "access-2", token.AccessToken)
	assert.Equal(t, "refresh-2", token.RefreshToken, "rotated refresh token replaces the old one")
	assert.EqualValues(t, 1, provider.tokenCalls.Load(), "exactly one exchange per refresh")
}

func TestRefreshKeepsTokenWhenProviderOmitsRotation(t *testing.T) {
	provider := newFakeProvider(t)
	clock := newFakeClock()
	client := newTestClient(t, provider, clock)
	provider.tokenResponse = provider.respondToken("access-2", "")

	token, err := client.Refresh(context.Background(), "refresh-1")
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", token.RefreshToken)
}

func TestRefreshRejected(t *testing.T) {
	provider := newFakeProvider(t)
	clock := newFakeClock()
	client := newTestClient(t, provider, clock)
	provider.tokenResponse = provider.respondError("invalid_grant")

	_, err := client.Refresh(context.Background(), "refresh-1")
	assert.ErrorIs(t, err, ErrRefreshFailed)
}

func TestRefreshProviderUnreachable(t *testing.T) {
	provider := newFakeProvider(t)
	clock := newFakeClock()
	client := newTestClient(t, provider, clock)
	provider.server.Close()

	_, err := client.Refresh(context.Background(), "refresh-1")
	assert.ErrorIs(t, err, ErrProviderUnreachable)
}

func TestRefreshRequiresToken(t *testing.T) {
	provider := newFakeProvider(t)
	clock := newFakeClock()
	client := newTestClient(t, provider, clock)

	_, err := client.Refresh(context.Background(), "")
	assert.ErrorIs(t, err, ErrRefreshFailed)
	assert.EqualValues(t, 0, provider.tokenCalls.Load())
}
