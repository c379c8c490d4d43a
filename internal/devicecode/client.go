package devicecode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"tenantbridge/internal/tenant"
)

// Sentinel errors for the small, stable set of provider outcomes.
// Raw provider error payloads are never forwarded through these.
var (
	// ErrAuthorizationPending means the user has not completed sign-in yet;
	// expected during polling, not a failure.
	ErrAuthorizationPending = errors.New("devicecode: authorization pending")

	// ErrRateLimited means PollOnce was called before the session's interval
	// elapsed. The next allowed poll is pushed out by one extra interval.
	ErrRateLimited = errors.New("devicecode: polled before interval elapsed")

	// ErrExpired means the device code's window has elapsed; the sign-in
	// must be restarted.
	ErrExpired = errors.New("devicecode: device code expired")

	// ErrAccessDenied means the user declined the authorization request.
	ErrAccessDenied = errors.New("devicecode: access denied by user")

	// ErrProviderUnreachable means a network-level failure talking to the
	// identity provider; transient, retry at the poll interval.
	ErrProviderUnreachable = errors.New("devicecode: identity provider unreachable")

	// ErrRefreshFailed means the provider rejected the refresh token; the
	// slot requires a full re-authentication.
	ErrRefreshFailed = errors.New("devicecode: refresh token exchange failed")
)

const (
	deviceCodeGrantType = "urn:ietf:params:oauth:grant-type:device_code"

	// RFC 8628 default when the provider omits the interval.
	defaultPollInterval = 5 * time.Second

	// RFC 8628 §3.5: slow_down adds five seconds to the interval.
	slowDownIncrement = 5 * time.Second
)

// Endpoints holds the provider URLs for one tenant authority.
type Endpoints struct {
	DeviceAuthURL string
	TokenURL      string
}

// EndpointsForAuthority derives the device-authorization and token endpoint
// URLs from an authority base URL (e.g. the tenant's login authority).
func EndpointsForAuthority(authority string) Endpoints {
	base := strings.TrimSuffix(authority, "/")
	return Endpoints{
		DeviceAuthURL: base + "/oauth2/v2.0/devicecode",
		TokenURL:      base + "/oauth2/v2.0/token",
	}
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client for provider requests.
// If not provided, a 30-second-timeout client is used.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithClock overrides the time source; used in tests.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		c.now = now
	}
}

// Client talks to one identity provider authority. Each tenant slot gets its
// own Client since authorities and client registrations may differ per slot.
type Client struct {
	cfg        *oauth2.Config
	httpClient *http.Client
	now        func() time.Time
}

// NewClient creates a Client for the given public client registration.
func NewClient(clientID string, scopes []string, endpoints Endpoints, opts ...ClientOption) (*Client, error) {
	if clientID == "" {
		return nil, fmt.Errorf("client id cannot be empty")
	}
	if endpoints.DeviceAuthURL == "" || endpoints.TokenURL == "" {
		return nil, fmt.Errorf("endpoints cannot be empty")
	}

	c := &Client{
		cfg: &oauth2.Config{
			ClientID: clientID,
			Scopes:   scopes,
			Endpoint: oauth2.Endpoint{
				DeviceAuthURL: endpoints.DeviceAuthURL,
				TokenURL:      endpoints.TokenURL,
				AuthStyle:     oauth2.AuthStyleInParams,
			},
		},
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Start requests a device code and user code from the provider for the
// configured scope set. Nothing is persisted; the returned session lives in
// memory until it completes or expires.
func (c *Client) Start(ctx context.Context, slot tenant.Slot) (*Session, error) {
	// oauth2 package injects custom HTTP clients via context (oauth2.HTTPClient key).
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	resp, err := c.cfg.DeviceAuth(ctx)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return nil, fmt.Errorf("%w: device authorization rejected", ErrProviderUnreachable)
		}
		return nil, fmt.Errorf("%w: %v", ErrProviderUnreachable, err)
	}

	interval := time.Duration(resp.Interval) * time.Second
	if interval <= 0 {
		interval = defaultPollInterval
	}

	now := c.now()
	return &Session{
		Slot:            slot,
		DeviceCode:      resp.DeviceCode,
		UserCode:        resp.UserCode,
		VerificationURI: resp.VerificationURI,
		ExpiresAt:       resp.Expiry,
		Interval:        interval,
		NextPollAt:      now.Add(interval),
	}, nil
}

// tokenEndpointResponse is the provider's token endpoint payload, covering
// both the success and error shapes.
type tokenEndpointResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Error        string `json:"error"`
}

// PollOnce performs exactly one token-endpoint poll for the session.
//
// An expired session returns ErrExpired deterministically without touching
// the network. A call before the session's interval has elapsed returns
// ErrRateLimited and pushes the next allowed poll out by one extra interval;
// the penalty applies once per window, so repeated premature polls never
// push the window out indefinitely.
func (c *Client) PollOnce(ctx context.Context, session *Session) (*oauth2.Token, error) {
	now := c.now()

	if session.Expired(now) {
		return nil, ErrExpired
	}

	if now.Before(session.NextPollAt) {
		// One penalty per window: the first premature poll adds an extra
		// interval, repeat offenders wait out the same window.
		if !session.penalized {
			session.NextPollAt = session.NextPollAt.Add(session.Interval)
			session.penalized = true
		}
		return nil, ErrRateLimited
	}
	session.penalized = false
	session.NextPollAt = now.Add(session.Interval)

	form := url.Values{
		"grant_type":  {deviceCodeGrantType},
		"client_id":   {c.cfg.ClientID},
		"device_code": {session.DeviceCode},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading token response: %v", ErrProviderUnreachable, err)
	}

	var payload tokenEndpointResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: undecodable token response (status %d)", ErrProviderUnreachable, resp.StatusCode)
	}

	switch payload.Error {
	case "":
		// fallthrough to success handling below
	case "authorization_pending":
		return nil, ErrAuthorizationPending
	case "slow_down":
		session.Interval += slowDownIncrement
		session.NextPollAt = now.Add(session.Interval)
		return nil, ErrAuthorizationPending
	case "expired_token":
		return nil, ErrExpired
	case "access_denied":
		return nil, ErrAccessDenied
	default:
		return nil, fmt.Errorf("devicecode: token endpoint error %q", payload.Error)
	}

	if payload.AccessToken == "" {
		return nil, fmt.Errorf("devicecode: token endpoint returned no access token (status %d)", resp.StatusCode)
	}

	token := &oauth2.Token{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		TokenType:    "Bearer",
	}
	if payload.ExpiresIn > 0 {
		token.Expiry = now.Add(time.Duration(payload.ExpiresIn) * time.Second)
	}

	return token, nil
}

// Refresh exchanges a refresh token for a new access+refresh token pair.
// The provider rotates the refresh token: the returned token carries the
// replacement and the old one must not be reused.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token", ErrRefreshFailed)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	// A fresh TokenSource with no access token performs exactly one
	// refresh-token exchange.
	token, err := c.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return nil, fmt.Errorf("%w: provider rejected refresh (status %d)", ErrRefreshFailed, retrieveErr.Response.StatusCode)
		}
		return nil, fmt.Errorf("%w: %v", ErrProviderUnreachable, err)
	}

	// Some providers omit the refresh token when it is unchanged.
	if token.RefreshToken == "" {
		token.RefreshToken = refreshToken
	}

	return token, nil
}
