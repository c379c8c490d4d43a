package devicecode

import (
	"time"

	"tenantbridge/internal/tenant"
)

// Session is the in-memory state of one Device Authorization Grant flow.
// Created by Client.Start, consumed by repeated Client.PollOnce calls, and
// discarded on completion, expiry, or sign-out. Never persisted.
type Session struct {
	// Slot is the tenant slot this sign-in is for.
	Slot tenant.Slot

	// DeviceCode is the secret code polled against the token endpoint.
	// It never leaves the process and never appears in logs or responses.
	DeviceCode string

	// UserCode is the short code the user enters on a secondary device.
	UserCode string

	// VerificationURI is where the user enters UserCode.
	VerificationURI string

	// ExpiresAt is the provider-issued expiry of the device code
	// (typically 15 minutes).
	ExpiresAt time.Time

	// Interval is the minimum wait between polls.
	Interval time.Duration

	// NextPollAt is the earliest time the next PollOnce may hit the network.
	// Maintained by the client.
	NextPollAt time.Time

	// penalized records that a premature poll already pushed NextPollAt out
	// by one extra interval. Further premature polls in the same window are
	// rejected without moving the window, so an off-pace caller is delayed,
	// not starved.
	penalized bool
}

// Expired reports whether the device code's window has elapsed at the given
// time. An expired session is checked without contacting the network.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
