// Package devicecode implements the OAuth 2.0 Device Authorization Grant
// (RFC 8628) and the refresh-token grant against the identity provider.
//
// The flow is deliberately split into discrete calls so the caller owns the
// timing loop and the state machine stays synchronous and testable:
//
//	session, _ := client.Start(ctx, tenant.SlotSource)
//	// show session.UserCode and session.VerificationURI to the user
//	token, err := client.PollOnce(ctx, session)
//	// err is ErrAuthorizationPending until the user completes sign-in
//
// PollOnce performs exactly one token-endpoint request. Callers polling
// faster than the session's interval are signaled ErrRateLimited without a
// network call and the window grows by one extra interval, applied at most
// once per window so an off-pace caller still gets through; a provider
// slow_down response grows the interval by five seconds per RFC 8628 §3.5.
// After a slow_down the session carries the new interval, which the manager
// reports back so pollers can re-pace.
package devicecode
