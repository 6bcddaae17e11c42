package session

import "errors"

// Engine error taxonomy. Handlers map these onto transport status codes; the
// autofish loop branches on them to decide between retry, stop, and surface.
var (
	// ErrSessionInProgress rejects a cast while the player already has a
	// non-terminal session.
	ErrSessionInProgress = errors.New("a fishing session is already in progress")

	// ErrSessionNotFound rejects a resolve for an unknown session id with no
	// cached result. A session past its result TTL is indistinguishable from
	// one that never existed, so expiry surfaces as this error too.
	ErrSessionNotFound = errors.New("fishing session not found")

	// ErrQuotaExceeded rejects a cast once the daily limit is consumed.
	// Autofish stops immediately on this error and never retries it same-day.
	ErrQuotaExceeded = errors.New("daily cast quota exceeded")
)
