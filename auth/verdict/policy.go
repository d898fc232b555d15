package verdict

import "time"

// Policy decides how long each kind of verdict stays cached.
type Policy struct {
	// ActiveTTL applies when the token has no usable expiry.
	ActiveTTL time.Duration
	// ActiveTTLCeiling caps the TTL of active verdicts. Zero disables the cap.
	ActiveTTLCeiling time.Duration
	// MinRemainingLifetime is the remaining lifetime a token must exceed for
	// its expiry to drive the TTL.
	MinRemainingLifetime time.Duration
	InactiveTTL          time.Duration
	ErrorTTL             time.Duration
	RateLimitedTTL       time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		ActiveTTL:            5 * time.Minute,
		ActiveTTLCeiling:     time.Hour,
		MinRemainingLifetime: 15 * time.Second,
		InactiveTTL:          5 * time.Second,
		ErrorTTL:             5 * time.Second,
		RateLimitedTTL:       2 * time.Second,
	}
}

// ActiveTTLFor returns the TTL of an active verdict whose token expires at
// expiresAt. A zero expiresAt means the authority sent no exp.
func (p Policy) ActiveTTLFor(now, expiresAt time.Time) time.Duration {
	if expiresAt.IsZero() {
		return p.ActiveTTL
	}
	remaining := expiresAt.Sub(now)
	if remaining <= p.MinRemainingLifetime {
		return p.ActiveTTL
	}
	if p.ActiveTTLCeiling > 0 && remaining > p.ActiveTTLCeiling {
		return p.ActiveTTLCeiling
	}
	return remaining
}
