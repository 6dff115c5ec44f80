package security

import "time"

// DefaultClockSkewGracePeriod is how long an expired record is kept around
// before background cleanup evicts it. Lookups never honor the grace period:
// a code or token is unusable as soon as its expiry passes.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsExpired reports whether expiresAt is at or before now.
// A zero expiresAt never expires.
func IsExpired(expiresAt, now time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return !now.Before(expiresAt)
}

// IsExpiredWithGracePeriod reports whether expiresAt passed more than gracePeriod before now.
func IsExpiredWithGracePeriod(expiresAt, now time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(gracePeriod))
}

// ExpiresIn returns the whole seconds left until expiresAt, never negative.
func ExpiresIn(expiresAt, now time.Time) int64 {
	d := expiresAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return int64(d.Round(time.Second) / time.Second)
}
