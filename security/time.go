package security

import "time"

// DefaultClockSkewGracePeriod is the default grace period applied to token
// and code expiry checks. It absorbs NTP drift between the issuing and
// validating hosts; a token may therefore be accepted for up to this long
// past its nominal expiry.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsExpired checks if a timestamp is past due with the default clock skew
// grace period. A zero time means no expiry.
func IsExpired(expiresAt time.Time) bool {
	return IsExpiredWithGracePeriod(expiresAt, DefaultClockSkewGracePeriod)
}

// IsExpiredWithGracePeriod checks expiry with a custom grace period.
func IsExpiredWithGracePeriod(expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().After(expiresAt.Add(gracePeriod))
}
