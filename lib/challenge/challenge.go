package challenge

import "time"

// Record is a single issued challenge as it is persisted in a store.
type Record struct {
	Token    string    `json:"token"`    // opaque handle given to the client
	Answer   string    `json:"text"`     // expected response, never sent to the client
	IssuedAt time.Time `json:"issuedAt"` // when the challenge was issued, millisecond precision
}

// Cutoff returns the oldest issue time that is still valid at now. Records
// issued strictly before the cutoff are expired.
func Cutoff(now time.Time, ttl time.Duration) time.Time {
	return now.Add(-ttl)
}

// Expired reports whether a challenge issued at issuedAt is past its
// validity horizon at now. Verification, image fetches and the sweep all use
// this predicate.
func Expired(issuedAt, now time.Time, ttl time.Duration) bool {
	return issuedAt.Before(Cutoff(now, ttl))
}
