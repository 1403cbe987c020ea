// Package ids generates and inspects the time-ordered identifiers used for
// every externally visible entity (inference, episode, batch, feedback), so
// that elapsed_since(id) is computable locally without a store round-trip.
package ids

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// New returns a fresh time-ordered id (UUIDv7): the high bits encode a
// millisecond timestamp, so ordering and age are both derivable from the
// string form alone.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		// uuid.NewV7 only fails if the global random source errors; fall
		// back to a random v4 rather than panicking in a hot path.
		return uuid.NewString()
	}
	return id.String()
}

// Timestamp extracts the embedded creation time from a time-ordered id.
// Ids that are not well-formed UUIDv7 values (e.g. the v4 fallback above)
// return an error.
func Timestamp(id string) (time.Time, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return time.Time{}, fmt.Errorf("ids: parse %q: %w", id, err)
	}
	if parsed.Version() != 7 {
		return time.Time{}, fmt.Errorf("ids: %q is not a time-ordered (v7) id", id)
	}
	ms := int64(parsed[0])<<40 | int64(parsed[1])<<32 | int64(parsed[2])<<24 |
		int64(parsed[3])<<16 | int64(parsed[4])<<8 | int64(parsed[5])
	return time.UnixMilli(ms).UTC(), nil
}

// ElapsedSince returns the duration between the id's embedded creation time
// and now, without touching any store.
func ElapsedSince(id string, now time.Time) (time.Duration, error) {
	t, err := Timestamp(id)
	if err != nil {
		return 0, err
	}
	return now.Sub(t), nil
}
