package protocol

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID returns a fresh identifier: a ULID carrying a 48-bit millisecond
// timestamp plus 80 bits of entropy, rendered as Crockford base32. IDs are
// lexicographically sortable by creation time and unique per process.
func NewID() string {
	return ulid.Make().String()
}

// IDTime extracts the embedded timestamp from an identifier.
func IDTime(id string) (time.Time, error) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(int64(parsed.Time())).UTC(), nil
}

// ValidID reports whether s parses as a canonical identifier.
func ValidID(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
