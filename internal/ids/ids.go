// Package ids generates the opaque identifiers and millisecond timestamps
// used across the state manager. IDs are ULIDs, which sort by creation time
// and are safe to use as Mongo document keys.
package ids

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// New returns a fresh globally-unique identifier.
func New() string {
	return ulid.Make().String()
}

// NowMillis returns the current time as milliseconds since the Unix epoch.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
