package storage

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID returns an opaque collision-resistant id (22+ chars per §3): a
// uuid with its hyphens stripped, same generator the teacher uses
// throughout models/ and internal/plugins via google/uuid.
func NewID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// nowMs returns the current time as epoch-milliseconds, the timestamp
// representation §3 mandates for every entity.
func nowMs() int64 {
	return time.Now().UnixMilli()
}

// NowMs is the exported form used by repositories and callers outside this
// package that need the same epoch-millisecond clock.
func NowMs() int64 { return nowMs() }
