package germinal

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// NewID returns prefix + "_" + 16 hex chars of a random UUID. Short enough
// to read in logs and the inspector, long enough to never collide in a
// single deployment.
func NewID(prefix string) string {
	u := uuid.New()
	return prefix + "_" + hex.EncodeToString(u[:8])
}

// NowMillis returns the current time as unix milliseconds, the timestamp
// unit used throughout the store.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
