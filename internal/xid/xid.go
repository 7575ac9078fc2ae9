package xid

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// New returns a prefixed, time-ordered identifier. Ids created later sort after
// earlier ones, which keeps insertion order recoverable from the id alone.
func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Sprintf("%s_%d_%s", prefix, time.Now().UnixNano(), uuid.NewString())
	}
	return prefix + "_" + id.String()
}
