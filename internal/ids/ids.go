package ids

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewPrefixed returns a ULID with a short type prefix, e.g. "rt_01H...".
// Prefixed identifiers keep refresh tokens, families and sessions
// distinguishable in logs and audit events without a schema lookup.
func NewPrefixed(prefix string) string {
	if prefix == "" {
		return New()
	}
	return prefix + "_" + New()
}
