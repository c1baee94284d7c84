// Package clock implements a hybrid logical clock (HLC). Timestamps combine
// wall-clock time with a logical counter so that causally related events are
// totally ordered even when physical clocks drift or tick backwards.
package clock

import (
	"fmt"
	"sync"
	"time"
)

// Timestamp is a single HLC reading. Ordering is lexicographic over
// (WallMicros, Counter, Replica); the replica id is the deterministic
// tie-break when two replicas read identical clocks.
type Timestamp struct {
	WallMicros uint64 `json:"wall_micros"`
	Counter    uint32 `json:"counter"`
	Replica    string `json:"replica"`
}

// Compare returns -1, 0, or 1 as ts is before, equal to, or after other.
func (ts Timestamp) Compare(other Timestamp) int {
	if ts.WallMicros != other.WallMicros {
		if ts.WallMicros < other.WallMicros {
			return -1
		}
		return 1
	}
	if ts.Counter != other.Counter {
		if ts.Counter < other.Counter {
			return -1
		}
		return 1
	}
	if ts.Replica != other.Replica {
		if ts.Replica < other.Replica {
			return -1
		}
		return 1
	}
	return 0
}

// Less reports whether ts orders strictly before other.
func (ts Timestamp) Less(other Timestamp) bool {
	return ts.Compare(other) < 0
}

// IsZero reports whether ts is the zero timestamp (used as a sentinel,
// e.g. the root position of an RGA document).
func (ts Timestamp) IsZero() bool {
	return ts.WallMicros == 0 && ts.Counter == 0 && ts.Replica == ""
}

func (ts Timestamp) String() string {
	return fmt.Sprintf("%d.%d@%s", ts.WallMicros, ts.Counter, ts.Replica)
}

// Clock issues monotonically increasing timestamps for one replica.
type Clock struct {
	mu      sync.Mutex
	replica string
	last    Timestamp

	// now is swappable for tests
	now func() time.Time
}

// New creates a clock for the given replica id.
func New(replica string) *Clock {
	return &Clock{
		replica: replica,
		now:     time.Now,
	}
}

// Now returns a timestamp strictly greater than every timestamp previously
// returned or observed by this clock, regardless of wall-clock behavior.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := uint64(c.now().UnixMicro())

	next := Timestamp{WallMicros: wall, Counter: 0, Replica: c.replica}
	if wall <= c.last.WallMicros {
		// Physical clock stalled or went backwards; advance logically.
		next.WallMicros = c.last.WallMicros
		next.Counter = c.last.Counter + 1
	}

	c.last = next
	return next
}

// Observe folds a remote timestamp into the clock so that subsequent local
// timestamps order after it. Called when applying a remote delta.
func (c *Clock) Observe(remote Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.last.WallMicros < remote.WallMicros ||
		(c.last.WallMicros == remote.WallMicros && c.last.Counter < remote.Counter) {
		c.last = Timestamp{
			WallMicros: remote.WallMicros,
			Counter:    remote.Counter,
			Replica:    c.replica,
		}
	}
}

// Replica returns the replica id this clock stamps with.
func (c *Clock) Replica() string {
	return c.replica
}
