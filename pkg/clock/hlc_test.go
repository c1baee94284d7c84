package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClock_MonotonicUnderStalledWall(t *testing.T) {
	frozen := time.UnixMicro(1_000_000)
	c := New("a")
	c.now = func() time.Time { return frozen }

	prev := c.Now()
	for i := 0; i < 100; i++ {
		next := c.Now()
		require.True(t, prev.Less(next), "timestamp %s not after %s", next, prev)
		prev = next
	}
	assert.Equal(t, uint64(1_000_000), prev.WallMicros)
	assert.Equal(t, uint32(100), prev.Counter)
}

func TestClock_MonotonicUnderBackwardsWall(t *testing.T) {
	wall := time.UnixMicro(2_000_000)
	c := New("a")
	c.now = func() time.Time { return wall }

	first := c.Now()
	wall = time.UnixMicro(1_000_000)

	second := c.Now()
	assert.True(t, first.Less(second))
	assert.Equal(t, first.WallMicros, second.WallMicros)
}

func TestClock_ObserveOrdersAfterRemote(t *testing.T) {
	c := New("a")
	c.now = func() time.Time { return time.UnixMicro(100) }

	remote := Timestamp{WallMicros: 5_000_000, Counter: 7, Replica: "b"}
	c.Observe(remote)

	local := c.Now()
	assert.True(t, remote.Less(local), "local %s must order after observed %s", local, remote)
}

func TestClock_ObserveIgnoresOlderRemote(t *testing.T) {
	c := New("a")
	c.now = func() time.Time { return time.UnixMicro(9_000_000) }

	first := c.Now()
	c.Observe(Timestamp{WallMicros: 10, Counter: 3, Replica: "b"})

	second := c.Now()
	assert.True(t, first.Less(second))
}

func TestTimestamp_CompareTotalOrder(t *testing.T) {
	a := Timestamp{WallMicros: 1, Counter: 0, Replica: "a"}
	b := Timestamp{WallMicros: 1, Counter: 0, Replica: "b"}
	c := Timestamp{WallMicros: 1, Counter: 1, Replica: "a"}
	d := Timestamp{WallMicros: 2, Counter: 0, Replica: "a"}

	assert.Negative(t, a.Compare(b), "replica breaks ties")
	assert.Negative(t, b.Compare(c), "counter beats replica")
	assert.Negative(t, c.Compare(d), "wall beats counter")
	assert.Zero(t, a.Compare(a))
	assert.Positive(t, d.Compare(a))
}
