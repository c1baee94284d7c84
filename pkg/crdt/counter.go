package crdt

// Counter is a grow-only counter keeping one non-negative count per replica.
// Merge takes the per-replica maximum; the counter's value is the sum of all
// per-replica counts. It never decreases.
type Counter struct {
	Counts map[string]uint64 `json:"counts"`
}

// NewCounter creates an empty counter.
func NewCounter() *Counter {
	return &Counter{Counts: make(map[string]uint64)}
}

func (c *Counter) Kind() Kind { return KindCounter }

// Increment adds one to the replica's count.
func (c *Counter) Increment(replica string) {
	c.Add(replica, 1)
}

// Add adds n to the replica's count.
func (c *Counter) Add(replica string, n uint64) {
	if c.Counts == nil {
		c.Counts = make(map[string]uint64)
	}
	c.Counts[replica] += n
}

// Value returns the sum of all per-replica counts.
func (c *Counter) Value() uint64 {
	var total uint64
	for _, n := range c.Counts {
		total += n
	}
	return total
}

func (c *Counter) Clone() Value {
	clone := NewCounter()
	for replica, n := range c.Counts {
		clone.Counts[replica] = n
	}
	return clone
}

// Merge takes the per-replica maximum of both counters.
func (c *Counter) Merge(other Value) (Value, error) {
	o, ok := other.(*Counter)
	if !ok {
		return nil, mismatch(c.Kind(), other.Kind())
	}

	merged := c.Clone().(*Counter)
	for replica, n := range o.Counts {
		if n > merged.Counts[replica] {
			merged.Counts[replica] = n
		}
	}
	return merged, nil
}
