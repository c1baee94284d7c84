package crdt

import (
	"encoding/json"
	"fmt"

	"github.com/synclave/synclave/pkg/clock"
)

// LWWRegister is a last-write-wins register. It stores an opaque JSON value
// with the hybrid logical timestamp and replica id of the write that set it.
// Merge keeps the entry with the greater (timestamp, replica) key; the
// replica id breaks ties deterministically when timestamps collide.
type LWWRegister struct {
	Raw       json.RawMessage `json:"value"`
	Timestamp clock.Timestamp `json:"timestamp"`
	Replica   string          `json:"replica"`
}

// NewLWWRegister creates an unset register. Any written value wins over it.
func NewLWWRegister() *LWWRegister {
	return &LWWRegister{}
}

func (r *LWWRegister) Kind() Kind { return KindLWWRegister }

// Set writes a value at the given timestamp.
func (r *LWWRegister) Set(value any, ts clock.Timestamp) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode register value: %w", err)
	}
	r.Raw = raw
	r.Timestamp = ts
	r.Replica = ts.Replica
	return nil
}

// Get decodes the current value into out. Returns false if the register has
// never been written.
func (r *LWWRegister) Get(out any) (bool, error) {
	if r.Raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(r.Raw, out); err != nil {
		return false, fmt.Errorf("decode register value: %w", err)
	}
	return true, nil
}

func (r *LWWRegister) Clone() Value {
	clone := &LWWRegister{
		Timestamp: r.Timestamp,
		Replica:   r.Replica,
	}
	if r.Raw != nil {
		clone.Raw = append(json.RawMessage(nil), r.Raw...)
	}
	return clone
}

// Merge keeps the write with the greater (timestamp, replica) key.
func (r *LWWRegister) Merge(other Value) (Value, error) {
	o, ok := other.(*LWWRegister)
	if !ok {
		return nil, mismatch(r.Kind(), other.Kind())
	}

	winner := r
	switch c := r.Timestamp.Compare(o.Timestamp); {
	case c < 0:
		winner = o
	case c == 0 && o.Replica > r.Replica:
		winner = o
	}
	return winner.Clone(), nil
}
