package events_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synclave/synclave/pkg/dag"
	"github.com/synclave/synclave/pkg/events"
	"github.com/synclave/synclave/pkg/types"
)

type recordingHandler struct {
	mu    sync.Mutex
	names []string
}

func (h *recordingHandler) ProcessRemoteEvents(_ types.ContextID, _ string, evs []dag.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range evs {
		h.names = append(h.names, e.Name)
	}
	return nil
}

func (h *recordingHandler) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.names...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestDispatcher_DeliversInOrder(t *testing.T) {
	d := events.NewDispatcher("local", 8, nil)
	d.Start()
	defer d.Stop()

	h := &recordingHandler{}
	d.Subscribe("ctx-1", h)

	require.NoError(t, d.Dispatch("ctx-1", "remote", []dag.Event{
		{Name: "first"}, {Name: "second"},
	}))
	require.NoError(t, d.Dispatch("ctx-1", "remote", []dag.Event{
		{Name: "third"},
	}))

	waitFor(t, func() bool { return len(h.snapshot()) == 3 })
	assert.Equal(t, []string{"first", "second", "third"}, h.snapshot())
}

func TestDispatcher_SkipsLocalAuthor(t *testing.T) {
	d := events.NewDispatcher("local", 8, nil)
	d.Start()
	defer d.Stop()

	h := &recordingHandler{}
	d.Subscribe("ctx-1", h)

	require.NoError(t, d.Dispatch("ctx-1", "local", []dag.Event{{Name: "own"}}))
	require.NoError(t, d.Dispatch("ctx-1", "remote", []dag.Event{{Name: "other"}}))

	waitFor(t, func() bool { return len(h.snapshot()) == 1 })
	assert.Equal(t, []string{"other"}, h.snapshot())
}

func TestDispatcher_HandlerErrorDoesNotStopOthers(t *testing.T) {
	d := events.NewDispatcher("local", 8, nil)
	d.Start()
	defer d.Stop()

	failing := events.HandlerFunc(func(types.ContextID, string, []dag.Event) error {
		return assert.AnError
	})
	h := &recordingHandler{}
	d.Subscribe("ctx-1", failing)
	d.Subscribe("ctx-1", h)

	require.NoError(t, d.Dispatch("ctx-1", "remote", []dag.Event{{Name: "e"}}))

	waitFor(t, func() bool { return len(h.snapshot()) == 1 })
}

func TestDispatcher_ContextIsolation(t *testing.T) {
	d := events.NewDispatcher("local", 8, nil)
	d.Start()
	defer d.Stop()

	h1 := &recordingHandler{}
	h2 := &recordingHandler{}
	d.Subscribe("ctx-1", h1)
	d.Subscribe("ctx-2", h2)

	require.NoError(t, d.Dispatch("ctx-1", "remote", []dag.Event{{Name: "only-1"}}))

	waitFor(t, func() bool { return len(h1.snapshot()) == 1 })
	assert.Empty(t, h2.snapshot())
}

func TestDispatcher_StopDrainsQueue(t *testing.T) {
	d := events.NewDispatcher("local", 64, nil)
	d.Start()

	h := &recordingHandler{}
	d.Subscribe("ctx-1", h)

	for i := 0; i < 10; i++ {
		require.NoError(t, d.Dispatch("ctx-1", "remote", []dag.Event{{Name: "e"}}))
	}
	d.Stop()

	assert.Len(t, h.snapshot(), 10, "queued deliveries must complete before Stop returns")

	err := d.Dispatch("ctx-1", "remote", []dag.Event{{Name: "late"}})
	assert.ErrorIs(t, err, events.ErrDispatcherStopped)
}
