package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"gmkit/internal/state"
)

type fakeSource struct {
	mu     sync.Mutex
	events []state.DelayedEvent
	marks  []struct {
		id, status, lastError string
	}
	pollErr error
}

func (f *fakeSource) DueDelayedEvents(ctx context.Context, now time.Time, limit int) ([]state.DelayedEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	out := f.events
	f.events = nil
	return out, nil
}

func (f *fakeSource) MarkDelayedEvent(ctx context.Context, id, status, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks = append(f.marks, struct{ id, status, lastError string }{id, status, lastError})
	return nil
}

func TestDrainMarksHandledEventsDone(t *testing.T) {
	src := &fakeSource{events: []state.DelayedEvent{
		{ID: "ev-1", Payload: map[string]any{"kind": "ambush"}},
		{ID: "ev-2", Payload: map[string]any{"kind": "storm"}},
	}}

	var handled []string
	p := New(src, func(ctx context.Context, ev state.DelayedEvent) error {
		handled = append(handled, ev.ID)
		return nil
	})
	p.Drain(context.Background())

	assert.Equal(t, []string{"ev-1", "ev-2"}, handled)
	require.Len(t, src.marks, 2)
	assert.Equal(t, "done", src.marks[0].status)
	assert.Equal(t, "done", src.marks[1].status)
}

func TestDrainRetriesThenFails(t *testing.T) {
	p := New(nil, nil, WithMaxAttempts(3))

	// First failure stays pending for retry.
	src := &fakeSource{events: []state.DelayedEvent{{ID: "ev-1", Attempts: 0}}}
	p.source = src
	p.handle = func(ctx context.Context, ev state.DelayedEvent) error {
		return errors.New("handler broke")
	}
	p.Drain(context.Background())
	require.Len(t, src.marks, 1)
	assert.Equal(t, "pending", src.marks[0].status)
	assert.Equal(t, "handler broke", src.marks[0].lastError)

	// Final attempt marks it failed.
	src.events = []state.DelayedEvent{{ID: "ev-1", Attempts: 2}}
	p.Drain(context.Background())
	require.Len(t, src.marks, 2)
	assert.Equal(t, "failed", src.marks[1].status)
}

func TestDrainSurvivesPollErrors(t *testing.T) {
	src := &fakeSource{pollErr: errors.New("db closed")}
	p := New(src, func(ctx context.Context, ev state.DelayedEvent) error { return nil })
	p.Drain(context.Background())
	assert.Empty(t, src.marks)
}

func TestRunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := &fakeSource{events: []state.DelayedEvent{{ID: "ev-1"}}}
	var mu sync.Mutex
	handled := 0
	p := New(src, func(ctx context.Context, ev state.DelayedEvent) error {
		mu.Lock()
		handled++
		mu.Unlock()
		return nil
	}, WithInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return handled == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pump did not stop after cancel")
	}
}
