// Package worker drains delayed world events: payloads a turn scheduled for
// later (an ambush springing, a storm breaking) that must fire without a
// player utterance driving them.
package worker

import (
	"context"
	"time"

	"gmkit/internal/logging"
	"gmkit/internal/state"
)

// EventSource is the slice of the state store the pump needs.
type EventSource interface {
	DueDelayedEvents(ctx context.Context, now time.Time, limit int) ([]state.DelayedEvent, error)
	MarkDelayedEvent(ctx context.Context, id, status, lastError string) error
}

// Handler fires one due event. An error leaves the event pending for retry
// until the attempt ceiling, then marks it failed.
type Handler func(ctx context.Context, ev state.DelayedEvent) error

// Pump polls for due delayed events and dispatches them to a handler.
type Pump struct {
	source      EventSource
	handle      Handler
	interval    time.Duration
	batchSize   int
	maxAttempts int
}

// Option configures a Pump.
type Option func(*Pump)

// WithInterval sets the poll interval.
func WithInterval(d time.Duration) Option {
	return func(p *Pump) { p.interval = d }
}

// WithBatchSize sets how many events one poll may claim.
func WithBatchSize(n int) Option {
	return func(p *Pump) { p.batchSize = n }
}

// WithMaxAttempts sets the retry ceiling before an event is marked failed.
func WithMaxAttempts(n int) Option {
	return func(p *Pump) { p.maxAttempts = n }
}

// New builds a pump. Defaults: 5s interval, 50-event batches, 3 attempts.
func New(source EventSource, handle Handler, opts ...Option) *Pump {
	p := &Pump{
		source:      source,
		handle:      handle,
		interval:    5 * time.Second,
		batchSize:   50,
		maxAttempts: 3,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls until the context is cancelled. It blocks; callers start it in
// their own goroutine.
func (p *Pump) Run(ctx context.Context) {
	logging.Background("Delayed event pump started (interval=%s)", p.interval)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Background("Delayed event pump stopped")
			return
		case <-ticker.C:
			p.Drain(ctx)
		}
	}
}

// Drain processes every currently-due event once. Exposed for CLI one-shot
// use and tests.
func (p *Pump) Drain(ctx context.Context) {
	due, err := p.source.DueDelayedEvents(ctx, time.Now(), p.batchSize)
	if err != nil {
		logging.Get(logging.CategoryBackground).Error("Failed to poll delayed events: %v", err)
		return
	}
	for _, ev := range due {
		p.dispatch(ctx, ev)
	}
}

func (p *Pump) dispatch(ctx context.Context, ev state.DelayedEvent) {
	err := p.handle(ctx, ev)
	if err == nil {
		if mErr := p.source.MarkDelayedEvent(ctx, ev.ID, "done", ""); mErr != nil {
			logging.Get(logging.CategoryBackground).Error("Failed to mark event %s done: %v", ev.ID, mErr)
		}
		logging.BackgroundDebug("Delayed event %s fired", ev.ID)
		return
	}

	status := "pending"
	if ev.Attempts+1 >= p.maxAttempts {
		status = "failed"
	}
	logging.Get(logging.CategoryBackground).Warn("Delayed event %s attempt %d failed (%s): %v",
		ev.ID, ev.Attempts+1, status, err)
	if mErr := p.source.MarkDelayedEvent(ctx, ev.ID, status, err.Error()); mErr != nil {
		logging.Get(logging.CategoryBackground).Error("Failed to mark event %s: %v", ev.ID, mErr)
	}
}
