// Package smstore contains the persistent backings for a parent map.
//
// A [Store] loads the whole document once,
// and afterwards receives full copies of it through SaveSoon.
// Saves are debounced: many SaveSoon calls in quick succession
// result in a single write of the most recent data.
package smstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// DefaultSaveDelay is the debounce window used when a config leaves it zero.
const DefaultSaveDelay = 1500 * time.Millisecond

// Store is the persistent backing of a parent map.
type Store interface {
	// Load reads the persisted document.
	// A store with nothing persisted yet returns an empty, non-nil map.
	Load(ctx context.Context) (map[string]json.RawMessage, error)

	// SaveSoon schedules a write of data.
	// The store takes ownership of data.
	SaveSoon(data map[string]json.RawMessage)

	// Flush writes any pending data immediately.
	Flush(ctx context.Context) error

	// Close cancels the pending timer, flushes synchronously,
	// and releases resources.
	// SaveSoon calls after Close are dropped.
	Close(ctx context.Context) error
}

// debouncer coalesces SaveSoon calls for a store implementation.
type debouncer struct {
	log *slog.Logger

	delay time.Duration
	save  func(context.Context, map[string]json.RawMessage) error

	// Serializes calls to save.
	saveMu sync.Mutex

	mu         sync.Mutex
	pending    map[string]json.RawMessage
	hasPending bool
	timer      *time.Timer
	closed     bool
}

func newDebouncer(
	log *slog.Logger,
	delay time.Duration,
	save func(context.Context, map[string]json.RawMessage) error,
) *debouncer {
	if delay <= 0 {
		delay = DefaultSaveDelay
	}
	return &debouncer{
		log:   log,
		delay: delay,
		save:  save,
	}
}

func (d *debouncer) schedule(data map[string]json.RawMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		d.log.Warn("Dropping save scheduled after close")
		return
	}

	d.pending = data
	d.hasPending = true

	if d.timer == nil {
		d.timer = time.AfterFunc(d.delay, d.fire)
	}
}

func (d *debouncer) fire() {
	if err := d.flush(context.Background()); err != nil {
		d.log.Error("Debounced save failed", "err", err)
	}
}

// flush saves the pending data, if any.
// On failure, the data is kept pending unless newer data arrived meanwhile,
// so that a later Flush or Close retries it.
func (d *debouncer) flush(ctx context.Context) error {
	d.saveMu.Lock()
	defer d.saveMu.Unlock()

	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	data, ok := d.pending, d.hasPending
	d.pending, d.hasPending = nil, false
	d.mu.Unlock()

	if !ok {
		return nil
	}

	if err := d.save(ctx, data); err != nil {
		d.mu.Lock()
		if !d.hasPending {
			d.pending, d.hasPending = data, true
		}
		d.mu.Unlock()
		return err
	}

	return nil
}

func (d *debouncer) close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	return d.flush(ctx)
}
