package smbcast

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/gordian-engine/sharedmap/smpubsub"
)

// Hub is an in-process broadcast channel.
// It implements both [Publisher] and [Subscriber],
// so children living in the same process can subscribe directly,
// and network or file exporters can follow its change stream
// to carry deliveries to other processes.
type Hub struct {
	log *slog.Logger

	mu sync.Mutex

	// Every namespace ever staged gets a stable slot,
	// so that dirty tracking is a bitset rather than a map.
	slots   map[string]uint
	keys    []string
	pending [][]byte
	dirty   *bitset.BitSet

	delivered map[string][]byte

	// Head of the change stream; always unpublished.
	changes *smpubsub.Stream[Change]

	done chan struct{}
}

// HubConfig is the configuration for [NewHub].
type HubConfig struct {
	// If positive, the hub flushes staged values
	// on this interval in a background goroutine.
	// If zero, values are only delivered on an explicit Flush.
	AutoFlushInterval time.Duration
}

// NewHub returns a new Hub.
// The ctx parameter controls the lifecycle of the auto-flush goroutine, if any;
// use [*Hub.Wait] to block until it has stopped.
func NewHub(ctx context.Context, log *slog.Logger, cfg HubConfig) *Hub {
	h := &Hub{
		log: log,

		slots: make(map[string]uint),
		dirty: bitset.New(8),

		delivered: make(map[string][]byte),

		changes: smpubsub.NewStream[Change](),

		done: make(chan struct{}),
	}

	if cfg.AutoFlushInterval > 0 {
		go h.autoFlush(ctx, cfg.AutoFlushInterval)
	} else {
		close(h.done)
	}

	return h
}

// Wait blocks until the hub's background work has finished.
func (h *Hub) Wait() {
	<-h.done
}

func (h *Hub) autoFlush(ctx context.Context, interval time.Duration) {
	defer close(h.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Debug("Stopping auto flush due to context cancellation", "cause", context.Cause(ctx))
			return
		case <-ticker.C:
			h.Flush()
		}
	}
}

// Set implements [Publisher].
func (h *Hub) Set(key string, value []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	slot, ok := h.slots[key]
	if !ok {
		slot = uint(len(h.keys))
		h.slots[key] = slot
		h.keys = append(h.keys, key)
		h.pending = append(h.pending, nil)
	}

	h.pending[slot] = value
	h.dirty.Set(slot)
}

// Flush implements [Publisher].
// Flushing with nothing staged does not publish a change.
func (h *Hub) Flush() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty.Any() {
		return
	}

	entries := make([]Entry, 0, h.dirty.Count())
	for i, ok := h.dirty.NextSet(0); ok; i, ok = h.dirty.NextSet(i + 1) {
		e := Entry{Key: h.keys[i], Value: h.pending[i]}
		entries = append(entries, e)

		h.delivered[e.Key] = e.Value
		h.pending[i] = nil
	}
	h.dirty.ClearAll()

	h.changes.Publish(Change{Entries: entries})
	h.changes = h.changes.Next
}

// Get implements [Subscriber].
// Only flushed values are visible.
func (h *Hub) Get(key string) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	v, ok := h.delivered[key]
	return v, ok
}

// Changes implements [Subscriber].
func (h *Hub) Changes() *smpubsub.Stream[Change] {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.changes
}

// Snapshot returns a copy of every delivered value
// along with the change stream head that follows it.
// The pair is taken atomically, so a follower that writes out the snapshot
// and then follows the stream observes every delivery exactly once.
func (h *Hub) Snapshot() (map[string][]byte, *smpubsub.Stream[Change]) {
	h.mu.Lock()
	defer h.mu.Unlock()

	return maps.Clone(h.delivered), h.changes
}
