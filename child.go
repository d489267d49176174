package sharedmap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"slices"

	"github.com/gordian-engine/sharedmap/smbcast"
	"github.com/gordian-engine/sharedmap/smpubsub"
)

// ChildConfig is the configuration for [NewChild].
type ChildConfig struct {
	// Namespace of the document on the channel.
	SharedDataKey string

	// Source of snapshots published by the parent.
	Subscriber smbcast.Subscriber

	NotifyMode NotifyMode
}

// validate panics if there are any illegal settings in the configuration.
func (c ChildConfig) validate() {
	var panicErrs error

	if c.SharedDataKey == "" {
		panicErrs = errors.Join(panicErrs, errors.New("ChildConfig.SharedDataKey may not be empty"))
	}
	if c.Subscriber == nil {
		panicErrs = errors.Join(panicErrs, errors.New("ChildConfig.Subscriber may not be nil"))
	}

	if panicErrs != nil {
		panic(panicErrs)
	}
}

// NewChild returns a read-only replica of cfg.SharedDataKey.
//
// If the subscriber already holds a snapshot, the child is ready
// before NewChild returns. Otherwise it becomes ready
// when the first snapshot is delivered.
//
// The child follows the subscriber until ctx is canceled
// or [*Map.Close] is called.
//
// Configuration errors cause a panic.
func NewChild(ctx context.Context, log *slog.Logger, cfg ChildConfig) *Map {
	cfg.validate()

	m := newMap(log, cfg.SharedDataKey, ChildRole, cfg.NotifyMode)
	m.sub = cfg.Subscriber

	ctx, m.cancel = context.WithCancel(ctx)

	// Take the stream head before the first read,
	// so a delivery between the two is not lost.
	changes := m.sub.Changes()
	m.syncFromParent()

	m.wg.Add(1)
	go m.followParent(ctx, changes)

	return m
}

func (m *Map) followParent(ctx context.Context, changes *smpubsub.Stream[smbcast.Change]) {
	defer m.wg.Done()

	_ = smpubsub.Follow(ctx, changes, func(c smbcast.Change) error {
		if _, ok := c.Value(m.key); ok {
			m.syncFromParent()
		}
		return nil
	})
}

// syncFromParent replaces the local copy with the subscriber's latest snapshot.
// It reads the latest value rather than the delivered one,
// so replaying an older change never moves the copy backwards.
func (m *Map) syncFromParent() {
	b, ok := m.sub.Get(m.key)
	if !ok {
		return
	}

	m.mu.Lock()
	if m.state == ReadyState && bytes.Equal(b, m.lastSnapshot) {
		m.mu.Unlock()
		return
	}

	var next map[string]json.RawMessage
	if err := json.Unmarshal(b, &next); err != nil {
		m.mu.Unlock()
		m.log.Warn("Ignoring malformed snapshot from parent", "err", err)
		return
	}
	if next == nil {
		next = map[string]json.RawMessage{}
	}

	prev := m.data
	m.data = next
	m.lastSnapshot = b

	if m.state != ReadyState {
		m.state = ReadyState
		close(m.readyCh)
		m.log.Debug("Received first snapshot from parent", "keys", len(next))
	}

	var updates []Update
	if m.notifyMode == NotifyAllKeys {
		updates = m.lockedAllUpdates()
		for _, k := range slices.Sorted(maps.Keys(prev)) {
			if _, ok := next[k]; !ok {
				updates = append(updates, Update{Key: k, Deleted: true})
			}
		}
	} else {
		updates = diffSnapshots(prev, next)
	}

	m.unlockAndNotify(updates)
}

// diffSnapshots reports the keys whose values differ between prev and next,
// in sorted key order.
func diffSnapshots(prev, next map[string]json.RawMessage) []Update {
	keys := make([]string, 0, len(prev)+len(next))
	for k := range prev {
		keys = append(keys, k)
	}
	for k := range next {
		if _, ok := prev[k]; !ok {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	var out []Update
	for _, k := range keys {
		nv, inNext := next[k]
		pv, inPrev := prev[k]
		switch {
		case !inNext:
			out = append(out, Update{Key: k, Deleted: true})
		case !inPrev || !bytes.Equal(pv, nv):
			out = append(out, Update{Key: k, Value: nv})
		}
	}
	return out
}
