package sharedmap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/gordian-engine/sharedmap/internal/smtrace"
	"github.com/gordian-engine/sharedmap/smbcast"
	"github.com/gordian-engine/sharedmap/smstore"
)

// DefaultLoadTimeout bounds [*Map.Init] when ParentConfig.LoadTimeout is zero.
const DefaultLoadTimeout = 10 * time.Second

// ParentConfig is the configuration for [NewParent].
type ParentConfig struct {
	// Namespace of the document, in both the store and the channel.
	SharedDataKey string

	// Where the document is persisted.
	Store smstore.Store

	// Where snapshots are published for children.
	Publisher smbcast.Publisher

	// Upper bound on the store load during Init.
	// If zero, [DefaultLoadTimeout] is used.
	LoadTimeout time.Duration

	// If zero, every change is flushed to children immediately.
	// If positive, changes are staged on the publisher immediately
	// and a single flush happens this long after the first staged change,
	// coalescing bursts of writes into one delivery.
	BroadcastDelay time.Duration

	NotifyMode NotifyMode

	// Optional. Init and Flush are traced as spans.
	TracerProvider smtrace.TracerProvider
}

// validate panics if there are any illegal settings in the configuration.
func (c ParentConfig) validate() {
	// Collect every problem so the panic is maximally helpful.
	var panicErrs error

	if c.SharedDataKey == "" {
		panicErrs = errors.Join(panicErrs, errors.New("ParentConfig.SharedDataKey may not be empty"))
	}
	if c.Store == nil {
		panicErrs = errors.Join(panicErrs, errors.New("ParentConfig.Store may not be nil"))
	}
	if c.Publisher == nil {
		panicErrs = errors.Join(panicErrs, errors.New("ParentConfig.Publisher may not be nil"))
	}
	if c.LoadTimeout < 0 {
		panicErrs = errors.Join(panicErrs, errors.New("ParentConfig.LoadTimeout may not be negative"))
	}
	if c.BroadcastDelay < 0 {
		panicErrs = errors.Join(panicErrs, errors.New("ParentConfig.BroadcastDelay may not be negative"))
	}

	if panicErrs != nil {
		panic(panicErrs)
	}
}

// NewParent returns the writable parent map for cfg.SharedDataKey.
// The map is not readable until [*Map.Init] succeeds.
//
// Configuration errors cause a panic.
func NewParent(log *slog.Logger, cfg ParentConfig) *Map {
	cfg.validate()

	m := newMap(log, cfg.SharedDataKey, ParentRole, cfg.NotifyMode)

	m.store = cfg.Store
	m.pub = cfg.Publisher

	m.loadTimeout = cfg.LoadTimeout
	if m.loadTimeout == 0 {
		m.loadTimeout = DefaultLoadTimeout
	}
	m.broadcastDelay = cfg.BroadcastDelay
	m.tracer = smtrace.NewTracer(cfg.TracerProvider)

	return m
}

// Init loads the persisted document, publishes it to children,
// and marks m ready.
//
// Init is idempotent: concurrent callers share a single load,
// and calls after success return nil.
// A load failure moves m to [FailedState] permanently;
// Init and [*Map.Ready] then return the same [PersistenceError].
// If ctx is canceled before the load finishes, m returns to
// [UninitializedState] and Init may be called again.
// If [*Map.Close] is called before the load finishes,
// m moves to [FailedState] with [ErrClosed].
func (m *Map) Init(ctx context.Context) error {
	if m.role != ParentRole {
		return PermissionError{Op: "init"}
	}

	_, err, _ := m.initGroup.Do("init", func() (any, error) {
		return nil, m.load(ctx)
	})
	return err
}

func (m *Map) load(ctx context.Context) error {
	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return ErrClosed
	case m.state == ReadyState:
		m.mu.Unlock()
		return nil
	case m.state == FailedState:
		err := m.loadErr
		m.mu.Unlock()
		return err
	}
	m.state = LoadingState
	m.mu.Unlock()

	ctx, span := m.tracer.Start(
		ctx,
		"load shared data",
		smtrace.WithAttributes(smtrace.SharedDataKeyAttr(m.key)),
	)
	defer span.End()

	lctx, cancel := context.WithTimeout(ctx, m.loadTimeout)
	defer cancel()

	data, err := m.store.Load(lctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		// The store was closed while loading; never publish after that.
		smtrace.SpanError(span, ErrClosed)
		m.state = FailedState
		m.loadErr = ErrClosed
		close(m.readyCh)
		return ErrClosed
	}

	if err != nil {
		smtrace.SpanError(span, err)
		if ctx.Err() != nil {
			m.state = UninitializedState
			return fmt.Errorf("init interrupted: %w", context.Cause(ctx))
		}

		perr := PersistenceError{Op: "load", Err: err}
		m.log.Error("Failed to load persisted data; map will not become ready", "err", err)

		m.state = FailedState
		m.loadErr = perr
		close(m.readyCh)
		return perr
	}

	if data == nil {
		data = map[string]json.RawMessage{}
	}

	m.data = data
	m.state = ReadyState

	// The first broadcast is never coalesced,
	// so children waiting on readiness are released promptly.
	m.pub.Set(m.key, m.lockedEncode())
	m.pub.Flush()

	close(m.readyCh)

	span.SetAttributes(smtrace.IntAttr("keys", len(data)))
	m.log.Info("Loaded persisted data", "keys", len(data))
	return nil
}

// Set stores value under key, schedules a persist,
// publishes the full document to children, and notifies listeners.
//
// value is encoded with encoding/json;
// pass a json.RawMessage to store pre-encoded JSON.
// Only the parent may call Set; children get a [PermissionError].
func (m *Map) Set(key string, value any) error {
	if m.role != ParentRole {
		return PermissionError{Op: "set", Key: key}
	}

	raw, err := encodeValue(value)
	if err != nil {
		return fmt.Errorf("cannot set %q: %w", key, err)
	}

	m.mu.Lock()
	if err := m.lockedCheckWritable(); err != nil {
		m.mu.Unlock()
		return err
	}

	m.data[key] = raw
	m.lockedPersistAndBroadcast()

	updates := m.lockedUpdatesFor(Update{Key: key, Value: raw})
	m.unlockAndNotify(updates)
	return nil
}

// Delete removes key with the same side effects as [*Map.Set]:
// persist, broadcast, and notify.
// Deleting an absent key does nothing.
// Only the parent may call Delete.
func (m *Map) Delete(key string) error {
	if m.role != ParentRole {
		return PermissionError{Op: "delete", Key: key}
	}

	m.mu.Lock()
	if err := m.lockedCheckWritable(); err != nil {
		m.mu.Unlock()
		return err
	}

	if _, ok := m.data[key]; !ok {
		m.mu.Unlock()
		return nil
	}

	delete(m.data, key)
	m.lockedPersistAndBroadcast()

	updates := m.lockedUpdatesFor(Update{Key: key, Deleted: true})
	m.unlockAndNotify(updates)
	return nil
}

// RemoveEntriesByKeys silently removes keys and schedules a persist.
// It neither broadcasts to children nor notifies listeners,
// so children keep the removed entries until the next broadcasting change.
// It is meant for garbage collection of stale entries.
//
// Calling it with no keys does nothing, not even a persist.
// Only the parent may call RemoveEntriesByKeys.
func (m *Map) RemoveEntriesByKeys(keys ...string) error {
	if m.role != ParentRole {
		return PermissionError{Op: "remove entries"}
	}
	if len(keys) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.lockedCheckWritable(); err != nil {
		return err
	}

	for _, k := range keys {
		delete(m.data, k)
	}
	m.store.SaveSoon(maps.Clone(m.data))

	return nil
}

// Flush forces delivery of any coalesced broadcast
// and writes any pending persist.
func (m *Map) Flush(ctx context.Context) error {
	if m.role != ParentRole {
		return PermissionError{Op: "flush"}
	}

	ctx, span := m.tracer.Start(
		ctx,
		"flush shared data",
		smtrace.WithAttributes(smtrace.SharedDataKeyAttr(m.key)),
	)
	defer span.End()

	m.mu.Lock()
	if m.flushTimer != nil {
		m.flushTimer.Stop()
		m.flushTimer = nil
	}
	m.mu.Unlock()

	m.pub.Flush()

	if err := m.store.Flush(ctx); err != nil {
		smtrace.SpanError(span, err)
		return PersistenceError{Op: "flush", Err: err}
	}
	return nil
}

// Close stops m.
//
// For a parent, Close cancels the coalescing timer,
// delivers any staged broadcast, and closes the store,
// which writes any pending persist synchronously.
// For a child, Close stops following the subscriber
// and waits for that goroutine to exit.
//
// Writes after Close return [ErrClosed]. Reads keep working.
func (m *Map) Close(ctx context.Context) error {
	if m.role == ChildRole {
		m.cancel()
		m.wg.Wait()
		return nil
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.flushTimer != nil {
		m.flushTimer.Stop()
		m.flushTimer = nil
	}
	m.mu.Unlock()

	m.pub.Flush()

	if err := m.store.Close(ctx); err != nil {
		return PersistenceError{Op: "close", Err: err}
	}
	return nil
}

func (m *Map) lockedCheckWritable() error {
	if m.closed {
		return ErrClosed
	}
	if m.state != ReadyState {
		return ErrNotReady
	}
	return nil
}

// lockedEncode returns the whole document as a JSON object.
func (m *Map) lockedEncode() []byte {
	b, err := json.Marshal(m.data)
	if err != nil {
		// Values are validated on the way in.
		panic(fmt.Errorf("BUG: failed to encode snapshot of %q: %w", m.key, err))
	}
	return b
}

func (m *Map) lockedPersistAndBroadcast() {
	m.store.SaveSoon(maps.Clone(m.data))

	m.pub.Set(m.key, m.lockedEncode())

	if m.broadcastDelay == 0 {
		m.pub.Flush()
		return
	}

	if m.flushTimer == nil {
		m.flushTimer = time.AfterFunc(m.broadcastDelay, m.flushBroadcast)
	}
}

func (m *Map) flushBroadcast() {
	m.mu.Lock()
	m.flushTimer = nil
	m.mu.Unlock()

	m.pub.Flush()
}

// lockedUpdatesFor returns the updates to report after changed was applied.
func (m *Map) lockedUpdatesFor(changed Update) []Update {
	if m.notifyMode != NotifyAllKeys {
		return []Update{changed}
	}

	all := m.lockedAllUpdates()
	if changed.Deleted {
		all = append(all, changed)
	}
	return all
}
