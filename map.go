package sharedmap

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/gordian-engine/sharedmap/internal/smtrace"
	"github.com/gordian-engine/sharedmap/smbcast"
	"github.com/gordian-engine/sharedmap/smpubsub"
	"github.com/gordian-engine/sharedmap/smstore"
	"golang.org/x/sync/singleflight"
)

// State is the lifecycle state of a [Map].
//
// Parents move from UninitializedState to LoadingState during Init,
// then to ReadyState or FailedState.
// Children move from UninitializedState directly to ReadyState
// when their first snapshot arrives.
// ReadyState and FailedState are terminal.
type State uint8

const (
	UninitializedState State = iota
	LoadingState
	ReadyState
	FailedState
)

func (s State) String() string {
	switch s {
	case UninitializedState:
		return "uninitialized"
	case LoadingState:
		return "loading"
	case ReadyState:
		return "ready"
	case FailedState:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// NotifyMode controls which keys are reported after a change.
type NotifyMode uint8

const (
	// NotifyChangedKeys reports only keys whose value changed.
	NotifyChangedKeys NotifyMode = iota

	// NotifyAllKeys reports every key currently in the map after any change,
	// for consumers that treat an update as "something changed, re-check everything".
	NotifyAllKeys
)

// Update describes one key reported to listeners.
type Update struct {
	Key string

	// The value after the change; nil when Deleted is set.
	Value json.RawMessage

	Deleted bool
}

// UpdateEventName is the name under which same-process listeners
// for key are notified.
func UpdateEventName(key string) string {
	return "parent-store-update:" + key
}

// Map is one replica of a shared document.
// See the package documentation for the replication model.
//
// Create a parent with [NewParent] or a child with [NewChild].
type Map struct {
	log *slog.Logger

	key        string
	role       Role
	notifyMode NotifyMode

	// Parent only.
	store          smstore.Store
	pub            smbcast.Publisher
	loadTimeout    time.Duration
	broadcastDelay time.Duration
	initGroup      singleflight.Group
	tracer         smtrace.Tracer

	// Child only.
	sub    smbcast.Subscriber
	cancel context.CancelFunc

	// Last applied snapshot, child only. Guarded by mu.
	lastSnapshot []byte

	mu      sync.RWMutex
	data    map[string]json.RawMessage
	state   State
	loadErr error
	closed  bool

	// Pending coalesced broadcast flush, parent only.
	flushTimer *time.Timer

	// Closed once, when state becomes ready or failed.
	readyCh chan struct{}

	// Each change takes a ticket while holding mu,
	// and delivers its updates after releasing mu once notifyTurn reaches it.
	// Listeners therefore see changes in the order they were applied.
	nextTicket uint64 // Guarded by mu.
	notifyMu   sync.Mutex
	notifyCond *sync.Cond
	notifyTurn uint64 // Guarded by notifyMu.

	lmu            sync.Mutex
	listeners      map[string]map[uint64]func(Update)
	anyListeners   map[uint64]func(Update)
	nextListenerID uint64
	updates        *smpubsub.Stream[Update]

	wg sync.WaitGroup
}

func newMap(log *slog.Logger, key string, role Role, mode NotifyMode) *Map {
	m := &Map{
		log: log,

		key:        key,
		role:       role,
		notifyMode: mode,

		readyCh: make(chan struct{}),

		listeners:    make(map[string]map[uint64]func(Update)),
		anyListeners: make(map[uint64]func(Update)),
		updates:      smpubsub.NewStream[Update](),
	}
	m.notifyCond = sync.NewCond(&m.notifyMu)
	return m
}

// SharedDataKey returns the namespace key of the map.
func (m *Map) SharedDataKey() string {
	return m.key
}

// Role returns whether m is the parent or a child.
func (m *Map) Role() Role {
	return m.role
}

// IsParent reports whether m is the writable parent.
func (m *Map) IsParent() bool {
	return m.role == ParentRole
}

// State returns the current lifecycle state.
func (m *Map) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsReady reports whether m has been populated.
// Once true, it stays true.
func (m *Map) IsReady() bool {
	return m.State() == ReadyState
}

// ReadyCh returns a channel that is closed
// once m becomes ready or fails to load.
func (m *Map) ReadyCh() <-chan struct{} {
	return m.readyCh
}

// Ready blocks until m is populated and returns nil.
// If a parent failed to load, Ready returns the [PersistenceError].
// If ctx finishes first, Ready returns the context's cause.
//
// Every caller observes the same outcome.
func (m *Map) Ready(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-m.readyCh:
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadErr
}

// Get returns the stored JSON for key.
// It reports false if m is not yet populated or key is absent.
// The returned value must not be modified.
func (m *Map) Get(key string) (json.RawMessage, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[key]
	return v, ok
}

// GetInto decodes the value for key into dst.
// It reports false, with a nil error, if the key is absent.
func (m *Map) GetInto(key string, dst any) (bool, error) {
	v, ok := m.Get(key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(v, dst); err != nil {
		return true, fmt.Errorf("failed to decode value for %q: %w", key, err)
	}
	return true, nil
}

// Has reports whether key holds a truthy value.
// Absent keys and the falsy JSON values null, false, 0, and ""
// all report false.
// Use [*Map.Contains] to test for presence.
func (m *Map) Has(key string) bool {
	v, ok := m.Get(key)
	return ok && truthy(v)
}

// Contains reports whether key is present, regardless of its value.
func (m *Map) Contains(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Keys returns the present keys in sorted order.
func (m *Map) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return slices.Sorted(maps.Keys(m.data))
}

// Len returns the number of present keys.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.data)
}

// Snapshot returns a copy of the whole document.
// The values must not be modified.
func (m *Map) Snapshot() map[string]json.RawMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.data == nil {
		return map[string]json.RawMessage{}
	}
	return maps.Clone(m.data)
}

// Wait blocks until m's background work has finished.
// For children, that is after the context passed to [NewChild] is canceled
// or [*Map.Close] is called.
func (m *Map) Wait() {
	m.wg.Wait()
}

// OnUpdate registers fn to be called synchronously
// for every update to key (the event named [UpdateEventName]).
// Listeners may read m but must not modify it.
// The returned function unregisters fn.
func (m *Map) OnUpdate(key string, fn func(Update)) (cancel func()) {
	m.lmu.Lock()
	defer m.lmu.Unlock()

	id := m.nextListenerID
	m.nextListenerID++

	byID := m.listeners[key]
	if byID == nil {
		byID = make(map[uint64]func(Update))
		m.listeners[key] = byID
	}
	byID[id] = fn

	return func() {
		m.lmu.Lock()
		defer m.lmu.Unlock()

		delete(m.listeners[key], id)
		if len(m.listeners[key]) == 0 {
			delete(m.listeners, key)
		}
	}
}

// OnAnyUpdate registers fn to be called synchronously for every update.
// The returned function unregisters fn.
func (m *Map) OnAnyUpdate(fn func(Update)) (cancel func()) {
	m.lmu.Lock()
	defer m.lmu.Unlock()

	id := m.nextListenerID
	m.nextListenerID++
	m.anyListeners[id] = fn

	return func() {
		m.lmu.Lock()
		defer m.lmu.Unlock()
		delete(m.anyListeners, id)
	}
}

// Updates returns the head of the update stream,
// for consumers that prefer to observe updates asynchronously.
func (m *Map) Updates() *smpubsub.Stream[Update] {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	return m.updates
}

// notify delivers updates to listeners and the update stream.
// The caller must hold the current notify turn and must not hold m.mu.
func (m *Map) notify(updates []Update) {
	for _, u := range updates {
		m.lmu.Lock()
		fns := make([]func(Update), 0, len(m.listeners[u.Key])+len(m.anyListeners))
		for _, fn := range m.listeners[u.Key] {
			fns = append(fns, fn)
		}
		for _, fn := range m.anyListeners {
			fns = append(fns, fn)
		}

		m.updates.Publish(u)
		m.updates = m.updates.Next
		m.lmu.Unlock()

		for _, fn := range fns {
			fn(u)
		}
	}
}

// unlockAndNotify releases m.mu and notifies updates
// once every earlier change has been delivered.
// The caller must hold m.mu for writing.
func (m *Map) unlockAndNotify(updates []Update) {
	ticket := m.nextTicket
	m.nextTicket++
	m.mu.Unlock()

	m.notifyMu.Lock()
	for m.notifyTurn != ticket {
		m.notifyCond.Wait()
	}
	m.notifyMu.Unlock()

	defer func() {
		m.notifyMu.Lock()
		m.notifyTurn++
		m.notifyMu.Unlock()
		m.notifyCond.Broadcast()
	}()

	m.notify(updates)
}

// lockedAllUpdates reports every present key, in sorted order.
func (m *Map) lockedAllUpdates() []Update {
	keys := slices.Sorted(maps.Keys(m.data))
	out := make([]Update, len(keys))
	for i, k := range keys {
		out[i] = Update{Key: k, Value: m.data[k]}
	}
	return out
}
