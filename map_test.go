package sharedmap_test

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"sync"
	"testing"
	"time"

	"github.com/gordian-engine/sharedmap"
	"github.com/gordian-engine/sharedmap/internal/smtest"
	"github.com/gordian-engine/sharedmap/smbcast"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// memStore is an in-memory smstore.Store that records what it was asked to do.
type memStore struct {
	mu sync.Mutex

	initial map[string]json.RawMessage
	loadErr error

	// If set, Load waits for this to close or for its context to finish.
	block chan struct{}

	loads     int
	saveSoons int
	pending   map[string]json.RawMessage
	saved     map[string]json.RawMessage
	closed    bool
}

func (s *memStore) Load(ctx context.Context) (map[string]json.RawMessage, error) {
	s.mu.Lock()
	s.loads++
	block := s.block
	s.mu.Unlock()

	if block != nil {
		select {
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		case <-block:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	out := maps.Clone(s.initial)
	if out == nil {
		out = map[string]json.RawMessage{}
	}
	return out, nil
}

func (s *memStore) SaveSoon(data map[string]json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveSoons++
	s.pending = data
}

func (s *memStore) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		s.saved = s.pending
		s.pending = nil
	}
	return nil
}

func (s *memStore) Close(ctx context.Context) error {
	_ = s.Flush(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memStore) SaveSoonCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveSoons
}

func (s *memStore) Saved() map[string]json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved
}

type fixture struct {
	Store *memStore
	Hub   *smbcast.Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{
		Store: &memStore{},
		Hub:   smbcast.NewHub(context.Background(), smtest.NewLogger(t), smbcast.HubConfig{}),
	}
}

func (f *fixture) NewParent(t *testing.T, mode sharedmap.NotifyMode) *sharedmap.Map {
	t.Helper()
	return sharedmap.NewParent(smtest.NewLogger(t), sharedmap.ParentConfig{
		SharedDataKey: "experiments",
		Store:         f.Store,
		Publisher:     f.Hub,
		NotifyMode:    mode,
	})
}

func (f *fixture) NewReadyParent(t *testing.T, ctx context.Context) *sharedmap.Map {
	t.Helper()
	p := f.NewParent(t, sharedmap.NotifyChangedKeys)
	require.NoError(t, p.Init(ctx))
	return p
}

func (f *fixture) NewChild(t *testing.T, ctx context.Context, mode sharedmap.NotifyMode) *sharedmap.Map {
	t.Helper()
	c := sharedmap.NewChild(ctx, smtest.NewLogger(t), sharedmap.ChildConfig{
		SharedDataKey: "experiments",
		Subscriber:    f.Hub,
		NotifyMode:    mode,
	})
	t.Cleanup(func() {
		require.NoError(t, c.Close(context.Background()))
	})
	return c
}

func requireJSONEq(t *testing.T, want string, got json.RawMessage, ok bool) {
	t.Helper()
	require.True(t, ok, "value missing")
	require.JSONEq(t, want, string(got))
}

func TestParent_initEmptyThenSetAndReplicate(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t)
	p := f.NewParent(t, sharedmap.NotifyChangedKeys)

	require.False(t, p.IsReady())
	require.NoError(t, p.Init(ctx))
	require.NoError(t, p.Ready(ctx))
	require.True(t, p.IsReady())
	require.Zero(t, p.Len())

	require.NoError(t, p.Set("featureX", map[string]bool{"enabled": true}))

	v, ok := p.Get("featureX")
	requireJSONEq(t, `{"enabled":true}`, v, ok)

	c := f.NewChild(t, ctx, sharedmap.NotifyChangedKeys)
	require.NoError(t, c.Ready(ctx))

	v, ok = c.Get("featureX")
	requireJSONEq(t, `{"enabled":true}`, v, ok)
}

func TestParent_initLoadsPersistedData(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t)
	f.Store.initial = map[string]json.RawMessage{
		"a": json.RawMessage(`1`),
		"b": json.RawMessage(`"two"`),
	}

	p := f.NewReadyParent(t, ctx)
	require.Equal(t, []string{"a", "b"}, p.Keys())

	var b string
	ok, err := p.GetInto("b", &b)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "two", b)

	ok, err = p.GetInto("missing", &b)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestParent_initIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t)
	f.Store.block = make(chan struct{})
	p := f.NewParent(t, sharedmap.NotifyChangedKeys)

	const n = 4
	errs := make(chan error, n)
	for range n {
		go func() { errs <- p.Init(ctx) }()
	}

	require.Eventually(t, func() bool {
		return p.State() == sharedmap.LoadingState
	}, smtest.ScaleDuration, 5*time.Millisecond)

	close(f.Store.block)
	for range n {
		require.NoError(t, smtest.ReceiveSoon(t, errs))
	}

	require.NoError(t, p.Init(ctx))

	f.Store.mu.Lock()
	loads := f.Store.loads
	f.Store.mu.Unlock()

	require.Equal(t, 1, loads)
	require.Equal(t, sharedmap.ReadyState, p.State())
}

func TestParent_initInterruptedCanRetry(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.Store.block = make(chan struct{})
	p := f.NewParent(t, sharedmap.NotifyChangedKeys)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- p.Init(ctx) }()

	require.Eventually(t, func() bool {
		return p.State() == sharedmap.LoadingState
	}, smtest.ScaleDuration, 5*time.Millisecond)

	cancel()
	err := smtest.ReceiveSoon(t, errs)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, sharedmap.UninitializedState, p.State())
	smtest.NotSending(t, p.ReadyCh())

	close(f.Store.block)
	require.NoError(t, p.Init(context.Background()))
	require.True(t, p.IsReady())
}

func TestParent_loadFailureIsTerminal(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loadErr := errors.New("disk on fire")

	f := newFixture(t)
	f.Store.loadErr = loadErr
	p := f.NewParent(t, sharedmap.NotifyChangedKeys)

	err := p.Init(ctx)
	var perr sharedmap.PersistenceError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "load", perr.Op)
	require.ErrorIs(t, err, loadErr)

	require.Equal(t, sharedmap.FailedState, p.State())
	require.False(t, p.IsReady())

	smtest.IsSending(t, p.ReadyCh())
	require.ErrorIs(t, p.Ready(ctx), loadErr)

	// Failure is sticky, even if the store would now succeed.
	f.Store.mu.Lock()
	f.Store.loadErr = nil
	f.Store.mu.Unlock()
	require.ErrorIs(t, p.Init(ctx), loadErr)

	require.ErrorIs(t, p.Set("k", 1), sharedmap.ErrNotReady)

	// Children never saw a snapshot.
	_, ok := f.Hub.Get("experiments")
	require.False(t, ok)
}

func TestParent_loadTimeoutFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.Store.block = make(chan struct{})
	defer close(f.Store.block)

	p := sharedmap.NewParent(smtest.NewLogger(t), sharedmap.ParentConfig{
		SharedDataKey: "experiments",
		Store:         f.Store,
		Publisher:     f.Hub,
		LoadTimeout:   20 * time.Millisecond,
	})

	err := p.Init(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, sharedmap.FailedState, p.State())
}

func TestParent_writesBeforeInitAreRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	p := f.NewParent(t, sharedmap.NotifyChangedKeys)

	require.ErrorIs(t, p.Set("k", 1), sharedmap.ErrNotReady)
	require.ErrorIs(t, p.Delete("k"), sharedmap.ErrNotReady)
	require.ErrorIs(t, p.RemoveEntriesByKeys("k"), sharedmap.ErrNotReady)

	_, ok := p.Get("k")
	require.False(t, ok)
	require.Zero(t, f.Store.SaveSoonCount())
}

func TestParent_readAfterWrite(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t)
	p := f.NewReadyParent(t, ctx)

	for i, v := range []any{
		1, "x", []int{1, 2}, map[string]any{"n": nil}, json.RawMessage(` { "pre" : "encoded" } `),
	} {
		require.NoError(t, p.Set("k", v), "value %d", i)

		got, ok := p.Get("k")
		require.True(t, ok)

		want, err := json.Marshal(v)
		require.NoError(t, err)
		require.JSONEq(t, string(want), string(got))
	}

	got, _ := p.Get("k")
	require.Equal(t, `{"pre":"encoded"}`, string(got))
}

func TestParent_setRejectsBadValues(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t)
	p := f.NewReadyParent(t, ctx)

	require.Error(t, p.Set("k", []byte("raw")))
	require.Error(t, p.Set("k", json.RawMessage(`{not json`)))
	require.Error(t, p.Set("k", make(chan int)))

	require.False(t, p.Contains("k"))
	require.Zero(t, f.Store.SaveSoonCount())
}

func TestParent_hasConflatesFalsyValues(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t)
	p := f.NewReadyParent(t, ctx)

	for _, v := range []any{0, false, "", nil, 0.0} {
		require.NoError(t, p.Set("k", v))
		require.False(t, p.Has("k"), "value %#v", v)
		require.True(t, p.Contains("k"), "value %#v", v)
	}

	for _, v := range []any{1, true, "0", []int{}, map[string]int{}, -0.5} {
		require.NoError(t, p.Set("k", v))
		require.True(t, p.Has("k"), "value %#v", v)
	}

	require.False(t, p.Has("absent"))
	require.False(t, p.Contains("absent"))
}

func TestParent_setPersistsAndBroadcastsFullSnapshot(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t)
	p := f.NewReadyParent(t, ctx)

	changes := f.Hub.Changes()

	require.NoError(t, p.Set("a", 1))
	require.NoError(t, p.Set("b", 2))

	// Each set is delivered on its own when there is no broadcast delay.
	smtest.IsSending(t, changes.Ready)
	first, ok := changes.Val.Value("experiments")
	require.True(t, ok)
	require.JSONEq(t, `{"a":1}`, string(first))

	changes = changes.Next
	smtest.IsSending(t, changes.Ready)
	second, ok := changes.Val.Value("experiments")
	require.True(t, ok)
	require.JSONEq(t, `{"a":1,"b":2}`, string(second))

	require.NoError(t, p.Flush(ctx))
	saved := f.Store.Saved()
	require.Len(t, saved, 2)
	require.JSONEq(t, `2`, string(saved["b"]))
}

func TestParent_broadcastDelayCoalesces(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t)
	p := sharedmap.NewParent(smtest.NewLogger(t), sharedmap.ParentConfig{
		SharedDataKey:  "experiments",
		Store:          f.Store,
		Publisher:      f.Hub,
		BroadcastDelay: time.Hour,
	})
	require.NoError(t, p.Init(ctx))

	changes := f.Hub.Changes()

	require.NoError(t, p.Set("a", 1))
	require.NoError(t, p.Set("b", 2))
	require.NoError(t, p.Set("a", 3))

	smtest.NotSending(t, changes.Ready)

	// Local reads see writes immediately regardless of the delay.
	v, ok := p.Get("a")
	requireJSONEq(t, `3`, v, ok)

	require.NoError(t, p.Flush(ctx))

	smtest.IsSending(t, changes.Ready)
	got, ok := changes.Val.Value("experiments")
	require.True(t, ok)
	require.JSONEq(t, `{"a":3,"b":2}`, string(got))
	smtest.NotSending(t, changes.Next.Ready)
}

func TestParent_broadcastDelayTimerFlushes(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t)
	p := sharedmap.NewParent(smtest.NewLogger(t), sharedmap.ParentConfig{
		SharedDataKey:  "experiments",
		Store:          f.Store,
		Publisher:      f.Hub,
		BroadcastDelay: 10 * time.Millisecond,
	})
	require.NoError(t, p.Init(ctx))

	changes := f.Hub.Changes()
	require.NoError(t, p.Set("a", 1))
	require.NoError(t, p.Set("b", 2))

	_ = smtest.ReceiveSoon(t, changes.Ready)
	got, ok := changes.Val.Value("experiments")
	require.True(t, ok)
	require.JSONEq(t, `{"a":1,"b":2}`, string(got))
}

func TestParent_notifyChangedKeys(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t)
	p := f.NewReadyParent(t, ctx)

	var got []sharedmap.Update
	stop := p.OnAnyUpdate(func(u sharedmap.Update) {
		got = append(got, u)
	})

	var aOnly []sharedmap.Update
	stopA := p.OnUpdate("a", func(u sharedmap.Update) {
		aOnly = append(aOnly, u)
	})

	require.NoError(t, p.Set("a", 1))
	require.NoError(t, p.Set("b", 2))
	require.NoError(t, p.Delete("a"))
	require.NoError(t, p.Delete("a")) // Absent; no update.

	require.Equal(t, []sharedmap.Update{
		{Key: "a", Value: json.RawMessage(`1`)},
		{Key: "b", Value: json.RawMessage(`2`)},
		{Key: "a", Deleted: true},
	}, got)
	require.Equal(t, []sharedmap.Update{
		{Key: "a", Value: json.RawMessage(`1`)},
		{Key: "a", Deleted: true},
	}, aOnly)

	stop()
	stopA()
	require.NoError(t, p.Set("a", 5))
	require.Len(t, got, 3)
	require.Len(t, aOnly, 2)
}

func TestParent_notifyAllKeys(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t)
	p := f.NewParent(t, sharedmap.NotifyAllKeys)
	require.NoError(t, p.Init(ctx))

	var got []string
	p.OnAnyUpdate(func(u sharedmap.Update) {
		got = append(got, u.Key)
	})

	require.NoError(t, p.Set("b", 1))
	require.NoError(t, p.Set("a", 2))

	require.Equal(t, []string{"b", "a", "b"}, got)
}

func TestParent_updatesStream(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t)
	p := f.NewReadyParent(t, ctx)

	s := p.Updates()
	require.NoError(t, p.Set("a", 1))

	smtest.IsSending(t, s.Ready)
	require.Equal(t, "a", s.Val.Key)
	smtest.NotSending(t, s.Next.Ready)
}

func TestParent_removeEntriesByKeysIsSilent(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t)
	p := f.NewReadyParent(t, ctx)
	require.NoError(t, p.Set("a", 1))
	require.NoError(t, p.Set("c", 3))

	c := f.NewChild(t, ctx, sharedmap.NotifyChangedKeys)
	require.NoError(t, c.Ready(ctx))
	require.True(t, c.Has("a"))

	var notified int
	p.OnAnyUpdate(func(sharedmap.Update) { notified++ })
	c.OnAnyUpdate(func(sharedmap.Update) { notified++ })

	changes := f.Hub.Changes()
	saves := f.Store.SaveSoonCount()

	require.NoError(t, p.RemoveEntriesByKeys("a", "b"))

	require.False(t, p.Has("a"))
	require.Equal(t, []string{"c"}, p.Keys())
	require.Equal(t, saves+1, f.Store.SaveSoonCount())

	smtest.NotSending(t, changes.Ready)
	require.Zero(t, notified)

	// The child stays stale until the next broadcasting change.
	require.True(t, c.Has("a"))

	require.NoError(t, p.Set("d", 4))
	require.Eventually(t, func() bool {
		return !c.Contains("a") && c.Contains("d")
	}, smtest.ScaleDuration, 5*time.Millisecond)

	require.NoError(t, p.Flush(ctx))
	saved := f.Store.Saved()
	require.NotContains(t, saved, "a")
	require.Contains(t, saved, "c")
}

func TestParent_removeNoKeysIsNoop(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t)
	p := f.NewReadyParent(t, ctx)

	require.NoError(t, p.RemoveEntriesByKeys())
	require.Zero(t, f.Store.SaveSoonCount())
}

func TestParent_closeFlushesAndRejectsWrites(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t)
	p := sharedmap.NewParent(smtest.NewLogger(t), sharedmap.ParentConfig{
		SharedDataKey:  "experiments",
		Store:          f.Store,
		Publisher:      f.Hub,
		BroadcastDelay: time.Hour,
	})
	require.NoError(t, p.Init(ctx))

	changes := f.Hub.Changes()
	require.NoError(t, p.Set("a", 1))
	smtest.NotSending(t, changes.Ready)

	require.NoError(t, p.Close(ctx))

	// The staged broadcast and the pending save both went out.
	smtest.IsSending(t, changes.Ready)
	require.Contains(t, f.Store.Saved(), "a")

	f.Store.mu.Lock()
	require.True(t, f.Store.closed)
	f.Store.mu.Unlock()

	require.ErrorIs(t, p.Set("b", 2), sharedmap.ErrClosed)
	require.ErrorIs(t, p.Init(ctx), sharedmap.ErrClosed)

	// Reads still work.
	require.True(t, p.Has("a"))

	require.NoError(t, p.Close(ctx))
}

func TestChild_writesArePermissionErrors(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t)
	p := f.NewReadyParent(t, ctx)
	require.NoError(t, p.Set("other", true))

	c := f.NewChild(t, ctx, sharedmap.NotifyChangedKeys)
	require.NoError(t, c.Ready(ctx))
	before := c.Snapshot()

	err := c.Set("k", 1)
	var perr sharedmap.PermissionError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "setting values from a non-parent is not allowed", err.Error())

	require.ErrorAs(t, c.Delete("other"), &perr)
	require.ErrorAs(t, c.RemoveEntriesByKeys("other"), &perr)
	require.ErrorAs(t, c.Init(ctx), &perr)
	require.ErrorAs(t, c.Flush(ctx), &perr)

	require.False(t, c.Has("k"))
	require.Equal(t, before, c.Snapshot())
}

func TestChild_readyAfterParentInit(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t)
	f.Store.initial = map[string]json.RawMessage{"a": json.RawMessage(`1`)}

	c := f.NewChild(t, ctx, sharedmap.NotifyChangedKeys)
	require.False(t, c.IsReady())
	_, ok := c.Get("a")
	require.False(t, ok)

	p := f.NewParent(t, sharedmap.NotifyChangedKeys)
	require.NoError(t, p.Init(ctx))

	_ = smtest.ReceiveSoon(t, c.ReadyCh())
	require.NoError(t, c.Ready(ctx))
	require.True(t, c.IsReady())
	require.True(t, c.Has("a"))
}

func TestChild_readyIsMonotonic(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t)
	p := f.NewReadyParent(t, ctx)

	c := f.NewChild(t, ctx, sharedmap.NotifyChangedKeys)
	require.NoError(t, c.Ready(ctx))

	// An empty map is still a delivered snapshot.
	require.True(t, c.IsReady())

	require.NoError(t, p.Set("a", 1))
	require.NoError(t, p.Delete("a"))

	require.NoError(t, c.Ready(ctx))
	require.True(t, c.IsReady())
	require.Equal(t, sharedmap.ReadyState, c.State())
}

func TestChild_readyHonorsContext(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	c := f.NewChild(t, context.Background(), sharedmap.NotifyChangedKeys)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, c.Ready(ctx), context.DeadlineExceeded)
}

func TestChild_notifiesDiffOfSnapshots(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t)
	p := f.NewReadyParent(t, ctx)
	require.NoError(t, p.Set("a", 1))
	require.NoError(t, p.Set("b", 2))

	c := f.NewChild(t, ctx, sharedmap.NotifyChangedKeys)
	require.NoError(t, c.Ready(ctx))

	updates := c.Updates()

	require.NoError(t, p.Set("b", 20))

	_ = smtest.ReceiveSoon(t, updates.Ready)
	require.Equal(t, sharedmap.Update{Key: "b", Value: json.RawMessage(`20`)}, updates.Val)
	updates = updates.Next

	require.NoError(t, p.Delete("a"))

	_ = smtest.ReceiveSoon(t, updates.Ready)
	require.Equal(t, sharedmap.Update{Key: "a", Deleted: true}, updates.Val)
	smtest.NotSending(t, updates.Next.Ready)
}

func TestChild_convergesToFullSnapshot(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t)
	p := f.NewReadyParent(t, ctx)

	children := []*sharedmap.Map{
		f.NewChild(t, ctx, sharedmap.NotifyChangedKeys),
		f.NewChild(t, ctx, sharedmap.NotifyAllKeys),
	}

	for i, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, p.Set(k, i))
	}

	want := p.Snapshot()
	for _, c := range children {
		require.Eventually(t, func() bool {
			return maps.EqualFunc(want, c.Snapshot(), func(a, b json.RawMessage) bool {
				return string(a) == string(b)
			})
		}, smtest.ScaleDuration, 5*time.Millisecond)
	}
}

func TestChild_ignoresMalformedSnapshot(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t)
	f.Hub.Set("experiments", []byte(`{"a":1}`))
	f.Hub.Flush()

	c := f.NewChild(t, ctx, sharedmap.NotifyChangedKeys)
	require.True(t, c.IsReady())

	f.Hub.Set("experiments", []byte(`not json`))
	f.Hub.Flush()
	f.Hub.Set("other", []byte(`x`))
	f.Hub.Flush()

	// Give the child a chance to process both deliveries.
	updates := c.Updates()
	f.Hub.Set("experiments", []byte(`{"a":2}`))
	f.Hub.Flush()
	_ = smtest.ReceiveSoon(t, updates.Ready)

	v, ok := c.Get("a")
	requireJSONEq(t, `2`, v, ok)
}

func TestChild_closeStopsFollowing(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	c := sharedmap.NewChild(context.Background(), smtest.NewLogger(t), sharedmap.ChildConfig{
		SharedDataKey: "experiments",
		Subscriber:    f.Hub,
	})

	require.NoError(t, c.Close(context.Background()))
	c.Wait()

	f.Hub.Set("experiments", []byte(`{"a":1}`))
	f.Hub.Flush()
	require.False(t, c.IsReady())
}

func TestNewParent_invalidConfigPanics(t *testing.T) {
	t.Parallel()

	require.Panics(t, func() {
		sharedmap.NewParent(smtest.NewLogger(t), sharedmap.ParentConfig{})
	})
	require.Panics(t, func() {
		sharedmap.NewChild(context.Background(), smtest.NewLogger(t), sharedmap.ChildConfig{})
	})
}

func TestUpdateEventName(t *testing.T) {
	t.Parallel()

	require.Equal(t, "parent-store-update:featureX", sharedmap.UpdateEventName("featureX"))
}

func TestParent_listenerReadsDuringConcurrentSet(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t)
	p := f.NewReadyParent(t, ctx)

	entered := make(chan struct{})
	release := make(chan struct{})
	reads := make(chan bool, 1)
	p.OnUpdate("a", func(sharedmap.Update) {
		close(entered)
		<-release

		// Another Set is waiting for its turn to notify.
		reads <- p.Has("a") && p.Contains("b")
	})

	var seenMu sync.Mutex
	var seen []string
	p.OnAnyUpdate(func(u sharedmap.Update) {
		seenMu.Lock()
		defer seenMu.Unlock()
		seen = append(seen, u.Key)
	})

	errs := make(chan error, 2)
	go func() { errs <- p.Set("a", true) }()
	_ = smtest.ReceiveSoon(t, entered)

	go func() { errs <- p.Set("b", 2) }()

	// The second write is applied while the first listener is still running.
	require.Eventually(t, func() bool {
		return p.Contains("b")
	}, smtest.ScaleDuration, 5*time.Millisecond)

	close(release)
	require.True(t, smtest.ReceiveSoon(t, reads))

	require.NoError(t, smtest.ReceiveSoon(t, errs))
	require.NoError(t, smtest.ReceiveSoon(t, errs))

	seenMu.Lock()
	defer seenMu.Unlock()
	require.Equal(t, []string{"a", "b"}, seen)
}

func TestParent_listenersSeeEachWriterInOrder(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t)
	p := f.NewReadyParent(t, ctx)

	const writers = 4
	const perWriter = 25

	var mu sync.Mutex
	got := make([][]int, writers)
	p.OnUpdate("n", func(u sharedmap.Update) {
		// Reading from a listener while other writers are active.
		_ = p.Len()
		_, _ = p.Get("n")

		var n int
		if err := json.Unmarshal(u.Value, &n); err != nil {
			panic(err)
		}

		mu.Lock()
		defer mu.Unlock()
		w := n / 1000
		got[w] = append(got[w], n%1000)
	})

	errs := make(chan error, writers*perWriter)
	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWriter {
				errs <- p.Set("n", w*1000+i)
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	for w := range writers {
		require.Len(t, got[w], perWriter)
		for i, n := range got[w] {
			require.Equal(t, i, n)
		}
	}

	// The final value is the one from the last write applied.
	var last int
	ok, err := p.GetInto("n", &last)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, perWriter-1, last%1000)
}

func TestParent_closeDuringInit(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t)
	f.Store.block = make(chan struct{})
	p := f.NewParent(t, sharedmap.NotifyChangedKeys)

	errs := make(chan error, 1)
	go func() { errs <- p.Init(ctx) }()

	require.Eventually(t, func() bool {
		return p.State() == sharedmap.LoadingState
	}, smtest.ScaleDuration, 5*time.Millisecond)

	require.NoError(t, p.Close(ctx))

	close(f.Store.block)
	require.ErrorIs(t, smtest.ReceiveSoon(t, errs), sharedmap.ErrClosed)

	require.Equal(t, sharedmap.FailedState, p.State())
	require.ErrorIs(t, p.Ready(ctx), sharedmap.ErrClosed)
	require.ErrorIs(t, p.Init(ctx), sharedmap.ErrClosed)

	// Nothing was published after the store closed.
	_, ok := f.Hub.Get("experiments")
	require.False(t, ok)
}
