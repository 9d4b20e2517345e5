package presence

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klipach/community/contract"
	"github.com/klipach/community/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder logs the order of presence writes and can fail the hook registration.
type recorder struct {
	store.Store
	calls   []string
	hookErr error
}

func (r *recorder) OnDisconnect(ctx context.Context, path string, value any) error {
	r.calls = append(r.calls, "onDisconnect "+path)
	if r.hookErr != nil {
		return r.hookErr
	}
	return r.Store.OnDisconnect(ctx, path, value)
}

func (r *recorder) Set(ctx context.Context, path string, value any) error {
	r.calls = append(r.calls, "set "+path)
	return r.Store.Set(ctx, path, value)
}

func state(m *store.Memory, uid string) any {
	v, _ := m.Value(contract.StatusPath(uid)).(map[string]any)
	return v["state"]
}

func TestBindRegistersHookBeforeOnline(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	conn := m.Connect()
	rec := &recorder{Store: conn}

	tr := NewTracker(rec)
	require.NoError(t, tr.Bind(ctx, "u1"))

	assert.Equal(t, []string{"onDisconnect status/u1", "set status/u1"}, rec.calls)
	assert.Equal(t, "online", state(m, "u1"))
	pending, ok := conn.PendingDisconnect("status/u1")
	require.True(t, ok)
	assert.Equal(t, "offline", pending.(map[string]any)["state"])
}

func TestBindFailSafe(t *testing.T) {
	m := store.NewMemory()
	rec := &recorder{Store: m.Connect(), hookErr: errors.New("permission denied")}

	tr := NewTracker(rec)
	require.NoError(t, tr.Bind(context.Background(), "u1"))

	assert.Equal(t, []string{"onDisconnect status/u1"}, rec.calls)
	assert.Nil(t, m.Value("status/u1"))
}

func TestDisconnectAndReconnect(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	conn := m.Connect()
	observer := m.Connect()

	var seen []any
	_, err := observer.Subscribe(ctx, "status/u1/state", func(s store.Snapshot) { seen = append(seen, s.Value()) })
	require.NoError(t, err)

	tr := NewTracker(conn)
	require.NoError(t, tr.Bind(ctx, "u1"))
	conn.Disconnect()
	assert.Equal(t, "offline", state(m, "u1"))

	conn.Reconnect()
	assert.Equal(t, "online", state(m, "u1"))
	_, ok := conn.PendingDisconnect("status/u1")
	assert.True(t, ok, "hook is registered again on reconnect")

	assert.Equal(t, []any{nil, "online", "offline", "online"}, seen)
}

func TestBindTwice(t *testing.T) {
	tr := NewTracker(store.NewMemory().Connect())
	require.NoError(t, tr.Bind(context.Background(), "u1"))
	assert.ErrorIs(t, tr.Bind(context.Background(), "u1"), ErrAlreadyBound)
	assert.ErrorIs(t, NewTracker(nil).Bind(context.Background(), "a/b"), store.ErrInvalidPath)
}

func TestGoOffline(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	tr := NewTracker(m.Connect())
	require.NoError(t, tr.GoOffline(ctx))
	assert.Nil(t, m.Value("status"))

	require.NoError(t, tr.Bind(ctx, "u1"))
	require.NoError(t, tr.GoOffline(ctx))
	assert.Equal(t, "offline", state(m, "u1"))
	tr.Close()
}

func TestWatch(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	require.NoError(t, m.Seed("status/u2", map[string]any{"state": "offline"}))

	tr := NewTracker(m.Connect())
	var events []Event
	require.NoError(t, tr.Watch(ctx, func(e Event) { events = append(events, e) }))
	require.Len(t, events, 1)
	assert.Equal(t, contract.Offline, events[0].State)

	// binding publishes u1 online; u2 is unchanged
	require.NoError(t, tr.Bind(ctx, "u1"))
	require.Len(t, events, 2)
	assert.Equal(t, "u1", events[1].UID)
	assert.Equal(t, contract.Online, events[1].State)

	require.NoError(t, m.Seed("status/u2", map[string]any{"state": "online"}))
	require.NoError(t, m.Seed("status/u1", nil))
	require.Len(t, events, 4)
	assert.Equal(t, Event{UID: "u2", State: contract.Online}, events[2])
	assert.Equal(t, Event{UID: "u1", State: contract.Offline}, events[3])

	tr.Close()
	require.NoError(t, m.Seed("status/u3", map[string]any{"state": "online"}))
	assert.Len(t, events, 4)
}

// counter counts status writes; the heartbeat writes from its own goroutine.
type counter struct {
	store.Store
	sets atomic.Int32
}

func (c *counter) Set(ctx context.Context, path string, value any) error {
	c.sets.Add(1)
	return c.Store.Set(ctx, path, value)
}

func TestHeartbeat(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	c := &counter{Store: m.Connect()}

	tr := NewTracker(c, WithHeartbeat(10*time.Millisecond))
	t.Cleanup(tr.Close)
	require.NoError(t, tr.Bind(ctx, "u1"))
	assert.Eventually(t, func() bool { return c.sets.Load() >= 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "online", state(m, "u1"))

	require.NoError(t, tr.GoOffline(ctx))
	n := c.sets.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, c.sets.Load(), "no refresh after going offline")
	assert.Equal(t, "offline", state(m, "u1"))
}

func TestWatchExpiresStaleOnline(t *testing.T) {
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)
	var clock atomic.Int64
	clock.Store(base.UnixMilli())

	m := store.NewMemory()
	require.NoError(t, m.Seed("status/u2", map[string]any{"state": "online", "last_changed": base.UnixMilli()}))

	tr := NewTracker(m.Connect(), WithStaleAfter(40*time.Millisecond))
	tr.now = func() time.Time { return time.UnixMilli(clock.Load()) }
	t.Cleanup(tr.Close)

	var (
		mu     sync.Mutex
		events []Event
	)
	seen := func() []Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]Event(nil), events...)
	}
	require.NoError(t, tr.Watch(ctx, func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}))
	require.Len(t, seen(), 1)
	assert.Equal(t, contract.Online, seen()[0].State)

	// the client crashed: nobody rewrites the record
	clock.Add(time.Minute.Milliseconds())
	require.Eventually(t, func() bool { return len(seen()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "u2", seen()[1].UID)
	assert.Equal(t, contract.Offline, seen()[1].State)

	// a fresh write brings it back
	require.NoError(t, m.Seed("status/u2", map[string]any{"state": "online", "last_changed": clock.Load()}))
	require.Eventually(t, func() bool { return len(seen()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, contract.Online, seen()[2].State)
}
