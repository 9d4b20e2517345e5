package group

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/klipach/community/chat"
	"github.com/klipach/community/contract"
	"github.com/klipach/community/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockEvictor struct {
	mock.Mock
}

func (m *mockEvictor) Evict(ctx context.Context, conv chat.Conversation) error {
	return m.Called(ctx, conv).Error(0)
}

// writeCounter counts every write a component issues.
type writeCounter struct {
	store.Store
	mu     sync.Mutex
	writes []string
}

func (w *writeCounter) record(path string) {
	w.mu.Lock()
	w.writes = append(w.writes, path)
	w.mu.Unlock()
}

func (w *writeCounter) Set(ctx context.Context, path string, value any) error {
	w.record(path)
	return w.Store.Set(ctx, path, value)
}

func (w *writeCounter) Update(ctx context.Context, values map[string]any) error {
	w.record("update")
	return w.Store.Update(ctx, values)
}

func (w *writeCounter) Push(ctx context.Context, path string, value any) (string, error) {
	w.record("push " + path)
	return w.Store.Push(ctx, path, value)
}

func seedGroup(t *testing.T, m *store.Memory, gid, creator string, members ...string) {
	t.Helper()
	set := map[string]any{}
	for _, uid := range members {
		set[uid] = true
		require.NoError(t, m.Seed(contract.UserGroupPath(uid, gid), true))
	}
	require.NoError(t, m.Seed(contract.GroupPath(gid), map[string]any{
		"name":      "group " + gid,
		"createdBy": creator,
		"members":   set,
	}))
}

func newRegistry(t *testing.T, s store.Store, self string, refs map[string]bool, opts ...Option) *Registry {
	t.Helper()
	r := NewRegistry(s, nil, opts...)
	r.SetSelf(self)
	_, err := r.Reconcile(context.Background(), refs)
	require.NoError(t, err)
	return r
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	wc := &writeCounter{Store: m.Connect()}
	r := newRegistry(t, wc, "a", nil)

	_, err := r.Create(ctx, "   ", []string{"b"})
	assert.ErrorIs(t, err, ErrEmptyName)

	gid, err := r.Create(ctx, " friends ", []string{"b", "c", "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"push groups", "update"}, wc.writes)

	g, ok := contract.DecodeGroup(gid, m.Value(contract.GroupPath(gid)))
	require.True(t, ok)
	assert.Equal(t, "friends", g.Name)
	assert.Equal(t, "a", g.CreatedBy)
	assert.Equal(t, map[string]bool{"a": true, "b": true, "c": true}, g.Members)
	for _, uid := range []string{"a", "b", "c"} {
		assert.Equal(t, true, m.Value(contract.UserGroupPath(uid, gid)), uid)
	}
}

func TestCreateFailureIsWriteError(t *testing.T) {
	conn := store.NewMemory().Connect()
	r := newRegistry(t, conn, "a", nil)
	conn.Disconnect()
	_, err := r.Create(context.Background(), "g", nil)
	var werr *store.WriteError
	assert.ErrorAs(t, err, &werr)
}

func TestReconcilePrunesDanglingReferences(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seedGroup(t, m, "g1", "a", "a", "b")
	require.NoError(t, m.Seed(contract.UserGroupPath("a", "gone"), true))

	changes := 0
	r := NewRegistry(m.Connect(), nil, WithOnChange(func() { changes++ }))
	r.SetSelf("a")
	missing, err := r.Reconcile(ctx, map[string]bool{"g1": true, "gone": true, "bad/key": true, "off": false})
	require.NoError(t, err)

	assert.Equal(t, []string{"gone"}, missing)
	assert.Nil(t, m.Value(contract.UserGroupPath("a", "gone")))
	assert.Equal(t, true, m.Value(contract.UserGroupPath("a", "g1")))
	assert.True(t, r.Has("g1"))
	assert.False(t, r.Has("gone"))
	assert.Equal(t, 1, changes)
}

func TestReconcileReplacesSet(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seedGroup(t, m, "g1", "a", "a")
	seedGroup(t, m, "g2", "a", "a")
	r := newRegistry(t, m.Connect(), "a", map[string]bool{"g1": true, "g2": true})
	require.Len(t, r.Groups(), 2)

	_, err := r.Reconcile(ctx, map[string]bool{"g2": true})
	require.NoError(t, err)
	groups := r.Groups()
	require.Len(t, groups, 1)
	assert.Equal(t, "g2", groups[0].ID)
}

// gatedStore blocks reads of one path until released.
type gatedStore struct {
	store.Store
	path    string
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) Get(ctx context.Context, path string) (store.Snapshot, error) {
	if path == g.path {
		close(g.entered)
		<-g.release
	}
	return g.Store.Get(ctx, path)
}

func TestStaleReconcileIsDiscarded(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seedGroup(t, m, "old", "a", "a")
	seedGroup(t, m, "new", "a", "a")
	gs := &gatedStore{Store: m.Connect(), path: contract.GroupPath("old"), entered: make(chan struct{}), release: make(chan struct{})}
	r := NewRegistry(gs, nil)
	r.SetSelf("a")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.Reconcile(ctx, map[string]bool{"old": true})
	}()
	<-gs.entered

	_, err := r.Reconcile(ctx, map[string]bool{"new": true})
	require.NoError(t, err)
	close(gs.release)
	<-done

	assert.True(t, r.Has("new"))
	assert.False(t, r.Has("old"))
}

func TestReconcileFetchError(t *testing.T) {
	conn := store.NewMemory().Connect()
	r := NewRegistry(conn, nil)
	_, err := r.Reconcile(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoSelf)

	r.SetSelf("a")
	conn.Disconnect()
	_, err = r.Reconcile(context.Background(), map[string]bool{"g1": true})
	assert.ErrorIs(t, err, store.ErrDisconnected)
}

func TestDeleteByNonCreatorIssuesNoWrites(t *testing.T) {
	m := store.NewMemory()
	seedGroup(t, m, "g1", "a", "a", "b")
	wc := &writeCounter{Store: m.Connect()}
	r := newRegistry(t, wc, "b", map[string]bool{"g1": true})

	assert.ErrorIs(t, r.Delete(context.Background(), "g1", contract.Confirmed), ErrNotCreator)
	assert.Empty(t, wc.writes)
	assert.NotNil(t, m.Value(contract.GroupPath("g1")))
}

func TestDeleteByCreator(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	members := []string{"a", "b", "c"}
	seedGroup(t, m, "g1", "a", members...)
	require.NoError(t, m.Seed("groupChats/g1/k1", map[string]any{"userId": "b", "text": "hi"}))

	ev := &mockEvictor{}
	ev.On("Evict", mock.Anything, chat.Conversation{Kind: chat.Group, ID: "g1"}).Return(nil).Once()
	r := NewRegistry(m.Connect(), ev)
	r.SetSelf("a")
	_, err := r.Reconcile(ctx, map[string]bool{"g1": true})
	require.NoError(t, err)

	assert.ErrorIs(t, r.Delete(ctx, "g1", nil), contract.ErrNotConfirmed)
	assert.NotNil(t, m.Value(contract.GroupPath("g1")))

	require.NoError(t, r.Delete(ctx, "g1", contract.Confirmed))
	assert.Nil(t, m.Value(contract.GroupPath("g1")))
	assert.Nil(t, m.Value(contract.GroupChatPath("g1")))
	for _, uid := range members {
		assert.Nil(t, m.Value(contract.UserGroupPath(uid, "g1")), uid)
	}
	ev.AssertExpectations(t)
}

// failingSet rejects writes to one path.
type failingSet struct {
	store.Store
	path string
}

func (f *failingSet) Set(ctx context.Context, path string, value any) error {
	if path == f.path {
		return &store.WriteError{Op: "set", Path: path, Err: errors.New("permission denied")}
	}
	return f.Store.Set(ctx, path, value)
}

func TestDeleteKeepsGroupWhenBackReferenceFails(t *testing.T) {
	m := store.NewMemory()
	seedGroup(t, m, "g1", "a", "a", "b")
	fs := &failingSet{Store: m.Connect(), path: contract.UserGroupPath("b", "g1")}
	r := newRegistry(t, fs, "a", map[string]bool{"g1": true})

	var werr *store.WriteError
	require.ErrorAs(t, r.Delete(context.Background(), "g1", contract.Confirmed), &werr)
	assert.NotNil(t, m.Value(contract.GroupPath("g1")))
	assert.Equal(t, true, m.Value(contract.UserGroupPath("b", "g1")))
}

func TestLeave(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seedGroup(t, m, "g1", "a", "a", "b")

	ev := &mockEvictor{}
	ev.On("Evict", mock.Anything, chat.Conversation{Kind: chat.Group, ID: "g1"}).Return(nil).Once()
	member := NewRegistry(m.Connect(), ev)
	member.SetSelf("b")
	_, err := member.Reconcile(ctx, map[string]bool{"g1": true})
	require.NoError(t, err)

	require.NoError(t, member.Leave(ctx, "g1", contract.Confirmed))
	assert.Nil(t, m.Value(contract.UserGroupPath("b", "g1")))
	assert.Nil(t, m.Value(contract.GroupMemberPath("g1", "b")))
	assert.Equal(t, true, m.Value(contract.GroupMemberPath("g1", "a")))
	ev.AssertExpectations(t)

	assert.ErrorIs(t, member.Leave(ctx, "unknown", contract.Confirmed), ErrNotMember)
}

func TestCreatorLeaves(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seedGroup(t, m, "g1", "a", "a", "b")

	ev := &mockEvictor{}
	ev.On("Evict", mock.Anything, chat.Conversation{Kind: chat.Group, ID: "g1"}).Return(nil).Once()
	creator := NewRegistry(m.Connect(), ev)
	creator.SetSelf("a")
	_, err := creator.Reconcile(ctx, map[string]bool{"g1": true})
	require.NoError(t, err)

	assert.ErrorIs(t, creator.Leave(ctx, "g1", nil), contract.ErrNotConfirmed)
	require.NoError(t, creator.Leave(ctx, "g1", contract.Confirmed))
	ev.AssertExpectations(t)

	assert.Nil(t, m.Value(contract.UserGroupPath("a", "g1")))
	assert.Nil(t, m.Value(contract.GroupMemberPath("g1", "a")))
	g, ok := contract.DecodeGroup("g1", m.Value(contract.GroupPath("g1")))
	require.True(t, ok, "the group outlives its creator's membership")
	assert.Equal(t, "a", g.CreatedBy)
	assert.Equal(t, map[string]bool{"b": true}, g.Members)
	assert.Equal(t, true, m.Value(contract.UserGroupPath("b", "g1")))
}

func TestAddMembers(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seedGroup(t, m, "g1", "a", "a", "b")

	notCreator := newRegistry(t, m.Connect(), "b", map[string]bool{"g1": true})
	assert.ErrorIs(t, notCreator.AddMembers(ctx, "g1", []string{"c"}), ErrNotCreator)

	wc := &writeCounter{Store: m.Connect()}
	r := newRegistry(t, wc, "a", map[string]bool{"g1": true})
	require.NoError(t, r.AddMembers(ctx, "g1", []string{"b", "c", "d", "c"}))

	assert.ElementsMatch(t, []string{"users/c/groups/g1", "users/d/groups/g1", "update"}, wc.writes)
	assert.Equal(t, "update", wc.writes[2], "member map changes last")
	g, _ := contract.DecodeGroup("g1", m.Value(contract.GroupPath("g1")))
	assert.Equal(t, map[string]bool{"a": true, "b": true, "c": true, "d": true}, g.Members)

	wc.writes = nil
	require.NoError(t, r.AddMembers(ctx, "g1", []string{"b"}))
	assert.Empty(t, wc.writes)
}

func TestRemoveMember(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	seedGroup(t, m, "g1", "a", "a", "b")

	notCreator := newRegistry(t, m.Connect(), "b", map[string]bool{"g1": true})
	assert.ErrorIs(t, notCreator.RemoveMember(ctx, "g1", "a", contract.Confirmed), ErrNotCreator)

	r := newRegistry(t, m.Connect(), "a", map[string]bool{"g1": true})
	assert.ErrorIs(t, r.RemoveMember(ctx, "g1", "a", contract.Confirmed), ErrRemoveSelf)
	assert.ErrorIs(t, r.RemoveMember(ctx, "g1", "z", contract.Confirmed), ErrNotMember)
	assert.ErrorIs(t, r.RemoveMember(ctx, "g1", "b", nil), contract.ErrNotConfirmed)

	require.NoError(t, r.RemoveMember(ctx, "g1", "b", contract.Confirmed))
	assert.Nil(t, m.Value(contract.UserGroupPath("b", "g1")))
	assert.Nil(t, m.Value(contract.GroupMemberPath("g1", "b")))
}

func TestGroupsSortedByName(t *testing.T) {
	m := store.NewMemory()
	require.NoError(t, m.Seed("groups/g1", map[string]any{"name": "zeta", "createdBy": "a"}))
	require.NoError(t, m.Seed("groups/g2", map[string]any{"name": "alpha", "createdBy": "a"}))
	r := newRegistry(t, m.Connect(), "a", map[string]bool{"g1": true, "g2": true})

	groups := r.Groups()
	require.Len(t, groups, 2)
	assert.Equal(t, "alpha", groups[0].Name)
	assert.Equal(t, "zeta", groups[1].Name)
}
