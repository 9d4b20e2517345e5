package chat

import (
	"context"
	"fmt"
	"testing"

	"github.com/klipach/community/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type set map[string]bool

func (s set) Has(id string) bool { return s[id] }

// tracingStore records the order of append subscriptions and their teardown.
type tracingStore struct {
	store.Store
	events []string
	live   int
}

func (t *tracingStore) SubscribeAppend(ctx context.Context, path string, limit int, fn func(store.Snapshot)) (store.Subscription, error) {
	sub, err := t.Store.SubscribeAppend(ctx, path, limit, fn)
	if err != nil {
		return nil, err
	}
	t.events = append(t.events, "subscribe "+path)
	t.live++
	return store.SubscriptionFunc(func() {
		t.events = append(t.events, "unsubscribe "+path)
		t.live--
		sub.Unsubscribe()
	}), nil
}

func TestPrivateChatIDIsSymmetric(t *testing.T) {
	tests := []struct {
		a, b     string
		expected string
	}{
		{a: "alice", b: "bob", expected: "alice_bob"},
		{a: "bob", b: "alice", expected: "alice_bob"},
		{a: "U2", b: "u1", expected: "U2_u1"},
		{a: "x", b: "x", expected: "x_x"},
	}
	for _, tt := range tests {
		t.Run(tt.a+"/"+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.expected, PrivateChatID(tt.a, tt.b))
			assert.Equal(t, PrivateChatID(tt.a, tt.b), PrivateChatID(tt.b, tt.a))
		})
	}
}

func TestStreamPath(t *testing.T) {
	assert.Equal(t, "chats/general", StreamPath("u2", GeneralConversation))
	assert.Equal(t, "privateChats/u1_u2", StreamPath("u2", Conversation{Kind: Private, ID: "u1"}))
	assert.Equal(t, "groupChats/g1", StreamPath("u2", Conversation{Kind: Group, ID: "g1"}))
	assert.Equal(t, "", StreamPath("u2", Conversation{}))
}

func TestSwitchLeavesOneLiveSubscription(t *testing.T) {
	ctx := context.Background()
	ts := &tracingStore{Store: store.NewMemory().Connect()}
	r := NewRouter(ts, "u1", set{"u2": true}, set{"g1": true})

	require.NoError(t, r.SwitchTo(ctx, General, ""))
	require.NoError(t, r.SwitchTo(ctx, Private, "u2"))
	require.NoError(t, r.SwitchTo(ctx, Group, "g1"))
	require.NoError(t, r.SwitchTo(ctx, General, "general"))

	assert.Equal(t, 1, ts.live)
	assert.Equal(t, []string{
		"subscribe chats/general",
		"unsubscribe chats/general",
		"subscribe privateChats/u1_u2",
		"unsubscribe privateChats/u1_u2",
		"subscribe groupChats/g1",
		"unsubscribe groupChats/g1",
		"subscribe chats/general",
	}, ts.events)

	r.Close()
	assert.Equal(t, 0, ts.live)
}

func TestSwitchToUnaddressable(t *testing.T) {
	ctx := context.Background()
	ts := &tracingStore{Store: store.NewMemory().Connect()}
	r := NewRouter(ts, "u1", set{"u2": true}, set{"g1": true})
	require.NoError(t, r.SwitchTo(ctx, General, ""))

	tests := []struct {
		name string
		kind Kind
		id   string
	}{
		{name: "unknown user", kind: Private, id: "u9"},
		{name: "self", kind: Private, id: "u1"},
		{name: "unknown group", kind: Group, id: "g9"},
		{name: "bad key", kind: Group, id: "g/1"},
		{name: "unknown kind", kind: "channel", id: "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, r.SwitchTo(ctx, tt.kind, tt.id), ErrNotAddressable)
			_, valid := r.Active()
			assert.False(t, valid)
			assert.Empty(t, r.Messages())
			assert.Equal(t, 0, ts.live)
			assert.ErrorIs(t, r.Send(ctx, "hi"), ErrNoConversation)
		})
	}
}

func TestMessagesArriveInOrderAndStayBounded(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	conn := m.Connect()
	for i := 0; i < 5; i++ {
		_, err := conn.Push(ctx, "chats/general", map[string]any{"userId": "u2", "text": fmt.Sprint(i)})
		require.NoError(t, err)
	}
	// entries without a sender are ignored
	_, err := conn.Push(ctx, "chats/general", map[string]any{"text": "ghost"})
	require.NoError(t, err)

	changes := 0
	r := NewRouter(conn, "u1", set{}, set{}, WithWindow(3), WithOnChange(func() { changes++ }))
	require.NoError(t, r.SwitchTo(ctx, General, ""))
	assert.Equal(t, []string{"3", "4"}, texts(r))

	require.NoError(t, r.Send(ctx, "  hello  "))
	require.NoError(t, r.Send(ctx, "again"))
	assert.Equal(t, []string{"hello", "again"}, texts(r)[1:])
	assert.Len(t, r.Messages(), 3)
	assert.Equal(t, "u1", r.Messages()[2].UserID)
	assert.Positive(t, changes)
}

func TestSendBlankIsNoop(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	r := NewRouter(m.Connect(), "u1", set{}, set{})
	assert.NoError(t, r.Send(ctx, "   "))
	require.NoError(t, r.SwitchTo(ctx, General, ""))
	assert.NoError(t, r.Send(ctx, "\n\t"))
	assert.Nil(t, m.Value("chats/general"))
}

func TestSendIsNotOptimistic(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	conn := m.Connect()
	r := NewRouter(conn, "u1", set{}, set{})
	require.NoError(t, r.SwitchTo(ctx, General, ""))

	conn.Disconnect()
	var werr *store.WriteError
	require.ErrorAs(t, r.Send(ctx, "lost"), &werr)
	assert.Empty(t, r.Messages())
}

func TestSwitchDropsOldConversationMessages(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	conn := m.Connect()
	other := m.Connect()
	r := NewRouter(conn, "u1", set{"u2": true}, set{})

	require.NoError(t, r.SwitchTo(ctx, Private, "u2"))
	require.NoError(t, r.SwitchTo(ctx, General, ""))
	_, err := other.Push(ctx, "privateChats/u1_u2", map[string]any{"userId": "u2", "text": "late"})
	require.NoError(t, err)

	assert.Empty(t, r.Messages())
	conv, valid := r.Active()
	assert.Equal(t, GeneralConversation, conv)
	assert.True(t, valid)
}

func TestEvict(t *testing.T) {
	ctx := context.Background()
	r := NewRouter(store.NewMemory().Connect(), "u1", set{"u2": true}, set{"g1": true})
	require.NoError(t, r.SwitchTo(ctx, Group, "g1"))

	require.NoError(t, r.Evict(ctx, Conversation{Kind: Private, ID: "u2"}))
	conv, _ := r.Active()
	assert.Equal(t, Conversation{Kind: Group, ID: "g1"}, conv)

	require.NoError(t, r.Evict(ctx, Conversation{Kind: Group, ID: "g1"}))
	conv, valid := r.Active()
	assert.Equal(t, GeneralConversation, conv)
	assert.True(t, valid)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	ts := &tracingStore{Store: store.NewMemory().Connect()}
	r := NewRouter(ts, "u1", set{}, set{})
	require.NoError(t, r.SwitchTo(ctx, General, ""))
	r.Clear()

	conv, valid := r.Active()
	assert.Equal(t, Conversation{}, conv)
	assert.False(t, valid)
	assert.Equal(t, 0, ts.live)
	assert.NoError(t, r.Evict(ctx, Conversation{}))
	conv, _ = r.Active()
	assert.Equal(t, Conversation{}, conv)
}

func TestParseKind(t *testing.T) {
	k, ok := ParseKind("group")
	assert.True(t, ok)
	assert.Equal(t, Group, k)
	_, ok = ParseKind("groups")
	assert.False(t, ok)
}

func texts(r *Router) []string {
	var out []string
	for _, m := range r.Messages() {
		out = append(out, m.Text)
	}
	return out
}
