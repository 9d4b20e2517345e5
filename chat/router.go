// Package chat owns the active conversation and its message subscription.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/klipach/community/contract"
	"github.com/klipach/community/log"
	"github.com/klipach/community/store"
)

// DefaultWindow is how many of the newest messages a conversation shows.
const DefaultWindow = 100

var (
	ErrNotAddressable = errors.New("chat: conversation is not addressable")
	ErrNoConversation = errors.New("chat: no active conversation")
)

type Kind string

const (
	General Kind = "general"
	Private Kind = "private"
	Group   Kind = "group"
)

func ParseKind(s string) (Kind, bool) {
	switch k := Kind(s); k {
	case General, Private, Group:
		return k, true
	}
	return "", false
}

// Conversation identifies one message stream. The zero value means no selection.
type Conversation struct {
	Kind Kind   `json:"type"`
	ID   string `json:"id"`
}

var GeneralConversation = Conversation{Kind: General, ID: string(General)}

func (c Conversation) String() string {
	if c.Kind == "" {
		return "none"
	}
	return string(c.Kind) + ":" + c.ID
}

// PrivateChatID is the key shared by both participants of a private
// conversation: the lexically smaller uid comes first.
func PrivateChatID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "_" + b
}

const (
	generalRoot = "chats"
	privateRoot = "privateChats"
)

// StreamRoots are the parents of every message stream.
func StreamRoots() []string {
	return []string{generalRoot, privateRoot, contract.GroupChatsPath()}
}

// StreamPath is where the messages of conv are appended, as seen by self.
func StreamPath(self string, conv Conversation) string {
	switch conv.Kind {
	case General:
		return store.Join(generalRoot, string(General))
	case Private:
		return store.Join(privateRoot, PrivateChatID(self, conv.ID))
	case Group:
		return contract.GroupChatPath(conv.ID)
	}
	return ""
}

// Evictor leaves conv if it is the active conversation.
type Evictor interface {
	Evict(ctx context.Context, conv Conversation) error
}

type Directory interface {
	Has(uid string) bool
}

type Groups interface {
	Has(gid string) bool
}

type Option func(*Router)

// WithWindow bounds how many messages are requested and kept.
func WithWindow(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.window = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithOnChange registers fn to run after every change of the router state.
func WithOnChange(fn func()) Option {
	return func(r *Router) {
		r.onChange = fn
	}
}

// Router is the active conversation state machine. At most one message
// subscription is live at any time.
type Router struct {
	store    store.Store
	self     string
	dir      Directory
	groups   Groups
	window   int
	logger   *slog.Logger
	onChange func()

	mu       sync.Mutex
	gen      uint64
	active   Conversation
	valid    bool
	path     string
	sub      store.Subscription
	messages []contract.Message
}

func NewRouter(s store.Store, self string, dir Directory, groups Groups, opts ...Option) *Router {
	r := &Router{
		store:  s,
		self:   self,
		dir:    dir,
		groups: groups,
		window: DefaultWindow,
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SwitchTo makes kind/id the active conversation. The previous subscription is
// gone before the new one is made. A target that is not addressable leaves the
// router in the no-selection state and returns ErrNotAddressable.
func (r *Router) SwitchTo(ctx context.Context, kind Kind, id string) error {
	conv := Conversation{Kind: kind, ID: id}
	if kind == General {
		conv = GeneralConversation
	}

	r.mu.Lock()
	r.gen++
	gen := r.gen
	prev := r.sub
	r.sub = nil
	r.messages = nil
	r.active = conv
	r.valid = false
	r.path = ""
	r.mu.Unlock()

	if prev != nil {
		prev.Unsubscribe()
	}

	if !r.addressable(conv) {
		r.changed()
		return ErrNotAddressable
	}

	path := StreamPath(r.self, conv)
	r.mu.Lock()
	if r.gen != gen {
		r.mu.Unlock()
		return nil
	}
	r.valid = true
	r.path = path
	r.mu.Unlock()

	logger := r.logger.With(slog.String(log.ConversationLogField, conv.String()))
	sub, err := r.store.SubscribeAppend(context.WithoutCancel(ctx), path, r.window, func(s store.Snapshot) {
		r.receive(gen, s)
	})
	if err != nil {
		logger.Warn("error while subscribing to conversation", slog.String(log.ErrorMsgLogField, err.Error()))
		r.mu.Lock()
		if r.gen == gen {
			r.valid = false
			r.path = ""
		}
		r.mu.Unlock()
		r.changed()
		return err
	}

	r.mu.Lock()
	if r.gen != gen {
		// switched again while subscribing
		r.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	r.sub = sub
	r.mu.Unlock()
	r.changed()
	return nil
}

func (r *Router) addressable(conv Conversation) bool {
	switch conv.Kind {
	case General:
		return true
	case Private:
		return store.ValidKey(conv.ID) && conv.ID != r.self && r.dir != nil && r.dir.Has(conv.ID)
	case Group:
		return store.ValidKey(conv.ID) && r.groups != nil && r.groups.Has(conv.ID)
	}
	return false
}

func (r *Router) receive(gen uint64, s store.Snapshot) {
	msg, ok := contract.DecodeMessage(s.Key, s.Value())
	if !ok {
		return
	}
	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return
	}
	r.messages = append(r.messages, msg)
	if over := len(r.messages) - r.window; over > 0 {
		r.messages = append([]contract.Message(nil), r.messages[over:]...)
	}
	r.mu.Unlock()
	r.changed()
}

// Send appends text to the active conversation. Blank text is ignored. The
// message is not shown until the subscription delivers it back.
func (r *Router) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	r.mu.Lock()
	valid, path := r.valid, r.path
	r.mu.Unlock()
	if !valid {
		return ErrNoConversation
	}
	_, err := r.store.Push(ctx, path, contract.NewMessageRecord(r.self, text))
	return err
}

// Clear drops the subscription and enters the no-selection state.
func (r *Router) Clear() {
	r.reset()
	r.changed()
}

// Evict switches to the general conversation when conv is active.
func (r *Router) Evict(ctx context.Context, conv Conversation) error {
	r.mu.Lock()
	active := r.active
	r.mu.Unlock()
	if active.Kind == "" || active != conv {
		return nil
	}
	return r.SwitchTo(ctx, General, string(General))
}

// Active returns the selected conversation and whether it is addressable.
func (r *Router) Active() (Conversation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active, r.valid
}

// Messages returns the buffered window in arrival order.
func (r *Router) Messages() []contract.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]contract.Message(nil), r.messages...)
}

func (r *Router) Close() {
	r.reset()
}

func (r *Router) reset() {
	r.mu.Lock()
	r.gen++
	prev := r.sub
	r.sub = nil
	r.messages = nil
	r.active = Conversation{}
	r.valid = false
	r.path = ""
	r.mu.Unlock()
	if prev != nil {
		prev.Unsubscribe()
	}
}

func (r *Router) changed() {
	if r.onChange != nil {
		r.onChange()
	}
}
