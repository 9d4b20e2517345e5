package store

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Memory is an in-process realtime store. Each client talks to it through its
// own Conn, which carries the connection state and the disconnect hooks of
// that client, the way a hosted realtime database tracks one socket per client.
//
// Change notifications are delivered through a single FIFO queue drained by
// whichever goroutine enqueued first, so callbacks observe writes in the order
// the store applied them and never run while the store lock is held.
type Memory struct {
	mu    sync.Mutex
	root  map[string]any
	subs  []*subscription
	conns map[*Conn]struct{}
	now   func() time.Time

	qmu      sync.Mutex
	queue    []func()
	draining bool
}

type MemoryOption func(*Memory)

// WithClock sets the clock used to resolve ServerTimestamp.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		root:  make(map[string]any),
		conns: make(map[*Conn]struct{}),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect opens a new client connection.
func (m *Memory) Connect() *Conn {
	c := &Conn{
		m:         m,
		connected: true,
		hooks:     make(map[string]any),
	}
	m.mu.Lock()
	m.conns[c] = struct{}{}
	m.mu.Unlock()
	return c
}

// Value returns a copy of what the store holds at path.
func (m *Memory) Value(path string) any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return deepCopy(lookup(m.root, Split(path)))
}

// Seed writes value at path on behalf of the server, bypassing any connection.
func (m *Memory) Seed(path string, value any) error {
	v, err := normalize(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.applyLocked(map[string]any{Clean(path): v})
	out := m.collectLocked([]string{path})
	m.mu.Unlock()
	m.dispatch(out)
	return nil
}

type subscription struct {
	conn   *Conn
	path   string
	limit  int
	fn     func(Snapshot)
	active bool
	sent   bool
	last   any
	seen   map[string]struct{}
	stop   func() bool
}

type listener struct {
	conn   *Conn
	fn     func(bool)
	active bool
}

// Conn is one client connection to a Memory store. It implements Store.
type Conn struct {
	m         *Memory
	connected bool
	closed    bool
	hooks     map[string]any
	hookOrder []string
	listeners []*listener
}

var _ Store = (*Conn)(nil)

func (c *Conn) Get(_ context.Context, path string) (Snapshot, error) {
	m := c.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if !c.connected {
		return Snapshot{}, ErrDisconnected
	}
	return NewSnapshot(path, deepCopy(lookup(m.root, Split(path)))), nil
}

func (c *Conn) Subscribe(ctx context.Context, path string, fn func(Snapshot)) (Subscription, error) {
	return c.subscribe(ctx, path, 0, fn)
}

func (c *Conn) SubscribeAppend(ctx context.Context, path string, limit int, fn func(Snapshot)) (Subscription, error) {
	if limit <= 0 {
		return nil, errors.New("store: append limit must be positive")
	}
	return c.subscribe(ctx, path, limit, fn)
}

func (c *Conn) subscribe(ctx context.Context, path string, limit int, fn func(Snapshot)) (Subscription, error) {
	if fn == nil {
		return nil, errors.New("store: nil callback")
	}
	m := c.m
	s := &subscription{
		conn:   c,
		path:   Clean(path),
		limit:  limit,
		fn:     fn,
		active: true,
		seen:   make(map[string]struct{}),
	}
	m.mu.Lock()
	if c.closed {
		m.mu.Unlock()
		return nil, ErrDisconnected
	}
	m.subs = append(m.subs, s)
	var out []func()
	if c.connected {
		out = m.evaluateLocked(s)
	}
	m.mu.Unlock()

	s.stop = context.AfterFunc(ctx, func() { m.unsubscribe(s) })
	m.dispatch(out)
	return SubscriptionFunc(func() {
		s.stop()
		m.unsubscribe(s)
	}), nil
}

func (c *Conn) Set(_ context.Context, path string, value any) error {
	path = Clean(path)
	if path == "" {
		return &WriteError{Op: "set", Path: path, Err: ErrInvalidPath}
	}
	v, err := normalize(value)
	if err != nil {
		return &WriteError{Op: "set", Path: path, Err: err}
	}
	return c.write("set", map[string]any{path: v})
}

func (c *Conn) Update(_ context.Context, values map[string]any) error {
	u := NewUpdate()
	for path, value := range values {
		v, err := normalize(value)
		if err != nil {
			return &WriteError{Op: "update", Path: path, Err: err}
		}
		u.Set(path, v)
	}
	if err := u.Validate(); err != nil {
		return &WriteError{Op: "update", Err: err}
	}
	return c.write("update", u.values)
}

func (c *Conn) Push(_ context.Context, path string, value any) (string, error) {
	key := ulid.Make().String()
	v, err := normalize(value)
	if err != nil {
		return "", &WriteError{Op: "push", Path: path, Err: err}
	}
	if err := c.write("push", map[string]any{Join(path, key): v}); err != nil {
		return "", err
	}
	return key, nil
}

func (c *Conn) write(op string, values map[string]any) error {
	m := c.m
	m.mu.Lock()
	if !c.connected {
		m.mu.Unlock()
		return &WriteError{Op: op, Path: firstPath(values), Err: ErrDisconnected}
	}
	paths := m.applyLocked(values)
	out := m.collectLocked(paths)
	m.mu.Unlock()
	m.dispatch(out)
	return nil
}

func (c *Conn) OnDisconnect(_ context.Context, path string, value any) error {
	path = Clean(path)
	v, err := normalize(value)
	if err != nil {
		return &WriteError{Op: "onDisconnect", Path: path, Err: err}
	}
	m := c.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if !c.connected {
		return &WriteError{Op: "onDisconnect", Path: path, Err: ErrDisconnected}
	}
	if _, ok := c.hooks[path]; !ok {
		c.hookOrder = append(c.hookOrder, path)
	}
	c.hooks[path] = v
	return nil
}

func (c *Conn) OnConnection(fn func(connected bool)) Subscription {
	m := c.m
	l := &listener{conn: c, fn: fn, active: true}
	m.mu.Lock()
	c.listeners = append(c.listeners, l)
	connected := c.connected
	m.mu.Unlock()
	m.dispatch([]func(){m.notifier(l, connected)})
	return SubscriptionFunc(func() {
		m.mu.Lock()
		l.active = false
		m.mu.Unlock()
	})
}

// PendingDisconnect returns the value registered for path, if any.
func (c *Conn) PendingDisconnect(path string) (any, bool) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	v, ok := c.hooks[Clean(path)]
	return deepCopy(v), ok
}

func (c *Conn) Connected() bool {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	return c.connected
}

// Disconnect drops the connection: registered disconnect writes are applied
// by the store and then forgotten.
func (c *Conn) Disconnect() {
	m := c.m
	m.mu.Lock()
	if !c.connected {
		m.mu.Unlock()
		return
	}
	c.connected = false
	var out []func()
	if len(c.hookOrder) > 0 {
		writes := make(map[string]any, len(c.hooks))
		for _, p := range c.hookOrder {
			writes[p] = c.hooks[p]
		}
		out = m.collectLocked(m.applyLocked(writes))
	}
	c.hooks = make(map[string]any)
	c.hookOrder = nil
	for _, l := range c.listeners {
		out = append(out, m.notifier(l, false))
	}
	m.mu.Unlock()
	m.dispatch(out)
}

// Reconnect restores the connection and resynchronises every live subscription.
func (c *Conn) Reconnect() {
	m := c.m
	m.mu.Lock()
	if c.connected || c.closed {
		m.mu.Unlock()
		return
	}
	c.connected = true
	var out []func()
	for _, l := range c.listeners {
		out = append(out, m.notifier(l, true))
	}
	for _, s := range m.subs {
		if s.conn == c && s.active {
			out = append(out, m.evaluateLocked(s)...)
		}
	}
	m.mu.Unlock()
	m.dispatch(out)
}

// Close disconnects and releases every subscription of the connection.
func (c *Conn) Close(_ context.Context) error {
	c.Disconnect()
	m := c.m
	m.mu.Lock()
	defer m.mu.Unlock()
	c.closed = true
	for _, l := range c.listeners {
		l.active = false
	}
	c.listeners = nil
	live := m.subs[:0]
	for _, s := range m.subs {
		if s.conn == c {
			s.active = false
			continue
		}
		live = append(live, s)
	}
	m.subs = live
	delete(m.conns, c)
	return nil
}

func (m *Memory) unsubscribe(s *subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !s.active {
		return
	}
	s.active = false
	for i, other := range m.subs {
		if other == s {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			break
		}
	}
}

func (m *Memory) applyLocked(values map[string]any) []string {
	now := float64(m.now().UnixMilli())
	paths := make([]string, 0, len(values))
	for path, v := range values {
		parts := Split(path)
		if len(parts) == 0 {
			continue
		}
		setPath(m.root, parts, resolve(v, now))
		paths = append(paths, Clean(path))
	}
	sort.Strings(paths)
	return paths
}

func (m *Memory) collectLocked(paths []string) []func() {
	var out []func()
	for _, s := range m.subs {
		if !s.active || !s.conn.connected {
			continue
		}
		for _, p := range paths {
			if Related(s.path, p) {
				out = append(out, m.evaluateLocked(s)...)
				break
			}
		}
	}
	return out
}

func (m *Memory) evaluateLocked(s *subscription) []func() {
	cur := lookup(m.root, Split(s.path))
	if s.limit == 0 {
		if s.sent && reflect.DeepEqual(cur, s.last) {
			return nil
		}
		s.sent = true
		s.last = deepCopy(cur)
		return []func(){m.deliverer(s, NewSnapshot(s.path, deepCopy(cur)))}
	}

	children, _ := cur.(map[string]any)
	keys := make([]string, 0, len(children))
	for k := range children {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > s.limit {
		keys = keys[len(keys)-s.limit:]
	}
	var out []func()
	for _, k := range keys {
		if _, ok := s.seen[k]; ok {
			continue
		}
		s.seen[k] = struct{}{}
		out = append(out, m.deliverer(s, NewSnapshot(Join(s.path, k), deepCopy(children[k]))))
	}
	return out
}

func (m *Memory) deliverer(s *subscription, snap Snapshot) func() {
	return func() {
		m.mu.Lock()
		ok := s.active && s.conn.connected
		m.mu.Unlock()
		if ok {
			s.fn(snap)
		}
	}
}

func (m *Memory) notifier(l *listener, connected bool) func() {
	return func() {
		m.mu.Lock()
		ok := l.active
		m.mu.Unlock()
		if ok {
			l.fn(connected)
		}
	}
}

func (m *Memory) dispatch(fns []func()) {
	if len(fns) == 0 {
		return
	}
	m.qmu.Lock()
	m.queue = append(m.queue, fns...)
	if m.draining {
		m.qmu.Unlock()
		return
	}
	m.draining = true
	for len(m.queue) > 0 {
		fn := m.queue[0]
		m.queue = m.queue[1:]
		m.qmu.Unlock()
		fn()
		m.qmu.Lock()
	}
	m.draining = false
	m.qmu.Unlock()
}

func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// resolve replaces server values and drops empty objects and nulls, which the
// store does not keep.
func resolve(v any, now float64) any {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 1 && t[".sv"] == "timestamp" {
			return now
		}
		out := make(map[string]any, len(t))
		for k, child := range t {
			if r := resolve(child, now); r != nil {
				out[k] = r
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case []any:
		out := make(map[string]any, len(t))
		for i, child := range t {
			if r := resolve(child, now); r != nil {
				out[strconv.Itoa(i)] = r
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	default:
		return v
	}
}

func setPath(node map[string]any, parts []string, v any) {
	key := parts[0]
	if len(parts) == 1 {
		if v == nil {
			delete(node, key)
		} else {
			node[key] = v
		}
		return
	}
	child, ok := node[key].(map[string]any)
	if !ok {
		if v == nil {
			return
		}
		child = make(map[string]any)
	}
	setPath(child, parts[1:], v)
	if len(child) == 0 {
		delete(node, key)
	} else {
		node[key] = child
	}
}

func lookup(root map[string]any, parts []string) any {
	var cur any = root
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[p]
	}
	if m, ok := cur.(map[string]any); ok && len(m) == 0 {
		return nil
	}
	return cur
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = deepCopy(child)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = deepCopy(child)
		}
		return out
	default:
		return v
	}
}

func firstPath(values map[string]any) string {
	paths := make([]string, 0, len(values))
	for p := range values {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		return ""
	}
	return paths[0]
}
