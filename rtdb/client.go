// Package rtdb implements store.Store on the Firebase Realtime Database REST
// API. Subscriptions are served by polling.
package rtdb

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/db"

	"github.com/klipach/community/log"
	"github.com/klipach/community/metrics"
	"github.com/klipach/community/store"
)

const (
	defaultPollInterval = time.Second
	// pingPath is read to tell whether the database is reachable. It holds
	// no data and must be a legal key: the REST client refuses ".#$[]".
	pingPath = "_ping"
)

type Option func(*Client)

func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.interval = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// Client is one client connection. Disconnect writes are kept by the client
// and committed in one update on Close, since the REST API has no
// server-side hook.
type Client struct {
	b        backend
	interval time.Duration
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	connected bool
	closed    bool
	hooks     map[string]any
	listeners map[int]func(bool)
	nextID    int
}

var _ store.Store = (*Client)(nil)

// NewDatabase opens the database at url with the credentials of app.
func NewDatabase(ctx context.Context, app *firebase.App, url string) (*db.Client, error) {
	return app.DatabaseWithURL(ctx, url)
}

// New starts a client connection on a shared database client.
func New(ctx context.Context, client *db.Client, opts ...Option) *Client {
	return newClient(ctx, firebaseBackend{client: client}, opts...)
}

func newClient(ctx context.Context, b backend, opts ...Option) *Client {
	c := &Client{
		b:         b,
		interval:  defaultPollInterval,
		logger:    log.Default(),
		hooks:     make(map[string]any),
		listeners: make(map[int]func(bool)),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.ping(ctx)
	c.wg.Add(1)
	go c.pingLoop()
	return c
}

func (c *Client) ping(ctx context.Context) {
	var v any
	c.observe(c.b.get(ctx, pingPath, &v))
}

func (c *Client) pingLoop() {
	defer c.wg.Done()
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
			c.ping(c.ctx)
		}
	}
}

// observe records the outcome of a database call as the connection state.
func (c *Client) observe(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	connected := err == nil
	c.mu.Lock()
	if c.closed || c.connected == connected {
		c.mu.Unlock()
		return
	}
	c.connected = connected
	fns := make([]func(bool), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	if !connected {
		c.logger.Warn("database unreachable", slog.String(log.ErrorMsgLogField, err.Error()))
	}
	for _, fn := range fns {
		fn(connected)
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) Get(ctx context.Context, path string) (store.Snapshot, error) {
	if c.isClosed() {
		return store.Snapshot{}, store.ErrDisconnected
	}
	var v any
	err := c.b.get(ctx, store.Clean(path), &v)
	c.observe(err)
	if err != nil {
		return store.Snapshot{}, err
	}
	return store.NewSnapshot(path, v), nil
}

// Subscribe reads path right away and delivers it, then polls it and
// delivers every change. The first read failing fails the subscription.
func (c *Client) Subscribe(ctx context.Context, path string, fn func(store.Snapshot)) (store.Subscription, error) {
	if c.isClosed() {
		return nil, store.ErrDisconnected
	}
	path = store.Clean(path)
	var (
		etag  string
		first any
	)
	changed, etag, err := c.b.getIfChanged(ctx, path, "", &first)
	c.observe(err)
	if err != nil {
		return nil, err
	}
	if changed {
		fn(store.NewSnapshot(path, first))
	}

	return c.poll(ctx, func(pctx context.Context) error {
		var v any
		changed, next, err := c.b.getIfChanged(pctx, path, etag, &v)
		if err != nil {
			return err
		}
		if changed {
			etag = next
			fn(store.NewSnapshot(path, v))
		}
		return nil
	})
}

// SubscribeAppend delivers, in key order, every child among the newest
// limit that was not delivered before.
func (c *Client) SubscribeAppend(ctx context.Context, path string, limit int, fn func(store.Snapshot)) (store.Subscription, error) {
	if limit <= 0 {
		return nil, errors.New("rtdb: append limit must be positive")
	}
	if c.isClosed() {
		return nil, store.ErrDisconnected
	}
	path = store.Clean(path)
	seen := make(map[string]struct{})
	deliver := func(children []child) {
		sort.Slice(children, func(i, j int) bool { return children[i].key < children[j].key })
		for _, ch := range children {
			if _, ok := seen[ch.key]; ok {
				continue
			}
			seen[ch.key] = struct{}{}
			fn(store.NewSnapshot(store.Join(path, ch.key), ch.value))
		}
	}

	children, err := c.b.lastN(ctx, path, limit)
	c.observe(err)
	if err != nil {
		return nil, err
	}
	deliver(children)

	return c.poll(ctx, func(pctx context.Context) error {
		children, err := c.b.lastN(pctx, path, limit)
		if err != nil {
			return err
		}
		deliver(children)
		return nil
	})
}

// poll runs tick every interval until the subscription, ctx or the client ends.
func (c *Client) poll(ctx context.Context, tick func(context.Context) error) (store.Subscription, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, store.ErrDisconnected
	}
	c.wg.Add(1)
	c.mu.Unlock()

	pctx, cancel := context.WithCancel(c.ctx)
	stop := context.AfterFunc(ctx, cancel)
	go func() {
		defer c.wg.Done()
		t := time.NewTicker(c.interval)
		defer t.Stop()
		for {
			select {
			case <-pctx.Done():
				return
			case <-t.C:
				err := tick(pctx)
				c.observe(err)
				if err != nil && pctx.Err() == nil {
					c.logger.Debug("error while polling", slog.String(log.ErrorMsgLogField, err.Error()))
				}
			}
		}
	}()
	return store.SubscriptionFunc(func() {
		stop()
		cancel()
	}), nil
}

func (c *Client) Set(ctx context.Context, path string, value any) error {
	path = store.Clean(path)
	if path == "" {
		return &store.WriteError{Op: "set", Path: path, Err: store.ErrInvalidPath}
	}
	return c.write(ctx, "set", path, func() error {
		return c.b.set(ctx, path, value)
	})
}

func (c *Client) Update(ctx context.Context, values map[string]any) error {
	if len(values) == 0 {
		return &store.WriteError{Op: "update", Err: store.ErrEmptyUpdate}
	}
	paths := make([]string, 0, len(values))
	for p := range values {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return c.write(ctx, "update", paths[0], func() error {
		return c.b.update(ctx, values)
	})
}

func (c *Client) Push(ctx context.Context, path string, value any) (string, error) {
	var key string
	path = store.Clean(path)
	err := c.write(ctx, "push", path, func() error {
		var err error
		key, err = c.b.push(ctx, path, value)
		return err
	})
	return key, err
}

func (c *Client) write(ctx context.Context, op, path string, do func() error) error {
	if c.isClosed() {
		return &store.WriteError{Op: op, Path: path, Err: store.ErrDisconnected}
	}
	start := time.Now()
	err := do()
	c.observe(err)
	metrics.ObserveWrite(op, start, err)
	if err != nil {
		return &store.WriteError{Op: op, Path: path, Err: err}
	}
	return nil
}

// OnDisconnect registers value to be written at path when the client
// closes. A later registration for the same path replaces it.
func (c *Client) OnDisconnect(_ context.Context, path string, value any) error {
	path = store.Clean(path)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return &store.WriteError{Op: "onDisconnect", Path: path, Err: store.ErrDisconnected}
	}
	if path == "" {
		return &store.WriteError{Op: "onDisconnect", Path: path, Err: store.ErrInvalidPath}
	}
	c.hooks[path] = value
	return nil
}

// OnConnection calls fn with the current connection state, then with every change.
func (c *Client) OnConnection(fn func(connected bool)) store.Subscription {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	connected := c.connected
	c.mu.Unlock()

	fn(connected)
	return store.SubscriptionFunc(func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	})
}

// Close commits the registered disconnect writes and stops every poller.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	hooks := c.hooks
	c.hooks = make(map[string]any)
	c.listeners = make(map[int]func(bool))
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	if len(hooks) == 0 {
		return nil
	}
	start := time.Now()
	err := c.b.update(ctx, hooks)
	metrics.ObserveWrite("onDisconnect", start, err)
	if err != nil {
		c.logger.Warn("error while committing disconnect writes", slog.String(log.ErrorMsgLogField, err.Error()))
		return &store.WriteError{Op: "onDisconnect", Err: err}
	}
	return nil
}
