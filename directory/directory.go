// Package directory mirrors the user directory and the presence map.
package directory

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/klipach/community/contract"
	"github.com/klipach/community/log"
	"github.com/klipach/community/store"
)

var ErrStarted = errors.New("directory: already started")

// Change names the collection a notification replaced.
type Change int

const (
	Users Change = iota + 1
	Presence
)

func (c Change) String() string {
	switch c {
	case Users:
		return "users"
	case Presence:
		return "presence"
	}
	return "unknown"
}

// Snapshot is an immutable copy of the directory. It must not be modified.
type Snapshot struct {
	Users    map[string]contract.Profile
	Statuses map[string]contract.Presence

	// At and StaleAfter decide which online records have expired.
	At         time.Time
	StaleAfter time.Duration
}

func (s Snapshot) User(uid string) (contract.Profile, bool) {
	p, ok := s.Users[uid]
	return p, ok
}

func (s Snapshot) Has(uid string) bool {
	_, ok := s.Users[uid]
	return ok
}

func (s Snapshot) Online(uid string) bool {
	return s.Statuses[uid].OnlineAt(s.At, s.StaleAfter)
}

// Sorted returns the users ordered by username, then uid.
func (s Snapshot) Sorted() []contract.Profile {
	out := make([]contract.Profile, 0, len(s.Users))
	for _, p := range s.Users {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Username != out[j].Username {
			return out[i].Username < out[j].Username
		}
		return out[i].UID < out[j].UID
	})
	return out
}

type Option func(*Cache)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithStaleAfter reports online records older than d as offline.
func WithStaleAfter(d time.Duration) Option {
	return func(c *Cache) {
		c.staleAfter = d
	}
}

// Cache is a direct mirror of the last users and status snapshots received.
type Cache struct {
	store      store.Store
	logger     *slog.Logger
	staleAfter time.Duration
	now        func() time.Time

	mu      sync.RWMutex
	snap    Snapshot
	started bool
	subs    []store.Subscription
}

func New(s store.Store, opts ...Option) *Cache {
	c := &Cache{
		store:  s,
		logger: log.Default(),
		now:    time.Now,
		snap: Snapshot{
			Users:    map[string]contract.Profile{},
			Statuses: map[string]contract.Presence{},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start subscribes to every user and every status. Each notification
// replaces the whole corresponding map and then calls onChange.
func (c *Cache) Start(ctx context.Context, onChange func(Change)) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrStarted
	}
	c.started = true
	c.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	notify := func(ch Change) {
		if onChange != nil {
			onChange(ch)
		}
	}

	users, err := c.store.Subscribe(ctx, contract.UsersPath(), func(s store.Snapshot) {
		c.replaceUsers(s.Map())
		notify(Users)
	})
	if err != nil {
		c.logger.Warn("error while subscribing to users", slog.String(log.ErrorMsgLogField, err.Error()))
		return err
	}
	statuses, err := c.store.Subscribe(ctx, contract.StatusesPath(), func(s store.Snapshot) {
		c.replaceStatuses(s.Map())
		notify(Presence)
	})
	if err != nil {
		users.Unsubscribe()
		c.logger.Warn("error while subscribing to statuses", slog.String(log.ErrorMsgLogField, err.Error()))
		return err
	}

	c.mu.Lock()
	c.subs = append(c.subs, users, statuses)
	c.mu.Unlock()
	return nil
}

func (c *Cache) replaceUsers(raw map[string]any) {
	users := make(map[string]contract.Profile, len(raw))
	for uid, v := range raw {
		if p, ok := contract.DecodeProfile(uid, v); ok {
			users[uid] = p
		}
	}
	c.mu.Lock()
	c.snap = Snapshot{Users: users, Statuses: c.snap.Statuses}
	c.mu.Unlock()
}

func (c *Cache) replaceStatuses(raw map[string]any) {
	statuses := make(map[string]contract.Presence, len(raw))
	for uid, v := range raw {
		statuses[uid] = contract.DecodePresence(uid, v)
	}
	c.mu.Lock()
	c.snap = Snapshot{Users: c.snap.Users, Statuses: statuses}
	c.mu.Unlock()
}

// Snapshot returns the current mirror. Maps are replaced, never mutated, so
// the returned value stays consistent.
func (c *Cache) Snapshot() Snapshot {
	c.mu.RLock()
	snap := c.snap
	c.mu.RUnlock()
	snap.At, snap.StaleAfter = c.now(), c.staleAfter
	return snap
}

func (c *Cache) Has(uid string) bool {
	return c.Snapshot().Has(uid)
}

func (c *Cache) Close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
}
