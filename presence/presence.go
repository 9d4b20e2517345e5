// Package presence binds a session's liveness to its status record and reports
// the online state of every user.
package presence

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

var ErrAlreadyBound = errors.New("presence: already bound")

// Event is a change of one user's online state.
type Event struct {
	UID         string
	State       contract.State
	LastChanged time.Time
}

type Option func(*Tracker)

func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// WithHeartbeat rewrites the online record every d while the store is
// connected, refreshing its last_changed.
func WithHeartbeat(d time.Duration) Option {
	return func(t *Tracker) {
		t.heartbeat = d
	}
}

// WithStaleAfter makes Watch report an online record as offline once its
// last_changed is older than d. The watched snapshot is re-evaluated on a
// timer so that a record nobody rewrites still expires.
func WithStaleAfter(d time.Duration) Option {
	return func(t *Tracker) {
		t.staleAfter = d
	}
}

type Tracker struct {
	store      store.Store
	logger     *slog.Logger
	heartbeat  time.Duration
	staleAfter time.Duration
	now        func() time.Time

	// emit serializes diff and delivery between the store and the expiry timer.
	emit sync.Mutex

	// beatMu orders heartbeat writes against GoOffline.
	beatMu sync.Mutex

	mu        sync.Mutex
	uid       string
	connected bool
	offline   bool
	conn      store.Subscription
	watch     store.Subscription
	onEvent   func(Event)
	statuses  map[string]any
	states    map[string]contract.State
	expiring  bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewTracker(s store.Store, opts ...Option) *Tracker {
	t := &Tracker{
		store:  s,
		logger: log.Default(),
		now:    time.Now,
		states: make(map[string]contract.State),
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Bind publishes uid as online for as long as the store connection lasts. On
// every (re)connection the offline write is registered with the store first;
// the online write is issued only once that registration succeeded.
func (t *Tracker) Bind(ctx context.Context, uid string) error {
	if !store.ValidKey(uid) {
		return store.ErrInvalidPath
	}
	t.mu.Lock()
	if t.uid != "" {
		t.mu.Unlock()
		return ErrAlreadyBound
	}
	t.uid = uid
	t.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	logger := t.logger.With(slog.String(log.UserIDLogField, uid))
	sub := t.store.OnConnection(func(connected bool) {
		t.mu.Lock()
		t.connected = connected
		offline := t.offline
		t.mu.Unlock()
		if connected && !offline {
			t.online(ctx, logger, uid)
		}
	})

	t.mu.Lock()
	t.conn = sub
	t.mu.Unlock()

	if t.heartbeat > 0 {
		t.wg.Add(1)
		go t.beat(ctx, logger, uid)
	}
	return nil
}

func (t *Tracker) online(ctx context.Context, logger *slog.Logger, uid string) {
	path := contract.StatusPath(uid)
	if err := t.store.OnDisconnect(ctx, path, contract.PresenceRecord(contract.Offline)); err != nil {
		// without the hook an online record could outlive the connection
		logger.Warn("error while registering disconnect hook", slog.String(log.ErrorMsgLogField, err.Error()))
		return
	}
	if err := t.store.Set(ctx, path, contract.PresenceRecord(contract.Online)); err != nil {
		logger.Warn("error while writing online status", slog.String(log.ErrorMsgLogField, err.Error()))
	}
}

func (t *Tracker) beat(ctx context.Context, logger *slog.Logger, uid string) {
	defer t.wg.Done()
	tick := time.NewTicker(t.heartbeat)
	defer tick.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-tick.C:
			t.refresh(ctx, logger, uid)
		}
	}
}

func (t *Tracker) refresh(ctx context.Context, logger *slog.Logger, uid string) {
	t.beatMu.Lock()
	defer t.beatMu.Unlock()
	t.mu.Lock()
	live := t.connected && !t.offline
	t.mu.Unlock()
	if !live {
		return
	}
	if err := t.store.Set(ctx, contract.StatusPath(uid), contract.PresenceRecord(contract.Online)); err != nil {
		logger.Warn("error while refreshing online status", slog.String(log.ErrorMsgLogField, err.Error()))
	}
}

// GoOffline writes the offline record right away, ahead of a sign-out. No
// online write follows it.
func (t *Tracker) GoOffline(ctx context.Context) error {
	t.beatMu.Lock()
	defer t.beatMu.Unlock()
	t.mu.Lock()
	uid := t.uid
	t.offline = uid != ""
	t.mu.Unlock()
	if uid == "" {
		return nil
	}
	return t.store.Set(ctx, contract.StatusPath(uid), contract.PresenceRecord(contract.Offline))
}

// Watch reports every user whose online state differs from the previous status snapshot.
func (t *Tracker) Watch(ctx context.Context, fn func(Event)) error {
	t.mu.Lock()
	t.onEvent = fn
	t.mu.Unlock()

	sub, err := t.store.Subscribe(ctx, contract.StatusesPath(), func(s store.Snapshot) {
		statuses := s.Map()
		t.mu.Lock()
		t.statuses = statuses
		t.mu.Unlock()
		t.deliver(statuses)
	})
	if err != nil {
		return err
	}
	t.mu.Lock()
	prev := t.watch
	t.watch = sub
	expire := t.staleAfter > 0 && !t.expiring
	t.expiring = t.expiring || expire
	t.mu.Unlock()
	if prev != nil {
		prev.Unsubscribe()
	}
	if expire {
		t.wg.Add(1)
		go t.expire()
	}
	return nil
}

func (t *Tracker) deliver(statuses map[string]any) {
	t.emit.Lock()
	defer t.emit.Unlock()
	t.mu.Lock()
	fn := t.onEvent
	t.mu.Unlock()
	for _, e := range t.diff(statuses) {
		if fn != nil {
			fn(e)
		}
	}
}

func (t *Tracker) expire() {
	defer t.wg.Done()
	period := t.staleAfter / 4
	if period <= 0 {
		period = t.staleAfter
	}
	tick := time.NewTicker(period)
	defer tick.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-tick.C:
			t.mu.Lock()
			statuses, watching := t.statuses, t.watch != nil
			t.mu.Unlock()
			if watching {
				t.deliver(statuses)
			}
		}
	}
}

func (t *Tracker) diff(statuses map[string]any) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var events []Event
	next := make(map[string]contract.State, len(statuses))
	for uid, v := range statuses {
		p := contract.DecodePresence(uid, v)
		state := contract.Offline
		if p.OnlineAt(now, t.staleAfter) {
			state = contract.Online
		}
		next[uid] = state
		if prev, ok := t.states[uid]; !ok || prev != state {
			events = append(events, Event{UID: uid, State: state, LastChanged: p.LastChanged})
		}
	}
	for uid, prev := range t.states {
		if _, ok := next[uid]; !ok && prev == contract.Online {
			events = append(events, Event{UID: uid, State: contract.Offline})
		}
	}
	t.states = next

	sort.Slice(events, func(i, j int) bool { return events[i].UID < events[j].UID })
	return events
}

// Close stops the connection binding, the heartbeat and the watch.
// Registered disconnect writes stay with the store.
func (t *Tracker) Close() {
	t.mu.Lock()
	conn, watch := t.conn, t.watch
	t.conn, t.watch = nil, nil
	t.mu.Unlock()
	if conn != nil {
		conn.Unsubscribe()
	}
	if watch != nil {
		watch.Unsubscribe()
	}
	t.stopOnce.Do(func() { close(t.stop) })
	t.wg.Wait()
}
