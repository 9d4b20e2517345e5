// Package session holds the state of one signed-in client: every cache and
// the active conversation, from sign-in to sign-out.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/klipach/community/chat"
	"github.com/klipach/community/contract"
	"github.com/klipach/community/directory"
	"github.com/klipach/community/filter"
	"github.com/klipach/community/group"
	"github.com/klipach/community/identity"
	"github.com/klipach/community/log"
	"github.com/klipach/community/metrics"
	"github.com/klipach/community/presence"
	"github.com/klipach/community/relation"
	"github.com/klipach/community/store"
	"github.com/klipach/community/view"
)

const defaultReadyTimeout = 15 * time.Second

var (
	ErrClosed        = errors.New("session: closed")
	ErrInvalidAction = errors.New("session: invalid action")
)

type options struct {
	logger       *slog.Logger
	window       int
	loc          *time.Location
	readyTimeout time.Duration
	presenceTTL  time.Duration
}

type Option func(*options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithWindow sets how many of the newest messages a conversation keeps.
func WithWindow(n int) Option {
	return func(o *options) {
		o.window = n
	}
}

func WithLocation(loc *time.Location) Option {
	return func(o *options) {
		o.loc = loc
	}
}

// WithReadyTimeout bounds how long Start waits for the user's profile.
func WithReadyTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.readyTimeout = d
		}
	}
}

// WithPresenceTTL expires online records not refreshed within d. The
// session's own record is rewritten three times per d.
func WithPresenceTTL(d time.Duration) Option {
	return func(o *options) {
		o.presenceTTL = d
	}
}

type Session struct {
	principal contract.Principal
	logger    *slog.Logger
	ctx       context.Context

	presence  *presence.Tracker
	identity  *identity.Resolver
	directory *directory.Cache
	graph     *relation.Graph
	groups    *group.Registry
	router    *chat.Router
	view      *view.Reconciler

	updates chan struct{}
	done    chan struct{}

	mu     sync.Mutex
	closed bool
}

// Start signs the principal in on s: presence is bound, the profile is
// resolved and awaited, the directory is mirrored and the general
// conversation opened. The returned session must be closed.
func Start(ctx context.Context, s store.Store, p contract.Principal, opts ...Option) (*Session, error) {
	if !store.ValidKey(p.UID) {
		return nil, store.ErrInvalidPath
	}
	o := &options{
		logger:       log.Default(),
		window:       chat.DefaultWindow,
		loc:          time.UTC,
		readyTimeout: defaultReadyTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}

	logger := o.logger.With(slog.String(log.UserIDLogField, p.UID))
	sess := &Session{
		principal: p,
		logger:    logger,
		ctx:       context.WithoutCancel(ctx),
		updates:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	sess.presence = presence.NewTracker(s,
		presence.WithLogger(logger),
		presence.WithHeartbeat(o.presenceTTL/3),
		presence.WithStaleAfter(o.presenceTTL),
	)
	sess.identity = identity.NewResolver(s, identity.WithLogger(logger))
	sess.directory = directory.New(s,
		directory.WithLogger(logger),
		directory.WithStaleAfter(o.presenceTTL),
	)
	sess.groups = group.NewRegistry(s, sess,
		group.WithLogger(logger),
		group.WithOnChange(sess.notify),
	)
	sess.groups.SetSelf(p.UID)
	sess.router = chat.NewRouter(s, p.UID, sess.directory, sess.groups,
		chat.WithWindow(o.window),
		chat.WithLogger(logger),
		chat.WithOnChange(sess.notify),
	)
	sess.graph = relation.NewGraph(s, sess, relation.WithNames(sess.username))
	sess.view = view.NewReconciler(view.WithLocation(o.loc))

	if err := sess.start(ctx, o.readyTimeout); err != nil {
		sess.teardown()
		return nil, err
	}
	metrics.IncSessions()
	logger.Info("session started")
	return sess, nil
}

func (s *Session) start(ctx context.Context, readyTimeout time.Duration) error {
	if err := s.presence.Bind(ctx, s.principal.UID); err != nil {
		return fmt.Errorf("bind presence: %w", err)
	}
	if err := s.presence.Watch(s.ctx, s.onPresence); err != nil {
		return fmt.Errorf("watch presence: %w", err)
	}
	if err := s.identity.Resolve(ctx, s.principal, s.onProfile); err != nil {
		return fmt.Errorf("resolve profile: %w", err)
	}

	readyCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	if _, err := s.identity.Wait(readyCtx); err != nil {
		return fmt.Errorf("wait for profile: %w", err)
	}

	if err := s.directory.Start(ctx, func(directory.Change) { s.notify() }); err != nil {
		return fmt.Errorf("start directory: %w", err)
	}
	if err := s.router.SwitchTo(ctx, chat.General, ""); err != nil {
		return fmt.Errorf("open general conversation: %w", err)
	}
	return nil
}

// onProfile runs with every own profile snapshot.
func (s *Session) onProfile(p contract.Profile) {
	if s.isClosed() {
		return
	}
	s.graph.Observe(p)
	if _, err := s.groups.Reconcile(s.ctx, p.Groups); err == nil {
		// the active group may be gone
		if conv, valid := s.router.Active(); valid && conv.Kind == chat.Group && !s.groups.Has(conv.ID) {
			if err := s.Evict(s.ctx, conv); err != nil {
				s.logger.Warn("error while leaving removed group", slog.String(log.ErrorMsgLogField, err.Error()))
			}
		}
	}
	s.notify()
}

func (s *Session) onPresence(e presence.Event) {
	s.logger.Debug("presence changed",
		slog.String("subject", e.UID),
		slog.String("state", string(e.State)),
	)
}

// Evict leaves conv for the general conversation if it is the active one.
func (s *Session) Evict(ctx context.Context, conv chat.Conversation) error {
	return s.router.Evict(ctx, conv)
}

// username is the plain display name of uid, empty when unknown.
func (s *Session) username(uid string) string {
	p, ok := s.directory.Snapshot().User(uid)
	if !ok {
		return ""
	}
	return filter.Plain(p.Username)
}

func (s *Session) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// Updates receives a value whenever the view may have changed. Notifications
// coalesce; a reader renders once per receive.
func (s *Session) Updates() <-chan struct{} {
	return s.updates
}

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Principal() contract.Principal {
	return s.principal
}

// State assembles the current application state.
func (s *Session) State() view.State {
	profile, _ := s.identity.Profile()
	conv, valid := s.router.Active()
	return view.State{
		Self:      profile,
		Directory: s.directory.Snapshot(),
		Groups:    s.groups.Groups(),
		Active:    conv,
		Valid:     valid,
		Messages:  s.router.Messages(),
	}
}

// View renders the current state.
func (s *Session) View() view.View {
	metrics.IncRenders()
	return s.view.Render(s.State())
}

func (s *Session) GroupSettings(gid string) (view.GroupSettingsView, error) {
	return view.GroupSettings(s.State(), gid)
}

func (s *Session) Candidates(gid string) ([]view.Member, error) {
	return view.Candidates(s.State(), gid)
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close signs out: the offline status is written, then every subscription
// is dropped. A closed session cannot be reused.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.closed = true
	s.mu.Unlock()

	err := s.presence.GoOffline(ctx)
	if err != nil {
		s.logger.Warn("error while writing offline status", slog.String(log.ErrorMsgLogField, err.Error()))
	}
	s.teardown()
	close(s.done)
	metrics.DecSessions()
	s.logger.Info("session closed")
	return err
}

func (s *Session) teardown() {
	s.router.Close()
	s.directory.Close()
	s.identity.Close()
	s.presence.Close()
}
