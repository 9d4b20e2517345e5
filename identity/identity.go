// Package identity maps an authenticated principal to its profile record.
package identity

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/klipach/community/contract"
	"github.com/klipach/community/log"
	"github.com/klipach/community/store"
)

var (
	ErrAlreadyResolving = errors.New("identity: already resolving")
	ErrEmptyAvatar      = errors.New("identity: empty avatar url")
	ErrNotResolved      = errors.New("identity: no principal resolved")
)

type Option func(*Resolver)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// Resolver keeps the current user's profile in sync and creates it on first sight.
type Resolver struct {
	store  store.Store
	logger *slog.Logger

	ready     chan struct{}
	readyOnce sync.Once

	mu       sync.Mutex
	uid      string
	profile  contract.Profile
	creating bool
	sub      store.Subscription
}

func NewResolver(s store.Store, opts ...Option) *Resolver {
	r := &Resolver{
		store:  s,
		logger: log.Default(),
		ready:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DefaultProfile is the profile written the first time p is seen.
func DefaultProfile(p contract.Principal) contract.Profile {
	username := contract.FallbackUsername(p.DisplayName, p.Email)
	return contract.Profile{
		UID:      p.UID,
		Username: username,
		Email:    p.Email,
		Avatar:   contract.SeededAvatar(username),
	}
}

// Resolve subscribes to the principal's profile. onChange runs with every
// existing profile snapshot. When no profile exists yet the default one is
// written exactly once and the resulting snapshot converges to onChange.
func (r *Resolver) Resolve(ctx context.Context, p contract.Principal, onChange func(contract.Profile)) error {
	if !store.ValidKey(p.UID) {
		return store.ErrInvalidPath
	}
	r.mu.Lock()
	if r.uid != "" {
		r.mu.Unlock()
		return ErrAlreadyResolving
	}
	r.uid = p.UID
	r.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	logger := r.logger.With(slog.String(log.UserIDLogField, p.UID))
	sub, err := r.store.Subscribe(ctx, contract.UserPath(p.UID), func(s store.Snapshot) {
		profile, ok := contract.DecodeProfile(p.UID, s.Value())
		if !ok {
			r.create(ctx, logger, p)
			return
		}
		r.mu.Lock()
		r.profile = profile
		r.mu.Unlock()
		r.readyOnce.Do(func() { close(r.ready) })
		if onChange != nil {
			onChange(profile)
		}
	})
	if err != nil {
		r.mu.Lock()
		r.uid = ""
		r.mu.Unlock()
		return err
	}

	r.mu.Lock()
	r.sub = sub
	r.mu.Unlock()
	return nil
}

func (r *Resolver) create(ctx context.Context, logger *slog.Logger, p contract.Principal) {
	r.mu.Lock()
	if r.creating {
		r.mu.Unlock()
		return
	}
	r.creating = true
	r.mu.Unlock()

	def := DefaultProfile(p)
	err := r.store.Set(ctx, contract.UserPath(p.UID), contract.NewProfileRecord(def.Username, def.Email, def.Avatar))
	if err != nil {
		logger.Error("error while creating profile", slog.String(log.ErrorMsgLogField, err.Error()))
		// a later absent snapshot may try again
		r.mu.Lock()
		r.creating = false
		r.mu.Unlock()
		return
	}
	logger.Info("profile created", slog.String("username", def.Username))
}

// Ready is closed once the first existing profile snapshot arrived.
func (r *Resolver) Ready() <-chan struct{} {
	return r.ready
}

// Wait blocks until the profile is known or ctx ends.
func (r *Resolver) Wait(ctx context.Context) (contract.Profile, error) {
	select {
	case <-r.ready:
		p, _ := r.Profile()
		return p, nil
	case <-ctx.Done():
		return contract.Profile{}, ctx.Err()
	}
}

// Profile returns the latest profile and whether one arrived yet.
func (r *Resolver) Profile() (contract.Profile, bool) {
	select {
	case <-r.ready:
	default:
		return contract.Profile{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.profile, true
}

// SetAvatar saves avatarURL on the user's profile. The change shows up
// through the profile subscription.
func (r *Resolver) SetAvatar(ctx context.Context, avatarURL string) error {
	if avatarURL == "" {
		return ErrEmptyAvatar
	}
	r.mu.Lock()
	uid := r.uid
	r.mu.Unlock()
	if uid == "" {
		return ErrNotResolved
	}
	return r.store.Set(ctx, contract.AvatarPath(uid), avatarURL)
}

func (r *Resolver) Close() {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}
