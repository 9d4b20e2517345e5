// Package relation tracks the friendship state between the current user and
// everyone else and issues the writes that move it.
package relation

import (
	"context"
	"errors"
	"sync"

	"github.com/klipach/community/chat"
	"github.com/klipach/community/contract"
	"github.com/klipach/community/store"
)

var (
	ErrInvalidTransition = errors.New("relation: action not allowed in the current state")
	ErrSelf              = errors.New("relation: target is the current user")
	ErrNoProfile         = errors.New("relation: own profile not loaded")
)

// State of the relationship between the current user and another one.
type State int

const (
	None State = iota
	RequestSent
	RequestReceived
	Friends
)

func (s State) String() string {
	switch s {
	case RequestSent:
		return "requestSent"
	case RequestReceived:
		return "requestReceived"
	case Friends:
		return "friends"
	}
	return "none"
}

// StateOf reads the relationship to other from the owner's profile. A friend
// edge wins over pending requests, and a received request over a sent one.
func StateOf(p contract.Profile, other string) State {
	switch {
	case p.Friends[other]:
		return Friends
	case p.FriendRequests.Received[other]:
		return RequestReceived
	case p.FriendRequests.Sent[other]:
		return RequestSent
	}
	return None
}

type Option func(*Graph)

// WithNames resolves the display name used in confirmation prompts. An empty
// name falls back to the uid.
func WithNames(name func(uid string) string) Option {
	return func(g *Graph) {
		g.name = name
	}
}

// Graph issues relationship writes based on the latest own profile. Every
// write touches both users in one atomic update.
type Graph struct {
	store   store.Store
	evictor chat.Evictor
	name    func(uid string) string

	mu      sync.Mutex
	profile contract.Profile
	loaded  bool
}

func NewGraph(s store.Store, evictor chat.Evictor, opts ...Option) *Graph {
	g := &Graph{store: s, evictor: evictor}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Graph) displayName(uid string) string {
	if g.name != nil {
		if n := g.name(uid); n != "" {
			return n
		}
	}
	return uid
}

// Observe feeds the latest own profile snapshot.
func (g *Graph) Observe(p contract.Profile) {
	g.mu.Lock()
	g.profile = p
	g.loaded = true
	g.mu.Unlock()
}

func (g *Graph) State(other string) State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return StateOf(g.profile, other)
}

func (g *Graph) current(other string) (string, State, error) {
	if !store.ValidKey(other) {
		return "", None, store.ErrInvalidPath
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.loaded {
		return "", None, ErrNoProfile
	}
	if other == g.profile.UID {
		return "", None, ErrSelf
	}
	return g.profile.UID, StateOf(g.profile, other), nil
}

// Send requests friendship with other. Only allowed from None.
func (g *Graph) Send(ctx context.Context, other string) error {
	self, state, err := g.current(other)
	if err != nil {
		return err
	}
	if state != None {
		return ErrInvalidTransition
	}
	return store.NewUpdate().
		Set(contract.SentRequestPath(self, other), true).
		Set(contract.ReceivedRequestPath(other, self), true).
		Commit(ctx, g.store)
}

// Accept turns a received request into a friendship on both sides.
func (g *Graph) Accept(ctx context.Context, other string) error {
	self, state, err := g.current(other)
	if err != nil {
		return err
	}
	if state != RequestReceived {
		return ErrInvalidTransition
	}
	return clearRequests(self, other).
		Set(contract.FriendPath(self, other), true).
		Set(contract.FriendPath(other, self), true).
		Commit(ctx, g.store)
}

// Reject drops a received request on both sides.
func (g *Graph) Reject(ctx context.Context, other string) error {
	self, state, err := g.current(other)
	if err != nil {
		return err
	}
	if state != RequestReceived {
		return ErrInvalidTransition
	}
	return clearRequests(self, other).Commit(ctx, g.store)
}

// Remove ends a friendship once confirm approves it. A private conversation
// with other is left for the general one.
func (g *Graph) Remove(ctx context.Context, other string, confirm contract.Confirmer) error {
	self, state, err := g.current(other)
	if err != nil {
		return err
	}
	if state != Friends {
		return ErrInvalidTransition
	}
	if err := contract.Ask(confirm, "Remove "+g.displayName(other)+" from friends?"); err != nil {
		return err
	}
	err = store.NewUpdate().
		Delete(contract.FriendPath(self, other)).
		Delete(contract.FriendPath(other, self)).
		Commit(ctx, g.store)
	if err != nil {
		return err
	}
	if g.evictor != nil {
		return g.evictor.Evict(ctx, chat.Conversation{Kind: chat.Private, ID: other})
	}
	return nil
}

// clearRequests removes every pending request between the two users, in
// both directions.
func clearRequests(self, other string) *store.Update {
	return store.NewUpdate().
		Delete(contract.ReceivedRequestPath(self, other)).
		Delete(contract.SentRequestPath(other, self)).
		Delete(contract.SentRequestPath(self, other)).
		Delete(contract.ReceivedRequestPath(other, self))
}
