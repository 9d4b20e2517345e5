// Package group keeps the groups the current user belongs to and issues
// group membership writes.
package group

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/sync/errgroup"

	"github.com/klipach/community/chat"
	"github.com/klipach/community/contract"
	"github.com/klipach/community/log"
	"github.com/klipach/community/store"
)

var (
	ErrNotCreator = errors.New("group: only the creator may do this")
	ErrNotMember  = errors.New("group: not a member")
	ErrRemoveSelf = errors.New("group: leave the group to remove yourself")
	ErrEmptyName          = errors.New("group: empty name")
	ErrNoSelf             = errors.New("group: current user not set")
)

// DanglingReferenceError is a back-reference to a group that no longer exists.
type DanglingReferenceError struct {
	UID     string
	GroupID string
}

func (e *DanglingReferenceError) Error() string {
	return fmt.Sprintf("group %q referenced by user %q does not exist", e.GroupID, e.UID)
}

type Option func(*Registry)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithOnChange registers fn to run after the cached group set was replaced.
func WithOnChange(fn func()) Option {
	return func(r *Registry) {
		r.onChange = fn
	}
}

// Registry is a mirror of the groups referenced from the current user's
// profile. It is rebuilt by Reconcile, never patched.
type Registry struct {
	store    store.Store
	evictor  chat.Evictor
	logger   *slog.Logger
	onChange func()

	mu     sync.Mutex
	self   string
	gen    uint64
	groups map[string]contract.Group
}

func NewRegistry(s store.Store, evictor chat.Evictor, opts ...Option) *Registry {
	r := &Registry{
		store:   s,
		evictor: evictor,
		logger:  log.Default(),
		groups:  make(map[string]contract.Group),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) SetSelf(uid string) {
	r.mu.Lock()
	r.self = uid
	r.mu.Unlock()
}

func (r *Registry) whoami() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.self == "" {
		return "", ErrNoSelf
	}
	return r.self, nil
}

// Reconcile fetches every referenced group and replaces the cached set.
// References to groups that no longer exist are pruned from the user's
// profile and returned. A reconcile overtaken by a newer one is discarded.
func (r *Registry) Reconcile(ctx context.Context, refs map[string]bool) ([]string, error) {
	self, err := r.whoami()
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.gen++
	gen := r.gen
	r.mu.Unlock()

	var ids []string
	for gid, ok := range refs {
		if ok && store.ValidKey(gid) {
			ids = append(ids, gid)
		}
	}
	sort.Strings(ids)
	found := make([]contract.Group, len(ids))
	exists := make([]bool, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	for i, gid := range ids {
		g.Go(func() error {
			snap, err := r.store.Get(gctx, contract.GroupPath(gid))
			if err != nil {
				return fmt.Errorf("fetch group %s: %w", gid, err)
			}
			found[i], exists[i] = contract.DecodeGroup(gid, snap.Value())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.logger.Warn("error while reconciling groups", slog.String(log.ErrorMsgLogField, err.Error()))
		return nil, err
	}

	groups := make(map[string]contract.Group, len(ids))
	var missing []string
	for i, gid := range ids {
		if exists[i] {
			groups[gid] = found[i]
		} else {
			missing = append(missing, gid)
		}
	}

	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return nil, nil
	}
	r.groups = groups
	r.mu.Unlock()

	if len(missing) > 0 {
		r.prune(ctx, self, missing)
	}
	r.changed()
	return missing, nil
}

func (r *Registry) prune(ctx context.Context, self string, missing []string) {
	u := store.NewUpdate()
	for _, gid := range missing {
		err := &DanglingReferenceError{UID: self, GroupID: gid}
		r.logger.Info("pruning dangling group reference",
			slog.String(log.GroupIDLogField, gid),
			slog.String(log.ErrorMsgLogField, err.Error()),
		)
		u.Delete(contract.UserGroupPath(self, gid))
	}
	if err := u.Commit(ctx, r.store); err != nil {
		r.logger.Warn("error while pruning group references", slog.String(log.ErrorMsgLogField, err.Error()))
	}
}

// Create writes a new group with the creator and members, then every
// member's back-reference in one atomic update. It returns the group id.
func (r *Registry) Create(ctx context.Context, name string, members []string) (string, error) {
	self, err := r.whoami()
	if err != nil {
		return "", err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrEmptyName
	}
	set := map[string]bool{self: true}
	for _, uid := range members {
		if !store.ValidKey(uid) {
			return "", fmt.Errorf("member %q: %w", uid, store.ErrInvalidPath)
		}
		set[uid] = true
	}

	gid, err := r.store.Push(ctx, contract.GroupsPath(), contract.NewGroupRecord(name, self, set))
	if err != nil {
		return "", err
	}
	u := store.NewUpdate()
	for _, uid := range sortedKeys(set) {
		u.Set(contract.UserGroupPath(uid, gid), true)
	}
	if err := u.Commit(ctx, r.store); err != nil {
		return gid, err
	}
	return gid, nil
}

// Leave removes the current user from gid: the back-reference first, then the
// member entry. The creator may leave too; the group stays for the others.
func (r *Registry) Leave(ctx context.Context, gid string, confirm contract.Confirmer) error {
	self, _, err := r.lookup(gid)
	if err != nil {
		return err
	}
	if err := contract.Ask(confirm, "Leave group?"); err != nil {
		return err
	}
	if err := r.store.Set(ctx, contract.UserGroupPath(self, gid), nil); err != nil {
		return err
	}
	if err := r.store.Set(ctx, contract.GroupMemberPath(gid, self), nil); err != nil {
		return err
	}
	return r.evict(ctx, gid)
}

// Delete removes gid with its message stream. Every member's back-reference is
// removed first; the group and its messages go in one final atomic update.
func (r *Registry) Delete(ctx context.Context, gid string, confirm contract.Confirmer) error {
	self, grp, err := r.lookup(gid)
	if err != nil {
		return err
	}
	if grp.CreatedBy != self {
		return ErrNotCreator
	}
	if err := contract.Ask(confirm, "Delete group? This cannot be undone."); err != nil {
		return err
	}

	members := grp.Members
	if len(members) == 0 {
		members = map[string]bool{self: true}
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, uid := range sortedKeys(members) {
		g.Go(func() error {
			return r.store.Set(gctx, contract.UserGroupPath(uid, gid), nil)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	err = store.NewUpdate().
		Delete(contract.GroupPath(gid)).
		Delete(contract.GroupChatPath(gid)).
		Commit(ctx, r.store)
	if err != nil {
		return err
	}
	return r.evict(ctx, gid)
}

// AddMembers adds uids to gid. Existing members are skipped. Back-references
// are written and awaited before the member map changes.
func (r *Registry) AddMembers(ctx context.Context, gid string, uids []string) error {
	self, grp, err := r.lookup(gid)
	if err != nil {
		return err
	}
	if grp.CreatedBy != self {
		return ErrNotCreator
	}

	var added []string
	seen := make(map[string]bool)
	for _, uid := range uids {
		if !store.ValidKey(uid) {
			return fmt.Errorf("member %q: %w", uid, store.ErrInvalidPath)
		}
		if grp.IsMember(uid) || seen[uid] {
			continue
		}
		seen[uid] = true
		added = append(added, uid)
	}
	if len(added) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, uid := range added {
		g.Go(func() error {
			return r.store.Set(gctx, contract.UserGroupPath(uid, gid), true)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	u := store.NewUpdate()
	for _, uid := range added {
		u.Set(contract.GroupMemberPath(gid, uid), true)
	}
	return u.Commit(ctx, r.store)
}

// RemoveMember removes another member from gid: the back-reference first,
// then the member entry.
func (r *Registry) RemoveMember(ctx context.Context, gid, uid string, confirm contract.Confirmer) error {
	self, grp, err := r.lookup(gid)
	if err != nil {
		return err
	}
	if grp.CreatedBy != self {
		return ErrNotCreator
	}
	if uid == self {
		return ErrRemoveSelf
	}
	if !grp.IsMember(uid) {
		return ErrNotMember
	}
	if err := contract.Ask(confirm, "Remove member?"); err != nil {
		return err
	}
	if err := r.store.Set(ctx, contract.UserGroupPath(uid, gid), nil); err != nil {
		return err
	}
	return r.store.Set(ctx, contract.GroupMemberPath(gid, uid), nil)
}

func (r *Registry) lookup(gid string) (string, contract.Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.self == "" {
		return "", contract.Group{}, ErrNoSelf
	}
	grp, ok := r.groups[gid]
	if !ok {
		return "", contract.Group{}, ErrNotMember
	}
	return r.self, grp, nil
}

func (r *Registry) evict(ctx context.Context, gid string) error {
	if r.evictor == nil {
		return nil
	}
	return r.evictor.Evict(ctx, chat.Conversation{Kind: chat.Group, ID: gid})
}

func (r *Registry) Group(gid string) (contract.Group, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[gid]
	return g, ok
}

func (r *Registry) Has(gid string) bool {
	_, ok := r.Group(gid)
	return ok
}

// Groups returns the cached groups ordered by name, then id.
func (r *Registry) Groups() []contract.Group {
	r.mu.Lock()
	out := maps.Values(r.groups)
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Registry) changed() {
	if r.onChange != nil {
		r.onChange()
	}
}

func sortedKeys(m map[string]bool) []string {
	keys := maps.Keys(m)
	sort.Strings(keys)
	return keys
}
