package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/klipach/community/chat"
	"github.com/klipach/community/contract"
	"github.com/klipach/community/log"
	"github.com/klipach/community/metrics"
	"github.com/klipach/community/view"
)

// SwitchTo opens a conversation and shows the sidebar that lists it.
func (s *Session) SwitchTo(ctx context.Context, kind chat.Kind, id string) error {
	if s.isClosed() {
		return ErrClosed
	}
	if err := s.router.SwitchTo(ctx, kind, id); err != nil {
		return err
	}
	switch kind {
	case chat.Private:
		s.view.Select(view.SidebarFriends)
	case chat.Group:
		s.view.Select(view.SidebarGroups)
	default:
		s.view.Select(view.SidebarGeneral)
	}
	s.notify()
	return nil
}

// ShowSidebar selects a sidebar. The general tab opens the general
// conversation; list tabs close the conversation until an entry is picked;
// find friends keeps it.
func (s *Session) ShowSidebar(ctx context.Context, sb view.Sidebar) error {
	if s.isClosed() {
		return ErrClosed
	}
	if _, ok := view.ParseSidebar(string(sb)); !ok {
		return fmt.Errorf("%w: sidebar %q", ErrInvalidAction, sb)
	}
	switch sb {
	case view.SidebarGeneral:
		if err := s.router.SwitchTo(ctx, chat.General, ""); err != nil {
			return err
		}
	case view.SidebarGroups, view.SidebarFriends, view.SidebarRequests:
		s.router.Clear()
	}
	s.view.Select(sb)
	s.notify()
	return nil
}

func (s *Session) Send(ctx context.Context, text string) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.router.Send(ctx, text)
}

func (s *Session) SendFriendRequest(ctx context.Context, uid string) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.graph.Send(ctx, uid)
}

func (s *Session) AcceptFriendRequest(ctx context.Context, uid string) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.graph.Accept(ctx, uid)
}

func (s *Session) RejectFriendRequest(ctx context.Context, uid string) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.graph.Reject(ctx, uid)
}

func (s *Session) RemoveFriend(ctx context.Context, uid string, confirm contract.Confirmer) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.graph.Remove(ctx, uid, confirm)
}

// CreateGroup creates a group with the current user and members and returns its id.
func (s *Session) CreateGroup(ctx context.Context, name string, members []string) (string, error) {
	if s.isClosed() {
		return "", ErrClosed
	}
	return s.groups.Create(ctx, name, members)
}

func (s *Session) LeaveGroup(ctx context.Context, gid string, confirm contract.Confirmer) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.groups.Leave(ctx, gid, confirm)
}

func (s *Session) DeleteGroup(ctx context.Context, gid string, confirm contract.Confirmer) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.groups.Delete(ctx, gid, confirm)
}

func (s *Session) AddGroupMembers(ctx context.Context, gid string, uids []string) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.groups.AddMembers(ctx, gid, uids)
}

func (s *Session) RemoveGroupMember(ctx context.Context, gid, uid string, confirm contract.Confirmer) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.groups.RemoveMember(ctx, gid, uid, confirm)
}

func (s *Session) SetAvatar(ctx context.Context, avatarURL string) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.identity.SetAvatar(ctx, avatarURL)
}

// Dispatch runs a wire action. It returns the id of a created record, if any.
func (s *Session) Dispatch(ctx context.Context, a contract.Action) (string, error) {
	id, err := s.dispatch(ctx, a)
	metrics.ObserveAction(a.Type, err)
	if err != nil {
		s.logger.Warn("error while dispatching action",
			slog.String(log.ActionLogField, a.Type),
			slog.String(log.ErrorMsgLogField, err.Error()),
		)
	}
	return id, err
}

func (s *Session) dispatch(ctx context.Context, a contract.Action) (string, error) {
	var confirm contract.Confirmer
	if a.Confirmed {
		confirm = contract.Confirmed
	}

	switch a.Type {
	case contract.ActionSwitch:
		kind, ok := chat.ParseKind(a.Kind)
		if !ok {
			return "", fmt.Errorf("%w: conversation kind %q", ErrInvalidAction, a.Kind)
		}
		return "", s.SwitchTo(ctx, kind, a.ID)
	case contract.ActionSidebar:
		return "", s.ShowSidebar(ctx, view.Sidebar(a.Sidebar))
	case contract.ActionSend:
		return "", s.Send(ctx, a.Text)
	case contract.ActionFriendSend:
		return "", s.SendFriendRequest(ctx, a.ID)
	case contract.ActionFriendAccept:
		return "", s.AcceptFriendRequest(ctx, a.ID)
	case contract.ActionFriendReject:
		return "", s.RejectFriendRequest(ctx, a.ID)
	case contract.ActionFriendRemove:
		return "", s.RemoveFriend(ctx, a.ID, confirm)
	case contract.ActionGroupCreate:
		return s.CreateGroup(ctx, a.Text, a.UIDs)
	case contract.ActionGroupLeave:
		return "", s.LeaveGroup(ctx, a.ID, confirm)
	case contract.ActionGroupDelete:
		return "", s.DeleteGroup(ctx, a.ID, confirm)
	case contract.ActionGroupAddMembers:
		return "", s.AddGroupMembers(ctx, a.ID, a.UIDs)
	case contract.ActionGroupRemoveMember:
		if len(a.UIDs) != 1 {
			return "", fmt.Errorf("%w: remove exactly one member", ErrInvalidAction)
		}
		return "", s.RemoveGroupMember(ctx, a.ID, a.UIDs[0], confirm)
	case contract.ActionAvatarSet:
		return "", s.SetAvatar(ctx, a.Text)
	}
	return "", fmt.Errorf("%w: type %q", ErrInvalidAction, a.Type)
}
