// Package view projects the client state into a renderable description.
package view

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klipach/community/chat"
	"github.com/klipach/community/contract"
	"github.com/klipach/community/directory"
	"github.com/klipach/community/filter"
	"github.com/klipach/community/relation"
)

// Sidebar is the list shown next to the conversation.
type Sidebar string

const (
	SidebarGeneral  Sidebar = "general"
	SidebarGroups   Sidebar = "groups"
	SidebarFriends  Sidebar = "friends"
	SidebarRequests Sidebar = "requests"
	SidebarAll      Sidebar = "all"
)

func ParseSidebar(s string) (Sidebar, bool) {
	switch sb := Sidebar(s); sb {
	case SidebarGeneral, SidebarGroups, SidebarFriends, SidebarRequests, SidebarAll:
		return sb, true
	}
	return "", false
}

// Affordance is the action offered next to a sidebar entry.
type Affordance string

const (
	AffordNone         Affordance = ""
	AffordAdd          Affordance = "add"
	AffordAcceptReject Affordance = "acceptReject"
	AffordOptions      Affordance = "options"
	AffordSettings     Affordance = "settings"
	AffordRemove       Affordance = "remove"
)

const timeLayout = "15:04"

// State is everything a render reads. It is assembled by the session from
// the caches at the time of the render.
type State struct {
	Self      contract.Profile
	Directory directory.Snapshot
	Groups    []contract.Group
	Active    chat.Conversation
	Valid     bool
	Messages  []contract.Message
}

func (s State) group(gid string) (contract.Group, bool) {
	for _, g := range s.Groups {
		if g.ID == gid {
			return g, true
		}
	}
	return contract.Group{}, false
}

type NavItem struct {
	Kind   string `json:"type"`
	ID     string `json:"id,omitempty"`
	Label  string `json:"label"`
	Avatar string `json:"avatar,omitempty"`
	Active bool   `json:"active"`
}

type Item struct {
	ID         string             `json:"id"`
	Label      string             `json:"label"`
	Avatar     string             `json:"avatar,omitempty"`
	Online     bool               `json:"online"`
	Affordance Affordance         `json:"affordance,omitempty"`
	Open       *chat.Conversation `json:"open,omitempty"`
}

type SidebarView struct {
	Selected Sidebar `json:"selected"`
	Title    string  `json:"title"`
	Items    []Item  `json:"items"`
	Empty    string  `json:"empty,omitempty"`
}

type MessageView struct {
	Key    string `json:"key"`
	UserID string `json:"userId"`
	Author string `json:"author"`
	Avatar string `json:"avatar"`
	Time   string `json:"time"`
	HTML   string `json:"html"`
	Own    bool   `json:"own"`
}

type ChatView struct {
	Conversation chat.Conversation `json:"conversation"`
	Title        string            `json:"title"`
	Placeholder  string            `json:"placeholder"`
	Messages     []MessageView     `json:"messages"`
	ScrollTo     string            `json:"scrollTo,omitempty"`
}

type ProfileView struct {
	UID      string `json:"uid"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}

// View is the whole renderable screen. Chat is nil for the no-selection view.
type View struct {
	Self    ProfileView `json:"self"`
	Nav     []NavItem   `json:"nav"`
	Sidebar SidebarView `json:"sidebar"`
	Chat    *ChatView   `json:"chat"`
	// Settings accompanies an open group conversation.
	Settings    *GroupSettingsView `json:"settings,omitempty"`
	FindFriends bool               `json:"findFriends"`
}

type Option func(*Reconciler)

// WithLocation sets the time zone message times are shown in.
func WithLocation(loc *time.Location) Option {
	return func(r *Reconciler) {
		if loc != nil {
			r.loc = loc
		}
	}
}

// Reconciler renders views. The selected sidebar is its only state and
// survives every render.
type Reconciler struct {
	loc *time.Location

	mu      sync.Mutex
	sidebar Sidebar
}

func NewReconciler(opts ...Option) *Reconciler {
	r := &Reconciler{loc: time.UTC, sidebar: SidebarGeneral}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reconciler) Select(s Sidebar) {
	if _, ok := ParseSidebar(string(s)); !ok {
		return
	}
	r.mu.Lock()
	r.sidebar = s
	r.mu.Unlock()
}

func (r *Reconciler) Sidebar() Sidebar {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sidebar
}

// Render is a pure projection of s and the selected sidebar.
func (r *Reconciler) Render(s State) View {
	selected := r.Sidebar()
	v := View{
		Self: ProfileView{
			UID:      s.Self.UID,
			Username: filter.Plain(s.Self.Username),
			Avatar:   s.Self.Avatar,
		},
		Nav:     nav(s),
		Sidebar: sidebar(s, selected),
	}
	if s.Valid {
		v.Chat = r.chat(s)
	}
	if v.Chat != nil && s.Active.Kind == chat.Group {
		if gv, err := GroupSettings(s, s.Active.ID); err == nil {
			v.Settings = &gv
		}
	}
	v.FindFriends = v.Chat == nil && selected == SidebarFriends
	return v
}

func nav(s State) []NavItem {
	items := []NavItem{
		{Kind: string(chat.General), ID: chat.GeneralConversation.ID, Label: "General", Active: s.Active == chat.GeneralConversation},
		{Kind: string(SidebarGroups), Label: "Groups"},
		{Kind: string(SidebarFriends), Label: "Friends"},
		{Kind: string(SidebarRequests), Label: "Requests"},
	}
	for _, p := range users(s.Directory, s.Self.Friends) {
		items = append(items, NavItem{
			Kind:   string(chat.Private),
			ID:     p.UID,
			Label:  filter.Plain(p.Username),
			Avatar: p.Avatar,
			Active: s.Active == chat.Conversation{Kind: chat.Private, ID: p.UID},
		})
	}
	return items
}

func sidebar(s State, selected Sidebar) SidebarView {
	sv := SidebarView{Selected: selected, Items: []Item{}}
	switch selected {
	case SidebarGroups:
		sv.Title = "Groups"
		for _, g := range s.Groups {
			open := chat.Conversation{Kind: chat.Group, ID: g.ID}
			sv.Items = append(sv.Items, Item{
				ID:         g.ID,
				Label:      filter.Plain(g.Name),
				Avatar:     initials(g.Name),
				Affordance: AffordSettings,
				Open:       &open,
			})
		}
		if len(sv.Items) == 0 {
			sv.Empty = "You are not in any group."
		}
	case SidebarFriends:
		sv.Title = "Friends"
		for _, p := range users(s.Directory, s.Self.Friends) {
			open := chat.Conversation{Kind: chat.Private, ID: p.UID}
			item := userItem(s.Directory, p, AffordOptions)
			item.Open = &open
			sv.Items = append(sv.Items, item)
		}
		if len(sv.Items) == 0 {
			sv.Empty = "No friends yet."
		}
	case SidebarRequests:
		sv.Title = "Requests"
		for _, p := range users(s.Directory, s.Self.FriendRequests.Received) {
			sv.Items = append(sv.Items, userItem(s.Directory, p, AffordAcceptReject))
		}
		if len(sv.Items) == 0 {
			sv.Empty = "No pending requests."
		}
	case SidebarAll:
		sv.Title = "Find friends"
		for _, p := range s.Directory.Sorted() {
			a := AffordNone
			if p.UID != s.Self.UID && relation.StateOf(s.Self, p.UID) == relation.None {
				a = AffordAdd
			}
			sv.Items = append(sv.Items, userItem(s.Directory, p, a))
		}
	default:
		sv.Title = "General chat"
		for _, p := range s.Directory.Sorted() {
			sv.Items = append(sv.Items, userItem(s.Directory, p, AffordNone))
		}
	}
	return sv
}

func (r *Reconciler) chat(s State) *ChatView {
	cv := &ChatView{Conversation: s.Active, Messages: []MessageView{}}
	switch s.Active.Kind {
	case chat.General:
		cv.Title = "#general"
		cv.Placeholder = "Write in #general..."
	case chat.Private:
		p, ok := s.Directory.User(s.Active.ID)
		if !ok {
			return nil
		}
		name := filter.Plain(p.Username)
		cv.Title = name
		cv.Placeholder = "Write to " + name + "..."
	case chat.Group:
		g, ok := s.group(s.Active.ID)
		if !ok {
			return nil
		}
		name := filter.Plain(g.Name)
		cv.Title = name
		cv.Placeholder = "Write in " + name + "..."
	default:
		return nil
	}

	for _, m := range s.Messages {
		sender, ok := s.Directory.User(m.UserID)
		if !ok {
			continue
		}
		cv.Messages = append(cv.Messages, MessageView{
			Key:    m.Key,
			UserID: m.UserID,
			Author: filter.Plain(sender.Username),
			Avatar: sender.Avatar,
			Time:   r.clock(m.Timestamp),
			HTML:   filter.Render(m.Text),
			Own:    m.UserID == s.Self.UID,
		})
	}
	if n := len(cv.Messages); n > 0 {
		cv.ScrollTo = cv.Messages[n-1].Key
	}
	return cv
}

func (r *Reconciler) clock(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.In(r.loc).Format(timeLayout)
}

func userItem(d directory.Snapshot, p contract.Profile, a Affordance) Item {
	return Item{
		ID:         p.UID,
		Label:      filter.Plain(p.Username),
		Avatar:     p.Avatar,
		Online:     d.Online(p.UID),
		Affordance: a,
	}
}

// users resolves ids against the directory, skipping unknown ones, ordered by username.
func users(d directory.Snapshot, ids map[string]bool) []contract.Profile {
	out := make([]contract.Profile, 0, len(ids))
	for uid := range ids {
		if p, ok := d.User(uid); ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Username != out[j].Username {
			return out[i].Username < out[j].Username
		}
		return out[i].UID < out[j].UID
	})
	return out
}

func initials(name string) string {
	rs := []rune(name)
	if len(rs) > 2 {
		rs = rs[:2]
	}
	return filter.Plain(strings.ToUpper(string(rs)))
}
