package view

import (
	"errors"

	"github.com/klipach/community/filter"
)

var ErrUnknownGroup = errors.New("view: unknown group")

type Member struct {
	UID        string     `json:"uid"`
	Label      string     `json:"label"`
	Avatar     string     `json:"avatar"`
	Creator    bool       `json:"creator"`
	Affordance Affordance `json:"affordance,omitempty"`
}

// GroupSettingsView describes the settings dialog of one group. Candidates
// are the friends the creator may still add.
type GroupSettingsView struct {
	GroupID    string   `json:"groupId"`
	Name       string   `json:"name"`
	Members    []Member `json:"members"`
	Candidates []Member `json:"candidates,omitempty"`
	CanAdd     bool     `json:"canAdd"`
	CanDelete  bool     `json:"canDelete"`
	CanLeave   bool     `json:"canLeave"`
}

// GroupSettings lists the members of gid. Only the creator gets the remove
// affordance, and never on themselves.
func GroupSettings(s State, gid string) (GroupSettingsView, error) {
	g, ok := s.group(gid)
	if !ok {
		return GroupSettingsView{}, ErrUnknownGroup
	}
	creator := g.CreatedBy == s.Self.UID
	gv := GroupSettingsView{
		GroupID:   g.ID,
		Name:      filter.Plain(g.Name),
		Members:   []Member{},
		CanAdd:    creator,
		CanDelete: creator,
		CanLeave:  true,
	}
	for _, p := range users(s.Directory, g.Members) {
		m := Member{
			UID:     p.UID,
			Label:   filter.Plain(p.Username),
			Avatar:  p.Avatar,
			Creator: p.UID == g.CreatedBy,
		}
		if creator && p.UID != s.Self.UID {
			m.Affordance = AffordRemove
		}
		gv.Members = append(gv.Members, m)
	}
	if creator {
		gv.Candidates, _ = Candidates(s, gid)
	}
	return gv, nil
}

// Candidates lists the friends that can be added to gid. An empty gid is a
// group about to be created.
func Candidates(s State, gid string) ([]Member, error) {
	var members map[string]bool
	if gid != "" {
		g, ok := s.group(gid)
		if !ok {
			return nil, ErrUnknownGroup
		}
		members = g.Members
	}
	out := []Member{}
	for _, p := range users(s.Directory, s.Self.Friends) {
		if members[p.UID] {
			continue
		}
		out = append(out, Member{
			UID:        p.UID,
			Label:      filter.Plain(p.Username),
			Avatar:     p.Avatar,
			Affordance: AffordAdd,
		})
	}
	return out, nil
}
