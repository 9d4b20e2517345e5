package contract

// Action types accepted by the gateway.
const (
	ActionSwitch            = "switch"
	ActionSidebar           = "sidebar"
	ActionSend              = "send"
	ActionFriendSend        = "friend.send"
	ActionFriendAccept      = "friend.accept"
	ActionFriendReject      = "friend.reject"
	ActionFriendRemove      = "friend.remove"
	ActionGroupCreate       = "group.create"
	ActionGroupLeave        = "group.leave"
	ActionGroupDelete       = "group.delete"
	ActionGroupAddMembers   = "group.addMembers"
	ActionGroupRemoveMember = "group.removeMember"
	ActionAvatarSet         = "avatar.set"
)

// Action is one user intent sent by a client.
type Action struct {
	Session   string   `json:"session"`
	Type      string   `json:"type"`
	Kind      string   `json:"kind,omitempty"`
	ID        string   `json:"id,omitempty"`
	UIDs      []string `json:"uids,omitempty"`
	Text      string   `json:"text,omitempty"`
	Sidebar   string   `json:"sidebar,omitempty"`
	Confirmed bool     `json:"confirmed,omitempty"`
}

// ActionResponse is returned for an accepted action. ID carries the key of a created record.
type ActionResponse struct {
	OK    bool   `json:"ok"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}
