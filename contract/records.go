package contract

import (
	"net/url"
	"time"

	"github.com/klipach/community/store"
)

const (
	usersRoot        = "users"
	statusRoot       = "status"
	groupsRoot       = "groups"
	groupChatsRoot   = "groupChats"
	friendsKey       = "friends"
	friendReqKey     = "friendRequests"
	sentKey          = "sent"
	receivedKey      = "received"
	userGroupsKey    = "groups"
	groupMembersKey  = "members"
	avatarKey        = "avatar"
	fallbackUsername = "usuario"
	avatarBaseURL    = "https://api.dicebear.com/8.x/adventurer/svg?seed="
)

func UsersPath() string { return usersRoot }
func UserPath(uid string) string { return store.Join(usersRoot, uid) }
func AvatarPath(uid string) string { return store.Join(usersRoot, uid, avatarKey) }
func StatusesPath() string { return statusRoot }
func StatusPath(uid string) string { return store.Join(statusRoot, uid) }
func GroupsPath() string { return groupsRoot }
func GroupPath(gid string) string { return store.Join(groupsRoot, gid) }
func GroupChatsPath() string { return groupChatsRoot }
func GroupChatPath(gid string) string { return store.Join(groupChatsRoot, gid) }
func FriendPath(uid, other string) string { return store.Join(usersRoot, uid, friendsKey, other) }
func SentRequestPath(uid, other string) string {
	return store.Join(usersRoot, uid, friendReqKey, sentKey, other)
}
func ReceivedRequestPath(uid, other string) string {
	return store.Join(usersRoot, uid, friendReqKey, receivedKey, other)
}
func UserGroupPath(uid, gid string) string {
	return store.Join(usersRoot, uid, userGroupsKey, gid)
}
func GroupMemberPath(gid, uid string) string {
	return store.Join(groupsRoot, gid, groupMembersKey, uid)
}

// SeededAvatar is the deterministic avatar used when a profile has none.
func SeededAvatar(seed string) string {
	return avatarBaseURL + url.QueryEscape(seed)
}

type FriendRequests struct {
	Sent     map[string]bool `json:"sent"`
	Received map[string]bool `json:"received"`
}

// Profile is the record at users/{uid}.
type Profile struct {
	UID            string          `json:"uid"`
	Username       string          `json:"username"`
	Email          string          `json:"email"`
	Avatar         string          `json:"avatar"`
	CreatedAt      time.Time       `json:"createdAt"`
	Friends        map[string]bool `json:"friends"`
	FriendRequests FriendRequests  `json:"friendRequests"`
	Groups         map[string]bool `json:"groups"`
}

// DecodeProfile coerces a users/{uid} value. ok is false when no record exists.
func DecodeProfile(uid string, v any) (p Profile, ok bool) {
	m := asMap(v)
	if m == nil {
		return Profile{}, false
	}
	requests := asMap(m[friendReqKey])
	p = Profile{
		UID:       uid,
		Username:  getStr(m, "username"),
		Email:     getStr(m, "email"),
		Avatar:    getStr(m, avatarKey),
		CreatedAt: getTime(m, "createdAt"),
		Friends:   getSet(m, friendsKey),
		FriendRequests: FriendRequests{
			Sent:     getSet(requests, sentKey),
			Received: getSet(requests, receivedKey),
		},
		Groups: getSet(m, userGroupsKey),
	}
	if p.Username == "" {
		p.Username = fallbackUsername
	}
	if p.Avatar == "" {
		p.Avatar = SeededAvatar(p.Username)
	}
	return p, true
}

// NewProfileRecord is the value written when an identity is first seen.
func NewProfileRecord(username, email, avatar string) map[string]any {
	return map[string]any{
		"username":  username,
		"email":     email,
		"avatar":    avatar,
		"createdAt": store.ServerTimestamp,
	}
}

// FallbackUsername derives a username from a display name or an email address.
func FallbackUsername(displayName, email string) string {
	if displayName != "" {
		return displayName
	}
	for i := 0; i < len(email); i++ {
		if email[i] == '@' {
			if i > 0 {
				return email[:i]
			}
			break
		}
	}
	if email != "" && email[0] != '@' {
		return email
	}
	return fallbackUsername
}

type State string

const (
	Online  State = "online"
	Offline State = "offline"
)

// Presence is the record at status/{uid}.
type Presence struct {
	UID         string    `json:"uid"`
	State       State     `json:"state"`
	LastChanged time.Time `json:"lastChanged"`
}

// DecodePresence coerces a status/{uid} value. Anything but "online" is offline.
func DecodePresence(uid string, v any) Presence {
	m := asMap(v)
	p := Presence{UID: uid, State: Offline, LastChanged: getTime(m, "last_changed")}
	if getStr(m, "state") == string(Online) {
		p.State = Online
	}
	return p
}

// OnlineAt reports whether p counts as online at now. An online record whose
// last_changed is older than staleAfter counts as offline; a zero staleAfter
// disables the cutoff.
func (p Presence) OnlineAt(now time.Time, staleAfter time.Duration) bool {
	if p.State != Online {
		return false
	}
	if staleAfter <= 0 || p.LastChanged.IsZero() {
		return true
	}
	return now.Sub(p.LastChanged) < staleAfter
}

func PresenceRecord(state State) map[string]any {
	return map[string]any{
		"state":        string(state),
		"last_changed": store.ServerTimestamp,
	}
}

// Group is the record at groups/{gid}.
type Group struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	CreatedAt time.Time       `json:"createdAt"`
	CreatedBy string          `json:"createdBy"`
	Members   map[string]bool `json:"members"`
}

func (g Group) IsMember(uid string) bool {
	return g.Members[uid]
}

// DecodeGroup coerces a groups/{gid} value. ok is false when the group does not exist.
func DecodeGroup(gid string, v any) (g Group, ok bool) {
	m := asMap(v)
	if m == nil {
		return Group{}, false
	}
	g = Group{
		ID:        gid,
		Name:      getStr(m, "name"),
		CreatedAt: getTime(m, "createdAt"),
		CreatedBy: getStr(m, "createdBy"),
		Members:   getSet(m, groupMembersKey),
	}
	if g.Name == "" {
		g.Name = gid
	}
	return g, true
}

func NewGroupRecord(name, createdBy string, members map[string]bool) map[string]any {
	return map[string]any{
		"name":          name,
		"createdAt":     store.ServerTimestamp,
		"createdBy":     createdBy,
		groupMembersKey: members,
	}
}

// Message is one appended chat entry.
type Message struct {
	Key       string    `json:"key"`
	UserID    string    `json:"userId"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// DecodeMessage coerces an appended child. Entries without a sender are dropped.
func DecodeMessage(key string, v any) (Message, bool) {
	m := asMap(v)
	msg := Message{
		Key:       key,
		UserID:    getStr(m, "userId"),
		Text:      getStr(m, "text"),
		Timestamp: getTime(m, "timestamp"),
	}
	if msg.UserID == "" {
		return Message{}, false
	}
	return msg, true
}

func NewMessageRecord(uid, text string) map[string]any {
	return map[string]any{
		"userId":    uid,
		"text":      text,
		"timestamp": store.ServerTimestamp,
	}
}
