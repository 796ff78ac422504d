package event

import "strings"

// Category is the fixed kind of a domain event. The set is closed; producers
// must use one of the constants below.
type Category string

const (
	MessageCreate   Category = "message.create"
	MessageUpdate   Category = "message.update"
	MessageDelete   Category = "message.delete"
	ReactionAdd     Category = "reaction.add"
	ReactionRemove  Category = "reaction.remove"
	MemberJoin      Category = "member.join"
	MemberLeave     Category = "member.leave"
	MemberUpdate    Category = "member.update"
	VoiceJoin       Category = "voice.join"
	VoiceLeave      Category = "voice.leave"
	VoiceMove       Category = "voice.move"
	ChannelCreate   Category = "channel.create"
	ChannelUpdate   Category = "channel.update"
	ChannelDelete   Category = "channel.delete"
	RoleCreate      Category = "role.create"
	RoleUpdate      Category = "role.update"
	RoleDelete      Category = "role.delete"
	ScopeJoin       Category = "scope.join"
	ScopeLeave      Category = "scope.leave"
	ScopeUpdate     Category = "scope.update"
	InviteCreate    Category = "invite.create"
	InviteDelete    Category = "invite.delete"
	ModerationBan   Category = "moderation.ban"
	ModerationUnban Category = "moderation.unban"
	PresenceUpdate  Category = "presence.update"
	CommandInvoke   Category = "command.invoke"
)

var known = map[Category]struct{}{}

func init() {
	for _, c := range All() {
		known[c] = struct{}{}
	}
}

// All lists every category in declaration order.
func All() []Category {
	return []Category{
		MessageCreate, MessageUpdate, MessageDelete,
		ReactionAdd, ReactionRemove,
		MemberJoin, MemberLeave, MemberUpdate,
		VoiceJoin, VoiceLeave, VoiceMove,
		ChannelCreate, ChannelUpdate, ChannelDelete,
		RoleCreate, RoleUpdate, RoleDelete,
		ScopeJoin, ScopeLeave, ScopeUpdate,
		InviteCreate, InviteDelete,
		ModerationBan, ModerationUnban,
		PresenceUpdate, CommandInvoke,
	}
}

// Valid reports whether c belongs to the known set.
func (c Category) Valid() bool {
	_, ok := known[c]
	return ok
}

// Family returns the part before the dot ("message" for "message.create").
func (c Category) Family() string {
	s := string(c)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[:i]
	}
	return s
}

func (c Category) String() string { return string(c) }
