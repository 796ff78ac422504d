package policy

import (
	"time"

	"github.com/rzbill/courier/internal/event"
)

// DefaultTable is the policy set used when no rules are configured. Membership
// and moderation changes are critical; chat traffic is batched hardest.
func DefaultTable() *Table {
	t, _ := NewTable(Batched{MaxSize: 20, MaxWait: 5 * time.Second},
		Rule{
			Name:   "critical",
			Match:  CategoryIn(event.MemberJoin, event.MemberLeave, event.ScopeJoin, event.ScopeLeave, event.ModerationBan, event.ModerationUnban),
			Policy: Immediate{},
		},
		Rule{Name: "text-message", Match: CategoryPrefix("message."), Policy: Batched{MaxSize: 50, MaxWait: 2 * time.Second}},
		Rule{Name: "reaction", Match: CategoryPrefix("reaction."), Policy: Batched{MaxSize: 100, MaxWait: 3 * time.Second}},
		Rule{Name: "voice", Match: CategoryPrefix("voice."), Policy: Batched{MaxSize: 10, MaxWait: time.Second}},
		Rule{Name: "presence", Match: CategoryIn(event.PresenceUpdate), Policy: Batched{MaxSize: 200, MaxWait: 10 * time.Second}},
	)
	return t
}
