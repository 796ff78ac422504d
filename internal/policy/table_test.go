package policy

import (
	"testing"
	"time"

	"github.com/rzbill/courier/internal/event"
)

func TestFromLimits(t *testing.T) {
	p, err := FromLimits(1, 0)
	if err != nil {
		t.Fatalf("limits: %v", err)
	}
	if _, ok := p.(Immediate); !ok {
		t.Fatalf("size 1 should be immediate, got %s", p)
	}
	p, err = FromLimits(50, 2000)
	if err != nil {
		t.Fatalf("limits: %v", err)
	}
	b, ok := p.(Batched)
	if !ok || b.MaxSize != 50 || b.MaxWait != 2*time.Second {
		t.Fatalf("unexpected policy %s", p)
	}
	if _, err := FromLimits(0, 10); err == nil {
		t.Fatalf("size 0 should be rejected")
	}
	if _, err := FromLimits(5, -1); err == nil {
		t.Fatalf("negative wait should be rejected")
	}
}

func TestFirstMatchWins(t *testing.T) {
	tbl, err := NewTable(Batched{MaxSize: 5, MaxWait: time.Second},
		Rule{Name: "delete-critical", Match: CategoryIn(event.MessageDelete), Policy: Immediate{}},
		Rule{Name: "messages", Match: CategoryPrefix("message."), Policy: Batched{MaxSize: 50, MaxWait: 2 * time.Second}},
	)
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	if _, name := tbl.ResolveRule(event.MessageDelete, "g"); name != "delete-critical" {
		t.Fatalf("expected first rule, got %s", name)
	}
	if _, name := tbl.ResolveRule(event.MessageCreate, "g"); name != "messages" {
		t.Fatalf("expected prefix rule, got %s", name)
	}
	p, name := tbl.ResolveRule(event.Category("unknown.kind"), "g")
	if name != "default" || p.(Batched).MaxSize != 5 {
		t.Fatalf("expected default fallback, got %s %s", name, p)
	}
}

func TestNewTableRequiresDefault(t *testing.T) {
	if _, err := NewTable(nil); err == nil {
		t.Fatalf("expected error without default")
	}
	if _, err := NewTable(Immediate{}, Rule{Name: "broken"}); err == nil {
		t.Fatalf("expected error for rule without predicate")
	}
}

func TestCELPredicate(t *testing.T) {
	pred, err := CELPredicate(`family == "voice" && scope != "lab"`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !pred(event.VoiceJoin, "g1") {
		t.Fatalf("voice in g1 should match")
	}
	if pred(event.VoiceJoin, "lab") || pred(event.MessageCreate, "g1") {
		t.Fatalf("unexpected match")
	}
	if _, err := CELPredicate(`category + "x"`); err == nil {
		t.Fatalf("non-bool expression should fail")
	}
	if _, err := CELPredicate(`nope(`); err == nil {
		t.Fatalf("syntax error should fail")
	}
}

func TestDefaultTable(t *testing.T) {
	tbl := DefaultTable()
	if _, ok := tbl.Resolve(event.MemberJoin, "g").(Immediate); !ok {
		t.Fatalf("member join should be critical")
	}
	b, ok := tbl.Resolve(event.MessageCreate, "g").(Batched)
	if !ok || b.MaxSize != 50 || b.MaxWait != 2*time.Second {
		t.Fatalf("text messages should batch 50/2s")
	}
	if _, ok := tbl.Resolve(event.RoleUpdate, "g").(Batched); !ok {
		t.Fatalf("role update should fall back to default")
	}
}
