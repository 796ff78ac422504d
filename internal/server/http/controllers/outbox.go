package controllers

import (
	"net/http"

	"github.com/rzbill/courier/internal/event"
	"github.com/rzbill/courier/internal/runtime"
)

// OutboxController exposes a read-only view of the durable queue.
type OutboxController struct {
	rt *runtime.Runtime
}

// NewOutboxController creates a new outbox controller.
func NewOutboxController(rt *runtime.Runtime) *OutboxController {
	return &OutboxController{rt: rt}
}

// RegisterRoutes registers outbox routes with the given mux.
func (c *OutboxController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/outbox", c.handlePeek)
}

type outboxEntry struct {
	Seq    uint64       `json:"seq"`
	Record event.Record `json:"record"`
}

type outboxView struct {
	Count      int           `json:"count"`
	MaxEntries int           `json:"maxEntries"`
	Scope      string        `json:"scope,omitempty"`
	ScopeCount *int          `json:"scopeCount,omitempty"`
	Entries    []outboxEntry `json:"entries"`
}

// handlePeek lists the oldest entries (?limit=, default 20, at most 500) and
// optionally counts one scope (?scope=).
func (c *OutboxController) handlePeek(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	store := c.rt.Outbox()
	limit := parseLimit(r.URL.Query().Get("limit"), 20, 500)
	page, err := store.ReadPage(limit, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read outbox")
		return
	}
	view := outboxView{Count: store.Count(), MaxEntries: store.MaxEntries(), Entries: make([]outboxEntry, 0, len(page))}
	for _, e := range page {
		view.Entries = append(view.Entries, outboxEntry{Seq: e.Seq, Record: e.Record})
	}
	if scope := r.URL.Query().Get("scope"); scope != "" {
		n, err := store.CountScope(scope)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "count scope")
			return
		}
		view.Scope, view.ScopeCount = scope, &n
	}
	writeJSON(w, view)
}
