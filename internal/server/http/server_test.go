package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	cfgpkg "github.com/rzbill/courier/internal/config"
	"github.com/rzbill/courier/internal/event"
	"github.com/rzbill/courier/internal/runtime"
	"github.com/rzbill/courier/internal/transport"
	logpkg "github.com/rzbill/courier/pkg/log"
)

// offlineDriver never connects, so every batch lands in the outbox.
type offlineDriver struct{}

func (offlineDriver) Name() string { return "offline" }
func (offlineDriver) Send(context.Context, []event.Record) error { return transport.ErrNotConnected }
func (offlineDriver) Handshake(context.Context, transport.Registration) error { return transport.ErrNotConnected }
func (offlineDriver) Run(ctx context.Context, _ transport.Listener) error {
	<-ctx.Done()
	return nil
}

func newTestServer(t *testing.T) (*Server, *runtime.Runtime) {
	t.Helper()
	cfg := cfgpkg.Default()
	cfg.DataDir = t.TempDir()
	rt, err := runtime.Open(runtime.Options{Config: cfg, Driver: offlineDriver{}})
	if err != nil {
		t.Fatalf("rt open: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close(context.Background()) })
	logger, _ := logpkg.ApplyConfig(&logpkg.Config{Level: "error", Format: "text"})
	return New(rt, logger), rt
}

func serve(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthHandler(t *testing.T) {
	s, _ := newTestServer(t)
	if w := serve(s, http.MethodGet, "/v1/healthz", ""); w.Code != 200 {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestStatusHandler(t *testing.T) {
	s, _ := newTestServer(t)
	w := serve(s, http.MethodGet, "/v1/status", "")
	if w.Code != 200 {
		t.Fatalf("status: %d", w.Code)
	}
	var st runtime.Status
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Transport != "offline" || st.Session.State != "disconnected" || st.Instance.InstanceID == "" {
		t.Fatalf("status: %+v", st)
	}
}

func TestSubmitImmediateLandsInOutbox(t *testing.T) {
	s, rt := newTestServer(t)
	body := `[{"category":"member.join","scopeId":"g1","actorId":"u1","timestamp":1700000000000,"payload":{"nick":"a"}},
		{"category":"member.leave","scopeId":"g1","actorId":"u2","timestamp":1700000000001}]`
	w := serve(s, http.MethodPost, "/v1/events", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status: %d %s", w.Code, w.Body.String())
	}
	if err := rt.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Close drained the dispatch queue, so both records are persisted.
	if n := rt.Status().Session.BufferedBatches; n != 2 {
		t.Fatalf("expected 2 buffered batches, got %d", n)
	}
}

func TestSubmitRejectsInvalid(t *testing.T) {
	s, _ := newTestServer(t)
	if w := serve(s, http.MethodPost, "/v1/events", `{"category":"message.create","timestamp":1}`); w.Code != http.StatusBadRequest {
		t.Fatalf("missing scope should be rejected: %d", w.Code)
	}
	if w := serve(s, http.MethodPost, "/v1/events", `not json`); w.Code != http.StatusBadRequest {
		t.Fatalf("bad json should be rejected: %d", w.Code)
	}
	if w := serve(s, http.MethodGet, "/v1/events", ""); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET should not be allowed: %d", w.Code)
	}
}

func TestOutboxPeek(t *testing.T) {
	s, rt := newTestServer(t)
	recs := []event.Record{
		{Category: event.MessageCreate, ScopeID: "g1", MessageID: "m1"},
		{Category: event.MessageCreate, ScopeID: "g2", MessageID: "m2"},
	}
	if _, err := rt.Outbox().Append(context.Background(), recs); err != nil {
		t.Fatalf("append: %v", err)
	}
	w := serve(s, http.MethodGet, "/v1/outbox?limit=1&scope=g2", "")
	if w.Code != 200 {
		t.Fatalf("status: %d", w.Code)
	}
	var view struct {
		Count      int `json:"count"`
		ScopeCount int `json:"scopeCount"`
		Entries    []struct {
			Seq    uint64       `json:"seq"`
			Record event.Record `json:"record"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Count != 2 || view.ScopeCount != 1 || len(view.Entries) != 1 || view.Entries[0].Record.MessageID != "m1" {
		t.Fatalf("view: %+v", view)
	}
}
