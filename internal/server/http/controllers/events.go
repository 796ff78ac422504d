package controllers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rzbill/courier/internal/batcher"
	"github.com/rzbill/courier/internal/event"
	"github.com/rzbill/courier/internal/runtime"
	logpkg "github.com/rzbill/courier/pkg/log"
)

const maxEventsBody = 4 << 20

// EventsController lets local producers submit records over HTTP.
type EventsController struct {
	rt     *runtime.Runtime
	logger logpkg.Logger
}

// NewEventsController creates a new events controller.
func NewEventsController(rt *runtime.Runtime, logger logpkg.Logger) *EventsController {
	return &EventsController{rt: rt, logger: logger}
}

// RegisterRoutes registers event routes with the given mux.
func (c *EventsController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/events", c.handleSubmit)
}

// handleSubmit accepts one record or an array of records in the wire format.
// Records are validated up front so a bad batch is rejected as a whole.
func (c *EventsController) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventsBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	if len(body) > maxEventsBody {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}
	recs, err := decodeRecords(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for i, rec := range recs {
		if err := rec.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("record %d: %v", i, err))
			return
		}
	}
	accepted := 0
	for _, rec := range recs {
		if err := c.rt.Submit(rec); err != nil {
			if errors.Is(err, batcher.ErrClosed) {
				writeError(w, http.StatusServiceUnavailable, "shutting down")
				return
			}
			c.logger.Error("submit failed", logpkg.Err(err))
			writeError(w, http.StatusInternalServerError, "submit failed")
			return
		}
		accepted++
	}
	writeStatus(w, http.StatusAccepted, map[string]int{"accepted": accepted})
}

func decodeRecords(body []byte) ([]event.Record, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}
	if body[0] == '[' {
		var recs []event.Record
		if err := json.Unmarshal(body, &recs); err != nil {
			return nil, fmt.Errorf("decode records: %w", err)
		}
		return recs, nil
	}
	var rec event.Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return []event.Record{rec}, nil
}
