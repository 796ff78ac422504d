package event

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrInvalid is returned by Validate for records that cannot be delivered.
var ErrInvalid = errors.New("invalid event record")

// Record is one immutable domain event handed over by a producer.
// Secondary ids are optional and depend on the category.
type Record struct {
	Category  Category
	ScopeID   string
	ActorID   string
	ChannelID string
	MessageID string
	RoleID    string
	// OccurredAt is assigned by the producer; it travels as epoch milliseconds.
	OccurredAt time.Time
	// Payload is category specific JSON; nil is sent as null.
	Payload json.RawMessage
}

// Key identifies the pending batch a record belongs to.
type Key struct {
	Scope    string
	Category Category
}

// Key returns the (scope, category) batching key.
func (r Record) Key() Key { return Key{Scope: r.ScopeID, Category: r.Category} }

// Validate checks the fields every backend relies on. Payload content is not inspected.
func (r Record) Validate() error {
	if r.ScopeID == "" {
		return errors.Join(ErrInvalid, errors.New("scope id required"))
	}
	if r.Category == "" {
		return errors.Join(ErrInvalid, errors.New("category required"))
	}
	if len(r.Payload) > 0 && !json.Valid(r.Payload) {
		return errors.Join(ErrInvalid, errors.New("payload is not valid JSON"))
	}
	return nil
}

// wireRecord is the outbound JSON shape.
type wireRecord struct {
	Category  Category        `json:"category"`
	ScopeID   string          `json:"scopeId"`
	ActorID   string          `json:"actorId,omitempty"`
	ChannelID string          `json:"channelId,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	RoleID    string          `json:"roleId,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

func (r Record) MarshalJSON() ([]byte, error) {
	w := wireRecord{
		Category:  r.Category,
		ScopeID:   r.ScopeID,
		ActorID:   r.ActorID,
		ChannelID: r.ChannelID,
		MessageID: r.MessageID,
		RoleID:    r.RoleID,
		Timestamp: r.OccurredAt.UnixMilli(),
		Payload:   r.Payload,
	}
	if len(w.Payload) == 0 {
		w.Payload = json.RawMessage("null")
	}
	return json.Marshal(w)
}

func (r *Record) UnmarshalJSON(b []byte) error {
	var w wireRecord
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*r = Record{
		Category:   w.Category,
		ScopeID:    w.ScopeID,
		ActorID:    w.ActorID,
		ChannelID:  w.ChannelID,
		MessageID:  w.MessageID,
		RoleID:     w.RoleID,
		OccurredAt: time.UnixMilli(w.Timestamp).UTC(),
	}
	if len(w.Payload) > 0 && string(w.Payload) != "null" {
		r.Payload = append(json.RawMessage(nil), w.Payload...)
	}
	return nil
}

// EncodeBatch renders records as the JSON array sent per flush or drain page.
func EncodeBatch(records []Record) ([]byte, error) {
	if records == nil {
		records = []Record{}
	}
	return json.Marshal(records)
}
