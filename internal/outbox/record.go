package outbox

import (
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"time"

	"github.com/rzbill/courier/internal/event"
)

// Entry encoding: varint headerLen | header JSON | payload | crc32c(header|payload)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// entryHeader holds every column except the payload. Nullable ids are omitted.
type entryHeader struct {
	Category  event.Category `json:"c"`
	ScopeID   string         `json:"s"`
	ActorID   string         `json:"a,omitempty"`
	ChannelID string         `json:"ch,omitempty"`
	MessageID string         `json:"m,omitempty"`
	RoleID    string         `json:"r,omitempty"`
	// epoch milliseconds, the wire precision
	UnixMilli int64          `json:"ms"`
}

func encodeEntry(r event.Record) ([]byte, error) {
	header, err := json.Marshal(entryHeader{
		Category:  r.Category,
		ScopeID:   r.ScopeID,
		ActorID:   r.ActorID,
		ChannelID: r.ChannelID,
		MessageID: r.MessageID,
		RoleID:    r.RoleID,
		UnixMilli: r.OccurredAt.UnixMilli(),
	})
	if err != nil {
		return nil, err
	}
	payload := []byte(r.Payload)

	out := make([]byte, 0, binary.MaxVarintLen64+len(header)+len(payload)+4)
	out = binary.AppendUvarint(out, uint64(len(header)))
	out = append(out, header...)
	out = append(out, payload...)

	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	return binary.BigEndian.AppendUint32(out, crc), nil
}

func decodeEntry(b []byte) (event.Record, bool) {
	if len(b) < 1+4 {
		return event.Record{}, false
	}
	hlen, n := binary.Uvarint(b)
	if n <= 0 || uint64(n)+hlen+4 > uint64(len(b)) {
		return event.Record{}, false
	}
	header := b[n : n+int(hlen)]
	payload := b[n+int(hlen) : len(b)-4]
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	if crc != binary.BigEndian.Uint32(b[len(b)-4:]) {
		return event.Record{}, false
	}

	var h entryHeader
	if err := json.Unmarshal(header, &h); err != nil {
		return event.Record{}, false
	}
	r := event.Record{
		Category:   h.Category,
		ScopeID:    h.ScopeID,
		ActorID:    h.ActorID,
		ChannelID:  h.ChannelID,
		MessageID:  h.MessageID,
		RoleID:     h.RoleID,
		OccurredAt: time.UnixMilli(h.UnixMilli).UTC(),
	}
	if len(payload) > 0 {
		r.Payload = append(json.RawMessage(nil), payload...)
	}
	return r, true
}

// scopeOf decodes only what index maintenance needs.
func scopeOf(b []byte) (string, bool) {
	r, ok := decodeEntry(b)
	return r.ScopeID, ok
}
