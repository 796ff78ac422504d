package outbox

import "encoding/binary"

// Keyspace (byte-wise, lexicographically sortable):
//   - outbox/m                          lastSeq(8B BE) | count(8B BE)
//   - outbox/e/{seq_be8}                encoded entry
//   - outbox/s/{len_be4}{scope}/{seq_be8} scope index, empty value
//
// The scope is length-prefixed so one scope can never be a prefix of another.

var (
	metaKey     = []byte("outbox/m")
	entryPrefix = []byte("outbox/e/")
	scopePrefix = []byte("outbox/s/")
)

func appendBE4(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

// keyEntry builds the entry key with a big-endian sequence for proper ordering.
func keyEntry(seq uint64) []byte {
	k := make([]byte, 0, len(entryPrefix)+8)
	k = append(k, entryPrefix...)
	return appendBE8(k, seq)
}

// seqFromKey extracts the trailing sequence of an entry or scope index key.
func seqFromKey(k []byte) uint64 {
	return binary.BigEndian.Uint64(k[len(k)-8:])
}

// entryBounds returns [lower, upper) covering every entry key.
func entryBounds() ([]byte, []byte) {
	return keyEntry(0), append(keyEntry(^uint64(0)), 0x00)
}

func keyScopePrefix(scope string) []byte {
	k := make([]byte, 0, len(scopePrefix)+4+len(scope)+1)
	k = append(k, scopePrefix...)
	k = appendBE4(k, uint32(len(scope)))
	k = append(k, scope...)
	return append(k, '/')
}

func keyScope(scope string, seq uint64) []byte {
	return appendBE8(keyScopePrefix(scope), seq)
}

// prefixEnd returns the smallest key greater than every key starting with p.
func prefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
