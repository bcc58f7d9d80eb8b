package split

import (
	"encoding/binary"
	"encoding/json"
	"slices"

	"github.com/cespare/xxhash/v2"
)

// EventID identifies one trace event for verification purposes. A
// negative ID marks an event that carries no usable identity; such
// events are excluded from verification hashing.
type EventID struct {
	ID  int64
	PID int64
	TID int64
}

// Valid reports whether the event carries a usable identity.
func (e EventID) Valid() bool { return e.ID >= 0 }

// ParseEventID extracts the (id, pid, tid) triple from one JSON event.
// Missing or non-integer fields stay at -1; a completely unparseable
// line yields an invalid EventID.
func ParseEventID(event []byte) EventID {
	var raw struct {
		ID  json.RawMessage `json:"id"`
		PID json.RawMessage `json:"pid"`
		TID json.RawMessage `json:"tid"`
	}
	e := EventID{ID: -1, PID: -1, TID: -1}
	if json.Unmarshal(event, &raw) != nil {
		return e
	}
	// Each field is decoded on its own: a type mismatch on one field
	// leaves that field at -1 and does not discard the others.
	field := func(msg json.RawMessage, dst *int64) {
		var v *int64
		if json.Unmarshal(msg, &v) == nil && v != nil {
			*dst = *v
		}
	}
	field(raw.ID, &e.ID)
	field(raw.PID, &e.PID)
	field(raw.TID, &e.TID)
	return e
}

// sortEventIDs orders events lexicographically by (id, pid, tid) so the
// multiset hash is independent of extraction order.
func sortEventIDs(ids []EventID) {
	slices.SortFunc(ids, func(a, b EventID) int {
		if a.ID != b.ID {
			if a.ID < b.ID {
				return -1
			}
			return 1
		}
		if a.PID != b.PID {
			if a.PID < b.PID {
				return -1
			}
			return 1
		}
		if a.TID != b.TID {
			if a.TID < b.TID {
				return -1
			}
			return 1
		}
		return 0
	})
}

// hashEventIDs folds a sorted event list into a 64-bit content hash.
func hashEventIDs(ids []EventID) uint64 {
	d := xxhash.New()
	var buf [24]byte
	for _, e := range ids {
		binary.LittleEndian.PutUint64(buf[0:], uint64(e.ID))
		binary.LittleEndian.PutUint64(buf[8:], uint64(e.PID))
		binary.LittleEndian.PutUint64(buf[16:], uint64(e.TID))
		d.Write(buf[:])
	}
	return d.Sum64()
}
