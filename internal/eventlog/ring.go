package eventlog

import (
	"encoding/json"
	"sync"
)

// Ring is a fixed-capacity circular buffer of advert records. It lets late
// WebSocket subscribers catch up on recent adverts.
type Ring struct {
	mu       sync.RWMutex
	buf      []json.RawMessage
	capacity int
	pos      int // next write position
	full     bool
}

// NewRing creates a ring buffer with the given capacity.
func NewRing(capacity int) *Ring {
	return &Ring{
		buf:      make([]json.RawMessage, capacity),
		capacity: capacity,
	}
}

// Write adds a record to the ring buffer.
func (r *Ring) Write(rec json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.pos] = rec
	r.pos = (r.pos + 1) % r.capacity
	if r.pos == 0 {
		r.full = true
	}
}

// ReadAll returns all records in the buffer in arrival order.
func (r *Ring) ReadAll() []json.RawMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.full {
		result := make([]json.RawMessage, r.pos)
		copy(result, r.buf[:r.pos])
		return result
	}

	result := make([]json.RawMessage, r.capacity)
	copy(result, r.buf[r.pos:])
	copy(result[r.capacity-r.pos:], r.buf[:r.pos])
	return result
}
