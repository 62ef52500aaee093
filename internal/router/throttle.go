package router

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// sampleWindow bounds how long a location sample is remembered for
// duplicate suppression. GPS clients that retransmit on flaky links do so
// within a couple of seconds; anything later is a legitimate new sample.
const sampleWindow = 5 * time.Second

type sampleEntry struct {
	key   string
	timer *time.Timer
}

// sampleThrottle remembers the last location sample seen per origin
// connection and drops exact retransmits (same trip, same sample
// timestamp). Entries self-expire on a timer, so a deregistered
// connection's entry cleans itself up.
type sampleThrottle struct {
	mu   sync.Mutex
	last map[uuid.UUID]*sampleEntry
}

func newSampleThrottle() *sampleThrottle {
	return &sampleThrottle{last: make(map[uuid.UUID]*sampleEntry)}
}

// duplicate records the sample identity from the payload and reports
// whether the same origin already published it within the window.
func (t *sampleThrottle) duplicate(connID uuid.UUID, payload json.RawMessage) bool {
	fields := gjson.GetManyBytes(payload, "trip_id", "sampled_at")
	key := fields[0].Raw + "|" + fields[1].Raw
	if key == "|" {
		return false // malformed sample; let envelope validation deal with it
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, ok := t.last[connID]; ok {
		if entry.key == key {
			return true
		}
		entry.timer.Stop()
	}
	entry := &sampleEntry{key: key}
	entry.timer = time.AfterFunc(sampleWindow, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.last[connID] == entry {
			delete(t.last, connID)
		}
	})
	t.last[connID] = entry
	return false
}
