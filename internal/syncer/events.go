package syncer

import (
	"sync"
	"time"

	"github.com/teacherly/plansync/internal/entity"
)

// Event kinds published on the bus.
const (
	EventSyncStatus   = "sync-status"
	EventConflict     = "conflict-detected"
	EventConnectivity = "connectivity"
	EventImport       = "import-progress"
)

// Event is a single notification about sync activity. The dashboard
// serializes these to its websocket clients as-is.
type Event struct {
	Kind       string      `json:"kind"`
	EntityType entity.Type `json:"entityType,omitempty"`
	Status     string      `json:"status,omitempty"`
	// Detail carries the error message for failed passes and the conflict
	// record id for conflict events, so a client can drive resolution.
	Detail string `json:"detail,omitempty"`
	Time       time.Time   `json:"time"`
}

// Bus fans events out to subscribers. Publishing never blocks; a slow
// subscriber drops events rather than stalling a sync pass.
type Bus struct {
	mu   sync.Mutex
	subs []chan Event
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a buffered channel of future events.
func (b *Bus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, 16)
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers the event to every subscriber that has buffer space.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	b.mu.Lock()
	subs := make([]chan Event, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
