package driver

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType discriminates driver events.
type EventType string

const (
	EventLog           EventType = "log"
	EventStatus        EventType = "status"
	EventProgress      EventType = "progress"
	EventQueueProgress EventType = "queue_progress"
	EventWrongContext  EventType = "wrong_context"
	EventComplete      EventType = "complete"
	// EventRetry, EventReload and EventSuspend are emitted for metrics; UI clients may ignore them.
	EventRetry   EventType = "retry"
	EventReload  EventType = "reload"
	EventSuspend EventType = "suspend"
)

// Progress carries counters for progress and queue_progress events.
type Progress struct {
	Done                     int `json:"done"`
	Total                    int `json:"total"`
	CurrentEntryNum          int `json:"currentEntryNum,omitempty"`
	CurrentItemNum           int `json:"currentItemNum,omitempty"`
	TotalItemsInCurrentEntry int `json:"totalItemsInCurrentEntry,omitempty"`
	TotalProcessed           int `json:"totalProcessed,omitempty"`
}

// Event is one asynchronous notification from the driver.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"runId,omitempty"`
	Message   string    `json:"message,omitempty"`
	Status    Status    `json:"status,omitempty"`
	Progress  *Progress `json:"progress,omitempty"`
	URL       string    `json:"url,omitempty"`
}

// Emitter receives driver events. Emit must not block.
type Emitter interface {
	Emit(Event)
}

const subscriberBuffer = 256

// Broadcaster fans events out to subscribers. A subscriber that falls behind
// loses events rather than stalling the driver.
type Broadcaster struct {
	logger *zap.Logger

	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewBroadcaster returns an empty Broadcaster.
func NewBroadcaster(logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		logger: logger.Named("events"),
		subs:   make(map[int]chan Event),
	}
}

// Subscribe registers a new subscriber. The returned cancel func unregisters
// it and closes the channel.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Emit delivers e to every subscriber without blocking.
func (b *Broadcaster) Emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.logger.Warn("Event subscriber buffer full, dropping event.",
				zap.Int("subscriber", id), zap.String("type", string(e.Type)))
		}
	}
}

// Close unregisters and closes every subscriber.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
