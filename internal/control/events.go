package control

import (
	"sync"

	"github.com/babelcloud/micstream/internal/util"
	"github.com/dchest/uniuri"
)

// Event is published whenever the controller state changes
type Event struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
	Status Status `json:"status"`
}

const (
	EventStatus     = "status"
	EventStreamLost = "stream_lost"
	EventAudioLost  = "audio_lost"
)

// EventBus fans events out to subscribers. Slow subscribers miss events
// rather than block publishers.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[string]chan Event
	closed bool
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[string]chan Event)}
}

// Subscribe returns a subscriber id and its channel
func (b *EventBus) Subscribe(bufferSize int) (string, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, bufferSize)
	if b.closed {
		close(ch)
		return "", ch
	}
	id := uniuri.NewLen(12)
	b.subs[id] = ch
	util.GetLogger().Debug("Event subscriber added", "id", id, "total", len(b.subs))
	return id, ch
}

func (b *EventBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		close(ch)
		delete(b.subs, id)
		util.GetLogger().Debug("Event subscriber removed", "id", id, "total", len(b.subs))
	}
}

func (b *EventBus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			util.GetLogger().Warn("Event channel full, dropping event", "subscriber", id, "type", ev.Type)
		}
	}
}

// Close drops every subscriber; later subscriptions get a closed channel
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
	b.closed = true
}

func (b *EventBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
