package attempt

import (
	"sync"

	"github.com/trezcool/masomo/core/examtimer"
)

const defaultSubscriberBuffer = 10

// Hub fans the timer events of each attempt out to its subscribers.
// Publishing never blocks: events are dropped for subscribers whose buffer is full.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[chan examtimer.Event]struct{}
	bufSize int
}

func NewHub(bufSize int) *Hub {
	if bufSize <= 0 {
		bufSize = defaultSubscriberBuffer
	}
	return &Hub{
		subs:    make(map[string]map[chan examtimer.Event]struct{}),
		bufSize: bufSize,
	}
}

// Subscribe returns a channel of the events published for key, and a func to unsubscribe.
// The channel is closed when key is closed or on unsubscribe.
func (h *Hub) Subscribe(key string) (<-chan examtimer.Event, func()) {
	ch := make(chan examtimer.Event, h.bufSize)

	h.mu.Lock()
	if h.subs[key] == nil {
		h.subs[key] = make(map[chan examtimer.Event]struct{})
	}
	h.subs[key][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[key][ch]; ok {
				delete(h.subs[key], ch)
				if len(h.subs[key]) == 0 {
					delete(h.subs, key)
				}
				close(ch)
			}
		})
	}
	return ch, unsubscribe
}

func (h *Hub) Publish(key string, evt examtimer.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[key] {
		select {
		case ch <- evt:
		default: // slow subscriber
		}
	}
}

// Close closes the channels of all the subscribers of key.
func (h *Hub) Close(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[key] {
		close(ch)
	}
	delete(h.subs, key)
}

func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, subs := range h.subs {
		for ch := range subs {
			close(ch)
		}
		delete(h.subs, key)
	}
}

func (h *Hub) Subscribers(key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[key])
}
