package swarm

import (
	"sync"

	"cosmossdk.io/log"

	"github.com/paw-chain/swarm/swarm/types"
)

// eventHub fans swarm events out to subscribers. Slow subscribers drop
// events rather than stall the orchestrator.
type eventHub struct {
	mu     sync.Mutex
	subs   map[int]chan types.Event
	nextID int
	buffer int
	closed bool
	logger log.Logger
}

func newEventHub(buffer int, logger log.Logger) *eventHub {
	return &eventHub{
		subs:   make(map[int]chan types.Event),
		buffer: buffer,
		logger: logger,
	}
}

// subscribe returns a receive channel and a cancel function. Cancel is
// idempotent and closes the channel.
func (h *eventHub) subscribe() (<-chan types.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan types.Event, h.buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(ch)
			}
		})
	}
	return ch, cancel
}

func (h *eventHub) publish(ev types.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.logger.Debug("event dropped for slow subscriber",
				"subscriber", id, "event", ev.Type)
		}
	}
}

func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
