package httpapi

import "sync"

// Hub fans broadcast messages out to connected event stream clients. Slow
// clients lose messages rather than blocking the broadcaster.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]chan []byte
	nextID int
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan []byte)}
}

func (h *Hub) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 256)
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = ch
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
}

func (h *Hub) Broadcast(raw []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- raw:
		default:
		}
	}
}

func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
