package push

import "sync"

// Hub tracks rooms and their subscribers. Rooms are created on first join
// and dropped once the last subscriber leaves.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]*room
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]*room)}
}

func (h *Hub) room(name string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[name]
	if !ok {
		r = &room{name: name, subscribers: make(map[*peer]struct{})}
		h.rooms[name] = r
	}
	return r
}

func (h *Hub) drop(r *room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.rooms[r.name]; ok && cur == r && cur.empty() {
		delete(h.rooms, r.name)
	}
}

// Broadcast offers a frame to every subscriber of the named room. Unknown
// rooms are a no-op. Returns the number of peers reached.
func (h *Hub) Broadcast(name string, frame Frame) int {
	h.mu.Lock()
	r, ok := h.rooms[name]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	subs := r.snapshot()
	for _, p := range subs {
		p.offer(frame)
	}
	return len(subs)
}

// Rooms returns the names of rooms with at least one subscriber.
func (h *Hub) Rooms() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.rooms))
	for name := range h.rooms {
		names = append(names, name)
	}
	return names
}

type room struct {
	mu          sync.Mutex
	name        string
	subscribers map[*peer]struct{}
}

func (r *room) join(p *peer) {
	r.mu.Lock()
	r.subscribers[p] = struct{}{}
	r.mu.Unlock()
}

func (r *room) leave(p *peer) bool {
	r.mu.Lock()
	delete(r.subscribers, p)
	empty := len(r.subscribers) == 0
	r.mu.Unlock()
	return empty
}

func (r *room) empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subscribers) == 0
}

func (r *room) snapshot() []*peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := make([]*peer, 0, len(r.subscribers))
	for p := range r.subscribers {
		subs = append(subs, p)
	}
	return subs
}
