package protocol

import (
	"sort"
	"sync"
)

// Hub tracks the live websocket connections, keyed by connection id.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Dispatcher
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]*Dispatcher)}
}

func (h *Hub) Add(d *Dispatcher) {
	h.mu.Lock()
	h.conns[d.ID] = d
	h.mu.Unlock()
}

// Remove drops id. It only removes the entry if it still belongs to d.
func (h *Hub) Remove(d *Dispatcher) {
	h.mu.Lock()
	if cur, ok := h.conns[d.ID]; ok && cur == d {
		delete(h.conns, d.ID)
	}
	h.mu.Unlock()
}

func (h *Hub) Get(id string) (*Dispatcher, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	d, ok := h.conns[id]
	return d, ok
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// IDs returns the ids of every live connection in sorted order.
func (h *Hub) IDs() []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// CloseAll tears down every connection. Used on shutdown.
func (h *Hub) CloseAll(reason string) {
	h.mu.RLock()
	all := make([]*Dispatcher, 0, len(h.conns))
	for _, d := range h.conns {
		all = append(all, d)
	}
	h.mu.RUnlock()

	for _, d := range all {
		d.Close(reason)
	}
}
