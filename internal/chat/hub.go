package chat

import (
	"sync"
)

// watcher is a single observer of session snapshots.
type watcher struct {
	updates chan Snapshot
}

// hub tracks the watchers of a Session and fans snapshots out to them.
type hub struct {
	watchers map[*watcher]bool
	closed   bool
	mu       sync.RWMutex
}

func newHub() *hub {
	return &hub{
		watchers: make(map[*watcher]bool),
	}
}

// register adds a watcher to the hub. It reports false once the hub is closed.
func (h *hub) register(w *watcher) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.watchers[w] = true
	return true
}

// unregister removes a watcher and closes its channel.
func (h *hub) unregister(w *watcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.watchers[w] {
		delete(h.watchers, w)
		close(w.updates)
	}
}

// broadcast delivers snap to every watcher, replacing an unread snapshot
// so slow watchers always see the latest state.
func (h *hub) broadcast(snap Snapshot) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for w := range h.watchers {
		select {
		case w.updates <- snap:
		default:
			select {
			case <-w.updates:
			default:
			}
			select {
			case w.updates <- snap:
			default:
			}
		}
	}
}

// closeAll unregisters every watcher and refuses later registrations.
func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for w := range h.watchers {
		delete(h.watchers, w)
		close(w.updates)
	}
}
