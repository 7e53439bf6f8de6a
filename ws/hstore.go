package ws

import (
	"sync"
)

// memory handler store for local sessions.
type HandlerStore struct {
	sync.RWMutex
	handlers map[string]*Handler
}

func (hs *HandlerStore) del(sid string) bool {
	hs.Lock()
	defer hs.Unlock()
	if _, ok := hs.handlers[sid]; ok {
		delete(hs.handlers, sid)
		return true
	}
	return false
}

func (hs *HandlerStore) add(handler *Handler) {
	hs.Lock()
	sid := handler.session.Sid
	hs.handlers[sid] = handler
	hs.Unlock()
}

func (hs *HandlerStore) size() int {
	hs.RLock()
	defer hs.RUnlock()
	return len(hs.handlers)
}

func (hs *HandlerStore) close() {
	hs.RLock()
	defer hs.RUnlock()
	for _, h := range hs.handlers {
		h.close(ServerStop)
	}
}
