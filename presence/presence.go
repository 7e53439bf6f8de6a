// Package presence tracks which identities currently hold a live
// realtime connection. Purely in-memory; rebuilt empty on restart.
package presence

import (
	"sync"

	"github.com/minichat/minichat/wire"
)

// Conn is the handle a registry entry points at. Push must not block
// the caller indefinitely; a slow or closing session drops the frame.
type Conn interface {
	SessionID() string
	Push(msg *wire.ServerMsg)
}

// Registry maps uid to the single active connection. A new connection
// for the same identity overwrites the previous one
// (last-connection-wins); closing superseded handles is the transport
// layer's job.
type Registry struct {
	mu    sync.RWMutex
	conns map[int32]Conn
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[int32]Conn)}
}

// SetOnline records conn as uid's connection and returns the handle it
// replaced, if any.
func (r *Registry) SetOnline(uid int32, conn Conn) Conn {
	r.mu.Lock()
	prev := r.conns[uid]
	r.conns[uid] = conn
	r.mu.Unlock()
	if prev == conn {
		return nil
	}
	return prev
}

// SetOffline removes uid's entry only when it still points at conn, so
// a stale disconnect cannot wipe a fresh reconnect. Reports whether an
// entry was removed.
func (r *Registry) SetOffline(uid int32, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.conns[uid]
	if !ok || cur.SessionID() != conn.SessionID() {
		return false
	}
	delete(r.conns, uid)
	return true
}

func (r *Registry) IsOnline(uid int32) bool {
	r.mu.RLock()
	_, ok := r.conns[uid]
	r.mu.RUnlock()
	return ok
}

// Get returns uid's active connection, or nil.
func (r *Registry) Get(uid int32) Conn {
	r.mu.RLock()
	c := r.conns[uid]
	r.mu.RUnlock()
	return c
}

// Snapshot returns the identities currently online.
func (r *Registry) Snapshot() []int32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int32, 0, len(r.conns))
	for uid := range r.conns {
		out = append(out, uid)
	}
	return out
}

// Broadcast pushes msg to every connection except the excluded
// session. Each push is independent; no receiver blocks another.
func (r *Registry) Broadcast(msg *wire.ServerMsg, exceptSessionID string) {
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.conns))
	for _, c := range r.conns {
		if c.SessionID() != exceptSessionID {
			conns = append(conns, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range conns {
		c.Push(msg)
	}
}
