package ws

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/minichat/minichat/wire"
)

func slowSessionHandler() *Handler {
	return &Handler{
		dataChan: make(chan *SessionData, 16),
		session:  &Session{Uid: alice, Username: "alice", Sid: "s-slow"},
	}
}

func TestPushNeverBlocksOnSlowSession(t *testing.T) {
	h := slowSessionHandler()

	// Fill the send queue as a stuck sendLoop would leave it.
	for i := 0; i < cap(h.dataChan); i++ {
		h.Push(&wire.ServerMsg{UserOnline: &wire.PresenceNotice{Uid: bob}})
	}

	done := make(chan struct{})
	go func() {
		h.Push(&wire.ServerMsg{UserOnline: &wire.PresenceNotice{Uid: carol}})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("push blocked on a full send queue")
	}

	// The overflow frame was dropped, not queued.
	assert.Len(t, h.dataChan, cap(h.dataChan))
}

func TestPushManyConcurrentOnFullQueue(t *testing.T) {
	h := slowSessionHandler()
	for i := 0; i < cap(h.dataChan); i++ {
		h.Push(&wire.ServerMsg{UserOnline: &wire.PresenceNotice{Uid: bob}})
	}

	// A broadcast storm against a stalled session must not park any
	// caller, and the handler lock must stay available throughout.
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Push(&wire.ServerMsg{UserOffline: &wire.PresenceNotice{Uid: bob}})
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("concurrent pushes blocked on a full send queue")
	}
	assert.Len(t, h.dataChan, cap(h.dataChan))
}
