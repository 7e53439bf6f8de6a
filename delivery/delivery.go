// Package delivery drives the sent -> delivered -> read lifecycle of
// direct messages. Transitions are idempotent compare-and-sets, so
// re-driving one after a partial failure is always safe
// (at-least-once).
package delivery

import (
	"context"

	"github.com/golang/glog"

	"github.com/minichat/minichat/metrics"
	"github.com/minichat/minichat/store"
	"github.com/minichat/minichat/wire"
)

// MessageStore is the slice of the conversation store this component
// needs.
type MessageStore interface {
	AdvanceStatus(ctx context.Context, id string, to store.Status) (bool, error)
	MarkReadBulk(ctx context.Context, sender, receiver int32) (int32, error)
	PendingMessages(ctx context.Context, receiver int32) ([]*store.Message, error)
	GetUser(ctx context.Context, uid int32) (*store.User, error)
}

// Pusher hands a frame to a user's live connection. Returns false when
// the user holds no connection; the frame is then simply not sent.
type Pusher interface {
	Push(uid int32, msg *wire.ServerMsg) bool
}

// Renderer turns a stored message into its client form (decrypted or
// redacted, identities populated).
type Renderer interface {
	RenderMessage(ctx context.Context, m *store.Message) *wire.Message
}

// StateMachine advances message statuses and emits the notifications
// each transition owes to connected observers.
type StateMachine struct {
	store  MessageStore
	push   Pusher
	render Renderer
}

func New(s MessageStore, push Pusher, render Renderer) *StateMachine {
	return &StateMachine{store: s, push: push, render: render}
}

// OnSend runs the delivery hop right after a message is persisted: if
// the receiver is online, push it, advance to delivered, and tell the
// sender. Offline receivers keep the message in `sent`; Reconcile
// picks it up on their next connect.
func (d *StateMachine) OnSend(ctx context.Context, m *store.Message) {
	rendered := d.render.RenderMessage(ctx, m)
	if !d.push.Push(m.Receiver, &wire.ServerMsg{ReceiveMessage: rendered}) {
		return
	}

	changed, err := d.store.AdvanceStatus(ctx, m.Id, store.StatusDelivered)
	if err != nil {
		// State stays `sent`; reconnect replay re-drives it.
		glog.Errorf("OnSend(): advance %s to delivered: %v", m.Id, err)
		return
	}
	if !changed {
		return
	}

	metrics.MessagesDelivered.Inc()
	var receiver string
	if rendered.Receiver != nil {
		receiver = rendered.Receiver.Username
	}
	d.push.Push(m.Sender, &wire.ServerMsg{MessageDelivered: &wire.DeliveredNotice{
		MessageId: m.Id,
		Receiver:  receiver,
	}})
}

// Reconcile replays every outstanding `sent` message to uid's fresh
// connection, advancing each to delivered and notifying senders that
// are still online. Called when a connection is (re-)established.
func (d *StateMachine) Reconcile(ctx context.Context, uid int32) {
	pending, err := d.store.PendingMessages(ctx, uid)
	if err != nil {
		glog.Errorf("Reconcile(): pending messages for %d: %v", uid, err)
		return
	}
	if len(pending) == 0 {
		return
	}

	receiver, err := d.store.GetUser(ctx, uid)
	if err != nil {
		glog.Errorf("Reconcile(): get user %d: %v", uid, err)
		return
	}

	for _, m := range pending {
		if !d.push.Push(uid, &wire.ServerMsg{ReceiveMessage: d.render.RenderMessage(ctx, m)}) {
			// Connection already gone again; the rest stays pending.
			return
		}
		changed, err := d.store.AdvanceStatus(ctx, m.Id, store.StatusDelivered)
		if err != nil {
			glog.Errorf("Reconcile(): advance %s: %v", m.Id, err)
			continue
		}
		if !changed {
			continue
		}
		metrics.MessagesDelivered.Inc()
		d.push.Push(m.Sender, &wire.ServerMsg{MessageDelivered: &wire.DeliveredNotice{
			MessageId: m.Id,
			Receiver:  receiver.Username,
		}})
	}
}

// MarkRead bulk-advances every unread message from peer to the reader
// and notifies the peer once. Returns the number of messages that
// actually advanced; zero suppresses the notice.
func (d *StateMachine) MarkRead(ctx context.Context, reader *store.User, peer int32) (int32, error) {
	n, err := d.store.MarkReadBulk(ctx, peer, reader.Uid)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	metrics.MessagesRead.Add(float64(n))
	d.push.Push(peer, &wire.ServerMsg{MessagesRead: &wire.ReadNotice{
		Reader: reader.Username,
		Uid:    reader.Uid,
	}})
	return n, nil
}
