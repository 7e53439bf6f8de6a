package ws

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang/glog"

	"github.com/minichat/minichat/delivery"
	"github.com/minichat/minichat/envelope"
	"github.com/minichat/minichat/metrics"
	"github.com/minichat/minichat/store"
	"github.com/minichat/minichat/view"
	"github.com/minichat/minichat/wire"
)

const (
	// Max plaintext length of one message body. Must leave room inside
	// readLimit for the envelope fields and frame overhead.
	MaxContentLen = 2000
)

// ChatApi serves websocket client requests.
type ChatApi struct {
	store    store.IConvStore
	codec    *envelope.Codec
	view     *view.Service
	delivery *delivery.StateMachine
	push     delivery.Pusher
}

func NewChatApi(convStore store.IConvStore, codec *envelope.Codec, viewSvc *view.Service,
	d *delivery.StateMachine, push delivery.Pusher) *ChatApi {
	return &ChatApi{
		store:    convStore,
		codec:    codec,
		view:     viewSvc,
		delivery: d,
		push:     push,
	}
}

// SendMessage persists a direct message and runs the delivery hop. The
// ack carries the stored message; a delivered notice follows separately
// if the receiver was online.
func (s *ChatApi) SendMessage(ctx context.Context, sess *Session, req *wire.SendMessageReq) (*wire.Message, *wire.Error) {
	var errs []string
	if req.To == "" {
		errs = append(errs, "to: required")
	}
	if req.Content == "" {
		errs = append(errs, "content: required")
	}
	if len(req.Content) > MaxContentLen {
		errs = append(errs, fmt.Sprintf("content: exceeds limit: %d", MaxContentLen))
	}
	if len(errs) > 0 {
		return nil, wire.NewInvalidArgumentError(errs...)
	}

	receiver, err := s.store.GetUserByUsername(ctx, req.To)
	if err != nil {
		return nil, toWireError(err)
	}

	env, err := s.codec.Seal(req.Content)
	if err != nil {
		glog.Errorf("SendMessage(): seal: %v", err)
		return nil, toWireError(err)
	}

	m, err := s.store.AppendMessage(ctx, sess.Uid, receiver.Uid, env)
	if err != nil {
		return nil, toWireError(err)
	}
	metrics.MessagesSent.Inc()

	rendered := s.view.RenderMessage(ctx, m)
	s.delivery.OnSend(ctx, m)
	return rendered, nil
}

// MarkRead advances every unread message from the named peer to read.
func (s *ChatApi) MarkRead(ctx context.Context, sess *Session, req *wire.MarkReadReq) (*wire.MarkReadResp, *wire.Error) {
	if req.Peer == "" {
		return nil, wire.NewInvalidArgumentError("peer: required")
	}
	peer, err := s.store.GetUserByUsername(ctx, req.Peer)
	if err != nil {
		return nil, toWireError(err)
	}

	reader := &store.User{Uid: sess.Uid, Username: sess.Username, Name: sess.Name}
	n, err := s.delivery.MarkRead(ctx, reader, peer.Uid)
	if err != nil {
		return nil, toWireError(err)
	}
	return &wire.MarkReadResp{Peer: req.Peer, Count: n}, nil
}

// Typing forwards a typing indicator to the peer. Fire and forget:
// failures are logged, never acked.
func (s *ChatApi) Typing(ctx context.Context, sess *Session, req *wire.TypingReq, stop bool) {
	peer, err := s.store.GetUserByUsername(ctx, req.Peer)
	if err != nil {
		glog.V(5).Infof("Typing(): peer %q: %v", req.Peer, err)
		return
	}
	s.push.Push(peer.Uid, &wire.ServerMsg{UserTyping: &wire.TypingNotice{
		From: sess.Username,
		Stop: stop,
	}})
}

// GroupSend persists a group message and fans it out to the online
// members.
func (s *ChatApi) GroupSend(ctx context.Context, sess *Session, req *wire.GroupSendReq) (*wire.GroupMessage, *wire.Error) {
	var errs []string
	if req.GroupId <= 0 {
		errs = append(errs, "group_id: required")
	}
	if req.Content == "" {
		errs = append(errs, "content: required")
	}
	if len(req.Content) > MaxContentLen {
		errs = append(errs, fmt.Sprintf("content: exceeds limit: %d", MaxContentLen))
	}
	if len(errs) > 0 {
		return nil, wire.NewInvalidArgumentError(errs...)
	}

	g, err := s.store.GetGroup(ctx, req.GroupId)
	if err != nil {
		return nil, toWireError(err)
	}
	if !g.HasMember(sess.Uid) {
		return nil, toWireError(store.ErrNotMember)
	}

	env, err := s.codec.Seal(req.Content)
	if err != nil {
		glog.Errorf("GroupSend(): seal: %v", err)
		return nil, toWireError(err)
	}

	m, err := s.store.AppendGroupMessage(ctx, req.GroupId, sess.Uid, env)
	if err != nil {
		return nil, toWireError(err)
	}
	metrics.GroupMessagesSent.Inc()

	rendered := s.view.RenderGroupMessage(ctx, m)
	s.pushGroup(g, sess.Uid, &wire.ServerMsg{GroupMessage: rendered})
	return rendered, nil
}

// GroupMarkRead adds the caller to read_by on every group message they
// have not read yet and tells the other members once.
func (s *ChatApi) GroupMarkRead(ctx context.Context, sess *Session, req *wire.GroupMarkReadReq) (*wire.GroupMarkReadResp, *wire.Error) {
	if req.GroupId <= 0 {
		return nil, wire.NewInvalidArgumentError("group_id: required")
	}
	g, err := s.store.GetGroup(ctx, req.GroupId)
	if err != nil {
		return nil, toWireError(err)
	}
	if !g.HasMember(sess.Uid) {
		return nil, toWireError(store.ErrNotMember)
	}

	n, err := s.store.GroupMarkRead(ctx, req.GroupId, sess.Uid)
	if err != nil {
		return nil, toWireError(err)
	}
	if n > 0 {
		s.pushGroup(g, sess.Uid, &wire.ServerMsg{GroupRead: &wire.GroupReadNotice{
			GroupId: req.GroupId,
			Reader:  sess.Username,
			Uid:     sess.Uid,
		}})
	}
	return &wire.GroupMarkReadResp{GroupId: req.GroupId, Count: n}, nil
}

// GroupTyping forwards a typing indicator to the other members.
func (s *ChatApi) GroupTyping(ctx context.Context, sess *Session, req *wire.GroupTypingReq, stop bool) {
	g, err := s.store.GetGroup(ctx, req.GroupId)
	if err != nil {
		glog.V(5).Infof("GroupTyping(): group %d: %v", req.GroupId, err)
		return
	}
	if !g.HasMember(sess.Uid) {
		return
	}
	s.pushGroup(g, sess.Uid, &wire.ServerMsg{GroupTyping: &wire.GroupTypingNotice{
		GroupId: req.GroupId,
		From:    sess.Username,
		Stop:    stop,
	}})
}

func (s *ChatApi) pushGroup(g *store.Group, except int32, msg *wire.ServerMsg) {
	for _, uid := range g.Members {
		if uid != except {
			s.push.Push(uid, msg)
		}
	}
}

// toWireError maps store errors to client error codes. Unexpected
// errors are reported as internal with the detail scrubbed.
func toWireError(err error) *wire.Error {
	switch {
	case errors.Is(err, store.ErrUserNotFound),
		errors.Is(err, store.ErrGroupNotFound),
		errors.Is(err, store.ErrMessageNotFound):
		return &wire.Error{Code: wire.CodeNotFound, Params: []string{err.Error()}}
	case errors.Is(err, store.ErrSelfMessage),
		errors.Is(err, store.ErrGroupName),
		errors.Is(err, store.ErrNoMembers):
		return &wire.Error{Code: wire.CodeInvalidArgument, Params: []string{err.Error()}}
	case errors.Is(err, store.ErrNotMember),
		errors.Is(err, store.ErrNotAdmin):
		return &wire.Error{Code: wire.CodePermissionDenied, Params: []string{err.Error()}}
	case errors.Is(err, store.ErrUserDeleted),
		errors.Is(err, store.ErrAdminMustTransfer):
		return &wire.Error{Code: wire.CodeFailedPrecondition, Params: []string{err.Error()}}
	}
	return wire.NewInternalError("temp storage error")
}
