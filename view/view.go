// Package view builds the client-facing read models: cursor-paginated
// thread pages and the merged conversation list. It is the only place
// stored envelopes are opened.
package view

import (
	"context"
	"sort"

	"github.com/golang/glog"

	"github.com/minichat/minichat/envelope"
	"github.com/minichat/minichat/metrics"
	"github.com/minichat/minichat/presence"
	"github.com/minichat/minichat/store"
	"github.com/minichat/minichat/wire"
)

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 100

	// Shown in place of a body whose envelope fails to open. A bad
	// record degrades to this; it never fails the page.
	RedactedContent = "[Unable to decrypt]"
)

// Service renders store records for clients.
type Service struct {
	store    store.IConvStore
	codec    *envelope.Codec
	registry *presence.Registry
}

func NewService(s store.IConvStore, codec *envelope.Codec, registry *presence.Registry) *Service {
	return &Service{store: s, codec: codec, registry: registry}
}

// ClampLimit applies the server-side page size bounds.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageLimit
	}
	if limit > MaxPageLimit {
		return MaxPageLimit
	}
	return limit
}

func (s *Service) open(env *envelope.Envelope) string {
	content, err := s.codec.Open(env)
	if err != nil {
		metrics.DecryptFailures.Inc()
		glog.Errorf("open envelope: %v", err)
		return RedactedContent
	}
	return content
}

func userView(u *store.User, uid int32) *wire.User {
	if u == nil {
		// Identity row gone entirely; keep the thread renderable.
		return &wire.User{Uid: uid, Deleted: true}
	}
	return &wire.User{Uid: u.Uid, Username: u.Username, Name: u.Name, Deleted: u.Deleted}
}

// RenderMessage decrypts and populates one direct message.
func (s *Service) RenderMessage(ctx context.Context, m *store.Message) *wire.Message {
	users, err := s.store.GetUsers(ctx, []int32{m.Sender, m.Receiver})
	if err != nil {
		glog.Errorf("RenderMessage(): get users: %v", err)
		users = nil
	}
	return s.renderMessage(m, users)
}

func (s *Service) renderMessage(m *store.Message, users map[int32]*store.User) *wire.Message {
	return &wire.Message{
		Id:         m.Id,
		Sender:     userView(users[m.Sender], m.Sender),
		Receiver:   userView(users[m.Receiver], m.Receiver),
		Content:    s.open(&m.Envelope),
		Status:     string(m.Status),
		CreateTime: m.CreateTime.UnixMilli(),
		UpdateTime: m.UpdateTime.UnixMilli(),
	}
}

func (s *Service) renderGroupMessage(m *store.GroupMessage, users map[int32]*store.User) *wire.GroupMessage {
	return &wire.GroupMessage{
		Id:         m.Id,
		GroupId:    m.GroupId,
		Sender:     userView(users[m.Sender], m.Sender),
		Content:    s.open(&m.Envelope),
		ReadBy:     m.ReadBy,
		CreateTime: m.CreateTime.UnixMilli(),
	}
}

// RenderGroupMessage decrypts and populates one group message.
func (s *Service) RenderGroupMessage(ctx context.Context, m *store.GroupMessage) *wire.GroupMessage {
	users, err := s.store.GetUsers(ctx, []int32{m.Sender})
	if err != nil {
		glog.Errorf("RenderGroupMessage(): get users: %v", err)
		users = nil
	}
	return s.renderGroupMessage(m, users)
}

// GroupView populates a group's member list for display.
func (s *Service) GroupView(ctx context.Context, g *store.Group) (*wire.GroupInfo, error) {
	users, err := s.store.GetUsers(ctx, g.Members)
	if err != nil {
		return nil, err
	}
	info := &wire.GroupInfo{
		Id:          g.Id,
		Name:        g.Name,
		Description: g.Description,
		Photo:       g.Photo,
		Admin:       g.Admin,
		CreateTime:  g.CreateTime.UnixMilli(),
		UpdateTime:  g.UpdateTime.UnixMilli(),
	}
	for _, uid := range g.Members {
		info.Members = append(info.Members, userView(users[uid], uid))
	}
	return info, nil
}

// DirectHistory returns one page of the viewer<->peer thread: up to
// limit messages strictly older than cursor, chronological within the
// page, hasMore set when older visible records remain.
func (s *Service) DirectHistory(ctx context.Context, viewer, peer *store.User, cursor string, limit int) (*wire.MessagePage, error) {
	limit = ClampLimit(limit)

	msgs, err := s.store.ListMessages(ctx, viewer.Uid, peer.Uid, cursor, limit+1)
	if err != nil {
		return nil, err
	}
	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	reverseMessages(msgs)

	users := map[int32]*store.User{viewer.Uid: viewer, peer.Uid: peer}
	page := &wire.MessagePage{Messages: make([]*wire.Message, 0, len(msgs)), HasMore: hasMore}
	for _, m := range msgs {
		page.Messages = append(page.Messages, s.renderMessage(m, users))
	}
	return page, nil
}

// GroupHistory is DirectHistory for a group thread; the viewer must be
// a member.
func (s *Service) GroupHistory(ctx context.Context, viewer int32, groupId int64, cursor string, limit int) (*wire.GroupMessagePage, error) {
	g, err := s.store.GetGroup(ctx, groupId)
	if err != nil {
		return nil, err
	}
	if !g.HasMember(viewer) {
		return nil, store.ErrNotMember
	}

	limit = ClampLimit(limit)
	msgs, err := s.store.ListGroupMessages(ctx, groupId, cursor, limit+1)
	if err != nil {
		return nil, err
	}
	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	reverseGroupMessages(msgs)

	senders := make([]int32, 0, len(msgs))
	for _, m := range msgs {
		senders = append(senders, m.Sender)
	}
	users, err := s.store.GetUsers(ctx, senders)
	if err != nil {
		return nil, err
	}

	page := &wire.GroupMessagePage{Messages: make([]*wire.GroupMessage, 0, len(msgs)), HasMore: hasMore}
	for _, m := range msgs {
		page.Messages = append(page.Messages, s.renderGroupMessage(m, users))
	}
	return page, nil
}

// Conversations merges the caller's direct and group threads into one
// list ordered by last activity, newest first. Direct entries carry an
// online badge; soft-deleted threads stay out until a newer message
// arrives.
func (s *Service) Conversations(ctx context.Context, uid int32) ([]*wire.Conversation, error) {
	direct, err := s.store.DirectConversations(ctx, uid)
	if err != nil {
		return nil, err
	}
	groups, err := s.store.GroupConversations(ctx, uid)
	if err != nil {
		return nil, err
	}

	uids := make([]int32, 0, len(direct))
	for _, c := range direct {
		uids = append(uids, c.Peer)
	}
	for _, c := range groups {
		if c.Last != nil {
			uids = append(uids, c.Last.Sender)
		}
	}
	users, err := s.store.GetUsers(ctx, uids)
	if err != nil {
		return nil, err
	}

	out := make([]*wire.Conversation, 0, len(direct)+len(groups))
	for _, c := range direct {
		out = append(out, &wire.Conversation{
			Type:              "direct",
			User:              userView(users[c.Peer], c.Peer),
			LastMessage:       s.open(&c.Last.Envelope),
			LastMessageSender: c.Last.Sender,
			LastMessageTime:   c.Last.CreateTime.UnixMilli(),
			UnreadCount:       c.Unread,
			Online:            s.registry != nil && s.registry.IsOnline(c.Peer),
		})
	}
	for _, c := range groups {
		info, err := s.GroupView(ctx, c.Group)
		if err != nil {
			return nil, err
		}
		entry := &wire.Conversation{
			Type:            "group",
			Group:           info,
			LastMessageTime: c.Group.CreateTime.UnixMilli(),
			UnreadCount:     c.Unread,
		}
		if c.Last != nil {
			entry.LastMessage = s.open(&c.Last.Envelope)
			entry.LastMessageSender = c.Last.Sender
			entry.LastMessageTime = c.Last.CreateTime.UnixMilli()
		}
		out = append(out, entry)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastMessageTime > out[j].LastMessageTime
	})
	return out, nil
}

func reverseMessages(msgs []*store.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

func reverseGroupMessages(msgs []*store.GroupMessage) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
