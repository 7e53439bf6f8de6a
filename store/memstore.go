package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/minichat/minichat/envelope"
)

// MemStore is a mutex-guarded in-memory IConvStore with the same
// semantics as the MySQL implementation. It backs tests and carries no
// durability.
type MemStore struct {
	mu          sync.Mutex
	users       map[int32]*User
	messages    []*Message
	groups      map[int64]*Group
	groupMsgs   []*GroupMessage
	markers     map[[2]int32]*DeletedChat
	nextGroupId int64
}

var _ IConvStore = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		users:   make(map[int32]*User),
		groups:  make(map[int64]*Group),
		markers: make(map[[2]int32]*DeletedChat),
	}
}

// AddUser seeds an identity row (the identity service owns these).
func (s *MemStore) AddUser(u *User) *MemStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.users[u.Uid] = &cp
	return s
}

func copyMessage(m *Message) *Message {
	cp := *m
	return &cp
}

func copyGroupMessage(m *GroupMessage) *GroupMessage {
	cp := *m
	cp.ReadBy = append([]int32(nil), m.ReadBy...)
	return &cp
}

func copyGroup(g *Group) *Group {
	cp := *g
	cp.Members = append([]int32(nil), g.Members...)
	return &cp
}

func (s *MemStore) GetUser(ctx context.Context, uid int32) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[uid]
	if u == nil {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrUserNotFound
}

func (s *MemStore) GetUsers(ctx context.Context, uids []int32) (map[int32]*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int32]*User, len(uids))
	for _, uid := range uids {
		if u := s.users[uid]; u != nil {
			cp := *u
			out[uid] = &cp
		}
	}
	return out, nil
}

func (s *MemStore) AppendMessage(ctx context.Context, sender, receiver int32, env *envelope.Envelope) (*Message, error) {
	if sender == receiver {
		return nil, ErrSelfMessage
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	peer := s.users[receiver]
	if peer == nil {
		return nil, ErrUserNotFound
	}
	if peer.Deleted {
		return nil, ErrUserDeleted
	}

	now := Now()
	m := &Message{
		Id:         NewID(now),
		Sender:     sender,
		Receiver:   receiver,
		Envelope:   *env,
		Status:     StatusSent,
		CreateTime: now,
		UpdateTime: now,
	}
	s.messages = append(s.messages, m)
	return copyMessage(m), nil
}

func (s *MemStore) AdvanceStatus(ctx context.Context, id string, to Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.Id != id {
			continue
		}
		if to.Rank() <= m.Status.Rank() || to.Rank() < 0 {
			return false, nil
		}
		m.Status = to
		m.UpdateTime = Now()
		return true, nil
	}
	return false, nil
}

func (s *MemStore) MarkReadBulk(ctx context.Context, sender, receiver int32) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int32
	for _, m := range s.messages {
		if m.Sender == sender && m.Receiver == receiver && m.Status != StatusRead {
			m.Status = StatusRead
			m.UpdateTime = Now()
			n++
		}
	}
	return n, nil
}

func (s *MemStore) PendingMessages(ctx context.Context, receiver int32) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Message
	for _, m := range s.messages {
		if m.Receiver == receiver && m.Status == StatusSent {
			out = append(out, copyMessage(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	return out, nil
}

func (s *MemStore) hiddenLocked(viewer, peer int32, m *Message) bool {
	marker := s.markers[[2]int32{viewer, peer}]
	return marker != nil && !m.CreateTime.After(marker.DeletedAt)
}

func (s *MemStore) ListMessages(ctx context.Context, uid, peer int32, cursor string, limit int) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Message
	for _, m := range s.messages {
		inPair := (m.Sender == uid && m.Receiver == peer) || (m.Sender == peer && m.Receiver == uid)
		if !inPair || s.hiddenLocked(uid, peer, m) {
			continue
		}
		if cursor != "" && m.Id >= cursor {
			continue
		}
		out = append(out, copyMessage(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Id > out[j].Id })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) DirectConversations(ctx context.Context, uid int32) ([]*DirectConversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	last := make(map[int32]*Message)
	unread := make(map[int32]int32)
	for _, m := range s.messages {
		var peer int32
		switch uid {
		case m.Sender:
			peer = m.Receiver
		case m.Receiver:
			peer = m.Sender
		default:
			continue
		}
		if prev := last[peer]; prev == nil || m.Id > prev.Id {
			last[peer] = m
		}
		if m.Receiver == uid && m.Status != StatusRead && !s.hiddenLocked(uid, peer, m) {
			unread[peer]++
		}
	}

	var out []*DirectConversation
	for peer, m := range last {
		if s.hiddenLocked(uid, peer, m) {
			continue
		}
		out = append(out, &DirectConversation{Peer: peer, Last: copyMessage(m), Unread: unread[peer]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Last.Id > out[j].Last.Id })
	return out, nil
}

func (s *MemStore) SoftDeleteConversation(ctx context.Context, uid, peer int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers[[2]int32{uid, peer}] = &DeletedChat{Uid: uid, PeerUid: peer, DeletedAt: Now()}
	return nil
}

func (s *MemStore) DeletedMarker(ctx context.Context, uid, peer int32) (*DeletedChat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.markers[[2]int32{uid, peer}]
	if m == nil {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (s *MemStore) PurgeConversation(ctx context.Context, a, b int32) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	kept := s.messages[:0]
	for _, m := range s.messages {
		inPair := (m.Sender == a && m.Receiver == b) || (m.Sender == b && m.Receiver == a)
		if inPair {
			n++
			continue
		}
		kept = append(kept, m)
	}
	s.messages = kept
	return n, nil
}

func (s *MemStore) validMemberUidsLocked(uids []int32) []int32 {
	seen := make(map[int32]bool, len(uids))
	var out []int32
	for _, uid := range uids {
		u := s.users[uid]
		if u == nil || u.Deleted || seen[uid] {
			continue
		}
		seen[uid] = true
		out = append(out, uid)
	}
	return out
}

func (s *MemStore) CreateGroup(ctx context.Context, admin int32, name, description string, members []int32) (*Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrGroupName
	}
	if len(members) == 0 {
		return nil, ErrNoMembers
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := Now()
	s.nextGroupId++
	g := &Group{
		Id:          s.nextGroupId,
		Name:        name,
		Description: strings.TrimSpace(description),
		Admin:       admin,
		Members:     []int32{admin},
		CreateTime:  now,
		UpdateTime:  now,
	}
	for _, uid := range s.validMemberUidsLocked(members) {
		if uid != admin {
			g.Members = append(g.Members, uid)
		}
	}
	s.groups[g.Id] = g
	return copyGroup(g), nil
}

func (s *MemStore) GetGroup(ctx context.Context, id int64) (*Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.groups[id]
	if g == nil {
		return nil, ErrGroupNotFound
	}
	return copyGroup(g), nil
}

func (s *MemStore) GroupsForMember(ctx context.Context, uid int32) ([]*Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Group
	for _, g := range s.groups {
		if g.HasMember(uid) {
			out = append(out, copyGroup(g))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	return out, nil
}

func (s *MemStore) UpdateGroupMeta(ctx context.Context, id int64, actor int32, name, description *string) (*Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.groups[id]
	if g == nil {
		return nil, ErrGroupNotFound
	}
	if g.Admin != actor {
		return nil, ErrNotAdmin
	}
	if name != nil {
		if v := strings.TrimSpace(*name); v != "" {
			g.Name = v
		}
	}
	if description != nil {
		g.Description = strings.TrimSpace(*description)
	}
	g.UpdateTime = Now()
	return copyGroup(g), nil
}

func (s *MemStore) SetGroupPhoto(ctx context.Context, id int64, actor int32, photo string) (*Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.groups[id]
	if g == nil {
		return nil, ErrGroupNotFound
	}
	if g.Admin != actor {
		return nil, ErrNotAdmin
	}
	g.Photo = photo
	g.UpdateTime = Now()
	return copyGroup(g), nil
}

func (s *MemStore) AddMembers(ctx context.Context, id int64, actor int32, uids []int32) (*Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.groups[id]
	if g == nil {
		return nil, ErrGroupNotFound
	}
	if g.Admin != actor {
		return nil, ErrNotAdmin
	}
	for _, uid := range s.validMemberUidsLocked(uids) {
		if !g.HasMember(uid) {
			g.Members = append(g.Members, uid)
		}
	}
	g.UpdateTime = Now()
	return copyGroup(g), nil
}

func (s *MemStore) deleteGroupLocked(id int64) {
	kept := s.groupMsgs[:0]
	for _, m := range s.groupMsgs {
		if m.GroupId != id {
			kept = append(kept, m)
		}
	}
	s.groupMsgs = kept
	delete(s.groups, id)
}

func (s *MemStore) RemoveMember(ctx context.Context, id int64, actor, target int32) (*Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.groups[id]
	if g == nil {
		return nil, ErrGroupNotFound
	}
	if !g.HasMember(target) {
		return nil, ErrNotMember
	}
	if actor != target && g.Admin != actor {
		return nil, ErrNotAdmin
	}
	if target == g.Admin && len(g.Members) > 1 {
		return nil, ErrAdminMustTransfer
	}

	kept := g.Members[:0]
	for _, m := range g.Members {
		if m != target {
			kept = append(kept, m)
		}
	}
	g.Members = kept

	if len(g.Members) == 0 {
		s.deleteGroupLocked(id)
		return nil, nil
	}
	g.UpdateTime = Now()
	return copyGroup(g), nil
}

func (s *MemStore) TransferAdmin(ctx context.Context, id int64, actor, newAdmin int32) (*Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.groups[id]
	if g == nil {
		return nil, ErrGroupNotFound
	}
	if g.Admin != actor {
		return nil, ErrNotAdmin
	}
	if !g.HasMember(newAdmin) {
		return nil, ErrNotMember
	}
	g.Admin = newAdmin
	g.UpdateTime = Now()
	return copyGroup(g), nil
}

func (s *MemStore) DeleteGroup(ctx context.Context, id int64, actor int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.groups[id]
	if g == nil {
		return ErrGroupNotFound
	}
	if g.Admin != actor {
		return ErrNotAdmin
	}
	s.deleteGroupLocked(id)
	return nil
}

func (s *MemStore) AppendGroupMessage(ctx context.Context, groupId int64, sender int32, env *envelope.Envelope) (*GroupMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.groups[groupId]
	if g == nil {
		return nil, ErrGroupNotFound
	}
	if !g.HasMember(sender) {
		return nil, ErrNotMember
	}

	now := Now()
	m := &GroupMessage{
		Id:         NewID(now),
		GroupId:    groupId,
		Sender:     sender,
		Envelope:   *env,
		ReadBy:     []int32{sender},
		CreateTime: now,
		UpdateTime: now,
	}
	s.groupMsgs = append(s.groupMsgs, m)
	return copyGroupMessage(m), nil
}

func (s *MemStore) ListGroupMessages(ctx context.Context, groupId int64, cursor string, limit int) ([]*GroupMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*GroupMessage
	for _, m := range s.groupMsgs {
		if m.GroupId != groupId {
			continue
		}
		if cursor != "" && m.Id >= cursor {
			continue
		}
		out = append(out, copyGroupMessage(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Id > out[j].Id })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) GroupMarkRead(ctx context.Context, groupId int64, uid int32) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int32
	for _, m := range s.groupMsgs {
		if m.GroupId != groupId || m.Sender == uid {
			continue
		}
		read := false
		for _, r := range m.ReadBy {
			if r == uid {
				read = true
				break
			}
		}
		if !read {
			m.ReadBy = append(m.ReadBy, uid)
			m.UpdateTime = Now()
			n++
		}
	}
	return n, nil
}

func (s *MemStore) GroupConversations(ctx context.Context, uid int32) ([]*GroupConversation, error) {
	groups, err := s.GroupsForMember(ctx, uid)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*GroupConversation
	for _, g := range groups {
		c := &GroupConversation{Group: g}
		for _, m := range s.groupMsgs {
			if m.GroupId != g.Id {
				continue
			}
			if c.Last == nil || m.Id > c.Last.Id {
				c.Last = copyGroupMessage(m)
			}
			if m.Sender != uid {
				read := false
				for _, r := range m.ReadBy {
					if r == uid {
						read = true
						break
					}
				}
				if !read {
					c.Unread++
				}
			}
		}
		out = append(out, c)
	}
	return out, nil
}
