// Package store is the durable conversation store: direct messages,
// group messages, groups, and per-viewer soft-delete markers.
package store

import (
	"context"
	crand "crypto/rand"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/minichat/minichat/envelope"
)

// Delivery status of a direct message. Only moves forward.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// Rank orders statuses; an advance is legal only to a strictly higher
// rank.
func (s Status) Rank() int {
	switch s {
	case StatusSent:
		return 0
	case StatusDelivered:
		return 1
	case StatusRead:
		return 2
	}
	return -1
}

var (
	ErrUserNotFound      = errors.New("store: user not found")
	ErrUserDeleted       = errors.New("store: user account is deleted")
	ErrSelfMessage       = errors.New("store: cannot send message to yourself")
	ErrMessageNotFound   = errors.New("store: message not found")
	ErrGroupNotFound     = errors.New("store: group not found")
	ErrNotMember         = errors.New("store: not a member of this group")
	ErrNotAdmin          = errors.New("store: only the group admin may do this")
	ErrAdminMustTransfer = errors.New("store: transfer admin role before leaving")
	ErrGroupName         = errors.New("store: group name is required")
	ErrNoMembers         = errors.New("store: at least one member is required")
)

// User is a row of the identity-service-owned users table; read-only
// here.
type User struct {
	Uid      int32
	Username string
	Name     string
	Deleted  bool
}

// Message is a stored direct message. The body exists only as the
// sealed envelope.
type Message struct {
	Id         string
	Sender     int32
	Receiver   int32
	Envelope   envelope.Envelope
	Status     Status
	CreateTime time.Time
	UpdateTime time.Time
}

// GroupMessage is a stored group message. ReadBy always contains the
// sender and only ever grows.
type GroupMessage struct {
	Id         string
	GroupId    int64
	Sender     int32
	Envelope   envelope.Envelope
	ReadBy     []int32
	CreateTime time.Time
	UpdateTime time.Time
}

// Group aggregate. Admin is always a member.
type Group struct {
	Id          int64
	Name        string
	Description string
	Photo       string
	Admin       int32
	Members     []int32
	CreateTime  time.Time
	UpdateTime  time.Time
}

func (g *Group) HasMember(uid int32) bool {
	for _, m := range g.Members {
		if m == uid {
			return true
		}
	}
	return false
}

// DeletedChat hides, for Uid only, all messages with PeerUid created
// at or before DeletedAt.
type DeletedChat struct {
	Uid       int32
	PeerUid   int32
	DeletedAt time.Time
}

// DirectConversation is one raw direct entry of the conversation
// list: the newest visible message with a peer plus the viewer's
// unread count. Soft-delete filtering is already applied.
type DirectConversation struct {
	Peer   int32
	Last   *Message
	Unread int32
}

// GroupConversation is one raw group entry: the group, its newest
// message (nil when the group has no messages yet), and the viewer's
// unread count.
type GroupConversation struct {
	Group  *Group
	Last   *GroupMessage
	Unread int32
}

// IConvStore is the conversation store contract. All list queries
// return rows newest-first; cursoring is by message id (ids are
// ULIDs, so lexicographic order is creation order with a random
// same-millisecond tiebreak).
type IConvStore interface {
	// Users (read-only).
	GetUser(ctx context.Context, uid int32) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUsers(ctx context.Context, uids []int32) (map[int32]*User, error)

	// Direct messages.
	AppendMessage(ctx context.Context, sender, receiver int32, env *envelope.Envelope) (*Message, error)
	// AdvanceStatus compare-and-sets the status; returns false without
	// error when the message is already at `to` or beyond.
	AdvanceStatus(ctx context.Context, id string, to Status) (bool, error)
	// MarkReadBulk sets status=read on every not-yet-read message from
	// sender addressed to receiver; returns the number affected.
	MarkReadBulk(ctx context.Context, sender, receiver int32) (int32, error)
	// PendingMessages lists the receiver's messages still in `sent`
	// state, oldest first (reconnect replay order).
	PendingMessages(ctx context.Context, receiver int32) ([]*Message, error)
	// ListMessages returns up to limit messages of the uid<->peer
	// thread strictly older than cursor (all when cursor is empty),
	// newest first, excluding rows hidden by uid's soft-delete marker.
	ListMessages(ctx context.Context, uid, peer int32, cursor string, limit int) ([]*Message, error)
	DirectConversations(ctx context.Context, uid int32) ([]*DirectConversation, error)
	// SoftDeleteConversation upserts the viewer's marker at now.
	SoftDeleteConversation(ctx context.Context, uid, peer int32) error
	DeletedMarker(ctx context.Context, uid, peer int32) (*DeletedChat, error)
	// PurgeConversation irreversibly deletes every message between the
	// pair, both directions. Dual-party explicit purge only.
	PurgeConversation(ctx context.Context, a, b int32) (int64, error)

	// Groups.
	CreateGroup(ctx context.Context, admin int32, name, description string, members []int32) (*Group, error)
	GetGroup(ctx context.Context, id int64) (*Group, error)
	GroupsForMember(ctx context.Context, uid int32) ([]*Group, error)
	UpdateGroupMeta(ctx context.Context, id int64, actor int32, name, description *string) (*Group, error)
	SetGroupPhoto(ctx context.Context, id int64, actor int32, photo string) (*Group, error)
	AddMembers(ctx context.Context, id int64, actor int32, uids []int32) (*Group, error)
	// RemoveMember removes target (self-leave or admin removal). When
	// the last member leaves the group is deleted, messages cascaded,
	// and (nil, nil) is returned.
	RemoveMember(ctx context.Context, id int64, actor, target int32) (*Group, error)
	TransferAdmin(ctx context.Context, id int64, actor, newAdmin int32) (*Group, error)
	DeleteGroup(ctx context.Context, id int64, actor int32) error

	// Group messages.
	AppendGroupMessage(ctx context.Context, groupId int64, sender int32, env *envelope.Envelope) (*GroupMessage, error)
	ListGroupMessages(ctx context.Context, groupId int64, cursor string, limit int) ([]*GroupMessage, error)
	// GroupMarkRead adds uid to readBy on every message it has not
	// read (own messages excluded); returns the number affected.
	GroupMarkRead(ctx context.Context, groupId int64, uid int32) (int32, error)
	GroupConversations(ctx context.Context, uid int32) ([]*GroupConversation, error)
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(crand.Reader, 0)
)

// NewID makes a ULID for t. Monotonic entropy keeps same-millisecond
// ids ordered within this process.
func NewID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(t.UTC()), entropy)
	if err != nil {
		// Entropy exhausted within one millisecond; fall back to fresh
		// randomness rather than fail the write.
		id = ulid.MustNew(ulid.Timestamp(t.UTC()), io.Reader(crand.Reader))
	}
	return id.String()
}

// Now returns the write timestamp at the millisecond precision the
// schema stores.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
