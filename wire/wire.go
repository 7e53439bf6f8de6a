// Package wire defines the JSON messages exchanged with clients, both
// over the websocket and on the REST surface.
package wire

// Error codes, grpc numbering.
const (
	CodeInvalidArgument    = 3
	CodeNotFound           = 5
	CodePermissionDenied   = 7
	CodeFailedPrecondition = 9
	CodeInternal           = 13
)

type Error struct {
	Code   int      `json:"code,omitempty"`
	Params []string `json:"params,omitempty"`
}

// User is the displayable part of an identity.
type User struct {
	Uid      int32  `json:"uid,omitempty"`
	Username string `json:"username,omitempty"`
	Name     string `json:"name,omitempty"`
	Deleted  bool   `json:"deleted,omitempty"`
}

// Message is a decrypted direct message as rendered to a client.
// Content is the plaintext, or a redacted placeholder when the stored
// envelope fails to open.
type Message struct {
	Id         string `json:"id,omitempty"`
	Sender     *User  `json:"sender,omitempty"`
	Receiver   *User  `json:"receiver,omitempty"`
	Content    string `json:"content,omitempty"`
	Status     string `json:"status,omitempty"`
	CreateTime int64  `json:"create_time,omitempty"` // unix milliseconds
	UpdateTime int64  `json:"update_time,omitempty"`
}

// GroupMessage is a decrypted group message as rendered to a client.
type GroupMessage struct {
	Id         string  `json:"id,omitempty"`
	GroupId    int64   `json:"group_id,omitempty"`
	Sender     *User   `json:"sender,omitempty"`
	Content    string  `json:"content,omitempty"`
	ReadBy     []int32 `json:"read_by,omitempty"`
	CreateTime int64   `json:"create_time,omitempty"`
}

// GroupInfo is a group with its member list populated for display.
type GroupInfo struct {
	Id          int64   `json:"id,omitempty"`
	Name        string  `json:"name,omitempty"`
	Description string  `json:"description,omitempty"`
	Photo       string  `json:"photo,omitempty"`
	Admin       int32   `json:"admin,omitempty"`
	Members     []*User `json:"members,omitempty"`
	CreateTime  int64   `json:"create_time,omitempty"`
	UpdateTime  int64   `json:"update_time,omitempty"`
}

// MessagePage is one cursor page of a direct thread, oldest first.
type MessagePage struct {
	Messages []*Message `json:"messages"`
	HasMore  bool       `json:"has_more"`
}

// GroupMessagePage is one cursor page of a group thread, oldest first.
type GroupMessagePage struct {
	Messages []*GroupMessage `json:"messages"`
	HasMore  bool            `json:"has_more"`
}

// Conversation is one entry of the merged conversation list.
type Conversation struct {
	Type              string     `json:"type"` // "direct" | "group"
	User              *User      `json:"user,omitempty"`
	Group             *GroupInfo `json:"group,omitempty"`
	LastMessage       string     `json:"last_message"`
	LastMessageSender int32      `json:"last_message_sender,omitempty"`
	LastMessageTime   int64      `json:"last_message_time,omitempty"`
	UnreadCount       int32      `json:"unread_count"`
	Online            bool       `json:"online,omitempty"`
}

type SendMessageReq struct {
	To      string `json:"to,omitempty"` // receiver username
	Content string `json:"content,omitempty"`
}

type MarkReadReq struct {
	Peer string `json:"peer,omitempty"` // sender username
}

type MarkReadResp struct {
	Peer  string `json:"peer,omitempty"`
	Count int32  `json:"count"`
}

type TypingReq struct {
	Peer string `json:"peer,omitempty"`
}

type GroupSendReq struct {
	GroupId int64  `json:"group_id,omitempty"`
	Content string `json:"content,omitempty"`
}

type GroupMarkReadReq struct {
	GroupId int64 `json:"group_id,omitempty"`
}

type GroupMarkReadResp struct {
	GroupId int64 `json:"group_id,omitempty"`
	Count   int32 `json:"count"`
}

type GroupTypingReq struct {
	GroupId int64 `json:"group_id,omitempty"`
}

// ClientMsg is one inbound websocket frame. Exactly one request field
// is set. Cid, when present, is echoed on the direct response so the
// client can correlate acknowledgments.
type ClientMsg struct {
	Cid string `json:"cid,omitempty"`

	SendMessage      *SendMessageReq   `json:"send_message,omitempty"`
	MarkRead         *MarkReadReq      `json:"mark_read,omitempty"`
	TypingStart      *TypingReq        `json:"typing_start,omitempty"`
	TypingStop       *TypingReq        `json:"typing_stop,omitempty"`
	GroupSend        *GroupSendReq     `json:"group_send,omitempty"`
	GroupMarkRead    *GroupMarkReadReq `json:"group_mark_read,omitempty"`
	GroupTypingStart *GroupTypingReq   `json:"group_typing_start,omitempty"`
	GroupTypingStop  *GroupTypingReq   `json:"group_typing_stop,omitempty"`
}

type DeliveredNotice struct {
	MessageId string `json:"message_id,omitempty"`
	Receiver  string `json:"receiver,omitempty"` // receiver username
}

type ReadNotice struct {
	Reader string `json:"reader,omitempty"` // reader username
	Uid    int32  `json:"uid,omitempty"`
}

type TypingNotice struct {
	From string `json:"from,omitempty"` // username
	Stop bool   `json:"stop,omitempty"`
}

type GroupReadNotice struct {
	GroupId int64  `json:"group_id,omitempty"`
	Reader  string `json:"reader,omitempty"`
	Uid     int32  `json:"uid,omitempty"`
}

type GroupTypingNotice struct {
	GroupId int64  `json:"group_id,omitempty"`
	From    string `json:"from,omitempty"`
	Stop    bool   `json:"stop,omitempty"`
}

type PresenceNotice struct {
	Uid      int32  `json:"uid,omitempty"`
	Username string `json:"username,omitempty"`
}

type OnlineUsers struct {
	Uids []int32 `json:"uids,omitempty"`
}

// ServerMsg is one outbound websocket frame: either the direct
// response to a ClientMsg (Cid echoed, ack or Error set) or a pushed
// event.
type ServerMsg struct {
	Cid     string `json:"cid,omitempty"`
	Error   *Error `json:"error,omitempty"`
	Kickoff bool   `json:"kickoff,omitempty"`

	// Acks.
	SendMessage   *Message           `json:"send_message,omitempty"`
	MarkRead      *MarkReadResp      `json:"mark_read,omitempty"`
	GroupSend     *GroupMessage      `json:"group_send,omitempty"`
	GroupMarkRead *GroupMarkReadResp `json:"group_mark_read,omitempty"`

	// Pushed events.
	ReceiveMessage   *Message           `json:"receive_message,omitempty"`
	MessageDelivered *DeliveredNotice   `json:"message_delivered,omitempty"`
	MessagesRead     *ReadNotice        `json:"messages_read,omitempty"`
	UserTyping       *TypingNotice      `json:"user_typing,omitempty"`
	GroupMessage     *GroupMessage      `json:"group_message,omitempty"`
	GroupRead        *GroupReadNotice   `json:"group_read,omitempty"`
	GroupTyping      *GroupTypingNotice `json:"group_typing,omitempty"`
	UserOnline       *PresenceNotice    `json:"user_online,omitempty"`
	UserOffline      *PresenceNotice    `json:"user_offline,omitempty"`
	OnlineUsers      *OnlineUsers       `json:"online_users,omitempty"`
}

func NewInvalidArgumentError(params ...string) *Error {
	return &Error{Code: CodeInvalidArgument, Params: params}
}

func NewInternalError(msg string) *Error {
	return &Error{Code: CodeInternal, Params: []string{msg}}
}
