package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/minichat/minichat/wire"
)

type SessionError int

const (
	ReadError  SessionError = 1
	WriteError SessionError = 2
	PingError  SessionError = 3
	BadRequest SessionError = 4
	ServerStop SessionError = 5
	KickedOff  SessionError = 6
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 3 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	// Recommend configure nginx with `keep-alive_timeout` >= 65s.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 25 * time.Second

	// websocket max message size to read.
	readLimit = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Fix error: request origin not allowed by Upgrader.CheckOrigin
	CheckOrigin: func(r *http.Request) bool {
		// When the node is behind nginx: host=ws-backend.
		// TODO: possible SECURITY LEAK.
		return true
	},
}

// Session describes one live websocket connection.
type Session struct {
	Uid        int32  `json:"uid,omitempty"`
	Username   string `json:"username,omitempty"`
	Name       string `json:"name,omitempty"`
	Sid        string `json:"sid,omitempty"`
	CreateTime int64  `json:"create_time,omitempty"`
	Ip         string `json:"ip,omitempty"`
}

// Handler manages an active connection to an end user.
// Every new websocket connection creates a new session.
type Handler struct {
	sync.Mutex

	chatApi *ChatApi
	hub     *Hub

	session *Session
	conn    *websocket.Conn

	dataChan chan *SessionData

	closing bool
}

// SessionData is the data structure for `dataChan`.
type SessionData struct {
	Error     SessionError    `json:"error,omitempty"`
	ServerMsg *wire.ServerMsg `json:"resp,omitempty"`
}

func (h *Handler) String() string {
	out, _ := json.Marshal(h.session)
	return string(out)
}

// SessionID implements `presence.Conn`.
func (h *Handler) SessionID() string {
	return h.session.Sid
}

// Push implements `presence.Conn`.
func (h *Handler) Push(msg *wire.ServerMsg) {
	h.appendDataChan(&SessionData{ServerMsg: msg})
}

func (h *Handler) close(cause SessionError) {
	h.Lock()
	defer h.Unlock()
	if h.closing {
		return
	}

	h.closing = true

	h.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = h.conn.WriteMessage(websocket.CloseMessage, []byte{})
	h.conn.Close()

	close(h.dataChan)

	if cause != ServerStop {
		glog.V(5).Infof("session closed, cause: %d, %s", cause, h)
		// Ask the hub to forget this handler.
		h.hub.delHandler(h)
	}
}

// appendDataChan queues v for sendLoop without ever blocking the
// caller: pushes come in from other sessions' goroutines (broadcasts,
// group fan-out, delivery notices), and parking one of those behind a
// slow reader would stall every sender sharing it. When the queue is
// full, pushed frames are dropped; a close request closes the session
// directly instead, without flushing the backlog.
func (h *Handler) appendDataChan(v *SessionData) {
	h.Lock()
	defer h.Unlock()
	if h.closing {
		return
	}
	select {
	case h.dataChan <- v:
	default:
		if v.Error > 0 {
			go h.close(v.Error)
			return
		}
		glog.Warningf("appendDataChan(): dataChan full, dropping frame, session: %s", h)
	}
}

func sendServerMsg(conn *websocket.Conn, msg *wire.ServerMsg) error {
	out, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, out)
}

func (h *Handler) recvLoop() {
	defer func() { glog.V(5).Infof("recvLoop(): exited, session: %s", h.String()) }()

	h.conn.SetReadLimit(readLimit)
	h.conn.SetReadDeadline(time.Now().Add(pongWait))
	h.conn.SetPongHandler(func(s string) error {
		h.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for !h.closing {
		msgType, msg, err := h.conn.ReadMessage()
		if err != nil {
			glog.Errorf("recvLoop(): read error: %v", err)
			h.appendDataChan(&SessionData{Error: ReadError})
			return
		}

		glog.V(5).Infof("recvLoop(): incoming client message: %v", string(msg))

		if msgType != websocket.TextMessage {
			glog.Errorf("recvLoop(): unexpected message type: %d", msgType)
			h.appendDataChan(&SessionData{ServerMsg: &wire.ServerMsg{
				Error: wire.NewInvalidArgumentError("websocket only supports TextMessage"),
			}})
			h.appendDataChan(&SessionData{Error: BadRequest})
			return
		}

		req := wire.ClientMsg{}
		if err := json.Unmarshal(msg, &req); err != nil {
			glog.Errorf("recvLoop(): message error: msg: %s, err: %v", string(msg), err)
			h.appendDataChan(&SessionData{ServerMsg: &wire.ServerMsg{
				Error: wire.NewInvalidArgumentError(fmt.Sprintf("marshal error: %v", err)),
			}})
			h.appendDataChan(&SessionData{Error: BadRequest})
			return
		}

		h.dispatch(&req)
	}
}

// dispatch runs one client request and queues its response. Every
// response echoes the request cid so the client can correlate.
func (h *Handler) dispatch(req *wire.ClientMsg) {
	ctx := context.Background()
	me := h.session

	if v := req.SendMessage; v != nil {
		resp, werr := h.chatApi.SendMessage(ctx, me, v)
		if werr != nil {
			glog.Errorf("dispatch(): SendMessage error: %+v", werr)
			h.appendDataChan(&SessionData{ServerMsg: &wire.ServerMsg{Cid: req.Cid, Error: werr}})
			return
		}
		h.appendDataChan(&SessionData{ServerMsg: &wire.ServerMsg{Cid: req.Cid, SendMessage: resp}})
	} else if v := req.MarkRead; v != nil {
		resp, werr := h.chatApi.MarkRead(ctx, me, v)
		if werr != nil {
			glog.Errorf("dispatch(): MarkRead error: %+v", werr)
			h.appendDataChan(&SessionData{ServerMsg: &wire.ServerMsg{Cid: req.Cid, Error: werr}})
			return
		}
		h.appendDataChan(&SessionData{ServerMsg: &wire.ServerMsg{Cid: req.Cid, MarkRead: resp}})
	} else if v := req.TypingStart; v != nil {
		h.chatApi.Typing(ctx, me, v, false)
	} else if v := req.TypingStop; v != nil {
		h.chatApi.Typing(ctx, me, v, true)
	} else if v := req.GroupSend; v != nil {
		resp, werr := h.chatApi.GroupSend(ctx, me, v)
		if werr != nil {
			glog.Errorf("dispatch(): GroupSend error: %+v", werr)
			h.appendDataChan(&SessionData{ServerMsg: &wire.ServerMsg{Cid: req.Cid, Error: werr}})
			return
		}
		h.appendDataChan(&SessionData{ServerMsg: &wire.ServerMsg{Cid: req.Cid, GroupSend: resp}})
	} else if v := req.GroupMarkRead; v != nil {
		resp, werr := h.chatApi.GroupMarkRead(ctx, me, v)
		if werr != nil {
			glog.Errorf("dispatch(): GroupMarkRead error: %+v", werr)
			h.appendDataChan(&SessionData{ServerMsg: &wire.ServerMsg{Cid: req.Cid, Error: werr}})
			return
		}
		h.appendDataChan(&SessionData{ServerMsg: &wire.ServerMsg{Cid: req.Cid, GroupMarkRead: resp}})
	} else if v := req.GroupTypingStart; v != nil {
		h.chatApi.GroupTyping(ctx, me, v, false)
	} else if v := req.GroupTypingStop; v != nil {
		h.chatApi.GroupTyping(ctx, me, v, true)
	} else {
		glog.Errorf("dispatch(): unsupported request: %+v", req)
		h.appendDataChan(&SessionData{ServerMsg: &wire.ServerMsg{
			Cid:   req.Cid,
			Error: wire.NewInvalidArgumentError("unsupported request"),
		}})
		h.appendDataChan(&SessionData{Error: BadRequest})
	}
}

func (h *Handler) sendLoop() {
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		pingTicker.Stop()
		glog.V(5).Infof("sendLoop(): exited, session: %s", h.String())
	}()

	for {
		select {
		case v, ok := <-h.dataChan:
			if !ok { // chan was closed
				h.conn.Close()
				glog.V(5).Infof("sendLoop(): data chan closed, session: %s", h.String())
				return
			}

			if glog.V(5) {
				dataJson, _ := json.Marshal(v)
				logValue := string(dataJson)
				if len(logValue) > 100 {
					logValue = logValue[:100] + " ..."
				}
				glog.Infof("sendLoop(), get from data chan, value: %s, session: %s", logValue, h.String())
			}

			if v.Error > 0 {
				h.close(v.Error)
				return
			} else if v.ServerMsg == nil {
				// should not happen.
				panic(fmt.Sprintf("sendLoop(), unknown data from dataChan: %#+v", v))
			}

			if err := sendServerMsg(h.conn, v.ServerMsg); err != nil {
				glog.Errorf("sendLoop(), error write message. session: %s, resp: %+v, err: %v",
					h.String(), v.ServerMsg, err)
				h.appendDataChan(&SessionData{Error: WriteError})
				return
			}
			if v.ServerMsg.Kickoff {
				h.close(KickedOff)
				return
			}
		case <-pingTicker.C:
			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				glog.Errorf("sendLoop(), error write ping message. session: %s, err: %v", h, err)
				h.appendDataChan(&SessionData{Error: PingError})
				return
			}
		}
	}
}
