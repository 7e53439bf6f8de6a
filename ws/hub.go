package ws

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"

	"github.com/minichat/minichat/auth"
	"github.com/minichat/minichat/delivery"
	"github.com/minichat/minichat/envelope"
	"github.com/minichat/minichat/metrics"
	"github.com/minichat/minichat/presence"
	"github.com/minichat/minichat/store"
	"github.com/minichat/minichat/view"
	"github.com/minichat/minichat/wire"
)

// Hub works as a hub that manages and serves sessions. It implements
// `delivery.Pusher`: a push reaches a user iff the registry holds a
// live connection for them.
type Hub struct {
	chatApi    *ChatApi
	authClient auth.Client
	registry   *presence.Registry
	delivery   *delivery.StateMachine
	hstore     *HandlerStore
}

// NewHub creates a `Hub` and wires the delivery state machine to it.
func NewHub(authClient auth.Client, convStore store.IConvStore, codec *envelope.Codec,
	registry *presence.Registry, viewSvc *view.Service) *Hub {
	h := &Hub{
		authClient: authClient,
		registry:   registry,
		hstore: &HandlerStore{
			handlers: make(map[string]*Handler),
		},
	}
	h.delivery = delivery.New(convStore, h, viewSvc)
	h.chatApi = NewChatApi(convStore, codec, viewSvc, h.delivery, h)
	return h
}

// Delivery exposes the state machine so the REST surface can share it.
func (h *Hub) Delivery() *delivery.StateMachine {
	return h.delivery
}

// Push implements `delivery.Pusher`.
func (h *Hub) Push(uid int32, msg *wire.ServerMsg) bool {
	c := h.registry.Get(uid)
	if c == nil {
		return false
	}
	c.Push(msg)
	return true
}

// ServeHTTP handles websocket requests from the peer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := h.authClient.Verify(r.Context(), auth.BearerToken(r))
	if err != nil {
		glog.Errorf("ServeHTTP(): authenticate error: %v", err)
		http.Error(w, "Authenticate error", http.StatusForbidden)
		return
	}

	sess := &Session{
		Uid:        id.Uid,
		Username:   id.Username,
		Name:       id.Name,
		Sid:        strings.ReplaceAll(uuid.New(), "-", ""),
		CreateTime: time.Now().Unix(),
		Ip:         getRemoteIP(r),
	}

	// If the upgrade fails, then Upgrade replies to the client with an HTTP error response.
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("ServeHTTP(): upgrader.Upgrade error, uid: %d, err: %s", id.Uid, err)
		return
	}

	// NOTE: after upgrade, `w.WriteHeader(...)` causes error `response.Write on hijacked connection`.

	handler := &Handler{
		dataChan: make(chan *SessionData, 16),
		session:  sess,
		conn:     conn,
		chatApi:  h.chatApi,
		hub:      h,
	}

	conn.SetCloseHandler(func(code int, text string) error {
		glog.Infof("session closed by peer, session: %s, code: %d, text: %s", handler, code, text)
		h.delHandler(handler)
		return nil
	})

	h.addHandler(handler)

	go handler.recvLoop()
	go handler.sendLoop()
}

// addHandler registers the fresh connection: kicks off a superseded
// one, announces presence, sends the online snapshot and replays
// pending messages.
func (h *Hub) addHandler(handler *Handler) {
	h.hstore.add(handler)
	metrics.SessionsActive.Set(float64(h.hstore.size()))

	sess := handler.session
	if prev := h.registry.SetOnline(sess.Uid, handler); prev != nil {
		glog.V(5).Infof("kickoff superseded session: %s", prev.SessionID())
		prev.Push(&wire.ServerMsg{Kickoff: true})
		h.hstore.del(prev.SessionID())
	}

	h.registry.Broadcast(&wire.ServerMsg{UserOnline: &wire.PresenceNotice{
		Uid:      sess.Uid,
		Username: sess.Username,
	}}, sess.Sid)

	handler.Push(&wire.ServerMsg{OnlineUsers: &wire.OnlineUsers{Uids: h.registry.Snapshot()}})

	// Replay messages that arrived while this user had no connection.
	go h.delivery.Reconcile(context.Background(), sess.Uid)
}

func (h *Hub) delHandler(handler *Handler) {
	sess := handler.session
	if !h.hstore.del(sess.Sid) {
		return
	}
	metrics.SessionsActive.Set(float64(h.hstore.size()))

	// A kicked-off session must not wipe the registry entry of its
	// replacement; SetOffline checks the session id.
	if h.registry.SetOffline(sess.Uid, handler) {
		h.registry.Broadcast(&wire.ServerMsg{UserOffline: &wire.PresenceNotice{
			Uid:      sess.Uid,
			Username: sess.Username,
		}}, sess.Sid)
	}
}

// Stop closes every live session; used at graceful shutdown.
func (h *Hub) Stop() {
	glog.Infof("close connections ...")
	h.hstore.close()
	glog.Infof("close connections done")
}

func getRemoteIP(r *http.Request) string {
	ip := r.Header.Get("X-REAL-IP")
	if ip == "" {
		if ips := r.Header.Get("X-FORWARDED-FOR"); ips != "" {
			slice := strings.Split(ips, ",")
			for _, x := range slice {
				if x != "" {
					ip = x
				}
			}
		}
	}
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}

	return ip
}
