package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/golang/glog"

	"github.com/minichat/minichat/metrics"
)

// Max plaintext length of one message body, shared with the websocket
// surface.
const maxContentLen = 2000

// SendMessageRequest represents the send message request body.
type SendMessageRequest struct {
	To      string `json:"to"`
	Content string `json:"content"`
}

// SendMessage handles sending a direct message over REST. Delivery runs
// the same hop as a websocket send: an online receiver gets the push
// and the message advances to delivered.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	me := identityFromContext(r.Context())

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.To == "" || req.Content == "" {
		h.Error(w, http.StatusBadRequest, "to and content are required")
		return
	}
	if len(req.Content) > maxContentLen {
		h.Error(w, http.StatusUnprocessableEntity, "content too long")
		return
	}

	receiver, err := h.store.GetUserByUsername(r.Context(), req.To)
	if err != nil {
		h.StoreError(w, err)
		return
	}

	env, err := h.codec.Seal(req.Content)
	if err != nil {
		h.StoreError(w, err)
		return
	}

	m, err := h.store.AppendMessage(r.Context(), me.Uid, receiver.Uid, env)
	if err != nil {
		h.StoreError(w, err)
		return
	}
	metrics.MessagesSent.Inc()

	rendered := h.view.RenderMessage(r.Context(), m)
	h.delivery.OnSend(r.Context(), m)
	h.JSON(w, http.StatusCreated, rendered)
}

// GetMessages returns one cursor page of the thread with the named
// peer. Fetching history marks the peer's messages read, so a read
// notice may reach the peer as a side effect.
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	me := identityFromContext(r.Context())

	peer, err := h.store.GetUserByUsername(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		h.StoreError(w, err)
		return
	}
	viewer, err := h.store.GetUser(r.Context(), me.Uid)
	if err != nil {
		h.StoreError(w, err)
		return
	}

	cursor := r.URL.Query().Get("before")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	page, err := h.view.DirectHistory(r.Context(), viewer, peer, cursor, limit)
	if err != nil {
		h.StoreError(w, err)
		return
	}

	if _, err := h.delivery.MarkRead(r.Context(), viewer, peer.Uid); err != nil {
		// The page is still good; the read state catches up next fetch.
		glog.Errorf("GetMessages(): mark read from %d: %v", peer.Uid, err)
	}

	h.JSON(w, http.StatusOK, page)
}

// GetConversations returns the merged direct and group conversation
// list, newest activity first.
func (h *Handler) GetConversations(w http.ResponseWriter, r *http.Request) {
	me := identityFromContext(r.Context())

	convs, err := h.view.Conversations(r.Context(), me.Uid)
	if err != nil {
		h.StoreError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, convs)
}

// DeleteConversation hides the thread with the named peer for the
// caller only. The peer keeps their copy; new messages resurface the
// thread.
func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	me := identityFromContext(r.Context())

	peer, err := h.store.GetUserByUsername(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		h.StoreError(w, err)
		return
	}
	if err := h.store.SoftDeleteConversation(r.Context(), me.Uid, peer.Uid); err != nil {
		h.StoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PurgeConversation irreversibly deletes every message between the
// caller and the named peer, both directions. Physical deletion needs
// both parties: the rows go away only once the peer has deleted the
// thread on their side too. Otherwise the caller's intent is recorded
// as their own delete marker, so the peer's later purge completes it.
func (h *Handler) PurgeConversation(w http.ResponseWriter, r *http.Request) {
	me := identityFromContext(r.Context())

	peer, err := h.store.GetUserByUsername(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		h.StoreError(w, err)
		return
	}

	consent, err := h.store.DeletedMarker(r.Context(), peer.Uid, me.Uid)
	if err != nil {
		h.StoreError(w, err)
		return
	}
	if consent == nil {
		if err := h.store.SoftDeleteConversation(r.Context(), me.Uid, peer.Uid); err != nil {
			h.StoreError(w, err)
			return
		}
		h.Error(w, http.StatusConflict, "peer has not deleted this conversation")
		return
	}

	n, err := h.store.PurgeConversation(r.Context(), me.Uid, peer.Uid)
	if err != nil {
		h.StoreError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]int64{"purged": n})
}
