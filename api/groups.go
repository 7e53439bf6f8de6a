package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/minichat/minichat/metrics"
	"github.com/minichat/minichat/store"
	"github.com/minichat/minichat/wire"
)

// CreateGroupRequest represents the create group request body.
type CreateGroupRequest struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Members     []int32 `json:"members"`
}

// UpdateGroupRequest carries the mutable group fields; absent fields
// stay untouched.
type UpdateGroupRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

// GroupPhotoRequest represents the set photo request body. Photo is a
// reference (URL or object key), never image bytes.
type GroupPhotoRequest struct {
	Photo string `json:"photo"`
}

// AddMembersRequest represents the add members request body.
type AddMembersRequest struct {
	Uids []int32 `json:"uids"`
}

// TransferAdminRequest represents the transfer admin request body.
type TransferAdminRequest struct {
	Uid int32 `json:"uid"`
}

// SendGroupMessageRequest represents the group send request body.
type SendGroupMessageRequest struct {
	Content string `json:"content"`
}

func groupID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

func (h *Handler) groupJSON(w http.ResponseWriter, r *http.Request, status int, g *store.Group) {
	info, err := h.view.GroupView(r.Context(), g)
	if err != nil {
		h.StoreError(w, err)
		return
	}
	h.JSON(w, status, info)
}

// CreateGroup creates a group with the caller as admin.
func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	me := identityFromContext(r.Context())

	var req CreateGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	g, err := h.store.CreateGroup(r.Context(), me.Uid, req.Name, req.Description, req.Members)
	if err != nil {
		h.StoreError(w, err)
		return
	}
	h.groupJSON(w, r, http.StatusCreated, g)
}

// ListGroups returns every group the caller is a member of.
func (h *Handler) ListGroups(w http.ResponseWriter, r *http.Request) {
	me := identityFromContext(r.Context())

	groups, err := h.store.GroupsForMember(r.Context(), me.Uid)
	if err != nil {
		h.StoreError(w, err)
		return
	}

	out := make([]*wire.GroupInfo, 0, len(groups))
	for _, g := range groups {
		info, err := h.view.GroupView(r.Context(), g)
		if err != nil {
			h.StoreError(w, err)
			return
		}
		out = append(out, info)
	}
	h.JSON(w, http.StatusOK, out)
}

// GetGroup returns one group; members only.
func (h *Handler) GetGroup(w http.ResponseWriter, r *http.Request) {
	me := identityFromContext(r.Context())

	id, ok := groupID(r)
	if !ok {
		h.Error(w, http.StatusBadRequest, "invalid group id")
		return
	}
	g, err := h.store.GetGroup(r.Context(), id)
	if err != nil {
		h.StoreError(w, err)
		return
	}
	if !g.HasMember(me.Uid) {
		h.StoreError(w, store.ErrNotMember)
		return
	}
	h.groupJSON(w, r, http.StatusOK, g)
}

// UpdateGroup renames or re-describes a group; admin only.
func (h *Handler) UpdateGroup(w http.ResponseWriter, r *http.Request) {
	me := identityFromContext(r.Context())

	id, ok := groupID(r)
	if !ok {
		h.Error(w, http.StatusBadRequest, "invalid group id")
		return
	}
	var req UpdateGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	g, err := h.store.UpdateGroupMeta(r.Context(), id, me.Uid, req.Name, req.Description)
	if err != nil {
		h.StoreError(w, err)
		return
	}
	h.groupJSON(w, r, http.StatusOK, g)
}

// SetGroupPhoto stores a new photo reference; admin only.
func (h *Handler) SetGroupPhoto(w http.ResponseWriter, r *http.Request) {
	me := identityFromContext(r.Context())

	id, ok := groupID(r)
	if !ok {
		h.Error(w, http.StatusBadRequest, "invalid group id")
		return
	}
	var req GroupPhotoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	g, err := h.store.SetGroupPhoto(r.Context(), id, me.Uid, req.Photo)
	if err != nil {
		h.StoreError(w, err)
		return
	}
	h.groupJSON(w, r, http.StatusOK, g)
}

// AddMembers adds users to a group; admin only. Unknown and deleted
// uids are dropped silently.
func (h *Handler) AddMembers(w http.ResponseWriter, r *http.Request) {
	me := identityFromContext(r.Context())

	id, ok := groupID(r)
	if !ok {
		h.Error(w, http.StatusBadRequest, "invalid group id")
		return
	}
	var req AddMembersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	g, err := h.store.AddMembers(r.Context(), id, me.Uid, req.Uids)
	if err != nil {
		h.StoreError(w, err)
		return
	}
	h.groupJSON(w, r, http.StatusOK, g)
}

// RemoveMember removes a member: self-leave, or removal by the admin.
// When the last member leaves the group is deleted and 204 returned.
func (h *Handler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	me := identityFromContext(r.Context())

	id, ok := groupID(r)
	if !ok {
		h.Error(w, http.StatusBadRequest, "invalid group id")
		return
	}
	target, err := strconv.ParseInt(chi.URLParam(r, "uid"), 10, 32)
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid uid")
		return
	}

	g, err := h.store.RemoveMember(r.Context(), id, me.Uid, int32(target))
	if err != nil {
		h.StoreError(w, err)
		return
	}
	if g == nil {
		// Last member left; the group and its messages are gone.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.groupJSON(w, r, http.StatusOK, g)
}

// TransferAdmin hands the admin role to another member; admin only.
func (h *Handler) TransferAdmin(w http.ResponseWriter, r *http.Request) {
	me := identityFromContext(r.Context())

	id, ok := groupID(r)
	if !ok {
		h.Error(w, http.StatusBadRequest, "invalid group id")
		return
	}
	var req TransferAdminRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	g, err := h.store.TransferAdmin(r.Context(), id, me.Uid, req.Uid)
	if err != nil {
		h.StoreError(w, err)
		return
	}
	h.groupJSON(w, r, http.StatusOK, g)
}

// DeleteGroup deletes a group and all its messages; admin only.
func (h *Handler) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	me := identityFromContext(r.Context())

	id, ok := groupID(r)
	if !ok {
		h.Error(w, http.StatusBadRequest, "invalid group id")
		return
	}
	if err := h.store.DeleteGroup(r.Context(), id, me.Uid); err != nil {
		h.StoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetGroupMessages returns one cursor page of a group thread; members
// only. Fetching marks everything read for the caller and notifies the
// other members when anything changed.
func (h *Handler) GetGroupMessages(w http.ResponseWriter, r *http.Request) {
	me := identityFromContext(r.Context())

	id, ok := groupID(r)
	if !ok {
		h.Error(w, http.StatusBadRequest, "invalid group id")
		return
	}
	cursor := r.URL.Query().Get("before")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	page, err := h.view.GroupHistory(r.Context(), me.Uid, id, cursor, limit)
	if err != nil {
		h.StoreError(w, err)
		return
	}

	n, err := h.store.GroupMarkRead(r.Context(), id, me.Uid)
	if err != nil {
		h.StoreError(w, err)
		return
	}
	if n > 0 {
		g, err := h.store.GetGroup(r.Context(), id)
		if err == nil {
			h.pushGroup(g, me.Uid, &wire.ServerMsg{GroupRead: &wire.GroupReadNotice{
				GroupId: id,
				Reader:  me.Username,
				Uid:     me.Uid,
			}})
		}
	}

	h.JSON(w, http.StatusOK, page)
}

// SendGroupMessage persists a group message and fans it out to the
// online members.
func (h *Handler) SendGroupMessage(w http.ResponseWriter, r *http.Request) {
	me := identityFromContext(r.Context())

	id, ok := groupID(r)
	if !ok {
		h.Error(w, http.StatusBadRequest, "invalid group id")
		return
	}
	var req SendGroupMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Content == "" {
		h.Error(w, http.StatusBadRequest, "content is required")
		return
	}
	if len(req.Content) > maxContentLen {
		h.Error(w, http.StatusUnprocessableEntity, "content too long")
		return
	}

	g, err := h.store.GetGroup(r.Context(), id)
	if err != nil {
		h.StoreError(w, err)
		return
	}
	if !g.HasMember(me.Uid) {
		h.StoreError(w, store.ErrNotMember)
		return
	}

	env, err := h.codec.Seal(req.Content)
	if err != nil {
		h.StoreError(w, err)
		return
	}
	m, err := h.store.AppendGroupMessage(r.Context(), id, me.Uid, env)
	if err != nil {
		h.StoreError(w, err)
		return
	}
	metrics.GroupMessagesSent.Inc()

	rendered := h.view.RenderGroupMessage(r.Context(), m)
	h.pushGroup(g, me.Uid, &wire.ServerMsg{GroupMessage: rendered})
	h.JSON(w, http.StatusCreated, rendered)
}

func (h *Handler) pushGroup(g *store.Group, except int32, msg *wire.ServerMsg) {
	for _, uid := range g.Members {
		if uid != except {
			h.push.Push(uid, msg)
		}
	}
}
