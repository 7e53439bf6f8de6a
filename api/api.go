// Package api is the REST surface: history, conversation list and
// group management. Realtime traffic stays on the websocket; these
// endpoints serve initial page loads and clients without a socket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/golang/glog"

	"github.com/minichat/minichat/auth"
	"github.com/minichat/minichat/delivery"
	"github.com/minichat/minichat/envelope"
	"github.com/minichat/minichat/store"
	"github.com/minichat/minichat/view"
)

type contextKey int

const identityKey contextKey = 0

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	store    store.IConvStore
	codec    *envelope.Codec
	view     *view.Service
	delivery *delivery.StateMachine
	push     delivery.Pusher
	auth     auth.Client
}

// NewRouter creates and configures the HTTP router.
func NewRouter(authClient auth.Client, convStore store.IConvStore, codec *envelope.Codec,
	viewSvc *view.Service, d *delivery.StateMachine, push delivery.Pusher) *chi.Mux {
	h := &Handler{
		store:    convStore,
		codec:    codec,
		view:     viewSvc,
		delivery: d,
		push:     push,
		auth:     authClient,
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)

		r.Post("/messages", h.SendMessage)
		r.Get("/messages/{username}", h.GetMessages)

		r.Get("/conversations", h.GetConversations)
		r.Delete("/conversations/{username}", h.DeleteConversation)
		r.Post("/conversations/{username}/purge", h.PurgeConversation)

		r.Post("/groups", h.CreateGroup)
		r.Get("/groups", h.ListGroups)
		r.Get("/groups/{id}", h.GetGroup)
		r.Patch("/groups/{id}", h.UpdateGroup)
		r.Put("/groups/{id}/photo", h.SetGroupPhoto)
		r.Post("/groups/{id}/members", h.AddMembers)
		r.Delete("/groups/{id}/members/{uid}", h.RemoveMember)
		r.Post("/groups/{id}/admin", h.TransferAdmin)
		r.Delete("/groups/{id}", h.DeleteGroup)
		r.Get("/groups/{id}/messages", h.GetGroupMessages)
		r.Post("/groups/{id}/messages", h.SendGroupMessage)
	})

	return r
}

// requireAuth verifies the bearer credential and stores the identity in
// the request context.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := h.auth.Verify(r.Context(), auth.BearerToken(r))
		if err != nil {
			h.Error(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, id)))
	})
}

func identityFromContext(ctx context.Context) *auth.Identity {
	id, _ := ctx.Value(identityKey).(*auth.Identity)
	return id
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// StoreError maps store errors to HTTP responses. Unexpected errors are
// logged and reported as a plain 500.
func (h *Handler) StoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrUserNotFound),
		errors.Is(err, store.ErrGroupNotFound),
		errors.Is(err, store.ErrMessageNotFound):
		h.Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrNotMember),
		errors.Is(err, store.ErrNotAdmin):
		h.Error(w, http.StatusForbidden, err.Error())
	case errors.Is(err, store.ErrUserDeleted),
		errors.Is(err, store.ErrAdminMustTransfer):
		h.Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrSelfMessage),
		errors.Is(err, store.ErrGroupName),
		errors.Is(err, store.ErrNoMembers):
		h.Error(w, http.StatusBadRequest, err.Error())
	default:
		glog.Errorf("storage error: %v", err)
		h.Error(w, http.StatusInternalServerError, "storage error")
	}
}
