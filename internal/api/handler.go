package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/whisper/dmchat/internal/chat"
)

type credentialsRequest struct {
	DisplayName string `json:"displayName"`
}

// credentialsResponse is returned by signup and sign-in.
type credentialsResponse struct {
	User      chat.User `json:"user"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// handleSignup creates an account and issues its first credential.
func (h *Handler) handleSignup(w http.ResponseWriter, r *http.Request) {
	var payload credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	u, err := h.users.CreateUser(r.Context(), payload.DisplayName)
	if err != nil {
		h.fail(w, r, "signup", err)
		return
	}
	h.issue(w, r, http.StatusCreated, u)
}

// handleSignin issues a fresh credential for an existing account.
func (h *Handler) handleSignin(w http.ResponseWriter, r *http.Request) {
	var payload credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.DisplayName == "" {
		respondError(w, http.StatusBadRequest, "displayName is required")
		return
	}

	u, err := h.users.FindUserByName(r.Context(), payload.DisplayName)
	if err != nil {
		h.fail(w, r, "signin", err)
		return
	}
	h.issue(w, r, http.StatusOK, u)
}

func (h *Handler) issue(w http.ResponseWriter, r *http.Request, status int, u *chat.User) {
	tok, exp, err := h.auth.IssueToken(r.Context(), u.ID)
	if err != nil {
		h.fail(w, r, "issue token", err)
		return
	}
	respondJSON(w, status, credentialsResponse{User: *u, Token: tok, ExpiresAt: exp})
}

func (h *Handler) handleConversations(w http.ResponseWriter, r *http.Request) {
	list, err := h.delivery.Conversations(r.Context(), userFromContext(r))
	if err != nil {
		h.fail(w, r, "conversations", err)
		return
	}
	if list == nil {
		list = []chat.ConversationSummary{}
	}
	respondJSON(w, http.StatusOK, list)
}

// handleHistory serves one page of a conversation. Reading it marks the
// counterpart's messages read.
func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	counterpartID := chi.URLParam(r, "counterpartID")
	q := r.URL.Query()

	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	msgs, err := h.delivery.History(r.Context(), userFromContext(r), counterpartID, q.Get("before"), limit)
	if err != nil {
		h.fail(w, r, "history", err)
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	respondJSON(w, http.StatusOK, msgs)
}

func (h *Handler) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	m, err := h.delivery.Delete(r.Context(), userFromContext(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "delete", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"id": m.ID})
}

// fail maps a service error to a status. Internal errors are logged and
// reported without detail.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("op", op).Str("request_id", middleware.GetReqID(r.Context())).Msg("[api] request failed")
		respondError(w, status, op+" failed")
		return
	}
	respondError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, chat.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, chat.ErrInvalidMessage), errors.Is(err, chat.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, chat.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Debug().Err(err).Msg("[api] encode response failed")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
