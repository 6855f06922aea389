// Package api serves the REST surface next to the WebSocket endpoint:
// account signup, credential issue, the conversation list, paginated
// history, and message deletion.
package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/whisper/dmchat/internal/chat"
	"github.com/whisper/dmchat/internal/delivery"
	"github.com/whisper/dmchat/internal/metrics"
	"github.com/whisper/dmchat/internal/ratelimit"
	"github.com/whisper/dmchat/internal/ws"
)

// Auth issues and resolves bearer credentials.
type Auth interface {
	IssueToken(ctx context.Context, userID string) (string, time.Time, error)
	Authenticate(ctx context.Context, token string) (string, error)
}

type ctxKey struct{}

// Handler holds the services behind the REST routes.
type Handler struct {
	delivery *delivery.Service
	users    chat.UserStore
	auth     Auth
	limiter  ratelimit.Checker
}

// New creates a Handler. limiter may be nil to disable throttling.
func New(d *delivery.Service, users chat.UserStore, auth Auth, limiter ratelimit.Checker) *Handler {
	return &Handler{delivery: d, users: users, auth: auth, limiter: limiter}
}

// Routes builds the /api router wrapped in CORS. An empty origin list
// allows any origin.
func (h *Handler) Routes(origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.rateLimit(remoteIdentity))
			r.Post("/users", h.handleSignup)
			r.Post("/sessions", h.handleSignin)
		})
		r.Group(func(r chi.Router) {
			r.Use(h.authenticate)
			r.Use(h.rateLimit(userFromContext))
			h.RegisterRoutes(r)
		})
	})

	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		ExposedHeaders:   []string{"Retry-After"},
		MaxAge:           300,
		AllowCredentials: origins[0] != "*",
	})
	return c.Handler(r)
}

// RegisterRoutes installs the authenticated routes on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/users", h.handleConversations)
	r.Get("/messages/{counterpartID}", h.handleHistory)
	r.Delete("/messages/{id}", h.handleDeleteMessage)
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := h.auth.Authenticate(r.Context(), ws.BearerToken(r))
		if err != nil {
			respondError(w, statusFor(err), "authentication required")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKey{}, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) rateLimit(identity func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if h.limiter != nil {
				ok, err := h.limiter.Allow(r.Context(), identity(r), ratelimit.RuleAPI)
				if err != nil {
					log.Debug().Err(err).Msg("[api] rate limit check failed")
				}
				if !ok {
					metrics.RateLimited.WithLabelValues("api").Inc()
					w.Header().Set("Retry-After", strconv.Itoa(int(ratelimit.RuleAPI.Window.Seconds())))
					respondError(w, http.StatusTooManyRequests, "too many requests")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func userFromContext(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}

// remoteIdentity keys anonymous requests by client host. RemoteAddr carries
// the source port unless RealIP rewrote it, and every new TCP connection
// has a fresh port.
func remoteIdentity(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
