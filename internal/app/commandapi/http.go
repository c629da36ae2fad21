package commandapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/taskwatch/project/internal/app/identity"
	"github.com/taskwatch/project/internal/app/tasks"
	"github.com/taskwatch/project/internal/platform/auth"
	"github.com/taskwatch/project/internal/ratelimit"
)

// Operation classes guarded by the rate limiter.
const (
	OpLogin   = "login"
	OpRefresh = "refresh"
)

type Handler struct {
	Service  *Service
	Identity *identity.Service
	Tasks    *tasks.Repository
	Limiter  ratelimit.Limiter
}

func NewHandler(service *Service, identitySvc *identity.Service, taskRepo *tasks.Repository, limiter ratelimit.Limiter) *Handler {
	return &Handler{
		Service:  service,
		Identity: identitySvc,
		Tasks:    taskRepo,
		Limiter:  limiter,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/api/v1/auth/register", h.handleRegister)
	r.With(h.limitOperation(OpLogin)).Post("/api/v1/auth/login", h.handleLogin)
	r.With(h.limitOperation(OpRefresh)).Post("/api/v1/auth/refresh", h.handleRefresh)
	r.Post("/api/v1/auth/logout", h.handleLogout)

	r.Group(func(authR chi.Router) {
		authR.Use(h.authMiddleware)
		authR.Get("/api/v1/tasks", h.handleListTasks)
		authR.Post("/api/v1/tasks", h.handleTaskCommand)
	})

	return r
}

type credentialsRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	resp, err := h.Identity.Register(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrInvalidUsername),
			errors.Is(err, identity.ErrInvalidEmail),
			errors.Is(err, identity.ErrInvalidPassword):
			h.writeError(w, http.StatusBadRequest, err.Error())
		default:
			if strings.Contains(strings.ToLower(err.Error()), "duplicate") {
				h.writeError(w, http.StatusConflict, "username already exists")
				return
			}
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	resp, err := h.Identity.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			h.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	resp, err := h.Identity.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrRefreshTokenMissing):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, identity.ErrInvalidRefreshToken):
			h.writeError(w, http.StatusUnauthorized, err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if err := h.Identity.Logout(r.Context(), req.RefreshToken); err != nil {
		if errors.Is(err, identity.ErrRefreshTokenMissing) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListTasks(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	list, err := h.Tasks.ListOwnerTasks(r.Context(), claims.Subject, limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"tasks": list})
}

func (h *Handler) handleTaskCommand(w http.ResponseWriter, r *http.Request) {
	var req TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	claims := claimsFromContext(r.Context())
	resp, err := h.Service.Accept(r.Context(), Actor{UserID: claims.Subject, Username: claims.Username}, req)
	if err != nil {
		switch {
		case errors.Is(err, ErrNoticeUnpublished):
			// Mutation persisted; live notification is best-effort.
			log.Printf("change notice dropped: %v", err)
		case errors.Is(err, ErrTitleRequired), errors.Is(err, ErrTaskIDRequired), errors.Is(err, ErrUnsupportedAction):
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		case errors.Is(err, ErrForbiddenTask):
			h.writeError(w, http.StatusForbidden, err.Error())
			return
		case errors.Is(err, tasks.ErrTaskNotFound):
			h.writeError(w, http.StatusNotFound, "task not found")
			return
		default:
			h.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	h.writeJSON(w, http.StatusAccepted, resp)
}

// limitOperation guards one operation class. The limit key is the source
// address; login and refresh use independent buckets even for the same
// caller.
func (h *Handler) limitOperation(operation string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if h.Limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			decision, err := h.Limiter.TryAcquire(r.Context(), limitIdentity(r), operation, 1)
			if err != nil {
				// Infrastructure failure, not abuse: the decision already
				// carries the configured fail direction.
				log.Printf("rate limiter unavailable for %s: %v", operation, err)
			}
			if !decision.Allowed {
				retrySeconds := int(math.Ceil(decision.RetryAfter.Seconds()))
				if retrySeconds < 1 {
					retrySeconds = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retrySeconds))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error":          "too many requests",
					"retry_after_ms": decision.RetryAfter.Milliseconds(),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func limitIdentity(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return host
}

type claimsContextKey struct{}

func contextWithClaims(ctx context.Context, claims auth.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

func claimsFromContext(ctx context.Context) auth.Claims {
	claims, _ := ctx.Value(claimsContextKey{}).(auth.Claims)
	return claims
}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			h.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := h.Identity.AuthToken.Parse(token)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(contextWithClaims(r.Context(), claims)))
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
