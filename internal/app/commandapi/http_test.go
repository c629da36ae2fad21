package commandapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/taskwatch/project/internal/app/identity"
	"github.com/taskwatch/project/internal/platform/auth"
	"github.com/taskwatch/project/internal/ratelimit"
)

type fakeLimiter struct {
	decision ratelimit.Decision
	err      error
	calls    int
}

func (l *fakeLimiter) TryAcquire(context.Context, string, string, int) (ratelimit.Decision, error) {
	l.calls++
	return l.decision, l.err
}

type fakeIdentityRepo struct {
	users  map[string]identity.User
	tokens map[string]identity.RefreshToken
}

func newFakeIdentityRepo() *fakeIdentityRepo {
	return &fakeIdentityRepo{users: map[string]identity.User{}, tokens: map[string]identity.RefreshToken{}}
}

func (r *fakeIdentityRepo) EnsureSchema(context.Context) error { return nil }

func (r *fakeIdentityRepo) CreateUser(_ context.Context, user identity.User) error {
	r.users[user.Username] = user
	return nil
}

func (r *fakeIdentityRepo) FindUserByUsername(_ context.Context, username string) (identity.User, error) {
	user, ok := r.users[username]
	if !ok {
		return identity.User{}, identity.ErrNotFound
	}
	return user, nil
}

func (r *fakeIdentityRepo) FindUserByID(_ context.Context, userID string) (identity.User, error) {
	for _, user := range r.users {
		if user.ID == userID {
			return user, nil
		}
	}
	return identity.User{}, identity.ErrNotFound
}

func (r *fakeIdentityRepo) StoreRefreshToken(_ context.Context, token identity.RefreshToken) error {
	r.tokens[token.Hash] = token
	return nil
}

func (r *fakeIdentityRepo) FindRefreshToken(_ context.Context, hash string) (identity.RefreshToken, error) {
	token, ok := r.tokens[hash]
	if !ok {
		return identity.RefreshToken{}, identity.ErrNotFound
	}
	return token, nil
}

func (r *fakeIdentityRepo) DeleteRefreshToken(_ context.Context, hash string) error {
	delete(r.tokens, hash)
	return nil
}

func newTestHandler(limiter ratelimit.Limiter) (*Handler, *fakeStore, *fakePublisher) {
	store := newFakeStore()
	publisher := &fakePublisher{}
	manager := auth.NewManager("test-secret", time.Hour)
	identitySvc := identity.NewService(newFakeIdentityRepo(), manager)
	return NewHandler(newTestService(store, publisher), identitySvc, nil, limiter), store, publisher
}

func postJSON(t *testing.T, router http.Handler, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.RemoteAddr = "10.0.0.1:52000"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestLoginDeniedByLimiter(t *testing.T) {
	limiter := &fakeLimiter{decision: ratelimit.Decision{Allowed: false, RetryAfter: 1500 * time.Millisecond}}
	handler, _, _ := newTestHandler(limiter)
	router := handler.Router()

	rec := postJSON(t, router, "/api/v1/auth/login", "", map[string]string{"username": "alice", "password": "password123"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("expected Retry-After header of 2 seconds (ceil of 1.5s), got %q", got)
	}

	var body struct {
		RetryAfterMS int64 `json:"retry_after_ms"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.RetryAfterMS != 1500 {
		t.Fatalf("expected retry_after_ms 1500, got %d", body.RetryAfterMS)
	}
	if limiter.calls != 1 {
		t.Fatalf("expected one limiter call, got %d", limiter.calls)
	}
}

func TestRegisterBypassesLoginLimiter(t *testing.T) {
	// Registration is not one of the limited operation classes.
	limiter := &fakeLimiter{decision: ratelimit.Decision{Allowed: false, RetryAfter: time.Second}}
	handler, _, _ := newTestHandler(limiter)
	router := handler.Router()

	rec := postJSON(t, router, "/api/v1/auth/register", "", map[string]string{
		"username": "alice", "email": "alice@example.com", "password": "password123",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if limiter.calls != 0 {
		t.Fatalf("register must not consult the limiter, got %d calls", limiter.calls)
	}
}

func TestLoginAllowedPassesThrough(t *testing.T) {
	limiter := &fakeLimiter{decision: ratelimit.Decision{Allowed: true, Remaining: 4}}
	handler, _, _ := newTestHandler(limiter)
	router := handler.Router()

	rec := postJSON(t, router, "/api/v1/auth/register", "", map[string]string{
		"username": "alice", "email": "alice@example.com", "password": "password123",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register failed: %d %s", rec.Code, rec.Body.String())
	}

	rec = postJSON(t, router, "/api/v1/auth/login", "", map[string]string{"username": "alice", "password": "password123"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp identity.AuthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Fatal("login must issue both tokens")
	}
}

func TestLimiterStorageErrorHonorsFailDirection(t *testing.T) {
	// The middleware logs the storage error and then follows the decision
	// carried by the limiter's configured fail direction.
	limiter := &fakeLimiter{decision: ratelimit.Decision{Allowed: false}, err: ratelimit.ErrStorageUnavailable}
	handler, _, _ := newTestHandler(limiter)
	router := handler.Router()

	rec := postJSON(t, router, "/api/v1/auth/login", "", map[string]string{"username": "alice", "password": "password123"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("fail-closed storage error should deny, got %d", rec.Code)
	}

	limiter.decision = ratelimit.Decision{Allowed: true}
	rec = postJSON(t, router, "/api/v1/auth/login", "", map[string]string{"username": "alice", "password": "password123"})
	if rec.Code == http.StatusTooManyRequests {
		t.Fatal("fail-open storage error must not deny")
	}
}

func TestTaskCommandRequiresBearerToken(t *testing.T) {
	handler, _, _ := newTestHandler(nil)
	router := handler.Router()

	rec := postJSON(t, router, "/api/v1/tasks", "", TaskRequest{Action: "create-task", Title: "write report"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestTaskCommandCreatesTask(t *testing.T) {
	handler, store, publisher := newTestHandler(nil)
	router := handler.Router()

	token, err := handler.Identity.AuthToken.Sign("u1", "alice")
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	rec := postJSON(t, router, "/api/v1/tasks", token, TaskRequest{Action: "create-task", Title: "write report"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp TaskResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Task.OwnerUserID != "u1" {
		t.Fatalf("task owner must come from the token, got %q", resp.Task.OwnerUserID)
	}
	if _, ok := store.byID[resp.Task.TaskID]; !ok {
		t.Fatal("task was not persisted")
	}
	if len(publisher.changes) != 1 {
		t.Fatalf("expected 1 change notice, got %d", len(publisher.changes))
	}
}

func TestTaskCommandRejectsBadAction(t *testing.T) {
	handler, _, _ := newTestHandler(nil)
	router := handler.Router()

	token, err := handler.Identity.AuthToken.Sign("u1", "alice")
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	rec := postJSON(t, router, "/api/v1/tasks", token, TaskRequest{Action: "frobnicate"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
