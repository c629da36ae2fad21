package identity

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/taskwatch/project/internal/platform/auth"
)

type fakeRepo struct {
	users  map[string]User
	tokens map[string]RefreshToken
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{users: map[string]User{}, tokens: map[string]RefreshToken{}}
}

func (r *fakeRepo) EnsureSchema(context.Context) error { return nil }

func (r *fakeRepo) CreateUser(_ context.Context, user User) error {
	if _, ok := r.users[user.Username]; ok {
		return errors.New("duplicate key value violates unique constraint")
	}
	r.users[user.Username] = user
	return nil
}

func (r *fakeRepo) FindUserByUsername(_ context.Context, username string) (User, error) {
	user, ok := r.users[username]
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

func (r *fakeRepo) FindUserByID(_ context.Context, userID string) (User, error) {
	for _, user := range r.users {
		if user.ID == userID {
			return user, nil
		}
	}
	return User{}, ErrNotFound
}

func (r *fakeRepo) StoreRefreshToken(_ context.Context, token RefreshToken) error {
	r.tokens[token.Hash] = token
	return nil
}

func (r *fakeRepo) FindRefreshToken(_ context.Context, hash string) (RefreshToken, error) {
	token, ok := r.tokens[hash]
	if !ok {
		return RefreshToken{}, ErrNotFound
	}
	return token, nil
}

func (r *fakeRepo) DeleteRefreshToken(_ context.Context, hash string) error {
	delete(r.tokens, hash)
	return nil
}

func newTestService(repo *fakeRepo) *Service {
	service := NewService(repo, auth.NewManager("test-secret", time.Hour))
	seq := 0
	service.NewID = func() string {
		seq++
		return fmt.Sprintf("id-%d", seq)
	}
	return service
}

func TestRegisterValidation(t *testing.T) {
	service := newTestService(newFakeRepo())
	ctx := context.Background()

	if _, err := service.Register(ctx, "  ", "alice@example.com", "password123"); !errors.Is(err, ErrInvalidUsername) {
		t.Fatalf("expected ErrInvalidUsername, got %v", err)
	}
	if _, err := service.Register(ctx, "alice", "not-an-email", "password123"); !errors.Is(err, ErrInvalidEmail) {
		t.Fatalf("expected ErrInvalidEmail, got %v", err)
	}
	if _, err := service.Register(ctx, "alice", "alice@example.com", "short"); !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("expected ErrInvalidPassword, got %v", err)
	}
}

func TestRegisterIssuesTokens(t *testing.T) {
	repo := newFakeRepo()
	service := newTestService(repo)

	resp, err := service.Register(context.Background(), "Alice", "Alice@Example.com", "password123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Username != "alice" {
		t.Fatalf("username not normalized: %q", resp.Username)
	}
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Fatal("registration must issue both tokens")
	}

	stored := repo.users["alice"]
	if stored.Email != "alice@example.com" {
		t.Fatalf("email not normalized: %q", stored.Email)
	}
	if stored.PasswordHash == "password123" {
		t.Fatal("password stored in clear")
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	service := newTestService(newFakeRepo())
	ctx := context.Background()

	if _, err := service.Register(ctx, "alice", "alice@example.com", "password123"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := service.Login(ctx, "alice", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := service.Login(ctx, "nobody", "password123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown user must look like bad credentials, got %v", err)
	}

	if _, err := service.Login(ctx, "alice", "password123"); err != nil {
		t.Fatalf("valid login failed: %v", err)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	service := newTestService(newFakeRepo())
	ctx := context.Background()

	registered, err := service.Register(ctx, "alice", "alice@example.com", "password123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	refreshed, err := service.Refresh(ctx, registered.RefreshToken)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if refreshed.RefreshToken == registered.RefreshToken {
		t.Fatal("refresh must rotate the token")
	}

	// The presented token is spent.
	if _, err := service.Refresh(ctx, registered.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken for a spent token, got %v", err)
	}
	if _, err := service.Refresh(ctx, refreshed.RefreshToken); err != nil {
		t.Fatalf("rotated token must remain valid: %v", err)
	}
}

func TestRefreshRejectsExpiredToken(t *testing.T) {
	repo := newFakeRepo()
	service := newTestService(repo)
	ctx := context.Background()

	registered, err := service.Register(ctx, "alice", "alice@example.com", "password123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	service.Now = func() time.Time { return time.Now().UTC().Add(31 * 24 * time.Hour) }
	if _, err := service.Refresh(ctx, registered.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken for an expired token, got %v", err)
	}
	if len(repo.tokens) != 0 {
		t.Fatal("expired token must be removed on rejection")
	}
}

func TestLogoutInvalidatesRefreshToken(t *testing.T) {
	service := newTestService(newFakeRepo())
	ctx := context.Background()

	registered, err := service.Register(ctx, "alice", "alice@example.com", "password123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := service.Logout(ctx, registered.RefreshToken); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := service.Refresh(ctx, registered.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken after logout, got %v", err)
	}

	if err := service.Logout(ctx, "  "); !errors.Is(err, ErrRefreshTokenMissing) {
		t.Fatalf("expected ErrRefreshTokenMissing, got %v", err)
	}
}
