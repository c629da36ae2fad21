package identity

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("not found")

type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

type RefreshToken struct {
	Hash      string
	UserID    string
	ExpiresAt time.Time
}

type Repository interface {
	EnsureSchema(ctx context.Context) error
	CreateUser(ctx context.Context, user User) error
	FindUserByUsername(ctx context.Context, username string) (User, error)
	FindUserByID(ctx context.Context, userID string) (User, error)
	StoreRefreshToken(ctx context.Context, token RefreshToken) error
	FindRefreshToken(ctx context.Context, hash string) (RefreshToken, error)
	DeleteRefreshToken(ctx context.Context, hash string) error
}

const createUsersTableSQL = `
CREATE TABLE IF NOT EXISTS users (
  user_id text PRIMARY KEY,
  username text NOT NULL UNIQUE,
  email text NOT NULL,
  password_hash text NOT NULL,
  created_at timestamptz NOT NULL
)`

const createRefreshTokensTableSQL = `
CREATE TABLE IF NOT EXISTS refresh_tokens (
  token_hash text PRIMARY KEY,
  user_id text NOT NULL,
  expires_at timestamptz NOT NULL
)`

const insertUserSQL = `
INSERT INTO users (user_id, username, email, password_hash, created_at)
VALUES ($1, $2, $3, $4, $5)
`

const selectUserByUsernameSQL = `
SELECT user_id, username, email, password_hash, created_at
FROM users WHERE username = $1
`

const selectUserByIDSQL = `
SELECT user_id, username, email, password_hash, created_at
FROM users WHERE user_id = $1
`

const insertRefreshTokenSQL = `
INSERT INTO refresh_tokens (token_hash, user_id, expires_at)
VALUES ($1, $2, $3)
`

const selectRefreshTokenSQL = `
SELECT token_hash, user_id, expires_at
FROM refresh_tokens WHERE token_hash = $1
`

const deleteRefreshTokenSQL = `
DELETE FROM refresh_tokens WHERE token_hash = $1
`

type PostgresRepository struct {
	Pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{Pool: pool}
}

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.Pool.Exec(ctx, createUsersTableSQL); err != nil {
		return err
	}
	if _, err := r.Pool.Exec(ctx, createRefreshTokensTableSQL); err != nil {
		return err
	}
	return nil
}

func (r *PostgresRepository) CreateUser(ctx context.Context, user User) error {
	_, err := r.Pool.Exec(ctx, insertUserSQL, user.ID, user.Username, user.Email, user.PasswordHash, user.CreatedAt)
	return err
}

func (r *PostgresRepository) FindUserByUsername(ctx context.Context, username string) (User, error) {
	return r.scanUser(r.Pool.QueryRow(ctx, selectUserByUsernameSQL, username))
}

func (r *PostgresRepository) FindUserByID(ctx context.Context, userID string) (User, error) {
	return r.scanUser(r.Pool.QueryRow(ctx, selectUserByIDSQL, userID))
}

func (r *PostgresRepository) scanUser(row pgx.Row) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (r *PostgresRepository) StoreRefreshToken(ctx context.Context, token RefreshToken) error {
	_, err := r.Pool.Exec(ctx, insertRefreshTokenSQL, token.Hash, token.UserID, token.ExpiresAt)
	return err
}

func (r *PostgresRepository) FindRefreshToken(ctx context.Context, hash string) (RefreshToken, error) {
	row := r.Pool.QueryRow(ctx, selectRefreshTokenSQL, hash)
	var token RefreshToken
	err := row.Scan(&token.Hash, &token.UserID, &token.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return RefreshToken{}, ErrNotFound
	}
	if err != nil {
		return RefreshToken{}, err
	}
	return token, nil
}

func (r *PostgresRepository) DeleteRefreshToken(ctx context.Context, hash string) error {
	_, err := r.Pool.Exec(ctx, deleteRefreshTokenSQL, hash)
	return err
}
