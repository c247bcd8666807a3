package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/iam-gate-api/internal/models"
)

// ErrDuplicate is returned when a unique constraint rejects an insert.
var ErrDuplicate = errors.New("duplicate record")

const uniqueViolation = "23505"

const userColumns = `id, username, email, password_hash, auth_key, status, last_login, created_at, updated_at`

// UserRepository provides database access for principals and their password history.
type UserRepository struct {
	db *sqlx.DB
}

// NewUserRepository creates a new instance of UserRepository.
func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

// FindByIdentifier returns a non-deleted user by username or email.
func (r *UserRepository) FindByIdentifier(ctx context.Context, identifier string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE (LOWER(username) = $1 OR LOWER(email) = $1) AND status <> $2 LIMIT 1`
	var user models.User
	if err := r.db.GetContext(ctx, &user, query, strings.ToLower(strings.TrimSpace(identifier)), models.UserStatusDeleted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find user by identifier: %w", err)
	}
	return &user, nil
}

// FindByID returns a user by identifier.
func (r *UserRepository) FindByID(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1 LIMIT 1`
	var user models.User
	if err := r.db.GetContext(ctx, &user, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find user by id: %w", err)
	}
	return &user, nil
}

// UpdateLastLogin updates the last_login timestamp for a user.
func (r *UserRepository) UpdateLastLogin(ctx context.Context, id string, ts time.Time) error {
	const query = `UPDATE users SET last_login = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, ts, ts); err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	return nil
}

// ChangePassword stores the previous hash in password_history, sets the new
// hash and rotates auth_key in one transaction. It returns the new auth key.
func (r *UserRepository) ChangePassword(ctx context.Context, id, previousHash, newHash string, changedAt time.Time) (string, error) {
	authKey := NewAuthKey()
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin change password: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const history = `INSERT INTO password_history (user_id, password_hash, created_at) VALUES ($1, $2, $3)`
	if _, err := tx.ExecContext(ctx, history, id, previousHash, changedAt); err != nil {
		return "", fmt.Errorf("insert password history: %w", err)
	}

	const update = `UPDATE users SET password_hash = $2, auth_key = $3, updated_at = $4 WHERE id = $1`
	if _, err := tx.ExecContext(ctx, update, id, newHash, authKey, changedAt); err != nil {
		return "", fmt.Errorf("update password: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit change password: %w", err)
	}
	return authKey, nil
}

// RecentPasswordHashes returns up to limit previous hashes, newest first.
func (r *UserRepository) RecentPasswordHashes(ctx context.Context, id string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	const query = `SELECT password_hash FROM password_history WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`
	var hashes []string
	if err := r.db.SelectContext(ctx, &hashes, query, id, limit); err != nil {
		return nil, fmt.Errorf("list password history: %w", err)
	}
	return hashes, nil
}

// SetStatus changes the account status and rotates auth_key so tokens already
// issued stop passing the live revocation check.
func (r *UserRepository) SetStatus(ctx context.Context, id string, status models.UserStatus, updatedAt time.Time) error {
	const query = `UPDATE users SET status = $2, auth_key = $3, updated_at = $4 WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id, status, NewAuthKey(), updatedAt)
	if err != nil {
		return fmt.Errorf("set user status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Create inserts a new user with a fresh auth key.
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.AuthKey == "" {
		user.AuthKey = NewAuthKey()
	}
	if user.Status == 0 {
		user.Status = models.UserStatusActive
	}
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	const query = `INSERT INTO users (id, username, email, password_hash, auth_key, status, created_at, updated_at) VALUES (:id, :username, :email, :password_hash, :auth_key, :status, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, user); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("create user: %w", ErrDuplicate)
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// NewAuthKey returns a fresh revocation identifier.
func NewAuthKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
