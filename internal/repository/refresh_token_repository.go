package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/iam-gate-api/internal/models"
)

const refreshColumns = `id, user_id, token, fingerprint, ip_address, user_agent, created_at`

// RefreshTokenRepository persists refresh records. user_id is unique, so a
// user holds at most one record at a time.
type RefreshTokenRepository struct {
	db *sqlx.DB
}

// NewRefreshTokenRepository constructs a refresh token repository.
func NewRefreshTokenRepository(db *sqlx.DB) *RefreshTokenRepository {
	return &RefreshTokenRepository{db: db}
}

// FindByToken returns the record owning the opaque secret.
func (r *RefreshTokenRepository) FindByToken(ctx context.Context, token string) (*models.RefreshToken, error) {
	query := `SELECT ` + refreshColumns + ` FROM refresh_tokens WHERE token = $1 LIMIT 1`
	var rt models.RefreshToken
	if err := r.db.GetContext(ctx, &rt, query, token); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find refresh token: %w", err)
	}
	return &rt, nil
}

// FindByUserID returns the record held by a user.
func (r *RefreshTokenRepository) FindByUserID(ctx context.Context, userID string) (*models.RefreshToken, error) {
	query := `SELECT ` + refreshColumns + ` FROM refresh_tokens WHERE user_id = $1 LIMIT 1`
	var rt models.RefreshToken
	if err := r.db.GetContext(ctx, &rt, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find refresh token by user: %w", err)
	}
	return &rt, nil
}

// CreateIfAbsent inserts token unless the user already holds a record. It
// reports whether the insert happened; concurrent callers lose quietly and
// should re-read the winner.
func (r *RefreshTokenRepository) CreateIfAbsent(ctx context.Context, token *models.RefreshToken) (bool, error) {
	prepareRefreshToken(token)
	const query = `INSERT INTO refresh_tokens (id, user_id, token, fingerprint, ip_address, user_agent, created_at) VALUES (:id, :user_id, :token, :fingerprint, :ip_address, :user_agent, :created_at) ON CONFLICT (user_id) DO NOTHING`
	res, err := r.db.NamedExecContext(ctx, query, token)
	if err != nil {
		return false, fmt.Errorf("create refresh token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create refresh token: %w", err)
	}
	return n > 0, nil
}

// Replace swaps the user's record for token in a single statement.
func (r *RefreshTokenRepository) Replace(ctx context.Context, token *models.RefreshToken) error {
	prepareRefreshToken(token)
	const query = `INSERT INTO refresh_tokens (id, user_id, token, fingerprint, ip_address, user_agent, created_at) VALUES (:id, :user_id, :token, :fingerprint, :ip_address, :user_agent, :created_at) ON CONFLICT (user_id) DO UPDATE SET id = EXCLUDED.id, token = EXCLUDED.token, fingerprint = EXCLUDED.fingerprint, ip_address = EXCLUDED.ip_address, user_agent = EXCLUDED.user_agent, created_at = EXCLUDED.created_at`
	if _, err := r.db.NamedExecContext(ctx, query, token); err != nil {
		return fmt.Errorf("replace refresh token: %w", err)
	}
	return nil
}

// DeleteByUserID removes every record owned by the user and returns how many were removed.
func (r *RefreshTokenRepository) DeleteByUserID(ctx context.Context, userID string) (int64, error) {
	const query = `DELETE FROM refresh_tokens WHERE user_id = $1`
	res, err := r.db.ExecContext(ctx, query, userID)
	if err != nil {
		return 0, fmt.Errorf("purge refresh tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge refresh tokens: %w", err)
	}
	return n, nil
}

func prepareRefreshToken(token *models.RefreshToken) {
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
}
