package models

import "time"

// UserStatus mirrors the numeric status column of the users table.
type UserStatus int16

const (
	UserStatusDeleted  UserStatus = 1
	UserStatusInactive UserStatus = 9
	UserStatusActive   UserStatus = 10
)

// String returns the lower-case status label.
func (s UserStatus) String() string {
	switch s {
	case UserStatusActive:
		return "active"
	case UserStatusInactive:
		return "inactive"
	case UserStatusDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// User is an authenticatable principal.
type User struct {
	ID           string     `db:"id" json:"id"`
	Username     string     `db:"username" json:"username"`
	Email        string     `db:"email" json:"email"`
	PasswordHash string     `db:"password_hash" json:"-"`
	AuthKey      string     `db:"auth_key" json:"-"`
	Status       UserStatus `db:"status" json:"status"`
	LastLogin    *time.Time `db:"last_login" json:"last_login,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// Active reports whether the user may hold credentials.
func (u *User) Active() bool {
	return u != nil && u.Status == UserStatusActive
}

// SubjectID implements token.Subject.
func (u *User) SubjectID() string { return u.ID }

// RevocationID implements token.Subject.
func (u *User) RevocationID() string { return u.AuthKey }

// PasswordHistory is a previously used password hash.
type PasswordHistory struct {
	ID           int64     `db:"id" json:"-"`
	UserID       string    `db:"user_id" json:"-"`
	PasswordHash string    `db:"password_hash" json:"-"`
	CreatedAt    time.Time `db:"created_at" json:"-"`
}

// CreateUserRequest provisions a new principal.
type CreateUserRequest struct {
	Username string `json:"username" validate:"required,min=3,max=64"`
	Email    string `json:"email" validate:"required,email,max=255"`
	Password string `json:"password" validate:"required,max=1024"`
}
