package models

import "time"

// RefreshToken is the server-side record behind the refresh cookie. One row
// exists per user; Fingerprint identifies the device that created it.
type RefreshToken struct {
	ID          string    `db:"id" json:"id"`
	UserID      string    `db:"user_id" json:"user_id"`
	Token       string    `db:"token" json:"-"`
	Fingerprint string    `db:"fingerprint" json:"fingerprint"`
	IPAddress   string    `db:"ip_address" json:"ip_address"`
	UserAgent   string    `db:"user_agent" json:"user_agent"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// RequestMeta carries the client attributes recorded alongside credentials.
type RequestMeta struct {
	IP        string
	UserAgent string
}
