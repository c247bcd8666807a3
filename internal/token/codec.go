// Package token signs and verifies the stateless access tokens handed to
// clients after login. Tokens carry exactly four claims: sub, jti, iat and exp.
package token

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrExpired means the token was well formed and signed but exp has passed.
	ErrExpired = errors.New("token expired")
	// ErrMalformed covers bad structure, bad signature and unexpected algorithms.
	ErrMalformed = errors.New("token malformed")
)

// Subject is the minimum a principal must expose to be issued a token.
type Subject interface {
	SubjectID() string
	RevocationID() string
}

// Claims is the verified payload of an access token.
type Claims struct {
	jwt.RegisteredClaims
}

// PrincipalID returns the sub claim.
func (c *Claims) PrincipalID() string { return c.Subject }

// RevocationID returns the jti claim, which mirrors the principal's auth key.
func (c *Claims) RevocationID() string { return c.ID }

// Codec issues and validates HS256 access tokens.
type Codec struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// DeriveKey hashes the application id together with the master secret so a
// single master secret can back several applications with distinct keys.
func DeriveKey(appID, masterSecret string) []byte {
	sum := sha256.Sum256([]byte(appID + ":" + masterSecret))
	return []byte(hex.EncodeToString(sum[:]))
}

// NewCodec builds a codec signing with a key derived from appID and masterSecret.
func NewCodec(appID, masterSecret string, ttl time.Duration) *Codec {
	return &Codec{key: DeriveKey(appID, masterSecret), ttl: ttl, now: time.Now}
}

// TTL returns the configured token lifetime.
func (c *Codec) TTL() time.Duration { return c.ttl }

// Issue signs a new token for subject.
func (c *Codec) Issue(subject Subject) (string, time.Time, error) {
	if subject == nil || subject.SubjectID() == "" {
		return "", time.Time{}, errors.New("token subject is required")
	}
	issuedAt := c.now().UTC().Truncate(time.Second)
	expiresAt := issuedAt.Add(c.ttl)
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject.SubjectID(),
			ID:        subject.RevocationID(),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Validate verifies the signature and expiry of raw. It does not consult the
// principal store; comparing jti against the live auth key is the caller's job.
func (c *Codec) Validate(raw string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return c.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithStrictDecoding(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrMalformed
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, ErrMalformed
	}
	return claims, nil
}
