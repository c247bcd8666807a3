package models

import "time"

// BlockScope names what a block applies to.
type BlockScope string

const (
	BlockScopePrincipal BlockScope = "principal"
	BlockScopeIP        BlockScope = "ip"
)

// Valid reports whether s is a known scope.
func (s BlockScope) Valid() bool {
	return s == BlockScopePrincipal || s == BlockScopeIP
}

// Block reasons written to the registry.
const (
	BlockReasonTooManyAttempts   = "too_many_attempts"
	BlockReasonDistinctUsernames = "distinct_usernames"
)

// BlockStatus answers whether a (principal, ip) pair may attempt login.
type BlockStatus struct {
	PrincipalBlocked bool
	IPBlocked        bool
	Reason           string
}

// Blocked reports whether either scope is blocked.
func (s BlockStatus) Blocked() bool {
	return s.PrincipalBlocked || s.IPBlocked
}

// Scope returns the scope to report. A principal block wins because it
// follows the account to every address.
func (s BlockStatus) Scope() BlockScope {
	if s.PrincipalBlocked {
		return BlockScopePrincipal
	}
	return BlockScopeIP
}

// BlockInfo describes a single block record for operators.
type BlockInfo struct {
	Scope     BlockScope `json:"scope"`
	Key       string     `json:"key"`
	Blocked   bool       `json:"blocked"`
	Reason    string     `json:"reason,omitempty"`
	Remaining int64      `json:"remaining_seconds"`
	Attempts  int64      `json:"attempts"`
	Distinct  int64      `json:"distinct_usernames,omitempty"`
	CheckedAt time.Time  `json:"checked_at"`
}

// BlockRecord is a block entry as read from the counter store.
type BlockRecord struct {
	Reason string
	TTL    time.Duration
}

// Active reports whether the record is still in force.
func (b BlockRecord) Active() bool {
	return b.TTL > 0
}
