package password

import "unicode"

// Policy describes the minimum strength for new passwords.
type Policy struct {
	MinLength     int
	RequireUpper  bool
	RequireLower  bool
	RequireDigit  bool
	RequireSymbol bool
}

// DefaultPolicy requires one of each character class.
func DefaultPolicy(minLength int) Policy {
	if minLength <= 0 {
		minLength = 8
	}
	return Policy{MinLength: minLength, RequireUpper: true, RequireLower: true, RequireDigit: true, RequireSymbol: true}
}

// Validate returns the list of violated rules; empty means the password is acceptable.
func (p Policy) Validate(s string) []string {
	var reasons []string
	if len([]rune(s)) < p.MinLength {
		reasons = append(reasons, "too_short")
	}
	var hasU, hasL, hasD, hasS, hasSpace bool
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			hasSpace = true
		case unicode.IsUpper(r):
			hasU = true
		case unicode.IsLower(r):
			hasL = true
		case unicode.IsDigit(r):
			hasD = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			hasS = true
		}
	}
	if hasSpace {
		reasons = append(reasons, "contains_whitespace")
	}
	if p.RequireUpper && !hasU {
		reasons = append(reasons, "missing_upper")
	}
	if p.RequireLower && !hasL {
		reasons = append(reasons, "missing_lower")
	}
	if p.RequireDigit && !hasD {
		reasons = append(reasons, "missing_digit")
	}
	if p.RequireSymbol && !hasS {
		reasons = append(reasons, "missing_symbol")
	}
	return reasons
}
