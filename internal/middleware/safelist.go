package middleware

import "strings"

// SafeList matches request paths that bypass authentication. Entries are
// exact paths or explicit "/*" wildcards; nothing else matches by prefix.
type SafeList struct {
	exact    map[string]struct{}
	wildcard []string
}

// NewSafeList builds a safe list. Entries not already under apiPrefix are
// registered both bare and with the prefix.
func NewSafeList(apiPrefix string, entries []string) *SafeList {
	apiPrefix = normalizePath(apiPrefix)
	if apiPrefix == "/" {
		apiPrefix = ""
	}

	s := &SafeList{exact: make(map[string]struct{})}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.HasPrefix(entry, "/") {
			entry = "/" + entry
		}
		s.add(entry)
		if apiPrefix != "" && entry != "/" && !strings.HasPrefix(entry, apiPrefix+"/") && entry != apiPrefix {
			s.add(apiPrefix + entry)
		}
	}
	return s
}

func (s *SafeList) add(entry string) {
	if strings.HasSuffix(entry, "/*") {
		s.wildcard = append(s.wildcard, normalizePath(strings.TrimSuffix(entry, "/*")))
		return
	}
	s.exact[normalizePath(entry)] = struct{}{}
}

// Match reports whether path is safe-listed.
func (s *SafeList) Match(path string) bool {
	if s == nil {
		return false
	}
	path = normalizePath(path)
	if _, ok := s.exact[path]; ok {
		return true
	}
	for _, base := range s.wildcard {
		if path == base || strings.HasPrefix(path, base+"/") {
			return true
		}
	}
	return false
}

func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if p != "/" {
		p = strings.TrimRight(p, "/")
		if p == "" {
			return "/"
		}
	}
	return p
}
