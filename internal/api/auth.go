package api

import (
	"net/http"
	"strconv"
	"strings"
)

type principal struct {
	id     string
	scopes map[string]struct{}
}

func (p principal) hasScope(scope string) bool {
	if _, ok := p.scopes["operator"]; ok {
		return true
	}
	_, ok := p.scopes[scope]
	return ok
}

// authorizer maps static bearer tokens to scoped principals. With no tokens
// configured auth is disabled and every request acts as an operator; that is
// the local-development mode.
type authorizer struct {
	enabled bool
	tokens  map[string]principal
}

// newAuthorizer parses "token:scope|scope,token:scope" entries.
func newAuthorizer(raw string) *authorizer {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return &authorizer{enabled: false, tokens: map[string]principal{}}
	}
	tokens := make(map[string]principal)
	for i, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			continue
		}
		token := strings.TrimSpace(parts[0])
		scopes := make(map[string]struct{})
		for _, s := range strings.Split(parts[1], "|") {
			s = strings.TrimSpace(s)
			if s != "" {
				scopes[s] = struct{}{}
			}
		}
		if token == "" || len(scopes) == 0 {
			continue
		}
		tokens[token] = principal{id: "token-" + strconv.Itoa(i), scopes: scopes}
	}
	return &authorizer{enabled: true, tokens: tokens}
}

func (a *authorizer) authenticate(r *http.Request) (principal, bool) {
	if !a.enabled {
		return principal{id: "anonymous", scopes: map[string]struct{}{"operator": {}}}, true
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return principal{}, false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	p, ok := a.tokens[token]
	return p, ok
}
