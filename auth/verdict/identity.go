package verdict

import (
	"encoding/json"
	"strings"

	"github.com/hashicorp/go-secure-stdlib/strutil"

	"github.com/safehost/tokengate/auth"
	"github.com/safehost/tokengate/auth/introspection"
)

const (
	unknownSubject   = "unknown"
	defaultTokenType = "access_token"
	sessionClaim     = "sid"
)

// RoleRule extracts role names from the claim found at a dotted path. The
// claim may be a single string or an array; non-string elements are
// skipped.
type RoleRule struct {
	Path string
}

// DefaultRoleRules covers the shapes seen across authorities. All rules are
// applied and their results unioned.
var DefaultRoleRules = []RoleRule{
	{Path: "role"},
	{Path: "roles"},
	{Path: "realm_access.roles"},
}

func (r RoleRule) Extract(claims map[string]json.RawMessage) []string {
	segments := strings.Split(r.Path, ".")

	raw, ok := claims[segments[0]]
	for _, seg := range segments[1:] {
		if !ok {
			return nil
		}
		var nested map[string]json.RawMessage
		if err := json.Unmarshal(raw, &nested); err != nil {
			return nil
		}
		raw, ok = nested[seg]
	}
	if !ok {
		return nil
	}
	return stringOrStrings(raw)
}

func stringOrStrings(raw json.RawMessage) []string {
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == "" {
			return nil
		}
		return []string{single}
	}
	var many []any
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil
	}
	out := make([]string, 0, len(many))
	for _, item := range many {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// DeriveIdentity builds the request identity from an active verdict.
func DeriveIdentity(v *introspection.TokenVerdict, rules []RoleRule) *auth.Identity {
	id := &auth.Identity{
		Subject:   firstNonEmpty(v.Subject, v.Username, unknownSubject),
		Username:  v.Username,
		ClientID:  v.ClientID,
		Issuer:    v.Issuer,
		TokenType: firstNonEmpty(v.TokenType, defaultTokenType),
		TokenID:   v.TokenID,
		Scopes:    append([]string(nil), v.Scopes...),
		ExpiresAt: v.ExpiresAt,
		IssuedAt:  v.IssuedAt,
		NotBefore: v.NotBefore,
	}

	if len(v.Audiences) > 0 {
		id.Audiences = strutil.RemoveDuplicates(v.Audiences, false)
	}

	var roles []string
	for _, rule := range rules {
		roles = append(roles, rule.Extract(v.Extra)...)
	}
	if len(roles) > 0 {
		id.Roles = strutil.RemoveDuplicates(roles, false)
	}

	if raw, ok := v.Extra[sessionClaim]; ok {
		var sid string
		if json.Unmarshal(raw, &sid) == nil {
			id.SessionID = sid
		}
	}

	return id
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
