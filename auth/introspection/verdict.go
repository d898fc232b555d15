package introspection

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// TokenVerdict is the normalized answer of the authority for one token.
type TokenVerdict struct {
	Active    bool
	Subject   string
	ClientID  string
	Username  string
	Issuer    string
	TokenType string
	TokenID   string
	// Zero values mean the authority did not send the claim.
	ExpiresAt time.Time
	IssuedAt  time.Time
	NotBefore time.Time
	Scopes    []string
	Audiences []string
	// Extra holds every member the authority sent beyond the standard ones,
	// undecoded, for role and session derivation.
	Extra map[string]json.RawMessage
}

var standardMembers = map[string]struct{}{
	"active": {}, "scope": {}, "client_id": {}, "username": {}, "token_type": {},
	"exp": {}, "iat": {}, "nbf": {}, "sub": {}, "aud": {}, "iss": {}, "jti": {},
}

var errMissingActive = errors.New(`response has no boolean "active" member`)

// ParseVerdict decodes an RFC 7662 introspection response body.
func ParseVerdict(body []byte) (*TokenVerdict, error) {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(body, &members); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if members == nil {
		return nil, errors.New("response is not a JSON object")
	}

	v := &TokenVerdict{Extra: make(map[string]json.RawMessage)}

	raw, ok := members["active"]
	if !ok {
		return nil, errMissingActive
	}
	if err := json.Unmarshal(raw, &v.Active); err != nil || isNull(raw) {
		return nil, errMissingActive
	}

	strs := []struct {
		name string
		dst  *string
	}{
		{"sub", &v.Subject},
		{"client_id", &v.ClientID},
		{"username", &v.Username},
		{"iss", &v.Issuer},
		{"token_type", &v.TokenType},
		{"jti", &v.TokenID},
	}
	for _, s := range strs {
		if err := optionalString(members, s.name, s.dst); err != nil {
			return nil, err
		}
	}

	var scope string
	if err := optionalString(members, "scope", &scope); err != nil {
		return nil, err
	}
	v.Scopes = strings.Fields(scope)

	audiences, err := parseAudience(members["aud"])
	if err != nil {
		return nil, err
	}
	v.Audiences = audiences

	times := []struct {
		name string
		dst  *time.Time
	}{
		{"exp", &v.ExpiresAt},
		{"iat", &v.IssuedAt},
		{"nbf", &v.NotBefore},
	}
	for _, t := range times {
		ts, err := parseEpoch(members[t.name])
		if err != nil {
			return nil, fmt.Errorf("member %q: %w", t.name, err)
		}
		*t.dst = ts
	}

	for name, value := range members {
		if _, std := standardMembers[name]; !std {
			v.Extra[name] = value
		}
	}

	return v, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func optionalString(members map[string]json.RawMessage, name string, dst *string) error {
	raw, ok := members[name]
	if !ok || isNull(raw) {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("member %q is not a string", name)
	}
	return nil
}

// parseAudience accepts a single string or an array of strings; non-string
// array elements are skipped.
func parseAudience(raw json.RawMessage) ([]string, error) {
	if isNull(raw) {
		return nil, nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == "" {
			return nil, nil
		}
		return []string{single}, nil
	}
	var many []any
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, errors.New(`member "aud" is neither a string nor an array`)
	}
	out := make([]string, 0, len(many))
	for _, item := range many {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

// parseEpoch reads Unix seconds. Values that cannot be represented as a time
// are treated as absent.
func parseEpoch(raw json.RawMessage) (time.Time, error) {
	if isNull(raw) {
		return time.Time{}, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return time.Time{}, errors.New("not a number")
	}
	if i, err := n.Int64(); err == nil {
		return unixOrZero(float64(i)), nil
	}
	f, err := n.Float64()
	if err != nil {
		return time.Time{}, err
	}
	return unixOrZero(f), nil
}

// maxEpoch is 9999-12-31T23:59:59Z.
const maxEpoch = 253402300799

func unixOrZero(sec float64) time.Time {
	if math.IsNaN(sec) || sec < 0 || sec > maxEpoch {
		return time.Time{}
	}
	return time.Unix(int64(sec), 0).UTC()
}
