package revocation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotBatch marks payloads that are not JSON arrays. The channel may
	// carry other message shapes, so these are skipped quietly.
	ErrNotBatch   = errors.New("payload is not a revocation batch")
	ErrEmptyBatch = errors.New("revocation batch is empty")
)

// Notification is one element of a revocation batch. Field names match
// case-insensitively.
type Notification struct {
	TokenID            string `json:"tokenId,omitempty"`
	AuthorizationID    string `json:"authorizationId,omitempty"`
	SessionReferenceID string `json:"sessionReferenceId,omitempty"`
	Reason             string `json:"reason,omitempty"`
	TimestampUTC       string `json:"timestampUtc,omitempty"`
	ClientID           string `json:"clientId,omitempty"`
	TokenCount         *int   `json:"tokenCount,omitempty"`
}

// SessionWide reports whether the notification revokes every token of its
// session rather than one token that happens to belong to it.
// Blank identifiers count as absent.
func (n Notification) SessionWide() bool {
	return !blank(n.SessionReferenceID) && (n.TokenCount != nil || blank(n.TokenID))
}

// HasIdentifier reports whether the notification can have any effect.
func (n Notification) HasIdentifier() bool {
	return !blank(n.TokenID) || !blank(n.SessionReferenceID)
}

// Normalized returns n with surrounding whitespace removed from its
// identifiers.
func (n Notification) Normalized() Notification {
	n.TokenID = strings.TrimSpace(n.TokenID)
	n.AuthorizationID = strings.TrimSpace(n.AuthorizationID)
	n.SessionReferenceID = strings.TrimSpace(n.SessionReferenceID)
	n.ClientID = strings.TrimSpace(n.ClientID)
	return n
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.9999999",
	"2006-01-02T15:04:05",
}

// Timestamp parses TimestampUTC. Values without a zone are taken as UTC.
func (n Notification) Timestamp() (time.Time, bool) {
	if n.TimestampUTC == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, n.TimestampUTC); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

// ParseBatch decodes a channel payload into notifications.
func ParseBatch(payload []byte) ([]Notification, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, ErrNotBatch
	}

	var batch []Notification
	if err := json.Unmarshal(trimmed, &batch); err != nil {
		return nil, fmt.Errorf("decode revocation batch: %w", err)
	}
	if len(batch) == 0 {
		return nil, ErrEmptyBatch
	}
	for i := range batch {
		batch[i] = batch[i].Normalized()
	}
	return batch, nil
}

// EncodeBatch is the inverse of ParseBatch, used by publishers.
func EncodeBatch(batch []Notification) ([]byte, error) {
	if len(batch) == 0 {
		return nil, ErrEmptyBatch
	}
	return json.Marshal(batch)
}

// EffectiveTTL floors the configured entry TTL at MinEntryTTL.
func EffectiveTTL(configured time.Duration) time.Duration {
	return max(configured, MinEntryTTL)
}
