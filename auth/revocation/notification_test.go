package revocation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBatch(t *testing.T) {
	batch, err := ParseBatch([]byte(` [{"TOKENID":"t1","sessionreferenceid":"s1","TokenCount":3,"timestampUtc":"2026-03-01T09:00:00Z"}]`))
	require.NoError(t, err)
	require.Len(t, batch, 1)

	n := batch[0]
	assert.Equal(t, "t1", n.TokenID)
	assert.Equal(t, "s1", n.SessionReferenceID)
	require.NotNil(t, n.TokenCount)
	assert.Equal(t, 3, *n.TokenCount)

	ts, ok := n.Timestamp()
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), ts)
}

func TestParseBatch_Rejections(t *testing.T) {
	_, err := ParseBatch([]byte(`{"tokenId":"t1"}`))
	assert.ErrorIs(t, err, ErrNotBatch)

	_, err = ParseBatch([]byte(`hello`))
	assert.ErrorIs(t, err, ErrNotBatch)

	_, err = ParseBatch(nil)
	assert.ErrorIs(t, err, ErrNotBatch)

	_, err = ParseBatch([]byte(`[]`))
	assert.ErrorIs(t, err, ErrEmptyBatch)

	_, err = ParseBatch([]byte(`[{"tokenId":"t1"}, 42]`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotBatch)

	_, err = ParseBatch([]byte(`[{"tokenId":`))
	require.Error(t, err)
}

func TestNotification_SessionWide(t *testing.T) {
	count := 2
	tests := []struct {
		name string
		n    Notification
		want bool
	}{
		{"token only", Notification{TokenID: "t"}, false},
		{"token within session", Notification{TokenID: "t", SessionReferenceID: "s"}, false},
		{"session without token", Notification{SessionReferenceID: "s"}, true},
		{"session with count", Notification{TokenID: "t", SessionReferenceID: "s", TokenCount: &count}, true},
		{"count without session", Notification{TokenID: "t", TokenCount: &count}, false},
		{"blank session with token", Notification{TokenID: "t", SessionReferenceID: " "}, false},
		{"blank token with session", Notification{TokenID: "  ", SessionReferenceID: "s"}, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.n.SessionWide(), tt.name)
	}
}

func TestParseBatch_TrimsIdentifiers(t *testing.T) {
	batch, err := ParseBatch([]byte(`[{"tokenId":"  t1 ","sessionReferenceId":"\t"},{"tokenId":"   "}]`))
	require.NoError(t, err)
	require.Len(t, batch, 2)

	assert.Equal(t, "t1", batch[0].TokenID)
	assert.Empty(t, batch[0].SessionReferenceID)
	assert.False(t, batch[0].SessionWide())
	assert.True(t, batch[0].HasIdentifier())

	assert.Empty(t, batch[1].TokenID)
	assert.False(t, batch[1].HasIdentifier())
	assert.False(t, Notification{TokenID: " ", SessionReferenceID: "\n"}.HasIdentifier())
}

func TestNotification_TimestampWithoutZone(t *testing.T) {
	n := Notification{TimestampUTC: "2026-03-01T09:00:00.1234567"}
	ts, ok := n.Timestamp()
	require.True(t, ok)
	assert.Equal(t, time.UTC, ts.Location())

	_, ok = Notification{TimestampUTC: "yesterday"}.Timestamp()
	assert.False(t, ok)
}

func TestEncodeBatch(t *testing.T) {
	out, err := EncodeBatch([]Notification{{TokenID: "t1", Reason: "logout"}})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"tokenId":"t1","reason":"logout"}]`, string(out))

	_, err = EncodeBatch(nil)
	assert.ErrorIs(t, err, ErrEmptyBatch)
}
