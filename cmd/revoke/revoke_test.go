package revoke

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetFlags(t *testing.T) {
	t.Cleanup(func() {
		flagTokenID, flagSessionID, flagClientID, flagReason = "", "", "", ""
		flagTokenCount = 0
	})
}

func TestBuildNotification(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("token", func(t *testing.T) {
		resetFlags(t)
		flagTokenID = "jti-1"
		flagReason = "compromised"

		n, err := buildNotification(false, now)
		require.NoError(t, err)
		assert.Equal(t, "jti-1", n.TokenID)
		assert.Equal(t, "2026-03-01T12:00:00Z", n.TimestampUTC)
		assert.False(t, n.SessionWide())
	})

	t.Run("session with count", func(t *testing.T) {
		resetFlags(t)
		flagSessionID = "sid-9"
		flagTokenID = "jti-1"
		flagTokenCount = 4

		n, err := buildNotification(true, now)
		require.NoError(t, err)
		require.NotNil(t, n.TokenCount)
		assert.Equal(t, 4, *n.TokenCount)
		assert.True(t, n.SessionWide())
	})

	t.Run("no identifier", func(t *testing.T) {
		resetFlags(t)
		_, err := buildNotification(false, now)
		assert.Error(t, err)
	})

	t.Run("count without session", func(t *testing.T) {
		resetFlags(t)
		flagTokenID = "jti-1"
		_, err := buildNotification(true, now)
		assert.Error(t, err)
	})
}
