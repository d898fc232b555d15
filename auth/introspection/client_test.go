package introspection

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, mutate ...func(*Config)) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := Config{
		Endpoint:      srv.URL + "/connect/introspect",
		ClientID:      DefaultClientID,
		ClientSecret:  "s3cret",
		TokenTypeHint: DefaultTokenTypeHint,
		Timeout:       2 * time.Second,
		MaxRetries:    1,
		MinRetryWait:  time.Millisecond,
		MaxRetryWait:  5 * time.Millisecond,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := NewClient(cfg)
	require.NoError(t, err)
	return c, srv
}

func TestIntrospect_ActiveToken(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/connect/introspect", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Accept"))

		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "svc.introspector", user)
		assert.Equal(t, "s3cret", pass)

		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "tok-abc", r.PostForm.Get("token"))
		assert.Equal(t, "access_token", r.PostForm.Get("token_type_hint"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"active": true,
			"sub": "u1",
			"client_id": "web",
			"scope": "read write",
			"aud": "api",
			"exp": 4102444800,
			"iat": 1700000000,
			"jti": "j-1",
			"sid": "s-1",
			"role": "admin"
		}`))
	})

	v, err := c.Introspect(context.Background(), "tok-abc")
	require.NoError(t, err)
	assert.True(t, v.Active)
	assert.Equal(t, "u1", v.Subject)
	assert.Equal(t, "web", v.ClientID)
	assert.Equal(t, []string{"read", "write"}, v.Scopes)
	assert.Equal(t, []string{"api"}, v.Audiences)
	assert.Equal(t, "j-1", v.TokenID)
	assert.Equal(t, int64(4102444800), v.ExpiresAt.Unix())
	assert.Equal(t, int64(1700000000), v.IssuedAt.Unix())
	assert.True(t, v.NotBefore.IsZero())
	assert.JSONEq(t, `"s-1"`, string(v.Extra["sid"]))
	assert.JSONEq(t, `"admin"`, string(v.Extra["role"]))
	assert.NotContains(t, v.Extra, "sub")
}

func TestIntrospect_InactiveToken(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"active":false}`))
	})

	v, err := c.Introspect(context.Background(), "tok")
	require.NoError(t, err)
	assert.False(t, v.Active)
}

func TestIntrospect_EmptyToken(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})

	_, err := c.Introspect(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrEmptyToken)
	assert.Zero(t, calls.Load())
}

func TestIntrospect_StatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   Kind
		calls  int32
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, kind: KindUnauthorized, calls: 1},
		{name: "forbidden", status: http.StatusForbidden, kind: KindForbidden, calls: 1},
		{name: "rate limited is not retried", status: http.StatusTooManyRequests, kind: KindRateLimited, calls: 1},
		{name: "bad request", status: http.StatusBadRequest, body: `{"error":"invalid_client"}`, kind: KindProtocol, calls: 1},
		{name: "unavailable is retried", status: http.StatusServiceUnavailable, body: "down", kind: KindProtocol, calls: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := c.Introspect(context.Background(), "tok")
			require.Error(t, err)

			var ie *Error
			require.ErrorAs(t, err, &ie)
			assert.Equal(t, tt.kind, ie.Kind)
			assert.Equal(t, tt.status, ie.StatusCode)
			assert.Equal(t, tt.calls, calls.Load())
			if tt.body != "" {
				assert.Equal(t, tt.body, ie.Snippet)
			}
		})
	}
}

func TestIntrospect_ProtocolErrors(t *testing.T) {
	bodies := map[string]string{
		"not json":       `<html>oops</html>`,
		"missing active": `{"sub":"u1"}`,
		"null active":    `{"active":null}`,
		"string active":  `{"active":"true"}`,
		"bad scope":      `{"active":true,"scope":12}`,
		"bad exp":        `{"active":true,"exp":"soon"}`,
		"array body":     `[1,2]`,
	}

	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(body))
			})

			_, err := c.Introspect(context.Background(), "tok")
			kind, ok := KindOf(err)
			require.True(t, ok, "error %v", err)
			assert.Equal(t, KindProtocol, kind)
		})
	}
}

func TestIntrospect_Timeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, func(cfg *Config) {
		cfg.Timeout = 50 * time.Millisecond
		cfg.MaxRetries = 0
	})

	_, err := c.Introspect(context.Background(), "tok")
	kind, ok := KindOf(err)
	require.True(t, ok, "error %v", err)
	assert.Equal(t, KindTransport, kind)
}

func TestIntrospect_CallerCancellation(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := c.Introspect(ctx, "tok")
	assert.True(t, errors.Is(err, context.Canceled))
	_, isIntrospectionErr := KindOf(err)
	assert.False(t, isIntrospectionErr)
}

func TestIntrospect_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	c, err := NewClient(Config{Endpoint: endpoint, MaxRetries: 0, Timeout: time.Second})
	require.NoError(t, err)

	_, err = c.Introspect(context.Background(), "tok")
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindTransport, kind)
}

func TestIntrospect_LocalLimiter(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"active":false}`))
	}, func(cfg *Config) {
		cfg.RequestsPerSecond = 0.001
		cfg.Burst = 1
		cfg.Timeout = 50 * time.Millisecond
	})

	_, err := c.Introspect(context.Background(), "a")
	require.NoError(t, err)

	_, err = c.Introspect(context.Background(), "b")
	assert.True(t, IsRateLimited(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewClient_RequiresAbsoluteEndpoint(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)

	_, err = NewClient(Config{Endpoint: "/connect/introspect"})
	assert.Error(t, err)
}

func TestParseVerdict_AudienceArray(t *testing.T) {
	v, err := ParseVerdict([]byte(`{"active":true,"aud":["a",1,"b",""],"exp":1.7e9}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, v.Audiences)
	assert.Equal(t, int64(1700000000), v.ExpiresAt.Unix())
}

func TestParseVerdict_OutOfRangeEpochIsAbsent(t *testing.T) {
	v, err := ParseVerdict([]byte(`{"active":true,"exp":1e300}`))
	require.NoError(t, err)
	assert.True(t, v.ExpiresAt.IsZero())
}

func TestSnippet(t *testing.T) {
	assert.Equal(t, "short", Snippet([]byte("  short \n")))

	long := strings.Repeat("x", 1000)
	s := Snippet([]byte(long))
	assert.Len(t, s, snippetLimit)
	assert.True(t, strings.HasSuffix(s, "..."))
}
