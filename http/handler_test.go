package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safehost/tokengate/auth"
	"github.com/safehost/tokengate/auth/introspection"
	"github.com/safehost/tokengate/auth/revocation"
	"github.com/safehost/tokengate/auth/verdict"
)

type stubIntrospector struct {
	calls    atomic.Int32
	verdicts map[string]*introspection.TokenVerdict
	err      error
}

func (s *stubIntrospector) Introspect(ctx context.Context, token string) (*introspection.TokenVerdict, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	if v, ok := s.verdicts[token]; ok {
		return v, nil
	}
	return &introspection.TokenVerdict{Active: false}, nil
}

type fixture struct {
	handler  http.Handler
	intro    *stubIntrospector
	store    *revocation.Store
	listener *revocation.Listener
}

type noopSubscriber struct{}

func (noopSubscriber) Subscribe(ctx context.Context, channel string) (revocation.Subscription, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newFixture(t *testing.T, revokedStatus int) *fixture {
	t.Helper()

	intro := &stubIntrospector{verdicts: map[string]*introspection.TokenVerdict{
		"abc123": {Active: true, Subject: "u1", Scopes: []string{"read", "write"}},
		"jwt-1":  {Active: true, Subject: "u2", TokenID: "jti-1", Extra: map[string]json.RawMessage{"sid": json.RawMessage(`"sess-1"`)}},
	}}

	cache, err := verdict.NewCache(nil, nil)
	require.NoError(t, err)
	t.Cleanup(cache.Close)

	authGate, err := verdict.NewGate(verdict.GateConfig{Introspector: intro, Cache: cache})
	require.NoError(t, err)

	store, err := revocation.NewStore(nil)
	require.NoError(t, err)
	revGate, err := revocation.NewGate(store, nil, nil)
	require.NoError(t, err)

	listener, err := revocation.NewListener(revocation.ListenerConfig{Subscriber: noopSubscriber{}, Store: store})
	require.NoError(t, err)

	h := Handler(&HandlerProperties{
		AuthGate:       authGate,
		RevocationGate: revGate,
		Listener:       listener,
		RevokedStatus:  revokedStatus,
		LogTokens:      true,
	})

	return &fixture{handler: h, intro: intro, store: store, listener: listener}
}

func (f *fixture) get(path, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decodeErrors(t *testing.T, w *httptest.ResponseRecorder) []string {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Errors
}

func TestWhoami_Authenticated(t *testing.T) {
	f := newFixture(t, http.StatusUnauthorized)

	w := f.get("/v1/whoami", "Bearer abc123")
	require.Equal(t, http.StatusOK, w.Code)

	var id auth.Identity
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &id))
	assert.Equal(t, "u1", id.Subject)
	assert.Equal(t, []string{"read", "write"}, id.Scopes)
}

func TestWhoami_MissingHeader(t *testing.T) {
	f := newFixture(t, http.StatusUnauthorized)

	w := f.get("/v1/whoami", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Bearer", w.Header().Get("WWW-Authenticate"))
	assert.Equal(t, []string{messageMissingToken}, decodeErrors(t, w))
	assert.Zero(t, f.intro.calls.Load())
}

func TestWhoami_InactiveToken(t *testing.T) {
	f := newFixture(t, http.StatusUnauthorized)

	w := f.get("/v1/whoami", "Bearer unknown")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, `Bearer error="invalid_token"`, w.Header().Get("WWW-Authenticate"))
	assert.Equal(t, []string{verdict.MessageInactive}, decodeErrors(t, w))
}

func TestWhoami_IntrospectionFailureIsGeneric(t *testing.T) {
	f := newFixture(t, http.StatusUnauthorized)
	f.intro.err = &introspection.Error{Kind: introspection.KindProtocol, StatusCode: 500, Snippet: "stack trace"}

	w := f.get("/v1/whoami", "Bearer abc123")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, []string{verdict.MessageIntrospection}, decodeErrors(t, w))
	assert.NotContains(t, w.Body.String(), "stack trace")
}

func TestRevocationPreemptsCachedVerdict(t *testing.T) {
	f := newFixture(t, http.StatusUnauthorized)

	require.Equal(t, http.StatusOK, f.get("/v1/whoami", "Bearer abc123").Code)

	f.listener.Process([]byte(`[{"tokenId":"abc123"}]`))

	w := f.get("/v1/whoami", "Bearer abc123")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, []string{revocation.MessageRevoked}, decodeErrors(t, w))
	assert.Equal(t, int32(1), f.intro.calls.Load(), "verdict must still come from the cache")
}

func TestSessionRevocation_Forbidden(t *testing.T) {
	f := newFixture(t, http.StatusForbidden)

	require.Equal(t, http.StatusOK, f.get("/v1/whoami", "Bearer jwt-1").Code)

	f.listener.Process([]byte(`[{"sessionReferenceId":"sess-1","tokenCount":3}]`))

	w := f.get("/v1/whoami", "Bearer jwt-1")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, w.Header().Get("WWW-Authenticate"))
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, http.StatusUnauthorized)
	f.get("/v1/whoami", "Bearer abc123")

	w := f.get("/v1/sys/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	var health healthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, revocation.StateDisconnected.String(), health.RevocationListener)
	assert.WithinDuration(t, time.Now(), health.ServerTime, time.Minute)

	w = f.get("/v1/sys/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	var metrics metricsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &metrics))
	assert.Equal(t, int64(1), metrics.Verdict["introspections"])
	assert.Contains(t, metrics.Verdict, "dropped")
	assert.Contains(t, metrics.Revocation, "rejections")
}

func TestUnknownPath(t *testing.T) {
	f := newFixture(t, http.StatusUnauthorized)

	w := f.get("/api/secret", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.get("/v1/nothing-here", "Bearer abc123")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProtectedHandlerSeesIdentity(t *testing.T) {
	intro := &stubIntrospector{verdicts: map[string]*introspection.TokenVerdict{
		"abc123": {Active: true, Subject: "u1"},
	}}
	cache, err := verdict.NewCache(nil, nil)
	require.NoError(t, err)
	t.Cleanup(cache.Close)
	authGate, err := verdict.NewGate(verdict.GateConfig{Introspector: intro, Cache: cache})
	require.NoError(t, err)
	store, err := revocation.NewStore(nil)
	require.NoError(t, err)
	revGate, err := revocation.NewGate(store, nil, nil)
	require.NoError(t, err)

	var seen string
	h := Handler(&HandlerProperties{
		AuthGate:       authGate,
		RevocationGate: revGate,
		Protected: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := auth.IdentityFromContext(r.Context())
			if ok {
				seen = id.Subject
			}
			respondOk(w, nil)
		}),
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/ledger/accounts", nil)
	req.Header.Set("Authorization", "bearer abc123")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u1", seen)
}
