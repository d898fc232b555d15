package verdict

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/safehost/tokengate/auth"
	"github.com/safehost/tokengate/auth/introspection"
	"github.com/safehost/tokengate/internal/telemetry"
	"github.com/safehost/tokengate/logger"
)

const (
	MessageInactive      = "token is not active"
	MessageIntrospection = "token could not be verified"
)

type GateConfig struct {
	Introspector introspection.Introspector
	Cache        *Cache
	Policy       Policy
	RoleRules    []RoleRule
	Logger       *logger.GatedLogger
	Telemetry    *telemetry.Sink
	// Now is used for TTL computation; defaults to time.Now.
	Now func() time.Time
}

// Gate turns an Authorization header into an authentication outcome.
type Gate struct {
	introspector introspection.Introspector
	cache        *Cache
	policy       Policy
	rules        []RoleRule
	logger       *logger.GatedLogger
	telemetry    *telemetry.Sink
	now          func() time.Time
}

func NewGate(cfg GateConfig) (*Gate, error) {
	if cfg.Introspector == nil {
		return nil, errors.New("introspector is required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("verdict cache is required")
	}
	if cfg.Policy == (Policy{}) {
		cfg.Policy = DefaultPolicy()
	}
	if cfg.RoleRules == nil {
		cfg.RoleRules = DefaultRoleRules
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewTestLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Gate{
		introspector: cfg.Introspector,
		cache:        cfg.Cache,
		policy:       cfg.Policy,
		rules:        cfg.RoleRules,
		logger:       cfg.Logger.WithSubsystem("verdict"),
		telemetry:    cfg.Telemetry,
		now:          cfg.Now,
	}, nil
}

// ExtractBearer returns the token of a "Bearer <token>" header. The scheme
// match is case-insensitive.
func ExtractBearer(header string) (string, bool) {
	header = strings.TrimSpace(header)
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	return token, true
}

// Authenticate resolves header to an outcome. The only error it returns is
// the cancellation of ctx.
func (g *Gate) Authenticate(ctx context.Context, header string) (auth.Outcome, error) {
	token, ok := ExtractBearer(header)
	if !ok {
		g.cache.metrics.IncrementUnauthenticated()
		return auth.NewUnauthenticated(), nil
	}

	entry, hit, err := g.cache.GetOrLoad(ctx, token, func(ctx context.Context) (*Entry, error) {
		return g.load(ctx, token)
	})
	if err != nil {
		g.cache.metrics.IncrementCancelled()
		return auth.Outcome{}, err
	}

	if hit {
		g.telemetry.IncrCounter([]string{"verdict", "cache", "hit"})
	} else {
		g.telemetry.IncrCounter([]string{"verdict", "cache", "miss"})
	}

	switch entry.Kind {
	case KindActive:
		return auth.NewAuthenticated(entry.Identity), nil
	case KindInactive:
		return auth.NewRejected(auth.ReasonInactive, MessageInactive), nil
	default:
		return auth.NewRejected(auth.ReasonIntrospection, entry.Message), nil
	}
}

func (g *Gate) load(ctx context.Context, token string) (*Entry, error) {
	g.cache.metrics.IncrementIntrospections()

	v, err := g.introspector.Introspect(ctx, token)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return g.failure(err, token), nil
	}

	if !v.Active {
		g.cache.metrics.IncrementInactive()
		g.telemetry.IncrCounter([]string{"verdict", "inactive"})
		g.logger.Debug("token inactive", logger.TokenPreview("token", token))
		return Inactive(g.policy.InactiveTTL), nil
	}

	id := DeriveIdentity(v, g.rules)
	ttl := g.policy.ActiveTTLFor(g.now(), v.ExpiresAt)

	g.cache.metrics.IncrementActive()
	g.telemetry.IncrCounter([]string{"verdict", "active"})
	g.logger.Debug("token active",
		logger.TokenPreview("token", token),
		logger.String("subject", id.Subject),
		logger.Duration("ttl", ttl),
	)
	return Active(id, ttl), nil
}

func (g *Gate) failure(err error, token string) *Entry {
	ttl := g.policy.ErrorTTL
	if introspection.IsRateLimited(err) {
		ttl = g.policy.RateLimitedTTL
		g.cache.metrics.IncrementRateLimited()
	}
	g.cache.metrics.IncrementErrors()

	kind := "unknown"
	if k, ok := introspection.KindOf(err); ok {
		kind = k.String()
	}
	g.telemetry.IncrCounter([]string{"verdict", "error"}, telemetry.Label("kind", kind))
	g.logger.Error("token introspection failed",
		logger.TokenPreview("token", token),
		logger.String("kind", kind),
		logger.Duration("ttl", ttl),
		logger.Err(err),
	)
	return Failed(MessageIntrospection, ttl)
}

func (g *Gate) Metrics() *Metrics {
	return g.cache.Metrics()
}
