package revocation

import (
	"errors"

	"github.com/safehost/tokengate/auth"
	"github.com/safehost/tokengate/internal/telemetry"
	"github.com/safehost/tokengate/logger"
)

const MessageRevoked = "Token revoked"

// Gate rejects identities whose token id or session id has been revoked.
// It must run on every authenticated request, cached verdicts included.
type Gate struct {
	store     *Store
	logger    *logger.GatedLogger
	telemetry *telemetry.Sink
	metrics   *Metrics
}

func NewGate(store *Store, log *logger.GatedLogger, sink *telemetry.Sink) (*Gate, error) {
	if store == nil {
		return nil, errors.New("revocation store is required")
	}
	if log == nil {
		log = logger.NewTestLogger()
	}
	return &Gate{
		store:     store,
		logger:    log.WithSubsystem("revocation.gate"),
		telemetry: sink,
		metrics:   &Metrics{},
	}, nil
}

// Check returns a Rejected(Revoked) outcome when id is revoked, or the
// authenticated outcome unchanged. token is the presented bearer value; it
// stands in as the token id of opaque tokens that carry no jti.
func (g *Gate) Check(id *auth.Identity, token string) auth.Outcome {
	if id == nil {
		return auth.NewUnauthenticated()
	}

	tokenID := id.TokenID
	idField := logger.String("token_id", tokenID)
	if tokenID == "" {
		tokenID = token
		idField = logger.TokenPreview("token_id", token)
	}

	if g.store.IsRevoked(tokenID, id.SessionID) {
		g.metrics.IncrementRejections()
		g.telemetry.IncrCounter([]string{"revocation", "gate", "rejected"})
		g.logger.Warn("rejected revoked token",
			idField,
			logger.String("session_id", id.SessionID),
			logger.String("subject", id.Subject),
		)
		return auth.NewRejected(auth.ReasonRevoked, MessageRevoked)
	}
	return auth.NewAuthenticated(id)
}

func (g *Gate) Metrics() *Metrics {
	return g.metrics
}
