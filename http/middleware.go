package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/safehost/tokengate/auth"
	"github.com/safehost/tokengate/auth/revocation"
	"github.com/safehost/tokengate/auth/verdict"
	"github.com/safehost/tokengate/logger"
)

const messageMissingToken = "missing bearer token"

type tokenKey struct{}

func withToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

func tokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey{}).(string)
	return token
}

// Authenticate attaches the identity resolved from the Authorization header
// or answers 401.
func Authenticate(gate *verdict.Gate, log *logger.GatedLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")

			out, err := gate.Authenticate(r.Context(), header)
			if err != nil {
				// The client went away; nobody is left to answer.
				log.Debug("authentication abandoned",
					logger.String("request_id", middleware.GetReqID(r.Context())),
					logger.Err(err),
				)
				return
			}

			switch out.Status {
			case auth.Authenticated:
				token, _ := verdict.ExtractBearer(header)
				ctx := auth.WithIdentity(r.Context(), out.Identity)
				ctx = withToken(ctx, token)
				next.ServeHTTP(w, r.WithContext(ctx))
			case auth.Rejected:
				log.Debug("authentication rejected",
					logger.String("request_id", middleware.GetReqID(r.Context())),
					logger.String("reason", out.Reason.String()),
				)
				respondUnauthorized(w, out.Message, true)
			default:
				respondUnauthorized(w, messageMissingToken, false)
			}
		})
	}
}

// CheckRevocation rejects requests whose identity has been revoked. It runs
// after Authenticate on every request, cached verdicts included.
func CheckRevocation(gate *revocation.Gate, revokedStatus int) func(http.Handler) http.Handler {
	if revokedStatus != http.StatusForbidden {
		revokedStatus = http.StatusUnauthorized
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := auth.IdentityFromContext(r.Context())
			if !ok {
				respondUnauthorized(w, messageMissingToken, false)
				return
			}

			out := gate.Check(id, tokenFromContext(r.Context()))
			if out.Status != auth.Authenticated {
				if revokedStatus == http.StatusUnauthorized {
					respondUnauthorized(w, out.Message, true)
					return
				}
				respondError(w, revokedStatus, out.Message)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger logs one line per request. The token prefix is included
// only when logTokens is set.
func RequestLogger(log *logger.GatedLogger, logTokens bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			fields := []logger.TypedField{
				logger.String("request_id", middleware.GetReqID(r.Context())),
				logger.String("method", r.Method),
				logger.String("path", r.URL.Path),
				logger.Int("status", ww.Status()),
				logger.Duration("elapsed", time.Since(start)),
			}
			if logTokens {
				if token, ok := verdict.ExtractBearer(r.Header.Get("Authorization")); ok {
					fields = append(fields, logger.TokenPreview("token", token))
				}
			}
			log.Info("request completed", fields...)
		})
	}
}
