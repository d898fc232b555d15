package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/safehost/tokengate/auth"
	"github.com/safehost/tokengate/auth/revocation"
	"github.com/safehost/tokengate/auth/verdict"
	"github.com/safehost/tokengate/internal/telemetry"
	"github.com/safehost/tokengate/logger"
)

// HandlerProperties contains configuration for the HTTP handler
type HandlerProperties struct {
	AuthGate       *verdict.Gate
	RevocationGate *revocation.Gate
	// Listener is optional; health reports its state when set.
	Listener  *revocation.Listener
	Telemetry *telemetry.Sink
	Logger    *logger.GatedLogger

	LogTokens     bool
	RevokedStatus int
	// Protected is served under /v1/ behind both gates. Defaults to whoami.
	Protected http.Handler
}

// Handler creates and returns the main HTTP handler.
func Handler(props *HandlerProperties) http.Handler {
	log := props.Logger
	if log == nil {
		log = logger.NewTestLogger()
	}
	log = log.WithSubsystem("http")

	r := chi.NewRouter()
	r.Use(RequestLogger(log, props.LogTokens))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/sys/health", handleHealth(props))
		r.Get("/sys/metrics", handleMetrics(props))

		r.Group(func(r chi.Router) {
			r.Use(Authenticate(props.AuthGate, log))
			r.Use(CheckRevocation(props.RevocationGate, props.RevokedStatus))

			r.Get("/whoami", handleWhoami)
			if props.Protected != nil {
				r.Handle("/*", props.Protected)
			}
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusNotFound, "unsupported path")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return r
}

type healthResponse struct {
	Status             string    `json:"status"`
	RevocationListener string    `json:"revocation_listener,omitempty"`
	ServerTime         time.Time `json:"server_time"`
}

func handleHealth(props *HandlerProperties) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok", ServerTime: time.Now().UTC()}
		if props.Listener != nil {
			resp.RevocationListener = props.Listener.State().String()
		}
		respondOk(w, resp)
	}
}

type metricsResponse struct {
	Verdict    map[string]int64 `json:"verdict,omitempty"`
	Revocation map[string]int64 `json:"revocation,omitempty"`
	Listener   map[string]int64 `json:"listener,omitempty"`
	Telemetry  any              `json:"telemetry,omitempty"`
}

func handleMetrics(props *HandlerProperties) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var resp metricsResponse
		if props.AuthGate != nil {
			resp.Verdict = props.AuthGate.Metrics().GetSnapshot()
		}
		if props.RevocationGate != nil {
			resp.Revocation = props.RevocationGate.Metrics().GetSnapshot()
		}
		if props.Listener != nil {
			resp.Listener = props.Listener.Metrics().GetSnapshot()
		}
		if props.Telemetry != nil {
			summary, err := props.Telemetry.Display(w, r)
			if err == nil {
				resp.Telemetry = summary
			}
		}
		respondOk(w, resp)
	}
}

func handleWhoami(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		respondUnauthorized(w, messageMissingToken, false)
		return
	}
	respondOk(w, id)
}
