package api

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/safehost/tokengate/logger"
)

const DefaultCommonName = "tokengate"

type ApiListener struct {
	logger    *logger.GatedLogger
	server    *http.Server
	address   string
	tlsConfig *tls.Config
	stopped   atomic.Bool

	mu    sync.RWMutex
	bound net.Addr
	ready chan struct{}
}

type ApiListenerConfig struct {
	Logger          *logger.GatedLogger
	Address         string
	TLSCertFile     string
	TLSKeyFile      string
	TLSClientCAFile string
	TLSEnabled      bool
	// CommonName of the ephemeral certificate used when TLS is enabled
	// without a certificate file.
	CommonName string
}

func NewApiListener(cfg ApiListenerConfig, httpHandler http.Handler) (*ApiListener, error) {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewTestLogger()
	}
	if cfg.CommonName == "" {
		cfg.CommonName = DefaultCommonName
	}

	var handler http.Handler = httpHandler
	handler = middleware.RealIP(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recoverer(handler)

	l := &ApiListener{
		logger:  cfg.Logger,
		address: cfg.Address,
		ready:   make(chan struct{}),
	}

	if cfg.TLSEnabled {
		tlsConfig, ephemeral, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		if ephemeral {
			cfg.Logger.Warn("no TLS certificate configured, using an ephemeral self-signed certificate",
				logger.String("common_name", cfg.CommonName),
			)
		}
		l.tlsConfig = tlsConfig
	}

	l.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           handler,
		TLSConfig:         l.tlsConfig,
		IdleTimeout:       time.Minute,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		// Introspection alone may take up to its own timeout
		WriteTimeout: 30 * time.Second,
	}

	return l, nil
}

// Addr returns the bound address once started, the configured one before.
func (l *ApiListener) Addr() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.bound != nil {
		return l.bound.String()
	}
	return l.address
}

func (l *ApiListener) Type() string {
	return "api"
}

func (l *ApiListener) TLS() bool {
	return l.tlsConfig != nil
}

// Ready is closed once the socket is bound.
func (l *ApiListener) Ready() <-chan struct{} {
	return l.ready
}

// Start binds the socket and serves until ctx is cancelled or the server
// fails.
func (l *ApiListener) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.address)
	if err != nil {
		l.logger.Error("failed to bind HTTP listener", logger.String("address", l.address), logger.Err(err))
		return err
	}

	l.mu.Lock()
	l.bound = ln.Addr()
	l.mu.Unlock()
	close(l.ready)

	if l.tlsConfig != nil {
		ln = tls.NewListener(ln, l.tlsConfig)
	}

	l.logger.Info("starting HTTP server",
		logger.String("address", ln.Addr().String()),
		logger.Bool("tls", l.tlsConfig != nil),
	)

	errChan := make(chan error, 1)
	go func() {
		err := l.server.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		l.logger.Info("shutdown signal received")
		return l.Stop()
	case err := <-errChan:
		l.logger.Error("HTTP Server error", logger.Err(err))
		return err
	}
}

func (l *ApiListener) Stop() error {
	if !l.stopped.CompareAndSwap(false, true) {
		l.logger.Info("HTTP server already stopped, skipping")
		return nil
	}

	l.logger.Info("shutting down HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := l.server.Shutdown(ctx); err != nil {
		l.logger.Error("error when shutting down the http server", logger.Err(err))
		return err
	}

	l.logger.Info("HTTP server stopped gracefully")
	return nil
}
