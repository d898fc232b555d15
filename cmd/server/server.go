package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/safehost/tokengate/auth/introspection"
	"github.com/safehost/tokengate/auth/revocation"
	"github.com/safehost/tokengate/auth/verdict"
	"github.com/safehost/tokengate/cmd/helpers"
	"github.com/safehost/tokengate/config"
	gatehttp "github.com/safehost/tokengate/http"
	"github.com/safehost/tokengate/internal/telemetry"
	"github.com/safehost/tokengate/listener"
	"github.com/safehost/tokengate/listener/api"
	log "github.com/safehost/tokengate/logger"
)

const (
	subsystemCore     = "core"
	subsystemListener = "listener"

	metricsInterval = 10 * time.Second
	metricsRetain   = time.Minute

	listenerStopTimeout = 5 * time.Second
)

var (
	configPath string

	ServerCmd = &cobra.Command{
		Use:   "server",
		Short: "This command starts a tokengate server that authenticates API requests",
		Long: `
Usage: tokengate server [options]

  This command starts a tokengate server. Every request under /v1/ must carry
  a bearer token that the configured authorization server reports as active
  and that has not been revoked.

      $ tokengate server --config=/etc/tokengate/config.hcl
  `,
		RunE: run,
	}
)

func init() {
	ServerCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (e.g., path/to/tokengate.hcl)")
}

// server holds the wired components for one run.
type server struct {
	logger     *log.GatedLogger
	telemetry  *telemetry.Sink
	cache      *verdict.Cache
	store      *revocation.Store
	revListen  *revocation.Listener
	redis      *redis.Client
	handler    http.Handler
	introspect introspection.Config

	info     map[string]string
	infoKeys []string
}

func run(cmd *cobra.Command, args []string) error {
	if configPath == "" {
		return fmt.Errorf("config file path is required. Use -c or --config flag")
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s", configPath)
	}

	conf, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// gate stays closed until the banner is printed
	logger := buildGatedLogger(conf)

	srv, err := newServer(conf, logger)
	if err != nil {
		return err
	}
	defer srv.close()

	lns, err := initListeners(srv.handler, conf, logger, srv)
	if err != nil {
		return err
	}

	var shutdownErrs []error
	var shutdownErrsMu sync.Mutex
	var cleanupGuard sync.Once

	listenerCloseFunc := func() {
		fmt.Fprintf(cmd.OutOrStdout(), "Stopping all listeners\n")
		for _, ln := range lns {
			if err := ln.Stop(); err != nil {
				shutdownErrsMu.Lock()
				shutdownErrs = append(shutdownErrs, fmt.Errorf("failed to stop %s listener at %s: %w", ln.Type(), ln.Addr(), err))
				shutdownErrsMu.Unlock()
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Listener stopped successfully: type=%s, address=%s\n", ln.Type(), ln.Addr())
			}
		}
	}
	defer cleanupGuard.Do(listenerCloseFunc)

	printBanner(cmd.OutOrStdout(), srv)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if srv.revListen != nil {
		go func() {
			if err := srv.revListen.Run(ctx); err != nil {
				logger.Error("revocation listener exited", log.Err(err))
			}
		}()
	}

	errChan := make(chan error, len(lns))
	var listenerErrs []error
	totalListeners := len(lns)
	var wg sync.WaitGroup

	for _, ln := range lns {
		wg.Go(func() {
			if err := ln.Start(ctx); err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "failed to start listener: %v\n", err)
				errChan <- err
			}
		})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "\n==> Tokengate server started! Log data will stream in below:\n")
	logger.OpenGate()

	shutdownTriggered := false
	for !shutdownTriggered {
		select {
		case err := <-errChan:
			listenerErrs = append(listenerErrs, err)
			failedCount := len(listenerErrs)
			fmt.Fprintf(cmd.OutOrStdout(), "Listener error occurred: failed_count=%d, total_listeners=%d\n", failedCount, totalListeners)

			// Only shut down once every listener has failed
			if failedCount >= totalListeners {
				fmt.Fprintf(cmd.OutOrStdout(), "All listeners have failed, triggering shutdown: failed_count=%d\n", failedCount)
				shutdownTriggered = true
				cancel()
			}
		case <-ctx.Done():
			fmt.Fprintf(cmd.OutOrStdout(), "Tokengate shutdown triggered\n")
			shutdownTriggered = true
			cancel()
		}
	}

	cleanupGuard.Do(listenerCloseFunc)
	wg.Wait()

	close(errChan)
	for err := range errChan {
		listenerErrs = append(listenerErrs, err)
	}
	if len(listenerErrs) > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "Listener errors occurred during runtime: %v, error_count=%d\n", errors.Join(listenerErrs...), len(listenerErrs))
	}

	if srv.revListen != nil {
		select {
		case <-srv.revListen.Done():
		case <-time.After(listenerStopTimeout):
			shutdownErrs = append(shutdownErrs, errors.New("revocation listener did not stop in time"))
		}
	}

	if len(shutdownErrs) > 0 {
		aggregated := errors.Join(shutdownErrs...)
		fmt.Fprintf(cmd.OutOrStdout(), "Shutdown completed with errors: %v, error_count=%d\n", aggregated, len(shutdownErrs))
		return aggregated
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Server shutdown completed successfully\n")
	return nil
}

// newServer wires the verification and revocation components. The
// revocation listener is built but not started.
func newServer(conf *config.Config, logger *log.GatedLogger) (*server, error) {
	srv := &server{
		logger: logger,
		info:   make(map[string]string),
	}
	ok := false
	defer func() {
		if !ok {
			srv.close()
		}
	}()

	sink, err := telemetry.New("tokengate", metricsInterval, metricsRetain)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	srv.telemetry = sink

	icfg, err := conf.IntrospectionConfig()
	if err != nil {
		return nil, err
	}
	icfg.Logger = logger.WithSystem("introspection")
	icfg.Telemetry = sink
	client, err := introspection.NewClient(icfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create introspection client: %w", err)
	}
	srv.introspect = icfg

	policy, err := conf.CachePolicy()
	if err != nil {
		return nil, err
	}
	cache, err := verdict.NewCache(logger.WithSystem("verdict"), conf.CacheConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create verdict cache: %w", err)
	}
	srv.cache = cache

	authGate, err := verdict.NewGate(verdict.GateConfig{
		Introspector: client,
		Cache:        cache,
		Policy:       policy,
		Logger:       logger.WithSystem("verdict"),
		Telemetry:    sink,
	})
	if err != nil {
		return nil, err
	}

	store, err := revocation.NewStore(&revocation.StoreConfig{MaxEntries: conf.Revocation.MaxEntries})
	if err != nil {
		return nil, fmt.Errorf("failed to create revocation store: %w", err)
	}
	srv.store = store

	revGate, err := revocation.NewGate(store, logger.WithSystem("revocation"), sink)
	if err != nil {
		return nil, err
	}

	entryTTL, err := conf.RevocationEntryTTL()
	if err != nil {
		return nil, err
	}
	if conf.RevocationEnabled() {
		rv := conf.Revocation
		srv.redis = redis.NewClient(&redis.Options{
			Addr:     rv.RedisAddr,
			Password: rv.RedisPassword,
			DB:       rv.RedisDB,
		})
		srv.revListen, err = revocation.NewListener(revocation.ListenerConfig{
			Subscriber: revocation.NewRedisSubscriber(srv.redis),
			Store:      store,
			Channel:    rv.Channel,
			EntryTTL:   entryTTL,
			Logger:     logger.WithSystem("revocation"),
			Telemetry:  sink,
		})
		if err != nil {
			return nil, err
		}
	}

	srv.handler = gatehttp.Handler(&gatehttp.HandlerProperties{
		AuthGate:       authGate,
		RevocationGate: revGate,
		Listener:       srv.revListen,
		Telemetry:      sink,
		Logger:         logger,
		LogTokens:      conf.LogTokens,
		RevokedStatus:  conf.RevokedStatus,
	})

	srv.collectInfo(conf, policy, entryTTL)
	ok = true
	return srv, nil
}

func (s *server) collectInfo(conf *config.Config, policy verdict.Policy, entryTTL time.Duration) {
	s.addInfo("log level", conf.LogLevel)
	s.addInfo("log format", conf.LogFormat)
	if conf.LogFile != "" {
		s.addInfo("log file", conf.LogFile)
	}
	s.addInfo("introspection endpoint", s.introspect.Endpoint)
	s.addInfo("introspection client", s.introspect.ClientID)
	s.addInfo("introspection secret", helpers.MaskSecret(s.introspect.ClientSecret))
	s.addInfo("introspection timeout", s.introspect.Timeout.String())
	s.addInfo("active ttl ceiling", policy.ActiveTTLCeiling.String())
	s.addInfo("revoked status", fmt.Sprintf("%d", conf.RevokedStatus))

	if conf.RevocationEnabled() {
		s.addInfo("revocation redis", conf.Revocation.RedisAddr)
		s.addInfo("revocation channel", conf.Revocation.Channel)
		s.addInfo("revocation entry ttl", revocation.EffectiveTTL(entryTTL).String())
	} else {
		s.addInfo("revocation redis", "disabled")
	}
}

func (s *server) addInfo(key, value string) {
	if _, exists := s.info[key]; !exists {
		s.infoKeys = append(s.infoKeys, key)
	}
	s.info[key] = value
}

func (s *server) close() {
	if s.cache != nil {
		s.cache.Close()
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Warn("failed to close redis client", log.Err(err))
		}
	}
	if s.telemetry != nil {
		s.telemetry.Shutdown()
	}
}

func printBanner(w io.Writer, srv *server) {
	keys := append([]string(nil), srv.infoKeys...)
	sort.Strings(keys)

	fmt.Fprintf(w, "\n==> Tokengate server configuration:\n\n")
	titleCaser := cases.Title(language.English, cases.NoLower)
	for _, k := range keys {
		fmt.Fprintf(w, "%24s: %s\n", titleCaser.String(k), srv.info[k])
	}
}

func buildGatedLogger(conf *config.Config) *log.GatedLogger {
	logConfig := &log.Config{
		Level:     log.ParseLogLevel(conf.LogLevel),
		Subsystem: subsystemCore,
		Format:    log.ParseOutputFormat(conf.LogFormat),
		Outputs:   []io.Writer{os.Stdout},
	}
	if conf.LogFile != "" {
		logConfig.FileConfig = &log.FileConfig{
			Filename:   conf.LogFile,
			MaxSize:    conf.LogRotateMegabytes,
			MaxAge:     conf.LogRotationPeriod,
			MaxBackups: conf.LogRotateMaxFiles,
		}
	}

	gateConfig := log.GatedWriterConfig{
		Underlying:    os.Stdout,
		InitialState:  log.GateClosed,
		MaxBufferSize: 10 * 1024 * 1024, // 10MB buffer for initialization logs
	}

	gatedLogger, _ := log.NewGatedLogger(logConfig, gateConfig)
	return gatedLogger
}

func initListeners(httpHandler http.Handler, conf *config.Config, logger *log.GatedLogger, srv *server) ([]listener.Listener, error) {
	lns := make([]listener.Listener, 0, len(conf.Listeners))

	for _, lnConfig := range conf.Listeners {
		ln, err := api.NewApiListener(api.ApiListenerConfig{
			Logger:          logger.WithSystem(subsystemListener).WithFields(log.String("listener", lnConfig.Name)),
			Address:         lnConfig.Address,
			TLSCertFile:     lnConfig.TLSCertFile,
			TLSKeyFile:      lnConfig.TLSKeyFile,
			TLSClientCAFile: lnConfig.TLSClientCAFile,
			TLSEnabled:      lnConfig.TLSEnabled,
		}, httpHandler)
		if err != nil {
			return nil, fmt.Errorf("error initializing listener %q: %w", lnConfig.Name, err)
		}
		lns = append(lns, ln)

		tls := "disabled"
		if lnConfig.TLSEnabled {
			tls = "enabled"
		}
		srv.addInfo(fmt.Sprintf("listener %s", lnConfig.Name), fmt.Sprintf("%s (tls: %s)", lnConfig.Address, tls))
	}

	return lns, nil
}
