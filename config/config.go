package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-secure-stdlib/parseutil"
	"github.com/hashicorp/hcl/v2/hclsimple"

	"github.com/safehost/tokengate/auth/introspection"
	"github.com/safehost/tokengate/auth/revocation"
	"github.com/safehost/tokengate/auth/verdict"
)

const (
	DefaultEndpoint      = "/connect/introspect"
	DefaultListenAddress = ":5001"
	DefaultRedisAddr     = "redis:6379"

	// Secret lookup order after the config file.
	EnvIntrospectionSecret = "TOKENGATE_INTROSPECTION_SECRET"
	EnvIntrospectorSecret  = "OIDC_SVC_INTROSPECTOR_SECRET"
	EnvResourceSecret      = "OIDC_RESOURCE_SECRET"
)

// Config is the configuration for the tokengate server.
type Config struct {
	LogLevel           string `hcl:"log_level,optional"`
	LogFormat          string `hcl:"log_format,optional"`
	LogFile            string `hcl:"log_file,optional"`
	LogRotationPeriod  int    `hcl:"log_rotation_period,optional"`
	LogRotateMegabytes int    `hcl:"log_rotate_megabytes,optional"`
	LogRotateMaxFiles  int    `hcl:"log_rotate_max_files,optional"`
	// LogTokens adds a bounded token prefix to request logs.
	LogTokens bool `hcl:"log_tokens,optional"`
	// RevokedStatus is the HTTP status for revoked tokens: 401 or 403.
	RevokedStatus int `hcl:"revoked_status,optional"`

	Listeners     []ListenerBlock     `hcl:"listener,block"`
	Introspection *IntrospectionBlock `hcl:"introspection,block"`
	Cache         *CacheBlock         `hcl:"cache,block"`
	Revocation    *RevocationBlock    `hcl:"revocation,block"`
}

type ListenerBlock struct {
	Name            string `hcl:"name,label"`
	Address         string `hcl:"address,optional"`
	TLSCertFile     string `hcl:"tls_cert_file,optional"`
	TLSKeyFile      string `hcl:"tls_key_file,optional"`
	TLSClientCAFile string `hcl:"tls_client_ca_file,optional"`
	TLSEnabled      bool   `hcl:"tls_enabled,optional"`
}

type IntrospectionBlock struct {
	Authority         string  `hcl:"authority,optional"`
	Endpoint          string  `hcl:"endpoint,optional"`
	ClientID          string  `hcl:"client_id,optional"`
	ClientSecret      string  `hcl:"client_secret,optional"`
	TokenTypeHint     *string `hcl:"token_type_hint,optional"`
	Timeout           string  `hcl:"timeout,optional"`
	MaxRetries        *int    `hcl:"max_retries,optional"`
	RequestsPerSecond float64 `hcl:"requests_per_second,optional"`
	Burst             int     `hcl:"burst,optional"`
}

type CacheBlock struct {
	ActiveTTL            string `hcl:"active_ttl,optional"`
	ActiveTTLCeiling     string `hcl:"active_ttl_ceiling,optional"`
	MinRemainingLifetime string `hcl:"min_remaining_lifetime,optional"`
	InactiveTTL          string `hcl:"inactive_ttl,optional"`
	ErrorTTL             string `hcl:"error_ttl,optional"`
	RateLimitedTTL       string `hcl:"rate_limited_ttl,optional"`
	MaxCost              int64  `hcl:"max_cost,optional"`
	NumCounters          int64  `hcl:"num_counters,optional"`
}

type RevocationBlock struct {
	Enabled       *bool  `hcl:"enabled,optional"`
	RedisAddr     string `hcl:"redis_addr,optional"`
	RedisPassword string `hcl:"redis_password,optional"`
	RedisDB       int    `hcl:"redis_db,optional"`
	Channel       string `hcl:"channel,optional"`
	EntryTTL      string `hcl:"entry_ttl,optional"`
	MaxEntries    int    `hcl:"max_entries,optional"`
}

func LoadConfig(configFile string) (*Config, error) {
	var config Config

	if err := hclsimple.DecodeFile(configFile, nil, &config); err != nil {
		return nil, err
	}
	return finish(&config)
}

// Parse decodes configuration from memory. filename only selects the
// syntax (.hcl or .json) and appears in diagnostics.
func Parse(filename string, src []byte) (*Config, error) {
	var config Config

	if err := hclsimple.Decode(filename, src, nil, &config); err != nil {
		return nil, err
	}
	return finish(&config)
}

func finish(config *Config) (*Config, error) {
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyDefaults() {
	if c.RevokedStatus == 0 {
		c.RevokedStatus = 401
	}
	if len(c.Listeners) == 0 {
		c.Listeners = []ListenerBlock{{Name: "api"}}
	}
	for i := range c.Listeners {
		if c.Listeners[i].Address == "" {
			c.Listeners[i].Address = DefaultListenAddress
		}
	}

	if c.Introspection == nil {
		c.Introspection = &IntrospectionBlock{}
	}
	in := c.Introspection
	if in.Endpoint == "" {
		in.Endpoint = DefaultEndpoint
	}
	if in.ClientID == "" {
		in.ClientID = introspection.DefaultClientID
	}
	if in.TokenTypeHint == nil {
		hint := introspection.DefaultTokenTypeHint
		in.TokenTypeHint = &hint
	}
	if in.MaxRetries == nil {
		retries := introspection.DefaultMaxRetries
		in.MaxRetries = &retries
	}
	if in.ClientSecret == "" {
		in.ClientSecret = resolveSecret(in.ClientID)
	}

	if c.Cache == nil {
		c.Cache = &CacheBlock{}
	}
	if c.Revocation == nil {
		c.Revocation = &RevocationBlock{}
	}
	rv := c.Revocation
	if rv.Enabled == nil {
		enabled := true
		rv.Enabled = &enabled
	}
	if rv.RedisAddr == "" {
		rv.RedisAddr = DefaultRedisAddr
	}
	if rv.Channel == "" {
		rv.Channel = revocation.DefaultChannel
	}
}

// resolveSecret looks the introspection secret up in the environment.
func resolveSecret(clientID string) string {
	if s := os.Getenv(EnvIntrospectionSecret); s != "" {
		return s
	}
	if clientID == introspection.DefaultClientID {
		if s := os.Getenv(EnvIntrospectorSecret); s != "" {
			return s
		}
	}
	return os.Getenv(EnvResourceSecret)
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.RevokedStatus != 401 && c.RevokedStatus != 403 {
		result = multierror.Append(result, fmt.Errorf("revoked_status must be 401 or 403, got %d", c.RevokedStatus))
	}

	seen := make(map[string]struct{}, len(c.Listeners))
	for _, ln := range c.Listeners {
		if _, dup := seen[ln.Name]; dup {
			result = multierror.Append(result, fmt.Errorf("listener %q declared twice", ln.Name))
		}
		seen[ln.Name] = struct{}{}
		if (ln.TLSCertFile == "") != (ln.TLSKeyFile == "") {
			result = multierror.Append(result, fmt.Errorf("listener %q: tls_cert_file and tls_key_file must be set together", ln.Name))
		}
	}

	if _, err := c.IntrospectionConfig(); err != nil {
		result = multierror.Append(result, err)
	}
	if _, err := c.CachePolicy(); err != nil {
		result = multierror.Append(result, err)
	}
	if _, err := c.RevocationEntryTTL(); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}

// ResolveEndpoint returns the absolute introspection URL. An absolute
// endpoint wins; a relative one is resolved against the authority.
func (b *IntrospectionBlock) ResolveEndpoint() (string, error) {
	if u, err := url.Parse(b.Endpoint); err == nil && u.IsAbs() && u.Host != "" {
		return u.String(), nil
	}
	if strings.TrimSpace(b.Authority) == "" {
		return "", errors.New("introspection: authority must be set when endpoint is relative")
	}
	base, err := url.Parse(b.Authority)
	if err != nil || !base.IsAbs() || base.Host == "" {
		return "", fmt.Errorf("introspection: authority %q must be an absolute URL", b.Authority)
	}
	ref, err := url.Parse(b.Endpoint)
	if err != nil {
		return "", fmt.Errorf("introspection: invalid endpoint %q: %w", b.Endpoint, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// IntrospectionConfig builds the client settings. A missing client id or
// secret is fatal.
func (c *Config) IntrospectionConfig() (introspection.Config, error) {
	var result *multierror.Error
	in := c.Introspection

	endpoint, err := in.ResolveEndpoint()
	if err != nil {
		result = multierror.Append(result, err)
	}
	if strings.TrimSpace(in.ClientID) == "" {
		result = multierror.Append(result, errors.New("introspection: client_id must be configured"))
	}
	if strings.TrimSpace(in.ClientSecret) == "" {
		result = multierror.Append(result, fmt.Errorf(
			"introspection: client_secret must be configured (or set %s)", EnvIntrospectionSecret))
	}
	timeout, err := duration("introspection.timeout", in.Timeout, introspection.DefaultTimeout)
	if err != nil {
		result = multierror.Append(result, err)
	}
	if in.RequestsPerSecond < 0 {
		result = multierror.Append(result, errors.New("introspection: requests_per_second must not be negative"))
	}
	if *in.MaxRetries < 0 {
		result = multierror.Append(result, errors.New("introspection: max_retries must not be negative"))
	}
	if err := result.ErrorOrNil(); err != nil {
		return introspection.Config{}, err
	}

	return introspection.Config{
		Endpoint:          endpoint,
		ClientID:          in.ClientID,
		ClientSecret:      in.ClientSecret,
		TokenTypeHint:     *in.TokenTypeHint,
		Timeout:           timeout,
		MaxRetries:        *in.MaxRetries,
		RequestsPerSecond: in.RequestsPerSecond,
		Burst:             in.Burst,
	}, nil
}

// CachePolicy returns the verdict TTL policy with defaults filled in.
func (c *Config) CachePolicy() (verdict.Policy, error) {
	var result *multierror.Error
	def := verdict.DefaultPolicy()
	cb := c.Cache

	fields := []struct {
		name string
		raw  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"cache.active_ttl", cb.ActiveTTL, def.ActiveTTL, &def.ActiveTTL},
		{"cache.active_ttl_ceiling", cb.ActiveTTLCeiling, def.ActiveTTLCeiling, &def.ActiveTTLCeiling},
		{"cache.min_remaining_lifetime", cb.MinRemainingLifetime, def.MinRemainingLifetime, &def.MinRemainingLifetime},
		{"cache.inactive_ttl", cb.InactiveTTL, def.InactiveTTL, &def.InactiveTTL},
		{"cache.error_ttl", cb.ErrorTTL, def.ErrorTTL, &def.ErrorTTL},
		{"cache.rate_limited_ttl", cb.RateLimitedTTL, def.RateLimitedTTL, &def.RateLimitedTTL},
	}
	for _, f := range fields {
		d, err := duration(f.name, f.raw, f.def)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		*f.dst = d
	}
	if err := result.ErrorOrNil(); err != nil {
		return verdict.Policy{}, err
	}
	return def, nil
}

func (c *Config) CacheConfig() *verdict.CacheConfig {
	cfg := verdict.DefaultCacheConfig()
	if c.Cache.MaxCost > 0 {
		cfg.MaxCost = c.Cache.MaxCost
	}
	if c.Cache.NumCounters > 0 {
		cfg.NumCounters = c.Cache.NumCounters
	} else if c.Cache.MaxCost > 0 {
		cfg.NumCounters = c.Cache.MaxCost * 10
	}
	return cfg
}

// RevocationEntryTTL returns the configured marker TTL. Flooring happens in
// the listener.
func (c *Config) RevocationEntryTTL() (time.Duration, error) {
	return duration("revocation.entry_ttl", c.Revocation.EntryTTL, revocation.DefaultEntryTTL)
}

func (c *Config) RevocationEnabled() bool {
	return c.Revocation.Enabled == nil || *c.Revocation.Enabled
}

// GetListenerByName returns a listener by its name (label)
func (c *Config) GetListenerByName(name string) (*ListenerBlock, error) {
	for i := range c.Listeners {
		if c.Listeners[i].Name == name {
			return &c.Listeners[i], nil
		}
	}
	return nil, fmt.Errorf("listener '%s' not found", name)
}

func (c *Config) GetApiListener() (*ListenerBlock, error) {
	return c.GetListenerByName("api")
}

// duration parses "300", "300s" or "5m"; empty means def.
func duration(name, raw string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	d, err := parseutil.ParseDurationSecond(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", name)
	}
	return d, nil
}
