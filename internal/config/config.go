// ABOUTME: Configuration loading and parsing for the satgate gateway
// ABOUTME: YAML with environment variable expansion and strict validation

package config

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// PolicyType enumerates the closed set of route policies.
type PolicyType string

const (
	PolicyPublic     PolicyType = "public"
	PolicyDeny       PolicyType = "deny"
	PolicyL402       PolicyType = "l402"
	PolicyCapability PolicyType = "capability"
)

// Config is the complete satgate configuration.
type Config struct {
	Version   int                 `yaml:"version"`
	Upstreams map[string]Upstream `yaml:"upstreams"`
	Routes    []Route             `yaml:"routes"`
	L402      L402Config          `yaml:"l402"`
	Metering  MeteringConfig      `yaml:"metering"`
	RateLimit []RateLimitRule     `yaml:"ratelimit"`
	Server    ServerConfig        `yaml:"server"`
	Admin     AdminConfig         `yaml:"admin"`
	Database  DatabaseConfig      `yaml:"database"`
	Logging   LoggingConfig       `yaml:"logging"`
}

// Upstream is a named proxy target. The proxy may only ever forward to
// upstreams declared here; request input never selects a URL.
type Upstream struct {
	URL                 string            `yaml:"url"`
	PassHostHeader      bool              `yaml:"pass_host_header"`
	AddHeaders          map[string]string `yaml:"add_headers"`
	AllowRequestHeaders []string          `yaml:"allow_request_headers"`
	DenyRequestHeaders  []string          `yaml:"deny_request_headers"`
}

// Match is a route's request predicate. Exactly one of PathPrefix and
// ExactPath must be set; an empty method list matches every method.
type Match struct {
	PathPrefix string   `yaml:"path_prefix"`
	ExactPath  string   `yaml:"exact_path"`
	Methods    []string `yaml:"methods"`
}

// Policy is the tagged policy variant attached to a route.
type Policy struct {
	Type PolicyType `yaml:"type"`

	// Deny
	Status int `yaml:"status"`

	// L402: either a named tier or inline pricing.
	Tier       string `yaml:"tier"`
	PriceSats  int64  `yaml:"price_sats"`
	Scope      string `yaml:"scope"`
	TTLSeconds int64  `yaml:"ttl_seconds"`
	MaxCalls   int64  `yaml:"max_calls"`
	BudgetSats int64  `yaml:"budget_sats"`
}

// Route maps a request predicate to an upstream and a policy. Routes
// are evaluated in configured order; first match wins.
type Route struct {
	Name     string `yaml:"name"`
	Match    Match  `yaml:"match"`
	Upstream string `yaml:"upstream"`
	Policy   Policy `yaml:"policy"`
}

// TierConfig is a named pricing/scope bundle for payment challenges.
type TierConfig struct {
	PriceSats   int64  `yaml:"price_sats"`
	Scope       string `yaml:"scope"`
	TTLSeconds  int64  `yaml:"ttl_seconds"`
	MaxCalls    int64  `yaml:"max_calls"`
	BudgetSats  int64  `yaml:"budget_sats"`
	Description string `yaml:"description"`
}

// L402Config configures the payment challenge service.
type L402Config struct {
	// Mode is "live" or "demo". Demo mode forces the fake in-process
	// payment backend so the full challenge flow runs without a node.
	Mode string `yaml:"mode"`

	// Backend selects the payment backend: "lnbits", "lnd" or "fake".
	Backend string `yaml:"backend"`

	LNBits LNBitsConfig `yaml:"lnbits"`
	LND    LNDConfig    `yaml:"lnd"`

	// RootKey is the hex-encoded macaroon root key.
	RootKey string `yaml:"root_key"`

	DefaultTTLSeconds int64 `yaml:"default_ttl_seconds"`
	DefaultMaxCalls   int64 `yaml:"default_max_calls"`
	DefaultBudgetSats int64 `yaml:"default_budget_sats"`

	Tiers map[string]TierConfig `yaml:"tiers"`
}

// LNBitsConfig holds LNBits backend settings.
type LNBitsConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

// LNDConfig holds LND REST backend settings.
type LNDConfig struct {
	Host        string `yaml:"host"`
	MacaroonHex string `yaml:"macaroon_hex"`
}

// MeteringConfig selects the counter store backend.
type MeteringConfig struct {
	// Backend is "memory" (single process) or "sqlite" (shared with the
	// gateway database, survives restarts).
	Backend string `yaml:"backend"`
}

// RateLimitRule is one data-plane rate limit.
type RateLimitRule struct {
	PathRegexp string `yaml:"path_regexp"`
	Requests   int    `yaml:"requests"`
	Burst      int    `yaml:"burst"`

	Per time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling.
	PerRaw string `yaml:"per"`
}

// ServerConfig holds the data-plane listener address.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// AdminConfig holds the admin-plane listener and its auth secret.
type AdminConfig struct {
	Listen    string `yaml:"listen"`
	JWTSecret string `yaml:"jwt_secret"`
}

// DatabaseConfig holds the SQLite database path.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds log level and format.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Load reads, expands, parses, and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates raw YAML configuration.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables become empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// parseDurations converts raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	for i := range cfg.RateLimit {
		rule := &cfg.RateLimit[i]
		if rule.PerRaw == "" {
			rule.Per = time.Second
			continue
		}
		per, err := time.ParseDuration(rule.PerRaw)
		if err != nil {
			return fmt.Errorf("parsing ratelimit per %q: %w", rule.PerRaw, err)
		}
		rule.Per = per
	}
	return nil
}

// RootKeyBytes decodes the L402 root key.
func (c *L402Config) RootKeyBytes() ([]byte, error) {
	key, err := hex.DecodeString(c.RootKey)
	if err != nil {
		return nil, fmt.Errorf("l402.root_key is not valid hex: %w", err)
	}
	return key, nil
}

// ResolveTier returns the tier an L402 policy charges, merging the
// route's inline overrides and the l402 defaults.
func (c *Config) ResolveTier(p *Policy) (TierConfig, error) {
	var tier TierConfig
	if p.Tier != "" {
		named, ok := c.L402.Tiers[p.Tier]
		if !ok {
			return tier, fmt.Errorf("unknown tier %q", p.Tier)
		}
		tier = named
	}

	if p.PriceSats > 0 {
		tier.PriceSats = p.PriceSats
	}
	if p.Scope != "" {
		tier.Scope = p.Scope
	}
	if p.TTLSeconds > 0 {
		tier.TTLSeconds = p.TTLSeconds
	}
	if p.MaxCalls > 0 {
		tier.MaxCalls = p.MaxCalls
	}
	if p.BudgetSats > 0 {
		tier.BudgetSats = p.BudgetSats
	}

	if tier.TTLSeconds == 0 {
		tier.TTLSeconds = c.L402.DefaultTTLSeconds
	}
	if tier.MaxCalls == 0 {
		tier.MaxCalls = c.L402.DefaultMaxCalls
	}
	if tier.BudgetSats == 0 {
		tier.BudgetSats = c.L402.DefaultBudgetSats
	}
	return tier, nil
}

// Validate checks the whole configuration. Any failure is fatal at
// startup: the gateway never serves traffic on a config it cannot
// fully trust.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.Admin.Listen == "" {
		return fmt.Errorf("admin.listen is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Metering.Backend {
	case "", "memory", "sqlite":
	default:
		return fmt.Errorf("metering.backend %q is not one of memory, sqlite", c.Metering.Backend)
	}

	for name, up := range c.Upstreams {
		if err := validateUpstream(name, up); err != nil {
			return err
		}
	}

	seen := make(map[string]bool)
	needsL402 := false
	needsRootKey := false
	for i := range c.Routes {
		route := &c.Routes[i]
		if route.Name == "" {
			return fmt.Errorf("routes[%d]: name is required", i)
		}
		if seen[route.Name] {
			return fmt.Errorf("duplicate route name %q", route.Name)
		}
		seen[route.Name] = true

		if err := c.validateRoute(route); err != nil {
			return err
		}
		switch route.Policy.Type {
		case PolicyL402:
			needsL402 = true
			needsRootKey = true
		case PolicyCapability:
			needsRootKey = true
		}
	}

	if needsRootKey {
		key, err := c.L402.RootKeyBytes()
		if err != nil {
			return err
		}
		if len(key) < 16 {
			return fmt.Errorf("l402.root_key must be at least 16 bytes of hex")
		}
	}

	if needsL402 {
		switch c.L402.Mode {
		case "", "live", "demo":
		default:
			return fmt.Errorf("l402.mode %q is not one of live, demo", c.L402.Mode)
		}
		switch c.L402.Backend {
		case "lnbits":
			if c.L402.LNBits.URL == "" || c.L402.LNBits.APIKey == "" {
				return fmt.Errorf("l402.lnbits requires url and api_key")
			}
		case "lnd":
			if c.L402.LND.Host == "" || c.L402.LND.MacaroonHex == "" {
				return fmt.Errorf("l402.lnd requires host and macaroon_hex")
			}
		case "fake":
		case "":
			if c.L402.Mode != "demo" {
				return fmt.Errorf("l402.backend is required when l402 routes exist")
			}
		default:
			return fmt.Errorf("l402.backend %q is not one of lnbits, lnd, fake", c.L402.Backend)
		}
	}

	for i, rule := range c.RateLimit {
		if rule.Requests <= 0 {
			return fmt.Errorf("ratelimit[%d]: requests must be positive", i)
		}
		if rule.PathRegexp != "" {
			if _, err := regexp.Compile(rule.PathRegexp); err != nil {
				return fmt.Errorf("ratelimit[%d]: bad path_regexp: %w", i, err)
			}
		}
	}

	return nil
}

func validateUpstream(name string, up Upstream) error {
	if up.URL == "" {
		return fmt.Errorf("upstream %q: url is required", name)
	}
	u, err := url.Parse(up.URL)
	if err != nil {
		return fmt.Errorf("upstream %q: bad url: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("upstream %q: url must be absolute http(s)", name)
	}
	if u.Host == "" {
		return fmt.Errorf("upstream %q: url has no host", name)
	}
	if len(up.AllowRequestHeaders) > 0 && len(up.DenyRequestHeaders) > 0 {
		return fmt.Errorf("upstream %q: allow and deny request header lists are mutually exclusive", name)
	}
	return nil
}

func (c *Config) validateRoute(route *Route) error {
	m := &route.Match
	if (m.PathPrefix == "") == (m.ExactPath == "") {
		return fmt.Errorf("route %q: exactly one of match.path_prefix and match.exact_path is required", route.Name)
	}

	switch route.Policy.Type {
	case PolicyPublic:
	case PolicyDeny:
		if route.Policy.Status != 0 &&
			(route.Policy.Status < 400 || route.Policy.Status > 599) {
			return fmt.Errorf("route %q: deny status must be in 400..599", route.Name)
		}
	case PolicyL402:
		tier, err := c.ResolveTier(&route.Policy)
		if err != nil {
			return fmt.Errorf("route %q: %w", route.Name, err)
		}
		if tier.PriceSats <= 0 {
			return fmt.Errorf("route %q: l402 policy needs a positive price", route.Name)
		}
		if tier.Scope == "" {
			return fmt.Errorf("route %q: l402 policy needs a scope", route.Name)
		}
	case PolicyCapability:
		if route.Policy.Scope == "" {
			return fmt.Errorf("route %q: capability policy needs a scope", route.Name)
		}
	default:
		return fmt.Errorf("route %q: unknown policy type %q", route.Name, route.Policy.Type)
	}

	// Deny routes need no upstream; everything else must reference one.
	if route.Policy.Type != PolicyDeny {
		if route.Upstream == "" {
			return fmt.Errorf("route %q: upstream is required", route.Name)
		}
		if _, ok := c.Upstreams[route.Upstream]; !ok {
			return fmt.Errorf("route %q: unknown upstream %q", route.Name, route.Upstream)
		}
	}
	return nil
}
