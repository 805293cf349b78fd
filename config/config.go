// Package config provides YAML configuration parsing for harvest.
//
// This package enables running harvest as a standalone binary with a
// configuration file, as an alternative to the programmatic SDK approach.
//
// Example configuration:
//
//	pipeline:
//	  pool_size: 4
//	  sample_size: 5
//	  rate:
//	    initial: 2
//	    min: 0.5
//	    max: 10
//
//	listings:
//	  - https://shop.example.com/c/shoes
//
//	listing_grids:
//	  - url_template: "https://shop.example.com/c/{{.category}}?page={{.page}}"
//	    dimensions:
//	      category: [hats, bags]
//	      page: ["1", "2"]
//
//	discovery:
//	  pattern: '/p/\d+$'
//	  same_host: true
//
//	fields:
//	  - name: name
//	    rules: [css:h1.name, title]
//	    required: true
//	  - name: price
//	    rules: meta:product:price
//
//	storage:
//	  driver: sqlite
//	  dsn: ${HARVEST_DB:-harvest.db}
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"regexp"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jpalmerr/harvest/extract"
)

// minTimeout is the smallest request timeout accepted, so a typo such as
// "10ms" does not fail every request.
const minTimeout = 1 * time.Second

const defaultPort = 8080

// Config is the root configuration structure for harvest.
//
// It maps directly to the YAML configuration file structure.
// Use [Load] or [Parse] to create a Config from YAML.
type Config struct {
	// Pipeline tunes the pool, limiter and retries. Zero values keep the
	// SDK defaults.
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Listings are partition URLs to discover items on.
	// Supports environment variable substitution: ${VAR} or ${VAR:-default}
	Listings []string `yaml:"listings"`

	// ListingGrids expand into partition URLs via cartesian product.
	ListingGrids []GridConfig `yaml:"listing_grids"`

	Discovery DiscoveryConfig `yaml:"discovery"`

	// Fields are the candidate extraction rules resolved against the sample.
	Fields []FieldConfig `yaml:"fields"`

	Engine  EngineConfig  `yaml:"engine"`
	Storage StorageConfig `yaml:"storage"`
	Server  ServerConfig  `yaml:"server"`
}

// PipelineConfig mirrors the SDK's run options.
type PipelineConfig struct {
	PoolSize            int `yaml:"pool_size"`
	LeasesPerRecycle    int `yaml:"leases_per_recycle"`
	ProducerConcurrency int `yaml:"producer_concurrency"`
	SampleSize          int `yaml:"sample_size"`
	QueueSize           int `yaml:"queue_size"`
	MaxRetries          int `yaml:"max_retries"`

	BackoffBase Duration `yaml:"backoff_base"`
	MaxBackoff  Duration `yaml:"max_backoff"`

	Rate RateConfig `yaml:"rate"`

	// DefaultPause applies when a rate-limit signal carries no Retry-After.
	DefaultPause Duration `yaml:"default_pause"`

	// AcquireTimeout bounds how long one attempt waits for a token.
	AcquireTimeout Duration `yaml:"acquire_timeout"`

	// StrictRateLimit fails an attempt on acquire timeout instead of
	// letting it through.
	StrictRateLimit bool `yaml:"strict_rate_limit"`

	ProbeInterval    Duration `yaml:"probe_interval"`
	ProgressInterval Duration `yaml:"progress_interval"`
}

// RateConfig bounds the adaptive limiter, in requests per second.
type RateConfig struct {
	Initial float64 `yaml:"initial"`
	Min     float64 `yaml:"min"`
	Max     float64 `yaml:"max"`
	Burst   float64 `yaml:"burst"`
}

// GridConfig defines listing URLs generated via cartesian product.
//
// For example, with dimensions {category: [hats, bags], page: ["1", "2"]},
// the grid expands to 4 listings.
type GridConfig struct {
	// URLTemplate is a Go template for generating listing URLs.
	// Dimension keys are available as template variables: {{.category}}
	// Supports environment variable substitution in the template.
	URLTemplate string `yaml:"url_template"`

	// Dimensions maps dimension names to their possible values.
	Dimensions map[string][]string `yaml:"dimensions"`
}

// DiscoveryConfig configures link discovery on listing pages.
type DiscoveryConfig struct {
	// Pattern is a regular expression item URLs must match.
	Pattern string `yaml:"pattern"`

	// SameHost drops links to hosts other than the listing's.
	// Defaults to true.
	SameHost *bool `yaml:"same_host"`

	// MaxPages follows rel="next" pagination up to this many pages.
	MaxPages int `yaml:"max_pages"`

	HTTP HTTPConfig `yaml:",inline"`
}

// HTTPConfig holds request settings shared by discovery, bootstrap and the
// http engine.
type HTTPConfig struct {
	// Timeout is the request timeout. Defaults to 30s.
	Timeout Duration `yaml:"timeout"`

	// Headers are sent with each request.
	// Values support environment variable substitution.
	Headers map[string]string `yaml:"headers"`

	UserAgent string `yaml:"user_agent"`
}

// FieldConfig is one field to extract.
type FieldConfig struct {
	Name string `yaml:"name"`

	// Rules are tried in order against the sample pages; the first that
	// matches at least half of them is used for the run.
	Rules Rules `yaml:"rules"`

	Required bool `yaml:"required"`
}

// Rules is a list of extraction rules.
//
// It supports two formats in YAML:
//
//	rules: css:h1
//	rules: [css:h1, title]
type Rules []string

// EngineConfig selects how item pages are loaded.
type EngineConfig struct {
	// Type is "http" (default) or "browser".
	Type string `yaml:"type"`

	HTTP HTTPConfig `yaml:",inline"`

	Browser BrowserConfig `yaml:"browser"`
}

// BrowserConfig configures the headless Chromium engine.
type BrowserConfig struct {
	Bin        string `yaml:"bin"`
	ControlURL string `yaml:"control_url"`

	// Headless defaults to true.
	Headless  *bool `yaml:"headless"`
	NoSandbox bool  `yaml:"no_sandbox"`

	NavigateTimeout Duration `yaml:"navigate_timeout"`
	WaitSelector    string   `yaml:"wait_selector"`
}

// StorageConfig selects where records are persisted.
type StorageConfig struct {
	// Driver is "memory" (default), "sqlite" or "postgres".
	Driver string `yaml:"driver"`

	// DSN is the sqlite file path or postgres connection string.
	// Supports environment variable substitution.
	DSN string `yaml:"dsn"`

	MaxConns int `yaml:"max_conns"`
}

// ServerConfig configures the observability server.
type ServerConfig struct {
	// Port is the HTTP server port. Defaults to 8080.
	Port int `yaml:"port"`

	// Title is the dashboard title. Defaults to "Harvest".
	Title string `yaml:"title"`

	// Disabled skips starting the server.
	Disabled bool `yaml:"disabled"`
}

// Duration wraps time.Duration for YAML unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// UnmarshalYAML implements yaml.Unmarshaler for Rules.
func (r *Rules) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*r = nil
			return nil
		}
		*r = Rules{s}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*r = list
		return nil
	}
	return fmt.Errorf("rules must be a string or list, got %v", node.Kind)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
// Group 1: variable name
// Group 2: the ":-default" part, present when a default was given
// Group 3: the default value (may be empty for ${VAR:-})
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} patterns with environment values.
func expandEnvVars(s string) (string, error) {
	var firstErr error

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}

		sub := envVarPattern.FindStringSubmatch(match)
		name, hasDefault, def := sub[1], sub[2] != "", sub[3]

		value, exists := os.LookupEnv(name)
		if !exists {
			if hasDefault {
				return def
			}
			firstErr = fmt.Errorf("environment variable %q is not set", name)
			return match
		}
		return value
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// Load reads and parses a YAML configuration file.
//
// Environment variables in the file are expanded before parsing.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data.
//
// Environment variables are expanded in listings, grid templates, header
// values and the storage DSN. Defaults are applied for the server port,
// the engine type, the storage driver and same-host discovery.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaultPort
	}
	if cfg.Engine.Type == "" {
		cfg.Engine.Type = "http"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "memory"
	}
	if cfg.Discovery.SameHost == nil {
		sameHost := true
		cfg.Discovery.SameHost = &sameHost
	}
	if cfg.Engine.Browser.Headless == nil {
		headless := true
		cfg.Engine.Browser.Headless = &headless
	}

	if err := cfg.expandAndValidate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// expandAndValidate expands environment variables and validates the config.
func (c *Config) expandAndValidate() error {
	if err := c.Pipeline.validate(); err != nil {
		return err
	}

	for i := range c.Listings {
		expanded, err := expandEnvVars(c.Listings[i])
		if err != nil {
			return fmt.Errorf("listings[%d]: %w", i, err)
		}
		if err := validateURL(expanded); err != nil {
			return fmt.Errorf("listings[%d]: %w", i, err)
		}
		c.Listings[i] = expanded
	}

	for i := range c.ListingGrids {
		g := &c.ListingGrids[i]

		if g.URLTemplate == "" {
			return fmt.Errorf("listing_grids[%d]: url_template is required", i)
		}
		expanded, err := expandEnvVars(g.URLTemplate)
		if err != nil {
			return fmt.Errorf("listing_grids[%d]: url_template: %w", i, err)
		}
		g.URLTemplate = expanded

		// fail fast before the grid is expanded
		if _, err := template.New("").Parse(g.URLTemplate); err != nil {
			return fmt.Errorf("listing_grids[%d]: invalid url_template: %w", i, err)
		}

		if len(g.Dimensions) == 0 {
			return fmt.Errorf("listing_grids[%d]: at least one dimension is required", i)
		}
		for dimName, dimValues := range g.Dimensions {
			if len(dimValues) == 0 {
				return fmt.Errorf("listing_grids[%d]: dimension %q has no values", i, dimName)
			}
			seen := make(map[string]struct{}, len(dimValues))
			for _, v := range dimValues {
				if _, exists := seen[v]; exists {
					return fmt.Errorf("listing_grids[%d]: dimension %q has duplicate value %q", i, dimName, v)
				}
				seen[v] = struct{}{}
			}
		}
	}

	if len(c.Listings) == 0 && len(c.ListingGrids) == 0 {
		return errors.New("at least one listing or listing grid must be defined")
	}

	if c.Discovery.Pattern != "" {
		if _, err := regexp.Compile(c.Discovery.Pattern); err != nil {
			return fmt.Errorf("discovery: invalid pattern: %w", err)
		}
	}
	if c.Discovery.MaxPages < 0 {
		return fmt.Errorf("discovery: max_pages cannot be negative, got %d", c.Discovery.MaxPages)
	}
	if err := c.Discovery.HTTP.expandAndValidate("discovery"); err != nil {
		return err
	}

	if err := c.validateFields(); err != nil {
		return err
	}

	switch c.Engine.Type {
	case "http":
	case "browser":
		if c.Engine.Browser.NavigateTimeout != 0 && c.Engine.Browser.NavigateTimeout.Duration() < minTimeout {
			return fmt.Errorf("engine.browser: navigate_timeout must be at least %s if specified, got %s",
				minTimeout, c.Engine.Browser.NavigateTimeout.Duration())
		}
	default:
		return fmt.Errorf("engine: type must be http or browser, got %q", c.Engine.Type)
	}
	if err := c.Engine.HTTP.expandAndValidate("engine"); err != nil {
		return err
	}

	dsn, err := expandEnvVars(c.Storage.DSN)
	if err != nil {
		return fmt.Errorf("storage: dsn: %w", err)
	}
	c.Storage.DSN = dsn
	switch c.Storage.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage: driver %s requires a dsn", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("storage: driver must be memory, sqlite or postgres, got %q", c.Storage.Driver)
	}
	if c.Storage.MaxConns < 0 {
		return fmt.Errorf("storage: max_conns cannot be negative, got %d", c.Storage.MaxConns)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server: port must be between 1 and 65535, got %d", c.Server.Port)
	}

	return nil
}

func (p PipelineConfig) validate() error {
	ints := []struct {
		name string
		v    int
	}{
		{"pool_size", p.PoolSize},
		{"leases_per_recycle", p.LeasesPerRecycle},
		{"producer_concurrency", p.ProducerConcurrency},
		{"sample_size", p.SampleSize},
		{"queue_size", p.QueueSize},
		{"max_retries", p.MaxRetries},
	}
	for _, f := range ints {
		if f.v < 0 {
			return fmt.Errorf("pipeline: %s cannot be negative, got %d", f.name, f.v)
		}
	}

	durations := []struct {
		name string
		v    Duration
	}{
		{"backoff_base", p.BackoffBase},
		{"max_backoff", p.MaxBackoff},
		{"default_pause", p.DefaultPause},
		{"acquire_timeout", p.AcquireTimeout},
		{"probe_interval", p.ProbeInterval},
		{"progress_interval", p.ProgressInterval},
	}
	for _, f := range durations {
		if f.v < 0 {
			return fmt.Errorf("pipeline: %s cannot be negative, got %s", f.name, f.v.Duration())
		}
	}

	r := p.Rate
	if r.Initial < 0 || r.Min < 0 || r.Max < 0 || r.Burst < 0 {
		return errors.New("pipeline: rate values cannot be negative")
	}
	if r.Initial != 0 || r.Min != 0 || r.Max != 0 {
		if r.Initial == 0 || r.Min == 0 || r.Max == 0 {
			return errors.New("pipeline: rate requires initial, min and max together")
		}
		if r.Min > r.Max {
			return fmt.Errorf("pipeline: rate min %.2f exceeds max %.2f", r.Min, r.Max)
		}
		if r.Initial < r.Min || r.Initial > r.Max {
			return fmt.Errorf("pipeline: rate initial %.2f must be between min and max", r.Initial)
		}
	}
	if r.Burst != 0 && r.Burst < 1 {
		return fmt.Errorf("pipeline: rate burst must be at least 1, got %.2f", r.Burst)
	}
	return nil
}

func (c *Config) validateFields() error {
	if len(c.Fields) == 0 {
		return errors.New("at least one field must be defined")
	}

	seen := make(map[string]struct{}, len(c.Fields))
	for i, f := range c.Fields {
		if f.Name == "" {
			return fmt.Errorf("fields[%d]: name is required", i)
		}
		if _, exists := seen[f.Name]; exists {
			return fmt.Errorf("fields[%d] (%s): duplicate field name", i, f.Name)
		}
		seen[f.Name] = struct{}{}

		if len(f.Rules) == 0 {
			return fmt.Errorf("fields[%d] (%s): at least one rule is required", i, f.Name)
		}
		for j, rule := range f.Rules {
			if _, err := extract.Parse(rule); err != nil {
				return fmt.Errorf("fields[%d] (%s): rules[%d]: %w", i, f.Name, j, err)
			}
		}
	}
	return nil
}

func (h *HTTPConfig) expandAndValidate(section string) error {
	if h.Timeout != 0 && h.Timeout.Duration() < minTimeout {
		return fmt.Errorf("%s: timeout must be at least %s if specified, got %s",
			section, minTimeout, h.Timeout.Duration())
	}
	for k, v := range h.Headers {
		expanded, err := expandEnvVars(v)
		if err != nil {
			return fmt.Errorf("%s: headers[%s]: %w", section, k, err)
		}
		h.Headers[k] = expanded
	}
	return nil
}

func validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return errors.New("url must have a host")
	}
	return nil
}
