// Package config provides YAML probe file parsing for apiprobe.
//
// This package enables running apiprobe as a standalone binary against a
// probe file, as an alternative to building operations with the SDK.
//
// Example probe file:
//
//	base_url: https://api.example.com
//	tag_prefix: Twitter
//	batch_size: 3
//	batch_interval: 1s
//
//	credentials:
//	  username: ${API_USER}
//	  password: ${API_PASS}
//	  oauth:
//	    consumer_key: ${API_CONSUMER_KEY}
//	    consumer_secret: ${API_CONSUMER_SECRET}
//	    access_token: ${API_ACCESS_TOKEN}
//	    access_token_secret: ${API_ACCESS_TOKEN_SECRET}
//
//	probes:
//	  - name: showUser
//	    path: /1/users/show.json
//	    params:
//	      screen_name: polotek
//	    then:
//	      - name: destroy
//	        method: POST
//	        path: /1/statuses/destroy/{{.id_str}}.json
//	        delay: 100ms
//
//	grids:
//	  - name: lookup
//	    path_template: "/1/users/{{.user}}.json"
//	    dimensions:
//	      user: [alice, bob]
package config

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"
)

// minTimeout is the minimum allowed request timeout when one is set.
const minTimeout = 1 * time.Second

// Config is the root structure of a probe file.
//
// It maps directly to the YAML file structure.
// Use [Load] or [Parse] to create a Config from YAML.
type Config struct {
	// BaseURL is the root URL every probe path is resolved against.
	// Supports environment variable substitution: ${VAR} or ${VAR:-default}
	BaseURL string `yaml:"base_url"`

	// TagPrefix prefixes operation names in diagnostic tags.
	// Defaults to "api" if not set.
	TagPrefix string `yaml:"tag_prefix"`

	// BatchSize is the number of probes started per tick. Zero means 1.
	BatchSize int `yaml:"batch_size"`

	// BatchInterval is the delay between ticks. Zero means 1s.
	BatchInterval Duration `yaml:"batch_interval"`

	// Timeout is the per-request timeout. Defaults to 10s.
	Timeout Duration `yaml:"timeout"`

	// Credentials authenticate every request.
	Credentials Credentials `yaml:"credentials"`

	// Headers are custom HTTP headers sent with every request.
	// Values support environment variable substitution.
	Headers map[string]string `yaml:"headers"`

	// Probes defines individual API calls.
	Probes []ProbeConfig `yaml:"probes"`

	// Grids defines probes that expand via cartesian product.
	Grids []GridConfig `yaml:"grids"`
}

// Credentials holds API credentials. OAuth takes precedence over a token,
// and a token over username and password.
type Credentials struct {
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	Token    string            `yaml:"token"`
	OAuth    *OAuthCredentials `yaml:"oauth"`
}

// OAuthCredentials are OAuth 1.0a consumer and access credentials.
// The token URLs are optional.
type OAuthCredentials struct {
	ConsumerKey       string `yaml:"consumer_key"`
	ConsumerSecret    string `yaml:"consumer_secret"`
	AccessToken       string `yaml:"access_token"`
	AccessTokenSecret string `yaml:"access_token_secret"`
	RequestTokenURL   string `yaml:"request_token_url"`
	AccessTokenURL    string `yaml:"access_token_url"`
	AuthorizeURL      string `yaml:"authorize_url"`
}

// ProbeConfig defines a single API call.
type ProbeConfig struct {
	// Name identifies the probe in diagnostic tags.
	Name string `yaml:"name"`

	// Method is the HTTP method (GET, POST, PUT, DELETE). Defaults to GET.
	Method string `yaml:"method"`

	// Path is resolved against the base URL.
	Path string `yaml:"path"`

	// Params are sent in the query string for GET and DELETE, and
	// form-encoded in the body otherwise.
	Params map[string]string `yaml:"params"`

	// AcceptStatus lists error statuses treated as a pass, e.g. 302.
	AcceptStatus []int `yaml:"accept_status"`

	// ExpectError inverts the check: the probe passes when the call fails
	// and fails when it returns a result.
	ExpectError bool `yaml:"expect_error"`

	// Then lists follow-up calls made after this probe succeeds.
	Then []FollowUpConfig `yaml:"then"`
}

// FollowUpConfig defines a call made after its parent probe succeeds.
//
// Path and params are Go templates rendered against the parent's decoded
// JSON object, e.g. "/1/statuses/destroy/{{.id_str}}.json".
type FollowUpConfig struct {
	Name         string            `yaml:"name"`
	Method       string            `yaml:"method"`
	Path         string            `yaml:"path"`
	Params       map[string]string `yaml:"params"`
	AcceptStatus []int             `yaml:"accept_status"`

	// Delay is how long to wait after the parent completes.
	Delay Duration `yaml:"delay"`
}

// GridConfig defines probes that expand via cartesian product.
//
// For example, with dimensions {user: [alice, bob], fmt: [json, xml]},
// the grid expands to 4 probes: alice/json, alice/xml, bob/json, bob/xml.
type GridConfig struct {
	// Name is the base name for generated probes.
	Name string `yaml:"name"`

	// Method is the HTTP method for all generated probes.
	Method string `yaml:"method"`

	// PathTemplate is a Go template for generating probe paths.
	// Dimension keys are available as template variables: {{.user}}
	PathTemplate string `yaml:"path_template"`

	// Params are Go templates rendered with the same dimension values.
	Params map[string]string `yaml:"params"`

	// Dimensions maps dimension names to their possible values.
	Dimensions map[string][]string `yaml:"dimensions"`

	// AcceptStatus lists error statuses treated as a pass.
	AcceptStatus []int `yaml:"accept_status"`
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

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
// Group 1: variable name
// Group 2: the ":-default" part (if present, indicates a default was specified)
// Group 3: the default value (may be empty for ${VAR:-})
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} patterns with environment values.
func expandEnvVars(s string) (string, error) {
	var firstErr error

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// already have an error, skip processing
		if firstErr != nil {
			return match
		}

		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		hasDefault := len(submatches) > 2 && submatches[2] != ""
		defaultVal := ""
		if hasDefault && len(submatches) > 3 {
			defaultVal = submatches[3]
		}

		value, exists := os.LookupEnv(varName)
		if !exists {
			if hasDefault {
				return defaultVal
			}
			firstErr = fmt.Errorf("environment variable %q is not set", varName)
			return match
		}
		return value
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// expandMap expands environment variables in every value of m in place.
func expandMap(m map[string]string, context, field string) error {
	for k, v := range m {
		expanded, err := expandEnvVars(v)
		if err != nil {
			return fmt.Errorf("%s: %s[%s]: %w", context, field, k, err)
		}
		m[k] = expanded
	}
	return nil
}

// Load reads and parses a probe file, then applies APIPROBE_* environment
// overrides (see [ApplyEnv]) before validating.
//
// Returns an error if the file cannot be read, parsed or validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := decode(data)
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.expandAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse parses and validates probe file data. Environment overrides are
// not applied; use [Load] for that.
//
// Environment variables are expanded in base_url, credentials, header
// values, probe paths and params.
func Parse(data []byte) (*Config, error) {
	cfg, err := decode(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.expandAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

// expandAndValidate expands environment variables and validates the config.
func (c *Config) expandAndValidate() error {
	if c.BaseURL == "" {
		return errors.New("base_url is required")
	}
	expanded, err := expandEnvVars(c.BaseURL)
	if err != nil {
		return fmt.Errorf("base_url: %w", err)
	}
	c.BaseURL = expanded

	parsedURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base_url: %w", err)
	}
	if parsedURL.Scheme == "" {
		return errors.New("base_url must have a scheme (http:// or https://)")
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("base_url scheme must be http or https, got %q", parsedURL.Scheme)
	}

	if c.BatchSize < 0 {
		return fmt.Errorf("batch_size cannot be negative, got %d", c.BatchSize)
	}
	if c.BatchInterval.Duration() < 0 {
		return fmt.Errorf("batch_interval cannot be negative, got %s", c.BatchInterval.Duration())
	}
	if c.Timeout != 0 && c.Timeout.Duration() < minTimeout {
		return fmt.Errorf("timeout must be at least %s if specified, got %s", minTimeout, c.Timeout.Duration())
	}

	creds := []*string{&c.Credentials.Username, &c.Credentials.Password, &c.Credentials.Token}
	for _, field := range creds {
		expanded, err := expandEnvVars(*field)
		if err != nil {
			return fmt.Errorf("credentials: %w", err)
		}
		*field = expanded
	}
	if c.Credentials.Password != "" && c.Credentials.Username == "" && c.Credentials.Token == "" {
		return errors.New("credentials: password requires a username")
	}
	if c.Credentials.OAuth != nil {
		if err := c.Credentials.OAuth.expandAndValidate(); err != nil {
			return fmt.Errorf("credentials: oauth: %w", err)
		}
	}

	if err := expandMap(c.Headers, "config", "headers"); err != nil {
		return err
	}

	for i := range c.Probes {
		if err := c.Probes[i].expandAndValidate(i); err != nil {
			return err
		}
	}

	for i := range c.Grids {
		if err := c.Grids[i].validate(i); err != nil {
			return err
		}
	}

	if len(c.Probes) == 0 && len(c.Grids) == 0 {
		return errors.New("at least one probe or grid must be defined")
	}

	return c.validateNames()
}

func (p *ProbeConfig) expandAndValidate(i int) error {
	if p.Name == "" {
		return fmt.Errorf("probes[%d]: name is required", i)
	}
	context := fmt.Sprintf("probes[%d] (%s)", i, p.Name)

	if p.Path == "" {
		return fmt.Errorf("%s: path is required", context)
	}
	expanded, err := expandEnvVars(p.Path)
	if err != nil {
		return fmt.Errorf("%s: path: %w", context, err)
	}
	p.Path = expanded

	if err := expandMap(p.Params, context, "params"); err != nil {
		return err
	}
	if err := validateMethod(p.Method, context); err != nil {
		return err
	}
	if err := validateStatuses(p.AcceptStatus, context); err != nil {
		return err
	}
	if p.ExpectError && len(p.AcceptStatus) > 0 {
		return fmt.Errorf("%s: accept_status cannot be combined with expect_error", context)
	}
	if p.ExpectError && len(p.Then) > 0 {
		return fmt.Errorf("%s: then cannot be combined with expect_error", context)
	}

	seen := make(map[string]struct{}, len(p.Then))
	for j := range p.Then {
		f := &p.Then[j]
		fctx := fmt.Sprintf("%s: then[%d]", context, j)

		if f.Name == "" {
			return fmt.Errorf("%s: name is required", fctx)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("%s: duplicate follow-up name %q", fctx, f.Name)
		}
		seen[f.Name] = struct{}{}

		if f.Path == "" {
			return fmt.Errorf("%s (%s): path is required", fctx, f.Name)
		}
		// fail fast before the run reaches an invalid template
		if _, err := template.New("").Parse(f.Path); err != nil {
			return fmt.Errorf("%s (%s): invalid path template: %w", fctx, f.Name, err)
		}
		for k, v := range f.Params {
			if _, err := template.New("").Parse(v); err != nil {
				return fmt.Errorf("%s (%s): invalid params[%s] template: %w", fctx, f.Name, k, err)
			}
		}
		if f.Delay.Duration() < 0 {
			return fmt.Errorf("%s (%s): delay cannot be negative, got %s", fctx, f.Name, f.Delay.Duration())
		}
		if err := validateMethod(f.Method, fctx); err != nil {
			return err
		}
		if err := validateStatuses(f.AcceptStatus, fctx); err != nil {
			return err
		}
	}

	return nil
}

func (o *OAuthCredentials) expandAndValidate() error {
	fields := []*string{
		&o.ConsumerKey, &o.ConsumerSecret, &o.AccessToken, &o.AccessTokenSecret,
		&o.RequestTokenURL, &o.AccessTokenURL, &o.AuthorizeURL,
	}
	for _, field := range fields {
		expanded, err := expandEnvVars(*field)
		if err != nil {
			return err
		}
		*field = expanded
	}

	switch {
	case o.ConsumerKey == "" || o.ConsumerSecret == "":
		return errors.New("consumer_key and consumer_secret are required")
	case o.AccessToken == "" || o.AccessTokenSecret == "":
		return errors.New("access_token and access_token_secret are required")
	}

	urls := map[string]string{
		"request_token_url": o.RequestTokenURL,
		"access_token_url":  o.AccessTokenURL,
		"authorize_url":     o.AuthorizeURL,
	}
	for _, name := range sortedKeys(urls) {
		raw := urls[name]
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%s must be an absolute http(s) URL, got %q", name, raw)
		}
	}
	return nil
}

func (g *GridConfig) validate(i int) error {
	if g.Name == "" {
		return fmt.Errorf("grids[%d]: name is required", i)
	}
	context := fmt.Sprintf("grids[%d] (%s)", i, g.Name)

	if g.PathTemplate == "" {
		return fmt.Errorf("%s: path_template is required", context)
	}
	expanded, err := expandEnvVars(g.PathTemplate)
	if err != nil {
		return fmt.Errorf("%s: path_template: %w", context, err)
	}
	g.PathTemplate = expanded

	if err := expandMap(g.Params, context, "params"); err != nil {
		return err
	}

	// fail fast before the run reaches an invalid template
	if _, err := template.New("").Parse(g.PathTemplate); err != nil {
		return fmt.Errorf("%s: invalid path_template: %w", context, err)
	}
	for k, v := range g.Params {
		if _, err := template.New("").Parse(v); err != nil {
			return fmt.Errorf("%s: invalid params[%s] template: %w", context, k, err)
		}
	}

	if len(g.Dimensions) == 0 {
		return fmt.Errorf("%s: at least one dimension is required", context)
	}
	for dimName, dimValues := range g.Dimensions {
		if len(dimValues) == 0 {
			return fmt.Errorf("%s: dimension %q has no values", context, dimName)
		}
		seen := make(map[string]struct{}, len(dimValues))
		for _, v := range dimValues {
			if v == "" {
				return fmt.Errorf("%s: dimension %q has an empty value", context, dimName)
			}
			if _, exists := seen[v]; exists {
				return fmt.Errorf("%s: dimension %q has duplicate value %q", context, dimName, v)
			}
			seen[v] = struct{}{}
		}
	}

	if err := validateMethod(g.Method, context); err != nil {
		return err
	}
	return validateStatuses(g.AcceptStatus, context)
}

// validateNames rejects duplicate names across probes and expanded grids.
func (c *Config) validateNames() error {
	seen := make(map[string]string)
	claim := func(name, owner string) error {
		if prev, exists := seen[name]; exists {
			return fmt.Errorf("%s: duplicate probe name %q (also used by %s)", owner, name, prev)
		}
		seen[name] = owner
		return nil
	}

	for i, p := range c.Probes {
		if err := claim(p.Name, fmt.Sprintf("probes[%d]", i)); err != nil {
			return err
		}
	}
	for i, g := range c.Grids {
		for _, combo := range cartesianProduct(g.Dimensions) {
			if err := claim(gridProbeName(g.Name, combo), fmt.Sprintf("grids[%d]", i)); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateMethod accepts an empty method (GET) or one of the supported verbs.
func validateMethod(method, context string) error {
	switch method {
	case "", http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete:
		return nil
	default:
		return fmt.Errorf("%s: method must be GET, POST, PUT, or DELETE", context)
	}
}

func validateStatuses(codes []int, context string) error {
	for _, code := range codes {
		if code < 100 || code > 599 {
			return fmt.Errorf("%s: accept_status %d is not a valid HTTP status", context, code)
		}
	}
	return nil
}
