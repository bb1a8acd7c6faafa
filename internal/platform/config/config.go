// Package config assembles runtime configuration from defaults, an optional
// .env file, environment variables and Secret Manager references.
package config

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile           = ".env"
	defaultPort              = "8080"
	defaultReadTimeout       = 15 * time.Second
	defaultWriteTimeout      = 30 * time.Second
	defaultIdleTimeout       = 120 * time.Second
	defaultGatewayTimeout    = 15 * time.Second
	defaultGatewayAttempts   = 3
	defaultOptionsTTL        = 5 * time.Minute
	defaultSessionCollection = "checkout_sessions"
	defaultOrderTopic        = "checkout-orders"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server    ServerConfig
	Platform  PlatformConfig
	Firestore FirestoreConfig
	Stripe    StripeConfig
	Events    EventsConfig
	Options   OptionsConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// PlatformConfig points at the commerce platform API.
type PlatformConfig struct {
	BaseURL     string
	Token       string
	Timeout     time.Duration
	MaxAttempts int
}

// FirestoreConfig stores session persistence parameters. An empty ProjectID
// selects the in-memory session store.
type FirestoreConfig struct {
	ProjectID         string
	SessionCollection string
	EmulatorHost      string
}

// StripeConfig collects the Stripe aggregator credentials.
type StripeConfig struct {
	APIKey string
}

// EventsConfig configures completed-order event publishing. An empty
// ProjectID disables publishing.
type EventsConfig struct {
	ProjectID  string
	OrderTopic string
}

// OptionsConfig tunes payment option caching.
type OptionsConfig struct {
	TTL time.Duration
}

// SecretResolver resolves secret:// references to their values.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts a function to the SecretResolver interface.
type SecretResolverFunc func(ctx context.Context, ref string) (string, error)

// ResolveSecret implements SecretResolver.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

var errSecretResolverNotConfigured = errors.New("config: secret resolver not configured")

// SecretError reports a failure resolving one secret reference.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("config: resolving %s: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// ValidationError lists configuration fields that failed validation.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return "config: missing or invalid fields: " + strings.Join(e.fields, ", ")
}

// Fields returns the failing field names.
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
	secret       SecretResolver
}

// Option customises Load behaviour.
type Option func(*loaderOptions)

// WithEnvFile overrides the .env file path; empty disables .env loading.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap supplies explicit values taking precedence over the process
// environment; useful in tests.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv disables process environment lookups.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver installs the resolver used for secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		if resolver != nil {
			o.secret = resolver
		}
	}
}

// Load assembles the application configuration by combining defaults, .env
// overrides, environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
		secret: SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		}),
	}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if dotEnvValues != nil {
			if value, ok := dotEnvValues[key]; ok {
				return value, true
			}
		}
		return "", false
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "CHECKOUT_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "CHECKOUT_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "CHECKOUT_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "CHECKOUT_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Platform: PlatformConfig{
			BaseURL:     stringWithDefault(lookup, "CHECKOUT_PLATFORM_BASE_URL", ""),
			Token:       stringWithDefault(lookup, "CHECKOUT_PLATFORM_TOKEN", ""),
			Timeout:     durationWithDefault(lookup, "CHECKOUT_PLATFORM_TIMEOUT", defaultGatewayTimeout),
			MaxAttempts: intWithDefault(lookup, "CHECKOUT_PLATFORM_MAX_ATTEMPTS", defaultGatewayAttempts),
		},
		Firestore: FirestoreConfig{
			ProjectID:         stringWithDefault(lookup, "CHECKOUT_FIRESTORE_PROJECT_ID", ""),
			SessionCollection: stringWithDefault(lookup, "CHECKOUT_FIRESTORE_SESSION_COLLECTION", defaultSessionCollection),
			EmulatorHost:      stringWithDefault(lookup, "CHECKOUT_FIRESTORE_EMULATOR_HOST", ""),
		},
		Stripe: StripeConfig{
			APIKey: stringWithDefault(lookup, "CHECKOUT_STRIPE_API_KEY", ""),
		},
		Events: EventsConfig{
			ProjectID:  stringWithDefault(lookup, "CHECKOUT_EVENTS_PROJECT_ID", ""),
			OrderTopic: stringWithDefault(lookup, "CHECKOUT_EVENTS_ORDER_TOPIC", defaultOrderTopic),
		},
		Options: OptionsConfig{
			TTL: durationWithDefault(lookup, "CHECKOUT_OPTIONS_TTL", defaultOptionsTTL),
		},
	}

	// Events default to the session persistence project when unset.
	if cfg.Events.ProjectID == "" {
		cfg.Events.ProjectID = cfg.Firestore.ProjectID
	}

	secretFields := []*string{
		&cfg.Platform.Token,
		&cfg.Stripe.APIKey,
	}
	for _, field := range secretFields {
		resolved, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*field = resolved
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" || !isSecretReference(value) {
		return value, nil
	}
	normalized := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Platform.BaseURL == "" {
		missing = append(missing, "Platform.BaseURL")
	}
	if cfg.Platform.Timeout <= 0 {
		missing = append(missing, "Platform.Timeout")
	}
	if cfg.Platform.MaxAttempts <= 0 {
		missing = append(missing, "Platform.MaxAttempts")
	}
	if cfg.Options.TTL < 0 {
		missing = append(missing, "Options.TTL")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.Trim(strings.TrimSpace(parts[1]), "\"'")
		if key == "" {
			continue
		}
		values[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}
