package config

import (
	"bufio"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile         = ".env"
	defaultBaseURL         = "http://localhost:8000/api"
	defaultRequestTimeout  = 15 * time.Second
	defaultDataDirName     = "vruksha"
	defaultPollInterval    = 4 * time.Second
	defaultCountdown       = 120 * time.Second
	defaultFreeShipping    = 1000.0
	defaultSurcharge       = 100.0
	defaultPushMaxElapsed  = 20 * time.Second
	defaultPushMaxInterval = 5 * time.Second
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Remote   RemoteConfig
	Storage  StorageConfig
	Checkout CheckoutConfig
	Sync     SyncConfig
}

// RemoteConfig configures the storefront backend API client.
type RemoteConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
}

// StorageConfig locates the durable client-side store.
type StorageConfig struct {
	Dir           string
	WatchExternal bool
}

// CheckoutConfig holds the fixed payment-flow parameters.
type CheckoutConfig struct {
	PollInterval time.Duration
	Countdown    time.Duration
	// FreeShippingThreshold is exclusive: an order subtotal strictly above it
	// ships free, a subtotal at or below it pays ShippingSurcharge.
	FreeShippingThreshold float64
	ShippingSurcharge     float64
}

// SyncConfig bounds the best-effort remote cart push retries.
type SyncConfig struct {
	PushMaxElapsed  time.Duration
	PushMaxInterval time.Duration
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values
// in the map take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// Load assembles the configuration by combining defaults, .env overrides and
// environment variables.
func Load(opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
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
		Remote: RemoteConfig{
			BaseURL:        stringWithDefault(lookup, "STORE_API_BASE_URL", defaultBaseURL),
			RequestTimeout: durationWithDefault(lookup, "STORE_API_TIMEOUT", defaultRequestTimeout),
		},
		Storage: StorageConfig{
			Dir:           stringWithDefault(lookup, "STORE_DATA_DIR", defaultDataDir()),
			WatchExternal: boolWithDefault(lookup, "STORE_WATCH_EXTERNAL", true),
		},
		Checkout: CheckoutConfig{
			PollInterval:          durationWithDefault(lookup, "STORE_PAYMENT_POLL_INTERVAL", defaultPollInterval),
			Countdown:             durationWithDefault(lookup, "STORE_PAYMENT_COUNTDOWN", defaultCountdown),
			FreeShippingThreshold: floatWithDefault(lookup, "STORE_FREE_SHIPPING_THRESHOLD", defaultFreeShipping),
			ShippingSurcharge:     floatWithDefault(lookup, "STORE_SHIPPING_SURCHARGE", defaultSurcharge),
		},
		Sync: SyncConfig{
			PushMaxElapsed:  durationWithDefault(lookup, "STORE_SYNC_PUSH_MAX_ELAPSED", defaultPushMaxElapsed),
			PushMaxInterval: durationWithDefault(lookup, "STORE_SYNC_PUSH_MAX_INTERVAL", defaultPushMaxInterval),
		},
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var invalid []string
	if parsed, err := url.Parse(strings.TrimSpace(c.Remote.BaseURL)); err != nil || parsed.Scheme == "" || parsed.Host == "" {
		invalid = append(invalid, "Remote.BaseURL")
	}
	if c.Remote.RequestTimeout <= 0 {
		invalid = append(invalid, "Remote.RequestTimeout")
	}
	if strings.TrimSpace(c.Storage.Dir) == "" {
		invalid = append(invalid, "Storage.Dir")
	}
	if c.Checkout.PollInterval <= 0 {
		invalid = append(invalid, "Checkout.PollInterval")
	}
	if c.Checkout.Countdown <= 0 {
		invalid = append(invalid, "Checkout.Countdown")
	}
	if c.Checkout.FreeShippingThreshold < 0 {
		invalid = append(invalid, "Checkout.FreeShippingThreshold")
	}
	if c.Checkout.ShippingSurcharge < 0 {
		invalid = append(invalid, "Checkout.ShippingSurcharge")
	}
	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}

func defaultDataDir() string {
	base, err := os.UserConfigDir()
	if err != nil || strings.TrimSpace(base) == "" {
		return "." + defaultDataDirName
	}
	return filepath.Join(base, defaultDataDirName)
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
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		value = strings.Trim(value, "\"'")
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
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

func floatWithDefault(lookup func(string) (string, bool), key string, fallback float64) float64 {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}
