package config

import (
	"fmt"
	"net/url"
	"time"

	env "github.com/Netflix/go-env"
)

const (
	defaultPollInterval = 300
	defaultHTTPTimeout  = 30
)

// Config holds all environment-driven configuration.
type Config struct {
	// Upstream evcc instance
	SourceURL string `env:"EVCC_TRMNL_EVCC_URL"`

	// TRMNL BYOS server
	SinkURL        string `env:"EVCC_TRMNL_TRMNL_URL"`
	DeviceID       string `env:"EVCC_TRMNL_TRMNL_MAC"`
	APIKey         string `env:"EVCC_TRMNL_TRMNL_API_KEY"`
	ScreenFileName string `env:"EVCC_TRMNL_SCREEN_FILE_NAME,default=evcc-status.png"`
	// Skip TLS verification for self-signed BYOS certificates
	SinkInsecureTLS bool `env:"EVCC_TRMNL_TRMNL_INSECURE_TLS"`

	// Scheduling, all in seconds
	PollInterval        int `env:"EVCC_TRMNL_POLL_INTERVAL,default=300"`
	MinDeliveryInterval int `env:"EVCC_TRMNL_MIN_DELIVERY_INTERVAL,default=0"`
	HTTPTimeout         int `env:"EVCC_TRMNL_HTTP_TIMEOUT,default=30"`

	// Watts a rounded power reading must move before a screen is resent
	ChangeThreshold int `env:"EVCC_TRMNL_CHANGE_THRESHOLD,default=0"`

	// Logging options
	Verbose   bool   `env:"EVCC_TRMNL_VERBOSE"`
	LogLevel  string `env:"EVCC_TRMNL_LOG_LEVEL,default=info"`
	LogFormat string `env:"EVCC_TRMNL_LOG_FORMAT,default=console"`

	// Optional HuJSON display configuration
	DisplayConfigPath string `env:"EVCC_TRMNL_DISPLAY_CONFIG"`

	// Status web server, disabled when empty
	WebAddr string `env:"EVCC_TRMNL_WEB_ADDR"`

	// MQTT mirror, disabled when broker is empty
	MQTTBroker      string `env:"EVCC_TRMNL_MQTT_BROKER"`
	MQTTTopicPrefix string `env:"EVCC_TRMNL_MQTT_TOPIC_PREFIX,default=evcc-trmnl"`
	MQTTUsername    string `env:"EVCC_TRMNL_MQTT_USERNAME"`
	MQTTPassword    string `env:"EVCC_TRMNL_MQTT_PASSWORD"`
	MQTTClientID    string `env:"EVCC_TRMNL_MQTT_CLIENT_ID,default=evcc-trmnl"`
}

// Load reads configuration from the environment. It does not validate, so
// command line overrides can be applied before Validate is called.
func Load() (*Config, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	return &cfg, nil
}

// Validate ensures basic correctness of the configuration.
func (c *Config) Validate() error {
	if c.SourceURL == "" {
		return fmt.Errorf("evcc URL is required (EVCC_TRMNL_EVCC_URL or --evcc-url)")
	}
	if err := validateURL("evcc", c.SourceURL); err != nil {
		return err
	}
	if c.SinkURL != "" {
		if err := validateURL("TRMNL", c.SinkURL); err != nil {
			return err
		}
		if c.APIKey == "" {
			return fmt.Errorf("TRMNL API key is required when a TRMNL URL is set")
		}
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %d", c.PollInterval)
	}
	if c.MinDeliveryInterval < 0 {
		return fmt.Errorf("minimum delivery interval cannot be negative, got %d", c.MinDeliveryInterval)
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("HTTP timeout must be positive, got %d", c.HTTPTimeout)
	}
	if c.ChangeThreshold < 0 {
		return fmt.Errorf("change threshold cannot be negative, got %d", c.ChangeThreshold)
	}
	if c.ScreenFileName == "" {
		return fmt.Errorf("screen file name cannot be empty")
	}
	if err := validateLogLevel(c.LogLevel); err != nil {
		return err
	}
	if err := validateLogFormat(c.LogFormat); err != nil {
		return err
	}
	if c.MQTTBroker != "" && c.MQTTTopicPrefix == "" {
		return fmt.Errorf("MQTT topic prefix cannot be empty when a broker is set")
	}
	return nil
}

// PollEvery returns the poll interval.
func (c *Config) PollEvery() time.Duration {
	if c.PollInterval <= 0 {
		return defaultPollInterval * time.Second
	}
	return time.Duration(c.PollInterval) * time.Second
}

// MinDeliveryGap returns the minimum time between two deliveries. It
// defaults to the poll interval.
func (c *Config) MinDeliveryGap() time.Duration {
	if c.MinDeliveryInterval <= 0 {
		return c.PollEvery()
	}
	return time.Duration(c.MinDeliveryInterval) * time.Second
}

// Timeout returns the per-request HTTP timeout.
func (c *Config) Timeout() time.Duration {
	if c.HTTPTimeout <= 0 {
		return defaultHTTPTimeout * time.Second
	}
	return time.Duration(c.HTTPTimeout) * time.Second
}

// EffectiveLogLevel returns debug when verbose is set, the configured level otherwise.
func (c *Config) EffectiveLogLevel() string {
	if c.Verbose {
		return "debug"
	}
	return c.LogLevel
}

// SinkEnabled reports whether a TRMNL server is configured.
func (c *Config) SinkEnabled() bool {
	return c.SinkURL != ""
}

func validateURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s URL %q: %w", name, raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid %s URL %q: scheme must be http or https", name, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid %s URL %q: missing host", name, raw)
	}
	return nil
}

func validateLogLevel(level string) error {
	switch level {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", level)
	}
}

func validateLogFormat(format string) error {
	switch format {
	case "json", "console":
		return nil
	default:
		return fmt.Errorf("invalid log format %q, must be 'json' or 'console'", format)
	}
}
