package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"
)

var managedEnv = []string{
	"EVCC_TRMNL_EVCC_URL",
	"EVCC_TRMNL_TRMNL_URL",
	"EVCC_TRMNL_TRMNL_API_KEY",
	"EVCC_TRMNL_POLL_INTERVAL",
	"EVCC_TRMNL_MIN_DELIVERY_INTERVAL",
	"EVCC_TRMNL_HTTP_TIMEOUT",
	"EVCC_TRMNL_CHANGE_THRESHOLD",
	"EVCC_TRMNL_SCREEN_FILE_NAME",
	"EVCC_TRMNL_VERBOSE",
	"EVCC_TRMNL_LOG_LEVEL",
	"EVCC_TRMNL_LOG_FORMAT",
	"EVCC_TRMNL_MQTT_BROKER",
	"EVCC_TRMNL_MQTT_TOPIC_PREFIX",
	"EVCC_TRMNL_TRMNL_INSECURE_TLS",
}

func TestLoadDefaults(t *testing.T) {
	for _, key := range managedEnv {
		unsetEnv(t, key)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.PollInterval != 300 {
		t.Errorf("default poll interval = %d, want 300", cfg.PollInterval)
	}
	if cfg.HTTPTimeout != 30 {
		t.Errorf("default HTTP timeout = %d, want 30", cfg.HTTPTimeout)
	}
	if cfg.ScreenFileName != "evcc-status.png" {
		t.Errorf("default screen file name = %s, want evcc-status.png", cfg.ScreenFileName)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("default log level = %s, want info", cfg.LogLevel)
	}
	if cfg.MQTTTopicPrefix != "evcc-trmnl" {
		t.Errorf("default MQTT topic prefix = %s, want evcc-trmnl", cfg.MQTTTopicPrefix)
	}
	if cfg.SinkInsecureTLS {
		t.Error("SinkInsecureTLS should default to false")
	}
	if cfg.MinDeliveryGap() != 300*time.Second {
		t.Errorf("MinDeliveryGap() = %s, want poll interval", cfg.MinDeliveryGap())
	}
	if cfg.Timeout() != 30*time.Second {
		t.Errorf("Timeout() = %s, want 30s", cfg.Timeout())
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("EVCC_TRMNL_EVCC_URL", "http://evcc.local")
	t.Setenv("EVCC_TRMNL_TRMNL_URL", "http://trmnl.local:2300")
	t.Setenv("EVCC_TRMNL_TRMNL_API_KEY", "secret")
	t.Setenv("EVCC_TRMNL_POLL_INTERVAL", "60")
	t.Setenv("EVCC_TRMNL_MIN_DELIVERY_INTERVAL", "600")
	t.Setenv("EVCC_TRMNL_VERBOSE", "true")
	t.Setenv("EVCC_TRMNL_TRMNL_INSECURE_TLS", "true")
	unsetEnv(t, "EVCC_TRMNL_LOG_LEVEL")
	unsetEnv(t, "EVCC_TRMNL_LOG_FORMAT")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if cfg.PollEvery() != time.Minute {
		t.Errorf("PollEvery() = %s, want 1m", cfg.PollEvery())
	}
	if cfg.MinDeliveryGap() != 10*time.Minute {
		t.Errorf("MinDeliveryGap() = %s, want 10m", cfg.MinDeliveryGap())
	}
	if cfg.EffectiveLogLevel() != "debug" {
		t.Errorf("EffectiveLogLevel() = %s, want debug when verbose", cfg.EffectiveLogLevel())
	}
	if !cfg.SinkEnabled() {
		t.Error("SinkEnabled() = false, want true")
	}
	if !cfg.SinkInsecureTLS {
		t.Error("SinkInsecureTLS = false, want true")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			SourceURL:       "http://evcc.local",
			SinkURL:         "http://trmnl.local:2300",
			APIKey:          "key",
			ScreenFileName:  "evcc-status.png",
			PollInterval:    300,
			HTTPTimeout:     30,
			LogLevel:        "info",
			LogFormat:       "json",
			MQTTTopicPrefix: "evcc-trmnl",
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "sink disabled", mutate: func(c *Config) { c.SinkURL = ""; c.APIKey = "" }},
		{name: "missing source", mutate: func(c *Config) { c.SourceURL = "" }, wantErr: true},
		{name: "source without scheme", mutate: func(c *Config) { c.SourceURL = "evcc.local" }, wantErr: true},
		{name: "sink without api key", mutate: func(c *Config) { c.APIKey = "" }, wantErr: true},
		{name: "sink bad scheme", mutate: func(c *Config) { c.SinkURL = "ftp://trmnl" }, wantErr: true},
		{name: "zero poll interval", mutate: func(c *Config) { c.PollInterval = 0 }, wantErr: true},
		{name: "negative min interval", mutate: func(c *Config) { c.MinDeliveryInterval = -1 }, wantErr: true},
		{name: "zero timeout", mutate: func(c *Config) { c.HTTPTimeout = 0 }, wantErr: true},
		{name: "negative threshold", mutate: func(c *Config) { c.ChangeThreshold = -5 }, wantErr: true},
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "trace" }, wantErr: true},
		{name: "bad log format", mutate: func(c *Config) { c.LogFormat = "xml" }, wantErr: true},
		{name: "mqtt without prefix", mutate: func(c *Config) { c.MQTTBroker = "localhost:1883"; c.MQTTTopicPrefix = "" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestLoadDisplay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "display.hujson")
	payload := `{
		// shown in the header
		"title": "Home",
		"timezone": "Europe/Berlin",
		"loadpoints": ["Garage", "Stellplatz",],
	}`
	if err := os.WriteFile(path, []byte(payload), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	d, err := LoadDisplay(path)
	if err != nil {
		t.Fatalf("LoadDisplay() error = %v", err)
	}

	if d.Title != "Home" {
		t.Errorf("title = %q, want Home", d.Title)
	}
	if len(d.Loadpoints) != 2 || d.Loadpoints[1] != "Stellplatz" {
		t.Errorf("loadpoints = %v", d.Loadpoints)
	}
	if d.Location().String() != "Europe/Berlin" {
		t.Errorf("location = %s, want Europe/Berlin", d.Location())
	}
}

func TestLoadDisplayEmptyPath(t *testing.T) {
	d, err := LoadDisplay("")
	if err != nil {
		t.Fatalf("LoadDisplay() error = %v", err)
	}
	if d.Location() != time.Local {
		t.Errorf("location = %s, want local", d.Location())
	}
}

func TestLoadDisplayRejectsBadInput(t *testing.T) {
	dir := t.TempDir()

	cases := map[string]string{
		"bad-tz.hujson":    `{"timezone": "Mars/Olympus"}`,
		"empty-lp.hujson":  `{"loadpoints": ["Garage", ""]}`,
		"malformed.hujson": `{"title": `,
	}

	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			if err := os.WriteFile(path, []byte(payload), 0600); err != nil {
				t.Fatalf("write: %v", err)
			}
			if _, err := LoadDisplay(path); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	if _, err := LoadDisplay(filepath.Join(dir, "missing.hujson")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func unsetEnv(t *testing.T, key string) {
	t.Helper()

	if val, ok := os.LookupEnv(key); ok {
		t.Cleanup(func() {
			_ = os.Setenv(key, val)
		})
	} else {
		t.Cleanup(func() {
			_ = os.Unsetenv(key)
		})
	}
	_ = os.Unsetenv(key)
}
