package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL: "https://api.example.test",
			Token:   "tok",
			ShopID:  42,
		},
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing base url", mutate: func(c *Config) { c.API.BaseURL = "  " }, wantErr: true},
		{name: "missing shop id", mutate: func(c *Config) { c.API.ShopID = 0 }, wantErr: true},
		{name: "bad duration", mutate: func(c *Config) { c.Poller.Interval = "soon" }, wantErr: true},
		{name: "negative duration", mutate: func(c *Config) { c.Feed.MinBackoff = "-1s" }, wantErr: true},
		{name: "valid durations", mutate: func(c *Config) {
			c.API.Timeout = "10s"
			c.Poller.Interval = "15s"
			c.Watch.WatchdogInterval = "10s"
		}},
		{name: "timezone whitespace", mutate: func(c *Config) { c.API.Timezone = " Asia/Jakarta" }, wantErr: true},
		{name: "notifier enabled without token", mutate: func(c *Config) {
			c.Notifier = &NotifierConfig{Enabled: true, ChatID: 1}
		}, wantErr: true},
		{name: "notifier enabled without chat id", mutate: func(c *Config) {
			c.Notifier = &NotifierConfig{Enabled: true, Token: "t"}
		}, wantErr: true},
		{name: "notifier disabled needs nothing", mutate: func(c *Config) {
			c.Notifier = &NotifierConfig{Enabled: false}
		}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	var nilCfg *Config
	if err := nilCfg.Validate(); err == nil {
		t.Fatal("nil config must not validate")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{raw: "", want: 0},
		{raw: "  ", want: 0},
		{raw: "500ms", want: 500 * time.Millisecond},
		{raw: " 1m ", want: time.Minute},
		{raw: "-1s", wantErr: true},
		{raw: "nope", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseDurationField("field", tt.raw)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseDurationField(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
		}
		if err == nil && got != tt.want {
			t.Fatalf("ParseDurationField(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	def := 15 * time.Second

	if got, err := ParseDurationOrDefault("f", "", def); err != nil || got != def {
		t.Fatalf("empty = (%v, %v), want (%v, nil)", got, err, def)
	}
	if got, err := ParseDurationOrDefault("f", "30s", def); err != nil || got != 30*time.Second {
		t.Fatalf("30s = (%v, %v), want (30s, nil)", got, err)
	}
	if _, err := ParseDurationOrDefault("f", "bad", def); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}
