// Package config loads and validates the eventsync YAML configuration.
//
// The file is passed through [os.ExpandEnv] before parsing so that secrets
// can be written as ${VAR} references and supplied by the process
// environment.
package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// ListenAddr is the HTTP listen address of the API server. Defaults to ":8080".
	ListenAddr string `yaml:"listen_addr"`

	// BaseURL is the externally reachable URL of this server. Webhook
	// callbacks are registered as {base_url}/api/sync/webhook/{provider}.
	BaseURL string `yaml:"base_url"`

	// DatabasePath overrides the SQLite file location.
	DatabasePath string `yaml:"database_path"`

	// AssetsDir is where generated calendar files are written. Defaults to
	// "assets" next to the database.
	AssetsDir string `yaml:"assets_dir"`

	// DefaultSyncInterval applies to configurations without their own
	// interval setting. Defaults to 60m.
	DefaultSyncInterval time.Duration `yaml:"default_sync_interval"`

	// DispatchWorkers is the number of background sync workers. Defaults to 4.
	DispatchWorkers int `yaml:"dispatch_workers"`

	Reconcile ReconcileConfig `yaml:"reconcile"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Providers ProvidersConfig `yaml:"providers"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// ReconcileConfig tunes the duplicate and echo heuristics of a pull.
type ReconcileConfig struct {
	// EchoWindow is how recently a local edit must have happened for a pulled
	// change to be treated as a stale echo. Defaults to 30s.
	EchoWindow time.Duration `yaml:"echo_window"`

	// MatchWindow is the tolerance around an external start time when
	// looking for an unmapped local twin. Defaults to 2m.
	MatchWindow time.Duration `yaml:"match_window"`
}

// WebhookConfig controls the webhook renewal sweep.
type WebhookConfig struct {
	// RenewBefore selects subscriptions expiring within this window. Defaults to 24h.
	RenewBefore time.Duration `yaml:"renew_before"`
}

// SchedulerConfig holds the cron specs of the periodic sweeps. Any spec
// accepted by robfig/cron works, including descriptors like "@every 5m".
type SchedulerConfig struct {
	// SyncSpec triggers the due-configuration sweep. Defaults to "@every 1m".
	SyncSpec string `yaml:"sync_spec"`
	// RenewSpec triggers the webhook renewal sweep. Defaults to "@every 1h".
	RenewSpec string `yaml:"renew_spec"`
}

// ProvidersConfig holds the process-wide secrets and endpoints of each
// provider type. Per-user credentials live on the sync configuration.
type ProvidersConfig struct {
	GoogleCalendar GoogleCalendarConfig `yaml:"google_calendar"`
	HomeAssistant  HomeAssistantConfig  `yaml:"home_assistant"`
	CommunityBoard CommunityBoardConfig `yaml:"community_board"`
	AdminPanel     AdminPanelConfig     `yaml:"admin_panel"`
	Ticketing      TicketingConfig      `yaml:"ticketing"`
	GraphQLListing GraphQLListingConfig `yaml:"graphql_listing"`
	EmailCampaign  EmailCampaignConfig  `yaml:"email_campaign"`
}

// GoogleCalendarConfig holds the OAuth client of the calendar API adapter.
type GoogleCalendarConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	// TokenURL defaults to Google's OAuth2 token endpoint.
	TokenURL string `yaml:"token_url"`
	// APIBaseURL defaults to https://www.googleapis.com/calendar/v3.
	APIBaseURL string `yaml:"api_base_url"`
	// WebhookTTL is the requested lifetime of a watch channel. Defaults to 7 days.
	WebhookTTL time.Duration `yaml:"webhook_ttl"`
}

// HomeAssistantConfig points at the Home Assistant instance.
type HomeAssistantConfig struct {
	// URL is the base URL of the Home Assistant instance (e.g. "http://homeassistant.local:8123").
	URL string `yaml:"url"`
	// Token is a long-lived access token. A per-configuration API key overrides it.
	Token string `yaml:"token"`
}

// CommunityBoardConfig points at the anonymous community submission site.
type CommunityBoardConfig struct {
	BaseURL string `yaml:"base_url"`
}

// AdminPanelConfig points at the authenticated admin panel.
type AdminPanelConfig struct {
	BaseURL string `yaml:"base_url"`
}

// TicketingConfig configures the ticketing REST API.
type TicketingConfig struct {
	BaseURL string `yaml:"base_url"`
	// APIKey is used when a configuration carries none of its own.
	APIKey string `yaml:"api_key"`
}

// GraphQLListingConfig configures the GraphQL listing API.
type GraphQLListingConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
}

// EmailCampaignConfig configures the e-mail campaign API.
type EmailCampaignConfig struct {
	BaseURL     string `yaml:"base_url"`
	APIKey      string `yaml:"api_key"`
	FromAddress string `yaml:"from_address"`
	// WebhookSecret authenticates inbound delivery-event callbacks.
	WebhookSecret string `yaml:"webhook_secret"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "eventsync".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request, e.g. Authorization: "Bearer <token>".
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/eventsync/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "eventsync", "config.yaml"), nil
}

// Load reads, expands and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	expanded := os.ExpandEnv(string(raw))

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required fields are present and well-formed, and
// fills in defaults.
func (c *Config) validate() error {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}

	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if err := checkHTTPURL("base_url", c.BaseURL); err != nil {
		return err
	}

	if c.DefaultSyncInterval == 0 {
		c.DefaultSyncInterval = 60 * time.Minute
	}
	if c.DefaultSyncInterval < time.Minute {
		return fmt.Errorf("default_sync_interval %v is too short (minimum 1m)", c.DefaultSyncInterval)
	}

	if c.DispatchWorkers == 0 {
		c.DispatchWorkers = 4
	}
	if c.DispatchWorkers < 0 || c.DispatchWorkers > 64 {
		return fmt.Errorf("dispatch_workers %d out of range (1-64)", c.DispatchWorkers)
	}

	if c.Reconcile.EchoWindow == 0 {
		c.Reconcile.EchoWindow = 30 * time.Second
	}
	if c.Reconcile.MatchWindow == 0 {
		c.Reconcile.MatchWindow = 2 * time.Minute
	}
	if c.Reconcile.EchoWindow < 0 || c.Reconcile.MatchWindow < 0 {
		return fmt.Errorf("reconcile windows must not be negative")
	}
	if c.Webhook.RenewBefore == 0 {
		c.Webhook.RenewBefore = 24 * time.Hour
	}

	if c.Scheduler.SyncSpec == "" {
		c.Scheduler.SyncSpec = "@every 1m"
	}
	if c.Scheduler.RenewSpec == "" {
		c.Scheduler.RenewSpec = "@every 1h"
	}

	p := &c.Providers
	if p.GoogleCalendar.TokenURL == "" {
		p.GoogleCalendar.TokenURL = "https://oauth2.googleapis.com/token"
	}
	if p.GoogleCalendar.APIBaseURL == "" {
		p.GoogleCalendar.APIBaseURL = "https://www.googleapis.com/calendar/v3"
	}
	if p.GoogleCalendar.WebhookTTL == 0 {
		p.GoogleCalendar.WebhookTTL = 7 * 24 * time.Hour
	}
	for key, val := range map[string]string{
		"providers.google_calendar.api_base_url": p.GoogleCalendar.APIBaseURL,
		"providers.home_assistant.url":           p.HomeAssistant.URL,
		"providers.community_board.base_url":     p.CommunityBoard.BaseURL,
		"providers.admin_panel.base_url":         p.AdminPanel.BaseURL,
		"providers.ticketing.base_url":           p.Ticketing.BaseURL,
		"providers.graphql_listing.endpoint":     p.GraphQLListing.Endpoint,
		"providers.email_campaign.base_url":      p.EmailCampaign.BaseURL,
	} {
		if val == "" {
			continue
		}
		if err := checkHTTPURL(key, val); err != nil {
			return err
		}
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}

// Write serialises c as YAML to path, creating the parent directory. The
// file may hold secrets and is written owner-readable only.
func (c *Config) Write(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file %q: %w", path, err)
	}
	return nil
}

func checkHTTPURL(key, raw string) error {
	u, err := url.ParseRequestURI(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%s %q must be a valid http or https URL", key, raw)
	}
	return nil
}
