package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("creating temp config: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	f.Close()
	return f.Name()
}

func TestLoad_Valid(t *testing.T) {
	path := writeConfig(t, `
listen_addr: ":9090"
base_url: "https://events.example.org"
default_sync_interval: 15m
dispatch_workers: 2
reconcile:
  echo_window: 45s
  match_window: 5m
providers:
  google_calendar:
    client_id: "cid"
    client_secret: "secret"
  home_assistant:
    url: "http://homeassistant.local:8123"
    token: "abc123"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want :9090", cfg.ListenAddr)
	}
	if cfg.DefaultSyncInterval != 15*time.Minute {
		t.Errorf("DefaultSyncInterval = %v, want 15m", cfg.DefaultSyncInterval)
	}
	if cfg.DispatchWorkers != 2 {
		t.Errorf("DispatchWorkers = %d, want 2", cfg.DispatchWorkers)
	}
	if cfg.Reconcile.EchoWindow != 45*time.Second || cfg.Reconcile.MatchWindow != 5*time.Minute {
		t.Errorf("Reconcile = %+v", cfg.Reconcile)
	}
	if cfg.Providers.GoogleCalendar.ClientID != "cid" {
		t.Errorf("ClientID = %q, want cid", cfg.Providers.GoogleCalendar.ClientID)
	}
	if cfg.Providers.HomeAssistant.Token != "abc123" {
		t.Errorf("HA token = %q, want abc123", cfg.Providers.HomeAssistant.Token)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
base_url: "https://events.example.org"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want default :8080", cfg.ListenAddr)
	}
	if cfg.DefaultSyncInterval != 60*time.Minute {
		t.Errorf("DefaultSyncInterval = %v, want default 60m", cfg.DefaultSyncInterval)
	}
	if cfg.Reconcile.EchoWindow != 30*time.Second {
		t.Errorf("EchoWindow = %v, want default 30s", cfg.Reconcile.EchoWindow)
	}
	if cfg.Reconcile.MatchWindow != 2*time.Minute {
		t.Errorf("MatchWindow = %v, want default 2m", cfg.Reconcile.MatchWindow)
	}
	if cfg.Webhook.RenewBefore != 24*time.Hour {
		t.Errorf("RenewBefore = %v, want default 24h", cfg.Webhook.RenewBefore)
	}
	if cfg.Providers.GoogleCalendar.APIBaseURL != "https://www.googleapis.com/calendar/v3" {
		t.Errorf("APIBaseURL = %q", cfg.Providers.GoogleCalendar.APIBaseURL)
	}
	if cfg.DispatchWorkers != 4 {
		t.Errorf("DispatchWorkers = %d, want default 4", cfg.DispatchWorkers)
	}
	if cfg.Scheduler.SyncSpec != "@every 1m" || cfg.Scheduler.RenewSpec != "@every 1h" {
		t.Errorf("Scheduler = %+v, want default specs", cfg.Scheduler)
	}
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("EVENTSYNC_TEST_TICKET_KEY", "from-env")
	path := writeConfig(t, `
base_url: "https://events.example.org"
providers:
  ticketing:
    base_url: "https://tickets.example.org/api"
    api_key: "${EVENTSYNC_TEST_TICKET_KEY}"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Providers.Ticketing.APIKey != "from-env" {
		t.Errorf("APIKey = %q, want from-env", cfg.Providers.Ticketing.APIKey)
	}
}

func TestLoad_MissingBaseURL(t *testing.T) {
	path := writeConfig(t, `
listen_addr: ":8080"
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for missing base_url, got nil")
	}
}

func TestLoad_InvalidBaseURL(t *testing.T) {
	path := writeConfig(t, `
base_url: "not-a-url"
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid base_url, got nil")
	}
}

func TestLoad_InvalidProviderURL(t *testing.T) {
	path := writeConfig(t, `
base_url: "https://events.example.org"
providers:
  admin_panel:
    base_url: "ftp://panel.example.org"
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for non-http provider url, got nil")
	}
}

func TestLoad_SyncIntervalTooShort(t *testing.T) {
	path := writeConfig(t, `
base_url: "https://events.example.org"
default_sync_interval: 10s
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for default_sync_interval < 1m, got nil")
	}
}

func TestLoad_DispatchWorkersOutOfRange(t *testing.T) {
	path := writeConfig(t, `
base_url: "https://events.example.org"
dispatch_workers: 500
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for dispatch_workers > 64, got nil")
	}
}

func TestLoad_UnknownKey(t *testing.T) {
	path := writeConfig(t, `
base_url: "https://events.example.org"
unknown_field: oops
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for unknown config key, got nil")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestDefaultPath(t *testing.T) {
	path, err := DefaultPath()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path == "" {
		t.Error("DefaultPath returned empty string")
	}
}

func TestLoad_TelemetryValid(t *testing.T) {
	path := writeConfig(t, `
base_url: "https://events.example.org"
telemetry:
  otlp_endpoint: "localhost:4317"
  insecure: true
  service_name: "my-eventsync"
  headers:
    Authorization: "Bearer secret"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Telemetry == nil {
		t.Fatal("expected Telemetry to be non-nil")
	}
	if cfg.Telemetry.OTLPEndpoint != "localhost:4317" {
		t.Errorf("OTLPEndpoint = %q, want %q", cfg.Telemetry.OTLPEndpoint, "localhost:4317")
	}
	if !cfg.Telemetry.Insecure {
		t.Error("Insecure = false, want true")
	}
	if cfg.Telemetry.ServiceName != "my-eventsync" {
		t.Errorf("ServiceName = %q, want %q", cfg.Telemetry.ServiceName, "my-eventsync")
	}
	if cfg.Telemetry.Headers["Authorization"] != "Bearer secret" {
		t.Errorf("Authorization header = %q", cfg.Telemetry.Headers["Authorization"])
	}
}

func TestLoad_TelemetryOmitted(t *testing.T) {
	path := writeConfig(t, `
base_url: "https://events.example.org"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Telemetry != nil {
		t.Error("expected Telemetry to be nil when block is omitted")
	}
}

func TestLoad_TelemetryMissingEndpoint(t *testing.T) {
	path := writeConfig(t, `
base_url: "https://events.example.org"
telemetry:
  insecure: true
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for telemetry missing otlp_endpoint, got nil")
	}
}

func TestWrite_LoadsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := &Config{
		BaseURL:             "https://events.example.org",
		DefaultSyncInterval: 15 * time.Minute,
		Providers: ProvidersConfig{
			Ticketing: TicketingConfig{BaseURL: "https://tickets.example.com", APIKey: "k"},
		},
	}
	if err := cfg.Write(path); err != nil {
		t.Fatalf("Write: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("mode = %o, want 600", perm)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.DefaultSyncInterval != 15*time.Minute {
		t.Errorf("DefaultSyncInterval = %v", got.DefaultSyncInterval)
	}
	if got.Providers.Ticketing.APIKey != "k" {
		t.Errorf("ticketing api key = %q", got.Providers.Ticketing.APIKey)
	}
	if got.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want default", got.ListenAddr)
	}
}
