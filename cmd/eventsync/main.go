// Eventsync keeps internal events in sync with external calendars, listing
// sites, ticketing platforms and mailing tools.
//
// Usage:
//
//	eventsync init [--config <path>]                        # interactive first-run wizard
//	eventsync serve [--config <path>] [--verbose]           # API, webhooks and scheduled sweeps
//	eventsync sync-once [--config <path>] [--verbose]       # run every due configuration then exit
//	eventsync renew-webhooks [--config <path>] [--verbose]  # renew expiring webhooks then exit
//	eventsync status [--config <path>]                      # show config and database state
//	eventsync version                                       # print version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/njoerd114/eventsync/internal/api"
	"github.com/njoerd114/eventsync/internal/campaign"
	"github.com/njoerd114/eventsync/internal/config"
	"github.com/njoerd114/eventsync/internal/gcal"
	"github.com/njoerd114/eventsync/internal/homeassistant"
	"github.com/njoerd114/eventsync/internal/ics"
	"github.com/njoerd114/eventsync/internal/listing"
	"github.com/njoerd114/eventsync/internal/mapping"
	"github.com/njoerd114/eventsync/internal/model"
	"github.com/njoerd114/eventsync/internal/provider"
	"github.com/njoerd114/eventsync/internal/realtime"
	"github.com/njoerd114/eventsync/internal/scheduler"
	"github.com/njoerd114/eventsync/internal/setup"
	"github.com/njoerd114/eventsync/internal/state"
	syncp "github.com/njoerd114/eventsync/internal/sync"
	"github.com/njoerd114/eventsync/internal/telemetry"
	"github.com/njoerd114/eventsync/internal/ticketing"
	"github.com/njoerd114/eventsync/internal/webform"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

const (
	shutdownTimeout = 10 * time.Second
	dispatchQueue   = 256
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch cmd := os.Args[1]; cmd {
	case "init":
		return runInit(os.Args[2:])
	case "serve":
		return withApp(os.Args[2:], cmd, serve)
	case "sync-once":
		return withApp(os.Args[2:], cmd, syncOnce)
	case "renew-webhooks":
		return withApp(os.Args[2:], cmd, renewWebhooks)
	case "status":
		return runStatus(os.Args[2:])
	case "version":
		fmt.Println("eventsync", version)
		return nil
	default:
		return fmt.Errorf("unknown command %q, run 'eventsync' for usage", cmd)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Eventsync: multi-provider event synchronisation")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  eventsync init [--config ...]            Interactive first-run wizard")
	fmt.Fprintln(os.Stderr, "  eventsync serve [--config ...]           Serve the API and run scheduled sweeps")
	fmt.Fprintln(os.Stderr, "  eventsync sync-once [--config ...]       Sync every due configuration then exit")
	fmt.Fprintln(os.Stderr, "  eventsync renew-webhooks [--config ...]  Renew expiring webhooks then exit")
	fmt.Fprintln(os.Stderr, "  eventsync status [--config ...]          Show config and database state")
	fmt.Fprintln(os.Stderr, "  eventsync version                        Print version")
}

// --- Wiring ------------------------------------------------------------------

// app is the wired process: everything a command needs, plus teardown.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *state.Store
	registry *provider.Registry
	mapper   *mapping.Mapper
	assets   *ics.Assets
	closers  []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// newService builds the sync service. A nil dispatcher runs background work
// inline, which is what the one-shot commands want.
func (a *app) newService(d *syncp.Dispatcher, pub syncp.Publisher) *syncp.Service {
	return syncp.NewService(syncp.Deps{
		Store:      a.store,
		Adapters:   a.registry,
		Mapper:     a.mapper,
		Publisher:  pub,
		Assets:     a.assets,
		Dispatcher: d,
		Logger:     a.logger,
	}, syncp.Options{
		BaseURL:         a.cfg.BaseURL,
		DefaultInterval: a.cfg.DefaultSyncInterval,
		EchoWindow:      a.cfg.Reconcile.EchoWindow,
		MatchWindow:     a.cfg.Reconcile.MatchWindow,
		RenewBefore:     a.cfg.Webhook.RenewBefore,
	})
}

func withApp(args []string, name string, fn func(context.Context, *app) error) error {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	cfgPath, verbose := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(*cfgPath, *verbose)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	return fn(ctx, a)
}

func commonFlags(fs *flag.FlagSet) (cfgPath *string, verbose *bool) {
	defaultCfg, _ := config.DefaultPath()
	cfgPath = fs.String("config", defaultCfg, "path to config.yaml")
	verbose = fs.Bool("verbose", false, "enable debug logging")
	return cfgPath, verbose
}

func newApp(cfgPath string, verbose bool) (*app, error) {
	// --- Logger --------------------------------------------------------------

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	console := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	logger := slog.New(console)
	slog.SetDefault(logger)

	// --- Config --------------------------------------------------------------

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %q: %w", cfgPath, err)
	}
	a := &app{cfg: cfg, logger: logger}

	// --- Telemetry (optional) ------------------------------------------------

	if cfg.Telemetry != nil {
		shutdownTel, err := telemetry.Setup(context.Background(), telemetry.Config{
			Endpoint:    cfg.Telemetry.OTLPEndpoint,
			Insecure:    cfg.Telemetry.Insecure,
			ServiceName: cfg.Telemetry.ServiceName,
			Version:     version,
			Headers:     cfg.Telemetry.Headers,
		})
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger = slog.New(telemetry.Fanout(console, telemetry.LogHandler(level)))
			slog.SetDefault(logger)
			a.logger = logger
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			a.closers = append(a.closers, func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			})
		}
	}

	// --- State DB ------------------------------------------------------------

	dbPath, err := databasePath(cfg)
	if err != nil {
		a.close()
		return nil, err
	}
	store, err := state.Open(dbPath)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("opening state DB at %q: %w", dbPath, err)
	}
	a.store = store
	a.closers = append(a.closers, func() {
		if err := store.Close(); err != nil {
			logger.Error("closing state DB", "error", err)
		}
	})
	logger.Info("state DB opened", "path", dbPath)

	// --- Adapters ------------------------------------------------------------

	assetsDir := cfg.AssetsDir
	if assetsDir == "" {
		assetsDir = filepath.Join(filepath.Dir(dbPath), "assets")
	}
	a.assets = &ics.Assets{Dir: assetsDir, BaseURL: cfg.BaseURL}
	a.mapper = mapping.New(store, logger)
	a.registry = newRegistry(cfg, a.assets, logger)
	logger.Info("providers registered", "types", a.registry.Types())
	return a, nil
}

func databasePath(cfg *config.Config) (string, error) {
	if cfg.DatabasePath != "" {
		return cfg.DatabasePath, nil
	}
	p, err := state.DefaultDBPath()
	if err != nil {
		return "", fmt.Errorf("resolving state DB path: %w", err)
	}
	return p, nil
}

// newRegistry registers one factory per provider type. Process-wide
// endpoints and secrets come from the config; per-user credentials arrive
// through Initialize.
func newRegistry(cfg *config.Config, assets *ics.Assets, logger *slog.Logger) *provider.Registry {
	p := cfg.Providers
	hc := &http.Client{Timeout: provider.DefaultTimeout}
	log := func(t model.ProviderType) *slog.Logger { return logger.With("provider", string(t)) }

	reg := provider.NewRegistry()
	reg.Register(model.ProviderGoogleCalendar, func() provider.Adapter {
		return gcal.New(gcal.Options{
			ClientID:     p.GoogleCalendar.ClientID,
			ClientSecret: p.GoogleCalendar.ClientSecret,
			TokenURL:     p.GoogleCalendar.TokenURL,
			APIBaseURL:   p.GoogleCalendar.APIBaseURL,
			WebhookTTL:   p.GoogleCalendar.WebhookTTL,
			HTTPClient:   hc,
		}, log(model.ProviderGoogleCalendar))
	})
	reg.Register(model.ProviderHomeAssistant, func() provider.Adapter {
		return homeassistant.New(homeassistant.Options{
			URL:   p.HomeAssistant.URL,
			Token: p.HomeAssistant.Token,
		}, log(model.ProviderHomeAssistant))
	})
	reg.Register(model.ProviderCommunityBoard, func() provider.Adapter {
		return webform.NewCommunityBoard(p.CommunityBoard.BaseURL, hc, log(model.ProviderCommunityBoard))
	})
	reg.Register(model.ProviderAdminPanel, func() provider.Adapter {
		return webform.NewAdminPanel(p.AdminPanel.BaseURL, hc, log(model.ProviderAdminPanel))
	})
	reg.Register(model.ProviderTicketing, func() provider.Adapter {
		return ticketing.New(ticketing.Options{
			BaseURL:    p.Ticketing.BaseURL,
			APIKey:     p.Ticketing.APIKey,
			HTTPClient: hc,
		}, log(model.ProviderTicketing))
	})
	reg.Register(model.ProviderGraphQLListing, func() provider.Adapter {
		return listing.New(listing.Options{
			Endpoint:   p.GraphQLListing.Endpoint,
			APIKey:     p.GraphQLListing.APIKey,
			HTTPClient: hc,
		}, log(model.ProviderGraphQLListing))
	})
	reg.Register(model.ProviderEmailCampaign, func() provider.Adapter {
		return campaign.New(campaign.Options{
			BaseURL:       p.EmailCampaign.BaseURL,
			APIKey:        p.EmailCampaign.APIKey,
			FromAddress:   p.EmailCampaign.FromAddress,
			WebhookSecret: p.EmailCampaign.WebhookSecret,
			Assets:        assets,
			HTTPClient:    hc,
		}, log(model.ProviderEmailCampaign))
	})
	return reg
}

// --- Commands ----------------------------------------------------------------

func serve(ctx context.Context, a *app) error {
	logger := a.logger

	hub := realtime.NewHub(logger)
	go hub.Run(ctx)

	dispatcher := syncp.NewDispatcher(a.cfg.DispatchWorkers, dispatchQueue, logger)
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	svc := a.newService(dispatcher, hub)

	sched := scheduler.New(svc, scheduler.Options{
		SyncSpec:  a.cfg.Scheduler.SyncSpec,
		RenewSpec: a.cfg.Scheduler.RenewSpec,
	}, logger)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer sched.Stop()

	router := api.NewRouter(svc, a.store, api.Options{
		Realtime:  hub.Handler(),
		AssetsDir: a.assets.Dir,
	}, logger)
	srv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", a.cfg.ListenAddr, "base_url", a.cfg.BaseURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func syncOnce(ctx context.Context, a *app) error {
	svc := a.newService(nil, nil)
	n, err := svc.SyncDue(ctx)
	a.logger.Info("sync complete", "configurations", n)
	return err
}

func renewWebhooks(ctx context.Context, a *app) error {
	svc := a.newService(nil, nil)
	n, err := svc.RenewExpiringWebhooks(ctx)
	a.logger.Info("webhook renewal complete", "renewed", n)
	return err
}

// runInit launches the setup wizard.
func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	cfgPath, _ := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	wiz := setup.NewWizard(os.Stdin, os.Stdout, logger)
	wiz.PingHA = func(ctx context.Context, baseURL, token string) error {
		return homeassistant.Ping(ctx, baseURL, token, logger)
	}
	return wiz.Run(ctx, *cfgPath)
}

// runStatus prints configuration and database state without starting any
// adapter.
func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cfgPath, _ := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Println("Eventsync Status")
	fmt.Println("────────────────")

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Printf("  Config:    %s (%v)\n", *cfgPath, err)
		return nil
	}
	fmt.Printf("  Config:    %s\n", *cfgPath)
	fmt.Printf("  Base URL:  %s\n", cfg.BaseURL)
	fmt.Printf("  Listen:    %s\n", cfg.ListenAddr)
	fmt.Printf("  Sweeps:    sync %s, renew %s\n", cfg.Scheduler.SyncSpec, cfg.Scheduler.RenewSpec)

	dbPath, err := databasePath(cfg)
	if err != nil {
		return err
	}
	info, err := os.Stat(dbPath)
	if err != nil {
		fmt.Printf("  State DB:  not found (%s)\n", dbPath)
		return nil
	}
	fmt.Printf("  State DB:  %s (%s)\n", dbPath, humanSize(info.Size()))

	store, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening state DB at %q: %w", dbPath, err)
	}
	defer store.Close() //nolint:errcheck // read-only use

	due, err := store.ListDueConfigurations(context.Background(), time.Now().UTC())
	if err != nil {
		return err
	}
	fmt.Printf("  Due now:   %d configuration(s)\n", len(due))
	return nil
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
