package setup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/njoerd114/eventsync/internal/config"
	"github.com/njoerd114/eventsync/internal/model"
)

// ErrAborted is returned when the user declines to continue.
var ErrAborted = errors.New("setup aborted")

// PingFunc checks a Home Assistant URL and token.
type PingFunc func(ctx context.Context, baseURL, token string) error

// Wizard walks the user through the server settings and the process-wide
// provider secrets and writes the result as config.yaml.
type Wizard struct {
	prompt *Prompter
	w      io.Writer
	logger *slog.Logger
	// PingHA, when set, verifies Home Assistant credentials before they are
	// saved.
	PingHA PingFunc
}

// NewWizard creates a Wizard wired to the given I/O and logger.
func NewWizard(r io.Reader, w io.Writer, logger *slog.Logger) *Wizard {
	return &Wizard{prompt: NewPrompter(r, w), w: w, logger: logger}
}

func (wiz *Wizard) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(wiz.w, format, args...)
}

// Run asks every question and writes the configuration to cfgPath. An
// existing file is only replaced after confirmation. The written file is
// loaded back so an invalid answer surfaces here rather than at startup.
func (wiz *Wizard) Run(ctx context.Context, cfgPath string) error {
	wiz.printf("\nWelcome to eventsync setup!\n")
	wiz.printf("This wizard writes %s.\n\n", cfgPath)

	if _, err := os.Stat(cfgPath); err == nil {
		wiz.printf("  Existing config found at %s\n", cfgPath)
		if !wiz.prompt.Confirm("Overwrite existing configuration?", false) {
			wiz.printf("\n  Keeping existing config.\n")
			return nil
		}
		wiz.printf("\n")
	}

	cfg := &config.Config{}

	wiz.printf("Step 1/4: Server\n")
	cfg.BaseURL = wiz.prompt.String("Public base URL (webhook callbacks are built on it)", "")
	cfg.ListenAddr = wiz.prompt.String("Listen address", ":8080")
	wiz.printf("\n")

	wiz.printf("Step 2/4: Providers\n")
	names := make([]string, len(model.ProviderTypes))
	for i, t := range model.ProviderTypes {
		names[i] = string(t)
	}
	chosen, err := wiz.prompt.MultiSelect("Which providers should this server talk to?", names)
	if err != nil {
		return fmt.Errorf("selecting providers: %w", err)
	}
	for _, i := range chosen {
		t := model.ProviderTypes[i]
		wiz.printf("\n  %s\n", t)
		if err := wiz.askProvider(ctx, t, &cfg.Providers); err != nil {
			return err
		}
	}
	wiz.printf("\n")

	wiz.printf("Step 3/4: Schedule\n")
	cfg.DefaultSyncInterval = wiz.prompt.Duration("Default sync interval", 60*time.Minute, time.Minute)
	wiz.printf("\n")

	wiz.printf("Step 4/4: Save Configuration\n")
	if err := cfg.Write(cfgPath); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	if _, err := config.Load(cfgPath); err != nil {
		return fmt.Errorf("written config does not load, edit %s by hand: %w", cfgPath, err)
	}
	wiz.printf("  ✓ Config written to %s\n\n", cfgPath)
	wiz.printf("Start the server with:\n  eventsync serve --config %s\n\n", cfgPath)
	wiz.logger.Debug("setup complete", "path", cfgPath, "providers", len(chosen))
	return nil
}

// askProvider fills the section of p belonging to t.
func (wiz *Wizard) askProvider(ctx context.Context, t model.ProviderType, p *config.ProvidersConfig) error {
	switch t {
	case model.ProviderGoogleCalendar:
		p.GoogleCalendar.ClientID = wiz.prompt.String("OAuth client ID", "")
		p.GoogleCalendar.ClientSecret = wiz.prompt.Secret("OAuth client secret")
	case model.ProviderHomeAssistant:
		p.HomeAssistant.URL = wiz.prompt.String("Home Assistant URL", "http://homeassistant.local:8123")
		p.HomeAssistant.Token = wiz.prompt.Secret("Long-lived access token")
		return wiz.checkHA(ctx, p.HomeAssistant)
	case model.ProviderCommunityBoard:
		p.CommunityBoard.BaseURL = wiz.prompt.String("Community board URL", "")
	case model.ProviderAdminPanel:
		p.AdminPanel.BaseURL = wiz.prompt.String("Admin panel URL", "")
	case model.ProviderTicketing:
		p.Ticketing.BaseURL = wiz.prompt.String("Ticketing API base URL", "")
		p.Ticketing.APIKey = wiz.prompt.Optional("Default API key")
	case model.ProviderGraphQLListing:
		p.GraphQLListing.Endpoint = wiz.prompt.String("GraphQL endpoint", "")
		p.GraphQLListing.APIKey = wiz.prompt.Optional("Default API key")
	case model.ProviderEmailCampaign:
		p.EmailCampaign.BaseURL = wiz.prompt.String("Campaign API base URL", "")
		p.EmailCampaign.APIKey = wiz.prompt.Secret("API key")
		p.EmailCampaign.FromAddress = wiz.prompt.String("Sender address", "")
		p.EmailCampaign.WebhookSecret = wiz.prompt.Optional("Delivery webhook secret")
	}
	return nil
}

func (wiz *Wizard) checkHA(ctx context.Context, ha config.HomeAssistantConfig) error {
	if wiz.PingHA == nil {
		return nil
	}
	wiz.printf("  Connecting to Home Assistant...")
	err := wiz.PingHA(ctx, ha.URL, ha.Token)
	if err == nil {
		wiz.printf(" ✓\n")
		return nil
	}
	wiz.printf(" ✗\n")
	wiz.logger.Warn("home assistant check failed", "url", ha.URL, "error", err)
	if wiz.prompt.Confirm("Save these settings anyway?", false) {
		return nil
	}
	return fmt.Errorf("cannot reach Home Assistant at %s: %w", ha.URL, ErrAborted)
}
