package ics

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"regexp"

	"github.com/njoerd114/eventsync/internal/model"
)

// URLPrefix is the path under which the API serves generated files.
const URLPrefix = "/assets/"

var safeID = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Assets writes one calendar file per event into Dir and reports the public
// URL under BaseURL.
type Assets struct {
	Dir     string
	BaseURL string
}

// Generate (re)writes the calendar file of the event with the given internal
// ID and returns its URL. The file is replaced atomically.
func (a *Assets) Generate(eventID string, ext *model.ExternalEvent, sequence int) (string, error) {
	if !safeID.MatchString(eventID) {
		return "", fmt.Errorf("ics: unsafe event id %q", eventID)
	}
	data, err := Build(ext, Options{UID: eventID + "@eventsync", Sequence: sequence})
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(a.Dir, 0o755); err != nil {
		return "", fmt.Errorf("creating assets dir: %w", err)
	}

	tmp, err := os.CreateTemp(a.Dir, ".ics-*")
	if err != nil {
		return "", fmt.Errorf("creating temp asset: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // best-effort cleanup after rename
	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck,gosec // write error takes precedence
		return "", fmt.Errorf("writing asset: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing asset: %w", err)
	}
	if err := os.Rename(tmp.Name(), a.path(eventID)); err != nil {
		return "", fmt.Errorf("publishing asset: %w", err)
	}
	return a.URL(eventID), nil
}

// Read returns the stored calendar file of eventID, or (nil, nil) when none
// was generated yet.
func (a *Assets) Read(eventID string) ([]byte, error) {
	if !safeID.MatchString(eventID) {
		return nil, fmt.Errorf("ics: unsafe event id %q", eventID)
	}
	data, err := os.ReadFile(a.path(eventID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading asset: %w", err)
	}
	return data, nil
}

// Remove deletes the calendar file of eventID. Missing files are ignored.
func (a *Assets) Remove(eventID string) error {
	if !safeID.MatchString(eventID) {
		return nil
	}
	if err := os.Remove(a.path(eventID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing asset: %w", err)
	}
	return nil
}

// URL returns the stable public URL of eventID's calendar file.
func (a *Assets) URL(eventID string) string {
	u, err := url.JoinPath(a.BaseURL, URLPrefix, FileName(eventID))
	if err != nil {
		return a.BaseURL + URLPrefix + FileName(eventID)
	}
	return u
}

// FileName is the file name of eventID's calendar file.
func FileName(eventID string) string {
	return eventID + ".ics"
}

func (a *Assets) path(eventID string) string {
	return filepath.Join(a.Dir, FileName(eventID))
}
