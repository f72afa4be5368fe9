// Package translate turns single strings into translated strings through an
// external provider. The Client wraps a Provider with quota gating, retries
// and a best-effort contract: whatever goes wrong, the caller gets a string
// back (the original one on failure) and never an error.
package translate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// ---------------------------------------------------------------------------
// Provider IDs
// ---------------------------------------------------------------------------

const (
	ProviderGoogle = "google"
	ProviderOpenAI = "openai"
)

// ---------------------------------------------------------------------------
// Provider interface
// ---------------------------------------------------------------------------

// Provider translates one string from source to target language.
type Provider interface {
	Translate(ctx context.Context, text, source, target string) (string, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, text, source, target string) (string, error)

// Translate implements Provider.
func (f ProviderFunc) Translate(ctx context.Context, text, source, target string) (string, error) {
	return f(ctx, text, source, target)
}

// ErrRateLimited marks provider errors caused by a rate limit response.
// The Client pauses all workers sharing it when it sees one.
var ErrRateLimited = errors.New("rate limited by provider")

// ErrEmptyResult is returned when a provider answers a non-empty request
// with an empty string.
var ErrEmptyResult = errors.New("provider returned empty translation")

// ---------------------------------------------------------------------------
// Provider configuration
// ---------------------------------------------------------------------------

// ProviderConfig holds the configuration for a translation service.
type ProviderConfig struct {
	// ID is the provider identifier (google, openai).
	ID string
	// Model is the model identifier (openai only).
	Model string
	// APIKey is the authentication key (openai only).
	APIKey string
	// BaseURL overrides the API endpoint (openai only; any compatible API).
	BaseURL string
	// Timeout is the per-request timeout.
	Timeout time.Duration
}

// ProviderInfo describes a built-in provider.
type ProviderInfo struct {
	ID          string
	Name        string
	NeedsAPIKey bool
	Timeout     time.Duration
}

// DefaultProviders returns the built-in provider definitions.
func DefaultProviders() map[string]ProviderInfo {
	return map[string]ProviderInfo{
		ProviderGoogle: {
			ID:      ProviderGoogle,
			Name:    "Google Translate",
			Timeout: 30 * time.Second,
		},
		ProviderOpenAI: {
			ID:          ProviderOpenAI,
			Name:        "OpenAI-compatible chat API",
			NeedsAPIKey: true,
			Timeout:     60 * time.Second,
		},
	}
}

// ProviderIDs returns the built-in provider IDs, sorted.
func ProviderIDs() []string {
	var ids []string
	for id := range DefaultProviders() {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// NewProvider builds the provider named by cfg.ID.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	info, ok := DefaultProviders()[cfg.ID]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q (available: %s)", cfg.ID, strings.Join(ProviderIDs(), ", "))
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = info.Timeout
	}

	switch cfg.ID {
	case ProviderGoogle:
		return NewGoogle(cfg.Timeout), nil
	case ProviderOpenAI:
		return NewOpenAI(cfg)
	}
	return nil, fmt.Errorf("provider %q not implemented", cfg.ID)
}

// LanguageName returns the English name of a language code ("de" -> "German").
// Unknown codes are returned as-is.
func LanguageName(code string) string {
	tag, err := language.Parse(code)
	if err != nil {
		return code
	}
	if name := display.English.Languages().Name(tag); name != "" {
		return name
	}
	return code
}
