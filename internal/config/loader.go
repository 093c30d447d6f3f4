package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq"},
	"recognizer": {"deepgram"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("llm", cfg.Providers.Coach.Name)
	validateProviderName("recognizer", cfg.Providers.Recognizer.Name)

	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required; sessions cannot generate answers without it"))
	}
	if cfg.Providers.Recognizer.Name == "" {
		errs = append(errs, errors.New("providers.recognizer.name is required; sessions cannot transcribe audio without it"))
	}
	if cfg.Providers.Recognizer.Name != "" && len(cfg.Providers.Recognizer.APIKeys) == 0 {
		errs = append(errs, errors.New("providers.recognizer.api_keys must contain at least one key"))
	}

	// Storage
	if cfg.Storage.PostgresDSN == "" {
		errs = append(errs, errors.New("storage.postgres_dsn is required"))
	}
	if cfg.Storage.BillingDSN == "" && cfg.Storage.PostgresDSN != "" {
		slog.Warn("storage.billing_dsn is empty; the credit ledger will share storage.postgres_dsn")
	}

	// Session tunables
	errs = append(errs, validateNonNegative("session.generation_budget", cfg.Session.GenerationBudget)...)
	errs = append(errs, validateNonNegative("session.response_throttle", cfg.Session.ResponseThrottle)...)
	errs = append(errs, validateNonNegative("session.sweep_interval", cfg.Session.SweepInterval)...)
	errs = append(errs, validateNonNegative("session.sweep_grace", cfg.Session.SweepGrace)...)
	errs = append(errs, validateNonNegative("session.debit_interval", cfg.Session.DebitInterval)...)
	if cfg.Session.TokenLimit < 0 {
		errs = append(errs, fmt.Errorf("session.token_limit %d must not be negative", cfg.Session.TokenLimit))
	}
	if cfg.Session.MinWords < 0 {
		errs = append(errs, fmt.Errorf("session.min_words %d must not be negative", cfg.Session.MinWords))
	}
	if cfg.Session.MinRunes < 0 {
		errs = append(errs, fmt.Errorf("session.min_runes %d must not be negative", cfg.Session.MinRunes))
	}

	return errors.Join(errs...)
}

// validateNonNegative rejects negative durations; zero means "use default".
func validateNonNegative(field string, d time.Duration) []error {
	if d < 0 {
		return []error{fmt.Errorf("%s %s must not be negative", field, d)}
	}
	return nil
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
