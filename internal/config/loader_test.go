package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/intervox-ai/intervox/internal/config"
)

const validYAML = `
server:
  listen_addr: ":8080"
  log_level: info
providers:
  llm:
    name: openai
    api_key: sk-test
    model: gpt-4o
  recognizer:
    name: deepgram
    api_keys:
      - dg-key-1
      - dg-key-2
    model: nova-3
storage:
  postgres_dsn: "postgres://localhost/test"
session:
  generation_budget: 2m
  response_throttle: 2s
  token_limit: 16000
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":8080")
	}
	if cfg.Providers.LLM.Name != "openai" {
		t.Errorf("llm name: got %q, want %q", cfg.Providers.LLM.Name, "openai")
	}
	if len(cfg.Providers.Recognizer.APIKeys) != 2 {
		t.Errorf("recognizer api_keys: got %d, want 2", len(cfg.Providers.Recognizer.APIKeys))
	}
	if cfg.Session.GenerationBudget != 2*time.Minute {
		t.Errorf("generation_budget: got %v, want 2m", cfg.Session.GenerationBudget)
	}
	if cfg.Session.TokenLimit != 16000 {
		t.Errorf("token_limit: got %d, want 16000", cfg.Session.TokenLimit)
	}
}

func TestLoadFromReader_MalformedDuration(t *testing.T) {
	t.Parallel()
	yaml := strings.Replace(validYAML, "generation_budget: 2m", "generation_budget: fast", 1)
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unparseable duration, got nil")
	}
	if !strings.Contains(err.Error(), "fast") {
		t.Errorf("error should name the bad value: %v", err)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	yaml := validYAML + "\nbogus_field: true\n"
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	yaml := strings.Replace(validYAML, "log_level: info", "log_level: loud", 1)
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_MissingLLMProvider(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  recognizer:
    name: deepgram
    api_keys:
      - dg-key-1
storage:
  postgres_dsn: "postgres://localhost/test"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing llm provider, got nil")
	}
	if !strings.Contains(err.Error(), "providers.llm.name") {
		t.Errorf("error should mention providers.llm.name, got: %v", err)
	}
}

func TestValidate_RecognizerRequiresAPIKeys(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  llm:
    name: openai
  recognizer:
    name: deepgram
storage:
  postgres_dsn: "postgres://localhost/test"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for recognizer without api keys, got nil")
	}
	if !strings.Contains(err.Error(), "api_keys") {
		t.Errorf("error should mention api_keys, got: %v", err)
	}
}

func TestValidate_MissingStorageDSN(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  llm:
    name: openai
  recognizer:
    name: deepgram
    api_keys:
      - dg-key-1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing storage dsn, got nil")
	}
	if !strings.Contains(err.Error(), "postgres_dsn") {
		t.Errorf("error should mention postgres_dsn, got: %v", err)
	}
}

func TestValidate_NegativeDuration(t *testing.T) {
	t.Parallel()
	yaml := validYAML + "  sweep_interval: -5s\n"
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for negative duration, got nil")
	}
	if !strings.Contains(err.Error(), "sweep_interval") {
		t.Errorf("error should mention sweep_interval, got: %v", err)
	}
}

func TestValidate_TLSRequiresBothFiles(t *testing.T) {
	t.Parallel()
	yaml := strings.Replace(validYAML, "  log_level: info\n", "  log_level: info\n  tls:\n    cert_file: /etc/ssl/cert.pem\n", 1)
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for TLS without key file, got nil")
	}
	if !strings.Contains(err.Error(), "key_file") {
		t.Errorf("error should mention key_file, got: %v", err)
	}
}

func TestValidate_MultipleErrorsJoined(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: silly
session:
  token_limit: -1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected joined errors, got nil")
	}
	for _, want := range []string{"log_level", "token_limit", "providers.llm.name", "postgres_dsn"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error should mention %q, got: %v", want, err)
		}
	}
}
