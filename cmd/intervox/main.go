// Command intervox is the main entry point for the Intervox interview
// assistance server.
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
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/intervox-ai/intervox/internal/config"
	"github.com/intervox-ai/intervox/internal/health"
	"github.com/intervox-ai/intervox/internal/observe"
	"github.com/intervox-ai/intervox/internal/session"
	"github.com/intervox-ai/intervox/pkg/answer"
	"github.com/intervox-ai/intervox/pkg/answer/anyllm"
	oaianswer "github.com/intervox-ai/intervox/pkg/answer/openai"
	billingpg "github.com/intervox-ai/intervox/pkg/billing/postgres"
	"github.com/intervox-ai/intervox/pkg/delivery"
	"github.com/intervox-ai/intervox/pkg/recognizer"
	"github.com/intervox-ai/intervox/pkg/recognizer/deepgram"
	storepg "github.com/intervox-ai/intervox/pkg/store/postgres"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "intervox: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "intervox: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("intervox starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	generator, coach, rec, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "intervox"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Storage ───────────────────────────────────────────────────────────────
	st, err := storepg.NewStore(ctx, cfg.Storage.PostgresDSN)
	if err != nil {
		slog.Error("failed to connect session store", "err", err)
		return 1
	}
	defer st.Close()

	billingDSN := cfg.Storage.BillingDSN
	if billingDSN == "" {
		billingDSN = cfg.Storage.PostgresDSN
	}
	ledger, err := billingpg.NewLedger(ctx, billingDSN)
	if err != nil {
		slog.Error("failed to connect credit ledger", "err", err)
		return 1
	}
	defer ledger.Close()

	// ── Session registry ──────────────────────────────────────────────────────
	// Events are logged until a delivery transport is attached.
	emitter := delivery.EmitterFunc(func(room string, topic delivery.Topic, payload any) {
		slog.Debug("event", "room", room, "topic", topic)
	})

	registry, err := session.NewRegistry(session.RegistryConfig{
		Store:           st,
		Ledger:          ledger,
		Emitter:         emitter,
		Recognizer:      rec,
		Generator:       generator,
		CoachGenerator:  coach,
		SweepInterval:   cfg.Session.SweepInterval,
		SweepGrace:      cfg.Session.SweepGrace,
		SessionDefaults: sessionDefaults(cfg),
		Logger:          logger,
	})
	if err != nil {
		slog.Error("failed to create session registry", "err", err)
		return 1
	}

	// ── HTTP server: health + metrics ─────────────────────────────────────────
	checks := health.New(
		health.PingChecker("store", st),
		health.PingChecker("ledger", ledger),
	)
	mux := http.NewServeMux()
	checks.Register(mux)
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(observe.DefaultMetrics())(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		var err error
		if cfg.Server.TLS != nil {
			err = srv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		diff := config.Diff(old, new)
		if diff.LogLevelChanged {
			level.Set(slogLevel(diff.NewLogLevel))
			slog.Info("log level changed", "level", diff.NewLogLevel)
		}
		if diff.SessionChanged {
			registry.UpdateSessionDefaults(sessionDefaults(new))
			slog.Info("session tunables changed; applies to new sessions")
		}
	})
	if err != nil {
		slog.Warn("config watcher unavailable", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)
	slog.Info("server ready — press Ctrl+C to shut down")

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		slog.Error("http server error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := registry.Shutdown(shutdownCtx); err != nil {
		slog.Warn("session registry shutdown error", "err", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http server shutdown error", "err", err)
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
//
// LLM providers: openai (native SDK), anthropic, gemini, ollama, deepseek,
// mistral, groq (via any-llm-go). Recognizers: deepgram.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterGenerator("openai", func(entry config.ProviderEntry) (answer.Generator, error) {
		var opts []oaianswer.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaianswer.WithBaseURL(entry.BaseURL))
		}
		return oaianswer.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq",
	} {
		reg.RegisterGenerator(providerName, func(entry config.ProviderEntry) (answer.Generator, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// Ollama needs no API key; BaseURL points at the local server.
	reg.RegisterGenerator("ollama", func(entry config.ProviderEntry) (answer.Generator, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	reg.RegisterRecognizer("deepgram", func(entry config.RecognizerEntry) (recognizer.Recognizer, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.EndpointingMS > 0 {
			opts = append(opts, deepgram.WithEndpointing(entry.EndpointingMS))
		}
		return deepgram.New(entry.APIKeys, opts...)
	})
}

// buildProviders instantiates the providers named in cfg using the registry.
// The coach generator is optional; nil means the main generator doubles as
// the coach.
func buildProviders(cfg *config.Config, reg *config.Registry) (generator, coach answer.Generator, rec recognizer.Recognizer, err error) {
	generator, err = reg.CreateGenerator(cfg.Providers.LLM)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name)

	if name := cfg.Providers.Coach.Name; name != "" {
		coach, err = reg.CreateGenerator(cfg.Providers.Coach)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create coach provider %q: %w", name, err)
		}
		slog.Info("provider created", "kind", "coach", "name", name)
	}

	rec, err = reg.CreateRecognizer(cfg.Providers.Recognizer)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create recognizer provider %q: %w", cfg.Providers.Recognizer.Name, err)
	}
	slog.Info("provider created", "kind", "recognizer", "name", cfg.Providers.Recognizer.Name)

	return generator, coach, rec, nil
}

// sessionDefaults maps config tunables onto the per-session overrides.
func sessionDefaults(cfg *config.Config) session.Config {
	return session.Config{
		MeterInterval: cfg.Session.DebitInterval,
		Budget:        cfg.Session.GenerationBudget,
		Throttle:      cfg.Session.ResponseThrottle,
		TokenLimit:    cfg.Session.TokenLimit,
		MinWords:      cfg.Session.MinWords,
		MinRunes:      cfg.Session.MinRunes,
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Intervox — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("Coach", cfg.Providers.Coach.Name, cfg.Providers.Coach.Model)
	printProvider("Recognizer", cfg.Providers.Recognizer.Name, cfg.Providers.Recognizer.Model)
	fmt.Printf("║  Recognizer keys : %-19d ║\n", len(cfg.Providers.Recognizer.APIKeys))
	if cfg.Storage.BillingDSN != "" {
		fmt.Printf("║  Billing DB      : %-19s ║\n", "dedicated")
	} else {
		fmt.Printf("║  Billing DB      : %-19s ║\n", "shared")
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
