// Command quilld is the main entry point for the Quill transcription server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quillaudio/quill/internal/app"
	"github.com/quillaudio/quill/internal/config"
	"github.com/quillaudio/quill/internal/filescribe"
	"github.com/quillaudio/quill/pkg/audio/capture"
	"github.com/quillaudio/quill/pkg/audio/capture/synth"
	"github.com/quillaudio/quill/pkg/recognizer"
	"github.com/quillaudio/quill/pkg/recognizer/mock"
	"github.com/quillaudio/quill/pkg/recognizer/whispercpp"
	"github.com/quillaudio/quill/pkg/recognizer/wsbridge"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	platformName := flag.String("platform", "synth", "capture platform to use")
	transcribePath := flag.String("transcribe", "", "transcribe the given WAV file and exit")
	watch := flag.Bool("watch", true, "reload the config file when it changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "quilld: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "quilld: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, logLevel := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("quilld starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Registry ──────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg)

	provider, err := reg.CreateRecognizer(cfg.Recognizer)
	if err != nil {
		slog.Error("failed to create recognizer", "name", cfg.Recognizer.Name, "err", err)
		return 1
	}
	slog.Info("recognizer created", "name", cfg.Recognizer.Name, "model", cfg.Recognizer.Model)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── One-shot file transcription ───────────────────────────────────────────
	if *transcribePath != "" {
		return runTranscribe(ctx, provider, *transcribePath, cfg)
	}

	platform, err := reg.CreatePlatform(*platformName)
	if err != nil {
		slog.Error("failed to create capture platform", "name", *platformName, "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg, *platformName)

	opts := []app.Option{app.WithLogLevelVar(logLevel)}
	if *watch {
		opts = append(opts, app.WithConfigWatch(*configPath))
	}

	application, err := app.New(ctx, cfg, platform, provider, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Recognizer and platform wiring ────────────────────────────────────────────

// registerBuiltins wires the recognizer backends and capture platforms that
// ship with Quill into reg.
func registerBuiltins(reg *config.Registry) {
	reg.RegisterRecognizer("whispercpp", func(entry config.RecognizerConfig) (recognizer.Provider, error) {
		var opts []whispercpp.Option
		if entry.Language != "" {
			opts = append(opts, whispercpp.WithLanguage(entry.Language))
		}
		if d := optDuration(entry.Options, "silence_flush"); d > 0 {
			opts = append(opts, whispercpp.WithSilenceFlush(d))
		}
		if d := optDuration(entry.Options, "max_utterance"); d > 0 {
			opts = append(opts, whispercpp.WithMaxUtterance(d))
		}
		return whispercpp.New(entry.Model, opts...)
	})

	reg.RegisterRecognizer("wsbridge", func(entry config.RecognizerConfig) (recognizer.Provider, error) {
		var opts []wsbridge.Option
		if entry.APIKey != "" {
			opts = append(opts, wsbridge.WithAPIKey(entry.APIKey))
		}
		if entry.Model != "" {
			opts = append(opts, wsbridge.WithModel(entry.Model))
		}
		return wsbridge.New(entry.BaseURL, opts...)
	})

	reg.RegisterRecognizer("mock", func(config.RecognizerConfig) (recognizer.Provider, error) {
		return &mock.Provider{}, nil
	})

	// The synthetic platform is the only built-in until OS capture adapters
	// land. It exposes one default tone device so the full pipeline can be
	// exercised end to end.
	reg.RegisterPlatform("synth", func() (capture.Platform, error) {
		return synth.New([]synth.DeviceSpec{{
			Device: capture.Device{
				ID:         "default",
				Name:       "Synthetic microphone",
				SampleRate: 16000,
				Channels:   1,
				Default:    true,
			},
			Generator: synth.ToneGenerator(440, 8000, 16000),
		}}), nil
	})
}

// ── One-shot file transcription ───────────────────────────────────────────────

// runTranscribe transcribes a single WAV file through the configured
// recognizer and prints the final lines to stdout.
func runTranscribe(ctx context.Context, provider recognizer.Provider, path string, cfg *config.Config) int {
	var opts []filescribe.Option
	if cfg.Recognizer.Language != "" {
		opts = append(opts, filescribe.WithLanguage(cfg.Recognizer.Language))
	}
	opts = append(opts, filescribe.WithProgress(func(fed, total time.Duration) {
		if total > 0 {
			fmt.Fprintf(os.Stderr, "\rtranscribing… %3.0f%%", 100*fed.Seconds()/total.Seconds())
		}
	}))

	events, err := filescribe.Transcribe(ctx, provider, path, opts...)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		slog.Error("transcription failed", "path", path, "err", err)
		return 1
	}

	for _, e := range events {
		fmt.Printf("[%s] %s\n", formatOffset(e.Start), e.Text)
	}
	return 0
}

// formatOffset renders a recording offset as HH:MM:SS.
func formatOffset(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, platformName string) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Quill — startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Recognizer", summaryValue(cfg.Recognizer.Name, cfg.Recognizer.Model))
	printRow("Platform", platformName)
	if len(cfg.Sources) > 0 {
		printRow("Sources", fmt.Sprintf("%d configured", len(cfg.Sources)))
	} else {
		printRow("Sources", "default device")
	}
	printRow("Transcripts", cfg.Transcript.Dir)
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func summaryValue(name, model string) string {
	if name == "" {
		return "(not configured)"
	}
	if model != "" {
		return name + " / " + model
	}
	return name
}

func printRow(label, value string) {
	if len(value) > 21 {
		value = value[:18] + "…"
	}
	fmt.Printf("║  %-12s : %-21s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the process logger. The returned LevelVar lets the app
// adjust verbosity when the config file is hot-reloaded.
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lvl := new(slog.LevelVar)
	switch level {
	case config.LogDebug:
		lvl.Set(slog.LevelDebug)
	case config.LogWarn:
		lvl.Set(slog.LevelWarn)
	case config.LogError:
		lvl.Set(slog.LevelError)
	default:
		lvl.Set(slog.LevelInfo)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), lvl
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optDuration extracts a duration from a recognizer Options map. Values may be
// Go duration strings ("2s") or a number of seconds.
func optDuration(opts map[string]any, key string) time.Duration {
	if opts == nil {
		return 0
	}
	switch v := opts[key].(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0
		}
		return d
	case int:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	default:
		return 0
	}
}
