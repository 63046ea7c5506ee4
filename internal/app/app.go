// Package app wires all Quill subsystems into a running application.
//
// The App struct owns the full lifecycle: New initializes observability,
// the session controller, the control API server, and the config watcher;
// Run serves until the context is cancelled; Shutdown tears everything down
// in reverse order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/quillaudio/quill/internal/config"
	"github.com/quillaudio/quill/internal/health"
	"github.com/quillaudio/quill/internal/observe"
	"github.com/quillaudio/quill/internal/server"
	"github.com/quillaudio/quill/internal/session"
	"github.com/quillaudio/quill/pkg/audio/capture"
	"github.com/quillaudio/quill/pkg/recognizer"
)

// Version is stamped by the build; the default marks development builds.
var Version = "dev"

// App owns all subsystem lifetimes.
type App struct {
	cfg  *config.Config
	ctrl *session.Controller
	srv  *server.Server

	watcher   *config.Watcher
	watchPath string
	logLevel  *slog.LevelVar

	// closers are called in reverse order during Shutdown.
	closers []func(context.Context) error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithConfigWatch enables hot-reloading of the config file at path. Source
// gain and enabled changes apply to the running recording; everything else
// takes effect on the next start.
func WithConfigWatch(path string) Option {
	return func(a *App) { a.watchPath = path }
}

// WithLogLevelVar lets the app adjust the process log level when the config
// file changes.
func WithLogLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// New wires the application together. The platform and recognizer come from
// main, built through the config registry.
func New(ctx context.Context, cfg *config.Config, platform capture.Platform, provider recognizer.Provider, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "quilld",
		ServiceVersion: Version,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init metrics: %w", err)
	}
	a.closers = append(a.closers, shutdownMetrics)

	a.ctrl = session.NewController(session.ControllerConfig{
		Platform: platform,
		Provider: provider,
		Config:   cfg,
		Metrics:  observe.DefaultMetrics(),
	})
	a.closers = append(a.closers, a.ctrl.Shutdown)

	a.srv = server.New(server.Config{
		ListenAddr: cfg.Server.ListenAddr,
		Controller: a.ctrl,
		Platform:   platform,
		Checkers: []health.Checker{{
			Name: "recording",
			Check: func(context.Context) error {
				if a.ctrl.State() == session.Stopped {
					return errors.New("controller is shut down")
				}
				return nil
			},
		}},
	})
	a.closers = append(a.closers, a.srv.Shutdown)

	if a.watchPath != "" {
		w, err := config.NewWatcher(a.watchPath, func(old, new *config.Config) {
			a.ApplyConfig(context.Background(), old, new)
		})
		if err != nil {
			slog.Warn("config watch disabled", "path", a.watchPath, "err", err)
		} else {
			a.watcher = w
			a.closers = append(a.closers, func(context.Context) error {
				w.Stop()
				return nil
			})
		}
	}

	return a, nil
}

// Controller exposes the session controller, for the CLI and tests.
func (a *App) Controller() *session.Controller { return a.ctrl }

// Run serves the control API until ctx is cancelled, then shuts down.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.srv.ListenAndServe()
	}()

	slog.Info("quill running", "addr", a.cfg.Server.ListenAddr, "version", Version)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("app: control API: %w", err)
		}
	}
	return ctx.Err()
}

// ApplyConfig applies a hot-reloaded config to the running system. Only
// source gain and enabled changes and the log level are applied live.
func (a *App) ApplyConfig(ctx context.Context, old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}

	for _, sd := range d.SourceChanges {
		switch {
		case sd.Removed:
			if err := a.ctrl.SetEnabled(ctx, sd.Device, false); err != nil {
				slog.Warn("config reload: disable source", "source", sd.Device, "err", err)
			}
		case sd.Added:
			if err := a.ctrl.SetEnabled(ctx, sd.Device, true); err != nil {
				slog.Warn("config reload: enable source", "source", sd.Device, "err", err)
			}
		default:
			if sd.GainChanged {
				a.ctrl.SetGain(sd.Device, sd.NewGain)
			}
			if sd.EnabledChanged {
				if err := a.ctrl.SetEnabled(ctx, sd.Device, sd.NewEnabled); err != nil {
					slog.Warn("config reload: toggle source", "source", sd.Device, "err", err)
				}
			}
		}
	}

	a.cfg.Sources = new.Sources
}

// Shutdown tears down all subsystems in reverse-init order.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("closer error", "index", i, "err", err)
				shutdownErr = err
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// slogLevel maps a config log level to slog's scale.
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
