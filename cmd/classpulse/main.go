package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/classpulse/classpulse/internal/api"
	"github.com/classpulse/classpulse/internal/bus"
	"github.com/classpulse/classpulse/internal/channel"
	"github.com/classpulse/classpulse/internal/config"
	"github.com/classpulse/classpulse/internal/health"
	"github.com/classpulse/classpulse/internal/notify"
	"github.com/classpulse/classpulse/internal/registry"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	roleFlag := flag.String("role", "student", "principal role (admin|teacher|student|parent)")
	idFlag := flag.String("id", "", "principal id")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	slog.Info("classpulse starting", "config", *configPath, "role", *roleFlag)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	slog.Info("config loaded",
		"broker", cfg.Broker.Host,
		"enabled", cfg.Broker.Enabled,
		"api", cfg.API.BaseURL,
	)

	role := channel.Role(*roleFlag)
	if !role.Valid() {
		slog.Error("unknown role", "role", *roleFlag)
		os.Exit(1)
	}
	token := os.Getenv("CLASSPULSE_TOKEN")
	if token == "" {
		slog.Error("CLASSPULSE_TOKEN must be set")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := registry.New(*cfg)
	defer reg.TeardownAll()

	conn, err := reg.GetOrCreate(ctx, role, token)
	if err != nil {
		slog.Error("could not create connection", "role", role, "err", err)
		os.Exit(1)
	}

	apiClient := api.New(cfg.API.BaseURL, role, token)

	b := bus.New()
	b.Subscribe(bus.QuizStatusChange, func(p any) {
		slog.Info("signal: quiz status change", "payload", p)
	})
	b.Subscribe(bus.TeacherApprovalUpdate, func(p any) {
		slog.Info("signal: teacher approval update", "payload", p)
	})

	disp := notify.NewDispatcher(role, *idFlag, conn, apiClient, b)
	disp.SetSounder(consoleSounder{})
	disp.SetToaster(consoleToaster{})
	if err := disp.Start(ctx); err != nil {
		slog.Error("dispatcher failed to start", "err", err)
		os.Exit(1)
	}
	defer disp.Close()

	// The health monitor only applies when a transport exists; disabled mode
	// runs REST-only.
	if tr := conn.Transport(); tr != nil {
		mon := health.New(cfg.Heartbeat, tr, apiClient)
		tr.SetOnDrop(func(error) { mon.NotifyDrop() })
		mon.OnTransition(func(from, to health.State) {
			slog.Info("connection status changed", "from", from, "to", to)
		})
		go mon.Run(ctx)
	}

	// Watch config file for hot-reload (logs only; connections keep their
	// original settings until restart).
	go func() {
		if err := config.Watch(ctx, *configPath, func(updated *config.Config) {
			slog.Info("config hot-reloaded", "enabled", updated.Broker.Enabled)
		}); err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
	}()

	<-ctx.Done()
	slog.Info("classpulse shutting down")
}

// consoleSounder stands in for the dashboard's notification chime.
type consoleSounder struct{}

func (consoleSounder) Play() {
	slog.Info("notification sound")
}

// consoleToaster prints transient messages that the dashboard would toast.
type consoleToaster struct{}

func (consoleToaster) Show(kind, title, message string) {
	slog.Info("toast", "kind", kind, "title", title, "message", message)
}
