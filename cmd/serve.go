package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/voicebridge/internal/bridge"
	"github.com/nextlevelbuilder/voicebridge/internal/classify"
	"github.com/nextlevelbuilder/voicebridge/internal/config"
	"github.com/nextlevelbuilder/voicebridge/internal/device"
	"github.com/nextlevelbuilder/voicebridge/internal/gateway"
	"github.com/nextlevelbuilder/voicebridge/internal/pairing"
	"github.com/nextlevelbuilder/voicebridge/internal/tracing"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge server (tool gateway + device endpoint)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(resolveConfigPath())
		},
	}
}

// deviceTokens holds the device auth table, swappable on config reload.
type deviceTokens struct {
	mu     sync.RWMutex
	tokens map[string]string
}

func (d *deviceTokens) validate(userID, token string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	expected, ok := d.tokens[userID]
	return ok && expected != "" && expected == token
}

func (d *deviceTokens) replace(tokens map[string]string) {
	d.mu.Lock()
	d.tokens = tokens
	d.mu.Unlock()
}

func runServe(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		shutdown, err := tracing.Setup(ctx, tracing.Config{
			Endpoint: cfg.Telemetry.Endpoint,
			Protocol: cfg.Telemetry.Protocol,
			Insecure: cfg.Telemetry.Insecure,
		})
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdown(shutdownCtx)
		}()
	}

	stores, err := openBackends(cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	tokens := &deviceTokens{tokens: cfg.Devices.Tokens}

	registry := device.NewRegistry()
	bridges := bridge.NewManager(registry, classify.New(), stores.requests)
	pairingSvc := pairing.NewService(stores.pairings)

	deviceSrv := device.NewServer(registry, tokens.validate, device.Hooks{
		OnReady: bridges.Replay,
		OnPairingClaim: func(ctx context.Context, userID, code string) error {
			return pairingSvc.Claim(ctx, userID, code)
		},
	})

	var limiter *gateway.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = gateway.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	}
	gw := gateway.NewServer(pairingSvc, bridges, stores.requests, limiter)

	mux := http.NewServeMux()
	mux.Handle(cfg.Server.MCPPath, gw.Handler())
	mux.Handle(cfg.Server.DevicePath, deviceSrv)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"status":"ok","devices":%d}`, registry.Count())
	})

	// Hot reload covers the device token table; listener and store
	// changes still need a restart.
	if watcher, err := config.NewWatcher(config.ExpandHome(cfgPath)); err == nil {
		watcher.OnChange(func(next *config.Config) {
			tokens.replace(next.Devices.Tokens)
			slog.Info("device tokens reloaded", "count", len(next.Devices.Tokens))
		})
		if err := watcher.Start(); err != nil {
			slog.Warn("config watcher not started", "error", err)
		} else {
			defer watcher.Stop()
		}
	}

	// Periodic sweep of idle transport sessions.
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := gw.Sessions().Sweep(); n > 0 {
					slog.Debug("transport sessions swept", "removed", n)
				}
			}
		}
	}()

	srv := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: mux,
		// No global read/write timeouts: notify calls legitimately hold
		// their response open for up to an hour.
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("voicebridge listening",
			"addr", cfg.Server.Listen,
			"mcp", cfg.Server.MCPPath,
			"device", cfg.Server.DevicePath,
			"backend", cfg.Store.Backend,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	registry.ShutdownAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
