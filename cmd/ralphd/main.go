// Command ralphd is the process entrypoint: parses flags, wires the
// store/eventbus/supervisor/notify stack together, reattaches any sessions
// left over from a previous run, and serves the HTTP/WebSocket/SSE API
// until a shutdown signal arrives. Adapted from the teacher's
// cmd/kojo/main.go — same local-mode port-fallback listener and graceful
// shutdown sequence, tailscale/tsnet mode dropped (see DESIGN.md).
package main

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ralphloop/ralph/internal/config"
	"github.com/ralphloop/ralph/internal/eventbus"
	"github.com/ralphloop/ralph/internal/mux/tmux"
	"github.com/ralphloop/ralph/internal/notify"
	"github.com/ralphloop/ralph/internal/scheduled"
	"github.com/ralphloop/ralph/internal/server"
	"github.com/ralphloop/ralph/internal/store"
	"github.com/ralphloop/ralph/internal/supervisor"
	"github.com/ralphloop/ralph/web"
)

var version = "0.1.0"

func main() {
	cfg, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if cfg.Version {
		fmt.Println("ralphd", version)
		return
	}

	logLevel := slog.LevelInfo
	if cfg.Dev {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	var staticFS fs.FS
	if !cfg.Dev {
		staticFS, err = fs.Sub(web.StaticFiles, "dist")
		if err != nil {
			logger.Error("failed to load embedded static files", "err", err)
			os.Exit(1)
		}
	}

	st, err := store.New(logger)
	if err != nil {
		logger.Error("failed to open state store", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	bus := eventbus.New()
	backend := tmux.New("ralph")
	sv := supervisor.New(backend, bus, st, logger).WithMaxSessions(cfg.SessionCap)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if state, err := st.LoadState(); err != nil {
		logger.Warn("failed to load persisted state", "err", err)
	} else {
		sv.Reattach(ctx, state.Sessions)
	}

	ticker, err := scheduled.NewTicker("@every 1m", func() {
		state, err := st.LoadState()
		if err != nil {
			logger.Warn("maintenance: failed to load state", "err", err)
			return
		}
		sv.Maintenance(state)
	})
	if err != nil {
		logger.Warn("failed to start maintenance ticker", "err", err)
	} else {
		defer ticker.Stop()
	}

	notifyMgr, err := notify.NewManager(logger)
	if err != nil {
		logger.Warn("failed to initialize push notifications", "err", err)
	}

	srv := server.New(server.Config{
		Addr:            fmt.Sprintf(":%d", cfg.Port),
		DevMode:         cfg.Dev,
		Logger:          logger,
		StaticFS:        staticFS,
		Version:         version,
		NotifyManager:   notifyMgr,
		Supervisor:      sv,
		Bus:             bus,
		RespawnDefaults: config.DefaultRespawnConfig(),
	})

	if cfg.Local || cfg.Dev {
		ln, err := listenWithFallback("127.0.0.1", cfg.Port, 10, logger)
		if err != nil {
			logger.Error("failed to listen", "err", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "\n  ralphd v%s running at:\n\n    http://%s\n\n", version, ln.Addr().String())
		go func() {
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "err", err)
				os.Exit(1)
			}
		}()
	} else {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
		if err != nil {
			logger.Error("failed to listen", "err", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "\n  ralphd v%s running at:\n\n    http://%s\n\n", version, ln.Addr().String())
		go func() {
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "err", err)
				os.Exit(1)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
}

func listenWithFallback(host string, startPort, maxAttempts int, logger *slog.Logger) (net.Listener, error) {
	for i := range maxAttempts {
		port := startPort + i
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			if i > 0 {
				logger.Info("port was busy, using fallback", "requested", startPort, "actual", port)
			}
			return ln, nil
		}
		if !strings.Contains(err.Error(), "address already in use") {
			return nil, err
		}
	}
	return nil, fmt.Errorf("all ports %d-%d are in use", startPort, startPort+maxAttempts-1)
}
