package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/devbrowser/relay/cmd/config"
	"github.com/devbrowser/relay/lib/logger"
	"github.com/devbrowser/relay/lib/pagestore"
	"github.com/devbrowser/relay/lib/relay"
)

func main() {
	slogger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		slogger.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	slogger.Info("relay configuration", "config", cfg)

	// context cancellation on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	storePath := filepath.Join(cfg.DataDir, "pages.json")
	if cfg.DataDir == "" {
		storePath, err = pagestore.DefaultPath()
		if err != nil {
			slogger.Error("failed to resolve page store path", "err", err)
			os.Exit(1)
		}
	}
	store := pagestore.New(storePath, cfg.PageMaxAge, slogger)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	rly := relay.New(relay.Config{
		Addr:               addr,
		MaxTabsPerSession:  cfg.MaxTabsPerSession,
		WarnTabsPerSession: cfg.WarnTabsPerSession,
		ExtensionTimeout:   cfg.ExtensionTimeout,
		AttachEventWait:    cfg.AttachEventWait,
		DetachGrace:        cfg.DetachGrace,
		RecoveryDelay:      cfg.RecoveryDelay,
		SaveDebounce:       cfg.SaveDebounce,
	}, store, slogger)

	r := chi.NewRouter()
	r.Use(
		chiMiddleware.Recoverer,
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				ctxWithLogger := logger.AddToContext(req.Context(), slogger)
				next.ServeHTTP(w, req.WithContext(ctxWithLogger))
			})
		},
	)
	r.Mount("/", rly.Routes())

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		slogger.Info("relay server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slogger.Error("relay server failed", "err", err)
			stop()
		}
	}()

	// graceful shutdown
	<-ctx.Done()
	slogger.Info("shutdown signal received")

	g, _ := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Shutdown(context.Background())
	})
	g.Go(func() error {
		rly.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		slogger.Error("relay failed to shutdown", "err", err)
	}
}
