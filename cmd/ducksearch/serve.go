package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"ducksearch/internal/app"
	"ducksearch/internal/config"
	"ducksearch/internal/httpapi"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var (
		root    string
		host    string
		port    int
		workers int
		dev     bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve reports under --root over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), root, host, port, workers, dev)
		},
	}

	cmd.Flags().StringVar(&root, "root", ".", "report tree root (must contain reports/ and config.toml)")
	cmd.Flags().StringVar(&host, "host", "", "override config.toml's server.listen_addr host")
	cmd.Flags().IntVar(&port, "port", 0, "override config.toml's server.listen_addr port")
	cmd.Flags().IntVar(&workers, "workers", 0, "engine connection pool size (0 = 2x NumCPU)")
	cmd.Flags().BoolVar(&dev, "dev", false, "enable file-watch polling and verbose logging")

	return cmd
}

func runServe(parent context.Context, root, host string, port, workers int, dev bool) error {
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := config.LoadDotEnv(filepath.Join(root, ".env")); err != nil {
		fmt.Fprintf(os.Stderr, "warn: could not load .env: %v\n", err)
	}

	cfg, err := config.Load(filepath.Join(root, "config.toml"), root)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	cfg.Dev = dev
	if dev {
		cfg.Env = "development"
	}
	if workers > 0 {
		cfg.Server.EngineMaxConns = workers
	}
	if host != "" || port != 0 {
		cfg.Server.ListenAddr = overrideAddr(cfg.Server.ListenAddr, host, port)
	}

	var handler slog.Handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	if dev {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "detail", w)
	}

	duckDB, err := sql.Open("duckdb", "")
	if err != nil {
		return fmt.Errorf("open duckdb: %w", err)
	}
	defer duckDB.Close() //nolint:errcheck

	application, err := app.New(ctx, app.Deps{Cfg: cfg, DuckDB: duckDB, Logger: logger})
	if err != nil {
		return fmt.Errorf("app init: %w", err)
	}
	defer application.Close()

	srv := &httpapi.Server{
		Dispatcher: application.Dispatcher,
		Cache:      application.Cache,
		Filestore:  cfg.Filestore,
	}
	router := httpapi.NewRouter(srv, cfg.Server, application.Auth)

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.ListenAddr, "root", root, "dev", dev)
		var err error
		if cfg.Server.TLSCertFile != "" {
			err = httpSrv.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// overrideAddr applies --host/--port on top of a ":8080"-style listen_addr
// from config.toml, leaving whichever half the caller didn't override.
func overrideAddr(configured, host string, port int) string {
	h, p := splitHostPort(configured)
	if host != "" {
		h = host
	}
	if port != 0 {
		p = fmt.Sprintf("%d", port)
	}
	return h + ":" + p
}

func splitHostPort(addr string) (host, port string) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i], addr[i+1:]
		}
	}
	return addr, "8080"
}
