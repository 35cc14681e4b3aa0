// Package main is the entry point for the statement gateway server. It opens
// DuckDB, wires the gateway, and serves the HTTP API until SIGINT or SIGTERM.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"duck-coordinator/internal/app"
	"duck-coordinator/internal/config"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// serverFlags are command-line overrides applied after file and env config.
type serverFlags struct {
	configFile string
	envFile    string
	listenAddr string
	logLevel   string
}

func parseFlags(args []string) (serverFlags, *pflag.FlagSet, error) {
	var f serverFlags
	fs := pflag.NewFlagSet("duckq-server", pflag.ContinueOnError)
	fs.StringVar(&f.configFile, "config", os.Getenv("CONFIG_FILE"), "YAML config file")
	fs.StringVar(&f.envFile, "env-file", ".env", "Dotenv file loaded before reading the environment")
	fs.StringVar(&f.listenAddr, "listen", "", "HTTP listen address (overrides LISTEN_ADDR)")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")
	if err := fs.Parse(args); err != nil {
		return f, fs, err
	}
	return f, fs, nil
}

func run(args []string) error {
	flags, fs, err := parseFlags(args)
	if err != nil {
		return err
	}

	if err := config.LoadDotEnv(flags.envFile); err != nil {
		return fmt.Errorf("load %s: %w", flags.envFile, err)
	}
	// CONFIG_FILE may come from the dotenv file.
	if !fs.Changed("config") && flags.configFile == "" {
		flags.configFile = os.Getenv("CONFIG_FILE")
	}
	cfg, err := config.Load(flags.configFile)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if fs.Changed("listen") {
		cfg.ListenAddr = flags.listenAddr
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = flags.logLevel
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "warning", w)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	db, err := sql.Open("duckdb", cfg.Engine.DuckDBPath)
	if err != nil {
		return fmt.Errorf("open duckdb: %w", err)
	}
	defer db.Close() //nolint:errcheck
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping duckdb: %w", err)
	}
	dbLabel := cfg.Engine.DuckDBPath
	if dbLabel == "" {
		dbLabel = ":memory:"
	}
	logger.Info("duckdb opened", "path", dbLabel)

	gw, err := app.New(app.Deps{Cfg: cfg, DuckDB: db, Logger: logger})
	if err != nil {
		return fmt.Errorf("wire gateway: %w", err)
	}
	if err := gw.Start(); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           gw.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gateway listening",
			"addr", cfg.ListenAddr,
			"env", cfg.Env,
			"admission_mode", cfg.Admission.Mode,
			"proxy_prefix", cfg.ProxyPrefix)
		logger.Info("try: curl -d 'SELECT 42' http://" + curlHostForListenAddr(cfg.ListenAddr) + "/v1/statement")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(srv.Shutdown(shutdownCtx), gw.Shutdown(shutdownCtx))
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// curlHostForListenAddr turns a listen address into a host:port a local
// curl can reach. Wildcard and empty hosts become localhost.
func curlHostForListenAddr(listenAddr string) string {
	addr := strings.TrimSpace(listenAddr)
	if addr == "" {
		return "localhost:8080"
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}
