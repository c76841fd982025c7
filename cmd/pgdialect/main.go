// Command pgdialect opens one dialect from a YAML configuration and serves
// its health, state and Prometheus metrics over HTTP.
//
//	pgdialect -config pgdialect.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/koustreak/pgdialect/internal/config"
	"github.com/koustreak/pgdialect/internal/dialect"
	"github.com/koustreak/pgdialect/internal/logger"
	"github.com/koustreak/pgdialect/internal/metrics"
)

const (
	namespace       = "pgdialect"
	shutdownTimeout = 10 * time.Second
)

func main() {
	configPath := flag.String("config", os.Getenv("PGDIALECT_CONFIG"), "path to the YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.New(nil).Fatalf("failed to load configuration: %v", err)
	}
	log := logger.New(&cfg.Logging)

	if err := run(cfg, log); err != nil {
		log.Fatalf("pgdialect stopped: %v", err)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := dialect.New(cfg.Credentials, &cfg.Connection,
		dialect.WithLogger(log),
		dialect.WithDebug(cfg.Logging.Level == "debug"),
	)
	if err != nil {
		return err
	}
	if _, err := d.Init(ctx, dialect.InitOptions{}); err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if n, err := d.Close(closeCtx); err != nil {
			log.ErrorWith("failed to close dialect", err, map[string]interface{}{"uncommitted": n})
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewPoolCollector(namespace, d),
	)
	hm := metrics.NewHTTPMetrics(namespace, reg)

	probe := func(ctx context.Context) error {
		_, err := d.Exec(ctx, "SELECT 1", dialect.ExecOptions{Type: dialect.StatementRead}, nil, dialect.Meta{Name: "healthz"})
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           newRouter(d, probe, reg, hm, log),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.InfoWith("http server listening", map[string]interface{}{"addr": cfg.Server.Listen, "pool_id": d.ID()})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
