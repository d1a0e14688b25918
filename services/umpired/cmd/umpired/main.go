package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"umpired/pkg/bus"
	"umpired/pkg/db"
	"umpired/pkg/render"
	gos3 "umpired/pkg/s3"
	"umpired/pkg/telemetry"
	"umpired/services/umpired/internal/config"
	"umpired/services/umpired/internal/confdoc"
	"umpired/services/umpired/internal/deploy"
	"umpired/services/umpired/internal/inventory"
	"umpired/services/umpired/internal/registry"
	"umpired/services/umpired/internal/resstore"
	"umpired/services/umpired/internal/rpc"
	"umpired/services/umpired/internal/supervisor"
)

const version = "0.5.0"

func main() {
	if err := run("umpired"); err != nil {
		log.New(os.Stderr, "", log.LstdFlags).Fatal(err)
	}
}

func run(serviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownTelemetry != nil {
			if err := shutdownTelemetry(shutdownCtx); err != nil {
				fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
			}
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := resstore.Open(cfg.ResourcesDir())
	if err != nil {
		return fmt.Errorf("open resource store: %w", err)
	}

	renderer, err := render.New()
	if err != nil {
		return fmt.Errorf("init template renderer: %w", err)
	}
	sup, err := supervisor.New(cfg.BaseDir, cfg.ResourcesDir(), cfg.RPCPort, renderer, logger)
	if err != nil {
		return fmt.Errorf("init supervisor: %w", err)
	}
	defer sup.Shutdown()

	var eventBus *bus.Bus
	if cfg.NATSURL != "" {
		eventBus, err = bus.New(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer eventBus.Close()
	}

	manager, err := deploy.NewManager(store, cfg.ConfDir(), sup, eventBus, logger)
	if err != nil {
		return fmt.Errorf("init deploy manager: %w", err)
	}

	var recorder *inventory.Recorder
	if cfg.DatabaseURL != "" {
		pool, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer pool.Close()
		if err := db.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		recorder = inventory.New(pool)
	} else {
		logger.Printf("WARN UMPIRE_DATABASE_URL not set, DUT inventory disabled")
	}

	var archive *gos3.Client
	if cfg.ReportBucket != "" {
		archive, err = gos3.NewClientFromEnv()
		if err != nil {
			return fmt.Errorf("init s3 client: %w", err)
		}
	}

	signer, err := registry.NewSignerFromEnv()
	if err != nil {
		logger.Printf("WARN bundle signing key not configured, archive import disabled: %v", err)
		signer = nil
	}

	configID, err := manager.Bootstrap(defaultConfig())
	if err != nil {
		return fmt.Errorf("bootstrap config: %w", err)
	}
	logger.Printf("INFO active config %s", configID)

	var ready atomic.Bool
	go func() {
		doc, err := manager.ActiveDocument()
		if err != nil {
			logger.Printf("ERROR load active config: %v", err)
			return
		}
		for _, serr := range sup.Reconcile(ctx, doc) {
			logger.Printf("ERROR reconcile service at startup: %v", serr)
		}
		ready.Store(true)
	}()

	srv, err := rpc.New(cfg, store, manager, sup, recorder, archive, signer, eventBus, logger, version)
	if err != nil {
		return fmt.Errorf("init rpc server: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if ready.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.Error(w, "services not reconciled", http.StatusServiceUnavailable)
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", srv.Routes())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.RPCPort),
		Handler: middleware(mux),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "%s: server shutdown error: %v\n", serviceName, err)
		}
	}()

	logger.Printf("INFO listening on %s", server.Addr)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Printf("ERROR server failed: %v", err)
		return err
	}

	return nil
}

// defaultConfig is the document installed on first boot: no bundles yet, no
// side services. The operator imports a bundle and deploys to go live.
func defaultConfig() []byte {
	doc := &confdoc.Document{
		Bundles:  []confdoc.Bundle{},
		Rulesets: []confdoc.Ruleset{},
	}
	blob, err := doc.Marshal()
	if err != nil {
		panic(err)
	}
	return blob
}
