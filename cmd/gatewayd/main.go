package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loomgate/loomgate/internal/config"
	"github.com/loomgate/loomgate/internal/core"
	"github.com/loomgate/loomgate/internal/credit"
	creditpg "github.com/loomgate/loomgate/internal/credit/postgres"
	creditsqlite "github.com/loomgate/loomgate/internal/credit/sqlite"
	"github.com/loomgate/loomgate/internal/httpserver"
	"github.com/loomgate/loomgate/internal/identity"
	"github.com/loomgate/loomgate/internal/logging"
	"github.com/loomgate/loomgate/internal/provider"
	"github.com/loomgate/loomgate/internal/session"
	"github.com/loomgate/loomgate/internal/version"
)

func main() {
	configPath := flag.String("config", "config/gateway.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	const maxLogBytes = int64(300 * 1024 * 1024) // 300MB
	if logTarget := strings.TrimSpace(cfg.LogFile); logTarget != "" {
		rot, err := logging.NewRotatingWriter(logTarget, maxLogBytes)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		// Mirror to stdout as well for foreground runs
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
		log.SetPrefix("[gatewayd] ")
		defer rot.Close()
	}
	log.Printf("starting %s", version.FullInfo())

	verifier := identity.NewVerifier(cfg.AuthSecret)
	registry := session.NewRegistry()

	var gate credit.Gate
	var recorder core.Recorder
	switch cfg.Credit.Backend {
	case "sqlite":
		store, err := creditsqlite.New(cfg.Credit.SQLitePath)
		if err != nil {
			log.Fatalf("open credit store: %v", err)
		}
		defer store.Close()
		gate, recorder = store, store
		log.Printf("credit store: sqlite path=%s", cfg.Credit.SQLitePath)
	case "postgres":
		store, err := creditpg.New(cfg.Credit.PostgresDSN, cfg.Credit.MaxOpen, cfg.Credit.MaxIdle, time.Hour, 10*time.Minute)
		if err != nil {
			log.Fatalf("open credit store: %v", err)
		}
		defer store.Close()
		gate, recorder = store, store
		log.Printf("credit store: postgres")
	default:
		gate = credit.AllowAll{}
		log.Printf("credit store: disabled, all requests allowed")
	}

	client, err := provider.NewClient(provider.Config{
		APIKey:         cfg.Provider.APIKey,
		BaseURL:        cfg.Provider.BaseURL,
		RequestTimeout: cfg.Provider.RequestTimeout(),
	})
	if err != nil {
		log.Fatalf("init provider client: %v", err)
	}
	normalizer := provider.NewNormalizer(provider.WithPartialWait(cfg.Provider.PartialWait()))

	engine := core.NewEngine(registry, gate, recorder, client, normalizer)
	server := httpserver.New(engine, verifier)

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening addr=%s", cfg.ListenAddr)
		errCh <- httpSrv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Printf("received signal %v, shutting down", sig)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server failed: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	registry.Drain()
	log.Printf("bye")
}
