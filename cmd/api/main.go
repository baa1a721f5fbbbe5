package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"b24app.dev/internal/account"
	"b24app.dev/internal/auth"
	"b24app.dev/internal/config"
	"b24app.dev/internal/httpapi"
	"b24app.dev/internal/installation"
	"b24app.dev/internal/obs"
	"b24app.dev/internal/portal"
	"b24app.dev/internal/store/pg"
	"b24app.dev/internal/webhook"
)

var (
	version = "0.1.0"
	commit  = ""
)

func main() {
	if err := run(); err != nil {
		obs.Logger().Error("api stopped", obs.Err(err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	obs.SetLevel(cfg.LogLevel)
	obs.Init()
	obs.InitBuildInfo(version, commit)
	log := obs.Logger()

	codec, err := auth.NewTokenCodec([]byte(cfg.JWT.Secret), cfg.JWT.Algorithm, cfg.JWT.TTL(),
		auth.WithIssuer(cfg.JWT.Issuer))
	if err != nil {
		return err
	}

	// Postgres when a DSN is configured, otherwise a process-local store.
	var (
		store account.Store
		ready httpapi.ReadyProbe
	)
	if cfg.PGDSN != "" {
		pgStore, err := pg.Open(cfg.PGDSN)
		if err != nil {
			return err
		}
		defer pgStore.Close()
		store, ready = pgStore, httpapi.ReadyProbe{DB: pgStore.DB()}
	} else {
		log.Warn("B24APP_PG_DSN is empty, accounts are kept in memory")
		store = account.NewInMemory()
	}

	clients := portal.NewFactory(portal.Config{
		ClientID:     cfg.Portal.ClientID,
		ClientSecret: cfg.Portal.ClientSecret,
		Scope:        cfg.Portal.Scope,
		TokenURL:     cfg.Portal.TokenURL,
		Timeout:      cfg.Portal.Timeout(),
	}, store)
	orchestrator := installation.NewOrchestrator(store, clients, installation.Options{
		ApplicationHost: cfg.Portal.ApplicationHost,
		Scope:           cfg.Portal.Scope,
	})
	events := webhook.NewRouter(store, clients, orchestrator)
	events.Register(webhook.EventCRMContactAdd, webhook.ContactAdded)

	origins := append([]string{cfg.Portal.ApplicationHost}, cfg.CORSOrigins...)
	proxies, err := httpapi.ParseProxies(cfg.TrustedProxies)
	if err != nil {
		return err
	}
	api := httpapi.New(httpapi.Options{
		Codec:          codec,
		Installer:      orchestrator,
		Events:         events,
		Ready:          ready,
		Version:        version,
		RateBurst:      cfg.RateBurst,
		RatePerSecond:  cfg.RatePerSecond,
		AllowedOrigins: origins,
		TrustedProxies: proxies,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcSrv := httpapi.NewGRPCServer(ready)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go grpcSrv.Watch(ctx, 10*time.Second)
	go func() {
		if err := grpcSrv.Server().Serve(lis); err != nil {
			errCh <- err
		}
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	log.Info("b24app api started",
		"version", version, "http_addr", cfg.HTTPAddr, "grpc_addr", cfg.GRPCAddr,
		"webhook", orchestrator.WebhookURL(), "event_codes", events.Codes())

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		log.Error("server failed", obs.Err(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	grpcSrv.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info("stopped")
	return nil
}
