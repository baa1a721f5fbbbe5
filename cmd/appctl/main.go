// Command appctl is the operator console: remote event subscriptions, CRM
// smoke actions, tenant accounts and session tokens.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"b24app.dev/internal/account"
	"b24app.dev/internal/config"
	"b24app.dev/internal/obs"
	"b24app.dev/internal/portal"
	"b24app.dev/internal/store/pg"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		obs.Logger().Error("load config", obs.Err(err))
		os.Exit(2)
	}
	obs.SetLevel(cfg.LogLevel)

	f := &commandFactory{
		cfg: cfg,
		openStore: func(context.Context) (account.Store, func(), error) {
			if cfg.PGDSN == "" {
				return nil, nil, errNoDatabase
			}
			s, err := pg.Open(cfg.PGDSN)
			if err != nil {
				return nil, nil, err
			}
			return s, func() { _ = s.Close() }, nil
		},
		newClients: func(store account.Store) portal.ClientFactory {
			return portal.NewFactory(portal.Config{
				ClientID:     cfg.Portal.ClientID,
				ClientSecret: cfg.Portal.ClientSecret,
				Scope:        cfg.Portal.Scope,
				TokenURL:     cfg.Portal.TokenURL,
				Timeout:      cfg.Portal.Timeout(),
			}, store)
		},
	}
	if err := f.newRootCmd(ctx).Execute(); err != nil {
		os.Exit(1)
	}
}
