package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/agentworkforce/relaycrm/internal/config"
	"github.com/agentworkforce/relaycrm/internal/contactsync"
	"github.com/agentworkforce/relaycrm/internal/httpapi"
	"github.com/agentworkforce/relaycrm/internal/integration"
	"github.com/agentworkforce/relaycrm/internal/logger"
	"github.com/agentworkforce/relaycrm/internal/records"
)

// app is the set of long-lived components built from one configuration.
type app struct {
	store    records.Store
	notifier *contactsync.WebhookNotifier
	service  *contactsync.Service
}

func buildApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	store, err := records.BuildStoreFromDSN(cfg.Store.DSN, records.StoreOptions{SearchFields: cfg.Store.SearchFields})
	if err != nil {
		return nil, fmt.Errorf("build record store: %w", err)
	}
	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("connect record store (%s): %w", store.Backend(), err)
	}

	gateway, err := buildGateway(cfg.Integration)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	notifier := contactsync.NewWebhookNotifier(cfg.Downstream.WebhookURL, cfg.Downstream.Timeout, log)
	opts := contactsync.Options{
		Store:             store,
		Notifier:          notifier,
		Feed:              contactsync.NewChangeFeed(0),
		Logger:            log,
		ImportConcurrency: cfg.Store.ImportConcurrency,
		ImportActions:     cfg.Import.Actions,
	}
	// A nil *HTTPGateway must not become a non-nil interface.
	if gateway != nil {
		opts.Gateway = gateway
	}
	service, err := contactsync.NewService(opts)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &app{store: store, notifier: notifier, service: service}, nil
}

func buildGateway(cfg config.IntegrationConfig) (*integration.HTTPGateway, error) {
	if cfg.BaseURL == "" {
		return nil, nil
	}
	minter, err := integration.NewTokenMinter(cfg.WorkspaceKey, cfg.WorkspaceSecret, cfg.TokenTTL)
	if err != nil {
		return nil, err
	}
	return integration.NewHTTPGateway(integration.HTTPGatewayOptions{
		BaseURL:    cfg.BaseURL,
		Minter:     minter,
		HTTPClient: &http.Client{Timeout: cfg.Timeout},
	})
}

func (a *app) handler(cfg *config.Config, log *slog.Logger) (*httpapi.Server, error) {
	return httpapi.NewServer(a.service, httpapi.ServerConfig{
		JWTSecret:           cfg.Auth.JWTSecret,
		AllowHeaderIdentity: cfg.Auth.AllowHeaderIdentity,
		AllowQueryIdentity:  cfg.Auth.AllowQueryIdentity,
		WebhookSecret:       cfg.Auth.WebhookSecret,
		WebhookMaxSkew:      cfg.Auth.WebhookMaxSkew,
		RateLimitPerMinute:  cfg.Server.RateLimitPerMinute,
		RateLimitBurst:      cfg.Server.RateLimitBurst,
		MaxBodyBytes:        cfg.Server.MaxBodyBytes,
		PageSize:            cfg.Store.PageSize,
	}, log)
}

// applyReload pushes hot-reloadable settings into the running components.
func (a *app) applyReload(r config.Reloadable, log *slog.Logger) {
	a.notifier.SetURL(r.DownstreamURL)
	a.service.SetImportActions(r.ImportActions)
	if r.LogLevel != "" {
		logger.SetLevel(r.LogLevel)
	}
	log.Info("config reloaded", "downstreamConfigured", r.DownstreamURL != "", "importActions", a.service.ImportActions(), "logLevel", r.LogLevel)
}

func (a *app) Close() error {
	return a.store.Close()
}
