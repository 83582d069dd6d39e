package core

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/awsl-project/agproxy/internal/adapter/client"
	"github.com/awsl-project/agproxy/internal/adapter/provider"
	"github.com/awsl-project/agproxy/internal/config"
	"github.com/awsl-project/agproxy/internal/conversation"
	"github.com/awsl-project/agproxy/internal/converter"
	"github.com/awsl-project/agproxy/internal/credential"
	"github.com/awsl-project/agproxy/internal/domain"
	"github.com/awsl-project/agproxy/internal/executor"
	"github.com/awsl-project/agproxy/internal/handler"
	"github.com/awsl-project/agproxy/internal/repository"
	"github.com/awsl-project/agproxy/internal/repository/mongo"
	"github.com/awsl-project/agproxy/internal/repository/sqlite"
	"github.com/awsl-project/agproxy/internal/router"
	"github.com/awsl-project/agproxy/internal/sanitizer"
	"github.com/awsl-project/agproxy/internal/signature"
)

// Components holds every long-lived object the server runs on.
type Components struct {
	Config *config.Config

	Store     *signature.Store
	Sanitizer *sanitizer.Sanitizer
	Registry  *converter.Registry
	Creds     *credential.Manager
	Convs     *conversation.Manager
	Router    *router.Router
	Executor  *executor.Executor

	DB        *sqlite.DB
	UsageRepo repository.UsageRepository
	ConvRepo  repository.ConversationRepository
	// Prunes expired rows from the persistent signature mirror; nil for
	// MongoDB, where the TTL index handles expiry.
	MirrorSweep func() (int64, error)

	ClientAdapter *client.Adapter
	WSHub         *handler.WebSocketHub
	PanelAuth     *handler.PanelAuth
	ProxyHandler  *handler.ProxyHandler
	AdminHandler  *handler.AdminHandler
}

// Initialize wires the full component graph from configuration.
func Initialize(ctx context.Context, cfg *config.Config, logPath string) (*Components, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}

	log.Printf("[Core] Opening database")
	dsn := cfg.DatabaseDSN
	if dsn == "" {
		dsn = "sqlite://" + filepath.Join(cfg.DataDir, "agproxy.db")
	}
	db, err := sqlite.NewDBWithDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}

	store := signature.NewStore(cfg.SignatureMaxEntries)
	convs := conversation.NewManager(cfg.ConversationTTL)
	usageRepo := sqlite.NewUsageRepository(db)
	convRepo := sqlite.NewConversationRepository(db)

	var mirrorSweep func() (int64, error)
	if cfg.MongoDBURI != "" {
		dbName := cfg.MongoDBDatabase
		if dbName == "" {
			dbName = "agproxy"
		}
		mirror, err := mongo.NewSignatureMirror(ctx, cfg.MongoDBURI, dbName)
		if err != nil {
			return nil, fmt.Errorf("mongodb mirror: %w", err)
		}
		store.SetMirror(mirror)
		convStore, err := mongo.NewConversationStore(ctx, cfg.MongoDBURI, dbName)
		if err != nil {
			return nil, fmt.Errorf("mongodb conversations: %w", err)
		}
		convs.SetMirror(convStore)
		log.Printf("[Core] Signature and conversation mirrors: mongodb/%s", dbName)
	} else {
		mirror := sqlite.NewSignatureMirrorRepository(db)
		store.SetMirror(mirror)
		convs.SetMirror(convRepo)
		mirrorSweep = func() (int64, error) { return mirror.DeleteExpired() }
		log.Printf("[Core] Signature and conversation mirrors: %s", dsn)
	}

	creds := credential.NewManager(credential.Options{
		AutoBan:          cfg.AutoBan,
		CallsPerRotation: cfg.CallsPerRotation,
	})
	loadCredentials(cfg, creds)

	rt := router.NewRouter(cfg.Backends, routingRules(cfg))
	registry := converter.NewRegistry()

	proxies := provider.Proxies{Default: cfg.Proxy, GoogleAPI: cfg.GoogleAPIProxyURL}
	adapters := make(map[string]provider.Adapter, len(cfg.Backends))
	var locals []*provider.LocalAdapter
	for _, b := range cfg.Backends {
		adapter, err := provider.NewAdapter(b, proxies)
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", b.Key, err)
		}
		if local, ok := adapter.(*provider.LocalAdapter); ok {
			locals = append(locals, local)
		}
		adapters[b.Key] = adapter
	}

	refresher := provider.NewTokenRefresher(cfg.OAuthProxyURL, cfg.Proxy)
	exec := executor.New(rt, creds, registry, adapters, executor.Options{
		Retry429MaxRetries: cfg.Retry429MaxRetries,
		Retry429Interval:   cfg.Retry429Interval,
		Refresh:            refresher.Refresh,
	})

	san := sanitizer.New(store)
	clientAdapter := client.NewAdapter()

	wsHub := handler.NewWebSocketHub()
	log.SetOutput(handler.NewWebSocketLogWriter(wsHub, os.Stdout, logPath))

	c := &Components{
		Config:        cfg,
		Store:         store,
		Sanitizer:     san,
		Registry:      registry,
		Creds:         creds,
		Convs:         convs,
		Router:        rt,
		Executor:      exec,
		DB:            db,
		UsageRepo:     usageRepo,
		ConvRepo:      convRepo,
		MirrorSweep:   mirrorSweep,
		ClientAdapter: clientAdapter,
		WSHub:         wsHub,
		PanelAuth:     handler.NewPanelAuth(cfg.PanelPassword),
	}
	c.ProxyHandler = handler.NewProxyHandler(
		clientAdapter, registry, san, store, convs, rt, exec, usageRepo,
		cfg.APIPassword, cfg.AntiTruncationMaxAttempts, cfg.CompatibilityMode)
	c.AdminHandler = handler.NewAdminHandler(cfg, store, creds, convs, usageRepo, logPath)

	// Local backends call back into the handler just built.
	for _, local := range locals {
		local.SetLocal(c.localInvoke)
	}
	if len(locals) > 0 {
		log.Printf("[Core] %d local backends wired in-process", len(locals))
	}

	log.Printf("[Core] Components initialized: %d backends, %d routing rules",
		len(cfg.Backends), len(cfg.RoutingRules))
	return c, nil
}

// loadCredentials builds the per-backend pools from static API keys and
// the identity-file directory.
func loadCredentials(cfg *config.Config, creds *credential.Manager) {
	for _, b := range cfg.Backends {
		if len(b.APIKeys) > 0 {
			creds.LoadAPIKeys(b.Key, b.APIKeys)
		}

		dir := filepath.Join(cfg.DataDir, "identities", b.Key)
		loaded, err := credential.LoadIdentityDir(dir)
		if err != nil {
			log.Printf("[Core] Identity dir %s: %v", dir, err)
			continue
		}
		if len(loaded) > 0 {
			creds.Load(b.Key, loaded)
			log.Printf("[Core] Loaded %d identities for %s", len(loaded), b.Key)
		}
	}
}

func routingRules(cfg *config.Config) []*domain.ModelRoutingRule {
	rules := make([]*domain.ModelRoutingRule, 0, len(cfg.RoutingRules))
	for i := range cfg.RoutingRules {
		rules = append(rules, &cfg.RoutingRules[i])
	}
	return rules
}

// Close releases held resources.
func (c *Components) Close() error {
	if c.DB != nil {
		return c.DB.Close()
	}
	return nil
}
