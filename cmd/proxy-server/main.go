// Command proxy-server runs the reverse proxy front door: it loads the
// Config, wires the Credential Store, Account Pool, Quota Poller, Request
// Transformer and Upstream Dispatcher, and serves the HTTP API until it
// receives a termination signal.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/antigravity-bridge/proxy/internal/accounts"
	"github.com/antigravity-bridge/proxy/internal/api"
	"github.com/antigravity-bridge/proxy/internal/config"
	"github.com/antigravity-bridge/proxy/internal/credstore"
	"github.com/antigravity-bridge/proxy/internal/dispatch"
	"github.com/antigravity-bridge/proxy/internal/logging"
	"github.com/antigravity-bridge/proxy/internal/sigcache"
	"github.com/antigravity-bridge/proxy/internal/transform"
)

var (
	// Version is overridden at build time with -ldflags.
	Version = "dev"
)

func init() {
	logging.Setup(logging.Options{})
	_ = godotenv.Load()
}

func main() {
	var configPath string
	var listenAddr string
	var debug bool
	flag.StringVar(&configPath, "config", "", "path to the YAML config file")
	flag.StringVar(&listenAddr, "listen", "", "override the configured listen address")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if debug {
		cfg.Debug = true
	}
	logging.Setup(logging.Options{Debug: cfg.Debug, LogFile: cfg.LogFile})

	log.WithFields(log.Fields{"version": Version, "listen": cfg.ListenAddr, "data_dir": cfg.DataDir}).Info("starting proxy front door")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.WithError(err).Fatal("failed to create data directory")
	}

	cred := newCredStore(cfg)

	pool := accounts.NewPool(cred, cfg.IsModelVisible, cfg.AutoSwitchEnabled)
	restoreAccounts(pool, cfg.DataDir)

	oauthConfigs := accounts.DefaultOAuthConfigs(fmt.Sprintf("http://localhost:%d/oauth/callback", 51121))
	onboarders := make(map[string]*accounts.Onboarder, len(oauthConfigs))
	for name, oc := range oauthConfigs {
		onboarders[name] = accounts.NewOnboarder(oc, http.DefaultClient)
	}

	fetcher := accounts.NewCredentialQuotaFetcher(cred, oauthConfigs, cfg.DataDir, http.DefaultClient)
	poller := accounts.NewPoller(pool, fetcher, accounts.DefaultPollInterval)

	proxyURL := ""
	if cfg.UpstreamProxy.Enabled {
		proxyURL = cfg.UpstreamProxy.URL
	}
	dispatcher, err := dispatch.New(cfg.InternalBaseURLs, cfg.RequestUserAgent, cfg.Timeout(), proxyURL)
	if err != nil {
		log.WithError(err).Fatal("failed to build upstream dispatcher")
	}

	server := api.New(api.Deps{
		Config:     cfg,
		ConfigPath: configPath,
		DataDir:    cfg.DataDir,
		Pool:       pool,
		Cred:       cred,
		SigStore:   sigcache.New(0),
		Dispatcher: dispatcher,
		Poller:     poller,
		Router:     transform.ModelRouter{},
		Onboarders: onboarders,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopPersist := make(chan struct{})
	go accounts.PersistOn(pool, cfg.DataDir, stopPersist)

	poller.Start(ctx)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Engine(),
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining in-flight requests")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http server shutdown did not complete cleanly")
	}

	poller.Stop()
	close(stopPersist)
	cancel()

	log.Info("proxy front door stopped")
}

// newCredStore builds the Credential Store's three-tier key source chain
// (spec §3): an environment-injected key takes priority over the
// file-scoped key this process maintains under the data directory, which
// in turn takes priority over a read-only legacy file some earlier
// deployment may have left behind.
func newCredStore(cfg *config.Config) *credstore.Store {
	primary := credstore.NewEnvKeySource("env", "PROXY_MASTER_KEY_HEX")
	fileTier := credstore.NewFileKeySource("file", filepath.Join(cfg.DataDir, ".credential_key"), true)
	legacy := credstore.NewFileKeySource("legacy-file", filepath.Join(cfg.DataDir, "master.key"), false)

	if _, err := primary.Key(); err == nil {
		return credstore.New(primary, fileTier, legacy)
	}
	return credstore.New(fileTier, legacy)
}

func restoreAccounts(pool *accounts.Pool, dataDir string) {
	accts, err := accounts.LoadAccounts(dataDir)
	if err != nil {
		log.WithError(err).Warn("failed to load persisted accounts")
		return
	}
	pool.Restore(accts)
	log.WithField("count", len(accts)).Info("restored accounts from disk")
}
