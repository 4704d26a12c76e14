package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/omnia-network/omnia-core/config"
	"github.com/omnia-network/omnia-core/internal/accesskey"
	"github.com/omnia-network/omnia-core/internal/challenge"
	"github.com/omnia-network/omnia-core/internal/ledger"
	"github.com/omnia-network/omnia-core/internal/rdf"
	"github.com/omnia-network/omnia-core/internal/registry"
	"github.com/omnia-network/omnia-core/internal/service"
	"github.com/omnia-network/omnia-core/internal/store"
	"github.com/omnia-network/omnia-core/principal"
)

const identityFileName = "identity.key"

var (
	logger         *slog.Logger
	configPath     string
	generateConfig bool
	verbose        bool
)

func init() {
	flag.StringVar(&configPath, "config", "omnia.yaml", "Path to the service configuration file")
	flag.BoolVar(&generateConfig, "generate-config", false, "Write a default configuration file and exit")
	flag.BoolVar(&verbose, "verbose", false, "Enable debug logging")
}

func main() {
	flag.Parse()

	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	if generateConfig {
		if err := writeDefaultConfig(configPath); err != nil {
			logger.Error("Failed to write default configuration", "path", configPath, "error", err)
			os.Exit(1)
		}
		logger.Info("Default configuration written", "path", configPath)
		return
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Error("Failed to load configuration", "path", configPath, "error", err)
		os.Exit(1)
	}

	identity, err := loadOrCreateIdentity(cfg)
	if err != nil {
		logger.Error("Failed to load service identity", "error", err)
		os.Exit(1)
	}
	logger.Info("Service identity ready", "principal", identity.Text())

	db, err := store.New(store.Config{
		Logger:    logger,
		Directory: filepath.Join(cfg.DataDir, config.StoreDirName),
	})
	if err != nil {
		logger.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("Failed to close store", "error", err)
		}
	}()

	challenges := challenge.New(challenge.Config{
		Logger:    logger,
		NonceTTL:  cfg.Challenge.NonceTTL,
		ProxyIpv4: cfg.Proxy.Ipv4,
	})
	defer challenges.Stop()

	semantic := rdf.New(rdf.Config{
		Logger:         logger,
		QueryEndpoint:  cfg.SemanticStore.QueryEndpoint,
		UpdateEndpoint: cfg.SemanticStore.UpdateEndpoint,
	})

	reg := registry.New(registry.Config{
		Logger:          logger,
		Store:           db,
		Challenges:      challenges,
		Semantic:        semantic,
		ProxyHost:       cfg.Proxy.Host,
		ProfileCacheTTL: cfg.Cache.Profiles,
	})
	defer reg.Stop()

	accessKeys := accesskey.New(accesskey.Config{
		Logger:   logger,
		Store:    db,
		Registry: reg,
		Ledger: ledger.New(ledger.Config{
			Logger:   logger,
			Endpoint: cfg.Ledger.Endpoint,
		}),
		BackendAccount: identity.Text(),
		PriceE8s:       cfg.AccessKeys.PriceE8s,
		RequestsLimit:  cfg.AccessKeys.RequestsLimit,
		SpendOnVerify:  cfg.AccessKeys.SpendOnVerify,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	core := service.New(ctx, service.Config{
		Logger:     logger,
		Cfg:        cfg,
		Identity:   identity,
		Challenges: challenges,
		Registry:   reg,
		AccessKeys: accessKeys,
	})

	core.Run()
	logger.Info("Application exiting.")
}

func writeDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("refusing to overwrite existing file %s", path)
	}
	data, err := yaml.Marshal(config.GenerateConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// loadOrCreateIdentity restores the daemon identity from the data directory,
// generating and sealing a fresh one on first start. The key file is sealed
// with the instance secret, so changing the secret orphans the identity.
func loadOrCreateIdentity(cfg *config.Config) (principal.Identity, error) {
	identityDir := filepath.Join(cfg.DataDir, config.IdentityDirName)
	if err := os.MkdirAll(identityDir, 0700); err != nil {
		return nil, err
	}
	identityPath := filepath.Join(identityDir, identityFileName)

	sealed, err := os.ReadFile(identityPath)
	if err == nil {
		return principal.Import([]byte(cfg.InstanceSecret), sealed)
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	identity, err := principal.Generate()
	if err != nil {
		return nil, err
	}
	sealed, err = identity.Export([]byte(cfg.InstanceSecret))
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(identityPath, sealed, 0600); err != nil {
		return nil, err
	}
	logger.Info("Generated new service identity", "path", identityPath)
	return identity, nil
}
