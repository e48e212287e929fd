// Package main provides the entry point for the embedgate server.
// The server fronts embedding and reranking model runtimes behind a single
// HTTP API, loading models on demand and keeping them cached for reuse.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/weavink/embedgate/internal/api"
	"github.com/weavink/embedgate/internal/config"
	"github.com/weavink/embedgate/internal/dispatcher"
	"github.com/weavink/embedgate/internal/logging"
	log "github.com/weavink/embedgate/internal/logging"
	"github.com/weavink/embedgate/internal/modelcache"
	"github.com/weavink/embedgate/internal/provider"
	"github.com/weavink/embedgate/internal/provider/fastembed"
	"github.com/weavink/embedgate/internal/provider/sentencetransformers"
	"github.com/weavink/embedgate/internal/registry"
	"github.com/weavink/embedgate/internal/usage"
	"github.com/weavink/embedgate/internal/watcher"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func init() {
	logging.SetupBaseLogger()
}

func main() {
	fmt.Printf("embedgate Version: %s, Commit: %s, BuiltAt: %s\n", Version, Commit, BuildDate)

	var (
		configPath string
		initConfig bool
		host       string
		port       int
		debug      bool
		noPreload  bool
	)
	flag.StringVar(&configPath, "config", "config.yaml", "Configure File Path")
	flag.BoolVar(&initConfig, "init", false, "Write a default config file and exit")
	flag.StringVar(&host, "host", "", "Bind address (overrides config)")
	flag.IntVar(&port, "port", 0, "Listen port (overrides config)")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging (overrides config)")
	flag.BoolVar(&noPreload, "no-preload", false, "Skip eager model warmup at startup")
	flag.Parse()

	if initConfig {
		doInitConfig(configPath)
		return
	}

	wd, err := os.Getwd()
	if err != nil {
		log.Fatalf("failed to get working directory: %v", err)
	}

	// Load environment variables from .env if present.
	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	// Expand ~ to home directory.
	if strings.HasPrefix(configPath, "~/") {
		if home, errHome := os.UserHomeDir(); errHome == nil {
			configPath = filepath.Join(home, configPath[2:])
		}
	}

	// Always optional=true for file-based config to support zero-config startup.
	cfg, err := config.LoadConfigOptional(configPath, true)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if host != "" {
		cfg.Host = host
	}
	if port != 0 {
		cfg.Port = port
	}
	if debug {
		cfg.Debug = true
	}

	if err = logging.ConfigureLogOutput(cfg.LoggingToFile); err != nil {
		log.Fatalf("failed to configure log output: %v", err)
	}
	applyLogLevel(cfg)

	log.Infof("embedgate Version: %s, Commit: %s, BuiltAt: %s", Version, Commit, BuildDate)

	var tracker *usage.Tracker
	if cfg.UsageStatisticsEnabled {
		var persister *usage.Persister
		if cfg.UsagePersistence.Enabled {
			persister, err = usage.NewPersister(
				cfg.UsagePersistence.DBPath,
				cfg.UsagePersistence.BatchSize,
				cfg.UsagePersistence.FlushIntervalSecs,
				cfg.UsagePersistence.RetentionDays,
			)
			if err != nil {
				log.Warnf("failed to initialize usage persistence: %v", err)
			}
		}
		tracker = usage.NewTracker(persister)
	}

	var stOpts []sentencetransformers.Option
	if cfg.Runtimes.SentenceTransformersAPIKey != "" {
		stOpts = append(stOpts, sentencetransformers.WithAPIKey(cfg.Runtimes.SentenceTransformersAPIKey))
	}
	providers := map[string]provider.Provider{
		provider.MethodFastEmbed:            fastembed.New(cfg.Runtimes.FastEmbedURL),
		provider.MethodSentenceTransformers: sentencetransformers.New(cfg.Runtimes.SentenceTransformersURL, stOpts...),
	}

	d := dispatcher.New(registry.New(), modelcache.New(cfg.LoadTimeout()), providers,
		dispatcher.WithDefaults(cfg.DefaultMethod, cfg.DefaultModel),
		dispatcher.WithInferenceTimeout(cfg.InferenceTimeout()),
		dispatcher.WithUsageTracker(tracker),
	)

	if !noPreload {
		preloadModels(d, cfg)
	}

	server := api.NewServer(cfg, d, tracker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, errWatcher := watcher.NewWatcher(configPath, func(newCfg *config.Config) {
		applyLogLevel(newCfg)
		server.UpdateConfig(newCfg)
	})
	if errWatcher != nil {
		log.Warnf("failed to create config watcher: %v", errWatcher)
	} else {
		w.SetConfig(cfg)
		if errStart := w.Start(ctx); errStart != nil {
			log.Warnf("failed to start config watcher: %v", errStart)
		}
		defer func() { _ = w.Stop() }()
	}

	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigs
		log.Infof("received signal %s, shutting down", sig)
		if errStop := server.StopWithTimeout(); errStop != nil {
			log.Errorf("shutdown error: %v", errStop)
		}
		cancel()
	}()

	log.Infof("listening on %s", cfg.Addr())
	if err = server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// doInitConfig writes a default config file unless one already exists.
func doInitConfig(configPath string) {
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config already exists: %s\n", configPath)
		return
	}
	if dir := filepath.Dir(configPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			log.Fatalf("Failed to create directory: %v", err)
		}
	}
	if err := os.WriteFile(configPath, config.GenerateDefaultConfigYAML(), 0o600); err != nil {
		log.Fatalf("Failed to write config: %v", err)
	}
	fmt.Printf("Created: %s\n", configPath)
}

// preloadModels warms the models listed in the preload section before the
// server accepts traffic, so first requests do not pay the load cost.
func preloadModels(d *dispatcher.Dispatcher, cfg *config.Config) {
	if len(cfg.Preload) == 0 {
		return
	}
	entries := make([]dispatcher.WarmupEntry, 0, len(cfg.Preload))
	for _, p := range cfg.Preload {
		entries = append(entries, dispatcher.WarmupEntry{
			Method:          p.Method,
			Model:           p.Model,
			TrustRemoteCode: p.TrustRemoteCode,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(len(entries))*cfg.LoadTimeout())
	defer cancel()

	log.Infof("preloading %d model(s)", len(entries))
	for key, status := range d.Warmup(ctx, entries, nil) {
		if status.Success {
			log.Infof("preloaded %s in %.2fms", key, status.LoadTimeMs)
		} else {
			log.Errorf("failed to preload %s: %s", key, status.Error)
		}
	}
}

func applyLogLevel(cfg *config.Config) {
	if cfg.Debug {
		logging.SetLevel(slog.LevelDebug)
	} else {
		logging.SetLevel(slog.LevelInfo)
	}
}
