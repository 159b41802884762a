package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"
	"gopkg.in/yaml.v3"

	"github.com/rakunlabs/arenabridge/internal/bridge"
	"github.com/rakunlabs/arenabridge/internal/config"
	"github.com/rakunlabs/arenabridge/internal/dispatch"
	"github.com/rakunlabs/arenabridge/internal/filebed"
	"github.com/rakunlabs/arenabridge/internal/housekeeping"
	"github.com/rakunlabs/arenabridge/internal/httpapi"
	"github.com/rakunlabs/arenabridge/internal/imagepipeline"
	"github.com/rakunlabs/arenabridge/internal/monitor"
	"github.com/rakunlabs/arenabridge/internal/recovery"
	"github.com/rakunlabs/arenabridge/internal/wsbridge"
)

var (
	name    = "arenabridge"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	configPath := flag.String("config", "config.jsonc", "path to the JWCC config file")
	dumpConfig := flag.Bool("dump-config", false, "print the effective configuration as YAML and exit")
	flag.Parse()

	if *dumpConfig {
		if err := runDumpConfig(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	into.Init(func(ctx context.Context) error { return run(ctx, *configPath) },
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

// runDumpConfig loads the config file and prints the resolved struct as
// YAML, for operators checking what env overrides and defaults actually
// resolved to without starting the process.
func runDumpConfig(path string) error {
	cfg, err := config.Load(context.Background(), path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	_, err = os.Stdout.Write(out)
	return err
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(ctx, configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	modelMap, err := config.LoadModelMap(cfg.ModelMapPath)
	if err != nil {
		return fmt.Errorf("failed to load model map: %w", err)
	}
	modelMapSource := func() *config.ModelMap { return modelMap }

	imagePipeline, err := imagepipeline.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to build image pipeline: %w", err)
	}

	fileBed, err := filebed.New(cfg.MemoryManagement.CacheConfig.URLHistoryKeepSize)
	if err != nil {
		return fmt.Errorf("failed to build file-bed client: %w", err)
	}

	registry := bridge.NewRequestRegistry()
	pending := bridge.NewPendingQueue()
	roundRobin := bridge.NewRoundRobinIndex()
	hub := wsbridge.New(registry)

	mon := monitor.New()
	mon.Registry = registry
	mon.Disabled = fileBed.Disabled()
	mon.URLCache = fileBed.Cache()
	mon.ImageCache = imagePipeline.Cache()

	d := &dispatch.Dispatcher{
		Tokens:     staticTokenValidator{cfg: cfg},
		Geo:        noopGeoLookup{},
		UA:         noopUAClassifier{},
		Usage:      mon,
		Uploader:   fileBed,
		Images:     imagePipeline,
		Registry:   registry,
		Pending:    pending,
		RoundRobin: roundRobin,
		Hub:        hub,
		ModelMap:   modelMapSource,
	}

	rec := recovery.New(pending, registry, d)
	hub.OnReconnect = rec.OnReconnect

	mHouse := &housekeeping.Monitor{
		Registry:   registry,
		Disabled:   fileBed.Disabled(),
		URLCache:   fileBed.Cache(),
		ImageCache: imagePipeline.Cache(),
	}
	if err := mHouse.Start(ctx); err != nil {
		return fmt.Errorf("failed to start housekeeping: %w", err)
	}
	defer mHouse.Stop()

	server := httpapi.New(cfg.Server, d, hub, modelMapSource, mon)

	slog.Info("starting arenabridge", "host", cfg.Server.Host, "port", cfg.Server.Port, "websocket_path", cfg.Server.WebSocketPath)
	return server.Start(ctx, cfg.Server.Host, cfg.Server.Port)
}

// staticTokenValidator is the default TokenValidator for standalone
// operation: it accepts any bearer token when no auth_token is configured,
// and otherwise requires an exact match. A real deployment wanting
// per-caller scoping or a persisted token database swaps this out for its
// own bridge.TokenValidator.
type staticTokenValidator struct {
	cfg *config.Config
}

func (v staticTokenValidator) Validate(_ context.Context, token string) (bridge.TokenInfo, error) {
	if v.cfg.Server.AuthToken == "" || token == v.cfg.Server.AuthToken {
		return bridge.TokenInfo{Subject: "default"}, nil
	}
	return bridge.TokenInfo{}, bridge.New(bridge.KindAuthInvalid, "invalid bearer token")
}

// noopGeoLookup is the default GeoLookup: geolocation is an external
// collaborator the core does not implement, so requests are tagged with an
// empty GeoInfo rather than failing dispatch.
type noopGeoLookup struct{}

func (noopGeoLookup) Lookup(context.Context, string) (bridge.GeoInfo, error) {
	return bridge.GeoInfo{}, nil
}

// noopUAClassifier mirrors noopGeoLookup for User-Agent platform
// classification.
type noopUAClassifier struct{}

func (noopUAClassifier) Classify(string) string { return "unknown" }
