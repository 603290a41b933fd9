// Package main provides mktreplay - market data replay server over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/jessevdk/go-flags"
	"golang.org/x/sync/errgroup"

	"github.com/pragmahq/mktreplay/pkg/catalogue"
	"github.com/pragmahq/mktreplay/pkg/config"
	"github.com/pragmahq/mktreplay/pkg/metrics"
	"github.com/pragmahq/mktreplay/pkg/replay"
	"github.com/pragmahq/mktreplay/pkg/web"
)

// opts holds all command-line options. every option overrides the matching
// config file key, so a config file is optional when --source is given.
type opts struct {
	Config   string `short:"f" long:"config" env:"MKTREPLAY_CONFIG" description:"path to config file"`
	Listen   string `short:"l" long:"listen" env:"MKTREPLAY_LISTEN" description:"address to listen on"`
	Source   string `short:"s" long:"source" env:"MKTREPLAY_SOURCE" description:"catalogue CSV file or http(s) url"`
	Tick     int    `long:"tick" env:"MKTREPLAY_TICK" description:"publication tick period, ms"`
	TTL      int    `long:"ttl" env:"MKTREPLAY_TTL" description:"session idle ttl before eviction, ms"`
	Capacity int    `long:"capacity" env:"MKTREPLAY_CAPACITY" description:"outbound channel capacity per session"`
	Dbg      bool   `long:"dbg" env:"MKTREPLAY_DEBUG" description:"debug mode"`
	Version  bool   `short:"v" long:"version" description:"print version and exit"`
}

var revision = "unknown"

func main() {
	fmt.Printf("mktreplay %s\n", resolveVersion())

	var o opts
	parser := flags.NewParser(&o, flags.Default)
	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if o.Version {
		os.Exit(0)
	}

	setupLog(o.Dbg)

	// setup context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, o); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, o opts) error {
	cfg, err := makeConfig(o)
	if err != nil {
		return err
	}

	cat, err := catalogue.Load(ctx, cfg.CatalogueSource)
	if err != nil {
		return fmt.Errorf("load catalogue: %w", err)
	}
	metrics.SetCatalogueSize(cat.Size())

	registry := replay.NewRegistry(replay.RegistryConfig{
		Catalogue: cat,
		Tick:      time.Duration(cfg.PublishTickMs) * time.Millisecond,
		Capacity:  cfg.OutboundCap,
		TTL:       time.Duration(cfg.SessionTTLMs) * time.Millisecond,
	})
	defer registry.Close()

	srv := web.NewServer(cfg.Listen, cat, registry)

	// the server and the eviction sweeper run until the context is canceled;
	// a server failure cancels the group so the sweeper never outlives it
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(ctx) })
	g.Go(func() error { return registry.Sweep(ctx, time.Duration(cfg.EvictIntervalMs)*time.Millisecond) })

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	log.Printf("[INFO] mktreplay terminated")
	return nil
}

// makeConfig loads the config file and applies command line overrides on top.
func makeConfig(o opts) (*config.Config, error) {
	cfg, err := config.Load(o.Config)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.Listen != "" {
		cfg.Listen = o.Listen
	}
	if o.Source != "" {
		cfg.CatalogueSource = o.Source
	}
	if o.Tick > 0 {
		cfg.PublishTickMs = o.Tick
	}
	if o.TTL > 0 {
		cfg.SessionTTLMs = o.TTL
	}
	if o.Capacity > 0 {
		cfg.OutboundCap = o.Capacity
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// setupLog configures the default logger, verbose with caller info in debug mode.
func setupLog(dbg bool) {
	if dbg {
		log.Setup(log.Debug, log.CallerFile, log.CallerFunc, log.Msec, log.LevelBraces)
		return
	}
	log.Setup(log.Msec, log.LevelBraces)
}

// resolveVersion returns the ldflags-injected revision when set, otherwise
// falls back to the build info recorded by the go toolchain.
func resolveVersion() string {
	if revision != "unknown" {
		return revision
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return revision
	}

	version := info.Main.Version
	var vcsRev, vcsTime string
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			vcsRev = s.Value
		case "vcs.time":
			vcsTime = s.Value
		}
	}
	if len(vcsRev) > 7 {
		vcsRev = vcsRev[:7]
	}

	switch {
	case vcsRev != "" && vcsTime != "":
		return fmt.Sprintf("%s-%s-%s", version, vcsRev, vcsTime)
	case vcsRev != "":
		return fmt.Sprintf("%s-%s", version, vcsRev)
	case version != "":
		return version
	}
	return revision
}
