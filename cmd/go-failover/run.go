package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pingcap/errors"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/go-mysql-org/go-failover/api"
	"github.com/go-mysql-org/go-failover/config"
	"github.com/go-mysql-org/go-failover/election"
	"github.com/go-mysql-org/go-failover/failover"
	"github.com/go-mysql-org/go-failover/health"
	"github.com/go-mysql-org/go-failover/node"
	"github.com/go-mysql-org/go-failover/quorum"
	"github.com/go-mysql-org/go-failover/topology"
)

// loadConfig reads the config file, if any, then applies flags and
// FAILOVER_* environment variables on top.
func loadConfig() (*config.Config, error) {
	cfg := config.NewDefaultConfig()
	if name := viper.GetString("config"); name != "" {
		var err error
		if cfg, err = config.NewConfigWithFile(name); err != nil {
			return nil, err
		}
	}

	if viper.IsSet("service-id") {
		cfg.ServiceID = viper.GetUint32("service-id")
	}
	if viper.IsSet("addr") {
		cfg.Addr = viper.GetString("addr")
	}
	if viper.IsSet("http-addr") {
		cfg.HTTPAddr = viper.GetString("http-addr")
	}
	if viper.IsSet("enabled") {
		cfg.Failover.Enabled = viper.GetBool("enabled")
	}
	if viper.IsSet("elect-on-shutdown") {
		cfg.Failover.ElectOnShutdown = viper.GetBool("elect-on-shutdown")
	}
	if viper.IsSet("failure-threshold") {
		cfg.Failover.FailureThreshold = viper.GetInt("failure-threshold")
	}
	if viper.IsSet("polling-interval") {
		cfg.Failover.PollingInterval.Duration = viper.GetDuration("polling-interval")
	}
	if viper.IsSet("cooldown") {
		cfg.Failover.Cooldown.Duration = viper.GetDuration("cooldown")
	}
	if viper.IsSet("log-level") {
		cfg.LogLevel = viper.GetString("log-level")
	}
	if viper.IsSet("log-format") {
		cfg.LogFormat = viper.GetString("log-format")
	}

	if cfg.ServiceID == 0 {
		return nil, errors.Trace(&topology.ConfigError{TierID: cfg.Tier.ID, Reason: "service id is required"})
	}
	return cfg, nil
}

func newLogger(w io.Writer, level string, format string) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, errors.Annotatef(err, "bad log level %q", level)
	}

	opts := &slog.HandlerOptions{Level: l}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, errors.Errorf("bad log format %q", format)
	}
}

// openTopology loads the tier from the catalog, seeding it from the config
// the first time.
func openTopology(cfg *config.Config, logger *slog.Logger) (*topology.Store, topology.Catalog, error) {
	catalog, err := topology.NewCatalog(cfg.Catalog, cfg.ConnectTimeout.Duration)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}

	store := topology.NewStore(catalog, topology.WithLogger(logger))
	err = store.Load(cfg.Tier.ID)
	if err == nil {
		return store, catalog, nil
	}
	if !topology.IsNotFound(err) {
		catalog.Close()
		return nil, nil, errors.Trace(err)
	}

	seed, err := cfg.SeedTier()
	if err != nil {
		catalog.Close()
		return nil, nil, err
	}
	store.AddTier(seed)
	if err = store.Persist(seed.ID); err != nil {
		catalog.Close()
		return nil, nil, errors.Trace(err)
	}
	logger.Info("seeded topology from config", slog.Uint64("tier", uint64(seed.ID)), slog.Int("services", len(seed.Services)))
	return store, catalog, nil
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	store, catalog, err := openTopology(cfg, logger)
	if err != nil {
		return err
	}
	defer catalog.Close()

	tierID := cfg.Tier.ID
	local := node.New(node.Config{
		Addr:           cfg.Addr,
		User:           node.User{Name: cfg.User, Password: cfg.Password},
		ReplUser:       node.User{Name: cfg.ReplUser, Password: cfg.ReplPassword},
		ConnectTimeout: cfg.ConnectTimeout.Duration,
	}, store, tierID, cfg.ServiceID, logger)
	defer local.Close()

	params := cfg.Params()
	params.SetLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	defer stop()

	if err = failover.Bootstrap(ctx, store, tierID, cfg.ServiceID, local, local, params.PromoteTimeout(), logger); err != nil {
		return err
	}

	probe := health.NewProbe(local, params.ProbeTimeout, logger)
	voter := quorum.NewVoter(store, api.NewPeerClient(cfg.PeerStatusPort), cfg.ServiceID, params.PeerTimeout, logger)
	coord := election.NewCoordinator(store, local, cfg.ServiceID, params.PromoteTimeout, logger)

	monitor, err := failover.NewMonitor(store, tierID, params, probe, voter, coord, failover.WithLogger(logger))
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return api.NewServer(monitor, params, logger).Run(gctx, cfg.HTTPAddr)
	})
	g.Go(func() error {
		return monitor.Run(gctx)
	})
	return g.Wait()
}
