// Package main provides the entry point for the hub fleet master.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/narvanalabs/hubfleet/internal/api"
	"github.com/narvanalabs/hubfleet/internal/auth"
	"github.com/narvanalabs/hubfleet/internal/clock"
	"github.com/narvanalabs/hubfleet/internal/commands"
	"github.com/narvanalabs/hubfleet/internal/fleet"
	"github.com/narvanalabs/hubfleet/internal/gitops"
	grpcserver "github.com/narvanalabs/hubfleet/internal/grpc"
	"github.com/narvanalabs/hubfleet/internal/heartbeat"
	"github.com/narvanalabs/hubfleet/internal/mesh"
	"github.com/narvanalabs/hubfleet/internal/shutdown"
	"github.com/narvanalabs/hubfleet/internal/store"
	"github.com/narvanalabs/hubfleet/internal/store/memory"
	pgstore "github.com/narvanalabs/hubfleet/internal/store/postgres"
	"github.com/narvanalabs/hubfleet/pkg/config"
	"github.com/narvanalabs/hubfleet/pkg/logger"
)

func main() {
	storeKind := flag.String("store", "postgres", "Backing store: postgres or memory")
	migrate := flag.Bool("migrate", false, "Apply pending migrations before starting (postgres only)")
	logLevel := flag.String("log-level", envOr("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	logText := flag.Bool("log-text", false, "Log in text format instead of JSON")
	flag.Parse()

	log := logger.New(logger.ParseLevel(*logLevel), !*logText)

	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	os.Exit(run(cfg, *storeKind, *migrate, log))
}

func run(cfg *config.Config, storeKind string, migrate bool, log *logger.Logger) int {
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	sd := shutdown.NewCoordinator(
		shutdown.WithTimeout(cfg.ShutdownTimeout),
		shutdown.WithLogger(log.WithComponent("shutdown").Logger),
	)

	st, err := openStore(ctx, cfg, storeKind, migrate, log)
	if err != nil {
		log.Error("failed to open store", "store", storeKind, "error", err)
		return 1
	}
	sd.Register(shutdown.PhaseResources, shutdown.NewCloserComponent("store", st))

	var notifier commands.Notifier
	var redisNotifier *commands.RedisNotifier
	if cfg.Redis.URL != "" {
		redisNotifier, err = commands.NewRedisNotifier(cfg.Redis.URL, log.WithComponent("command_notifier").Logger)
		if err != nil {
			log.Error("failed to connect to redis", "error", err)
			return 1
		}
		notifier = redisNotifier
		sd.Register(shutdown.PhaseResources, shutdown.NewCloserComponent("redis", redisNotifier))
		go func() {
			if err := redisNotifier.Run(ctx); err != nil {
				log.Error("command wake-up relay stopped", "error", err)
			}
		}()
	} else {
		log.Info("redis not configured, command wake-ups stay in-process")
	}

	var resolver mesh.Resolver
	if len(cfg.Etcd.Endpoints) > 0 {
		etcdResolver, err := mesh.NewEtcdResolver(mesh.EtcdConfig{
			Endpoints:   cfg.Etcd.Endpoints,
			DialTimeout: cfg.Etcd.DialTimeout,
			KeyPrefix:   cfg.Etcd.KeyPrefix,
		}, log.WithComponent("mesh").Logger)
		if err != nil {
			log.Error("failed to connect to etcd", "error", err)
			return 1
		}
		resolver = etcdResolver
		sd.Register(shutdown.PhaseResources, shutdown.NewCloserComponent("etcd", etcdResolver))
	}

	var controller gitops.DeliveryController
	if cfg.Delivery.Endpoint != "" {
		controller = gitops.NewHTTPDeliveryController(cfg.Delivery.Endpoint, cfg.Delivery.Token, cfg.Delivery.Timeout)
	} else {
		log.Warn("delivery endpoint not configured, deployments will fail at commit")
	}

	engineCfg := gitops.DefaultConfig()
	engineCfg.MaxPollRetries = cfg.Rollout.MaxPollRetries
	engineCfg.Backoff = gitops.Backoff{Base: cfg.Rollout.BackoffBase, Max: cfg.Rollout.BackoffMax}
	engineCfg.CommitDeadline = cfg.Rollout.CommitDeadline
	engineCfg.Descriptor.RepoURL = cfg.Delivery.RepoURL
	engineCfg.Descriptor.TargetRevision = cfg.Delivery.TargetRevision
	engineCfg.Descriptor.Namespace = cfg.Delivery.Namespace

	clk := clock.Real()
	coord := fleet.New(fleet.Options{
		Store:             st,
		Controller:        controller,
		Resolver:          resolver,
		Notifier:          notifier,
		Clock:             clk,
		Engine:            engineCfg,
		DefaultCommandTTL: cfg.Fleet.DefaultCommandTTL,
		Logger:            log.Logger,
	})

	authService := auth.NewService(&auth.Config{
		JWTSecret:       []byte(cfg.JWTSecret),
		TokenExpiry:     cfg.JWTExpiry,
		NodeTokenExpiry: cfg.NodeTokenExpiry,
	}, clk, log.WithComponent("auth").Logger)

	// Background workers
	liveness := heartbeat.NewLivenessMonitor(st, clk, cfg.Fleet.LivenessWindow, cfg.Fleet.LivenessSweepInterval,
		log.WithComponent("liveness").Logger)
	sweeper := commands.NewExpirySweeper(st, clk, cfg.Fleet.CommandSweepInterval, log.WithComponent("command_sweeper").Logger)
	rollouts := gitops.NewRolloutMonitor(coord.Engine(), gitops.MonitorConfig{
		Interval:  cfg.Rollout.PollInterval,
		BatchSize: cfg.Rollout.BatchSize,
	}, log.WithComponent("rollout_monitor").Logger)

	workers := []struct {
		name   string
		worker interface {
			Start(context.Context) error
			Stop()
		}
	}{
		{"liveness_monitor", liveness},
		{"command_sweeper", sweeper},
		{"rollout_monitor", rollouts},
	}
	for _, w := range workers {
		w := w
		sd.Register(shutdown.PhaseWorkers, shutdown.NewWorkerComponent(w.name, w.worker))
		go func() {
			if err := w.worker.Start(ctx); err != nil {
				log.Error("worker stopped", "worker", w.name, "error", err)
				cancel(fmt.Errorf("%s: %w", w.name, err))
			}
		}()
	}

	// Servers
	server := api.NewServer(cfg, coord, authService, log.WithComponent("api").Logger)
	if redisNotifier != nil {
		server.HealthChecker().Register("redis", redisNotifier, false)
	}
	sd.Register(shutdown.PhaseIngress, shutdown.NewServerComponent("api", server))
	go func() {
		if err := server.Start(ctx); err != nil {
			log.Error("API server failed", "error", err)
			cancel(err)
		}
	}()

	grpcCfg := grpcserver.DefaultConfig()
	grpcCfg.Port = cfg.GRPCPort
	healthServer := grpcserver.NewServer(grpcCfg, st, log.WithComponent("grpc").Logger)
	sd.Register(shutdown.PhaseIngress, shutdown.NewStopperComponent("grpc", healthServer))
	go func() {
		if err := healthServer.Start(ctx); err != nil {
			log.Error("gRPC server failed", "error", err)
			cancel(err)
		}
	}()

	log.Info("hub fleet master started",
		"store", storeKind,
		"api_port", cfg.APIPort,
		"grpc_port", cfg.GRPCPort,
		"redis", redisNotifier != nil,
		"etcd", resolver != nil,
		"delivery", controller != nil,
	)

	sd.WaitForSignal(ctx)
	if context.Cause(ctx) != nil {
		return 1
	}
	cancel(nil)
	return sd.ExitCode()
}

func openStore(ctx context.Context, cfg *config.Config, kind string, migrate bool, log *logger.Logger) (store.Store, error) {
	switch kind {
	case "memory":
		log.Warn("using in-memory store, state is lost on restart")
		return memory.New(), nil
	case "postgres":
		st, err := pgstore.NewPostgresStore(pgstore.DefaultConfig(cfg.DatabaseDSN), log.WithComponent("store").Logger)
		if err != nil {
			return nil, err
		}
		if migrate {
			m, err := pgstore.NewMigrator(st.DB(), log.WithComponent("migrate").Logger)
			if err == nil {
				err = m.Up(ctx)
			}
			if err != nil {
				st.Close()
				return nil, err
			}
		}
		return st, nil
	default:
		return nil, errors.New("unknown store " + kind)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
