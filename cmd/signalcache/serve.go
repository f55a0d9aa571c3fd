package main

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/optistream/signalcache/internal/cache/chains"
	"github.com/optistream/signalcache/internal/cache/greeks"
	"github.com/optistream/signalcache/internal/cache/indicators"
	"github.com/optistream/signalcache/internal/cache/invalidate"
	"github.com/optistream/signalcache/internal/cache/moneyness"
	"github.com/optistream/signalcache/internal/config"
	"github.com/optistream/signalcache/internal/consumer"
	"github.com/optistream/signalcache/internal/coordination"
	"github.com/optistream/signalcache/internal/integration"
	ophttp "github.com/optistream/signalcache/internal/interfaces/http"
	"github.com/optistream/signalcache/internal/metrics"
	"github.com/optistream/signalcache/internal/registry"
	"github.com/optistream/signalcache/internal/sla"
	"github.com/optistream/signalcache/internal/store"
)

func loadConfig() (config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := store.NewRedisStore(cfg.Redis)
	if err != nil {
		return err
	}
	defer st.Close()

	m := metrics.Get()
	monitor := sla.NewMonitor(cfg.SLA, m)
	engine := invalidate.NewEngine(st, cfg.Invalidation, m)

	chainHits := sla.NewHitTracker(monitor, "chains")
	barHits := sla.NewHitTracker(monitor, "indicators")
	greeksHits := sla.NewHitTracker(monitor, "greeks")

	chainProvider := chains.NewStoreProvider(st)
	chainProvider.SetHitTracker(chainHits)
	barProvider := indicators.NewStoreBarProvider(st)
	barProvider.SetHitTracker(barHits)
	greeksMgr := greeks.NewManager(st, greeks.NewBlackScholes(0.065), engine, chainProvider, cfg.Greeks, monitor)
	greeksMgr.SetHitTracker(greeksHits)
	indicatorCoord := indicators.NewCoordinator(st, barProvider, indicators.NewTACalculator(), engine, cfg.Indicators)
	moneynessSvc := moneyness.NewService(st, chainProvider, engine, cfg.Moneyness)

	machine, err := integration.NewMachine(cfg.Integration, monitor, m)
	if err != nil {
		return err
	}
	comparator := integration.NewComparator(
		integration.NewLegacyLookup(st, cfg.Invalidation.ScanBatchSize),
		integration.NewRegistryLookup(st, cfg.Invalidation.ScanBatchSize),
		machine, cfg.Integration, m)

	coord := coordination.New(engine, greeksMgr, indicatorCoord, moneynessSvc, monitor, m)

	reg := registry.New(st, cfg.Registry, m, processLoad)
	cons := consumer.New(st, coord, cfg.Consumer, m, reg.InstanceID())

	handlers := ophttp.NewHandlers(st, machine, comparator, monitor, reg.InstanceID())
	server := ophttp.NewServer(cfg.HTTP, handlers, m)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go reg.Run(ctx)
	go watchBreaker(ctx, st, machine, cfg.Integration.PathTimeout)
	go chainHits.Run(ctx, time.Minute)
	go barHits.Run(ctx, time.Minute)
	go greeksHits.Run(ctx, time.Minute)
	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("ops http server failed")
			stop()
		}
	}()

	consumerDone := make(chan error, 1)
	go func() { consumerDone <- cons.Run(ctx) }()

	log.Info().Str("instance", reg.InstanceID()).Str("version", version).
		Str("mode", machine.Mode().String()).Msg("signalcache serving")

	<-ctx.Done()
	log.Info().Msg("shutdown requested")

	// Consumer finishes its in-flight batch, registry deregisters, then
	// the HTTP server drains.
	select {
	case <-consumerDone:
	case <-time.After(30 * time.Second):
		log.Warn().Msg("consumer drain timed out")
	}
	select {
	case <-reg.Stopped():
	case <-time.After(10 * time.Second):
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	log.Info().Msg("signalcache stopped")
	return nil
}

// watchBreaker disables the registry integration path while the store
// breaker stays open past the grace period, and lets the operator (or
// shadow evidence) bring it back afterwards.
func watchBreaker(ctx context.Context, st *store.RedisStore, machine *integration.Machine, grace time.Duration) {
	if grace <= 0 {
		grace = 5 * time.Second
	}
	ticker := time.NewTicker(grace)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if since, open := st.OpenSince(); open && time.Since(since) > grace {
				machine.RecordStoreOutage()
			}
		}
	}
}

// processLoad samples this process's load for the registry heartbeat.
func processLoad() registry.LoadMetrics {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return registry.LoadMetrics{
		RSSMB:   float64(ms.Sys) / (1 << 20),
		Threads: runtime.NumGoroutine(),
		// CPU is left to the platform agent; goroutine pressure stands in.
		CPUPercent: float64(runtime.NumGoroutine()) / 10,
	}
}

func runHealth(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := store.NewRedisStore(cfg.Redis)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := st.Ping(ctx); err != nil {
		log.Error().Err(err).Msg("store unreachable")
		os.Exit(1)
	}
	log.Info().Str("addr", cfg.Redis.Addr).Msg("store reachable")
	return nil
}
