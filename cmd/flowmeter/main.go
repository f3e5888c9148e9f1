// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command flowmeter keeps nftables counter rules in sync with the
// router's DHCP lease table and publishes per-device traffic figures
// over MQTT.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/nftables"

	"grimm.is/flowmeter/internal/clock"
	"grimm.is/flowmeter/internal/config"
	"grimm.is/flowmeter/internal/devices"
	"grimm.is/flowmeter/internal/errors"
	"grimm.is/flowmeter/internal/firewall"
	"grimm.is/flowmeter/internal/leases"
	"grimm.is/flowmeter/internal/logging"
	"grimm.is/flowmeter/internal/meter"
	"grimm.is/flowmeter/internal/metrics"
	"grimm.is/flowmeter/internal/publish"
	"grimm.is/flowmeter/internal/state"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	flag.StringVar(&configPath, "config", "/etc/flowmeter.hcl", "path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}

	logging.SetDefault(logging.New(logging.Config{Level: cfg.LogLevel}))
	logger := logging.WithComponent("main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		logger.Info("Shutting down on signal")
		cancel()
	}()

	store, err := state.NewSQLiteStore(state.DefaultOptions(filepath.Join(cfg.StateDir, "flowmeter.db")))
	if err != nil {
		return err
	}
	defer store.Close()
	baselines, err := state.NewBaselineBucket(store)
	if err != nil {
		return err
	}

	kconn, err := nftables.New()
	if err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "open nftables connection")
	}
	conn := firewall.NewRealNFTablesConn(kconn)

	leaseSrc := leases.NewFileSource(cfg.LeaseFile, logging.WithComponent("leases"))
	manager := firewall.NewManagerWithConn(conn, leaseSrc, logging.WithComponent("firewall"), cfg.Table, cfg.Chain)
	if err := manager.EnsureChain(); err != nil {
		return err
	}

	resolver := devices.NewResolver(leaseSrc, leases.NetlinkNeighbors{}, logging.WithComponent("devices"))
	reader := firewall.NewCounterReader(conn, cfg.Table, cfg.Chain, logging.WithComponent("firewall"))
	engine := meter.NewEngine(reader, resolver, baselines, cfg.Interval(), logging.WithComponent("meter"))

	bus, err := publish.ConnectMQTT(cfg.Broker)
	if err != nil {
		return err
	}
	defer bus.Close()
	publisher := publish.NewPublisher(bus, cfg.BaseTopic, cfg.DiscoveryPrefix, cfg.BrokerHost(), logging.WithComponent("publish"))

	exporter := metrics.NewExporter()
	if cfg.MetricsListen != "" {
		go func() {
			if err := metrics.Serve(cfg.MetricsListen, exporter, logging.WithComponent("metrics")); err != nil {
				logger.Error("Metrics server stopped", "error", err)
			}
		}()
	}

	logger.Info("Started",
		"table", cfg.Table, "chain", cfg.Chain,
		"interval", cfg.Interval().String(), "sync_interval", cfg.SyncInterval().String())
	return loop(ctx, cfg, manager, engine, publisher, exporter, logger)
}

// loop serializes everything: one rule sync when due, then one meter
// cycle, then publish. Cycles never overlap; the meter's inner
// snapshot wait is what paces the loop.
func loop(ctx context.Context, cfg *config.Config, manager *firewall.Manager, engine *meter.Engine, publisher *publish.Publisher, exporter *metrics.Exporter, logger *logging.Logger) error {
	var lastSync time.Time
	for {
		if ctx.Err() != nil {
			return nil
		}

		if clock.Now().Sub(lastSync) >= cfg.SyncInterval() {
			if err := manager.Sync(); err != nil {
				// Missing dependencies are fatal for this
				// cycle only; existing rules keep counting.
				logger.Error("Rule sync failed, will retry", "error", err)
			} else {
				lastSync = clock.Now()
			}
		}

		readings, err := engine.Cycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("Meter cycle failed, will retry", "error", err)
			if sleepErr := sleep(ctx, cfg.Interval()); sleepErr != nil {
				return nil
			}
			continue
		}

		publisher.PublishReadings(readings)
		exporter.Observe(readings)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
