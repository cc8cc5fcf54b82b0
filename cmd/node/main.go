// Command node is the replication node process: it opens the Store, wires
// a replication provider through the adapter, starts the slave and master
// worker pools, and runs until terminated, following the startup/shutdown
// sequence from spec.md §2.
package main

import (
	"fmt"
	"hash/fnv"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"

	"github.com/gowsrep/node/internal/config"
	"github.com/gowsrep/node/internal/provider"
	"github.com/gowsrep/node/internal/provider/refprovider"
	"github.com/gowsrep/node/internal/sst"
	"github.com/gowsrep/node/internal/stats"
	"github.com/gowsrep/node/internal/store"
	"github.com/gowsrep/node/internal/txn"
	"github.com/gowsrep/node/internal/worker"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = hclog.Default()
	}
	logger = logger.Named(cfg.Name)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger hclog.Logger) error {
	st, err := store.Open(store.Config{
		Records:      cfg.Records,
		WriteSetSize: cfg.WriteSetSize,
		Operations:   cfg.Operations,
		MinOpSize:    16,
		Logger:       logger.Named("store"),
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	prov, err := openProvider(cfg, logger)
	if err != nil {
		return fmt.Errorf("open provider: %w", err)
	}

	connID := connIDFromName(cfg.Name)
	engine := txn.New(st, prov, connID, logger.Named("txn"))
	sstHandler := sst.New(st, prov, cfg.BaseHost, cfg.BasePort, logger.Named("sst"))

	adapter := provider.NewAdapter(prov, st, engine, sstHandler, logger.Named("provider"))
	if err := adapter.Init(); err != nil {
		return fmt.Errorf("provider init: %w", err)
	}
	defer adapter.Close()

	clusterName := cfg.Options
	if clusterName == "" {
		clusterName = "gowsrep-cluster"
	}
	if err := adapter.Connect(clusterName, cfg.Address, cfg.Bootstrap); err != nil {
		return fmt.Errorf("provider connect: %w", err)
	}

	slaves := worker.StartSlaves(cfg.Slaves, adapter.Handle(), logger)
	masters := worker.StartMasters(cfg.Masters, adapter, engine, cfg.Operations, logger)

	stopStats := make(chan struct{})
	printer := stats.New(adapter.Handle(), st, cfg.Period, logger)
	go printer.Run(stopStats)

	waitForShutdownSignal(logger)

	close(stopStats)
	if err := adapter.Disconnect(); err != nil {
		logger.Warn("disconnect returned an error", "error", err)
	}
	masters.Stop()
	slaves.Stop()

	return nil
}

// openProvider selects the replication provider backend. This module
// carries no dynamic-library loader (spec.md §9's redesign note drops the
// original's dlopen-based provider plugin model); an empty -provider
// selects the built-in refprovider, and any other value is rejected.
func openProvider(cfg config.Config, logger hclog.Logger) (provider.Provider, error) {
	if cfg.Provider != "" {
		return nil, fmt.Errorf("cmd/node: dynamic provider loading is not supported, got -provider=%q", cfg.Provider)
	}
	selfAddr := fmt.Sprintf("%s:%d", cfg.BaseHost, cfg.BasePort+1)
	return refprovider.New(selfAddr, connIDFromName(cfg.Name), logger.Named("refprovider")), nil
}

// connIDFromName derives a stable connection id from the node's configured
// name, so restarts with the same -name keep the same identity without
// requiring an extra flag.
func connIDFromName(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

func waitForShutdownSignal(logger hclog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig)
}
