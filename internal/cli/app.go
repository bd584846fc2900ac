package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/lattice-dispatch/internal/dispatcher"
	"github.com/ChuLiYu/lattice-dispatch/internal/executor"
	"github.com/ChuLiYu/lattice-dispatch/internal/lattice"
	"github.com/ChuLiYu/lattice-dispatch/internal/metrics"
	"github.com/ChuLiYu/lattice-dispatch/internal/runner"
	"github.com/ChuLiYu/lattice-dispatch/internal/store"
	"github.com/ChuLiYu/lattice-dispatch/internal/store/badgerstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// app wires store, executors, metrics and the dispatcher for one command.
type app struct {
	cfg        *Config
	store      store.Store
	registry   *executor.Registry
	dispatcher *dispatcher.Dispatcher
	metrics    *metrics.Collector
	gatherer   *prometheus.Registry
}

// localFunctions built-ins plus the lattice loader for sublattice nodes.
func localFunctions(baseDir string) executor.Functions {
	fns := executor.DefaultFunctions()
	fns[lattice.FunctionName] = lattice.LoaderFunction(baseDir)
	return fns
}

func newRegistry(cfg *Config, baseDir string) *executor.Registry {
	reg := executor.NewRegistry()
	reg.Register(executor.KindLocal, executor.LocalFactory(localFunctions(baseDir)))
	reg.Register(executor.KindGRPC, executor.GRPCFactory())
	for kind, opts := range cfg.Executors {
		reg.SetDefaults(kind, opts)
	}
	return reg
}

func openStore(cfg StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "badger":
		bc := badgerstore.DefaultConfig()
		if cfg.BadgerInMemory {
			bc = badgerstore.InMemoryConfig()
		}
		bc.Path = cfg.BadgerPath
		bc.Logger = slog.Default().With("component", "badger")
		return badgerstore.Open(bc)
	case "memory", "":
		return store.OpenMemory(store.MemoryOptions{
			WALPath:      cfg.WALPath,
			SnapshotPath: cfg.SnapshotPath,
			SyncOnAppend: cfg.SyncOnAppend,
		})
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

func newApp(cfg *Config, baseDir string) (*app, error) {
	gatherer := prometheus.NewRegistry()
	gatherer.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewCollector(gatherer)

	start := time.Now()
	s, err := openStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	m.SetRecoveryTime(time.Since(start))

	reg := newRegistry(cfg, baseDir)
	d, err := dispatcher.New(s, reg, dispatcher.Options{
		CancelUnreachable: cfg.Dispatcher.CancelUnreachable,
		DefaultExecutor:   cfg.Dispatcher.DefaultExecutor,
		QueueBuffer:       cfg.Dispatcher.QueueBuffer,
		Runner: runner.Config{
			ForceLegacy: cfg.Dispatcher.ForceLegacyRunner,
			WorkerCount: cfg.Runner.WorkerCount,
			TaskTimeout: cfg.Runner.TaskTimeout,
		},
	}, m)
	if err != nil {
		s.Close()
		return nil, err
	}

	return &app{cfg: cfg, store: s, registry: reg, dispatcher: d, metrics: m, gatherer: gatherer}, nil
}

// serveMetrics blocks until ctx is done when metrics are enabled.
func (a *app) serveMetrics(ctx context.Context) error {
	if !a.cfg.Metrics.Enabled {
		return nil
	}
	return metrics.StartServer(ctx, a.cfg.Metrics.Port, a.gatherer)
}

func (a *app) Close() error {
	return errors.Join(a.dispatcher.Close(), a.registry.Close(), a.store.Close())
}

func serveWorkerMetrics(ctx context.Context, port int) error {
	gatherer := prometheus.NewRegistry()
	gatherer.MustRegister(collectors.NewGoCollector())
	return metrics.StartServer(ctx, port, gatherer)
}
