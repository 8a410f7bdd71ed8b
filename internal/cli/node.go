package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/hive-exec/internal/communicator"
	"github.com/ChuLiYu/hive-exec/internal/coordinator"
	"github.com/ChuLiYu/hive-exec/internal/log"
	"github.com/ChuLiYu/hive-exec/internal/metrics"
	"github.com/ChuLiYu/hive-exec/internal/module"
	"github.com/ChuLiYu/hive-exec/internal/modules"
	"github.com/ChuLiYu/hive-exec/internal/rpc"
	"github.com/ChuLiYu/hive-exec/internal/snapshot"
	"github.com/ChuLiYu/hive-exec/internal/worker"
)

// Mode selects which components a node runs
type Mode string

const (
	ModeStandalone  Mode = "standalone"  // coordinator, RPC server and one in-process worker
	ModeCoordinator Mode = "coordinator" // coordinator and RPC server
	ModeWorker      Mode = "worker"      // worker talking to a remote coordinator
)

var ErrUnknownMode = errors.New("unknown mode")

func parseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeStandalone, ModeCoordinator, ModeWorker:
		return m, nil
	default:
		return "", fmt.Errorf("%w %q (want standalone, coordinator or worker)", ErrUnknownMode, s)
	}
}

// node is one running hive process
type node struct {
	mode      Mode
	cfg       *Config
	logger    zerolog.Logger
	registry  *prometheus.Registry
	collector *metrics.Collector

	coord    *coordinator.Coordinator
	server   *rpc.Server
	listener net.Listener
	client   *rpc.Client
	worker   *worker.Core
	metrics  *http.Server

	serveWg sync.WaitGroup
}

// newNode builds the components of mode; nothing runs until start
func newNode(cfg *Config, mode Mode) (*node, error) {
	n := &node{
		mode:     mode,
		cfg:      cfg,
		logger:   log.WithComponent("node"),
		registry: prometheus.NewRegistry(),
	}
	n.collector = metrics.NewCollector(n.registry)

	if mode != ModeWorker {
		store, err := openStore(cfg.Coordinator.DataDir)
		if err != nil {
			return nil, err
		}
		coord, err := coordinator.New(cfg.coordinatorConfig(), store, n.collector)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to create coordinator: %w", err)
		}
		n.coord = coord
		n.server = rpc.NewServer(coord)
	}

	if mode != ModeCoordinator {
		var client communicator.Client = n.coord
		if mode == ModeWorker {
			c, err := rpc.Dial(cfg.Communicator.Address)
			if err != nil {
				return nil, err
			}
			n.client = c
			client = c
		}
		n.worker = worker.NewCore(cfg.workerConfig(), client, newPipeline(cfg.Worker.ModuleDir),
			snapshot.NewManager(cfg.Worker.SnapshotDir), n.collector)
	}

	return n, nil
}

func openStore(dataDir string) (coordinator.Store, error) {
	if dataDir == "" {
		return coordinator.NewMemoryStore(), nil
	}
	store, err := coordinator.NewBoltStore(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open coordinator store: %w", err)
	}
	return store, nil
}

// newPipeline resolves the bundled modules plus the manifests under moduleDir
func newPipeline(moduleDir string) *module.Pipeline {
	registry := module.NewRegistry()
	modules.RegisterBuiltins(registry)

	var source module.Source = modules.Source()
	if moduleDir != "" {
		source = module.MultiSource{source, module.NewDirSource(moduleDir)}
	}
	return module.NewPipeline(source, registry)
}

func (n *node) start() error {
	if n.coord != nil {
		lis, err := net.Listen("tcp", n.cfg.Coordinator.Listen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", n.cfg.Coordinator.Listen, err)
		}
		n.listener = lis
		n.coord.Start()

		n.serveWg.Add(1)
		go func() {
			defer n.serveWg.Done()
			if err := n.server.Serve(lis); err != nil {
				n.logger.Error().Err(err).Msg("RPC server failed")
			}
		}()
	}

	if n.cfg.Metrics.Enabled {
		n.metrics = metrics.NewServer(n.cfg.Metrics.Port, n.registry)
		n.serveWg.Add(1)
		go func() {
			defer n.serveWg.Done()
			n.logger.Info().Str("address", n.metrics.Addr).Msg("Starting metrics server")
			if err := n.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				n.logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	if n.worker != nil {
		if err := n.worker.Start(); err != nil {
			return fmt.Errorf("failed to start worker: %w", err)
		}
	}

	n.logger.Info().Str("mode", string(n.mode)).Msg("Node started")
	return nil
}

// addr is the address the RPC server listens on, empty for workers
func (n *node) addr() string {
	if n.listener == nil {
		return ""
	}
	return n.listener.Addr().String()
}

// stop shuts down in reverse start order
func (n *node) stop() {
	if n.worker != nil {
		n.worker.Stop()
	}
	if n.client != nil {
		n.client.Close()
	}
	if n.metrics != nil {
		n.metrics.Shutdown(context.Background())
	}
	if n.listener != nil {
		n.server.Stop()
	}
	n.serveWg.Wait()
	if n.coord != nil {
		if err := n.coord.Stop(); err != nil {
			n.logger.Warn().Err(err).Msg("Coordinator stop failed")
		}
	}
	n.logger.Info().Str("mode", string(n.mode)).Msg("Node stopped")
}
