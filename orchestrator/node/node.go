// Package node wires the orchestrator services together and manages their
// lifecycle: persistence, key-value store, broker, worker pool, scheduler and
// monitoring, started in dependency order and stopped in reverse.
package node

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/TAR2003/amarvote-orchestrator/config/flags"
	"github.com/TAR2003/amarvote-orchestrator/config/params"
	"github.com/TAR2003/amarvote-orchestrator/monitoring/prometheus"
	"github.com/TAR2003/amarvote-orchestrator/orchestrator/broker"
	"github.com/TAR2003/amarvote-orchestrator/orchestrator/credentials"
	"github.com/TAR2003/amarvote-orchestrator/orchestrator/cryptoclient"
	"github.com/TAR2003/amarvote-orchestrator/orchestrator/db"
	"github.com/TAR2003/amarvote-orchestrator/orchestrator/db/postgres"
	"github.com/TAR2003/amarvote-orchestrator/orchestrator/kv"
	"github.com/TAR2003/amarvote-orchestrator/orchestrator/phase"
	"github.com/TAR2003/amarvote-orchestrator/orchestrator/pipeline"
	"github.com/TAR2003/amarvote-orchestrator/orchestrator/registry"
	"github.com/TAR2003/amarvote-orchestrator/orchestrator/scheduler"
	"github.com/TAR2003/amarvote-orchestrator/orchestrator/worker"
	"github.com/TAR2003/amarvote-orchestrator/runtime"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var log = logrus.WithField("prefix", "node")

// OrchestratorNode handles the lifecycle of the entire system and registers
// services in a service registry.
type OrchestratorNode struct {
	cliCtx   *cli.Context
	ctx      context.Context
	cancel   context.CancelFunc
	lock     sync.RWMutex
	services *runtime.ServiceRegistry
	stop     chan struct{}

	database db.Database
	kvStore  kv.Store
	pipe     *pipeline.Service
}

// New creates the node: it connects the stores, builds the domain components
// and registers every long-lived service.
func New(cliCtx *cli.Context) (*OrchestratorNode, error) {
	ctx, cancel := context.WithCancel(cliCtx.Context)
	n := &OrchestratorNode{
		cliCtx:   cliCtx,
		ctx:      ctx,
		cancel:   cancel,
		services: runtime.NewServiceRegistry(),
		stop:     make(chan struct{}),
	}

	pg, err := postgres.NewStore(ctx, cliCtx.String(flags.PostgresDSNFlag.Name))
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "could not open database")
	}
	cfg := params.OrchConfig()
	cached, err := db.NewCachedDatabase(pg, cfg.RowCacheMaxCost, cfg.RowCacheTTL)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "could not build row cache")
	}
	n.database = cached

	redisStore, err := kv.NewRedisStore(ctx,
		cliCtx.String(flags.RedisAddrFlag.Name),
		cliCtx.String(flags.RedisPasswordFlag.Name),
		cliCtx.Int(flags.RedisDBFlag.Name),
	)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "could not open key-value store")
	}
	n.kvStore = redisStore

	creds := credentials.NewStore(n.kvStore)
	coord := phase.NewCoordinator(n.kvStore, n.database, creds)
	reg := registry.New()
	n.pipe = pipeline.NewService(n.database, creds, reg, coord)

	crypto, err := cryptoclient.NewClient(cliCtx.String(flags.CryptoServiceURLFlag.Name))
	if err != nil {
		cancel()
		return nil, err
	}
	if err := crypto.Health(ctx); err != nil {
		log.WithError(err).Warn("Crypto service is not reachable yet")
	}

	brokerSvc := broker.NewService(ctx, cliCtx.String(flags.AMQPURLFlag.Name))
	if err := n.services.RegisterService("broker", brokerSvc); err != nil {
		cancel()
		return nil, err
	}

	workerSvc := worker.NewService(ctx, &worker.Config{
		Consumer: brokerSvc,
		Database: n.database,
		KV:       n.kvStore,
		Creds:    creds,
		Registry: reg,
		Phase:    coord,
		Crypto:   crypto,
	})
	if err := n.services.RegisterService("worker", workerSvc); err != nil {
		cancel()
		return nil, err
	}

	schedulerSvc := scheduler.NewService(ctx, reg, brokerSvc)
	if err := n.services.RegisterService("scheduler", schedulerSvc); err != nil {
		cancel()
		return nil, err
	}

	monitoringAddr := fmt.Sprintf("%s:%d",
		cliCtx.String(flags.MonitoringHostFlag.Name),
		cliCtx.Int(flags.MonitoringPortFlag.Name),
	)
	monitoringSvc := prometheus.NewService(monitoringAddr, n.services)
	if err := n.services.RegisterService("monitoring", monitoringSvc); err != nil {
		cancel()
		return nil, err
	}

	return n, nil
}

// Pipeline exposes the phase-start and job-query surface to embedding code.
func (n *OrchestratorNode) Pipeline() *pipeline.Service {
	return n.pipe
}

// Start launches every registered service and blocks until shutdown.
func (n *OrchestratorNode) Start() {
	n.lock.Lock()
	n.services.StartAll()
	n.lock.Unlock()
	log.Info("Orchestrator node started")

	stop := n.stop
	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigc)
		<-sigc
		log.Info("Got interrupt, shutting down...")
		go n.Close()
		for i := 10; i > 0; i-- {
			<-sigc
			if i > 1 {
				log.WithField("times", i-1).Info("Already shutting down, interrupt more to panic")
			}
		}
		panic("Panic closing the orchestrator node")
	}()

	<-stop
}

// Close stops services in reverse registration order, so publication halts
// and in-flight chunks drain before the broker connection drops.
func (n *OrchestratorNode) Close() {
	n.lock.Lock()
	defer n.lock.Unlock()

	log.Info("Stopping orchestrator node")
	n.services.StopAll()
	if err := n.database.Close(); err != nil {
		log.WithError(err).Error("Could not close database")
	}
	if closer, ok := n.kvStore.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			log.WithError(err).Error("Could not close key-value store")
		}
	}
	n.cancel()
	close(n.stop)
}
