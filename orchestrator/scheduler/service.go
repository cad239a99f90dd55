// Package scheduler publishes registered chunks to the broker at a steady
// rate. Each tick visits active task instances round-robin from a rotating
// start position, so a large election cannot starve a small one.
package scheduler

import (
	"context"
	"time"

	"github.com/TAR2003/amarvote-orchestrator/async"
	"github.com/TAR2003/amarvote-orchestrator/config/params"
	"github.com/TAR2003/amarvote-orchestrator/orchestrator/broker"
	"github.com/TAR2003/amarvote-orchestrator/orchestrator/messages"
	"github.com/TAR2003/amarvote-orchestrator/orchestrator/registry"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "scheduler")

// Service drives chunk publication.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc

	reg    *registry.Registry
	pub    broker.Publisher
	cursor int
}

// NewService builds a scheduler over the registry and publisher.
func NewService(ctx context.Context, reg *registry.Registry, pub broker.Publisher) *Service {
	ctx, cancel := context.WithCancel(ctx)
	return &Service{ctx: ctx, cancel: cancel, reg: reg, pub: pub}
}

// Start launches the publication loop and the diagnostic reporter.
func (s *Service) Start() {
	cfg := params.OrchConfig()
	go s.run(cfg.ScheduleTick)
	async.RunEvery(s.ctx, "scheduler-diag", cfg.DiagInterval, s.diag)
	log.WithField("tick", cfg.ScheduleTick).Info("Scheduler started")
}

func (s *Service) run(tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tick(s.ctx)
		}
	}
}

// tick publishes up to the per-cycle target, visiting instances round-robin
// from the rotating cursor. A failed publication returns the chunk to the
// registry without consuming a retry attempt.
func (s *Service) tick(ctx context.Context) {
	instances := s.reg.Instances()
	activeInstances.Set(float64(len(instances)))
	if len(instances) == 0 {
		return
	}

	target := params.OrchConfig().TargetChunksPerCycle
	start := s.cursor % len(instances)
	s.cursor++

	published := 0
	for i := 0; i < len(instances) && published < target; i++ {
		in := instances[(start+i)%len(instances)]
		chunk, ok, err := s.reg.ClaimNext(in.ID)
		if err != nil {
			log.WithError(err).WithField("instance", in.ID).Error("Could not claim chunk")
			continue
		}
		if !ok {
			continue
		}
		if err := s.pub.Publish(ctx, chunk.RoutingKey, chunk.Payload); err != nil {
			publishFailures.Inc()
			if releaseErr := s.reg.ReleaseQueued(chunk.ChunkID); releaseErr != nil {
				log.WithError(releaseErr).WithField("chunk", chunk.ChunkID).Error("Could not release chunk")
			}
			if errors.Is(err, broker.ErrFlowBlocked) {
				log.Debug("Broker flow-blocked, deferring publication")
				return
			}
			log.WithError(err).WithFields(logrus.Fields{
				"chunk": chunk.ChunkID,
				"queue": chunk.RoutingKey,
			}).Warn("Could not publish chunk")
			continue
		}
		chunksPublished.WithLabelValues(chunk.RoutingKey).Inc()
		published++
	}
}

// diag requeues chunks stuck in QUEUED, logs a periodic snapshot of registry
// health including per-type queue depth, and flags instances that have gone
// quiet.
func (s *Service) diag() {
	cfg := params.OrchConfig()
	if n := s.reg.RequeueStuck(cfg.QueuedRequeueAfter); n > 0 {
		requeuedChunks.Add(float64(n))
	}

	instances := s.reg.Instances()
	stats := s.reg.Stats()
	depth := s.reg.QueuedDepth()
	fields := logrus.Fields{"instances": len(instances)}
	for tt, st := range stats {
		fields[string(tt)+"_completed"] = st.Completed
		fields[string(tt)+"_failed"] = st.Failed
	}
	for _, tt := range []messages.TaskType{
		messages.TaskTally,
		messages.TaskPartialDecryption,
		messages.TaskCompensatedDecrypt,
		messages.TaskCombine,
	} {
		fields[string(tt)+"_queued"] = depth[tt]
		queuedChunks.WithLabelValues(string(tt)).Set(float64(depth[tt]))
	}
	log.WithFields(fields).Info("Scheduler status")

	stale := s.reg.Stale(cfg.StalenessWindow)
	staleInstances.Set(float64(len(stale)))
	for _, in := range stale {
		log.WithFields(logrus.Fields{
			"instance":     in.ID,
			"type":         in.Type,
			"election":     in.ElectionID,
			"guardian":     in.GuardianID,
			"lastProgress": in.LastProgress,
		}).Warn("Task instance has stalled")
	}
}

// Status implements runtime.Service.
func (s *Service) Status() error {
	return nil
}

// Stop implements runtime.Service.
func (s *Service) Stop() error {
	s.cancel()
	return nil
}
