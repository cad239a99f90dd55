// Package worker consumes task messages from the broker and executes them
// against the crypto service. Each delivery is guarded by a two-layer
// idempotency lock, audited in a worker log row, and reported back to the
// registry and the phase coordinator.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/TAR2003/amarvote-orchestrator/config/params"
	"github.com/TAR2003/amarvote-orchestrator/orchestrator/credentials"
	"github.com/TAR2003/amarvote-orchestrator/orchestrator/cryptoclient"
	"github.com/TAR2003/amarvote-orchestrator/orchestrator/db"
	"github.com/TAR2003/amarvote-orchestrator/orchestrator/kv"
	"github.com/TAR2003/amarvote-orchestrator/orchestrator/messages"
	"github.com/TAR2003/amarvote-orchestrator/orchestrator/phase"
	"github.com/TAR2003/amarvote-orchestrator/orchestrator/registry"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "worker")

// Consumer is the receive-side broker surface the worker depends on.
type Consumer interface {
	Consume(queue, consumerTag string) (<-chan amqp.Delivery, error)
}

// Config bundles the worker service dependencies.
type Config struct {
	Consumer Consumer
	Database db.Database
	KV       kv.Store
	Creds    *credentials.Store
	Registry *registry.Registry
	Phase    *phase.Coordinator
	Crypto   cryptoclient.API
}

// Service runs the consumer pool.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    *Config

	id     string
	locks  *gocache.Cache
	wg     sync.WaitGroup
	mu     sync.Mutex
	runErr error
}

// NewService builds the worker pool service.
func NewService(ctx context.Context, cfg *Config) *Service {
	ctx, cancel := context.WithCancel(ctx)
	lockTTL := params.OrchConfig().ChunkLockTTL
	return &Service{
		ctx:    ctx,
		cancel: cancel,
		cfg:    cfg,
		id:     uuid.NewString(),
		locks:  gocache.New(lockTTL, 2*lockTTL),
	}
}

// Start opens the configured number of consumers on every phase queue. Each
// consumer keeps retrying its open, so the pool comes up cleanly even when
// the broker is still dialing.
func (s *Service) Start() {
	cfg := params.OrchConfig()
	queues := map[messages.TaskType]string{
		messages.TaskTally:              cfg.TallyQueue,
		messages.TaskPartialDecryption:  cfg.PartialQueue,
		messages.TaskCompensatedDecrypt: cfg.CompensatedQueue,
		messages.TaskCombine:            cfg.CombineQueue,
	}
	for tt, queue := range queues {
		for i := 0; i < cfg.WorkerConcurrency; i++ {
			tag := fmt.Sprintf("%s-%s-%d", queue, s.id, i)
			s.wg.Add(1)
			go s.consumeLoop(tt, queue, tag)
		}
	}
	log.WithField("concurrency", cfg.WorkerConcurrency).Info("Worker pool started")
}

// consumeLoop opens the consumer and drains its deliveries, reopening after
// a connection loss. Services start concurrently, so the broker may not be
// connected yet on the first attempt.
func (s *Service) consumeLoop(tt messages.TaskType, queue, tag string) {
	defer s.wg.Done()
	for {
		deliveries, err := s.cfg.Consumer.Consume(queue, tag)
		if err != nil {
			s.setRunErr(err)
			log.WithError(err).WithField("queue", queue).Warn("Could not open consumer, retrying")
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(params.OrchConfig().ConsumeRetryDelay):
			}
			continue
		}
		s.setRunErr(nil)
		if !s.consume(tt, deliveries) {
			return
		}
		// The delivery channel closed under us; reopen on the next pass.
	}
}

func (s *Service) setRunErr(err error) {
	s.mu.Lock()
	s.runErr = err
	s.mu.Unlock()
}

// consume drains one delivery stream. It returns true when the stream closed
// and should be reopened, false on shutdown.
func (s *Service) consume(tt messages.TaskType, deliveries <-chan amqp.Delivery) bool {
	for {
		select {
		case <-s.ctx.Done():
			return false
		case d, ok := <-deliveries:
			if !ok {
				return true
			}
			s.HandleDelivery(s.ctx, tt, d.Body)
			// Messages are never requeued; retry publication is the
			// scheduler's job.
			if err := d.Ack(false); err != nil {
				log.WithError(err).Warn("Could not ack delivery")
			}
			s.yield()
		}
	}
}

// yield pauses between chunks so large decoded payloads can be reclaimed
// before the next one is consumed.
func (s *Service) yield() {
	select {
	case <-s.ctx.Done():
	case <-time.After(params.OrchConfig().WorkerYield):
	}
}

// HandleDelivery processes one raw task message end to end.
func (s *Service) HandleDelivery(ctx context.Context, tt messages.TaskType, body []byte) {
	var ref messages.ChunkRef
	if err := messages.Decode(body, &ref); err != nil {
		log.WithError(err).Error("Dropping undecodable task message")
		return
	}
	lg := log.WithFields(logrus.Fields{
		"type":     tt,
		"chunk":    ref.ChunkID,
		"election": ref.ElectionID,
	})

	if !s.acquire(ctx, ref.ChunkID) {
		duplicateDeliveries.Inc()
		lg.Debug("Chunk already locked, skipping duplicate delivery")
		return
	}
	defer s.release(ctx, ref.ChunkID)

	state, err := s.cfg.Registry.ChunkState(ref.ChunkID)
	if err != nil {
		// Unknown to the registry: a leftover delivery from before a
		// restart. The message alone is not authority to execute.
		lg.WithError(err).Warn("Dropping chunk unknown to the registry")
		return
	}
	if state == registry.Completed || state == registry.Failed {
		duplicateDeliveries.Inc()
		lg.Debug("Chunk already resolved, skipping duplicate delivery")
		return
	}
	if err := s.cfg.Registry.MarkProcessing(ref.ChunkID); err != nil {
		lg.WithError(err).Warn("Dropping chunk unknown to the registry")
		return
	}

	started := time.Now()
	guardianID, err := s.execute(ctx, tt, body)
	chunkDuration.WithLabelValues(string(tt)).Observe(time.Since(started).Seconds())

	completed := phase.CompletedChunk{Type: tt, ElectionID: ref.ElectionID, GuardianID: guardianID, JobID: ref.JobID}
	if err == nil {
		chunksProcessed.WithLabelValues(string(tt), "completed").Inc()
		if reportErr := s.cfg.Registry.ReportSuccess(ref.ChunkID); reportErr != nil {
			lg.WithError(reportErr).Error("Could not report chunk success")
		}
		if phaseErr := s.cfg.Phase.OnChunkCompleted(ctx, completed); phaseErr != nil {
			lg.WithError(phaseErr).Error("Phase coordination failed")
		}
		lg.WithField("duration", time.Since(started)).Info("Chunk completed")
		return
	}

	lg.WithError(err).Warn("Chunk execution failed")
	if isPermanent(err) {
		chunksProcessed.WithLabelValues(string(tt), "failed").Inc()
		if failErr := s.cfg.Registry.FailPermanently(ref.ChunkID, err.Error()); failErr != nil {
			lg.WithError(failErr).Error("Could not report permanent failure")
		}
		if phaseErr := s.cfg.Phase.OnChunkPermanentlyFailed(ctx, completed, err.Error()); phaseErr != nil {
			lg.WithError(phaseErr).Error("Phase coordination failed")
		}
		return
	}

	disposition, reportErr := s.cfg.Registry.ReportFailure(ref.ChunkID, err.Error())
	if reportErr != nil {
		lg.WithError(reportErr).Error("Could not report chunk failure")
		return
	}
	if disposition.Permanent {
		chunksProcessed.WithLabelValues(string(tt), "failed").Inc()
		if phaseErr := s.cfg.Phase.OnChunkPermanentlyFailed(ctx, completed, err.Error()); phaseErr != nil {
			lg.WithError(phaseErr).Error("Phase coordination failed")
		}
		return
	}
	chunksProcessed.WithLabelValues(string(tt), "retried").Inc()
	lg.WithField("retryAt", disposition.RetryAt).Info("Chunk scheduled for retry")
}

// acquire takes the two-layer chunk lock: an in-process entry catches
// duplicates within this node cheaply, the key-value entry catches them
// across nodes. Both carry the lock TTL so a crashed holder cannot wedge the
// chunk.
func (s *Service) acquire(ctx context.Context, chunkID string) bool {
	ttl := params.OrchConfig().ChunkLockTTL
	if err := s.locks.Add(chunkID, s.id, ttl); err != nil {
		return false
	}
	won, err := s.cfg.KV.SetIfAbsent(ctx, lockKey(chunkID), s.id, ttl)
	if err != nil {
		log.WithError(err).WithField("chunk", chunkID).Error("Could not take chunk lock")
		s.locks.Delete(chunkID)
		return false
	}
	if !won {
		s.locks.Delete(chunkID)
		return false
	}
	return true
}

func (s *Service) release(ctx context.Context, chunkID string) {
	s.locks.Delete(chunkID)
	if err := s.cfg.KV.Delete(ctx, lockKey(chunkID)); err != nil {
		log.WithError(err).WithField("chunk", chunkID).Warn("Could not release chunk lock")
	}
}

func lockKey(chunkID string) string {
	return "lock:chunk:" + chunkID
}

// Status implements runtime.Service.
func (s *Service) Status() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runErr
}

// Stop implements runtime.Service.
func (s *Service) Stop() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

// permanentError marks a failure that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
