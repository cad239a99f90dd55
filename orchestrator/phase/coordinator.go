// Package phase drives the transitions between pipeline phases. Workers
// report chunk completions here; counters in the key-value store and
// once-only compare-and-set flags make the transitions exactly-once across
// concurrent workers without a central coordinator.
package phase

import (
	"context"
	"fmt"

	"github.com/TAR2003/amarvote-orchestrator/config/params"
	"github.com/TAR2003/amarvote-orchestrator/orchestrator/credentials"
	"github.com/TAR2003/amarvote-orchestrator/orchestrator/db"
	"github.com/TAR2003/amarvote-orchestrator/orchestrator/kv"
	"github.com/TAR2003/amarvote-orchestrator/orchestrator/messages"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "phase")

// CompensationTrigger queues the compensated-decryption phase for a guardian
// that has finished its partial decryptions.
type CompensationTrigger interface {
	StartCompensatedDecryption(ctx context.Context, electionID int64, compensatingGuardianID string) error
}

// CompletedChunk describes one finished chunk for phase accounting.
type CompletedChunk struct {
	Type       messages.TaskType
	ElectionID int64
	// GuardianID is the operating guardian: the owner for partial
	// decryption, the compensating guardian for compensated decryption.
	GuardianID string
	JobID      string
}

// Coordinator applies the per-phase completion rules.
type Coordinator struct {
	kv       kv.Store
	database db.Database
	creds    *credentials.Store
	trigger  CompensationTrigger
}

// NewCoordinator wires the coordinator's dependencies. The compensation
// trigger is attached separately because it is constructed later in the
// dependency graph.
func NewCoordinator(store kv.Store, database db.Database, creds *credentials.Store) *Coordinator {
	return &Coordinator{kv: store, database: database, creds: creds}
}

// SetCompensationTrigger attaches the phase-2 trigger.
func (c *Coordinator) SetCompensationTrigger(t CompensationTrigger) {
	c.trigger = t
}

func partialProgressKey(electionID int64, guardianID string) string {
	return fmt.Sprintf("partial_progress:%d:%s", electionID, guardianID)
}

func partialTriggeredKey(electionID int64, guardianID string) string {
	return fmt.Sprintf("partial_triggered:%d:%s", electionID, guardianID)
}

func compensatedProgressKey(electionID int64, guardianID string) string {
	return fmt.Sprintf("compensated_progress:%d:%s", electionID, guardianID)
}

func compensatedTriggeredKey(electionID int64, guardianID string) string {
	return fmt.Sprintf("compensated_triggered:%d:%s", electionID, guardianID)
}

// OnChunkCompleted records one successful chunk and runs the phase rule for
// its task type. The increment on the job record is atomic; the worker that
// observes the completing value performs the follow-up, guarded by a
// once-only flag where the follow-up must not run twice.
func (c *Coordinator) OnChunkCompleted(ctx context.Context, chunk CompletedChunk) error {
	processed, total, err := c.database.IncrementProcessedChunks(ctx, chunk.JobID)
	if err != nil {
		return errors.Wrapf(err, "could not record progress on job %s", chunk.JobID)
	}

	switch chunk.Type {
	case messages.TaskTally, messages.TaskCombine:
		if processed == total {
			if err := c.database.MarkJobStatus(ctx, chunk.JobID, db.JobCompleted, ""); err != nil {
				return errors.Wrapf(err, "could not complete job %s", chunk.JobID)
			}
			log.WithFields(logrus.Fields{
				"job":      chunk.JobID,
				"election": chunk.ElectionID,
				"type":     chunk.Type,
			}).Info("Phase completed")
		}
		return nil
	case messages.TaskPartialDecryption:
		return c.onPartialCompleted(ctx, chunk, processed, total)
	case messages.TaskCompensatedDecrypt:
		return c.onCompensatedCompleted(ctx, chunk, processed, total)
	}
	return errors.Errorf("unknown task type %s", chunk.Type)
}

func (c *Coordinator) onPartialCompleted(ctx context.Context, chunk CompletedChunk, processed, total int) error {
	n, err := c.incrProgress(ctx, partialProgressKey(chunk.ElectionID, chunk.GuardianID))
	if err != nil {
		return err
	}
	if processed == total {
		if err := c.database.MarkJobStatus(ctx, chunk.JobID, db.JobCompleted, ""); err != nil {
			return errors.Wrapf(err, "could not complete job %s", chunk.JobID)
		}
	}
	if n != int64(total) {
		return nil
	}

	won, err := c.kv.SetIfAbsent(ctx,
		partialTriggeredKey(chunk.ElectionID, chunk.GuardianID), "1", params.OrchConfig().PhaseFlagTTL)
	if err != nil {
		return errors.Wrap(err, "could not claim partial trigger")
	}
	if !won {
		return nil
	}
	log.WithFields(logrus.Fields{
		"election": chunk.ElectionID,
		"guardian": chunk.GuardianID,
	}).Info("Partial decryption finished, queuing compensated decryption")
	if c.trigger == nil {
		return errors.New("no compensation trigger attached")
	}
	return c.trigger.StartCompensatedDecryption(ctx, chunk.ElectionID, chunk.GuardianID)
}

func (c *Coordinator) onCompensatedCompleted(ctx context.Context, chunk CompletedChunk, processed, total int) error {
	n, err := c.incrProgress(ctx, compensatedProgressKey(chunk.ElectionID, chunk.GuardianID))
	if err != nil {
		return err
	}
	if processed == total {
		if err := c.database.MarkJobStatus(ctx, chunk.JobID, db.JobCompleted, ""); err != nil {
			return errors.Wrapf(err, "could not complete job %s", chunk.JobID)
		}
	}
	if n != int64(total) {
		return nil
	}

	won, err := c.kv.SetIfAbsent(ctx,
		compensatedTriggeredKey(chunk.ElectionID, chunk.GuardianID), "1", params.OrchConfig().PhaseFlagTTL)
	if err != nil {
		return errors.Wrap(err, "could not claim compensated trigger")
	}
	if !won {
		return nil
	}
	return c.FinishGuardian(ctx, chunk.ElectionID, chunk.GuardianID)
}

// FinishGuardian clears a guardian's credentials and marks it decrypted.
// Called by the sole winner of the compensated trigger, and directly when a
// guardian has no compensation work to do.
func (c *Coordinator) FinishGuardian(ctx context.Context, electionID int64, guardianID string) error {
	if err := c.creds.Clear(ctx, electionID, guardianID); err != nil {
		return errors.Wrap(err, "could not clear credentials")
	}
	if err := c.database.SetGuardianDecrypted(ctx, electionID, guardianID, true); err != nil {
		return errors.Wrap(err, "could not mark guardian decrypted")
	}
	log.WithFields(logrus.Fields{
		"election": electionID,
		"guardian": guardianID,
	}).Info("Guardian finished decryption")
	return nil
}

// OnChunkPermanentlyFailed records a chunk whose retry budget is exhausted.
// The job is marked FAILED; its remaining chunks drain via the scheduler.
func (c *Coordinator) OnChunkPermanentlyFailed(ctx context.Context, chunk CompletedChunk, errorMessage string) error {
	if _, _, err := c.database.IncrementFailedChunks(ctx, chunk.JobID); err != nil {
		return errors.Wrapf(err, "could not record failure on job %s", chunk.JobID)
	}
	if err := c.database.MarkJobStatus(ctx, chunk.JobID, db.JobFailed, errorMessage); err != nil {
		return errors.Wrapf(err, "could not fail job %s", chunk.JobID)
	}
	log.WithFields(logrus.Fields{
		"job":      chunk.JobID,
		"election": chunk.ElectionID,
		"type":     chunk.Type,
	}).Warn("Chunk permanently failed, job marked failed")
	return nil
}

// incrProgress atomically increments a progress counter, attaching the phase
// TTL on first increment.
func (c *Coordinator) incrProgress(ctx context.Context, key string) (int64, error) {
	n, err := c.kv.Incr(ctx, key)
	if err != nil {
		return 0, errors.Wrapf(err, "could not increment %s", key)
	}
	if n == 1 {
		if err := c.kv.Expire(ctx, key, params.OrchConfig().PhaseFlagTTL); err != nil {
			log.WithError(err).WithField("key", key).Warn("Could not set progress TTL")
		}
	}
	return n, nil
}
