// Package pipeline starts the four crypto phases: it validates
// preconditions, partitions the work into chunks, creates the durable job
// record and registers the task instances the scheduler will publish.
package pipeline

import (
	"context"
	"time"

	"github.com/TAR2003/amarvote-orchestrator/config/params"
	"github.com/TAR2003/amarvote-orchestrator/orchestrator/chunker"
	"github.com/TAR2003/amarvote-orchestrator/orchestrator/credentials"
	"github.com/TAR2003/amarvote-orchestrator/orchestrator/db"
	"github.com/TAR2003/amarvote-orchestrator/orchestrator/messages"
	"github.com/TAR2003/amarvote-orchestrator/orchestrator/phase"
	"github.com/TAR2003/amarvote-orchestrator/orchestrator/registry"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "pipeline")

var (
	// ErrNoBallots is returned when a tally is requested for an election
	// without cast ballots.
	ErrNoBallots = errors.New("election has no cast ballots")
	// ErrTalliesIncomplete is returned when a decryption or combine phase is
	// requested before every center has its encrypted tally.
	ErrTalliesIncomplete = errors.New("not every election center has an encrypted tally")
	// ErrQuorumNotReached is returned when combine is requested before
	// enough guardians have finished decrypting.
	ErrQuorumNotReached = errors.New("decrypted guardians are below the quorum")
)

// Service starts phases and answers job queries.
type Service struct {
	database db.Database
	creds    *credentials.Store
	reg      *registry.Registry
	coord    *phase.Coordinator
}

var _ phase.CompensationTrigger = (*Service)(nil)

// NewService wires the pipeline and attaches it to the phase coordinator as
// the compensation trigger.
func NewService(database db.Database, creds *credentials.Store, reg *registry.Registry, coord *phase.Coordinator) *Service {
	s := &Service{database: database, creds: creds, reg: reg, coord: coord}
	coord.SetCompensationTrigger(s)
	return s
}

// StartTally chunks the election's ballots and registers the tally phase.
// Returns the job id.
func (s *Service) StartTally(ctx context.Context, electionID int64, createdBy string) (string, error) {
	election, err := s.database.Election(ctx, electionID)
	if err != nil {
		return "", errors.Wrap(err, "could not load election")
	}
	ballotIDs, err := s.database.BallotIDs(ctx, electionID)
	if err != nil {
		return "", errors.Wrap(err, "could not load ballots")
	}
	if len(ballotIDs) == 0 {
		return "", ErrNoBallots
	}

	chunkSize := params.OrchConfig().ChunkSize
	numChunks := chunker.NumChunks(len(ballotIDs), chunkSize)
	assignment, err := chunker.Assign(ballotIDs, chunkSize)
	if err != nil {
		return "", errors.Wrap(err, "could not partition ballots")
	}

	jobID := uuid.NewString()
	instanceID := uuid.NewString()
	spec := registry.Spec{
		ID:         instanceID,
		Type:       messages.TaskTally,
		ElectionID: electionID,
		JobID:      jobID,
	}
	for chunkNumber := 1; chunkNumber <= numChunks; chunkNumber++ {
		chunkID := uuid.NewString()
		payload, err := messages.Encode(&messages.TallyCreationTask{
			ChunkRef: messages.ChunkRef{
				TaskInstanceID: instanceID,
				ChunkID:        chunkID,
				ChunkNumber:    chunkNumber,
				JobID:          jobID,
				ElectionID:     electionID,
			},
			BallotIDs:      assignment[chunkNumber],
			JointPublicKey: election.JointPublicKey,
			CommitmentHash: election.CommitmentHash,
			Manifest:       election.Manifest,
		})
		if err != nil {
			return "", err
		}
		spec.Chunks = append(spec.Chunks, registry.ChunkSpec{ID: chunkID, Number: chunkNumber, Payload: payload})
	}

	if err := s.launch(ctx, spec, createdBy, numChunks); err != nil {
		return "", err
	}
	log.WithFields(logrus.Fields{
		"election": electionID,
		"job":      jobID,
		"ballots":  len(ballotIDs),
		"chunks":   numChunks,
	}).Info("Tally phase started")
	return jobID, nil
}

// StartPartialDecryption registers one partial-decryption chunk per election
// center for the guardian. The guardian's credentials must already be
// presented.
func (s *Service) StartPartialDecryption(ctx context.Context, electionID int64, guardianID, createdBy string) (string, error) {
	has, err := s.creds.Has(ctx, electionID, guardianID)
	if err != nil {
		return "", errors.Wrap(err, "could not check credentials")
	}
	if !has {
		return "", errors.Wrapf(credentials.ErrMissing, "guardian %s", guardianID)
	}
	if _, err := s.database.Guardian(ctx, electionID, guardianID); err != nil {
		return "", errors.Wrap(err, "could not load guardian")
	}
	centers, err := s.readyCenters(ctx, electionID)
	if err != nil {
		return "", err
	}

	jobID := uuid.NewString()
	instanceID := uuid.NewString()
	spec := registry.Spec{
		ID:         instanceID,
		Type:       messages.TaskPartialDecryption,
		ElectionID: electionID,
		GuardianID: guardianID,
		JobID:      jobID,
	}
	for _, center := range centers {
		chunkID := uuid.NewString()
		payload, err := messages.Encode(&messages.PartialDecryptionTask{
			ChunkRef: messages.ChunkRef{
				TaskInstanceID: instanceID,
				ChunkID:        chunkID,
				ChunkNumber:    center.ChunkNumber,
				JobID:          jobID,
				ElectionID:     electionID,
			},
			GuardianID:       guardianID,
			ElectionCenterID: center.ID,
			TotalChunks:      len(centers),
		})
		if err != nil {
			return "", err
		}
		spec.Chunks = append(spec.Chunks, registry.ChunkSpec{ID: chunkID, Number: center.ChunkNumber, Payload: payload})
	}

	if err := s.launch(ctx, spec, createdBy, len(centers)); err != nil {
		return "", err
	}
	log.WithFields(logrus.Fields{
		"election": electionID,
		"guardian": guardianID,
		"job":      jobID,
		"chunks":   len(centers),
	}).Info("Partial decryption phase started")
	return jobID, nil
}

// StartCompensatedDecryption implements phase.CompensationTrigger. The
// compensating guardian reconstructs shares for every absent guardian across
// every election center, all under one job; each source/target pair gets its
// own task instance so the scheduler interleaves them fairly. With no absent
// guardians the source is finished immediately.
func (s *Service) StartCompensatedDecryption(ctx context.Context, electionID int64, compensatingGuardianID string) error {
	election, err := s.database.Election(ctx, electionID)
	if err != nil {
		return errors.Wrap(err, "could not load election")
	}
	source, err := s.database.Guardian(ctx, electionID, compensatingGuardianID)
	if err != nil {
		return errors.Wrap(err, "could not load compensating guardian")
	}
	absent, err := s.absentGuardians(ctx, electionID, compensatingGuardianID)
	if err != nil {
		return err
	}
	if len(absent) == 0 {
		return s.coord.FinishGuardian(ctx, electionID, compensatingGuardianID)
	}

	sourcePrivateKey, err := s.creds.PrivateKey(ctx, electionID, compensatingGuardianID)
	if err != nil {
		return errors.Wrap(err, "compensating guardian credentials unavailable")
	}
	sourcePolynomial, err := s.creds.Polynomial(ctx, electionID, compensatingGuardianID)
	if err != nil {
		return errors.Wrap(err, "compensating guardian credentials unavailable")
	}

	centers, err := s.readyCenters(ctx, electionID)
	if err != nil {
		return err
	}

	jobID := uuid.NewString()
	total := len(centers) * len(absent)
	sourceMaterial := messages.GuardianMaterial{
		GuardianID:    source.GuardianID,
		SequenceOrder: source.SequenceOrder,
		PublicKey:     source.PublicKey,
		KeyBackup:     source.KeyBackup,
	}

	var specs []registry.Spec
	for _, target := range absent {
		instanceID := uuid.NewString()
		spec := registry.Spec{
			ID:         instanceID,
			Type:       messages.TaskCompensatedDecrypt,
			ElectionID: electionID,
			GuardianID: compensatingGuardianID + "/" + target.GuardianID,
			JobID:      jobID,
		}
		targetMaterial := messages.GuardianMaterial{
			GuardianID:    target.GuardianID,
			SequenceOrder: target.SequenceOrder,
			PublicKey:     target.PublicKey,
			KeyBackup:     target.KeyBackup,
		}
		for _, center := range centers {
			chunkID := uuid.NewString()
			payload, err := messages.Encode(&messages.CompensatedDecryptionTask{
				ChunkRef: messages.ChunkRef{
					TaskInstanceID: instanceID,
					ChunkID:        chunkID,
					ChunkNumber:    center.ChunkNumber,
					JobID:          jobID,
					ElectionID:     electionID,
				},
				ElectionCenterID:  center.ID,
				Source:            sourceMaterial,
				Target:            targetMaterial,
				SourcePrivateKey:  sourcePrivateKey,
				SourcePolynomial:  sourcePolynomial,
				NumberOfGuardians: election.NumberOfGuardians,
				Quorum:            election.Quorum,
				Manifest:          election.Manifest,
			})
			if err != nil {
				return err
			}
			spec.Chunks = append(spec.Chunks, registry.ChunkSpec{ID: chunkID, Number: center.ChunkNumber, Payload: payload})
		}
		specs = append(specs, spec)
	}

	if err := s.database.CreateJob(ctx, &db.Job{
		ID:          jobID,
		ElectionID:  electionID,
		Operation:   messages.TaskCompensatedDecrypt,
		Status:      db.JobQueued,
		TotalChunks: total,
		CreatedBy:   compensatingGuardianID,
		StartedAt:   time.Now().UTC(),
	}); err != nil {
		return errors.Wrap(err, "could not create job")
	}
	for _, spec := range specs {
		if _, err := s.reg.Register(spec); err != nil {
			s.reg.RetireJob(jobID)
			return errors.Wrap(err, "could not register compensation instance")
		}
	}
	log.WithFields(logrus.Fields{
		"election": electionID,
		"source":   compensatingGuardianID,
		"absent":   len(absent),
		"job":      jobID,
		"chunks":   total,
	}).Info("Compensated decryption phase started")
	return nil
}

// StartCombine registers one combine chunk per election center. Every center
// must hold its encrypted tally and enough guardians must have finished
// decrypting.
func (s *Service) StartCombine(ctx context.Context, electionID int64, createdBy string) (string, error) {
	election, err := s.database.Election(ctx, electionID)
	if err != nil {
		return "", errors.Wrap(err, "could not load election")
	}
	guardians, err := s.database.GuardiansByElection(ctx, electionID)
	if err != nil {
		return "", errors.Wrap(err, "could not load guardians")
	}
	decrypted := 0
	for _, g := range guardians {
		if g.Decrypted {
			decrypted++
		}
	}
	if decrypted < election.Quorum {
		return "", errors.Wrapf(ErrQuorumNotReached, "%d of %d", decrypted, election.Quorum)
	}
	centers, err := s.readyCenters(ctx, electionID)
	if err != nil {
		return "", err
	}

	jobID := uuid.NewString()
	instanceID := uuid.NewString()
	spec := registry.Spec{
		ID:         instanceID,
		Type:       messages.TaskCombine,
		ElectionID: electionID,
		JobID:      jobID,
	}
	for _, center := range centers {
		chunkID := uuid.NewString()
		payload, err := messages.Encode(&messages.CombineDecryptionTask{
			ChunkRef: messages.ChunkRef{
				TaskInstanceID: instanceID,
				ChunkID:        chunkID,
				ChunkNumber:    center.ChunkNumber,
				JobID:          jobID,
				ElectionID:     electionID,
			},
			ElectionCenterID: center.ID,
		})
		if err != nil {
			return "", err
		}
		spec.Chunks = append(spec.Chunks, registry.ChunkSpec{ID: chunkID, Number: center.ChunkNumber, Payload: payload})
	}

	if err := s.launch(ctx, spec, createdBy, len(centers)); err != nil {
		return "", err
	}
	log.WithFields(logrus.Fields{
		"election": electionID,
		"job":      jobID,
		"chunks":   len(centers),
	}).Info("Combine phase started")
	return jobID, nil
}

// Job returns the durable record of one phase run.
func (s *Service) Job(ctx context.Context, jobID string) (*db.Job, error) {
	return s.database.Job(ctx, jobID)
}

// JobsByElection returns every phase run of an election in start order.
func (s *Service) JobsByElection(ctx context.Context, electionID int64) ([]*db.Job, error) {
	return s.database.JobsByElection(ctx, electionID)
}

// Results returns the per-center results of an election and whether they are
// authoritative, which requires every center row to be populated.
func (s *Service) Results(ctx context.Context, electionID int64) ([]*db.ElectionCenter, bool, error) {
	centers, err := s.database.ElectionCentersByElection(ctx, electionID)
	if err != nil {
		return nil, false, errors.Wrap(err, "could not load election centers")
	}
	complete, err := s.database.AllResultsPresent(ctx, electionID)
	if err != nil {
		return nil, false, errors.Wrap(err, "could not check result completeness")
	}
	return centers, complete, nil
}

// launch registers the instance and creates its job record.
func (s *Service) launch(ctx context.Context, spec registry.Spec, createdBy string, totalChunks int) error {
	if _, err := s.reg.Register(spec); err != nil {
		return errors.Wrap(err, "could not register task instance")
	}
	if err := s.database.CreateJob(ctx, &db.Job{
		ID:          spec.JobID,
		ElectionID:  spec.ElectionID,
		Operation:   spec.Type,
		Status:      db.JobQueued,
		TotalChunks: totalChunks,
		CreatedBy:   createdBy,
		StartedAt:   time.Now().UTC(),
	}); err != nil {
		s.reg.RetireJob(spec.JobID)
		return errors.Wrap(err, "could not create job")
	}
	return nil
}

// readyCenters loads the election's centers and requires every one of them
// to hold an encrypted tally.
func (s *Service) readyCenters(ctx context.Context, electionID int64) ([]*db.ElectionCenter, error) {
	complete, err := s.database.AllTalliesPresent(ctx, electionID)
	if err != nil {
		return nil, errors.Wrap(err, "could not check tally completeness")
	}
	if !complete {
		return nil, ErrTalliesIncomplete
	}
	centers, err := s.database.ElectionCentersByElection(ctx, electionID)
	if err != nil {
		return nil, errors.Wrap(err, "could not load election centers")
	}
	return centers, nil
}

// absentGuardians lists guardians that have neither presented credentials
// nor finished decrypting, excluding the source itself.
func (s *Service) absentGuardians(ctx context.Context, electionID int64, sourceGuardianID string) ([]*db.Guardian, error) {
	guardians, err := s.database.GuardiansByElection(ctx, electionID)
	if err != nil {
		return nil, errors.Wrap(err, "could not load guardians")
	}
	var absent []*db.Guardian
	for _, g := range guardians {
		if g.GuardianID == sourceGuardianID || g.Decrypted {
			continue
		}
		has, err := s.creds.Has(ctx, electionID, g.GuardianID)
		if err != nil {
			return nil, errors.Wrap(err, "could not check credentials")
		}
		if !has {
			absent = append(absent, g)
		}
	}
	return absent, nil
}
