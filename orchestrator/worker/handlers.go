package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/TAR2003/amarvote-orchestrator/config/params"
	"github.com/TAR2003/amarvote-orchestrator/orchestrator/cryptoclient"
	"github.com/TAR2003/amarvote-orchestrator/orchestrator/db"
	"github.com/TAR2003/amarvote-orchestrator/orchestrator/messages"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// execute dispatches one decoded task message. It returns the operating
// guardian id for decryption phases, empty otherwise.
func (s *Service) execute(ctx context.Context, tt messages.TaskType, body []byte) (string, error) {
	switch tt {
	case messages.TaskTally:
		return "", s.executeTally(ctx, body)
	case messages.TaskPartialDecryption:
		return s.executePartial(ctx, body)
	case messages.TaskCompensatedDecrypt:
		return s.executeCompensated(ctx, body)
	case messages.TaskCombine:
		return "", s.executeCombine(ctx, body)
	}
	return "", permanent(errors.Errorf("unknown task type %s", tt))
}

func (s *Service) executeTally(ctx context.Context, body []byte) error {
	var task messages.TallyCreationTask
	if err := messages.Decode(body, &task); err != nil {
		return permanent(err)
	}

	logID, err := s.cfg.Database.InsertTallyLog(ctx, &db.TallyWorkerLog{
		ElectionID:  task.ElectionID,
		ChunkNumber: task.ChunkNumber,
		Status:      db.LogInProgress,
	})
	if err != nil {
		return errors.Wrap(err, "could not open tally log")
	}

	// The RPC runs without any database transaction held; it can take
	// minutes on a full chunk.
	resp, err := s.cfg.Crypto.CreateEncryptedTally(ctx, &cryptoclient.TallyRequest{
		ElectionID:     task.ElectionID,
		BallotIDs:      task.BallotIDs,
		JointPublicKey: task.JointPublicKey,
		CommitmentHash: task.CommitmentHash,
		Manifest:       task.Manifest,
	})
	if err != nil {
		s.closeTallyLog(ctx, logID, 0, db.LogFailed, err)
		return errors.Wrap(err, "tally rpc failed")
	}

	centerID, err := s.cfg.Database.SaveEncryptedTally(ctx, task.ElectionID, task.ChunkNumber, resp.EncryptedTally)
	if err != nil {
		s.closeTallyLog(ctx, logID, 0, db.LogFailed, err)
		return errors.Wrap(err, "could not persist encrypted tally")
	}
	s.closeTallyLog(ctx, logID, centerID, db.LogCompleted, nil)
	return nil
}

func (s *Service) executePartial(ctx context.Context, body []byte) (string, error) {
	var task messages.PartialDecryptionTask
	if err := messages.Decode(body, &task); err != nil {
		return "", permanent(err)
	}

	// Credentials are read at consumption time. Absent or expired material
	// is retriable: the chunk waits for the operator to re-submit.
	privateKey, err := s.cfg.Creds.PrivateKey(ctx, task.ElectionID, task.GuardianID)
	if err != nil {
		return task.GuardianID, errors.Wrap(err, "private key unavailable")
	}
	polynomial, err := s.cfg.Creds.Polynomial(ctx, task.ElectionID, task.GuardianID)
	if err != nil {
		return task.GuardianID, errors.Wrap(err, "polynomial unavailable")
	}

	guardian, err := s.cfg.Database.Guardian(ctx, task.ElectionID, task.GuardianID)
	if err != nil {
		return task.GuardianID, errors.Wrap(err, "could not load guardian")
	}
	election, err := s.cfg.Database.Election(ctx, task.ElectionID)
	if err != nil {
		return task.GuardianID, errors.Wrap(err, "could not load election")
	}
	center, err := s.cfg.Database.ElectionCenter(ctx, task.ElectionCenterID)
	if err != nil {
		return task.GuardianID, errors.Wrap(err, "could not load election center")
	}
	if len(center.EncryptedTally) == 0 {
		return task.GuardianID, errors.Errorf("election center %d has no encrypted tally", center.ID)
	}

	logID, err := s.cfg.Database.InsertDecryptionLog(ctx, &db.DecryptionWorkerLog{
		ElectionID:           task.ElectionID,
		ElectionCenterID:     center.ID,
		ChunkNumber:          task.ChunkNumber,
		GuardianID:           task.GuardianID,
		DecryptingGuardianID: task.GuardianID,
		DecryptionType:       db.DecryptionPartial,
		Status:               db.LogInProgress,
	})
	if err != nil {
		return task.GuardianID, errors.Wrap(err, "could not open decryption log")
	}

	resp, err := s.cfg.Crypto.CreatePartialDecryption(ctx, &cryptoclient.PartialDecryptionRequest{
		GuardianID:     task.GuardianID,
		SequenceOrder:  guardian.SequenceOrder,
		PublicKey:      guardian.PublicKey,
		PrivateKey:     privateKey,
		Polynomial:     polynomial,
		EncryptedTally: center.EncryptedTally,
		JointPublicKey: election.JointPublicKey,
		CommitmentHash: election.CommitmentHash,
		Manifest:       election.Manifest,
	})
	if err != nil {
		s.closeDecryptionLog(ctx, logID, db.LogFailed, err)
		return task.GuardianID, errors.Wrap(err, "partial decryption rpc failed")
	}

	if err := s.cfg.Database.SavePartialDecryption(ctx, &db.Decryption{
		ElectionCenterID:      center.ID,
		GuardianID:            task.GuardianID,
		PartialTallyShare:     resp.TallyShare,
		BallotShares:          resp.BallotShares,
		GuardianDecryptionKey: resp.GuardianDecryptionKey,
	}); err != nil {
		s.closeDecryptionLog(ctx, logID, db.LogFailed, err)
		return task.GuardianID, errors.Wrap(err, "could not persist partial share")
	}
	s.closeDecryptionLog(ctx, logID, db.LogCompleted, nil)
	return task.GuardianID, nil
}

func (s *Service) executeCompensated(ctx context.Context, body []byte) (string, error) {
	var task messages.CompensatedDecryptionTask
	if err := messages.Decode(body, &task); err != nil {
		return "", permanent(err)
	}
	source := task.Source.GuardianID

	// The compensating guardian's bundle must contain the backup the
	// missing guardian distributed to it. Without that entry no retry can
	// ever reconstruct the share.
	backup, err := extractBackup(task.Source.KeyBackup, task.Target.GuardianID)
	if err != nil {
		return source, permanent(errors.Wrapf(err, "no key backup for guardian %s", task.Target.GuardianID))
	}

	election, err := s.cfg.Database.Election(ctx, task.ElectionID)
	if err != nil {
		return source, errors.Wrap(err, "could not load election")
	}
	center, err := s.cfg.Database.ElectionCenter(ctx, task.ElectionCenterID)
	if err != nil {
		return source, errors.Wrap(err, "could not load election center")
	}
	if len(center.EncryptedTally) == 0 {
		return source, errors.Errorf("election center %d has no encrypted tally", center.ID)
	}

	logID, err := s.cfg.Database.InsertDecryptionLog(ctx, &db.DecryptionWorkerLog{
		ElectionID:           task.ElectionID,
		ElectionCenterID:     center.ID,
		ChunkNumber:          task.ChunkNumber,
		GuardianID:           task.Target.GuardianID,
		DecryptingGuardianID: source,
		DecryptionType:       db.DecryptionCompensated,
		Status:               db.LogInProgress,
	})
	if err != nil {
		return source, errors.Wrap(err, "could not open decryption log")
	}

	resp, err := s.compensatedRPC(ctx, &task, backup, election, center)
	if err != nil {
		s.closeDecryptionLog(ctx, logID, db.LogFailed, err)
		return source, errors.Wrap(err, "compensated decryption rpc failed")
	}

	if err := s.cfg.Database.SaveCompensatedDecryption(ctx, &db.CompensatedDecryption{
		ElectionCenterID:       center.ID,
		CompensatingGuardianID: source,
		MissingGuardianID:      task.Target.GuardianID,
		TallyShare:             resp.TallyShare,
		BallotShare:            resp.BallotShare,
	}); err != nil {
		s.closeDecryptionLog(ctx, logID, db.LogFailed, err)
		return source, errors.Wrap(err, "could not persist compensated share")
	}
	s.closeDecryptionLog(ctx, logID, db.LogCompleted, nil)
	return source, nil
}

// compensatedRPC retries the reconstruction a few times before handing the
// failure to the outer retry machinery. Reconstruction is the most fragile
// RPC and often recovers within seconds.
func (s *Service) compensatedRPC(ctx context.Context, task *messages.CompensatedDecryptionTask, backup json.RawMessage, election *db.Election, center *db.ElectionCenter) (*cryptoclient.CompensatedDecryptionResponse, error) {
	cfg := params.OrchConfig()
	req := &cryptoclient.CompensatedDecryptionRequest{
		CompensatingGuardianID: task.Source.GuardianID,
		CompensatingSequence:   task.Source.SequenceOrder,
		CompensatingPublicKey:  task.Source.PublicKey,
		CompensatingPrivateKey: task.SourcePrivateKey,
		CompensatingPolynomial: task.SourcePolynomial,
		MissingGuardianID:      task.Target.GuardianID,
		MissingSequence:        task.Target.SequenceOrder,
		MissingPublicKey:       task.Target.PublicKey,
		MissingKeyBackup:       backup,
		EncryptedTally:         center.EncryptedTally,
		JointPublicKey:         election.JointPublicKey,
		CommitmentHash:         election.CommitmentHash,
		NumberOfGuardians:      task.NumberOfGuardians,
		Quorum:                 task.Quorum,
		Manifest:               task.Manifest,
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.CompensatedInnerAttempts; attempt++ {
		resp, err := s.cfg.Crypto.CreateCompensatedDecryption(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		log.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"source":  task.Source.GuardianID,
			"target":  task.Target.GuardianID,
		}).Warn("Compensated decryption attempt failed")
		if attempt == cfg.CompensatedInnerAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.CompensatedInnerBackoff * time.Duration(attempt)):
		}
	}
	return nil, lastErr
}

func (s *Service) executeCombine(ctx context.Context, body []byte) error {
	var task messages.CombineDecryptionTask
	if err := messages.Decode(body, &task); err != nil {
		return permanent(err)
	}

	election, err := s.cfg.Database.Election(ctx, task.ElectionID)
	if err != nil {
		return errors.Wrap(err, "could not load election")
	}
	center, err := s.cfg.Database.ElectionCenter(ctx, task.ElectionCenterID)
	if err != nil {
		return errors.Wrap(err, "could not load election center")
	}
	if len(center.EncryptedTally) == 0 {
		return errors.Errorf("election center %d has no encrypted tally", center.ID)
	}

	partials, err := s.cfg.Database.PartialDecryptionsByCenter(ctx, center.ID)
	if err != nil {
		return errors.Wrap(err, "could not load partial shares")
	}
	compensated, err := s.cfg.Database.CompensatedDecryptionsByCenter(ctx, center.ID)
	if err != nil {
		return errors.Wrap(err, "could not load compensated shares")
	}
	if len(partials) == 0 {
		return errors.Errorf("election center %d has no decryption shares", center.ID)
	}

	logID, err := s.cfg.Database.InsertCombineLog(ctx, &db.CombineWorkerLog{
		ElectionID:       task.ElectionID,
		ElectionCenterID: center.ID,
		ChunkNumber:      task.ChunkNumber,
		Status:           db.LogInProgress,
	})
	if err != nil {
		return errors.Wrap(err, "could not open combine log")
	}

	req := &cryptoclient.CombineRequest{
		EncryptedTally:    center.EncryptedTally,
		JointPublicKey:    election.JointPublicKey,
		CommitmentHash:    election.CommitmentHash,
		NumberOfGuardians: election.NumberOfGuardians,
		Quorum:            election.Quorum,
		Manifest:          election.Manifest,
	}
	for _, d := range partials {
		share, err := json.Marshal(map[string]json.RawMessage{
			"guardian_id":             mustJSONString(d.GuardianID),
			"partial_tally_share":     d.PartialTallyShare,
			"ballot_shares":           d.BallotShares,
			"guardian_decryption_key": mustJSONString(d.GuardianDecryptionKey),
		})
		if err != nil {
			s.closeCombineLog(ctx, logID, db.LogFailed, err)
			return errors.Wrap(err, "could not encode partial share")
		}
		req.PartialShares = append(req.PartialShares, share)
	}
	for _, d := range compensated {
		share, err := json.Marshal(map[string]json.RawMessage{
			"compensating_guardian_id": mustJSONString(d.CompensatingGuardianID),
			"missing_guardian_id":      mustJSONString(d.MissingGuardianID),
			"compensated_tally_share":  d.TallyShare,
			"compensated_ballot_share": d.BallotShare,
		})
		if err != nil {
			s.closeCombineLog(ctx, logID, db.LogFailed, err)
			return errors.Wrap(err, "could not encode compensated share")
		}
		req.CompensatedShares = append(req.CompensatedShares, share)
	}

	resp, err := s.cfg.Crypto.CombineDecryptionShares(ctx, req)
	if err != nil {
		s.closeCombineLog(ctx, logID, db.LogFailed, err)
		return errors.Wrap(err, "combine rpc failed")
	}
	if err := s.cfg.Database.SaveElectionResult(ctx, center.ID, resp.Result); err != nil {
		s.closeCombineLog(ctx, logID, db.LogFailed, err)
		return errors.Wrap(err, "could not persist election result")
	}
	s.closeCombineLog(ctx, logID, db.LogCompleted, nil)
	return nil
}

// extractBackup pulls one guardian's entry out of a key-backup bundle.
func extractBackup(bundle json.RawMessage, guardianID string) (json.RawMessage, error) {
	if len(bundle) == 0 {
		return nil, errors.New("empty key backup bundle")
	}
	var wrapper struct {
		Backups map[string]json.RawMessage `json:"backups"`
	}
	if err := json.Unmarshal(bundle, &wrapper); err != nil {
		return nil, errors.Wrap(err, "could not decode key backup bundle")
	}
	backup, ok := wrapper.Backups[guardianID]
	if !ok {
		return nil, errors.Errorf("bundle has no entry for guardian %s", guardianID)
	}
	return backup, nil
}

func mustJSONString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func (s *Service) closeTallyLog(ctx context.Context, logID, centerID int64, status db.LogStatus, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := s.cfg.Database.CompleteTallyLog(ctx, logID, centerID, status, msg); err != nil {
		log.WithError(err).WithField("logID", logID).Error("Could not close tally log")
	}
}

func (s *Service) closeDecryptionLog(ctx context.Context, logID int64, status db.LogStatus, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := s.cfg.Database.CompleteDecryptionLog(ctx, logID, status, msg); err != nil {
		log.WithError(err).WithField("logID", logID).Error("Could not close decryption log")
	}
}

func (s *Service) closeCombineLog(ctx context.Context, logID int64, status db.LogStatus, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := s.cfg.Database.CompleteCombineLog(ctx, logID, status, msg); err != nil {
		log.WithError(err).WithField("logID", logID).Error("Could not close combine log")
	}
}
