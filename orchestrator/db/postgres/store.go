// Package postgres implements the orchestrator database on PostgreSQL.
// The pool is kept small with a short connection lifetime; callers must not
// hold connections across external RPCs, so every method here is a single
// short statement or a narrow transaction.
package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/TAR2003/amarvote-orchestrator/config/params"
	"github.com/TAR2003/amarvote-orchestrator/orchestrator/db"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "postgres")

// Store implements db.Database on PostgreSQL via sqlx.
type Store struct {
	dbx *sqlx.DB
}

var _ db.Database = (*Store)(nil)

// NewStore opens a bounded connection pool to the given DSN and applies the
// schema.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	dbx, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "could not connect to postgres")
	}
	cfg := params.OrchConfig()
	dbx.SetMaxOpenConns(cfg.DBMaxOpenConns)
	dbx.SetMaxIdleConns(cfg.DBMaxIdleConns)
	dbx.SetConnMaxLifetime(cfg.DBConnMaxLifetime)

	if _, err := dbx.ExecContext(ctx, schema); err != nil {
		return nil, errors.Wrap(err, "could not apply schema")
	}
	log.Info("Connected to postgres")
	return &Store{dbx: dbx}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.dbx.Close()
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

// Election implements db.ElectionStore.
func (s *Store) Election(ctx context.Context, electionID int64) (*db.Election, error) {
	var e db.Election
	err := s.dbx.GetContext(ctx, &e,
		`SELECT id, joint_public_key, commitment_hash, manifest, number_of_guardians, quorum
		 FROM elections WHERE id = $1`, electionID)
	if err == sql.ErrNoRows {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "election %d", electionID)
	}
	return &e, nil
}

// BallotIDs implements db.BallotStore.
func (s *Store) BallotIDs(ctx context.Context, electionID int64) ([]string, error) {
	var ids []string
	err := s.dbx.SelectContext(ctx, &ids,
		`SELECT ballot_id FROM ballots WHERE election_id = $1 ORDER BY ballot_id`, electionID)
	if err != nil {
		return nil, errors.Wrapf(err, "ballots of election %d", electionID)
	}
	return ids, nil
}

// Guardian implements db.GuardianStore.
func (s *Store) Guardian(ctx context.Context, electionID int64, guardianID string) (*db.Guardian, error) {
	var g db.Guardian
	err := s.dbx.GetContext(ctx, &g,
		`SELECT guardian_id, election_id, sequence_order, guardian_public_key,
		        key_backup, guardian_polynomial, decrypted_or_not
		 FROM guardians WHERE election_id = $1 AND guardian_id = $2`, electionID, guardianID)
	if err == sql.ErrNoRows {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "guardian %s of election %d", guardianID, electionID)
	}
	return &g, nil
}

// GuardiansByElection implements db.GuardianStore.
func (s *Store) GuardiansByElection(ctx context.Context, electionID int64) ([]*db.Guardian, error) {
	var gs []*db.Guardian
	err := s.dbx.SelectContext(ctx, &gs,
		`SELECT guardian_id, election_id, sequence_order, guardian_public_key,
		        key_backup, guardian_polynomial, decrypted_or_not
		 FROM guardians WHERE election_id = $1 ORDER BY sequence_order`, electionID)
	if err != nil {
		return nil, errors.Wrapf(err, "guardians of election %d", electionID)
	}
	return gs, nil
}

// SetGuardianDecrypted implements db.GuardianStore.
func (s *Store) SetGuardianDecrypted(ctx context.Context, electionID int64, guardianID string, decrypted bool) error {
	res, err := s.dbx.ExecContext(ctx,
		`UPDATE guardians SET decrypted_or_not = $3 WHERE election_id = $1 AND guardian_id = $2`,
		electionID, guardianID, decrypted)
	if err != nil {
		return errors.Wrapf(err, "set decrypted for guardian %s", guardianID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return db.ErrNotFound
	}
	return nil
}

// ElectionCenter implements db.ElectionCenterStore.
func (s *Store) ElectionCenter(ctx context.Context, centerID int64) (*db.ElectionCenter, error) {
	var c db.ElectionCenter
	err := s.dbx.GetContext(ctx, &c,
		`SELECT id, election_id, chunk_number, encrypted_tally, election_result
		 FROM election_center WHERE id = $1`, centerID)
	if err == sql.ErrNoRows {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "election center %d", centerID)
	}
	return &c, nil
}

// ElectionCentersByElection implements db.ElectionCenterStore.
func (s *Store) ElectionCentersByElection(ctx context.Context, electionID int64) ([]*db.ElectionCenter, error) {
	var cs []*db.ElectionCenter
	err := s.dbx.SelectContext(ctx, &cs,
		`SELECT id, election_id, chunk_number, encrypted_tally, election_result
		 FROM election_center WHERE election_id = $1 ORDER BY chunk_number`, electionID)
	if err != nil {
		return nil, errors.Wrapf(err, "election centers of election %d", electionID)
	}
	return cs, nil
}

// SaveEncryptedTally implements db.ElectionCenterStore with an upsert keyed
// on (election, chunk).
func (s *Store) SaveEncryptedTally(ctx context.Context, electionID int64, chunkNumber int, tally []byte) (int64, error) {
	var id int64
	err := s.dbx.GetContext(ctx, &id,
		`INSERT INTO election_center (election_id, chunk_number, encrypted_tally)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (election_id, chunk_number)
		 DO UPDATE SET encrypted_tally = EXCLUDED.encrypted_tally
		 RETURNING id`, electionID, chunkNumber, tally)
	if err != nil {
		return 0, errors.Wrapf(err, "save encrypted tally for election %d chunk %d", electionID, chunkNumber)
	}
	return id, nil
}

// SaveElectionResult implements db.ElectionCenterStore.
func (s *Store) SaveElectionResult(ctx context.Context, centerID int64, result []byte) error {
	res, err := s.dbx.ExecContext(ctx,
		`UPDATE election_center SET election_result = $2 WHERE id = $1`, centerID, result)
	if err != nil {
		return errors.Wrapf(err, "save result for center %d", centerID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return db.ErrNotFound
	}
	return nil
}

// AllTalliesPresent implements db.ElectionCenterStore.
func (s *Store) AllTalliesPresent(ctx context.Context, electionID int64) (bool, error) {
	return s.allPresent(ctx, electionID, "encrypted_tally")
}

// AllResultsPresent implements db.ElectionCenterStore.
func (s *Store) AllResultsPresent(ctx context.Context, electionID int64) (bool, error) {
	return s.allPresent(ctx, electionID, "election_result")
}

func (s *Store) allPresent(ctx context.Context, electionID int64, column string) (bool, error) {
	// column is one of two compile-time constants, never user input.
	var counts struct {
		Total   int `db:"total"`
		Present int `db:"present"`
	}
	err := s.dbx.GetContext(ctx, &counts,
		`SELECT COUNT(*) AS total, COUNT(`+column+`) AS present
		 FROM election_center WHERE election_id = $1`, electionID)
	if err != nil {
		return false, errors.Wrapf(err, "count %s of election %d", column, electionID)
	}
	return counts.Total > 0 && counts.Total == counts.Present, nil
}

// SavePartialDecryption implements db.DecryptionStore. The upsert keeps the
// write idempotent under duplicate deliveries.
func (s *Store) SavePartialDecryption(ctx context.Context, d *db.Decryption) error {
	_, err := s.dbx.NamedExecContext(ctx,
		`INSERT INTO decryptions (election_center_id, guardian_id, partial_tally_share, ballot_shares, guardian_decryption_key)
		 VALUES (:election_center_id, :guardian_id, :partial_tally_share, :ballot_shares, :guardian_decryption_key)
		 ON CONFLICT (election_center_id, guardian_id) DO NOTHING`, d)
	return errors.Wrapf(err, "save partial decryption for center %d guardian %s", d.ElectionCenterID, d.GuardianID)
}

// SaveCompensatedDecryption implements db.DecryptionStore.
func (s *Store) SaveCompensatedDecryption(ctx context.Context, d *db.CompensatedDecryption) error {
	_, err := s.dbx.NamedExecContext(ctx,
		`INSERT INTO compensated_decryptions (election_center_id, compensating_guardian_id, missing_guardian_id, compensated_tally_share, compensated_ballot_share)
		 VALUES (:election_center_id, :compensating_guardian_id, :missing_guardian_id, :compensated_tally_share, :compensated_ballot_share)
		 ON CONFLICT (election_center_id, compensating_guardian_id, missing_guardian_id) DO NOTHING`, d)
	return errors.Wrapf(err, "save compensated decryption for center %d", d.ElectionCenterID)
}

// PartialDecryptionsByCenter implements db.DecryptionStore.
func (s *Store) PartialDecryptionsByCenter(ctx context.Context, centerID int64) ([]*db.Decryption, error) {
	var ds []*db.Decryption
	err := s.dbx.SelectContext(ctx, &ds,
		`SELECT election_center_id, guardian_id, partial_tally_share, ballot_shares, guardian_decryption_key
		 FROM decryptions WHERE election_center_id = $1 ORDER BY guardian_id`, centerID)
	if err != nil {
		return nil, errors.Wrapf(err, "partial decryptions of center %d", centerID)
	}
	return ds, nil
}

// CompensatedDecryptionsByCenter implements db.DecryptionStore.
func (s *Store) CompensatedDecryptionsByCenter(ctx context.Context, centerID int64) ([]*db.CompensatedDecryption, error) {
	var ds []*db.CompensatedDecryption
	err := s.dbx.SelectContext(ctx, &ds,
		`SELECT election_center_id, compensating_guardian_id, missing_guardian_id, compensated_tally_share, compensated_ballot_share
		 FROM compensated_decryptions WHERE election_center_id = $1
		 ORDER BY compensating_guardian_id, missing_guardian_id`, centerID)
	if err != nil {
		return nil, errors.Wrapf(err, "compensated decryptions of center %d", centerID)
	}
	return ds, nil
}

// CreateJob implements db.JobStore.
func (s *Store) CreateJob(ctx context.Context, job *db.Job) error {
	if job.StartedAt.IsZero() {
		job.StartedAt = nowUTC()
	}
	_, err := s.dbx.NamedExecContext(ctx,
		`INSERT INTO election_jobs (job_id, election_id, operation_type, status, total_chunks, processed_chunks, failed_chunks, created_by, metadata, started_at, error_message)
		 VALUES (:job_id, :election_id, :operation_type, :status, :total_chunks, :processed_chunks, :failed_chunks, :created_by, :metadata, :started_at, :error_message)`, job)
	return errors.Wrapf(err, "create job %s", job.ID)
}

// Job implements db.JobStore.
func (s *Store) Job(ctx context.Context, jobID string) (*db.Job, error) {
	var j db.Job
	err := s.dbx.GetContext(ctx, &j,
		`SELECT job_id, election_id, operation_type, status, total_chunks, processed_chunks, failed_chunks, created_by, metadata, started_at, completed_at, error_message
		 FROM election_jobs WHERE job_id = $1`, jobID)
	if err == sql.ErrNoRows {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "job %s", jobID)
	}
	return &j, nil
}

// JobsByElection implements db.JobStore.
func (s *Store) JobsByElection(ctx context.Context, electionID int64) ([]*db.Job, error) {
	var js []*db.Job
	err := s.dbx.SelectContext(ctx, &js,
		`SELECT job_id, election_id, operation_type, status, total_chunks, processed_chunks, failed_chunks, created_by, metadata, started_at, completed_at, error_message
		 FROM election_jobs WHERE election_id = $1 ORDER BY started_at`, electionID)
	if err != nil {
		return nil, errors.Wrapf(err, "jobs of election %d", electionID)
	}
	return js, nil
}

// MarkJobStatus implements db.JobStore. Terminal states also record the
// completion time.
func (s *Store) MarkJobStatus(ctx context.Context, jobID string, status db.JobStatus, errorMessage string) error {
	var completedAt sql.NullTime
	if status == db.JobCompleted || status == db.JobFailed {
		completedAt = sql.NullTime{Time: nowUTC(), Valid: true}
	}
	res, err := s.dbx.ExecContext(ctx,
		`UPDATE election_jobs SET status = $2, error_message = $3, completed_at = COALESCE($4, completed_at)
		 WHERE job_id = $1`, jobID, status, errorMessage, completedAt)
	if err != nil {
		return errors.Wrapf(err, "mark job %s %s", jobID, status)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return db.ErrNotFound
	}
	return nil
}

// IncrementProcessedChunks implements db.JobStore with a single atomic
// UPDATE so concurrent workers observe distinct post-increment values.
func (s *Store) IncrementProcessedChunks(ctx context.Context, jobID string) (int, int, error) {
	return s.incrementCounter(ctx, jobID, "processed_chunks")
}

// IncrementFailedChunks implements db.JobStore.
func (s *Store) IncrementFailedChunks(ctx context.Context, jobID string) (int, int, error) {
	return s.incrementCounter(ctx, jobID, "failed_chunks")
}

func (s *Store) incrementCounter(ctx context.Context, jobID, column string) (int, int, error) {
	var counts struct {
		Value int `db:"value"`
		Total int `db:"total_chunks"`
	}
	err := s.dbx.GetContext(ctx, &counts,
		`UPDATE election_jobs SET `+column+` = `+column+` + 1, status = CASE WHEN status = 'QUEUED' THEN 'IN_PROGRESS' ELSE status END
		 WHERE job_id = $1
		 RETURNING `+column+` AS value, total_chunks`, jobID)
	if err == sql.ErrNoRows {
		return 0, 0, db.ErrNotFound
	}
	if err != nil {
		return 0, 0, errors.Wrapf(err, "increment %s of job %s", column, jobID)
	}
	return counts.Value, counts.Total, nil
}

// InsertTallyLog implements db.WorkerLogStore.
func (s *Store) InsertTallyLog(ctx context.Context, l *db.TallyWorkerLog) (int64, error) {
	if l.StartTime.IsZero() {
		l.StartTime = nowUTC()
	}
	var id int64
	err := s.dbx.GetContext(ctx, &id,
		`INSERT INTO tally_worker_log (election_id, election_center_id, chunk_number, start_time, status, error_message)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		l.ElectionID, l.ElectionCenterID, l.ChunkNumber, l.StartTime, l.Status, l.ErrorMessage)
	return id, errors.Wrap(err, "insert tally log")
}

// CompleteTallyLog implements db.WorkerLogStore.
func (s *Store) CompleteTallyLog(ctx context.Context, logID, centerID int64, status db.LogStatus, errorMessage string) error {
	_, err := s.dbx.ExecContext(ctx,
		`UPDATE tally_worker_log SET election_center_id = $2, status = $3, error_message = $4, end_time = $5 WHERE id = $1`,
		logID, centerID, status, errorMessage, nowUTC())
	return errors.Wrapf(err, "complete tally log %d", logID)
}

// InsertDecryptionLog implements db.WorkerLogStore.
func (s *Store) InsertDecryptionLog(ctx context.Context, l *db.DecryptionWorkerLog) (int64, error) {
	if l.StartTime.IsZero() {
		l.StartTime = nowUTC()
	}
	var id int64
	err := s.dbx.GetContext(ctx, &id,
		`INSERT INTO decryption_worker_log (election_id, election_center_id, chunk_number, guardian_id, decrypting_guardian_id, decryption_type, start_time, status, error_message)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		l.ElectionID, l.ElectionCenterID, l.ChunkNumber, l.GuardianID, l.DecryptingGuardianID, l.DecryptionType, l.StartTime, l.Status, l.ErrorMessage)
	return id, errors.Wrap(err, "insert decryption log")
}

// CompleteDecryptionLog implements db.WorkerLogStore.
func (s *Store) CompleteDecryptionLog(ctx context.Context, logID int64, status db.LogStatus, errorMessage string) error {
	_, err := s.dbx.ExecContext(ctx,
		`UPDATE decryption_worker_log SET status = $2, error_message = $3, end_time = $4 WHERE id = $1`,
		logID, status, errorMessage, nowUTC())
	return errors.Wrapf(err, "complete decryption log %d", logID)
}

// InsertCombineLog implements db.WorkerLogStore.
func (s *Store) InsertCombineLog(ctx context.Context, l *db.CombineWorkerLog) (int64, error) {
	if l.StartTime.IsZero() {
		l.StartTime = nowUTC()
	}
	var id int64
	err := s.dbx.GetContext(ctx, &id,
		`INSERT INTO combine_worker_log (election_id, election_center_id, chunk_number, start_time, status, error_message)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		l.ElectionID, l.ElectionCenterID, l.ChunkNumber, l.StartTime, l.Status, l.ErrorMessage)
	return id, errors.Wrap(err, "insert combine log")
}

// CompleteCombineLog implements db.WorkerLogStore.
func (s *Store) CompleteCombineLog(ctx context.Context, logID int64, status db.LogStatus, errorMessage string) error {
	_, err := s.dbx.ExecContext(ctx,
		`UPDATE combine_worker_log SET status = $2, error_message = $3, end_time = $4 WHERE id = $1`,
		logID, status, errorMessage, nowUTC())
	return errors.Wrapf(err, "complete combine log %d", logID)
}
