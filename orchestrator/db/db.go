// Package db defines the durable state the orchestrator reads and writes:
// election material, guardians, election centers, decryption shares, job
// records and per-chunk worker logs. One interface per aggregate; the
// postgres subpackage provides the production implementation and the testing
// subpackage provides in-memory fakes.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/TAR2003/amarvote-orchestrator/orchestrator/messages"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("db: row not found")

// JobStatus is the lifecycle state of a phase run.
type JobStatus string

// Job lifecycle states.
const (
	JobQueued     JobStatus = "QUEUED"
	JobInProgress JobStatus = "IN_PROGRESS"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
)

// LogStatus is the state of a per-chunk worker log row.
type LogStatus string

// Worker log states.
const (
	LogInProgress LogStatus = "IN_PROGRESS"
	LogCompleted  LogStatus = "COMPLETED"
	LogFailed     LogStatus = "FAILED"
)

// DecryptionType distinguishes the two kinds of decryption log rows.
type DecryptionType string

// Decryption kinds.
const (
	DecryptionPartial     DecryptionType = "PARTIAL"
	DecryptionCompensated DecryptionType = "COMPENSATED"
)

// Election holds the public material of one election.
type Election struct {
	ID                int64           `db:"id"`
	JointPublicKey    string          `db:"joint_public_key"`
	CommitmentHash    string          `db:"commitment_hash"`
	Manifest          json.RawMessage `db:"manifest"`
	NumberOfGuardians int             `db:"number_of_guardians"`
	Quorum            int             `db:"quorum"`
}

// Guardian is one threshold key holder of an election. KeyBackup and
// Polynomial are wrapped (opaque) blobs; unwrapped material only ever lives
// in the credential store.
type Guardian struct {
	GuardianID    string          `db:"guardian_id"`
	ElectionID    int64           `db:"election_id"`
	SequenceOrder int             `db:"sequence_order"`
	PublicKey     string          `db:"guardian_public_key"`
	KeyBackup     json.RawMessage `db:"key_backup"`
	Polynomial    []byte          `db:"guardian_polynomial"`
	Decrypted     bool            `db:"decrypted_or_not"`
}

// ElectionCenter is one tally chunk's persistence identity. EncryptedTally is
// written by tally workers, ElectionResult by combine workers.
type ElectionCenter struct {
	ID             int64  `db:"id"`
	ElectionID     int64  `db:"election_id"`
	ChunkNumber    int    `db:"chunk_number"`
	EncryptedTally []byte `db:"encrypted_tally"`
	ElectionResult []byte `db:"election_result"`
}

// Decryption is one guardian's partial share for one election center.
// At most one row exists per (election center, guardian).
type Decryption struct {
	ElectionCenterID      int64  `db:"election_center_id"`
	GuardianID            string `db:"guardian_id"`
	PartialTallyShare     []byte `db:"partial_tally_share"`
	BallotShares          []byte `db:"ballot_shares"`
	GuardianDecryptionKey string `db:"guardian_decryption_key"`
}

// CompensatedDecryption is a reconstructed share of a missing guardian,
// produced by a compensating guardian. At most one row exists per
// (election center, compensating guardian, missing guardian).
type CompensatedDecryption struct {
	ElectionCenterID       int64  `db:"election_center_id"`
	CompensatingGuardianID string `db:"compensating_guardian_id"`
	MissingGuardianID      string `db:"missing_guardian_id"`
	TallyShare             []byte `db:"compensated_tally_share"`
	BallotShare            []byte `db:"compensated_ballot_share"`
}

// Job is the durable record of one phase run.
type Job struct {
	ID              string            `db:"job_id"`
	ElectionID      int64             `db:"election_id"`
	Operation       messages.TaskType `db:"operation_type"`
	Status          JobStatus         `db:"status"`
	TotalChunks     int               `db:"total_chunks"`
	ProcessedChunks int               `db:"processed_chunks"`
	FailedChunks    int               `db:"failed_chunks"`
	CreatedBy       string            `db:"created_by"`
	Metadata        string            `db:"metadata"`
	StartedAt       time.Time         `db:"started_at"`
	CompletedAt     sql.NullTime      `db:"completed_at"`
	ErrorMessage    string            `db:"error_message"`
}

// TallyWorkerLog is the audit row of one tally chunk execution.
type TallyWorkerLog struct {
	ID               int64        `db:"id"`
	ElectionID       int64        `db:"election_id"`
	ElectionCenterID int64        `db:"election_center_id"`
	ChunkNumber      int          `db:"chunk_number"`
	StartTime        time.Time    `db:"start_time"`
	EndTime          sql.NullTime `db:"end_time"`
	Status           LogStatus    `db:"status"`
	ErrorMessage     string       `db:"error_message"`
}

// DecryptionWorkerLog is the audit row of one partial or compensated chunk.
// GuardianID is the key owner; DecryptingGuardianID is the operating
// guardian, which differs for compensation.
type DecryptionWorkerLog struct {
	ID                   int64          `db:"id"`
	ElectionID           int64          `db:"election_id"`
	ElectionCenterID     int64          `db:"election_center_id"`
	ChunkNumber          int            `db:"chunk_number"`
	GuardianID           string         `db:"guardian_id"`
	DecryptingGuardianID string         `db:"decrypting_guardian_id"`
	DecryptionType       DecryptionType `db:"decryption_type"`
	StartTime            time.Time      `db:"start_time"`
	EndTime              sql.NullTime   `db:"end_time"`
	Status               LogStatus      `db:"status"`
	ErrorMessage         string         `db:"error_message"`
}

// CombineWorkerLog is the audit row of one combine chunk execution.
type CombineWorkerLog struct {
	ID               int64        `db:"id"`
	ElectionID       int64        `db:"election_id"`
	ElectionCenterID int64        `db:"election_center_id"`
	ChunkNumber      int          `db:"chunk_number"`
	StartTime        time.Time    `db:"start_time"`
	EndTime          sql.NullTime `db:"end_time"`
	Status           LogStatus    `db:"status"`
	ErrorMessage     string       `db:"error_message"`
}

// ElectionStore reads election public material.
type ElectionStore interface {
	Election(ctx context.Context, electionID int64) (*Election, error)
}

// BallotStore reads the identifiers of cast encrypted ballots.
type BallotStore interface {
	BallotIDs(ctx context.Context, electionID int64) ([]string, error)
}

// GuardianStore reads and updates guardian rows.
type GuardianStore interface {
	Guardian(ctx context.Context, electionID int64, guardianID string) (*Guardian, error)
	GuardiansByElection(ctx context.Context, electionID int64) ([]*Guardian, error)
	SetGuardianDecrypted(ctx context.Context, electionID int64, guardianID string, decrypted bool) error
}

// ElectionCenterStore reads and writes election center rows.
type ElectionCenterStore interface {
	ElectionCenter(ctx context.Context, centerID int64) (*ElectionCenter, error)
	ElectionCentersByElection(ctx context.Context, electionID int64) ([]*ElectionCenter, error)
	// SaveEncryptedTally upserts the center row for (election, chunk) and
	// returns the center id.
	SaveEncryptedTally(ctx context.Context, electionID int64, chunkNumber int, tally []byte) (int64, error)
	SaveElectionResult(ctx context.Context, centerID int64, result []byte) error
	// AllTalliesPresent reports whether every center of the election has a
	// non-null encrypted tally.
	AllTalliesPresent(ctx context.Context, electionID int64) (bool, error)
	// AllResultsPresent reports whether every center of the election has a
	// non-null election result. Final results are authoritative only when
	// this holds.
	AllResultsPresent(ctx context.Context, electionID int64) (bool, error)
}

// DecryptionStore persists partial and compensated shares.
type DecryptionStore interface {
	SavePartialDecryption(ctx context.Context, d *Decryption) error
	SaveCompensatedDecryption(ctx context.Context, d *CompensatedDecryption) error
	PartialDecryptionsByCenter(ctx context.Context, centerID int64) ([]*Decryption, error)
	CompensatedDecryptionsByCenter(ctx context.Context, centerID int64) ([]*CompensatedDecryption, error)
}

// JobStore persists phase runs. Chunk counter updates are atomic and return
// the post-update counters so callers can detect the completing update.
type JobStore interface {
	CreateJob(ctx context.Context, job *Job) error
	Job(ctx context.Context, jobID string) (*Job, error)
	JobsByElection(ctx context.Context, electionID int64) ([]*Job, error)
	MarkJobStatus(ctx context.Context, jobID string, status JobStatus, errorMessage string) error
	IncrementProcessedChunks(ctx context.Context, jobID string) (processed, total int, err error)
	IncrementFailedChunks(ctx context.Context, jobID string) (failed, total int, err error)
}

// WorkerLogStore persists per-chunk audit rows.
type WorkerLogStore interface {
	InsertTallyLog(ctx context.Context, l *TallyWorkerLog) (int64, error)
	CompleteTallyLog(ctx context.Context, logID, centerID int64, status LogStatus, errorMessage string) error
	InsertDecryptionLog(ctx context.Context, l *DecryptionWorkerLog) (int64, error)
	CompleteDecryptionLog(ctx context.Context, logID int64, status LogStatus, errorMessage string) error
	InsertCombineLog(ctx context.Context, l *CombineWorkerLog) (int64, error)
	CompleteCombineLog(ctx context.Context, logID int64, status LogStatus, errorMessage string) error
}

// Database is the full persistence surface of the orchestrator.
type Database interface {
	ElectionStore
	BallotStore
	GuardianStore
	ElectionCenterStore
	DecryptionStore
	JobStore
	WorkerLogStore
	Close() error
}
