// Package messages defines the payloads published to the broker, one schema
// per crypto pipeline phase. Each message describes exactly one chunk and
// carries every field a worker needs to process it.
package messages

import (
	"encoding/json"

	"github.com/TAR2003/amarvote-orchestrator/config/params"
	"github.com/pkg/errors"
)

// TaskType identifies one phase of the crypto pipeline.
type TaskType string

// The four pipeline phases.
const (
	TaskTally              TaskType = "TALLY"
	TaskPartialDecryption  TaskType = "PARTIAL_DECRYPT"
	TaskCompensatedDecrypt TaskType = "COMPENSATED_DECRYPT"
	TaskCombine            TaskType = "COMBINE"
)

// AllTaskTypes lists every phase in pipeline order.
var AllTaskTypes = []TaskType{TaskTally, TaskPartialDecryption, TaskCompensatedDecrypt, TaskCombine}

// Valid reports whether t names a known phase.
func (t TaskType) Valid() bool {
	switch t {
	case TaskTally, TaskPartialDecryption, TaskCompensatedDecrypt, TaskCombine:
		return true
	}
	return false
}

// RoutingKey returns the broker routing key (and queue name) for the phase.
func (t TaskType) RoutingKey() string {
	cfg := params.OrchConfig()
	switch t {
	case TaskTally:
		return cfg.TallyQueue
	case TaskPartialDecryption:
		return cfg.PartialQueue
	case TaskCompensatedDecrypt:
		return cfg.CompensatedQueue
	case TaskCombine:
		return cfg.CombineQueue
	}
	return ""
}

// ChunkRef identifies one chunk within one task instance. Every payload
// embeds it so that workers can report back to the registry.
type ChunkRef struct {
	TaskInstanceID string `json:"task_instance_id"`
	ChunkID        string `json:"chunk_id"`
	ChunkNumber    int    `json:"chunk_number"`
	JobID          string `json:"job_id"`
	ElectionID     int64  `json:"election_id"`
}

// TallyCreationTask carries one chunk of encrypted ballots plus the election
// public material needed to homomorphically accumulate them.
type TallyCreationTask struct {
	ChunkRef
	BallotIDs      []string        `json:"ballot_ids"`
	JointPublicKey string          `json:"joint_public_key"`
	CommitmentHash string          `json:"commitment_hash"`
	Manifest       json.RawMessage `json:"manifest"`
}

// PartialDecryptionTask asks a worker to produce one guardian's partial
// decryption share for one election center. The guardian's unwrapped private
// material is looked up in the credential store at consumption time and is
// never serialized into the message.
type PartialDecryptionTask struct {
	ChunkRef
	GuardianID       string `json:"guardian_id"`
	ElectionCenterID int64  `json:"election_center_id"`
	TotalChunks      int    `json:"total_chunks"`
}

// GuardianMaterial bundles one guardian's public record for compensated
// decryption. KeyBackup is the full guardian-data bundle containing backup
// entries for every other guardian; compensated decryption looks up the
// missing guardian's entry inside it.
type GuardianMaterial struct {
	GuardianID    string          `json:"guardian_id"`
	SequenceOrder int             `json:"sequence_order"`
	PublicKey     string          `json:"public_key"`
	KeyBackup     json.RawMessage `json:"key_backup"`
}

// CompensatedDecryptionTask asks a worker to reconstruct the missing
// guardian's share for one election center using the source guardian's
// pre-distributed backups.
type CompensatedDecryptionTask struct {
	ChunkRef
	ElectionCenterID int64 `json:"election_center_id"`

	Source GuardianMaterial `json:"source"`
	Target GuardianMaterial `json:"target"`

	// Unwrapped private material of the compensating guardian, captured
	// from the credential store when the phase was triggered.
	SourcePrivateKey string `json:"source_private_key"`
	SourcePolynomial string `json:"source_polynomial"`

	NumberOfGuardians int             `json:"number_of_guardians"`
	Quorum            int             `json:"quorum"`
	Manifest          json.RawMessage `json:"manifest"`
}

// CombineDecryptionTask asks a worker to combine all partial and compensated
// shares of one election center into its plaintext result.
type CombineDecryptionTask struct {
	ChunkRef
	ElectionCenterID int64 `json:"election_center_id"`
}

// Encode serializes a task payload for publication.
func Encode(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "could not encode task payload")
	}
	return b, nil
}

// Decode deserializes a task payload received from the broker.
func Decode(data []byte, v interface{}) error {
	return errors.Wrap(json.Unmarshal(data, v), "could not decode task payload")
}
