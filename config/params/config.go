// Package params defines important constants that are essential to the
// orchestrator services.
package params

import "time"

// OrchestratorConfig contains constant configs for the cryptographic task
// orchestrator. Values here govern chunking, scheduling fairness, retry
// policy, lock and credential lifetimes, and broker topology.
type OrchestratorConfig struct {
	// Chunking.
	ChunkSize int // Target number of ballots per tally chunk.

	// Registry retry policy.
	MaxRetryAttempts  int           // Attempts before a chunk is permanently failed.
	InitialRetryDelay time.Duration // First retry delay, doubled on each subsequent attempt.

	// Scheduler.
	ScheduleTick           time.Duration // Interval between publication rounds.
	MaxQueuedChunksPerTask int           // Hard in-flight cap per task instance.
	TargetChunksPerCycle   int           // Max publications attempted per tick.
	DiagInterval           time.Duration // Interval between diagnostic log lines.
	StalenessWindow        time.Duration // An instance without progress for this long is reported stale.
	QueuedRequeueAfter     time.Duration // A chunk QUEUED this long without pickup returns to PENDING.

	// Worker.
	WorkerConcurrency        int           // Concurrent consumers per queue.
	ConsumeRetryDelay        time.Duration // Delay between consumer open attempts while the broker connects.
	ChunkLockTTL             time.Duration // TTL of the per-chunk idempotency lock.
	WorkerYield              time.Duration // Pause between chunks for memory reclamation.
	CompensatedInnerAttempts int           // Inner retry attempts for compensated decryption.
	CompensatedInnerBackoff  time.Duration // Base backoff of the inner loop, multiplied by attempt.

	// Key-value lifetimes.
	CredentialTTL            time.Duration // Lifetime of unwrapped guardian material.
	CredentialExpiryFallback time.Duration // Reduced TTL applied when deletion fails.
	PhaseFlagTTL             time.Duration // Lifetime of phase counters and once-only flags.

	// Crypto service.
	HeavyRPCTimeout time.Duration // Tally, decryption and combine RPCs.
	LightRPCTimeout time.Duration // Health and other small RPCs.

	// Broker topology.
	ExchangeName     string
	TallyQueue       string
	PartialQueue     string
	CompensatedQueue string
	CombineQueue     string

	// Database pool.
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// Read-through cache for guardian and election rows.
	RowCacheMaxCost int64
	RowCacheTTL     time.Duration
}

// DefaultConfig returns the production orchestrator configuration.
func DefaultConfig() *OrchestratorConfig {
	return &OrchestratorConfig{
		ChunkSize: 200,

		MaxRetryAttempts:  3,
		InitialRetryDelay: 5 * time.Second,

		ScheduleTick:           100 * time.Millisecond,
		MaxQueuedChunksPerTask: 1,
		TargetChunksPerCycle:   8,
		DiagInterval:           10 * time.Second,
		StalenessWindow:        15 * time.Minute,
		QueuedRequeueAfter:     300 * time.Second,

		WorkerConcurrency:        4,
		ConsumeRetryDelay:        2 * time.Second,
		ChunkLockTTL:             300 * time.Second,
		WorkerYield:              100 * time.Millisecond,
		CompensatedInnerAttempts: 3,
		CompensatedInnerBackoff:  2 * time.Second,

		CredentialTTL:            6 * time.Hour,
		CredentialExpiryFallback: 60 * time.Second,
		PhaseFlagTTL:             4 * time.Hour,

		HeavyRPCTimeout: 10 * time.Minute,
		LightRPCTimeout: 30 * time.Second,

		ExchangeName:     "election.crypto",
		TallyQueue:       "tally.creation",
		PartialQueue:     "partial.decryption",
		CompensatedQueue: "compensated.decryption",
		CombineQueue:     "combine.decryption",

		DBMaxOpenConns:    10,
		DBMaxIdleConns:    5,
		DBConnMaxLifetime: 30 * time.Minute,

		RowCacheMaxCost: 1 << 24,
		RowCacheTTL:     5 * time.Minute,
	}
}
