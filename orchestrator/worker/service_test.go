package worker

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/TAR2003/amarvote-orchestrator/config/params"
	"github.com/TAR2003/amarvote-orchestrator/orchestrator/broker"
	"github.com/TAR2003/amarvote-orchestrator/orchestrator/credentials"
	"github.com/TAR2003/amarvote-orchestrator/orchestrator/cryptoclient"
	"github.com/TAR2003/amarvote-orchestrator/orchestrator/db"
	dbtest "github.com/TAR2003/amarvote-orchestrator/orchestrator/db/testing"
	"github.com/TAR2003/amarvote-orchestrator/orchestrator/kv"
	"github.com/TAR2003/amarvote-orchestrator/orchestrator/messages"
	"github.com/TAR2003/amarvote-orchestrator/orchestrator/phase"
	"github.com/TAR2003/amarvote-orchestrator/orchestrator/registry"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

type fakeCrypto struct {
	mu           sync.Mutex
	tallyCalls   int32
	partialCalls int32
	compCalls    int32
	combineCalls int32

	tallyErr   error
	partialErr error
	// compFailures counts down: each call fails until it reaches zero.
	compFailures int
}

func (f *fakeCrypto) CreateEncryptedTally(_ context.Context, _ *cryptoclient.TallyRequest) (*cryptoclient.TallyResponse, error) {
	atomic.AddInt32(&f.tallyCalls, 1)
	if f.tallyErr != nil {
		return nil, f.tallyErr
	}
	return &cryptoclient.TallyResponse{EncryptedTally: json.RawMessage(`{"contests":{}}`)}, nil
}

func (f *fakeCrypto) CreatePartialDecryption(_ context.Context, _ *cryptoclient.PartialDecryptionRequest) (*cryptoclient.PartialDecryptionResponse, error) {
	atomic.AddInt32(&f.partialCalls, 1)
	if f.partialErr != nil {
		return nil, f.partialErr
	}
	return &cryptoclient.PartialDecryptionResponse{
		TallyShare:            json.RawMessage(`{"share":1}`),
		BallotShares:          json.RawMessage(`{}`),
		GuardianDecryptionKey: "dk",
	}, nil
}

func (f *fakeCrypto) CreateCompensatedDecryption(_ context.Context, _ *cryptoclient.CompensatedDecryptionRequest) (*cryptoclient.CompensatedDecryptionResponse, error) {
	atomic.AddInt32(&f.compCalls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.compFailures > 0 {
		f.compFailures--
		return nil, errors.New("reconstruction failed")
	}
	return &cryptoclient.CompensatedDecryptionResponse{
		TallyShare:  json.RawMessage(`{"share":2}`),
		BallotShare: json.RawMessage(`{}`),
	}, nil
}

func (f *fakeCrypto) CombineDecryptionShares(_ context.Context, _ *cryptoclient.CombineRequest) (*cryptoclient.CombineResponse, error) {
	atomic.AddInt32(&f.combineCalls, 1)
	return &cryptoclient.CombineResponse{Result: json.RawMessage(`{"tally":[1,2]}`)}, nil
}

func (f *fakeCrypto) Health(_ context.Context) error { return nil }

// flakyConsumer refuses to open consumers until connected, the way the
// broker behaves while it is still dialing.
type flakyConsumer struct {
	connected atomic.Bool
	calls     atomic.Int32
}

func (c *flakyConsumer) Consume(_, _ string) (<-chan amqp.Delivery, error) {
	c.calls.Add(1)
	if !c.connected.Load() {
		return nil, broker.ErrNotConnected
	}
	return make(chan amqp.Delivery), nil
}

func TestStart_RetriesConsumeUntilBrokerReady(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	cfg := params.OrchConfig().Copy()
	cfg.ConsumeRetryDelay = time.Millisecond
	cfg.WorkerConcurrency = 1
	params.OverrideOrchConfig(cfg)

	consumer := &flakyConsumer{}
	svc := NewService(context.Background(), &Config{Consumer: consumer})
	svc.Start()

	// Consumers keep retrying instead of giving up on the first refusal.
	require.Eventually(t, func() bool {
		return consumer.calls.Load() > 4
	}, time.Second, time.Millisecond)
	require.Error(t, svc.Status())

	consumer.connected.Store(true)
	require.Eventually(t, func() bool {
		return svc.Status() == nil
	}, time.Second, time.Millisecond)

	require.NoError(t, svc.Stop())
}

type noopTrigger struct {
	calls int32
}

func (n *noopTrigger) StartCompensatedDecryption(_ context.Context, _ int64, _ string) error {
	atomic.AddInt32(&n.calls, 1)
	return nil
}

type harness struct {
	svc     *Service
	reg     *registry.Registry
	fakeDB  *dbtest.FakeDB
	mem     *kv.MemoryStore
	creds   *credentials.Store
	crypto  *fakeCrypto
	trigger *noopTrigger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fakeDB := dbtest.NewFakeDB()
	mem := kv.NewMemoryStore()
	creds := credentials.NewStore(mem)
	coord := phase.NewCoordinator(mem, fakeDB, creds)
	trigger := &noopTrigger{}
	coord.SetCompensationTrigger(trigger)
	reg := registry.New()
	crypto := &fakeCrypto{}
	svc := NewService(context.Background(), &Config{
		Database: fakeDB,
		KV:       mem,
		Creds:    creds,
		Registry: reg,
		Phase:    coord,
		Crypto:   crypto,
	})
	return &harness{svc: svc, reg: reg, fakeDB: fakeDB, mem: mem, creds: creds, crypto: crypto, trigger: trigger}
}

// registerAndClaim registers a one-chunk instance and claims its chunk, as
// the scheduler would before publication.
func registerAndClaim(t *testing.T, h *harness, spec registry.Spec) {
	t.Helper()
	id, err := h.reg.Register(spec)
	require.NoError(t, err)
	_, ok, err := h.reg.ClaimNext(id)
	require.NoError(t, err)
	require.True(t, ok)
}

func tallyBody(t *testing.T, chunkID, jobID string, electionID int64, chunkNumber int) []byte {
	t.Helper()
	body, err := messages.Encode(&messages.TallyCreationTask{
		ChunkRef: messages.ChunkRef{
			ChunkID:     chunkID,
			ChunkNumber: chunkNumber,
			JobID:       jobID,
			ElectionID:  electionID,
		},
		BallotIDs:      []string{"b1", "b2"},
		JointPublicKey: "jpk",
		CommitmentHash: "ch",
		Manifest:       json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	return body
}

func TestHandleDelivery_TallySuccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.fakeDB.CreateJob(ctx, &db.Job{ID: "job-1", ElectionID: 1, Operation: messages.TaskTally, Status: db.JobQueued, TotalChunks: 1}))
	body := tallyBody(t, "chunk-1", "job-1", 1, 1)
	registerAndClaim(t, h, registry.Spec{
		Type: messages.TaskTally, ElectionID: 1, JobID: "job-1",
		Chunks: []registry.ChunkSpec{{ID: "chunk-1", Number: 1, Payload: body}},
	})

	h.svc.HandleDelivery(ctx, messages.TaskTally, body)

	require.Equal(t, int32(1), atomic.LoadInt32(&h.crypto.tallyCalls))

	centers, err := h.fakeDB.ElectionCentersByElection(ctx, 1)
	require.NoError(t, err)
	require.Len(t, centers, 1)
	require.NotEmpty(t, centers[0].EncryptedTally)

	logs := h.fakeDB.TallyLogs()
	require.Len(t, logs, 1)
	require.Equal(t, db.LogCompleted, logs[0].Status)
	require.Equal(t, centers[0].ID, logs[0].ElectionCenterID)

	job, err := h.fakeDB.Job(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, db.JobCompleted, job.Status)
	require.Equal(t, 1, job.ProcessedChunks)
}

func TestHandleDelivery_DuplicateDeliveriesExecuteOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.fakeDB.CreateJob(ctx, &db.Job{ID: "job-1", ElectionID: 1, Operation: messages.TaskTally, Status: db.JobQueued, TotalChunks: 1}))
	body := tallyBody(t, "chunk-1", "job-1", 1, 1)
	registerAndClaim(t, h, registry.Spec{
		Type: messages.TaskTally, ElectionID: 1, JobID: "job-1",
		Chunks: []registry.ChunkSpec{{ID: "chunk-1", Number: 1, Payload: body}},
	})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.svc.HandleDelivery(ctx, messages.TaskTally, body)
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&h.crypto.tallyCalls))
	job, err := h.fakeDB.Job(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, 1, job.ProcessedChunks)
}

func TestHandleDelivery_RetriesThenFailsJob(t *testing.T) {
	h := newHarness(t)
	h.crypto.tallyErr = errors.New("connection refused")
	ctx := context.Background()
	now := time.Now()
	h.reg.SetNowFunc(func() time.Time { return now })

	require.NoError(t, h.fakeDB.CreateJob(ctx, &db.Job{ID: "job-1", ElectionID: 1, Operation: messages.TaskTally, Status: db.JobQueued, TotalChunks: 1}))
	body := tallyBody(t, "chunk-1", "job-1", 1, 1)
	id, err := h.reg.Register(registry.Spec{
		Type: messages.TaskTally, ElectionID: 1, JobID: "job-1",
		Chunks: []registry.ChunkSpec{{ID: "chunk-1", Number: 1, Payload: body}},
	})
	require.NoError(t, err)

	for attempt := 0; attempt < 3; attempt++ {
		now = now.Add(time.Minute)
		_, ok, err := h.reg.ClaimNext(id)
		require.NoError(t, err)
		require.True(t, ok)
		h.svc.HandleDelivery(ctx, messages.TaskTally, body)
	}

	require.Equal(t, int32(3), atomic.LoadInt32(&h.crypto.tallyCalls))
	job, err := h.fakeDB.Job(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, db.JobFailed, job.Status)
	require.Equal(t, 1, job.FailedChunks)
	require.Contains(t, job.ErrorMessage, "connection refused")

	logs := h.fakeDB.TallyLogs()
	require.Len(t, logs, 3)
	for _, l := range logs {
		require.Equal(t, db.LogFailed, l.Status)
	}
}

func partialBody(t *testing.T, chunkID, jobID string, electionID int64, centerID int64, guardianID string) []byte {
	t.Helper()
	body, err := messages.Encode(&messages.PartialDecryptionTask{
		ChunkRef: messages.ChunkRef{
			ChunkID:     chunkID,
			ChunkNumber: 1,
			JobID:       jobID,
			ElectionID:  electionID,
		},
		GuardianID:       guardianID,
		ElectionCenterID: centerID,
		TotalChunks:      1,
	})
	require.NoError(t, err)
	return body
}

func seedElection(h *harness, electionID int64) {
	h.fakeDB.SeedElection(&db.Election{
		ID:                electionID,
		JointPublicKey:    "jpk",
		CommitmentHash:    "ch",
		Manifest:          json.RawMessage(`{}`),
		NumberOfGuardians: 3,
		Quorum:            2,
	})
}

func TestHandleDelivery_PartialSuccessTriggersCompensation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedElection(h, 1)
	h.fakeDB.SeedGuardian(&db.Guardian{ElectionID: 1, GuardianID: "g1", SequenceOrder: 1, PublicKey: "pub1"})
	centerID := h.fakeDB.SeedCenter(1, 1, []byte(`{"contests":{}}`))
	require.NoError(t, h.creds.Present(ctx, 1, "g1", "pk", "poly"))
	require.NoError(t, h.fakeDB.CreateJob(ctx, &db.Job{ID: "job-p", ElectionID: 1, Operation: messages.TaskPartialDecryption, Status: db.JobQueued, TotalChunks: 1}))

	body := partialBody(t, "chunk-1", "job-p", 1, centerID, "g1")
	registerAndClaim(t, h, registry.Spec{
		Type: messages.TaskPartialDecryption, ElectionID: 1, GuardianID: "g1", JobID: "job-p",
		Chunks: []registry.ChunkSpec{{ID: "chunk-1", Number: 1, Payload: body}},
	})

	h.svc.HandleDelivery(ctx, messages.TaskPartialDecryption, body)

	shares, err := h.fakeDB.PartialDecryptionsByCenter(ctx, centerID)
	require.NoError(t, err)
	require.Len(t, shares, 1)
	require.Equal(t, "g1", shares[0].GuardianID)

	// Last partial chunk of the guardian: the compensation phase fires.
	require.Equal(t, int32(1), atomic.LoadInt32(&h.trigger.calls))

	logs := h.fakeDB.DecryptionLogs()
	require.Len(t, logs, 1)
	require.Equal(t, db.LogCompleted, logs[0].Status)
	require.Equal(t, db.DecryptionPartial, logs[0].DecryptionType)
}

func TestHandleDelivery_PartialWithoutCredentialsRetries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedElection(h, 1)
	h.fakeDB.SeedGuardian(&db.Guardian{ElectionID: 1, GuardianID: "g1", SequenceOrder: 1})
	centerID := h.fakeDB.SeedCenter(1, 1, []byte(`{}`))
	require.NoError(t, h.fakeDB.CreateJob(ctx, &db.Job{ID: "job-p", ElectionID: 1, Operation: messages.TaskPartialDecryption, Status: db.JobQueued, TotalChunks: 1}))

	body := partialBody(t, "chunk-1", "job-p", 1, centerID, "g1")
	registerAndClaim(t, h, registry.Spec{
		Type: messages.TaskPartialDecryption, ElectionID: 1, GuardianID: "g1", JobID: "job-p",
		Chunks: []registry.ChunkSpec{{ID: "chunk-1", Number: 1, Payload: body}},
	})

	h.svc.HandleDelivery(ctx, messages.TaskPartialDecryption, body)

	// The RPC never ran and no audit row was opened; the chunk waits for
	// the operator to re-present credentials.
	require.Equal(t, int32(0), atomic.LoadInt32(&h.crypto.partialCalls))
	require.Empty(t, h.fakeDB.DecryptionLogs())
	job, err := h.fakeDB.Job(ctx, "job-p")
	require.NoError(t, err)
	require.NotEqual(t, db.JobFailed, job.Status)
}

func compensatedBody(t *testing.T, chunkID, jobID string, electionID, centerID int64, sourceBundle json.RawMessage) []byte {
	t.Helper()
	body, err := messages.Encode(&messages.CompensatedDecryptionTask{
		ChunkRef: messages.ChunkRef{
			ChunkID:     chunkID,
			ChunkNumber: 1,
			JobID:       jobID,
			ElectionID:  electionID,
		},
		ElectionCenterID: centerID,
		Source: messages.GuardianMaterial{
			GuardianID:    "g1",
			SequenceOrder: 1,
			PublicKey:     "pub1",
			KeyBackup:     sourceBundle,
		},
		Target: messages.GuardianMaterial{
			GuardianID:    "g2",
			SequenceOrder: 2,
			PublicKey:     "pub2",
		},
		SourcePrivateKey:  "pk",
		SourcePolynomial:  "poly",
		NumberOfGuardians: 3,
		Quorum:            2,
		Manifest:          json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	return body
}

func TestHandleDelivery_CompensatedInnerRetryRecovers(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	cfg := params.OrchConfig().Copy()
	cfg.CompensatedInnerBackoff = time.Millisecond
	params.OverrideOrchConfig(cfg)

	h := newHarness(t)
	h.crypto.compFailures = 2
	ctx := context.Background()
	seedElection(h, 1)
	centerID := h.fakeDB.SeedCenter(1, 1, []byte(`{}`))
	require.NoError(t, h.fakeDB.CreateJob(ctx, &db.Job{ID: "job-c", ElectionID: 1, Operation: messages.TaskCompensatedDecrypt, Status: db.JobQueued, TotalChunks: 1}))
	h.fakeDB.SeedGuardian(&db.Guardian{ElectionID: 1, GuardianID: "g1", SequenceOrder: 1})

	bundle := json.RawMessage(`{"backups":{"g2":{"coefficient":"c2"}}}`)
	body := compensatedBody(t, "chunk-1", "job-c", 1, centerID, bundle)
	registerAndClaim(t, h, registry.Spec{
		Type: messages.TaskCompensatedDecrypt, ElectionID: 1, GuardianID: "g1", JobID: "job-c",
		Chunks: []registry.ChunkSpec{{ID: "chunk-1", Number: 1, Payload: body}},
	})

	h.svc.HandleDelivery(ctx, messages.TaskCompensatedDecrypt, body)

	// Two inner failures, then success within the same delivery.
	require.Equal(t, int32(3), atomic.LoadInt32(&h.crypto.compCalls))
	shares, err := h.fakeDB.CompensatedDecryptionsByCenter(ctx, centerID)
	require.NoError(t, err)
	require.Len(t, shares, 1)
	require.Equal(t, "g1", shares[0].CompensatingGuardianID)
	require.Equal(t, "g2", shares[0].MissingGuardianID)
}

func TestHandleDelivery_CompensatedMissingBackupFailsJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedElection(h, 1)
	centerID := h.fakeDB.SeedCenter(1, 1, []byte(`{}`))
	require.NoError(t, h.fakeDB.CreateJob(ctx, &db.Job{ID: "job-c", ElectionID: 1, Operation: messages.TaskCompensatedDecrypt, Status: db.JobQueued, TotalChunks: 1}))

	// Bundle lacks the missing guardian's entry: unrecoverable.
	bundle := json.RawMessage(`{"backups":{"g3":{"coefficient":"c3"}}}`)
	body := compensatedBody(t, "chunk-1", "job-c", 1, centerID, bundle)
	registerAndClaim(t, h, registry.Spec{
		Type: messages.TaskCompensatedDecrypt, ElectionID: 1, GuardianID: "g1", JobID: "job-c",
		Chunks: []registry.ChunkSpec{{ID: "chunk-1", Number: 1, Payload: body}},
	})

	h.svc.HandleDelivery(ctx, messages.TaskCompensatedDecrypt, body)

	// No retry: the chunk fails permanently on the first delivery.
	require.Equal(t, int32(0), atomic.LoadInt32(&h.crypto.compCalls))
	job, err := h.fakeDB.Job(ctx, "job-c")
	require.NoError(t, err)
	require.Equal(t, db.JobFailed, job.Status)
	require.Contains(t, job.ErrorMessage, "no key backup")
}

func TestHandleDelivery_CombineSuccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seedElection(h, 1)
	centerID := h.fakeDB.SeedCenter(1, 1, []byte(`{"contests":{}}`))
	require.NoError(t, h.fakeDB.SavePartialDecryption(ctx, &db.Decryption{
		ElectionCenterID:      centerID,
		GuardianID:            "g1",
		PartialTallyShare:     []byte(`{"share":1}`),
		BallotShares:          []byte(`{}`),
		GuardianDecryptionKey: "dk1",
	}))
	require.NoError(t, h.fakeDB.SaveCompensatedDecryption(ctx, &db.CompensatedDecryption{
		ElectionCenterID:       centerID,
		CompensatingGuardianID: "g1",
		MissingGuardianID:      "g2",
		TallyShare:             []byte(`{"share":2}`),
		BallotShare:            []byte(`{}`),
	}))
	require.NoError(t, h.fakeDB.CreateJob(ctx, &db.Job{ID: "job-m", ElectionID: 1, Operation: messages.TaskCombine, Status: db.JobQueued, TotalChunks: 1}))

	body, err := messages.Encode(&messages.CombineDecryptionTask{
		ChunkRef: messages.ChunkRef{
			ChunkID:     "chunk-1",
			ChunkNumber: 1,
			JobID:       "job-m",
			ElectionID:  1,
		},
		ElectionCenterID: centerID,
	})
	require.NoError(t, err)
	registerAndClaim(t, h, registry.Spec{
		Type: messages.TaskCombine, ElectionID: 1, JobID: "job-m",
		Chunks: []registry.ChunkSpec{{ID: "chunk-1", Number: 1, Payload: body}},
	})

	h.svc.HandleDelivery(ctx, messages.TaskCombine, body)

	center, err := h.fakeDB.ElectionCenter(ctx, centerID)
	require.NoError(t, err)
	require.NotEmpty(t, center.ElectionResult)

	allDone, err := h.fakeDB.AllResultsPresent(ctx, 1)
	require.NoError(t, err)
	require.True(t, allDone)

	job, err := h.fakeDB.Job(ctx, "job-m")
	require.NoError(t, err)
	require.Equal(t, db.JobCompleted, job.Status)
}
