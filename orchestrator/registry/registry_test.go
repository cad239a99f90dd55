package registry

import (
	"fmt"
	"testing"
	"time"

	"github.com/TAR2003/amarvote-orchestrator/config/params"
	"github.com/TAR2003/amarvote-orchestrator/orchestrator/messages"
	"github.com/stretchr/testify/require"
)

func testSpec(tt messages.TaskType, electionID int64, guardianID string, numChunks int) Spec {
	spec := Spec{Type: tt, ElectionID: electionID, GuardianID: guardianID, JobID: fmt.Sprintf("job-%d-%s", electionID, guardianID)}
	for i := 1; i <= numChunks; i++ {
		spec.Chunks = append(spec.Chunks, ChunkSpec{
			ID:      fmt.Sprintf("chunk-%d-%s-%d", electionID, guardianID, i),
			Number:  i,
			Payload: []byte(fmt.Sprintf(`{"chunkNumber":%d}`, i)),
		})
	}
	return spec
}

func TestRegister_RejectsActiveDuplicate(t *testing.T) {
	r := New()
	_, err := r.Register(testSpec(messages.TaskPartialDecryption, 1, "g1", 2))
	require.NoError(t, err)

	_, err = r.Register(testSpec(messages.TaskPartialDecryption, 1, "g1", 2))
	require.ErrorIs(t, err, ErrDuplicateTask)

	// Same guardian, different election is fine.
	_, err = r.Register(testSpec(messages.TaskPartialDecryption, 2, "g1", 2))
	require.NoError(t, err)
}

func TestRegister_AllowsReRegistrationAfterRetirement(t *testing.T) {
	r := New()
	id, err := r.Register(testSpec(messages.TaskTally, 1, "", 1))
	require.NoError(t, err)

	pc, ok, err := r.ClaimNext(id)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, r.MarkProcessing(pc.ChunkID))
	require.NoError(t, r.ReportSuccess(pc.ChunkID))

	_, err = r.Register(testSpec(messages.TaskTally, 1, "", 1))
	require.NoError(t, err)
}

func TestClaimNext_RespectsInFlightCap(t *testing.T) {
	r := New()
	id, err := r.Register(testSpec(messages.TaskTally, 1, "", 3))
	require.NoError(t, err)

	first, ok, err := r.ClaimNext(id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, first.Number)
	require.Equal(t, params.OrchConfig().TallyQueue, first.RoutingKey)

	// Cap is one in flight; nothing else until the first resolves.
	_, ok, err = r.ClaimNext(id)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, r.ReportSuccess(first.ChunkID))
	second, ok, err := r.ClaimNext(id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, second.Number)
}

func TestReleaseQueued_ReturnsChunkWithoutConsumingAttempt(t *testing.T) {
	r := New()
	id, err := r.Register(testSpec(messages.TaskTally, 1, "", 1))
	require.NoError(t, err)

	pc, ok, err := r.ClaimNext(id)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, r.ReleaseQueued(pc.ChunkID))

	// Immediately claimable again, no backoff.
	again, ok, err := r.ClaimNext(id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, pc.ChunkID, again.ChunkID)
}

func TestReportFailure_BacksOffThenExhausts(t *testing.T) {
	r := New()
	now := time.Now()
	r.SetNowFunc(func() time.Time { return now })
	id, err := r.Register(testSpec(messages.TaskTally, 1, "", 1))
	require.NoError(t, err)

	pc, ok, err := r.ClaimNext(id)
	require.NoError(t, err)
	require.True(t, ok)

	d, err := r.ReportFailure(pc.ChunkID, "rpc timeout")
	require.NoError(t, err)
	require.False(t, d.Permanent)
	require.Equal(t, now.Add(5*time.Second), d.RetryAt)

	// Not claimable before the delay elapses.
	_, ok, err = r.ClaimNext(id)
	require.NoError(t, err)
	require.False(t, ok)

	now = now.Add(5 * time.Second)
	pc, ok, err = r.ClaimNext(id)
	require.NoError(t, err)
	require.True(t, ok)

	d, err = r.ReportFailure(pc.ChunkID, "rpc timeout")
	require.NoError(t, err)
	require.False(t, d.Permanent)
	require.Equal(t, now.Add(10*time.Second), d.RetryAt)

	now = now.Add(10 * time.Second)
	pc, ok, err = r.ClaimNext(id)
	require.NoError(t, err)
	require.True(t, ok)

	// Third failure exhausts the budget.
	d, err = r.ReportFailure(pc.ChunkID, "rpc timeout")
	require.NoError(t, err)
	require.True(t, d.Permanent)

	stats := r.Stats()
	require.Equal(t, uint64(1), stats[messages.TaskTally].Failed)
}

func TestReportSuccess_IsIdempotent(t *testing.T) {
	r := New()
	id, err := r.Register(testSpec(messages.TaskTally, 1, "", 2))
	require.NoError(t, err)

	pc, ok, err := r.ClaimNext(id)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, r.ReportSuccess(pc.ChunkID))
	require.NoError(t, r.ReportSuccess(pc.ChunkID))

	completed, failed, total, err := r.Progress(id)
	require.NoError(t, err)
	require.Equal(t, 1, completed)
	require.Equal(t, 0, failed)
	require.Equal(t, 2, total)
	require.Equal(t, uint64(1), r.Stats()[messages.TaskTally].Completed)
}

func TestRetireJob_DropsIdleInstance(t *testing.T) {
	r := New()
	spec := testSpec(messages.TaskTally, 1, "", 2)
	id, err := r.Register(spec)
	require.NoError(t, err)

	// Nothing in flight, so the abandoned instance is dropped outright
	// instead of lingering with its PENDING chunks.
	r.RetireJob(spec.JobID)

	_, _, err = r.ClaimNext(id)
	require.ErrorIs(t, err, ErrUnknownInstance)
	require.Empty(t, r.Instances())
}

func TestRetireJob_KeepsInstanceUntilInFlightSettles(t *testing.T) {
	r := New()
	spec := testSpec(messages.TaskTally, 1, "", 3)
	id, err := r.Register(spec)
	require.NoError(t, err)

	pc, ok, err := r.ClaimNext(id)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, r.MarkProcessing(pc.ChunkID))

	r.RetireJob(spec.JobID)

	// The in-flight chunk still reports into the retired instance.
	require.NoError(t, r.ReportSuccess(pc.ChunkID))

	// With nothing left in flight the instance is gone, PENDING chunks
	// included.
	_, err = r.ChunkState(pc.ChunkID)
	require.ErrorIs(t, err, ErrUnknownChunk)
	_, _, err = r.ClaimNext(id)
	require.ErrorIs(t, err, ErrUnknownInstance)
}

func TestRequeueStuck_RestoresUnclaimedChunks(t *testing.T) {
	r := New()
	now := time.Now()
	r.SetNowFunc(func() time.Time { return now })
	id, err := r.Register(testSpec(messages.TaskTally, 1, "", 1))
	require.NoError(t, err)

	pc, ok, err := r.ClaimNext(id)
	require.NoError(t, err)
	require.True(t, ok)

	// Freshly queued chunks are left alone.
	require.Zero(t, r.RequeueStuck(5*time.Minute))
	_, ok, err = r.ClaimNext(id)
	require.NoError(t, err)
	require.False(t, ok)

	// Past the window the chunk returns to PENDING and is claimable again,
	// with no retry attempt consumed.
	now = now.Add(6 * time.Minute)
	require.Equal(t, 1, r.RequeueStuck(5*time.Minute))

	again, ok, err := r.ClaimNext(id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, pc.ChunkID, again.ChunkID)
}

func TestRequeueStuck_IgnoresProcessingChunks(t *testing.T) {
	r := New()
	now := time.Now()
	r.SetNowFunc(func() time.Time { return now })
	id, err := r.Register(testSpec(messages.TaskTally, 1, "", 1))
	require.NoError(t, err)

	pc, ok, err := r.ClaimNext(id)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, r.MarkProcessing(pc.ChunkID))

	now = now.Add(time.Hour)
	require.Zero(t, r.RequeueStuck(5*time.Minute))
}

func TestQueuedDepth_CountsPerType(t *testing.T) {
	r := New()
	id, err := r.Register(testSpec(messages.TaskTally, 1, "", 2))
	require.NoError(t, err)
	id2, err := r.Register(testSpec(messages.TaskPartialDecryption, 1, "g1", 1))
	require.NoError(t, err)

	_, ok, err := r.ClaimNext(id)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = r.ClaimNext(id2)
	require.NoError(t, err)
	require.True(t, ok)

	depth := r.QueuedDepth()
	require.Equal(t, 1, depth[messages.TaskTally])
	require.Equal(t, 1, depth[messages.TaskPartialDecryption])
	require.Zero(t, depth[messages.TaskCombine])
}

func TestStale_ReportsQuietInstances(t *testing.T) {
	r := New()
	now := time.Now()
	r.SetNowFunc(func() time.Time { return now })

	_, err := r.Register(testSpec(messages.TaskTally, 1, "", 1))
	require.NoError(t, err)
	id2, err := r.Register(testSpec(messages.TaskTally, 2, "", 1))
	require.NoError(t, err)

	now = now.Add(20 * time.Minute)
	pc, ok, err := r.ClaimNext(id2)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = r.ReportFailure(pc.ChunkID, "rpc timeout")
	require.NoError(t, err)

	stale := r.Stale(15 * time.Minute)
	require.Len(t, stale, 1)
	require.Equal(t, int64(1), stale[0].ElectionID)
}
