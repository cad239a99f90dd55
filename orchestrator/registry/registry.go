// Package registry tracks task instances and their chunks from registration
// through publication, execution, retry and retirement. It is the in-memory
// authority on chunk state; durable progress lives on the job records.
package registry

import (
	"sync"
	"time"

	"github.com/TAR2003/amarvote-orchestrator/config/params"
	"github.com/TAR2003/amarvote-orchestrator/orchestrator/messages"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "registry")

var (
	// ErrDuplicateTask is returned when an identical task tuple is already
	// active.
	ErrDuplicateTask = errors.New("identical task already registered")
	// ErrUnknownChunk is returned for chunk ids the registry has never seen.
	ErrUnknownChunk = errors.New("unknown chunk")
	// ErrUnknownInstance is returned for instance ids the registry has never
	// seen.
	ErrUnknownInstance = errors.New("unknown task instance")
)

// ChunkState is the lifecycle state of a single chunk.
type ChunkState uint8

// Chunk lifecycle. Transitions only move forward, except FAILED attempts
// returning to PENDING while the retry budget lasts.
const (
	Pending ChunkState = iota
	Queued
	Processing
	Completed
	Failed
)

// String implements fmt.Stringer.
func (s ChunkState) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Queued:
		return "QUEUED"
	case Processing:
		return "PROCESSING"
	case Completed:
		return "COMPLETED"
	case Failed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// ChunkSpec describes one chunk at registration time.
type ChunkSpec struct {
	ID      string
	Number  int
	Payload []byte
}

// Spec describes a task instance to register.
type Spec struct {
	// ID is the instance id; generated when empty. Callers set it when the
	// chunk payloads must reference the instance.
	ID         string
	Type       messages.TaskType
	ElectionID int64
	// GuardianID is the operating identity: the guardian for partial
	// decryption, the source/target pair for compensation, empty for tally
	// and combine. Registration is rejected while an identical identity is
	// active.
	GuardianID string
	JobID      string
	Chunks     []ChunkSpec
}

type chunk struct {
	id        string
	number    int
	payload   []byte
	state     ChunkState
	attempts  int
	notBefore time.Time
	queuedAt  time.Time
	lastError string
}

type instance struct {
	id           string
	spec         Spec
	chunks       []*chunk
	createdAt    time.Time
	lastProgress time.Time
	retired      bool
}

func (in *instance) inFlight() int {
	n := 0
	for _, c := range in.chunks {
		if c.state == Queued || c.state == Processing {
			n++
		}
	}
	return n
}

func (in *instance) terminal() bool {
	for _, c := range in.chunks {
		if c.state != Completed && c.state != Failed {
			return false
		}
	}
	return true
}

// PublishableChunk is a claimed chunk ready for broker publication.
type PublishableChunk struct {
	ChunkID    string
	Number     int
	Payload    []byte
	RoutingKey string
}

// InstanceSnapshot is a read-only view of a task instance.
type InstanceSnapshot struct {
	ID           string
	Type         messages.TaskType
	ElectionID   int64
	GuardianID   string
	JobID        string
	LastProgress time.Time
}

// Disposition tells the worker what happened to a failed chunk.
type Disposition struct {
	// Permanent is true once the retry budget is exhausted.
	Permanent bool
	// RetryAt is when the scheduler may republish, zero when Permanent.
	RetryAt time.Time
}

// TypeStats is the cumulative per-type chunk accounting.
type TypeStats struct {
	Completed uint64
	Failed    uint64
}

// Registry holds every active task instance.
type Registry struct {
	mu        sync.Mutex
	instances []*instance
	byID      map[string]*instance
	byChunk   map[string]*instance
	stats     map[messages.TaskType]*TypeStats
	now       func() time.Time
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		byID:    make(map[string]*instance),
		byChunk: make(map[string]*instance),
		stats:   make(map[messages.TaskType]*TypeStats),
		now:     time.Now,
	}
}

// SetNowFunc overrides the clock, letting tests drive retry timing.
func (r *Registry) SetNowFunc(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Register admits a task instance. An active instance with the same type,
// election and guardian is a duplicate and is rejected.
func (r *Registry) Register(spec Spec) (string, error) {
	if !spec.Type.Valid() {
		return "", errors.Errorf("invalid task type %q", spec.Type)
	}
	if len(spec.Chunks) == 0 {
		return "", errors.New("task instance needs at least one chunk")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, in := range r.instances {
		if in.retired {
			continue
		}
		if in.spec.Type == spec.Type && in.spec.ElectionID == spec.ElectionID && in.spec.GuardianID == spec.GuardianID {
			return "", errors.Wrapf(ErrDuplicateTask, "type=%s election=%d guardian=%s", spec.Type, spec.ElectionID, spec.GuardianID)
		}
	}

	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := r.now()
	in := &instance{
		id:           id,
		spec:         spec,
		createdAt:    now,
		lastProgress: now,
	}
	for _, cs := range spec.Chunks {
		c := &chunk{id: cs.ID, number: cs.Number, payload: cs.Payload, state: Pending}
		in.chunks = append(in.chunks, c)
		r.byChunk[cs.ID] = in
	}
	r.instances = append(r.instances, in)
	r.byID[in.id] = in

	log.WithFields(logrus.Fields{
		"instance": in.id,
		"type":     spec.Type,
		"election": spec.ElectionID,
		"guardian": spec.GuardianID,
		"chunks":   len(spec.Chunks),
	}).Info("Task instance registered")
	return in.id, nil
}

// Instances returns active instances in registration order.
func (r *Registry) Instances() []InstanceSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []InstanceSnapshot
	for _, in := range r.instances {
		if in.retired {
			continue
		}
		out = append(out, snapshot(in))
	}
	return out
}

func snapshot(in *instance) InstanceSnapshot {
	return InstanceSnapshot{
		ID:           in.id,
		Type:         in.spec.Type,
		ElectionID:   in.spec.ElectionID,
		GuardianID:   in.spec.GuardianID,
		JobID:        in.spec.JobID,
		LastProgress: in.lastProgress,
	}
}

// ClaimNext hands out the instance's next publishable chunk and marks it
// QUEUED. It returns false when the instance is at its in-flight cap or has
// no chunk whose retry delay has elapsed.
func (r *Registry) ClaimNext(instanceID string) (*PublishableChunk, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	in, ok := r.byID[instanceID]
	if !ok {
		return nil, false, ErrUnknownInstance
	}
	if in.retired {
		return nil, false, nil
	}
	if in.inFlight() >= params.OrchConfig().MaxQueuedChunksPerTask {
		return nil, false, nil
	}
	now := r.now()
	for _, c := range in.chunks {
		if c.state != Pending || now.Before(c.notBefore) {
			continue
		}
		c.state = Queued
		c.queuedAt = now
		return &PublishableChunk{
			ChunkID:    c.id,
			Number:     c.number,
			Payload:    c.payload,
			RoutingKey: in.spec.Type.RoutingKey(),
		}, true, nil
	}
	return nil, false, nil
}

// ReleaseQueued returns a QUEUED chunk to PENDING after a failed publication.
// No attempt is consumed.
func (r *Registry) ReleaseQueued(chunkID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, c, err := r.find(chunkID)
	if err != nil {
		return err
	}
	if c.state == Queued {
		c.state = Pending
		c.queuedAt = time.Time{}
		r.prune()
	}
	return nil
}

// RequeueStuck returns QUEUED chunks older than age to PENDING. A confirmed
// publication whose message was lost, or a delivery dropped without a report,
// would otherwise hold the instance's in-flight cap forever.
func (r *Registry) RequeueStuck(age time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-age)
	n := 0
	for _, in := range r.instances {
		for _, c := range in.chunks {
			if c.state == Queued && !c.queuedAt.After(cutoff) {
				c.state = Pending
				c.queuedAt = time.Time{}
				n++
			}
		}
	}
	if n > 0 {
		log.WithField("chunks", n).Warn("Requeued chunks stuck in QUEUED")
		r.prune()
	}
	return n
}

// QueuedDepth reports the number of QUEUED chunks per task type, an estimate
// of outstanding broker depth.
func (r *Registry) QueuedDepth() map[messages.TaskType]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[messages.TaskType]int)
	for _, in := range r.instances {
		for _, c := range in.chunks {
			if c.state == Queued {
				out[in.spec.Type]++
			}
		}
	}
	return out
}

// ChunkState returns the current state of a chunk.
func (r *Registry) ChunkState(chunkID string) (ChunkState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, c, err := r.find(chunkID)
	if err != nil {
		return Pending, err
	}
	return c.state, nil
}

// MarkProcessing records that a worker picked the chunk up.
func (r *Registry) MarkProcessing(chunkID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, c, err := r.find(chunkID)
	if err != nil {
		return err
	}
	if c.state == Queued {
		c.state = Processing
		c.queuedAt = time.Time{}
	}
	return nil
}

// ReportSuccess marks a chunk COMPLETED. It is a no-op for a chunk already
// in a terminal state, so a redelivered message cannot double-count.
func (r *Registry) ReportSuccess(chunkID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	in, c, err := r.find(chunkID)
	if err != nil {
		return err
	}
	if c.state == Completed || c.state == Failed {
		return nil
	}
	c.state = Completed
	c.lastError = ""
	in.lastProgress = r.now()
	r.typeStats(in.spec.Type).Completed++
	r.maybeRetire(in)
	return nil
}

// ReportFailure records a failed attempt and decides between retry and
// permanent failure. Retry delay doubles per attempt.
func (r *Registry) ReportFailure(chunkID, errMsg string) (Disposition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	in, c, err := r.find(chunkID)
	if err != nil {
		return Disposition{}, err
	}
	if c.state == Completed || c.state == Failed {
		return Disposition{Permanent: c.state == Failed}, nil
	}
	c.attempts++
	c.lastError = errMsg
	in.lastProgress = r.now()

	cfg := params.OrchConfig()
	if c.attempts >= cfg.MaxRetryAttempts {
		c.state = Failed
		r.typeStats(in.spec.Type).Failed++
		r.maybeRetire(in)
		log.WithFields(logrus.Fields{
			"chunk":    chunkID,
			"type":     in.spec.Type,
			"attempts": c.attempts,
		}).Warn("Chunk failed permanently")
		return Disposition{Permanent: true}, nil
	}
	delay := cfg.InitialRetryDelay << (c.attempts - 1)
	c.state = Pending
	c.notBefore = r.now().Add(delay)
	return Disposition{RetryAt: c.notBefore}, nil
}

// FailPermanently marks a chunk FAILED regardless of remaining retry budget.
// Used for contract violations that no retry can cure, such as a missing key
// backup.
func (r *Registry) FailPermanently(chunkID, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	in, c, err := r.find(chunkID)
	if err != nil {
		return err
	}
	if c.state == Completed || c.state == Failed {
		return nil
	}
	c.attempts++
	c.state = Failed
	c.lastError = errMsg
	in.lastProgress = r.now()
	r.typeStats(in.spec.Type).Failed++
	r.maybeRetire(in)
	log.WithFields(logrus.Fields{
		"chunk": chunkID,
		"type":  in.spec.Type,
	}).Warn("Chunk failed without retry")
	return nil
}

// Progress reports completed, failed and total chunk counts of an instance.
func (r *Registry) Progress(instanceID string) (completed, failed, total int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	in, ok := r.byID[instanceID]
	if !ok {
		return 0, 0, 0, ErrUnknownInstance
	}
	for _, c := range in.chunks {
		switch c.state {
		case Completed:
			completed++
		case Failed:
			failed++
		}
	}
	return completed, failed, len(in.chunks), nil
}

// RetireJob retires every instance of the job. Instances with nothing in
// flight are dropped immediately, remaining PENDING chunks included; an
// instance with in-flight chunks stays resident until they report.
func (r *Registry) RetireJob(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, in := range r.instances {
		if in.spec.JobID == jobID && !in.retired {
			in.retired = true
			log.WithFields(logrus.Fields{
				"instance": in.id,
				"job":      jobID,
			}).Info("Task instance retired")
		}
	}
	r.prune()
}

// Stale returns active instances without progress for at least window.
func (r *Registry) Stale(window time.Duration) []InstanceSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-window)
	var out []InstanceSnapshot
	for _, in := range r.instances {
		if in.retired || in.lastProgress.After(cutoff) {
			continue
		}
		out = append(out, snapshot(in))
	}
	return out
}

// Stats returns the cumulative per-type chunk accounting. Counters survive
// instance retirement.
func (r *Registry) Stats() map[messages.TaskType]TypeStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[messages.TaskType]TypeStats, len(r.stats))
	for tt, s := range r.stats {
		out[tt] = *s
	}
	return out
}

func (r *Registry) find(chunkID string) (*instance, *chunk, error) {
	in, ok := r.byChunk[chunkID]
	if !ok {
		return nil, nil, ErrUnknownChunk
	}
	for _, c := range in.chunks {
		if c.id == chunkID {
			return in, c, nil
		}
	}
	return nil, nil, ErrUnknownChunk
}

func (r *Registry) typeStats(tt messages.TaskType) *TypeStats {
	s, ok := r.stats[tt]
	if !ok {
		s = &TypeStats{}
		r.stats[tt] = s
	}
	return s
}

// maybeRetire retires an instance once every chunk is terminal, then prunes
// whatever has become droppable.
func (r *Registry) maybeRetire(in *instance) {
	if in.terminal() && !in.retired {
		in.retired = true
		log.WithFields(logrus.Fields{
			"instance": in.id,
			"type":     in.spec.Type,
			"election": in.spec.ElectionID,
		}).Info("Task instance finished")
	}
	r.prune()
}

// prune drops retired instances with nothing in flight. Retired PENDING
// chunks are never published again, so only QUEUED and PROCESSING chunks,
// whose reports still have to land, keep an instance resident.
func (r *Registry) prune() {
	kept := r.instances[:0]
	for _, in := range r.instances {
		if !in.retired || in.inFlight() > 0 {
			kept = append(kept, in)
			continue
		}
		delete(r.byID, in.id)
		for _, c := range in.chunks {
			delete(r.byChunk, c.id)
		}
	}
	r.instances = kept
}
