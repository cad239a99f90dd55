// Package testing provides an in-memory db.Database for component tests.
package testing

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/TAR2003/amarvote-orchestrator/orchestrator/db"
)

// FakeDB is a concurrency-safe in-memory db.Database.
type FakeDB struct {
	mu sync.Mutex

	elections map[int64]*db.Election
	ballots   map[int64][]string
	guardians map[string]*db.Guardian // key: election/guardian
	centers   map[int64]*db.ElectionCenter
	nextID    int64

	partials    map[string]*db.Decryption            // key: center/guardian
	compensated map[string]*db.CompensatedDecryption // key: center/comp/missing

	jobs map[string]*db.Job

	tallyLogs      map[int64]*db.TallyWorkerLog
	decryptionLogs map[int64]*db.DecryptionWorkerLog
	combineLogs    map[int64]*db.CombineWorkerLog
	nextLogID      int64
}

var _ db.Database = (*FakeDB)(nil)

// NewFakeDB returns an empty fake database.
func NewFakeDB() *FakeDB {
	return &FakeDB{
		elections:      make(map[int64]*db.Election),
		ballots:        make(map[int64][]string),
		guardians:      make(map[string]*db.Guardian),
		centers:        make(map[int64]*db.ElectionCenter),
		partials:       make(map[string]*db.Decryption),
		compensated:    make(map[string]*db.CompensatedDecryption),
		jobs:           make(map[string]*db.Job),
		tallyLogs:      make(map[int64]*db.TallyWorkerLog),
		decryptionLogs: make(map[int64]*db.DecryptionWorkerLog),
		combineLogs:    make(map[int64]*db.CombineWorkerLog),
	}
}

func guardianKey(electionID int64, guardianID string) string {
	return fmt.Sprintf("%d/%s", electionID, guardianID)
}

// SeedElection installs an election row.
func (f *FakeDB) SeedElection(e *db.Election) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.elections[e.ID] = e
}

// SeedBallots installs ballot ids for an election.
func (f *FakeDB) SeedBallots(electionID int64, ids []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ballots[electionID] = append([]string(nil), ids...)
}

// SeedGuardian installs a guardian row.
func (f *FakeDB) SeedGuardian(g *db.Guardian) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.guardians[guardianKey(g.ElectionID, g.GuardianID)] = g
}

// SeedCenter installs an election center row and returns its id.
func (f *FakeDB) SeedCenter(electionID int64, chunkNumber int, tally []byte) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.centers[f.nextID] = &db.ElectionCenter{
		ID:             f.nextID,
		ElectionID:     electionID,
		ChunkNumber:    chunkNumber,
		EncryptedTally: tally,
	}
	return f.nextID
}

// Election implements db.ElectionStore.
func (f *FakeDB) Election(_ context.Context, electionID int64) (*db.Election, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.elections[electionID]
	if !ok {
		return nil, db.ErrNotFound
	}
	return e, nil
}

// BallotIDs implements db.BallotStore.
func (f *FakeDB) BallotIDs(_ context.Context, electionID int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ballots[electionID]...), nil
}

// Guardian implements db.GuardianStore.
func (f *FakeDB) Guardian(_ context.Context, electionID int64, guardianID string) (*db.Guardian, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.guardians[guardianKey(electionID, guardianID)]
	if !ok {
		return nil, db.ErrNotFound
	}
	return g, nil
}

// GuardiansByElection implements db.GuardianStore.
func (f *FakeDB) GuardiansByElection(_ context.Context, electionID int64) ([]*db.Guardian, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var gs []*db.Guardian
	for _, g := range f.guardians {
		if g.ElectionID == electionID {
			gs = append(gs, g)
		}
	}
	sort.Slice(gs, func(i, j int) bool { return gs[i].SequenceOrder < gs[j].SequenceOrder })
	return gs, nil
}

// SetGuardianDecrypted implements db.GuardianStore.
func (f *FakeDB) SetGuardianDecrypted(_ context.Context, electionID int64, guardianID string, decrypted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.guardians[guardianKey(electionID, guardianID)]
	if !ok {
		return db.ErrNotFound
	}
	g.Decrypted = decrypted
	return nil
}

// ElectionCenter implements db.ElectionCenterStore.
func (f *FakeDB) ElectionCenter(_ context.Context, centerID int64) (*db.ElectionCenter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.centers[centerID]
	if !ok {
		return nil, db.ErrNotFound
	}
	return c, nil
}

// ElectionCentersByElection implements db.ElectionCenterStore.
func (f *FakeDB) ElectionCentersByElection(_ context.Context, electionID int64) ([]*db.ElectionCenter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var cs []*db.ElectionCenter
	for _, c := range f.centers {
		if c.ElectionID == electionID {
			cs = append(cs, c)
		}
	}
	sort.Slice(cs, func(i, j int) bool { return cs[i].ChunkNumber < cs[j].ChunkNumber })
	return cs, nil
}

// SaveEncryptedTally implements db.ElectionCenterStore.
func (f *FakeDB) SaveEncryptedTally(_ context.Context, electionID int64, chunkNumber int, tally []byte) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.centers {
		if c.ElectionID == electionID && c.ChunkNumber == chunkNumber {
			c.EncryptedTally = tally
			return c.ID, nil
		}
	}
	f.nextID++
	f.centers[f.nextID] = &db.ElectionCenter{
		ID:             f.nextID,
		ElectionID:     electionID,
		ChunkNumber:    chunkNumber,
		EncryptedTally: tally,
	}
	return f.nextID, nil
}

// SaveElectionResult implements db.ElectionCenterStore.
func (f *FakeDB) SaveElectionResult(_ context.Context, centerID int64, result []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.centers[centerID]
	if !ok {
		return db.ErrNotFound
	}
	c.ElectionResult = result
	return nil
}

// AllTalliesPresent implements db.ElectionCenterStore.
func (f *FakeDB) AllTalliesPresent(_ context.Context, electionID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allPresent(electionID, func(c *db.ElectionCenter) bool { return c.EncryptedTally != nil }), nil
}

// AllResultsPresent implements db.ElectionCenterStore.
func (f *FakeDB) AllResultsPresent(_ context.Context, electionID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allPresent(electionID, func(c *db.ElectionCenter) bool { return c.ElectionResult != nil }), nil
}

func (f *FakeDB) allPresent(electionID int64, present func(*db.ElectionCenter) bool) bool {
	total := 0
	for _, c := range f.centers {
		if c.ElectionID != electionID {
			continue
		}
		total++
		if !present(c) {
			return false
		}
	}
	return total > 0
}

// SavePartialDecryption implements db.DecryptionStore.
func (f *FakeDB) SavePartialDecryption(_ context.Context, d *db.Decryption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%d/%s", d.ElectionCenterID, d.GuardianID)
	if _, exists := f.partials[key]; exists {
		return nil // idempotent, first write wins
	}
	f.partials[key] = d
	return nil
}

// SaveCompensatedDecryption implements db.DecryptionStore.
func (f *FakeDB) SaveCompensatedDecryption(_ context.Context, d *db.CompensatedDecryption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%d/%s/%s", d.ElectionCenterID, d.CompensatingGuardianID, d.MissingGuardianID)
	if _, exists := f.compensated[key]; exists {
		return nil
	}
	f.compensated[key] = d
	return nil
}

// PartialDecryptionsByCenter implements db.DecryptionStore.
func (f *FakeDB) PartialDecryptionsByCenter(_ context.Context, centerID int64) ([]*db.Decryption, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ds []*db.Decryption
	for _, d := range f.partials {
		if d.ElectionCenterID == centerID {
			ds = append(ds, d)
		}
	}
	sort.Slice(ds, func(i, j int) bool { return ds[i].GuardianID < ds[j].GuardianID })
	return ds, nil
}

// CompensatedDecryptionsByCenter implements db.DecryptionStore.
func (f *FakeDB) CompensatedDecryptionsByCenter(_ context.Context, centerID int64) ([]*db.CompensatedDecryption, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ds []*db.CompensatedDecryption
	for _, d := range f.compensated {
		if d.ElectionCenterID == centerID {
			ds = append(ds, d)
		}
	}
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].CompensatingGuardianID != ds[j].CompensatingGuardianID {
			return ds[i].CompensatingGuardianID < ds[j].CompensatingGuardianID
		}
		return ds[i].MissingGuardianID < ds[j].MissingGuardianID
	})
	return ds, nil
}

// CreateJob implements db.JobStore.
func (f *FakeDB) CreateJob(_ context.Context, job *db.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job.StartedAt.IsZero() {
		job.StartedAt = time.Now().UTC()
	}
	copied := *job
	f.jobs[job.ID] = &copied
	return nil
}

// Job implements db.JobStore.
func (f *FakeDB) Job(_ context.Context, jobID string) (*db.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, db.ErrNotFound
	}
	copied := *j
	return &copied, nil
}

// JobsByElection implements db.JobStore.
func (f *FakeDB) JobsByElection(_ context.Context, electionID int64) ([]*db.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var js []*db.Job
	for _, j := range f.jobs {
		if j.ElectionID == electionID {
			copied := *j
			js = append(js, &copied)
		}
	}
	sort.Slice(js, func(i, j int) bool { return js[i].StartedAt.Before(js[j].StartedAt) })
	return js, nil
}

// MarkJobStatus implements db.JobStore.
func (f *FakeDB) MarkJobStatus(_ context.Context, jobID string, status db.JobStatus, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return db.ErrNotFound
	}
	j.Status = status
	j.ErrorMessage = errorMessage
	if status == db.JobCompleted || status == db.JobFailed {
		j.CompletedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	}
	return nil
}

// IncrementProcessedChunks implements db.JobStore.
func (f *FakeDB) IncrementProcessedChunks(_ context.Context, jobID string) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return 0, 0, db.ErrNotFound
	}
	j.ProcessedChunks++
	if j.Status == db.JobQueued {
		j.Status = db.JobInProgress
	}
	return j.ProcessedChunks, j.TotalChunks, nil
}

// IncrementFailedChunks implements db.JobStore.
func (f *FakeDB) IncrementFailedChunks(_ context.Context, jobID string) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return 0, 0, db.ErrNotFound
	}
	j.FailedChunks++
	if j.Status == db.JobQueued {
		j.Status = db.JobInProgress
	}
	return j.FailedChunks, j.TotalChunks, nil
}

// InsertTallyLog implements db.WorkerLogStore.
func (f *FakeDB) InsertTallyLog(_ context.Context, l *db.TallyWorkerLog) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextLogID++
	copied := *l
	copied.ID = f.nextLogID
	if copied.StartTime.IsZero() {
		copied.StartTime = time.Now().UTC()
	}
	f.tallyLogs[copied.ID] = &copied
	return copied.ID, nil
}

// CompleteTallyLog implements db.WorkerLogStore.
func (f *FakeDB) CompleteTallyLog(_ context.Context, logID, centerID int64, status db.LogStatus, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.tallyLogs[logID]
	if !ok {
		return db.ErrNotFound
	}
	l.ElectionCenterID = centerID
	l.Status = status
	l.ErrorMessage = errorMessage
	l.EndTime = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	return nil
}

// InsertDecryptionLog implements db.WorkerLogStore.
func (f *FakeDB) InsertDecryptionLog(_ context.Context, l *db.DecryptionWorkerLog) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextLogID++
	copied := *l
	copied.ID = f.nextLogID
	if copied.StartTime.IsZero() {
		copied.StartTime = time.Now().UTC()
	}
	f.decryptionLogs[copied.ID] = &copied
	return copied.ID, nil
}

// CompleteDecryptionLog implements db.WorkerLogStore.
func (f *FakeDB) CompleteDecryptionLog(_ context.Context, logID int64, status db.LogStatus, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.decryptionLogs[logID]
	if !ok {
		return db.ErrNotFound
	}
	l.Status = status
	l.ErrorMessage = errorMessage
	l.EndTime = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	return nil
}

// InsertCombineLog implements db.WorkerLogStore.
func (f *FakeDB) InsertCombineLog(_ context.Context, l *db.CombineWorkerLog) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextLogID++
	copied := *l
	copied.ID = f.nextLogID
	if copied.StartTime.IsZero() {
		copied.StartTime = time.Now().UTC()
	}
	f.combineLogs[copied.ID] = &copied
	return copied.ID, nil
}

// CompleteCombineLog implements db.WorkerLogStore.
func (f *FakeDB) CompleteCombineLog(_ context.Context, logID int64, status db.LogStatus, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.combineLogs[logID]
	if !ok {
		return db.ErrNotFound
	}
	l.Status = status
	l.ErrorMessage = errorMessage
	l.EndTime = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	return nil
}

// Close implements db.Database.
func (f *FakeDB) Close() error {
	return nil
}

// TallyLogs returns all tally log rows, ordered by id.
func (f *FakeDB) TallyLogs() []*db.TallyWorkerLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ls []*db.TallyWorkerLog
	for _, l := range f.tallyLogs {
		copied := *l
		ls = append(ls, &copied)
	}
	sort.Slice(ls, func(i, j int) bool { return ls[i].ID < ls[j].ID })
	return ls
}

// DecryptionLogs returns all decryption log rows, ordered by id.
func (f *FakeDB) DecryptionLogs() []*db.DecryptionWorkerLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ls []*db.DecryptionWorkerLog
	for _, l := range f.decryptionLogs {
		copied := *l
		ls = append(ls, &copied)
	}
	sort.Slice(ls, func(i, j int) bool { return ls[i].ID < ls[j].ID })
	return ls
}

// CombineLogs returns all combine log rows, ordered by id.
func (f *FakeDB) CombineLogs() []*db.CombineWorkerLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ls []*db.CombineWorkerLog
	for _, l := range f.combineLogs {
		copied := *l
		ls = append(ls, &copied)
	}
	sort.Slice(ls, func(i, j int) bool { return ls[i].ID < ls[j].ID })
	return ls
}
