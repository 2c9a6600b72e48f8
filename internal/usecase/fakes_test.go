package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"WalletPull/internal/domain/models"
	domrepo "WalletPull/internal/domain/repository"
	"WalletPull/pkg/logger"
)

func testLogger() *logger.Logger {
	l, err := logger.New(&logger.Config{Level: "error", Format: "json", Output: "stderr"})
	if err != nil {
		panic(err)
	}
	return l
}

// memStore mirrors the Redis job store's semantics in memory.
type memStore struct {
	mu       sync.Mutex
	seq      int
	jobs     map[string]*models.AggregationJob
	units    map[string]map[string]bool // ever-added
	pending  map[string]map[string]bool
	results  map[string][]*models.ResultEntry
	snaps    map[string]*models.WalletSnapshot
	latest   map[string]string
	inflight map[string]time.Time
	active   map[string]string // dedup key -> job id

	addPendingErr error
}

func newMemStore() *memStore {
	return &memStore{
		jobs:     make(map[string]*models.AggregationJob),
		units:    make(map[string]map[string]bool),
		pending:  make(map[string]map[string]bool),
		results:  make(map[string][]*models.ResultEntry),
		snaps:    make(map[string]*models.WalletSnapshot),
		latest:   make(map[string]string),
		inflight: make(map[string]time.Time),
		active:   make(map[string]string),
	}
}

func (s *memStore) CreateOrReuse(_ context.Context, accounts, chains []string, walletGroup string) (*models.AggregationJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	accounts = models.NormalizeAccounts(accounts)
	chains = models.NormalizeChains(chains)
	dk := models.DedupKey(accounts, chains)
	if id, ok := s.active[dk]; ok {
		if job, ok := s.jobs[id]; ok && !job.Status.IsTerminal() {
			return job, true, nil
		}
	}

	s.seq++
	id := fmt.Sprintf("job-%d", s.seq)
	job := &models.AggregationJob{
		ID:          id,
		Accounts:    accounts,
		Chains:      chains,
		WalletGroup: walletGroup,
		Status:      models.StatusPending,
		CreatedAt:   time.Now(),
	}
	s.jobs[id] = job
	s.units[id] = make(map[string]bool)
	s.pending[id] = make(map[string]bool)
	s.active[dk] = id
	s.inflight[id] = job.CreatedAt
	return job, false, nil
}

func (s *memStore) Get(_ context.Context, jobID string) (*models.AggregationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domrepo.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *memStore) AddPending(_ context.Context, jobID string, units []models.UnitKey) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addPendingErr != nil {
		return 0, s.addPendingErr
	}
	job, ok := s.jobs[jobID]
	if !ok {
		return 0, domrepo.ErrJobNotFound
	}
	var added int64
	for _, u := range units {
		k := u.String()
		if s.units[jobID][k] {
			continue
		}
		s.units[jobID][k] = true
		s.pending[jobID][k] = true
		added++
	}
	job.Expected += added
	return added, nil
}

func (s *memStore) MarkRunning(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[jobID]; ok && job.Status == models.StatusPending {
		job.Status = models.StatusRunning
	}
	return nil
}

func (s *memStore) RecordResult(_ context.Context, jobID string, res *models.ResultEntry) (bool, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, 0, domrepo.ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return false, -1, nil
	}
	k := res.Unit.String()
	if !s.pending[jobID][k] {
		return false, int64(len(s.pending[jobID])), nil
	}
	delete(s.pending[jobID], k)
	s.results[jobID] = append(s.results[jobID], res)
	if res.OK {
		job.Succeeded++
	} else {
		job.Failed++
	}
	return true, int64(len(s.pending[jobID])), nil
}

func (s *memStore) TryTransitionToConsolidating(_ context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status != models.StatusRunning || len(s.pending[jobID]) > 0 {
		return false, nil
	}
	job.Status = models.StatusConsolidating
	return true, nil
}

func (s *memStore) FinalizeStatus(_ context.Context, jobID string, status models.JobStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status != models.StatusConsolidating {
		return false, nil
	}
	job.Status = status
	return true, nil
}

func (s *memStore) ForceTerminal(_ context.Context, jobID string, status models.JobStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status.IsTerminal() {
		return false, nil
	}
	remaining := job.Expected - job.Succeeded - job.Failed
	if remaining < 0 {
		remaining = 0
	}
	job.Status = status
	job.TimedOut = remaining
	s.pending[jobID] = make(map[string]bool)
	return true, nil
}

func (s *memStore) ExpireOverdue(_ context.Context, jobID string) (models.JobStatus, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status.IsTerminal() {
		return "", false, nil
	}
	remaining := job.Expected - job.Succeeded - job.Failed
	if remaining < 0 {
		remaining = 0
	}
	status := models.StatusTimedOut
	if job.Succeeded+job.Failed > 0 {
		status = models.StatusCompletedWithErrors
	}
	job.Status = status
	job.TimedOut = remaining
	s.pending[jobID] = make(map[string]bool)
	return status, true, nil
}

func (s *memStore) Cancel(ctx context.Context, jobID string) (bool, error) {
	return s.ForceTerminal(ctx, jobID, models.StatusCancelled)
}

func (s *memStore) Results(_ context.Context, jobID string) ([]*models.ResultEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.ResultEntry(nil), s.results[jobID]...), nil
}

func (s *memStore) WriteSnapshot(_ context.Context, jobID string, snap *models.WalletSnapshot) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snaps[jobID]; ok {
		return false, nil
	}
	s.snaps[jobID] = snap
	return true, nil
}

func (s *memStore) Snapshot(_ context.Context, jobID string) (*models.WalletSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[jobID]
	if !ok {
		return nil, domrepo.ErrSnapshotNotFound
	}
	return snap, nil
}

func (s *memStore) SetLatest(_ context.Context, walletGroup, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest[walletGroup] = jobID
	return nil
}

func (s *memStore) LatestJobID(_ context.Context, walletGroup string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.latest[walletGroup]
	if !ok {
		return "", domrepo.ErrJobNotFound
	}
	return id, nil
}

func (s *memStore) ExpiredInflight(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, at := range s.inflight {
		if !at.After(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *memStore) RemoveInflight(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, jobID)
	return nil
}

func (s *memStore) pendingCount(jobID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending[jobID])
}

func (s *memStore) backdate(jobID string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight[jobID] = time.Now().Add(-d)
}

var _ domrepo.JobStore = (*memStore)(nil)

// fakeBus captures published requests.
type fakeBus struct {
	mu        sync.Mutex
	requests  []*models.ProviderRequest
	failAll   bool
	onPublish func(req *models.ProviderRequest)
}

func (b *fakeBus) PublishRequest(_ context.Context, req *models.ProviderRequest) error {
	b.mu.Lock()
	hook := b.onPublish
	if b.failAll {
		b.mu.Unlock()
		return fmt.Errorf("broker unavailable")
	}
	b.requests = append(b.requests, req)
	b.mu.Unlock()
	if hook != nil {
		hook(req)
	}
	return nil
}

func (b *fakeBus) Close() error { return nil }

func (b *fakeBus) published() []*models.ProviderRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*models.ProviderRequest(nil), b.requests...)
}

// fakeQueue captures consolidation signals.
type fakeQueue struct {
	mu       sync.Mutex
	messages []interface{}
}

func (q *fakeQueue) PublishMessage(_ context.Context, _ string, payload interface{}) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, payload)
	return nil
}

func (q *fakeQueue) signals() []models.ConsolidateSignal {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.ConsolidateSignal, 0, len(q.messages))
	for _, m := range q.messages {
		if sig, ok := m.(models.ConsolidateSignal); ok {
			out = append(out, sig)
		}
	}
	return out
}

// nopMetrics satisfies the metrics interface.
type nopMetrics struct{}

func (nopMetrics) RecordJobStarted(bool)             {}
func (nopMetrics) RecordJobFinished(string)          {}
func (nopMetrics) RecordUnitResult(_, _, _ string)   {}
func (nopMetrics) RecordExpansion(_, _ string)       {}
func (nopMetrics) RecordError(string)                {}
func (nopMetrics) RecordLatency(_ string, _ float64) {}
