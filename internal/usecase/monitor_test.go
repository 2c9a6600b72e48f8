package usecase

import (
	"context"
	"testing"
	"time"

	"WalletPull/internal/domain/models"
)

func newTestMonitor(store *memStore, q *fakeQueue) *TimeoutMonitor {
	return NewTimeoutMonitor(testLogger(), store, q, nopMetrics{}, time.Minute, time.Second)
}

func TestSweepForcesTimedOut(t *testing.T) {
	store := newMemStore()
	q := &fakeQueue{}
	m := newTestMonitor(store, q)

	ctx := context.Background()
	unit := models.UnitKey{Provider: "tokenscan", Chain: "ethereum", Account: "0xabc"}
	job, _, _ := store.CreateOrReuse(ctx, []string{"0xabc"}, []string{"ethereum"}, "")
	store.AddPending(ctx, job.ID, []models.UnitKey{unit})
	store.MarkRunning(ctx, job.ID)
	store.backdate(job.ID, 2*time.Minute)

	m.Sweep(ctx)

	got, _ := store.Get(ctx, job.ID)
	if got.Status != models.StatusTimedOut {
		t.Fatalf("expected timed_out, got %s", got.Status)
	}
	if got.TimedOut != 1 {
		t.Fatalf("expected 1 timed-out unit, got %d", got.TimedOut)
	}
	if store.pendingCount(job.ID) != 0 {
		t.Fatalf("pending set must be cleared")
	}
	sigs := q.signals()
	if len(sigs) != 1 || sigs[0].JobID != job.ID {
		t.Fatalf("expected consolidate signal for forced job, got %+v", sigs)
	}
}

func TestSweepPartialResultsCompleteWithErrors(t *testing.T) {
	store := newMemStore()
	q := &fakeQueue{}
	m := newTestMonitor(store, q)

	ctx := context.Background()
	done := models.UnitKey{Provider: "tokenscan", Chain: "ethereum", Account: "0xabc"}
	stuck := models.UnitKey{Provider: "lendingscan", Chain: "ethereum", Account: "0xabc"}
	job, _, _ := store.CreateOrReuse(ctx, []string{"0xabc"}, []string{"ethereum"}, "")
	store.AddPending(ctx, job.ID, []models.UnitKey{done, stuck})
	store.MarkRunning(ctx, job.ID)
	store.RecordResult(ctx, job.ID, &models.ResultEntry{Unit: done, OK: true, Payload: []byte(`{"positions":[]}`)})
	store.backdate(job.ID, 2*time.Minute)

	m.Sweep(ctx)

	got, _ := store.Get(ctx, job.ID)
	if got.Status != models.StatusCompletedWithErrors {
		t.Fatalf("job with partial results should complete with errors, got %s", got.Status)
	}
	if got.TimedOut != 1 {
		t.Fatalf("expected 1 timed-out unit, got %d", got.TimedOut)
	}
}

func TestSweepLeavesFreshJobsAlone(t *testing.T) {
	store := newMemStore()
	q := &fakeQueue{}
	m := newTestMonitor(store, q)

	ctx := context.Background()
	unit := models.UnitKey{Provider: "tokenscan", Chain: "ethereum", Account: "0xabc"}
	job, _, _ := store.CreateOrReuse(ctx, []string{"0xabc"}, []string{"ethereum"}, "")
	store.AddPending(ctx, job.ID, []models.UnitKey{unit})
	store.MarkRunning(ctx, job.ID)

	m.Sweep(ctx)

	got, _ := store.Get(ctx, job.ID)
	if got.Status != models.StatusRunning {
		t.Fatalf("fresh job must not be touched, got %s", got.Status)
	}
	if len(q.signals()) != 0 {
		t.Fatalf("no consolidation expected for fresh job")
	}
}

func TestSweepCleansLingeringTerminalJobs(t *testing.T) {
	store := newMemStore()
	q := &fakeQueue{}
	m := newTestMonitor(store, q)

	ctx := context.Background()
	job, _, _ := store.CreateOrReuse(ctx, []string{"0xabc"}, []string{"ethereum"}, "")
	store.MarkRunning(ctx, job.ID)
	store.ForceTerminal(ctx, job.ID, models.StatusCancelled)
	store.backdate(job.ID, 2*time.Minute)

	m.Sweep(ctx)

	if _, ok := store.inflight[job.ID]; ok {
		t.Fatalf("terminal job should be dropped from the inflight index")
	}
	if len(q.signals()) != 0 {
		t.Fatalf("terminal job must not be consolidated again")
	}
	got, _ := store.Get(ctx, job.ID)
	if got.Status != models.StatusCancelled {
		t.Fatalf("status must be untouched, got %s", got.Status)
	}
}
