package usecase

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"WalletPull/internal/domain/models"
)

func entry(t *testing.T, unit models.UnitKey, positions ...models.Position) *models.ResultEntry {
	t.Helper()
	b, err := json.Marshal(models.ResultPayload{Positions: positions})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &models.ResultEntry{Unit: unit, OK: true, Payload: b}
}

func TestBuildSnapshotDeterministicOrder(t *testing.T) {
	at := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	a := entry(t, models.UnitKey{Provider: "lendingscan", Chain: "ethereum", Account: "0xabc"},
		models.Position{Kind: models.KindLending, Symbol: "aUSDC", Amount: 100, USDValue: 100})
	b := entry(t, models.UnitKey{Provider: "tokenscan", Chain: "ethereum", Account: "0xabc"},
		models.Position{Kind: models.KindToken, Symbol: "ETH", Amount: 2, USDValue: 6000},
		models.Position{Kind: models.KindToken, Symbol: "USDC", Amount: 50, USDValue: 50})

	snap1 := BuildSnapshot("job-1", []*models.ResultEntry{a, b}, at)
	snap2 := BuildSnapshot("job-1", []*models.ResultEntry{b, a}, at)

	if !reflect.DeepEqual(snap1, snap2) {
		t.Fatalf("snapshot depends on result arrival order:\n%+v\n%+v", snap1, snap2)
	}
	if len(snap1.Positions) != 3 {
		t.Fatalf("expected 3 positions, got %d", len(snap1.Positions))
	}
	// Units sorted by provider:chain:account, so lending comes first.
	if snap1.Positions[0].Kind != models.KindLending {
		t.Fatalf("expected lending position first, got %s", snap1.Positions[0].Kind)
	}
	if snap1.TotalsUSD[models.KindToken] != 6050 {
		t.Fatalf("token total = %v, want 6050", snap1.TotalsUSD[models.KindToken])
	}
	if snap1.TotalsUSD[models.KindLending] != 100 {
		t.Fatalf("lending total = %v, want 100", snap1.TotalsUSD[models.KindLending])
	}
}

func TestBuildSnapshotFillsUnitDefaults(t *testing.T) {
	unit := models.UnitKey{Provider: "tokenscan", Chain: "polygon", Account: "0xdef"}
	e := entry(t, unit, models.Position{Kind: models.KindToken, Symbol: "MATIC", Amount: 10, USDValue: 5})

	snap := BuildSnapshot("job-1", []*models.ResultEntry{e}, time.Now())
	p := snap.Positions[0]
	if p.Chain != "polygon" || p.Account != "0xdef" || p.Protocol != "tokenscan" {
		t.Fatalf("unit defaults not applied: %+v", p)
	}
}

func TestBuildSnapshotSkipsFailedUnits(t *testing.T) {
	ok := entry(t, models.UnitKey{Provider: "tokenscan", Chain: "ethereum", Account: "0xabc"},
		models.Position{Kind: models.KindToken, Symbol: "ETH", Amount: 1, USDValue: 3000})
	failed := &models.ResultEntry{
		Unit:  models.UnitKey{Provider: "lendingscan", Chain: "ethereum", Account: "0xabc"},
		OK:    false,
		Error: "provider unavailable",
	}

	snap := BuildSnapshot("job-1", []*models.ResultEntry{ok, failed}, time.Now())
	if len(snap.Positions) != 1 {
		t.Fatalf("failed unit leaked into snapshot: %+v", snap.Positions)
	}
}

func TestConsolidatorHandleCompletesJob(t *testing.T) {
	store := newMemStore()
	c := NewConsolidator(testLogger(), store, nil, nopMetrics{})
	c.now = func() time.Time { return time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC) }

	ctx := context.Background()
	unit := models.UnitKey{Provider: "tokenscan", Chain: "ethereum", Account: "0xabc"}
	job, _, err := store.CreateOrReuse(ctx, []string{"0xabc"}, []string{"ethereum"}, "team")
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, err := store.AddPending(ctx, job.ID, []models.UnitKey{unit}); err != nil {
		t.Fatalf("add pending: %v", err)
	}
	if err := store.MarkRunning(ctx, job.ID); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if _, _, err := store.RecordResult(ctx, job.ID, entry(t, unit,
		models.Position{Kind: models.KindToken, Symbol: "ETH", Amount: 1, USDValue: 3000})); err != nil {
		t.Fatalf("record result: %v", err)
	}
	if won, _ := store.TryTransitionToConsolidating(ctx, job.ID); !won {
		t.Fatalf("expected consolidating transition")
	}

	if err := c.Handle(ctx, models.ConsolidateSignal{JobID: job.ID}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got, _ := store.Get(ctx, job.ID)
	if got.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	snap, err := store.Snapshot(ctx, job.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Positions) != 1 || snap.TotalsUSD[models.KindToken] != 3000 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if id, _ := store.LatestJobID(ctx, "team"); id != job.ID {
		t.Fatalf("latest index not updated: %q", id)
	}
	if _, ok := store.inflight[job.ID]; ok {
		t.Fatalf("job still in the inflight index")
	}
}

func TestConsolidatorPartialFailureStatus(t *testing.T) {
	store := newMemStore()
	c := NewConsolidator(testLogger(), store, nil, nopMetrics{})

	ctx := context.Background()
	ok := models.UnitKey{Provider: "tokenscan", Chain: "ethereum", Account: "0xabc"}
	bad := models.UnitKey{Provider: "lendingscan", Chain: "ethereum", Account: "0xabc"}
	job, _, _ := store.CreateOrReuse(ctx, []string{"0xabc"}, []string{"ethereum"}, "")
	store.AddPending(ctx, job.ID, []models.UnitKey{ok, bad})
	store.MarkRunning(ctx, job.ID)
	store.RecordResult(ctx, job.ID, entry(t, ok, models.Position{Kind: models.KindToken, Symbol: "ETH", Amount: 1, USDValue: 1}))
	store.RecordResult(ctx, job.ID, &models.ResultEntry{Unit: bad, OK: false, Error: "timeout"})
	store.TryTransitionToConsolidating(ctx, job.ID)

	if err := c.Handle(ctx, models.ConsolidateSignal{JobID: job.ID}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got, _ := store.Get(ctx, job.ID)
	if got.Status != models.StatusCompletedWithErrors {
		t.Fatalf("expected completed_with_errors, got %s", got.Status)
	}
}

func TestConsolidatorIdempotentOnDuplicateSignal(t *testing.T) {
	store := newMemStore()
	c := NewConsolidator(testLogger(), store, nil, nopMetrics{})
	c.now = func() time.Time { return time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC) }

	ctx := context.Background()
	unit := models.UnitKey{Provider: "tokenscan", Chain: "ethereum", Account: "0xabc"}
	job, _, _ := store.CreateOrReuse(ctx, []string{"0xabc"}, []string{"ethereum"}, "")
	store.AddPending(ctx, job.ID, []models.UnitKey{unit})
	store.MarkRunning(ctx, job.ID)
	store.RecordResult(ctx, job.ID, entry(t, unit, models.Position{Kind: models.KindToken, Symbol: "ETH", Amount: 1, USDValue: 1}))
	store.TryTransitionToConsolidating(ctx, job.ID)

	if err := c.Handle(ctx, models.ConsolidateSignal{JobID: job.ID}); err != nil {
		t.Fatalf("first signal: %v", err)
	}
	first, _ := store.Snapshot(ctx, job.ID)

	if err := c.Handle(ctx, models.ConsolidateSignal{JobID: job.ID}); err != nil {
		t.Fatalf("duplicate signal: %v", err)
	}
	second, _ := store.Snapshot(ctx, job.ID)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("duplicate signal altered the snapshot")
	}
	got, _ := store.Get(ctx, job.ID)
	if got.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
}

func TestConsolidatorUnknownJobDropped(t *testing.T) {
	c := NewConsolidator(testLogger(), newMemStore(), nil, nopMetrics{})
	if err := c.Handle(context.Background(), models.ConsolidateSignal{JobID: "gone"}); err != nil {
		t.Fatalf("unknown job must be dropped: %v", err)
	}
}
