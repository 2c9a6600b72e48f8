package usecase

import (
	"context"
	"errors"
	"testing"

	"WalletPull/internal/domain/models"
	"WalletPull/pkg/config"
)

func testProviders() []config.Provider {
	return []config.Provider{
		{Name: "tokenscan", Topic: "portfolio.requests.tokenscan", Chains: []string{"ethereum", "polygon"}},
		{Name: "lendingscan", Topic: "portfolio.requests.lendingscan", Chains: []string{"ethereum"}},
	}
}

func newTestDispatcher(store *memStore, bus *fakeBus, q *fakeQueue) *Dispatcher {
	lgr := testLogger()
	registry := NewProviderRegistry(testProviders())
	finisher := NewFinisher(lgr, store, q)
	return NewDispatcher(lgr, store, bus, registry, finisher, nopMetrics{}, 0)
}

func TestStartAggregationRejectsUnsupportedChains(t *testing.T) {
	store := newMemStore()
	d := newTestDispatcher(store, &fakeBus{}, &fakeQueue{})

	_, _, err := d.StartAggregation(context.Background(), []string{"0xAbC"}, []string{"solana"}, "")
	if !errors.Is(err, ErrNoUnits) {
		t.Fatalf("expected ErrNoUnits, got %v", err)
	}
	if len(store.jobs) != 0 {
		t.Fatalf("expected no job created, got %d", len(store.jobs))
	}
}

func TestStartAggregationDispatchesAllUnits(t *testing.T) {
	store := newMemStore()
	bus := &fakeBus{}
	d := newTestDispatcher(store, bus, &fakeQueue{})

	job, reused, err := d.StartAggregation(context.Background(),
		[]string{"0xAbC", "0xDEF"}, []string{"Ethereum", "polygon"}, "team")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reused {
		t.Fatalf("expected a fresh job")
	}

	// tokenscan answers both chains, lendingscan only ethereum: 3 pairs x 2 accounts.
	reqs := bus.published()
	if len(reqs) != 6 {
		t.Fatalf("expected 6 requests published, got %d", len(reqs))
	}
	for _, r := range reqs {
		if r.JobID != job.ID {
			t.Fatalf("request carries wrong job id: %s", r.JobID)
		}
		if r.Account != "0xabc" && r.Account != "0xdef" {
			t.Fatalf("account not normalized: %q", r.Account)
		}
	}

	got, err := store.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Expected != 6 {
		t.Fatalf("expected counter = 6, got %d", got.Expected)
	}
	if got.Status != models.StatusRunning {
		t.Fatalf("expected running, got %s", got.Status)
	}
	if store.pendingCount(job.ID) != 6 {
		t.Fatalf("expected 6 pending entries, got %d", store.pendingCount(job.ID))
	}
}

func TestStartAggregationRunsBeforeFirstPublish(t *testing.T) {
	store := newMemStore()
	bus := &fakeBus{}
	statuses := make(map[models.JobStatus]int)
	bus.onPublish = func(req *models.ProviderRequest) {
		job, err := store.Get(context.Background(), req.JobID)
		if err != nil {
			t.Errorf("get job during publish: %v", err)
			return
		}
		statuses[job.Status]++
	}
	d := newTestDispatcher(store, bus, &fakeQueue{})

	if _, _, err := d.StartAggregation(context.Background(), []string{"0xabc"}, []string{"ethereum"}, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// An instant reply to the very first request must already find the
	// job in running, or its consolidating check could never succeed.
	if statuses[models.StatusRunning] != 2 || len(statuses) != 1 {
		t.Fatalf("every publish must observe a running job, got %v", statuses)
	}
}

func TestStartAggregationReusesInflightJob(t *testing.T) {
	store := newMemStore()
	bus := &fakeBus{}
	d := newTestDispatcher(store, bus, &fakeQueue{})

	first, _, err := d.StartAggregation(context.Background(), []string{"0xabc"}, []string{"ethereum"}, "")
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	before := len(bus.published())

	// Same shape in different case and order must collapse onto the job.
	second, reused, err := d.StartAggregation(context.Background(), []string{" 0xABC "}, []string{"ETHEREUM"}, "")
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if !reused {
		t.Fatalf("expected dedup hit")
	}
	if second.ID != first.ID {
		t.Fatalf("expected job %s, got %s", first.ID, second.ID)
	}
	if len(bus.published()) != before {
		t.Fatalf("reused job must not publish again")
	}
}

func TestStartAggregationAllPublishesFail(t *testing.T) {
	store := newMemStore()
	bus := &fakeBus{failAll: true}
	q := &fakeQueue{}
	d := newTestDispatcher(store, bus, q)

	job, _, err := d.StartAggregation(context.Background(), []string{"0xabc"}, []string{"ethereum"}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := store.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Failed != got.Expected {
		t.Fatalf("every unit should be failed: expected=%d failed=%d", got.Expected, got.Failed)
	}
	// With nothing in flight the job must still reach consolidation.
	if got.Status != models.StatusConsolidating {
		t.Fatalf("expected consolidating, got %s", got.Status)
	}
	if len(q.signals()) != 1 {
		t.Fatalf("expected one consolidate signal, got %d", len(q.signals()))
	}
}
