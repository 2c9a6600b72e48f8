package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

type snapshotLike struct {
	JobID  string             `json:"job_id"`
	Totals map[string]float64 `json:"totals"`
}

func TestMemoryCacheGetTypedDest(t *testing.T) {
	mc := NewMemoryCache()
	defer mc.Close()
	ctx := context.Background()

	want := snapshotLike{JobID: "job-1", Totals: map[string]float64{"token": 42.5}}
	if err := mc.Set(ctx, "snap", want, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	var got snapshotLike
	if err := mc.Get(ctx, "snap", &got); err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.JobID != want.JobID || got.Totals["token"] != want.Totals["token"] {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestMemoryCacheGetString(t *testing.T) {
	mc := NewMemoryCache()
	defer mc.Close()
	ctx := context.Background()

	if err := mc.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	var s string
	if err := mc.Get(ctx, "k", &s); err != nil {
		t.Fatalf("get: %v", err)
	}
	if s != "v" {
		t.Fatalf("got %q", s)
	}
}

func TestMemoryCacheMiss(t *testing.T) {
	mc := NewMemoryCache()
	defer mc.Close()

	var s string
	if err := mc.Get(context.Background(), "missing", &s); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected ErrCacheMiss, got %v", err)
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	mc := NewMemoryCache()
	defer mc.Close()
	ctx := context.Background()

	if err := mc.Set(ctx, "k", "v", time.Nanosecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	var s string
	if err := mc.Get(ctx, "k", &s); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected ErrCacheMiss after expiry, got %v", err)
	}
}
