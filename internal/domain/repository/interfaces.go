package repository

import (
	"context"
	"errors"
	"time"

	"WalletPull/internal/domain/models"
)

var (
	// ErrJobNotFound is returned when a job id has no meta record (never
	// existed or expired past retention).
	ErrJobNotFound = errors.New("job not found")
	// ErrSnapshotNotFound is returned when a snapshot has not been written.
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// JobStore owns the aggregation job lifecycle in the shared state store.
// Every mutation is a single atomic store operation; concurrent workers
// coordinate only through these calls.
type JobStore interface {
	// CreateOrReuse atomically claims the dedup key for the normalized
	// request shape. On a hit the existing in-flight job is returned with
	// reused=true and nothing is created.
	CreateOrReuse(ctx context.Context, accounts, chains []string, walletGroup string) (job *models.AggregationJob, reused bool, err error)

	Get(ctx context.Context, jobID string) (*models.AggregationJob, error)

	// AddPending union-adds units to the job. Units already seen (pending,
	// done or failed) are ignored; expected grows only by the number of
	// genuinely new units, which is returned.
	AddPending(ctx context.Context, jobID string, units []models.UnitKey) (added int64, err error)

	// MarkRunning transitions pending -> running. No-op in any other state.
	MarkRunning(ctx context.Context, jobID string) error

	// RecordResult removes the unit's pending entry, writes the result
	// blob and bumps succeeded/failed. Duplicate results and results for
	// terminal jobs are dropped (recorded=false). pending is the number
	// of entries left; duplicates report the live count too, so a
	// redelivered final result can still drive the finish step. Terminal
	// drops report pending=-1.
	RecordResult(ctx context.Context, jobID string, res *models.ResultEntry) (recorded bool, pending int64, err error)

	// TryTransitionToConsolidating succeeds for exactly one caller: only
	// when status is running and the pending set is empty.
	TryTransitionToConsolidating(ctx context.Context, jobID string) (bool, error)

	// FinalizeStatus transitions consolidating -> status. No-op when the
	// job is already terminal (e.g. forced by the timeout monitor).
	FinalizeStatus(ctx context.Context, jobID string, status models.JobStatus) (bool, error)

	// ForceTerminal CAS-transitions a non-terminal job to the given
	// terminal status, clearing the pending set and accounting the
	// remainder as timed out.
	ForceTerminal(ctx context.Context, jobID string, status models.JobStatus) (bool, error)

	// ExpireOverdue is the timeout monitor's escape hatch: it forces a
	// non-terminal job terminal, choosing completed_with_errors when any
	// result landed and timed_out otherwise. The choice is made inside
	// the same atomic step that reads the counters, so a result recorded
	// moments before the deadline sweep still counts. forced=false means
	// the job was already terminal.
	ExpireOverdue(ctx context.Context, jobID string) (status models.JobStatus, forced bool, err error)

	// Cancel transitions a non-terminal job to cancelled.
	Cancel(ctx context.Context, jobID string) (bool, error)

	Results(ctx context.Context, jobID string) ([]*models.ResultEntry, error)

	// WriteSnapshot writes the consolidated snapshot at most once.
	WriteSnapshot(ctx context.Context, jobID string, snap *models.WalletSnapshot) (wrote bool, err error)
	Snapshot(ctx context.Context, jobID string) (*models.WalletSnapshot, error)

	// SetLatest points the wallet-group index at this job's snapshot.
	SetLatest(ctx context.Context, walletGroup, jobID string) error
	LatestJobID(ctx context.Context, walletGroup string) (string, error)

	// ExpiredInflight lists in-flight job ids created before the cutoff.
	ExpiredInflight(ctx context.Context, cutoff time.Time) ([]string, error)
	// RemoveInflight drops a job from the in-flight index once terminal.
	RemoveInflight(ctx context.Context, jobID string) error
}

// RequestBus publishes provider request messages to the message bus,
// routed to the provider's own topic.
type RequestBus interface {
	PublishRequest(ctx context.Context, req *models.ProviderRequest) error
	Close() error
}

// Archive persists consolidated positions for historical queries.
type Archive interface {
	ArchiveSnapshot(ctx context.Context, snap *models.WalletSnapshot) error
	Close() error
}

// Metrics records engine health counters and latencies.
type Metrics interface {
	RecordJobStarted(reused bool)
	RecordJobFinished(status string)
	RecordUnitResult(provider, chain, outcome string)
	RecordExpansion(provider, chain string)
	RecordError(kind string)
	RecordLatency(op string, seconds float64)
}
