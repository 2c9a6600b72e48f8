package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"WalletPull/internal/domain/models"
	domrepo "WalletPull/internal/domain/repository"
	"WalletPull/pkg/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisJobStore implements JobStore on Redis. All cross-worker mutations
// go through single commands or Lua scripts so that concurrent result
// aggregators, expanders and the timeout monitor never race each other.
type RedisJobStore struct {
	client       *redis.Client
	logger       *logger.Logger
	prefix       string
	dedupTTL     time.Duration
	retentionTTL time.Duration
}

// JobStoreOption configures RedisJobStore.
type JobStoreOption func(*RedisJobStore)

// WithJobKeyPrefix sets a custom key prefix.
func WithJobKeyPrefix(prefix string) JobStoreOption {
	return func(s *RedisJobStore) { s.prefix = prefix }
}

// WithDedupTTL sets how long identical requests collapse onto one job.
func WithDedupTTL(ttl time.Duration) JobStoreOption {
	return func(s *RedisJobStore) {
		if ttl > 0 {
			s.dedupTTL = ttl
		}
	}
}

// WithRetentionTTL sets how long finished job state survives.
func WithRetentionTTL(ttl time.Duration) JobStoreOption {
	return func(s *RedisJobStore) {
		if ttl > 0 {
			s.retentionTTL = ttl
		}
	}
}

// NewRedisJobStore creates a job store over an existing Redis client.
func NewRedisJobStore(lgr *logger.Logger, client *redis.Client, opts ...JobStoreOption) *RedisJobStore {
	s := &RedisJobStore{
		client:       client,
		logger:       lgr,
		prefix:       "walletpull",
		dedupTTL:     30 * time.Second,
		retentionTTL: 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// addPendingScript union-adds units into the all-units set; only genuinely
// new units enter the pending set and bump expected. Re-adding a unit that
// already produced a result is therefore a no-op.
// KEYS: units set, pending set, meta hash. ARGV: unit keys.
var addPendingScript = redis.NewScript(`
local new = {}
for i = 1, #ARGV do
  if redis.call('SADD', KEYS[1], ARGV[i]) == 1 then
    new[#new + 1] = ARGV[i]
  end
end
if #new > 0 then
  redis.call('SADD', KEYS[2], unpack(new))
  redis.call('HINCRBY', KEYS[3], 'expected', #new)
end
return #new
`)

// recordResultScript removes the pending entry and writes the result in
// one atomic step. Returns {code, pending}: code 0 recorded, -1 job
// terminal (late result, dropped), -2 unit not pending (duplicate).
// Duplicates still report the live pending count so a redelivered final
// result can retry the finish step its first delivery may have died
// before reaching.
// KEYS: meta hash, pending set, results set, result blob key.
// ARGV: unit key, blob, counter field, blob TTL seconds.
var recordResultScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status == 'completed' or status == 'completed_with_errors'
   or status == 'timed_out' or status == 'cancelled' then
  return {-1, -1}
end
if redis.call('SREM', KEYS[2], ARGV[1]) == 0 then
  return {-2, redis.call('SCARD', KEYS[2])}
end
redis.call('SADD', KEYS[3], ARGV[1])
redis.call('SET', KEYS[4], ARGV[2], 'EX', tonumber(ARGV[4]))
redis.call('HINCRBY', KEYS[1], ARGV[3], 1)
return {0, redis.call('SCARD', KEYS[2])}
`)

// consolidatingScript guards at-most-one consolidation per job.
// KEYS: meta hash, pending set.
var consolidatingScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'running' then
  return 0
end
if redis.call('SCARD', KEYS[2]) > 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'status', 'consolidating')
return 1
`)

// finalizeScript flips consolidating to the given terminal status. A job
// already forced terminal by the monitor is left untouched.
// KEYS: meta hash. ARGV: terminal status.
var finalizeScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'consolidating' then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1])
return 1
`)

// forceTerminalScript forces a non-terminal job into the given terminal
// status (cancellation): anything still in flight counts as timed out
// and the pending set is cleared so no future zero-check can fire.
// KEYS: meta hash, pending set. ARGV: terminal status.
var forceTerminalScript = redis.NewScript(`
local s = redis.call('HGET', KEYS[1], 'status')
if s ~= 'pending' and s ~= 'running' and s ~= 'consolidating' then
  return 0
end
local expected = tonumber(redis.call('HGET', KEYS[1], 'expected') or '0')
local succeeded = tonumber(redis.call('HGET', KEYS[1], 'succeeded') or '0')
local failed = tonumber(redis.call('HGET', KEYS[1], 'failed') or '0')
local remaining = expected - succeeded - failed
if remaining < 0 then
  remaining = 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'timed_out', remaining)
redis.call('DEL', KEYS[2])
return 1
`)

// expireOverdueScript is the timeout monitor's CAS. The terminal status
// is chosen here, under the same atomic step that reads the counters: a
// result that lands after the monitor read the job but before it forced
// it must still count toward completed_with_errors. Units never heard
// from count as timed out and the pending set is cleared so no future
// zero-check can fire. Returns the chosen status, or an empty string if
// the job was already terminal.
// KEYS: meta hash, pending set.
var expireOverdueScript = redis.NewScript(`
local s = redis.call('HGET', KEYS[1], 'status')
if s ~= 'pending' and s ~= 'running' and s ~= 'consolidating' then
  return ''
end
local expected = tonumber(redis.call('HGET', KEYS[1], 'expected') or '0')
local succeeded = tonumber(redis.call('HGET', KEYS[1], 'succeeded') or '0')
local failed = tonumber(redis.call('HGET', KEYS[1], 'failed') or '0')
local remaining = expected - succeeded - failed
if remaining < 0 then
  remaining = 0
end
local target = 'timed_out'
if succeeded + failed > 0 then
  target = 'completed_with_errors'
end
redis.call('HSET', KEYS[1], 'status', target, 'timed_out', remaining)
redis.call('DEL', KEYS[2])
return target
`)

func (s *RedisJobStore) CreateOrReuse(ctx context.Context, accounts, chains []string, walletGroup string) (*models.AggregationJob, bool, error) {
	accounts = models.NormalizeAccounts(accounts)
	chains = models.NormalizeChains(chains)
	activeKey := s.key("active:" + models.DedupKey(accounts, chains))

	jobID := uuid.NewString()
	now := time.Now()
	job := &models.AggregationJob{
		ID:          jobID,
		Accounts:    accounts,
		Chains:      chains,
		WalletGroup: walletGroup,
		Status:      models.StatusPending,
		CreatedAt:   now,
	}

	// Write the meta hash before claiming the dedup pointer. The pointer
	// must never name a job that cannot be read back, otherwise a
	// concurrent identical request would mistake a freshly created job
	// for an evicted one and spawn a second job for the same request.
	// If we lose the claim below, the orphaned meta expires on its TTL.
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.metaKey(jobID), map[string]interface{}{
		"accounts":     strings.Join(accounts, ","),
		"chains":       strings.Join(chains, ","),
		"wallet_group": walletGroup,
		"status":       string(models.StatusPending),
		"expected":     0,
		"succeeded":    0,
		"failed":       0,
		"timed_out":    0,
		"created_at":   now.Unix(),
	})
	pipe.Expire(ctx, s.metaKey(jobID), s.retentionTTL)
	pipe.ZAdd(ctx, s.inflightKey(), redis.Z{Score: float64(now.Unix()), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, false, fmt.Errorf("create job meta: %w", err)
	}

	set, err := s.client.SetNX(ctx, activeKey, jobID, s.dedupTTL).Result()
	if err != nil {
		s.discard(ctx, jobID)
		return nil, false, fmt.Errorf("dedup setnx: %w", err)
	}
	if set {
		return job, false, nil
	}

	existingID, err := s.client.Get(ctx, activeKey).Result()
	if err == nil && existingID != "" && existingID != jobID {
		if existing, gerr := s.Get(ctx, existingID); gerr == nil {
			s.discard(ctx, jobID)
			return existing, true, nil
		}
	}
	// Dedup entry points at an evicted job or expired between SETNX and
	// GET; claim it for the new job.
	if err := s.client.Set(ctx, activeKey, jobID, s.dedupTTL).Err(); err != nil {
		s.discard(ctx, jobID)
		return nil, false, fmt.Errorf("dedup takeover: %w", err)
	}
	return job, false, nil
}

// discard drops the meta of a job that lost the dedup claim.
func (s *RedisJobStore) discard(ctx context.Context, jobID string) {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.metaKey(jobID))
	pipe.ZRem(ctx, s.inflightKey(), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("discarding losing job meta failed", logger.String("job_id", jobID), logger.Error(err))
	}
}

func (s *RedisJobStore) Get(ctx context.Context, jobID string) (*models.AggregationJob, error) {
	m, err := s.client.HGetAll(ctx, s.metaKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall meta: %w", err)
	}
	if len(m) == 0 {
		return nil, domrepo.ErrJobNotFound
	}

	job := &models.AggregationJob{
		ID:          jobID,
		WalletGroup: m["wallet_group"],
		Status:      models.JobStatus(m["status"]),
		Expected:    parseInt64(m["expected"]),
		Succeeded:   parseInt64(m["succeeded"]),
		Failed:      parseInt64(m["failed"]),
		TimedOut:    parseInt64(m["timed_out"]),
		CreatedAt:   time.Unix(parseInt64(m["created_at"]), 0),
	}
	if m["accounts"] != "" {
		job.Accounts = strings.Split(m["accounts"], ",")
	}
	if m["chains"] != "" {
		job.Chains = strings.Split(m["chains"], ",")
	}
	return job, nil
}

func (s *RedisJobStore) AddPending(ctx context.Context, jobID string, units []models.UnitKey) (int64, error) {
	if len(units) == 0 {
		return 0, nil
	}
	argv := make([]interface{}, 0, len(units))
	for _, u := range units {
		argv = append(argv, u.String())
	}
	added, err := addPendingScript.Run(ctx, s.client,
		[]string{s.unitsKey(jobID), s.pendingKey(jobID), s.metaKey(jobID)},
		argv...,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("add pending: %w", err)
	}
	return added, nil
}

func (s *RedisJobStore) MarkRunning(ctx context.Context, jobID string) error {
	err := s.client.Eval(ctx, `
if redis.call('HGET', KEYS[1], 'status') == 'pending' then
  redis.call('HSET', KEYS[1], 'status', 'running')
end
return 1
`, []string{s.metaKey(jobID)}).Err()
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	return nil
}

func (s *RedisJobStore) RecordResult(ctx context.Context, jobID string, res *models.ResultEntry) (bool, int64, error) {
	blob, err := json.Marshal(res)
	if err != nil {
		return false, 0, fmt.Errorf("marshal result: %w", err)
	}
	field := "failed"
	if res.OK {
		field = "succeeded"
	}

	raw, err := recordResultScript.Run(ctx, s.client,
		[]string{s.metaKey(jobID), s.pendingKey(jobID), s.resultsKey(jobID), s.resultKey(jobID, res.Unit)},
		res.Unit.String(), string(blob), field, int64(s.retentionTTL.Seconds()),
	).Result()
	if err != nil {
		return false, 0, fmt.Errorf("record result: %w", err)
	}
	code, pending, err := parseScriptPair(raw)
	if err != nil {
		return false, 0, fmt.Errorf("record result: %w", err)
	}

	switch code {
	case -1:
		s.logger.Debug("late result dropped, job terminal",
			logger.String("job_id", jobID), logger.String("unit", res.Unit.String()))
		return false, -1, nil
	case -2:
		// Duplicate delivery; the first result already landed but the
		// caller still learns how many units remain.
		return false, pending, nil
	default:
		return true, pending, nil
	}
}

func parseScriptPair(raw interface{}) (int64, int64, error) {
	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, 0, fmt.Errorf("unexpected script reply %v", raw)
	}
	code, ok := vals[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected script reply %v", raw)
	}
	count, ok := vals[1].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected script reply %v", raw)
	}
	return code, count, nil
}

func (s *RedisJobStore) TryTransitionToConsolidating(ctx context.Context, jobID string) (bool, error) {
	n, err := consolidatingScript.Run(ctx, s.client,
		[]string{s.metaKey(jobID), s.pendingKey(jobID)},
	).Int64()
	if err != nil {
		return false, fmt.Errorf("transition consolidating: %w", err)
	}
	return n == 1, nil
}

func (s *RedisJobStore) FinalizeStatus(ctx context.Context, jobID string, status models.JobStatus) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("finalize to non-terminal status %q", status)
	}
	n, err := finalizeScript.Run(ctx, s.client, []string{s.metaKey(jobID)}, string(status)).Int64()
	if err != nil {
		return false, fmt.Errorf("finalize status: %w", err)
	}
	return n == 1, nil
}

func (s *RedisJobStore) ForceTerminal(ctx context.Context, jobID string, status models.JobStatus) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("force to non-terminal status %q", status)
	}
	n, err := forceTerminalScript.Run(ctx, s.client,
		[]string{s.metaKey(jobID), s.pendingKey(jobID)}, string(status),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("force terminal: %w", err)
	}
	return n == 1, nil
}

func (s *RedisJobStore) ExpireOverdue(ctx context.Context, jobID string) (models.JobStatus, bool, error) {
	res, err := expireOverdueScript.Run(ctx, s.client,
		[]string{s.metaKey(jobID), s.pendingKey(jobID)},
	).Text()
	if err != nil {
		return "", false, fmt.Errorf("expire overdue: %w", err)
	}
	if res == "" {
		return "", false, nil
	}
	return models.JobStatus(res), true, nil
}

func (s *RedisJobStore) Cancel(ctx context.Context, jobID string) (bool, error) {
	return s.ForceTerminal(ctx, jobID, models.StatusCancelled)
}

func (s *RedisJobStore) Results(ctx context.Context, jobID string) ([]*models.ResultEntry, error) {
	unitKeys, err := s.client.SMembers(ctx, s.resultsKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers results: %w", err)
	}
	if len(unitKeys) == 0 {
		return nil, nil
	}

	blobKeys := make([]string, 0, len(unitKeys))
	for _, uk := range unitKeys {
		unit, err := models.ParseUnitKey(uk)
		if err != nil {
			s.logger.Warn("skipping malformed unit key in results set",
				logger.String("job_id", jobID), logger.String("unit", uk))
			continue
		}
		blobKeys = append(blobKeys, s.resultKey(jobID, unit))
	}

	blobs, err := s.client.MGet(ctx, blobKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget results: %w", err)
	}

	entries := make([]*models.ResultEntry, 0, len(blobs))
	for _, b := range blobs {
		str, ok := b.(string)
		if !ok {
			continue // blob expired ahead of the results set
		}
		var e models.ResultEntry
		if err := json.Unmarshal([]byte(str), &e); err != nil {
			s.logger.Warn("skipping undecodable result blob", logger.String("job_id", jobID), logger.Error(err))
			continue
		}
		entries = append(entries, &e)
	}
	return entries, nil
}

func (s *RedisJobStore) WriteSnapshot(ctx context.Context, jobID string, snap *models.WalletSnapshot) (bool, error) {
	blob, err := json.Marshal(snap)
	if err != nil {
		return false, fmt.Errorf("marshal snapshot: %w", err)
	}
	wrote, err := s.client.SetNX(ctx, s.snapshotKey(jobID), blob, s.retentionTTL).Result()
	if err != nil {
		return false, fmt.Errorf("setnx snapshot: %w", err)
	}
	return wrote, nil
}

func (s *RedisJobStore) Snapshot(ctx context.Context, jobID string) (*models.WalletSnapshot, error) {
	data, err := s.client.Get(ctx, s.snapshotKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domrepo.ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	var snap models.WalletSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

func (s *RedisJobStore) SetLatest(ctx context.Context, walletGroup, jobID string) error {
	if walletGroup == "" {
		return nil
	}
	if err := s.client.Set(ctx, s.latestKey(walletGroup), jobID, s.retentionTTL).Err(); err != nil {
		return fmt.Errorf("set latest: %w", err)
	}
	return nil
}

func (s *RedisJobStore) LatestJobID(ctx context.Context, walletGroup string) (string, error) {
	id, err := s.client.Get(ctx, s.latestKey(walletGroup)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", domrepo.ErrJobNotFound
		}
		return "", fmt.Errorf("get latest: %w", err)
	}
	return id, nil
}

func (s *RedisJobStore) ExpiredInflight(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.inflightKey(), &redis.ZRangeBy{
		Min: "0",
		Max: strconv.FormatInt(cutoff.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore inflight: %w", err)
	}
	return ids, nil
}

func (s *RedisJobStore) RemoveInflight(ctx context.Context, jobID string) error {
	if err := s.client.ZRem(ctx, s.inflightKey(), jobID).Err(); err != nil {
		return fmt.Errorf("zrem inflight: %w", err)
	}
	return nil
}

func (s *RedisJobStore) key(suffix string) string {
	return fmt.Sprintf("%s:%s", s.prefix, suffix)
}

func (s *RedisJobStore) metaKey(jobID string) string {
	return s.key("job:" + jobID + ":meta")
}

func (s *RedisJobStore) pendingKey(jobID string) string {
	return s.key("job:" + jobID + ":pending")
}

func (s *RedisJobStore) unitsKey(jobID string) string {
	return s.key("job:" + jobID + ":units")
}

func (s *RedisJobStore) resultsKey(jobID string) string {
	return s.key("job:" + jobID + ":results")
}

func (s *RedisJobStore) resultKey(jobID string, unit models.UnitKey) string {
	return s.key("job:" + jobID + ":result:" + unit.String())
}

func (s *RedisJobStore) snapshotKey(jobID string) string {
	return s.key("job:" + jobID + ":snapshot")
}

func (s *RedisJobStore) latestKey(walletGroup string) string {
	return s.key("wallet:" + walletGroup + ":latest")
}

func (s *RedisJobStore) inflightKey() string {
	return s.key("jobs:inflight")
}

func parseInt64(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

var _ domrepo.JobStore = (*RedisJobStore)(nil)
