package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// JobStatus is the lifecycle state of an aggregation job.
type JobStatus string

const (
	StatusPending             JobStatus = "pending"
	StatusRunning             JobStatus = "running"
	StatusConsolidating       JobStatus = "consolidating"
	StatusCompleted           JobStatus = "completed"
	StatusCompletedWithErrors JobStatus = "completed_with_errors"
	StatusTimedOut            JobStatus = "timed_out"
	StatusCancelled           JobStatus = "cancelled"
)

// IsTerminal reports whether no further mutation of the job is expected.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithErrors, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// AggregationJob tracks one scatter/gather run over a wallet's accounts.
// Counters live in Redis; this struct is a read snapshot of the meta hash.
type AggregationJob struct {
	ID          string    `json:"id"`
	Accounts    []string  `json:"accounts"`
	Chains      []string  `json:"chains"`
	WalletGroup string    `json:"wallet_group,omitempty"`
	Status      JobStatus `json:"status"`
	Expected    int64     `json:"expected"`
	Succeeded   int64     `json:"succeeded"`
	Failed      int64     `json:"failed"`
	TimedOut    int64     `json:"timed_out"`
	CreatedAt   time.Time `json:"created_at"`
}

// FinalStatus derives the terminal status from the counters once all
// pending units have cleared or been forced out.
func (j *AggregationJob) FinalStatus() JobStatus {
	if j.Failed == 0 && j.TimedOut == 0 {
		return StatusCompleted
	}
	return StatusCompletedWithErrors
}

// UnitKey identifies one (provider, chain, account) unit of work.
type UnitKey struct {
	Provider string `json:"provider"`
	Chain    string `json:"chain"`
	Account  string `json:"account"`
}

// String encodes the unit as provider:chain:account, the form stored in
// the pending and results sets.
func (u UnitKey) String() string {
	return u.Provider + ":" + u.Chain + ":" + u.Account
}

// ParseUnitKey decodes a provider:chain:account string.
func ParseUnitKey(s string) (UnitKey, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return UnitKey{}, fmt.Errorf("invalid unit key: %q", s)
	}
	return UnitKey{Provider: parts[0], Chain: parts[1], Account: parts[2]}, nil
}

// ProviderChain is a (provider, chain) pair produced by expansion detectors.
type ProviderChain struct {
	Provider string
	Chain    string
}

// NormalizeAccounts lowercases, de-duplicates and sorts account addresses.
func NormalizeAccounts(accounts []string) []string {
	seen := make(map[string]struct{}, len(accounts))
	out := make([]string, 0, len(accounts))
	for _, a := range accounts {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// NormalizeChains lowercases, de-duplicates and sorts chain names.
func NormalizeChains(chains []string) []string {
	return NormalizeAccounts(chains)
}

// DedupKey hashes a normalized account set + chain set into the key that
// collapses concurrent identical requests onto one in-flight job.
// Inputs must already be normalized.
func DedupKey(accounts, chains []string) string {
	h := sha256.New()
	h.Write([]byte(strings.Join(accounts, ",")))
	h.Write([]byte("|"))
	h.Write([]byte(strings.Join(chains, ",")))
	return hex.EncodeToString(h.Sum(nil))
}
