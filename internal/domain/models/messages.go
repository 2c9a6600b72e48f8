package models

import "encoding/json"

// ProviderRequest is the message published to a provider's request topic.
// One message per unit of work; the matching PendingEntry is always
// written before this is published.
type ProviderRequest struct {
	JobID    string `json:"job_id"`
	Provider string `json:"provider"`
	Chain    string `json:"chain"`
	Account  string `json:"account"`
}

// Unit returns the unit key this request belongs to.
func (r *ProviderRequest) Unit() UnitKey {
	return UnitKey{Provider: r.Provider, Chain: r.Chain, Account: r.Account}
}

// ProviderResult is the message provider workers publish to the results
// topic, exactly one per consumed request.
type ProviderResult struct {
	JobID    string          `json:"job_id"`
	Provider string          `json:"provider"`
	Chain    string          `json:"chain"`
	Account  string          `json:"account"`
	OK       bool            `json:"ok"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Unit returns the unit key this result belongs to.
func (r *ProviderResult) Unit() UnitKey {
	return UnitKey{Provider: r.Provider, Chain: r.Chain, Account: r.Account}
}

// ConsolidateSignal is the internal queue payload that triggers snapshot
// consolidation for a job.
type ConsolidateSignal struct {
	JobID string `json:"job_id"`
}
