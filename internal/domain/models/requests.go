package models

// Requests/responses for the aggregation HTTP endpoints. Defined in domain for consistency and reuse.

type AggregateRequest struct {
	Accounts    []string `json:"accounts" validate:"required,min=1,max=3,dive,eth_addr"`
	Chains      []string `json:"chains" validate:"required,min=1,dive,min=1"`
	WalletGroup string   `json:"wallet_group" validate:"omitempty,max=64"`
}

type AggregateResponse struct {
	JobID  string `json:"job_id"`
	Reused bool   `json:"reused"`
}

type JobStatusResponse struct {
	Job      *AggregationJob `json:"job"`
	Snapshot *WalletSnapshot `json:"snapshot,omitempty"`
}
