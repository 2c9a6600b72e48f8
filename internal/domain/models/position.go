package models

import (
	"encoding/json"
	"time"
)

// PositionKind classifies a wallet position.
type PositionKind string

const (
	KindToken     PositionKind = "token"
	KindLending   PositionKind = "lending"
	KindLiquidity PositionKind = "liquidity"
	KindStaking   PositionKind = "staking"
	KindLocking   PositionKind = "locking"
)

// Position is one entry of the merged wallet snapshot.
type Position struct {
	Kind     PositionKind `json:"kind"`
	Protocol string       `json:"protocol"`
	Chain    string       `json:"chain"`
	Account  string       `json:"account"`
	Symbol   string       `json:"symbol"`
	Amount   float64      `json:"amount"`
	USDValue float64      `json:"usd_value"`
}

// ResultEntry is the raw outcome of one unit of work, written exactly once.
// Payload keeps the provider's response verbatim; only consolidation and
// the expansion detectors interpret it.
type ResultEntry struct {
	Unit    UnitKey         `json:"unit"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ResultPayload is the shape successful providers embed in Payload.
// NFTs are only present for scan-type providers and feed job expansion.
type ResultPayload struct {
	Positions []Position `json:"positions"`
	NFTs      []NFT      `json:"nfts,omitempty"`
}

// NFT is a token discovered by an NFT-scan provider. Collections that map
// to position-manager contracts trigger follow-up protocol queries.
type NFT struct {
	Collection string `json:"collection"`
	Contract   string `json:"contract"`
	TokenID    string `json:"token_id"`
}

// WalletSnapshot is the final merged artifact of a job: a flat, ordered
// position list plus per-kind USD totals. Immutable once written.
type WalletSnapshot struct {
	JobID       string                   `json:"job_id"`
	Positions   []Position               `json:"positions"`
	TotalsUSD   map[PositionKind]float64 `json:"totals_usd"`
	GeneratedAt time.Time                `json:"generated_at"`
}
