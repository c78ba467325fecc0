// Package pay holds the shared domain types for the pricing, ledger and
// settlement engine: integer lamport amounts, agent economic state, the
// append-only call ledger and settlement records.
package pay

import "time"

// Lamports is the integer base unit of account. All balances, costs and
// payouts are expressed in lamports; fractional amounts do not exist.
type Lamports uint64

// Agent is the economic state of one registered agent. Agents are created
// by the external registration service; this engine only mutates Balance
// (spend side) and PendingBalance (earn side).
type Agent struct {
	ID              string   `json:"id"`
	RatePer1kTokens Lamports `json:"rate_per_1k_tokens"`
	Balance         Lamports `json:"balance"`
	PendingBalance  Lamports `json:"pending_balance"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LedgerEntry is the immutable record of one completed, charged call.
// Entries are append-only: never updated, never deleted.
type LedgerEntry struct {
	ID           string    `json:"id"`
	CallerID     string    `json:"caller_id"`
	CalleeID     string    `json:"callee_id"`
	ToolName     string    `json:"tool_name"`
	TokensUsed   uint64    `json:"tokens_used"`
	CostLamports Lamports  `json:"cost_lamports"`
	Timestamp    time.Time `json:"timestamp"`
}

// SettlementStatus is the state of a settlement attempt. Confirmed and
// failed are terminal; a record never transitions twice.
type SettlementStatus string

const (
	SettlementPending   SettlementStatus = "pending"
	SettlementConfirmed SettlementStatus = "confirmed"
	SettlementFailed    SettlementStatus = "failed"
)

// Terminal reports whether the status permits no further transitions.
func (s SettlementStatus) Terminal() bool {
	return s == SettlementConfirmed || s == SettlementFailed
}

// SettlementRecord is the audit record of one payout attempt.
// PendingAtStart snapshots the agent's pending balance when the attempt
// began; PlatformFee + Payout always equals PendingAtStart exactly.
type SettlementRecord struct {
	ID             string           `json:"id"`
	AgentID        string           `json:"agent_id"`
	PendingAtStart Lamports         `json:"pending_at_start"`
	PlatformFee    Lamports         `json:"platform_fee"`
	Payout         Lamports         `json:"payout"`
	TxSignature    string           `json:"tx_signature,omitempty"`
	Status         SettlementStatus `json:"status"`
	FailureReason  string           `json:"failure_reason,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}
