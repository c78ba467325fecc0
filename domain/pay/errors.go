package pay

import (
	"errors"
	"fmt"
)

// Error kinds callers can branch on with errors.Is. Validation failures
// are never partially applied; ErrStoreConflict is transient and retried
// internally before surfacing; a transfer failure always leaves a terminal
// failed settlement record and requires a manual retry.
var (
	ErrTokenLimitExceeded          = errors.New("pay: token limit exceeded")
	ErrAgentNotFound               = errors.New("pay: agent not found")
	ErrInsufficientBalance         = errors.New("pay: insufficient balance")
	ErrSettlementBelowThreshold    = errors.New("pay: pending balance below payout threshold")
	ErrSettlementAlreadyInProgress = errors.New("pay: settlement already in progress")
	ErrSettlementTransferFailed    = errors.New("pay: settlement transfer failed")
	ErrStoreConflict               = errors.New("pay: store conflict")
	ErrInvalidRate                 = errors.New("pay: rate_per_1k_tokens must be > 0")
	ErrPriceOverflow               = errors.New("pay: price overflow")
)

// Side identifies which party of a call an error refers to.
type Side string

const (
	SideCaller Side = "caller"
	SideCallee Side = "callee"
	SideAgent  Side = "agent"
)

// AgentNotFoundError reports a missing agent and which side it was.
type AgentNotFoundError struct {
	Side    Side
	AgentID string
}

func (e *AgentNotFoundError) Error() string {
	return fmt.Sprintf("%v: %s %q", ErrAgentNotFound, e.Side, e.AgentID)
}

func (e *AgentNotFoundError) Unwrap() error { return ErrAgentNotFound }

// InsufficientBalanceError reports a caller balance that cannot cover the
// computed cost, including the exact shortfall.
type InsufficientBalanceError struct {
	AgentID string
	Cost    Lamports
	Balance Lamports
}

func (e *InsufficientBalanceError) Shortfall() Lamports {
	if e.Cost <= e.Balance {
		return 0
	}
	return e.Cost - e.Balance
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf(
		"%v: agent %q has %d lamports, needs %d (short %d)",
		ErrInsufficientBalance, e.AgentID, e.Balance, e.Cost, e.Shortfall(),
	)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// TokenLimitError reports a call whose token count exceeds the configured
// per-call maximum.
type TokenLimitError struct {
	TokensUsed uint64
	Limit      uint64
}

func (e *TokenLimitError) Error() string {
	return fmt.Sprintf("%v: %d tokens exceeds per-call limit %d", ErrTokenLimitExceeded, e.TokensUsed, e.Limit)
}

func (e *TokenLimitError) Unwrap() error { return ErrTokenLimitExceeded }

// TransferFailedError wraps the payment sender's failure for one
// settlement attempt. The attempt's record is terminal failed; the
// engine never auto-retries it.
type TransferFailedError struct {
	SettlementID string
	AgentID      string
	Err          error
}

func (e *TransferFailedError) Error() string {
	return fmt.Sprintf(
		"%v: settlement %s for agent %q: %v",
		ErrSettlementTransferFailed, e.SettlementID, e.AgentID, e.Err,
	)
}

func (e *TransferFailedError) Unwrap() []error {
	return []error{ErrSettlementTransferFailed, e.Err}
}
