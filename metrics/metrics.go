// Package metrics builds read-only economic projections over the agent
// state and the call ledger. Nothing here mutates the store.
package metrics

import (
	"context"
	"errors"

	"github.com/toolpay/toolpayd/domain/pay"
	"github.com/toolpay/toolpayd/ledgerstore"
)

// CallStats summarizes one side of an agent's ledger activity.
type CallStats struct {
	Count         uint64       `json:"count"`
	TotalLamports pay.Lamports `json:"total_lamports"`
}

// Snapshot is a consistent point-in-time view of one agent's economics:
// the agent row and both ledger aggregations come from a single read
// transaction, never a mix of pre- and post-commit state.
type Snapshot struct {
	AgentID         string       `json:"agent_id"`
	RatePer1kTokens pay.Lamports `json:"rate_per_1k_tokens"`
	Balance         pay.Lamports `json:"balance"`
	PendingBalance  pay.Lamports `json:"pending_balance"`
	Usage           CallStats    `json:"usage"`
	Earnings        CallStats    `json:"earnings"`
}

// Aggregator reads projections from a ledger store.
type Aggregator struct {
	store ledgerstore.Store
}

func New(store ledgerstore.Store) *Aggregator {
	return &Aggregator{store: store}
}

// GetMetrics returns the agent's economic snapshot: current balances,
// spend as a caller, and earnings as a callee.
func (a *Aggregator) GetMetrics(ctx context.Context, agentID string) (*Snapshot, error) {
	var snap *Snapshot
	err := a.store.View(ctx, func(tx ledgerstore.ReadTxn) error {
		agent, err := tx.GetAgent(agentID)
		if err != nil {
			if errors.Is(err, ledgerstore.ErrAgentNotFound) {
				return &pay.AgentNotFoundError{Side: pay.SideAgent, AgentID: agentID}
			}
			return err
		}

		usage, err := sumEntries(tx, agentID, false)
		if err != nil {
			return err
		}
		earnings, err := sumEntries(tx, agentID, true)
		if err != nil {
			return err
		}

		snap = &Snapshot{
			AgentID:         agentID,
			RatePer1kTokens: agent.RatePer1kTokens,
			Balance:         agent.Balance,
			PendingBalance:  agent.PendingBalance,
			Usage:           usage,
			Earnings:        earnings,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// GetHistory returns the agent's ledger entries, newest first, as caller
// (asCallee false) or as callee (asCallee true), bounded by limit.
func (a *Aggregator) GetHistory(ctx context.Context, agentID string, asCallee bool, limit int) ([]pay.LedgerEntry, error) {
	var entries []pay.LedgerEntry
	err := a.store.View(ctx, func(tx ledgerstore.ReadTxn) error {
		var viewErr error
		entries, viewErr = tx.ListEntries(agentID, asCallee, limit)
		return viewErr
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// PlatformRevenue returns the accumulated platform fees from confirmed
// settlements.
func (a *Aggregator) PlatformRevenue(ctx context.Context) (pay.Lamports, error) {
	var revenue pay.Lamports
	err := a.store.View(ctx, func(tx ledgerstore.ReadTxn) error {
		var viewErr error
		revenue, viewErr = tx.PlatformRevenue()
		return viewErr
	})
	if err != nil {
		return 0, err
	}
	return revenue, nil
}

func sumEntries(tx ledgerstore.ReadTxn, agentID string, asCallee bool) (CallStats, error) {
	entries, err := tx.ListEntries(agentID, asCallee, 0)
	if err != nil {
		return CallStats{}, err
	}

	var stats CallStats
	for i := range entries {
		stats.Count++
		stats.TotalLamports += entries[i].CostLamports
	}
	return stats, nil
}
