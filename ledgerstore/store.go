// Package ledgerstore defines the transactional storage boundary for
// agent balances, the append-only call ledger and settlement records.
//
// Every mutation happens inside one Update transaction: all writes the
// transaction makes become visible together when it commits, or not at
// all if it returns an error. View runs read-only against a consistent
// point-in-time snapshot.
package ledgerstore

import (
	"context"
	"errors"

	"github.com/toolpay/toolpayd/domain/pay"
)

var (
	ErrAgentNotFound      = errors.New("ledgerstore: agent not found")
	ErrSettlementNotFound = errors.New("ledgerstore: settlement not found")
	ErrAgentExists        = errors.New("ledgerstore: agent already exists")

	// ErrConflict signals a conflicting concurrent write in stores that
	// use optimistic concurrency. Callers retry a bounded number of
	// times before surfacing pay.ErrStoreConflict.
	ErrConflict = errors.New("ledgerstore: conflicting concurrent write")
)

// ReadTxn is the read-only view of one transaction.
type ReadTxn interface {
	// GetAgent returns a copy of the agent's state.
	GetAgent(id string) (*pay.Agent, error)

	// ListAgentIDs returns the ids of all registered agents, sorted.
	ListAgentIDs() ([]string, error)

	// ListEntries returns ledger entries where the agent was the caller
	// (asCallee false) or the callee (asCallee true), newest first.
	// limit <= 0 means no limit.
	ListEntries(agentID string, asCallee bool, limit int) ([]pay.LedgerEntry, error)

	// GetSettlement returns a copy of one settlement record.
	GetSettlement(id string) (*pay.SettlementRecord, error)

	// PendingSettlement returns the agent's in-flight settlement record,
	// if one exists. At most one record per agent is ever pending.
	PendingSettlement(agentID string) (*pay.SettlementRecord, bool, error)

	// ListSettlements returns the agent's settlement records, newest
	// first.
	ListSettlements(agentID string) ([]pay.SettlementRecord, error)

	// PlatformRevenue returns the accumulated platform fees from
	// confirmed settlements.
	PlatformRevenue() (pay.Lamports, error)
}

// Txn extends ReadTxn with mutations. Writes are staged until the
// enclosing Update commits.
type Txn interface {
	ReadTxn

	// PutAgent creates or replaces an agent's state.
	PutAgent(a *pay.Agent) error

	// AppendEntry appends one immutable ledger entry.
	AppendEntry(e *pay.LedgerEntry) error

	// PutSettlement creates or replaces a settlement record. The
	// per-agent pending index tracks records in pending status.
	PutSettlement(r *pay.SettlementRecord) error

	// AddPlatformRevenue accrues confirmed platform fees.
	AddPlatformRevenue(amount pay.Lamports) error
}

// Store is the durable store of agent economic state.
type Store interface {
	// Update runs fn in one atomic read-write transaction.
	Update(ctx context.Context, fn func(Txn) error) error

	// View runs fn against a consistent read-only snapshot.
	View(ctx context.Context, fn func(ReadTxn) error) error

	Close() error
}
