// Package transactor orchestrates one charged call: it validates the
// request, prices it against the callee's rate, and applies the debit,
// credit and ledger append as a single store transaction.
package transactor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/toolpay/toolpayd/domain/pay"
	"github.com/toolpay/toolpayd/ledgerstore"
	"github.com/toolpay/toolpayd/pricing"
)

const defaultConflictRetries = 3

// Transactor executes charged calls against the ledger store.
//
// Calls sharing an agent are serialized by per-agent locks acquired in
// lexicographic id order; calls on disjoint agent pairs proceed
// concurrently. Balance and pendingBalance are only ever written inside
// Execute's transaction, so no reader can observe a debit without its
// ledger entry.
type Transactor struct {
	store  ledgerstore.Store
	engine pricing.Engine
	locks  *lockTable

	clock           func() time.Time
	newID           func() string
	logger          *zap.SugaredLogger
	conflictRetries int
}

type Option func(*Transactor)

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(t *Transactor) {
		if logger == nil {
			logger = zap.NewNop().Sugar()
		}
		t.logger = logger
	}
}

// WithClock overrides the timestamp source (intended for tests).
func WithClock(now func() time.Time) Option {
	return func(t *Transactor) {
		if now != nil {
			t.clock = now
		}
	}
}

// WithIDGenerator overrides ledger entry id generation (intended for
// tests).
func WithIDGenerator(newID func() string) Option {
	return func(t *Transactor) {
		if newID != nil {
			t.newID = newID
		}
	}
}

// WithConflictRetries sets how many times a transient store conflict is
// retried before surfacing pay.ErrStoreConflict.
func WithConflictRetries(n int) Option {
	return func(t *Transactor) {
		if n >= 0 {
			t.conflictRetries = n
		}
	}
}

func New(store ledgerstore.Store, engine pricing.Engine, opts ...Option) *Transactor {
	t := &Transactor{
		store:           store,
		engine:          engine,
		locks:           newLockTable(),
		clock:           time.Now,
		newID:           uuid.NewString,
		logger:          zap.NewNop().Sugar(),
		conflictRetries: defaultConflictRetries,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Execute charges the caller for one tool call to the callee and returns
// the cost. On any error the ledger and both balances are unchanged.
func (t *Transactor) Execute(
	ctx context.Context,
	callerID, calleeID, toolName string,
	tokensUsed uint64,
) (pay.Lamports, error) {
	if tokensUsed > t.engine.MaxTokensPerCall() {
		return 0, &pay.TokenLimitError{TokensUsed: tokensUsed, Limit: t.engine.MaxTokensPerCall()}
	}

	unlock := t.locks.lockPair(callerID, calleeID)
	defer unlock()

	var (
		cost    pay.Lamports
		lastErr error
	)
	for attempt := 0; attempt <= t.conflictRetries; attempt++ {
		err := t.store.Update(ctx, func(tx ledgerstore.Txn) error {
			var txErr error
			cost, txErr = t.executeTx(tx, callerID, calleeID, toolName, tokensUsed)
			return txErr
		})
		if errors.Is(err, ledgerstore.ErrConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return 0, err
		}

		t.logger.Debugw("charged call",
			"caller_id", callerID,
			"callee_id", calleeID,
			"tool", toolName,
			"tokens_used", tokensUsed,
			"cost_lamports", cost,
		)
		return cost, nil
	}

	return 0, fmt.Errorf("%w: execute gave up after %d attempts: %v",
		pay.ErrStoreConflict, t.conflictRetries+1, lastErr)
}

func (t *Transactor) executeTx(
	tx ledgerstore.Txn,
	callerID, calleeID, toolName string,
	tokensUsed uint64,
) (pay.Lamports, error) {
	caller, err := tx.GetAgent(callerID)
	if err != nil {
		return 0, agentLookupErr(err, pay.SideCaller, callerID)
	}

	callee := caller
	if calleeID != callerID {
		callee, err = tx.GetAgent(calleeID)
		if err != nil {
			return 0, agentLookupErr(err, pay.SideCallee, calleeID)
		}
	}

	cost, err := t.engine.Cost(tokensUsed, callee.RatePer1kTokens)
	if err != nil {
		return 0, err
	}

	if caller.Balance < cost {
		return 0, &pay.InsufficientBalanceError{
			AgentID: callerID,
			Cost:    cost,
			Balance: caller.Balance,
		}
	}
	if callee.PendingBalance+cost < callee.PendingBalance {
		return 0, pay.ErrPriceOverflow
	}

	now := t.clock()
	caller.Balance -= cost
	caller.UpdatedAt = now
	callee.PendingBalance += cost
	callee.UpdatedAt = now

	if err := tx.PutAgent(caller); err != nil {
		return 0, err
	}
	if calleeID != callerID {
		if err := tx.PutAgent(callee); err != nil {
			return 0, err
		}
	}

	entry := &pay.LedgerEntry{
		ID:           t.newID(),
		CallerID:     callerID,
		CalleeID:     calleeID,
		ToolName:     toolName,
		TokensUsed:   tokensUsed,
		CostLamports: cost,
		Timestamp:    now,
	}
	if err := tx.AppendEntry(entry); err != nil {
		return 0, err
	}
	return cost, nil
}

func agentLookupErr(err error, side pay.Side, agentID string) error {
	if errors.Is(err, ledgerstore.ErrAgentNotFound) {
		return &pay.AgentNotFoundError{Side: side, AgentID: agentID}
	}
	return err
}
