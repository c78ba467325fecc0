// Package settlement converts an agent's accrued pending balance into an
// external payout through an injected PaymentSender, recording every
// attempt as an auditable settlement record before the external rail is
// touched.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/toolpay/toolpayd/domain/pay"
	"github.com/toolpay/toolpayd/ledgerstore"
	"github.com/toolpay/toolpayd/pricing"
)

// PaymentSender is the injected external payment rail capability. The
// engine knows nothing about wallets, chains or transport; it only sees
// this one method.
type PaymentSender interface {
	Send(ctx context.Context, recipientID string, amount pay.Lamports) (txSignature string, err error)
}

// SenderFunc adapts a function to PaymentSender.
type SenderFunc func(ctx context.Context, recipientID string, amount pay.Lamports) (string, error)

func (f SenderFunc) Send(ctx context.Context, recipientID string, amount pay.Lamports) (string, error) {
	return f(ctx, recipientID, amount)
}

var ErrSenderRequired = errors.New("settlement: payment sender is required")

// Config carries the settlement constants, passed explicitly to the
// constructor.
type Config struct {
	// PlatformFeeBps is the platform fee in basis points (500 = 5%).
	PlatformFeeBps uint32 `yaml:"platform_fee_bps"`

	// MinPayoutLamports is the pending balance threshold below which
	// settlement is refused.
	MinPayoutLamports pay.Lamports `yaml:"min_payout_lamports"`

	// SendTimeout bounds the external transfer. Zero means no bound
	// beyond the caller's context.
	SendTimeout time.Duration `yaml:"send_timeout"`
}

// DefaultConfig returns the built-in settlement constants.
func DefaultConfig() Config {
	return Config{
		PlatformFeeBps:    500,
		MinPayoutLamports: 10_000,
		SendTimeout:       30 * time.Second,
	}
}

// Processor runs the settlement state machine. Settle calls for the same
// agent are single-flight; calls for different agents are independent.
type Processor struct {
	store ledgerstore.Store
	cfg   Config

	clock  func() time.Time
	newID  func() string
	logger *zap.SugaredLogger

	mu       sync.Mutex
	inflight map[string]struct{}
}

type Option func(*Processor)

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(p *Processor) {
		if logger == nil {
			logger = zap.NewNop().Sugar()
		}
		p.logger = logger
	}
}

// WithClock overrides the timestamp source (intended for tests).
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.clock = now
		}
	}
}

// WithIDGenerator overrides settlement id generation (intended for
// tests).
func WithIDGenerator(newID func() string) Option {
	return func(p *Processor) {
		if newID != nil {
			p.newID = newID
		}
	}
}

func New(store ledgerstore.Store, cfg Config, opts ...Option) *Processor {
	p := &Processor{
		store:    store,
		cfg:      cfg,
		clock:    time.Now,
		newID:    uuid.NewString,
		logger:   zap.NewNop().Sugar(),
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Settle pays out the agent's pending balance snapshot through sender.
//
// The pending record is persisted before the sender is invoked, so a
// crash mid-transfer leaves an auditable pending record instead of a
// silent loss. On sender success the snapshot amount is subtracted from
// the agent's pending balance (earnings accrued during the transfer are
// kept) and the platform fee accrues as platform revenue. On sender
// failure or timeout the record is marked failed, balances are left
// untouched, and retrying is a deliberate new Settle call — the engine
// never retries an external transfer on its own.
func (p *Processor) Settle(ctx context.Context, agentID string, sender PaymentSender) (*pay.SettlementRecord, error) {
	if sender == nil {
		return nil, ErrSenderRequired
	}

	if !p.acquire(agentID) {
		return nil, fmt.Errorf("%w: agent %q", pay.ErrSettlementAlreadyInProgress, agentID)
	}
	defer p.release(agentID)

	record, err := p.beginSettlement(ctx, agentID)
	if err != nil {
		return nil, err
	}

	signature, sendErr := p.send(ctx, sender, agentID, record.Payout)
	if sendErr != nil {
		return p.markFailed(ctx, record, sendErr)
	}
	return p.markConfirmed(ctx, record, signature)
}

// beginSettlement snapshots the pending balance, splits the fee, and
// persists the pending record — all in one transaction, so two racing
// settlements can never both create a record.
func (p *Processor) beginSettlement(ctx context.Context, agentID string) (*pay.SettlementRecord, error) {
	var record *pay.SettlementRecord

	err := p.store.Update(ctx, func(tx ledgerstore.Txn) error {
		agent, err := tx.GetAgent(agentID)
		if err != nil {
			if errors.Is(err, ledgerstore.ErrAgentNotFound) {
				return &pay.AgentNotFoundError{Side: pay.SideAgent, AgentID: agentID}
			}
			return err
		}

		if _, inFlight, err := tx.PendingSettlement(agentID); err != nil {
			return err
		} else if inFlight {
			return fmt.Errorf("%w: agent %q", pay.ErrSettlementAlreadyInProgress, agentID)
		}

		if agent.PendingBalance < p.cfg.MinPayoutLamports {
			return fmt.Errorf("%w: agent %q has %d pending, minimum payout is %d",
				pay.ErrSettlementBelowThreshold, agentID, agent.PendingBalance, p.cfg.MinPayoutLamports)
		}

		fee, payout := pricing.FeeSplit(agent.PendingBalance, p.cfg.PlatformFeeBps)
		record = &pay.SettlementRecord{
			ID:             p.newID(),
			AgentID:        agentID,
			PendingAtStart: agent.PendingBalance,
			PlatformFee:    fee,
			Payout:         payout,
			Status:         pay.SettlementPending,
			CreatedAt:      p.clock(),
		}
		return tx.PutSettlement(record)
	})
	if err != nil {
		return nil, err
	}

	p.logger.Infow("settlement started",
		"settlement_id", record.ID,
		"agent_id", agentID,
		"pending_at_start", record.PendingAtStart,
		"platform_fee", record.PlatformFee,
		"payout", record.Payout,
	)
	return record, nil
}

func (p *Processor) send(ctx context.Context, sender PaymentSender, agentID string, payout pay.Lamports) (string, error) {
	if p.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.SendTimeout)
		defer cancel()
	}
	return sender.Send(ctx, agentID, payout)
}

// markConfirmed subtracts the snapshot amount (not the then-current
// pending balance) and records the fee as platform revenue. Earnings
// that accrued while the transfer was in flight stay pending.
func (p *Processor) markConfirmed(ctx context.Context, record *pay.SettlementRecord, signature string) (*pay.SettlementRecord, error) {
	err := p.store.Update(context.WithoutCancel(ctx), func(tx ledgerstore.Txn) error {
		agent, err := tx.GetAgent(record.AgentID)
		if err != nil {
			return err
		}
		if agent.PendingBalance < record.PendingAtStart {
			return fmt.Errorf("agent %q pending balance %d below settlement snapshot %d",
				record.AgentID, agent.PendingBalance, record.PendingAtStart)
		}

		now := p.clock()
		agent.PendingBalance -= record.PendingAtStart
		agent.UpdatedAt = now
		if err := tx.PutAgent(agent); err != nil {
			return err
		}

		record.TxSignature = signature
		record.Status = pay.SettlementConfirmed
		record.ResolvedAt = &now
		if err := tx.PutSettlement(record); err != nil {
			return err
		}
		return tx.AddPlatformRevenue(record.PlatformFee)
	})
	if err != nil {
		return nil, fmt.Errorf("confirm settlement %s: %w", record.ID, err)
	}

	p.logger.Infow("settlement confirmed",
		"settlement_id", record.ID,
		"agent_id", record.AgentID,
		"payout", record.Payout,
		"tx_signature", signature,
	)
	return record, nil
}

// markFailed transitions the record to its terminal failed state without
// touching any balance. The funds remain pending for a manual retry.
func (p *Processor) markFailed(ctx context.Context, record *pay.SettlementRecord, sendErr error) (*pay.SettlementRecord, error) {
	err := p.store.Update(context.WithoutCancel(ctx), func(tx ledgerstore.Txn) error {
		now := p.clock()
		record.Status = pay.SettlementFailed
		record.FailureReason = sendErr.Error()
		record.ResolvedAt = &now
		return tx.PutSettlement(record)
	})
	if err != nil {
		return nil, fmt.Errorf("mark settlement %s failed: %w", record.ID, err)
	}

	p.logger.Warnw("settlement transfer failed",
		"settlement_id", record.ID,
		"agent_id", record.AgentID,
		"payout", record.Payout,
		"error", sendErr,
	)
	return record, &pay.TransferFailedError{
		SettlementID: record.ID,
		AgentID:      record.AgentID,
		Err:          sendErr,
	}
}

// CheckEligible reports whether the agent's pending balance meets the
// payout threshold. Pure read, safe at any frequency.
func (p *Processor) CheckEligible(ctx context.Context, agentID string) (bool, error) {
	var eligible bool
	err := p.store.View(ctx, func(tx ledgerstore.ReadTxn) error {
		agent, err := tx.GetAgent(agentID)
		if err != nil {
			if errors.Is(err, ledgerstore.ErrAgentNotFound) {
				return &pay.AgentNotFoundError{Side: pay.SideAgent, AgentID: agentID}
			}
			return err
		}
		eligible = agent.PendingBalance >= p.cfg.MinPayoutLamports
		return nil
	})
	if err != nil {
		return false, err
	}
	return eligible, nil
}

// ListEligible returns the ids of all agents whose pending balance meets
// the payout threshold.
func (p *Processor) ListEligible(ctx context.Context) ([]string, error) {
	var eligible []string
	err := p.store.View(ctx, func(tx ledgerstore.ReadTxn) error {
		ids, err := tx.ListAgentIDs()
		if err != nil {
			return err
		}
		for _, id := range ids {
			agent, err := tx.GetAgent(id)
			if err != nil {
				return err
			}
			if agent.PendingBalance >= p.cfg.MinPayoutLamports {
				eligible = append(eligible, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return eligible, nil
}

// Records returns the agent's settlement records, newest first.
func (p *Processor) Records(ctx context.Context, agentID string) ([]pay.SettlementRecord, error) {
	var records []pay.SettlementRecord
	err := p.store.View(ctx, func(tx ledgerstore.ReadTxn) error {
		var viewErr error
		records, viewErr = tx.ListSettlements(agentID)
		return viewErr
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (p *Processor) acquire(agentID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, taken := p.inflight[agentID]; taken {
		return false
	}
	p.inflight[agentID] = struct{}{}
	return true
}

func (p *Processor) release(agentID string) {
	p.mu.Lock()
	delete(p.inflight, agentID)
	p.mu.Unlock()
}
