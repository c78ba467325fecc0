// Package pricing computes deterministic call costs and fee splits.
// All arithmetic is integer-only so identical inputs produce identical
// lamport amounts on every platform.
package pricing

import (
	"math/big"

	"github.com/toolpay/toolpayd/domain/pay"
)

const (
	// tokensPerRateUnit is the token block a rate covers: rates are
	// quoted in lamports per 1k tokens and partial blocks round up.
	tokensPerRateUnit = 1000

	feeBpsDenominator = 10_000
)

// Config carries the pricing constants. They are passed in explicitly so
// multiple configurations can coexist in tests; there is no package-level
// default state.
type Config struct {
	// MinCostLamports is the floor applied to every computed cost.
	MinCostLamports pay.Lamports `yaml:"min_cost_lamports"`

	// MaxTokensPerCall bounds tokensUsed for a single charged call.
	MaxTokensPerCall uint64 `yaml:"max_tokens_per_call"`
}

// DefaultConfig returns the built-in pricing constants.
func DefaultConfig() Config {
	return Config{
		MinCostLamports:  100,
		MaxTokensPerCall: 1_000_000,
	}
}

// Engine prices calls under one Config. It is pure: no I/O, no state
// beyond the constants it was built with.
type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) Engine {
	if cfg.MinCostLamports == 0 {
		cfg.MinCostLamports = DefaultConfig().MinCostLamports
	}
	if cfg.MaxTokensPerCall == 0 {
		cfg.MaxTokensPerCall = DefaultConfig().MaxTokensPerCall
	}
	return Engine{cfg: cfg}
}

// MaxTokensPerCall exposes the per-call token bound for validation by the
// transactor.
func (e Engine) MaxTokensPerCall() uint64 { return e.cfg.MaxTokensPerCall }

// Cost computes the lamport cost of a call:
//
//	cost = max(ceil(tokensUsed / 1000) * ratePer1kTokens, MinCostLamports)
//
// The function is total for tokensUsed >= 0 and returns ErrInvalidRate
// for a zero rate and ErrPriceOverflow if the product exceeds uint64.
func (e Engine) Cost(tokensUsed uint64, ratePer1kTokens pay.Lamports) (pay.Lamports, error) {
	if ratePer1kTokens == 0 {
		return 0, pay.ErrInvalidRate
	}

	blocks := divCeil(tokensUsed, tokensPerRateUnit)

	raw := new(big.Int).SetUint64(blocks)
	raw.Mul(raw, new(big.Int).SetUint64(uint64(ratePer1kTokens)))
	if !raw.IsUint64() {
		return 0, pay.ErrPriceOverflow
	}

	cost := pay.Lamports(raw.Uint64())
	if cost < e.cfg.MinCostLamports {
		cost = e.cfg.MinCostLamports
	}
	return cost, nil
}

// FeeSplit divides a settlement amount into the platform fee and the
// agent payout. The fee is floor(amount * feeBps / 10_000); the payout is
// the remainder, so fee + payout == amount exactly.
func FeeSplit(amount pay.Lamports, feeBps uint32) (fee, payout pay.Lamports) {
	fee = platformFee(amount, feeBps)
	return fee, amount - fee
}

// platformFee computes floor(amount * feeBps / 10_000) without overflow:
// the quotient and remainder of amount by the denominator are scaled
// separately.
func platformFee(amount pay.Lamports, feeBps uint32) pay.Lamports {
	if feeBps == 0 {
		return 0
	}
	if feeBps > feeBpsDenominator {
		feeBps = feeBpsDenominator
	}
	bps := uint64(feeBps)
	q := uint64(amount) / feeBpsDenominator
	r := uint64(amount) % feeBpsDenominator
	return pay.Lamports(q*bps + r*bps/feeBpsDenominator)
}

func divCeil(n, d uint64) uint64 {
	return n/d + boolToUint64(n%d != 0)
}

func boolToUint64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
