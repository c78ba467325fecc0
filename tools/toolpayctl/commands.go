package main

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/toolpay/toolpayd/domain/pay"
	"github.com/toolpay/toolpayd/ledgerstore"
	"github.com/toolpay/toolpayd/metrics"
	"github.com/toolpay/toolpayd/pricing"
	"github.com/toolpay/toolpayd/settlement"
	"github.com/toolpay/toolpayd/transactor"
)

func newRegisterCmd(c *ctl) *cobra.Command {
	var (
		rate    uint64
		balance uint64
	)
	cmd := &cobra.Command{
		Use:   "register <agent-id>",
		Short: "Register a new agent with a per-1k-token rate.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if rate == 0 {
				return pay.ErrInvalidRate
			}
			store, _, err := c.open()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			agentID := args[0]
			agent := &pay.Agent{
				ID:              agentID,
				RatePer1kTokens: pay.Lamports(rate),
				Balance:         pay.Lamports(balance),
				CreatedAt:       time.Now().UTC(),
				UpdatedAt:       time.Now().UTC(),
			}
			err = store.Update(cmd.Context(), func(tx ledgerstore.Txn) error {
				if _, err := tx.GetAgent(agentID); err == nil {
					return fmt.Errorf("%w: %q", ledgerstore.ErrAgentExists, agentID)
				} else if !errors.Is(err, ledgerstore.ErrAgentNotFound) {
					return err
				}
				return tx.PutAgent(agent)
			})
			if err != nil {
				return err
			}

			c.logger.Infow("agent registered", "agent_id", agentID, "rate_per_1k_tokens", rate)
			return printJSON(cmd.OutOrStdout(), agent)
		},
	}
	cmd.Flags().Uint64Var(&rate, "rate", 0, "price in lamports per 1k tokens (required)")
	cmd.Flags().Uint64Var(&balance, "balance", 0, "initial prepaid balance in lamports")
	_ = cmd.MarkFlagRequired("rate")
	return cmd
}

func newFundCmd(c *ctl) *cobra.Command {
	var amount uint64
	cmd := &cobra.Command{
		Use:   "fund <agent-id>",
		Short: "Credit an agent's prepaid balance.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if amount == 0 {
				return errors.New("amount must be > 0")
			}
			store, _, err := c.open()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			agentID := args[0]
			var agent *pay.Agent
			err = store.Update(cmd.Context(), func(tx ledgerstore.Txn) error {
				var txErr error
				agent, txErr = tx.GetAgent(agentID)
				if txErr != nil {
					if errors.Is(txErr, ledgerstore.ErrAgentNotFound) {
						return &pay.AgentNotFoundError{Side: pay.SideAgent, AgentID: agentID}
					}
					return txErr
				}
				credit := pay.Lamports(amount)
				if agent.Balance+credit < agent.Balance {
					return pay.ErrPriceOverflow
				}
				agent.Balance += credit
				agent.UpdatedAt = time.Now().UTC()
				return tx.PutAgent(agent)
			})
			if err != nil {
				return err
			}

			c.logger.Infow("agent funded", "agent_id", agentID, "amount", amount, "balance", agent.Balance)
			return printJSON(cmd.OutOrStdout(), agent)
		},
	}
	cmd.Flags().Uint64Var(&amount, "amount", 0, "lamports to credit (required)")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func newExecuteCmd(c *ctl) *cobra.Command {
	var (
		callee string
		tool   string
		tokens uint64
	)
	cmd := &cobra.Command{
		Use:   "execute <caller-id>",
		Short: "Charge the caller for one tool call to the callee.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cfg, err := c.open()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			tr := transactor.New(store, pricing.NewEngine(cfg.Pricing), transactor.WithLogger(c.logger))
			cost, err := tr.Execute(cmd.Context(), args[0], callee, tool, tokens)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"caller_id":     args[0],
				"callee_id":     callee,
				"tool":          tool,
				"tokens_used":   tokens,
				"cost_lamports": cost,
			})
		},
	}
	cmd.Flags().StringVar(&callee, "callee", "", "callee agent id (required)")
	cmd.Flags().StringVar(&tool, "tool", "", "tool name (required)")
	cmd.Flags().Uint64Var(&tokens, "tokens", 0, "tokens consumed by the call")
	_ = cmd.MarkFlagRequired("callee")
	_ = cmd.MarkFlagRequired("tool")
	return cmd
}

func newSettleCmd(c *ctl) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settle <agent-id>",
		Short: "Pay out the agent's pending balance through the dev rail.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cfg, err := c.open()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			proc := settlement.New(store, cfg.Settlement, settlement.WithLogger(c.logger))
			record, err := proc.Settle(cmd.Context(), args[0], newDevSender())
			if record != nil {
				_ = printJSON(cmd.OutOrStdout(), record)
			}
			return err
		},
	}
	return cmd
}

func newSweepCmd(c *ctl) *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Settle every eligible agent through the dev rail.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if concurrency <= 0 {
				return fmt.Errorf("concurrency must be > 0, got %d", concurrency)
			}
			store, cfg, err := c.open()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			proc := settlement.New(store, cfg.Settlement, settlement.WithLogger(c.logger))
			eligible, err := proc.ListEligible(cmd.Context())
			if err != nil {
				return err
			}

			sender := newDevSender()
			var (
				mu      sync.Mutex
				records []*pay.SettlementRecord
				failed  []string
			)
			g, ctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(concurrency)
			for _, agentID := range eligible {
				agentID := agentID
				g.Go(func() error {
					record, err := proc.Settle(ctx, agentID, sender)
					mu.Lock()
					defer mu.Unlock()
					if err != nil {
						c.logger.Warnw("sweep settlement failed", "agent_id", agentID, "error", err)
						failed = append(failed, agentID)
						return nil
					}
					records = append(records, record)
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			c.logger.Infow("sweep done", "eligible", len(eligible), "settled", len(records), "failed", len(failed))
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"eligible": eligible,
				"settled":  records,
				"failed":   failed,
			})
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "max settlements in flight")
	return cmd
}

func newEligibleCmd(c *ctl) *cobra.Command {
	return &cobra.Command{
		Use:   "eligible",
		Short: "List agents whose pending balance meets the payout threshold.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cfg, err := c.open()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			proc := settlement.New(store, cfg.Settlement)
			eligible, err := proc.ListEligible(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), eligible)
		},
	}
}

func newMetricsCmd(c *ctl) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics <agent-id>",
		Short: "Show an agent's balances, usage and earnings.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := c.open()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			snap, err := metrics.New(store).GetMetrics(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), snap)
		},
	}
}

func newHistoryCmd(c *ctl) *cobra.Command {
	var (
		asCallee bool
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "history <agent-id>",
		Short: "Show an agent's ledger entries, newest first.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := c.open()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			entries, err := metrics.New(store).GetHistory(cmd.Context(), args[0], asCallee, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().BoolVar(&asCallee, "as-callee", false, "show calls received instead of calls made")
	cmd.Flags().IntVar(&limit, "limit", 20, "max entries (0 for all)")
	return cmd
}

func newSettlementsCmd(c *ctl) *cobra.Command {
	return &cobra.Command{
		Use:   "settlements <agent-id>",
		Short: "Show an agent's settlement records, newest first.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cfg, err := c.open()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			records, err := settlement.New(store, cfg.Settlement).Records(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), records)
		},
	}
}

func newRevenueCmd(c *ctl) *cobra.Command {
	return &cobra.Command{
		Use:   "revenue",
		Short: "Show accumulated platform fees from confirmed settlements.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := c.open()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			revenue, err := metrics.New(store).PlatformRevenue(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"platform_revenue": revenue})
		},
	}
}
