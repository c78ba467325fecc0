package memstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/toolpay/toolpayd/domain/pay"
	"github.com/toolpay/toolpayd/ledgerstore"
	"github.com/toolpay/toolpayd/ledgerstore/memstore"
)

func TestAgentRoundTrip(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	ctx := context.Background()

	want := &pay.Agent{
		ID:              "alpha",
		RatePer1kTokens: 100,
		Balance:         5_000,
		PendingBalance:  250,
		CreatedAt:       time.Unix(100, 0).UTC(),
	}
	err := store.Update(ctx, func(tx ledgerstore.Txn) error {
		return tx.PutAgent(want)
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	var got *pay.Agent
	err = store.View(ctx, func(tx ledgerstore.ReadTxn) error {
		var viewErr error
		got, viewErr = tx.GetAgent("alpha")
		return viewErr
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("agent mismatch (-want +got):\n%s", diff)
	}

	err = store.View(ctx, func(tx ledgerstore.ReadTxn) error {
		_, viewErr := tx.GetAgent("ghost")
		return viewErr
	})
	if !errors.Is(err, ledgerstore.ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestUpdate_RollsBackOnError(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	ctx := context.Background()

	err := store.Update(ctx, func(tx ledgerstore.Txn) error {
		return tx.PutAgent(&pay.Agent{ID: "alpha", RatePer1kTokens: 10, Balance: 100})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	boom := errors.New("boom")
	err = store.Update(ctx, func(tx ledgerstore.Txn) error {
		agent, err := tx.GetAgent("alpha")
		if err != nil {
			return err
		}
		agent.Balance = 0
		if err := tx.PutAgent(agent); err != nil {
			return err
		}
		if err := tx.AppendEntry(&pay.LedgerEntry{ID: "e1", CallerID: "alpha", CalleeID: "beta"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected staged error, got %v", err)
	}

	err = store.View(ctx, func(tx ledgerstore.ReadTxn) error {
		agent, err := tx.GetAgent("alpha")
		if err != nil {
			return err
		}
		if agent.Balance != 100 {
			t.Errorf("balance leaked: got %d want 100", agent.Balance)
		}
		entries, err := tx.ListEntries("alpha", false, 0)
		if err != nil {
			return err
		}
		if len(entries) != 0 {
			t.Errorf("entries leaked: %+v", entries)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}
}

func TestTxn_SeesOwnWrites(t *testing.T) {
	t.Parallel()

	store := memstore.New()

	err := store.Update(context.Background(), func(tx ledgerstore.Txn) error {
		if err := tx.PutAgent(&pay.Agent{ID: "alpha", Balance: 7}); err != nil {
			return err
		}
		agent, err := tx.GetAgent("alpha")
		if err != nil {
			return err
		}
		if agent.Balance != 7 {
			t.Errorf("staged read: got %d want 7", agent.Balance)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
}

func TestListEntries_NewestFirstAndLimited(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		entry := &pay.LedgerEntry{
			ID:           string(rune('a' + i - 1)),
			CallerID:     "alpha",
			CalleeID:     "beta",
			CostLamports: pay.Lamports(i * 100),
			Timestamp:    time.Unix(int64(i), 0).UTC(),
		}
		if err := store.Update(ctx, func(tx ledgerstore.Txn) error { return tx.AppendEntry(entry) }); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	var got []pay.LedgerEntry
	err := store.View(ctx, func(tx ledgerstore.ReadTxn) error {
		var viewErr error
		got, viewErr = tx.ListEntries("alpha", false, 3)
		return viewErr
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}

	if len(got) != 3 {
		t.Fatalf("entries: got %d want 3", len(got))
	}
	if got[0].CostLamports != 500 || got[1].CostLamports != 400 || got[2].CostLamports != 300 {
		t.Fatalf("order mismatch: %+v", got)
	}

	// The callee-side index returns the same rows.
	err = store.View(ctx, func(tx ledgerstore.ReadTxn) error {
		var viewErr error
		got, viewErr = tx.ListEntries("beta", true, 0)
		return viewErr
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("callee entries: got %d want 5", len(got))
	}
	err = store.View(ctx, func(tx ledgerstore.ReadTxn) error {
		var viewErr error
		got, viewErr = tx.ListEntries("beta", false, 0)
		return viewErr
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("beta made no calls, got %+v", got)
	}
}

func TestPendingSettlementIndex(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	ctx := context.Background()

	record := &pay.SettlementRecord{
		ID:             "stl-1",
		AgentID:        "alpha",
		PendingAtStart: 20_000,
		PlatformFee:    1_000,
		Payout:         19_000,
		Status:         pay.SettlementPending,
	}
	if err := store.Update(ctx, func(tx ledgerstore.Txn) error { return tx.PutSettlement(record) }); err != nil {
		t.Fatalf("put pending: %v", err)
	}

	err := store.View(ctx, func(tx ledgerstore.ReadTxn) error {
		got, ok, err := tx.PendingSettlement("alpha")
		if err != nil {
			return err
		}
		if !ok || got.ID != "stl-1" {
			t.Errorf("pending lookup: ok=%v got=%+v", ok, got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}

	record.Status = pay.SettlementConfirmed
	record.TxSignature = "sig"
	if err := store.Update(ctx, func(tx ledgerstore.Txn) error { return tx.PutSettlement(record) }); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	err = store.View(ctx, func(tx ledgerstore.ReadTxn) error {
		_, ok, err := tx.PendingSettlement("alpha")
		if err != nil {
			return err
		}
		if ok {
			t.Errorf("pending index not cleared after confirm")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}
}

func TestListSettlements_NewestFirst(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	ctx := context.Background()

	for _, id := range []string{"stl-1", "stl-2", "stl-3"} {
		record := &pay.SettlementRecord{ID: id, AgentID: "alpha", Status: pay.SettlementFailed}
		if err := store.Update(ctx, func(tx ledgerstore.Txn) error { return tx.PutSettlement(record) }); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}

	var got []pay.SettlementRecord
	err := store.View(ctx, func(tx ledgerstore.ReadTxn) error {
		var viewErr error
		got, viewErr = tx.ListSettlements("alpha")
		return viewErr
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if len(got) != 3 || got[0].ID != "stl-3" || got[2].ID != "stl-1" {
		t.Fatalf("settlement order: %+v", got)
	}
}

func TestPlatformRevenueAccrues(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	ctx := context.Background()

	for _, amount := range []pay.Lamports{1_000, 250} {
		if err := store.Update(ctx, func(tx ledgerstore.Txn) error { return tx.AddPlatformRevenue(amount) }); err != nil {
			t.Fatalf("add revenue: %v", err)
		}
	}

	err := store.View(ctx, func(tx ledgerstore.ReadTxn) error {
		got, err := tx.PlatformRevenue()
		if err != nil {
			return err
		}
		if got != 1_250 {
			t.Errorf("revenue: got %d want 1250", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}
}

func TestListAgentIDs_Sorted(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	ctx := context.Background()

	for _, id := range []string{"zeta", "alpha", "mike"} {
		agent := &pay.Agent{ID: id}
		if err := store.Update(ctx, func(tx ledgerstore.Txn) error { return tx.PutAgent(agent) }); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}

	var got []string
	err := store.View(ctx, func(tx ledgerstore.ReadTxn) error {
		var viewErr error
		got, viewErr = tx.ListAgentIDs()
		return viewErr
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	want := []string{"alpha", "mike", "zeta"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ids mismatch (-want +got):\n%s", diff)
	}
}
