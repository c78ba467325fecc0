// Package memstore is the in-memory ledgerstore.Store, used in tests and
// by embedders that do not need durability. A single store-wide mutex is
// held for the whole of every Update, so transactions are serializable;
// writes are staged and merged only when the transaction function
// returns nil, so a failed transaction leaves no trace.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/toolpay/toolpayd/domain/pay"
	"github.com/toolpay/toolpayd/ledgerstore"
)

type Store struct {
	mu sync.RWMutex

	agents          map[string]*pay.Agent
	entries         []pay.LedgerEntry
	settlements     map[string]*pay.SettlementRecord
	settlementOrder []string
	pendingByAgent  map[string]string
	revenue         pay.Lamports
}

func New() *Store {
	return &Store{
		agents:         make(map[string]*pay.Agent),
		settlements:    make(map[string]*pay.SettlementRecord),
		pendingByAgent: make(map[string]string),
	}
}

func (s *Store) Update(ctx context.Context, fn func(ledgerstore.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &txn{
		store:       s,
		agents:      make(map[string]*pay.Agent),
		settlements: make(map[string]*pay.SettlementRecord),
	}
	if err := fn(tx); err != nil {
		return err
	}

	tx.commitLocked()
	return nil
}

func (s *Store) View(ctx context.Context, fn func(ledgerstore.ReadTxn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return fn(&txn{
		store:       s,
		agents:      make(map[string]*pay.Agent),
		settlements: make(map[string]*pay.SettlementRecord),
	})
}

func (s *Store) Close() error { return nil }

// txn stages writes against the store. Reads consult staged state first
// so a transaction observes its own writes.
type txn struct {
	store *Store

	agents       map[string]*pay.Agent
	appended     []pay.LedgerEntry
	settlements  map[string]*pay.SettlementRecord
	addedIDs     []string
	revenueDelta pay.Lamports
}

func (t *txn) GetAgent(id string) (*pay.Agent, error) {
	if a, ok := t.agents[id]; ok {
		return cloneAgent(a), nil
	}
	if a, ok := t.store.agents[id]; ok {
		return cloneAgent(a), nil
	}
	return nil, ledgerstore.ErrAgentNotFound
}

func (t *txn) PutAgent(a *pay.Agent) error {
	t.agents[a.ID] = cloneAgent(a)
	return nil
}

func (t *txn) ListAgentIDs() ([]string, error) {
	seen := make(map[string]struct{}, len(t.store.agents)+len(t.agents))
	for id := range t.store.agents {
		seen[id] = struct{}{}
	}
	for id := range t.agents {
		seen[id] = struct{}{}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (t *txn) AppendEntry(e *pay.LedgerEntry) error {
	t.appended = append(t.appended, *e)
	return nil
}

func (t *txn) ListEntries(agentID string, asCallee bool, limit int) ([]pay.LedgerEntry, error) {
	matches := func(e *pay.LedgerEntry) bool {
		if asCallee {
			return e.CalleeID == agentID
		}
		return e.CallerID == agentID
	}

	var out []pay.LedgerEntry
	done := func() bool { return limit > 0 && len(out) >= limit }

	// Staged entries are newer than anything committed.
	for i := len(t.appended) - 1; i >= 0 && !done(); i-- {
		if matches(&t.appended[i]) {
			out = append(out, t.appended[i])
		}
	}
	for i := len(t.store.entries) - 1; i >= 0 && !done(); i-- {
		if matches(&t.store.entries[i]) {
			out = append(out, t.store.entries[i])
		}
	}
	return out, nil
}

func (t *txn) GetSettlement(id string) (*pay.SettlementRecord, error) {
	if r, ok := t.settlements[id]; ok {
		return cloneSettlement(r), nil
	}
	if r, ok := t.store.settlements[id]; ok {
		return cloneSettlement(r), nil
	}
	return nil, ledgerstore.ErrSettlementNotFound
}

func (t *txn) PutSettlement(r *pay.SettlementRecord) error {
	if _, staged := t.settlements[r.ID]; !staged {
		if _, exists := t.store.settlements[r.ID]; !exists {
			t.addedIDs = append(t.addedIDs, r.ID)
		}
	}
	t.settlements[r.ID] = cloneSettlement(r)
	return nil
}

func (t *txn) PendingSettlement(agentID string) (*pay.SettlementRecord, bool, error) {
	// Staged records win over the committed pending index.
	for _, r := range t.settlements {
		if r.AgentID == agentID && r.Status == pay.SettlementPending {
			return cloneSettlement(r), true, nil
		}
	}
	if id, ok := t.store.pendingByAgent[agentID]; ok {
		if staged, overridden := t.settlements[id]; overridden {
			if staged.Status == pay.SettlementPending {
				return cloneSettlement(staged), true, nil
			}
			return nil, false, nil
		}
		if r, ok := t.store.settlements[id]; ok {
			return cloneSettlement(r), true, nil
		}
	}
	return nil, false, nil
}

func (t *txn) ListSettlements(agentID string) ([]pay.SettlementRecord, error) {
	get := func(id string) *pay.SettlementRecord {
		if r, ok := t.settlements[id]; ok {
			return r
		}
		return t.store.settlements[id]
	}

	var out []pay.SettlementRecord
	for i := len(t.addedIDs) - 1; i >= 0; i-- {
		if r := get(t.addedIDs[i]); r != nil && r.AgentID == agentID {
			out = append(out, *cloneSettlement(r))
		}
	}
	for i := len(t.store.settlementOrder) - 1; i >= 0; i-- {
		if r := get(t.store.settlementOrder[i]); r != nil && r.AgentID == agentID {
			out = append(out, *cloneSettlement(r))
		}
	}
	return out, nil
}

func (t *txn) AddPlatformRevenue(amount pay.Lamports) error {
	t.revenueDelta += amount
	return nil
}

func (t *txn) PlatformRevenue() (pay.Lamports, error) {
	return t.store.revenue + t.revenueDelta, nil
}

func (t *txn) commitLocked() {
	s := t.store

	for id, a := range t.agents {
		s.agents[id] = a
	}
	s.entries = append(s.entries, t.appended...)
	s.settlementOrder = append(s.settlementOrder, t.addedIDs...)
	for id, r := range t.settlements {
		s.settlements[id] = r
		if r.Status == pay.SettlementPending {
			s.pendingByAgent[r.AgentID] = id
		} else if s.pendingByAgent[r.AgentID] == id {
			delete(s.pendingByAgent, r.AgentID)
		}
	}
	s.revenue += t.revenueDelta
}

func cloneAgent(a *pay.Agent) *pay.Agent {
	cp := *a
	return &cp
}

func cloneSettlement(r *pay.SettlementRecord) *pay.SettlementRecord {
	cp := *r
	if r.ResolvedAt != nil {
		at := *r.ResolvedAt
		cp.ResolvedAt = &at
	}
	return &cp
}
