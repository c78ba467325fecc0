// Package boltstore is the durable ledgerstore.Store backed by bbolt.
// bbolt runs a single read-write transaction at a time and commits it
// atomically, which is exactly the transactional discipline the ledger
// requires: a charged call's two balance writes and its ledger entry
// either all land or none do, and readers only ever see committed state.
package boltstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/toolpay/toolpayd/domain/pay"
	"github.com/toolpay/toolpayd/ledgerstore"
)

var (
	bucketAgents            = []byte("agents")
	bucketEntries           = []byte("entries")
	bucketEntriesByCaller   = []byte("entries_by_caller")
	bucketEntriesByCallee   = []byte("entries_by_callee")
	bucketSettlements       = []byte("settlements")
	bucketSettlementsAgent  = []byte("settlements_by_agent")
	bucketSettlementPending = []byte("settlements_pending")
	bucketMeta              = []byte("meta")

	keyPlatformRevenue = []byte("platform_revenue")
)

const keySeparator = byte(0x00)

type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the ledger database at path and makes
// sure all buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketAgents,
			bucketEntries,
			bucketEntriesByCaller,
			bucketEntriesByCallee,
			bucketSettlements,
			bucketSettlementsAgent,
			bucketSettlementPending,
			bucketMeta,
		}
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Update(ctx context.Context, fn func(ledgerstore.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&txn{tx: tx})
	})
}

func (s *Store) View(ctx context.Context, fn func(ledgerstore.ReadTxn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&txn{tx: tx})
	})
}

func (s *Store) Close() error { return s.db.Close() }

type txn struct {
	tx *bolt.Tx
}

func (t *txn) GetAgent(id string) (*pay.Agent, error) {
	raw := t.tx.Bucket(bucketAgents).Get([]byte(id))
	if raw == nil {
		return nil, ledgerstore.ErrAgentNotFound
	}
	var a pay.Agent
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decode agent %q: %w", id, err)
	}
	return &a, nil
}

func (t *txn) PutAgent(a *pay.Agent) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode agent %q: %w", a.ID, err)
	}
	return t.tx.Bucket(bucketAgents).Put([]byte(a.ID), raw)
}

func (t *txn) ListAgentIDs() ([]string, error) {
	var ids []string
	err := t.tx.Bucket(bucketAgents).ForEach(func(k, _ []byte) error {
		ids = append(ids, string(k))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

func (t *txn) AppendEntry(e *pay.LedgerEntry) error {
	entries := t.tx.Bucket(bucketEntries)

	seq, err := entries.NextSequence()
	if err != nil {
		return fmt.Errorf("next entry sequence: %w", err)
	}
	seqKey := make([]byte, 8)
	binary.BigEndian.PutUint64(seqKey, seq)

	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode ledger entry %q: %w", e.ID, err)
	}
	if err := entries.Put(seqKey, raw); err != nil {
		return err
	}

	if err := t.tx.Bucket(bucketEntriesByCaller).Put(indexKey(e.CallerID, seqKey), seqKey); err != nil {
		return err
	}
	return t.tx.Bucket(bucketEntriesByCallee).Put(indexKey(e.CalleeID, seqKey), seqKey)
}

func (t *txn) ListEntries(agentID string, asCallee bool, limit int) ([]pay.LedgerEntry, error) {
	idx := t.tx.Bucket(bucketEntriesByCaller)
	if asCallee {
		idx = t.tx.Bucket(bucketEntriesByCallee)
	}
	entries := t.tx.Bucket(bucketEntries)

	var out []pay.LedgerEntry
	err := scanIndexNewestFirst(idx, agentID, func(seqKey []byte) (bool, error) {
		raw := entries.Get(seqKey)
		if raw == nil {
			return false, fmt.Errorf("ledger entry seq %d missing", binary.BigEndian.Uint64(seqKey))
		}
		var e pay.LedgerEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return false, fmt.Errorf("decode ledger entry: %w", err)
		}
		out = append(out, e)
		return limit <= 0 || len(out) < limit, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (t *txn) GetSettlement(id string) (*pay.SettlementRecord, error) {
	raw := t.tx.Bucket(bucketSettlements).Get([]byte(id))
	if raw == nil {
		return nil, ledgerstore.ErrSettlementNotFound
	}
	var r pay.SettlementRecord
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode settlement %q: %w", id, err)
	}
	return &r, nil
}

func (t *txn) PutSettlement(r *pay.SettlementRecord) error {
	settlements := t.tx.Bucket(bucketSettlements)

	isNew := settlements.Get([]byte(r.ID)) == nil

	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode settlement %q: %w", r.ID, err)
	}
	if err := settlements.Put([]byte(r.ID), raw); err != nil {
		return err
	}

	if isNew {
		seq, err := settlements.NextSequence()
		if err != nil {
			return fmt.Errorf("next settlement sequence: %w", err)
		}
		seqKey := make([]byte, 8)
		binary.BigEndian.PutUint64(seqKey, seq)
		if err := t.tx.Bucket(bucketSettlementsAgent).Put(indexKey(r.AgentID, seqKey), []byte(r.ID)); err != nil {
			return err
		}
	}

	pending := t.tx.Bucket(bucketSettlementPending)
	if r.Status == pay.SettlementPending {
		return pending.Put([]byte(r.AgentID), []byte(r.ID))
	}
	if current := pending.Get([]byte(r.AgentID)); bytes.Equal(current, []byte(r.ID)) {
		return pending.Delete([]byte(r.AgentID))
	}
	return nil
}

func (t *txn) PendingSettlement(agentID string) (*pay.SettlementRecord, bool, error) {
	id := t.tx.Bucket(bucketSettlementPending).Get([]byte(agentID))
	if id == nil {
		return nil, false, nil
	}
	r, err := t.GetSettlement(string(id))
	if err != nil {
		return nil, false, err
	}
	return r, true, nil
}

func (t *txn) ListSettlements(agentID string) ([]pay.SettlementRecord, error) {
	settlements := t.tx.Bucket(bucketSettlements)

	var out []pay.SettlementRecord
	err := scanIndexNewestFirst(t.tx.Bucket(bucketSettlementsAgent), agentID, func(id []byte) (bool, error) {
		raw := settlements.Get(id)
		if raw == nil {
			return false, fmt.Errorf("settlement %q missing", id)
		}
		var r pay.SettlementRecord
		if err := json.Unmarshal(raw, &r); err != nil {
			return false, fmt.Errorf("decode settlement %q: %w", id, err)
		}
		out = append(out, r)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (t *txn) AddPlatformRevenue(amount pay.Lamports) error {
	current, err := t.PlatformRevenue()
	if err != nil {
		return err
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(current+amount))
	return t.tx.Bucket(bucketMeta).Put(keyPlatformRevenue, buf)
}

func (t *txn) PlatformRevenue() (pay.Lamports, error) {
	raw := t.tx.Bucket(bucketMeta).Get(keyPlatformRevenue)
	if raw == nil {
		return 0, nil
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("platform revenue value has %d bytes, want 8", len(raw))
	}
	return pay.Lamports(binary.BigEndian.Uint64(raw)), nil
}

// indexKey builds "<agentID>\x00<suffix>" so one agent's index entries
// form a contiguous, sequence-ordered key range.
func indexKey(agentID string, suffix []byte) []byte {
	k := make([]byte, 0, len(agentID)+1+len(suffix))
	k = append(k, agentID...)
	k = append(k, keySeparator)
	k = append(k, suffix...)
	return k
}

// scanIndexNewestFirst walks an agent's index range in descending
// sequence order, calling visit with each value until it returns false.
func scanIndexNewestFirst(idx *bolt.Bucket, agentID string, visit func(val []byte) (bool, error)) error {
	prefix := append([]byte(agentID), keySeparator)

	// The separator byte sorts below every other byte, so bumping it
	// gives the exclusive upper bound of the agent's range.
	upper := append([]byte(agentID), keySeparator+1)

	c := idx.Cursor()
	k, v := c.Seek(upper)
	if k == nil {
		k, v = c.Last()
	} else {
		k, v = c.Prev()
	}
	for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Prev() {
		cont, err := visit(v)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}
