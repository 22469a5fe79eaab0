package ledger

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/custodex/pkg/app/core/asset"
)

var (
	// ErrInsufficientBalance is returned by Debit when the entry is smaller
	// than the amount. Every value-moving operation in the system routes
	// through Debit, so this is the guard that keeps entries non-negative.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrOverflow is returned by Credit when an entry would exceed 2^256-1.
	// Unreachable with real asset supplies, but checked anyway.
	ErrOverflow = errors.New("balance overflow")
)

// Ledger maps (asset, account) to a non-negative uint256 amount.
//
// Not self-locking: the exchange serializes every access behind its own
// mutex, which is what the sequential-atomicity contract rests on. Reads
// mutate the cache too (read-through on miss), so they need the same
// serialization as writes.
//
// Entries are cached in memory and read through from Pebble on first touch.
// Mutations happen on a Txn, a copy-on-write view over the cache: the caller
// debits and credits the Txn, stages its dirty entries into the per-operation
// Pebble batch, and applies it to the cache only after the batch commits.
// Dropping a Txn discards the attempt with nothing observable, which is how
// any mid-operation failure reverts.
type Ledger struct {
	db      *pebble.DB
	entries map[asset.ID]map[common.Address]*uint256.Int
}

// New creates a ledger backed by the given Pebble database.
func New(db *pebble.DB) *Ledger {
	return &Ledger{
		db:      db,
		entries: make(map[asset.ID]map[common.Address]*uint256.Int),
	}
}

// BalanceOf returns a copy of the current committed entry. Absent entries are
// zero; zero and absent are indistinguishable by design.
func (l *Ledger) BalanceOf(a asset.ID, account common.Address) (*uint256.Int, error) {
	e, err := l.entry(a, account)
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).Set(e), nil
}

// entry returns the live cache entry, loading from Pebble on first touch.
// A faulted read must not be cached as zero: a later credit would commit
// 0+amount over the real persisted entry.
func (l *Ledger) entry(a asset.ID, account common.Address) (*uint256.Int, error) {
	byAccount, ok := l.entries[a]
	if !ok {
		byAccount = make(map[common.Address]*uint256.Int)
		l.entries[a] = byAccount
	}
	if e, ok := byAccount[account]; ok {
		return e, nil
	}

	e := new(uint256.Int)
	data, closer, err := l.db.Get(balanceKey(a, account))
	switch {
	case err == pebble.ErrNotFound:
		// Absent entry, zero balance.
	case err != nil:
		return nil, fmt.Errorf("load entry %s/%s: %w", a.Hex(), account.Hex(), err)
	default:
		e.SetBytes(data)
		closer.Close()
	}

	byAccount[account] = e
	return e, nil
}

// HoldersOf walks every persisted entry of one asset and returns the total
// amount custodied plus the number of non-zero holders. Used by the custody
// audit endpoint; sums persisted state, not the cache.
func (l *Ledger) HoldersOf(a asset.ID) (total *uint256.Int, holders int, err error) {
	prefix := assetPrefix(a)
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("ledger scan: %w", err)
	}
	defer iter.Close()

	total = new(uint256.Int)
	var e uint256.Int
	for iter.First(); iter.Valid(); iter.Next() {
		e.SetBytes(iter.Value())
		if e.IsZero() {
			continue
		}
		if _, overflow := total.AddOverflow(total, &e); overflow {
			return nil, 0, ErrOverflow
		}
		holders++
	}
	return total, holders, nil
}

// Txn is a copy-on-write view over the ledger for one operation. All checks
// run against the view, so a failed step leaves the ledger untouched: the
// caller simply drops the Txn.
type Txn struct {
	l     *Ledger
	dirty map[asset.ID]map[common.Address]*uint256.Int
}

// Begin opens a transaction view.
func (l *Ledger) Begin() *Txn {
	return &Txn{
		l:     l,
		dirty: make(map[asset.ID]map[common.Address]*uint256.Int),
	}
}

// BalanceOf returns a copy of the entry as seen by this transaction.
func (t *Txn) BalanceOf(a asset.ID, account common.Address) (*uint256.Int, error) {
	e, err := t.slot(a, account)
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).Set(e), nil
}

// Credit increases the entry by amount.
func (t *Txn) Credit(a asset.ID, account common.Address, amount *uint256.Int) error {
	e, err := t.slot(a, account)
	if err != nil {
		return err
	}
	sum := new(uint256.Int)
	if _, overflow := sum.AddOverflow(e, amount); overflow {
		return fmt.Errorf("credit %s to %s: %w", amount, account.Hex(), ErrOverflow)
	}
	e.Set(sum)
	return nil
}

// Debit decreases the entry by amount. A short entry rejects the whole
// amount rather than clamping; entries never go negative.
func (t *Txn) Debit(a asset.ID, account common.Address, amount *uint256.Int) error {
	e, err := t.slot(a, account)
	if err != nil {
		return err
	}
	if e.Lt(amount) {
		return fmt.Errorf("debit %s from %s (have %s): %w", amount, account.Hex(), e, ErrInsufficientBalance)
	}
	e.Sub(e, amount)
	return nil
}

// Stage writes every dirty entry into b.
func (t *Txn) Stage(b *pebble.Batch) error {
	for a, byAccount := range t.dirty {
		for account, e := range byAccount {
			v := e.Bytes32()
			if err := b.Set(balanceKey(a, account), v[:], nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// Commit applies the dirty entries to the ledger cache. Call only after the
// staged batch committed. Writes the cache directly: every dirty entry was
// loaded through slot, so no Pebble read can be needed here.
func (t *Txn) Commit() {
	for a, byAccount := range t.dirty {
		cache, ok := t.l.entries[a]
		if !ok {
			cache = make(map[common.Address]*uint256.Int)
			t.l.entries[a] = cache
		}
		for account, e := range byAccount {
			if cur, ok := cache[account]; ok {
				cur.Set(e)
			} else {
				cache[account] = e
			}
		}
	}
}

// slot returns the transaction-local copy of an entry, creating it from the
// committed state on first touch.
func (t *Txn) slot(a asset.ID, account common.Address) (*uint256.Int, error) {
	byAccount, ok := t.dirty[a]
	if !ok {
		byAccount = make(map[common.Address]*uint256.Int)
		t.dirty[a] = byAccount
	}
	if e, ok := byAccount[account]; ok {
		return e, nil
	}
	cur, err := t.l.entry(a, account)
	if err != nil {
		return nil, err
	}
	e := new(uint256.Int).Set(cur)
	byAccount[account] = e
	return e, nil
}
