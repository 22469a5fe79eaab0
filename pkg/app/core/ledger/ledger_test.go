package ledger

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/custodex/pkg/app/core/asset"
)

// newTestDB opens a temporary Pebble database, one path per test to avoid
// lock conflicts.
func newTestDB(t *testing.T) *pebble.DB {
	dbPath := fmt.Sprintf("./tmp_test_ledger_%s.db", t.Name())
	os.RemoveAll(dbPath)
	t.Cleanup(func() {
		os.RemoveAll(dbPath)
	})

	db, err := pebble.Open(dbPath, &pebble.Options{})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

// commit stages a transaction into a batch, commits it, and applies it to
// the cache, the way the exchange does per operation.
func commit(t *testing.T, db *pebble.DB, txn *Txn) {
	b := db.NewBatch()
	defer b.Close()
	if err := txn.Stage(b); err != nil {
		t.Fatalf("stage failed: %v", err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	txn.Commit()
}

var (
	alice = common.HexToAddress("0xAA00000000000000000000000000000000000000")
	bob   = common.HexToAddress("0xBB00000000000000000000000000000000000000")
	xtk   = asset.ID(common.HexToAddress("0x1000000000000000000000000000000000000001"))
)

func balance(t *testing.T, l *Ledger, a asset.ID, account common.Address) *uint256.Int {
	t.Helper()
	b, err := l.BalanceOf(a, account)
	if err != nil {
		t.Fatalf("balance read failed: %v", err)
	}
	return b
}

func TestBalanceDefaultsZero(t *testing.T) {
	l := New(newTestDB(t))

	if b := balance(t, l, asset.Native, alice); !b.IsZero() {
		t.Errorf("fresh balance = %s, want 0", b)
	}
	if b := balance(t, l, xtk, alice); !b.IsZero() {
		t.Errorf("fresh token balance = %s, want 0", b)
	}
}

func TestCreditDebitRoundTrip(t *testing.T) {
	db := newTestDB(t)
	l := New(db)

	txn := l.Begin()
	if err := txn.Credit(xtk, alice, uint256.NewInt(100)); err != nil {
		t.Fatalf("credit failed: %v", err)
	}
	commit(t, db, txn)

	if b := balance(t, l, xtk, alice); b.Uint64() != 100 {
		t.Errorf("balance = %s, want 100", b)
	}

	txn = l.Begin()
	if err := txn.Debit(xtk, alice, uint256.NewInt(30)); err != nil {
		t.Fatalf("debit failed: %v", err)
	}
	commit(t, db, txn)

	if b := balance(t, l, xtk, alice); b.Uint64() != 70 {
		t.Errorf("balance = %s, want 70", b)
	}
}

func TestDebitInsufficient(t *testing.T) {
	db := newTestDB(t)
	l := New(db)

	txn := l.Begin()
	txn.Credit(xtk, alice, uint256.NewInt(50))
	commit(t, db, txn)

	txn = l.Begin()
	err := txn.Debit(xtk, alice, uint256.NewInt(51))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}

	// Rejected amount in full: nothing partial
	if b := balance(t, l, xtk, alice); b.Uint64() != 50 {
		t.Errorf("balance = %s, want 50 (untouched)", b)
	}
}

func TestCreditOverflow(t *testing.T) {
	db := newTestDB(t)
	l := New(db)

	max := new(uint256.Int).SetAllOne()
	txn := l.Begin()
	if err := txn.Credit(xtk, alice, max); err != nil {
		t.Fatalf("credit to max failed: %v", err)
	}
	commit(t, db, txn)

	txn = l.Begin()
	err := txn.Credit(xtk, alice, uint256.NewInt(1))
	if !errors.Is(err, ErrOverflow) {
		t.Fatalf("err = %v, want ErrOverflow", err)
	}
	if b := balance(t, l, xtk, alice); !b.Eq(max) {
		t.Errorf("balance changed after rejected credit")
	}
}

func TestDroppedTxnLeavesNoTrace(t *testing.T) {
	db := newTestDB(t)
	l := New(db)

	txn := l.Begin()
	txn.Credit(xtk, alice, uint256.NewInt(500))
	txn.Credit(asset.Native, bob, uint256.NewInt(7))
	// Dropped without Stage/Commit

	if b := balance(t, l, xtk, alice); !b.IsZero() {
		t.Errorf("alice balance = %s, want 0", b)
	}
	if b := balance(t, l, asset.Native, bob); !b.IsZero() {
		t.Errorf("bob balance = %s, want 0", b)
	}
}

func TestTxnViewIsolation(t *testing.T) {
	db := newTestDB(t)
	l := New(db)

	txn := l.Begin()
	txn.Credit(xtk, alice, uint256.NewInt(42))

	// The view sees the pending credit, the ledger does not
	b, err := txn.BalanceOf(xtk, alice)
	if err != nil {
		t.Fatalf("txn balance read failed: %v", err)
	}
	if b.Uint64() != 42 {
		t.Errorf("txn view = %s, want 42", b)
	}
	if b := balance(t, l, xtk, alice); !b.IsZero() {
		t.Errorf("ledger = %s, want 0 before commit", b)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dbPath := fmt.Sprintf("./tmp_test_ledger_%s.db", t.Name())
	os.RemoveAll(dbPath)
	t.Cleanup(func() {
		os.RemoveAll(dbPath)
	})

	db, err := pebble.Open(dbPath, &pebble.Options{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	l := New(db)
	txn := l.Begin()
	txn.Credit(xtk, alice, uint256.NewInt(12345))
	commit(t, db, txn)
	if err := db.Close(); err != nil {
		t.Fatalf("close db: %v", err)
	}

	db, err = pebble.Open(dbPath, &pebble.Options{})
	if err != nil {
		t.Fatalf("reopen db: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})

	l = New(db)
	if b := balance(t, l, xtk, alice); b.Uint64() != 12345 {
		t.Errorf("balance after reopen = %s, want 12345", b)
	}
}

// TestReadFaultSurfaces checks that a faulted store read is reported instead
// of being treated as a zero balance, which a later credit would then commit
// over the real entry. The fault is induced by flushing an entry to disk and
// deleting the table file out from under a fresh cache.
func TestReadFaultSurfaces(t *testing.T) {
	mem := vfs.NewMem()
	db, err := pebble.Open("ledger", &pebble.Options{FS: mem})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})

	l := New(db)
	txn := l.Begin()
	if err := txn.Credit(xtk, alice, uint256.NewInt(77)); err != nil {
		t.Fatalf("credit failed: %v", err)
	}
	commit(t, db, txn)
	if err := db.Flush(); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	files, err := mem.List("ledger")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	removed := false
	for _, f := range files {
		if strings.HasSuffix(f, ".sst") {
			if err := mem.Remove(mem.PathJoin("ledger", f)); err != nil {
				t.Fatalf("remove %s: %v", f, err)
			}
			removed = true
		}
	}
	if !removed {
		t.Fatal("no table file found after flush")
	}

	// A fresh cache must read through and surface the fault, never report
	// zero for an entry that exists on disk
	fresh := New(db)
	if _, err := fresh.BalanceOf(xtk, alice); err == nil {
		t.Error("expected error from BalanceOf on faulted store")
	}
	txn = fresh.Begin()
	if err := txn.Credit(xtk, alice, uint256.NewInt(1)); err == nil {
		t.Error("expected error from Credit on faulted store")
	}
	if err := txn.Debit(xtk, alice, uint256.NewInt(1)); err == nil {
		t.Error("expected error from Debit on faulted store")
	}
}

func TestHoldersOf(t *testing.T) {
	db := newTestDB(t)
	l := New(db)

	txn := l.Begin()
	txn.Credit(xtk, alice, uint256.NewInt(100))
	txn.Credit(xtk, bob, uint256.NewInt(250))
	txn.Credit(asset.Native, alice, uint256.NewInt(999)) // Different asset, not counted
	commit(t, db, txn)

	total, holders, err := l.HoldersOf(xtk)
	if err != nil {
		t.Fatalf("holders scan failed: %v", err)
	}
	if total.Uint64() != 350 {
		t.Errorf("total = %s, want 350", total)
	}
	if holders != 2 {
		t.Errorf("holders = %d, want 2", holders)
	}

	// Debiting an entry to zero drops it from the holder count
	txn = l.Begin()
	txn.Debit(xtk, alice, uint256.NewInt(100))
	commit(t, db, txn)

	total, holders, err = l.HoldersOf(xtk)
	if err != nil {
		t.Fatalf("holders scan failed: %v", err)
	}
	if total.Uint64() != 250 {
		t.Errorf("total = %s, want 250", total)
	}
	if holders != 1 {
		t.Errorf("holders = %d, want 1", holders)
	}
}
