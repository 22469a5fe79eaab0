package exchange

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/custodex/pkg/app/core/asset"
	"github.com/uhyunpark/custodex/pkg/app/core/book"
	"github.com/uhyunpark/custodex/pkg/app/core/custody"
	"github.com/uhyunpark/custodex/pkg/app/core/ledger"
)

var (
	user1      = common.HexToAddress("0xAA00000000000000000000000000000000000000")
	user2      = common.HexToAddress("0xBB00000000000000000000000000000000000000")
	feeAccount = common.HexToAddress("0x00000000000000000000000000000000000000fe")
	xtk        = asset.ID(common.HexToAddress("0x1000000000000000000000000000000000000001"))
)

// units converts whole tokens to 10^18 base units; tenths converts tenths of
// a token, so tenths(11) is 1.1 tokens.
func units(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1_000_000_000_000_000_000))
}

func tenths(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(100_000_000_000_000_000))
}

// newTestExchange opens an exchange over a temporary database and an
// in-process bank, with the classic 10% taker fee.
func newTestExchange(t *testing.T) (*Exchange, *custody.SimBank) {
	dbPath := fmt.Sprintf("./tmp_test_exchange_%s.db", t.Name())
	os.RemoveAll(dbPath)
	t.Cleanup(func() {
		os.RemoveAll(dbPath)
	})

	bank := custody.NewSimBank()
	x, err := Open(Config{
		DBPath:     dbPath,
		FeeAccount: feeAccount,
		FeePercent: 10,
		Tokens:     bank,
		Native:     bank,
	})
	if err != nil {
		t.Fatalf("failed to open exchange: %v", err)
	}
	t.Cleanup(func() {
		x.Close()
	})
	return x, bank
}

// fund mints and approves tokens so a deposit can pull them.
func fund(bank *custody.SimBank, owner common.Address, amount *uint256.Int) {
	bank.Mint(xtk, owner, amount)
	bank.Approve(xtk, owner, amount)
}

func wantBalance(t *testing.T, x *Exchange, a asset.ID, account common.Address, want *uint256.Int) {
	t.Helper()
	got, err := x.BalanceOf(a, account)
	if err != nil {
		t.Fatalf("balance read failed: %v", err)
	}
	if !got.Eq(want) {
		t.Errorf("balance of %s = %s, want %s", account.Hex(), got, want)
	}
}

func TestOpenRejectsBadFeePercent(t *testing.T) {
	_, err := Open(Config{DBPath: "./unused.db", FeePercent: 101})
	if err == nil {
		t.Fatal("expected error for fee percent > 100")
	}
}

func TestDepositNative(t *testing.T) {
	x, _ := newTestExchange(t)

	if err := x.DepositNative(user1, units(1)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	wantBalance(t, x, asset.Native, user1, units(1))

	events, err := x.EventsSince(0, 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	e := events[0]
	if e.Kind != KindDeposit || e.Seq != 1 {
		t.Errorf("event = %s seq %d, want Deposit seq 1", e.Kind, e.Seq)
	}
	if e.Transfer == nil || !e.Transfer.NewBalance.Eq(units(1)) {
		t.Errorf("deposit event should carry the new balance")
	}
}

func TestDepositZeroAmount(t *testing.T) {
	x, _ := newTestExchange(t)

	if err := x.DepositNative(user1, uint256.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero deposit err = %v, want ErrInvalidAmount", err)
	}
	if err := x.DepositNative(user1, nil); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("nil deposit err = %v, want ErrInvalidAmount", err)
	}
}

func TestDepositTokenRejectsNative(t *testing.T) {
	x, _ := newTestExchange(t)

	err := x.DepositToken(context.Background(), asset.Native, user1, units(1))
	if !errors.Is(err, custody.ErrAssetMismatch) {
		t.Fatalf("err = %v, want ErrAssetMismatch", err)
	}
}

func TestDepositTokenWithoutAllowance(t *testing.T) {
	x, bank := newTestExchange(t)
	bank.Mint(xtk, user1, units(10)) // Balance but no approval

	err := x.DepositToken(context.Background(), xtk, user1, units(10))
	if !errors.Is(err, custody.ErrTransferRejected) {
		t.Fatalf("err = %v, want ErrTransferRejected", err)
	}
	wantBalance(t, x, xtk, user1, uint256.NewInt(0))

	// Rejected operation leaves no event
	events, _ := x.EventsSince(0, 10)
	if len(events) != 0 {
		t.Errorf("got %d events after failed deposit, want 0", len(events))
	}
}

func TestDepositTokenRoundTrip(t *testing.T) {
	x, bank := newTestExchange(t)
	fund(bank, user1, units(10))

	if err := x.DepositToken(context.Background(), xtk, user1, units(10)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	wantBalance(t, x, xtk, user1, units(10))
	if held := bank.Held(xtk); !held.Eq(units(10)) {
		t.Errorf("custody holds %s, want 10 tokens", held)
	}

	if err := x.WithdrawToken(context.Background(), xtk, user1, units(4)); err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	wantBalance(t, x, xtk, user1, units(6))

	walletBal, _ := bank.BalanceOf(context.Background(), xtk, user1)
	if !walletBal.Eq(units(4)) {
		t.Errorf("wallet balance = %s, want 4 tokens back", walletBal)
	}
}

func TestWithdrawNative(t *testing.T) {
	x, bank := newTestExchange(t)
	x.DepositNative(user1, units(2))

	if err := x.WithdrawNative(context.Background(), user1, units(1)); err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	wantBalance(t, x, asset.Native, user1, units(1))

	walletBal, _ := bank.BalanceOf(context.Background(), asset.Native, user1)
	if !walletBal.Eq(units(1)) {
		t.Errorf("wallet native balance = %s, want 1", walletBal)
	}

	// Over-withdrawal rejects in full
	err := x.WithdrawNative(context.Background(), user1, units(5))
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	wantBalance(t, x, asset.Native, user1, units(1))
}

func TestMakeOrder(t *testing.T) {
	x, _ := newTestExchange(t)

	o, err := x.MakeOrder(user1, xtk, units(1), asset.Native, units(1))
	if err != nil {
		t.Fatalf("make order failed: %v", err)
	}
	if o.ID != 1 {
		t.Errorf("first order id = %d, want 1", o.ID)
	}
	if c := x.OrderCount(); c != 1 {
		t.Errorf("order count = %d, want 1", c)
	}

	status, err := x.OrderStatus(1)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status != book.Open {
		t.Errorf("status = %s, want open", status)
	}

	events, _ := x.EventsSince(0, 10)
	if len(events) != 1 || events[0].Kind != KindOrder {
		t.Fatalf("expected one Order event, got %v", events)
	}
	if events[0].Order == nil || events[0].Order.ID != 1 || events[0].Order.User != user1 {
		t.Errorf("order event payload wrong: %+v", events[0].Order)
	}
}

func TestMakeOrderZeroAmounts(t *testing.T) {
	x, _ := newTestExchange(t)

	if _, err := x.MakeOrder(user1, xtk, uint256.NewInt(0), asset.Native, units(1)); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero wanted err = %v, want ErrInvalidAmount", err)
	}
	if _, err := x.MakeOrder(user1, xtk, units(1), asset.Native, uint256.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero offered err = %v, want ErrInvalidAmount", err)
	}
	if c := x.OrderCount(); c != 0 {
		t.Errorf("order count = %d after rejected orders, want 0", c)
	}
}

func TestCancelOrder(t *testing.T) {
	x, _ := newTestExchange(t)
	o, _ := x.MakeOrder(user1, xtk, units(1), asset.Native, units(1))

	// Only the creator may cancel
	err := x.CancelOrder(user2, o.ID)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}

	if err := x.CancelOrder(user1, o.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	status, _ := x.OrderStatus(o.ID)
	if status != book.Cancelled {
		t.Errorf("status = %s, want cancelled", status)
	}

	// Terminal states reject further transitions
	if err := x.CancelOrder(user1, o.ID); !errors.Is(err, ErrAlreadyFinalized) {
		t.Errorf("double cancel err = %v, want ErrAlreadyFinalized", err)
	}
	if _, err := x.FillOrder(user2, o.ID); !errors.Is(err, ErrAlreadyFinalized) {
		t.Errorf("fill after cancel err = %v, want ErrAlreadyFinalized", err)
	}

	events, _ := x.EventsSince(0, 10)
	if len(events) != 2 || events[1].Kind != KindCancel {
		t.Fatalf("expected Order then Cancel events, got %v", events)
	}
}

func TestOrderNotFound(t *testing.T) {
	x, _ := newTestExchange(t)

	if err := x.CancelOrder(user1, 42); !errors.Is(err, book.ErrOrderNotFound) {
		t.Errorf("cancel err = %v, want ErrOrderNotFound", err)
	}
	if _, err := x.FillOrder(user1, 42); !errors.Is(err, book.ErrOrderNotFound) {
		t.Errorf("fill err = %v, want ErrOrderNotFound", err)
	}
	if _, err := x.Order(42); !errors.Is(err, book.ErrOrderNotFound) {
		t.Errorf("get err = %v, want ErrOrderNotFound", err)
	}
}

// TestFillOrderSettlement walks the classic scenario at 10% fee: user1 posts
// an order wanting 1 token for 1 native unit, user2 fills it. User2 pays
// 1.1 tokens in total, user1 receives exactly 1, and the fee account keeps
// the 0.1 difference.
func TestFillOrderSettlement(t *testing.T) {
	x, bank := newTestExchange(t)

	x.DepositNative(user1, units(1))
	fund(bank, user2, units(2))
	x.DepositToken(context.Background(), xtk, user2, units(2))

	o, err := x.MakeOrder(user1, xtk, units(1), asset.Native, units(1))
	if err != nil {
		t.Fatalf("make order failed: %v", err)
	}
	if _, err := x.FillOrder(user2, o.ID); err != nil {
		t.Fatalf("fill failed: %v", err)
	}

	wantBalance(t, x, xtk, user1, units(1))
	wantBalance(t, x, asset.Native, user1, uint256.NewInt(0))
	wantBalance(t, x, xtk, user2, tenths(9)) // 2 - 1.1
	wantBalance(t, x, asset.Native, user2, units(1))
	wantBalance(t, x, xtk, feeAccount, tenths(1))

	status, _ := x.OrderStatus(o.ID)
	if status != book.Filled {
		t.Errorf("status = %s, want filled", status)
	}

	events, _ := x.EventsSince(0, 10)
	last := events[len(events)-1]
	if last.Kind != KindTrade || last.Trade == nil {
		t.Fatalf("last event = %s, want Trade", last.Kind)
	}
	if last.Trade.Filler != user2 || last.Trade.User != user1 {
		t.Errorf("trade event parties wrong: %+v", last.Trade)
	}
}

func TestFillOrderInsufficientFillerFunds(t *testing.T) {
	x, bank := newTestExchange(t)

	x.DepositNative(user1, units(1))
	// User2 holds exactly the wanted amount but not the fee on top
	fund(bank, user2, units(1))
	x.DepositToken(context.Background(), xtk, user2, units(1))

	o, _ := x.MakeOrder(user1, xtk, units(1), asset.Native, units(1))
	_, err := x.FillOrder(user2, o.ID)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}

	// Nothing moved, order still fillable
	wantBalance(t, x, asset.Native, user1, units(1))
	wantBalance(t, x, xtk, user2, units(1))
	wantBalance(t, x, xtk, feeAccount, uint256.NewInt(0))
	status, _ := x.OrderStatus(o.ID)
	if status != book.Open {
		t.Errorf("status = %s, want open after failed fill", status)
	}
}

// TestFillStaleOrder covers the expected failure path: the creator moved the
// offered funds out after posting, so the creator-side debit fails and the
// whole fill reverts with all four positions untouched.
func TestFillStaleOrder(t *testing.T) {
	x, bank := newTestExchange(t)

	x.DepositNative(user1, units(1))
	fund(bank, user2, units(2))
	x.DepositToken(context.Background(), xtk, user2, units(2))

	o, _ := x.MakeOrder(user1, xtk, units(1), asset.Native, units(1))

	// Creator withdraws the offered native after posting
	if err := x.WithdrawNative(context.Background(), user1, units(1)); err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}

	_, err := x.FillOrder(user2, o.ID)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}

	wantBalance(t, x, asset.Native, user1, uint256.NewInt(0))
	wantBalance(t, x, xtk, user1, uint256.NewInt(0))
	wantBalance(t, x, xtk, user2, units(2))
	wantBalance(t, x, asset.Native, user2, uint256.NewInt(0))
	wantBalance(t, x, xtk, feeAccount, uint256.NewInt(0))

	status, _ := x.OrderStatus(o.ID)
	if status != book.Open {
		t.Errorf("status = %s, want open", status)
	}
}

func TestOpenOrdersListing(t *testing.T) {
	x, _ := newTestExchange(t)

	o1, _ := x.MakeOrder(user1, xtk, units(1), asset.Native, units(1))
	o2, _ := x.MakeOrder(user2, asset.Native, units(1), xtk, units(1))
	o3, _ := x.MakeOrder(user1, xtk, units(2), asset.Native, units(2))
	x.CancelOrder(user2, o2.ID)

	open, err := x.OpenOrders()
	if err != nil {
		t.Fatalf("open orders: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("open = %d orders, want 2", len(open))
	}
	if open[0].ID != o1.ID || open[1].ID != o3.ID {
		t.Errorf("open order ids = %d,%d, want %d,%d", open[0].ID, open[1].ID, o1.ID, o3.ID)
	}
}

// TestEventSequence checks that the log numbers operations 1..n in execution
// order and that failed operations never consume a sequence number.
func TestEventSequence(t *testing.T) {
	x, bank := newTestExchange(t)

	var seen []Event
	x.Subscribe(func(e Event) { seen = append(seen, e) })

	x.DepositNative(user1, units(1))
	fund(bank, user2, units(2))
	x.DepositToken(context.Background(), xtk, user2, units(2))
	o, _ := x.MakeOrder(user1, xtk, units(1), asset.Native, units(1))
	x.WithdrawNative(context.Background(), user1, units(5)) // Fails, no event
	x.FillOrder(user2, o.ID)

	wantKinds := []Kind{KindDeposit, KindDeposit, KindOrder, KindTrade}
	if len(seen) != len(wantKinds) {
		t.Fatalf("got %d events, want %d", len(seen), len(wantKinds))
	}
	for i, e := range seen {
		if e.Kind != wantKinds[i] {
			t.Errorf("event %d kind = %s, want %s", i, e.Kind, wantKinds[i])
		}
		if e.Seq != uint64(i+1) {
			t.Errorf("event %d seq = %d, want %d", i, e.Seq, i+1)
		}
		if e.ID == (common.Hash{}) {
			t.Errorf("event %d has empty id", i)
		}
	}

	// Persisted log matches the fan-out, and pagination holds
	events, _ := x.EventsSince(0, 100)
	if len(events) != len(seen) {
		t.Fatalf("persisted %d events, want %d", len(events), len(seen))
	}
	tail, _ := x.EventsSince(2, 100)
	if len(tail) != 2 || tail[0].Seq != 3 {
		t.Errorf("EventsSince(2) = %v, want seqs 3,4", tail)
	}
	page, _ := x.EventsSince(0, 2)
	if len(page) != 2 || page[1].Seq != 2 {
		t.Errorf("limit 2 returned %d events", len(page))
	}
}

// TestConcurrentReads hammers the read paths from many goroutines. Reads
// populate ledger and book caches on a miss, so they must serialize against
// each other as well as against writes.
func TestConcurrentReads(t *testing.T) {
	x, _ := newTestExchange(t)

	x.DepositNative(user1, units(3))
	o, err := x.MakeOrder(user1, xtk, units(1), asset.Native, units(1))
	if err != nil {
		t.Fatalf("make order failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			account := common.BytesToAddress([]byte{byte(i + 1)})
			if _, err := x.BalanceOf(asset.Native, account); err != nil {
				t.Errorf("balance read failed: %v", err)
			}
			if _, err := x.OrderStatus(o.ID); err != nil {
				t.Errorf("status read failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	wantBalance(t, x, asset.Native, user1, units(3))
}

// TestEventLogCorruptRecord checks that an unreadable log record surfaces as
// an error, both on a scan and on counter recovery.
func TestEventLogCorruptRecord(t *testing.T) {
	dbPath := fmt.Sprintf("./tmp_test_exchange_%s.db", t.Name())
	os.RemoveAll(dbPath)
	t.Cleanup(func() {
		os.RemoveAll(dbPath)
	})

	db, err := pebble.Open(dbPath, &pebble.Options{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})

	l, err := NewEventLog(db)
	if err != nil {
		t.Fatalf("new event log: %v", err)
	}
	if err := db.Set(eventKey(1), []byte("{not json"), pebble.Sync); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	if _, err := l.Since(0, 10); err == nil {
		t.Error("expected error from Since on corrupt record")
	}
	if _, err := NewEventLog(db); err == nil {
		t.Error("expected error recovering counter over corrupt record")
	}
}

func TestCustodyOf(t *testing.T) {
	x, bank := newTestExchange(t)

	fund(bank, user1, units(3))
	fund(bank, user2, units(5))
	x.DepositToken(context.Background(), xtk, user1, units(3))
	x.DepositToken(context.Background(), xtk, user2, units(5))

	total, holders, err := x.CustodyOf(xtk)
	if err != nil {
		t.Fatalf("custody scan: %v", err)
	}
	if !total.Eq(units(8)) {
		t.Errorf("total = %s, want 8 tokens", total)
	}
	if holders != 2 {
		t.Errorf("holders = %d, want 2", holders)
	}

	// Ledger total never exceeds what the bank actually holds
	if held := bank.Held(xtk); held.Lt(total) {
		t.Errorf("bank holds %s < ledger total %s", held, total)
	}
}

// TestRecoveryAfterReopen restarts the exchange over the same database and
// checks balances, orders, and the event counter all survive.
func TestRecoveryAfterReopen(t *testing.T) {
	dbPath := fmt.Sprintf("./tmp_test_exchange_%s.db", t.Name())
	os.RemoveAll(dbPath)
	t.Cleanup(func() {
		os.RemoveAll(dbPath)
	})

	bank := custody.NewSimBank()
	cfg := Config{
		DBPath:     dbPath,
		FeeAccount: feeAccount,
		FeePercent: 10,
		Tokens:     bank,
		Native:     bank,
	}

	x, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	x.DepositNative(user1, units(3))
	o, _ := x.MakeOrder(user1, xtk, units(1), asset.Native, units(1))
	if err := x.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	x, err = Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() {
		x.Close()
	})

	wantBalance(t, x, asset.Native, user1, units(3))
	status, err := x.OrderStatus(o.ID)
	if err != nil {
		t.Fatalf("status after reopen: %v", err)
	}
	if status != book.Open {
		t.Errorf("status = %s, want open", status)
	}
	if c := x.OrderCount(); c != 1 {
		t.Errorf("order count = %d, want 1", c)
	}

	// New events continue the old sequence
	x.DepositNative(user2, units(1))
	events, _ := x.EventsSince(0, 10)
	if len(events) != 3 || events[2].Seq != 3 {
		t.Errorf("expected 3 events with contiguous seqs, got %v", events)
	}
}

func TestFeeRounding(t *testing.T) {
	// floor(15 * 10 / 100) = 1
	if f := fee(uint256.NewInt(15), 10); f.Uint64() != 1 {
		t.Errorf("fee(15, 10%%) = %s, want 1", f)
	}
	// Amounts too small to carry a fee pay nothing
	if f := fee(uint256.NewInt(9), 10); !f.IsZero() {
		t.Errorf("fee(9, 10%%) = %s, want 0", f)
	}
	if f := fee(units(1), 0); !f.IsZero() {
		t.Errorf("fee at 0%% = %s, want 0", f)
	}
	if f := fee(units(1), 100); !f.Eq(units(1)) {
		t.Errorf("fee at 100%% = %s, want the full amount", f)
	}
}
