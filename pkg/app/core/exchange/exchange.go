package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/uhyunpark/custodex/pkg/app/core/asset"
	"github.com/uhyunpark/custodex/pkg/app/core/book"
	"github.com/uhyunpark/custodex/pkg/app/core/custody"
	"github.com/uhyunpark/custodex/pkg/app/core/ledger"
	"github.com/uhyunpark/custodex/pkg/util"
)

// Exchange is the custodial ledger and order lifecycle state machine. All
// mutating operations serialize behind one mutex: an operation runs to
// completion — checks, ledger legs, order update, event append — before the
// next begins. That sequential contract is what makes debit-then-credit safe
// without finer locking, and it extends over the custody calls too, so no
// external transfer can observe an operation half-done.
//
// Durability follows the same shape: each operation stages every dirty
// record (balances, order, event) into one Pebble batch and commits it
// before any in-memory state or subscriber sees the change.
type Exchange struct {
	mu sync.RWMutex

	db     *pebble.DB
	ledger *ledger.Ledger
	book   *book.Store
	events *EventLog

	tokens custody.TokenCustody
	native custody.NativeTransport

	feeAccount common.Address
	feePercent uint64

	clock util.Clock
	log   *zap.SugaredLogger
}

// Config carries everything Open needs. Tokens and Native are required;
// Clock and Logger default to the real clock and a no-op logger.
type Config struct {
	DBPath     string
	FeeAccount common.Address
	FeePercent uint64

	Tokens custody.TokenCustody
	Native custody.NativeTransport

	Clock  util.Clock
	Logger *zap.SugaredLogger
}

// Open opens the exchange state at cfg.DBPath.
func Open(cfg Config) (*Exchange, error) {
	if cfg.FeePercent > 100 {
		return nil, fmt.Errorf("fee percent %d out of range", cfg.FeePercent)
	}
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}

	db, err := pebble.Open(cfg.DBPath, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble db at %s: %w", cfg.DBPath, err)
	}

	orders, err := book.NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	events, err := NewEventLog(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Exchange{
		db:         db,
		ledger:     ledger.New(db),
		book:       orders,
		events:     events,
		tokens:     cfg.Tokens,
		native:     cfg.Native,
		feeAccount: cfg.FeeAccount,
		feePercent: cfg.FeePercent,
		clock:      cfg.Clock,
		log:        cfg.Logger,
	}, nil
}

// Close closes the underlying database.
func (x *Exchange) Close() error { return x.db.Close() }

// Subscribe registers an event fan-out target. Call before serving traffic.
func (x *Exchange) Subscribe(fn func(Event)) { x.events.Subscribe(fn) }

func (x *Exchange) FeeAccount() common.Address { return x.feeAccount }
func (x *Exchange) FeePercent() uint64         { return x.feePercent }

// DepositNative credits native currency to account. The value transfer into
// custody is atomic with the call itself, so there is no transport step and
// the credit cannot be refused short of overflow.
func (x *Exchange) DepositNative(account common.Address, amount *uint256.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	txn := x.ledger.Begin()
	if err := txn.Credit(asset.Native, account, amount); err != nil {
		return err
	}
	if err := x.settleTransfer(txn, KindDeposit, asset.Native, account, amount); err != nil {
		return err
	}
	x.log.Infow("deposit", "asset", "native", "user", account.Hex(), "amount", amount.String())
	return nil
}

// DepositToken pulls amount of token from account's external wallet into
// custody, then credits the ledger. A rejected pull aborts the operation
// with no ledger mutation and no event.
func (x *Exchange) DepositToken(ctx context.Context, token asset.ID, account common.Address, amount *uint256.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if asset.IsNative(token) {
		return fmt.Errorf("deposit: native currency on token path: %w", custody.ErrAssetMismatch)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if err := x.tokens.Pull(ctx, token, account, amount); err != nil {
		return fmt.Errorf("deposit %s: %w", token.Hex(), err)
	}

	txn := x.ledger.Begin()
	if err := txn.Credit(token, account, amount); err != nil {
		return err
	}
	if err := x.settleTransfer(txn, KindDeposit, token, account, amount); err != nil {
		return err
	}
	x.log.Infow("deposit", "asset", token.Hex(), "user", account.Hex(), "amount", amount.String())
	return nil
}

// WithdrawNative debits the ledger, then pushes native value back to the
// account. The debit is the spend of record and precedes the external push;
// a rejected push drops the whole attempt, so the debit is never observable.
func (x *Exchange) WithdrawNative(ctx context.Context, account common.Address, amount *uint256.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	txn := x.ledger.Begin()
	if err := txn.Debit(asset.Native, account, amount); err != nil {
		return err
	}
	if err := x.native.PushValue(ctx, account, amount); err != nil {
		return fmt.Errorf("withdraw native: %w", err)
	}
	if err := x.settleTransfer(txn, KindWithdraw, asset.Native, account, amount); err != nil {
		return err
	}
	x.log.Infow("withdraw", "asset", "native", "user", account.Hex(), "amount", amount.String())
	return nil
}

// WithdrawToken debits the ledger, then instructs the token contract to
// transfer amount back to the account's external wallet. Same rollback
// contract as WithdrawNative.
func (x *Exchange) WithdrawToken(ctx context.Context, token asset.ID, account common.Address, amount *uint256.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	if asset.IsNative(token) {
		return fmt.Errorf("withdraw: native currency on token path: %w", custody.ErrAssetMismatch)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	txn := x.ledger.Begin()
	if err := txn.Debit(token, account, amount); err != nil {
		return err
	}
	if err := x.tokens.Push(ctx, token, account, amount); err != nil {
		return fmt.Errorf("withdraw %s: %w", token.Hex(), err)
	}
	if err := x.settleTransfer(txn, KindWithdraw, token, account, amount); err != nil {
		return err
	}
	x.log.Infow("withdraw", "asset", token.Hex(), "user", account.Hex(), "amount", amount.String())
	return nil
}

// MakeOrder posts an order. No balance check happens here: creation is free,
// and sufficiency is re-checked when the order fills.
func (x *Exchange) MakeOrder(creator common.Address, assetWanted asset.ID, amountWanted *uint256.Int, assetOffered asset.ID, amountOffered *uint256.Int) (*book.Order, error) {
	if err := checkAmount(amountWanted); err != nil {
		return nil, err
	}
	if err := checkAmount(amountOffered); err != nil {
		return nil, err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	now := x.clock.Now().UnixMilli()
	o := &book.Order{
		ID:            x.book.NextID(),
		Creator:       creator,
		AssetWanted:   assetWanted,
		AmountWanted:  new(uint256.Int).Set(amountWanted),
		AssetOffered:  assetOffered,
		AmountOffered: new(uint256.Int).Set(amountOffered),
		CreatedAt:     now,
	}

	b := x.db.NewBatch()
	defer b.Close()
	if err := x.book.Stage(b, o); err != nil {
		return nil, err
	}
	evt, err := x.events.Stage(b, KindOrder, now, Event{Order: orderInfo(o)})
	if err != nil {
		return nil, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		// Give the id back so the count stays equal to orders ever created.
		x.book.Unissue(o.ID)
		return nil, fmt.Errorf("commit order %d: %w", o.ID, err)
	}

	x.book.Put(o)
	x.events.Confirm(evt)
	x.log.Infow("order_created", "id", o.ID, "creator", creator.Hex())
	return o, nil
}

// CancelOrder moves an Open order to Cancelled. Only the creator may cancel,
// and only once: finalized orders reject further transitions.
func (x *Exchange) CancelOrder(caller common.Address, id uint64) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	o, err := x.book.Get(id)
	if err != nil {
		return err
	}
	if o.Creator != caller {
		return fmt.Errorf("cancel order %d by %s: %w", id, caller.Hex(), ErrUnauthorized)
	}
	if o.IsFinal() {
		return fmt.Errorf("cancel order %d: %w", id, ErrAlreadyFinalized)
	}

	now := x.clock.Now().UnixMilli()
	cancelled := *o
	cancelled.Cancelled = true

	b := x.db.NewBatch()
	defer b.Close()
	if err := x.book.Stage(b, &cancelled); err != nil {
		return err
	}
	evt, err := x.events.Stage(b, KindCancel, now, Event{Order: orderInfo(o)})
	if err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit cancel %d: %w", id, err)
	}

	o.Cancelled = true
	x.events.Confirm(evt)
	x.log.Infow("order_cancelled", "id", id, "creator", caller.Hex())
	return nil
}

// FillOrder settles an Open order against the filler's funds in six ledger
// legs, all-or-nothing:
//
//	debit  filler   amountWanted of assetWanted
//	debit  filler   fee          of assetWanted
//	credit creator  amountWanted of assetWanted
//	credit feeAcct  fee          of assetWanted
//	debit  creator  amountOffered of assetOffered
//	credit filler   amountOffered of assetOffered
//
// The creator-side debit failing is the expected stale-order path: funds may
// have moved since the order was posted. Any leg failing discards the whole
// attempt.
func (x *Exchange) FillOrder(filler common.Address, id uint64) (*book.Order, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	o, err := x.book.Get(id)
	if err != nil {
		return nil, err
	}
	if o.IsFinal() {
		return nil, fmt.Errorf("fill order %d: %w", id, ErrAlreadyFinalized)
	}

	feeAmt := fee(o.AmountWanted, x.feePercent)

	txn := x.ledger.Begin()
	steps := []error{
		txn.Debit(o.AssetWanted, filler, o.AmountWanted),
		txn.Debit(o.AssetWanted, filler, feeAmt),
		txn.Credit(o.AssetWanted, o.Creator, o.AmountWanted),
		txn.Credit(o.AssetWanted, x.feeAccount, feeAmt),
		txn.Debit(o.AssetOffered, o.Creator, o.AmountOffered),
		txn.Credit(o.AssetOffered, filler, o.AmountOffered),
	}
	for _, err := range steps {
		if err != nil {
			return nil, fmt.Errorf("fill order %d: %w", id, err)
		}
	}

	now := x.clock.Now().UnixMilli()
	filled := *o
	filled.Filled = true

	b := x.db.NewBatch()
	defer b.Close()
	if err := txn.Stage(b); err != nil {
		return nil, err
	}
	if err := x.book.Stage(b, &filled); err != nil {
		return nil, err
	}
	evt, err := x.events.Stage(b, KindTrade, now, Event{Trade: &TradeInfo{OrderInfo: *orderInfo(o), Filler: filler}})
	if err != nil {
		return nil, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return nil, fmt.Errorf("commit fill %d: %w", id, err)
	}

	txn.Commit()
	o.Filled = true
	x.events.Confirm(evt)
	x.log.Infow("order_filled", "id", id, "creator", o.Creator.Hex(), "filler", filler.Hex(), "fee", feeAmt.String())
	return o, nil
}

// BalanceOf returns the ledger entry for (asset, account). Zero if absent.
// Takes the write lock: the ledger reads through to Pebble and populates its
// cache on a miss, so concurrent readers would race on the cache maps.
func (x *Exchange) BalanceOf(a asset.ID, account common.Address) (*uint256.Int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.ledger.BalanceOf(a, account)
}

// OrderStatus derives Open/Filled/Cancelled for an order. Write lock for the
// same cache-on-miss reason as BalanceOf.
func (x *Exchange) OrderStatus(id uint64) (book.Status, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	o, err := x.book.Get(id)
	if err != nil {
		return 0, err
	}
	return o.Status(), nil
}

// Order returns a copy of the order record.
func (x *Exchange) Order(id uint64) (*book.Order, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	o, err := x.book.Get(id)
	if err != nil {
		return nil, err
	}
	cp := *o
	return &cp, nil
}

// OpenOrders lists every order still Open, in creation order.
func (x *Exchange) OpenOrders() ([]*book.Order, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.book.OpenOrders()
}

// OrderCount returns the number of orders ever created.
func (x *Exchange) OrderCount() uint64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.book.Count()
}

// EventsSince returns up to limit events after the given sequence number.
func (x *Exchange) EventsSince(after uint64, limit int) ([]Event, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.events.Since(after, limit)
}

// CustodyOf sums the persisted ledger for one asset: total owed to users and
// the number of non-zero holders. The total never exceeds what custody holds.
func (x *Exchange) CustodyOf(a asset.ID) (total *uint256.Int, holders int, err error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.ledger.HoldersOf(a)
}

// settleTransfer stages, commits, and confirms a deposit or withdraw: the
// ledger txn plus its event go in one batch, and memory state advances only
// after the batch is durable.
func (x *Exchange) settleTransfer(txn *ledger.Txn, kind Kind, a asset.ID, account common.Address, amount *uint256.Int) error {
	now := x.clock.Now().UnixMilli()

	newBalance, err := txn.BalanceOf(a, account)
	if err != nil {
		return err
	}

	b := x.db.NewBatch()
	defer b.Close()
	if err := txn.Stage(b); err != nil {
		return err
	}
	evt, err := x.events.Stage(b, kind, now, Event{Transfer: &Transfer{
		Asset:      a,
		User:       account,
		Amount:     new(uint256.Int).Set(amount),
		NewBalance: newBalance,
	}})
	if err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit %s: %w", kind, err)
	}

	txn.Commit()
	x.events.Confirm(evt)
	return nil
}

func orderInfo(o *book.Order) *OrderInfo {
	return &OrderInfo{
		ID:            o.ID,
		User:          o.Creator,
		AssetWanted:   o.AssetWanted,
		AmountWanted:  o.AmountWanted,
		AssetOffered:  o.AssetOffered,
		AmountOffered: o.AmountOffered,
		Timestamp:     o.CreatedAt,
	}
}

func checkAmount(amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	return nil
}
