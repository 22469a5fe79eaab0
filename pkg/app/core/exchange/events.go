package exchange

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"

	"github.com/uhyunpark/custodex/pkg/app/core/asset"
)

// Event kinds, named after the original contract events the frontend and
// indexers already consume.
type Kind string

const (
	KindDeposit  Kind = "Deposit"
	KindWithdraw Kind = "Withdraw"
	KindOrder    Kind = "Order"
	KindCancel   Kind = "Cancel"
	KindTrade    Kind = "Trade"
)

// Transfer is the payload of Deposit and Withdraw events.
type Transfer struct {
	Asset      asset.ID       `json:"asset"`
	User       common.Address `json:"user"`
	Amount     *uint256.Int   `json:"amount"`
	NewBalance *uint256.Int   `json:"newBalance"`
}

// OrderInfo is the payload of Order and Cancel events.
type OrderInfo struct {
	ID            uint64         `json:"id"`
	User          common.Address `json:"user"`
	AssetWanted   asset.ID       `json:"assetWanted"`
	AmountWanted  *uint256.Int   `json:"amountWanted"`
	AssetOffered  asset.ID       `json:"assetOffered"`
	AmountOffered *uint256.Int   `json:"amountOffered"`
	Timestamp     int64          `json:"timestamp"`
}

// TradeInfo is the payload of Trade events: the order legs plus the filler.
type TradeInfo struct {
	OrderInfo
	Filler common.Address `json:"filler"`
}

// Event is one append-only log record. Exactly one payload field is set,
// matching Kind.
type Event struct {
	Seq  uint64      `json:"seq"`
	Kind Kind        `json:"kind"`
	ID   common.Hash `json:"eventId"`
	Time int64       `json:"time"` // Unix milliseconds

	Transfer *Transfer  `json:"transfer,omitempty"`
	Order    *OrderInfo `json:"order,omitempty"`
	Trade    *TradeInfo `json:"trade,omitempty"`
}

const prefixEvent = "evt:"

func eventKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixEvent, seq))
}

// EventLog is the append-only notification sequence. Sequence numbers are
// assigned under the exchange mutex, so log order equals operation order.
// An event is staged into the operation's batch, and only confirmed (counter
// advanced, subscribers notified) after that batch commits — a failed
// operation leaves no trace in the log.
type EventLog struct {
	db   *pebble.DB
	seq  uint64 // last confirmed sequence number
	subs []func(Event)
}

// NewEventLog opens the log, recovering the sequence counter from the last
// persisted record.
func NewEventLog(db *pebble.DB) (*EventLog, error) {
	l := &EventLog{db: db}

	prefix := []byte(prefixEvent)
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	upper[len(upper)-1]++

	iter, err := db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("event scan: %w", err)
	}
	defer iter.Close()

	if iter.Last() && iter.Valid() {
		var e Event
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return nil, fmt.Errorf("unmarshal last event: %w", err)
		}
		l.seq = e.Seq
	}
	return l, nil
}

// Subscribe registers a fan-out target. Called at startup before the first
// operation; subscribers run synchronously inside the operation, after its
// batch commits.
func (l *EventLog) Subscribe(fn func(Event)) {
	l.subs = append(l.subs, fn)
}

// Stage builds the next event and writes it into b. The sequence counter is
// not advanced until Confirm.
func (l *EventLog) Stage(b *pebble.Batch, kind Kind, now int64, e Event) (Event, error) {
	e.Seq = l.seq + 1
	e.Kind = kind
	e.Time = now
	e.ID = eventID(e)

	data, err := json.Marshal(&e)
	if err != nil {
		return Event{}, fmt.Errorf("marshal event %d: %w", e.Seq, err)
	}
	if err := b.Set(eventKey(e.Seq), data, nil); err != nil {
		return Event{}, err
	}
	return e, nil
}

// Confirm advances the counter and notifies subscribers. Call only after the
// staged batch committed.
func (l *EventLog) Confirm(e Event) {
	l.seq = e.Seq
	for _, fn := range l.subs {
		fn(e)
	}
}

// Since returns up to limit events with sequence numbers greater than after,
// oldest first.
func (l *EventLog) Since(after uint64, limit int) ([]Event, error) {
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: eventKey(after + 1),
		UpperBound: eventKey(^uint64(0)),
	})
	if err != nil {
		return nil, fmt.Errorf("event scan: %w", err)
	}
	defer iter.Close()

	var out []Event
	for iter.First(); iter.Valid() && len(out) < limit; iter.Next() {
		var e Event
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return nil, fmt.Errorf("unmarshal event record %s: %w", iter.Key(), err)
		}
		out = append(out, e)
	}
	return out, nil
}

// eventID hashes the sequence number and payload into a stable identifier.
// Keccak to match the identifiers the original chain events carried.
func eventID(e Event) common.Hash {
	h := sha3.NewLegacyKeccak256()
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], e.Seq)
	h.Write(seq[:])
	h.Write([]byte(e.Kind))
	if payload, err := json.Marshal(struct {
		T *Transfer  `json:"t,omitempty"`
		O *OrderInfo `json:"o,omitempty"`
		X *TradeInfo `json:"x,omitempty"`
	}{e.Transfer, e.Order, e.Trade}); err == nil {
		h.Write(payload)
	}
	return common.BytesToHash(h.Sum(nil))
}
