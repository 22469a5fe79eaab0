package book

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// ErrOrderNotFound is returned by Get for ids that were never issued.
var ErrOrderNotFound = errors.New("order not found")

// Store holds every order ever created, keyed by id. Ids are issued by a
// monotonic counter starting at 1 and are never reused; records are never
// deleted, so the store doubles as the order history.
//
// Like the ledger, the store is not self-locking: the exchange serializes
// access. Mutations only touch the in-memory map; the caller stages dirty
// records into its per-operation Pebble batch.
type Store struct {
	db     *pebble.DB
	orders map[uint64]*Order
	lastID uint64
}

// NewStore opens the order store, recovering the id counter from Pebble.
func NewStore(db *pebble.DB) (*Store, error) {
	s := &Store{
		db:     db,
		orders: make(map[uint64]*Order),
	}

	data, closer, err := db.Get([]byte(keyOrderCount))
	switch {
	case err == pebble.ErrNotFound:
		// Fresh database, counter starts at zero.
	case err != nil:
		return nil, fmt.Errorf("load order counter: %w", err)
	default:
		s.lastID = binary.BigEndian.Uint64(data)
		closer.Close()
	}

	return s, nil
}

// NextID issues a fresh strictly-increasing order id.
func (s *Store) NextID() uint64 {
	s.lastID++
	return s.lastID
}

// Unissue rolls the counter back after a failed commit so the id is reissued
// to the next order instead of leaving a gap. Only the most recently issued
// id can be returned; ids behind committed orders are never reclaimed.
func (s *Store) Unissue(id uint64) {
	if id == s.lastID {
		s.lastID--
	}
}

// Count returns the number of orders ever created. Equals the last issued id.
func (s *Store) Count() uint64 {
	return s.lastID
}

// Put inserts or replaces an order record in memory.
func (s *Store) Put(o *Order) {
	s.orders[o.ID] = o
}

// Get returns the order with the given id, reading through from Pebble on a
// cache miss. Unknown ids return ErrOrderNotFound.
func (s *Store) Get(id uint64) (*Order, error) {
	if o, ok := s.orders[id]; ok {
		return o, nil
	}

	data, closer, err := s.db.Get(orderKey(id))
	if err == pebble.ErrNotFound {
		return nil, fmt.Errorf("order %d: %w", id, ErrOrderNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load order %d: %w", id, err)
	}
	defer closer.Close()

	var o Order
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order %d: %w", id, err)
	}

	s.orders[id] = &o
	return &o, nil
}

// Stage writes the order record and the id counter into b.
func (s *Store) Stage(b *pebble.Batch, o *Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal order %d: %w", o.ID, err)
	}
	if err := b.Set(orderKey(o.ID), data, nil); err != nil {
		return err
	}

	var count [8]byte
	binary.BigEndian.PutUint64(count[:], s.lastID)
	return b.Set([]byte(keyOrderCount), count[:], nil)
}

// OpenOrders returns every order still in the Open state, in creation order.
// Scans persisted state so the listing survives restarts.
func (s *Store) OpenOrders() ([]*Order, error) {
	prefix := orderPrefix()
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("order scan: %w", err)
	}
	defer iter.Close()

	var open []*Order
	for iter.First(); iter.Valid(); iter.Next() {
		var o Order
		if err := json.Unmarshal(iter.Value(), &o); err != nil {
			return nil, fmt.Errorf("unmarshal order record %s: %w", iter.Key(), err)
		}
		if !o.IsFinal() {
			open = append(open, &o)
		}
	}
	return open, nil
}
