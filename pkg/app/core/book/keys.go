package book

import "fmt"

// Pebble key schema. Order ids are zero-padded so lexicographic order equals
// numeric order and a prefix scan replays the book in creation order.

const (
	prefixOrder   = "ord:"
	keyOrderCount = "meta:ordercount"
)

// orderKey returns the key for an order record.
// Format: "ord:{id}" with the id zero-padded to 20 digits.
func orderKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixOrder, id))
}

// orderPrefix covers every order record.
func orderPrefix() []byte {
	return []byte(prefixOrder)
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
