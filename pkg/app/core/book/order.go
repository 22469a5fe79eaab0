package book

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/custodex/pkg/app/core/asset"
)

// Order is an exchange order as posted by its creator. The offered amount is
// not escrowed at creation; sufficiency is re-checked when the order fills.
type Order struct {
	ID      uint64         `json:"id"`
	Creator common.Address `json:"creator"`

	// What the creator wants to receive and what they give up for it.
	AssetWanted   asset.ID     `json:"assetWanted"`
	AmountWanted  *uint256.Int `json:"amountWanted"`
	AssetOffered  asset.ID     `json:"assetOffered"`
	AmountOffered *uint256.Int `json:"amountOffered"`

	CreatedAt int64 `json:"createdAt"` // Unix milliseconds; display ordering only

	// Lifecycle flags. Each is set at most once and never cleared.
	Filled    bool `json:"filled"`
	Cancelled bool `json:"cancelled"`
}

// Status is the derived lifecycle state of an order.
type Status int8

const (
	Open Status = iota
	Filled
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Open:
		return "open"
	case Filled:
		return "filled"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Status derives the lifecycle state from the two flags. Both flags set at
// once is unreachable: fill and cancel each reject finalized orders.
func (o *Order) Status() Status {
	switch {
	case o.Filled:
		return Filled
	case o.Cancelled:
		return Cancelled
	default:
		return Open
	}
}

// IsFinal reports whether the order reached a terminal state.
func (o *Order) IsFinal() bool {
	return o.Filled || o.Cancelled
}
