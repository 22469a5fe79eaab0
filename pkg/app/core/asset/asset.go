package asset

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ID identifies an asset held in custody. It is either the address of the
// custodied token contract or Native, the sentinel for the chain's native
// currency. The ledger treats both uniformly; only the deposit/withdraw entry
// points care which one they are moving.
type ID = common.Address

// Native is the zero address, reserved for the native currency. No token
// contract can live at the zero address, so the sentinel cannot collide.
var Native = common.Address{}

// IsNative reports whether id is the native-currency sentinel.
func IsNative(id ID) bool {
	return id == Native
}

// Parse converts a 0x-prefixed hex string into an asset ID.
func Parse(s string) (ID, error) {
	if !common.IsHexAddress(s) {
		return ID{}, fmt.Errorf("invalid asset identifier: %q", s)
	}
	return common.HexToAddress(s), nil
}
