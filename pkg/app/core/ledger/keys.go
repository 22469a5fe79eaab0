package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/custodex/pkg/app/core/asset"
)

// Pebble key schema. Balance entries are keyed by asset first so a range scan
// over one asset yields every holder, which is what the custody audit walks.

const prefixBalance = "bal:"

// balanceKey returns the key for one (asset, account) entry.
// Format: "bal:{asset}:{account}"
func balanceKey(a asset.ID, account common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixBalance, a.Hex(), account.Hex()))
}

// assetPrefix returns the prefix covering every entry of one asset.
func assetPrefix(a asset.ID) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixBalance, a.Hex()))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
