package custody

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/custodex/pkg/app/core/asset"
)

var (
	// ErrTransferRejected is returned when the external token contract or
	// value transport refuses a transfer (insufficient wallet balance,
	// missing allowance, reverted tx). The triggering ledger operation must
	// fail as a whole with no mutation.
	ErrTransferRejected = errors.New("custody transfer rejected")

	// ErrAssetMismatch is returned when native currency is routed through
	// the token paths or vice versa.
	ErrAssetMismatch = errors.New("asset mismatch")
)

// TokenCustody moves custodied token value between user wallets and the
// exchange's custody wallet. Deposits pull via transferFrom (the user must
// have approved the custody wallet); withdrawals push via transfer.
//
// Implementations report rejection with an error wrapping ErrTransferRejected
// and make no guarantee beyond the transfer itself: the ledger never lets a
// custody call trigger further internal logic.
type TokenCustody interface {
	Pull(ctx context.Context, token asset.ID, from common.Address, amount *uint256.Int) error
	Push(ctx context.Context, token asset.ID, to common.Address, amount *uint256.Int) error
	BalanceOf(ctx context.Context, token asset.ID, owner common.Address) (*uint256.Int, error)
	AllowanceOf(ctx context.Context, token asset.ID, owner common.Address) (*uint256.Int, error)
}

// NativeTransport pushes native currency out of custody for withdrawals.
// Inbound native deposits need no transport call: the value transfer is
// atomic with the deposit request itself.
type NativeTransport interface {
	PushValue(ctx context.Context, to common.Address, amount *uint256.Int) error
}
