package custody

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/custodex/pkg/app/core/asset"
)

// Minimal ERC-20 surface the custodian needs. Standard semantics assumed:
// transfer/transferFrom revert (or return false) on insufficient balance or
// allowance.
const erc20ABI = `[
	{"name":"transfer","type":"function","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"name":"transferFrom","type":"function","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"allowance","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// ChainCustodian implements TokenCustody and NativeTransport against a real
// chain via JSON-RPC. The custody wallet's key signs outbound transfers;
// inbound token deposits are pulled with transferFrom against the user's
// prior approval.
type ChainCustodian struct {
	client  *ethclient.Client
	abi     abi.ABI
	key     *ecdsa.PrivateKey
	wallet  common.Address // custody wallet, derived from key
	chainID *big.Int
}

var (
	_ TokenCustody    = (*ChainCustodian)(nil)
	_ NativeTransport = (*ChainCustodian)(nil)
)

// DialChain connects to the chain and prepares the custody wallet.
func DialChain(ctx context.Context, rpcURL, hexKey string) (*ChainCustodian, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain %s: %w", rpcURL, err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("custody key: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("erc20 abi: %w", err)
	}

	return &ChainCustodian{
		client:  client,
		abi:     parsed,
		key:     key,
		wallet:  crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
	}, nil
}

// Wallet returns the custody wallet address users must approve for deposits.
func (c *ChainCustodian) Wallet() common.Address { return c.wallet }

// Pull moves amount of token from the user's wallet into custody.
func (c *ChainCustodian) Pull(ctx context.Context, token asset.ID, from common.Address, amount *uint256.Int) error {
	return c.transact(ctx, token, "transferFrom", from, c.wallet, amount.ToBig())
}

// Push moves amount of token from custody back to the user's wallet.
func (c *ChainCustodian) Push(ctx context.Context, token asset.ID, to common.Address, amount *uint256.Int) error {
	return c.transact(ctx, token, "transfer", to, amount.ToBig())
}

// BalanceOf reads the owner's wallet balance on the token contract.
func (c *ChainCustodian) BalanceOf(ctx context.Context, token asset.ID, owner common.Address) (*uint256.Int, error) {
	return c.view(ctx, token, "balanceOf", owner)
}

// AllowanceOf reads how much the owner has approved the custody wallet for.
func (c *ChainCustodian) AllowanceOf(ctx context.Context, token asset.ID, owner common.Address) (*uint256.Int, error) {
	return c.view(ctx, token, "allowance", owner, c.wallet)
}

// PushValue sends native currency from the custody wallet to the user.
func (c *ChainCustodian) PushValue(ctx context.Context, to common.Address, amount *uint256.Int) error {
	nonce, err := c.client.PendingNonceAt(ctx, c.wallet)
	if err != nil {
		return fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("gas price: %w", err)
	}

	tx := types.NewTransaction(nonce, to, amount.ToBig(), 21000, gasPrice, nil)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return fmt.Errorf("sign native push: %w", err)
	}
	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return fmt.Errorf("native push to %s: %v: %w", to.Hex(), err, ErrTransferRejected)
	}
	return c.waitOK(ctx, signed)
}

func (c *ChainCustodian) transact(ctx context.Context, token asset.ID, method string, args ...interface{}) error {
	opts, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return fmt.Errorf("transactor: %w", err)
	}
	opts.Context = ctx

	contract := bind.NewBoundContract(common.Address(token), c.abi, c.client, c.client, c.client)
	tx, err := contract.Transact(opts, method, args...)
	if err != nil {
		// Gas estimation runs the call; a revert (no balance, no
		// allowance) surfaces here.
		return fmt.Errorf("%s on %s: %v: %w", method, token.Hex(), err, ErrTransferRejected)
	}
	return c.waitOK(ctx, tx)
}

// view runs a read-only contract call and decodes the single uint256 result.
func (c *ChainCustodian) view(ctx context.Context, token asset.ID, method string, args ...interface{}) (*uint256.Int, error) {
	contract := bind.NewBoundContract(common.Address(token), c.abi, c.client, c.client, c.client)

	var out []interface{}
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, fmt.Errorf("%s on %s: %w", method, token.Hex(), err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%s on %s: unexpected result arity %d", method, token.Hex(), len(out))
	}
	raw, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s on %s: unexpected result type %T", method, token.Hex(), out[0])
	}
	v, overflow := uint256.FromBig(raw)
	if overflow {
		return nil, fmt.Errorf("%s on %s: value exceeds uint256", method, token.Hex())
	}
	return v, nil
}

func (c *ChainCustodian) waitOK(ctx context.Context, tx *types.Transaction) error {
	receipt, err := bind.WaitMined(ctx, c.client, tx)
	if err != nil {
		return fmt.Errorf("wait mined %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("tx %s reverted: %w", tx.Hash().Hex(), ErrTransferRejected)
	}
	return nil
}
