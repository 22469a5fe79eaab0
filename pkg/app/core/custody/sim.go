package custody

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/custodex/pkg/app/core/asset"
)

// SimBank is an in-process stand-in for the external token contracts and the
// native value transport, used in devnet mode (no CHAIN_RPC configured) and
// in tests. It enforces the same rules a real ERC-20 would: a pull needs both
// wallet balance and an allowance granted to custody.
type SimBank struct {
	mu sync.Mutex

	// External wallet balances per token and per-owner allowances granted
	// to the custody wallet.
	balances   map[asset.ID]map[common.Address]*uint256.Int
	allowances map[asset.ID]map[common.Address]*uint256.Int

	// Value currently held by custody, per token. Pushes draw from here.
	held map[asset.ID]*uint256.Int
}

var (
	_ TokenCustody    = (*SimBank)(nil)
	_ NativeTransport = (*SimBank)(nil)
)

func NewSimBank() *SimBank {
	return &SimBank{
		balances:   make(map[asset.ID]map[common.Address]*uint256.Int),
		allowances: make(map[asset.ID]map[common.Address]*uint256.Int),
		held:       make(map[asset.ID]*uint256.Int),
	}
}

// Mint credits an external wallet, like the token contract's faucet would.
func (s *SimBank) Mint(token asset.ID, owner common.Address, amount *uint256.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.slot(s.balances, token, owner)
	b.Add(b, amount)
}

// Approve grants custody an allowance, mirroring erc20.approve(custody, amount).
func (s *SimBank) Approve(token asset.ID, owner common.Address, amount *uint256.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slot(s.allowances, token, owner).Set(amount)
}

func (s *SimBank) Pull(_ context.Context, token asset.ID, from common.Address, amount *uint256.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bal := s.slot(s.balances, token, from)
	if bal.Lt(amount) {
		return fmt.Errorf("wallet balance %s < %s: %w", bal, amount, ErrTransferRejected)
	}
	allow := s.slot(s.allowances, token, from)
	if allow.Lt(amount) {
		return fmt.Errorf("allowance %s < %s: %w", allow, amount, ErrTransferRejected)
	}

	bal.Sub(bal, amount)
	allow.Sub(allow, amount)
	h := s.heldSlot(token)
	h.Add(h, amount)
	return nil
}

func (s *SimBank) Push(_ context.Context, token asset.ID, to common.Address, amount *uint256.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.heldSlot(token)
	if h.Lt(amount) {
		return fmt.Errorf("custody holds %s < %s: %w", h, amount, ErrTransferRejected)
	}
	h.Sub(h, amount)
	b := s.slot(s.balances, token, to)
	b.Add(b, amount)
	return nil
}

func (s *SimBank) BalanceOf(_ context.Context, token asset.ID, owner common.Address) (*uint256.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(uint256.Int).Set(s.slot(s.balances, token, owner)), nil
}

func (s *SimBank) AllowanceOf(_ context.Context, token asset.ID, owner common.Address) (*uint256.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(uint256.Int).Set(s.slot(s.allowances, token, owner)), nil
}

// PushValue always succeeds in devnet: there is no real chain to reject it.
func (s *SimBank) PushValue(_ context.Context, to common.Address, amount *uint256.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.slot(s.balances, asset.Native, to)
	b.Add(b, amount)
	return nil
}

// Held reports the amount custody currently holds for a token.
func (s *SimBank) Held(token asset.ID) *uint256.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(uint256.Int).Set(s.heldSlot(token))
}

func (s *SimBank) slot(m map[asset.ID]map[common.Address]*uint256.Int, token asset.ID, owner common.Address) *uint256.Int {
	byOwner, ok := m[token]
	if !ok {
		byOwner = make(map[common.Address]*uint256.Int)
		m[token] = byOwner
	}
	v, ok := byOwner[owner]
	if !ok {
		v = new(uint256.Int)
		byOwner[owner] = v
	}
	return v
}

func (s *SimBank) heldSlot(token asset.ID) *uint256.Int {
	v, ok := s.held[token]
	if !ok {
		v = new(uint256.Int)
		s.held[token] = v
	}
	return v
}
