// Package token implements an ERC20-style fungible token ledger:
// owner balances, spender allowances, and a fixed total supply minted
// to the deployer at creation.
package token

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hyruo/etherdex/pkg/core"
)

// Token is a standalone fungible token ledger. All amounts are
// integers in the token's smallest unit (18 decimals). The sum of all
// balances always equals the total supply fixed at creation.
type Token struct {
	mu sync.RWMutex

	address  common.Address
	name     string
	symbol   string
	decimals uint8

	totalSupply *big.Int
	balances    map[common.Address]*big.Int
	allowances  map[common.Address]map[common.Address]*big.Int
}

// New creates a token and mints the entire supply to the deployer.
func New(address common.Address, name, symbol string, decimals uint8, supply *big.Int, deployer common.Address) *Token {
	t := &Token{
		address:     address,
		name:        name,
		symbol:      symbol,
		decimals:    decimals,
		totalSupply: new(big.Int).Set(supply),
		balances:    make(map[common.Address]*big.Int),
		allowances:  make(map[common.Address]map[common.Address]*big.Int),
	}
	t.balances[deployer] = new(big.Int).Set(supply)
	return t
}

func (t *Token) Address() common.Address { return t.address }
func (t *Token) Name() string            { return t.name }
func (t *Token) Symbol() string          { return t.symbol }
func (t *Token) Decimals() uint8         { return t.decimals }

// TotalSupply returns the fixed total supply.
func (t *Token) TotalSupply() *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return new(big.Int).Set(t.totalSupply)
}

// BalanceOf returns owner's balance; zero for unknown owners.
func (t *Token) BalanceOf(owner common.Address) *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if bal, ok := t.balances[owner]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// Allowance returns what spender may still move out of owner's balance.
func (t *Token) Allowance(owner, spender common.Address) *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if spenders, ok := t.allowances[owner]; ok {
		if a, ok := spenders[spender]; ok {
			return new(big.Int).Set(a)
		}
	}
	return new(big.Int)
}

// Transfer moves amount from `from` to `to`. Pure value move: no side
// effects beyond the two balances.
func (t *Token) Transfer(from, to common.Address, amount *big.Int) (*core.TransferEvent, error) {
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	if to == (common.Address{}) {
		return nil, fmt.Errorf("%w: zero address", core.ErrInvalidRecipient)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.move(from, to, amount); err != nil {
		return nil, err
	}
	return &core.TransferEvent{
		Token:  t.address,
		From:   from,
		To:     to,
		Amount: new(big.Int).Set(amount),
	}, nil
}

// Approve sets (not adds) spender's allowance over owner's balance.
func (t *Token) Approve(owner, spender common.Address, amount *big.Int) (*core.ApprovalEvent, error) {
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	if spender == (common.Address{}) {
		return nil, fmt.Errorf("%w: zero address", core.ErrInvalidRecipient)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	spenders, ok := t.allowances[owner]
	if !ok {
		spenders = make(map[common.Address]*big.Int)
		t.allowances[owner] = spenders
	}
	spenders[spender] = new(big.Int).Set(amount)

	return &core.ApprovalEvent{
		Token:   t.address,
		Owner:   owner,
		Spender: spender,
		Amount:  new(big.Int).Set(amount),
	}, nil
}

// TransferFrom moves amount from `from` to `to` on spender's authority,
// consuming exactly amount of the allowance. Balance, allowance, and
// recipient are all checked before anything mutates.
func (t *Token) TransferFrom(spender, from, to common.Address, amount *big.Int) (*core.TransferEvent, error) {
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	if to == (common.Address{}) {
		return nil, fmt.Errorf("%w: zero address", core.ErrInvalidRecipient)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	bal, ok := t.balances[from]
	if !ok || bal.Cmp(amount) < 0 {
		return nil, fmt.Errorf("%w: %s has %s, need %s", core.ErrInsufficientBalance,
			from.Hex(), balString(bal), amount)
	}

	allowance := new(big.Int)
	if spenders, ok := t.allowances[from]; ok {
		if a, ok := spenders[spender]; ok {
			allowance = a
		}
	}
	if allowance.Cmp(amount) < 0 {
		return nil, fmt.Errorf("%w: %s allowed %s, need %s", core.ErrInsufficientAllowance,
			spender.Hex(), allowance, amount)
	}

	if err := t.move(from, to, amount); err != nil {
		return nil, err
	}
	t.allowances[from][spender] = new(big.Int).Sub(allowance, amount)

	return &core.TransferEvent{
		Token:  t.address,
		From:   from,
		To:     to,
		Amount: new(big.Int).Set(amount),
	}, nil
}

// move debits from and credits to. Caller holds the lock.
func (t *Token) move(from, to common.Address, amount *big.Int) error {
	bal, ok := t.balances[from]
	if !ok || bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s, need %s", core.ErrInsufficientBalance,
			from.Hex(), balString(bal), amount)
	}

	t.balances[from] = new(big.Int).Sub(bal, amount)

	dst, ok := t.balances[to]
	if !ok {
		dst = new(big.Int)
	}
	t.balances[to] = new(big.Int).Add(dst, amount)
	return nil
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("amount must be non-negative: %s", amount)
	}
	return nil
}

func balString(bal *big.Int) string {
	if bal == nil {
		return "0"
	}
	return bal.String()
}
