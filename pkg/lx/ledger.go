package lx

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/luxfi/perps/pkg/fixed"
)

// TokenLedger moves fungible tokens between accounts. The engine keeps every
// deposited token in a single custody account and tracks ownership itself.
type TokenLedger interface {
	BalanceOf(token, account string) *big.Int
	TotalSupply(token string) *big.Int
	Transfer(token, from, to string, amount *big.Int) error
	Mint(token, to string, amount *big.Int) error
	Burn(token, from string, amount *big.Int) error
}

// MemLedger is an in-memory TokenLedger
type MemLedger struct {
	balances map[string]map[string]*big.Int // token -> account -> balance
	supply   map[string]*big.Int
	mu       sync.RWMutex
}

func NewMemLedger() *MemLedger {
	return &MemLedger{
		balances: make(map[string]map[string]*big.Int),
		supply:   make(map[string]*big.Int),
	}
}

func (l *MemLedger) BalanceOf(token, account string) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return fixed.New(l.balances[token][account])
}

func (l *MemLedger) TotalSupply(token string) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return fixed.New(l.supply[token])
}

func (l *MemLedger) Transfer(token, from, to string, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("%w: negative transfer", ErrInvalidAmount)
	}
	if amount.Sign() == 0 || from == to {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	bal := l.balance(token, from)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s %s, needs %s", ErrInsufficientBalance, from, bal, token, amount)
	}
	bal.Sub(bal, amount)
	dst := l.balance(token, to)
	dst.Add(dst, amount)
	return nil
}

func (l *MemLedger) Mint(token, to string, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("%w: negative mint", ErrInvalidAmount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	dst := l.balance(token, to)
	dst.Add(dst, amount)
	if l.supply[token] == nil {
		l.supply[token] = new(big.Int)
	}
	l.supply[token].Add(l.supply[token], amount)
	return nil
}

func (l *MemLedger) Burn(token, from string, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("%w: negative burn", ErrInvalidAmount)
	}
	if amount.Sign() == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	bal := l.balance(token, from)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s %s, burning %s", ErrInsufficientBalance, from, bal, token, amount)
	}
	bal.Sub(bal, amount)
	l.supply[token].Sub(l.supply[token], amount)
	return nil
}

func (l *MemLedger) balance(token, account string) *big.Int {
	accounts, ok := l.balances[token]
	if !ok {
		accounts = make(map[string]*big.Int)
		l.balances[token] = accounts
	}
	bal, ok := accounts[account]
	if !ok {
		bal = new(big.Int)
		accounts[account] = bal
	}
	return bal
}
