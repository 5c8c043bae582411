package types

import "math/big"

// Account captures the ledger balances the lending engines transfer against.
// BalanceWei holds the native base currency; TokenBalances holds ERC20-style
// token balances keyed by their canonical uppercase symbol.
type Account struct {
	Nonce         uint64              `json:"nonce"`
	BalanceWei    *big.Int            `json:"balanceWei"`
	TokenBalances map[string]*big.Int `json:"tokenBalances,omitempty"`
}

// EnsureDefaults populates nil fields so callers can mutate balances without
// nil checks.
func (a *Account) EnsureDefaults() {
	if a == nil {
		return
	}
	if a.BalanceWei == nil {
		a.BalanceWei = big.NewInt(0)
	}
	if a.TokenBalances == nil {
		a.TokenBalances = make(map[string]*big.Int)
	}
}

// TokenBalance returns the balance held for the given token symbol, defaulting
// to zero when the token has never been credited.
func (a *Account) TokenBalance(symbol string) *big.Int {
	if a == nil || a.TokenBalances == nil {
		return big.NewInt(0)
	}
	if bal, ok := a.TokenBalances[symbol]; ok && bal != nil {
		return bal
	}
	return big.NewInt(0)
}

// SetTokenBalance records the balance for the given token symbol.
func (a *Account) SetTokenBalance(symbol string, amount *big.Int) {
	if a == nil {
		return
	}
	if a.TokenBalances == nil {
		a.TokenBalances = make(map[string]*big.Int)
	}
	if amount == nil {
		amount = big.NewInt(0)
	}
	a.TokenBalances[symbol] = amount
}
