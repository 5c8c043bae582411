package escrow

import (
	"math/big"

	"lendchain/crypto"
)

// Escrow tracks the non-base-currency assets pledged against a loan. Assets
// preserves registration order and never contains duplicates.
type Escrow struct {
	LoanID   uint64
	Owner    crypto.Address
	Assets   []string
	Balances map[string]*big.Int
}

// Clone returns a deep copy of the escrow record.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := &Escrow{
		LoanID: e.LoanID,
		Owner:  e.Owner,
		Assets: append([]string(nil), e.Assets...),
	}
	if e.Balances != nil {
		clone.Balances = make(map[string]*big.Int, len(e.Balances))
		for sym, bal := range e.Balances {
			clone.Balances[sym] = new(big.Int).Set(bal)
		}
	}
	return clone
}

// Balance returns the held amount for the given asset, zero when absent.
func (e *Escrow) Balance(symbol string) *big.Int {
	if e == nil || e.Balances == nil {
		return big.NewInt(0)
	}
	bal, ok := e.Balances[symbol]
	if !ok || bal == nil {
		return big.NewInt(0)
	}
	return bal
}

func (e *Escrow) ensureDefaults() {
	if e == nil {
		return
	}
	if e.Balances == nil {
		e.Balances = make(map[string]*big.Int)
	}
}

// TotalValue is the escrow valuation reported in both the base currency and
// the lending token.
type TotalValue struct {
	ValueInEth   *big.Int
	ValueInToken *big.Int
}

// Dapp is an application whitelisted to receive escrowed funds. Unsecured
// dapps may hold funds without collateral backing.
type Dapp struct {
	Address   crypto.Address
	Unsecured bool
}
