package loans

import (
	"math/big"
	"sync"

	"lendchain/core/types"
	"lendchain/crypto"
)

// MemoryState is an in-memory engineState used by tests and the standalone
// daemon.
type MemoryState struct {
	mu         sync.RWMutex
	loans      map[uint64]*Loan
	accounts   map[string]*types.Account
	nextID     uint64
	collateral *big.Int
}

// NewMemoryState returns an empty in-memory loan store.
func NewMemoryState() *MemoryState {
	return &MemoryState{
		loans:      make(map[uint64]*Loan),
		accounts:   make(map[string]*types.Account),
		nextID:     1,
		collateral: big.NewInt(0),
	}
}

// GetLoan implements engineState.
func (m *MemoryState) GetLoan(id uint64) (*Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	loan, ok := m.loans[id]
	if !ok {
		return nil, nil
	}
	return loan.Clone(), nil
}

// PutLoan implements engineState.
func (m *MemoryState) PutLoan(loan *Loan) error {
	if loan == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loans[loan.ID] = loan.Clone()
	return nil
}

// NextLoanID implements engineState.
func (m *MemoryState) NextLoanID() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	return id, nil
}

// TotalCollateral implements engineState.
func (m *MemoryState) TotalCollateral() (*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return new(big.Int).Set(m.collateral), nil
}

// PutTotalCollateral implements engineState.
func (m *MemoryState) PutTotalCollateral(total *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if total == nil {
		m.collateral = big.NewInt(0)
		return nil
	}
	m.collateral = new(big.Int).Set(total)
	return nil
}

// GetAccount implements engineState.
func (m *MemoryState) GetAccount(addr crypto.Address) (*types.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acc, ok := m.accounts[addr.String()]
	if !ok {
		return nil, nil
	}
	return cloneAccount(acc), nil
}

// PutAccount implements engineState.
func (m *MemoryState) PutAccount(addr crypto.Address, account *types.Account) error {
	if account == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[addr.String()] = cloneAccount(account)
	return nil
}

// Loans returns a snapshot of every stored loan keyed by id.
func (m *MemoryState) Loans() map[uint64]*Loan {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[uint64]*Loan, len(m.loans))
	for id, loan := range m.loans {
		out[id] = loan.Clone()
	}
	return out
}

func cloneAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return nil
	}
	clone := &types.Account{Nonce: acc.Nonce}
	if acc.BalanceWei != nil {
		clone.BalanceWei = new(big.Int).Set(acc.BalanceWei)
	}
	if acc.TokenBalances != nil {
		clone.TokenBalances = make(map[string]*big.Int, len(acc.TokenBalances))
		for sym, bal := range acc.TokenBalances {
			clone.TokenBalances[sym] = new(big.Int).Set(bal)
		}
	}
	clone.EnsureDefaults()
	return clone
}
