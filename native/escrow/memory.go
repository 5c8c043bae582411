package escrow

import "sync"

// MemoryState is an in-memory engineState used by tests and the standalone
// daemon.
type MemoryState struct {
	mu      sync.RWMutex
	escrows map[uint64]*Escrow
	dapps   []Dapp
}

// NewMemoryState returns an empty in-memory escrow store.
func NewMemoryState() *MemoryState {
	return &MemoryState{escrows: make(map[uint64]*Escrow)}
}

// GetEscrow implements engineState.
func (m *MemoryState) GetEscrow(loanID uint64) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	esc, ok := m.escrows[loanID]
	if !ok {
		return nil, nil
	}
	return esc.Clone(), nil
}

// PutEscrow implements engineState.
func (m *MemoryState) PutEscrow(esc *Escrow) error {
	if esc == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.escrows[esc.LoanID] = esc.Clone()
	return nil
}

// DappList implements engineState.
func (m *MemoryState) DappList() ([]Dapp, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Dapp(nil), m.dapps...), nil
}

// PutDappList implements engineState.
func (m *MemoryState) PutDappList(list []Dapp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dapps = append([]Dapp(nil), list...)
	return nil
}
