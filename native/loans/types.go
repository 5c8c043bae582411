package loans

import (
	"math/big"

	"lendchain/crypto"
)

// Status represents the lifecycle states of a loan. Transitions are strictly
// forward: TermsSet -> Active -> Closed.
type Status uint8

const (
	StatusTermsSet Status = iota + 1
	StatusActive
	StatusClosed
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusTermsSet, StatusActive, StatusClosed:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	switch s {
	case StatusTermsSet:
		return "terms_set"
	case StatusActive:
		return "active"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terms captures the consensus-agreed loan parameters. Terms are fixed when
// the loan is created and never mutated afterwards.
type Terms struct {
	Borrower        crypto.Address
	Recipient       crypto.Address
	InterestRate    uint64
	CollateralRatio uint64
	MaxLoanAmount   *big.Int
	DurationSeconds int64
}

// Loan is the central ledger entity. Collateral is denominated in wei of the
// base currency; owed amounts are denominated in the lending token.
type Loan struct {
	ID               uint64
	Terms            Terms
	TermsExpiry      int64
	StartTime        int64
	Collateral       *big.Int
	LastCollateralIn int64
	PrincipalOwed    *big.Int
	InterestOwed     *big.Int
	BorrowedAmount   *big.Int
	LastAccrual      int64
	EscrowID         string
	Status           Status
	Liquidated       bool
}

// Clone returns a deep copy so callers can mutate the copy without affecting
// the stored instance.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	clone := *l
	if l.Terms.MaxLoanAmount != nil {
		clone.Terms.MaxLoanAmount = new(big.Int).Set(l.Terms.MaxLoanAmount)
	}
	clone.Collateral = cloneOrZero(l.Collateral)
	clone.PrincipalOwed = cloneOrZero(l.PrincipalOwed)
	clone.InterestOwed = cloneOrZero(l.InterestOwed)
	clone.BorrowedAmount = cloneOrZero(l.BorrowedAmount)
	return &clone
}

// Owed returns the outstanding principal plus accrued interest.
func (l *Loan) Owed() *big.Int {
	if l == nil {
		return big.NewInt(0)
	}
	owed := new(big.Int)
	if l.PrincipalOwed != nil {
		owed.Add(owed, l.PrincipalOwed)
	}
	if l.InterestOwed != nil {
		owed.Add(owed, l.InterestOwed)
	}
	return owed
}

func cloneOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func (l *Loan) ensureDefaults() {
	if l == nil {
		return
	}
	if l.Collateral == nil {
		l.Collateral = big.NewInt(0)
	}
	if l.PrincipalOwed == nil {
		l.PrincipalOwed = big.NewInt(0)
	}
	if l.InterestOwed == nil {
		l.InterestOwed = big.NewInt(0)
	}
	if l.BorrowedAmount == nil {
		l.BorrowedAmount = big.NewInt(0)
	}
	if l.Terms.MaxLoanAmount == nil {
		l.Terms.MaxLoanAmount = big.NewInt(0)
	}
}
