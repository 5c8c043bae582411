package loans

import (
	"math/big"
	"strconv"

	"lendchain/core/types"
)

const (
	EventTypeTermsSet            = "loans.terms_set"
	EventTypeCollateralDeposited = "loans.collateral_deposited"
	EventTypeCollateralWithdrawn = "loans.collateral_withdrawn"
	EventTypeTakenOut            = "loans.taken_out"
	EventTypeRepaid              = "loans.repaid"
	EventTypeClosed              = "loans.closed"
	EventTypeLiquidated          = "loans.liquidated"
)

// NewTermsSetEvent returns the canonical payload emitted when consensus fixes
// the terms of a new loan.
func NewTermsSetEvent(l *Loan) *types.Event {
	evt := newLoanEvent(EventTypeTermsSet, l)
	if evt != nil && l != nil {
		evt.Attributes["interestRate"] = strconv.FormatUint(l.Terms.InterestRate, 10)
		evt.Attributes["collateralRatio"] = strconv.FormatUint(l.Terms.CollateralRatio, 10)
		evt.Attributes["maxLoanAmount"] = l.Terms.MaxLoanAmount.String()
		evt.Attributes["termsExpiry"] = strconv.FormatInt(l.TermsExpiry, 10)
	}
	return evt
}

// NewCollateralDepositedEvent returns the payload for a collateral deposit.
func NewCollateralDepositedEvent(l *Loan, amount string) *types.Event {
	evt := newLoanEvent(EventTypeCollateralDeposited, l)
	if evt != nil {
		evt.Attributes["amount"] = amount
	}
	return evt
}

// NewCollateralWithdrawnEvent returns the payload for a collateral withdrawal.
func NewCollateralWithdrawnEvent(l *Loan, amount string) *types.Event {
	evt := newLoanEvent(EventTypeCollateralWithdrawn, l)
	if evt != nil {
		evt.Attributes["amount"] = amount
	}
	return evt
}

// NewTakenOutEvent returns the payload emitted when funds are drawn.
func NewTakenOutEvent(l *Loan, amount string) *types.Event {
	evt := newLoanEvent(EventTypeTakenOut, l)
	if evt != nil {
		evt.Attributes["amount"] = amount
	}
	return evt
}

// NewRepaidEvent returns the payload emitted on a repayment.
func NewRepaidEvent(l *Loan, amount string) *types.Event {
	evt := newLoanEvent(EventTypeRepaid, l)
	if evt != nil {
		evt.Attributes["amount"] = amount
	}
	return evt
}

// NewClosedEvent returns the payload emitted when a fully repaid loan closes.
func NewClosedEvent(l *Loan) *types.Event { return newLoanEvent(EventTypeClosed, l) }

// NewLiquidatedEvent returns the payload emitted when a loan is liquidated.
func NewLiquidatedEvent(l *Loan, liquidator string, seized string) *types.Event {
	evt := newLoanEvent(EventTypeLiquidated, l)
	if evt != nil {
		evt.Attributes["liquidator"] = liquidator
		evt.Attributes["seizedCollateral"] = seized
	}
	return evt
}

func newLoanEvent(eventType string, l *Loan) *types.Event {
	if l == nil {
		return nil
	}
	return &types.Event{
		Type: eventType,
		Attributes: map[string]string{
			"loanId":   strconv.FormatUint(l.ID, 10),
			"borrower": l.Terms.Borrower.String(),
			"status":   l.Status.String(),
		},
	}
}

// WithTotalCollateral annotates the event with the ledger-wide collateral
// balance after the mutation.
func WithTotalCollateral(evt *types.Event, total *big.Int) *types.Event {
	if evt != nil && total != nil {
		evt.Attributes["totalCollateral"] = total.String()
	}
	return evt
}
