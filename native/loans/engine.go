package loans

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"lendchain/core/events"
	"lendchain/core/types"
	"lendchain/crypto"
	nativecommon "lendchain/native/common"
	"lendchain/native/consensus"
	"lendchain/native/pricing"
	"lendchain/native/settings"
)

var (
	errNilState     = errors.New("loans engine: state not configured")
	errNilConsensus = errors.New("loans engine: consensus engine not configured")
	errNilPricing   = errors.New("loans engine: price source not configured")
	errNilSettings  = errors.New("loans engine: settings not configured")

	// ErrLoanNotFound is returned for operations against an unknown loan id.
	ErrLoanNotFound = errors.New("loans engine: loan not found")
	// ErrInvalidState rejects operations outside the loan's current status.
	ErrInvalidState = errors.New("loans engine: operation not permitted in current status")
	// ErrAmountMismatch rejects calls whose transferred value disagrees with
	// the declared amount.
	ErrAmountMismatch = errors.New("loans engine: transferred value does not match declared amount")
	// ErrTermsExpired rejects draws attempted after the agreed terms lapsed.
	ErrTermsExpired = errors.New("loans engine: loan terms expired")
	// ErrUnauthorized rejects callers that are neither borrower nor recipient.
	ErrUnauthorized = errors.New("loans engine: caller not authorized")
	// ErrUndercollateralized rejects operations that would leave the loan
	// below its required collateral.
	ErrUndercollateralized = errors.New("loans engine: collateral below required ratio")
	// ErrSafetyInterval rejects draws before the collateral safety interval
	// has elapsed.
	ErrSafetyInterval = errors.New("loans engine: safety interval not elapsed since last deposit")
	// ErrMaxLoanExceeded rejects draws beyond the agreed maximum.
	ErrMaxLoanExceeded = errors.New("loans engine: draw exceeds maximum loan amount")
	// ErrDurationTooLong rejects requests beyond the platform loan duration cap.
	ErrDurationTooLong = errors.New("loans engine: requested duration exceeds maximum")
	// ErrNotLiquidatable rejects liquidation of healthy, unexpired loans.
	ErrNotLiquidatable = errors.New("loans engine: loan not eligible for liquidation")
	// ErrNoOutstandingDebt rejects repayment when nothing is owed.
	ErrNoOutstandingDebt = errors.New("loans engine: no outstanding debt to repay")

	errInvalidAmount         = errors.New("loans engine: amount must be positive")
	errInsufficientBalance   = errors.New("loans engine: insufficient balance")
	errInsufficientLiquidity = errors.New("loans engine: insufficient pool liquidity")
	errEscrowAlreadySet      = errors.New("loans engine: escrow already attached")
)

var basisPoints = big.NewInt(10_000)

const secondsPerYear = 31_536_000

const moduleName = "loans"

// ConsensusEngine abstracts the terms-consensus round so tests can substitute
// fixed outcomes.
type ConsensusEngine interface {
	ProcessRequest(consensus.LoanRequest, []consensus.TermResponse) (consensus.AgreedTerms, error)
}

// engineState is the persistence boundary for the loan ledger.
type engineState interface {
	GetLoan(id uint64) (*Loan, error)
	PutLoan(*Loan) error
	NextLoanID() (uint64, error)
	TotalCollateral() (*big.Int, error)
	PutTotalCollateral(*big.Int) error
	GetAccount(addr crypto.Address) (*types.Account, error)
	PutAccount(addr crypto.Address, account *types.Account) error
}

// Engine owns the authoritative loan collection and drives the loan state
// machine.
type Engine struct {
	state        engineState
	consensus    ConsensusEngine
	prices       pricing.PriceSource
	settings     *settings.Store
	emitter      events.Emitter
	pauses       nativecommon.PauseView
	vaultAddress crypto.Address
	lendingToken string
	nowFn        func() int64
}

// NewEngine constructs a loan ledger engine. The vault address is the
// module-owned treasury holding pooled collateral and lending-token liquidity.
func NewEngine(vault crypto.Address, store *settings.Store) *Engine {
	return &Engine{
		settings:     store,
		emitter:      events.NoopEmitter{},
		vaultAddress: vault,
		lendingToken: "DAI",
		nowFn:        func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetConsensus installs the terms-consensus engine consulted on creation.
func (e *Engine) SetConsensus(c ConsensusEngine) {
	if e == nil {
		return
	}
	e.consensus = c
}

// SetPriceSource installs the oracle used for collateral valuation.
func (e *Engine) SetPriceSource(p pricing.PriceSource) {
	if e == nil {
		return
	}
	e.prices = p
}

// SetLendingToken configures the token owed amounts are denominated in.
func (e *Engine) SetLendingToken(symbol string) {
	if e == nil {
		return
	}
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed != "" {
		e.lendingToken = trimmed
	}
}

// LendingToken returns the configured lending token symbol.
func (e *Engine) LendingToken() string {
	if e == nil {
		return ""
	}
	return e.lendingToken
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetPauses installs the administrative pause table.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if e == nil {
		return
	}
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

type loanEvent struct {
	evt *types.Event
}

func (l loanEvent) EventType() string {
	if l.evt == nil {
		return ""
	}
	return l.evt.Type
}

func (l loanEvent) Event() *types.Event { return l.evt }

func (e *Engine) emit(evt *types.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(loanEvent{evt: evt})
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.settings == nil {
		return errNilSettings
	}
	return nil
}

// CreateLoanWithTerms runs a consensus round for the request and, on success,
// records a new terms-set loan holding the supplied initial collateral. The
// transferred value must exactly equal the declared collateral amount.
func (e *Engine) CreateLoanWithTerms(caller crypto.Address, request consensus.LoanRequest, responses []consensus.TermResponse, collateralAmount, value *big.Int) (*Loan, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if e.consensus == nil {
		return nil, errNilConsensus
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if collateralAmount == nil || value == nil || collateralAmount.Sign() < 0 || value.Sign() < 0 {
		return nil, errInvalidAmount
	}
	if collateralAmount.Cmp(value) != 0 {
		return nil, ErrAmountMismatch
	}
	if !caller.Equal(request.Borrower) {
		return nil, ErrUnauthorized
	}

	maxDuration, err := e.settings.MaximumLoanDuration()
	if err != nil {
		return nil, err
	}
	if request.DurationSeconds > maxDuration {
		return nil, ErrDurationTooLong
	}

	terms, err := e.consensus.ProcessRequest(request, responses)
	if err != nil {
		return nil, err
	}

	now := e.now()
	termsExpiryWindow, err := e.settings.TermsExpiryTime()
	if err != nil {
		return nil, err
	}

	var borrowerAcc, vaultAcc *types.Account
	if value.Sign() > 0 {
		borrowerAcc, err = e.loadAccount(request.Borrower)
		if err != nil {
			return nil, err
		}
		if borrowerAcc.BalanceWei.Cmp(value) < 0 {
			return nil, errInsufficientBalance
		}
		vaultAcc, err = e.loadAccount(e.vaultAddress)
		if err != nil {
			return nil, err
		}
		borrowerAcc.BalanceWei = new(big.Int).Sub(borrowerAcc.BalanceWei, value)
		vaultAcc.BalanceWei = new(big.Int).Add(vaultAcc.BalanceWei, value)
	}

	id, err := e.state.NextLoanID()
	if err != nil {
		return nil, err
	}

	loan := &Loan{
		ID: id,
		Terms: Terms{
			Borrower:        request.Borrower,
			Recipient:       request.Recipient,
			InterestRate:    terms.InterestRate,
			CollateralRatio: terms.CollateralRatio,
			MaxLoanAmount:   new(big.Int).Set(terms.MaxLoanAmount),
			DurationSeconds: request.DurationSeconds,
		},
		TermsExpiry: now + termsExpiryWindow,
		Collateral:  new(big.Int).Set(value),
		Status:      StatusTermsSet,
	}
	loan.ensureDefaults()
	if value.Sign() > 0 {
		loan.LastCollateralIn = now
	}

	total, err := e.totalCollateral()
	if err != nil {
		return nil, err
	}
	total = new(big.Int).Add(total, value)

	if borrowerAcc != nil {
		if err := e.state.PutAccount(request.Borrower, borrowerAcc); err != nil {
			return nil, err
		}
		if err := e.state.PutAccount(e.vaultAddress, vaultAcc); err != nil {
			return nil, err
		}
	}
	if err := e.state.PutLoan(loan); err != nil {
		return nil, err
	}
	if err := e.state.PutTotalCollateral(total); err != nil {
		return nil, err
	}

	e.emit(WithTotalCollateral(NewTermsSetEvent(loan), total))
	return loan.Clone(), nil
}

// DepositCollateral adds collateral to a terms-set or active loan. Anyone may
// deposit on a borrower's behalf.
func (e *Engine) DepositCollateral(caller crypto.Address, loanID uint64, amount, value *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || value == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	if amount.Cmp(value) != 0 {
		return ErrAmountMismatch
	}

	loan, err := e.loadLoan(loanID)
	if err != nil {
		return err
	}
	if loan.Status != StatusTermsSet && loan.Status != StatusActive {
		return ErrInvalidState
	}

	callerAcc, err := e.loadAccount(caller)
	if err != nil {
		return err
	}
	if callerAcc.BalanceWei.Cmp(amount) < 0 {
		return errInsufficientBalance
	}
	vaultAcc, err := e.loadAccount(e.vaultAddress)
	if err != nil {
		return err
	}

	now := e.now()
	callerAcc.BalanceWei = new(big.Int).Sub(callerAcc.BalanceWei, amount)
	vaultAcc.BalanceWei = new(big.Int).Add(vaultAcc.BalanceWei, amount)
	loan.Collateral = new(big.Int).Add(loan.Collateral, amount)
	loan.LastCollateralIn = now

	total, err := e.totalCollateral()
	if err != nil {
		return err
	}
	total = new(big.Int).Add(total, amount)

	if err := e.state.PutAccount(caller, callerAcc); err != nil {
		return err
	}
	if err := e.state.PutAccount(e.vaultAddress, vaultAcc); err != nil {
		return err
	}
	if err := e.state.PutLoan(loan); err != nil {
		return err
	}
	if err := e.state.PutTotalCollateral(total); err != nil {
		return err
	}

	e.emit(WithTotalCollateral(NewCollateralDepositedEvent(loan, amount.String()), total))
	return nil
}

// WithdrawCollateral releases collateral back to the borrower while ensuring
// the remaining balance still covers the required ratio against the
// outstanding debt.
func (e *Engine) WithdrawCollateral(caller crypto.Address, loanID uint64, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}

	loan, err := e.loadLoan(loanID)
	if err != nil {
		return err
	}
	if loan.Status != StatusTermsSet && loan.Status != StatusActive {
		return ErrInvalidState
	}
	if !caller.Equal(loan.Terms.Borrower) && !caller.Equal(loan.Terms.Recipient) {
		return ErrUnauthorized
	}
	if loan.Collateral.Cmp(amount) < 0 {
		return errInsufficientBalance
	}

	e.accrue(loan)

	remaining := new(big.Int).Sub(loan.Collateral, amount)
	required, err := e.requiredCollateral(loan)
	if err != nil {
		return err
	}
	if remaining.Cmp(required) < 0 {
		return ErrUndercollateralized
	}

	vaultAcc, err := e.loadAccount(e.vaultAddress)
	if err != nil {
		return err
	}
	if vaultAcc.BalanceWei.Cmp(amount) < 0 {
		return errInsufficientLiquidity
	}
	callerAcc, err := e.loadAccount(caller)
	if err != nil {
		return err
	}

	vaultAcc.BalanceWei = new(big.Int).Sub(vaultAcc.BalanceWei, amount)
	callerAcc.BalanceWei = new(big.Int).Add(callerAcc.BalanceWei, amount)
	loan.Collateral = remaining

	total, err := e.totalCollateral()
	if err != nil {
		return err
	}
	total = new(big.Int).Sub(total, amount)

	if err := e.state.PutAccount(e.vaultAddress, vaultAcc); err != nil {
		return err
	}
	if err := e.state.PutAccount(caller, callerAcc); err != nil {
		return err
	}
	if err := e.state.PutLoan(loan); err != nil {
		return err
	}
	if err := e.state.PutTotalCollateral(total); err != nil {
		return err
	}

	e.emit(WithTotalCollateral(NewCollateralWithdrawnEvent(loan, amount.String()), total))
	return nil
}

// TakeOutLoan draws funds against agreed terms. The first draw activates the
// loan; draws are rejected after the terms expire unactivated, beyond the
// agreed maximum, or before the collateral safety interval has elapsed.
func (e *Engine) TakeOutLoan(caller crypto.Address, loanID uint64, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if e.prices == nil {
		return errNilPricing
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}

	loan, err := e.loadLoan(loanID)
	if err != nil {
		return err
	}
	if !caller.Equal(loan.Terms.Borrower) {
		return ErrUnauthorized
	}
	if loan.Status != StatusTermsSet && loan.Status != StatusActive {
		return ErrInvalidState
	}

	now := e.now()
	if loan.Status == StatusTermsSet && now > loan.TermsExpiry {
		return ErrTermsExpired
	}

	projected := new(big.Int).Add(loan.BorrowedAmount, amount)
	if projected.Cmp(loan.Terms.MaxLoanAmount) > 0 {
		return ErrMaxLoanExceeded
	}

	safetyInterval, err := e.settings.SafetyInterval()
	if err != nil {
		return err
	}
	if loan.LastCollateralIn > 0 && now-loan.LastCollateralIn < safetyInterval {
		return ErrSafetyInterval
	}

	e.accrue(loan)

	// The draw must leave the loan covered by its collateral.
	projectedOwed := new(big.Int).Add(loan.Owed(), amount)
	required, err := e.requiredCollateralFor(loan, projectedOwed)
	if err != nil {
		return err
	}
	if loan.Collateral.Cmp(required) < 0 {
		return ErrUndercollateralized
	}

	vaultAcc, err := e.loadAccount(e.vaultAddress)
	if err != nil {
		return err
	}
	if vaultAcc.TokenBalance(e.lendingToken).Cmp(amount) < 0 {
		return errInsufficientLiquidity
	}
	recipient := loan.Terms.Recipient
	if recipient.IsZero() {
		recipient = loan.Terms.Borrower
	}
	recipientAcc, err := e.loadAccount(recipient)
	if err != nil {
		return err
	}

	vaultAcc.SetTokenBalance(e.lendingToken, new(big.Int).Sub(vaultAcc.TokenBalance(e.lendingToken), amount))
	recipientAcc.SetTokenBalance(e.lendingToken, new(big.Int).Add(recipientAcc.TokenBalance(e.lendingToken), amount))

	if loan.Status == StatusTermsSet {
		loan.Status = StatusActive
		loan.StartTime = now
		loan.LastAccrual = now
	}
	loan.PrincipalOwed = new(big.Int).Add(loan.PrincipalOwed, amount)
	loan.BorrowedAmount = projected

	if err := e.state.PutAccount(e.vaultAddress, vaultAcc); err != nil {
		return err
	}
	if err := e.state.PutAccount(recipient, recipientAcc); err != nil {
		return err
	}
	if err := e.state.PutLoan(loan); err != nil {
		return err
	}

	e.emit(NewTakenOutEvent(loan, amount.String()))
	return nil
}

// Repay reduces the outstanding debt, interest first then principal. Full
// repayment closes the loan and refunds the remaining collateral to the
// borrower.
func (e *Engine) Repay(caller crypto.Address, loanID uint64, amount *big.Int) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, errInvalidAmount
	}

	loan, err := e.loadLoan(loanID)
	if err != nil {
		return nil, err
	}
	if loan.Status != StatusActive {
		return nil, ErrInvalidState
	}

	e.accrue(loan)
	owed := loan.Owed()
	if owed.Sign() == 0 {
		return nil, ErrNoOutstandingDebt
	}

	payment := new(big.Int).Set(amount)
	if payment.Cmp(owed) > 0 {
		payment = owed
	}

	callerAcc, err := e.loadAccount(caller)
	if err != nil {
		return nil, err
	}
	if callerAcc.TokenBalance(e.lendingToken).Cmp(payment) < 0 {
		return nil, errInsufficientBalance
	}
	vaultAcc, err := e.loadAccount(e.vaultAddress)
	if err != nil {
		return nil, err
	}

	callerAcc.SetTokenBalance(e.lendingToken, new(big.Int).Sub(callerAcc.TokenBalance(e.lendingToken), payment))
	vaultAcc.SetTokenBalance(e.lendingToken, new(big.Int).Add(vaultAcc.TokenBalance(e.lendingToken), payment))

	// Interest settles before principal.
	rest := new(big.Int).Set(payment)
	if loan.InterestOwed.Sign() > 0 {
		if rest.Cmp(loan.InterestOwed) >= 0 {
			rest.Sub(rest, loan.InterestOwed)
			loan.InterestOwed = big.NewInt(0)
		} else {
			loan.InterestOwed = new(big.Int).Sub(loan.InterestOwed, rest)
			rest = big.NewInt(0)
		}
	}
	if rest.Sign() > 0 {
		loan.PrincipalOwed = new(big.Int).Sub(loan.PrincipalOwed, rest)
	}

	total, err := e.totalCollateral()
	if err != nil {
		return nil, err
	}

	closed := loan.Owed().Sign() == 0
	var refund *big.Int
	if closed {
		loan.Status = StatusClosed
		refund = loan.Collateral
		loan.Collateral = big.NewInt(0)
		if refund.Sign() > 0 {
			if vaultAcc.BalanceWei.Cmp(refund) < 0 {
				return nil, errInsufficientLiquidity
			}
			borrowerAcc, err := e.loadAccount(loan.Terms.Borrower)
			if err != nil {
				return nil, err
			}
			vaultAcc.BalanceWei = new(big.Int).Sub(vaultAcc.BalanceWei, refund)
			borrowerAcc.BalanceWei = new(big.Int).Add(borrowerAcc.BalanceWei, refund)
			if err := e.state.PutAccount(loan.Terms.Borrower, borrowerAcc); err != nil {
				return nil, err
			}
			total = new(big.Int).Sub(total, refund)
		}
	}

	if err := e.state.PutAccount(caller, callerAcc); err != nil {
		return nil, err
	}
	if err := e.state.PutAccount(e.vaultAddress, vaultAcc); err != nil {
		return nil, err
	}
	if err := e.state.PutLoan(loan); err != nil {
		return nil, err
	}
	if err := e.state.PutTotalCollateral(total); err != nil {
		return nil, err
	}

	e.emit(WithTotalCollateral(NewRepaidEvent(loan, payment.String()), total))
	if closed {
		e.emit(NewClosedEvent(loan))
	}
	return payment, nil
}

// Liquidate closes an under-collateralized or expired loan. The liquidator
// pays the collateral's lending-token value discounted by the liquidation
// price and receives the full collateral balance.
func (e *Engine) Liquidate(liquidator crypto.Address, loanID uint64) (*big.Int, *big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, nil, err
	}
	if e.prices == nil {
		return nil, nil, errNilPricing
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, nil, err
	}

	loan, err := e.loadLoan(loanID)
	if err != nil {
		return nil, nil, err
	}
	if loan.Status != StatusActive {
		return nil, nil, ErrInvalidState
	}

	e.accrue(loan)

	now := e.now()
	required, err := e.requiredCollateral(loan)
	if err != nil {
		return nil, nil, err
	}
	undercollateralized := loan.Collateral.Cmp(required) < 0
	expired := loan.StartTime > 0 && now > loan.StartTime+loan.Terms.DurationSeconds
	if !undercollateralized && !expired {
		return nil, nil, ErrNotLiquidatable
	}

	liquidatePriceBps, err := e.settings.LiquidateEthPrice()
	if err != nil {
		return nil, nil, err
	}
	collateralValue, err := e.prices.ValueOf(pricing.BaseCurrency, e.lendingToken, loan.Collateral)
	if err != nil {
		return nil, nil, err
	}
	payment := new(big.Int).Mul(collateralValue, new(big.Int).SetUint64(liquidatePriceBps))
	payment.Quo(payment, basisPoints)

	liquidatorAcc, err := e.loadAccount(liquidator)
	if err != nil {
		return nil, nil, err
	}
	if liquidatorAcc.TokenBalance(e.lendingToken).Cmp(payment) < 0 {
		return nil, nil, errInsufficientBalance
	}
	vaultAcc, err := e.loadAccount(e.vaultAddress)
	if err != nil {
		return nil, nil, err
	}
	seized := new(big.Int).Set(loan.Collateral)
	if vaultAcc.BalanceWei.Cmp(seized) < 0 {
		return nil, nil, errInsufficientLiquidity
	}

	liquidatorAcc.SetTokenBalance(e.lendingToken, new(big.Int).Sub(liquidatorAcc.TokenBalance(e.lendingToken), payment))
	vaultAcc.SetTokenBalance(e.lendingToken, new(big.Int).Add(vaultAcc.TokenBalance(e.lendingToken), payment))
	vaultAcc.BalanceWei = new(big.Int).Sub(vaultAcc.BalanceWei, seized)
	liquidatorAcc.BalanceWei = new(big.Int).Add(liquidatorAcc.BalanceWei, seized)

	total, err := e.totalCollateral()
	if err != nil {
		return nil, nil, err
	}
	total = new(big.Int).Sub(total, seized)

	loan.Collateral = big.NewInt(0)
	loan.PrincipalOwed = big.NewInt(0)
	loan.InterestOwed = big.NewInt(0)
	loan.Status = StatusClosed
	loan.Liquidated = true

	if err := e.state.PutAccount(liquidator, liquidatorAcc); err != nil {
		return nil, nil, err
	}
	if err := e.state.PutAccount(e.vaultAddress, vaultAcc); err != nil {
		return nil, nil, err
	}
	if err := e.state.PutLoan(loan); err != nil {
		return nil, nil, err
	}
	if err := e.state.PutTotalCollateral(total); err != nil {
		return nil, nil, err
	}

	e.emit(WithTotalCollateral(NewLiquidatedEvent(loan, liquidator.String(), seized.String()), total))
	return payment, seized, nil
}

// AttachEscrow records the escrow reference created for the loan's token
// collateral basket. The reference can be set once while the loan is open.
func (e *Engine) AttachEscrow(loanID uint64, escrowID string) error {
	if err := e.ready(); err != nil {
		return err
	}
	trimmed := strings.TrimSpace(escrowID)
	if trimmed == "" {
		return fmt.Errorf("loans engine: escrow id required")
	}
	loan, err := e.loadLoan(loanID)
	if err != nil {
		return err
	}
	if loan.Status == StatusClosed {
		return ErrInvalidState
	}
	if loan.EscrowID != "" {
		return errEscrowAlreadySet
	}
	loan.EscrowID = trimmed
	return e.state.PutLoan(loan)
}

// Loan returns a copy of the stored loan.
func (e *Engine) Loan(loanID uint64) (*Loan, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	loan, err := e.loadLoan(loanID)
	if err != nil {
		return nil, err
	}
	return loan.Clone(), nil
}

// TotalCollateral reports the ledger-wide collateral balance.
func (e *Engine) TotalCollateral() (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.totalCollateral()
}

func (e *Engine) loadLoan(loanID uint64) (*Loan, error) {
	loan, err := e.state.GetLoan(loanID)
	if err != nil {
		return nil, err
	}
	if loan == nil {
		return nil, ErrLoanNotFound
	}
	loan.ensureDefaults()
	return loan, nil
}

func (e *Engine) loadAccount(addr crypto.Address) (*types.Account, error) {
	acc, err := e.state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		acc = &types.Account{}
	}
	acc.EnsureDefaults()
	return acc, nil
}

func (e *Engine) totalCollateral() (*big.Int, error) {
	total, err := e.state.TotalCollateral()
	if err != nil {
		return nil, err
	}
	if total == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(total), nil
}

// accrue folds linear interest at the agreed annual rate into InterestOwed.
func (e *Engine) accrue(loan *Loan) {
	if loan == nil || loan.Status != StatusActive {
		return
	}
	now := e.now()
	if loan.LastAccrual == 0 || now <= loan.LastAccrual || loan.PrincipalOwed.Sign() == 0 {
		if now > loan.LastAccrual {
			loan.LastAccrual = now
		}
		return
	}
	elapsed := now - loan.LastAccrual
	interest := new(big.Int).Mul(loan.PrincipalOwed, new(big.Int).SetUint64(loan.Terms.InterestRate))
	interest.Mul(interest, big.NewInt(elapsed))
	interest.Quo(interest, new(big.Int).Mul(basisPoints, big.NewInt(secondsPerYear)))
	if interest.Sign() > 0 {
		loan.InterestOwed = new(big.Int).Add(loan.InterestOwed, interest)
	}
	loan.LastAccrual = now
}

// requiredCollateral returns the wei collateral needed to cover the current
// outstanding debt at the agreed ratio.
func (e *Engine) requiredCollateral(loan *Loan) (*big.Int, error) {
	return e.requiredCollateralFor(loan, loan.Owed())
}

func (e *Engine) requiredCollateralFor(loan *Loan, owed *big.Int) (*big.Int, error) {
	if owed == nil || owed.Sign() == 0 {
		return big.NewInt(0), nil
	}
	if e.prices == nil {
		return nil, errNilPricing
	}
	owedWei, err := e.prices.ValueOf(e.lendingToken, pricing.BaseCurrency, owed)
	if err != nil {
		return nil, err
	}
	required := new(big.Int).Mul(owedWei, new(big.Int).SetUint64(loan.Terms.CollateralRatio))
	required.Quo(required, basisPoints)
	return required, nil
}
