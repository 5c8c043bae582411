package escrow

import (
	"errors"
	"math/big"
	"strings"

	"lendchain/core/events"
	"lendchain/core/types"
	"lendchain/crypto"
	nativecommon "lendchain/native/common"
	"lendchain/native/loans"
	"lendchain/native/pricing"
	"lendchain/native/settings"
)

var (
	errNilState    = errors.New("escrow engine: state not configured")
	errNilPricing  = errors.New("escrow engine: price source not configured")
	errNilSettings = errors.New("escrow engine: settings not configured")
	errNilLoans    = errors.New("escrow engine: loan source not configured")

	// ErrEscrowNotFound is returned when no escrow exists for the loan.
	ErrEscrowNotFound = errors.New("escrow engine: escrow not found")
	// ErrEscrowExists rejects provisioning a second escrow for a loan.
	ErrEscrowExists = errors.New("escrow engine: escrow already exists")
	// ErrAssetAlreadyExists rejects duplicate asset registration.
	ErrAssetAlreadyExists = errors.New("escrow engine: asset already registered")
	// ErrAssetNotFound is returned when an asset was never registered.
	ErrAssetNotFound = errors.New("escrow engine: asset not registered")
	// ErrDappAlreadyExists rejects whitelisting an address twice.
	ErrDappAlreadyExists = errors.New("escrow engine: dapp already whitelisted")
	// ErrDappNotFound is returned when removing an unknown dapp.
	ErrDappNotFound = errors.New("escrow engine: dapp not whitelisted")
	// ErrNotAContract rejects whitelisting addresses without deployed code.
	ErrNotAContract = errors.New("escrow engine: address is not a contract")
	// ErrUnauthorized rejects asset and registry changes from callers that
	// are neither the escrow owner nor a pauser.
	ErrUnauthorized = errors.New("escrow engine: caller not authorized")

	errInvalidAmount = errors.New("escrow engine: amount must be positive")
	errInvalidAsset  = errors.New("escrow engine: asset symbol required")
)

var basisPoints = big.NewInt(10_000)

const moduleName = "escrow"

// LoanView exposes the loan fields the valuation needs. Satisfied by the
// loans engine.
type LoanView interface {
	Loan(id uint64) (*loans.Loan, error)
}

// ContractDetector reports whether an address carries deployed code.
// Registry whitelisting refuses plain accounts.
type ContractDetector interface {
	IsContract(addr crypto.Address) bool
}

// engineState is the persistence boundary for escrows and the dapp registry.
type engineState interface {
	GetEscrow(loanID uint64) (*Escrow, error)
	PutEscrow(*Escrow) error
	DappList() ([]Dapp, error)
	PutDappList([]Dapp) error
}

// Engine values escrowed collateral baskets and maintains the dapp
// whitelist shared by every escrow.
type Engine struct {
	state        engineState
	prices       pricing.PriceSource
	settings     *settings.Store
	loanView     LoanView
	detector     ContractDetector
	emitter      events.Emitter
	pauses       nativecommon.PauseView
	pausers      map[string]struct{}
	lendingToken string
	collateral   string
}

// NewEngine constructs an escrow engine backed by the shared settings store.
func NewEngine(store *settings.Store) *Engine {
	return &Engine{
		settings:     store,
		emitter:      events.NoopEmitter{},
		pausers:      make(map[string]struct{}),
		lendingToken: "DAI",
		collateral:   pricing.BaseCurrency,
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetPriceSource installs the oracle used for asset valuation.
func (e *Engine) SetPriceSource(p pricing.PriceSource) {
	if e == nil {
		return
	}
	e.prices = p
}

// SetLoanView installs the loan ledger consulted for collateral balances.
func (e *Engine) SetLoanView(v LoanView) {
	if e == nil {
		return
	}
	e.loanView = v
}

// SetContractDetector installs the code detector used by the dapp registry.
func (e *Engine) SetContractDetector(d ContractDetector) {
	if e == nil {
		return
	}
	e.detector = d
}

// SetLendingToken configures the token valuations are quoted in.
func (e *Engine) SetLendingToken(symbol string) {
	if e == nil {
		return
	}
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed != "" {
		e.lendingToken = trimmed
	}
}

// SetCollateralToken configures the token loans post as direct collateral.
func (e *Engine) SetCollateralToken(symbol string) {
	if e == nil {
		return
	}
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed != "" {
		e.collateral = trimmed
	}
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

// SetPausers replaces the set of addresses allowed to mutate the dapp
// registry.
func (e *Engine) SetPausers(addrs []crypto.Address) {
	if e == nil {
		return
	}
	pausers := make(map[string]struct{}, len(addrs))
	for _, addr := range addrs {
		pausers[addr.String()] = struct{}{}
	}
	e.pausers = pausers
}

func (e *Engine) isPauser(addr crypto.Address) bool {
	if e == nil || len(e.pausers) == 0 {
		return false
	}
	_, ok := e.pausers[addr.String()]
	return ok
}

type escrowEvent struct {
	evt *types.Event
}

func (ev escrowEvent) EventType() string {
	if ev.evt == nil {
		return ""
	}
	return ev.evt.Type
}

func (ev escrowEvent) Event() *types.Event { return ev.evt }

func (e *Engine) emit(evt *types.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: evt})
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

// CreateEscrow provisions an empty escrow for the loan. The loan must exist
// in the ledger.
func (e *Engine) CreateEscrow(loanID uint64, owner crypto.Address) (*Escrow, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if e.loanView == nil {
		return nil, errNilLoans
	}
	loan, err := e.loanView.Loan(loanID)
	if err != nil {
		return nil, err
	}
	if loan.Status == loans.StatusClosed {
		return nil, loans.ErrInvalidState
	}
	existing, err := e.state.GetEscrow(loanID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrEscrowExists
	}
	esc := &Escrow{LoanID: loanID, Owner: owner}
	esc.ensureDefaults()
	if err := e.state.PutEscrow(esc); err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(esc))
	return esc.Clone(), nil
}

// AddAsset registers a token symbol with the escrow. Registration is
// append-only, restricted to the escrow owner or a pauser, and duplicates
// are rejected.
func (e *Engine) AddAsset(caller crypto.Address, loanID uint64, symbol string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	normalized, err := normalizeAsset(symbol)
	if err != nil {
		return err
	}
	esc, err := e.loadEscrow(loanID)
	if err != nil {
		return err
	}
	if !caller.Equal(esc.Owner) && !e.isPauser(caller) {
		return ErrUnauthorized
	}
	for _, existing := range esc.Assets {
		if existing == normalized {
			return ErrAssetAlreadyExists
		}
	}
	esc.Assets = append(esc.Assets, normalized)
	esc.Balances[normalized] = big.NewInt(0)
	return e.state.PutEscrow(esc)
}

// DepositAsset credits tokens to the escrow. The asset must have been
// registered via AddAsset first.
func (e *Engine) DepositAsset(caller crypto.Address, loanID uint64, symbol string, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	normalized, err := normalizeAsset(symbol)
	if err != nil {
		return err
	}
	esc, err := e.loadEscrow(loanID)
	if err != nil {
		return err
	}
	if !caller.Equal(esc.Owner) && !e.isPauser(caller) {
		return ErrUnauthorized
	}
	bal, ok := esc.Balances[normalized]
	if !ok {
		return ErrAssetNotFound
	}
	esc.Balances[normalized] = new(big.Int).Add(bal, amount)
	if err := e.state.PutEscrow(esc); err != nil {
		return err
	}
	e.emit(NewAssetDepositedEvent(esc, normalized, amount.String()))
	return nil
}

// WithdrawAsset debits tokens from the escrow. Only the owner may withdraw,
// and only while the loan remains open.
func (e *Engine) WithdrawAsset(caller crypto.Address, loanID uint64, symbol string, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if e.loanView == nil {
		return errNilLoans
	}
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	normalized, err := normalizeAsset(symbol)
	if err != nil {
		return err
	}
	esc, err := e.loadEscrow(loanID)
	if err != nil {
		return err
	}
	if !caller.Equal(esc.Owner) {
		return ErrUnauthorized
	}
	loan, err := e.loanView.Loan(loanID)
	if err != nil {
		return err
	}
	if loan.Status == loans.StatusClosed {
		return loans.ErrInvalidState
	}
	bal, ok := esc.Balances[normalized]
	if !ok {
		return ErrAssetNotFound
	}
	if bal.Cmp(amount) < 0 {
		return errInvalidAmount
	}
	esc.Balances[normalized] = new(big.Int).Sub(bal, amount)
	if err := e.state.PutEscrow(esc); err != nil {
		return err
	}
	e.emit(NewAssetWithdrawnEvent(esc, normalized, amount.String()))
	return nil
}

// Escrow returns a copy of the stored escrow for the loan.
func (e *Engine) Escrow(loanID uint64) (*Escrow, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	esc, err := e.loadEscrow(loanID)
	if err != nil {
		return nil, err
	}
	return esc.Clone(), nil
}

// CalculateTotalValue sums the base-currency value of every escrowed asset
// plus the loan's direct collateral. When the collateral token is the base
// currency itself the collateral buffer is deducted from the amount before it
// is counted; otherwise the oracle value of the collateral is used as is. The
// token figure is the base-currency total converted into the lending token.
func (e *Engine) CalculateTotalValue(loanID uint64) (TotalValue, error) {
	if err := e.ready(); err != nil {
		return TotalValue{}, err
	}
	if e.prices == nil {
		return TotalValue{}, errNilPricing
	}
	if e.loanView == nil {
		return TotalValue{}, errNilLoans
	}

	esc, err := e.loadEscrow(loanID)
	if err != nil {
		return TotalValue{}, err
	}
	loan, err := e.loanView.Loan(loanID)
	if err != nil {
		return TotalValue{}, err
	}

	valueInEth := big.NewInt(0)
	for _, asset := range esc.Assets {
		bal := esc.Balance(asset)
		if bal.Sign() == 0 {
			continue
		}
		assetValue, err := e.prices.ValueOf(asset, pricing.BaseCurrency, bal)
		if err != nil {
			return TotalValue{}, err
		}
		valueInEth.Add(valueInEth, assetValue)
	}

	if loan.Collateral.Sign() > 0 {
		if e.collateral == pricing.BaseCurrency {
			bufferBps, err := e.settings.CollateralBuffer()
			if err != nil {
				return TotalValue{}, err
			}
			buffer := new(big.Int).Mul(loan.Collateral, new(big.Int).SetUint64(bufferBps))
			buffer.Quo(buffer, basisPoints)
			valueInEth.Add(valueInEth, new(big.Int).Sub(loan.Collateral, buffer))
		} else {
			collateralValue, err := e.prices.ValueOf(e.collateral, pricing.BaseCurrency, loan.Collateral)
			if err != nil {
				return TotalValue{}, err
			}
			valueInEth.Add(valueInEth, collateralValue)
		}
	}

	valueInToken, err := e.prices.ValueOf(pricing.BaseCurrency, e.lendingToken, valueInEth)
	if err != nil {
		return TotalValue{}, err
	}
	return TotalValue{ValueInEth: valueInEth, ValueInToken: valueInToken}, nil
}

// AddDapp whitelists an application contract. Restricted to pausers; the
// address must carry deployed code.
func (e *Engine) AddDapp(caller crypto.Address, dapp Dapp) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if !e.isPauser(caller) {
		return ErrUnauthorized
	}
	if dapp.Address.IsZero() || e.detector == nil || !e.detector.IsContract(dapp.Address) {
		return ErrNotAContract
	}
	list, err := e.state.DappList()
	if err != nil {
		return err
	}
	for _, existing := range list {
		if existing.Address.Equal(dapp.Address) {
			return ErrDappAlreadyExists
		}
	}
	list = append(list, dapp)
	if err := e.state.PutDappList(list); err != nil {
		return err
	}
	e.emit(NewDappAddedEvent(dapp))
	return nil
}

// RemoveDapp strikes an application from the whitelist. Restricted to
// pausers.
func (e *Engine) RemoveDapp(caller crypto.Address, addr crypto.Address) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if !e.isPauser(caller) {
		return ErrUnauthorized
	}
	list, err := e.state.DappList()
	if err != nil {
		return err
	}
	for i, existing := range list {
		if existing.Address.Equal(addr) {
			removed := existing
			list = append(list[:i], list[i+1:]...)
			if err := e.state.PutDappList(list); err != nil {
				return err
			}
			e.emit(NewDappRemovedEvent(removed))
			return nil
		}
	}
	return ErrDappNotFound
}

// GetDapps returns the whitelist in registration order.
func (e *Engine) GetDapps() ([]Dapp, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.state.DappList()
}

// IsDapp reports whether the address is whitelisted.
func (e *Engine) IsDapp(addr crypto.Address) (bool, error) {
	if err := e.ready(); err != nil {
		return false, err
	}
	list, err := e.state.DappList()
	if err != nil {
		return false, err
	}
	for _, existing := range list {
		if existing.Address.Equal(addr) {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) loadEscrow(loanID uint64) (*Escrow, error) {
	esc, err := e.state.GetEscrow(loanID)
	if err != nil {
		return nil, err
	}
	if esc == nil {
		return nil, ErrEscrowNotFound
	}
	esc.ensureDefaults()
	return esc, nil
}

func normalizeAsset(symbol string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(symbol))
	if trimmed == "" {
		return "", errInvalidAsset
	}
	return trimmed, nil
}
