package loans

import (
	"errors"
	"math/big"
	"testing"

	"lendchain/core/events"
	"lendchain/core/types"
	"lendchain/crypto"
	nativecommon "lendchain/native/common"
	"lendchain/native/consensus"
	"lendchain/native/pricing"
	"lendchain/native/settings"
)

const testNow = int64(1_700_000_000)

func testAddr(b byte) crypto.Address {
	buf := make([]byte, 20)
	for i := range buf {
		buf[i] = b
	}
	return crypto.NewAddress(crypto.AccountPrefix, buf)
}

func testVault() crypto.Address {
	buf := make([]byte, 20)
	buf[19] = 0xff
	return crypto.NewAddress(crypto.VaultPrefix, buf)
}

type stubConsensus struct {
	terms consensus.AgreedTerms
	err   error
	calls int
}

func (s *stubConsensus) ProcessRequest(consensus.LoanRequest, []consensus.TermResponse) (consensus.AgreedTerms, error) {
	s.calls++
	if s.err != nil {
		return consensus.AgreedTerms{}, s.err
	}
	return s.terms, nil
}

// fakePrices quotes a fixed two-wei-per-token rate in both directions.
type fakePrices struct{}

func (fakePrices) ValueOf(assetIn, assetOut string, amount *big.Int) (*big.Int, error) {
	if assetIn == assetOut {
		return new(big.Int).Set(amount), nil
	}
	if assetOut == pricing.BaseCurrency {
		return new(big.Int).Mul(amount, big.NewInt(2)), nil
	}
	return new(big.Int).Quo(amount, big.NewInt(2)), nil
}

type testEnv struct {
	engine    *Engine
	state     *MemoryState
	consensus *stubConsensus
	now       int64
	borrower  crypto.Address
	vault     crypto.Address
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := settings.NewStore(settings.NewMemoryState())
	if err := store.Seed(settings.DefaultPlatform()); err != nil {
		t.Fatalf("seed settings: %v", err)
	}
	stub := &stubConsensus{terms: consensus.AgreedTerms{
		InterestRate:    600,
		CollateralRatio: 5000,
		MaxLoanAmount:   big.NewInt(10_000),
	}}
	env := &testEnv{
		state:     NewMemoryState(),
		consensus: stub,
		now:       testNow,
		borrower:  testAddr(0x01),
		vault:     testVault(),
	}
	engine := NewEngine(env.vault, store)
	engine.SetState(env.state)
	engine.SetConsensus(stub)
	engine.SetPriceSource(fakePrices{})
	engine.SetNowFunc(func() int64 { return env.now })
	env.engine = engine

	env.fund(env.borrower, big.NewInt(1_000_000), nil)
	env.fund(env.vault, big.NewInt(0), big.NewInt(1_000_000))
	return env
}

func (env *testEnv) fund(addr crypto.Address, wei, tokens *big.Int) {
	acc, err := env.state.GetAccount(addr)
	if err != nil {
		panic(err)
	}
	if acc == nil {
		acc = &types.Account{}
	}
	acc.EnsureDefaults()
	if wei != nil {
		acc.BalanceWei = new(big.Int).Set(wei)
	}
	if tokens != nil {
		acc.SetTokenBalance(env.engine.LendingToken(), new(big.Int).Set(tokens))
	}
	if err := env.state.PutAccount(addr, acc); err != nil {
		panic(err)
	}
}

func (env *testEnv) balance(t *testing.T, addr crypto.Address) *big.Int {
	t.Helper()
	acc, err := env.state.GetAccount(addr)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acc == nil {
		return big.NewInt(0)
	}
	return acc.BalanceWei
}

func (env *testEnv) tokens(t *testing.T, addr crypto.Address) *big.Int {
	t.Helper()
	acc, err := env.state.GetAccount(addr)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acc == nil {
		return big.NewInt(0)
	}
	return acc.TokenBalance(env.engine.LendingToken())
}

func (env *testEnv) request() consensus.LoanRequest {
	return consensus.LoanRequest{
		Borrower:        env.borrower,
		RequestNonce:    1,
		Amount:          big.NewInt(10_000),
		DurationSeconds: 14 * 24 * 60 * 60,
		RequestTime:     env.now,
	}
}

func (env *testEnv) createLoan(t *testing.T, collateral int64) *Loan {
	t.Helper()
	amount := big.NewInt(collateral)
	loan, err := env.engine.CreateLoanWithTerms(env.borrower, env.request(), nil, amount, amount)
	if err != nil {
		t.Fatalf("create loan: %v", err)
	}
	return loan
}

func TestCreateLoanWithTerms(t *testing.T) {
	env := newTestEnv(t)

	loan := env.createLoan(t, 5000)
	if loan.ID != 1 {
		t.Fatalf("expected loan id 1, got %d", loan.ID)
	}
	if loan.Status != StatusTermsSet {
		t.Fatalf("expected terms_set status, got %s", loan.Status)
	}
	if loan.Terms.InterestRate != 600 || loan.Terms.CollateralRatio != 5000 {
		t.Fatalf("unexpected agreed terms: %+v", loan.Terms)
	}
	wantExpiry := testNow + settings.DefaultPlatform().TermsExpirySeconds
	if loan.TermsExpiry != wantExpiry {
		t.Fatalf("expected terms expiry %d, got %d", wantExpiry, loan.TermsExpiry)
	}
	if loan.LastCollateralIn != testNow {
		t.Fatalf("expected collateral timestamp %d, got %d", testNow, loan.LastCollateralIn)
	}
	if got := env.balance(t, env.borrower); got.Cmp(big.NewInt(995_000)) != 0 {
		t.Fatalf("expected borrower balance 995000, got %s", got)
	}
	total, err := env.engine.TotalCollateral()
	if err != nil {
		t.Fatalf("total collateral: %v", err)
	}
	if total.Cmp(big.NewInt(5000)) != 0 {
		t.Fatalf("expected total collateral 5000, got %s", total)
	}
}

func TestCreateLoanWithoutCollateral(t *testing.T) {
	env := newTestEnv(t)

	loan := env.createLoan(t, 0)
	if loan.LastCollateralIn != 0 {
		t.Fatalf("expected zero collateral timestamp, got %d", loan.LastCollateralIn)
	}
	if loan.Collateral.Sign() != 0 {
		t.Fatalf("expected zero collateral, got %s", loan.Collateral)
	}
}

func TestCreateLoanValueMismatch(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.CreateLoanWithTerms(env.borrower, env.request(), nil, big.NewInt(500), big.NewInt(499))
	if !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("expected amount mismatch, got %v", err)
	}
	if env.consensus.calls != 0 {
		t.Fatalf("consensus consulted despite rejected transfer")
	}
}

func TestCreateLoanWrongCaller(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.CreateLoanWithTerms(testAddr(0x09), env.request(), nil, big.NewInt(0), big.NewInt(0))
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestCreateLoanDurationCap(t *testing.T) {
	env := newTestEnv(t)

	request := env.request()
	request.DurationSeconds = settings.DefaultPlatform().MaxLoanDurationSeconds + 1
	_, err := env.engine.CreateLoanWithTerms(env.borrower, request, nil, big.NewInt(0), big.NewInt(0))
	if !errors.Is(err, ErrDurationTooLong) {
		t.Fatalf("expected duration error, got %v", err)
	}
}

func TestCreateLoanConsensusFailure(t *testing.T) {
	env := newTestEnv(t)
	env.consensus.err = consensus.ErrInsufficientResponses

	_, err := env.engine.CreateLoanWithTerms(env.borrower, env.request(), nil, big.NewInt(100), big.NewInt(100))
	if !errors.Is(err, consensus.ErrInsufficientResponses) {
		t.Fatalf("expected consensus error, got %v", err)
	}
	if got := env.balance(t, env.borrower); got.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("borrower debited on failed round: %s", got)
	}
}

func TestTakeOutLoanActivates(t *testing.T) {
	env := newTestEnv(t)
	loan := env.createLoan(t, 5000)
	env.now += 301

	if err := env.engine.TakeOutLoan(env.borrower, loan.ID, big.NewInt(1000)); err != nil {
		t.Fatalf("take out: %v", err)
	}
	stored, err := env.engine.Loan(loan.ID)
	if err != nil {
		t.Fatalf("load loan: %v", err)
	}
	if stored.Status != StatusActive {
		t.Fatalf("expected active status, got %s", stored.Status)
	}
	if stored.StartTime != env.now {
		t.Fatalf("expected start time %d, got %d", env.now, stored.StartTime)
	}
	if stored.PrincipalOwed.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("expected principal 1000, got %s", stored.PrincipalOwed)
	}
	if got := env.tokens(t, env.borrower); got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("expected borrower tokens 1000, got %s", got)
	}
}

func TestTakeOutLoanToRecipient(t *testing.T) {
	env := newTestEnv(t)
	recipient := testAddr(0x22)
	request := env.request()
	request.Recipient = recipient
	loan, err := env.engine.CreateLoanWithTerms(env.borrower, request, nil, big.NewInt(5000), big.NewInt(5000))
	if err != nil {
		t.Fatalf("create loan: %v", err)
	}
	env.now += 301

	if err := env.engine.TakeOutLoan(env.borrower, loan.ID, big.NewInt(500)); err != nil {
		t.Fatalf("take out: %v", err)
	}
	if got := env.tokens(t, recipient); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("expected recipient tokens 500, got %s", got)
	}
	if got := env.tokens(t, env.borrower); got.Sign() != 0 {
		t.Fatalf("borrower credited instead of recipient: %s", got)
	}
}

func TestTakeOutLoanSafetyInterval(t *testing.T) {
	env := newTestEnv(t)
	loan := env.createLoan(t, 5000)
	env.now += 100

	err := env.engine.TakeOutLoan(env.borrower, loan.ID, big.NewInt(100))
	if !errors.Is(err, ErrSafetyInterval) {
		t.Fatalf("expected safety interval error, got %v", err)
	}
}

func TestTakeOutLoanTermsExpired(t *testing.T) {
	env := newTestEnv(t)
	loan := env.createLoan(t, 5000)
	env.now += settings.DefaultPlatform().TermsExpirySeconds + 1

	err := env.engine.TakeOutLoan(env.borrower, loan.ID, big.NewInt(100))
	if !errors.Is(err, ErrTermsExpired) {
		t.Fatalf("expected terms expired, got %v", err)
	}
}

func TestTakeOutLoanMaxExceeded(t *testing.T) {
	env := newTestEnv(t)
	loan := env.createLoan(t, 50_000)
	env.now += 301

	err := env.engine.TakeOutLoan(env.borrower, loan.ID, big.NewInt(10_001))
	if !errors.Is(err, ErrMaxLoanExceeded) {
		t.Fatalf("expected max loan error, got %v", err)
	}
}

func TestTakeOutLoanUndercollateralized(t *testing.T) {
	env := newTestEnv(t)
	// 1000 tokens owed values at 2000 wei; ratio 5000 bps needs 1000 wei.
	loan := env.createLoan(t, 999)
	env.now += 301

	err := env.engine.TakeOutLoan(env.borrower, loan.ID, big.NewInt(1000))
	if !errors.Is(err, ErrUndercollateralized) {
		t.Fatalf("expected undercollateralized, got %v", err)
	}
}

func TestTakeOutLoanWrongCaller(t *testing.T) {
	env := newTestEnv(t)
	loan := env.createLoan(t, 5000)
	env.now += 301

	err := env.engine.TakeOutLoan(testAddr(0x09), loan.ID, big.NewInt(100))
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestRepayInterestThenPrincipal(t *testing.T) {
	env := newTestEnv(t)
	loan := env.createLoan(t, 5000)
	env.now += 301
	if err := env.engine.TakeOutLoan(env.borrower, loan.ID, big.NewInt(1000)); err != nil {
		t.Fatalf("take out: %v", err)
	}

	// One year at 600 bps accrues 60 tokens of interest on 1000 principal.
	env.now += secondsPerYear
	paid, err := env.engine.Repay(env.borrower, loan.ID, big.NewInt(100))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if paid.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected payment 100, got %s", paid)
	}
	stored, err := env.engine.Loan(loan.ID)
	if err != nil {
		t.Fatalf("load loan: %v", err)
	}
	if stored.InterestOwed.Sign() != 0 {
		t.Fatalf("expected interest cleared, got %s", stored.InterestOwed)
	}
	if stored.PrincipalOwed.Cmp(big.NewInt(960)) != 0 {
		t.Fatalf("expected principal 960, got %s", stored.PrincipalOwed)
	}
	if stored.Status != StatusActive {
		t.Fatalf("expected loan still active, got %s", stored.Status)
	}
}

func TestRepayFullClosesAndRefunds(t *testing.T) {
	env := newTestEnv(t)
	loan := env.createLoan(t, 5000)
	env.now += 301
	if err := env.engine.TakeOutLoan(env.borrower, loan.ID, big.NewInt(1000)); err != nil {
		t.Fatalf("take out: %v", err)
	}

	before := env.balance(t, env.borrower)
	// Overpayment is capped at the outstanding balance.
	paid, err := env.engine.Repay(env.borrower, loan.ID, big.NewInt(5000))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if paid.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("expected payment capped at 1000, got %s", paid)
	}
	stored, err := env.engine.Loan(loan.ID)
	if err != nil {
		t.Fatalf("load loan: %v", err)
	}
	if stored.Status != StatusClosed {
		t.Fatalf("expected closed status, got %s", stored.Status)
	}
	if stored.Collateral.Sign() != 0 {
		t.Fatalf("expected collateral released, got %s", stored.Collateral)
	}
	after := env.balance(t, env.borrower)
	if new(big.Int).Sub(after, before).Cmp(big.NewInt(5000)) != 0 {
		t.Fatalf("expected 5000 wei collateral refund, got %s", new(big.Int).Sub(after, before))
	}
	total, err := env.engine.TotalCollateral()
	if err != nil {
		t.Fatalf("total collateral: %v", err)
	}
	if total.Sign() != 0 {
		t.Fatalf("expected empty collateral pool, got %s", total)
	}
}

func TestRepayRequiresActiveLoan(t *testing.T) {
	env := newTestEnv(t)
	loan := env.createLoan(t, 5000)

	_, err := env.engine.Repay(env.borrower, loan.ID, big.NewInt(100))
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestDepositCollateralAnyCaller(t *testing.T) {
	env := newTestEnv(t)
	loan := env.createLoan(t, 1000)
	helper := testAddr(0x33)
	env.fund(helper, big.NewInt(10_000), nil)

	if err := env.engine.DepositCollateral(helper, loan.ID, big.NewInt(400), big.NewInt(400)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	stored, err := env.engine.Loan(loan.ID)
	if err != nil {
		t.Fatalf("load loan: %v", err)
	}
	if stored.Collateral.Cmp(big.NewInt(1400)) != 0 {
		t.Fatalf("expected collateral 1400, got %s", stored.Collateral)
	}
	if stored.LastCollateralIn != env.now {
		t.Fatalf("expected deposit timestamp refresh")
	}
}

func TestDepositCollateralValueMismatch(t *testing.T) {
	env := newTestEnv(t)
	loan := env.createLoan(t, 1000)

	err := env.engine.DepositCollateral(env.borrower, loan.ID, big.NewInt(400), big.NewInt(399))
	if !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("expected amount mismatch, got %v", err)
	}
}

func TestWithdrawCollateralKeepsRatio(t *testing.T) {
	env := newTestEnv(t)
	loan := env.createLoan(t, 5000)
	env.now += 301
	if err := env.engine.TakeOutLoan(env.borrower, loan.ID, big.NewInt(1000)); err != nil {
		t.Fatalf("take out: %v", err)
	}

	// Required collateral is 1000 wei; 4000 may leave.
	if err := env.engine.WithdrawCollateral(env.borrower, loan.ID, big.NewInt(4000)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	err := env.engine.WithdrawCollateral(env.borrower, loan.ID, big.NewInt(1))
	if !errors.Is(err, ErrUndercollateralized) {
		t.Fatalf("expected undercollateralized, got %v", err)
	}
}

func TestWithdrawCollateralBeforeActivation(t *testing.T) {
	env := newTestEnv(t)
	loan := env.createLoan(t, 5000)

	if err := env.engine.WithdrawCollateral(env.borrower, loan.ID, big.NewInt(5000)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	total, err := env.engine.TotalCollateral()
	if err != nil {
		t.Fatalf("total collateral: %v", err)
	}
	if total.Sign() != 0 {
		t.Fatalf("expected empty pool, got %s", total)
	}
}

func TestWithdrawCollateralWrongCaller(t *testing.T) {
	env := newTestEnv(t)
	loan := env.createLoan(t, 5000)

	err := env.engine.WithdrawCollateral(testAddr(0x09), loan.ID, big.NewInt(100))
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestLiquidateExpiredLoan(t *testing.T) {
	env := newTestEnv(t)
	loan := env.createLoan(t, 5000)
	env.now += 301
	if err := env.engine.TakeOutLoan(env.borrower, loan.ID, big.NewInt(1000)); err != nil {
		t.Fatalf("take out: %v", err)
	}
	env.now += loan.Terms.DurationSeconds + 1

	liquidator := testAddr(0x44)
	env.fund(liquidator, big.NewInt(0), big.NewInt(100_000))
	payment, seized, err := env.engine.Liquidate(liquidator, loan.ID)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	// 5000 wei collateral converts to 2500 tokens, discounted to 95%.
	if payment.Cmp(big.NewInt(2375)) != 0 {
		t.Fatalf("expected payment 2375, got %s", payment)
	}
	if seized.Cmp(big.NewInt(5000)) != 0 {
		t.Fatalf("expected seizure 5000, got %s", seized)
	}
	stored, err := env.engine.Loan(loan.ID)
	if err != nil {
		t.Fatalf("load loan: %v", err)
	}
	if stored.Status != StatusClosed || !stored.Liquidated {
		t.Fatalf("expected closed liquidated loan, got %+v", stored)
	}
	if got := env.balance(t, liquidator); got.Cmp(big.NewInt(5000)) != 0 {
		t.Fatalf("expected liquidator to hold collateral, got %s", got)
	}
	total, err := env.engine.TotalCollateral()
	if err != nil {
		t.Fatalf("total collateral: %v", err)
	}
	if total.Sign() != 0 {
		t.Fatalf("expected empty pool, got %s", total)
	}
}

func TestLiquidateHealthyLoanRejected(t *testing.T) {
	env := newTestEnv(t)
	loan := env.createLoan(t, 5000)
	env.now += 301
	if err := env.engine.TakeOutLoan(env.borrower, loan.ID, big.NewInt(1000)); err != nil {
		t.Fatalf("take out: %v", err)
	}

	_, _, err := env.engine.Liquidate(testAddr(0x44), loan.ID)
	if !errors.Is(err, ErrNotLiquidatable) {
		t.Fatalf("expected not liquidatable, got %v", err)
	}
}

func TestClosedLoanRejectsMutation(t *testing.T) {
	env := newTestEnv(t)
	loan := env.createLoan(t, 5000)
	env.now += 301
	if err := env.engine.TakeOutLoan(env.borrower, loan.ID, big.NewInt(1000)); err != nil {
		t.Fatalf("take out: %v", err)
	}
	if _, err := env.engine.Repay(env.borrower, loan.ID, big.NewInt(1000)); err != nil {
		t.Fatalf("repay: %v", err)
	}

	if err := env.engine.DepositCollateral(env.borrower, loan.ID, big.NewInt(10), big.NewInt(10)); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state on deposit, got %v", err)
	}
	if err := env.engine.WithdrawCollateral(env.borrower, loan.ID, big.NewInt(10)); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state on withdraw, got %v", err)
	}
	if err := env.engine.TakeOutLoan(env.borrower, loan.ID, big.NewInt(10)); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state on draw, got %v", err)
	}
}

func TestLoanNotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.Loan(99)
	if !errors.Is(err, ErrLoanNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestModulePaused(t *testing.T) {
	env := newTestEnv(t)
	env.engine.SetPauses(nativecommon.StaticPauses{moduleName: true})

	_, err := env.engine.CreateLoanWithTerms(env.borrower, env.request(), nil, big.NewInt(0), big.NewInt(0))
	if !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected pause error, got %v", err)
	}
}

func TestAttachEscrowOnce(t *testing.T) {
	env := newTestEnv(t)
	loan := env.createLoan(t, 1000)

	if err := env.engine.AttachEscrow(loan.ID, "esc-1"); err != nil {
		t.Fatalf("attach escrow: %v", err)
	}
	if err := env.engine.AttachEscrow(loan.ID, "esc-2"); err == nil {
		t.Fatalf("expected duplicate escrow attachment to fail")
	}
	stored, err := env.engine.Loan(loan.ID)
	if err != nil {
		t.Fatalf("load loan: %v", err)
	}
	if stored.EscrowID != "esc-1" {
		t.Fatalf("expected escrow esc-1, got %q", stored.EscrowID)
	}
}

type recordingEmitter struct {
	payloads []*types.Event
}

func (r *recordingEmitter) Emit(evt events.Event) {
	carrier, ok := evt.(interface{ Event() *types.Event })
	if !ok {
		return
	}
	r.payloads = append(r.payloads, carrier.Event())
}

func TestEventsCarryRunningTotalCollateral(t *testing.T) {
	env := newTestEnv(t)
	recorder := &recordingEmitter{}
	env.engine.SetEmitter(recorder)

	env.createLoan(t, 5000)
	if err := env.engine.DepositCollateral(env.borrower, 1, big.NewInt(1000), big.NewInt(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := env.engine.WithdrawCollateral(env.borrower, 1, big.NewInt(2000)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	if len(recorder.payloads) != 3 {
		t.Fatalf("expected 3 events, got %d", len(recorder.payloads))
	}
	wantTotals := []string{"5000", "6000", "4000"}
	for i, evt := range recorder.payloads {
		if evt.Attributes["totalCollateral"] != wantTotals[i] {
			t.Fatalf("event %d: expected total %s, got %q", i, wantTotals[i], evt.Attributes["totalCollateral"])
		}
	}
}
