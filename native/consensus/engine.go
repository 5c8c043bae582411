package consensus

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"lendchain/crypto"
	nativecommon "lendchain/native/common"
	"lendchain/native/settings"
)

var (
	errNilState    = errors.New("consensus engine: state not configured")
	errNilSettings = errors.New("consensus engine: settings not configured")

	// ErrRequestExpired rejects requests whose submission time fell outside
	// the response expiry window.
	ErrRequestExpired = errors.New("consensus engine: request expired")
	// ErrNonceReplayed rejects requests reusing an already-consumed nonce.
	ErrNonceReplayed = errors.New("consensus engine: request nonce already used")
	// ErrInsufficientResponses rejects rounds below the required submission
	// count.
	ErrInsufficientResponses = errors.New("consensus engine: insufficient responses")
	// ErrDuplicateSigner rejects rounds containing two responses from the
	// same oracle node.
	ErrDuplicateSigner = errors.New("consensus engine: duplicate signer")
	// ErrResponseExpired rejects individual responses outside the freshness
	// window.
	ErrResponseExpired = errors.New("consensus engine: response expired")
	// ErrSignerMismatch rejects responses whose signature does not recover to
	// the declared signer.
	ErrSignerMismatch = errors.New("consensus engine: signature does not match signer")
	// ErrRateLimited rejects rounds containing a signer inside their
	// per-borrower rate-limit window.
	ErrRateLimited = errors.New("consensus engine: signer rate limited for borrower")
	// ErrToleranceExceeded rejects rounds whose responses diverge beyond the
	// configured tolerance.
	ErrToleranceExceeded = errors.New("consensus engine: responses exceed maximum tolerance")
)

const moduleName = "consensus"

var basisPoints = big.NewInt(10_000)

// engineState persists per-signer submission timestamps for rate limiting and
// per-borrower nonces for replay protection.
type engineState interface {
	LastSubmission(signer, borrower crypto.Address) (int64, error)
	PutSubmission(signer, borrower crypto.Address, ts int64) error
	LastRequestNonce(borrower crypto.Address) (uint64, error)
	PutRequestNonce(borrower crypto.Address, nonce uint64) error
}

// Engine validates signed term responses and aggregates them into agreed loan
// terms.
type Engine struct {
	state    engineState
	settings *settings.Store
	pauses   nativecommon.PauseView
	nowFn    func() int64
}

// NewEngine constructs a consensus engine bound to the platform settings.
func NewEngine(store *settings.Store) *Engine {
	return &Engine{
		settings: store,
		nowFn:    func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

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

// ProcessRequest validates the request and every response, then aggregates the
// accepted responses into a single terms triple. Validation is all-or-nothing:
// signer submission timestamps are recorded only after the entire round has
// been accepted.
func (e *Engine) ProcessRequest(request LoanRequest, responses []TermResponse) (AgreedTerms, error) {
	if e == nil || e.state == nil {
		return AgreedTerms{}, errNilState
	}
	if e.settings == nil {
		return AgreedTerms{}, errNilSettings
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return AgreedTerms{}, err
	}
	if _, err := request.CanonicalMessage(); err != nil {
		return AgreedTerms{}, err
	}

	now := e.now()

	responseExpiry, err := e.settings.ResponseExpiryLength()
	if err != nil {
		return AgreedTerms{}, err
	}
	required, err := e.settings.RequiredSubmissions()
	if err != nil {
		return AgreedTerms{}, err
	}
	toleranceBps, err := e.settings.MaximumTolerance()
	if err != nil {
		return AgreedTerms{}, err
	}
	rateLimit, err := e.settings.RequestLoanTermsRateLimit()
	if err != nil {
		return AgreedTerms{}, err
	}

	if request.RequestTime > now || now-request.RequestTime > responseExpiry {
		return AgreedTerms{}, ErrRequestExpired
	}
	lastNonce, err := e.state.LastRequestNonce(request.Borrower)
	if err != nil {
		return AgreedTerms{}, err
	}
	// Nonce zero is rejected at canonical validation, so a stored zero
	// always means no prior request.
	if request.RequestNonce <= lastNonce {
		return AgreedTerms{}, ErrNonceReplayed
	}
	if uint64(len(responses)) < required || len(responses) == 0 {
		return AgreedTerms{}, fmt.Errorf("%w: got %d, need %d", ErrInsufficientResponses, len(responses), required)
	}

	seen := make(map[string]struct{}, len(responses))
	for i := range responses {
		resp := responses[i]
		key := string(resp.Signer.Bytes())
		if _, dup := seen[key]; dup {
			return AgreedTerms{}, fmt.Errorf("%w: %s", ErrDuplicateSigner, resp.Signer)
		}
		seen[key] = struct{}{}

		if resp.ResponseTime > now || now-resp.ResponseTime > responseExpiry {
			return AgreedTerms{}, fmt.Errorf("%w: signer %s", ErrResponseExpired, resp.Signer)
		}

		digest, err := ResponseDigest(request, resp)
		if err != nil {
			return AgreedTerms{}, err
		}
		recovered, err := crypto.RecoverAddress(digest, resp.Signature)
		if err != nil {
			return AgreedTerms{}, fmt.Errorf("%w: %v", ErrSignerMismatch, err)
		}
		if !recovered.Equal(resp.Signer) {
			return AgreedTerms{}, fmt.Errorf("%w: signer %s", ErrSignerMismatch, resp.Signer)
		}

		last, err := e.state.LastSubmission(resp.Signer, request.Borrower)
		if err != nil {
			return AgreedTerms{}, err
		}
		if last > 0 && now-last < rateLimit {
			return AgreedTerms{}, fmt.Errorf("%w: signer %s", ErrRateLimited, resp.Signer)
		}
	}

	terms, err := aggregate(responses, toleranceBps)
	if err != nil {
		return AgreedTerms{}, err
	}

	// Commit: record submissions and consume the nonce only after the entire
	// round validated.
	for i := range responses {
		if err := e.state.PutSubmission(responses[i].Signer, request.Borrower, now); err != nil {
			return AgreedTerms{}, err
		}
	}
	if err := e.state.PutRequestNonce(request.Borrower, request.RequestNonce); err != nil {
		return AgreedTerms{}, err
	}
	return terms, nil
}

// aggregate computes the floor arithmetic mean of each term field and enforces
// the pairwise deviation tolerance. The result is independent of response
// ordering.
func aggregate(responses []TermResponse, toleranceBps uint64) (AgreedTerms, error) {
	count := big.NewInt(int64(len(responses)))

	interestSum := new(big.Int)
	ratioSum := new(big.Int)
	maxLoanSum := new(big.Int)
	interestMin, interestMax := new(big.Int), new(big.Int)
	ratioMin, ratioMax := new(big.Int), new(big.Int)
	loanMin, loanMax := new(big.Int), new(big.Int)

	for i := range responses {
		interest := new(big.Int).SetUint64(responses[i].InterestRate)
		ratio := new(big.Int).SetUint64(responses[i].CollateralRatio)
		maxLoan := responses[i].MaxLoanAmount

		interestSum.Add(interestSum, interest)
		ratioSum.Add(ratioSum, ratio)
		maxLoanSum.Add(maxLoanSum, maxLoan)

		if i == 0 {
			interestMin.Set(interest)
			interestMax.Set(interest)
			ratioMin.Set(ratio)
			ratioMax.Set(ratio)
			loanMin.Set(maxLoan)
			loanMax.Set(maxLoan)
			continue
		}
		updateBounds(interest, interestMin, interestMax)
		updateBounds(ratio, ratioMin, ratioMax)
		updateBounds(maxLoan, loanMin, loanMax)
	}

	interestAvg := new(big.Int).Quo(interestSum, count)
	ratioAvg := new(big.Int).Quo(ratioSum, count)
	loanAvg := new(big.Int).Quo(maxLoanSum, count)

	if !withinTolerance(interestMin, interestMax, interestAvg, toleranceBps) {
		return AgreedTerms{}, fmt.Errorf("%w: interest rate", ErrToleranceExceeded)
	}
	if !withinTolerance(ratioMin, ratioMax, ratioAvg, toleranceBps) {
		return AgreedTerms{}, fmt.Errorf("%w: collateral ratio", ErrToleranceExceeded)
	}
	if !withinTolerance(loanMin, loanMax, loanAvg, toleranceBps) {
		return AgreedTerms{}, fmt.Errorf("%w: max loan amount", ErrToleranceExceeded)
	}

	return AgreedTerms{
		InterestRate:    interestAvg.Uint64(),
		CollateralRatio: ratioAvg.Uint64(),
		MaxLoanAmount:   loanAvg,
	}, nil
}

func updateBounds(value, min, max *big.Int) {
	if value.Cmp(min) < 0 {
		min.Set(value)
	}
	if value.Cmp(max) > 0 {
		max.Set(value)
	}
}

// withinTolerance checks that the maximum pairwise deviation (max - min) stays
// inside toleranceBps of the aggregated mean.
func withinTolerance(min, max, avg *big.Int, toleranceBps uint64) bool {
	spread := new(big.Int).Sub(max, min)
	if spread.Sign() == 0 {
		return true
	}
	if avg.Sign() == 0 {
		return false
	}
	allowed := new(big.Int).Mul(avg, new(big.Int).SetUint64(toleranceBps))
	allowed.Quo(allowed, basisPoints)
	return spread.Cmp(allowed) <= 0
}

// MemoryState is an in-memory engineState for tests and single-process
// deployments.
type MemoryState struct {
	submissions map[string]int64
	nonces      map[string]uint64
}

// NewMemoryState constructs an empty consensus state.
func NewMemoryState() *MemoryState {
	return &MemoryState{
		submissions: make(map[string]int64),
		nonces:      make(map[string]uint64),
	}
}

func submissionKey(signer, borrower crypto.Address) string {
	return string(signer.Bytes()) + "/" + string(borrower.Bytes())
}

// LastSubmission implements engineState.
func (m *MemoryState) LastSubmission(signer, borrower crypto.Address) (int64, error) {
	return m.submissions[submissionKey(signer, borrower)], nil
}

// PutSubmission implements engineState.
func (m *MemoryState) PutSubmission(signer, borrower crypto.Address, ts int64) error {
	m.submissions[submissionKey(signer, borrower)] = ts
	return nil
}

// LastRequestNonce implements engineState.
func (m *MemoryState) LastRequestNonce(borrower crypto.Address) (uint64, error) {
	return m.nonces[string(borrower.Bytes())], nil
}

// PutRequestNonce implements engineState.
func (m *MemoryState) PutRequestNonce(borrower crypto.Address, nonce uint64) error {
	m.nonces[string(borrower.Bytes())] = nonce
	return nil
}
