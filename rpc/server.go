package rpc

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lendchain/native/escrow"
	"lendchain/native/loans"
	"lendchain/observability"
)

// LoanReader is the read-only slice of the loan ledger the query surface
// exposes. Satisfied by the loans engine.
type LoanReader interface {
	Loan(id uint64) (*loans.Loan, error)
	TotalCollateral() (*big.Int, error)
}

// EscrowReader exposes the escrow registry queries. Satisfied by the escrow
// engine.
type EscrowReader interface {
	Escrow(loanID uint64) (*escrow.Escrow, error)
	CalculateTotalValue(loanID uint64) (escrow.TotalValue, error)
	GetDapps() ([]escrow.Dapp, error)
}

// Server serves the read-only HTTP query surface. All mutations happen
// through the engines; the server never writes ledger state.
type Server struct {
	loans   LoanReader
	escrows EscrowReader
	logger  *slog.Logger
	router  chi.Router
}

// NewServer constructs the query server and mounts its routes.
func NewServer(loanReader LoanReader, escrowReader EscrowReader, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		loans:   loanReader,
		escrows: escrowReader,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(RequestLogger(logger))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/v1", func(sr chi.Router) {
		sr.Get("/loans/{id}", s.handleLoan)
		sr.Get("/loans/{id}/escrow", s.handleEscrow)
		sr.Get("/loans/{id}/value", s.handleEscrowValue)
		sr.Get("/collateral/total", s.handleTotalCollateral)
		sr.Get("/dapps", s.handleDapps)
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type loanResponse struct {
	ID              uint64 `json:"id"`
	Borrower        string `json:"borrower"`
	Recipient       string `json:"recipient,omitempty"`
	Status          string `json:"status"`
	InterestRate    uint64 `json:"interestRate"`
	CollateralRatio uint64 `json:"collateralRatio"`
	MaxLoanAmount   string `json:"maxLoanAmount"`
	DurationSeconds int64  `json:"durationSeconds"`
	TermsExpiry     int64  `json:"termsExpiry"`
	StartTime       int64  `json:"startTime,omitempty"`
	Collateral      string `json:"collateral"`
	PrincipalOwed   string `json:"principalOwed"`
	InterestOwed    string `json:"interestOwed"`
	BorrowedAmount  string `json:"borrowedAmount"`
	EscrowID        string `json:"escrowId,omitempty"`
	Liquidated      bool   `json:"liquidated"`
}

type escrowResponse struct {
	LoanID   uint64            `json:"loanId"`
	Owner    string            `json:"owner"`
	Assets   []string          `json:"assets"`
	Balances map[string]string `json:"balances"`
}

type valueResponse struct {
	LoanID       uint64 `json:"loanId"`
	ValueInEth   string `json:"valueInEth"`
	ValueInToken string `json:"valueInToken"`
}

type dappResponse struct {
	Address   string `json:"address"`
	Unsecured bool   `json:"unsecured"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleLoan(w http.ResponseWriter, r *http.Request) {
	id, ok := s.loanID(w, r)
	if !ok {
		return
	}
	loan, err := s.loans.Loan(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := loanResponse{
		ID:              loan.ID,
		Borrower:        loan.Terms.Borrower.String(),
		Status:          loan.Status.String(),
		InterestRate:    loan.Terms.InterestRate,
		CollateralRatio: loan.Terms.CollateralRatio,
		MaxLoanAmount:   loan.Terms.MaxLoanAmount.String(),
		DurationSeconds: loan.Terms.DurationSeconds,
		TermsExpiry:     loan.TermsExpiry,
		StartTime:       loan.StartTime,
		Collateral:      loan.Collateral.String(),
		PrincipalOwed:   loan.PrincipalOwed.String(),
		InterestOwed:    loan.InterestOwed.String(),
		BorrowedAmount:  loan.BorrowedAmount.String(),
		EscrowID:        loan.EscrowID,
		Liquidated:      loan.Liquidated,
	}
	if !loan.Terms.Recipient.IsZero() {
		resp.Recipient = loan.Terms.Recipient.String()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEscrow(w http.ResponseWriter, r *http.Request) {
	id, ok := s.loanID(w, r)
	if !ok {
		return
	}
	esc, err := s.escrows.Escrow(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := escrowResponse{
		LoanID:   esc.LoanID,
		Owner:    esc.Owner.String(),
		Assets:   esc.Assets,
		Balances: make(map[string]string, len(esc.Balances)),
	}
	for sym, bal := range esc.Balances {
		resp.Balances[sym] = bal.String()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEscrowValue(w http.ResponseWriter, r *http.Request) {
	id, ok := s.loanID(w, r)
	if !ok {
		return
	}
	value, err := s.escrows.CalculateTotalValue(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	observability.Lending().RecordValuation()
	s.writeJSON(w, http.StatusOK, valueResponse{
		LoanID:       id,
		ValueInEth:   value.ValueInEth.String(),
		ValueInToken: value.ValueInToken.String(),
	})
}

func (s *Server) handleTotalCollateral(w http.ResponseWriter, _ *http.Request) {
	total, err := s.loans.TotalCollateral()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"totalCollateral": total.String()})
}

func (s *Server) handleDapps(w http.ResponseWriter, _ *http.Request) {
	list, err := s.escrows.GetDapps()
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := make([]dappResponse, 0, len(list))
	for _, d := range list {
		resp = append(resp, dappResponse{Address: d.Address.String(), Unsecured: d.Unsecured})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) loanID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid loan id"})
		return 0, false
	}
	return id, true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, loans.ErrLoanNotFound), errors.Is(err, escrow.ErrEscrowNotFound):
		status = http.StatusNotFound
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write response", "error", err)
	}
}
