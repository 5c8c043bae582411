package consensus

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"lendchain/crypto"
)

// TermsDomainV1 is the domain separator mixed into every signed term response.
const TermsDomainV1 = "LEND_LOAN_TERMS_V1"

// LoanRequest describes a borrower's ask. Requests are transient: they exist
// only while a consensus round runs and are never persisted.
type LoanRequest struct {
	Borrower        crypto.Address
	Recipient       crypto.Address
	RequestNonce    uint64
	Amount          *big.Int
	DurationSeconds int64
	RequestTime     int64
	ConsensusID     string
}

// TermResponse carries one oracle node's proposed loan terms for a request,
// authenticated by a recoverable signature over the canonical payload.
type TermResponse struct {
	Signer          crypto.Address
	ResponseTime    int64
	InterestRate    uint64
	CollateralRatio uint64
	MaxLoanAmount   *big.Int
	Signature       []byte
}

// AgreedTerms is the triple a successful consensus round produces.
type AgreedTerms struct {
	InterestRate    uint64
	CollateralRatio uint64
	MaxLoanAmount   *big.Int
}

// CanonicalMessage renders the request portion of the signed payload. The
// encoding is pipe-delimited key/value text so signatures stay stable across
// serialisation layers.
func (r LoanRequest) CanonicalMessage() (string, error) {
	if r.Borrower.IsZero() {
		return "", fmt.Errorf("loan request: borrower required")
	}
	if r.RequestNonce == 0 {
		return "", fmt.Errorf("loan request: nonce must be positive")
	}
	if r.Amount == nil || r.Amount.Sign() <= 0 {
		return "", fmt.Errorf("loan request: amount must be positive")
	}
	if r.DurationSeconds <= 0 {
		return "", fmt.Errorf("loan request: duration must be positive")
	}
	if r.RequestTime <= 0 {
		return "", fmt.Errorf("loan request: request time required")
	}
	builder := strings.Builder{}
	builder.WriteString(TermsDomainV1)
	builder.WriteString("|borrower=")
	builder.WriteString(r.Borrower.String())
	builder.WriteString("|recipient=")
	if !r.Recipient.IsZero() {
		builder.WriteString(r.Recipient.String())
	}
	builder.WriteString("|nonce=")
	builder.WriteString(strconv.FormatUint(r.RequestNonce, 10))
	builder.WriteString("|amount=")
	builder.WriteString(r.Amount.String())
	builder.WriteString("|duration=")
	builder.WriteString(strconv.FormatInt(r.DurationSeconds, 10))
	builder.WriteString("|requested=")
	builder.WriteString(strconv.FormatInt(r.RequestTime, 10))
	builder.WriteString("|consensus=")
	builder.WriteString(strings.TrimSpace(r.ConsensusID))
	return builder.String(), nil
}

// ResponseDigest computes the keccak256 digest an oracle node signs for the
// given request/response pair.
func ResponseDigest(request LoanRequest, response TermResponse) ([]byte, error) {
	base, err := request.CanonicalMessage()
	if err != nil {
		return nil, err
	}
	if response.ResponseTime <= 0 {
		return nil, fmt.Errorf("term response: response time required")
	}
	if response.MaxLoanAmount == nil || response.MaxLoanAmount.Sign() <= 0 {
		return nil, fmt.Errorf("term response: max loan amount must be positive")
	}
	builder := strings.Builder{}
	builder.WriteString(base)
	builder.WriteString("|responded=")
	builder.WriteString(strconv.FormatInt(response.ResponseTime, 10))
	builder.WriteString("|interest=")
	builder.WriteString(strconv.FormatUint(response.InterestRate, 10))
	builder.WriteString("|ratio=")
	builder.WriteString(strconv.FormatUint(response.CollateralRatio, 10))
	builder.WriteString("|maxloan=")
	builder.WriteString(response.MaxLoanAmount.String())
	return ethcrypto.Keccak256([]byte(builder.String())), nil
}

// SignResponse fills in the signer and signature fields of the response using
// the supplied key. Oracle node implementations and tests share this helper.
func SignResponse(key *crypto.PrivateKey, request LoanRequest, response *TermResponse) error {
	if key == nil {
		return fmt.Errorf("term response: signing key required")
	}
	if response == nil {
		return fmt.Errorf("term response: response required")
	}
	response.Signer = key.PubKey().Address()
	digest, err := ResponseDigest(request, *response)
	if err != nil {
		return err
	}
	sig, err := key.Sign(digest)
	if err != nil {
		return err
	}
	response.Signature = sig
	return nil
}
