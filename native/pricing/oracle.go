package pricing

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
)

// BaseCurrency is the symbol every multi-hop conversion routes through.
const BaseCurrency = "ETH"

var (
	ErrFeedNotFound = errors.New("pricing: no feed registered for pair")
	ErrInvalidPrice = errors.New("pricing: feed returned non-positive price")
)

// PriceSource resolves the value of an amount of one asset denominated in
// another. Engines depend on this interface so tests can substitute fixed
// conversions.
type PriceSource interface {
	ValueOf(assetIn, assetOut string, amount *big.Int) (*big.Int, error)
}

// Aggregator exposes the latest answer of a single price feed. Production
// deployments adapt Chainlink-style aggregator contracts; tests use
// StaticAggregator.
type Aggregator interface {
	LatestAnswer() (*big.Int, error)
}

// Feed describes one registered price feed. Inverted feeds quote the pair in
// the opposite direction (e.g. a LINK/USD aggregator serving a LINK->DAI
// conversion) and are rescaled by ResponseDecimals instead of
// CollateralDecimals.
type Feed struct {
	Base               string
	Quote              string
	Inverted           bool
	CollateralDecimals uint8
	ResponseDecimals   uint8
	Source             Aggregator
}

func pairKey(base, quote string) string {
	return normalizeSymbol(base) + ":" + normalizeSymbol(quote)
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Registry holds the feed table and answers value queries, routing through the
// base currency when no direct feed exists.
type Registry struct {
	mu    sync.RWMutex
	feeds map[string]Feed
}

// NewRegistry constructs an empty feed registry.
func NewRegistry() *Registry {
	return &Registry{feeds: make(map[string]Feed)}
}

// Register adds or replaces the feed for its base/quote pair.
func (r *Registry) Register(feed Feed) error {
	if r == nil {
		return fmt.Errorf("pricing: registry not configured")
	}
	base := normalizeSymbol(feed.Base)
	quote := normalizeSymbol(feed.Quote)
	if base == "" || quote == "" {
		return fmt.Errorf("pricing: feed base and quote required")
	}
	if base == quote {
		return fmt.Errorf("pricing: feed pair must differ")
	}
	if feed.Source == nil {
		return fmt.Errorf("pricing: feed source required")
	}
	feed.Base = base
	feed.Quote = quote
	r.mu.Lock()
	r.feeds[pairKey(base, quote)] = feed
	r.mu.Unlock()
	return nil
}

func (r *Registry) feed(base, quote string) (Feed, bool) {
	r.mu.RLock()
	feed, ok := r.feeds[pairKey(base, quote)]
	r.mu.RUnlock()
	return feed, ok
}

// ValueOf converts amount units of assetIn into assetOut. A direct feed is
// preferred; otherwise the conversion hops through the base currency. The
// identity conversion returns a copy of the amount.
func (r *Registry) ValueOf(assetIn, assetOut string, amount *big.Int) (*big.Int, error) {
	if r == nil {
		return nil, fmt.Errorf("pricing: registry not configured")
	}
	in := normalizeSymbol(assetIn)
	out := normalizeSymbol(assetOut)
	if in == "" || out == "" {
		return nil, fmt.Errorf("pricing: asset symbols required")
	}
	if amount == nil {
		return nil, fmt.Errorf("pricing: amount required")
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("pricing: amount must be non-negative")
	}
	if in == out {
		return new(big.Int).Set(amount), nil
	}
	if feed, ok := r.feed(in, out); ok {
		return convert(feed, amount)
	}
	// Multi-hop through the base currency.
	if in != BaseCurrency && out != BaseCurrency {
		legIn, ok := r.feed(in, BaseCurrency)
		if !ok {
			return nil, fmt.Errorf("%w: %s/%s", ErrFeedNotFound, in, out)
		}
		legOut, ok := r.feed(BaseCurrency, out)
		if !ok {
			return nil, fmt.Errorf("%w: %s/%s", ErrFeedNotFound, in, out)
		}
		mid, err := convert(legIn, amount)
		if err != nil {
			return nil, err
		}
		return convert(legOut, mid)
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrFeedNotFound, in, out)
}

func convert(feed Feed, amount *big.Int) (*big.Int, error) {
	price, err := feed.Source.LatestAnswer()
	if err != nil {
		return nil, fmt.Errorf("pricing: %s/%s feed: %w", feed.Base, feed.Quote, err)
	}
	if price == nil || price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrInvalidPrice, feed.Base, feed.Quote)
	}
	if feed.Inverted {
		// amountOut = amountIn * 10^responseDecimals / price
		scale := pow10(feed.ResponseDecimals)
		out := new(big.Int).Mul(amount, scale)
		return out.Quo(out, price), nil
	}
	// amountOut = amountIn * price / 10^collateralDecimals
	out := new(big.Int).Mul(amount, price)
	return out.Quo(out, pow10(feed.CollateralDecimals)), nil
}

func pow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}

// StaticAggregator is a fixed-answer feed used by tests and for manual
// overrides during incident response.
type StaticAggregator struct {
	mu     sync.RWMutex
	answer *big.Int
}

// NewStaticAggregator constructs an aggregator returning the supplied answer.
func NewStaticAggregator(answer *big.Int) *StaticAggregator {
	agg := &StaticAggregator{}
	agg.SetAnswer(answer)
	return agg
}

// SetAnswer replaces the stored answer.
func (a *StaticAggregator) SetAnswer(answer *big.Int) {
	if a == nil {
		return
	}
	a.mu.Lock()
	if answer != nil {
		a.answer = new(big.Int).Set(answer)
	} else {
		a.answer = nil
	}
	a.mu.Unlock()
}

// LatestAnswer implements the Aggregator interface.
func (a *StaticAggregator) LatestAnswer() (*big.Int, error) {
	if a == nil {
		return nil, fmt.Errorf("pricing: static aggregator not configured")
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.answer == nil {
		return nil, fmt.Errorf("pricing: static aggregator has no answer")
	}
	return new(big.Int).Set(a.answer), nil
}
