package observability

import (
	"math/big"
	"strings"

	"lendchain/core/events"
	"lendchain/core/types"
	"lendchain/native/loans"
)

// MetricsEmitter bridges engine events into the prometheus registry. It can
// be installed anywhere an events.Emitter is accepted.
type MetricsEmitter struct{}

var _ events.Emitter = MetricsEmitter{}

// Emit implements events.Emitter.
func (MetricsEmitter) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	eventType := evt.EventType()
	switch {
	case strings.HasPrefix(eventType, "loans."):
		Lending().RecordLoanEvent(strings.TrimPrefix(eventType, "loans."))
		if eventType == loans.EventTypeTermsSet {
			Lending().RecordConsensusRound("agreed")
		}
	case strings.HasPrefix(eventType, "escrow."):
		Lending().RecordLoanEvent(eventType)
	}
	publishTotalCollateral(evt)
}

// publishTotalCollateral mirrors the running collateral balance carried on
// collateral-bearing loan events into the gauge.
func publishTotalCollateral(evt events.Event) {
	carrier, ok := evt.(interface{ Event() *types.Event })
	if !ok {
		return
	}
	payload := carrier.Event()
	if payload == nil {
		return
	}
	raw, ok := payload.Attributes["totalCollateral"]
	if !ok {
		return
	}
	total, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return
	}
	Lending().SetTotalCollateral(total)
}
