package observability

import (
	"math/big"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"lendchain/core/types"
	"lendchain/native/loans"
)

type stubEvent struct {
	evt *types.Event
}

func (e stubEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e stubEvent) Event() *types.Event { return e.evt }

func TestEmitPublishesTotalCollateral(t *testing.T) {
	evt := &types.Event{
		Type:       loans.EventTypeCollateralDeposited,
		Attributes: map[string]string{"totalCollateral": "12345"},
	}
	MetricsEmitter{}.Emit(stubEvent{evt: evt})

	if got := testutil.ToFloat64(Lending().totalCollateral); got != 12345 {
		t.Fatalf("expected gauge 12345, got %f", got)
	}

	evt = &types.Event{
		Type:       loans.EventTypeCollateralWithdrawn,
		Attributes: map[string]string{"totalCollateral": "45"},
	}
	MetricsEmitter{}.Emit(stubEvent{evt: evt})

	if got := testutil.ToFloat64(Lending().totalCollateral); got != 45 {
		t.Fatalf("expected gauge 45, got %f", got)
	}
}

func TestEmitIgnoresMalformedTotals(t *testing.T) {
	Lending().SetTotalCollateral(big.NewInt(77))

	evt := &types.Event{
		Type:       loans.EventTypeCollateralDeposited,
		Attributes: map[string]string{"totalCollateral": "not-a-number"},
	}
	MetricsEmitter{}.Emit(stubEvent{evt: evt})

	if got := testutil.ToFloat64(Lending().totalCollateral); got != 77 {
		t.Fatalf("expected gauge untouched at 77, got %f", got)
	}
}

func TestRecordValuationCounts(t *testing.T) {
	before := testutil.ToFloat64(Lending().valuations)
	Lending().RecordValuation()
	Lending().RecordValuation()
	if got := testutil.ToFloat64(Lending().valuations); got != before+2 {
		t.Fatalf("expected counter %f, got %f", before+2, got)
	}
}
