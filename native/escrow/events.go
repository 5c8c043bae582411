package escrow

import (
	"fmt"

	"lendchain/core/types"
)

const (
	EventTypeCreated        = "escrow.created"
	EventTypeAssetDeposited = "escrow.asset_deposited"
	EventTypeAssetWithdrawn = "escrow.asset_withdrawn"
	EventTypeDappAdded      = "escrow.dapp_added"
	EventTypeDappRemoved    = "escrow.dapp_removed"
)

// NewCreatedEvent reports a freshly provisioned escrow.
func NewCreatedEvent(e *Escrow) *types.Event {
	return &types.Event{
		Type: EventTypeCreated,
		Attributes: map[string]string{
			"loanId": fmt.Sprintf("%d", e.LoanID),
			"owner":  e.Owner.String(),
		},
	}
}

// NewAssetDepositedEvent reports tokens moved into an escrow.
func NewAssetDepositedEvent(e *Escrow, asset, amount string) *types.Event {
	return &types.Event{
		Type: EventTypeAssetDeposited,
		Attributes: map[string]string{
			"loanId": fmt.Sprintf("%d", e.LoanID),
			"asset":  asset,
			"amount": amount,
		},
	}
}

// NewAssetWithdrawnEvent reports tokens released from an escrow.
func NewAssetWithdrawnEvent(e *Escrow, asset, amount string) *types.Event {
	return &types.Event{
		Type: EventTypeAssetWithdrawn,
		Attributes: map[string]string{
			"loanId": fmt.Sprintf("%d", e.LoanID),
			"asset":  asset,
			"amount": amount,
		},
	}
}

// NewDappAddedEvent reports a dapp admitted to the registry.
func NewDappAddedEvent(d Dapp) *types.Event {
	return &types.Event{
		Type: EventTypeDappAdded,
		Attributes: map[string]string{
			"address":   d.Address.String(),
			"unsecured": fmt.Sprintf("%t", d.Unsecured),
		},
	}
}

// NewDappRemovedEvent reports a dapp struck from the registry.
func NewDappRemovedEvent(d Dapp) *types.Event {
	return &types.Event{
		Type: EventTypeDappRemoved,
		Attributes: map[string]string{
			"address": d.Address.String(),
		},
	}
}
