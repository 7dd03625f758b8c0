package models

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Typed engine errors. The first five kinds are expected, user-correctable
// conditions and are returned to the caller for display. InternalInvariantError
// indicates a missed reserve/release pairing and is escalated, never shown as a
// validation message.

type InsufficientQuantityError struct {
	LineItemId int
	Requested  decimal.Decimal
	Available  decimal.Decimal
}

func (e *InsufficientQuantityError) Error() string {
	return fmt.Sprintf(
		"insufficient quantity on line item %d: requested %s but only %s remaining (short by %s)",
		e.LineItemId, e.Requested, e.Available, e.Requested.Sub(e.Available),
	)
}

type CapacityExceededError struct {
	ContainerId int
	Dimension   string // "weight" or "volume"
	Limit       decimal.Decimal
	Current     decimal.Decimal
	Added       decimal.Decimal
}

// Headroom is the remaining capacity in the failing dimension.
func (e *CapacityExceededError) Headroom() decimal.Decimal {
	return e.Limit.Sub(e.Current)
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf(
		"container %d %s capacity exceeded: adding %s to current %s breaks the %s limit (headroom %s)",
		e.ContainerId, e.Dimension, e.Added, e.Current, e.Limit, e.Headroom(),
	)
}

type EmptyContainerError struct {
	Reference string // "container" or "packing box"
	Id        int
}

func (e *EmptyContainerError) Error() string {
	return fmt.Sprintf("cannot seal %s %d with zero items", e.Reference, e.Id)
}

type AlreadySealedError struct {
	Reference string
	Id        int
	Status    string
}

func (e *AlreadySealedError) Error() string {
	return fmt.Sprintf("%s %d is already sealed (status %s)", e.Reference, e.Id, e.Status)
}

type NotSealedError struct {
	Reference string
	Id        int
	Status    string
}

func (e *NotSealedError) Error() string {
	return fmt.Sprintf("%s %d is not sealed (status %s)", e.Reference, e.Id, e.Status)
}

type SealedImmutableError struct {
	Reference string
	Id        int
}

func (e *SealedImmutableError) Error() string {
	return fmt.Sprintf("%s %d is sealed; unseal it before changing its contents", e.Reference, e.Id)
}

type NotReadyToConfirmError struct {
	ShipmentId int
	Reasons    []string
}

func (e *NotReadyToConfirmError) Error() string {
	return fmt.Sprintf("shipment %d is not ready to confirm: %s", e.ShipmentId, strings.Join(e.Reasons, "; "))
}

// InternalInvariantError reports a violated ledger bound (0 <= shipped <= total).
// The enclosing transaction must be rolled back.
type InternalInvariantError struct {
	LineItemId int
	Detail     string
}

func (e *InternalInvariantError) Error() string {
	return fmt.Sprintf("quantity ledger invariant violated on line item %d: %s", e.LineItemId, e.Detail)
}
