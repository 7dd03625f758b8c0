package models

import "errors"

type ContainerStatus string

const (
	ContainerStatusDraft     ContainerStatus = "Draft"
	ContainerStatusPacked    ContainerStatus = "Packed"
	ContainerStatusSealed    ContainerStatus = "Sealed"
	ContainerStatusInTransit ContainerStatus = "InTransit"
	ContainerStatusDelivered ContainerStatus = "Delivered"
)

// IsSealedOrLater reports whether the container contents are locked.
// Pack/remove mutations are rejected from Sealed onwards.
func (s ContainerStatus) IsSealedOrLater() bool {
	switch s {
	case ContainerStatusSealed, ContainerStatusInTransit, ContainerStatusDelivered:
		return true
	}
	return false
}

func (s *ContainerStatus) UnmarshalText(b []byte) error {
	switch ContainerStatus(b) {
	case ContainerStatusDraft, ContainerStatusPacked, ContainerStatusSealed,
		ContainerStatusInTransit, ContainerStatusDelivered:
		*s = ContainerStatus(b)
		return nil
	}
	return errors.New("invalid container status")
}

type ContainerType string

const (
	ContainerTypeDry20    ContainerType = "Dry20"
	ContainerTypeDry40    ContainerType = "Dry40"
	ContainerTypeHighCube ContainerType = "HighCube40"
	ContainerTypeReefer20 ContainerType = "Reefer20"
	ContainerTypeReefer40 ContainerType = "Reefer40"
	ContainerTypeOpenTop  ContainerType = "OpenTop40"
	ContainerTypeFlatRack ContainerType = "FlatRack40"
)

func (t *ContainerType) UnmarshalText(b []byte) error {
	switch ContainerType(b) {
	case ContainerTypeDry20, ContainerTypeDry40, ContainerTypeHighCube,
		ContainerTypeReefer20, ContainerTypeReefer40, ContainerTypeOpenTop, ContainerTypeFlatRack:
		*t = ContainerType(b)
		return nil
	}
	return errors.New("invalid container type")
}

type PackingBoxStatus string

const (
	PackingBoxStatusEmpty   PackingBoxStatus = "Empty"
	PackingBoxStatusPacking PackingBoxStatus = "Packing"
	PackingBoxStatusSealed  PackingBoxStatus = "Sealed"
)

type ShipmentStatus string

const (
	ShipmentStatusDraft     ShipmentStatus = "Draft"
	ShipmentStatusConfirmed ShipmentStatus = "Confirmed"
	ShipmentStatusInTransit ShipmentStatus = "InTransit"
	ShipmentStatusDelivered ShipmentStatus = "Delivered"
	ShipmentStatusCancelled ShipmentStatus = "Cancelled"
)

type AllocationStatus string

const (
	AllocationStatusPacked   AllocationStatus = "Packed"
	AllocationStatusReversed AllocationStatus = "Reversed"
)

// EngineEventType enumerates outbox event kinds recorded for downstream
// consumers (document generation, notifications).
type EngineEventType string

const (
	EngineEventContainerSealed   EngineEventType = "container.sealed"
	EngineEventContainerUnsealed EngineEventType = "container.unsealed"
	EngineEventBoxSealed         EngineEventType = "box.sealed"
	EngineEventShipmentConfirmed EngineEventType = "shipment.confirmed"
	EngineEventShipmentCancelled EngineEventType = "shipment.cancelled"
)

const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)
