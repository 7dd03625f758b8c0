package models

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestContainerSealTransitionMatrix(t *testing.T) {
	cases := []struct {
		name          string
		status        ContainerStatus
		itemCount     int64
		sealNumber    string
		requirePacked bool
		wantErr       interface{}
	}{
		{"packed with items seals", ContainerStatusPacked, 3, "SL-001", false, nil},
		{"draft with items seals when flag off", ContainerStatusDraft, 3, "SL-001", false, nil},
		{"draft rejected when packed required", ContainerStatusDraft, 3, "SL-001", true, "packed"},
		{"empty container rejected", ContainerStatusPacked, 0, "SL-001", false, &EmptyContainerError{}},
		{"missing seal number rejected", ContainerStatusPacked, 3, "", false, "seal number"},
		{"blank seal number rejected", ContainerStatusPacked, 3, "   ", false, "seal number"},
		{"already sealed rejected", ContainerStatusSealed, 3, "SL-001", false, &AlreadySealedError{}},
		{"in transit rejected", ContainerStatusInTransit, 3, "SL-001", false, &AlreadySealedError{}},
		{"delivered rejected", ContainerStatusDelivered, 3, "SL-001", false, &AlreadySealedError{}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := &Container{ID: 1, Status: tc.status}
			err := ValidateContainerSealTransition(c, tc.itemCount, tc.sealNumber, tc.requirePacked)

			switch want := tc.wantErr.(type) {
			case nil:
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
			case *EmptyContainerError:
				var e *EmptyContainerError
				if !errors.As(err, &e) {
					t.Fatalf("got %v, want EmptyContainerError", err)
				}
			case *AlreadySealedError:
				var e *AlreadySealedError
				if !errors.As(err, &e) {
					t.Fatalf("got %v, want AlreadySealedError", err)
				}
			case string:
				if err == nil {
					t.Fatalf("expected error mentioning %q, got nil", want)
				}
			}
		})
	}
}

func TestContainerUnsealOnlyFromSealed(t *testing.T) {
	for _, status := range []ContainerStatus{
		ContainerStatusDraft, ContainerStatusPacked, ContainerStatusInTransit, ContainerStatusDelivered,
	} {
		c := &Container{ID: 2, Status: status}
		var notSealed *NotSealedError
		if err := ValidateContainerUnsealTransition(c); !errors.As(err, &notSealed) {
			t.Fatalf("unseal from %s: got %v, want NotSealedError", status, err)
		}
	}

	if err := ValidateContainerUnsealTransition(&Container{ID: 2, Status: ContainerStatusSealed}); err != nil {
		t.Fatalf("unseal from Sealed: %v", err)
	}
}

func TestPackingBoxSealTransition(t *testing.T) {
	var alreadySealed *AlreadySealedError
	if err := ValidatePackingBoxSealTransition(&PackingBox{ID: 1, Status: PackingBoxStatusSealed}, 3); !errors.As(err, &alreadySealed) {
		t.Fatalf("double box seal: got %v, want AlreadySealedError", err)
	}

	var empty *EmptyContainerError
	if err := ValidatePackingBoxSealTransition(&PackingBox{ID: 1, Status: PackingBoxStatusEmpty}, 0); !errors.As(err, &empty) {
		t.Fatalf("empty box seal: got %v, want EmptyContainerError", err)
	}

	if err := ValidatePackingBoxSealTransition(&PackingBox{ID: 1, Status: PackingBoxStatusPacking}, 2); err != nil {
		t.Fatalf("packing box seal: %v", err)
	}
}

func TestBuildContainerItemDerivedTotals(t *testing.T) {
	container := &Container{ID: 4}
	lineItem := &CommercialLineItem{
		ID:         8,
		ProductId:  2,
		UnitWeight: decimal.RequireFromString("2.5"),
		UnitVolume: decimal.RequireFromString("0.12"),
		UnitPrice:  decimal.RequireFromString("19.99"),
	}

	item := BuildContainerItem(container, lineItem, decimal.NewFromInt(40), 3)

	if !item.TotalWeight.Equal(decimal.RequireFromString("100")) {
		t.Fatalf("total_weight = %s, want 100", item.TotalWeight)
	}
	if !item.TotalVolume.Equal(decimal.RequireFromString("4.8")) {
		t.Fatalf("total_volume = %s, want 4.8", item.TotalVolume)
	}
	if !item.CustomsValue.Equal(decimal.RequireFromString("799.6")) {
		t.Fatalf("customs_value = %s, want 799.6", item.CustomsValue)
	}
	if item.ShipmentSequence != 3 {
		t.Fatalf("shipment_sequence = %d, want 3", item.ShipmentSequence)
	}
}

func TestBoxVolumeFromDimensions(t *testing.T) {
	// 120cm x 80cm x 50cm = 480000 cm3 = 0.48 m3
	got := boxVolumeFromDimensions(
		decimal.NewFromInt(120), decimal.NewFromInt(80), decimal.NewFromInt(50))
	if !got.Equal(decimal.RequireFromString("0.48")) {
		t.Fatalf("volume = %s, want 0.48", got)
	}

	// Missing dimension means no volume, not a tiny one.
	got = boxVolumeFromDimensions(decimal.NewFromInt(120), decimal.Zero, decimal.NewFromInt(50))
	if !got.Equal(decimal.Zero) {
		t.Fatalf("volume with zero dimension = %s, want 0", got)
	}

	// Rounding to 4 places.
	got = boxVolumeFromDimensions(
		decimal.NewFromInt(33), decimal.NewFromInt(33), decimal.NewFromInt(33))
	if !got.Equal(decimal.RequireFromString("0.0359")) {
		t.Fatalf("volume = %s, want 0.0359", got)
	}
}

func TestCheckContainerCapacityBoundary(t *testing.T) {
	container := &Container{
		ID:            6,
		MaxWeight:     decimal.NewFromInt(100),
		MaxVolume:     decimal.NewFromInt(10),
		CurrentWeight: decimal.NewFromInt(60),
		CurrentVolume: decimal.NewFromInt(3),
	}

	// Landing exactly on the limit is allowed.
	if err := CheckContainerCapacity(container, decimal.NewFromInt(40), decimal.NewFromInt(7)); err != nil {
		t.Fatalf("exact fit rejected: %v", err)
	}

	var capacity *CapacityExceededError
	err := CheckContainerCapacity(container, decimal.RequireFromString("40.0001"), decimal.NewFromInt(1))
	if !errors.As(err, &capacity) {
		t.Fatalf("got %v, want CapacityExceededError", err)
	}
	if capacity.Dimension != "weight" {
		t.Fatalf("dimension = %s, want weight", capacity.Dimension)
	}

	err = CheckContainerCapacity(container, decimal.NewFromInt(1), decimal.RequireFromString("7.0001"))
	if !errors.As(err, &capacity) {
		t.Fatalf("got %v, want CapacityExceededError", err)
	}
	if capacity.Dimension != "volume" {
		t.Fatalf("dimension = %s, want volume", capacity.Dimension)
	}
}
