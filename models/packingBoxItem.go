package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PackingBoxItem mirrors ContainerItem for the box-based packing structure.
// It draws from the same line-item quantity ledger as container allocations.
type PackingBoxItem struct {
	ID                   int              `gorm:"primary_key" json:"id"`
	PackingBoxId         int              `gorm:"index;not null" json:"packing_box_id"`
	CommercialLineItemId int              `gorm:"index;not null" json:"commercial_line_item_id"`
	ProductId            int              `gorm:"index;not null" json:"product_id"`
	Quantity             decimal.Decimal  `gorm:"type:decimal(20,4);not null" json:"quantity"`
	UnitWeight           decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"unit_weight"`
	TotalWeight          decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"total_weight"`
	Status               AllocationStatus `gorm:"type:enum('Packed','Reversed');default:'Packed'" json:"status"`
	ShipmentSequence     int              `gorm:"not null" json:"shipment_sequence"`
	CreatedAt            time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

func BuildPackingBoxItem(box *PackingBox, lineItem *CommercialLineItem, quantity decimal.Decimal, shipmentSequence int) PackingBoxItem {
	return PackingBoxItem{
		PackingBoxId:         box.ID,
		CommercialLineItemId: lineItem.ID,
		ProductId:            lineItem.ProductId,
		Quantity:             quantity,
		UnitWeight:           lineItem.UnitWeight,
		TotalWeight:          quantity.Mul(lineItem.UnitWeight),
		Status:               AllocationStatusPacked,
		ShipmentSequence:     shipmentSequence,
	}
}
