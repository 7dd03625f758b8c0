package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ContainerItem is one allocation record: a slice of a commercial line item
// physically packed into a container. total_weight/total_volume/customs_value
// are computed once at pack time from the line item's unit figures.
type ContainerItem struct {
	ID                   int              `gorm:"primary_key" json:"id"`
	ContainerId          int              `gorm:"index;not null" json:"container_id"`
	CommercialLineItemId int              `gorm:"index;not null" json:"commercial_line_item_id"`
	ProductId            int              `gorm:"index;not null" json:"product_id"`
	Quantity             decimal.Decimal  `gorm:"type:decimal(20,4);not null" json:"quantity"`
	UnitWeight           decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"unit_weight"`
	TotalWeight          decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"total_weight"`
	UnitVolume           decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"unit_volume"`
	TotalVolume          decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"total_volume"`
	UnitPrice            decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	CustomsValue         decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"customs_value"`
	Status               AllocationStatus `gorm:"type:enum('Packed','Reversed');default:'Packed'" json:"status"`
	// ShipmentSequence counts which partial shipment of the line item this
	// allocation belongs to; assigned from the ledger's post-reserve
	// shipment_count, nowhere else.
	ShipmentSequence int       `gorm:"not null" json:"shipment_sequence"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// BuildContainerItem computes the derived per-allocation figures from the line
// item's unit weight/volume/price.
func BuildContainerItem(container *Container, lineItem *CommercialLineItem, quantity decimal.Decimal, shipmentSequence int) ContainerItem {
	return ContainerItem{
		ContainerId:          container.ID,
		CommercialLineItemId: lineItem.ID,
		ProductId:            lineItem.ProductId,
		Quantity:             quantity,
		UnitWeight:           lineItem.UnitWeight,
		TotalWeight:          quantity.Mul(lineItem.UnitWeight),
		UnitVolume:           lineItem.UnitVolume,
		TotalVolume:          quantity.Mul(lineItem.UnitVolume),
		UnitPrice:            lineItem.UnitPrice,
		CustomsValue:         quantity.Mul(lineItem.UnitPrice),
		Status:               AllocationStatusPacked,
		ShipmentSequence:     shipmentSequence,
	}
}
