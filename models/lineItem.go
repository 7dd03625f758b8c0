package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/tradeops_backend/config"
	"bitbucket.org/mmdatafocus/tradeops_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CommercialLineItem is one product line on a proforma invoice, the unit of
// quantity that gets physically packed and shipped. The quantity ledger
// columns (quantity_shipped / quantity_remaining / shipment_count) are owned
// exclusively by ReserveQuantity/ReleaseQuantity; no other code path writes
// them.
type CommercialLineItem struct {
	ID                int             `gorm:"primary_key" json:"id"`
	ProformaInvoiceNo string          `gorm:"size:100;index" json:"proforma_invoice_no"`
	ProductId         int             `gorm:"index;not null" json:"product_id"`
	Name              string          `gorm:"size:255;not null" json:"name"`
	UnitWeight        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_weight"` // kg
	UnitVolume        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_volume"` // m3
	UnitPrice         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	TotalQuantity     decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"total_quantity"`
	QuantityShipped   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity_shipped"`
	QuantityRemaining decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity_remaining"`
	ShipmentCount     int             `gorm:"not null;default:0" json:"shipment_count"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewCommercialLineItem struct {
	ProformaInvoiceNo string          `json:"proforma_invoice_no"`
	ProductId         int             `json:"product_id" validate:"required"`
	TotalQuantity     decimal.Decimal `json:"total_quantity" validate:"required"`
}

// CreateCommercialLineItem finalizes an invoice line into a packable line item,
// copying unit weight/volume/price from the product catalog at finalization time.
func CreateCommercialLineItem(ctx context.Context, input *NewCommercialLineItem) (*CommercialLineItem, error) {
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	if !input.TotalQuantity.IsPositive() {
		return nil, errors.New("total quantity must be positive")
	}

	product, err := GetProduct(ctx, input.ProductId)
	if err != nil {
		return nil, errors.New("product not found")
	}

	lineItem := CommercialLineItem{
		ProformaInvoiceNo: input.ProformaInvoiceNo,
		ProductId:         product.ID,
		Name:              product.Name,
		UnitWeight:        product.UnitWeight,
		UnitVolume:        product.UnitVolume,
		UnitPrice:         product.UnitPrice,
		TotalQuantity:     input.TotalQuantity,
		QuantityShipped:   decimal.Zero,
		QuantityRemaining: input.TotalQuantity,
		ShipmentCount:     0,
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&lineItem).Error; err != nil {
		return nil, err
	}
	return &lineItem, nil
}

func GetCommercialLineItem(ctx context.Context, id int) (*CommercialLineItem, error) {
	return utils.FetchModel[CommercialLineItem](ctx, id)
}

// DeleteCommercialLineItem refuses to delete a line item while any allocation
// still references it.
func DeleteCommercialLineItem(ctx context.Context, id int) (*CommercialLineItem, error) {
	result, err := utils.FetchModel[CommercialLineItem](ctx, id)
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}

	containerRefs, err := utils.ResourceCountWhere[ContainerItem](ctx, "commercial_line_item_id = ?", id)
	if err != nil {
		return nil, err
	}
	boxRefs, err := utils.ResourceCountWhere[PackingBoxItem](ctx, "commercial_line_item_id = ?", id)
	if err != nil {
		return nil, err
	}
	if containerRefs > 0 || boxRefs > 0 {
		return nil, errors.New("line item has packed allocations and cannot be deleted")
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Delete(&result).Error; err != nil {
		return nil, err
	}
	return result, nil
}

// LockCommercialLineItem reads the line item row FOR UPDATE. Every reserve or
// release must operate on a row locked through here for the duration of the
// enclosing transaction.
func LockCommercialLineItem(tx *gorm.DB, id int) (*CommercialLineItem, error) {
	var lineItem CommercialLineItem
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&lineItem, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &lineItem, nil
}

// ReserveQuantity draws quantity from the line item's remaining pool for an
// allocation in the given shipment. The first allocation each distinct
// shipment makes against this item increments shipment_count; the caller uses
// the post-reserve count as the allocation's shipment sequence.
//
// Both container and packing-box allocations draw down this one ledger.
func ReserveQuantity(tx *gorm.DB, lineItem *CommercialLineItem, quantity decimal.Decimal, shipmentId int) error {
	if !quantity.IsPositive() {
		return errors.New("reserve quantity must be positive")
	}
	if quantity.GreaterThan(lineItem.QuantityRemaining) {
		return &InsufficientQuantityError{
			LineItemId: lineItem.ID,
			Requested:  quantity,
			Available:  lineItem.QuantityRemaining,
		}
	}

	lineItem.QuantityShipped = lineItem.QuantityShipped.Add(quantity)
	lineItem.QuantityRemaining = lineItem.TotalQuantity.Sub(lineItem.QuantityShipped)

	allocations, err := countShipmentAllocations(tx, lineItem.ID, shipmentId)
	if err != nil {
		return err
	}
	if allocations == 0 {
		// First draw from this shipment context.
		lineItem.ShipmentCount = lineItem.ShipmentCount + 1
	}

	if err := checkLedgerBounds(lineItem); err != nil {
		return err
	}

	return tx.Model(&CommercialLineItem{}).Where("id = ?", lineItem.ID).Updates(map[string]interface{}{
		"quantity_shipped":   lineItem.QuantityShipped,
		"quantity_remaining": lineItem.QuantityRemaining,
		"shipment_count":     lineItem.ShipmentCount,
	}).Error
}

// ReleaseQuantity reverses a reservation when an allocation is deleted. The
// caller deletes the allocation row first; if the shipment no longer holds any
// allocation against this item, shipment_count is decremented so a later
// re-pack observes a consistent sequence.
func ReleaseQuantity(tx *gorm.DB, lineItem *CommercialLineItem, quantity decimal.Decimal, shipmentId int) error {
	if !quantity.IsPositive() {
		return errors.New("release quantity must be positive")
	}

	if quantity.GreaterThan(lineItem.QuantityShipped) {
		// A release larger than the shipped balance means a missed
		// reserve/release pairing somewhere: clamp at zero but log loudly.
		logger := config.GetLogger()
		config.LogError(logger, "lineItem.go", "ReleaseQuantity", "release exceeds shipped balance",
			map[string]interface{}{
				"line_item_id": lineItem.ID,
				"release_qty":  quantity.String(),
				"shipped_qty":  lineItem.QuantityShipped.String(),
			},
			&InternalInvariantError{LineItemId: lineItem.ID, Detail: "release exceeds shipped balance"})
		lineItem.QuantityShipped = decimal.Zero
	} else {
		lineItem.QuantityShipped = lineItem.QuantityShipped.Sub(quantity)
	}
	lineItem.QuantityRemaining = lineItem.TotalQuantity.Sub(lineItem.QuantityShipped)

	allocations, err := countShipmentAllocations(tx, lineItem.ID, shipmentId)
	if err != nil {
		return err
	}
	if allocations == 0 && lineItem.ShipmentCount > 0 {
		lineItem.ShipmentCount = lineItem.ShipmentCount - 1
	}

	if err := checkLedgerBounds(lineItem); err != nil {
		return err
	}

	return tx.Model(&CommercialLineItem{}).Where("id = ?", lineItem.ID).Updates(map[string]interface{}{
		"quantity_shipped":   lineItem.QuantityShipped,
		"quantity_remaining": lineItem.QuantityRemaining,
		"shipment_count":     lineItem.ShipmentCount,
	}).Error
}

// countShipmentAllocations counts live allocation rows this shipment holds
// against the line item, across both packing structures.
func countShipmentAllocations(tx *gorm.DB, lineItemId int, shipmentId int) (int64, error) {
	var containerAllocs int64
	if err := tx.Model(&ContainerItem{}).
		Joins("JOIN containers ON containers.id = container_items.container_id").
		Where("container_items.commercial_line_item_id = ? AND containers.shipment_id = ? AND containers.deleted_at IS NULL",
			lineItemId, shipmentId).
		Count(&containerAllocs).Error; err != nil {
		return 0, err
	}

	var boxAllocs int64
	if err := tx.Model(&PackingBoxItem{}).
		Joins("JOIN packing_boxes ON packing_boxes.id = packing_box_items.packing_box_id").
		Where("packing_box_items.commercial_line_item_id = ? AND packing_boxes.shipment_id = ? AND packing_boxes.deleted_at IS NULL",
			lineItemId, shipmentId).
		Count(&boxAllocs).Error; err != nil {
		return 0, err
	}

	return containerAllocs + boxAllocs, nil
}

func checkLedgerBounds(lineItem *CommercialLineItem) error {
	if lineItem.QuantityShipped.IsNegative() ||
		lineItem.QuantityShipped.GreaterThan(lineItem.TotalQuantity) {
		err := &InternalInvariantError{
			LineItemId: lineItem.ID,
			Detail: fmt.Sprintf("shipped %s outside [0, %s]",
				lineItem.QuantityShipped, lineItem.TotalQuantity),
		}
		logger := config.GetLogger()
		config.LogError(logger, "lineItem.go", "checkLedgerBounds", "ledger bound violated", lineItem.ID, err)
		return err
	}
	if !lineItem.QuantityShipped.Add(lineItem.QuantityRemaining).Equal(lineItem.TotalQuantity) {
		err := &InternalInvariantError{
			LineItemId: lineItem.ID,
			Detail: fmt.Sprintf("shipped %s + remaining %s != total %s",
				lineItem.QuantityShipped, lineItem.QuantityRemaining, lineItem.TotalQuantity),
		}
		logger := config.GetLogger()
		config.LogError(logger, "lineItem.go", "checkLedgerBounds", "ledger bound violated", lineItem.ID, err)
		return err
	}
	return nil
}
