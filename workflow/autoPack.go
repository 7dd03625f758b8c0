package workflow

import (
	"context"

	"bitbucket.org/mmdatafocus/tradeops_backend/config"
	"bitbucket.org/mmdatafocus/tradeops_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// AutoPackContainer greedily fills a container from the shipment's line
// items, oldest line item first. For each item it packs the largest whole
// quantity that fits both the remaining ledger quantity and the container's
// weight/volume headroom. Runs as a single transaction so a crash mid-fill
// leaves nothing half-packed.
func AutoPackContainer(ctx context.Context, containerId int, actorId int) ([]models.ContainerItem, error) {
	db := config.GetDB()
	logger := config.GetLogger()
	debug := config.DebugPacking()

	tx := db.WithContext(ctx).Begin()

	container, err := models.LockContainer(tx, containerId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if container.Status.IsSealedOrLater() {
		tx.Rollback()
		return nil, &models.SealedImmutableError{Reference: "container", Id: container.ID}
	}

	var lineItems []models.CommercialLineItem
	if err := tx.Where("quantity_remaining > 0").Order("id ASC").Find(&lineItems).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	weightHeadroom := container.MaxWeight.Sub(container.CurrentWeight)
	volumeHeadroom := container.MaxVolume.Sub(container.CurrentVolume)

	packed := []models.ContainerItem{}
	for i := range lineItems {
		lineItem, err := models.LockCommercialLineItem(tx, lineItems[i].ID)
		if err != nil {
			tx.Rollback()
			return nil, err
		}

		quantity := fittingQuantity(lineItem, weightHeadroom, volumeHeadroom)
		if !quantity.IsPositive() {
			continue
		}

		if err := models.ReserveQuantity(tx, lineItem, quantity, container.ShipmentId); err != nil {
			tx.Rollback()
			return nil, err
		}
		item := models.BuildContainerItem(container, lineItem, quantity, lineItem.ShipmentCount)
		if err := tx.Create(&item).Error; err != nil {
			tx.Rollback()
			return nil, err
		}
		packed = append(packed, item)

		weightHeadroom = weightHeadroom.Sub(item.TotalWeight)
		volumeHeadroom = volumeHeadroom.Sub(item.TotalVolume)

		if debug {
			logger.WithFields(logrus.Fields{
				"field":        "AutoPackContainer",
				"container_id": containerId,
				"line_item_id": lineItem.ID,
				"quantity":     quantity.String(),
			}).Info("auto-pack allocation")
		}
	}

	if len(packed) > 0 {
		if err := models.RecalculateContainerTotals(tx, container.ID); err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := models.RecalculateShipmentTotals(tx, container.ShipmentId); err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return packed, nil
}

// fittingQuantity is the largest whole quantity of the line item that fits
// the remaining ledger quantity and both headroom dimensions. A zero unit
// weight or volume means that dimension does not constrain the item.
func fittingQuantity(lineItem *models.CommercialLineItem, weightHeadroom, volumeHeadroom decimal.Decimal) decimal.Decimal {
	quantity := lineItem.QuantityRemaining.Floor()

	if lineItem.UnitWeight.IsPositive() {
		byWeight := weightHeadroom.Div(lineItem.UnitWeight).Floor()
		if byWeight.LessThan(quantity) {
			quantity = byWeight
		}
	}
	if lineItem.UnitVolume.IsPositive() {
		byVolume := volumeHeadroom.Div(lineItem.UnitVolume).Floor()
		if byVolume.LessThan(quantity) {
			quantity = byVolume
		}
	}

	if quantity.IsNegative() {
		return decimal.Zero
	}
	return quantity
}
