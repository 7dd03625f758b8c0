package workflow

import (
	"context"
	"errors"

	"bitbucket.org/mmdatafocus/tradeops_backend/config"
	"bitbucket.org/mmdatafocus/tradeops_backend/models"
	"bitbucket.org/mmdatafocus/tradeops_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// PackContainerItem allocates quantity from a commercial line item into a
// container. The container row and the line item row are both locked FOR
// UPDATE for the whole transaction, so two concurrent packers can never both
// read stale remaining/current figures and conclude there is room.
func PackContainerItem(ctx context.Context, containerId int, lineItemId int, quantity decimal.Decimal, actorId int) (*models.ContainerItem, error) {
	if !quantity.IsPositive() {
		return nil, errors.New("pack quantity must be positive")
	}

	db := config.GetDB()
	logger := config.GetLogger()
	debug := config.DebugPacking()

	if debug {
		logger.WithFields(logrus.Fields{
			"field":        "PackContainerItem",
			"container_id": containerId,
			"line_item_id": lineItemId,
			"quantity":     quantity.String(),
			"actor_id":     actorId,
		}).Info("begin pack")
	}

	tx := db.WithContext(ctx).Begin()

	container, err := models.LockContainer(tx, containerId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	// Packing into a sealed container is never allowed; once sealed, a
	// container only gains content again after an explicit unseal.
	if container.Status.IsSealedOrLater() {
		tx.Rollback()
		return nil, &models.SealedImmutableError{Reference: "container", Id: container.ID}
	}

	lineItem, err := models.LockCommercialLineItem(tx, lineItemId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if quantity.GreaterThan(lineItem.QuantityRemaining) {
		tx.Rollback()
		return nil, &models.InsufficientQuantityError{
			LineItemId: lineItem.ID,
			Requested:  quantity,
			Available:  lineItem.QuantityRemaining,
		}
	}

	addedWeight := quantity.Mul(lineItem.UnitWeight)
	addedVolume := quantity.Mul(lineItem.UnitVolume)
	if err := models.CheckContainerCapacity(container, addedWeight, addedVolume); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := models.ReserveQuantity(tx, lineItem, quantity, container.ShipmentId); err != nil {
		tx.Rollback()
		return nil, err
	}

	// Sequence is the ledger's post-reserve shipment count.
	item := models.BuildContainerItem(container, lineItem, quantity, lineItem.ShipmentCount)
	if err := tx.Create(&item).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := models.RecalculateContainerTotals(tx, container.ID); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := models.RecalculateShipmentTotals(tx, container.ShipmentId); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	if debug {
		logger.WithFields(logrus.Fields{
			"field":             "PackContainerItem",
			"container_id":      containerId,
			"container_item_id": item.ID,
			"shipment_sequence": item.ShipmentSequence,
		}).Info("pack committed")
	}

	return &item, nil
}

// RemoveContainerItem reverses an allocation: releases the quantity back to
// the ledger, deletes the allocation row, and recomputes totals. Sealed
// containers reject removal until unsealed.
func RemoveContainerItem(ctx context.Context, containerItemId int, actorId int) (*models.ContainerItem, error) {
	db := config.GetDB()

	tx := db.WithContext(ctx).Begin()

	var item models.ContainerItem
	if err := tx.First(&item, containerItemId).Error; err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}

	container, err := models.LockContainer(tx, item.ContainerId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if container.Status.IsSealedOrLater() && config.StrictSealedImmutability() {
		tx.Rollback()
		return nil, &models.SealedImmutableError{Reference: "container", Id: container.ID}
	}

	if err := reverseContainerItem(tx, container, &item); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &item, nil
}

// reverseContainerItem undoes one container allocation inside the caller's
// transaction. The container row must already be locked. Used by both user
// removal and shipment cancellation.
func reverseContainerItem(tx *gorm.DB, container *models.Container, item *models.ContainerItem) error {
	lineItem, err := models.LockCommercialLineItem(tx, item.CommercialLineItemId)
	if err != nil {
		return err
	}

	// Delete first so the ledger's distinct-shipment count excludes this row.
	// A zero row count means a concurrent removal already reversed the
	// allocation; releasing again would double-credit the ledger.
	res := tx.Delete(&models.ContainerItem{}, item.ID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ErrorRecordNotFound
	}
	if err := models.ReleaseQuantity(tx, lineItem, item.Quantity, container.ShipmentId); err != nil {
		return err
	}

	if err := models.RecalculateContainerTotals(tx, container.ID); err != nil {
		return err
	}
	return models.RecalculateShipmentTotals(tx, container.ShipmentId)
}

// PackBoxItem allocates quantity from a commercial line item into a packing
// box. Boxes have no capacity ceiling, so the only pack-time failure mode is
// the quantity ledger. Box allocations draw down the same ledger as container
// allocations.
func PackBoxItem(ctx context.Context, boxId int, lineItemId int, quantity decimal.Decimal, actorId int) (*models.PackingBoxItem, error) {
	if !quantity.IsPositive() {
		return nil, errors.New("pack quantity must be positive")
	}

	db := config.GetDB()
	logger := config.GetLogger()
	debug := config.DebugPacking()

	tx := db.WithContext(ctx).Begin()

	box, err := models.LockPackingBox(tx, boxId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if box.Status == models.PackingBoxStatusSealed {
		tx.Rollback()
		return nil, &models.SealedImmutableError{Reference: "packing box", Id: box.ID}
	}

	lineItem, err := models.LockCommercialLineItem(tx, lineItemId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if quantity.GreaterThan(lineItem.QuantityRemaining) {
		tx.Rollback()
		return nil, &models.InsufficientQuantityError{
			LineItemId: lineItem.ID,
			Requested:  quantity,
			Available:  lineItem.QuantityRemaining,
		}
	}

	if err := models.ReserveQuantity(tx, lineItem, quantity, box.ShipmentId); err != nil {
		tx.Rollback()
		return nil, err
	}

	item := models.BuildPackingBoxItem(box, lineItem, quantity, lineItem.ShipmentCount)
	if err := tx.Create(&item).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := models.RecalculatePackingBoxTotals(tx, box.ID); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	if debug {
		logger.WithFields(logrus.Fields{
			"field":       "PackBoxItem",
			"box_id":      boxId,
			"box_item_id": item.ID,
			"actor_id":    actorId,
		}).Info("box pack committed")
	}

	return &item, nil
}

// RemoveBoxItem reverses a box allocation. Sealed boxes reject removal.
func RemoveBoxItem(ctx context.Context, boxItemId int, actorId int) (*models.PackingBoxItem, error) {
	db := config.GetDB()

	tx := db.WithContext(ctx).Begin()

	var item models.PackingBoxItem
	if err := tx.First(&item, boxItemId).Error; err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}

	box, err := models.LockPackingBox(tx, item.PackingBoxId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if box.Status == models.PackingBoxStatusSealed && config.StrictSealedImmutability() {
		tx.Rollback()
		return nil, &models.SealedImmutableError{Reference: "packing box", Id: box.ID}
	}

	if err := reverseBoxItem(tx, box, &item); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &item, nil
}

func reverseBoxItem(tx *gorm.DB, box *models.PackingBox, item *models.PackingBoxItem) error {
	lineItem, err := models.LockCommercialLineItem(tx, item.CommercialLineItemId)
	if err != nil {
		return err
	}

	res := tx.Delete(&models.PackingBoxItem{}, item.ID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ErrorRecordNotFound
	}
	if err := models.ReleaseQuantity(tx, lineItem, item.Quantity, box.ShipmentId); err != nil {
		return err
	}

	return models.RecalculatePackingBoxTotals(tx, box.ID)
}
