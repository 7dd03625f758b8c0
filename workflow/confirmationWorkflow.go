package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/tradeops_backend/config"
	"bitbucket.org/mmdatafocus/tradeops_backend/models"
	"bitbucket.org/mmdatafocus/tradeops_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// CanConfirmShipment reports every blocker preventing confirmation, not just
// the first. An empty slice means the shipment is confirmable right now,
// though only ConfirmShipment's in-transaction re-check is authoritative.
func CanConfirmShipment(ctx context.Context, shipmentId int) ([]string, error) {
	db := config.GetDB()

	var shipment models.Shipment
	if err := db.WithContext(ctx).First(&shipment, shipmentId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}

	return collectConfirmBlockers(db.WithContext(ctx), &shipment)
}

func collectConfirmBlockers(tx *gorm.DB, shipment *models.Shipment) ([]string, error) {
	reasons := []string{}

	if shipment.Status != models.ShipmentStatusDraft {
		reasons = append(reasons, fmt.Sprintf("shipment is %s, only drafts can be confirmed", shipment.Status))
		return reasons, nil
	}

	var containers []models.Container
	if err := tx.Where("shipment_id = ?", shipment.ID).Find(&containers).Error; err != nil {
		return nil, err
	}
	var boxes []models.PackingBox
	if err := tx.Where("shipment_id = ?", shipment.ID).Find(&boxes).Error; err != nil {
		return nil, err
	}

	if len(containers) == 0 && len(boxes) == 0 {
		reasons = append(reasons, "shipment has no containers or packing boxes")
	}
	for _, c := range containers {
		if !c.Status.IsSealedOrLater() {
			reasons = append(reasons, fmt.Sprintf("container %s is not sealed (status %s)", c.ContainerNumber, c.Status))
		}
	}
	for _, b := range boxes {
		if b.Status != models.PackingBoxStatusSealed {
			reasons = append(reasons, fmt.Sprintf("packing box %s is not sealed (status %s)", b.BoxNumber, b.Status))
		}
	}

	var packed struct {
		Quantity decimal.Decimal
		Weight   decimal.Decimal
		Value    decimal.Decimal
	}
	if err := tx.Model(&models.ContainerItem{}).
		Select("COALESCE(SUM(container_items.quantity), 0) AS quantity, COALESCE(SUM(container_items.total_weight), 0) AS weight, COALESCE(SUM(container_items.customs_value), 0) AS value").
		Joins("JOIN containers ON containers.id = container_items.container_id AND containers.deleted_at IS NULL").
		Where("containers.shipment_id = ?", shipment.ID).
		Scan(&packed).Error; err != nil {
		return nil, err
	}

	// Declared figures of zero mean "not declared" and are not reconciled.
	if shipment.DeclaredQuantity.IsPositive() && !packed.Quantity.Equal(shipment.DeclaredQuantity) {
		reasons = append(reasons, fmt.Sprintf("packed quantity %s does not match declared quantity %s",
			packed.Quantity.String(), shipment.DeclaredQuantity.String()))
	}
	if shipment.DeclaredWeight.IsPositive() && !packed.Weight.Equal(shipment.DeclaredWeight) {
		reasons = append(reasons, fmt.Sprintf("packed weight %s does not match declared weight %s",
			packed.Weight.String(), shipment.DeclaredWeight.String()))
	}
	if shipment.DeclaredValue.IsPositive() && !packed.Value.Equal(shipment.DeclaredValue) {
		reasons = append(reasons, fmt.Sprintf("packed customs value %s does not match declared value %s",
			packed.Value.String(), shipment.DeclaredValue.String()))
	}

	return reasons, nil
}

// ConfirmShipment runs the confirmation gate and freezes the shipment. The
// readiness check is repeated under the shipment row lock and the MySQL
// advisory lock, so a container unsealed between a CanConfirmShipment call
// and this one is still caught.
func ConfirmShipment(ctx context.Context, shipmentId int, actorId int) (*models.Shipment, error) {
	release, err := utils.ShipmentLock(ctx, shipmentId, "workflow", "ConfirmShipment")
	if err != nil {
		return nil, err
	}
	defer release()

	db := config.GetDB()

	var shipment *models.Shipment
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := AcquireShipmentPostingLock(tx, shipmentId); err != nil {
			return err
		}
		// GET_LOCK is session-scoped, not transaction-scoped: release on the
		// live tx connection before commit, or the pooled connection keeps
		// holding the lock after this call returns.
		defer ReleaseShipmentPostingLock(tx, shipmentId)

		s, err := models.LockShipment(tx, shipmentId)
		if err != nil {
			return err
		}
		before := *s

		reasons, err := collectConfirmBlockers(tx, s)
		if err != nil {
			return err
		}
		if len(reasons) > 0 {
			return &models.NotReadyToConfirmError{ShipmentId: shipmentId, Reasons: reasons}
		}

		now := time.Now()
		s.Status = models.ShipmentStatusConfirmed
		s.ConfirmedBy = &actorId
		s.ConfirmedAt = &now

		if err := tx.Model(&models.Shipment{}).Where("id = ?", shipmentId).Updates(map[string]interface{}{
			"status":       models.ShipmentStatusConfirmed,
			"confirmed_by": actorId,
			"confirmed_at": now,
		}).Error; err != nil {
			return err
		}

		actorName, _ := utils.GetActorNameFromContext(ctx)
		if err := models.RecordHistory(tx, "CONFIRM", shipmentId, "shipment", before, s, "shipment confirmed", actorId, actorName); err != nil {
			return err
		}
		if err := models.RecordEngineEvent(ctx, tx, models.EngineEventShipmentConfirmed, shipmentId, "shipment", s); err != nil {
			return err
		}

		shipment = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return shipment, nil
}

// CancelShipment reverses every allocation back to the ledger and retires the
// shipment's containers and boxes. Cancellation ignores seal state: a sealed
// container on a cancelled shipment is opened and unloaded, so the ledger
// must get its quantities back either way. Idempotent for already-cancelled
// shipments.
func CancelShipment(ctx context.Context, shipmentId int, reason string, actorId int) (*models.Shipment, error) {
	release, err := utils.ShipmentLock(ctx, shipmentId, "workflow", "CancelShipment")
	if err != nil {
		return nil, err
	}
	defer release()

	db := config.GetDB()
	logger := config.GetLogger()

	var shipment *models.Shipment
	var containerCount, boxCount int
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := AcquireShipmentPostingLock(tx, shipmentId); err != nil {
			return err
		}
		// Session-scoped lock, released on the live tx connection.
		defer ReleaseShipmentPostingLock(tx, shipmentId)

		s, err := models.LockShipment(tx, shipmentId)
		if err != nil {
			return err
		}
		if s.Status == models.ShipmentStatusCancelled {
			shipment = s
			return nil
		}
		before := *s

		var containers []models.Container
		if err := tx.Where("shipment_id = ?", shipmentId).Find(&containers).Error; err != nil {
			return err
		}
		for i := range containers {
			if err := unloadContainer(tx, &containers[i]); err != nil {
				return err
			}
		}

		var boxes []models.PackingBox
		if err := tx.Where("shipment_id = ?", shipmentId).Find(&boxes).Error; err != nil {
			return err
		}
		for i := range boxes {
			if err := unloadPackingBox(tx, &boxes[i]); err != nil {
				return err
			}
		}
		containerCount = len(containers)
		boxCount = len(boxes)

		now := time.Now()
		s.Status = models.ShipmentStatusCancelled
		s.CancelReason = reason
		s.CancelledAt = &now
		s.TotalWeight = decimal.Zero
		s.TotalVolume = decimal.Zero

		if err := tx.Model(&models.Shipment{}).Where("id = ?", shipmentId).Updates(map[string]interface{}{
			"status":        models.ShipmentStatusCancelled,
			"cancel_reason": reason,
			"cancelled_at":  now,
			"total_weight":  decimal.Zero,
			"total_volume":  decimal.Zero,
		}).Error; err != nil {
			return err
		}

		actorName, _ := utils.GetActorNameFromContext(ctx)
		if err := models.RecordHistory(tx, "CANCEL", shipmentId, "shipment", before, s, "shipment cancelled: "+reason, actorId, actorName); err != nil {
			return err
		}
		if err := models.RecordEngineEvent(ctx, tx, models.EngineEventShipmentCancelled, shipmentId, "shipment", s); err != nil {
			return err
		}

		shipment = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"field":       "CancelShipment",
		"shipment_id": shipmentId,
		"containers":  containerCount,
		"boxes":       boxCount,
	}).Info("shipment cancelled, allocations released")

	return shipment, nil
}

// unloadContainer releases every allocation in the container back to the
// ledger and soft-deletes the container. Runs during cancellation only, so
// the sealed guard does not apply.
func unloadContainer(tx *gorm.DB, container *models.Container) error {
	var items []models.ContainerItem
	if err := tx.Where("container_id = ?", container.ID).Find(&items).Error; err != nil {
		return err
	}
	for i := range items {
		lineItem, err := models.LockCommercialLineItem(tx, items[i].CommercialLineItemId)
		if err != nil {
			return err
		}
		res := tx.Delete(&models.ContainerItem{}, items[i].ID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Already reversed by a concurrent removal; nothing to release.
			continue
		}
		if err := models.ReleaseQuantity(tx, lineItem, items[i].Quantity, container.ShipmentId); err != nil {
			return err
		}
	}
	return tx.Delete(&models.Container{}, container.ID).Error
}

func unloadPackingBox(tx *gorm.DB, box *models.PackingBox) error {
	var items []models.PackingBoxItem
	if err := tx.Where("packing_box_id = ?", box.ID).Find(&items).Error; err != nil {
		return err
	}
	for i := range items {
		lineItem, err := models.LockCommercialLineItem(tx, items[i].CommercialLineItemId)
		if err != nil {
			return err
		}
		res := tx.Delete(&models.PackingBoxItem{}, items[i].ID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}
		if err := models.ReleaseQuantity(tx, lineItem, items[i].Quantity, box.ShipmentId); err != nil {
			return err
		}
	}
	return tx.Delete(&models.PackingBox{}, box.ID).Error
}
