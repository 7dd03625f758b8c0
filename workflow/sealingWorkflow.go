package workflow

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/tradeops_backend/config"
	"bitbucket.org/mmdatafocus/tradeops_backend/models"
	"bitbucket.org/mmdatafocus/tradeops_backend/utils"
)

// SealContainer moves a container into the Sealed state and stamps the seal
// evidence. The seal number is mandatory; a sealed container with no recorded
// seal number cannot be reconciled against customs paperwork.
func SealContainer(ctx context.Context, containerId int, sealNumber string, actorId int) (*models.Container, error) {
	db := config.GetDB()

	tx := db.WithContext(ctx).Begin()

	container, err := models.LockContainer(tx, containerId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	before := *container

	itemCount, err := models.CountContainerItems(tx, containerId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := models.ValidateContainerSealTransition(container, itemCount, sealNumber, config.SealRequiresPackedStatus()); err != nil {
		tx.Rollback()
		return nil, err
	}

	now := time.Now()
	container.Status = models.ContainerStatusSealed
	container.SealNumber = &sealNumber
	container.SealedAt = &now
	container.SealedBy = &actorId

	updates := map[string]interface{}{
		"status":      container.Status,
		"seal_number": sealNumber,
		"sealed_at":   container.SealedAt,
		"sealed_by":   container.SealedBy,
	}
	if err := tx.Model(&models.Container{}).Where("id = ?", containerId).Updates(updates).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	actorName, _ := utils.GetActorNameFromContext(ctx)
	if err := models.RecordHistory(tx, "SEAL", containerId, "container", before, container, "container sealed", actorId, actorName); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := models.RecordEngineEvent(ctx, tx, models.EngineEventContainerSealed, containerId, "container", container); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return container, nil
}

// UnsealContainer reopens a sealed container for corrections. The seal
// evidence is cleared because the physical seal is destroyed on opening; a
// re-seal gets a fresh number. Only legal from Sealed.
func UnsealContainer(ctx context.Context, containerId int, actorId int) (*models.Container, error) {
	db := config.GetDB()

	tx := db.WithContext(ctx).Begin()

	container, err := models.LockContainer(tx, containerId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	before := *container

	if err := models.ValidateContainerUnsealTransition(container); err != nil {
		tx.Rollback()
		return nil, err
	}

	container.Status = models.ContainerStatusPacked
	container.SealNumber = nil
	container.SealedAt = nil
	container.SealedBy = nil

	updates := map[string]interface{}{
		"status":      models.ContainerStatusPacked,
		"seal_number": nil,
		"sealed_at":   nil,
		"sealed_by":   nil,
	}
	if err := tx.Model(&models.Container{}).Where("id = ?", containerId).Updates(updates).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	actorName, _ := utils.GetActorNameFromContext(ctx)
	if err := models.RecordHistory(tx, "UNSEAL", containerId, "container", before, container, "container unsealed", actorId, actorName); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := models.RecordEngineEvent(ctx, tx, models.EngineEventContainerUnsealed, containerId, "container", container); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return container, nil
}

// SealPackingBox closes a packing box. Boxes are two-state on the seal axis:
// once sealed they stay sealed unless deleted, there is no box unseal.
func SealPackingBox(ctx context.Context, boxId int, actorId int) (*models.PackingBox, error) {
	db := config.GetDB()

	tx := db.WithContext(ctx).Begin()

	box, err := models.LockPackingBox(tx, boxId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	before := *box

	itemCount, err := models.CountPackingBoxItems(tx, boxId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := models.ValidatePackingBoxSealTransition(box, itemCount); err != nil {
		tx.Rollback()
		return nil, err
	}

	now := time.Now()
	box.Status = models.PackingBoxStatusSealed
	box.SealedAt = &now
	box.SealedBy = &actorId

	if err := tx.Model(&models.PackingBox{}).Where("id = ?", boxId).Updates(map[string]interface{}{
		"status":    models.PackingBoxStatusSealed,
		"sealed_at": box.SealedAt,
		"sealed_by": box.SealedBy,
	}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	actorName, _ := utils.GetActorNameFromContext(ctx)
	if err := models.RecordHistory(tx, "SEAL", boxId, "packing_box", before, box, "packing box sealed", actorId, actorName); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := models.RecordEngineEvent(ctx, tx, models.EngineEventBoxSealed, boxId, "packing_box", box); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return box, nil
}
