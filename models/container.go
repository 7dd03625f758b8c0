package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/tradeops_backend/config"
	"bitbucket.org/mmdatafocus/tradeops_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Container is a customs-declared shipping unit with hard weight/volume
// ceilings. current_weight/current_volume are a materialized view over its
// items, recomputed by RecalculateContainerTotals and never hand-edited.
type Container struct {
	ID              int             `gorm:"primary_key" json:"id"`
	ShipmentId      int             `gorm:"index;not null" json:"shipment_id"`
	ContainerNumber string          `gorm:"size:100;not null" json:"container_number"`
	ContainerType   ContainerType   `gorm:"type:enum('Dry20','Dry40','HighCube40','Reefer20','Reefer40','OpenTop40','FlatRack40');default:'Dry40'" json:"container_type"`
	MaxWeight       decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"max_weight"` // kg
	MaxVolume       decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"max_volume"` // m3
	CurrentWeight   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"current_weight"`
	CurrentVolume   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"current_volume"`
	Status          ContainerStatus `gorm:"type:enum('Draft','Packed','Sealed','InTransit','Delivered');default:'Draft'" json:"status"`
	SealNumber      *string         `gorm:"size:100" json:"seal_number"`
	SealedAt        *time.Time      `json:"sealed_at"`
	SealedBy        *int            `json:"sealed_by"`
	Items           []ContainerItem `gorm:"foreignKey:ContainerId" json:"items"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt       gorm.DeletedAt  `gorm:"index" json:"deleted_at"`
}

type NewContainer struct {
	ShipmentId      int             `json:"shipment_id" validate:"required"`
	ContainerNumber string          `json:"container_number" validate:"required"`
	ContainerType   ContainerType   `json:"container_type"`
	MaxWeight       decimal.Decimal `json:"max_weight" validate:"required"`
	MaxVolume       decimal.Decimal `json:"max_volume" validate:"required"`
}

func CreateContainer(ctx context.Context, input *NewContainer) (*Container, error) {
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	if !input.MaxWeight.IsPositive() || !input.MaxVolume.IsPositive() {
		return nil, errors.New("container capacity must be positive")
	}

	shipment, err := utils.FetchModel[Shipment](ctx, input.ShipmentId)
	if err != nil {
		return nil, errors.New("shipment not found")
	}
	if shipment.Status != ShipmentStatusDraft {
		return nil, errors.New("containers can only be added to a draft shipment")
	}
	if err := utils.ValidateUnique[Container](ctx, "container_number", input.ContainerNumber, 0); err != nil {
		return nil, err
	}

	containerType := input.ContainerType
	if containerType == "" {
		containerType = ContainerTypeDry40
	}

	container := Container{
		ShipmentId:      input.ShipmentId,
		ContainerNumber: input.ContainerNumber,
		ContainerType:   containerType,
		MaxWeight:       input.MaxWeight,
		MaxVolume:       input.MaxVolume,
		CurrentWeight:   decimal.Zero,
		CurrentVolume:   decimal.Zero,
		Status:          ContainerStatusDraft,
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&container).Error; err != nil {
		return nil, err
	}
	return &container, nil
}

func GetContainer(ctx context.Context, id int) (*Container, error) {
	return utils.FetchModel[Container](ctx, id, "Items")
}

// LockContainer reads the container row FOR UPDATE. Every pack/remove/seal
// mutation must lock the container through here for the whole transaction,
// so concurrent packers never both observe stale current totals.
func LockContainer(tx *gorm.DB, id int) (*Container, error) {
	var container Container
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&container, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &container, nil
}

// CheckContainerCapacity validates that adding the given weight/volume fits
// inside the container ceilings. Exactly reaching a ceiling is allowed.
func CheckContainerCapacity(container *Container, addedWeight, addedVolume decimal.Decimal) error {
	if container.CurrentWeight.Add(addedWeight).GreaterThan(container.MaxWeight) {
		return &CapacityExceededError{
			ContainerId: container.ID,
			Dimension:   "weight",
			Limit:       container.MaxWeight,
			Current:     container.CurrentWeight,
			Added:       addedWeight,
		}
	}
	if container.CurrentVolume.Add(addedVolume).GreaterThan(container.MaxVolume) {
		return &CapacityExceededError{
			ContainerId: container.ID,
			Dimension:   "volume",
			Limit:       container.MaxVolume,
			Current:     container.CurrentVolume,
			Added:       addedVolume,
		}
	}
	return nil
}

// ValidateContainerSealTransition is the pure legality check for sealing.
// A sealed container always carries its seal number, so sealing without one
// is rejected here rather than leaving the column NULL.
// requirePacked mirrors the SEAL_REQUIRES_PACKED deployment flag.
func ValidateContainerSealTransition(container *Container, itemCount int64, sealNumber string, requirePacked bool) error {
	if container.Status.IsSealedOrLater() {
		return &AlreadySealedError{Reference: "container", Id: container.ID, Status: string(container.Status)}
	}
	if itemCount == 0 {
		return &EmptyContainerError{Reference: "container", Id: container.ID}
	}
	if strings.TrimSpace(sealNumber) == "" {
		return errors.New("seal number is required")
	}
	if requirePacked && container.Status != ContainerStatusPacked {
		return errors.New("container must be in Packed status before sealing")
	}
	return nil
}

// ValidateContainerUnsealTransition is the pure legality check for unsealing.
// Unsealing is only legal from Sealed; once in transit the seal is customs
// evidence and stays.
func ValidateContainerUnsealTransition(container *Container) error {
	if container.Status != ContainerStatusSealed {
		return &NotSealedError{Reference: "container", Id: container.ID, Status: string(container.Status)}
	}
	return nil
}

// RecalculateContainerTotals recomputes the materialized current totals from
// the authoritative item rows, and keeps the Draft<->Packed status pair in
// step with the item count. Must run inside the same transaction as the
// triggering item mutation.
func RecalculateContainerTotals(tx *gorm.DB, containerId int) error {
	var totals struct {
		ItemCount int64
		Weight    decimal.Decimal
		Volume    decimal.Decimal
	}
	if err := tx.Model(&ContainerItem{}).
		Select("COUNT(*) AS item_count, COALESCE(SUM(total_weight), 0) AS weight, COALESCE(SUM(total_volume), 0) AS volume").
		Where("container_id = ?", containerId).
		Scan(&totals).Error; err != nil {
		return err
	}

	updates := map[string]interface{}{
		"current_weight": totals.Weight,
		"current_volume": totals.Volume,
	}

	var container Container
	if err := tx.First(&container, containerId).Error; err != nil {
		return err
	}
	if container.Status == ContainerStatusDraft && totals.ItemCount > 0 {
		updates["status"] = ContainerStatusPacked
	} else if container.Status == ContainerStatusPacked && totals.ItemCount == 0 {
		updates["status"] = ContainerStatusDraft
	}

	return tx.Model(&Container{}).Where("id = ?", containerId).Updates(updates).Error
}

// CountContainerItems counts the allocation rows inside a container.
func CountContainerItems(tx *gorm.DB, containerId int) (int64, error) {
	var count int64
	err := tx.Model(&ContainerItem{}).Where("container_id = ?", containerId).Count(&count).Error
	return count, err
}
