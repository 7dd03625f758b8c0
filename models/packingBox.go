package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/tradeops_backend/config"
	"bitbucket.org/mmdatafocus/tradeops_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PackingBox is the finer-grained packing unit used before or independent of
// container loading. Boxes have no hard capacity ceiling: dimensions are
// informational and the only pack-time failure mode is the quantity ledger.
// gross_weight is user-entered (includes packaging); net_weight/volume/
// total_items/total_quantity are derived.
type PackingBox struct {
	ID            int              `gorm:"primary_key" json:"id"`
	ShipmentId    int              `gorm:"index;not null" json:"shipment_id"`
	BoxNumber     string           `gorm:"size:100;not null" json:"box_number"`
	LengthCm      decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"length_cm"`
	WidthCm       decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"width_cm"`
	HeightCm      decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"height_cm"`
	Status        PackingBoxStatus `gorm:"type:enum('Empty','Packing','Sealed');default:'Empty'" json:"status"`
	TotalItems    int              `gorm:"not null;default:0" json:"total_items"`
	TotalQuantity decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"total_quantity"`
	GrossWeight   decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"gross_weight"`
	NetWeight     decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"net_weight"`
	Volume        decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"volume"` // m3, from dimensions
	SealedAt      *time.Time       `json:"sealed_at"`
	SealedBy      *int             `json:"sealed_by"`
	Items         []PackingBoxItem `gorm:"foreignKey:PackingBoxId" json:"items"`
	CreatedAt     time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt     gorm.DeletedAt   `gorm:"index" json:"deleted_at"`
}

type NewPackingBox struct {
	ShipmentId  int             `json:"shipment_id" validate:"required"`
	BoxNumber   string          `json:"box_number" validate:"required"`
	LengthCm    decimal.Decimal `json:"length_cm"`
	WidthCm     decimal.Decimal `json:"width_cm"`
	HeightCm    decimal.Decimal `json:"height_cm"`
	GrossWeight decimal.Decimal `json:"gross_weight"`
}

func CreatePackingBox(ctx context.Context, input *NewPackingBox) (*PackingBox, error) {
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}

	shipment, err := utils.FetchModel[Shipment](ctx, input.ShipmentId)
	if err != nil {
		return nil, errors.New("shipment not found")
	}
	if shipment.Status != ShipmentStatusDraft {
		return nil, errors.New("packing boxes can only be added to a draft shipment")
	}

	box := PackingBox{
		ShipmentId:  input.ShipmentId,
		BoxNumber:   input.BoxNumber,
		LengthCm:    input.LengthCm,
		WidthCm:     input.WidthCm,
		HeightCm:    input.HeightCm,
		Status:      PackingBoxStatusEmpty,
		GrossWeight: input.GrossWeight,
		Volume:      boxVolumeFromDimensions(input.LengthCm, input.WidthCm, input.HeightCm),
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&box).Error; err != nil {
		return nil, err
	}
	return &box, nil
}

func GetPackingBox(ctx context.Context, id int) (*PackingBox, error) {
	return utils.FetchModel[PackingBox](ctx, id, "Items")
}

// LockPackingBox reads the box row FOR UPDATE.
func LockPackingBox(tx *gorm.DB, id int) (*PackingBox, error) {
	var box PackingBox
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&box, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &box, nil
}

// ValidatePackingBoxSealTransition is the pure legality check for the box's
// two-state seal (Packing -> Sealed), with the same emptiness guard as
// containers.
func ValidatePackingBoxSealTransition(box *PackingBox, itemCount int64) error {
	if box.Status == PackingBoxStatusSealed {
		return &AlreadySealedError{Reference: "packing box", Id: box.ID, Status: string(box.Status)}
	}
	if itemCount == 0 {
		return &EmptyContainerError{Reference: "packing box", Id: box.ID}
	}
	return nil
}

// RecalculatePackingBoxTotals recomputes the derived box figures from the
// authoritative item rows. Net weight is the sum of unit_weight * quantity;
// the gross figure stays as the user entered it. Must run inside the same
// transaction as the triggering item mutation.
func RecalculatePackingBoxTotals(tx *gorm.DB, boxId int) error {
	var totals struct {
		ItemCount int64
		Quantity  decimal.Decimal
		NetWeight decimal.Decimal
	}
	if err := tx.Model(&PackingBoxItem{}).
		Select("COUNT(*) AS item_count, COALESCE(SUM(quantity), 0) AS quantity, COALESCE(SUM(total_weight), 0) AS net_weight").
		Where("packing_box_id = ?", boxId).
		Scan(&totals).Error; err != nil {
		return err
	}

	var box PackingBox
	if err := tx.First(&box, boxId).Error; err != nil {
		return err
	}

	updates := map[string]interface{}{
		"total_items":    totals.ItemCount,
		"total_quantity": totals.Quantity,
		"net_weight":     totals.NetWeight,
		"volume":         boxVolumeFromDimensions(box.LengthCm, box.WidthCm, box.HeightCm),
	}
	if box.Status == PackingBoxStatusEmpty && totals.ItemCount > 0 {
		updates["status"] = PackingBoxStatusPacking
	} else if box.Status == PackingBoxStatusPacking && totals.ItemCount == 0 {
		updates["status"] = PackingBoxStatusEmpty
	}

	return tx.Model(&PackingBox{}).Where("id = ?", boxId).Updates(updates).Error
}

// CountPackingBoxItems counts the allocation rows inside a box.
func CountPackingBoxItems(tx *gorm.DB, boxId int) (int64, error) {
	var count int64
	err := tx.Model(&PackingBoxItem{}).Where("packing_box_id = ?", boxId).Count(&count).Error
	return count, err
}

// boxVolumeFromDimensions converts cm dimensions to cubic meters; zero when
// any dimension is missing.
func boxVolumeFromDimensions(lengthCm, widthCm, heightCm decimal.Decimal) decimal.Decimal {
	if !lengthCm.IsPositive() || !widthCm.IsPositive() || !heightCm.IsPositive() {
		return decimal.Zero
	}
	cm3PerM3 := decimal.NewFromInt(1000000)
	return lengthCm.Mul(widthCm).Mul(heightCm).DivRound(cm3PerM3, 4)
}
