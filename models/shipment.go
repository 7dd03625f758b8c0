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

// Shipment owns containers and packing boxes. The declared_* columns are the
// totals stated on the shipment invoice; the confirmation gate reconciles them
// against the summed container items before the shipment can be confirmed.
type Shipment struct {
	ID               int             `gorm:"primary_key" json:"id"`
	ShipmentNumber   string          `gorm:"size:100;not null;uniqueIndex" json:"shipment_number"`
	Status           ShipmentStatus  `gorm:"type:enum('Draft','Confirmed','InTransit','Delivered','Cancelled');default:'Draft'" json:"status"`
	TotalWeight      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_weight"` // derived
	TotalVolume      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_volume"` // derived
	DeclaredQuantity decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"declared_quantity"`
	DeclaredWeight   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"declared_weight"`
	DeclaredValue    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"declared_value"`
	ConfirmedBy      *int            `json:"confirmed_by"`
	ConfirmedAt      *time.Time      `json:"confirmed_at"`
	CancelReason     string          `gorm:"size:255" json:"cancel_reason"`
	CancelledAt      *time.Time      `json:"cancelled_at"`
	Containers       []Container     `gorm:"foreignKey:ShipmentId" json:"containers"`
	PackingBoxes     []PackingBox    `gorm:"foreignKey:ShipmentId" json:"packing_boxes"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewShipment struct {
	ShipmentNumber   string          `json:"shipment_number" validate:"required"`
	DeclaredQuantity decimal.Decimal `json:"declared_quantity"`
	DeclaredWeight   decimal.Decimal `json:"declared_weight"`
	DeclaredValue    decimal.Decimal `json:"declared_value"`
}

func CreateShipment(ctx context.Context, input *NewShipment) (*Shipment, error) {
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	if err := utils.ValidateUnique[Shipment](ctx, "shipment_number", input.ShipmentNumber, 0); err != nil {
		return nil, err
	}

	shipment := Shipment{
		ShipmentNumber:   input.ShipmentNumber,
		Status:           ShipmentStatusDraft,
		DeclaredQuantity: input.DeclaredQuantity,
		DeclaredWeight:   input.DeclaredWeight,
		DeclaredValue:    input.DeclaredValue,
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&shipment).Error; err != nil {
		return nil, err
	}
	return &shipment, nil
}

func GetShipment(ctx context.Context, id int) (*Shipment, error) {
	return utils.FetchModel[Shipment](ctx, id, "Containers", "Containers.Items", "PackingBoxes", "PackingBoxes.Items")
}

// UpdateShipmentDeclaredTotals replaces the invoice-declared totals. Only
// legal while the shipment is still a draft.
func UpdateShipmentDeclaredTotals(ctx context.Context, id int, quantity, weight, value decimal.Decimal) (*Shipment, error) {
	result, err := utils.FetchModel[Shipment](ctx, id)
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	if result.Status != ShipmentStatusDraft {
		return nil, errors.New("declared totals can only be changed on a draft shipment")
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Model(&Shipment{}).Where("id = ?", id).Updates(map[string]interface{}{
		"declared_quantity": quantity,
		"declared_weight":   weight,
		"declared_value":    value,
	}).Error; err != nil {
		return nil, err
	}
	result.DeclaredQuantity = quantity
	result.DeclaredWeight = weight
	result.DeclaredValue = value
	return result, nil
}

// LockShipment reads the shipment row FOR UPDATE.
func LockShipment(tx *gorm.DB, id int) (*Shipment, error) {
	var shipment Shipment
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&shipment, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &shipment, nil
}

// RecalculateShipmentTotals rolls container current totals up to the shipment
// header. Must run inside the same transaction as the triggering mutation.
func RecalculateShipmentTotals(tx *gorm.DB, shipmentId int) error {
	var totals struct {
		Weight decimal.Decimal
		Volume decimal.Decimal
	}
	if err := tx.Model(&Container{}).
		Select("COALESCE(SUM(current_weight), 0) AS weight, COALESCE(SUM(current_volume), 0) AS volume").
		Where("shipment_id = ?", shipmentId).
		Scan(&totals).Error; err != nil {
		return err
	}

	return tx.Model(&Shipment{}).Where("id = ?", shipmentId).Updates(map[string]interface{}{
		"total_weight": totals.Weight,
		"total_volume": totals.Volume,
	}).Error
}
