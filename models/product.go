package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/tradeops_backend/config"
	"bitbucket.org/mmdatafocus/tradeops_backend/utils"
	"github.com/shopspring/decimal"
)

// Product is a read model projected from the external product catalog.
// The engine consumes unit weight/volume/price to compute per-allocation
// totals at pack time; it never writes catalog attributes.
type Product struct {
	ID         int             `gorm:"primary_key" json:"id"`
	Name       string          `gorm:"size:255;not null" json:"name"`
	Sku        string          `gorm:"size:100;index" json:"sku"`
	HsCode     string          `gorm:"size:20" json:"hs_code"`
	UnitWeight decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_weight"` // kg
	UnitVolume decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_volume"` // m3
	UnitPrice  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewProduct struct {
	Name       string          `json:"name" validate:"required"`
	Sku        string          `json:"sku"`
	HsCode     string          `json:"hs_code"`
	UnitWeight decimal.Decimal `json:"unit_weight"`
	UnitVolume decimal.Decimal `json:"unit_volume"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
}

func CreateProduct(ctx context.Context, input *NewProduct) (*Product, error) {
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	if input.UnitWeight.IsNegative() || input.UnitVolume.IsNegative() || input.UnitPrice.IsNegative() {
		return nil, errors.New("unit weight, volume and price cannot be negative")
	}

	product := Product{
		Name:       input.Name,
		Sku:        input.Sku,
		HsCode:     input.HsCode,
		UnitWeight: input.UnitWeight,
		UnitVolume: input.UnitVolume,
		UnitPrice:  input.UnitPrice,
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&product).Error; err != nil {
		return nil, err
	}
	return &product, nil
}

// GetProduct reads a catalog product, redis or db, caching the result.
func GetProduct(ctx context.Context, id int) (*Product, error) {
	product := Product{}
	redisKey := fmt.Sprintf("product:%d", id)
	exists, err := config.GetRedisObject(redisKey, &product)
	if err != nil {
		return nil, err
	}
	if exists {
		return &product, nil
	}

	result, err := utils.FetchModel[Product](ctx, id)
	if err != nil {
		return nil, err
	}
	if err := config.SetRedisObject(redisKey, result, 10*time.Minute); err != nil {
		return nil, err
	}
	return result, nil
}
