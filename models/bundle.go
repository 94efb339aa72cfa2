package models

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// BundleDefinition is a sellable composite SKU fulfilled by shipping its
// component SKUs. Components are always base SKUs; bundles never nest.
type BundleDefinition struct {
	ID          int               `gorm:"primary_key" json:"id"`
	BundleSku   string            `gorm:"uniqueIndex;size:64;not null" json:"bundle_sku"`
	Description string            `gorm:"size:255" json:"description"`
	IsActive    *bool             `gorm:"not null;default:true" json:"is_active"`
	Components  []BundleComponent `gorm:"foreignKey:BundleId" json:"components"`
	CreatedAt   time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

type BundleComponent struct {
	ID           int             `gorm:"primary_key" json:"id"`
	BundleId     int             `gorm:"uniqueIndex:idx_bundle_component,priority:1;not null" json:"bundle_id"`
	ComponentSku string          `gorm:"uniqueIndex:idx_bundle_component,priority:2;size:64;not null" json:"component_sku"`
	Multiplier   decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"multiplier"`
	Sequence     int             `gorm:"not null" json:"sequence"`
}

type NewBundleComponent struct {
	ComponentSku string          `json:"component_sku" binding:"required"`
	Multiplier   decimal.Decimal `json:"multiplier" binding:"required"`
	Sequence     int             `json:"sequence"`
}

type NewBundleDefinition struct {
	BundleSku   string               `json:"bundle_sku" binding:"required"`
	Description string               `json:"description"`
	Components  []NewBundleComponent `json:"components" binding:"required"`
}

func (input *NewBundleDefinition) validate(tx *gorm.DB) error {
	if strings.TrimSpace(input.BundleSku) == "" {
		return errors.New("bundle sku is required")
	}
	if len(input.Components) == 0 {
		return errors.New("bundle must have at least one component")
	}
	for _, c := range input.Components {
		if strings.TrimSpace(c.ComponentSku) == "" {
			return errors.New("component sku is required")
		}
		if !c.Multiplier.IsPositive() {
			return errors.New("component multiplier must be positive")
		}
		if c.ComponentSku == input.BundleSku {
			return errors.New("bundle cannot contain itself")
		}
	}
	var count int64
	if err := tx.Model(&BundleDefinition{}).Where("bundle_sku = ?", input.BundleSku).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return errors.New("bundle sku already exists")
	}
	return nil
}

func CreateBundleDefinition(tx *gorm.DB, input *NewBundleDefinition) (*BundleDefinition, error) {
	if err := input.validate(tx); err != nil {
		return nil, err
	}

	active := true
	def := BundleDefinition{
		BundleSku:   input.BundleSku,
		Description: input.Description,
		IsActive:    &active,
	}
	for i, c := range input.Components {
		seq := c.Sequence
		if seq == 0 {
			seq = i + 1
		}
		def.Components = append(def.Components, BundleComponent{
			ComponentSku: c.ComponentSku,
			Multiplier:   c.Multiplier,
			Sequence:     seq,
		})
	}
	if err := tx.Create(&def).Error; err != nil {
		return nil, err
	}
	return &def, nil
}

// GetBundleBySku loads a bundle with components in expansion (sequence) order.
func GetBundleBySku(tx *gorm.DB, bundleSku string) (*BundleDefinition, error) {
	var def BundleDefinition
	err := tx.Preload("Components", func(db *gorm.DB) *gorm.DB {
		return db.Order("sequence ASC, id ASC")
	}).Where("bundle_sku = ?", bundleSku).First(&def).Error
	if err != nil {
		return nil, err
	}
	return &def, nil
}

func IsBundleSku(tx *gorm.DB, sku string) (bool, error) {
	var count int64
	err := tx.Model(&BundleDefinition{}).Where("bundle_sku = ?", sku).Count(&count).Error
	return count > 0, err
}
