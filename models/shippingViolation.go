package models

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ShippingPolicyRule is one row of the declarative carrier/service policy
// table. A rule matches on destination attributes; what it checks depends on
// RuleType. Lower Priority wins when several rules of the same type match.
type ShippingPolicyRule struct {
	ID                int           `gorm:"primary_key" json:"id"`
	RuleType          ViolationType `gorm:"size:40;not null" json:"rule_type"`
	Description       string        `gorm:"size:255" json:"description"`
	DestCountry       string        `gorm:"size:2" json:"dest_country"`
	DestState         string        `gorm:"size:100" json:"dest_state"`
	PostcodePrefix    string        `gorm:"size:10" json:"postcode_prefix"`
	DisallowedCarrier string        `gorm:"size:32" json:"disallowed_carrier"`
	ExpectedCarrier   string        `gorm:"size:32" json:"expected_carrier"`
	ExpectedService   string        `gorm:"size:32" json:"expected_service"`
	Priority          int           `gorm:"not null;default:100" json:"priority"`
	IsActive          *bool         `gorm:"not null;default:true" json:"is_active"`
	CreatedAt         time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

func ActivePolicyRules(tx *gorm.DB) ([]ShippingPolicyRule, error) {
	var rules []ShippingPolicyRule
	err := tx.Where("is_active = ?", true).Order("priority ASC, id ASC").Find(&rules).Error
	return rules, err
}

// ShippingViolation records one detected carrier/service policy mismatch.
// Expected and actual values are captured verbatim at detection time and
// never recomputed. At most one violation per (order, type).
type ShippingViolation struct {
	ID            int           `gorm:"primary_key" json:"id"`
	OrderNumber   string        `gorm:"uniqueIndex:idx_violation_order_type,priority:1;size:64;not null" json:"order_number"`
	ViolationType ViolationType `gorm:"uniqueIndex:idx_violation_order_type,priority:2;size:40;not null" json:"violation_type"`
	ExpectedValue string        `gorm:"size:128" json:"expected_value"`
	ActualValue   string        `gorm:"size:128" json:"actual_value"`
	Resolved      *bool         `gorm:"not null;default:false" json:"resolved"`
	ResolvedAt    *time.Time    `json:"resolved_at"`
	ResolvedBy    string        `gorm:"size:100" json:"resolved_by"`
	CreatedAt     time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

func (v *ShippingViolation) BeforeCreate(tx *gorm.DB) error {
	if !v.ViolationType.Valid() {
		return fmt.Errorf("invalid violation type %q", v.ViolationType)
	}
	return nil
}

// CreateViolationOnce inserts a violation unless one already exists for the
// same order and type. Returns true when a new row was created.
func CreateViolationOnce(tx *gorm.DB, v *ShippingViolation) (bool, error) {
	if !v.ViolationType.Valid() {
		return false, fmt.Errorf("invalid violation type %q", v.ViolationType)
	}
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "order_number"}, {Name: "violation_type"}},
		DoNothing: true,
	}).Create(v)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// MarkViolationResolved resolves a violation. Resolution is monotonic:
// resolving twice keeps the original resolved_at and reports no error.
func MarkViolationResolved(tx *gorm.DB, id int, resolvedAt time.Time, resolvedBy string) (*ShippingViolation, error) {
	var v ShippingViolation
	if err := tx.First(&v, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.New("violation not found")
		}
		return nil, err
	}
	if v.Resolved != nil && *v.Resolved {
		return &v, nil
	}
	resolved := true
	updates := map[string]interface{}{
		"resolved":    true,
		"resolved_at": resolvedAt,
		"resolved_by": resolvedBy,
	}
	if err := tx.Model(&v).Updates(updates).Error; err != nil {
		return nil, err
	}
	v.Resolved = &resolved
	v.ResolvedAt = &resolvedAt
	v.ResolvedBy = resolvedBy
	return &v, nil
}

func ListViolations(tx *gorm.DB, resolved *bool, limit int) ([]ShippingViolation, error) {
	q := tx.Model(&ShippingViolation{}).Order("created_at DESC, id DESC")
	if resolved != nil {
		q = q.Where("resolved = ?", *resolved)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []ShippingViolation
	err := q.Find(&out).Error
	return out, err
}
