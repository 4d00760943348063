package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// InventoryItem is a stock line of a lounge (tobacco by the gram, charcoal, ...).
// Quantity may go negative; display clamping is done by the dashboard.
type InventoryItem struct {
	ID          string          `gorm:"primary_key;size:64" json:"id"`
	TenantId    string          `gorm:"size:64;not null;index" json:"tenant_id"`
	Name        string          `gorm:"size:255;not null" json:"name"`
	Unit        string          `gorm:"size:20;not null;default:g" json:"unit"`
	Quantity    decimal.Decimal `gorm:"type:decimal(18,3);not null;default:0" json:"quantity"`
	MinQuantity decimal.Decimal `gorm:"type:decimal(18,3);not null;default:0" json:"min_quantity"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (InventoryItem) TableName() string { return "inventory_items" }
