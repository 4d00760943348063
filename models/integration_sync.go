package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	IntegrationProviderR2O = "ready2order"
)

const (
	IntegrationStatusConnected    = "connected"
	IntegrationStatusDisconnected = "disconnected"
	IntegrationStatusError        = "error"
)

const (
	MappingSyncStatusSynced  = "synced"
	MappingSyncStatusPending = "pending"
	MappingSyncStatusError   = "error"
)

// R2OConnection links one tenant to its ready2order account. One row per tenant;
// the row is deleted on disconnect so the encrypted token does not outlive it.
type R2OConnection struct {
	ID                uint      `gorm:"primary_key" json:"id"`
	TenantId          string    `gorm:"size:64;not null;uniqueIndex" json:"tenant_id"`
	EncryptedToken    string    `gorm:"type:text;not null" json:"-"`
	TokenIV           string    `gorm:"column:token_iv;size:32;not null" json:"-"`
	Status            string    `gorm:"size:20;not null;index" json:"status"`
	WebhookRegistered bool      `gorm:"not null;default:false" json:"webhook_registered"`
	AccountId         *string   `gorm:"size:64;index" json:"account_id"`
	ProductGroupId    *string   `gorm:"size:64" json:"product_group_id"`
	ConnectedAt       time.Time `json:"connected_at"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (R2OConnection) TableName() string { return "r2o_connections" }

// R2OProductMapping maps a ready2order product to an internal inventory item.
// Unique constraint: (tenant_id, external_product_id).
type R2OProductMapping struct {
	ID                  uint       `gorm:"primary_key" json:"id"`
	TenantId            string     `gorm:"size:64;not null;uniqueIndex:idx_r2o_product_mapping,priority:1" json:"tenant_id"`
	ExternalProductId   string     `gorm:"size:64;not null;uniqueIndex:idx_r2o_product_mapping,priority:2" json:"external_product_id"`
	InventoryItemId     string     `gorm:"size:64;not null;index" json:"inventory_item_id"`
	ExternalProductName string     `gorm:"size:255" json:"external_product_name"`
	SyncStatus          string     `gorm:"size:20;not null;default:pending" json:"sync_status"`
	LastSyncedAt        *time.Time `json:"last_synced_at"`
	CreatedAt           time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (R2OProductMapping) TableName() string { return "r2o_product_mappings" }

// R2OSalesLogEntry is the append-only audit row for a processed invoice and
// doubles as the idempotency key: unique (tenant_id, r2o_invoice_id).
type R2OSalesLogEntry struct {
	ID               uint            `gorm:"primary_key" json:"id"`
	TenantId         string          `gorm:"size:64;not null;uniqueIndex:idx_r2o_sales_invoice,priority:1" json:"tenant_id"`
	R2OInvoiceId     string          `gorm:"column:r2o_invoice_id;size:64;not null;uniqueIndex:idx_r2o_sales_invoice,priority:2" json:"r2o_invoice_id"`
	InvoiceNumber    string          `gorm:"size:64" json:"invoice_number"`
	InvoiceTimestamp *time.Time      `json:"invoice_timestamp"`
	TotalPrice       decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0" json:"total_price"`
	LineItemsJSON    []byte          `gorm:"column:line_items_json;type:json" json:"line_items"`
	LinesApplied     int             `gorm:"not null;default:0" json:"lines_applied"`
	LinesFailed      int             `gorm:"not null;default:0" json:"lines_failed"`
	Processed        bool            `gorm:"not null;default:false;index" json:"processed"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (R2OSalesLogEntry) TableName() string { return "r2o_sales_log" }
