package r2osync

import (
	"context"
	"encoding/json"
	"strings"

	"bitbucket.org/mmdatafocus/lounge_backend/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// MappingResolver is an in-memory view of one tenant's product mappings,
// loaded once per invoice.
type MappingResolver struct {
	tenantId string
	byExtID  map[string]models.R2OProductMapping
}

type MappedLine struct {
	ExternalProductId string
	InventoryItemId   string
	Name              string
	Quantity          decimal.Decimal
}

func LoadMappingResolver(ctx context.Context, db *gorm.DB, tenantId string) (*MappingResolver, error) {
	var rows []models.R2OProductMapping
	if err := db.WithContext(ctx).
		Where("tenant_id = ?", tenantId).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return newMappingResolver(tenantId, rows), nil
}

func newMappingResolver(tenantId string, rows []models.R2OProductMapping) *MappingResolver {
	r := &MappingResolver{
		tenantId: tenantId,
		byExtID:  make(map[string]models.R2OProductMapping, len(rows)),
	}
	for _, row := range rows {
		r.byExtID[strings.TrimSpace(row.ExternalProductId)] = row
	}
	return r
}

// Resolve returns the internal inventory id for a ready2order product id.
func (r *MappingResolver) Resolve(externalProductId string) (string, bool) {
	m, ok := r.byExtID[strings.TrimSpace(externalProductId)]
	if !ok || m.InventoryItemId == "" {
		return "", false
	}
	return m.InventoryItemId, true
}

func (r *MappingResolver) Len() int { return len(r.byExtID) }

// MapLines keeps the mapped invoice lines, in invoice order. Unmapped lines are dropped.
func (r *MappingResolver) MapLines(items []InvoiceItem) []MappedLine {
	lines := make([]MappedLine, 0, len(items))
	for _, item := range items {
		inventoryId, ok := r.Resolve(item.ProductID.String())
		if !ok {
			continue
		}
		lines = append(lines, MappedLine{
			ExternalProductId: item.ProductID.String(),
			InventoryItemId:   inventoryId,
			Name:              item.Name,
			Quantity:          normalizeQuantity(item.Quantity),
		})
	}
	return lines
}

// normalizeQuantity treats a missing, zero or negative quantity as a single unit.
func normalizeQuantity(num json.Number) decimal.Decimal {
	q := decimalFromNumber(num)
	if q.LessThanOrEqual(decimal.Zero) {
		return decimal.NewFromInt(1)
	}
	return q
}

func decimalFromNumber(num json.Number) decimal.Decimal {
	if num.String() == "" {
		return decimal.Zero
	}
	if d, err := decimal.NewFromString(num.String()); err == nil {
		return d
	}
	return decimal.Zero
}
