package r2osync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/lounge_backend/config"
	"bitbucket.org/mmdatafocus/lounge_backend/metrics"
	"bitbucket.org/mmdatafocus/lounge_backend/models"
	"github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ApplyOutcome string

const (
	OutcomeNoMappedItems ApplyOutcome = "no_mapped_items"
	OutcomeDuplicate     ApplyOutcome = "duplicate"
	OutcomeApplied       ApplyOutcome = "applied"
	OutcomePartial       ApplyOutcome = "partial"
)

type ApplyResult struct {
	Outcome   ApplyOutcome
	InvoiceId string
	Mapped    int
	Applied   int
	Failed    int
}

// StockEngine applies ready2order invoices to inventory exactly once per
// (tenant, invoice id).
type StockEngine struct {
	DB     *gorm.DB
	Logger *logrus.Logger
	Now    func() time.Time
}

func NewStockEngine(db *gorm.DB, logger *logrus.Logger) *StockEngine {
	return &StockEngine{DB: db, Logger: logger, Now: time.Now}
}

// ApplyInvoice records the sales log entry first and only then decrements the
// mapped lines. The entry is flagged processed once every line went through,
// so an invoice left half-applied stays queryable as processed = false.
func (e *StockEngine) ApplyInvoice(ctx context.Context, tenantId string, invoice Invoice) (ApplyResult, error) {
	invoiceId := invoice.InvoiceID.String()
	result := ApplyResult{InvoiceId: invoiceId}
	if strings.TrimSpace(tenantId) == "" || invoiceId == "" {
		return result, fmt.Errorf("invoice without tenant or id: %w", ErrBadRequest)
	}
	db := e.DB.WithContext(ctx)

	resolver, err := LoadMappingResolver(ctx, e.DB, tenantId)
	if err != nil {
		return result, err
	}
	lines := resolver.MapLines(invoice.Items)
	result.Mapped = len(lines)
	if len(lines) == 0 {
		result.Outcome = OutcomeNoMappedItems
		return result, nil
	}

	itemsJSON, _ := json.Marshal(invoice.Items)
	entry := models.R2OSalesLogEntry{
		TenantId:         tenantId,
		R2OInvoiceId:     invoiceId,
		InvoiceNumber:    invoice.InvoiceNumber,
		InvoiceTimestamp: parseInvoiceTime(invoice.InvoiceTimestamp),
		TotalPrice:       decimalFromNumber(invoice.InvoiceTotal),
		LineItemsJSON:    itemsJSON,
		Processed:        false,
	}
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&entry)
	if res.Error != nil {
		if isDuplicateKeyErr(res.Error) {
			result.Outcome = OutcomeDuplicate
			return result, nil
		}
		return result, res.Error
	}
	if res.RowsAffected == 0 {
		result.Outcome = OutcomeDuplicate
		return result, nil
	}

	for _, line := range lines {
		if err := e.decrement(ctx, tenantId, line); err != nil {
			result.Failed++
			metrics.StockDecrements.WithLabelValues("failed").Inc()
			e.logger().WithFields(logrus.Fields{
				"module":            "r2osync",
				"funcName":          "ApplyInvoice",
				"tenant_id":         tenantId,
				"invoice_id":        invoiceId,
				"inventory_item_id": line.InventoryItemId,
				"quantity":          line.Quantity.String(),
			}).WithError(err).Warn("stock decrement failed")
			continue
		}
		result.Applied++
		metrics.StockDecrements.WithLabelValues("applied").Inc()
	}

	update := map[string]interface{}{
		"lines_applied": result.Applied,
		"lines_failed":  result.Failed,
		"processed":     result.Failed == 0,
	}
	if err := db.Model(&models.R2OSalesLogEntry{}).
		Where("tenant_id = ? AND r2o_invoice_id = ?", tenantId, invoiceId).
		Updates(update).Error; err != nil {
		config.LogError(e.logger(), "r2osync", "ApplyInvoice", "record invoice outcome", invoiceId, err)
	}
	if result.Failed > 0 {
		result.Outcome = OutcomePartial
		return result, nil
	}
	result.Outcome = OutcomeApplied
	return result, nil
}

var errInventoryItemMissing = errors.New("inventory item not found")

// decrement is a single UPDATE ... SET quantity = quantity - ?; no read-modify-write.
func (e *StockEngine) decrement(ctx context.Context, tenantId string, line MappedLine) error {
	res := e.DB.WithContext(ctx).
		Model(&models.InventoryItem{}).
		Where("id = ? AND tenant_id = ?", line.InventoryItemId, tenantId).
		Updates(map[string]interface{}{
			"quantity":   gorm.Expr("quantity - ?", line.Quantity),
			"updated_at": e.now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errInventoryItemMissing
	}
	return nil
}

func (e *StockEngine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *StockEngine) logger() *logrus.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return config.GetLogger()
}

func isDuplicateKeyErr(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

func parseInvoiceTime(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			return &t
		}
	}
	return nil
}
