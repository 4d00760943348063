// seed-r2o-dev creates a local tenant that can exercise the ready2order flow:
// an owner profile on a POS-enabled tier, a few inventory items, product
// mappings for them, and a Redis session token for the dashboard headers.
//
// Usage (from backend directory):
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... REDIS_ADDRESS=... go run ./cmd/seed-r2o-dev
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"bitbucket.org/mmdatafocus/lounge_backend/config"
	"bitbucket.org/mmdatafocus/lounge_backend/models"
	"bitbucket.org/mmdatafocus/lounge_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	devTenant   = "dev-lounge"
	devUsername = "dev-owner"
	sessionTTL  = 24 * time.Hour
)

type seedItem struct {
	ID         string
	Name       string
	Quantity   int64
	ExternalID string
}

var seedItems = []seedItem{
	{ID: "inv-dev-mint", Name: "Al Fakher Mint 250g", Quantity: 1000, ExternalID: "42"},
	{ID: "inv-dev-grape", Name: "Adalya Grape 200g", Quantity: 800, ExternalID: "43"},
	{ID: "inv-dev-coal", Name: "Coconut coal 1kg", Quantity: 5000, ExternalID: "90"},
}

func main() {
	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	if err := models.MigrateTable(db); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	ctx = utils.SetTenantIdInContext(ctx, devTenant)
	ctx = utils.SetUsernameInContext(ctx, devUsername)

	config.ConnectRedisWithRetry()
	if err := seedTenant(ctx, db); err != nil {
		fmt.Fprintf(os.Stderr, "seed: %v\n", err)
		os.Exit(1)
	}

	token, err := utils.RandomHex(24)
	if err != nil {
		fmt.Fprintf(os.Stderr, "token: %v\n", err)
		os.Exit(1)
	}
	if err := config.GetRedisDB().Set(ctx, "Token:"+token, devUsername, sessionTTL).Err(); err != nil {
		fmt.Fprintf(os.Stderr, "store session: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("tenant=%s username=%s\n", devTenant, devUsername)
	fmt.Printf("session header: token: %s (valid %s)\n", token, sessionTTL)
}

func seedTenant(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		profile := models.Profile{
			TenantId:         devTenant,
			Username:         devUsername,
			LoungeName:       "Dev Lounge",
			Role:             models.ProfileRoleOwner,
			SubscriptionTier: models.SubscriptionTierPro,
			IsActive:         true,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "username"}},
			DoUpdates: clause.AssignmentColumns([]string{"tenant_id", "subscription_tier", "is_active"}),
		}).Create(&profile).Error; err != nil {
			return fmt.Errorf("profile: %w", err)
		}
		_ = profile.RemoveInstanceRedis(ctx)

		for _, item := range seedItems {
			inv := models.InventoryItem{
				ID:       item.ID,
				TenantId: devTenant,
				Name:     item.Name,
				Quantity: decimal.NewFromInt(item.Quantity),
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"name", "quantity"}),
			}).Create(&inv).Error; err != nil {
				return fmt.Errorf("inventory %s: %w", item.ID, err)
			}

			mapping := models.R2OProductMapping{
				TenantId:            devTenant,
				ExternalProductId:   item.ExternalID,
				InventoryItemId:     item.ID,
				ExternalProductName: item.Name,
				SyncStatus:          models.MappingSyncStatusPending,
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "external_product_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"inventory_item_id", "external_product_name"}),
			}).Create(&mapping).Error; err != nil {
				return fmt.Errorf("mapping %s: %w", item.ExternalID, err)
			}
		}
		return nil
	})
}
