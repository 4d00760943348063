package models

import (
	"gorm.io/gorm"
)

func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(
		&Profile{},
		&InventoryItem{},
		&R2OConnection{}, &R2OProductMapping{}, &R2OSalesLogEntry{},
	)
}
