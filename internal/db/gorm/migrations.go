// Package gorm provides GORM-based database operations for banquet.
package gorm

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations runs all database migrations using gormigrate.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: API credentials
		{
			ID: "001_api_credentials",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&Credential{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("api_credentials")
			},
		},

		// Migration 002: Bookings and their event items
		{
			ID: "002_bookings_event_items",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&Booking{}); err != nil {
					return err
				}
				return tx.AutoMigrate(&EventItem{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("event_items", "bookings")
			},
		},

		// Migration 003: Lookup index for item searches within a booking
		{
			ID: "003_event_items_booking_position",
			Migrate: func(tx *gorm.DB) error {
				return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_event_items_booking_position
					ON event_items (booking_id, position)`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Exec("DROP INDEX IF EXISTS idx_event_items_booking_position").Error
			},
		},
	})

	return m.Migrate()
}
