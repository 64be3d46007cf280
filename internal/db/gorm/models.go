// Package gorm provides GORM-based database operations for banquet.
package gorm

import (
	"database/sql"
	"time"

	"gorm.io/gorm"
)

// CredentialID is the primary key of the single stored API credential.
const CredentialID = 1

// Credential holds the third-party API tokens. Only one row exists.
type Credential struct {
	ID           int64  `gorm:"primaryKey;autoIncrement:false"`
	AccessToken  string `gorm:"type:text;not null"`
	RefreshToken string `gorm:"type:text"`
	UserID       string `gorm:"type:text"`
	ClientID     string `gorm:"type:text"`
	UpdatedAt    time.Time
	CreatedAt    time.Time
}

func (Credential) TableName() string { return "api_credentials" }

// BeforeCreate pins the singleton key.
func (c *Credential) BeforeCreate(tx *gorm.DB) error {
	c.ID = CredentialID
	return nil
}

// Booking is a banquet booking.
type Booking struct {
	ID         string       `gorm:"primaryKey;type:varchar(64)"`
	Name       string       `gorm:"uniqueIndex;type:varchar(128);not null"`
	EventName  string       `gorm:"type:text;not null"`
	EventDate  sql.NullTime `gorm:"index"`
	PropertyID string       `gorm:"index;type:varchar(64)"`
	Items      []EventItem  `gorm:"foreignKey:BookingID;constraint:OnDelete:CASCADE"`
	CreatedAt  time.Time
}

func (Booking) TableName() string { return "bookings" }

// EventItem is one menu item booked for an event.
type EventItem struct {
	ID             string          `gorm:"primaryKey;type:varchar(64)"`
	BookingID      string          `gorm:"index;type:varchar(64);not null"`
	ItemName       string          `gorm:"index;type:varchar(256);not null"`
	Position       int             `gorm:"default:0"`
	UnitPrice      sql.NullFloat64 `gorm:"type:decimal(12,2)"`
	BookedQuantity sql.NullInt64
	UpdatedAt      time.Time
}

func (EventItem) TableName() string { return "event_items" }

func nullFloat64(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func nullInt64(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func nullTime(p *time.Time) sql.NullTime {
	if p == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *p, Valid: true}
}
