// Package gorm provides GORM-based database operations for banquet.
package gorm

import "time"

// NewEventItem builds an event item from optional values.
func NewEventItem(id, name string, position int, price *float64, quantity *int) EventItem {
	return EventItem{
		ID:             id,
		ItemName:       name,
		Position:       position,
		UnitPrice:      nullFloat64(price),
		BookedQuantity: nullInt64(quantity),
	}
}

// NewBooking builds a booking with an optional event date.
func NewBooking(id, name, eventName, propertyID string, eventDate *time.Time, items ...EventItem) Booking {
	return Booking{
		ID:         id,
		Name:       name,
		EventName:  eventName,
		EventDate:  nullTime(eventDate),
		PropertyID: propertyID,
		Items:      items,
	}
}

// Price returns the unit price or nil.
func (e EventItem) Price() *float64 {
	if !e.UnitPrice.Valid {
		return nil
	}
	v := e.UnitPrice.Float64
	return &v
}

// Quantity returns the booked quantity or nil.
func (e EventItem) Quantity() *int {
	if !e.BookedQuantity.Valid {
		return nil
	}
	v := int(e.BookedQuantity.Int64)
	return &v
}

// Date returns the event date or nil.
func (b Booking) Date() *time.Time {
	if !b.EventDate.Valid {
		return nil
	}
	v := b.EventDate.Time
	return &v
}
