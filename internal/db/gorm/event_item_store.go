// Package gorm provides GORM-based database operations for banquet.
package gorm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/thebtf/banquet/internal/menuresults"
)

// likeEscaper escapes LIKE wildcards; queries pair it with ESCAPE '\'.
var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

// ErrUnknownEventItem is returned when a price change names a missing event item.
var ErrUnknownEventItem = errors.New("unknown event item")

// UnknownItemError names the missing event item. It matches ErrUnknownEventItem.
type UnknownItemError struct {
	ID string
}

func (e *UnknownItemError) Error() string { return ErrUnknownEventItem.Error() + ": " + e.ID }

func (e *UnknownItemError) Is(target error) bool { return target == ErrUnknownEventItem }

// PriceChange sets the unit price of one event item. A nil price clears it.
type PriceChange struct {
	Price       *float64
	EventItemID string
}

// PriceCounts summarizes an applied batch.
type PriceCounts struct {
	ItemsUpdated     int
	BookingsAffected int
}

// BookingMatch is a booking together with its items that matched a search.
type BookingMatch struct {
	Booking Booking
	Items   []EventItem
}

// EventItemStore provides booking and event item operations.
type EventItemStore struct {
	db *gorm.DB
}

// NewEventItemStore creates a new event item store.
func NewEventItemStore(store *Store) *EventItemStore {
	return &EventItemStore{db: store.DB}
}

// UpsertBooking inserts or updates a booking and its items. Names and IDs
// must survive a round trip through a results summary.
func (s *EventItemStore) UpsertBooking(ctx context.Context, b *Booking) error {
	if err := checkSummaryText(b); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Items").
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"name", "event_name", "event_date", "property_id"}),
			}).
			Create(b).Error; err != nil {
			return fmt.Errorf("upsert booking %s: %w", b.ID, err)
		}
		for i := range b.Items {
			item := &b.Items[i]
			item.BookingID = b.ID
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"booking_id", "item_name", "position", "unit_price", "booked_quantity", "updated_at"}),
			}).Create(item).Error; err != nil {
				return fmt.Errorf("upsert event item %s: %w", item.ID, err)
			}
		}
		return nil
	})
}

func checkSummaryText(b *Booking) error {
	sb := menuresults.SummaryBooking{ID: b.ID, Name: b.Name, EventName: b.EventName}
	for _, it := range b.Items {
		sb.Items = append(sb.Items, menuresults.SummaryItem{ID: it.ID, Name: it.ItemName})
	}
	return sb.Check()
}

// Get returns one event item.
func (s *EventItemStore) Get(ctx context.Context, id string) (*EventItem, error) {
	var item EventItem
	err := s.db.WithContext(ctx).First(&item, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &UnknownItemError{ID: id}
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// SearchByItemName finds bookings with items whose name contains the given
// text, case-insensitively. Wildcard characters in the text match literally. An empty property ID matches every property.
// Results are ordered by booking name then item position.
func (s *EventItemStore) SearchByItemName(ctx context.Context, name, propertyID string) ([]BookingMatch, error) {
	q := s.db.WithContext(ctx).
		Model(&EventItem{}).
		Joins("JOIN bookings ON bookings.id = event_items.booking_id").
		Where(`LOWER(event_items.item_name) LIKE ? ESCAPE '\'`, "%"+likeEscaper.Replace(strings.ToLower(name))+"%")
	if propertyID != "" {
		q = q.Where("bookings.property_id = ?", propertyID)
	}

	var items []EventItem
	if err := q.Order("bookings.name, event_items.position, event_items.id").Find(&items).Error; err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}

	var ids []string
	seen := make(map[string]int)
	for _, it := range items {
		if _, ok := seen[it.BookingID]; !ok {
			seen[it.BookingID] = len(ids)
			ids = append(ids, it.BookingID)
		}
	}

	var bookings []Booking
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&bookings).Error; err != nil {
		return nil, err
	}

	matches := make([]BookingMatch, len(ids))
	for _, b := range bookings {
		matches[seen[b.ID]].Booking = b
	}
	for _, it := range items {
		m := &matches[seen[it.BookingID]]
		m.Items = append(m.Items, it)
	}
	return matches, nil
}

// UpdatePrices applies every change in one transaction. Any unknown ID
// fails the whole batch. Repeated IDs count once.
func (s *EventItemStore) UpdatePrices(ctx context.Context, changes []PriceChange) (PriceCounts, error) {
	var counts PriceCounts
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		items := make(map[string]struct{})
		bookings := make(map[string]struct{})
		now := time.Now()

		for _, ch := range changes {
			var item EventItem
			err := tx.Select("id", "booking_id").First(&item, "id = ?", ch.EventItemID).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &UnknownItemError{ID: ch.EventItemID}
			}
			if err != nil {
				return err
			}

			if err := tx.Model(&EventItem{}).
				Where("id = ?", ch.EventItemID).
				Updates(map[string]any{
					"unit_price": nullFloat64(ch.Price),
					"updated_at": now,
				}).Error; err != nil {
				return fmt.Errorf("update event item %s: %w", ch.EventItemID, err)
			}

			items[item.ID] = struct{}{}
			bookings[item.BookingID] = struct{}{}
		}

		counts = PriceCounts{ItemsUpdated: len(items), BookingsAffected: len(bookings)}
		return nil
	})
	if err != nil {
		return PriceCounts{}, err
	}
	return counts, nil
}
