package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/banquet/internal/db/gorm"
	"github.com/thebtf/banquet/internal/menuresults"
)

// FindBookingsByMenuItem searches bookings for an item and renders the
// results summary with its parallel ID lists.
func (s *Service) FindBookingsByMenuItem(ctx context.Context, itemName, propertyID string) (menuresults.Value, error) {
	itemName = strings.TrimSpace(itemName)
	if itemName == "" {
		return menuresults.Value{}, fmt.Errorf("item name is required")
	}

	matches, err := s.items.SearchByItemName(ctx, itemName, propertyID)
	if err != nil {
		return menuresults.Value{}, fmt.Errorf("search bookings: %w", err)
	}

	criteria := fmt.Sprintf("Item: %q", itemName)
	if propertyID != "" {
		criteria += "; Property: " + propertyID
	}
	v, omitted := RenderSummary(matches, itemName, criteria, propertyID)
	if omitted > 0 {
		log.Warn().Str("item", itemName).Int("omitted", omitted).Msg("Left unsafe entries out of the results summary")
	}
	return v, nil
}

// RenderSummary writes one line per booking:
//
//	- **BK-100** (Gala Dinner) on Jan 5, 2025: Coffee ($10.00) x50, Tea x20
//
// Booking IDs are listed once per item so positions line up with item IDs.
// Bookings and items whose text would not parse back are left out; the
// second result counts the items dropped.
func RenderSummary(matches []gorm.BookingMatch, itemName, criteria, propertyID string) (menuresults.Value, int) {
	var (
		lines      []string
		bookingIDs []string
		itemIDs    []string
		omitted    int
	)
	for _, m := range matches {
		b := menuresults.SummaryBooking{
			Date:      m.Booking.Date(),
			ID:        m.Booking.ID,
			Name:      m.Booking.Name,
			EventName: m.Booking.EventName,
		}
		if err := b.CheckHeader(); err != nil {
			log.Warn().Err(err).Msg("Skipping booking in results summary")
			omitted += len(m.Items)
			continue
		}
		for _, it := range m.Items {
			si := menuresults.SummaryItem{
				Price:    it.Price(),
				Quantity: it.Quantity(),
				ID:       it.ID,
				Name:     it.ItemName,
			}
			if err := si.Check(); err != nil {
				log.Warn().Err(err).Str("bookingId", b.ID).Msg("Skipping item in results summary")
				omitted++
				continue
			}
			b.Items = append(b.Items, si)
		}
		if len(b.Items) == 0 {
			continue
		}
		for _, si := range b.Items {
			bookingIDs = append(bookingIDs, b.ID)
			itemIDs = append(itemIDs, si.ID)
		}
		lines = append(lines, b.Line())
	}

	return menuresults.Value{
		BookingIDs:         strings.Join(bookingIDs, ","),
		EventItemIDs:       strings.Join(itemIDs, ","),
		ItemNameSearched:   itemName,
		SearchCriteriaUsed: criteria,
		ResultsSummary:     strings.Join(lines, "\n"),
		PropertyID:         propertyID,
	}, omitted
}
