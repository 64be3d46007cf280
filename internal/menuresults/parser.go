// Package menuresults turns the booking search summary into editable rows and
// applies inline price edits through the backend.
package menuresults

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	// - **BK-00123** (Lunch Event) on Jan 15, 2025: Coffee ($10.00) x50, Tea x20
	lineRegex = regexp.MustCompile(`^\s*-?\s*\*\*(.+?)\*\*\s*\((.+?)\)(?:\s*on\s*(.+?))?:\s*(.+)$`)

	// Coffee ($10.00) x50
	itemRegex = regexp.MustCompile(`^(.+?)\s*(?:\(\$?([\d.]+)\))?\s*(?:x(\d+))?$`)
)

// MenuItem is one parsed row.
type MenuItem struct {
	BookingID      *string    `json:"bookingId"`
	BookingURL     *string    `json:"bookingUrl"`
	EventDate      *time.Time `json:"eventDate"`
	UnitPrice      *float64   `json:"unitPrice"`
	OriginalPrice  *float64   `json:"originalPrice"`
	BookedQuantity *int       `json:"bookedQuantity"`
	ID             string     `json:"id"`
	EventItemID    string     `json:"eventItemId"`
	BookingName    string     `json:"bookingName"`
	EventName      string     `json:"eventName"`
	ItemName       string     `json:"itemName"`
}

// Clone returns a deep copy.
func (m MenuItem) Clone() MenuItem {
	c := m
	c.BookingID = clonePtr(m.BookingID)
	c.BookingURL = clonePtr(m.BookingURL)
	c.EventDate = clonePtr(m.EventDate)
	c.UnitPrice = clonePtr(m.UnitPrice)
	c.OriginalPrice = clonePtr(m.OriginalPrice)
	c.BookedQuantity = clonePtr(m.BookedQuantity)
	return c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// WarningKind classifies ID list mismatches.
type WarningKind string

const (
	// WarnItemIDsShort means positional fallback IDs were synthesized.
	WarnItemIDsShort WarningKind = "item_ids_short"
	// WarnItemIDsLong means some event item IDs matched no parsed item.
	WarnItemIDsLong WarningKind = "item_ids_long"
	// WarnBookingIDsClamped means later items reused the last booking ID.
	WarnBookingIDsClamped WarningKind = "booking_ids_clamped"
)

// Warning reports that an ID list did not line up with the parsed items.
// Rows are still produced; matching stays positional.
type Warning struct {
	Kind   WarningKind `json:"kind"`
	IDs    int         `json:"ids"`
	Parsed int         `json:"parsed"`
}

func (w Warning) String() string {
	switch w.Kind {
	case WarnItemIDsShort:
		return fmt.Sprintf("%d event item ids for %d parsed items; synthesized positional ids", w.IDs, w.Parsed)
	case WarnItemIDsLong:
		return fmt.Sprintf("%d event item ids for %d parsed items; extra ids unused", w.IDs, w.Parsed)
	case WarnBookingIDsClamped:
		return fmt.Sprintf("%d booking ids for %d parsed items; last booking id reused", w.IDs, w.Parsed)
	}
	return string(w.Kind)
}

// Result is the outcome of parsing a summary.
type Result struct {
	Items        []MenuItem `json:"items"`
	Warnings     []Warning  `json:"warnings,omitempty"`
	SkippedLines int        `json:"skippedLines"`
	SkippedItems int        `json:"skippedItems"`
}

// Parser converts summary text into rows.
type Parser struct {
	// BookingURLPattern is a fmt pattern taking the booking ID. Empty disables links.
	BookingURLPattern string
}

// Parse parses the summary. Blank lines are ignored; other lines and item
// fragments that do not match the grammar are skipped and counted. Row
// identity comes from the two ID lists by position, with one running index
// over every parsed item.
func (p Parser) Parse(summary string, bookingIDs, itemIDs []string) Result {
	res := Result{Items: []MenuItem{}}
	if summary == "" {
		return res
	}

	index := 0
	for _, line := range strings.Split(summary, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		m := lineRegex.FindStringSubmatch(line)
		if m == nil {
			res.SkippedLines++
			continue
		}
		bookingName, eventName, dateStr, itemsStr := m[1], m[2], m[3], m[4]

		var eventDate *time.Time
		if dateStr != "" {
			eventDate = ParseEventDate(dateStr)
		}

		for _, fragment := range strings.Split(itemsStr, ",") {
			im := itemRegex.FindStringSubmatch(strings.TrimSpace(fragment))
			if im == nil {
				res.SkippedItems++
				continue
			}

			item := MenuItem{
				BookingName:    bookingName,
				EventName:      eventName,
				EventDate:      clonePtr(eventDate),
				ItemName:       strings.TrimSpace(im[1]),
				UnitPrice:      parsePrice(im[2]),
				BookedQuantity: parseQuantity(im[3]),
			}
			item.OriginalPrice = clonePtr(item.UnitPrice)

			item.EventItemID = fmt.Sprintf("item-%d", index)
			if index < len(itemIDs) && itemIDs[index] != "" {
				item.EventItemID = itemIDs[index]
			}
			item.ID = item.EventItemID

			if len(bookingIDs) > 0 {
				if id := bookingIDs[min(index, len(bookingIDs)-1)]; id != "" {
					item.BookingID = &id
					if p.BookingURLPattern != "" {
						url := fmt.Sprintf(p.BookingURLPattern, id)
						item.BookingURL = &url
					}
				}
			}

			res.Items = append(res.Items, item)
			index++
		}
	}

	res.Warnings = idWarnings(index, bookingIDs, itemIDs)
	return res
}

func idWarnings(parsed int, bookingIDs, itemIDs []string) []Warning {
	var warnings []Warning
	switch {
	case len(itemIDs) < parsed:
		warnings = append(warnings, Warning{Kind: WarnItemIDsShort, IDs: len(itemIDs), Parsed: parsed})
	case len(itemIDs) > parsed:
		warnings = append(warnings, Warning{Kind: WarnItemIDsLong, IDs: len(itemIDs), Parsed: parsed})
	}
	if len(bookingIDs) > 0 && len(bookingIDs) < parsed {
		warnings = append(warnings, Warning{Kind: WarnBookingIDsClamped, IDs: len(bookingIDs), Parsed: parsed})
	}
	return warnings
}

// SplitIDs splits a comma-separated ID list. An empty string yields no IDs.
func SplitIDs(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// parsePrice reads the leading decimal number ("10.00", "1.2.3" -> 1.2).
// Absence yields nil, which is distinct from a zero price.
func parsePrice(s string) *float64 {
	if s == "" {
		return nil
	}
	if first := strings.IndexByte(s, '.'); first >= 0 {
		if second := strings.IndexByte(s[first+1:], '.'); second >= 0 {
			s = s[:first+1+second]
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

func parseQuantity(s string) *int {
	if s == "" {
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	return &v
}
