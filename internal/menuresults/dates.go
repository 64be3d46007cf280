package menuresults

import (
	"strings"
	"time"
)

// eventDateLayouts are tried in order. All results are UTC.
var eventDateLayouts = []string{
	SummaryDateLayout,
	"January 2, 2006",
	"Jan 2 2006",
	"January 2 2006",
	"2 Jan 2006",
	"2 January 2006",
	"Mon, Jan 2, 2006",
	"Monday, January 2, 2006",
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"Jan 2, 2006 3:04 PM",
	"January 2, 2006 3:04 PM",
}

// ParseEventDate parses a human date such as "Jan 15, 2025". Unparseable
// text yields nil rather than an error.
func ParseEventDate(s string) *time.Time {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return nil
	}
	for _, layout := range eventDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
