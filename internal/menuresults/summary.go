package menuresults

import "fmt"

// HasResults reports whether any rows were parsed.
func HasResults(items []MenuItem) bool {
	return len(items) > 0
}

// UniqueBookingCount counts distinct booking names.
func UniqueBookingCount(items []MenuItem) int {
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		seen[it.BookingName] = struct{}{}
	}
	return len(seen)
}

// TotalItemsText renders e.g. "Found 3 menu items across 1 booking".
func TotalItemsText(items []MenuItem) string {
	n, b := len(items), UniqueBookingCount(items)
	return fmt.Sprintf("Found %d menu item%s across %d booking%s", n, plural(n), b, plural(b))
}

// SearchedItemName falls back to "items" when no name was searched.
func SearchedItemName(name string) string {
	if name == "" {
		return "items"
	}
	return name
}

// ShowSearchCriteria reports whether the criteria line should be shown.
func ShowSearchCriteria(criteria string) bool {
	return criteria != ""
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
