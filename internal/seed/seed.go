// Package seed loads bookings and their event items from a YAML file.
package seed

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/thebtf/banquet/internal/db/gorm"
	"github.com/thebtf/banquet/internal/menuresults"
)

// Item is one event item in the seed file.
type Item struct {
	Price    *float64 `yaml:"price"`
	Quantity *int     `yaml:"quantity"`
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
}

// Booking is one booking in the seed file.
type Booking struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Event    string `yaml:"event"`
	Date     string `yaml:"date"`
	Property string `yaml:"property"`
	Items    []Item `yaml:"items"`
}

// File is the top-level YAML structure.
type File struct {
	Bookings []Booking `yaml:"bookings"`
}

// Load reads and validates the seed file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes and validates seed YAML.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks required fields, unique IDs, dates and that every name
// reads back unchanged from a results summary.
func (f *File) Validate() error {
	bookingIDs := make(map[string]struct{})
	bookingNames := make(map[string]struct{})
	itemIDs := make(map[string]struct{})

	for i, b := range f.Bookings {
		switch {
		case b.ID == "":
			return fmt.Errorf("booking %d: id is required", i)
		case b.Name == "":
			return fmt.Errorf("booking %s: name is required", b.ID)
		case b.Event == "":
			return fmt.Errorf("booking %s: event is required", b.ID)
		}
		if _, dup := bookingIDs[b.ID]; dup {
			return fmt.Errorf("booking %s: duplicate id", b.ID)
		}
		if _, dup := bookingNames[b.Name]; dup {
			return fmt.Errorf("booking %s: duplicate name %q", b.ID, b.Name)
		}
		bookingIDs[b.ID] = struct{}{}
		bookingNames[b.Name] = struct{}{}

		header := menuresults.SummaryBooking{ID: b.ID, Name: b.Name, EventName: b.Event}
		if err := header.CheckHeader(); err != nil {
			return err
		}

		if b.Date != "" && menuresults.ParseEventDate(b.Date) == nil {
			return fmt.Errorf("booking %s: unrecognized date %q", b.ID, b.Date)
		}

		for j, it := range b.Items {
			if it.ID == "" || it.Name == "" {
				return fmt.Errorf("booking %s item %d: id and name are required", b.ID, j)
			}
			if _, dup := itemIDs[it.ID]; dup {
				return fmt.Errorf("item %s: duplicate id", it.ID)
			}
			itemIDs[it.ID] = struct{}{}
			if err := (menuresults.SummaryItem{ID: it.ID, Name: it.Name}).Check(); err != nil {
				return fmt.Errorf("booking %s: %w", b.ID, err)
			}
			if it.Price != nil && *it.Price < 0 {
				return fmt.Errorf("item %s: negative price", it.ID)
			}
		}
	}
	return nil
}

// Apply upserts every booking. Existing rows with the same IDs are updated.
func (f *File) Apply(ctx context.Context, store *gorm.EventItemStore) (bookings, items int, err error) {
	for _, b := range f.Bookings {
		rows := make([]gorm.EventItem, len(b.Items))
		for i, it := range b.Items {
			rows[i] = gorm.NewEventItem(it.ID, it.Name, i, it.Price, it.Quantity)
		}
		booking := gorm.NewBooking(b.ID, b.Name, b.Event, b.Property, menuresults.ParseEventDate(b.Date), rows...)
		if err := store.UpsertBooking(ctx, &booking); err != nil {
			return bookings, items, err
		}
		bookings++
		items += len(rows)
	}
	return bookings, items, nil
}
