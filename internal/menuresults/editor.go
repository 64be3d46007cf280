package menuresults

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/banquet/internal/notify"
)

var (
	// ErrUnknownRow is returned when a draft names a row that is not loaded.
	ErrUnknownRow = errors.New("unknown row")
	// ErrSaveInProgress is returned when Save is called while another save is running.
	ErrSaveInProgress = errors.New("save already in progress")
	// ErrSaveFailed wraps a backend rejection.
	ErrSaveFailed = errors.New("price update failed")
)

// Value is the payload handed to the results view by the booking search.
type Value struct {
	BookingIDs         string `json:"bookingIds"`
	EventItemIDs       string `json:"eventItemIds"`
	ItemNameSearched   string `json:"itemNameSearched"`
	SearchCriteriaUsed string `json:"searchCriteriaUsed"`
	ResultsSummary     string `json:"resultsSummary"`
	PropertyID         string `json:"propertyId"`
}

// PriceUpdate is one pending change sent to the backend.
type PriceUpdate struct {
	NewPrice *float64 `json:"newPrice"`
	RowID    string   `json:"rowId"`
}

// UpdateResult is the backend answer to a batch price update.
type UpdateResult struct {
	Message          string `json:"message,omitempty"`
	ItemsUpdated     int    `json:"itemsUpdated"`
	BookingsAffected int    `json:"bookingsAffected"`
	Success          bool   `json:"success"`
}

// PriceUpdater persists a batch of price changes.
type PriceUpdater interface {
	UpdatePrices(ctx context.Context, updates []PriceUpdate) (UpdateResult, error)
}

// Draft is a buffered price edit.
type Draft struct {
	UnitPrice *float64 `json:"unitPrice"`
	RowID     string   `json:"id"`
}

// View is a point-in-time copy of the editor state.
type View struct {
	Items              []MenuItem `json:"items"`
	Drafts             []Draft    `json:"drafts"`
	Warnings           []Warning  `json:"warnings,omitempty"`
	TotalItemsText     string     `json:"totalItemsText"`
	SearchedItemName   string     `json:"searchedItemName"`
	SearchCriteriaUsed string     `json:"searchCriteriaUsed,omitempty"`
	PropertyID         string     `json:"propertyId,omitempty"`
	SkippedLines       int        `json:"skippedLines"`
	SkippedItems       int        `json:"skippedItems"`
	UniqueBookingCount int        `json:"uniqueBookingCount"`
	ChangesCount       int        `json:"changesCount"`
	HasResults         bool       `json:"hasResults"`
	HasChanges         bool       `json:"hasChanges"`
	ShowSearchCriteria bool       `json:"showSearchCriteria"`
	Saving             bool       `json:"saving"`
}

// Editor holds the working set, its baseline and the pending drafts.
type Editor struct {
	parser   Parser
	updater  PriceUpdater
	notifier notify.Notifier

	mu       sync.Mutex
	value    Value
	items    []MenuItem
	baseline []MenuItem
	drafts   []Draft
	parsed   Result
	saving   bool
}

// NewEditor creates an empty editor.
func NewEditor(parser Parser, updater PriceUpdater, notifier notify.Notifier) *Editor {
	if notifier == nil {
		notifier = notify.Discard{}
	}
	return &Editor{
		parser:   parser,
		updater:  updater,
		notifier: notifier,
		items:    []MenuItem{},
		baseline: []MenuItem{},
	}
}

// SetValue replaces the loaded results. Drafts are discarded.
func (e *Editor) SetValue(v Value) Result {
	res := e.parser.Parse(v.ResultsSummary, SplitIDs(v.BookingIDs), SplitIDs(v.EventItemIDs))

	if res.SkippedLines > 0 || res.SkippedItems > 0 || len(res.Warnings) > 0 {
		ev := log.Warn().
			Int("items", len(res.Items)).
			Int("skipped_lines", res.SkippedLines).
			Int("skipped_items", res.SkippedItems)
		for _, w := range res.Warnings {
			ev = ev.Str(string(w.Kind), w.String())
		}
		ev.Msg("Results summary parsed with gaps")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.value = v
	e.parsed = res
	e.items = res.Items
	e.baseline = cloneItems(res.Items)
	e.drafts = nil
	return res
}

// ApplyDraft buffers a price edit. A later edit of the same row replaces the earlier one.
func (e *Editor) ApplyDraft(rowID string, price *float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if indexOf(e.items, rowID) < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownRow, rowID)
	}
	d := Draft{RowID: rowID, UnitPrice: clonePtr(price)}
	for i := range e.drafts {
		if e.drafts[i].RowID == rowID {
			e.drafts[i] = d
			return nil
		}
	}
	e.drafts = append(e.drafts, d)
	return nil
}

// Save sends all drafts as one batch. On success the new prices land in
// both the working set and the baseline; on failure nothing changes.
func (e *Editor) Save(ctx context.Context) (UpdateResult, error) {
	e.mu.Lock()
	if e.saving {
		e.mu.Unlock()
		return UpdateResult{}, ErrSaveInProgress
	}
	if len(e.drafts) == 0 {
		e.mu.Unlock()
		return UpdateResult{Success: true}, nil
	}
	sent := append([]Draft(nil), e.drafts...)
	e.saving = true
	e.mu.Unlock()

	updates := make([]PriceUpdate, len(sent))
	for i, d := range sent {
		updates[i] = PriceUpdate{RowID: d.RowID, NewPrice: clonePtr(d.UnitPrice)}
	}

	result, err := e.updater.UpdatePrices(ctx, updates)

	e.mu.Lock()
	e.saving = false
	if err != nil {
		e.mu.Unlock()
		log.Error().Err(err).Int("updates", len(updates)).Msg("Price update failed")
		e.notifier.Notify(notify.Error("An error occurred while saving."))
		return result, err
	}
	if !result.Success {
		e.mu.Unlock()
		msg := result.Message
		if msg == "" {
			msg = "Failed to update prices."
		}
		log.Warn().Str("message", result.Message).Int("updates", len(updates)).Msg("Price update rejected")
		e.notifier.Notify(notify.Error(msg))
		return result, fmt.Errorf("%w: %s", ErrSaveFailed, msg)
	}

	// Repeated IDs name one database row, so every copy takes the saved price.
	for _, d := range sent {
		for _, set := range [][]MenuItem{e.items, e.baseline} {
			for i := range set {
				if set[i].ID == d.RowID {
					set[i].UnitPrice = clonePtr(d.UnitPrice)
					set[i].OriginalPrice = clonePtr(d.UnitPrice)
				}
			}
		}
	}
	e.drafts = pruneSent(e.drafts, sent)
	e.mu.Unlock()

	log.Info().
		Int("items_updated", result.ItemsUpdated).
		Int("bookings_affected", result.BookingsAffected).
		Msg("Prices updated")
	e.notifier.Notify(notify.Success(fmt.Sprintf("Updated %d menu item(s) across %d booking(s).",
		result.ItemsUpdated, result.BookingsAffected)))
	return result, nil
}

// Cancel discards drafts and restores the working set from the baseline.
func (e *Editor) Cancel() {
	e.mu.Lock()
	e.items = cloneItems(e.baseline)
	e.drafts = nil
	e.mu.Unlock()

	e.notifier.Notify(notify.Info("Cancelled", "Price changes have been discarded."))
}

// View returns a copy of the current state with the display helpers filled in.
func (e *Editor) View() View {
	e.mu.Lock()
	defer e.mu.Unlock()

	v := View{
		Items:              cloneItems(e.items),
		Drafts:             make([]Draft, len(e.drafts)),
		Warnings:           append([]Warning(nil), e.parsed.Warnings...),
		SkippedLines:       e.parsed.SkippedLines,
		SkippedItems:       e.parsed.SkippedItems,
		SearchCriteriaUsed: e.value.SearchCriteriaUsed,
		PropertyID:         e.value.PropertyID,
		HasResults:         HasResults(e.items),
		TotalItemsText:     TotalItemsText(e.items),
		UniqueBookingCount: UniqueBookingCount(e.items),
		SearchedItemName:   SearchedItemName(e.value.ItemNameSearched),
		ShowSearchCriteria: ShowSearchCriteria(e.value.SearchCriteriaUsed),
		HasChanges:         len(e.drafts) > 0,
		ChangesCount:       len(e.drafts),
		Saving:             e.saving,
	}
	for i, d := range e.drafts {
		v.Drafts[i] = Draft{RowID: d.RowID, UnitPrice: clonePtr(d.UnitPrice)}
	}
	return v
}

// Items returns a copy of the working set.
func (e *Editor) Items() []MenuItem {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneItems(e.items)
}

// Baseline returns a copy of the baseline.
func (e *Editor) Baseline() []MenuItem {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneItems(e.baseline)
}

// HasChanges reports whether drafts are pending.
func (e *Editor) HasChanges() bool {
	return e.ChangesCount() > 0
}

// ChangesCount returns the number of pending drafts.
func (e *Editor) ChangesCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.drafts)
}

// pruneSent drops drafts that were saved unchanged. Drafts edited again
// while the save was in flight stay pending.
func pruneSent(drafts, sent []Draft) []Draft {
	var rest []Draft
	for _, d := range drafts {
		saved := false
		for _, s := range sent {
			if s.RowID == d.RowID && equalPrice(s.UnitPrice, d.UnitPrice) {
				saved = true
				break
			}
		}
		if !saved {
			rest = append(rest, d)
		}
	}
	return rest
}

func equalPrice(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func indexOf(items []MenuItem, id string) int {
	for i := range items {
		if items[i].ID == id {
			return i
		}
	}
	return -1
}

func cloneItems(items []MenuItem) []MenuItem {
	out := make([]MenuItem, len(items))
	for i := range items {
		out[i] = items[i].Clone()
	}
	return out
}
