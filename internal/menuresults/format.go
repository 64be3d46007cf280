package menuresults

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrUnsafeText is returned for names and IDs that would not read back
// unchanged from a rendered summary.
var ErrUnsafeText = errors.New("text cannot be written to a results summary")

// SummaryDateLayout is the event date format written into summary lines.
const SummaryDateLayout = "Jan 2, 2006"

const (
	headerReserved = "*():\r\n"
	itemReserved   = "*(),:\r\n"
	idReserved     = ", \t\r\n"
)

// trailingQuantity matches a name the item grammar would read as "name xN".
var trailingQuantity = regexp.MustCompile(`x\d+$`)

// SummaryItem is one item written into a summary line.
type SummaryItem struct {
	Price    *float64
	Quantity *int
	ID       string
	Name     string
}

// SummaryBooking is one booking line of a summary.
type SummaryBooking struct {
	Date      *time.Time
	ID        string
	Name      string
	EventName string
	Items     []SummaryItem
}

// CheckBookingName rejects booking names the line grammar cannot delimit.
func CheckBookingName(s string) error {
	return checkText("booking name", s, headerReserved)
}

// CheckEventName rejects event names the line grammar cannot delimit.
func CheckEventName(s string) error {
	return checkText("event name", s, headerReserved)
}

// CheckItemName rejects item names that would split into several items or
// lose a suffix to the price or quantity groups.
func CheckItemName(s string) error {
	if err := checkText("item name", s, itemReserved); err != nil {
		return err
	}
	if trailingQuantity.MatchString(s) {
		return fmt.Errorf("%w: item name %q ends like a quantity", ErrUnsafeText, s)
	}
	return nil
}

// CheckID rejects IDs that cannot sit in a comma-separated ID list.
func CheckID(s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty id", ErrUnsafeText)
	}
	if i := strings.IndexAny(s, idReserved); i >= 0 {
		return fmt.Errorf("%w: id %q contains %q", ErrUnsafeText, s, s[i])
	}
	return nil
}

func checkText(field, s, reserved string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%w: empty %s", ErrUnsafeText, field)
	}
	if strings.TrimSpace(s) != s {
		return fmt.Errorf("%w: %s %q has surrounding spaces", ErrUnsafeText, field, s)
	}
	if i := strings.IndexAny(s, reserved); i >= 0 {
		return fmt.Errorf("%w: %s %q contains %q", ErrUnsafeText, field, s, s[i])
	}
	return nil
}

// CheckHeader validates the booking ID and the parts of the line before the items.
func (b SummaryBooking) CheckHeader() error {
	if err := CheckID(b.ID); err != nil {
		return fmt.Errorf("booking: %w", err)
	}
	if err := CheckBookingName(b.Name); err != nil {
		return fmt.Errorf("booking %s: %w", b.ID, err)
	}
	if err := CheckEventName(b.EventName); err != nil {
		return fmt.Errorf("booking %s: %w", b.ID, err)
	}
	return nil
}

// Check validates the header and every item.
func (b SummaryBooking) Check() error {
	if err := b.CheckHeader(); err != nil {
		return err
	}
	for _, it := range b.Items {
		if err := it.Check(); err != nil {
			return fmt.Errorf("booking %s: %w", b.ID, err)
		}
	}
	return nil
}

// Check validates the item ID and name.
func (it SummaryItem) Check() error {
	if err := CheckID(it.ID); err != nil {
		return fmt.Errorf("item: %w", err)
	}
	if err := CheckItemName(it.Name); err != nil {
		return fmt.Errorf("item %s: %w", it.ID, err)
	}
	return nil
}

// Line renders the booking in the grammar Parse reads:
//
//	- **BK-100** (Gala Dinner) on Jan 5, 2025: Coffee ($10.00) x50, Tea x20
func (b SummaryBooking) Line() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "- **%s** (%s)", b.Name, b.EventName)
	if b.Date != nil {
		sb.WriteString(" on " + b.Date.Format(SummaryDateLayout))
	}
	sb.WriteString(": ")
	for i, it := range b.Items {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(it.Name)
		if it.Price != nil {
			sb.WriteString(" ($" + strconv.FormatFloat(*it.Price, 'f', 2, 64) + ")")
		}
		if it.Quantity != nil && *it.Quantity >= 0 {
			sb.WriteString(" x" + strconv.Itoa(*it.Quantity))
		}
	}
	return sb.String()
}
