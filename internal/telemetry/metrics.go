// Package telemetry records handshake and price-save counters through the
// OpenTelemetry metric API and keeps process-local totals for the health
// endpoint.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope.
const MeterName = "github.com/thebtf/banquet"

// Totals is a snapshot of the process-local counters.
type Totals struct {
	Handshakes    map[string]int64 `json:"handshakes"`
	PriceSaves    int64            `json:"priceSaves"`
	PriceFailures int64            `json:"priceFailures"`
	ItemsUpdated  int64            `json:"itemsUpdated"`
	ParsedItems   int64            `json:"parsedItems"`
	SkippedLines  int64            `json:"skippedLines"`
	SkippedItems  int64            `json:"skippedItems"`
	ParseWarnings int64            `json:"parseWarnings"`
	ResultsLoaded int64            `json:"resultsLoaded"`
}

// Metrics implements auth.Recorder and backend.PriceRecorder.
type Metrics struct {
	handshakes   metric.Int64Counter
	priceSaves   metric.Int64Counter
	itemsUpdated metric.Int64Counter
	parsed       metric.Int64Counter
	skipped      metric.Int64Counter

	mu     sync.Mutex
	totals Totals
}

// New creates instruments on the global meter provider.
func New() (*Metrics, error) {
	return NewWithMeter(otel.Meter(MeterName))
}

// NewWithMeter creates instruments on the given meter.
func NewWithMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{totals: Totals{Handshakes: make(map[string]int64)}}

	var err error
	if m.handshakes, err = meter.Int64Counter("banquet.auth.handshakes",
		metric.WithDescription("Login handshake outcomes")); err != nil {
		return nil, err
	}
	if m.priceSaves, err = meter.Int64Counter("banquet.prices.saves",
		metric.WithDescription("Price save batches")); err != nil {
		return nil, err
	}
	if m.itemsUpdated, err = meter.Int64Counter("banquet.prices.items_updated",
		metric.WithDescription("Event items whose price changed")); err != nil {
		return nil, err
	}
	if m.parsed, err = meter.Int64Counter("banquet.results.items",
		metric.WithDescription("Rows parsed from result summaries")); err != nil {
		return nil, err
	}
	if m.skipped, err = meter.Int64Counter("banquet.results.skipped",
		metric.WithDescription("Summary lines and item fragments that did not parse")); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordHandshake counts one terminal handshake outcome.
func (m *Metrics) RecordHandshake(ctx context.Context, outcome string) {
	m.handshakes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))

	m.mu.Lock()
	m.totals.Handshakes[outcome]++
	m.mu.Unlock()
}

// RecordPriceSave counts one price batch.
func (m *Metrics) RecordPriceSave(ctx context.Context, items, bookings int, success bool) {
	m.priceSaves.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
	if success {
		m.itemsUpdated.Add(ctx, int64(items))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if success {
		m.totals.PriceSaves++
		m.totals.ItemsUpdated += int64(items)
	} else {
		m.totals.PriceFailures++
	}
}

// RecordParse counts the outcome of loading one results summary.
func (m *Metrics) RecordParse(ctx context.Context, items, skippedLines, skippedItems, warnings int) {
	m.parsed.Add(ctx, int64(items))
	if skippedLines > 0 {
		m.skipped.Add(ctx, int64(skippedLines), metric.WithAttributes(attribute.String("kind", "line")))
	}
	if skippedItems > 0 {
		m.skipped.Add(ctx, int64(skippedItems), metric.WithAttributes(attribute.String("kind", "item")))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.totals.ResultsLoaded++
	m.totals.ParsedItems += int64(items)
	m.totals.SkippedLines += int64(skippedLines)
	m.totals.SkippedItems += int64(skippedItems)
	m.totals.ParseWarnings += int64(warnings)
}

// Totals returns a copy of the process-local counters.
func (m *Metrics) Totals() Totals {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.totals
	t.Handshakes = make(map[string]int64, len(m.totals.Handshakes))
	for k, v := range m.totals.Handshakes {
		t.Handshakes[k] = v
	}
	return t
}
