// Package schedule resolves the (order_day, load_day, delivery_day) cycle
// model (C4): matching a delivery date to its schedule key, and scanning
// forward for the next delivery that has not yet been ordered.
package schedule

import (
	"context"
	"time"

	"github.com/routespark/core/internal/domain"
	"github.com/routespark/core/internal/routeclock"
	"github.com/routespark/core/internal/rserrors"
)

// NextDelivery is the single soonest unordered delivery found by
// NextUnorderedDelivery.
type NextDelivery struct {
	DeliveryDate time.Time
	ScheduleKey  string
}

// maxScanDays bounds how far ahead NextUnorderedDelivery looks.
const maxScanDays = 14

// ResolveScheduleKey matches deliveryDate's weekday against the cycle
// set's delivery_day, falling back to load_day for routes where delivery
// happens same-day as load. Order-day-derived naming is canonical: the
// returned key is always the weekday name of the matching cycle's
// order_day, never the delivery day's own weekday.
func ResolveScheduleKey(cycles []domain.OrderCycle, deliveryDate time.Time) (string, error) {
	weekday := int(routeclock.FromTime(deliveryDate))

	for _, c := range cycles {
		if c.DeliveryDay == weekday {
			return c.ScheduleKey(), nil
		}
	}
	for _, c := range cycles {
		if c.LoadDay == weekday {
			return c.ScheduleKey(), nil
		}
	}
	return "", rserrors.New(rserrors.NoMatchingCycle, "no cycle matches the given delivery date")
}

// NextUnorderedDelivery scans up to 14 days ahead of today and returns the
// chronologically soonest delivery date whose (route, schedule_key,
// delivery_date) has no finalized order yet. At most one result is ever
// returned, enforcing the serial forecast chain: generating a forecast for
// a later delivery before an earlier one is finalized would violate the
// single-next-delivery invariant.
func NextUnorderedDelivery(
	ctx context.Context,
	route string,
	today time.Time,
	cycles []domain.OrderCycle,
	hasFinalizedOrder func(ctx context.Context, date time.Time, scheduleKey string) (bool, error),
) (*NextDelivery, error) {
	for offset := 0; offset <= maxScanDays; offset++ {
		candidate := today.AddDate(0, 0, offset)
		weekday := int(routeclock.FromTime(candidate))
		delivers := false
		for _, c := range cycles {
			if c.DeliveryDay == weekday {
				delivers = true
				break
			}
		}
		if !delivers {
			continue
		}
		key, err := ResolveScheduleKey(cycles, candidate)
		if err != nil {
			continue
		}
		ordered, err := hasFinalizedOrder(ctx, candidate, key)
		if err != nil {
			return nil, err
		}
		if !ordered {
			return &NextDelivery{DeliveryDate: candidate, ScheduleKey: key}, nil
		}
	}
	return nil, nil
}
