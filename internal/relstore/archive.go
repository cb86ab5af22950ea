package relstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/routespark/core/internal/domain"
)

// HasFinalizedOrder reports whether a finalized order exists for
// (route, scheduleKey) on the given delivery date. The schedule model's
// next-unordered-delivery scan drives this per candidate day.
func (s *Store) HasFinalizedOrder(ctx context.Context, route string, delivery time.Time, scheduleKey string) (bool, error) {
	dayStart := time.Date(delivery.Year(), delivery.Month(), delivery.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.AddDate(0, 0, 1)

	var count int
	err := s.db.Conn().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM orders
		WHERE route = ? AND schedule_key = ? AND status = 'finalized'
		  AND delivery_date >= ? AND delivery_date < ?`,
		route, scheduleKey, dayStart.Unix(), dayEnd.Unix()).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// OrdersBetween returns a route's finalized orders with delivery dates in
// [from, to] inclusive, sorted ascending, with line items attached. The
// export worker archives exactly this slice.
func (s *Store) OrdersBetween(ctx context.Context, route string, from, to time.Time) ([]domain.Order, error) {
	toEnd := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)

	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT id, route, schedule_key, delivery_date, order_date, status, created_at, updated_at, finalized_at
		FROM orders
		WHERE route = ? AND status = 'finalized' AND delivery_date >= ? AND delivery_date < ?
		ORDER BY delivery_date ASC`,
		route, from.Unix(), toEnd.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		var o domain.Order
		var deliveryUnix, orderUnix, createdUnix, updatedUnix int64
		var finalizedUnix sql.NullInt64
		var status string
		if err := rows.Scan(&o.ID, &o.Route, &o.ScheduleKey, &deliveryUnix, &orderUnix, &status, &createdUnix, &updatedUnix, &finalizedUnix); err != nil {
			return nil, err
		}
		o.Status = domain.OrderStatus(status)
		o.DeliveryDate = time.Unix(deliveryUnix, 0).UTC()
		o.OrderDate = time.Unix(orderUnix, 0).UTC()
		o.CreatedAt = time.Unix(createdUnix, 0).UTC()
		o.UpdatedAt = time.Unix(updatedUnix, 0).UTC()
		if finalizedUnix.Valid {
			t := time.Unix(finalizedUnix.Int64, 0).UTC()
			o.FinalizedAt = &t
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		lines, err := s.lineItemsForOrder(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].StoreOrders = groupLinesByStore(lines)
	}
	return out, nil
}

// CorrectionsBetween returns raw correction rows for a route with
// delivery dates in [from, to] inclusive, feeding the export archive's
// corrections file.
func (s *Store) CorrectionsBetween(ctx context.Context, route string, from, to time.Time) ([]domain.Correction, error) {
	toEnd := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)

	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT forecast_id, order_id, route, schedule_key, delivery_date, store, sap,
		       predicted_units, final_units, removed, promo, holiday_week, submitted_at
		FROM corrections
		WHERE route = ? AND delivery_date >= ? AND delivery_date < ?
		ORDER BY delivery_date ASC, order_id, store, sap`,
		route, from.Unix(), toEnd.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Correction
	for rows.Next() {
		var c domain.Correction
		var deliveryUnix, submittedUnix int64
		var removed, promo, holiday int
		if err := rows.Scan(&c.Forecast, &c.Order, &c.Route, &c.Schedule, &deliveryUnix, &c.Store, &c.SAP,
			&c.PredictedUnits, &c.FinalUnits, &removed, &promo, &holiday, &submittedUnix); err != nil {
			return nil, err
		}
		c.DeliveryDate = time.Unix(deliveryUnix, 0).UTC()
		c.SubmittedAt = time.Unix(submittedUnix, 0).UTC()
		c.Removed = removed != 0
		c.Promo = promo != 0
		c.HolidayWeek = holiday != 0
		out = append(out, c)
	}
	return out, rows.Err()
}
