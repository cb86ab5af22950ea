package relstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/routespark/core/internal/domain"
)

func unixToTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

// Routes returns every route known to the relational store together with
// its order cycles, ordered by route ID. This is the retrain
// orchestrator's synced-route set: a route only ever appears here once
// its cycles have been written during onboarding.
func (s *Store) Routes(ctx context.Context) ([]domain.Route, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT id, owning_user, timezone_iana, created_at FROM routes ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Route
	for rows.Next() {
		var r domain.Route
		var createdUnix int64
		if err := rows.Scan(&r.ID, &r.OwningUser, &r.TimezoneIANA, &createdUnix); err != nil {
			return nil, err
		}
		r.CreatedAt = unixToTime(createdUnix)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		cycles, err := s.cyclesForRoute(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Cycles = cycles
	}
	return out, nil
}

// GetRoute fetches a single route with its cycles, or nil if unknown.
func (s *Store) GetRoute(ctx context.Context, id string) (*domain.Route, error) {
	row := s.db.Conn().QueryRowContext(ctx, `
		SELECT id, owning_user, timezone_iana, created_at FROM routes WHERE id = ?`, id)

	var r domain.Route
	var createdUnix int64
	if err := row.Scan(&r.ID, &r.OwningUser, &r.TimezoneIANA, &createdUnix); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	r.CreatedAt = unixToTime(createdUnix)

	cycles, err := s.cyclesForRoute(ctx, id)
	if err != nil {
		return nil, err
	}
	r.Cycles = cycles
	return &r, nil
}

func (s *Store) cyclesForRoute(ctx context.Context, route string) ([]domain.OrderCycle, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT order_day, load_day, delivery_day FROM order_cycles WHERE route = ?`, route)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.OrderCycle
	for rows.Next() {
		var c domain.OrderCycle
		if err := rows.Scan(&c.OrderDay, &c.LoadDay, &c.DeliveryDay); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SchedulesForRoute returns the distinct schedule keys an already-synced
// route has ever placed a finalized order under, used by the retrain
// orchestrator to iterate schedules without guessing them from cycles
// alone (a cycle can exist before any order has ever used it).
func (s *Store) SchedulesForRoute(ctx context.Context, route string) ([]string, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT DISTINCT schedule_key FROM orders WHERE route = ? AND status = 'finalized' ORDER BY schedule_key`, route)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

// ScheduleOrderCounts returns the number of finalized orders and the
// number of corrected (i.e. at least one submitted correction) orders for
// a (route, schedule), feeding the branch selector's depth signals.
func (s *Store) ScheduleOrderCounts(ctx context.Context, route, schedule string) (scheduleOrders, correctedOrders int, err error) {
	row := s.db.Conn().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM orders WHERE route = ? AND schedule_key = ? AND status = 'finalized'`, route, schedule)
	if err := row.Scan(&scheduleOrders); err != nil {
		return 0, 0, err
	}

	row = s.db.Conn().QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT order_id) FROM corrections WHERE route = ? AND schedule_key = ?`, route, schedule)
	if err := row.Scan(&correctedOrders); err != nil {
		return 0, 0, err
	}
	return scheduleOrders, correctedOrders, nil
}

// StoreOrderDepth returns a store's total finalized order count across all
// schedules plus the number of distinct schedules with at least minPer
// orders, feeding the store-centric branch's preconditions.
func (s *Store) StoreOrderDepth(ctx context.Context, route, store string, minPer int) (total int, schedulesWithMin int, err error) {
	row := s.db.Conn().QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT o.id) FROM orders o
		JOIN line_items li ON li.order_id = o.id
		WHERE o.route = ? AND li.store = ? AND o.status = 'finalized'`, route, store)
	if err := row.Scan(&total); err != nil {
		return 0, 0, err
	}

	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT o.schedule_key, COUNT(DISTINCT o.id) FROM orders o
		JOIN line_items li ON li.order_id = o.id
		WHERE o.route = ? AND li.store = ? AND o.status = 'finalized'
		GROUP BY o.schedule_key`, route, store)
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return 0, 0, err
		}
		if count >= minPer {
			schedulesWithMin++
		}
	}
	return total, schedulesWithMin, rows.Err()
}
