// Package relstore is the relational store adapter (C1): typed accessors
// for order history, line items, corrections, shares, calibration
// tables, refresh state and checkpoints. All operations are synchronous
// over a pooled *sql.DB; WAL mode gives read-your-writes within the
// process.
package relstore

import (
	"context"
	"database/sql"
	"math"
	"time"

	"github.com/routespark/core/internal/database"
	"github.com/routespark/core/internal/domain"
)

// Store is the relational store adapter.
type Store struct {
	db *database.DB
}

// New wraps an already-migrated *database.DB.
func New(db *database.DB) *Store {
	return &Store{db: db}
}

// CorrectionAggregate is one grouped (store, sap, schedule) row produced
// by CorrectionsUpTo.
type CorrectionAggregate struct {
	Store         string
	SAP           string
	Schedule      string
	SampleCount   int
	AvgDelta      float64
	AvgRatio      float64
	RatioStddev   float64
	RemovalRate   float64
	PromoRate     float64
}

// ItemShareRow is one row of store_item_shares: blended recent/base share
// and trend for a (store, sap) pair.
type ItemShareRow struct {
	Store        string
	SAP          string
	Schedule     string
	RecentShare  float64
	BaseShare    float64
	BlendedShare float64
	Trend        float64
}

// SplitPattern tags the kind of cross-store demand split observed for an
// allocation-cache row.
type SplitPattern string

const (
	SplitSingleStore SplitPattern = "single_store"
	SplitSkewed      SplitPattern = "skewed"
	SplitEvenSplit   SplitPattern = "even_split"
	SplitVaries      SplitPattern = "varies"
)

// AllocationRow is one row of item_allocation_cache.
type AllocationRow struct {
	SAP     string
	Pattern SplitPattern
	Shares  map[string]float64 // store -> share
}

// OrdersInWindow returns orders for route within the last sinceDays days,
// optionally filtered to a schedule.
func (s *Store) OrdersInWindow(ctx context.Context, route string, sinceDays int, schedule *string) ([]domain.Order, error) {
	cutoff := time.Now().AddDate(0, 0, -sinceDays).Unix()

	query := `SELECT id, route, schedule_key, delivery_date, order_date, status, created_at, updated_at, finalized_at
	          FROM orders WHERE route = ? AND order_date >= ?`
	args := []any{route, cutoff}
	if schedule != nil {
		query += " AND schedule_key = ?"
		args = append(args, *schedule)
	}
	query += " ORDER BY delivery_date ASC"

	rows, err := s.db.Conn().QueryContext(ctx, query, args...)
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

		lines, err := s.lineItemsForOrder(ctx, o.ID)
		if err != nil {
			return nil, err
		}
		o.StoreOrders = groupLinesByStore(lines)

		out = append(out, o)
	}
	return out, rows.Err()
}

// AllOrders returns every finalized order for route (optionally scoped to
// a schedule), sorted by delivery date, with no recency window. The
// backtester needs complete history rather than OrdersInWindow's
// last-N-days slice, since a fold anchored far in the past must still see
// the orders strictly before it.
func (s *Store) AllOrders(ctx context.Context, route string, schedule *string) ([]domain.Order, error) {
	query := `SELECT id, route, schedule_key, delivery_date, order_date, status, created_at, updated_at, finalized_at
	          FROM orders WHERE route = ? AND status = 'finalized'`
	args := []any{route}
	if schedule != nil {
		query += " AND schedule_key = ?"
		args = append(args, *schedule)
	}
	query += " ORDER BY delivery_date ASC"

	rows, err := s.db.Conn().QueryContext(ctx, query, args...)
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

		lines, err := s.lineItemsForOrder(ctx, o.ID)
		if err != nil {
			return nil, err
		}
		o.StoreOrders = groupLinesByStore(lines)

		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) lineItemsForOrder(ctx context.Context, orderID string) ([]domain.LineItem, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT store, sap, units, cases, promo, forecasted_units, forecasted_cases, user_adjusted
		FROM line_items WHERE order_id = ?`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.LineItem
	for rows.Next() {
		var li domain.LineItem
		var cases, forecastedUnits, forecastedCases sql.NullInt64
		var promo, userAdjusted int
		li.Order = orderID
		if err := rows.Scan(&li.Store, &li.SAP, &li.Units, &cases, &promo, &forecastedUnits, &forecastedCases, &userAdjusted); err != nil {
			return nil, err
		}
		li.Promo = promo != 0
		li.UserAdjusted = userAdjusted != 0
		if cases.Valid {
			v := int(cases.Int64)
			li.Cases = &v
		}
		if forecastedUnits.Valid {
			v := int(forecastedUnits.Int64)
			li.ForecastedUnits = &v
		}
		if forecastedCases.Valid {
			v := int(forecastedCases.Int64)
			li.ForecastedCases = &v
		}
		out = append(out, li)
	}
	return out, rows.Err()
}

func groupLinesByStore(lines []domain.LineItem) []domain.StoreOrder {
	byStore := make(map[string][]domain.LineItem)
	var order []string
	for _, l := range lines {
		if _, ok := byStore[l.Store]; !ok {
			order = append(order, l.Store)
		}
		byStore[l.Store] = append(byStore[l.Store], l)
	}
	out := make([]domain.StoreOrder, 0, len(order))
	for _, st := range order {
		out = append(out, domain.StoreOrder{StoreID: st, Lines: byStore[st]})
	}
	return out
}

// CorrectionsUpTo loads corrections up to cutoff, grouped by
// (store, sap, schedule), emitting sample count and the derived
// derived aggregate statistics the feature builder joins on.
func (s *Store) CorrectionsUpTo(ctx context.Context, route, schedule string, cutoff time.Time) ([]CorrectionAggregate, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT store, sap, predicted_units, final_units, removed, promo
		FROM corrections
		WHERE route = ? AND schedule_key = ? AND submitted_at < ?`,
		route, schedule, cutoff.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type acc struct {
		deltas  []float64
		ratios  []float64
		removed int
		promo   int
		count   int
	}
	byKey := make(map[[2]string]*acc)
	var keyOrder [][2]string

	for rows.Next() {
		var store, sap string
		var predicted, final float64
		var removed, promo int
		if err := rows.Scan(&store, &sap, &predicted, &final, &removed, &promo); err != nil {
			return nil, err
		}
		key := [2]string{store, sap}
		a, ok := byKey[key]
		if !ok {
			a = &acc{}
			byKey[key] = a
			keyOrder = append(keyOrder, key)
		}
		a.count++
		a.deltas = append(a.deltas, final-predicted)
		var ratio float64
		if predicted == 0 {
			if final == 0 {
				ratio = 0
			} else {
				ratio = final
			}
		} else {
			ratio = final / predicted
		}
		a.ratios = append(a.ratios, ratio)
		if removed != 0 {
			a.removed++
		}
		if promo != 0 {
			a.promo++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]CorrectionAggregate, 0, len(keyOrder))
	for _, key := range keyOrder {
		a := byKey[key]
		out = append(out, CorrectionAggregate{
			Store:       key[0],
			SAP:         key[1],
			Schedule:    schedule,
			SampleCount: a.count,
			AvgDelta:    mean(a.deltas),
			AvgRatio:    mean(a.ratios),
			RatioStddev: stddev(a.ratios),
			RemovalRate: rate(a.removed, a.count),
			PromoRate:   rate(a.promo, a.count),
		})
	}
	return out, nil
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var sumSq float64
	for _, x := range xs {
		d := x - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(xs)-1))
}

func rate(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total)
}

// LastFinalizedAt returns the most recent finalized_at timestamp for a
// route, optionally scoped to a schedule, or nil if none exist.
func (s *Store) LastFinalizedAt(ctx context.Context, route string, schedule *string) (*time.Time, error) {
	query := "SELECT MAX(finalized_at) FROM orders WHERE route = ? AND status = 'finalized'"
	args := []any{route}
	if schedule != nil {
		query += " AND schedule_key = ?"
		args = append(args, *schedule)
	}
	var maxUnix sql.NullInt64
	if err := s.db.Conn().QueryRowContext(ctx, query, args...).Scan(&maxUnix); err != nil {
		return nil, err
	}
	if !maxUnix.Valid {
		return nil, nil
	}
	t := time.Unix(maxUnix.Int64, 0).UTC()
	return &t, nil
}
