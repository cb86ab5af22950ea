package relstore

import (
	"context"
	"encoding/json"
)

// StoreItemShares returns the blended demand-share rows for a route's
// schedule, feeding the store-centric forecast branch. Route scoping is
// implicit: callers join against the store set already known for the
// route, since shares are keyed by (store, sap, schedule) rather than
// route directly.
func (s *Store) StoreItemShares(ctx context.Context, route string, schedule *string) ([]ItemShareRow, error) {
	query := `SELECT store, sap, schedule_key, recent_share, base_share, blended_share, trend
	          FROM store_item_shares`
	var args []any
	if schedule != nil {
		query += " WHERE schedule_key = ?"
		args = append(args, *schedule)
	}
	query += " ORDER BY store, sap"

	rows, err := s.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ItemShareRow
	for rows.Next() {
		var r ItemShareRow
		if err := rows.Scan(&r.Store, &r.SAP, &r.Schedule, &r.RecentShare, &r.BaseShare, &r.BlendedShare, &r.Trend); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertStoreItemShare writes or updates one blended share row.
func (s *Store) UpsertStoreItemShare(ctx context.Context, r ItemShareRow, updatedAtUnix int64) error {
	_, err := s.db.Conn().ExecContext(ctx, `
		INSERT INTO store_item_shares (store, sap, schedule_key, recent_share, base_share, blended_share, trend, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(store, sap, schedule_key) DO UPDATE SET
			recent_share = excluded.recent_share,
			base_share = excluded.base_share,
			blended_share = excluded.blended_share,
			trend = excluded.trend,
			updated_at = excluded.updated_at`,
		r.Store, r.SAP, r.Schedule, r.RecentShare, r.BaseShare, r.BlendedShare, r.Trend, updatedAtUnix)
	return err
}

// ItemAllocationCache returns the cached cross-store allocation pattern
// for every SAP known on a route.
func (s *Store) ItemAllocationCache(ctx context.Context, route string) ([]AllocationRow, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT sap, pattern, shares FROM item_allocation_cache WHERE route = ? ORDER BY sap`, route)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AllocationRow
	for rows.Next() {
		var r AllocationRow
		var pattern, rawShares string
		if err := rows.Scan(&r.SAP, &pattern, &rawShares); err != nil {
			return nil, err
		}
		r.Pattern = SplitPattern(pattern)
		if err := json.Unmarshal([]byte(rawShares), &r.Shares); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertItemAllocation writes or updates one route/SAP allocation row.
func (s *Store) UpsertItemAllocation(ctx context.Context, route string, r AllocationRow, updatedAtUnix int64) error {
	rawShares, err := json.Marshal(r.Shares)
	if err != nil {
		return err
	}
	_, err = s.db.Conn().ExecContext(ctx, `
		INSERT INTO item_allocation_cache (route, sap, pattern, shares, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(route, sap) DO UPDATE SET
			pattern = excluded.pattern,
			shares = excluded.shares,
			updated_at = excluded.updated_at`,
		route, r.SAP, string(r.Pattern), string(rawShares), updatedAtUnix)
	return err
}
