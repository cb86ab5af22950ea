package relstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/routespark/core/internal/domain"
)

// GetBandCalibration fetches the (route, schedule, interval) calibration
// row, or nil if none exists yet.
func (s *Store) GetBandCalibration(ctx context.Context, route, schedule, interval string) (*domain.BandCalibration, error) {
	row := s.db.Conn().QueryRowContext(ctx, `
		SELECT route, schedule_key, interval_name, band_scale, center_offset, observed_coverage,
		       target_coverage, under_rate, over_rate, sample_lines, fold_count, last_backtest_at, updated_at
		FROM band_calibration WHERE route = ? AND schedule_key = ? AND interval_name = ?`,
		route, schedule, interval)

	var c domain.BandCalibration
	var lastBacktestUnix, updatedUnix int64
	err := row.Scan(&c.Route, &c.Schedule, &c.Interval, &c.BandScale, &c.CenterOffset, &c.ObservedCoverage,
		&c.TargetCoverage, &c.UnderRate, &c.OverRate, &c.SampleLines, &c.FoldCount, &lastBacktestUnix, &updatedUnix)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.LastBacktestAt = time.Unix(lastBacktestUnix, 0).UTC()
	c.UpdatedAt = time.Unix(updatedUnix, 0).UTC()
	return &c, nil
}

// UpsertBandCalibration writes or updates a band calibration row.
func (s *Store) UpsertBandCalibration(ctx context.Context, c domain.BandCalibration) error {
	_, err := s.db.Conn().ExecContext(ctx, `
		INSERT INTO band_calibration
			(route, schedule_key, interval_name, band_scale, center_offset, observed_coverage,
			 target_coverage, under_rate, over_rate, sample_lines, fold_count, last_backtest_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(route, schedule_key, interval_name) DO UPDATE SET
			band_scale = excluded.band_scale,
			center_offset = excluded.center_offset,
			observed_coverage = excluded.observed_coverage,
			target_coverage = excluded.target_coverage,
			under_rate = excluded.under_rate,
			over_rate = excluded.over_rate,
			sample_lines = excluded.sample_lines,
			fold_count = excluded.fold_count,
			last_backtest_at = excluded.last_backtest_at,
			updated_at = excluded.updated_at`,
		c.Route, c.Schedule, c.Interval, c.BandScale, c.CenterOffset, c.ObservedCoverage,
		c.TargetCoverage, c.UnderRate, c.OverRate, c.SampleLines, c.FoldCount,
		c.LastBacktestAt.Unix(), c.UpdatedAt.Unix())
	return err
}

// GetSourceCalibration fetches the per-source calibration row, or nil.
func (s *Store) GetSourceCalibration(ctx context.Context, route, schedule, interval, source string) (*domain.SourceCalibration, error) {
	row := s.db.Conn().QueryRowContext(ctx, `
		SELECT route, schedule_key, interval_name, source, band_scale_mult, center_offset_units,
		       observed_coverage, target_coverage, under_rate, over_rate, line_count, updated_at
		FROM source_calibration WHERE route = ? AND schedule_key = ? AND interval_name = ? AND source = ?`,
		route, schedule, interval, source)

	var c domain.SourceCalibration
	var updatedUnix int64
	err := row.Scan(&c.Route, &c.Schedule, &c.Interval, &c.Source, &c.BandScaleMult, &c.CenterOffsetUnits,
		&c.ObservedCoverage, &c.TargetCoverage, &c.UnderRate, &c.OverRate, &c.LineCount, &updatedUnix)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.UpdatedAt = time.Unix(updatedUnix, 0).UTC()
	return &c, nil
}

// UpsertSourceCalibration writes or updates a per-source calibration row.
func (s *Store) UpsertSourceCalibration(ctx context.Context, c domain.SourceCalibration) error {
	_, err := s.db.Conn().ExecContext(ctx, `
		INSERT INTO source_calibration
			(route, schedule_key, interval_name, source, band_scale_mult, center_offset_units,
			 observed_coverage, target_coverage, under_rate, over_rate, line_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(route, schedule_key, interval_name, source) DO UPDATE SET
			band_scale_mult = excluded.band_scale_mult,
			center_offset_units = excluded.center_offset_units,
			observed_coverage = excluded.observed_coverage,
			target_coverage = excluded.target_coverage,
			under_rate = excluded.under_rate,
			over_rate = excluded.over_rate,
			line_count = excluded.line_count,
			updated_at = excluded.updated_at`,
		c.Route, c.Schedule, c.Interval, c.Source, c.BandScaleMult, c.CenterOffsetUnits,
		c.ObservedCoverage, c.TargetCoverage, c.UnderRate, c.OverRate, c.LineCount, c.UpdatedAt.Unix())
	return err
}

// GetRefreshState fetches the weekly-snapshot cadence state for a route.
func (s *Store) GetRefreshState(ctx context.Context, route string) (*domain.RefreshState, error) {
	row := s.db.Conn().QueryRowContext(ctx, `
		SELECT route, last_refreshed_at, last_status, last_fold_count, last_error
		FROM refresh_state WHERE route = ?`, route)

	var rs domain.RefreshState
	var lastRefreshedUnix int64
	err := row.Scan(&rs.Route, &lastRefreshedUnix, &rs.LastStatus, &rs.LastFoldCount, &rs.LastError)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rs.LastRefreshedAt = time.Unix(lastRefreshedUnix, 0).UTC()
	return &rs, nil
}

// UpsertRefreshState writes or updates a route's refresh state.
func (s *Store) UpsertRefreshState(ctx context.Context, rs domain.RefreshState) error {
	_, err := s.db.Conn().ExecContext(ctx, `
		INSERT INTO refresh_state (route, last_refreshed_at, last_status, last_fold_count, last_error)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(route) DO UPDATE SET
			last_refreshed_at = excluded.last_refreshed_at,
			last_status = excluded.last_status,
			last_fold_count = excluded.last_fold_count,
			last_error = excluded.last_error`,
		rs.Route, rs.LastRefreshedAt.Unix(), rs.LastStatus, rs.LastFoldCount, rs.LastError)
	return err
}

// GetPurgeCheckpoint fetches the checkpoint for a (route, delivery), or nil.
func (s *Store) GetPurgeCheckpoint(ctx context.Context, route string, delivery time.Time) (*domain.PurgeCheckpoint, error) {
	row := s.db.Conn().QueryRowContext(ctx, `
		SELECT route, delivery_date, status, event_id, details
		FROM purge_checkpoints WHERE route = ? AND delivery_date = ?`, route, delivery.Unix())

	var cp domain.PurgeCheckpoint
	var deliveryUnix int64
	var status string
	err := row.Scan(&cp.Route, &deliveryUnix, &status, &cp.EventID, &cp.Details)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cp.Delivery = time.Unix(deliveryUnix, 0).UTC()
	cp.Status = domain.PurgeCheckpointStatus(status)
	return &cp, nil
}

// SetPurgeCheckpoint writes or updates a purge checkpoint.
func (s *Store) SetPurgeCheckpoint(ctx context.Context, cp domain.PurgeCheckpoint) error {
	_, err := s.db.Conn().ExecContext(ctx, `
		INSERT INTO purge_checkpoints (route, delivery_date, status, event_id, details)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(route, delivery_date) DO UPDATE SET
			status = excluded.status,
			event_id = excluded.event_id,
			details = excluded.details`,
		cp.Route, cp.Delivery.Unix(), string(cp.Status), cp.EventID, cp.Details)
	return err
}
