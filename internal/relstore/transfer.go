package relstore

import (
	"context"
	"time"

	"github.com/routespark/core/internal/domain"
)

// TransferPatternsForRoutes returns every prior user-created transfer
// pattern whose from_route is among routes, feeding the transfer
// planner's "only emit what a user has exercised before" rule.
func (s *Store) TransferPatternsForRoutes(ctx context.Context, routes []string) ([]domain.TransferPattern, error) {
	if len(routes) == 0 {
		return nil, nil
	}
	placeholders := make([]any, len(routes))
	query := "SELECT from_route, to_route, sap FROM transfer_patterns WHERE from_route IN ("
	for i, r := range routes {
		if i > 0 {
			query += ","
		}
		query += "?"
		placeholders[i] = r
	}
	query += ")"

	rows, err := s.db.Conn().QueryContext(ctx, query, placeholders...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TransferPattern
	for rows.Next() {
		var p domain.TransferPattern
		if err := rows.Scan(&p.FromRoute, &p.ToRoute, &p.SAP); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecordTransferPattern upserts a user-created (from_route, to_route, sap)
// pairing, establishing it as eligible for future automatic suggestion.
func (s *Store) RecordTransferPattern(ctx context.Context, p domain.TransferPattern, now time.Time) error {
	_, err := s.db.Conn().ExecContext(ctx, `
		INSERT INTO transfer_patterns (from_route, to_route, sap, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(from_route, to_route, sap) DO NOTHING`,
		p.FromRoute, p.ToRoute, p.SAP, now.Unix())
	return err
}
