package relstore

import (
	"context"
	"database/sql"
)

// CasePacks returns the case-pack size for every SAP in the product
// catalog. SAPs absent from the catalog default to 1 at the point of use.
func (s *Store) CasePacks(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `SELECT sap, case_pack FROM product_catalog`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var sap string
		var pack int
		if err := rows.Scan(&sap, &pack); err != nil {
			return nil, err
		}
		out[sap] = pack
	}
	return out, rows.Err()
}

// CasePack returns the catalog case-pack size for one SAP, defaulting to
// 1 when the SAP is not in the catalog. It satisfies the transfer
// planner's CasePackLookup seam.
func (s *Store) CasePack(ctx context.Context, sap string) (int, error) {
	var pack int
	err := s.db.Conn().QueryRowContext(ctx, `SELECT case_pack FROM product_catalog WHERE sap = ?`, sap).Scan(&pack)
	if err == sql.ErrNoRows {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	if pack <= 0 {
		pack = 1
	}
	return pack, nil
}

// UpsertCatalogItem writes or updates one product catalog row.
func (s *Store) UpsertCatalogItem(ctx context.Context, sap, name string, casePack int, updatedAtUnix int64) error {
	_, err := s.db.Conn().ExecContext(ctx, `
		INSERT INTO product_catalog (sap, name, case_pack, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(sap) DO UPDATE SET
			name = excluded.name,
			case_pack = excluded.case_pack,
			updated_at = excluded.updated_at`,
		sap, name, casePack, updatedAtUnix)
	return err
}
