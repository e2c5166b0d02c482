package pg

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/quantfabric/marketbeat/internal/store"
)

// ListedInfoStore implements store.ListedInfoStore backed by Postgres with
// upsert-on-conflict on (date, code), so duplicate fires from at-least-once
// delivery converge instead of erroring.
type ListedInfoStore struct {
	db *sqlx.DB
}

func NewListedInfoStore(db *sqlx.DB) *ListedInfoStore {
	return &ListedInfoStore{db: db}
}

func (p *ListedInfoStore) UpsertBatch(ctx context.Context, rows []store.ListedInfo) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin upsert tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO listed_info (date, code, company_name, company_name_en, market, sector, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (date, code) DO UPDATE SET
			company_name    = EXCLUDED.company_name,
			company_name_en = EXCLUDED.company_name_en,
			market          = EXCLUDED.market,
			sector          = EXCLUDED.sector,
			updated_at      = EXCLUDED.updated_at`)
	if err != nil {
		return 0, fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	saved := 0
	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx,
			r.Date, r.Code, r.CompanyName, r.CompanyNameEN, r.Market, r.Sector, r.UpdatedAt,
		); err != nil {
			return 0, fmt.Errorf("upsert listed_info (%s, %s): %w",
				r.Date.Format("2006-01-02"), r.Code, err)
		}
		saved++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit upsert: %w", err)
	}
	return saved, nil
}
