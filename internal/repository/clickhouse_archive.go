package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"WalletPull/internal/domain/models"
	"WalletPull/internal/domain/repository"
)

// ClickHouseArchive implements Archive for ClickHouse. Consolidated
// positions are appended for historical queries; the engine never reads
// them back on the hot path.
type ClickHouseArchive struct {
	db    *sql.DB
	table string
}

// NewClickHouseArchive creates the ClickHouse archive repository.
func NewClickHouseArchive(db *sql.DB, table string) repository.Archive {
	return &ClickHouseArchive{db: db, table: table}
}

func (a *ClickHouseArchive) ArchiveSnapshot(ctx context.Context, snap *models.WalletSnapshot) error {
	if snap == nil || len(snap.Positions) == 0 {
		return nil
	}
	// Multi-row VALUES insert to keep round-trips down; jobs top out at a
	// few hundred positions so a single chunk is the common case.
	const chunkSize = 2000
	for start := 0; start < len(snap.Positions); start += chunkSize {
		end := start + chunkSize
		if end > len(snap.Positions) {
			end = len(snap.Positions)
		}

		values := make([]string, 0, end-start)
		args := make([]interface{}, 0, (end-start)*9)
		for _, p := range snap.Positions[start:end] {
			values = append(values, "(?, ?, ?, ?, ?, ?, ?, ?, ?)")
			args = append(args,
				snap.JobID,
				snap.GeneratedAt,
				string(p.Kind),
				p.Protocol,
				p.Chain,
				p.Account,
				p.Symbol,
				p.Amount,
				p.USDValue,
			)
		}
		q := fmt.Sprintf("INSERT INTO %s (job_id, generated_at, kind, protocol, chain, account, symbol, amount, usd_value) VALUES %s",
			a.table, strings.Join(values, ","))
		if _, err := a.db.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("archive insert: %w", err)
		}
	}
	return nil
}

func (a *ClickHouseArchive) Close() error {
	return nil // connection pool owned by pkg/clickhouse client
}
