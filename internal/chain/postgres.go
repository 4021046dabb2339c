package chain

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/inflationmarket/risk-engine/internal/model"
)

// PostgresSource implements MarketData and PositionSource against the chain
// indexer's PostgreSQL database. The indexer mirrors on-chain position and
// oracle state into NUMERIC columns; decimals round-trip through TEXT to
// preserve exact precision.
type PostgresSource struct {
	pool *pgxpool.Pool
}

// NewPostgresSource creates an indexer-backed source.
func NewPostgresSource(pool *pgxpool.Pool) *PostgresSource {
	return &PostgresSource{pool: pool}
}

func (s *PostgresSource) GetSnapshot(ctx context.Context, instrument string) (model.MarketSnapshot, error) {
	var snap model.MarketSnapshot
	var indexPrice, markPrice, fundingIndex string

	err := s.pool.QueryRow(ctx,
		`SELECT instrument,
		        index_price::TEXT, mark_price::TEXT,
		        cumulative_funding_index::TEXT,
		        observed_at
		 FROM market_snapshots
		 WHERE instrument = $1
		 ORDER BY observed_at DESC
		 LIMIT 1`, instrument).
		Scan(&snap.Instrument, &indexPrice, &markPrice, &fundingIndex, &snap.Timestamp)
	if err != nil {
		return model.MarketSnapshot{}, fmt.Errorf("get snapshot %s: %w", instrument, err)
	}

	snap.IndexPrice, _ = decimal.NewFromString(indexPrice)
	snap.MarkPrice, _ = decimal.NewFromString(markPrice)
	snap.CumulativeFundingIndex, _ = decimal.NewFromString(fundingIndex)

	return snap, nil
}

func (s *PostgresSource) GetPosition(ctx context.Context, id string) (model.Position, error) {
	var p model.Position
	var collateral, size, leverage, entryPrice, entryFunding string

	err := s.pool.QueryRow(ctx,
		`SELECT id, instrument, direction,
		        collateral::TEXT, size::TEXT, leverage::TEXT,
		        entry_price::TEXT, entry_funding_index::TEXT,
		        opened_at
		 FROM positions
		 WHERE id = $1 AND closed_at IS NULL`, id).
		Scan(&p.ID, &p.Instrument, &p.Direction,
			&collateral, &size, &leverage,
			&entryPrice, &entryFunding,
			&p.OpenedAt)
	if err != nil {
		return model.Position{}, fmt.Errorf("get position %s: %w", id, err)
	}

	p.Collateral, _ = decimal.NewFromString(collateral)
	p.Size, _ = decimal.NewFromString(size)
	p.Leverage, _ = decimal.NewFromString(leverage)
	p.EntryPrice, _ = decimal.NewFromString(entryPrice)
	p.EntryFundingIndex, _ = decimal.NewFromString(entryFunding)

	return p, nil
}

func (s *PostgresSource) GetUserPositions(ctx context.Context, account string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM positions
		 WHERE account = $1 AND closed_at IS NULL
		 ORDER BY opened_at`, account)
	if err != nil {
		return nil, fmt.Errorf("get positions for %s: %w", account, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
