package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/quantrush/invest-engine/internal/model"
)

// PostgresArchive implements ResultArchive using PostgreSQL. Standings are
// append-only rows; monetary values are stored as NUMERIC for exact
// decimal precision.
type PostgresArchive struct {
	pool *pgxpool.Pool
}

// NewPostgresArchive creates a PostgreSQL-backed result archive.
func NewPostgresArchive(pool *pgxpool.Pool) *PostgresArchive {
	return &PostgresArchive{pool: pool}
}

func (a *PostgresArchive) InsertResults(ctx context.Context, channelID string, settledAt time.Time, results []model.GameResult) error {
	for _, r := range results {
		_, err := a.pool.Exec(ctx,
			`INSERT INTO game_results (id, channel_id, user_id, user_name, profit, profit_rate, settled_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7)`,
			uuid.New().String(), channelID, r.UserID, r.UserName,
			r.Profit.String(), r.ProfitRate.String(), settledAt,
		)
		if err != nil {
			return fmt.Errorf("archive result for user %d: %w", r.UserID, err)
		}
	}
	return nil
}

func (a *PostgresArchive) ListResultsByUser(ctx context.Context, userID int64) ([]ArchivedResult, error) {
	rows, err := a.pool.Query(ctx,
		`SELECT id, channel_id, user_id, user_name,
		        profit::TEXT, profit_rate::TEXT, settled_at
		 FROM game_results WHERE user_id = $1 ORDER BY settled_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ArchivedResult
	for rows.Next() {
		var ar ArchivedResult
		var profitS, rateS string
		if err := rows.Scan(&ar.ID, &ar.ChannelID, &ar.Result.UserID, &ar.Result.UserName,
			&profitS, &rateS, &ar.SettledAt); err != nil {
			return nil, err
		}
		ar.Result.Profit, _ = decimal.NewFromString(profitS)
		ar.Result.ProfitRate, _ = decimal.NewFromString(rateS)
		results = append(results, ar)
	}
	return results, rows.Err()
}
