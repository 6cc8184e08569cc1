package sqlite

import (
	"context"
	"fmt"
	"time"

	"spikewatch/internal/model"
)

// UpsertExchangeStatistics replaces the snapshot rows for the given
// (exchange, market) pairs.
func (s *Store) UpsertExchangeStatistics(ctx context.Context, stats []model.ExchangeStatistics) error {
	if len(stats) == 0 {
		return nil
	}
	return s.execRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback()

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO exchange_statistics
				(exchange, market, symbols_count, ws_connections, batches_per_ws,
				 reconnects, candles_count, last_candle_time, ticks_per_second)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (exchange, market) DO UPDATE SET
				symbols_count    = excluded.symbols_count,
				ws_connections   = excluded.ws_connections,
				batches_per_ws   = excluded.batches_per_ws,
				reconnects       = excluded.reconnects,
				candles_count    = excluded.candles_count,
				last_candle_time = excluded.last_candle_time,
				ticks_per_second = excluded.ticks_per_second,
					updated_at       = strftime('%s', 'now')`)
		if err != nil {
			return fmt.Errorf("prepare stats: %w", err)
		}
		defer stmt.Close()

		for _, st := range stats {
			if _, err := stmt.ExecContext(ctx, st.Exchange, st.Market,
				st.SymbolsCount, st.WSConnections, st.BatchesPerWS,
				st.Reconnects, st.CandlesCount, st.LastCandleTime.Unix(),
				st.TicksPerSecond); err != nil {
				return fmt.Errorf("upsert stats %s/%s: %w", st.Exchange, st.Market, err)
			}
		}
		return tx.Commit()
	})
}

// ExchangeStatistics reads back every snapshot row.
func (s *Store) ExchangeStatistics(ctx context.Context) ([]model.ExchangeStatistics, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT exchange, market, symbols_count, ws_connections, batches_per_ws,
			reconnects, candles_count, last_candle_time, ticks_per_second
		FROM exchange_statistics ORDER BY exchange, market`)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	var out []model.ExchangeStatistics
	for rows.Next() {
		var st model.ExchangeStatistics
		var lastCandle int64
		if err := rows.Scan(&st.Exchange, &st.Market, &st.SymbolsCount,
			&st.WSConnections, &st.BatchesPerWS, &st.Reconnects,
			&st.CandlesCount, &lastCandle, &st.TicksPerSecond); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		st.LastCandleTime = time.Unix(lastCandle, 0).UTC()
		out = append(out, st)
	}
	return out, rows.Err()
}

// PutNormalization persists one symbol normalization mapping.
// Satisfies symbols.NormalizationStore.
func (s *Store) PutNormalization(ex model.Exchange, mkt model.Market, original, normalized string) error {
	_, err := s.db.Exec(`
		INSERT INTO symbol_normalization (exchange, market, symbol, normalized)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (exchange, market, symbol) DO UPDATE SET
			normalized = excluded.normalized,
			updated_at = strftime('%s', 'now')`,
		ex, mkt, original, normalized)
	if err != nil {
		return fmt.Errorf("put normalization: %w", err)
	}
	return nil
}

// Normalizations reads the stored mappings for one exchange and market.
func (s *Store) Normalizations(ctx context.Context, ex model.Exchange, mkt model.Market) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, normalized FROM symbol_normalization
		WHERE exchange = ? AND market = ?`, ex, mkt)
	if err != nil {
		return nil, fmt.Errorf("query normalizations: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var sym, norm string
		if err := rows.Scan(&sym, &norm); err != nil {
			return nil, err
		}
		out[sym] = norm
	}
	return out, rows.Err()
}
