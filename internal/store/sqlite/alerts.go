package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"spikewatch/internal/model"
)

// AddAlert persists one detection: the alert row is created once per
// seven-field key, the (user, alert) link once per user. Returns the
// alert id and whether the alert row was newly created.
func (s *Store) AddAlert(ctx context.Context, a model.Alert, userID int64) (int64, bool, error) {
	var id int64
	var created bool
	err := s.execRetry(ctx, func() error {
		id = 0
		created = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback()

		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO alerts
				(ts, exchange, market, symbol, delta, wick_pct, volume_usdt, meta)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			a.TsMs, a.Exchange, a.Market, a.Symbol, a.Delta, a.WickPct, a.VolumeUSDT, a.Meta)
		if err != nil {
			return fmt.Errorf("insert alert: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			created = true
			id, _ = res.LastInsertId()
		} else {
			err = tx.QueryRowContext(ctx, `
				SELECT id FROM alerts
				WHERE ts = ? AND exchange = ? AND market = ? AND symbol = ?
					AND delta = ? AND wick_pct = ? AND volume_usdt = ?`,
				a.TsMs, a.Exchange, a.Market, a.Symbol, a.Delta, a.WickPct, a.VolumeUSDT,
			).Scan(&id)
			if err != nil {
				return fmt.Errorf("select alert id: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO user_alerts (user_id, alert_id) VALUES (?, ?)`,
			userID, id); err != nil {
			return fmt.Errorf("link alert: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, false, err
	}
	return id, created, nil
}

func alertWhere(f model.AlertFilter) (string, []any) {
	var conds []string
	var args []any
	if f.UserID > 0 {
		conds = append(conds, "ua.user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Exchange != "" {
		conds = append(conds, "a.exchange = ?")
		args = append(args, f.Exchange)
	}
	if f.Market != "" {
		conds = append(conds, "a.market = ?")
		args = append(args, f.Market)
	}
	if f.Symbol != "" {
		conds = append(conds, "a.symbol = ?")
		args = append(args, f.Symbol)
	}
	if f.Since > 0 {
		conds = append(conds, "a.ts >= ?")
		args = append(args, f.Since)
	}
	if f.Until > 0 {
		conds = append(conds, "a.ts < ?")
		args = append(args, f.Until)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func alertFrom(f model.AlertFilter) string {
	if f.UserID > 0 {
		return "alerts a JOIN user_alerts ua ON ua.alert_id = a.id"
	}
	return "alerts a"
}

// GetAlerts reads alerts newest-first under the filter.
func (s *Store) GetAlerts(ctx context.Context, f model.AlertFilter, limit, offset int) ([]model.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	where, args := alertWhere(f)
	q := `SELECT a.id, a.ts, a.exchange, a.market, a.symbol,
		a.delta, a.wick_pct, a.volume_usdt, a.meta, a.created_at
		FROM ` + alertFrom(f) + where + `
		ORDER BY a.ts DESC, a.id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []model.Alert
	for rows.Next() {
		var a model.Alert
		var createdAt int64
		if err := rows.Scan(&a.ID, &a.TsMs, &a.Exchange, &a.Market, &a.Symbol,
			&a.Delta, &a.WickPct, &a.VolumeUSDT, &a.Meta, &createdAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountAlerts counts alerts under the filter.
func (s *Store) CountAlerts(ctx context.Context, f model.AlertFilter) (int64, error) {
	where, args := alertWhere(f)
	q := "SELECT COUNT(*) FROM " + alertFrom(f) + where
	var n int64
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count alerts: %w", err)
	}
	return n, nil
}

// DeleteUserAlerts removes a user's links under the filter and garbage
// collects alert rows left without any link, in one transaction.
// Returns the number of links removed.
func (s *Store) DeleteUserAlerts(ctx context.Context, f model.AlertFilter) (int64, error) {
	if f.UserID <= 0 {
		return 0, fmt.Errorf("delete alerts: user id required")
	}
	var removed int64
	err := s.execRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback()

		where, args := alertWhere(f)
		q := `DELETE FROM user_alerts WHERE rowid IN (
			SELECT ua.rowid FROM user_alerts ua JOIN alerts a ON a.id = ua.alert_id` +
			where + `)`
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("delete links: %w", err)
		}
		removed, _ = res.RowsAffected()

		// Orphaned alert rows go with their last link.
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM alerts WHERE id NOT IN
				(SELECT DISTINCT alert_id FROM user_alerts)`); err != nil {
			return fmt.Errorf("gc orphans: %w", err)
		}
		return tx.Commit()
	})
	return removed, err
}

// AlertUsers lists the user ids linked to one alert.
func (s *Store) AlertUsers(ctx context.Context, alertID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM user_alerts WHERE alert_id = ? ORDER BY user_id`, alertID)
	if err != nil {
		return nil, fmt.Errorf("query alert users: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
