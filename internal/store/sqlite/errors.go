package sqlite

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"spikewatch/internal/model"
)

const (
	errorQueueSize  = 1024
	errorBatchSize  = 100
	errorFlushDelay = time.Second
)

type errorJob = model.ErrorRecord

var droppedErrors atomic.Int64

// RecordError enqueues one error row without blocking the caller. The
// hot paths (connections, decoders) must never wait on disk; a full
// queue drops the record and counts the drop.
func (s *Store) RecordError(rec model.ErrorRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	select {
	case s.errCh <- rec:
	default:
		if droppedErrors.Add(1)%1000 == 1 {
			s.logger.Printf("error queue full, dropped %d records so far", droppedErrors.Load())
		}
	}
}

// RunErrorWriter drains the error queue in batched transactions.
// Flushes every errorBatchSize rows or errorFlushDelay, whichever
// comes first. Blocks until ctx is canceled.
func (s *Store) RunErrorWriter(ctx context.Context) {
	batch := make([]errorJob, 0, errorBatchSize)
	timer := time.NewTimer(errorFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.insertErrors(batch); err != nil {
			s.logger.Printf("error batch insert failed: %v", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case rec := <-s.errCh:
			batch = append(batch, rec)
			if len(batch) >= errorBatchSize {
				flush()
				timer.Reset(errorFlushDelay)
			}
		case <-timer.C:
			flush()
			timer.Reset(errorFlushDelay)
		}
	}
}

func (s *Store) insertErrors(batch []errorJob) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO errors
			(timestamp, exchange, error_type, error_message, connection_id, market, symbol, stack_trace)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare errors: %w", err)
	}
	defer stmt.Close()

	for _, rec := range batch {
		if _, err := stmt.Exec(rec.Timestamp.Unix(), rec.Exchange, rec.ErrorType,
			rec.ErrorMessage, rec.ConnectionID, rec.Market, rec.Symbol, rec.StackTrace); err != nil {
			return fmt.Errorf("insert error row: %w", err)
		}
	}
	return tx.Commit()
}

// Errors reads the newest rows of the error log, for the HTTP layer.
func (s *Store) Errors(ctx context.Context, limit int) ([]model.ErrorRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, exchange, error_type, error_message, connection_id, market, symbol, stack_trace
		FROM errors ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query errors: %w", err)
	}
	defer rows.Close()

	var out []model.ErrorRecord
	for rows.Next() {
		var rec model.ErrorRecord
		var ts int64
		if err := rows.Scan(&ts, &rec.Exchange, &rec.ErrorType, &rec.ErrorMessage,
			&rec.ConnectionID, &rec.Market, &rec.Symbol, &rec.StackTrace); err != nil {
			return nil, fmt.Errorf("scan error row: %w", err)
		}
		rec.Timestamp = time.Unix(ts, 0).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}
