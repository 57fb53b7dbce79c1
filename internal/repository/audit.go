package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	domrepo "SigGate/internal/domain/repository"
	pkgch "SigGate/pkg/clickhouse"
	applogger "SigGate/pkg/logger"
)

// CHAuditSink persists pipeline outcome rows to ClickHouse in batches.
// Rows are buffered in memory and written when the buffer reaches the batch
// size or on an explicit Flush. Write failures drop the batch after logging;
// the audit trail is observability, not a system of record.
type CHAuditSink struct {
	db        *sql.DB
	table     string
	batchSize int
	l         *applogger.Logger

	mu  sync.Mutex
	buf []domrepo.AuditRow
}

func NewCHAuditSink(ch *pkgch.Client, table string, batchSize int, l *applogger.Logger) *CHAuditSink {
	return &CHAuditSink{
		db:        ch.DB(),
		table:     table,
		batchSize: batchSize,
		l:         l,
		buf:       make([]domrepo.AuditRow, 0, batchSize),
	}
}

// Schema returns the idempotent DDL for the outcome table.
func Schema(table string) []string {
	return []string{fmt.Sprintf(`
        CREATE TABLE IF NOT EXISTS %s (
            ts             DateTime64(3),
            stage          LowCardinality(String),
            topic          LowCardinality(String),
            symbol         String,
            outcome        LowCardinality(String),
            reason         String,
            score          Float64,
            correlation_id String
        ) ENGINE = MergeTree()
        PARTITION BY toYYYYMMDD(ts)
        ORDER BY (stage, ts)
        TTL toDateTime(ts) + INTERVAL 30 DAY
    `, table)}
}

func (s *CHAuditSink) Record(ctx context.Context, row domrepo.AuditRow) error {
	s.mu.Lock()
	s.buf = append(s.buf, row)
	full := len(s.buf) >= s.batchSize
	s.mu.Unlock()
	if full {
		return s.Flush(ctx)
	}
	return nil
}

func (s *CHAuditSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.buf) == 0 {
		s.mu.Unlock()
		return nil
	}
	batch := s.buf
	s.buf = make([]domrepo.AuditRow, 0, s.batchSize)
	s.mu.Unlock()

	start := time.Now()
	values := make([]string, 0, len(batch))
	args := make([]interface{}, 0, len(batch)*8)
	for _, r := range batch {
		values = append(values, "(?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			r.Timestamp,
			r.Stage,
			r.Topic,
			r.Symbol,
			r.Outcome,
			r.Reason,
			r.Score,
			r.CorrelationID,
		)
	}
	q := fmt.Sprintf("INSERT INTO %s (ts, stage, topic, symbol, outcome, reason, score, correlation_id) VALUES %s",
		s.table, strings.Join(values, ","))
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		if s.l != nil {
			s.l.Error("audit flush failed",
				applogger.String("table", s.table),
				applogger.Int("rows", len(batch)),
				applogger.Error(err),
			)
		}
		return fmt.Errorf("audit insert: %w", err)
	}
	if s.l != nil {
		s.l.Debug("audit flush ok",
			applogger.Int("rows", len(batch)),
			applogger.Duration("duration_ms", time.Since(start)),
		)
	}
	return nil
}

func (s *CHAuditSink) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Flush(ctx)
}

var _ domrepo.AuditSink = (*CHAuditSink)(nil)
