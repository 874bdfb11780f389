package stats

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/clp-proxy/clp/internal/usage"
)

//go:embed schema.sql
var schemaSQL string

// Row is one completed request's usage accounting.
type Row struct {
	ID         int64
	Service    string
	Channel    string
	Model      string
	StatusCode int
	DurationMs int64
	Usage      usage.Totals
	Blocked    bool
	CreatedAt  time.Time
}

// Summary aggregates usage over a window.
type Summary struct {
	Requests     int64
	InputTokens  int64
	CachedCreate int64
	CachedRead   int64
	OutputTokens int64
	Reasoning    int64
	TotalTokens  int64
}

// ChannelUsage is the per-upstream breakdown.
type ChannelUsage struct {
	Channel string
	Summary
}

// ModelUsage is the per-model breakdown.
type ModelUsage struct {
	Model string
	Summary
}

// Store persists per-request usage rows in data/clp_stats.db. The request
// log keeps full exchanges; this table exists for cheap aggregation.
type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Insert records one finished request.
func (s *Store) Insert(ctx context.Context, r *Row) error {
	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_log (service, channel, model, status_code, duration_ms,
			input_tokens, cached_create_tokens, cached_read_tokens, output_tokens,
			reasoning_tokens, total_tokens, blocked, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Service, r.Channel, r.Model, r.StatusCode, r.DurationMs,
		r.Usage.Input, r.Usage.CachedCreate, r.Usage.CachedRead, r.Usage.Output,
		r.Usage.Reasoning, r.Usage.Total, boolInt(r.Blocked), created.Unix())
	return err
}

// ServiceSummary aggregates one service's usage since the given time.
func (s *Store) ServiceSummary(ctx context.Context, service string, since time.Time) (Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens),0), COALESCE(SUM(cached_create_tokens),0),
			COALESCE(SUM(cached_read_tokens),0), COALESCE(SUM(output_tokens),0),
			COALESCE(SUM(reasoning_tokens),0), COALESCE(SUM(total_tokens),0)
		FROM usage_log WHERE service = ? AND created_at >= ?`,
		service, since.Unix())

	var sum Summary
	err := row.Scan(&sum.Requests, &sum.InputTokens, &sum.CachedCreate, &sum.CachedRead,
		&sum.OutputTokens, &sum.Reasoning, &sum.TotalTokens)
	return sum, err
}

// ChannelBreakdown returns per-upstream usage for a service, busiest first.
func (s *Store) ChannelBreakdown(ctx context.Context, service string, since time.Time) ([]ChannelUsage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel, COUNT(*), COALESCE(SUM(input_tokens),0), COALESCE(SUM(cached_create_tokens),0),
			COALESCE(SUM(cached_read_tokens),0), COALESCE(SUM(output_tokens),0),
			COALESCE(SUM(reasoning_tokens),0), COALESCE(SUM(total_tokens),0)
		FROM usage_log WHERE service = ? AND created_at >= ?
		GROUP BY channel ORDER BY SUM(total_tokens) DESC`,
		service, since.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChannelUsage
	for rows.Next() {
		var c ChannelUsage
		if err := rows.Scan(&c.Channel, &c.Requests, &c.InputTokens, &c.CachedCreate,
			&c.CachedRead, &c.OutputTokens, &c.Reasoning, &c.TotalTokens); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ModelBreakdown returns per-model usage for a service, busiest first.
func (s *Store) ModelBreakdown(ctx context.Context, service string, since time.Time) ([]ModelUsage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT model, COUNT(*), COALESCE(SUM(input_tokens),0), COALESCE(SUM(cached_create_tokens),0),
			COALESCE(SUM(cached_read_tokens),0), COALESCE(SUM(output_tokens),0),
			COALESCE(SUM(reasoning_tokens),0), COALESCE(SUM(total_tokens),0)
		FROM usage_log WHERE service = ? AND created_at >= ? AND model != ''
		GROUP BY model ORDER BY SUM(total_tokens) DESC`,
		service, since.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ModelUsage
	for rows.Next() {
		var m ModelUsage
		if err := rows.Scan(&m.Model, &m.Requests, &m.InputTokens, &m.CachedCreate,
			&m.CachedRead, &m.OutputTokens, &m.Reasoning, &m.TotalTokens); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Purge removes rows older than before; returns the number deleted.
func (s *Store) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM usage_log WHERE created_at < ?", before.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
