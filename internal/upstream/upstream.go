// Package upstream implements the Extractor's transport to the upstream
// ERP database (spec §4.2). The teacher reaches Postgres the same way:
// database/sql with the lib/pq driver, a bounded connection pool, and a
// startup ping (internal/platform/database, services/indexer/storage.go).
// One table is assumed per model, with write_date/create_date/active
// columns following the domain-filter vocabulary in spec §4.2.
package upstream

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// Record is one raw row keyed by column name.
type Record map[string]interface{}

// Domain describes the filter predicate the Extractor asks the transport
// to apply, per spec §4.2 "Incremental watermark" and the record-id /
// date-window / archived-flag knobs from spec §6.
type Domain struct {
	WriteDateAfter  *time.Time
	CreateDateFrom  *time.Time
	CreateDateTo    *time.Time
	RecordIDs       []int64
	IncludeArchived bool
}

// SuppressesWatermark reports whether a specific id list is present, which
// per spec §4.2 suppresses the write_date watermark predicate.
func (d Domain) SuppressesWatermark() bool {
	return len(d.RecordIDs) > 0
}

// Transport is the contract the Extractor depends on. Production code
// talks to Postgres via Client below; tests substitute a fake.
type Transport interface {
	Count(ctx context.Context, model string, domain Domain) (int64, error)
	SearchRead(ctx context.Context, model string, domain Domain, fields []string, offset, limit int) ([]Record, error)
}

// FieldAccessError reports that one projected field could not be read.
// The Extractor's resilient retry loop (internal/extractor) catches this,
// drops the field, and retries.
type FieldAccessError struct {
	Field  string
	Reason string // raw driver-side reason, classified by internal/extractor
	Err    error
}

func (e *FieldAccessError) Error() string {
	return fmt.Sprintf("field %q inaccessible: %s", e.Field, e.Reason)
}

func (e *FieldAccessError) Unwrap() error { return e.Err }

var undefinedColumnPattern = regexp.MustCompile(`column "?([a-zA-Z0-9_]+)"? does not exist`)

// Client is the Postgres-backed Transport implementation.
type Client struct {
	db *sql.DB
}

// Config holds the connection parameters from spec §6's environment block.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewClient opens and pings a Postgres connection, mirroring the teacher's
// internal/platform/database.Open and services/indexer.NewStorage.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("upstream: DSN is required")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("upstream: open postgres: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("upstream: ping postgres: %w", err)
	}

	return &Client{db: db}, nil
}

// DB exposes the underlying pool for callers that need to run schema
// introspection queries (internal/schema.LoadFromPostgres) against the
// same connection the Extractor uses.
func (c *Client) DB() *sql.DB {
	return c.db
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Count implements Transport.
func (c *Client) Count(ctx context.Context, model string, domain Domain) (int64, error) {
	where, args := buildWhere(domain)
	query := fmt.Sprintf(`SELECT count(*) FROM %s%s`, quoteIdent(model), where)
	var n int64
	if err := c.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, classifyOrWrap(err)
	}
	return n, nil
}

// SearchRead implements Transport. It pages a fixed set of columns with a
// deterministic ascending-id order, matching spec §4.6 "records are
// processed in ascending-id page order."
func (c *Client) SearchRead(ctx context.Context, model string, domain Domain, fields []string, offset, limit int) ([]Record, error) {
	cols := append([]string{"id"}, fields...)
	quotedCols := make([]string, len(cols))
	for i, col := range cols {
		quotedCols[i] = quoteIdent(col)
	}
	where, args := buildWhere(domain)
	query := fmt.Sprintf(
		`SELECT %s FROM %s%s ORDER BY id ASC OFFSET %d LIMIT %d`,
		strings.Join(quotedCols, ", "), quoteIdent(model), where, offset, limit,
	)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifyOrWrap(err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		values := make([]interface{}, len(cols))
		scanTargets := make([]interface{}, len(cols))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, classifyOrWrap(err)
		}
		rec := make(Record, len(cols))
		for i, col := range cols {
			rec[col] = values[i]
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyOrWrap(err)
	}
	return out, nil
}

func buildWhere(d Domain) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	argN := 0
	next := func() int {
		argN++
		return argN
	}

	if !d.IncludeArchived {
		clauses = append(clauses, "active = true")
	}
	if d.SuppressesWatermark() {
		placeholders := make([]string, len(d.RecordIDs))
		for i, id := range d.RecordIDs {
			placeholders[i] = fmt.Sprintf("$%d", next())
			args = append(args, id)
		}
		clauses = append(clauses, fmt.Sprintf("id IN (%s)", strings.Join(placeholders, ", ")))
	} else if d.WriteDateAfter != nil {
		clauses = append(clauses, fmt.Sprintf("write_date > $%d", next()))
		args = append(args, *d.WriteDateAfter)
	}
	if d.CreateDateFrom != nil {
		clauses = append(clauses, fmt.Sprintf("create_date >= $%d", next()))
		args = append(args, *d.CreateDateFrom)
	}
	if d.CreateDateTo != nil {
		clauses = append(clauses, fmt.Sprintf("create_date <= $%d", next()))
		args = append(args, *d.CreateDateTo)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// classifyOrWrap detects an undefined-column failure and returns a
// *FieldAccessError the Extractor's retry loop understands; everything
// else passes through unchanged for the caller to treat as a transport
// failure.
func classifyOrWrap(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if m := undefinedColumnPattern.FindStringSubmatch(msg); m != nil {
		return &FieldAccessError{Field: m[1], Reason: msg, Err: err}
	}
	return err
}
