// Package query runs read-only SQL over the historical store file.
//
// The store file is exposed to DuckDB as a view named snapshots with
// columns timestamp, NodeName, CPULoad, RealMemory, FreeMem and State.
// The view is rebound on every query so it always reflects the file the
// store last renamed into place.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/nodewatch/internal/errors"
	"github.com/xtxerr/nodewatch/internal/logging"
	"github.com/xtxerr/nodewatch/internal/snapshot"
)

var log = logging.Component("query")

// ViewName is the name of the view bound to the store file.
const ViewName = "snapshots"

// Service provides query capabilities over the store file.
type Service struct {
	mu sync.Mutex // serializes view rebinding with the query that uses it

	path   string
	format string
	db     *sql.DB

	stats struct {
		queries atomic.Int64
		rows    atomic.Int64
		errors  atomic.Int64
	}
}

// Stats holds query statistics.
type Stats struct {
	QueriesExecuted int64
	RowsReturned    int64
	Errors          int64
}

// NodeInfo is one row of Nodes.
type NodeInfo struct {
	Name     string    `json:"name" yaml:"name"`
	LastSeen time.Time `json:"last_seen" yaml:"last_seen"`
	Samples  int64     `json:"samples" yaml:"samples"`
}

// Result is the outcome of an ad-hoc SQL statement.
type Result struct {
	Columns []string `json:"columns" yaml:"columns"`
	Rows    [][]any  `json:"rows" yaml:"rows"`
}

// New creates a query service over the store file at path. format is the
// store codec name, "csv" or "parquet". memoryLimit is passed to DuckDB
// verbatim (for example "512MB"); empty keeps DuckDB's default.
func New(path, format, memoryLimit string) (*Service, error) {
	if path == "" {
		return nil, errors.NewMissingField("store.path")
	}
	switch format {
	case "csv", "parquet":
	default:
		return nil, fmt.Errorf("query over %q: %w", format, errors.ErrUnsupportedFormat)
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	// The view lives in the catalog of one in-memory database.
	db.SetMaxOpenConns(1)

	if memoryLimit != "" {
		if _, err := db.Exec(fmt.Sprintf("SET memory_limit='%s'", quote(memoryLimit))); err != nil {
			db.Close()
			return nil, fmt.Errorf("set memory limit: %w", err)
		}
	}

	return &Service{
		path:   path,
		format: format,
		db:     db,
	}, nil
}

// Close closes the query service.
func (s *Service) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Stats returns query statistics.
func (s *Service) Stats() Stats {
	return Stats{
		QueriesExecuted: s.stats.queries.Load(),
		RowsReturned:    s.stats.rows.Load(),
		Errors:          s.stats.errors.Load(),
	}
}

// Nodes lists the named nodes in the store with their last sample time and
// sample count, ordered by name. A missing store file yields no rows.
func (s *Service) Nodes(ctx context.Context) ([]NodeInfo, error) {
	out := []NodeInfo{}

	err := s.query(ctx, `
		SELECT NodeName, max(timestamp) AS last_seen, count(*) AS samples
		FROM snapshots
		WHERE NodeName IS NOT NULL AND NodeName <> ''
		GROUP BY NodeName
		ORDER BY NodeName
	`, nil, func(rows *sql.Rows) error {
		for rows.Next() {
			var n NodeInfo
			if err := rows.Scan(&n.Name, &n.LastSeen, &n.Samples); err != nil {
				return fmt.Errorf("scan row: %w", err)
			}
			n.LastSeen = n.LastSeen.UTC()
			out = append(out, n)
		}
		return rows.Err()
	})
	if errors.Is(err, os.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}

	s.stats.rows.Add(int64(len(out)))
	return out, nil
}

// Window returns the snapshots of node with from <= timestamp <= to,
// ascending. A zero from or to leaves that side open. A missing store file
// yields no rows.
func (s *Service) Window(ctx context.Context, node string, from, to time.Time) ([]snapshot.NodeSnapshot, error) {
	lo, hi := int64(-1<<63), int64(1<<63-1)
	if !from.IsZero() {
		lo = from.UnixMicro()
	}
	if !to.IsZero() {
		hi = to.UnixMicro()
	}

	out := []snapshot.NodeSnapshot{}

	err := s.query(ctx, `
		SELECT timestamp, NodeName, CPULoad, RealMemory, FreeMem, State
		FROM snapshots
		WHERE NodeName = ? AND epoch_us(timestamp) BETWEEN ? AND ?
		ORDER BY timestamp
	`, []any{node, lo, hi}, func(rows *sql.Rows) error {
		for rows.Next() {
			var (
				r     snapshot.NodeSnapshot
				name  sql.NullString
				state sql.NullString
			)
			if err := rows.Scan(&r.Timestamp, &name, &r.CPULoad, &r.TotalMemory, &r.FreeMemory, &state); err != nil {
				return fmt.Errorf("scan row: %w", err)
			}
			r.Timestamp = r.Timestamp.UTC()
			r.NodeName = name.String
			r.State = state.String
			if r.State == "" {
				r.State = snapshot.StateUnknown
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	if errors.Is(err, os.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}

	s.stats.rows.Add(int64(len(out)))
	return out, nil
}

// SQL runs an arbitrary statement against the snapshots view. Unlike Nodes
// and Window, a missing store file is an error wrapping ErrStoreRead.
func (s *Service) SQL(ctx context.Context, stmt string) (*Result, error) {
	res := &Result{Rows: [][]any{}}

	err := s.query(ctx, stmt, nil, func(rows *sql.Rows) error {
		columns, err := rows.Columns()
		if err != nil {
			return err
		}
		res.Columns = columns

		for rows.Next() {
			values := make([]any, len(columns))
			ptrs := make([]any, len(columns))
			for i := range values {
				ptrs[i] = &values[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return err
			}
			res.Rows = append(res.Rows, values)
		}
		return rows.Err()
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w: %w", s.path, errors.ErrStoreRead, err)
		}
		return nil, err
	}

	s.stats.rows.Add(int64(len(res.Rows)))
	return res, nil
}

// query rebinds the view and runs stmt. It returns an error wrapping
// os.ErrNotExist when the store file is absent.
func (s *Service) query(ctx context.Context, stmt string, args []any, scan func(*sql.Rows) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path); err != nil {
		return fmt.Errorf("stat store: %w", err)
	}

	start := time.Now()
	if _, err := s.db.ExecContext(ctx, s.viewSQL()); err != nil {
		s.stats.errors.Add(1)
		return fmt.Errorf("bind %s view: %w: %w", ViewName, errors.ErrStoreRead, err)
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		s.stats.errors.Add(1)
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	if err := scan(rows); err != nil {
		s.stats.errors.Add(1)
		return err
	}

	s.stats.queries.Add(1)
	log.Debug("query complete", "duration", time.Since(start))
	return nil
}

func (s *Service) viewSQL() string {
	path := quote(s.path)
	if s.format == "parquet" {
		return fmt.Sprintf(`
			CREATE OR REPLACE VIEW %s AS
			SELECT make_timestamp("timestamp") AS timestamp,
			       NodeName, CPULoad, RealMemory, FreeMem, State
			FROM read_parquet('%s')`, ViewName, path)
	}
	return fmt.Sprintf(`
		CREATE OR REPLACE VIEW %s AS
		SELECT CAST("timestamp" AS TIMESTAMP) AS timestamp,
		       NodeName,
		       CPULoad,
		       CAST(RealMemory AS BIGINT) AS RealMemory,
		       CAST(FreeMem AS BIGINT) AS FreeMem,
		       State
		FROM read_csv('%s', header = true, columns = {
			'timestamp': 'VARCHAR',
			'NodeName': 'VARCHAR',
			'CPULoad': 'DOUBLE',
			'RealMemory': 'DOUBLE',
			'FreeMem': 'DOUBLE',
			'State': 'VARCHAR'
		})`, ViewName, path)
}

func quote(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
