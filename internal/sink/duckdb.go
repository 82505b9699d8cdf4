package sink

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/marcboeker/go-duckdb/v2"

	"github.com/johnayoung/go-tradebars/internal/models"
)

// DefaultTable is the DuckDB table used when none is configured.
const DefaultTable = "bars"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// DuckDBSink appends bars to a DuckDB table through the Appender API. The
// table is created when missing; existing rows are kept.
type DuckDBSink struct {
	db       *sql.DB
	conn     *sql.Conn
	appender *duckdb.Appender
	dbPath   string
	table    string
	logger   *slog.Logger
	rows     int
}

// NewDuckDBSink opens the database at dbPath and prepares table for appends.
func NewDuckDBSink(ctx context.Context, dbPath, table string, logger *slog.Logger) (*DuckDBSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if table == "" {
		table = DefaultTable
	}
	if !tableName.MatchString(table) {
		return nil, newError("open", FormatDuckDB, dbPath, fmt.Errorf("invalid table name %q", table))
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, newError("open", FormatDuckDB, dbPath, fmt.Errorf("failed to open DuckDB database: %w", err))
	}

	// Single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &DuckDBSink{db: db, dbPath: dbPath, table: table, logger: logger}
	if err := s.initialize(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *DuckDBSink) initialize(ctx context.Context) error {
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		"time" TIMESTAMPTZ NOT NULL,
		open DOUBLE NOT NULL,
		high DOUBLE NOT NULL,
		low DOUBLE NOT NULL,
		close DOUBLE NOT NULL,
		volume DOUBLE NOT NULL,
		buyer_aggressor_volume DOUBLE NOT NULL,
		CONSTRAINT %s_ohlc_valid CHECK (high >= open AND high >= close AND low <= open AND low <= close),
		CONSTRAINT %s_volume_non_negative CHECK (volume >= 0 AND buyer_aggressor_volume >= 0)
	)`, s.table, s.table, s.table)

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return newError("initialize", FormatDuckDB, s.dbPath, fmt.Errorf("failed to create table %s: %w", s.table, err))
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return newError("initialize", FormatDuckDB, s.dbPath, fmt.Errorf("failed to get connection: %w", err))
	}

	var driverConn *duckdb.Conn
	err = conn.Raw(func(dc interface{}) error {
		var ok bool
		driverConn, ok = dc.(*duckdb.Conn)
		if !ok {
			return fmt.Errorf("underlying connection is not a DuckDB connection")
		}
		return nil
	})
	if err != nil {
		conn.Close()
		return newError("initialize", FormatDuckDB, s.dbPath, err)
	}

	appender, err := duckdb.NewAppenderFromConn(driverConn, "", s.table)
	if err != nil {
		conn.Close()
		return newError("initialize", FormatDuckDB, s.dbPath, fmt.Errorf("failed to create appender: %w", err))
	}

	s.conn = conn
	s.appender = appender
	s.logger.Debug("duckdb sink ready", "db_path", s.dbPath, "table", s.table)
	return nil
}

// Write appends bars and flushes them as one batch.
func (s *DuckDBSink) Write(ctx context.Context, bars []models.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	start := time.Now()

	for _, b := range bars {
		err := s.appender.AppendRow(
			time.UnixMilli(b.Time).UTC(),
			b.Open,
			b.High,
			b.Low,
			b.Close,
			b.Volume,
			b.BuyerAggressorVolume,
		)
		if err != nil {
			return newError("insert", FormatDuckDB, s.dbPath, fmt.Errorf("failed to append bar %s: %w", b.String(), err))
		}
	}

	if err := s.appender.Flush(); err != nil {
		return newError("insert", FormatDuckDB, s.dbPath, fmt.Errorf("failed to flush appender: %w", err))
	}
	s.rows += len(bars)

	s.logger.Debug("stored bars batch",
		"table", s.table,
		"count", len(bars),
		"duration", time.Since(start))
	return nil
}

// Close flushes the appender and closes the database.
func (s *DuckDBSink) Close() error {
	if s.db == nil {
		return nil
	}

	var err error
	if s.appender != nil {
		err = s.appender.Close()
	}
	if s.conn != nil {
		if cerr := s.conn.Close(); err == nil {
			err = cerr
		}
	}
	if cerr := s.db.Close(); err == nil {
		err = cerr
	}
	s.db = nil

	s.logger.Info("duckdb sink closed", "table", s.table, "rows", s.rows)
	if err != nil {
		return newError("close", FormatDuckDB, s.dbPath, err)
	}
	return nil
}
