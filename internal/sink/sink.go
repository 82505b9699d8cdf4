// Package sink writes OHLCV bars to their destination. Formats share the Sink
// interface so the CLI can drain any bar iterator into CSV, JSON lines,
// Parquet, a DuckDB table or a terminal table.
package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/johnayoung/go-tradebars/internal/models"
	"github.com/johnayoung/go-tradebars/internal/resample"
)

// DefaultBatchSize is used by Drain when no positive batch size is given.
const DefaultBatchSize = 1000

// Sink receives bars in ascending time order.
type Sink interface {
	// Write persists a batch of bars.
	Write(ctx context.Context, bars []models.Bar) error

	// Close flushes buffered output and releases the destination. A sink
	// must not be used after Close.
	Close() error
}

// Format names an output format.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatJSON    Format = "json"
	FormatParquet Format = "parquet"
	FormatDuckDB  Format = "duckdb"
	FormatTable   Format = "table"
)

// ParseFormat validates s as a Format.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatJSON, FormatParquet, FormatDuckDB, FormatTable:
		return f, nil
	}
	return "", &models.ValidationError{Field: "format", Message: fmt.Sprintf("unsupported format %q (use csv, json, parquet, duckdb or table)", s)}
}

// Options tune the sinks built by New.
type Options struct {
	IncludeAggressor bool         // CSV, JSON and table only
	Table            string       // DuckDB table name
	Stdout           io.Writer    // Destination when path is empty or "-"
	Logger           *slog.Logger
}

// Error describes a failed sink operation.
type Error struct {
	Operation string
	Format    Format
	Path      string
	Err       error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("sink %s %s on %s failed: %v", e.Format, e.Operation, e.Path, e.Err)
	}
	return fmt.Sprintf("sink %s %s failed: %v", e.Format, e.Operation, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op string, format Format, path string, err error) *Error {
	return &Error{Operation: op, Format: format, Path: path, Err: err}
}

func isStdout(path string) bool {
	return path == "" || path == "-"
}

// New opens a sink of the given format at path. CSV, JSON and table write to
// opts.Stdout (os.Stdout by default) when path is empty or "-"; Parquet and
// DuckDB need a file.
func New(format Format, path string, opts Options) (Sink, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}

	switch format {
	case FormatCSV, FormatJSON, FormatTable:
		w, closer, err := openWriter(path, opts.Stdout)
		if err != nil {
			return nil, newError("open", format, path, err)
		}
		switch format {
		case FormatCSV:
			return newCSVSink(w, closer, opts.IncludeAggressor), nil
		case FormatJSON:
			return newJSONSink(w, closer, opts.IncludeAggressor), nil
		default:
			return newTableSink(w, closer, opts.IncludeAggressor), nil
		}
	case FormatParquet:
		if isStdout(path) {
			return nil, newError("open", format, path, errors.New("an output file is required"))
		}
		return NewParquetSink(path)
	case FormatDuckDB:
		if isStdout(path) {
			return nil, newError("open", format, path, errors.New("a database file is required"))
		}
		return NewDuckDBSink(context.Background(), path, opts.Table, opts.Logger)
	}
	return nil, newError("open", format, path, fmt.Errorf("unsupported format %q", format))
}

func openWriter(path string, stdout io.Writer) (io.Writer, io.Closer, error) {
	if isStdout(path) {
		return stdout, nil, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, f, nil
}

// Drain pulls bars from it and writes them to s in batches of batchSize. The
// context is checked between batches. Bars already pulled are written before
// an iterator error is returned. It returns the number of bars written.
func Drain(ctx context.Context, it resample.Iterator, s Sink, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	batch := make([]models.Bar, 0, batchSize)
	written := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.Write(ctx, batch); err != nil {
			return err
		}
		written += len(batch)
		batch = batch[:0]
		return nil
	}

	for {
		if len(batch) == 0 {
			if err := ctx.Err(); err != nil {
				return written, err
			}
		}

		bar, err := it.Next()
		if errors.Is(err, io.EOF) {
			return written, flush()
		}
		if err != nil {
			if ferr := flush(); ferr != nil {
				return written, errors.Join(err, ferr)
			}
			return written, err
		}

		batch = append(batch, bar)
		if len(batch) == batchSize {
			if err := flush(); err != nil {
				return written, err
			}
		}
	}
}
