package sink

import (
	"context"
	"os"

	"github.com/parquet-go/parquet-go"

	"github.com/johnayoung/go-tradebars/internal/models"
)

// ParquetSink streams bars into a Parquet file using the models.Bar schema.
type ParquetSink struct {
	path string
	file *os.File
	w    *parquet.GenericWriter[models.Bar]
}

// NewParquetSink creates (or truncates) the file at path.
func NewParquetSink(path string) (*ParquetSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, newError("open", FormatParquet, path, err)
	}
	return &ParquetSink{
		path: path,
		file: f,
		w:    parquet.NewGenericWriter[models.Bar](f),
	}, nil
}

// Write implements Sink.
func (s *ParquetSink) Write(ctx context.Context, bars []models.Bar) error {
	if _, err := s.w.Write(bars); err != nil {
		return newError("write", FormatParquet, s.path, err)
	}
	return nil
}

// Close writes the footer and closes the file.
func (s *ParquetSink) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.w.Close()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	s.file = nil
	if err != nil {
		return newError("close", FormatParquet, s.path, err)
	}
	return nil
}
