package sink

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"

	"github.com/johnayoung/go-tradebars/internal/models"
)

// CSVHeader lists the columns written by the CSV sink. The aggressor column
// is optional.
var CSVHeader = []string{"time", "open", "high", "low", "close", "volume", "buyer_aggressor_volume"}

type csvSink struct {
	w                *csv.Writer
	closer           io.Closer
	includeAggressor bool
	wroteHeader      bool
	record           []string
}

func newCSVSink(w io.Writer, closer io.Closer, includeAggressor bool) *csvSink {
	return &csvSink{w: csv.NewWriter(w), closer: closer, includeAggressor: includeAggressor}
}

func (s *csvSink) columns() []string {
	if s.includeAggressor {
		return CSVHeader
	}
	return CSVHeader[:len(CSVHeader)-1]
}

func (s *csvSink) Write(ctx context.Context, bars []models.Bar) error {
	if !s.wroteHeader {
		if err := s.w.Write(s.columns()); err != nil {
			return newError("write", FormatCSV, "", err)
		}
		s.wroteHeader = true
	}

	for _, b := range bars {
		s.record = append(s.record[:0],
			strconv.FormatInt(b.Time, 10),
			floatStr(b.Open),
			floatStr(b.High),
			floatStr(b.Low),
			floatStr(b.Close),
			floatStr(b.Volume),
		)
		if s.includeAggressor {
			s.record = append(s.record, floatStr(b.BuyerAggressorVolume))
		}
		if err := s.w.Write(s.record); err != nil {
			return newError("write", FormatCSV, "", err)
		}
	}

	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return newError("write", FormatCSV, "", err)
	}
	return nil
}

// Close writes the header for an empty output, then closes the file.
func (s *csvSink) Close() error {
	if !s.wroteHeader {
		s.w.Write(s.columns())
		s.wroteHeader = true
	}
	s.w.Flush()
	err := s.w.Error()
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil {
			err = cerr
		}
		s.closer = nil
	}
	if err != nil {
		return newError("close", FormatCSV, "", err)
	}
	return nil
}

func floatStr(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
