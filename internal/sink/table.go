package sink

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/johnayoung/go-tradebars/internal/models"
)

const tableTimeLayout = "2006-01-02 15:04:05"

// tableSink prints fixed-width rows for reading in a terminal.
type tableSink struct {
	w                io.Writer
	closer           io.Closer
	includeAggressor bool
	wroteHeader      bool
	rows             int
}

func newTableSink(w io.Writer, closer io.Closer, includeAggressor bool) *tableSink {
	return &tableSink{w: w, closer: closer, includeAggressor: includeAggressor}
}

func (s *tableSink) header() error {
	line := fmt.Sprintf("%-20s %-14s %-14s %-14s %-14s %-16s", "Time", "Open", "High", "Low", "Close", "Volume")
	width := 97
	if s.includeAggressor {
		line += fmt.Sprintf(" %-16s", "Buy Volume")
		width += 17
	}
	_, err := fmt.Fprintf(s.w, "%s\n%s\n", strings.TrimRight(line, " "), strings.Repeat("-", width))
	return err
}

func (s *tableSink) Write(ctx context.Context, bars []models.Bar) error {
	if !s.wroteHeader {
		if err := s.header(); err != nil {
			return newError("write", FormatTable, "", err)
		}
		s.wroteHeader = true
	}

	for _, b := range bars {
		line := fmt.Sprintf("%-20s %-14s %-14s %-14s %-14s %-16s",
			time.UnixMilli(b.Time).UTC().Format(tableTimeLayout),
			floatStr(b.Open),
			floatStr(b.High),
			floatStr(b.Low),
			floatStr(b.Close),
			floatStr(b.Volume))
		if s.includeAggressor {
			line += fmt.Sprintf(" %-16s", floatStr(b.BuyerAggressorVolume))
		}
		if _, err := fmt.Fprintln(s.w, strings.TrimRight(line, " ")); err != nil {
			return newError("write", FormatTable, "", err)
		}
	}
	s.rows += len(bars)
	return nil
}

func (s *tableSink) Close() error {
	if s.wroteHeader {
		fmt.Fprintf(s.w, "\n%d bars\n", s.rows)
	} else {
		fmt.Fprintln(s.w, "No bars")
	}
	if s.closer != nil {
		err := s.closer.Close()
		s.closer = nil
		if err != nil {
			return newError("close", FormatTable, "", err)
		}
	}
	return nil
}
