package sink

import (
	"bufio"
	"context"
	"io"

	"github.com/bytedance/sonic"

	"github.com/johnayoung/go-tradebars/internal/models"
)

// barNoAggressor is the JSON shape of a bar without the aggressor column.
type barNoAggressor struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// jsonSink writes one JSON object per line.
type jsonSink struct {
	buf              *bufio.Writer
	enc              sonic.Encoder
	closer           io.Closer
	includeAggressor bool
}

func newJSONSink(w io.Writer, closer io.Closer, includeAggressor bool) *jsonSink {
	buf := bufio.NewWriter(w)
	return &jsonSink{
		buf:              buf,
		enc:              sonic.ConfigStd.NewEncoder(buf),
		closer:           closer,
		includeAggressor: includeAggressor,
	}
}

func (s *jsonSink) Write(ctx context.Context, bars []models.Bar) error {
	for _, b := range bars {
		var v interface{} = b
		if !s.includeAggressor {
			v = barNoAggressor{Time: b.Time, Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume}
		}
		if err := s.enc.Encode(v); err != nil {
			return newError("write", FormatJSON, "", err)
		}
	}
	if err := s.buf.Flush(); err != nil {
		return newError("write", FormatJSON, "", err)
	}
	return nil
}

func (s *jsonSink) Close() error {
	err := s.buf.Flush()
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil {
			err = cerr
		}
		s.closer = nil
	}
	if err != nil {
		return newError("close", FormatJSON, "", err)
	}
	return nil
}
