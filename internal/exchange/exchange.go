// Package exchange knows where Binance and Bybit publish historical market
// data. It builds archive URLs for raw trade dumps and pages through the REST
// kline endpoints, returning normalized models.Bar values.
package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/johnayoung/go-tradebars/internal/models"
)

// KlineFetcher retrieves OHLCV bars from an exchange REST API.
//
// Implementations page through the endpoint as needed and return bars in
// ascending time order, restricted to [Start, End).
type KlineFetcher interface {
	FetchKlines(ctx context.Context, req KlineRequest) ([]models.Bar, error)
}

// KlineRequest describes a kline range query.
type KlineRequest struct {
	Pair        string
	PairType    models.PairType
	FuturesType models.FuturesType
	Interval    models.KlineInterval
	Start       time.Time
	End         time.Time
}

// Validate checks the request parameters.
func (r KlineRequest) Validate() error {
	if r.Pair == "" {
		return &models.ValidationError{Field: "pair", Message: "pair is required"}
	}
	if r.PairType != models.PairTypeSpot && r.PairType != models.PairTypeFutures {
		return &models.ValidationError{Field: "type", Message: fmt.Sprintf("unsupported pair type %q", r.PairType)}
	}
	if _, err := models.ParseKlineInterval(string(r.Interval)); err != nil {
		return err
	}
	if r.Start.IsZero() || r.End.IsZero() {
		return &models.ValidationError{Field: "start", Message: "start and end are required"}
	}
	if !r.Start.Before(r.End) {
		return &models.ValidationError{Field: "end", Message: "end must be after start"}
	}
	return nil
}

// ArchiveRequest identifies one published trade dump.
type ArchiveRequest struct {
	Exchange    models.Exchange
	Pair        string
	PairType    models.PairType
	FuturesType models.FuturesType
	Period      models.Period
	Date        time.Time
}

// Compression is the container format of an archive.
type Compression string

const (
	CompressionZip  Compression = "zip"
	CompressionGzip Compression = "gzip"
)

// Archive is a resolved download location.
type Archive struct {
	URL         string
	ChecksumURL string // empty when the exchange publishes none
	FileName    string // name of the extracted CSV
	Compression Compression
}

// NewKlineFetcher returns the fetcher for ex.
func NewKlineFetcher(ex models.Exchange, client *Client) (KlineFetcher, error) {
	switch ex {
	case models.ExchangeBinance:
		return NewBinanceAdapter(client), nil
	case models.ExchangeBybit:
		return NewBybitAdapter(client), nil
	}
	return nil, fmt.Errorf("unsupported exchange %q", ex)
}

func filterRange(bars []models.Bar, start, end time.Time) []models.Bar {
	lo, hi := start.UnixMilli(), end.UnixMilli()
	out := bars[:0]
	for _, b := range bars {
		if b.Time >= lo && b.Time < hi {
			out = append(out, b)
		}
	}
	return out
}
