package exchange

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/johnayoung/go-tradebars/internal/models"
)

const (
	DefaultBinanceSpotAPI = "https://api.binance.com"
	DefaultBinanceUMAPI   = "https://fapi.binance.com"
	DefaultBinanceCMAPI   = "https://dapi.binance.com"
)

// binanceAggressorIdx is the taker buy base asset volume column.
const binanceAggressorIdx = 9

// BinanceAdapter pages through the Binance spot, USD-M and COIN-M kline
// endpoints.
type BinanceAdapter struct {
	client  *Client
	spotURL string
	umURL   string
	cmURL   string
	limit   int
}

// NewBinanceAdapter creates an adapter using the client's configured hosts.
func NewBinanceAdapter(client *Client) *BinanceAdapter {
	cfg := client.Config()
	return &BinanceAdapter{
		client:  client,
		spotURL: orDefault(cfg.BinanceSpotAPI, DefaultBinanceSpotAPI),
		umURL:   orDefault(cfg.BinanceUMAPI, DefaultBinanceUMAPI),
		cmURL:   orDefault(cfg.BinanceCMAPI, DefaultBinanceCMAPI),
		limit:   pageLimit(cfg.KlineLimit),
	}
}

// FetchKlines returns the bars opening in [req.Start, req.End).
func (b *BinanceAdapter) FetchKlines(ctx context.Context, req KlineRequest) ([]models.Bar, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	endpoint, err := b.endpoint(req)
	if err != nil {
		return nil, err
	}

	symbol := models.NormalizePair(req.Pair)
	start, end := req.Start.UnixMilli(), req.End.UnixMilli()

	var bars []models.Bar
	for cursor := start; cursor < end; {
		page, err := b.fetchPage(ctx, endpoint, symbol, req.Interval, cursor, end-1)
		if err != nil {
			return nil, fmt.Errorf("binance klines %s %s: %w", symbol, req.Interval, err)
		}
		if len(page) == 0 {
			break
		}
		bars = append(bars, page...)

		b.client.logger.Debug("fetched kline page",
			"exchange", models.ExchangeBinance,
			"pair", symbol,
			"interval", req.Interval,
			"rows", len(page),
			"cursor", cursor)

		if len(page) < b.limit {
			break
		}
		cursor = page[len(page)-1].Time + 1
	}

	return filterRange(sortDedupe(bars), req.Start, req.End), nil
}

func (b *BinanceAdapter) endpoint(req KlineRequest) (string, error) {
	switch req.PairType {
	case models.PairTypeSpot:
		return strings.TrimRight(b.spotURL, "/") + "/api/v3/klines", nil
	case models.PairTypeFutures:
		switch req.FuturesType {
		case models.FuturesTypeUM:
			return strings.TrimRight(b.umURL, "/") + "/fapi/v1/klines", nil
		case models.FuturesTypeCM:
			return strings.TrimRight(b.cmURL, "/") + "/dapi/v1/klines", nil
		}
		return "", &models.ValidationError{Field: "futures_type", Message: "futures type (um or cm) is required for binance futures"}
	}
	return "", &models.ValidationError{Field: "type", Message: fmt.Sprintf("unsupported pair type %q", req.PairType)}
}

func (b *BinanceAdapter) fetchPage(ctx context.Context, endpoint, symbol string, interval models.KlineInterval, startMs, endMs int64) ([]models.Bar, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", string(interval))
	params.Set("startTime", strconv.FormatInt(startMs, 10))
	params.Set("endTime", strconv.FormatInt(endMs, 10))
	params.Set("limit", strconv.Itoa(b.limit))

	var rows [][]interface{}
	if err := b.client.GetJSON(ctx, ComponentKlines, endpoint+"?"+params.Encode(), &rows); err != nil {
		return nil, err
	}

	bars := make([]models.Bar, 0, len(rows))
	for _, row := range rows {
		bar, err := mapKlineRow(row, binanceAggressorIdx)
		if err != nil {
			return nil, err
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
