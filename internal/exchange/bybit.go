package exchange

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/cenkalti/backoff/v4"

	"github.com/johnayoung/go-tradebars/internal/models"
)

const DefaultBybitAPI = "https://api.bybit.com"

// bybitRateLimitCode is retCode 10006, "Too many visits".
const bybitRateLimitCode = 10006

// BybitAPIError is a v5 response with a non-zero retCode.
type BybitAPIError struct {
	Code    int
	Message string
}

func (e *BybitAPIError) Error() string {
	return fmt.Sprintf("bybit api error %d: %s", e.Code, e.Message)
}

type bybitKlineResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		Category string          `json:"category"`
		Symbol   string          `json:"symbol"`
		List     [][]interface{} `json:"list"`
	} `json:"result"`
}

// BybitAdapter pages backward through the Bybit v5 kline endpoint.
type BybitAdapter struct {
	client  *Client
	baseURL string
	limit   int
}

// NewBybitAdapter creates an adapter using the client's configured host.
func NewBybitAdapter(client *Client) *BybitAdapter {
	cfg := client.Config()
	return &BybitAdapter{
		client:  client,
		baseURL: orDefault(cfg.BybitAPI, DefaultBybitAPI),
		limit:   pageLimit(cfg.KlineLimit),
	}
}

// FetchKlines returns the bars opening in [req.Start, req.End) in ascending
// order. Bybit serves newest first, so pages walk backward from req.End.
func (b *BybitAdapter) FetchKlines(ctx context.Context, req KlineRequest) ([]models.Bar, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	interval, err := b.convertInterval(req.Interval)
	if err != nil {
		return nil, err
	}
	category, err := bybitCategory(req)
	if err != nil {
		return nil, err
	}

	symbol := models.NormalizePair(req.Pair)
	start, end := req.Start.UnixMilli(), req.End.UnixMilli()

	var bars []models.Bar
	for cursor := end - 1; cursor >= start; {
		page, err := b.fetchPage(ctx, category, symbol, interval, start, cursor)
		if err != nil {
			return nil, fmt.Errorf("bybit klines %s %s: %w", symbol, req.Interval, err)
		}
		if len(page) == 0 {
			break
		}
		bars = append(bars, page...)

		oldest := page[0].Time
		for _, bar := range page[1:] {
			if bar.Time < oldest {
				oldest = bar.Time
			}
		}

		b.client.logger.Debug("fetched kline page",
			"exchange", models.ExchangeBybit,
			"pair", symbol,
			"interval", req.Interval,
			"rows", len(page),
			"cursor", cursor)

		if len(page) < b.limit || oldest <= start {
			break
		}
		cursor = oldest - 1
	}

	return filterRange(sortDedupe(bars), req.Start, req.End), nil
}

func (b *BybitAdapter) fetchPage(ctx context.Context, category, symbol, interval string, startMs, endMs int64) ([]models.Bar, error) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("start", strconv.FormatInt(startMs, 10))
	params.Set("end", strconv.FormatInt(endMs, 10))
	params.Set("limit", strconv.Itoa(b.limit))

	endpoint := strings.TrimRight(b.baseURL, "/") + "/v5/market/kline?" + params.Encode()

	var body bybitKlineResponse
	err := b.client.Get(ctx, ComponentKlines, endpoint, func(resp *http.Response) error {
		body = bybitKlineResponse{}
		if err := decodeBody(resp, &body); err != nil {
			return err
		}
		if body.RetCode != 0 {
			apiErr := &BybitAPIError{Code: body.RetCode, Message: body.RetMsg}
			if body.RetCode == bybitRateLimitCode {
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	bars := make([]models.Bar, 0, len(body.Result.List))
	for _, row := range body.Result.List {
		bar, err := mapKlineRow(row, noAggressor)
		if err != nil {
			return nil, err
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func (b *BybitAdapter) convertInterval(interval models.KlineInterval) (string, error) {
	switch interval {
	case models.Interval1m:
		return "1", nil
	case models.Interval3m:
		return "3", nil
	case models.Interval5m:
		return "5", nil
	case models.Interval15m:
		return "15", nil
	case models.Interval30m:
		return "30", nil
	case models.Interval1h:
		return "60", nil
	case models.Interval2h:
		return "120", nil
	case models.Interval4h:
		return "240", nil
	case models.Interval6h:
		return "360", nil
	case models.Interval12h:
		return "720", nil
	case models.Interval1d:
		return "D", nil
	case models.Interval1w:
		return "W", nil
	case models.Interval1M:
		return "M", nil
	default:
		return "", &models.ValidationError{Field: "interval", Message: fmt.Sprintf("interval %s is not offered by bybit", interval)}
	}
}

// bybitCategory maps spot to "spot", COIN-M futures to "inverse" and other
// futures to "linear".
func bybitCategory(req KlineRequest) (string, error) {
	switch req.PairType {
	case models.PairTypeSpot:
		return "spot", nil
	case models.PairTypeFutures:
		if req.FuturesType == models.FuturesTypeCM {
			return "inverse", nil
		}
		return "linear", nil
	}
	return "", &models.ValidationError{Field: "type", Message: fmt.Sprintf("unsupported pair type %q", req.PairType)}
}
