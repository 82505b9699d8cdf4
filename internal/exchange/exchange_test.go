package exchange

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/johnayoung/go-tradebars/internal/config"
	apperrors "github.com/johnayoung/go-tradebars/internal/errors"
	"github.com/johnayoung/go-tradebars/internal/models"
)

// Test utilities
func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func createTestClient() *Client {
	cfg := config.DefaultConfig()
	cfg.Exchange.RateLimit = 0
	handling := config.ErrorHandlingConfig{
		GlobalRetryPolicy: config.RetryPolicyConfig{
			MaxAttempts:     3,
			InitialDelay:    "1ms",
			MaxDelay:        "5ms",
			BackoffStrategy: "fixed",
		},
	}
	classifier := apperrors.NewErrorClassifier(handling, createTestLogger())
	return NewClient(cfg.Exchange, classifier, createTestLogger())
}

func createMockServer(responses map[string]func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, exists := responses[r.URL.Path]; exists {
			handler(w, r)
		} else {
			http.NotFound(w, r)
		}
	}))
}

func TestArchiveResolver(t *testing.T) {
	day := time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)
	resolver := NewArchiveResolver()

	tests := []struct {
		name     string
		req      ArchiveRequest
		url      string
		checksum string
		file     string
		comp     Compression
	}{
		{
			name:     "binance spot daily",
			req:      ArchiveRequest{Exchange: models.ExchangeBinance, Pair: "btcusdt", PairType: models.PairTypeSpot, Period: models.PeriodDaily, Date: day},
			url:      "https://data.binance.vision/data/spot/daily/trades/BTCUSDT/BTCUSDT-trades-2024-03-09.zip",
			checksum: "https://data.binance.vision/data/spot/daily/trades/BTCUSDT/BTCUSDT-trades-2024-03-09.zip.CHECKSUM",
			file:     "BTCUSDT-trades-2024-03-09.csv",
			comp:     CompressionZip,
		},
		{
			name:     "binance um futures monthly",
			req:      ArchiveRequest{Exchange: models.ExchangeBinance, Pair: "ETHUSDT", PairType: models.PairTypeFutures, FuturesType: models.FuturesTypeUM, Period: models.PeriodMonthly, Date: day},
			url:      "https://data.binance.vision/data/futures/um/monthly/trades/ETHUSDT/ETHUSDT-trades-2024-03.zip",
			checksum: "https://data.binance.vision/data/futures/um/monthly/trades/ETHUSDT/ETHUSDT-trades-2024-03.zip.CHECKSUM",
			file:     "ETHUSDT-trades-2024-03.csv",
			comp:     CompressionZip,
		},
		{
			name:     "binance cm futures daily",
			req:      ArchiveRequest{Exchange: models.ExchangeBinance, Pair: "BTCUSD_PERP", PairType: models.PairTypeFutures, FuturesType: models.FuturesTypeCM, Period: models.PeriodDaily, Date: day},
			url:      "https://data.binance.vision/data/futures/cm/daily/trades/BTCUSD_PERP/BTCUSD_PERP-trades-2024-03-09.zip",
			checksum: "https://data.binance.vision/data/futures/cm/daily/trades/BTCUSD_PERP/BTCUSD_PERP-trades-2024-03-09.zip.CHECKSUM",
			file:     "BTCUSD_PERP-trades-2024-03-09.csv",
			comp:     CompressionZip,
		},
		{
			name: "bybit futures daily",
			req:  ArchiveRequest{Exchange: models.ExchangeBybit, Pair: "BTCUSDT", PairType: models.PairTypeFutures, Period: models.PeriodDaily, Date: day},
			url:  "https://public.bybit.com/trading/BTCUSDT/BTCUSDT2024-03-09.csv.gz",
			file: "BTCUSDT2024-03-09.csv",
			comp: CompressionGzip,
		},
		{
			name: "bybit spot daily",
			req:  ArchiveRequest{Exchange: models.ExchangeBybit, Pair: "ethusdt", PairType: models.PairTypeSpot, Period: models.PeriodDaily, Date: day},
			url:  "https://public.bybit.com/spot/ETHUSDT/ETHUSDT_2024-03-09.csv.gz",
			file: "ETHUSDT_2024-03-09.csv",
			comp: CompressionGzip,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			archive, err := resolver.Resolve(tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.url, archive.URL)
			assert.Equal(t, tt.checksum, archive.ChecksumURL)
			assert.Equal(t, tt.file, archive.FileName)
			assert.Equal(t, tt.comp, archive.Compression)
		})
	}

	t.Run("custom host", func(t *testing.T) {
		r := &ArchiveResolver{BinanceBaseURL: "http://mirror.local/", BybitBaseURL: "http://bybit.local"}
		archive, err := r.Resolve(tests[0].req)
		require.NoError(t, err)
		assert.Equal(t, "http://mirror.local/data/spot/daily/trades/BTCUSDT/BTCUSDT-trades-2024-03-09.zip", archive.URL)
	})
}

func TestArchiveResolver_Errors(t *testing.T) {
	day := time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)
	resolver := NewArchiveResolver()

	tests := []struct {
		name  string
		req   ArchiveRequest
		field string
	}{
		{"binance futures without type", ArchiveRequest{Exchange: models.ExchangeBinance, Pair: "BTCUSDT", PairType: models.PairTypeFutures, Period: models.PeriodDaily, Date: day}, "futures_type"},
		{"bybit monthly futures", ArchiveRequest{Exchange: models.ExchangeBybit, Pair: "BTCUSDT", PairType: models.PairTypeFutures, Period: models.PeriodMonthly, Date: day}, "period"},
		{"missing pair", ArchiveRequest{Exchange: models.ExchangeBinance, PairType: models.PairTypeSpot, Period: models.PeriodDaily, Date: day}, "pair"},
		{"missing date", ArchiveRequest{Exchange: models.ExchangeBinance, Pair: "BTCUSDT", PairType: models.PairTypeSpot, Period: models.PeriodDaily}, "date"},
		{"unknown exchange", ArchiveRequest{Exchange: "kraken", Pair: "BTCUSDT", PairType: models.PairTypeSpot, Period: models.PeriodDaily, Date: day}, "exchange"},
		{"unknown type", ArchiveRequest{Exchange: models.ExchangeBybit, Pair: "BTCUSDT", PairType: "margin", Period: models.PeriodDaily, Date: day}, "type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := resolver.Resolve(tt.req)
			var ve *models.ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestKlineRequest_Validate(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	valid := KlineRequest{Pair: "BTCUSDT", PairType: models.PairTypeSpot, Interval: models.Interval1h, Start: start, End: start.Add(time.Hour)}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*KlineRequest)
	}{
		{"no pair", func(r *KlineRequest) { r.Pair = "" }},
		{"bad type", func(r *KlineRequest) { r.PairType = "options" }},
		{"bad interval", func(r *KlineRequest) { r.Interval = "7m" }},
		{"no start", func(r *KlineRequest) { r.Start = time.Time{} }},
		{"end before start", func(r *KlineRequest) { r.End = r.Start }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			assert.Error(t, req.Validate())
		})
	}
}

func TestNewKlineFetcher(t *testing.T) {
	client := createTestClient()

	f, err := NewKlineFetcher(models.ExchangeBinance, client)
	require.NoError(t, err)
	assert.IsType(t, &BinanceAdapter{}, f)

	f, err = NewKlineFetcher(models.ExchangeBybit, client)
	require.NoError(t, err)
	assert.IsType(t, &BybitAdapter{}, f)

	_, err = NewKlineFetcher("kraken", client)
	assert.Error(t, err)
}

func TestClient_Get(t *testing.T) {
	t.Run("sets user agent and passes body", func(t *testing.T) {
		var agent string
		server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
			"/ok": func(w http.ResponseWriter, r *http.Request) {
				agent = r.Header.Get("User-Agent")
				w.Write([]byte("hello"))
			},
		})
		defer server.Close()

		client := createTestClient()
		var body []byte
		err := client.Get(context.Background(), ComponentKlines, server.URL+"/ok", func(resp *http.Response) error {
			var err error
			body, err = io.ReadAll(resp.Body)
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, "hello", string(body))
		assert.Equal(t, "tradebars/1.0", agent)
	})

	t.Run("404 is a status error and not retried", func(t *testing.T) {
		var calls int32
		server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
			"/missing": func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				http.Error(w, "no such key", http.StatusNotFound)
			},
		})
		defer server.Close()

		client := createTestClient()
		err := client.Get(context.Background(), ComponentDownload, server.URL+"/missing", func(*http.Response) error { return nil })
		require.Error(t, err)

		var se *apperrors.StatusError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, http.StatusNotFound, se.StatusCode)
		assert.Contains(t, se.Body, "no such key")
		assert.Equal(t, apperrors.ErrorTypeNotFound, apperrors.GetErrorType(err))
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("server errors are retried", func(t *testing.T) {
		var calls int32
		server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
			"/flaky": func(w http.ResponseWriter, r *http.Request) {
				if atomic.AddInt32(&calls, 1) < 3 {
					w.WriteHeader(http.StatusBadGateway)
					return
				}
				w.Write([]byte(`{"ok":true}`))
			},
		})
		defer server.Close()

		client := createTestClient()
		var out struct {
			OK bool `json:"ok"`
		}
		require.NoError(t, client.GetJSON(context.Background(), ComponentKlines, server.URL+"/flaky", &out))
		assert.True(t, out.OK)
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("undecodable body is not retried", func(t *testing.T) {
		var calls int32
		server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
			"/bad": func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.Write([]byte(`{"ok":`))
			},
		})
		defer server.Close()

		client := createTestClient()
		var out map[string]interface{}
		assert.Error(t, client.GetJSON(context.Background(), ComponentKlines, server.URL+"/bad", &out))
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("canceled context", func(t *testing.T) {
		client := createTestClient()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := client.Get(ctx, ComponentKlines, "http://127.0.0.1:1/", func(*http.Response) error { return nil })
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestClient_WaitForLimit(t *testing.T) {
	client := createTestClient()
	client.rateLimiter = rate.NewLimiter(0.1, 1)

	require.NoError(t, client.WaitForLimit(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.Error(t, client.WaitForLimit(ctx))
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, 7*time.Second, parseRetryAfter("7"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))

	future := time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)
	d := parseRetryAfter(future)
	assert.Greater(t, d, 50*time.Second)
	assert.LessOrEqual(t, d, time.Minute)

	past := time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat)
	assert.Equal(t, time.Duration(0), parseRetryAfter(past))
}

func TestMapKlineRow(t *testing.T) {
	t.Run("binance row", func(t *testing.T) {
		row := []interface{}{float64(1704067200000), "42000.5", "42100", "41950", "42050.25", "12.5", float64(1704070799999), "525000", float64(1000), "7.25", "304000", "0"}
		bar, err := mapKlineRow(row, binanceAggressorIdx)
		require.NoError(t, err)
		assert.Equal(t, int64(1704067200000), bar.Time)
		assert.Equal(t, 42000.5, bar.Open)
		assert.Equal(t, 42100.0, bar.High)
		assert.Equal(t, 41950.0, bar.Low)
		assert.Equal(t, 42050.25, bar.Close)
		assert.Equal(t, 12.5, bar.Volume)
		assert.Equal(t, 7.25, bar.BuyerAggressorVolume)
	})

	t.Run("string fields without aggressor", func(t *testing.T) {
		row := []interface{}{"1670608800000", "17071", "17073", "17027", "17055.5", "268611", "15.74462667"}
		bar, err := mapKlineRow(row, noAggressor)
		require.NoError(t, err)
		assert.Equal(t, int64(1670608800000), bar.Time)
		assert.Equal(t, 268611.0, bar.Volume)
		assert.Zero(t, bar.BuyerAggressorVolume)
	})

	t.Run("short row", func(t *testing.T) {
		_, err := mapKlineRow([]interface{}{"1", "2"}, noAggressor)
		assert.Error(t, err)
	})

	t.Run("non numeric", func(t *testing.T) {
		_, err := mapKlineRow([]interface{}{"1", "x", "2", "1", "1", "1"}, noAggressor)
		assert.Error(t, err)
	})

	t.Run("inconsistent bar", func(t *testing.T) {
		_, err := mapKlineRow([]interface{}{"1", "10", "5", "9", "10", "1"}, noAggressor)
		assert.Error(t, err)
	})
}

func TestSortDedupe(t *testing.T) {
	bars := []models.Bar{{Time: 3}, {Time: 1, Open: 1}, {Time: 2}, {Time: 1, Open: 2}, {Time: 3}}
	out := sortDedupe(bars)
	require.Len(t, out, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{out[0].Time, out[1].Time, out[2].Time})
	assert.Equal(t, 1.0, out[0].Open)
}
