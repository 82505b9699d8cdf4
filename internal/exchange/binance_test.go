package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/johnayoung/go-tradebars/internal/errors"
	"github.com/johnayoung/go-tradebars/internal/models"
)

const (
	hourMs      = int64(3600000)
	testStartMs = int64(1704067200000) // 2024-01-01 00:00:00 UTC
)

// binanceKlines serves hourly klines from testStartMs, honoring startTime,
// endTime and limit the way the real endpoint does.
func binanceKlines(count int, calls *int32) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		q := r.URL.Query()
		start, _ := strconv.ParseInt(q.Get("startTime"), 10, 64)
		end, _ := strconv.ParseInt(q.Get("endTime"), 10, 64)
		limit, _ := strconv.Atoi(q.Get("limit"))

		rows := [][]interface{}{}
		for i := 0; i < count && len(rows) < limit; i++ {
			open := testStartMs + int64(i)*hourMs
			if open < start || open > end {
				continue
			}
			price := strconv.Itoa(100 + i)
			rows = append(rows, []interface{}{
				open, price, strconv.Itoa(102 + i), strconv.Itoa(99 + i), price, "10",
				open + hourMs - 1, "1000", 42, "4", "400", "0",
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rows)
	}
}

func hourlyRequest(hours int) KlineRequest {
	start := time.UnixMilli(testStartMs).UTC()
	return KlineRequest{
		Pair:     "btcusdt",
		PairType: models.PairTypeSpot,
		Interval: models.Interval1h,
		Start:    start,
		End:      start.Add(time.Duration(hours) * time.Hour),
	}
}

func TestNewBinanceAdapter(t *testing.T) {
	adapter := NewBinanceAdapter(createTestClient())
	assert.Equal(t, DefaultBinanceSpotAPI, adapter.spotURL)
	assert.Equal(t, DefaultBinanceUMAPI, adapter.umURL)
	assert.Equal(t, DefaultBinanceCMAPI, adapter.cmURL)
	assert.Equal(t, 1000, adapter.limit)
}

func TestBinanceAdapter_FetchKlines(t *testing.T) {
	ctx := context.Background()

	t.Run("paginates until the range is covered", func(t *testing.T) {
		var calls int32
		server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
			"/api/v3/klines": binanceKlines(10, &calls),
		})
		defer server.Close()

		adapter := NewBinanceAdapter(createTestClient())
		adapter.spotURL = server.URL
		adapter.limit = 2

		bars, err := adapter.FetchKlines(ctx, hourlyRequest(5))
		require.NoError(t, err)
		require.Len(t, bars, 5)
		for i, bar := range bars {
			assert.Equal(t, testStartMs+int64(i)*hourMs, bar.Time)
			assert.Equal(t, float64(100+i), bar.Open)
			assert.Equal(t, 10.0, bar.Volume)
			assert.Equal(t, 4.0, bar.BuyerAggressorVolume)
		}
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("sends symbol and interval", func(t *testing.T) {
		var query map[string]string
		server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
			"/api/v3/klines": func(w http.ResponseWriter, r *http.Request) {
				query = map[string]string{}
				for k := range r.URL.Query() {
					query[k] = r.URL.Query().Get(k)
				}
				w.Write([]byte("[]"))
			},
		})
		defer server.Close()

		adapter := NewBinanceAdapter(createTestClient())
		adapter.spotURL = server.URL

		bars, err := adapter.FetchKlines(ctx, hourlyRequest(2))
		require.NoError(t, err)
		assert.Empty(t, bars)
		assert.Equal(t, "BTCUSDT", query["symbol"])
		assert.Equal(t, "1h", query["interval"])
		assert.Equal(t, strconv.FormatInt(testStartMs, 10), query["startTime"])
		assert.Equal(t, strconv.FormatInt(testStartMs+2*hourMs-1, 10), query["endTime"])
		assert.Equal(t, "1000", query["limit"])
	})

	t.Run("futures endpoints", func(t *testing.T) {
		var umCalls, cmCalls int32
		server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
			"/fapi/v1/klines": binanceKlines(3, &umCalls),
			"/dapi/v1/klines": binanceKlines(3, &cmCalls),
		})
		defer server.Close()

		adapter := NewBinanceAdapter(createTestClient())
		adapter.umURL = server.URL
		adapter.cmURL = server.URL

		req := hourlyRequest(3)
		req.PairType = models.PairTypeFutures

		req.FuturesType = models.FuturesTypeUM
		bars, err := adapter.FetchKlines(ctx, req)
		require.NoError(t, err)
		assert.Len(t, bars, 3)

		req.FuturesType = models.FuturesTypeCM
		bars, err = adapter.FetchKlines(ctx, req)
		require.NoError(t, err)
		assert.Len(t, bars, 3)

		assert.Equal(t, int32(1), atomic.LoadInt32(&umCalls))
		assert.Equal(t, int32(1), atomic.LoadInt32(&cmCalls))

		req.FuturesType = models.FuturesTypeNone
		_, err = adapter.FetchKlines(ctx, req)
		var ve *models.ValidationError
		require.True(t, errors.As(err, &ve))
		assert.Equal(t, "futures_type", ve.Field)
	})

	t.Run("drops bars outside the range", func(t *testing.T) {
		server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
			"/api/v3/klines": func(w http.ResponseWriter, r *http.Request) {
				rows := [][]interface{}{
					{testStartMs - hourMs, "1", "1", "1", "1", "1", 0, "0", 0, "0", "0", "0"},
					{testStartMs, "1", "1", "1", "1", "1", 0, "0", 0, "0", "0", "0"},
					{testStartMs + hourMs, "1", "1", "1", "1", "1", 0, "0", 0, "0", "0", "0"},
				}
				json.NewEncoder(w).Encode(rows)
			},
		})
		defer server.Close()

		adapter := NewBinanceAdapter(createTestClient())
		adapter.spotURL = server.URL

		bars, err := adapter.FetchKlines(ctx, hourlyRequest(1))
		require.NoError(t, err)
		require.Len(t, bars, 1)
		assert.Equal(t, testStartMs, bars[0].Time)
	})

	t.Run("retries rate limiting", func(t *testing.T) {
		var calls int32
		ok := binanceKlines(2, new(int32))
		server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
			"/api/v3/klines": func(w http.ResponseWriter, r *http.Request) {
				if atomic.AddInt32(&calls, 1) == 1 {
					w.WriteHeader(http.StatusTooManyRequests)
					return
				}
				ok(w, r)
			},
		})
		defer server.Close()

		adapter := NewBinanceAdapter(createTestClient())
		adapter.spotURL = server.URL

		bars, err := adapter.FetchKlines(ctx, hourlyRequest(2))
		require.NoError(t, err)
		assert.Len(t, bars, 2)
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	})

	t.Run("bad symbol is not retried", func(t *testing.T) {
		var calls int32
		server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
			"/api/v3/klines": func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
			},
		})
		defer server.Close()

		adapter := NewBinanceAdapter(createTestClient())
		adapter.spotURL = server.URL

		_, err := adapter.FetchKlines(ctx, hourlyRequest(2))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Invalid symbol.")
		assert.Equal(t, apperrors.ErrorTypeBadRequest, apperrors.GetErrorType(err))
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("malformed row", func(t *testing.T) {
		server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
			"/api/v3/klines": func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`[[1704067200000, "abc"]]`))
			},
		})
		defer server.Close()

		adapter := NewBinanceAdapter(createTestClient())
		adapter.spotURL = server.URL

		_, err := adapter.FetchKlines(ctx, hourlyRequest(2))
		assert.Error(t, err)
	})

	t.Run("invalid request", func(t *testing.T) {
		adapter := NewBinanceAdapter(createTestClient())
		req := hourlyRequest(2)
		req.End = req.Start
		_, err := adapter.FetchKlines(ctx, req)
		assert.Error(t, err)
	})
}
