package exchange

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-tradebars/internal/models"
)

const maxKlineLimit = 1000

// noAggressor marks a kline layout without taker buy volume.
const noAggressor = -1

// mapKlineRow converts [time, open, high, low, close, volume, ...] into a
// bar. aggressorIdx names the taker buy base volume column, or noAggressor.
func mapKlineRow(row []interface{}, aggressorIdx int) (models.Bar, error) {
	var bar models.Bar

	openTime, err := decimalAt(row, 0)
	if err != nil {
		return bar, err
	}
	bar.Time = openTime.IntPart()

	fields := []*float64{&bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume}
	for i, dst := range fields {
		d, err := decimalAt(row, i+1)
		if err != nil {
			return bar, err
		}
		*dst = d.InexactFloat64()
	}

	if aggressorIdx != noAggressor {
		d, err := decimalAt(row, aggressorIdx)
		if err != nil {
			return bar, err
		}
		bar.BuyerAggressorVolume = d.InexactFloat64()
	}

	if err := bar.Validate(); err != nil {
		return bar, fmt.Errorf("kline at %d: %w", bar.Time, err)
	}
	return bar, nil
}

func decimalAt(row []interface{}, i int) (decimal.Decimal, error) {
	if i >= len(row) {
		return decimal.Zero, fmt.Errorf("kline row has %d fields, need at least %d", len(row), i+1)
	}
	s, ok := jsonString(row[i])
	if !ok {
		return decimal.Zero, fmt.Errorf("kline field %d has unexpected type %T", i, row[i])
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("kline field %d: %w", i, err)
	}
	return d, nil
}

// sortDedupe orders bars by time and keeps the first bar seen per open time.
func sortDedupe(bars []models.Bar) []models.Bar {
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Time < bars[j].Time })
	out := bars[:0]
	for i, b := range bars {
		if i > 0 && b.Time == out[len(out)-1].Time {
			continue
		}
		out = append(out, b)
	}
	return out
}

func pageLimit(configured int) int {
	if configured <= 0 || configured > maxKlineLimit {
		return maxKlineLimit
	}
	return configured
}
