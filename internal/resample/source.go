package resample

import (
	"errors"
	"io"

	"github.com/johnayoung/go-tradebars/internal/models"
)

// SliceSource adapts an in-memory slice of trades to Source.
type SliceSource struct {
	trades []models.Trade
	pos    int
}

// NewSliceSource returns a Source over trades. The slice is not copied.
func NewSliceSource(trades []models.Trade) *SliceSource {
	return &SliceSource{trades: trades}
}

// Next implements Source.
func (s *SliceSource) Next() (models.Trade, error) {
	if s.pos >= len(s.trades) {
		return models.Trade{}, io.EOF
	}
	t := s.trades[s.pos]
	s.pos++
	return t, nil
}

// Iterator is anything that yields bars until io.EOF, such as a *Resampler.
type Iterator interface {
	Next() (models.Bar, error)
}

// Collect drains it into a slice. On error the bars produced so far are
// returned together with the error.
func Collect(it Iterator) ([]models.Bar, error) {
	var bars []models.Bar
	for {
		b, err := it.Next()
		if errors.Is(err, io.EOF) {
			return bars, nil
		}
		if err != nil {
			return bars, err
		}
		bars = append(bars, b)
	}
}

// BarSlice adapts an in-memory slice of bars to Iterator.
type BarSlice struct {
	bars []models.Bar
	pos  int
}

// NewBarSlice returns an Iterator over bars. The slice is not copied.
func NewBarSlice(bars []models.Bar) *BarSlice {
	return &BarSlice{bars: bars}
}

// Next implements Iterator.
func (s *BarSlice) Next() (models.Bar, error) {
	if s.pos >= len(s.bars) {
		return models.Bar{}, io.EOF
	}
	b := s.bars[s.pos]
	s.pos++
	return b, nil
}
