// Package resample turns an ordered stream of trades into fixed-interval
// OHLCV bars.
//
// The Resampler is a pull iterator: each call to Next consumes trades from the
// injected Source until a bucket closes, then returns that bucket as a
// models.Bar. It holds O(1) state and performs no I/O of its own.
package resample

import (
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/johnayoung/go-tradebars/internal/models"
)

var (
	// ErrEmptyInput is returned by Next when the source yields no trades at all.
	ErrEmptyInput = errors.New("resample: no trades in input")

	// ErrInvalidInterval is returned by New for a non-positive interval.
	ErrInvalidInterval = errors.New("resample: interval must be positive")

	// ErrTimestampRange is returned by Next for a trade whose bucket bounds
	// would not fit in int64 milliseconds.
	ErrTimestampRange = errors.New("resample: timestamp out of range")
)

// Source yields trades in non-decreasing timestamp order. Next returns io.EOF
// once the input is exhausted; any other error aborts resampling.
type Source interface {
	Next() (models.Trade, error)
}

// GapPolicy controls what happens when a trade lands more than one interval
// past the open bucket.
type GapPolicy int

const (
	// GapCompat advances the bucket by exactly one interval per out-of-bucket
	// trade, regardless of how far ahead the trade is.
	GapCompat GapPolicy = iota
	// GapFill emits flat zero-volume bars for every skipped interval so bar
	// times stay aligned with trade times.
	GapFill
)

// String returns the policy name.
func (p GapPolicy) String() string {
	switch p {
	case GapCompat:
		return "compat"
	case GapFill:
		return "fill"
	default:
		return fmt.Sprintf("GapPolicy(%d)", int(p))
	}
}

// ParseGapPolicy converts "compat" or "fill".
func ParseGapPolicy(s string) (GapPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "compat":
		return GapCompat, nil
	case "fill":
		return GapFill, nil
	}
	return GapCompat, &models.ValidationError{Field: "gap_policy", Message: fmt.Sprintf("unsupported gap policy %q (want compat or fill)", s)}
}

// Option configures a Resampler.
type Option func(*Resampler)

// WithGapPolicy selects the gap handling mode. GapCompat is the default.
func WithGapPolicy(p GapPolicy) Option {
	return func(r *Resampler) {
		r.policy = p
	}
}

// Stats summarizes a resampling pass so far.
type Stats struct {
	Trades           int64 // trades pulled from the source
	Bars             int64 // bars returned by Next, including synthesized ones
	SkippedIntervals int64 // intervals jumped over without a bar under GapCompat
	EmptyBars        int64 // flat bars synthesized under GapFill
}

type state int

const (
	stateStart state = iota
	stateOpen
	stateDone
	stateFailed
)

// Resampler aggregates trades into bars. It is not safe for concurrent use;
// distinct instances may run on distinct goroutines.
type Resampler struct {
	src        Source
	intervalMs int64
	policy     GapPolicy

	state state
	err   error

	acc models.Bar

	// pending is a trade that closed the previous bucket and has not yet been
	// folded into the next one.
	pending    models.Trade
	hasPending bool

	stats Stats
}

// New creates a Resampler reading from src with buckets of intervalSeconds.
func New(src Source, intervalSeconds int64, opts ...Option) (*Resampler, error) {
	if intervalSeconds <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidInterval, intervalSeconds)
	}
	if src == nil {
		return nil, errors.New("resample: nil source")
	}
	if intervalSeconds > math.MaxInt64/4000 {
		return nil, fmt.Errorf("%w: %d seconds overflows milliseconds", ErrInvalidInterval, intervalSeconds)
	}

	r := &Resampler{
		src:        src,
		intervalMs: intervalSeconds * 1000,
		policy:     GapCompat,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// IntervalMs returns the bucket width in milliseconds.
func (r *Resampler) IntervalMs() int64 {
	return r.intervalMs
}

// Stats returns counters for the work done so far.
func (r *Resampler) Stats() Stats {
	return r.stats
}

// Next returns the next completed bar. It returns io.EOF after the final bar,
// ErrEmptyInput if the source had no trades, or the source's error. Once an
// error other than io.EOF is returned, every later call returns it again.
func (r *Resampler) Next() (models.Bar, error) {
	switch r.state {
	case stateDone:
		return models.Bar{}, io.EOF
	case stateFailed:
		return models.Bar{}, r.err
	case stateStart:
		t, err := r.src.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return models.Bar{}, r.fail(ErrEmptyInput)
			}
			return models.Bar{}, r.fail(err)
		}
		if err := r.checkRange(t); err != nil {
			return models.Bar{}, r.fail(err)
		}
		r.stats.Trades++
		r.seed(floorTo(t.Timestamp, r.intervalMs), t)
		r.state = stateOpen
	}

	if r.hasPending {
		if bar, ok := r.fold(r.pending); ok {
			return bar, nil
		}
	}

	for {
		t, err := r.src.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.state = stateDone
				return r.emit(), nil
			}
			return models.Bar{}, r.fail(err)
		}
		if err := r.checkRange(t); err != nil {
			return models.Bar{}, r.fail(err)
		}
		r.stats.Trades++

		if bar, ok := r.fold(t); ok {
			return bar, nil
		}
	}
}

// checkRange rejects timestamps within two intervals of the int64 limits, so
// bucket arithmetic in fold and floorTo cannot overflow.
func (r *Resampler) checkRange(t models.Trade) error {
	if t.Timestamp > math.MaxInt64-2*r.intervalMs || t.Timestamp < math.MinInt64+2*r.intervalMs {
		return fmt.Errorf("%w: %d", ErrTimestampRange, t.Timestamp)
	}
	return nil
}

// fold applies t to the open bucket. When t does not belong to it the bucket
// is closed and returned, and t is kept pending for the next call.
func (r *Resampler) fold(t models.Trade) (models.Bar, bool) {
	r.hasPending = false

	if t.Timestamp <= r.acc.Time+r.intervalMs {
		r.accumulate(t)
		return models.Bar{}, false
	}

	bar := r.emit()
	next := bar.Time + r.intervalMs

	switch r.policy {
	case GapFill:
		if t.Timestamp > next+r.intervalMs {
			// t is past the following bucket too, so that bucket is empty
			// and complete. Open it flat and revisit t on the next call.
			r.acc = flatBar(next, bar.Close)
			r.pending = t
			r.hasPending = true
			return bar, true
		}
	default:
		if t.Timestamp > next+r.intervalMs {
			r.stats.SkippedIntervals += (t.Timestamp-next-1)/r.intervalMs
		}
	}

	r.seed(next, t)
	return bar, true
}

func (r *Resampler) seed(bucketStart int64, t models.Trade) {
	r.acc = models.Bar{
		Time:   bucketStart,
		Open:   t.Price,
		High:   t.Price,
		Low:    t.Price,
		Close:  t.Price,
		Volume: t.Quantity,
	}
	if t.IsBuyerAggressor() {
		r.acc.BuyerAggressorVolume = t.Quantity
	}
}

func (r *Resampler) accumulate(t models.Trade) {
	r.acc.Close = t.Price
	if t.Price > r.acc.High {
		r.acc.High = t.Price
	}
	if t.Price < r.acc.Low {
		r.acc.Low = t.Price
	}
	r.acc.Volume += t.Quantity
	if t.IsBuyerAggressor() {
		r.acc.BuyerAggressorVolume += t.Quantity
	}
}

func (r *Resampler) emit() models.Bar {
	r.stats.Bars++
	if r.acc.IsFlat() {
		r.stats.EmptyBars++
	}
	return r.acc
}

func (r *Resampler) fail(err error) error {
	r.state = stateFailed
	r.err = err
	return err
}

func flatBar(t int64, price float64) models.Bar {
	return models.Bar{Time: t, Open: price, High: price, Low: price, Close: price}
}

// floorTo aligns ts down to a multiple of width, flooring negative values
// toward minus infinity.
func floorTo(ts, width int64) int64 {
	rem := ts % width
	if rem < 0 {
		rem += width
	}
	return ts - rem
}
