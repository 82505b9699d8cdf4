// Package models provides the data structures exchanged between the fetch
// layer, the resampler and the bar sinks: trades, OHLCV bars and the closed
// enumerations that describe an exchange market.
package models

import (
	"fmt"
	"math"
	"time"
)

// Bar is one fixed-interval OHLCV bucket. Time is the bucket's left edge in
// milliseconds since the epoch and is aligned to a multiple of the interval.
type Bar struct {
	Time                 int64   `json:"time" parquet:"time"`
	Open                 float64 `json:"open" parquet:"open"`
	High                 float64 `json:"high" parquet:"high"`
	Low                  float64 `json:"low" parquet:"low"`
	Close                float64 `json:"close" parquet:"close"`
	Volume               float64 `json:"volume" parquet:"volume"`
	BuyerAggressorVolume float64 `json:"buyer_aggressor_volume" parquet:"buyer_aggressor_volume"`
}

// ValidationError represents a validation failure with specific field context.
type ValidationError struct {
	Field   string // Field is the name of the field that failed validation
	Message string // Message explains the failure
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// Validate checks the OHLC ordering and volume relationships of the bar.
// Returns a *ValidationError naming the first field that is out of range.
func (b *Bar) Validate() error {
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"open", b.Open}, {"high", b.High}, {"low", b.Low}, {"close", b.Close},
		{"volume", b.Volume}, {"buyer_aggressor_volume", b.BuyerAggressorVolume},
	} {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return &ValidationError{Field: f.name, Message: fmt.Sprintf("%s must be a finite number", f.name)}
		}
	}

	if b.Low > b.High {
		return &ValidationError{
			Field:   "low",
			Message: fmt.Sprintf("low (%g) must be less than or equal to high (%g)", b.Low, b.High),
		}
	}

	// High >= max(Open, Close)
	if maxOC := math.Max(b.Open, b.Close); b.High < maxOC {
		return &ValidationError{
			Field:   "high",
			Message: fmt.Sprintf("high (%g) must be greater than or equal to max(open, close) (%g)", b.High, maxOC),
		}
	}

	// Low <= min(Open, Close)
	if minOC := math.Min(b.Open, b.Close); b.Low > minOC {
		return &ValidationError{
			Field:   "low",
			Message: fmt.Sprintf("low (%g) must be less than or equal to min(open, close) (%g)", b.Low, minOC),
		}
	}

	if b.Volume < 0 {
		return &ValidationError{Field: "volume", Message: "volume must be greater than or equal to 0"}
	}
	if b.BuyerAggressorVolume < 0 {
		return &ValidationError{Field: "buyer_aggressor_volume", Message: "buyer aggressor volume must be greater than or equal to 0"}
	}
	if b.BuyerAggressorVolume > b.Volume {
		return &ValidationError{
			Field:   "buyer_aggressor_volume",
			Message: fmt.Sprintf("buyer aggressor volume (%g) must not exceed volume (%g)", b.BuyerAggressorVolume, b.Volume),
		}
	}

	return nil
}

// Timestamp returns the bar's left edge as a UTC time.
func (b *Bar) Timestamp() time.Time {
	return time.UnixMilli(b.Time).UTC()
}

// IsFlat reports whether the bar carries no traded volume.
func (b *Bar) IsFlat() bool {
	return b.Volume == 0
}

// String returns a compact human-readable representation of the bar.
func (b Bar) String() string {
	return fmt.Sprintf("Bar{%s O:%g H:%g L:%g C:%g V:%g BAV:%g}",
		b.Timestamp().Format(time.RFC3339), b.Open, b.High, b.Low, b.Close, b.Volume, b.BuyerAggressorVolume)
}
