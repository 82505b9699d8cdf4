package models

import (
	"fmt"
	"strings"
	"time"
)

// Exchange identifies a supported data provider.
type Exchange string

const (
	ExchangeBinance Exchange = "binance"
	ExchangeBybit   Exchange = "bybit"
)

// ParseExchange converts a user supplied exchange name.
func ParseExchange(s string) (Exchange, error) {
	switch Exchange(strings.ToLower(strings.TrimSpace(s))) {
	case ExchangeBinance:
		return ExchangeBinance, nil
	case ExchangeBybit:
		return ExchangeBybit, nil
	}
	return "", &ValidationError{Field: "exchange", Message: fmt.Sprintf("unsupported exchange %q (want binance or bybit)", s)}
}

// PairType is the market segment a pair trades in.
type PairType string

const (
	PairTypeSpot    PairType = "spot"
	PairTypeFutures PairType = "futures"
)

// ParsePairType converts a user supplied pair type.
func ParsePairType(s string) (PairType, error) {
	switch PairType(strings.ToLower(strings.TrimSpace(s))) {
	case PairTypeSpot:
		return PairTypeSpot, nil
	case PairTypeFutures:
		return PairTypeFutures, nil
	}
	return "", &ValidationError{Field: "type", Message: fmt.Sprintf("unsupported pair type %q (want spot or futures)", s)}
}

// Period is the granularity of an archive dump.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
)

// ParsePeriod converts a user supplied archive period.
func ParsePeriod(s string) (Period, error) {
	switch Period(strings.ToLower(strings.TrimSpace(s))) {
	case PeriodDaily:
		return PeriodDaily, nil
	case PeriodMonthly:
		return PeriodMonthly, nil
	}
	return "", &ValidationError{Field: "period", Message: fmt.Sprintf("unsupported period %q (want daily or monthly)", s)}
}

// DateLayout returns the Go time layout used in archive names for the period.
func (p Period) DateLayout() string {
	if p == PeriodMonthly {
		return "2006-01"
	}
	return "2006-01-02"
}

// FormatDate renders t the way archive names expect for the period.
func (p Period) FormatDate(t time.Time) string {
	return t.UTC().Format(p.DateLayout())
}

// FuturesType selects the Binance futures margin family.
type FuturesType string

const (
	FuturesTypeNone FuturesType = ""
	FuturesTypeUM   FuturesType = "um" // USD-M
	FuturesTypeCM   FuturesType = "cm" // COIN-M
)

// ParseFuturesType converts a user supplied futures type. An empty string is
// accepted and yields FuturesTypeNone.
func ParseFuturesType(s string) (FuturesType, error) {
	switch FuturesType(strings.ToLower(strings.TrimSpace(s))) {
	case FuturesTypeNone:
		return FuturesTypeNone, nil
	case FuturesTypeUM:
		return FuturesTypeUM, nil
	case FuturesTypeCM:
		return FuturesTypeCM, nil
	}
	return "", &ValidationError{Field: "futures_type", Message: fmt.Sprintf("unsupported futures type %q (want um or cm)", s)}
}

// KlineInterval is a canonical candlestick interval token such as "1h".
type KlineInterval string

const (
	Interval1m  KlineInterval = "1m"
	Interval3m  KlineInterval = "3m"
	Interval5m  KlineInterval = "5m"
	Interval15m KlineInterval = "15m"
	Interval30m KlineInterval = "30m"
	Interval1h  KlineInterval = "1h"
	Interval2h  KlineInterval = "2h"
	Interval4h  KlineInterval = "4h"
	Interval6h  KlineInterval = "6h"
	Interval8h  KlineInterval = "8h"
	Interval12h KlineInterval = "12h"
	Interval1d  KlineInterval = "1d"
	Interval3d  KlineInterval = "3d"
	Interval1w  KlineInterval = "1w"
	Interval1M  KlineInterval = "1M"
)

var klineIntervals = []KlineInterval{
	Interval1m, Interval3m, Interval5m, Interval15m, Interval30m,
	Interval1h, Interval2h, Interval4h, Interval6h, Interval8h, Interval12h,
	Interval1d, Interval3d, Interval1w, Interval1M,
}

// ParseKlineInterval converts a user supplied interval token. Tokens are case
// sensitive because "1m" and "1M" differ.
func ParseKlineInterval(s string) (KlineInterval, error) {
	s = strings.TrimSpace(s)
	for _, iv := range klineIntervals {
		if string(iv) == s {
			return iv, nil
		}
	}
	return "", &ValidationError{Field: "interval", Message: fmt.Sprintf("unsupported kline interval %q", s)}
}

// NormalizePair upper-cases a trading pair symbol.
func NormalizePair(pair string) string {
	return strings.ToUpper(strings.TrimSpace(pair))
}
