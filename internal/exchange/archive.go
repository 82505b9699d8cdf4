package exchange

import (
	"fmt"
	"path"
	"strings"

	"github.com/johnayoung/go-tradebars/internal/models"
)

const (
	DefaultBinanceArchiveURL = "https://data.binance.vision"
	DefaultBybitArchiveURL   = "https://public.bybit.com"
)

// ArchiveResolver maps archive requests to URLs on configurable hosts.
type ArchiveResolver struct {
	BinanceBaseURL string
	BybitBaseURL   string
}

// NewArchiveResolver returns a resolver for the public hosts.
func NewArchiveResolver() *ArchiveResolver {
	return &ArchiveResolver{
		BinanceBaseURL: DefaultBinanceArchiveURL,
		BybitBaseURL:   DefaultBybitArchiveURL,
	}
}

// Resolve returns where the archive for req lives.
func (ar *ArchiveResolver) Resolve(req ArchiveRequest) (Archive, error) {
	if strings.TrimSpace(req.Pair) == "" {
		return Archive{}, &models.ValidationError{Field: "pair", Message: "pair is required"}
	}
	if req.Date.IsZero() {
		return Archive{}, &models.ValidationError{Field: "date", Message: "date is required"}
	}
	if req.Period != models.PeriodDaily && req.Period != models.PeriodMonthly {
		return Archive{}, &models.ValidationError{Field: "period", Message: fmt.Sprintf("unsupported period %q", req.Period)}
	}

	switch req.Exchange {
	case models.ExchangeBinance:
		return ar.binance(req)
	case models.ExchangeBybit:
		return ar.bybit(req)
	}
	return Archive{}, &models.ValidationError{Field: "exchange", Message: fmt.Sprintf("unsupported exchange %q", req.Exchange)}
}

// binance builds
// {base}/data/{spot|futures}/[{um|cm}/]{daily|monthly}/trades/{PAIR}/{PAIR}-trades-{date}.zip
func (ar *ArchiveResolver) binance(req ArchiveRequest) (Archive, error) {
	pair := models.NormalizePair(req.Pair)
	date := req.Period.FormatDate(req.Date)

	var b strings.Builder
	b.WriteString(strings.TrimRight(ar.BinanceBaseURL, "/"))
	b.WriteString("/data/")

	switch req.PairType {
	case models.PairTypeSpot:
		b.WriteString("spot/")
	case models.PairTypeFutures:
		if req.FuturesType == models.FuturesTypeNone {
			return Archive{}, &models.ValidationError{Field: "futures_type", Message: "futures type (um or cm) is required for binance futures"}
		}
		b.WriteString("futures/")
		b.WriteString(string(req.FuturesType))
		b.WriteString("/")
	default:
		return Archive{}, &models.ValidationError{Field: "type", Message: fmt.Sprintf("unsupported pair type %q", req.PairType)}
	}

	name := fmt.Sprintf("%s-trades-%s", pair, date)
	fmt.Fprintf(&b, "%s/trades/%s/%s.zip", req.Period, pair, name)

	u := b.String()
	return Archive{
		URL:         u,
		ChecksumURL: u + ".CHECKSUM",
		FileName:    name + ".csv",
		Compression: CompressionZip,
	}, nil
}

// bybit builds {base}/{spot|trading}/{PAIR}/{PAIR}{date}.csv.gz for futures
// and {base}/spot/{PAIR}/{PAIR}_{date}.csv.gz for spot.
func (ar *ArchiveResolver) bybit(req ArchiveRequest) (Archive, error) {
	pair := models.NormalizePair(req.Pair)
	date := req.Period.FormatDate(req.Date)
	base := strings.TrimRight(ar.BybitBaseURL, "/")

	var u string
	switch req.PairType {
	case models.PairTypeSpot:
		u = fmt.Sprintf("%s/spot/%s/%s_%s.csv.gz", base, pair, pair, date)
	case models.PairTypeFutures:
		if req.Period == models.PeriodMonthly {
			return Archive{}, &models.ValidationError{Field: "period", Message: "bybit publishes no monthly futures dumps"}
		}
		u = fmt.Sprintf("%s/trading/%s/%s%s.csv.gz", base, pair, pair, date)
	default:
		return Archive{}, &models.ValidationError{Field: "type", Message: fmt.Sprintf("unsupported pair type %q", req.PairType)}
	}

	return Archive{
		URL:         u,
		FileName:    strings.TrimSuffix(path.Base(u), ".gz"),
		Compression: CompressionGzip,
	}, nil
}
