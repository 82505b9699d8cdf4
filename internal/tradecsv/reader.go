// Package tradecsv reads exchange trade dumps into models.Trade values.
//
// Three layouts are understood:
//
//   - header files with the columns time, qty, price and is_buyer_maker in any
//     order (Binance futures dumps and generic exports),
//   - headerless Binance spot dumps laid out as
//     id,price,qty,quote_qty,time,is_buyer_maker,is_best_match,
//   - Bybit dumps whose header carries timestamp and side, with timestamps in
//     (fractional) seconds.
//
// Input may start with a UTF-8 or UTF-16 byte order mark.
package tradecsv

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/johnayoung/go-tradebars/internal/models"
)

// Layout selects how columns are located.
type Layout string

const (
	LayoutAuto    Layout = "auto"
	LayoutBinance Layout = "binance"
	LayoutBybit   Layout = "bybit"
)

// ParseLayout converts a user supplied layout name.
func ParseLayout(s string) (Layout, error) {
	switch Layout(strings.ToLower(strings.TrimSpace(s))) {
	case "", LayoutAuto:
		return LayoutAuto, nil
	case LayoutBinance:
		return LayoutBinance, nil
	case LayoutBybit:
		return LayoutBybit, nil
	}
	return "", &models.ValidationError{Field: "layout", Message: fmt.Sprintf("unsupported layout %q (want auto, binance or bybit)", s)}
}

// TimeUnit is the unit of the timestamp column.
type TimeUnit string

const (
	TimeUnitAuto    TimeUnit = "auto"
	TimeUnitSeconds TimeUnit = "s"
	TimeUnitMillis  TimeUnit = "ms"
	TimeUnitMicros  TimeUnit = "us"
)

// ParseTimeUnit converts a user supplied timestamp unit.
func ParseTimeUnit(s string) (TimeUnit, error) {
	switch TimeUnit(strings.ToLower(strings.TrimSpace(s))) {
	case "", TimeUnitAuto:
		return TimeUnitAuto, nil
	case TimeUnitSeconds:
		return TimeUnitSeconds, nil
	case TimeUnitMillis:
		return TimeUnitMillis, nil
	case TimeUnitMicros:
		return TimeUnitMicros, nil
	}
	return "", &models.ValidationError{Field: "time_unit", Message: fmt.Sprintf("unsupported time unit %q (want auto, s, ms or us)", s)}
}

const (
	// Values at or above this are microseconds (16+ digits).
	microsThreshold = 1_000_000_000_000_000
	// Bybit values below this are seconds (10 digits or fewer).
	secondsThreshold = 100_000_000_000
)

// Positions in a headerless Binance spot dump.
const (
	binancePriceIdx = 1
	binanceQtyIdx   = 2
	binanceTimeIdx  = 4
	binanceMakerIdx = 5
)

var (
	timeAliases  = []string{"time", "transact_time", "timestamp"}
	qtyAliases   = []string{"qty", "quantity", "size", "volume"}
	priceAliases = []string{"price"}
)

type columns struct {
	time, qty, price int
	maker            int // is_buyer_maker, or -1
	side             int // Bybit side, or -1
	timeName         string
	qtyName          string
	width            int
}

// Option configures a Reader.
type Option func(*Reader)

// WithLayout forces a layout instead of detecting it.
func WithLayout(l Layout) Option {
	return func(r *Reader) {
		r.layout = l
	}
}

// WithTimeUnit forces the timestamp unit.
func WithTimeUnit(u TimeUnit) Option {
	return func(r *Reader) {
		r.unit = u
	}
}

// Reader yields trades from a delimited trade dump. It implements
// resample.Source.
type Reader struct {
	cr     *csv.Reader
	layout Layout
	unit   TimeUnit
	cols   columns

	// first holds a data row read during header detection.
	first     []string
	firstLine int

	line int
	rows int64
}

// NewReader detects the layout of r and returns a Reader positioned at the
// first trade. Missing required header columns fail here.
func NewReader(r io.Reader, opts ...Option) (*Reader, error) {
	decoded := transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder()))

	cr := csv.NewReader(decoded)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	tr := &Reader{
		cr:     cr,
		layout: LayoutAuto,
		unit:   TimeUnitAuto,
	}
	for _, opt := range opts {
		opt(tr)
	}

	if err := tr.readHeader(); err != nil {
		return nil, err
	}
	return tr, nil
}

// Layout returns the layout in use after detection.
func (r *Reader) Layout() Layout {
	return r.layout
}

// Rows returns the number of trade rows decoded so far.
func (r *Reader) Rows() int64 {
	return r.rows
}

func (r *Reader) readHeader() error {
	rec, err := r.cr.Read()
	if errors.Is(err, io.EOF) {
		// Empty input; Next reports io.EOF and the resampler decides.
		r.cols = binancePositional()
		if r.layout == LayoutAuto {
			r.layout = LayoutBinance
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("tradecsv: read header: %w", err)
	}
	line, _ := r.cr.FieldPos(0)

	if !isHeader(rec) {
		if r.layout == LayoutBybit {
			return &MalformedError{Line: line, Reason: "bybit layout requires a header row"}
		}
		r.layout = LayoutBinance
		r.cols = binancePositional()
		r.first = append([]string(nil), rec...)
		r.firstLine = line
		return nil
	}

	index := make(map[string]int, len(rec))
	for i, name := range rec {
		index[strings.ToLower(strings.TrimSpace(name))] = i
	}

	cols := columns{maker: -1, side: -1}
	var ok bool
	if cols.time, cols.timeName, ok = lookup(index, timeAliases); !ok {
		return &MalformedError{Line: line, Column: "time", Reason: "missing required column"}
	}
	if cols.qty, cols.qtyName, ok = lookup(index, qtyAliases); !ok {
		return &MalformedError{Line: line, Column: "qty", Reason: "missing required column"}
	}
	if cols.price, _, ok = lookup(index, priceAliases); !ok {
		return &MalformedError{Line: line, Column: "price", Reason: "missing required column"}
	}
	if i, ok := index["is_buyer_maker"]; ok {
		cols.maker = i
	}
	if i, ok := index["side"]; ok {
		cols.side = i
	}

	switch r.layout {
	case LayoutAuto:
		if cols.maker < 0 && cols.side >= 0 {
			r.layout = LayoutBybit
		} else {
			r.layout = LayoutBinance
		}
	case LayoutBybit:
		if cols.side < 0 {
			return &MalformedError{Line: line, Column: "side", Reason: "missing required column"}
		}
		cols.maker = -1
	}
	if r.layout == LayoutBinance && cols.maker < 0 {
		return &MalformedError{Line: line, Column: "is_buyer_maker", Reason: "missing required column"}
	}

	cols.width = maxOf(cols.time, cols.qty, cols.price, cols.maker, cols.side) + 1
	r.cols = cols
	return nil
}

// Next implements resample.Source. It returns io.EOF at end of input.
func (r *Reader) Next() (models.Trade, error) {
	var rec []string
	if r.first != nil {
		rec, r.line = r.first, r.firstLine
		r.first = nil
	} else {
		var err error
		rec, err = r.cr.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return models.Trade{}, io.EOF
			}
			return models.Trade{}, fmt.Errorf("tradecsv: %w", err)
		}
		r.line, _ = r.cr.FieldPos(0)
	}

	t, err := r.decode(rec)
	if err != nil {
		return models.Trade{}, err
	}
	r.rows++
	return t, nil
}

func (r *Reader) decode(rec []string) (models.Trade, error) {
	if len(rec) < r.cols.width {
		return models.Trade{}, &MalformedError{
			Line:   r.line,
			Reason: fmt.Sprintf("row has %d fields, need at least %d", len(rec), r.cols.width),
		}
	}

	var t models.Trade
	var err error

	if t.Timestamp, err = r.parseTime(rec[r.cols.time]); err != nil {
		return t, err
	}
	if t.Quantity, err = r.parseFloat(r.cols.qtyName, rec[r.cols.qty]); err != nil {
		return t, err
	}
	if t.Price, err = r.parseFloat("price", rec[r.cols.price]); err != nil {
		return t, err
	}

	if r.layout == LayoutBybit {
		t.BuyerIsMaker, err = r.parseSide(rec[r.cols.side])
	} else {
		t.BuyerIsMaker, err = r.parseMaker(rec[r.cols.maker])
	}
	if err != nil {
		return t, err
	}

	if err := t.Validate(); err != nil {
		me := &MalformedError{Line: r.line, Column: "price", Value: rec[r.cols.price], Reason: err.Error(), Err: err}
		var ve *models.ValidationError
		if errors.As(err, &ve) {
			me.Reason = ve.Message
			if ve.Field == "qty" {
				me.Column, me.Value = r.cols.qtyName, rec[r.cols.qty]
			}
		}
		return t, me
	}
	return t, nil
}

func (r *Reader) parseFloat(column, raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, &ParseError{Line: r.line, Column: column, Value: raw, Err: err}
	}
	return v, nil
}

func (r *Reader) parseTime(raw string) (int64, error) {
	s := strings.TrimSpace(raw)

	if r.layout == LayoutBybit || r.unit == TimeUnitSeconds || strings.ContainsAny(s, ".eE") {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return 0, &ParseError{Line: r.line, Column: r.cols.timeName, Value: raw, Err: err}
		}
		return r.decimalToMillis(d), nil
	}

	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, &ParseError{Line: r.line, Column: r.cols.timeName, Value: raw, Err: err}
	}
	switch r.unit {
	case TimeUnitMicros:
		return floorDiv(v, 1000), nil
	case TimeUnitAuto:
		if abs(v) >= microsThreshold {
			return floorDiv(v, 1000), nil
		}
	}
	return v, nil
}

func (r *Reader) decimalToMillis(d decimal.Decimal) int64 {
	unit := r.unit
	if unit == TimeUnitAuto {
		a := d.Abs()
		switch {
		case r.layout == LayoutBybit && a.LessThan(decimal.NewFromInt(secondsThreshold)):
			unit = TimeUnitSeconds
		case a.GreaterThanOrEqual(decimal.NewFromInt(microsThreshold)):
			unit = TimeUnitMicros
		default:
			unit = TimeUnitMillis
		}
	}

	switch unit {
	case TimeUnitSeconds:
		d = d.Shift(3)
	case TimeUnitMicros:
		d = d.Shift(-3)
	}
	return d.Floor().IntPart()
}

func (r *Reader) parseMaker(raw string) (bool, error) {
	s := strings.TrimSpace(raw)
	switch {
	case strings.EqualFold(s, "true"):
		return true, nil
	case strings.EqualFold(s, "false"):
		return false, nil
	}
	return false, &MalformedError{Line: r.line, Column: "is_buyer_maker", Value: raw, Reason: "unrecognized boolean"}
}

// parseSide maps the taker side: a Buy taker means the buyer was the
// aggressor, so the buyer was not the maker.
func (r *Reader) parseSide(raw string) (bool, error) {
	s := strings.TrimSpace(raw)
	switch {
	case strings.EqualFold(s, "buy"):
		return false, nil
	case strings.EqualFold(s, "sell"):
		return true, nil
	}
	return false, &MalformedError{Line: r.line, Column: "side", Value: raw, Reason: "unrecognized side"}
}

func binancePositional() columns {
	return columns{
		time:     binanceTimeIdx,
		qty:      binanceQtyIdx,
		price:    binancePriceIdx,
		maker:    binanceMakerIdx,
		side:     -1,
		timeName: "time",
		qtyName:  "qty",
		width:    binanceMakerIdx + 1,
	}
}

// isHeader reports whether rec looks like column names rather than data. A
// data row starts with a numeric trade id or timestamp.
func isHeader(rec []string) bool {
	if len(rec) == 0 {
		return false
	}
	_, err := strconv.ParseFloat(strings.TrimSpace(rec[0]), 64)
	return err != nil
}

func lookup(index map[string]int, aliases []string) (int, string, bool) {
	for _, a := range aliases {
		if i, ok := index[a]; ok {
			return i, a, true
		}
	}
	return -1, "", false
}

func maxOf(vs ...int) int {
	m := vs[0]
	for _, v := range vs[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
