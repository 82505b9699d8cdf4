package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/johnayoung/go-tradebars/internal/exchange"
	"github.com/johnayoung/go-tradebars/internal/fetch"
	"github.com/johnayoung/go-tradebars/internal/logger"
	"github.com/johnayoung/go-tradebars/internal/models"
	"github.com/johnayoung/go-tradebars/internal/resample"
	"github.com/johnayoung/go-tradebars/internal/sink"
	"github.com/johnayoung/go-tradebars/internal/tradecsv"
)

// handleDownload handles the 'download' command for trade archives
func (cli *CLI) handleDownload(ctx context.Context, args []string) error {
	flags, err := parseDownloadFlags(args)
	if err != nil {
		return asUsage(err)
	}
	if flags.Help {
		return errHelp
	}

	reqs, err := buildArchiveRequests(flags)
	if err != nil {
		return asUsage(err)
	}
	req := reqs[0]

	cfg := cli.config.Download
	if flags.Output != "" {
		cfg.OutputDir = flags.Output
	}
	if flags.Workers > 0 {
		cfg.Workers = flags.Workers
	}
	cfg.VerifyChecksum = cfg.VerifyChecksum || flags.Verify
	cfg.KeepArchive = cfg.KeepArchive || flags.KeepArchive

	resolver := &exchange.ArchiveResolver{
		BinanceBaseURL: cli.config.Exchange.BinanceArchiveURL,
		BybitBaseURL:   cli.config.Exchange.BybitArchiveURL,
	}
	if _, err := resolver.Resolve(req); err != nil {
		return asUsage(err)
	}

	ctx = logger.WithPair(logger.WithExchange(ctx, string(req.Exchange)), req.Pair)
	log := cli.logs.GetComponentLogger("download")
	downloader := fetch.NewDownloader(cli.client, resolver, cfg, log.Logger)

	if len(reqs) == 1 {
		var result *fetch.Result
		err = log.LogOperation(ctx, "fetch_archive", func() error {
			var err error
			result, err = downloader.FetchArchive(ctx, req)
			return err
		})
		if err != nil {
			return err
		}
		for _, f := range result.Files {
			fmt.Fprintln(cli.stdout, f)
		}
		return nil
	}

	pool := fetch.NewWorkerPool(cfg.Workers, downloader, log.Logger)
	var results []fetch.JobResult
	err = log.LogOperation(ctx, "fetch_archive_range", func() error {
		results = pool.Run(ctx, reqs)
		return fetch.JoinErrors(results)
	})

	for _, r := range results {
		if r.Result == nil {
			continue
		}
		for _, f := range r.Result.Files {
			fmt.Fprintln(cli.stdout, f)
		}
	}

	stats := pool.GetStats()
	log.InfoWithContext(ctx, "archive range finished",
		"archives", len(reqs),
		"completed", stats.CompletedJobs,
		"failed", stats.FailedJobs,
		"avg_duration", stats.AvgJobDuration)
	return err
}

// buildArchiveRequests expands --date (and --to, when given) into one
// request per archive.
func buildArchiveRequests(flags *DownloadFlags) ([]exchange.ArchiveRequest, error) {
	req, err := buildArchiveRequest(flags)
	if err != nil {
		return nil, err
	}
	if flags.To == "" {
		return []exchange.ArchiveRequest{req}, nil
	}

	to, err := parseDate(flags.To, req.Period == models.PeriodMonthly)
	if err != nil {
		return nil, err
	}
	dates, err := fetch.ArchiveDates(req.Date, to, req.Period)
	if err != nil {
		return nil, err
	}

	reqs := make([]exchange.ArchiveRequest, len(dates))
	for i, d := range dates {
		reqs[i] = req
		reqs[i].Date = d
	}
	return reqs, nil
}

func buildArchiveRequest(flags *DownloadFlags) (exchange.ArchiveRequest, error) {
	var req exchange.ArchiveRequest
	var err error

	if req.Exchange, err = models.ParseExchange(flags.Exchange); err != nil {
		return req, err
	}
	if req.PairType, err = models.ParsePairType(flags.Type); err != nil {
		return req, err
	}
	if req.FuturesType, err = models.ParseFuturesType(flags.FuturesType); err != nil {
		return req, err
	}
	if req.Period, err = models.ParsePeriod(flags.Period); err != nil {
		return req, err
	}
	if req.Date, err = parseDate(flags.Date, req.Period == models.PeriodMonthly); err != nil {
		return req, err
	}
	req.Pair = models.NormalizePair(flags.Pair)
	return req, nil
}

// handleKlines handles the 'klines' command for REST kline ranges
func (cli *CLI) handleKlines(ctx context.Context, args []string) error {
	flags, err := parseKlinesFlags(args)
	if err != nil {
		return asUsage(err)
	}
	if flags.Help {
		return errHelp
	}

	ex, err := models.ParseExchange(flags.Exchange)
	if err != nil {
		return asUsage(err)
	}
	req, err := buildKlineRequest(flags, time.Now().UTC())
	if err != nil {
		return asUsage(err)
	}

	format, out, err := cli.outputTarget(flags.Format, flags.Out)
	if err != nil {
		return asUsage(err)
	}

	fetcher, err := exchange.NewKlineFetcher(ex, cli.client)
	if err != nil {
		return asUsage(err)
	}

	ctx = logger.WithInterval(logger.WithPair(logger.WithExchange(ctx, string(ex)), req.Pair), string(req.Interval))
	log := cli.logs.GetComponentLogger("klines")

	var bars []models.Bar
	err = log.LogOperation(ctx, "fetch_klines", func() error {
		var err error
		bars, err = fetcher.FetchKlines(ctx, req)
		return err
	})
	if err != nil {
		return err
	}
	log.InfoWithContext(ctx, "klines fetched", "bars", len(bars))

	return cli.writeBars(ctx, resample.NewBarSlice(bars), format, out, !flags.NoAggressor)
}

func buildKlineRequest(flags *KlinesFlags, now time.Time) (exchange.KlineRequest, error) {
	req := exchange.KlineRequest{Pair: models.NormalizePair(flags.Pair)}
	var err error

	if req.PairType, err = models.ParsePairType(flags.Type); err != nil {
		return req, err
	}
	if req.FuturesType, err = models.ParseFuturesType(flags.FuturesType); err != nil {
		return req, err
	}
	if req.Interval, err = models.ParseKlineInterval(flags.Interval); err != nil {
		return req, err
	}
	if req.Start, err = parseTimeArg(flags.Start); err != nil {
		return req, err
	}
	req.End = now
	if flags.End != "" {
		if req.End, err = parseTimeArg(flags.End); err != nil {
			return req, err
		}
	}
	return req, req.Validate()
}

// handleResample handles the 'resample' command for trade files
func (cli *CLI) handleResample(ctx context.Context, args []string) error {
	flags, err := parseResampleFlags(args)
	if err != nil {
		return asUsage(err)
	}
	if flags.Help {
		return errHelp
	}

	rc := cli.config.Resample
	interval := rc.IntervalSeconds
	if flags.Interval != 0 {
		interval = flags.Interval
	}
	if interval <= 0 {
		return usage("--interval must be a positive number of seconds")
	}

	layoutName := rc.Layout
	if flags.Layout != "" {
		layoutName = flags.Layout
	}
	layout, err := tradecsv.ParseLayout(layoutName)
	if err != nil {
		return asUsage(err)
	}

	unitName := rc.TimeUnit
	if flags.TimeUnit != "" {
		unitName = flags.TimeUnit
	}
	unit, err := tradecsv.ParseTimeUnit(unitName)
	if err != nil {
		return asUsage(err)
	}

	policy, err := resample.ParseGapPolicy(rc.GapPolicy)
	if err != nil {
		return asUsage(err)
	}
	if flags.FillGaps {
		policy = resample.GapFill
	}

	batchSize := rc.BatchSize
	if flags.BatchSize > 0 {
		batchSize = flags.BatchSize
	}

	format, out, err := cli.outputTarget(flags.Format, flags.Out)
	if err != nil {
		return asUsage(err)
	}

	var in io.Reader = cli.stdin
	if flags.In != "-" {
		f, err := os.Open(flags.In)
		if err != nil {
			return asUsage(fmt.Errorf("failed to open input: %w", err))
		}
		defer f.Close()
		in = f
	}

	reader, err := tradecsv.NewReader(in, tradecsv.WithLayout(layout), tradecsv.WithTimeUnit(unit))
	if err != nil {
		return err
	}
	resampler, err := resample.New(reader, interval, resample.WithGapPolicy(policy))
	if err != nil {
		return asUsage(err)
	}

	ctx = logger.WithInterval(ctx, fmt.Sprintf("%ds", interval))
	log := cli.logs.GetComponentLogger("resample")

	err = log.LogOperation(ctx, "resample", func() error {
		return cli.writeBarsBatched(ctx, resampler, format, out, !flags.NoAggressor, batchSize)
	})

	stats := resampler.Stats()
	log.InfoWithContext(ctx, "resample finished",
		"input", flags.In,
		"interval_ms", resampler.IntervalMs(),
		"layout", reader.Layout(),
		"gap_policy", policy.String(),
		"trades", stats.Trades,
		"bars", stats.Bars,
		"empty_bars", stats.EmptyBars,
		"skipped_intervals", stats.SkippedIntervals)
	if policy == resample.GapCompat && stats.SkippedIntervals > 0 {
		log.WarnContext(ctx, "intervals without trades were skipped, use --fill-gaps to emit flat bars",
			"skipped_intervals", stats.SkippedIntervals)
	}
	return err
}

// handleConfig handles the 'config' command
func (cli *CLI) handleConfig(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usage("config requires a subcommand: show or init")
	}

	switch args[0] {
	case "show":
		fmt.Fprintln(cli.stdout, cli.config.String())
		return nil
	case "init":
		path := "tradebars.json"
		if len(args) > 1 {
			path = args[1]
		}
		if _, err := os.Stat(path); err == nil {
			return usage("%s already exists", path)
		}
		if err := cli.configMgr.SaveConfig(ctx, path); err != nil {
			return err
		}
		fmt.Fprintf(cli.stdout, "Wrote %s\n", path)
		return nil
	case "--help", "-h":
		return errHelp
	}
	return usage("unknown config subcommand: %s", args[0])
}

// outputTarget resolves the output format and path from flags and config.
func (cli *CLI) outputTarget(formatFlag, outFlag string) (sink.Format, string, error) {
	name := cli.config.Output.Format
	if formatFlag != "" {
		name = formatFlag
	}
	format, err := sink.ParseFormat(name)
	if err != nil {
		return "", "", err
	}
	out := cli.config.Output.Path
	if outFlag != "" {
		out = outFlag
	}
	return format, out, nil
}

func (cli *CLI) writeBars(ctx context.Context, it resample.Iterator, format sink.Format, out string, includeAggressor bool) error {
	return cli.writeBarsBatched(ctx, it, format, out, includeAggressor, cli.config.Resample.BatchSize)
}

func (cli *CLI) writeBarsBatched(ctx context.Context, it resample.Iterator, format sink.Format, out string, includeAggressor bool, batchSize int) error {
	// Pull the first bar before touching the output, so an input that fails
	// up front (no trades, bad first row) leaves nothing behind.
	first, err := it.Next()
	switch {
	case errors.Is(err, io.EOF):
		it = resample.NewBarSlice(nil)
	case err != nil:
		return err
	default:
		it = &peekedIterator{first: first, rest: it}
	}

	toFile := out != "" && out != "-"
	existed := false
	if toFile {
		_, statErr := os.Stat(out)
		existed = statErr == nil
	}

	s, err := sink.New(format, out, sink.Options{
		IncludeAggressor: includeAggressor && cli.config.Output.IncludeAggressor,
		Table:            cli.config.Output.Table,
		Stdout:           cli.stdout,
		Logger:           cli.logs.GetComponentLogger("sink").Logger,
	})
	if err != nil {
		return err
	}

	n, err := sink.Drain(ctx, it, s, batchSize)
	cli.client.Metrics().RecordBars(n)
	if cerr := s.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if toFile && !existed {
			if rerr := os.Remove(out); rerr != nil && !os.IsNotExist(rerr) {
				cli.logger.Warn("failed to remove partial output", "path", out, "error", rerr)
			}
		}
		return err
	}

	cli.logger.Debug("bars written", "format", format, "path", out, "count", n)
	return nil
}

// peekedIterator replays a bar already pulled from rest.
type peekedIterator struct {
	first models.Bar
	used  bool
	rest  resample.Iterator
}

func (p *peekedIterator) Next() (models.Bar, error) {
	if !p.used {
		p.used = true
		return p.first, nil
	}
	return p.rest.Next()
}
