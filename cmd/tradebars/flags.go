package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// GlobalFlags appear before the command name.
type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
}

// DownloadFlags holds the download command flags
type DownloadFlags struct {
	Exchange    string
	Pair        string
	Type        string
	FuturesType string
	Date        string
	To          string
	Period      string
	Output      string
	Workers     int
	Verify      bool
	KeepArchive bool
	Help        bool
}

// KlinesFlags holds the klines command flags
type KlinesFlags struct {
	Exchange    string
	Pair        string
	Type        string
	FuturesType string
	Interval    string
	Start       string
	End         string
	Format      string
	Out         string
	NoAggressor bool
	Help        bool
}

// ResampleFlags holds the resample command flags
type ResampleFlags struct {
	In          string
	Interval    int64
	Layout      string
	TimeUnit    string
	FillGaps    bool
	Format      string
	Out         string
	NoAggressor bool
	BatchSize   int
	Help        bool
}

// flagValue returns the argument following args[i].
func flagValue(args []string, i int) (string, error) {
	if i+1 >= len(args) {
		return "", fmt.Errorf("%s requires a value", args[i])
	}
	return args[i+1], nil
}

// parseGlobalFlags consumes leading global flags and returns the rest.
func parseGlobalFlags(args []string) (*GlobalFlags, []string, error) {
	flags := &GlobalFlags{}

	i := 0
	for ; i < len(args); i++ {
		if !strings.HasPrefix(args[i], "-") {
			break
		}
		switch args[i] {
		case "--config", "-c":
			v, err := flagValue(args, i)
			if err != nil {
				return nil, nil, err
			}
			flags.ConfigPath = v
			i++
		case "--log-level":
			v, err := flagValue(args, i)
			if err != nil {
				return nil, nil, err
			}
			flags.LogLevel = v
			i++
		case "--log-format":
			v, err := flagValue(args, i)
			if err != nil {
				return nil, nil, err
			}
			flags.LogFormat = v
			i++
		case "--verbose":
			flags.LogLevel = "debug"
		default:
			// --help, --version and friends are commands
			return flags, args[i:], nil
		}
	}
	return flags, args[i:], nil
}

// splitExchange pulls the leading exchange name off a command's arguments.
func splitExchange(args []string) (string, []string) {
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		return args[0], args[1:]
	}
	return "", args
}

// parseDownloadFlags parses command line arguments for the download command
func parseDownloadFlags(args []string) (*DownloadFlags, error) {
	flags := &DownloadFlags{
		Type:   "spot",
		Period: "daily",
	}
	flags.Exchange, args = splitExchange(args)

	for i := 0; i < len(args); i++ {
		var err error
		switch args[i] {
		case "--pair", "-p":
			flags.Pair, err = flagValue(args, i)
			i++
		case "--type", "-t":
			flags.Type, err = flagValue(args, i)
			i++
		case "--futures-type", "-f":
			flags.FuturesType, err = flagValue(args, i)
			i++
		case "--date", "-d":
			flags.Date, err = flagValue(args, i)
			i++
		case "--to":
			flags.To, err = flagValue(args, i)
			i++
		case "--period":
			flags.Period, err = flagValue(args, i)
			i++
		case "--output", "-o":
			flags.Output, err = flagValue(args, i)
			i++
		case "--workers", "-w":
			var v string
			if v, err = flagValue(args, i); err == nil {
				flags.Workers, err = strconv.Atoi(v)
				if err != nil || flags.Workers < 1 {
					err = fmt.Errorf("invalid workers value: %s", v)
				}
			}
			i++
		case "--verify":
			flags.Verify = true
		case "--keep-archive":
			flags.KeepArchive = true
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}
		if err != nil {
			return nil, err
		}
	}

	if flags.Help {
		return flags, nil
	}
	if flags.Exchange == "" {
		return nil, fmt.Errorf("exchange is required (binance or bybit)")
	}
	if flags.Pair == "" {
		return nil, fmt.Errorf("--pair is required")
	}
	if flags.Date == "" {
		return nil, fmt.Errorf("--date is required")
	}
	return flags, nil
}

// parseKlinesFlags parses command line arguments for the klines command
func parseKlinesFlags(args []string) (*KlinesFlags, error) {
	flags := &KlinesFlags{
		Type:     "spot",
		Interval: "1h",
	}
	flags.Exchange, args = splitExchange(args)

	for i := 0; i < len(args); i++ {
		var err error
		switch args[i] {
		case "--pair", "-p":
			flags.Pair, err = flagValue(args, i)
			i++
		case "--type", "-t":
			flags.Type, err = flagValue(args, i)
			i++
		case "--futures-type", "-f":
			flags.FuturesType, err = flagValue(args, i)
			i++
		case "--interval", "-i":
			flags.Interval, err = flagValue(args, i)
			i++
		case "--start", "-s":
			flags.Start, err = flagValue(args, i)
			i++
		case "--end", "-e":
			flags.End, err = flagValue(args, i)
			i++
		case "--format":
			flags.Format, err = flagValue(args, i)
			i++
		case "--out", "-o":
			flags.Out, err = flagValue(args, i)
			i++
		case "--no-aggressor":
			flags.NoAggressor = true
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}
		if err != nil {
			return nil, err
		}
	}

	if flags.Help {
		return flags, nil
	}
	if flags.Exchange == "" {
		return nil, fmt.Errorf("exchange is required (binance or bybit)")
	}
	if flags.Pair == "" {
		return nil, fmt.Errorf("--pair is required")
	}
	if flags.Start == "" {
		return nil, fmt.Errorf("--start is required")
	}
	return flags, nil
}

// parseResampleFlags parses command line arguments for the resample command
func parseResampleFlags(args []string) (*ResampleFlags, error) {
	flags := &ResampleFlags{}

	for i := 0; i < len(args); i++ {
		var err error
		switch args[i] {
		case "--in", "-i":
			flags.In, err = flagValue(args, i)
			i++
		case "--interval":
			var v string
			if v, err = flagValue(args, i); err == nil {
				flags.Interval, err = strconv.ParseInt(v, 10, 64)
				if err != nil {
					err = fmt.Errorf("invalid interval value: %w", err)
				}
			}
			i++
		case "--layout":
			flags.Layout, err = flagValue(args, i)
			i++
		case "--time-unit":
			flags.TimeUnit, err = flagValue(args, i)
			i++
		case "--fill-gaps":
			flags.FillGaps = true
		case "--format":
			flags.Format, err = flagValue(args, i)
			i++
		case "--out", "-o":
			flags.Out, err = flagValue(args, i)
			i++
		case "--no-aggressor":
			flags.NoAggressor = true
		case "--batch-size":
			var v string
			if v, err = flagValue(args, i); err == nil {
				flags.BatchSize, err = strconv.Atoi(v)
				if err != nil {
					err = fmt.Errorf("invalid batch size value: %w", err)
				}
			}
			i++
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}
		if err != nil {
			return nil, err
		}
	}

	if flags.Help {
		return flags, nil
	}
	if flags.In == "" {
		return nil, fmt.Errorf("--in is required (use - for stdin)")
	}
	return flags, nil
}

// parseDate accepts YYYY-MM-DD, and YYYY-MM when monthly is set.
func parseDate(s string, monthly bool) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	if monthly {
		if t, err := time.Parse("2006-01", s); err == nil {
			return t, nil
		}
		return time.Time{}, fmt.Errorf("invalid date %q, use YYYY-MM-DD or YYYY-MM", s)
	}
	return time.Time{}, fmt.Errorf("invalid date %q, use YYYY-MM-DD", s)
}

// parseTimeArg accepts YYYY-MM-DD, RFC3339 or epoch milliseconds.
func parseTimeArg(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid time %q, use YYYY-MM-DD, RFC3339 or epoch milliseconds", s)
}
