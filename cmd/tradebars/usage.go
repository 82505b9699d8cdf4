package main

import (
	"fmt"
	"io"
)

// printUsage prints the top-level help text
func printUsage(w io.Writer) {
	fmt.Fprintf(w, `%s - Crypto trade archives and OHLCV bars

USAGE:
    %s [global options] <command> [options]

COMMANDS:
    download    Download and extract a daily or monthly trade archive
    klines      Fetch OHLCV klines from an exchange REST API
    resample    Aggregate a trade CSV into fixed-interval bars
    config      Show the effective configuration or write a config file
    version     Show version information
    help        Show help for a command

GLOBAL OPTIONS:
    --config, -c <file>       Configuration file (default: tradebars.json if present)
    --log-level <level>       debug, info, warn, error
    --log-format <format>     text, json
    --verbose                 Same as --log-level debug

Environment variables prefixed with TRADEBARS_ override the config file.

Use "%s help <command>" for more information about a command.
`, AppName, AppName, AppName)
}

// printCommandHelp prints detailed help for a command
func printCommandHelp(w io.Writer, command string) {
	switch command {
	case "download":
		fmt.Fprintf(w, `%s download - Download and extract a trade archive

USAGE:
    %s download <binance|bybit> [options]

OPTIONS:
    --pair, -p <pair>           Trading pair, e.g. BTCUSDT (required)
    --type, -t <type>           spot or futures (default: spot)
    --futures-type, -f <type>   um or cm, required for Binance futures
    --date, -d <date>           YYYY-MM-DD, or YYYY-MM for monthly (required)
    --to <date>                 Last date of a range, inclusive
    --period <period>           daily or monthly (default: daily)
    --output, -o <dir>          Output directory (default: config output_dir)
    --workers, -w <n>           Concurrent downloads for a range (default: 4)
    --verify                    Verify the published sha256 checksum (Binance)
    --keep-archive              Keep the downloaded .zip or .gz
    --help, -h                  Show this help message

EXAMPLES:
    # Binance spot trades for one day
    %s download binance --pair BTCUSDT --type spot --date 2024-03-09 --verify

    # Binance USD-M futures trades for a month
    %s download binance --pair ETHUSDT --type futures -f um --period monthly --date 2024-02

    # Bybit perpetual trades
    %s download bybit --pair BTCUSDT --type futures --date 2024-03-09 -o data/

    # One week of Binance spot trades, two at a time
    %s download binance --pair BTCUSDT --date 2024-03-01 --to 2024-03-07 -w 2

NOTES:
    - Bybit does not publish monthly futures archives
    - Extracted file paths are printed to stdout
    - In a range, a failed date does not stop the others
`, AppName, AppName, AppName, AppName, AppName, AppName)

	case "klines":
		fmt.Fprintf(w, `%s klines - Fetch OHLCV klines from a REST API

USAGE:
    %s klines <binance|bybit> [options]

OPTIONS:
    --pair, -p <pair>           Trading pair (required)
    --type, -t <type>           spot or futures (default: spot)
    --futures-type, -f <type>   um or cm (Binance futures require one)
    --interval, -i <interval>   1m 3m 5m 15m 30m 1h 2h 4h 6h 8h 12h 1d 3d 1w 1M (default: 1h)
    --start, -s <time>          YYYY-MM-DD, RFC3339 or epoch ms (required)
    --end, -e <time>            Exclusive end (default: now)
    --format <format>           table, csv, json, parquet, duckdb
    --out, -o <path>            Output file (default: stdout for text formats)
    --no-aggressor              Drop the buyer aggressor volume column
    --help, -h                  Show this help message

EXAMPLES:
    # A week of hourly BTCUSDT spot bars as CSV
    %s klines binance --pair BTCUSDT --interval 1h --start 2024-03-01 --end 2024-03-08 --format csv

    # Bybit inverse futures daily bars into DuckDB
    %s klines bybit --pair BTCUSD --type futures -f cm --interval 1d --start 2023-01-01 --format duckdb --out bars.duckdb

NOTES:
    - Requests are paced by the configured rate limit and retried on throttling
    - Bybit does not offer 8h or 3d klines and reports no aggressor volume
`, AppName, AppName, AppName, AppName)

	case "resample":
		fmt.Fprintf(w, `%s resample - Aggregate trades into OHLCV bars

USAGE:
    %s resample --in <file> --interval <seconds> [options]

OPTIONS:
    --in, -i <file>             Trade CSV, - for stdin (required)
    --interval <seconds>        Bar width in seconds (required unless configured)
    --layout <layout>           auto, binance or bybit (default: auto)
    --time-unit <unit>          auto, s, ms or us (default: auto)
    --fill-gaps                 Emit flat bars for intervals without trades
    --format <format>           table, csv, json, parquet, duckdb
    --out, -o <path>            Output file (default: stdout for text formats)
    --no-aggressor              Drop the buyer aggressor volume column
    --batch-size <n>            Bars per sink write (default: 1000)
    --help, -h                  Show this help message

EXAMPLES:
    # One-minute bars from a Binance spot dump
    %s resample --in BTCUSDT-trades-2024-03-09.csv --interval 60 --format csv --out bars.csv

    # Five-minute bars from a Bybit dump with gaps filled, as Parquet
    %s resample --in BTCUSDT2024-03-09.csv --interval 300 --fill-gaps --format parquet --out bars.parquet

NOTES:
    - Input must be ordered by time
    - Headerless files are read as Binance dumps
    - Without --fill-gaps, intervals with no trades produce no bar
`, AppName, AppName, AppName, AppName)

	case "config":
		fmt.Fprintf(w, `%s config - Inspect configuration

USAGE:
    %s config show
    %s config init [path]

NOTES:
    - show prints the merged defaults, file and environment settings
    - init writes the current settings to path (default: tradebars.json)
`, AppName, AppName, AppName)

	default:
		fmt.Fprintf(w, "No help available for command: %s\n", command)
		printUsage(w)
	}
}
