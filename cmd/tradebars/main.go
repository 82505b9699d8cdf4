// Tradebars CLI
// This application downloads historical trade archives from Binance and
// Bybit, pulls paginated klines from their REST APIs, and resamples trade
// files into fixed-interval OHLCV bars.
//
// Usage:
//
//	tradebars download binance --pair BTCUSDT --type spot --date 2024-03-09
//	tradebars klines bybit --pair BTCUSDT --type futures --interval 1h --start 2024-03-01
//	tradebars resample --in BTCUSDT-trades-2024-03-09.csv --interval 60 --format csv
//
// For detailed help on any command, use: tradebars help <command>
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/johnayoung/go-tradebars/internal/config"
	apperrors "github.com/johnayoung/go-tradebars/internal/errors"
	"github.com/johnayoung/go-tradebars/internal/exchange"
	"github.com/johnayoung/go-tradebars/internal/logger"
	"github.com/johnayoung/go-tradebars/internal/metrics"
)

// CLI version information
const (
	Version = "1.0.0"
	AppName = "tradebars"
)

// Exit codes following standard conventions
const (
	ExitSuccess       = 0
	ExitUsageError    = 1
	ExitConfigError   = 2
	ExitConnectionErr = 3
	ExitDataError     = 4
	ExitInterrupt     = 130
)

// errHelp is returned by flag parsers when --help was given.
var errHelp = errors.New("help requested")

// usageError marks bad command line input.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func usage(format string, args ...interface{}) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

func asUsage(err error) error {
	if err == nil {
		return nil
	}
	return &usageError{err: err}
}

// CLI represents the main CLI application
type CLI struct {
	config     *config.AppConfig
	configMgr  *config.ConfigManager
	logs       *logger.LoggerManager
	logger     *slog.Logger
	classifier *apperrors.ErrorClassifier
	client     *exchange.Client
	metrics    *metrics.Recorder

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

// main is the entry point for the CLI application
func main() {
	// Setup signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

// run executes one command and returns the process exit code.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	global, rest, err := parseGlobalFlags(args)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n\n", err)
		printUsage(stderr)
		return ExitUsageError
	}
	if len(rest) == 0 {
		printUsage(stderr)
		return ExitUsageError
	}

	command, cmdArgs := rest[0], rest[1:]

	cli := &CLI{stdin: stdin, stdout: stdout, stderr: stderr}
	var handler func(context.Context, []string) error

	switch command {
	case "download":
		handler = cli.handleDownload
	case "klines":
		handler = cli.handleKlines
	case "resample":
		handler = cli.handleResample
	case "config":
		handler = cli.handleConfig
	case "version", "--version", "-v":
		fmt.Fprintf(stdout, "%s version %s\n", AppName, Version)
		return ExitSuccess
	case "help", "--help", "-h":
		if len(cmdArgs) > 0 {
			printCommandHelp(stdout, cmdArgs[0])
		} else {
			printUsage(stdout)
		}
		return ExitSuccess
	default:
		fmt.Fprintf(stderr, "Error: Unknown command '%s'\n\n", command)
		printUsage(stderr)
		return ExitUsageError
	}

	if err := cli.initialize(ctx, global); err != nil {
		fmt.Fprintf(stderr, "Error: Failed to initialize CLI: %v\n", err)
		return ExitConfigError
	}
	defer cli.logs.Close()

	ctx = logger.WithOperation(logger.NewRunContext(ctx), command)

	err = handler(ctx, cmdArgs)
	runAttrs := append(cli.metrics.Snapshot().LogAttrs(), errorStatsAttrs(cli.classifier.GetStats())...)
	cli.logs.GetComponentLogger("metrics").DebugWithContext(ctx, "run metrics", runAttrs...)
	if errors.Is(err, errHelp) {
		printCommandHelp(stdout, command)
		return ExitSuccess
	}
	if err != nil {
		cli.logs.WithContext(ctx).Error("command failed",
			"command", command,
			"error", err,
			"error_type", apperrors.GetErrorType(err),
			"severity", apperrors.GetSeverity(err).String(),
			"retryable", apperrors.IsRetryable(err))
		fmt.Fprintf(stderr, "Error: %v\n", err)
		code := exitCode(err)
		if code == ExitUsageError {
			fmt.Fprintf(stderr, "Run '%s help %s' for usage.\n", AppName, command)
		}
		return code
	}
	return ExitSuccess
}

// initialize sets up configuration, logging and the shared exchange client
func (cli *CLI) initialize(ctx context.Context, global *GlobalFlags) error {
	bootstrap := slog.New(slog.NewTextHandler(cli.stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cli.configMgr = config.NewConfigManager(global.ConfigPath, bootstrap)
	cfg, err := cli.configMgr.LoadConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if global.LogLevel != "" {
		cfg.Logging.Level = global.LogLevel
	}
	if global.LogFormat != "" {
		cfg.Logging.Format = global.LogFormat
	}
	cli.config = cfg

	switch cfg.Logging.Output {
	case "file", "stdout":
		cli.logs, err = logger.NewLoggerManager(cfg.Logging)
		if err != nil {
			return fmt.Errorf("failed to setup logging: %w", err)
		}
	default:
		cli.logs = logger.NewLoggerManagerWithWriter(cfg.Logging, cli.stderr)
	}
	cli.logger = cli.logs.GetLogger()

	cli.classifier = apperrors.NewErrorClassifier(cfg.ErrorHandling, cli.logs.GetComponentLogger("retry").Logger)
	cli.client = exchange.NewClient(cfg.Exchange, cli.classifier, cli.logs.GetComponentLogger("exchange").Logger)
	cli.metrics = metrics.NewRecorder()
	cli.client.SetRecorder(cli.metrics)
	return nil
}

// errorStatsAttrs flattens classifier counters into errors_<type> and
// retries_<type> pairs, sorted by type.
func errorStatsAttrs(stats map[apperrors.ErrorType]apperrors.ErrorStats) []any {
	types := make([]string, 0, len(stats))
	for t := range stats {
		types = append(types, string(t))
	}
	sort.Strings(types)

	attrs := make([]any, 0, 4*len(types))
	for _, t := range types {
		st := stats[apperrors.ErrorType(t)]
		attrs = append(attrs, "errors_"+t, st.Count, "retries_"+t, st.Retries)
	}
	return attrs
}

// exitCode maps an error to the process exit code.
func exitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	if errors.Is(err, context.Canceled) {
		return ExitInterrupt
	}
	var ue *usageError
	if errors.As(err, &ue) {
		return ExitUsageError
	}

	switch apperrors.GetErrorType(err) {
	case apperrors.ErrorTypeNetwork, apperrors.ErrorTypeTimeout, apperrors.ErrorTypeRateLimit,
		apperrors.ErrorTypeServerError, apperrors.ErrorTypeNotFound, apperrors.ErrorTypeAuthentication:
		return ExitConnectionErr
	case apperrors.ErrorTypeConfiguration:
		return ExitConfigError
	}
	return ExitDataError
}
