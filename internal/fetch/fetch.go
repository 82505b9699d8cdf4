// Package fetch downloads published trade archives and unpacks them into an
// output directory.
package fetch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cenkalti/backoff/v4"

	"github.com/johnayoung/go-tradebars/internal/config"
	"github.com/johnayoung/go-tradebars/internal/exchange"
)

// ChecksumError reports an archive whose sha256 differs from the published one.
type ChecksumError struct {
	URL      string
	Expected string
	Actual   string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", e.URL, e.Expected, e.Actual)
}

// Result describes a completed archive fetch.
type Result struct {
	Archive     exchange.Archive
	Bytes       int64
	Verified    bool
	ArchivePath string // set when the archive was kept
	Files       []string
}

// Downloader fetches archives through the shared exchange client.
type Downloader struct {
	client   *exchange.Client
	resolver *exchange.ArchiveResolver
	cfg      config.DownloadConfig
	logger   *slog.Logger
}

// NewDownloader creates a downloader writing into cfg.OutputDir.
func NewDownloader(client *exchange.Client, resolver *exchange.ArchiveResolver, cfg config.DownloadConfig, logger *slog.Logger) *Downloader {
	if logger == nil {
		logger = slog.Default()
	}
	if resolver == nil {
		resolver = exchange.NewArchiveResolver()
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "."
	}
	return &Downloader{
		client:   client,
		resolver: resolver,
		cfg:      cfg,
		logger:   logger.With("component", "downloader"),
	}
}

type rewinder interface {
	io.Seeker
	Truncate(size int64) error
}

// Download streams the body of url into dst and returns the bytes written.
// A transfer that breaks mid-body is retried only when dst can be rewound
// (an *os.File, for instance); otherwise the first failure is final.
func (d *Downloader) Download(ctx context.Context, url string, dst io.Writer) (int64, error) {
	rw, canRewind := dst.(rewinder)

	var written int64
	err := d.client.Get(ctx, exchange.ComponentDownload, url, func(resp *http.Response) error {
		if written > 0 {
			if _, err := rw.Seek(0, io.SeekStart); err != nil {
				return backoff.Permanent(fmt.Errorf("failed to rewind destination: %w", err))
			}
			if err := rw.Truncate(0); err != nil {
				return backoff.Permanent(fmt.Errorf("failed to truncate destination: %w", err))
			}
			written = 0
		}

		n, err := io.Copy(dst, resp.Body)
		written = n
		if err != nil {
			err = fmt.Errorf("failed to copy body: %w", err)
			if !canRewind {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	})
	d.client.Metrics().RecordBytes(written)
	if err != nil {
		return written, fmt.Errorf("download %s: %w", url, err)
	}
	return written, nil
}

// FetchArchive downloads the archive for req, optionally verifies its
// checksum, and extracts it into the output directory.
func (d *Downloader) FetchArchive(ctx context.Context, req exchange.ArchiveRequest) (*Result, error) {
	archive, err := d.resolver.Resolve(req)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(d.cfg.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory %s: %w", d.cfg.OutputDir, err)
	}

	tmp, err := os.CreateTemp(d.cfg.OutputDir, ".tradebars-*.part")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	keep := false
	defer func() {
		tmp.Close()
		if !keep {
			os.Remove(tmpPath)
		}
	}()

	d.logger.Info("downloading archive", "url", archive.URL)

	n, err := d.Download(ctx, archive.URL, tmp)
	if err != nil {
		return nil, err
	}
	if err := tmp.Sync(); err != nil {
		return nil, fmt.Errorf("failed to flush archive: %w", err)
	}

	result := &Result{Archive: archive, Bytes: n}

	if d.cfg.VerifyChecksum {
		if archive.ChecksumURL == "" {
			d.logger.Warn("exchange publishes no checksum, skipping verification", "url", archive.URL)
		} else {
			if err := d.verify(ctx, archive, tmpPath); err != nil {
				return nil, err
			}
			result.Verified = true
		}
	}

	switch archive.Compression {
	case exchange.CompressionZip:
		result.Files, err = ExtractZip(tmpPath, d.cfg.OutputDir)
	case exchange.CompressionGzip:
		dst := filepath.Join(d.cfg.OutputDir, archive.FileName)
		err = Gunzip(tmpPath, dst)
		result.Files = []string{dst}
	default:
		err = fmt.Errorf("unsupported compression %q", archive.Compression)
	}
	if err != nil {
		return nil, err
	}

	if d.cfg.KeepArchive {
		tmp.Close()
		kept := filepath.Join(d.cfg.OutputDir, path.Base(archive.URL))
		if err := os.Rename(tmpPath, kept); err != nil {
			return nil, fmt.Errorf("failed to keep archive: %w", err)
		}
		keep = true
		result.ArchivePath = kept
	}

	d.client.Metrics().RecordArchive()
	d.logger.Info("archive extracted",
		"url", archive.URL,
		"bytes", n,
		"verified", result.Verified,
		"files", len(result.Files))

	return result, nil
}

func (d *Downloader) verify(ctx context.Context, archive exchange.Archive, archivePath string) error {
	var buf bytes.Buffer
	if _, err := d.Download(ctx, archive.ChecksumURL, &buf); err != nil {
		return fmt.Errorf("failed to fetch checksum: %w", err)
	}

	expected, err := ParseChecksum(buf.String())
	if err != nil {
		return err
	}

	actual, err := FileSHA256(archivePath)
	if err != nil {
		return err
	}

	if !strings.EqualFold(expected, actual) {
		return &ChecksumError{URL: archive.URL, Expected: expected, Actual: actual}
	}
	d.logger.Debug("checksum verified", "url", archive.URL, "sha256", actual)
	return nil
}

// ParseChecksum reads the hash from a "<sha256> <file name>" line.
func ParseChecksum(content string) (string, error) {
	fields := strings.Fields(content)
	if len(fields) == 0 {
		return "", fmt.Errorf("invalid checksum file: empty")
	}
	sum := fields[0]
	if _, err := hex.DecodeString(sum); err != nil || len(sum) != sha256.Size*2 {
		return "", fmt.Errorf("invalid checksum file: %q is not a sha256 digest", sum)
	}
	return strings.ToLower(sum), nil
}

// FileSHA256 returns the hex sha256 of the file at path.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file for checksum: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to calculate checksum: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
