// Package artifacts saves a finished job's outputs to a local directory and
// reports what was written.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitepdf-client/internal/hash/sha256"
	"github.com/JakeFAU/sitepdf-client/internal/job"
)

// Downloader streams a server-relative artifact.
type Downloader interface {
	Download(ctx context.Context, path string, w io.Writer) (int64, error)
}

// Config controls where and how artifacts are saved.
type Config struct {
	Dir      string
	Attempts int
	Delay    time.Duration
}

// Result describes one saved artifact.
type Result struct {
	Artifact job.Artifact
	File     string
	Bytes    int64
	// SHA256 is the hex digest of the saved file.
	SHA256 string
	// PDFPages is the page count of PDF artifacts, zero otherwise.
	PDFPages int
}

// Fetcher downloads artifacts with retries.
type Fetcher struct {
	downloader Downloader
	hasher     *sha256.Hasher
	cfg        Config
	logger     *zap.Logger
}

// New builds a Fetcher.
func New(d Downloader, cfg Config, logger *zap.Logger) (*Fetcher, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errors.New("artifacts: download dir is required")
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if cfg.Delay <= 0 {
		cfg.Delay = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{downloader: d, hasher: sha256.New(), cfg: cfg, logger: logger.Named("artifacts")}, nil
}

// Fetch saves every artifact. It stops at the first artifact that still fails
// after all attempts and returns the results saved so far.
func (f *Fetcher) Fetch(ctx context.Context, arts []job.Artifact) ([]Result, error) {
	if err := os.MkdirAll(f.cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}
	results := make([]Result, 0, len(arts))
	for _, art := range arts {
		res, err := f.fetchOne(ctx, art)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (f *Fetcher) fetchOne(ctx context.Context, art job.Artifact) (Result, error) {
	dest, err := f.destination(art)
	if err != nil {
		return Result{}, err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return Result{}, fmt.Errorf("create artifact dir: %w", err)
	}

	var written int64
	err = retry.Do(
		func() error {
			n, err := f.download(ctx, art.Path, dest)
			if err != nil {
				return err
			}
			written = n
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(f.cfg.Attempts)),
		retry.Delay(f.cfg.Delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}),
		retry.OnRetry(func(n uint, err error) {
			f.logger.Debug("artifact download retry", zap.String("path", art.Path), zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
	if err != nil {
		return Result{}, fmt.Errorf("save %s: %w", art.Path, err)
	}

	res := Result{Artifact: art, File: dest, Bytes: written}
	digest, err := f.hasher.HashFile(dest)
	if err != nil {
		return Result{}, fmt.Errorf("checksum %s: %w", dest, err)
	}
	res.SHA256 = digest
	if strings.EqualFold(filepath.Ext(dest), ".pdf") {
		pages, err := PageCount(dest)
		if err != nil {
			f.logger.Warn("could not read pdf page count", zap.String("file", dest), zap.Error(err))
		} else {
			res.PDFPages = pages
		}
	}
	f.logger.Info("artifact saved",
		zap.String("kind", string(art.Kind)),
		zap.String("file", dest),
		zap.Int64("bytes", written),
		zap.String("sha256", digest),
		zap.Int("pdf_pages", res.PDFPages),
	)
	return res, nil
}

// download writes into a temporary file and renames it so a partial file is
// never left at dest.
func (f *Fetcher) download(ctx context.Context, src, dest string) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	n, err := f.downloader.Download(ctx, src, tmp)
	if closeErr := tmp.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		return 0, err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return 0, fmt.Errorf("finalize %s: %w", dest, err)
	}
	return n, nil
}

func (f *Fetcher) destination(art job.Artifact) (string, error) {
	name := path.Base(strings.TrimRight(strings.ReplaceAll(art.Path, "\\", "/"), "/"))
	if name == "" || name == "." || name == "/" || name == ".." {
		return "", fmt.Errorf("artifact path %q has no file name", art.Path)
	}
	if art.Kind == job.ArtifactPagePDF {
		// Page PDFs share names across jobs; keep them apart from job-level files.
		return filepath.Join(f.cfg.Dir, "pages", name), nil
	}
	return filepath.Join(f.cfg.Dir, name), nil
}

// PageCount returns the number of pages in the PDF at file.
func PageCount(file string) (int, error) {
	fh, err := os.Open(file)
	if err != nil {
		return 0, fmt.Errorf("open pdf: %w", err)
	}
	defer fh.Close()

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	pages, err := api.PageCount(fh, conf)
	if err != nil {
		return 0, fmt.Errorf("count pdf pages: %w", err)
	}
	return pages, nil
}
