package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitepdf-client/internal/job"
	"github.com/JakeFAU/sitepdf-client/internal/pageview"
	"github.com/JakeFAU/sitepdf-client/internal/session"
)

// newCrawlCmd submits one URL and follows the job in plain text until it ends.
func newCrawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl <url>",
		Short: "Crawl a website into PDFs and print progress",
		Long: `Submits the URL to the backend, polls the job, and prints each page as
its PDF becomes available. When the job completes the merged PDF and ZIP
archive links are printed, and saved locally when --download-dir is set.`,
		Args: cobra.ExactArgs(1),
		RunE: withApp(runCrawlCommand),
	}
	cmd.Flags().String("download-dir", "", "save the merged PDF and archive into this directory")
	cmd.Flags().Bool("page-pdfs", false, "also save every page PDF (requires --download-dir)")
	cmd.Flags().Duration("timeout", 0, "give up waiting after this long (0 waits forever)")
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, args []string, appInstance App) error {
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out := cmd.OutOrStdout()
	ctrl := appInstance.Session()
	printer := newProgressPrinter(out, appInstance.View())
	unsubscribe := ctrl.Subscribe(printer.onStatus)
	defer unsubscribe()

	if err := ctrl.StartCrawl(ctx, args[0]); err != nil {
		return fmt.Errorf("submit crawl: %w", err)
	}
	st, err := ctrl.Wait(ctx)
	if err != nil {
		ctrl.StartNewCycle()
		return fmt.Errorf("wait for job: %w", err)
	}

	switch st.State {
	case session.StateFailed:
		return fmt.Errorf("crawl failed: %w", st.Err)
	case session.StateDone:
	default:
		return fmt.Errorf("crawl ended in state %s", st.State)
	}

	fmt.Fprintln(out, "Downloads:")
	for _, d := range st.Downloads {
		fmt.Fprintf(out, "  %-10s %s\n", d.Kind, d.URL)
	}

	cfg := appInstance.Config()
	if cfg.Download.Dir == "" {
		return nil
	}
	results, err := appInstance.Download(ctx, cfg.Download.Dir, cfg.Download.PagePDFs)
	for _, r := range results {
		line := fmt.Sprintf("  saved %s (%d bytes", r.File, r.Bytes)
		if r.PDFPages > 0 {
			line += fmt.Sprintf(", %d pages", r.PDFPages)
		}
		if len(r.SHA256) >= 12 {
			line += ", sha256 " + r.SHA256[:12]
		}
		fmt.Fprintln(out, line+")")
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			appInstance.Logger().Info("download interrupted")
		}
		return err
	}
	appInstance.Logger().Info("crawl finished",
		zap.String("job_id", st.Job.ID),
		zap.Int("saved", len(results)),
	)
	return nil
}

// progressPrinter writes a line whenever the stats change and one per page
// whose PDF becomes available.
type progressPrinter struct {
	out  io.Writer
	view *pageview.Model

	mu       sync.Mutex
	last     pageview.Stats
	state    session.State
	rendered map[string]bool
	started  time.Time
}

func newProgressPrinter(out io.Writer, view *pageview.Model) *progressPrinter {
	return &progressPrinter{out: out, view: view, rendered: make(map[string]bool), started: time.Now()}
}

func (p *progressPrinter) onStatus(st session.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if st.State != p.state {
		p.state = st.State
		switch st.State {
		case session.StatePolling:
			fmt.Fprintf(p.out, "job %s accepted, crawling %s\n", st.Job.ID, st.Job.SourceURL)
		case session.StateDone:
			fmt.Fprintf(p.out, "job completed in %s\n", time.Since(p.started).Round(time.Second))
		case session.StateFailed:
			if st.Err != nil {
				fmt.Fprintf(p.out, "job failed: %v\n", st.Err)
			}
		}
	}

	for _, page := range st.Job.Pages {
		if page.Rendered() && !p.rendered[page.URL] {
			p.rendered[page.URL] = true
			fmt.Fprintf(p.out, "  ✓ %s\n", pageTitle(page))
		}
	}

	stats := p.view.Stats()
	if stats != p.last && stats.PagesFound > 0 {
		p.last = stats
		fmt.Fprintf(p.out, "  pages %d · pdfs %d · videos %d · %d%%\n",
			stats.PagesFound, stats.PDFsGenerated, stats.VideosDetected, stats.Progress)
	}
}

func pageTitle(p job.Page) string {
	if p.Title != "" {
		return p.Title + " (" + p.URL + ")"
	}
	return p.URL
}
