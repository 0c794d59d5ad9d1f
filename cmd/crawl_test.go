package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitepdf-client/internal/backend/backendtest"
)

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestCrawlCommandCompletesAndDownloads(t *testing.T) {
	t.Parallel()

	srv := backendtest.New(t)
	srv.QueueJobIDs("j1")
	srv.Script("j1",
		backendtest.OK(backendtest.WithPages(backendtest.Status("processing"), backendtest.Page("https://example.com/"))),
		backendtest.OK(map[string]any{
			"status":          "completed",
			"merged_pdf_path": "generated_pdfs/j1/merged.pdf",
			"zip_path":        "generated_pdfs/j1_all.zip",
			"pages": []map[string]any{
				{"url": "https://example.com/", "title": "Home", "pdf_path": "generated_pdfs/j1/page_0.pdf"},
			},
		}),
	)
	srv.ServeFile("generated_pdfs/j1/merged.pdf", []byte("merged"))
	srv.ServeFile("generated_pdfs/j1_all.zip", []byte("zip"))

	dir := t.TempDir()
	out, err := runRoot(t, "crawl", "https://example.com",
		"--backend", srv.URL(),
		"--poll-interval-ms", "10",
		"--log-level", "error",
		"--download-dir", dir,
	)
	require.NoError(t, err)
	require.Contains(t, out, "job j1 accepted")
	require.Contains(t, out, "✓ Home (https://example.com/)")
	require.Contains(t, out, "job completed")
	require.Contains(t, out, srv.URL()+"/generated_pdfs/j1/merged.pdf")
	require.Contains(t, out, "saved "+filepath.Join(dir, "j1_all.zip"))

	data, err := os.ReadFile(filepath.Join(dir, "merged.pdf"))
	require.NoError(t, err)
	require.Equal(t, "merged", string(data))
}

func TestCrawlCommandFailedJob(t *testing.T) {
	t.Parallel()

	srv := backendtest.New(t)
	srv.QueueJobIDs("j1")
	srv.Script("j1", backendtest.OK(map[string]any{"status": "failed", "error": "timeout"}))

	out, err := runRoot(t, "crawl", "https://example.com",
		"--backend", srv.URL(),
		"--poll-interval-ms", "10",
		"--log-level", "error",
	)
	require.ErrorContains(t, err, "timeout")
	require.Contains(t, out, "job failed")
}

func TestCrawlCommandRejectsInvalidURL(t *testing.T) {
	t.Parallel()

	srv := backendtest.New(t)
	_, err := runRoot(t, "crawl", "not-a-url", "--backend", srv.URL(), "--log-level", "error")
	require.ErrorContains(t, err, "invalid url")
	require.Empty(t, srv.Submissions())
}

func TestCrawlCommandTimeout(t *testing.T) {
	t.Parallel()

	srv := backendtest.New(t)
	srv.QueueJobIDs("j1")

	_, err := runRoot(t, "crawl", "https://example.com",
		"--backend", srv.URL(),
		"--poll-interval-ms", "10",
		"--log-level", "error",
		"--timeout", "100ms",
	)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRootRejectsBadConfig(t *testing.T) {
	t.Parallel()

	_, err := runRoot(t, "crawl", "https://example.com", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}
