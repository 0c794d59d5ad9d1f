package app_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitepdf-client/internal/app"
	"github.com/JakeFAU/sitepdf-client/internal/backend/backendtest"
	"github.com/JakeFAU/sitepdf-client/internal/config"
	"github.com/JakeFAU/sitepdf-client/internal/session"
)

func testConfig(baseURL string) config.Config {
	return config.Config{
		Backend: config.BackendConfig{BaseURL: baseURL, TimeoutSeconds: 5, SubmitAttempts: 1},
		Poll: config.PollConfig{
			IntervalMs:        10,
			MaxFailureSeconds: 5,
			BackoffInitialMs:  10,
			BackoffMaxMs:      50,
		},
		Progress: config.ProgressConfig{MaxBatchWaitMs: 5},
		Download: config.DownloadConfig{Attempts: 2},
	}
}

func TestAppRunsCrawlToCompletion(t *testing.T) {
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
	srv.ServeFile("generated_pdfs/j1/page_0.pdf", []byte("page"))

	a, err := app.New(context.Background(), testConfig(srv.URL()), zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Session().StartCrawl(ctx, "https://example.com"))
	st, err := a.Session().Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, session.StateDone, st.State)
	require.Len(t, st.Downloads, 2)

	stats := a.View().Stats()
	require.Equal(t, 1, stats.PagesFound)
	require.Equal(t, 100, stats.Progress)

	dir := t.TempDir()
	results, err := a.Download(ctx, dir, true)
	require.NoError(t, err)
	require.Len(t, results, 3)
	data, err := os.ReadFile(filepath.Join(dir, "merged.pdf"))
	require.NoError(t, err)
	require.Equal(t, "merged", string(data))

	a.Close(ctx)

	families, err := a.Registry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	require.True(t, names["sitepdf_jobs_finished_total"])
	require.True(t, names["sitepdf_submissions_total"])
}

func TestAppDownloadRequiresDone(t *testing.T) {
	t.Parallel()

	srv := backendtest.New(t)
	a, err := app.New(context.Background(), testConfig(srv.URL()), nil)
	require.NoError(t, err)
	defer a.Close(context.Background())

	_, err = a.Download(context.Background(), t.TempDir(), false)
	require.ErrorContains(t, err, "no_job")
}

func TestNewRejectsBadBackend(t *testing.T) {
	t.Parallel()

	_, err := app.New(context.Background(), testConfig("not a url"), nil)
	require.Error(t, err)
}
