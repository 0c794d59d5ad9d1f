package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitepdf-client/internal/backend"
	"github.com/JakeFAU/sitepdf-client/internal/backend/backendtest"
	"github.com/JakeFAU/sitepdf-client/internal/hash/sha256"
	"github.com/JakeFAU/sitepdf-client/internal/job"
)

// minimalPDF builds a valid PDF with n empty pages.
func minimalPDF(n int) []byte {
	var buf bytes.Buffer
	offsets := make([]int, 0, n+2)
	buf.WriteString("%PDF-1.4\n")

	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}
	obj("<< /Type /Catalog /Pages 2 0 R >>")
	kids := ""
	for i := 0; i < n; i++ {
		kids += fmt.Sprintf("%d 0 R ", i+3)
	}
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", kids, n))
	for i := 0; i < n; i++ {
		obj("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << >> >>")
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(offsets)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}

func TestFetchSavesArtifacts(t *testing.T) {
	t.Parallel()

	srv := backendtest.New(t)
	srv.ServeFile("generated_pdfs/j1/merged.pdf", minimalPDF(3))
	srv.ServeFile("generated_pdfs/j1_all.zip", []byte("PK-not-really"))
	srv.ServeFile("generated_pdfs/j1/page_0.pdf", minimalPDF(1))
	client, err := backend.New(backend.Config{BaseURL: srv.URL()}, zap.NewNop())
	require.NoError(t, err)

	dir := t.TempDir()
	f, err := New(client, Config{Dir: dir, Attempts: 2, Delay: time.Millisecond}, zap.NewNop())
	require.NoError(t, err)

	results, err := f.Fetch(context.Background(), []job.Artifact{
		{Kind: job.ArtifactMergedPDF, Path: "generated_pdfs/j1/merged.pdf"},
		{Kind: job.ArtifactArchive, Path: "generated_pdfs/j1_all.zip"},
		{Kind: job.ArtifactPagePDF, Path: "generated_pdfs/j1/page_0.pdf", PageURL: "https://example.com/a"},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	require.Equal(t, filepath.Join(dir, "merged.pdf"), results[0].File)
	require.Equal(t, 3, results[0].PDFPages)
	require.Equal(t, filepath.Join(dir, "j1_all.zip"), results[1].File)
	require.Zero(t, results[1].PDFPages)
	require.EqualValues(t, len("PK-not-really"), results[1].Bytes)
	require.Equal(t, filepath.Join(dir, "pages", "page_0.pdf"), results[2].File)
	require.Equal(t, 1, results[2].PDFPages)

	data, err := os.ReadFile(results[1].File)
	require.NoError(t, err)
	require.Equal(t, "PK-not-really", string(data))
	want, err := sha256.New().Hash(data)
	require.NoError(t, err)
	require.Equal(t, want, results[1].SHA256)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		require.NotContains(t, e.Name(), ".download-", "temp files are cleaned up")
	}
}

type flakyDownloader struct {
	failures int
	calls    int
}

func (d *flakyDownloader) Download(_ context.Context, _ string, w io.Writer) (int64, error) {
	d.calls++
	if d.calls <= d.failures {
		_, _ = w.Write([]byte("partial"))
		return 0, errors.New("connection reset")
	}
	n, err := w.Write([]byte("complete"))
	return int64(n), err
}

func TestFetchRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	d := &flakyDownloader{failures: 2}
	dir := t.TempDir()
	f, err := New(d, Config{Dir: dir, Attempts: 3, Delay: time.Millisecond}, nil)
	require.NoError(t, err)

	results, err := f.Fetch(context.Background(), []job.Artifact{{Kind: job.ArtifactArchive, Path: "out/all.zip"}})
	require.NoError(t, err)
	require.Equal(t, 3, d.calls)
	data, err := os.ReadFile(results[0].File)
	require.NoError(t, err)
	require.Equal(t, "complete", string(data))
}

func TestFetchGivesUp(t *testing.T) {
	t.Parallel()

	d := &flakyDownloader{failures: 10}
	dir := t.TempDir()
	f, err := New(d, Config{Dir: dir, Attempts: 2, Delay: time.Millisecond}, nil)
	require.NoError(t, err)

	results, err := f.Fetch(context.Background(), []job.Artifact{{Kind: job.ArtifactArchive, Path: "out/all.zip"}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "connection reset")
	require.Empty(t, results)
	require.Equal(t, 2, d.calls)
	_, statErr := os.Stat(filepath.Join(dir, "all.zip"))
	require.True(t, os.IsNotExist(statErr), "no partial file is left behind")
}

func TestNewRequiresDir(t *testing.T) {
	t.Parallel()

	_, err := New(&flakyDownloader{}, Config{}, nil)
	require.Error(t, err)
}

func TestDestinationRejectsEmptyName(t *testing.T) {
	t.Parallel()

	f, err := New(&flakyDownloader{}, Config{Dir: t.TempDir()}, nil)
	require.NoError(t, err)
	_, err = f.destination(job.Artifact{Path: "/"})
	require.Error(t, err)
	_, err = f.destination(job.Artifact{Path: "../.."})
	require.Error(t, err)
}

func TestPageCountRejectsGarbage(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "bad.pdf")
	require.NoError(t, os.WriteFile(file, []byte("not a pdf"), 0o600))
	_, err := PageCount(file)
	require.Error(t, err)
}
