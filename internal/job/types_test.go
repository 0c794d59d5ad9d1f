package job

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPhaseRankOrdering(t *testing.T) {
	t.Parallel()

	require.Less(t, PhaseIdle.Rank(), PhaseProcessing.Rank())
	require.Less(t, PhaseProcessing.Rank(), PhaseCompleted.Rank())
	require.Equal(t, PhaseCompleted.Rank(), PhaseFailed.Rank())
	require.False(t, Phase("queued").Valid())
	require.True(t, PhaseFailed.IsTerminal())
	require.False(t, PhaseProcessing.IsTerminal())
}

func TestPageMatches(t *testing.T) {
	t.Parallel()

	titled := Page{URL: "https://example.com/about", Title: "Our Team"}
	untitled := Page{URL: "https://example.com/TEAM"}

	require.True(t, titled.Matches("team"))
	require.True(t, titled.Matches("about"))
	require.False(t, titled.Matches("pricing"))
	require.True(t, untitled.Matches("team"))
	require.True(t, untitled.Matches(""))
}

func TestJobCloneIsDeep(t *testing.T) {
	t.Parallel()

	orig := Job{ID: "j1", Pages: []Page{{URL: "a"}}}
	cp := orig.Clone()
	cp.Pages[0].Title = "changed"

	require.Empty(t, orig.Pages[0].Title)
}

func TestJobArtifactsOnlyWhenCompleted(t *testing.T) {
	t.Parallel()

	j := Job{
		ID:            "j1",
		Phase:         PhaseProcessing,
		MergedPDFPath: "files/merged.pdf",
		ZipPath:       "files/all.zip",
		Pages:         []Page{{URL: "a", PDFPath: "files/a.pdf"}, {URL: "b"}},
	}
	require.Empty(t, j.Artifacts())
	require.Len(t, j.PageArtifacts(), 1)
	require.Equal(t, 1, j.RenderedCount())

	j.Phase = PhaseCompleted
	arts := j.Artifacts()
	require.Len(t, arts, 2)
	require.Equal(t, ArtifactMergedPDF, arts[0].Kind)
	require.Equal(t, ArtifactArchive, arts[1].Kind)

	j.Phase = PhaseFailed
	require.Empty(t, j.Artifacts())
}

func TestErrorMessages(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")
	subErr := &SubmissionError{URL: "https://example.com", Err: cause}
	require.ErrorIs(t, subErr, cause)
	require.Contains(t, subErr.Error(), "connection refused")

	rejected := &SubmissionError{URL: "https://example.com", StatusCode: 422, Detail: "invalid url"}
	require.Contains(t, rejected.Error(), "422")
	require.Contains(t, rejected.Error(), "invalid url")

	pollErr := &PollTransportError{JobID: "j1", StatusCode: 503}
	require.Contains(t, pollErr.Error(), "503")

	failed := &JobFailedError{JobID: "j1", Message: "timeout"}
	require.Equal(t, "timeout", failed.Error())
}
