// Package job defines the client-side model of a crawl-to-PDF job and the
// error taxonomy shared by the poller, store, and session controller.
package job

import "strings"

// Phase represents the lifecycle state of a job as seen by the client.
type Phase string

// Lifecycle phases. Transitions are monotonic: idle -> processing -> completed|failed.
const (
	PhaseIdle       Phase = "idle"
	PhaseProcessing Phase = "processing"
	PhaseCompleted  Phase = "completed"
	PhaseFailed     Phase = "failed"
)

// Rank orders phases for monotonicity checks. Both terminal phases share the
// highest rank.
func (p Phase) Rank() int {
	switch p {
	case PhaseIdle:
		return 0
	case PhaseProcessing:
		return 1
	case PhaseCompleted, PhaseFailed:
		return 2
	default:
		return -1
	}
}

// IsTerminal reports whether no further transitions can occur.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// Valid reports whether p is one of the known phases.
func (p Phase) Valid() bool {
	return p.Rank() >= 0
}

// Page is one discovered URL within a job and its per-page rendering result.
type Page struct {
	// URL is the identity key of the page within a job.
	URL string `json:"url"`
	// Title may arrive after the URL is known.
	Title string `json:"title,omitempty"`
	// PDFPath is the server-relative path of the rendered PDF, empty until rendered.
	PDFPath string `json:"pdf_path,omitempty"`
	// HasVideo hints that the page embeds video content.
	HasVideo bool `json:"has_video,omitempty"`
}

// Rendered reports whether the page's PDF is available.
func (p Page) Rendered() bool {
	return p.PDFPath != ""
}

// Matches performs the case-insensitive title-or-URL search used by views.
// The query must already be lower-cased; an empty query matches everything.
func (p Page) Matches(lowerQuery string) bool {
	if lowerQuery == "" {
		return true
	}
	if p.Title != "" && strings.Contains(strings.ToLower(p.Title), lowerQuery) {
		return true
	}
	return strings.Contains(strings.ToLower(p.URL), lowerQuery)
}

// Job is the immutable client-side representation of one crawl request.
// The Store swaps whole values; callers must treat Pages as read-only or Clone first.
type Job struct {
	ID            string
	Phase         Phase
	SourceURL     string
	Pages         []Page
	TotalPages    int
	MergedPDFPath string
	ZipPath       string
	Error         string
}

// Idle returns the empty job used before submission and after a reset.
func Idle() Job {
	return Job{Phase: PhaseIdle}
}

// Clone returns a deep copy of the job.
func (j Job) Clone() Job {
	cp := j
	if j.Pages != nil {
		cp.Pages = make([]Page, len(j.Pages))
		copy(cp.Pages, j.Pages)
	}
	return cp
}

// RenderedCount returns the number of pages with a generated PDF.
func (j Job) RenderedCount() int {
	n := 0
	for _, p := range j.Pages {
		if p.Rendered() {
			n++
		}
	}
	return n
}

// Artifacts lists the downloadable job-level artifacts. Only completed jobs expose any.
func (j Job) Artifacts() []Artifact {
	if j.Phase != PhaseCompleted {
		return nil
	}
	var out []Artifact
	if j.MergedPDFPath != "" {
		out = append(out, Artifact{Kind: ArtifactMergedPDF, Path: j.MergedPDFPath})
	}
	if j.ZipPath != "" {
		out = append(out, Artifact{Kind: ArtifactArchive, Path: j.ZipPath})
	}
	return out
}

// PageArtifacts lists the rendered per-page PDFs in server order.
func (j Job) PageArtifacts() []Artifact {
	var out []Artifact
	for _, p := range j.Pages {
		if p.Rendered() {
			out = append(out, Artifact{Kind: ArtifactPagePDF, Path: p.PDFPath, PageURL: p.URL})
		}
	}
	return out
}

// ArtifactKind distinguishes downloadable outputs.
type ArtifactKind string

// Supported artifact kinds.
const (
	ArtifactMergedPDF ArtifactKind = "merged_pdf"
	ArtifactArchive   ArtifactKind = "zip"
	ArtifactPagePDF   ArtifactKind = "page_pdf"
)

// Artifact references a server-relative file produced by the backend.
type Artifact struct {
	Kind ArtifactKind
	// Path is relative to the backend base address.
	Path string
	// URL is the absolute address once resolved against the backend.
	URL string
	// PageURL links page PDFs back to their source page.
	PageURL string
}

// Snapshot is the full state of a job as returned by one status poll.
type Snapshot struct {
	// JobID is stamped by the poller with the identifier it requested.
	JobID  string
	Status Phase
	// SourceURL echoes the submitted URL when the backend reports it.
	SourceURL string
	Pages     []Page
	// PagesPresent is false when the payload omitted the pages key.
	PagesPresent  bool
	TotalPages    int
	MergedPDFPath string
	ZipPath       string
	Error         string
}
