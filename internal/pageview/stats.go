package pageview

import "github.com/JakeFAU/sitepdf-client/internal/job"

// Stats summarizes the whole job, independent of the filter.
type Stats struct {
	PagesFound     int
	PDFsGenerated  int
	VideosDetected int
	TotalPages     int
	// Progress is a percentage in [0, 100].
	Progress int
}

// Stats computes aggregate counts. Progress divides generated PDFs by the
// larger of the reported total and the known pages, and is 100 once the job
// completed.
func (m *Model) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return computeStats(m.phase, m.pages, m.totalPages)
}

func computeStats(phase job.Phase, pages []job.Page, total int) Stats {
	s := Stats{PagesFound: len(pages), TotalPages: total}
	for _, p := range pages {
		if p.Rendered() {
			s.PDFsGenerated++
		}
		if p.HasVideo {
			s.VideosDetected++
		}
	}
	denom := max(total, len(pages))
	switch {
	case phase == job.PhaseCompleted:
		s.Progress = 100
	case denom > 0:
		s.Progress = min(100, s.PDFsGenerated*100/denom)
	}
	return s
}

// Compute derives Stats straight from a Job value.
func Compute(j job.Job) Stats {
	return computeStats(j.Phase, j.Pages, j.TotalPages)
}
