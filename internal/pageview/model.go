// Package pageview derives the searchable page list, the previewed page, and
// aggregate statistics from the current Job.
//
// Selection is keyed by page URL. Once a page is selected it stays selected
// across snapshot updates for as long as it remains visible. When a filter
// change hides the selected page the selection is cleared and not replaced
// until the next snapshot arrives or the user selects explicitly.
package pageview

import (
	"errors"
	"strings"
	"sync"

	"github.com/JakeFAU/sitepdf-client/internal/job"
)

// ErrNotVisible is returned when selecting a page outside the filtered list.
var ErrNotVisible = errors.New("page is not in the filtered list")

// Model is safe for concurrent use.
type Model struct {
	mu         sync.RWMutex
	phase      job.Phase
	pages      []job.Page
	totalPages int
	filter     string
	filtered   []job.Page
	selected   string
	// holdAuto suppresses auto-select after a filter change evicted the
	// selection.
	holdAuto bool
}

// New returns an empty Model.
func New() *Model {
	return &Model{phase: job.PhaseIdle}
}

// Update feeds a new Job value into the model. It is the subscriber the
// session wires to the job store.
func (m *Model) Update(j job.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = j.Phase
	m.pages = append(m.pages[:0:0], j.Pages...)
	m.totalPages = j.TotalPages
	m.holdAuto = false
	m.recomputeLocked(false)
}

// SetFilter sets the case-insensitive query matched against title or URL.
// Whitespace is part of the query.
func (m *Model) SetFilter(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filter = strings.ToLower(text)
	m.recomputeLocked(true)
}

// Select makes the page with url the previewed page.
func (m *Model) Select(url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if indexOf(m.filtered, url) < 0 {
		return ErrNotVisible
	}
	m.selected = url
	m.holdAuto = false
	return nil
}

// Next moves the selection to the following visible page. It reports whether
// the selection changed.
func (m *Model) Next() bool {
	return m.step(1)
}

// Prev moves the selection to the preceding visible page.
func (m *Model) Prev() bool {
	return m.step(-1)
}

func (m *Model) step(delta int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.filtered) == 0 {
		return false
	}
	idx := indexOf(m.filtered, m.selected)
	var next int
	switch {
	case idx < 0 && delta > 0:
		next = 0
	case idx < 0:
		next = len(m.filtered) - 1
	default:
		next = idx + delta
	}
	if next < 0 || next >= len(m.filtered) || next == idx {
		return false
	}
	m.selected = m.filtered[next].URL
	m.holdAuto = false
	return true
}

// Reset clears pages, filter, and selection.
func (m *Model) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = job.PhaseIdle
	m.pages = nil
	m.totalPages = 0
	m.filter = ""
	m.filtered = nil
	m.selected = ""
	m.holdAuto = false
}

// Filtered returns the visible pages in server order.
func (m *Model) Filtered() []job.Page {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]job.Page(nil), m.filtered...)
}

// FilteredCount returns the number of visible pages.
func (m *Model) FilteredCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.filtered)
}

// Filter returns the normalized query.
func (m *Model) Filter() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filter
}

// Selected returns the latest version of the selected page.
func (m *Model) Selected() (job.Page, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.selected == "" {
		return job.Page{}, false
	}
	idx := indexOf(m.filtered, m.selected)
	if idx < 0 {
		return job.Page{}, false
	}
	return m.filtered[idx], true
}

func (m *Model) recomputeLocked(filterChanged bool) {
	filtered := make([]job.Page, 0, len(m.pages))
	for _, p := range m.pages {
		if p.Matches(m.filter) {
			filtered = append(filtered, p)
		}
	}
	m.filtered = filtered

	if m.selected != "" && indexOf(filtered, m.selected) < 0 {
		m.selected = ""
		if filterChanged {
			m.holdAuto = true
		}
	}
	if m.selected == "" && !m.holdAuto && len(filtered) > 0 {
		m.selected = filtered[0].URL
	}
}

func indexOf(pages []job.Page, url string) int {
	if url == "" {
		return -1
	}
	for i, p := range pages {
		if p.URL == url {
			return i
		}
	}
	return -1
}
