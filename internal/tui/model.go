// Package tui renders the interactive dashboard: URL entry, live stats, a
// searchable page list with preview, and download links.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/JakeFAU/sitepdf-client/internal/job"
	"github.com/JakeFAU/sitepdf-client/internal/pageview"
	"github.com/JakeFAU/sitepdf-client/internal/session"
)

// Controller is the session surface the dashboard drives.
type Controller interface {
	StartCrawl(ctx context.Context, raw string) error
	StartNewCycle()
	Status() session.Status
	PageDownloads() []job.Artifact
}

// PageView is the page list state the dashboard reads and steers.
type PageView interface {
	SetFilter(text string)
	Select(url string) error
	Next() bool
	Prev() bool
	Filtered() []job.Page
	FilteredCount() int
	Filter() string
	Selected() (job.Page, bool)
	Stats() pageview.Stats
}

type focus int

const (
	focusURL focus = iota
	focusSearch
	focusList
)

// StatusMsg carries a session status change into the program.
type StatusMsg session.Status

type crawlDoneMsg struct {
	err error
}

const maxListRows = 12

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	mutedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	okStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	panelStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	selectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("230")).Background(lipgloss.Color("62")).Bold(true)
	barFullStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	barEmptyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("238"))
)

// Model is the bubbletea model of the dashboard.
type Model struct {
	ctx    context.Context
	ctrl   Controller
	view   PageView
	status session.Status

	urlInput    textinput.Model
	searchInput textinput.Model
	spin        spinner.Model
	focus       focus
	width       int
	message     string
}

// New builds the dashboard model. ctx bounds submissions started from it.
func New(ctx context.Context, ctrl Controller, view PageView) Model {
	urlInput := textinput.New()
	urlInput.Placeholder = "https://example.com"
	urlInput.Prompt = "URL › "
	urlInput.CharLimit = 2048
	urlInput.Focus()

	searchInput := textinput.New()
	searchInput.Placeholder = "filter by title or URL"
	searchInput.Prompt = "Search › "

	spin := spinner.New()
	spin.Spinner = spinner.Dot

	return Model{
		ctx:         ctx,
		ctrl:        ctrl,
		view:        view,
		status:      ctrl.Status(),
		urlInput:    urlInput,
		searchInput: searchInput,
		spin:        spin,
		focus:       focusURL,
		width:       100,
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spin.Tick)
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.urlInput.Width = max(20, msg.Width-12)
		m.searchInput.Width = max(20, msg.Width-14)
		return m, nil
	case StatusMsg:
		m.status = session.Status(msg)
		return m, nil
	case crawlDoneMsg:
		m.status = m.ctrl.Status()
		switch {
		case msg.err == nil:
			m.message = ""
		case errors.Is(msg.err, session.ErrAbandoned):
			m.message = ""
		default:
			m.message = msg.err.Error()
		}
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m.updateFocused(msg)
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		return m, tea.Quit
	case tea.KeyCtrlN:
		m.ctrl.StartNewCycle()
		m.urlInput.SetValue("")
		m.searchInput.SetValue("")
		m.message = ""
		m.status = m.ctrl.Status()
		return m.setFocus(focusURL), nil
	case tea.KeyTab:
		return m.setFocus((m.focus + 1) % 3), nil
	case tea.KeyShiftTab:
		return m.setFocus((m.focus + 2) % 3), nil
	}

	switch m.focus {
	case focusURL:
		if msg.Type == tea.KeyEnter {
			return m.submit()
		}
	case focusList:
		switch msg.String() {
		case "up", "k":
			m.view.Prev()
			return m, nil
		case "down", "j":
			m.view.Next()
			return m, nil
		case "q", "esc":
			return m, tea.Quit
		}
		return m, nil
	case focusSearch:
		if msg.Type == tea.KeyEsc {
			m.searchInput.SetValue("")
			m.view.SetFilter("")
			return m, nil
		}
	}
	return m.updateFocused(msg)
}

func (m Model) updateFocused(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch m.focus {
	case focusURL:
		m.urlInput, cmd = m.urlInput.Update(msg)
	case focusSearch:
		before := m.searchInput.Value()
		m.searchInput, cmd = m.searchInput.Update(msg)
		if m.searchInput.Value() != before {
			m.view.SetFilter(m.searchInput.Value())
		}
	}
	return m, cmd
}

func (m Model) submit() (tea.Model, tea.Cmd) {
	if m.status.State.Active() {
		m.message = session.ErrBusy.Error()
		return m, nil
	}
	raw := m.urlInput.Value()
	if _, err := session.ValidateURL(raw); err != nil {
		m.message = err.Error()
		return m, nil
	}
	m.message = ""
	m.searchInput.SetValue("")
	m.status.State = session.StateSubmitting
	ctrl, ctx := m.ctrl, m.ctx
	return m, func() tea.Msg {
		return crawlDoneMsg{err: ctrl.StartCrawl(ctx, raw)}
	}
}

func (m Model) setFocus(f focus) Model {
	m.focus = f
	m.urlInput.Blur()
	m.searchInput.Blur()
	switch f {
	case focusURL:
		m.urlInput.Focus()
	case focusSearch:
		m.searchInput.Focus()
	}
	return m
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("sitepdf") + mutedStyle.Render("  crawl a site into PDFs") + "\n\n")
	b.WriteString(m.urlInput.View() + "\n")
	b.WriteString(m.stateLine() + "\n")
	if m.message != "" {
		b.WriteString(errorStyle.Render(m.message) + "\n")
	}
	if m.status.State == session.StateNoJob && m.status.Job.ID == "" {
		b.WriteString("\n" + mutedStyle.Render("enter a URL and press enter · tab switches focus · ctrl+n new crawl · ctrl+c quit"))
		return b.String()
	}

	b.WriteString("\n" + m.statsLine() + "\n\n")
	b.WriteString(m.searchInput.View() + "\n")
	if m.view.Filter() != "" {
		b.WriteString(mutedStyle.Render(fmt.Sprintf("Found %d results", m.view.FilteredCount())) + "\n")
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, m.listPanel(), " ", m.previewPanel()) + "\n")
	if downloads := m.status.Downloads; len(downloads) > 0 {
		b.WriteString("\n" + okStyle.Render("Downloads") + "\n")
		for _, d := range downloads {
			b.WriteString(fmt.Sprintf("  %-10s %s\n", artifactLabel(d.Kind), d.URL))
		}
	}
	b.WriteString("\n" + mutedStyle.Render("tab focus · ↑/↓ select · esc clear search · ctrl+n new crawl · ctrl+c quit"))
	return b.String()
}

func (m Model) stateLine() string {
	st := m.status
	switch st.State {
	case session.StateSubmitting:
		return m.spin.View() + " submitting…"
	case session.StatePolling:
		return m.spin.View() + " crawling " + st.Job.SourceURL
	case session.StateDone:
		return okStyle.Render("✓ completed")
	case session.StateFailed:
		msg := "failed"
		if st.Err != nil {
			msg = "failed: " + st.Err.Error()
		}
		return errorStyle.Render("✗ " + msg)
	default:
		if st.Err != nil {
			return errorStyle.Render(st.Err.Error())
		}
		return mutedStyle.Render("idle")
	}
}

func (m Model) statsLine() string {
	s := m.view.Stats()
	width := max(10, min(40, m.width-60))
	filled := width * s.Progress / 100
	bar := barFullStyle.Render(strings.Repeat("█", filled)) + barEmptyStyle.Render(strings.Repeat("░", width-filled))
	return fmt.Sprintf("Pages %d · PDFs %d · Videos %d  %s %3d%%",
		s.PagesFound, s.PDFsGenerated, s.VideosDetected, bar, s.Progress)
}

func (m Model) listPanel() string {
	pages := m.view.Filtered()
	selected, hasSel := m.view.Selected()
	if len(pages) == 0 {
		msg := "waiting for pages…"
		if m.view.Filter() != "" {
			msg = "no pages match"
		}
		return panelStyle.Width(m.listWidth()).Render(mutedStyle.Render(msg))
	}

	start := 0
	if hasSel {
		for i, p := range pages {
			if p.URL == selected.URL && i >= maxListRows {
				start = i - maxListRows + 1
			}
		}
	}
	end := min(len(pages), start+maxListRows)
	rows := make([]string, 0, end-start)
	for _, p := range pages[start:end] {
		mark := mutedStyle.Render("…")
		if p.Rendered() {
			mark = okStyle.Render("✓")
		}
		label := truncate(pageLabel(p), m.listWidth()-6)
		if p.HasVideo {
			label += " ▶"
		}
		row := mark + " " + label
		if hasSel && p.URL == selected.URL {
			row = selectedStyle.Render("› " + label)
		}
		rows = append(rows, row)
	}
	return panelStyle.Width(m.listWidth()).Render(strings.Join(rows, "\n"))
}

func (m Model) previewPanel() string {
	page, ok := m.view.Selected()
	if !ok {
		return panelStyle.Render(mutedStyle.Render("select a page to preview"))
	}
	lines := []string{titleStyle.Render(truncate(pageLabel(page), 60)), mutedStyle.Render(truncate(page.URL, 60))}
	if page.Rendered() {
		link := page.PDFPath
		for _, a := range m.ctrl.PageDownloads() {
			if a.PageURL == page.URL {
				link = a.URL
				break
			}
		}
		lines = append(lines, okStyle.Render("PDF ready"), link)
	} else {
		lines = append(lines, mutedStyle.Render("Generating PDF…"))
	}
	if page.HasVideo {
		lines = append(lines, "contains video")
	}
	return panelStyle.Render(strings.Join(lines, "\n"))
}

func (m Model) listWidth() int {
	return max(30, m.width/2-4)
}

func pageLabel(p job.Page) string {
	if p.Title != "" {
		return p.Title
	}
	return p.URL
}

func artifactLabel(kind job.ArtifactKind) string {
	switch kind {
	case job.ArtifactMergedPDF:
		return "merged"
	case job.ArtifactArchive:
		return "zip"
	default:
		return string(kind)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 1 || len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
