package commander

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
)

// Theme keeps the commander's terminal styles in one place.
type Theme struct {
	Phase   lipgloss.Style
	Count   lipgloss.Style
	Notice  lipgloss.Style
	Warning lipgloss.Style
	Found   lipgloss.Style
}

func NewTheme() Theme {
	return Theme{
		Phase:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#61AFEF")),
		Count:   lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Notice:  lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		Found:   lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
	}
}

// Progress renders phase progress as plain lines with a static progress
// bar. It writes a new line per update instead of redrawing, so output stays
// readable when piped to a file.
type Progress struct {
	mu    sync.Mutex
	out   io.Writer
	bar   progress.Model
	theme Theme
	phase string
}

func NewProgress(out io.Writer) *Progress {
	return &Progress{
		out:   out,
		bar:   progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		theme: NewTheme(),
	}
}

func (p *Progress) PhaseStarted(name string, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.phase = name
	fmt.Fprintf(p.out, "%s %s\n", p.theme.Phase.Render("### "+name), p.theme.Count.Render(fmt.Sprintf("(%d jobs)", total)))
	fmt.Fprintf(p.out, "%s %s\n", p.bar.ViewAs(0), p.theme.Count.Render(fmt.Sprintf("0/%d", total)))
}

func (p *Progress) Advanced(done, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pct := 0.0
	if total > 0 {
		pct = float64(done) / float64(total)
	}
	fmt.Fprintf(p.out, "%s %s\n", p.bar.ViewAs(pct), p.theme.Count.Render(fmt.Sprintf("%d/%d", done, total)))
}

func (p *Progress) Notice(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, p.theme.Notice.Render(msg))
}

// Warn prints msg in the warning style.
func (p *Progress) Warn(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, p.theme.Warning.Render("!!!  "+msg))
}

// Found prints a result line.
func (p *Progress) Found(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, p.theme.Found.Render("$$$  "+msg))
}

func (p *Progress) PhaseFinished(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "%s\n", p.theme.Phase.Render("### "+name+" finished"))
}
