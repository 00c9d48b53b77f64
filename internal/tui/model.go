// Package tui renders conversion progress as a full-screen terminal view.
package tui

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"

	stepprogress "github.com/johndauphine/forum-converter/internal/progress"
)

type stepStartedMsg struct {
	title   string
	max     int64
	percent bool
}

type totalsMsg struct {
	totals stepprogress.Totals
}

type stepFinishedMsg struct {
	totals stepprogress.Totals
}

type finishedStep struct {
	title   string
	totals  stepprogress.Totals
	elapsed time.Duration
}

type model struct {
	spinner     spinner.Model
	bar         progress.Model
	onInterrupt func()

	title       string
	max         int64
	percent     bool
	started     time.Time
	totals      stepprogress.Totals
	running     bool
	finished    []finishedStep
	interrupted bool
}

func newModel(onInterrupt func()) model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = styleSuccess

	return model{
		spinner:     s,
		bar:         progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		onInterrupt: onInterrupt,
	}
}

func (m model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if !m.interrupted {
				m.interrupted = true
				if m.onInterrupt != nil {
					m.onInterrupt()
				}
			}
		}
		return m, nil

	case tea.WindowSizeMsg:
		width := msg.Width - 30
		if width > 80 {
			width = 80
		}
		if width < 10 {
			width = 10
		}
		m.bar.Width = width
		return m, nil

	case stepStartedMsg:
		m.title = msg.title
		m.max = msg.max
		if msg.percent {
			m.max = 100
		}
		m.percent = msg.percent
		m.started = time.Now()
		m.totals = stepprogress.Totals{}
		m.running = true
		return m, nil

	case totalsMsg:
		m.totals = msg.totals
		return m, nil

	case stepFinishedMsg:
		m.finished = append(m.finished, finishedStep{
			title:   m.title,
			totals:  msg.totals,
			elapsed: time.Since(m.started),
		})
		m.running = false
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(styleTitle.Render("forum-converter"))
	b.WriteString("\n")

	for _, f := range m.finished {
		mark := styleSuccess.Render("✓")
		switch {
		case f.totals.Errors > 0:
			mark = styleError.Render("✗")
		case f.totals.Warnings > 0:
			mark = styleWarning.Render("!")
		}
		fmt.Fprintf(&b, "%s %s %s\n", mark, styleStep.Render(f.title),
			styleCounts.Render(stepprogress.Summary(f.totals, f.elapsed)))
	}

	if m.running {
		var panel strings.Builder
		fmt.Fprintf(&panel, "%s %s\n", m.spinner.View(), styleStep.Render(m.title))
		if m.max > 0 {
			ratio := float64(m.totals.Progress) / float64(m.max)
			if ratio > 1 {
				ratio = 1
			}
			panel.WriteString(m.bar.ViewAs(ratio))
			panel.WriteString("\n")
		}
		panel.WriteString(styleCounts.Render(m.counts()))
		b.WriteString(stylePanel.Render(panel.String()))
		b.WriteString("\n")
	}

	if m.interrupted {
		b.WriteString(styleError.Render("Aborting..."))
	} else {
		b.WriteString(styleHelp.Render("ctrl+c to abort"))
	}
	b.WriteString("\n")
	return b.String()
}

func (m model) counts() string {
	progressText := humanize.Comma(m.totals.Progress)
	switch {
	case m.percent:
		progressText += "%"
	case m.max > 0:
		progressText += " / " + humanize.Comma(m.max)
	}
	return fmt.Sprintf("%s items  %s  %s warnings  %s errors",
		humanize.Comma(m.totals.Items), progressText,
		humanize.Comma(m.totals.Warnings), humanize.Comma(m.totals.Errors))
}

// Reporter implements progress.Reporter with a bubbletea program.
type Reporter struct {
	program *tea.Program
	done    chan struct{}
	once    sync.Once
}

// NewReporter starts the terminal view. onInterrupt runs when the user
// presses ctrl+c, since the program owns the terminal in raw mode.
func NewReporter(onInterrupt func(), opts ...tea.ProgramOption) *Reporter {
	r := &Reporter{
		program: tea.NewProgram(newModel(onInterrupt), opts...),
		done:    make(chan struct{}),
	}
	go func() {
		defer close(r.done)
		r.program.Run()
	}()
	return r
}

// Start shows a new step.
func (r *Reporter) Start(title string, max int64, percent bool) {
	r.program.Send(stepStartedMsg{title: title, max: max, percent: percent})
}

// Update refreshes the running totals.
func (r *Reporter) Update(t stepprogress.Totals) {
	r.program.Send(totalsMsg{totals: t})
}

// Finish moves the step to the completed list.
func (r *Reporter) Finish(t stepprogress.Totals) {
	r.program.Send(stepFinishedMsg{totals: t})
}

// Close stops the program and restores the terminal.
func (r *Reporter) Close() {
	r.once.Do(func() {
		r.program.Quit()
		<-r.done
	})
}

var _ stepprogress.Reporter = (*Reporter)(nil)
