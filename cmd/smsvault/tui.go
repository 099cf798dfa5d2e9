package main

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	lipgloss "github.com/charmbracelet/lipgloss"

	"github.com/yourname/smsvault/internal/service"
)

type tickMsg time.Time
type eventMsg service.Event
type doneMsg struct{}

type model struct {
	cancel   context.CancelFunc
	state    service.SyncState
	current  int
	total    int
	err      error
	finished bool
	spinner  spinner.Model
	bar      progress.Model
	started  time.Time
	// Smoothed ETA
	emaRate  float64 // items/sec (EMA)
	lastDone int
	lastAt   time.Time
}

func newModel(cancel context.CancelFunc) *model {
	s := spinner.New()
	s.Spinner = spinner.Line
	bar := progress.New(progress.WithDefaultGradient())
	now := time.Now()
	return &model{cancel: cancel, state: service.StateInitial, spinner: s, bar: bar, started: now, lastAt: now}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tick())
}

func tick() tea.Cmd {
	return tea.Tick(200*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			m.cancel()
			return m, nil // quit arrives with doneMsg once the worker stops
		}
	case eventMsg:
		ev := service.Event(msg)
		m.state = ev.State
		if ev.Total > 0 {
			m.total = ev.Total
		}
		if ev.Current > 0 {
			m.current = ev.Current
		}
		if ev.Err != nil {
			m.err = ev.Err
		}
		if ev.State.Done() {
			m.finished = true
		}
		return m, nil
	case doneMsg:
		m.finished = true
		return m, tea.Quit
	case tickMsg:
		m.updateEMARate()
		return m, tea.Batch(m.spinner.Tick, tick())
	}
	return m, nil
}

var stateLabels = map[service.SyncState]string{
	service.StateInitial:         "Starting",
	service.StateLogin:           "Logging in",
	service.StateCalc:            "Calculating",
	service.StateBackup:          "Backing up",
	service.StateRestore:         "Restoring",
	service.StateUpdatingThreads: "Updating threads",
	service.StateFinished:        "Finished",
	service.StateCanceled:        "Canceled",
	service.StateError:           "Failed",
}

func (m *model) View() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63")).Render("smsvault")
	s := title + "\n\nPress q to cancel\n\n"
	label := stateLabels[m.state]
	if label == "" {
		label = string(m.state)
	}
	pct := 0.0
	if m.total > 0 {
		pct = float64(m.current) / float64(m.total)
	}
	s += fmt.Sprintf("%s %s %d/%d   %s\n", m.spinner.View(), label, m.current, m.total, m.formatETA())
	s += m.bar.ViewAs(pct) + "\n\n"
	if m.err != nil {
		s += lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Render("Error: "+m.err.Error()) + "\n"
	}
	return s
}

func (m *model) formatETA() string {
	if m.total == 0 {
		return "ETA --"
	}
	remaining := m.total - m.current
	if remaining <= 0 {
		return "ETA 0s"
	}
	rate := m.emaRate
	if rate <= 0.01 {
		elapsed := time.Since(m.started)
		if elapsed <= 0 {
			return "ETA --"
		}
		rate = float64(m.current) / elapsed.Seconds()
	}
	if rate <= 0.01 {
		return "ETA --"
	}
	secs := float64(remaining) / rate
	if secs < 1 {
		return "ETA <1s"
	}
	d := time.Duration(secs) * time.Second
	if d > 99*time.Hour {
		return "ETA >99h"
	}
	if d >= time.Hour {
		h := int(d / time.Hour)
		rem := d - time.Duration(h)*time.Hour
		return fmt.Sprintf("ETA %dh%dm", h, int(rem/time.Minute))
	}
	if d >= time.Minute {
		return fmt.Sprintf("ETA %dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("ETA %ds", int(d.Seconds()))
}

// updateEMARate updates the EMA of processing rate based on deltas since last tick.
func (m *model) updateEMARate() {
	now := time.Now()
	dt := now.Sub(m.lastAt).Seconds()
	if dt <= 0 {
		return
	}
	delta := m.current - m.lastDone
	inst := float64(delta) / dt
	// EMA with half-life ~3s -> alpha depends on dt
	halfLife := 3.0
	alpha := 1 - math.Exp(-math.Ln2*dt/halfLife)
	if m.emaRate == 0 {
		m.emaRate = inst
	} else {
		m.emaRate = alpha*inst + (1-alpha)*m.emaRate
	}
	m.lastDone = m.current
	m.lastAt = now
}

// runTUI renders run progress until the event channel closes. q cancels
// the run cooperatively; the program exits once the worker has stopped.
func runTUI(cancel context.CancelFunc, events <-chan service.Event) error {
	m := newModel(cancel)
	p := tea.NewProgram(m)
	go func() {
		for ev := range events {
			p.Send(eventMsg(ev))
		}
		p.Send(doneMsg{})
	}()
	if _, err := p.Run(); err != nil {
		// Fallback: no TUI, just drain the events
		for range events {
		}
		return err
	}
	return nil
}
