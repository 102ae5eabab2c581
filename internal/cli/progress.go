package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/raphaelgruber/minutegraph/internal/client"
	"github.com/raphaelgruber/minutegraph/internal/events"
	"github.com/raphaelgruber/minutegraph/internal/models"
)

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status     lipgloss.Color
	Success    lipgloss.Color
	Error      lipgloss.Color
	Hint       lipgloss.Color
	ProgressBg lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:     lipgloss.Color("#5FAFD7"), // light blue
	Success:    lipgloss.Color("#00D787"), // green
	Error:      lipgloss.Color("#FF005F"), // red
	Hint:       lipgloss.Color("#6C6C6C"), // dim gray
	ProgressBg: lipgloss.Color("#3A3A3A"), // dark gray
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// jobEventMsg carries one status change from the watch stream.
type jobEventMsg events.Event

// watchDoneMsg is sent when the watch stream ends.
type watchDoneMsg struct{ err error }

// progressModel is the bubbletea model for job progress.
type progressModel struct {
	jobID    string
	status   models.JobStatus
	stage    int
	stagePct int
	errMsg   string
	errKind  string

	updates  <-chan tea.Msg
	progress progress.Model
	theme    Theme
	done     bool
	quitting bool
	err      error
}

// newProgressModel creates a progress model fed by updates.
func newProgressModel(job *models.Job, updates <-chan tea.Msg) progressModel {
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)

	return progressModel{
		jobID:    job.ID,
		status:   job.Status,
		stage:    job.CurrentStage,
		stagePct: job.StageProgress,
		updates:  updates,
		progress: prog,
		theme:    defaultTheme,
	}
}

// Init starts listening for job events.
func (m progressModel) Init() tea.Cmd {
	return tea.Batch(
		m.waitForUpdate(),
		m.progress.Init(),
	)
}

// Update handles messages and returns the updated model.
func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case jobEventMsg:
		m.status = msg.To
		m.stage = msg.CurrentStage
		m.stagePct = msg.StageProgress
		m.errKind = msg.ErrorKind
		m.errMsg = msg.ErrorMessage

		switch m.status {
		case models.JobCompleted, models.JobAwaitingEntityReview:
			m.done = true
			return m, tea.Quit
		case models.JobFailed:
			m.done = true
			m.err = jobError(m.errKind, m.errMsg)
			return m, tea.Quit
		}
		return m, m.waitForUpdate()

	case watchDoneMsg:
		// The server closes the stream once the job is terminal, after the
		// last event has been delivered.
		m.done = true
		if msg.err != nil {
			m.err = fmt.Errorf("watch job: %w", msg.err)
		}
		return m, tea.Quit

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the progress display.
func (m progressModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m progressModel) renderContent() string {
	if m.done {
		return m.finalView()
	}

	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", m.status))
	bar := m.progress.ViewAs(overallProgress(m.status, m.stage, m.stagePct))
	stage := ""
	if idx := models.StageIndex(m.status); idx >= 0 {
		stage = fmt.Sprintf("stage %d/%d %3d%%", idx+1, len(models.Stages), m.stagePct)
	}
	hint := m.theme.hintStyle().Render("Press Ctrl+C to continue in background")

	return fmt.Sprintf("%s %s %s\n%s\n", status, bar, stage, hint)
}

func (m progressModel) finalView() string {
	if m.quitting {
		msg := fmt.Sprintf("\nJob %s continues in background.\nUse 'minutegraph jobs %s' to check status.\n",
			m.jobID, m.jobID)
		return m.theme.hintStyle().Render(msg)
	}

	if m.err != nil {
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ Job failed: %s\n", m.err))
	}

	if m.status == models.JobAwaitingEntityReview {
		var b strings.Builder
		b.WriteString(m.theme.statusStyle().Render("⏸ Waiting for entity review") + "\n\n")
		b.WriteString("  minutegraph entities --status pending\n")
		fmt.Fprintf(&b, "  minutegraph jobs resume %s\n", m.jobID)
		return b.String()
	}

	var b strings.Builder
	b.WriteString(m.theme.completedStyle().Render("✓ Completed") + "\n\n")
	fmt.Fprintf(&b, "  minutegraph jobs artifacts %s\n", m.jobID)
	return b.String()
}

// waitForUpdate blocks on the watch channel in a command goroutine.
func (m progressModel) waitForUpdate() tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-m.updates
		if !ok {
			return watchDoneMsg{}
		}
		return msg
	}
}

// overallProgress maps a stage position onto 0..1 across the whole pipeline.
func overallProgress(status models.JobStatus, stage, stagePct int) float64 {
	if status == models.JobCompleted {
		return 1
	}
	if models.StageIndex(status) < 0 {
		return 0
	}
	pct := (float64(stage) + float64(stagePct)/100) / float64(len(models.Stages))
	return min(max(pct, 0), 1)
}

func jobError(kind, msg string) error {
	switch {
	case msg == "" && kind == "":
		return fmt.Errorf("job failed with unknown error")
	case kind == "":
		return fmt.Errorf("%s", msg)
	default:
		return fmt.Errorf("%s (%s)", msg, kind)
	}
}

// RunJobProgress runs the interactive progress UI for a job.
// Returns nil on success, entity review or Ctrl+C (background), error on
// job failure.
func RunJobProgress(c *client.Client, job *models.Job) error {
	if job.Status.IsTerminal() {
		if job.Status == models.JobFailed {
			return jobError(job.ErrorKind, job.ErrorMessage)
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return followPlain(ctx, c, job.ID, os.Stdout)
	}

	updates := make(chan tea.Msg)
	go func() {
		err := c.WatchJob(ctx, job.ID, func(ev events.Event) error {
			select {
			case updates <- jobEventMsg(ev):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		select {
		case updates <- watchDoneMsg{err: err}:
		case <-ctx.Done():
		}
	}()

	p := tea.NewProgram(newProgressModel(job, updates))
	finalModel, err := p.Run()
	if err != nil {
		return fmt.Errorf("progress UI error: %w", err)
	}

	if m, ok := finalModel.(progressModel); ok {
		// If user quit with Ctrl+C, job continues in background - not an error
		if m.quitting {
			return nil
		}
		if m.err != nil {
			return m.err
		}
	}

	return nil
}

// followPlain prints one line per status change, for pipes and logs.
func followPlain(ctx context.Context, c *client.Client, jobID string, w io.Writer) error {
	var last events.Event
	err := c.WatchJob(ctx, jobID, func(ev events.Event) error {
		last = ev
		fmt.Fprintf(w, "%s %s %d%%\n", ev.Time.Local().Format("15:04:05"), ev.To, ev.StageProgress)
		if ev.To == models.JobAwaitingEntityReview {
			return errStopWatching
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopWatching) {
		return fmt.Errorf("watch job: %w", err)
	}
	if last.To == models.JobFailed {
		return jobError(last.ErrorKind, last.ErrorMessage)
	}
	return nil
}

var errStopWatching = errors.New("stop watching")
