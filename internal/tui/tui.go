// Package tui provides a Bubble Tea dashboard for the batch download manager.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"

	"github.com/handiism/batch-downloader/internal/model"
)

// Styles for the TUI
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF6B6B")).
			MarginBottom(1)

	subtitleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#4ECDC4"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#95E1A3"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFE66D"))

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#A8DADC"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6C757D"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F8B500")).
			Bold(true)
)

// Controller is the part of download.Manager the dashboard drives.
type Controller interface {
	Download(ctx context.Context, batch model.Batch) error
	Pause(ctx context.Context, id model.BatchID) error
	Resume(ctx context.Context, id model.BatchID) error
	Delete(ctx context.Context, id model.BatchID) error
	UpdateAllowedConnectionType(ctx context.Context, t model.ConnectionType) error
	AllowedConnectionType() model.ConnectionType
	ConnectivityChanged(ctx context.Context) error
	GetAllDownloadBatchStatuses() []model.DownloadBatchStatus
}

// Connectivity is a connection class the user can flip from the dashboard.
type Connectivity interface {
	IsMetered() bool
	SetMetered(metered bool)
}

// Focus is the part of the screen receiving key presses.
type Focus int

const (
	FocusList Focus = iota
	FocusInput
)

// Level is the severity of a log line.
type Level int

const (
	LevelInfo Level = iota
	LevelSuccess
	LevelWarning
	LevelError
)

// LogEntry represents a log message in the UI.
type LogEntry struct {
	Message string
	Level   Level
}

// Model is the Bubble Tea model for the dashboard.
type Model struct {
	focus     Focus
	textInput textinput.Model
	spinner   spinner.Model
	progress  progress.Model

	ctx          context.Context
	controller   Controller
	connectivity Connectivity
	root         model.StorageRoot
	updates      <-chan model.DownloadBatchStatus

	batches []model.DownloadBatchStatus
	cursor  int
	allowed model.ConnectionType
	logs    []LogEntry

	width  int
	height int
}

// NewModel creates a dashboard over controller. Status updates are read
// from updates, which the caller feeds from a manager callback.
func NewModel(ctx context.Context, controller Controller, connectivity Connectivity,
	root model.StorageRoot, updates <-chan model.DownloadBatchStatus) Model {
	ti := textinput.New()
	ti.Placeholder = "http://example.com/5MB.zip http://example.com/10MB.zip"
	ti.CharLimit = 4000
	ti.Width = 60

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))

	prog := progress.New(progress.WithDefaultGradient())
	prog.Width = 30

	return Model{
		focus:        FocusList,
		textInput:    ti,
		spinner:      sp,
		progress:     prog,
		ctx:          ctx,
		controller:   controller,
		connectivity: connectivity,
		root:         root,
		updates:      updates,
		batches:      controller.GetAllDownloadBatchStatuses(),
		allowed:      controller.AllowedConnectionType(),
	}
}

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.waitForStatus())
}

// Message types
type (
	// StatusMsg carries a batch status change from the manager.
	StatusMsg struct {
		Status model.DownloadBatchStatus
	}

	// ResultMsg reports the outcome of a command sent to the manager.
	ResultMsg struct {
		Message string
		Err     error
	}

	// updatesClosedMsg is sent once the status channel is closed.
	updatesClosedMsg struct{}
)

// waitForStatus returns a command reading the next status update.
func (m Model) waitForStatus() tea.Cmd {
	if m.updates == nil {
		return nil
	}
	updates := m.updates
	return func() tea.Msg {
		s, ok := <-updates
		if !ok {
			return updatesClosedMsg{}
		}
		return StatusMsg{Status: s}
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.progress.Width = min(max(msg.Width/3, 20), 50)
		return m, nil

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		if m.focus == FocusInput {
			return m.updateInput(msg)
		}
		return m.updateList(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case StatusMsg:
		m.apply(msg.Status)
		cmds = append(cmds, m.waitForStatus())

	case ResultMsg:
		if msg.Err != nil {
			m.log(LevelError, msg.Err.Error())
		} else if msg.Message != "" {
			m.log(LevelSuccess, msg.Message)
		}

	case updatesClosedMsg:
		m.updates = nil

	case progress.FrameMsg:
		progressModel, cmd := m.progress.Update(msg)
		m.progress = progressModel.(progress.Model)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m Model) updateInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc", "tab":
		m.focus = FocusList
		m.textInput.Blur()
		return m, nil

	case "enter":
		urls := ParseURLs(m.textInput.Value())
		if len(urls) == 0 {
			return m, nil
		}
		m.textInput.SetValue("")
		m.focus = FocusList
		m.textInput.Blur()
		return m, m.submit(urls)
	}

	var cmd tea.Cmd
	m.textInput, cmd = m.textInput.Update(msg)
	return m, cmd
}

func (m Model) updateList(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		return m, tea.Quit

	case "tab", "a", "enter":
		m.focus = FocusInput
		cmd := m.textInput.Focus()
		return m, cmd

	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}

	case "down", "j":
		if m.cursor < len(m.batches)-1 {
			m.cursor++
		}

	case "p":
		if id, ok := m.selected(); ok {
			return m, m.run(fmt.Sprintf("Paused %s", id), func(ctx context.Context) error {
				return m.controller.Pause(ctx, id)
			})
		}

	case "r":
		if id, ok := m.selected(); ok {
			return m, m.run(fmt.Sprintf("Resumed %s", id), func(ctx context.Context) error {
				return m.controller.Resume(ctx, id)
			})
		}

	case "x":
		if id, ok := m.selected(); ok {
			return m, m.run(fmt.Sprintf("Deleted %s", id), func(ctx context.Context) error {
				return m.controller.Delete(ctx, id)
			})
		}

	case "u":
		next := model.ConnectionUnmetered
		if m.allowed == model.ConnectionUnmetered {
			next = model.ConnectionAll
		}
		m.allowed = next
		return m, m.run(fmt.Sprintf("Allowed connection: %s", next), func(ctx context.Context) error {
			return m.controller.UpdateAllowedConnectionType(ctx, next)
		})

	case "m":
		if m.connectivity == nil {
			return m, nil
		}
		metered := !m.connectivity.IsMetered()
		m.connectivity.SetMetered(metered)
		text := "Connection is unmetered"
		if metered {
			text = "Connection is metered"
		}
		return m, m.run(text, m.controller.ConnectivityChanged)
	}
	return m, nil
}

// apply merges a status change into the batch list.
func (m *Model) apply(s model.DownloadBatchStatus) {
	for i := range m.batches {
		if m.batches[i].BatchID != s.BatchID {
			continue
		}
		if s.Status == model.StatusDeleted {
			m.batches = append(m.batches[:i], m.batches[i+1:]...)
			if m.cursor >= len(m.batches) && m.cursor > 0 {
				m.cursor--
			}
			return
		}
		if s.Status == model.StatusError && m.batches[i].Status != model.StatusError && s.Error != nil {
			m.log(LevelError, fmt.Sprintf("%s failed: %s", s.Title, s.Error))
		}
		if s.Status == model.StatusDownloaded && m.batches[i].Status != model.StatusDownloaded {
			m.log(LevelSuccess, fmt.Sprintf("%s downloaded", s.Title))
		}
		m.batches[i] = s
		return
	}
	if s.Status != model.StatusDeleted {
		m.batches = append(m.batches, s)
	}
}

func (m *Model) log(level Level, message string) {
	m.logs = append(m.logs, LogEntry{Message: message, Level: level})
	// Keep only last 5 logs
	if len(m.logs) > 5 {
		m.logs = m.logs[len(m.logs)-5:]
	}
}

func (m Model) selected() (model.BatchID, bool) {
	if m.cursor < 0 || m.cursor >= len(m.batches) {
		return "", false
	}
	return m.batches[m.cursor].BatchID, true
}

// run executes fn off the UI goroutine and reports its outcome.
func (m Model) run(success string, fn func(ctx context.Context) error) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		if err := fn(ctx); err != nil {
			return ResultMsg{Err: err}
		}
		return ResultMsg{Message: success}
	}
}

// submit queues urls as a new batch titled after the first file.
func (m Model) submit(urls []string) tea.Cmd {
	builder := model.NewBatch(m.root, model.NewBatchID(uuid.NewString()), model.FileNameFromURL(urls[0]))
	for _, u := range urls {
		builder = builder.DownloadFrom(u).Apply()
	}
	batch, err := builder.Build()
	if err != nil {
		return func() tea.Msg { return ResultMsg{Err: err} }
	}
	return m.run(fmt.Sprintf("Queued %s (%d files)", batch.Title, len(batch.Files)), func(ctx context.Context) error {
		return m.controller.Download(ctx, batch)
	})
}

// ParseURLs splits input on whitespace and commas.
func ParseURLs(input string) []string {
	return strings.FieldsFunc(input, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
}

// View renders the UI.
func (m Model) View() string {
	var b strings.Builder

	// Header
	b.WriteString(titleStyle.Render("Batch Downloader"))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(m.connectionLine()))
	b.WriteString("\n\n")

	if m.focus == FocusInput {
		b.WriteString(subtitleStyle.Render("URLs for a new batch:"))
		b.WriteString("\n")
		b.WriteString(m.textInput.View())
		b.WriteString("\n\n")
	}

	b.WriteString(m.viewBatches())
	b.WriteString("\n")
	b.WriteString(m.renderLogs())

	// Footer
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(m.getHelpText()))

	return b.String()
}

func (m Model) connectionLine() string {
	class := "unmetered"
	if m.connectivity != nil && m.connectivity.IsMetered() {
		class = "metered"
	}
	return fmt.Sprintf("Allowed: %s | Connection: %s", m.allowed, class)
}

func (m Model) viewBatches() string {
	if len(m.batches) == 0 {
		return dimStyle.Render("No batches yet. Press a to add one.") + "\n"
	}

	var b strings.Builder
	for i, s := range m.batches {
		marker := "  "
		title := s.Title
		if i == m.cursor {
			marker = "> "
			title = selectedStyle.Render(title)
		}
		b.WriteString(marker)
		b.WriteString(title)
		b.WriteString("  ")
		b.WriteString(m.statusLabel(s))
		b.WriteString("\n  ")
		b.WriteString(m.progress.ViewAs(fraction(s)))
		b.WriteString(dimStyle.Render(fmt.Sprintf("  %.2f / %.2f MB",
			float64(s.BytesDownloaded)/1024/1024,
			float64(s.BytesTotalSize)/1024/1024,
		)))
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) statusLabel(s model.DownloadBatchStatus) string {
	switch s.Status {
	case model.StatusDownloading:
		return m.spinner.View() + infoStyle.Render(string(s.Status))
	case model.StatusDownloaded:
		return successStyle.Render(string(s.Status))
	case model.StatusPaused:
		return warningStyle.Render(string(s.Status))
	case model.StatusError:
		label := string(s.Status)
		if s.Error != nil {
			label += " " + string(s.Error.Type)
		}
		return errorStyle.Render(label)
	default:
		return dimStyle.Render(string(s.Status))
	}
}

func fraction(s model.DownloadBatchStatus) float64 {
	if s.SizeUnknown || s.BytesTotalSize <= 0 {
		return 0
	}
	return min(float64(s.BytesDownloaded)/float64(s.BytesTotalSize), 1)
}

func (m Model) renderLogs() string {
	var b strings.Builder

	for _, log := range m.logs {
		var style lipgloss.Style
		prefix := "•"
		switch log.Level {
		case LevelError:
			style = errorStyle
			prefix = "✗"
		case LevelWarning:
			style = warningStyle
			prefix = "!"
		case LevelSuccess:
			style = successStyle
			prefix = "✓"
		default:
			style = infoStyle
			prefix = "›"
		}
		b.WriteString(style.Render(prefix + " " + log.Message))
		b.WriteString("\n")
	}

	return b.String()
}

func (m Model) getHelpText() string {
	if m.focus == FocusInput {
		return "enter: submit batch • esc: back"
	}
	return "a: add • p: pause • r: resume • x: delete • u: unmetered only • m: metered • q: quit"
}

// Run starts the dashboard and blocks until the user quits.
func Run(ctx context.Context, controller Controller, connectivity Connectivity,
	root model.StorageRoot, updates <-chan model.DownloadBatchStatus) error {
	p := tea.NewProgram(NewModel(ctx, controller, connectivity, root, updates), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}
