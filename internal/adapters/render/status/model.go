package status

import (
	"context"
	"errors"
	"io"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/bnema/paychat/internal/application"
	"github.com/bnema/paychat/internal/ports"
)

var ErrUnexpectedRenderModel = errors.New("unexpected final bubbletea model type")

type renderReadyMsg struct{}

// model renders one frame and quits.
type model struct {
	view   func(styles) string
	styles styles
	output string
}

func newModel(view func(styles) string) model {
	return model{
		view:   view,
		styles: newStyles(),
	}
}

func (m model) Init() tea.Cmd {
	return func() tea.Msg {
		return renderReadyMsg{}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg.(type) {
	case renderReadyMsg:
		m.output = m.view(m.styles)
		return m, tea.Quit
	default:
		return m, nil
	}
}

func (m model) View() string {
	return m.output
}

func renderOnce(view func(styles) string) (string, error) {
	p := tea.NewProgram(
		newModel(view),
		tea.WithInput(nil),
		tea.WithOutput(io.Discard),
	)

	finalModel, err := p.Run()
	if err != nil {
		return "", err
	}

	rendered, ok := finalModel.(model)
	if !ok {
		return "", ErrUnexpectedRenderModel
	}

	return rendered.View(), nil
}

// RenderSession draws the conversation timeline with its payments, score and
// notices.
func RenderSession(snap application.Snapshot, opts RenderOptions) (string, error) {
	return renderOnce(func(s styles) string {
		return renderSession(snap, opts, s, "")
	})
}

func RenderPools(statuses []application.PoolStatus, opts RenderOptions) (string, error) {
	return renderOnce(func(s styles) string {
		return renderPools(statuses, opts, s)
	})
}

func RenderPayments(records []ports.PaymentRecord, opts RenderOptions) (string, error) {
	return renderOnce(func(s styles) string {
		return renderPayments(records, opts, s)
	})
}

type snapshotMsg application.Snapshot

type updatesClosedMsg struct{}

// watchModel redraws on every session snapshot and spins while a reply is
// pending.
type watchModel struct {
	updates <-chan application.Snapshot
	snap    application.Snapshot
	opts    RenderOptions
	styles  styles
	spinner spinner.Model
}

func newWatchModel(initial application.Snapshot, updates <-chan application.Snapshot, opts RenderOptions) watchModel {
	return watchModel{
		updates: updates,
		snap:    initial,
		opts:    opts,
		styles:  newStyles(),
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot)),
	}
}

func (m watchModel) waitForSnapshot() tea.Msg {
	snap, ok := <-m.updates
	if !ok {
		return updatesClosedMsg{}
	}
	return snapshotMsg(snap)
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.waitForSnapshot, m.spinner.Tick)
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case snapshotMsg:
		m.snap = application.Snapshot(msg)
		return m, m.waitForSnapshot
	case updatesClosedMsg:
		return m, tea.Quit
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.String() == "q" {
			return m, tea.Quit
		}
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	default:
		return m, nil
	}
}

func (m watchModel) View() string {
	opts := m.opts
	if opts.Clock != nil {
		opts.Now = opts.Clock.Now()
	}
	return renderSession(m.snap, opts, m.styles, m.spinner.View())
}

// Watch keeps the terminal in sync with a running session until ctx ends or
// updates is closed.
func Watch(ctx context.Context, initial application.Snapshot, updates <-chan application.Snapshot, in io.Reader, out io.Writer, opts RenderOptions) error {
	p := tea.NewProgram(
		newWatchModel(initial, updates, opts),
		tea.WithContext(ctx),
		tea.WithInput(in),
		tea.WithOutput(out),
	)
	_, err := p.Run()
	if err != nil && errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
