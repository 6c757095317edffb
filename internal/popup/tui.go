package popup

import (
	"context"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/ternarybob/portalguard/internal/common"
	"github.com/ternarybob/portalguard/internal/models"
)

// Styles
var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	focusedStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("8"))
	buttonStyle   = lipgloss.NewStyle().Padding(0, 2).Border(lipgloss.RoundedBorder())
	activeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10")) // green
	pendingStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11")) // yellow
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))  // red
	flashStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	badgeBaseText = lipgloss.NewStyle().Bold(true).Padding(0, 1).Foreground(lipgloss.Color("15"))
)

// focusField is the form element that has keyboard focus
type focusField int

const (
	focusUsername focusField = iota
	focusPassword
	focusAutoSubmit
	focusSave
	focusConnect
	focusCount
)

// messages
type viewMsg View

type loadedMsg struct {
	err error
}

// Subscriber streams daemon broadcasts until ctx ends
type Subscriber func(ctx context.Context, fn func(models.Broadcast)) error

type tuiModel struct {
	ctx  context.Context
	ctrl *Controller

	username   textinput.Model
	password   textinput.Model
	autoSubmit bool
	focus      focusField

	view  View
	ready bool
	width int
}

func newModel(ctx context.Context, ctrl *Controller) *tuiModel {
	username := textinput.New()
	username.Placeholder = "Username"
	username.CharLimit = 256
	username.Width = 32
	username.Focus()

	password := textinput.New()
	password.Placeholder = "Password (leave empty to keep)"
	password.CharLimit = 256
	password.Width = 32
	password.EchoMode = textinput.EchoPassword
	password.EchoCharacter = '•'

	return &tuiModel{
		ctx:        ctx,
		ctrl:       ctrl,
		username:   username,
		password:   password,
		autoSubmit: true,
		view:       ctrl.View(),
	}
}

// Run shows the popup until the user quits
func Run(ctx context.Context, ctrl *Controller, subscribe Subscriber) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := newModel(ctx, ctrl)
	p := tea.NewProgram(m)

	ctrl.OnChange(func(v View) {
		p.Send(viewMsg(v))
	})
	defer ctrl.OnChange(nil)

	if subscribe != nil {
		common.SafeGo(ctrl.logger, "popupBroadcasts", func() {
			if err := subscribe(ctx, ctrl.HandleBroadcast); err != nil {
				ctrl.logger.Debug().Err(err).Msg("Broadcast stream ended")
			}
		})
	}

	_, err := p.Run()
	return err
}

func (m *tuiModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.load())
}

func (m *tuiModel) load() tea.Cmd {
	ctrl, ctx := m.ctrl, m.ctx
	return func() tea.Msg {
		return loadedMsg{err: ctrl.Load(ctx)}
	}
}

func (m *tuiModel) connect() tea.Cmd {
	ctrl, ctx := m.ctrl, m.ctx
	return func() tea.Msg {
		ctrl.Connect(ctx)
		return nil
	}
}

func (m *tuiModel) save() tea.Cmd {
	ctrl, ctx := m.ctrl, m.ctx
	creds := models.Credentials{
		Username:   strings.TrimSpace(m.username.Value()),
		Password:   m.password.Value(),
		AutoSubmit: m.autoSubmit,
	}
	return func() tea.Msg {
		if err := ctrl.SaveSettings(ctx, creds); err != nil {
			ctrl.logger.Debug().Err(err).Msg("Save settings failed")
		}
		return nil
	}
}

func (m *tuiModel) check() tea.Cmd {
	ctrl, ctx := m.ctrl, m.ctx
	return func() tea.Msg {
		ctrl.CheckConnection(ctx)
		return nil
	}
}

func (m *tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case viewMsg:
		m.view = View(msg)
		return m, nil

	case loadedMsg:
		m.ready = true
		m.view = m.ctrl.View()
		if msg.err == nil {
			m.username.SetValue(m.view.Settings.Username)
			m.autoSubmit = m.view.Settings.AutoSubmit
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	return m.updateInputs(msg)
}

func (m *tuiModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "esc":
		return m, tea.Quit

	case "tab", "down":
		m.setFocus((m.focus + 1) % focusCount)
		return m, nil

	case "shift+tab", "up":
		m.setFocus((m.focus + focusCount - 1) % focusCount)
		return m, nil

	case "ctrl+r":
		return m, m.check()

	case "enter":
		switch m.focus {
		case focusUsername, focusPassword, focusSave:
			return m, m.save()
		case focusConnect:
			return m, m.connect()
		case focusAutoSubmit:
			m.autoSubmit = !m.autoSubmit
			return m, nil
		}

	case " ":
		if m.focus == focusAutoSubmit {
			m.autoSubmit = !m.autoSubmit
			return m, nil
		}
	}

	return m.updateInputs(msg)
}

func (m *tuiModel) setFocus(f focusField) {
	m.focus = f
	m.username.Blur()
	m.password.Blur()
	switch f {
	case focusUsername:
		m.username.Focus()
	case focusPassword:
		m.password.Focus()
	}
}

func (m *tuiModel) updateInputs(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch m.focus {
	case focusUsername:
		m.username, cmd = m.username.Update(msg)
	case focusPassword:
		m.password, cmd = m.password.Update(msg)
	}
	return m, cmd
}

func (m *tuiModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Portalguard"))
	if m.view.Badge.Text != "" {
		b.WriteString("  ")
		b.WriteString(badgeBaseText.Background(lipgloss.Color(m.view.Badge.Color)).Render(m.view.Badge.Text))
	}
	b.WriteString("\n\n")

	b.WriteString(m.username.View())
	b.WriteString("\n")
	b.WriteString(m.password.View())
	b.WriteString("\n")

	check := "[ ]"
	if m.autoSubmit {
		check = "[x]"
	}
	b.WriteString(m.item(focusAutoSubmit, check+" Submit the login form automatically"))
	b.WriteString("\n\n")

	b.WriteString(m.item(focusSave, buttonStyle.Render("Save")))
	b.WriteString(" ")
	connect := m.view.Button
	if m.view.ButtonDisabled {
		connect = dimStyle.Render(connect)
	}
	b.WriteString(m.item(focusConnect, buttonStyle.Render(connect)))
	b.WriteString("\n")

	if m.view.Flash != "" {
		b.WriteString(flashStyle.Render(m.view.Flash))
		b.WriteString("\n")
	}
	if m.view.StatusText != "" {
		b.WriteString(stateStyle(m.view.State).Render(m.view.StatusText))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(dimStyle.Render("Tab=next  Enter=activate  Space=toggle  Ctrl+R=check  Esc=quit"))
	b.WriteString("\n")
	return b.String()
}

func (m *tuiModel) item(f focusField, text string) string {
	if m.focus == f {
		return focusedStyle.Render(text)
	}
	return text
}

func stateStyle(state ConnectionState) lipgloss.Style {
	switch state {
	case StateConnected:
		return activeStyle
	case StateConnecting:
		return pendingStyle
	case StateDisconnected, StateError:
		return errorStyle
	}
	return dimStyle
}
