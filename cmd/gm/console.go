// This file implements the interactive GM console using bubbletea.
package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"

	"gmkit/internal/turn"
)

type consoleStyles struct {
	title   lipgloss.Style
	prompt  lipgloss.Style
	player  lipgloss.Style
	gm      lipgloss.Style
	dim     lipgloss.Style
	errText lipgloss.Style
}

func defaultConsoleStyles() consoleStyles {
	return consoleStyles{
		title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99")),
		prompt:  lipgloss.NewStyle().Foreground(lipgloss.Color("99")),
		player:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("45")),
		gm:      lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		dim:     lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		errText: lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
}

type consoleMessage struct {
	role    string // "player" or "gm"
	content string
	time    time.Time
}

type consoleModel struct {
	// UI components
	textinput textinput.Model
	viewport  viewport.Model
	spinner   spinner.Model
	styles    consoleStyles
	renderer  *glamour.TermRenderer

	// State
	history   []consoleMessage
	isLoading bool
	err       error
	width     int
	height    int
	ready     bool

	// Session state
	sessionID string
	turnCount int

	// Backend
	app *app
}

type (
	narrationMsg turn.NarrationPlan
	turnErrMsg   error
)

func initConsole(a *app) consoleModel {
	styles := defaultConsoleStyles()

	ti := textinput.New()
	ti.Placeholder = "Describe what you do... (Enter to send, Ctrl+C to exit)"
	ti.Focus()
	ti.Prompt = "│ "
	ti.CharLimit = 4096
	ti.Width = 80
	ti.PromptStyle = styles.prompt

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = styles.prompt

	vp := viewport.New(80, 20)
	vp.SetContent("")

	renderer, _ := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)

	return consoleModel{
		textinput: ti,
		viewport:  vp,
		spinner:   sp,
		styles:    styles,
		renderer:  renderer,
		history:   []consoleMessage{},
		sessionID: fmt.Sprintf("console_%d", time.Now().UnixNano()),
		app:       a,
	}
}

func (m consoleModel) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		m.spinner.Tick,
	)
}

func (m consoleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
		spCmd tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			if !m.isLoading {
				return m.handleSubmit()
			}
		}
		if !m.isLoading {
			m.textinput, tiCmd = m.textinput.Update(msg)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		headerHeight := 3
		inputHeight := 3
		if !m.ready {
			m.viewport = viewport.New(msg.Width-4, msg.Height-headerHeight-inputHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width - 4
			m.viewport.Height = msg.Height - headerHeight - inputHeight
		}
		m.textinput.Width = msg.Width - 4

		if m.renderer != nil {
			m.renderer, _ = glamour.NewTermRenderer(
				glamour.WithAutoStyle(),
				glamour.WithWordWrap(msg.Width-8),
			)
		}
		m.refreshViewport()

	case spinner.TickMsg:
		if m.isLoading {
			m.spinner, spCmd = m.spinner.Update(msg)
			return m, spCmd
		}

	case narrationMsg:
		m.isLoading = false
		plan := turn.NarrationPlan(msg)
		m.history = append(m.history, consoleMessage{role: "gm", content: plan.ImmediateText, time: time.Now()})
		for _, fu := range plan.Followups {
			m.history = append(m.history, consoleMessage{role: "gm", content: fu, time: time.Now()})
		}
		m.refreshViewport()
		m.viewport.GotoBottom()

	case turnErrMsg:
		m.isLoading = false
		m.err = msg
		m.refreshViewport()
	}

	m.viewport, vpCmd = m.viewport.Update(msg)
	return m, tea.Batch(tiCmd, vpCmd, spCmd)
}

func (m consoleModel) handleSubmit() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.textinput.Value())
	if text == "" {
		return m, nil
	}

	m.textinput.Reset()
	m.err = nil
	m.isLoading = true
	m.turnCount++
	m.history = append(m.history, consoleMessage{role: "player", content: text, time: time.Now()})
	m.refreshViewport()
	m.viewport.GotoBottom()

	tc := turn.TurnContext{
		CampaignID:     m.app.cfg.Voice.CampaignID,
		SessionID:      m.sessionID,
		TurnID:         uuid.NewString(),
		PlayerID:       m.app.cfg.Voice.PlayerID,
		Locale:         m.app.cfg.Voice.Locale,
		TranscriptText: text,
	}

	a := m.app
	return m, tea.Batch(m.spinner.Tick, func() tea.Msg {
		plan, err := a.ctrl.HandleTurn(context.Background(), tc)
		if err != nil {
			return turnErrMsg(err)
		}
		return narrationMsg(plan)
	})
}

func (m *consoleModel) refreshViewport() {
	var b strings.Builder
	for _, msg := range m.history {
		switch msg.role {
		case "player":
			b.WriteString(m.styles.player.Render("You: ") + msg.content)
		default:
			content := msg.content
			if m.renderer != nil {
				if rendered, err := m.renderer.Render(content); err == nil {
					content = strings.TrimSpace(rendered)
				}
			}
			b.WriteString(m.styles.gm.Render("GM: ") + content)
		}
		b.WriteString("\n\n")
	}
	if m.err != nil {
		b.WriteString(m.styles.errText.Render("error: "+m.err.Error()) + "\n")
	}
	m.viewport.SetContent(b.String())
}

func (m consoleModel) View() string {
	if !m.ready {
		return "Starting console..."
	}

	header := m.styles.title.Render("gmkit console") +
		m.styles.dim.Render(fmt.Sprintf("  campaign=%s turns=%d", m.app.cfg.Voice.CampaignID, m.turnCount))

	input := m.textinput.View()
	if m.isLoading {
		input = m.spinner.View() + " resolving turn..."
	}

	return header + "\n\n" + m.viewport.View() + "\n\n" + input
}

func runConsole() error {
	a, err := newApp(cfgPath, true)
	if err != nil {
		return err
	}
	defer a.Close()

	p := tea.NewProgram(initConsole(a), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("console failed: %w", err)
	}
	return nil
}
