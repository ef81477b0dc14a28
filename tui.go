package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ask-cli/ask/api"
	"github.com/ask-cli/ask/engine"
	"github.com/ask-cli/ask/ident"
)

var textinputPlaceholder = "Type a message and press Enter to send..."

const emptyTranscript = `<conversation is empty>`

// stateChangedMsg is pumped into the program whenever the engine's observable
// state changed. All repainting goes through it.
type stateChangedMsg struct{}

type sessionsLoadedMsg struct {
	items []list.Item
	err   error
}

type sessionOpenedMsg struct{ err error }

type chatTuiState struct {
	eng    *engine.Chat
	client *api.Client
	ids    *ident.Resolver

	spinner  spinner.Model
	viewport viewport.Model
	textarea textarea.Model

	sendOpts       engine.SendOptions
	renderMarkdown bool
	viewportWidth  int
	mdPaddingWidth int
	err            error

	// Session picker
	inPicker   bool
	pickerList list.Model
}

type sessionItem struct {
	title, desc, id string
}

func (i sessionItem) Title() string       { return i.title }
func (i sessionItem) Description() string { return i.desc }
func (i sessionItem) FilterValue() string { return i.title + " " + i.desc }

func initialChatModel(eng *engine.Chat, client *api.Client, ids *ident.Resolver, renderMarkdown bool, sendOpts engine.SendOptions, initialText string) chatTuiState {
	ta := textarea.New()
	ta.Placeholder = "Type a message..."
	ta.Focus()

	ta.Prompt = "┃ "
	ta.CharLimit = 100000
	ta.MaxHeight = 32
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = false
	ta.KeyMap.InsertNewline.SetEnabled(false)
	ta.SetValue(initialText)

	vp := viewport.New(32, 12)
	vp.SetContent(emptyTranscript)
	vp.MouseWheelEnabled = true

	sp := spinner.New()
	sp.Spinner = spinner.Pulse
	sp.Spinner.FPS = time.Second / 10
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("171"))

	pickerList := list.New([]list.Item{}, list.NewDefaultDelegate(), 0, 0)
	pickerList.Title = "Sessions"
	pickerList.SetShowHelp(false)

	m := chatTuiState{
		eng:            eng,
		client:         client,
		ids:            ids,
		spinner:        sp,
		textarea:       ta,
		viewport:       vp,
		sendOpts:       sendOpts,
		renderMarkdown: renderMarkdown,
		viewportWidth:  80,
		pickerList:     pickerList,
	}
	m.refreshViewport()
	return m
}

func (m chatTuiState) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.spinner.Tick)
}

func (m *chatTuiState) refreshViewport() {
	msgs := m.eng.Messages()
	if len(msgs) == 0 {
		m.viewport.SetContent(emptyTranscript)
		return
	}

	suffix := ""
	if m.eng.Busy() {
		suffix = " " + m.spinner.View()
	}
	m.viewport.SetContent(formatTranscript(msgs, m.renderMarkdown, m.viewportWidth, m.mdPaddingWidth, suffix))
	m.viewport.GotoBottom()
}

// lastModelMessage returns the most recent settled model message, if any.
func (m chatTuiState) lastModelMessage() (engine.Message, bool) {
	msgs := m.eng.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == engine.RoleModel && !msgs[i].IsLoading {
			return msgs[i], true
		}
	}
	return engine.Message{}, false
}

func (m chatTuiState) loadSessionsCmd() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		sessions, err := m.client.AllSessions(ctx, api.ListOptions{
			IDs:    m.ids.GuestSessions(),
			Tokens: m.ids.GuestTokens(),
		})
		if err != nil {
			return sessionsLoadedMsg{err: err}
		}

		items := make([]list.Item, 0, len(sessions))
		for _, s := range sessions {
			title := s.Title
			if title == "" {
				title = s.ID
			}
			desc := time.Unix(int64(s.UpdatedAt), 0).Format("01/02 15:04")
			if s.IsPublic {
				desc += " · shared"
			}
			items = append(items, sessionItem{title: title, desc: desc, id: s.ID})
		}
		return sessionsLoadedMsg{items: items}
	}
}

func (m chatTuiState) openSessionCmd(id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return sessionOpenedMsg{err: m.eng.LoadSession(ctx, id)}
	}
}

func (m chatTuiState) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
		spCmd tea.Cmd
	)

	if m.inPicker {
		switch msg := msg.(type) {
		case tea.KeyMsg:
			if msg.Type == tea.KeyEsc || msg.Type == tea.KeyCtrlC {
				m.inPicker = false
				return m, nil
			}
			if msg.Type == tea.KeyEnter {
				m.inPicker = false
				if selected := m.pickerList.SelectedItem(); selected != nil {
					return m, m.openSessionCmd(selected.(sessionItem).id)
				}
				return m, nil
			}
		case tea.WindowSizeMsg:
			m.pickerList.SetSize(msg.Width, msg.Height)
		case sessionsLoadedMsg:
			if msg.err != nil {
				m.err = msg.err
				m.inPicker = false
				return m, nil
			}
			m.pickerList.SetItems(msg.items)
			return m, nil
		}
		var cmd tea.Cmd
		m.pickerList, cmd = m.pickerList.Update(msg)
		return m, cmd
	}

	m.textarea, tiCmd = m.textarea.Update(msg)
	m.viewport, vpCmd = m.viewport.Update(msg)

	switch msg := msg.(type) {

	case tea.KeyMsg:
		switch msg.Type {

		case tea.KeyCtrlC, tea.KeyEsc:
			m.eng.Stop()
			return m, tea.Quit

		case tea.KeyCtrlX: // Stop generation, keep partial text
			m.eng.Stop()
			return m, nil

		case tea.KeyCtrlR: // Regenerate the last reply as a new variant
			if last, ok := m.lastModelMessage(); ok {
				m.eng.Regenerate(last.ID, m.sendOpts)
			}
			return m, nil

		case tea.KeyCtrlP: // Previous variant
			if last, ok := m.lastModelMessage(); ok {
				m.eng.SwitchVariant(last.ID, -1)
			}
			return m, nil

		case tea.KeyCtrlO: // Next variant
			if last, ok := m.lastModelMessage(); ok {
				m.eng.SwitchVariant(last.ID, +1)
			}
			return m, nil

		case tea.KeyCtrlH: // Session picker
			m.inPicker = true
			m.pickerList.SetItems([]list.Item{})
			m.pickerList.SetSize(m.viewportWidth+2, m.viewport.Height+m.textarea.Height())
			return m, m.loadSessionsCmd()

		case tea.KeyCtrlN: // New conversation
			m.eng.ClearChat()
			m.textarea.Reset()
			m.textarea.Placeholder = textinputPlaceholder
			m.textarea.Focus()
			return m, nil

		case tea.KeyCtrlS: // Copy transcript
			if msgs := m.eng.Messages(); len(msgs) > 0 {
				clipboard.WriteAll(formatPlainTranscript(msgs))
			}
			return m, nil

		case tea.KeyCtrlE: // Copy last reply
			if last, ok := m.lastModelMessage(); ok {
				clipboard.WriteAll(last.CurrentContent())
			}
			return m, nil

		case tea.KeyEnter:
			if msg.Alt {
				m.textarea.SetValue(m.textarea.Value() + "\n")
				return m, tea.Batch(tiCmd, vpCmd)
			}
			usermsg := m.textarea.Value()
			if len(strings.Trim(usermsg, " \r\t\n")) == 0 {
				return m, nil
			}

			m.eng.Send(usermsg, m.sendOpts)
			m.err = nil
			m.textarea.Reset()
			m.textarea.Placeholder = textinputPlaceholder
			m.textarea.Focus()
			m.refreshViewport()
			return m, tea.Batch(tiCmd, vpCmd, m.spinner.Tick)
		}

	case tea.WindowSizeMsg:
		m.textarea.SetWidth(msg.Width - 2)
		m.viewport.Width = msg.Width - 2
		m.viewportWidth = msg.Width - 2
		m.viewport.Height = msg.Height - 1 - m.textarea.Height()
		m.refreshViewport()

	case stateChangedMsg:
		m.refreshViewport()
		return m, tea.Batch(tiCmd, vpCmd)

	case sessionOpenedMsg:
		if msg.err != nil {
			m.err = msg.err
		}
		m.refreshViewport()
		return m, nil
	}

	if m.eng.Busy() {
		m.spinner, spCmd = m.spinner.Update(msg)
		m.refreshViewport()
		return m, tea.Batch(tiCmd, vpCmd, spCmd)
	}

	return m, tea.Batch(tiCmd, vpCmd)
}

func (m chatTuiState) View() string {
	if m.inPicker {
		return m.pickerList.View()
	}

	status := ""
	if m.err != nil {
		status = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Render("error: "+m.err.Error()) + "\n"
	} else if sess := m.eng.Session(); sess.ReadOnly {
		status = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Render("viewing a shared session (read-only)") + "\n"
	}

	return fmt.Sprintf(
		"%s\n%s%s",
		m.viewport.View(),
		status,
		m.textarea.View(),
	) + "\n"
}

// runChatTui wires the engine's change notifications into the program's
// message loop and runs the interactive chat.
func runChatTui(eng *engine.Chat, client *api.Client, ids *ident.Resolver, renderMarkdown bool, sendOpts engine.SendOptions, initialText string) error {
	model := initialChatModel(eng, client, ids, renderMarkdown, sendOpts, initialText)
	p := tea.NewProgram(model)
	eng.SetOnChange(func() {
		p.Send(stateChangedMsg{})
	})
	_, err := p.Run()
	return err
}
