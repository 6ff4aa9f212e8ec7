package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pulse/internal/models"
	"pulse/internal/service"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mdp/qrterminal/v3"
)

// Model represents the main UI model
type Model struct {
	client *service.ChatClient

	// UI components
	messagesViewport viewport.Model
	input            textinput.Model

	// State
	username       string
	currentPeer    string
	currentConv    string
	contacts       []*models.Contact
	typing         map[string]bool
	incomingCaller string
	systemLines    []string

	// UI state
	ready        bool
	showHelp     bool
	windowWidth  int
	windowHeight int

	// Styles
	styles *Styles

	// Program reference for sending messages from goroutines
	program *tea.Program
}

// Styles contains all UI styles
type Styles struct {
	BorderColor  lipgloss.Color
	ContactColor lipgloss.Color
	SecureColor  lipgloss.Color
	ErrorColor   lipgloss.Color

	BorderStyle  lipgloss.Style
	InputStyle   lipgloss.Style
	MessageStyle lipgloss.Style
	SystemStyle  lipgloss.Style
	StatusStyle  lipgloss.Style
	HelpStyle    lipgloss.Style
}

// NewStyles creates new UI styles
func NewStyles() *Styles {
	return &Styles{
		BorderColor:  lipgloss.Color("#00D4AA"),
		ContactColor: lipgloss.Color("#40C4FF"),
		SecureColor:  lipgloss.Color("#00E676"),
		ErrorColor:   lipgloss.Color("#FF5252"),

		BorderStyle: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#00D4AA")),

		InputStyle: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#FF6B9D")).
			Padding(0, 1),

		MessageStyle: lipgloss.NewStyle().
			Padding(0, 1).
			Foreground(lipgloss.Color("#FFFFFF")),

		SystemStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFB74D")).
			Italic(true),

		StatusStyle: lipgloss.NewStyle().
			Background(lipgloss.Color("#16213E")).
			Foreground(lipgloss.Color("#00D4AA")).
			Padding(0, 1),

		HelpStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#40C4FF")).
			Padding(1),
	}
}

// Messages posted into the Bubble Tea loop from client goroutines
type (
	conversationUpdatedMsg struct{ conversationID string }
	contactUpdatedMsg      struct{ contact *models.Contact }
	typingMsg              struct {
		contactID string
		isTyping  bool
	}
	securedChangedMsg struct {
		conversationID string
		secured        bool
	}
	incomingCallMsg struct {
		from        string
		displayName string
	}
	callConnectedMsg struct{ peerID string }
	callEndedMsg     struct {
		peerID string
		reason string
	}
	errorMsg struct{ err error }
)

// SetProgram sets the program reference for sending messages from goroutines
func (m *Model) SetProgram(p *tea.Program) {
	m.program = p
	m.client.SetEventHandler(&clientEventAdapter{model: m})
	m.client.SetCallEventHandler(&callEventAdapter{model: m})
}

// NewModel creates a new UI model
func NewModel(client *service.ChatClient, username string) *Model {
	input := textinput.New()
	input.Placeholder = "Type a message or /command..."
	input.Focus()
	input.CharLimit = 1000
	input.Width = 50

	return &Model{
		client:           client,
		messagesViewport: viewport.New(80, 20),
		input:            input,
		username:         username,
		typing:           make(map[string]bool),
		styles:           NewStyles(),
	}
}

// Init returns initial commands for Bubble Tea
func (m *Model) Init() tea.Cmd {
	return tea.EnterAltScreen
}

// Update handles Bubble Tea update messages
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.windowWidth = msg.Width
		m.windowHeight = msg.Height
		m.messagesViewport.Width = msg.Width - 30
		m.messagesViewport.Height = msg.Height - 6
		m.input.Width = msg.Width - 32
		m.ready = true

	case tea.KeyMsg:
		if _, cmd := m.handleKeyMsg(msg); cmd != nil {
			cmds = append(cmds, cmd)
		}

	case conversationUpdatedMsg:
		if msg.conversationID == m.currentConv {
			m.refreshMessagesContent()
		}

	case contactUpdatedMsg:
		m.upsertContact(msg.contact)

	case typingMsg:
		m.typing[msg.contactID] = msg.isTyping

	case securedChangedMsg:
		if msg.secured {
			m.addSystemLine(fmt.Sprintf("Conversation %s is now end-to-end encrypted", msg.conversationID))
			if m.currentConv == "" {
				m.currentConv = msg.conversationID
			}
		}

	case incomingCallMsg:
		m.incomingCaller = msg.from
		name := msg.displayName
		if name == "" {
			name = msg.from
		}
		m.addSystemLine(fmt.Sprintf("Incoming call from %s. /accept or /end", name))

	case callConnectedMsg:
		m.incomingCaller = ""
		m.addSystemLine(fmt.Sprintf("Call connected with %s", msg.peerID))

	case callEndedMsg:
		m.incomingCaller = ""
		m.addSystemLine(fmt.Sprintf("Call with %s ended (%s)", msg.peerID, msg.reason))

	case errorMsg:
		m.addSystemLine(fmt.Sprintf("Error: %s", msg.err))
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	if cmd != nil {
		cmds = append(cmds, cmd)
	}

	m.messagesViewport, cmd = m.messagesViewport.Update(msg)
	if cmd != nil {
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

// View renders the current UI state
func (m *Model) View() string {
	if !m.ready {
		return "Loading..."
	}

	leftPane := lipgloss.JoinVertical(
		lipgloss.Left,
		m.renderMessages(),
		m.renderInput(),
	)

	mainView := lipgloss.JoinHorizontal(
		lipgloss.Top,
		leftPane,
		m.renderContacts(),
	)

	fullView := lipgloss.JoinVertical(
		lipgloss.Left,
		mainView,
		m.renderStatusBar(),
	)

	if m.showHelp {
		fullView = lipgloss.JoinVertical(lipgloss.Left, fullView, m.renderHelp())
	}

	return fullView
}

// handleKeyMsg handles keyboard input
func (m *Model) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit

	case "enter":
		return m.handleSendMessage()

	case "?":
		if m.input.Value() == "" {
			m.showHelp = !m.showHelp
			return m, nil
		}
	}

	return m, nil
}

// handleSendMessage sends the current input as a message
func (m *Model) handleSendMessage() (tea.Model, tea.Cmd) {
	input := strings.TrimSpace(m.input.Value())
	if input == "" {
		return m, nil
	}

	if strings.HasPrefix(input, "/") {
		return m.handleCommand(input)
	}

	if m.currentPeer == "" {
		m.addSystemLine("No conversation selected. Use /open <contact>")
		m.input.Reset()
		return m, nil
	}

	if _, err := m.client.SendMessage(context.Background(), m.currentConv, m.currentPeer, input); err != nil {
		m.input.Reset()
		return m, func() tea.Msg { return errorMsg{err} }
	}

	m.input.Reset()
	m.refreshMessagesContent()
	return m, nil
}

// handleCommand handles slash commands
func (m *Model) handleCommand(input string) (tea.Model, tea.Cmd) {
	parts := strings.SplitN(input, " ", 2)
	command := parts[0]
	args := ""
	if len(parts) > 1 {
		args = strings.TrimSpace(parts[1])
	}

	ctx := context.Background()

	switch command {
	case "/open":
		if args == "" {
			m.addSystemLine("Usage: /open <contact-id>")
			break
		}
		m.currentPeer = args
		m.currentConv = args
		if err := m.client.MarkRead(ctx, m.currentConv, args); err != nil {
			m.addSystemLine(fmt.Sprintf("Failed to send read receipt: %s", err))
		}
		m.refreshMessagesContent()
		m.addSystemLine(fmt.Sprintf("Opened conversation with %s", args))

	case "/secure":
		peer := args
		if peer == "" {
			peer = m.currentPeer
		}
		if peer == "" {
			m.addSystemLine("Usage: /secure <contact-id>")
			break
		}
		conversationID, err := m.client.StartSecureChat(ctx, peer)
		if err != nil {
			return m, func() tea.Msg { return errorMsg{err} }
		}
		m.currentPeer = peer
		m.currentConv = conversationID
		m.addSystemLine(fmt.Sprintf("Handshake sent to %s, waiting for acceptance", peer))

	case "/verify":
		if m.currentConv == "" {
			m.addSystemLine("No conversation open")
			break
		}
		number, err := m.client.SafetyNumber(ctx, m.currentConv)
		if err != nil {
			return m, func() tea.Msg { return errorMsg{err} }
		}
		m.addSystemLine(fmt.Sprintf("Safety number: %s", number))
		m.addSystemLine(renderQR(number))

	case "/call":
		peer := args
		if peer == "" {
			peer = m.currentPeer
		}
		if peer == "" {
			m.addSystemLine("Usage: /call <contact-id>")
			break
		}
		if err := m.client.StartCall(ctx, peer, true); err != nil {
			return m, func() tea.Msg { return errorMsg{err} }
		}
		m.addSystemLine(fmt.Sprintf("Calling %s...", peer))

	case "/accept":
		if err := m.client.AcceptCall(ctx, true); err != nil {
			return m, func() tea.Msg { return errorMsg{err} }
		}

	case "/end":
		if err := m.client.EndCall(); err != nil {
			return m, func() tea.Msg { return errorMsg{err} }
		}

	case "/mute":
		muted, err := m.client.Calls().ToggleMute()
		if err != nil {
			return m, func() tea.Msg { return errorMsg{err} }
		}
		if muted {
			m.addSystemLine("Microphone muted")
		} else {
			m.addSystemLine("Microphone unmuted")
		}

	case "/share":
		enable := !m.client.Calls().ScreenSharing()
		if err := m.client.Calls().SetScreenShare(ctx, enable); err != nil {
			return m, func() tea.Msg { return errorMsg{err} }
		}
		if enable {
			m.addSystemLine("Screen sharing started")
		} else {
			m.addSystemLine("Screen sharing stopped")
		}

	case "/edit":
		editParts := strings.SplitN(args, " ", 2)
		if len(editParts) != 2 || m.currentConv == "" {
			m.addSystemLine("Usage: /edit <message-id> <new text>")
			break
		}
		if err := m.client.EditMessage(ctx, m.currentConv, editParts[0], editParts[1]); err != nil {
			return m, func() tea.Msg { return errorMsg{err} }
		}
		m.refreshMessagesContent()

	case "/reply":
		replyParts := strings.SplitN(args, " ", 2)
		if len(replyParts) != 2 || m.currentPeer == "" {
			m.addSystemLine("Usage: /reply <message-id> <text>")
			break
		}
		if _, err := m.client.SendReply(ctx, m.currentConv, m.currentPeer, replyParts[1], replyParts[0]); err != nil {
			return m, func() tea.Msg { return errorMsg{err} }
		}
		m.refreshMessagesContent()

	case "/help":
		m.showHelp = !m.showHelp

	case "/quit":
		return m, tea.Quit

	default:
		m.addSystemLine(fmt.Sprintf("Unknown command: %s", command))
	}

	m.input.Reset()
	return m, nil
}

// renderQR renders the safety number as a terminal QR code for scanning
// from the peer's device
func renderQR(number string) string {
	var sb strings.Builder
	qrterminal.GenerateWithConfig(number, qrterminal.Config{
		Level:     qrterminal.L,
		Writer:    &sb,
		BlackChar: qrterminal.BLACK,
		WhiteChar: qrterminal.WHITE,
		QuietZone: 1,
	})
	return sb.String()
}

func (m *Model) upsertContact(contact *models.Contact) {
	for i, existing := range m.contacts {
		if existing.ID == contact.ID {
			m.contacts[i] = contact
			return
		}
	}
	m.contacts = append(m.contacts, contact)
}

// refreshMessagesContent refreshes the messages viewport
func (m *Model) refreshMessagesContent() {
	var content strings.Builder
	for _, msg := range m.client.Cache().Messages(m.currentConv) {
		content.WriteString(m.formatMessage(msg))
		content.WriteString("\n")
	}
	for _, line := range m.systemLines {
		content.WriteString(m.styles.SystemStyle.Render(line))
		content.WriteString("\n")
	}

	m.messagesViewport.SetContent(content.String())
	m.messagesViewport.GotoBottom()
}

// formatMessage formats a message for display
func (m *Model) formatMessage(msg *models.Message) string {
	status := ""
	switch msg.Status {
	case models.StatusPending:
		status = " ·"
	case models.StatusAcknowledged:
		status = " ✓"
	case models.StatusRead:
		status = " ✓✓"
	case models.StatusFailed:
		status = " ✗"
	}

	edited := ""
	if msg.Edited {
		edited = " (edited)"
	}

	return m.styles.MessageStyle.Render(
		fmt.Sprintf("[%s] %s: %s%s%s",
			msg.Timestamp.Format("15:04"),
			msg.From,
			msg.Body,
			edited,
			status),
	)
}

// addSystemLine appends a status line to the conversation view
func (m *Model) addSystemLine(line string) {
	m.systemLines = append(m.systemLines, fmt.Sprintf("[%s] %s", time.Now().Format("15:04"), line))
	m.refreshMessagesContent()
}

// renderMessages renders the messages viewport
func (m *Model) renderMessages() string {
	return m.styles.BorderStyle.
		Width(m.windowWidth * 3 / 4).
		Height(m.windowHeight - 6).
		Render(m.messagesViewport.View())
}

// renderInput renders the input field
func (m *Model) renderInput() string {
	return m.styles.InputStyle.
		Width(m.windowWidth*3/4 - 2).
		Render(m.input.View())
}

// renderContacts renders the contacts panel
func (m *Model) renderContacts() string {
	var content strings.Builder

	titleStyle := lipgloss.NewStyle().
		Foreground(m.styles.ContactColor).
		Bold(true).
		Underline(true)
	content.WriteString(titleStyle.Render("Contacts") + "\n\n")

	if len(m.contacts) == 0 {
		content.WriteString("No contacts yet")
	}

	for _, contact := range m.contacts {
		status := "○"
		if contact.Online {
			status = "●"
		}
		name := contact.DisplayName
		if name == "" {
			name = contact.Username
		}
		if name == "" {
			name = contact.ID
		}

		line := fmt.Sprintf("%s %s", status, name)
		if contact.UnreadCount > 0 {
			line += fmt.Sprintf(" (%d)", contact.UnreadCount)
		}
		if m.typing[contact.ID] {
			line += " typing..."
		}
		content.WriteString(line + "\n")
	}

	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(m.styles.ContactColor).
		Width(m.windowWidth / 4).
		Height(m.windowHeight - 3).
		Padding(1).
		Render(content.String())
}

// renderStatusBar renders the status bar
func (m *Model) renderStatusBar() string {
	callStatus := ""
	calls := m.client.Calls()
	if state := calls.State(); state != service.CallIdle {
		callStatus = fmt.Sprintf(" | Call: %s %s", state, calls.PeerID())
		if calls.Muted() {
			callStatus += " [muted]"
		}
		if calls.ScreenSharing() {
			callStatus += " [sharing]"
		}
	}

	secured := ""
	if conv, ok := m.client.Cache().Conversation(m.currentConv); ok && conv.Secured {
		secured = " 🔒"
	}

	status := fmt.Sprintf("User: %s | Chat: %s%s%s | Press ? for help",
		m.username, m.currentPeer, secured, callStatus)

	return m.styles.StatusStyle.
		Width(m.windowWidth).
		Render(status)
}

// renderHelp renders the help text
func (m *Model) renderHelp() string {
	help := `Commands:
  /open <contact>        - Open a conversation
  /secure [contact]      - Start an encrypted conversation
  /verify                - Show the safety number and QR code
  /reply <id> <text>     - Reply to a message
  /edit <id> <text>      - Edit a sent message
  /call [contact]        - Start a call
  /accept                - Accept the incoming call
  /end                   - Hang up / decline
  /mute                  - Toggle microphone
  /share                 - Toggle screen sharing
  /help                  - Toggle this help
  /quit, Ctrl+C          - Quit`

	return m.styles.HelpStyle.
		Width(m.windowWidth - 4).
		Render(help)
}

// clientEventAdapter forwards client callbacks into the Bubble Tea loop
type clientEventAdapter struct {
	model *Model
}

func (a *clientEventAdapter) OnConversationUpdated(conversationID string) {
	if a.model.program != nil {
		a.model.program.Send(conversationUpdatedMsg{conversationID: conversationID})
	}
}

func (a *clientEventAdapter) OnContactUpdated(contact *models.Contact) {
	if a.model.program != nil {
		a.model.program.Send(contactUpdatedMsg{contact: contact})
	}
}

func (a *clientEventAdapter) OnTyping(contactID string, isTyping bool) {
	if a.model.program != nil {
		a.model.program.Send(typingMsg{contactID: contactID, isTyping: isTyping})
	}
}

func (a *clientEventAdapter) OnSecuredChanged(conversationID string, secured bool) {
	if a.model.program != nil {
		a.model.program.Send(securedChangedMsg{conversationID: conversationID, secured: secured})
	}
}

func (a *clientEventAdapter) OnError(err error) {
	if a.model.program != nil {
		a.model.program.Send(errorMsg{err: err})
	}
}

// callEventAdapter forwards call callbacks into the Bubble Tea loop
type callEventAdapter struct {
	model *Model
}

func (a *callEventAdapter) OnIncomingCall(from, displayName string) {
	if a.model.program != nil {
		a.model.program.Send(incomingCallMsg{from: from, displayName: displayName})
	}
}

func (a *callEventAdapter) OnCallConnected(peerID string) {
	if a.model.program != nil {
		a.model.program.Send(callConnectedMsg{peerID: peerID})
	}
}

func (a *callEventAdapter) OnCallEnded(peerID, reason string) {
	if a.model.program != nil {
		a.model.program.Send(callEndedMsg{peerID: peerID, reason: reason})
	}
}

func (a *callEventAdapter) OnCallError(err error) {
	if a.model.program != nil {
		a.model.program.Send(errorMsg{err: err})
	}
}
