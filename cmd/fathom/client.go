package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	clientServerAddr string
	clientAgentID    string
	clientUserID     string
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Drive a running Fathom server from the terminal",
	RunE:  runClient,
}

func init() {
	clientCmd.Flags().StringVar(&clientServerAddr, "server", "localhost:8080", "address of a running fathom server")
	clientCmd.Flags().StringVar(&clientAgentID, "agent", "default", "agent profile id to bind the session to")
	clientCmd.Flags().StringVar(&clientUserID, "user", "default", "user id attached to messages sent from this client")
}

func runClient(cmd *cobra.Command, args []string) error {
	rc := newRESTClient(clientServerAddr)

	// Ensure the agent profile this session binds to exists before
	// CreateSession, which fails fast with UnknownProfile otherwise (spec
	// §4.1). A fresh server has no canonical profiles at all, so the CLI's
	// sample flow (spec §6: "performs upsert, create-session, subscribe,
	// and enqueue sample triggers") upserts a minimal one on first use
	// rather than requiring a separate bootstrap step.
	if err := rc.upsertAgentProfile(clientAgentID, "Fathom"); err != nil {
		return fmt.Errorf("upsert agent profile: %w", err)
	}

	sessionID := uuid.NewString()
	if err := rc.createSession(sessionID, clientAgentID); err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	conn, err := rc.dialEvents(sessionID)
	if err != nil {
		return fmt.Errorf("subscribe to events: %w", err)
	}

	m := newChatModel(rc, conn, sessionID, clientUserID)
	p := tea.NewProgram(m)
	go m.pump(p)

	_, err = p.Run()
	conn.Close()
	return err
}

// restClient is a thin wrapper over the Runtime Facade's HTTP surface.
type restClient struct {
	base string
	http *http.Client
}

func newRESTClient(addr string) *restClient {
	return &restClient{base: "http://" + addr, http: &http.Client{Timeout: 10 * time.Second}}
}

func (c *restClient) createSession(sessionID, agentID string) error {
	body, _ := json.Marshal(map[string]string{"session_id": sessionID, "agent_id": agentID})
	resp, err := c.http.Post(c.base+"/v1/sessions", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}

func (c *restClient) upsertAgentProfile(agentID, name string) error {
	body, _ := json.Marshal(map[string]any{"name": name})
	req, err := http.NewRequest(http.MethodPut, c.base+"/v1/profiles/agent/"+agentID, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}

func (c *restClient) sendMessage(sessionID, userID, text string) error {
	body, _ := json.Marshal(map[string]string{"kind": "user_message", "user_id": userID, "text": text})
	resp, err := c.http.Post(c.base+"/v1/sessions/"+sessionID+"/triggers", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}

func (c *restClient) dialEvents(sessionID string) (*websocket.Conn, error) {
	u := url.URL{Scheme: "ws", Host: strings.TrimPrefix(c.base, "http://"), Path: "/v1/sessions/" + sessionID + "/events"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	return conn, err
}

// chatModel is the bubbletea model for the client's chat view: a scrolling
// transcript of session events plus a single-line input for user messages.
type chatModel struct {
	rc        *restClient
	conn      *websocket.Conn
	sessionID string
	userID    string

	input    textinput.Model
	viewport viewport.Model
	lines    []string
	ready    bool
}

type eventMsg struct {
	raw map[string]any
	err error
}

func newChatModel(rc *restClient, conn *websocket.Conn, sessionID, userID string) chatModel {
	ti := textinput.New()
	ti.Placeholder = "say something..."
	ti.Focus()
	ti.CharLimit = 2000

	return chatModel{
		rc:        rc,
		conn:      conn,
		sessionID: sessionID,
		userID:    userID,
		input:     ti,
	}
}

func (m chatModel) Init() tea.Cmd { return textinput.Blink }

// pump relays incoming websocket frames into the bubbletea event loop.
func (m chatModel) pump(p *tea.Program) {
	for {
		_, data, err := m.conn.ReadMessage()
		if err != nil {
			p.Send(eventMsg{err: err})
			return
		}
		var raw map[string]any
		if json.Unmarshal(data, &raw) == nil {
			p.Send(eventMsg{raw: raw})
		}
	}
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		headerHeight := 1
		footerHeight := 3
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-headerHeight-footerHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - headerHeight - footerHeight
		}
		m.input.Width = msg.Width
		return m, nil

	case eventMsg:
		if msg.err != nil {
			m.lines = append(m.lines, fmt.Sprintf("[disconnected: %v]", msg.err))
		} else {
			m.lines = append(m.lines, renderEventLine(msg.raw))
		}
		m.viewport.SetContent(strings.Join(m.lines, "\n"))
		m.viewport.GotoBottom()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "enter":
			text := strings.TrimSpace(m.input.Value())
			if text != "" {
				_ = m.rc.sendMessage(m.sessionID, m.userID, text)
				m.lines = append(m.lines, userLineStyle.Render("you: ")+text)
				m.viewport.SetContent(strings.Join(m.lines, "\n"))
				m.viewport.GotoBottom()
			}
			m.input.SetValue("")
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

var (
	userLineStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	agentLineStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	systemLineStyle = lipgloss.NewStyle().Faint(true)
)

func renderEventLine(raw map[string]any) string {
	kind, _ := raw["type"].(string)
	switch kind {
	case "assistant_output":
		return agentLineStyle.Render("agent: ") + fmt.Sprintf("%v", raw["text"])
	case "turn_failure":
		return systemLineStyle.Render(fmt.Sprintf("[turn failed: %v]", raw["reason"]))
	case "task_state_changed":
		return systemLineStyle.Render(fmt.Sprintf("[task %v: %v -> %v]", raw["tool_name"], raw["from"], raw["to"]))
	case "events_expired":
		return systemLineStyle.Render("[event log expired; reconnect to resume]")
	default:
		return systemLineStyle.Render(fmt.Sprintf("[%s]", kind))
	}
}

func (m chatModel) View() string {
	if !m.ready {
		return "initializing..."
	}
	return fmt.Sprintf("%s\n%s\n%s", m.viewport.View(), strings.Repeat("-", m.viewport.Width), m.input.View())
}
