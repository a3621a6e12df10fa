// Package tui renders the notification feed, the conversation list with
// unread badges, and the open conversation in a terminal UI. It polls
// the engine's projections on a tick; the engine does the realtime work.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/systemflow/flowsync/internal/engine"
	"github.com/systemflow/flowsync/internal/models"
	"github.com/systemflow/flowsync/internal/notify"
	"github.com/systemflow/flowsync/internal/rowstore"
)

const (
	defaultRefreshInterval = 1 * time.Second
	maxVisibleMessages     = 15
)

// Config controls feed TUI behavior.
type Config struct {
	RefreshInterval time.Duration
}

// Run starts the feed TUI and blocks until the user quits.
func Run(ctx context.Context, eng *engine.Engine, cfg Config) error {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	model := newModel(ctx, eng, cfg)
	program := tea.NewProgram(model, tea.WithAltScreen())
	_, err := program.Run()
	return err
}

type pane int

const (
	paneFeed pane = iota
	paneRooms
	paneRoom
)

type tickMsg struct{}

func tickCmd(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(time.Time) tea.Msg { return tickMsg{} })
}

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("229")).Background(lipgloss.Color("57"))
	unreadStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203"))
	readStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	badgeStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("16")).Background(lipgloss.Color("203")).Padding(0, 1)
	statusOkStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	statusBad     = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	helpStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	selfMsgStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("45"))
)

type model struct {
	ctx      context.Context
	eng      *engine.Engine
	interval time.Duration

	width  int
	height int

	pane     pane
	cursor   int
	roomID   string
	composer strings.Builder

	feed     []models.Notification
	rooms    []models.ChatRoom
	unread   map[string]int
	messages []models.ChatMessage
	statuses map[string]rowstore.Status
}

func newModel(ctx context.Context, eng *engine.Engine, cfg Config) *model {
	return &model{
		ctx:      ctx,
		eng:      eng,
		interval: cfg.RefreshInterval,
		unread:   map[string]int{},
	}
}

func (m *model) Init() tea.Cmd {
	m.eng.SetVisibility(notify.FocusState{Visible: true, Focused: true})
	m.pull()
	return tickCmd(m.interval)
}

func (m *model) pull() {
	m.feed = m.eng.Notifications()
	m.rooms = m.eng.Rooms()
	m.unread = m.eng.UnreadByRoom()
	m.statuses = m.eng.Statuses()
	if rs, ok := m.eng.ActiveRoom(); ok {
		m.messages = rs.Messages()
	} else {
		m.messages = nil
	}
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil
	case tickMsg:
		m.pull()
		return m, tickCmd(m.interval)
	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m *model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.pane == paneRoom && m.composer.Len() > 0 {
		switch msg.Type {
		case tea.KeyEnter:
			text := m.composer.String()
			m.composer.Reset()
			go m.eng.Send(m.ctx, text, nil, "")
			return m, nil
		case tea.KeyBackspace:
			text := []rune(m.composer.String())
			m.composer.Reset()
			if len(text) > 0 {
				m.composer.WriteString(string(text[:len(text)-1]))
			}
			return m, nil
		case tea.KeyEsc:
			m.composer.Reset()
			return m, nil
		case tea.KeyRunes, tea.KeySpace:
			m.composer.WriteString(msg.String())
			return m, nil
		}
	}

	switch msg.String() {
	case "q", "ctrl+c":
		m.eng.SetVisibility(notify.FocusState{Visible: false})
		return m, tea.Quit
	case "tab":
		m.pane = (m.pane + 1) % 3
		m.cursor = 0
		return m, nil
	case "j", "down":
		m.cursor++
		m.clampCursor()
	case "k", "up":
		if m.cursor > 0 {
			m.cursor--
		}
	case "enter":
		m.activate()
	case "a":
		if m.pane == paneFeed {
			go m.eng.MarkAllRead(m.ctx)
		}
	case "esc":
		if m.pane == paneRoom {
			m.eng.SetActiveRoom(m.ctx, "")
			m.roomID = ""
			m.pane = paneRooms
		}
	default:
		if m.pane == paneRoom && msg.Type == tea.KeyRunes {
			m.composer.WriteString(msg.String())
		}
	}
	return m, nil
}

func (m *model) clampCursor() {
	max := 0
	switch m.pane {
	case paneFeed:
		max = len(m.feed) - 1
	case paneRooms:
		max = len(m.rooms) - 1
	case paneRoom:
		max = len(m.messages) - 1
	}
	if max < 0 {
		max = 0
	}
	if m.cursor > max {
		m.cursor = max
	}
}

func (m *model) activate() {
	switch m.pane {
	case paneFeed:
		if m.cursor < len(m.feed) {
			n := m.feed[m.cursor]
			if room := n.RoomID(); room != "" {
				m.openRoom(room)
				return
			}
			go m.eng.MarkRead(m.ctx, n.ID)
		}
	case paneRooms:
		if m.cursor < len(m.rooms) {
			m.openRoom(m.rooms[m.cursor].ID)
		}
	}
}

func (m *model) openRoom(roomID string) {
	m.eng.SetActiveRoom(m.ctx, roomID)
	m.roomID = roomID
	m.pane = paneRoom
	m.cursor = 0
}

func (m *model) View() string {
	var b strings.Builder
	b.WriteString(m.headerView())
	b.WriteString("\n\n")

	switch m.pane {
	case paneFeed:
		b.WriteString(m.feedView())
	case paneRooms:
		b.WriteString(m.roomsView())
	case paneRoom:
		b.WriteString(m.roomView())
	}

	b.WriteString("\n")
	b.WriteString(m.statusView())
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("tab: switch pane · enter: open/read · a: mark all read · esc: leave room · q: quit"))
	return b.String()
}

func (m *model) headerView() string {
	title := titleStyle.Render("flowsync")
	badge := ""
	if n := m.eng.UnreadCount(); n > 0 {
		badge = " " + badgeStyle.Render(fmt.Sprintf("%d unread", n))
	}
	total := ""
	if t := m.eng.TotalUnread(); t > 0 {
		total = helpStyle.Render(fmt.Sprintf("  %d unread messages across chats", t))
	}
	return title + badge + total
}

func (m *model) feedView() string {
	if len(m.feed) == 0 {
		return helpStyle.Render("no notifications")
	}
	var b strings.Builder
	for i, n := range m.feed {
		line := fmt.Sprintf("%s  %s · %s", n.CreatedAt.Local().Format("15:04"), headline(n), n.Content)
		style := readStyle
		if !n.IsRead {
			style = unreadStyle
		}
		if i == m.cursor {
			style = selectedStyle
		}
		b.WriteString(style.Render(line))
		b.WriteString("\n")
	}
	return b.String()
}

func headline(n models.Notification) string {
	if n.Title != "" {
		return n.Title
	}
	if n.IsChat() {
		return "New message"
	}
	return string(n.Type)
}

func (m *model) roomsView() string {
	if len(m.rooms) == 0 {
		return helpStyle.Render("no conversations")
	}
	var b strings.Builder
	for i, room := range m.rooms {
		name := room.Name
		if name == "" {
			name = room.ID
		}
		line := name
		if room.LastMessage != nil {
			line += " · " + truncate(room.LastMessage.Content, 40)
		}
		if count := m.unread[room.ID]; count > 0 {
			line += " " + badgeStyle.Render(fmt.Sprintf("%d", count))
		}
		style := readStyle
		if i == m.cursor {
			style = selectedStyle
		}
		b.WriteString(style.Render(line))
		b.WriteString("\n")
	}
	return b.String()
}

func (m *model) roomView() string {
	var b strings.Builder
	msgs := m.messages
	if len(msgs) > maxVisibleMessages {
		msgs = msgs[len(msgs)-maxVisibleMessages:]
	}
	for _, msg := range msgs {
		sender := msg.SenderID
		if msg.Sender != nil && msg.Sender.Name != "" {
			sender = msg.Sender.Name
		}
		content := msg.Content
		if msg.Deleted() {
			content = helpStyle.Render("(deleted)")
		} else if msg.EditedAt != nil {
			content += helpStyle.Render(" (edited)")
		}
		b.WriteString(fmt.Sprintf("%s %s: %s%s",
			msg.CreatedAt.Local().Format("15:04"), sender, content, receiptMark(msg)))
		b.WriteString("\n")
	}
	b.WriteString("\n> " + m.composer.String())
	return b.String()
}

func receiptMark(msg models.ChatMessage) string {
	read, delivered := false, false
	for _, r := range msg.Receipts {
		if r.ReadAt != nil {
			read = true
		}
		if r.DeliveredAt != nil {
			delivered = true
		}
	}
	switch {
	case read:
		return selfMsgStyle.Render(" ✓✓")
	case delivered:
		return helpStyle.Render(" ✓✓")
	default:
		return ""
	}
}

func (m *model) statusView() string {
	if len(m.statuses) == 0 {
		return statusBad.Render("● offline")
	}
	allUp := true
	for _, st := range m.statuses {
		if st != rowstore.StatusSubscribed {
			allUp = false
			break
		}
	}
	if allUp {
		return statusOkStyle.Render(fmt.Sprintf("● live (%d channels)", len(m.statuses)))
	}
	var degraded []string
	for key, st := range m.statuses {
		if st != rowstore.StatusSubscribed {
			degraded = append(degraded, fmt.Sprintf("%s=%s", key, st))
		}
	}
	return statusBad.Render("● reconnecting " + strings.Join(degraded, " "))
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}
