// Package tui renders a live operations dashboard: the current round, the
// incoming guess feed and transfer statuses, fed by realtime change events.
package tui

import (
	"fmt"
	"strings"
	"time"

	"blockpool/internal/realtime"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
)

const feedCapacity = 64

func padToWidth(s string, width int) string {
	current := runewidth.StringWidth(s)
	if current >= width {
		return s
	}
	return s + strings.Repeat(" ", width-current)
}

func truncToWidth(s string, width int) string {
	if runewidth.StringWidth(s) <= width {
		return s
	}
	out := ""
	for _, r := range s {
		if runewidth.StringWidth(out+string(r)) > width-1 {
			break
		}
		out += string(r)
	}
	return out + "…"
}

// RoundView is the header summary of the most recently changed round.
type RoundView struct {
	RoundNumber int64
	Status      string
	TargetBlock int64
	EndTime     int64
	TxCount     string
	Winner      string
}

// feedLine is one rendered row of the event feed.
type feedLine struct {
	at      time.Time
	table   realtime.Table
	op      realtime.Op
	summary string
}

// EventMsg delivers one realtime change event to the dashboard.
type EventMsg struct {
	Event realtime.Event
}

type Model struct {
	round  RoundView
	feed   []feedLine
	counts map[realtime.Table]int
	width  int
	height int
}

func NewModel() Model {
	return Model{counts: make(map[realtime.Table]int)}
}

func (m Model) Init() tea.Cmd { return nil }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case EventMsg:
		m.apply(msg.Event)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m *Model) apply(ev realtime.Event) {
	m.counts[ev.Table]++
	payload, _ := ev.Payload.(map[string]interface{})

	switch ev.Table {
	case realtime.TableRounds:
		m.round = roundView(payload)
	}

	line := feedLine{
		at:      ev.At,
		table:   ev.Table,
		op:      ev.Op,
		summary: summarize(ev.Table, payload),
	}
	m.feed = append([]feedLine{line}, m.feed...)
	if len(m.feed) > feedCapacity {
		m.feed = m.feed[:feedCapacity]
	}
}

func roundView(payload map[string]interface{}) RoundView {
	v := RoundView{
		RoundNumber: asInt(payload["round_number"]),
		TargetBlock: asInt(payload["target_block_height"]),
		EndTime:     asInt(payload["end_time"]),
		Status:      asString(payload["status"]),
	}
	if tx := asInt(payload["actual_tx_count"]); tx > 0 {
		v.TxCount = fmt.Sprintf("%d", tx)
	} else {
		v.TxCount = "—"
	}
	if w := asString(payload["winner_id"]); w != "" {
		v.Winner = w
	} else {
		v.Winner = "—"
	}
	return v
}

func summarize(table realtime.Table, payload map[string]interface{}) string {
	switch table {
	case realtime.TableRounds:
		return fmt.Sprintf("round #%d %s target=%d",
			asInt(payload["round_number"]),
			asString(payload["status"]),
			asInt(payload["target_block_height"]))
	case realtime.TableGuesses:
		name := asString(payload["display_name"])
		if name == "" {
			name = asString(payload["player_id"])
		}
		return fmt.Sprintf("%s guessed %d", name, asInt(payload["value"]))
	case realtime.TableTransfers:
		return fmt.Sprintf("transfer %s %s -> %s",
			asString(payload["status"]),
			asString(payload["amount"]),
			asString(payload["winner_id"]))
	default:
		return string(table)
	}
}

func asInt(candidates ...interface{}) int64 {
	for _, c := range candidates {
		switch v := c.(type) {
		case float64:
			return int64(v)
		case int64:
			return v
		case int:
			return int64(v)
		}
	}
	return 0
}

func asString(candidates ...interface{}) string {
	for _, c := range candidates {
		if s, ok := c.(string); ok && s != "" {
			return s
		}
	}
	return ""
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	dimStyle    = lipgloss.NewStyle().Faint(true)
)

func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	header := m.renderHeader()
	feed := m.renderFeed()
	return lipgloss.JoinVertical(lipgloss.Left, header, feed)
}

func (m Model) renderHeader() string {
	end := "—"
	if m.round.EndTime > 0 {
		end = time.UnixMilli(m.round.EndTime).Format("15:04:05")
	}
	lines := []string{
		headerStyle.Render(fmt.Sprintf("round #%d  status=%s", m.round.RoundNumber, orDash(m.round.Status))),
		fmt.Sprintf("target block: %d  ends: %s", m.round.TargetBlock, end),
		fmt.Sprintf("tx count: %s  winner: %s", m.round.TxCount, m.round.Winner),
		dimStyle.Render(fmt.Sprintf("events: rounds=%d guesses=%d transfers=%d",
			m.counts[realtime.TableRounds], m.counts[realtime.TableGuesses], m.counts[realtime.TableTransfers])),
	}

	var rows []string
	for _, l := range lines {
		rows = append(rows, "│ "+padToWidth(truncToWidth(l, m.width-4), m.width-4)+" │")
	}
	top := "┌" + strings.Repeat("─", m.width-2) + "┐"
	sep := "├" + strings.Repeat("─", m.width-2) + "┤"
	return top + "\n" + strings.Join(rows, "\n") + "\n" + sep
}

func (m Model) renderFeed() string {
	available := m.height - 8
	if available <= 0 {
		available = 1
	}
	count := len(m.feed)
	if count > available {
		count = available
	}

	var rows []string
	for _, line := range m.feed[:count] {
		text := fmt.Sprintf("%s  %-16s %-6s %s",
			line.at.Format("15:04:05"), line.table, line.op, line.summary)
		rows = append(rows, "│ "+padToWidth(truncToWidth(text, m.width-4), m.width-4)+" │")
	}
	if len(rows) == 0 {
		rows = append(rows, "│ "+padToWidth("waiting for events...", m.width-4)+" │")
	}
	bottom := "└" + strings.Repeat("─", m.width-2) + "┘"
	return strings.Join(rows, "\n") + "\n" + bottom
}

func orDash(s string) string {
	if s == "" {
		return "—"
	}
	return s
}

// Run starts the dashboard and pumps events from updateCh until it closes.
func Run(updateCh <-chan realtime.Event) error {
	p := tea.NewProgram(NewModel(), tea.WithAltScreen())

	go func() {
		for ev := range updateCh {
			p.Send(EventMsg{Event: ev})
		}
		p.Quit()
	}()

	_, err := p.Run()
	return err
}
