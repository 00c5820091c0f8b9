package dashboard

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/bnema/sdash/internal/domain"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

const (
	seatBarWidth    = 20
	titleWidth      = 32
	maxActivityRows = 8
)

// View is everything the dashboard shows at one point in time.
type View struct {
	Payload      domain.Payload
	State        domain.PollingState
	Warning      string
	ShowActivity bool
	// Indicator prefixes the status line, typically a spinner frame.
	Indicator string
}

type RenderOptions struct {
	Now time.Time
}

// RenderView lays out the view as a string. It is pure and cheap enough to
// call on every bubbletea frame.
func RenderView(v View, opts RenderOptions) string {
	s := newStyles()

	lines := []string{
		s.title.Render("Session dashboard"),
		s.header.Render(summaryLine(v.Payload)),
	}

	if v.Warning != "" {
		lines = append(lines, s.banner.Render(s.warning.Render(v.Warning)))
	}

	lines = append(lines,
		s.section.Render(renderSessions(v.Payload[domain.ResourceSessions], s)),
		s.section.Render(renderRooms(v.Payload[domain.ResourceRooms], s)),
	)
	if v.ShowActivity {
		lines = append(lines, s.section.Render(renderActivity(v.Payload[domain.ResourceActivityLog], s)))
	}

	lines = append(lines, s.section.Render(s.status.Render(statusLine(v, opts.Now))))

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func summaryLine(payload domain.Payload) string {
	parts := make([]string, 0, len(domain.ResourceOrder))
	for _, name := range []domain.ResourceName{domain.ResourceSessions, domain.ResourceParticipants, domain.ResourceRooms} {
		items, ok := payload[name]
		if !ok {
			parts = append(parts, fmt.Sprintf("%s: -", name))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", name, humanize.Comma(int64(len(items)))))
	}

	return strings.Join(parts, "  ")
}

func renderSessions(sessions []domain.Record, s styles) string {
	lines := []string{s.heading.Render("Sessions")}
	if len(sessions) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, append(lines, s.empty.Render("No sessions available."))...)
	}

	for _, session := range sessions {
		lines = append(lines, sessionLine(session, s))
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func sessionLine(session domain.Record, s styles) string {
	title := truncate(textField(session, "titre", "title", "nom", "name"), titleWidth)
	if title == "" {
		title = "session " + textField(session, "id")
	}

	parts := []string{s.session.Render(fmt.Sprintf("%-*s", titleWidth, title))}

	registered, hasRegistered := intField(session, "inscrits", "registered")
	capacity, hasCapacity := intField(session, "capacite", "capacity")
	switch {
	case hasRegistered && hasCapacity && capacity > 0:
		seats := fmt.Sprintf("%d/%d", registered, capacity)
		seatStyle := s.detail
		if registered >= capacity {
			seatStyle = s.full
			seats += " full"
		}
		parts = append(parts, " ", renderSeatBar(registered, capacity, s), " ", seatStyle.Render(seats))
	case hasRegistered:
		parts = append(parts, " ", s.detail.Render(fmt.Sprintf("%d registered", registered)))
	}

	if waiting, ok := intField(session, "liste_attente", "waitlist"); ok && waiting > 0 {
		parts = append(parts, " ", s.meta.Render(fmt.Sprintf("waitlist %d", waiting)))
	}
	if room := textField(session, "salle", "room"); room != "" {
		parts = append(parts, " ", s.meta.Render("@ "+room))
	}

	return lipgloss.JoinHorizontal(lipgloss.Top, parts...)
}

func renderRooms(rooms []domain.Record, s styles) string {
	lines := []string{s.heading.Render("Rooms")}
	if len(rooms) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, append(lines, s.empty.Render("No rooms available."))...)
	}

	names := make([]string, 0, len(rooms))
	for _, room := range rooms {
		name := textField(room, "nom", "name", "id")
		if capacity, ok := intField(room, "capacite", "capacity"); ok {
			name = fmt.Sprintf("%s (%d)", name, capacity)
		}
		names = append(names, name)
	}

	return lipgloss.JoinVertical(lipgloss.Left, append(lines, s.detail.Render(strings.Join(names, ", ")))...)
}

func renderActivity(entries []domain.Record, s styles) string {
	lines := []string{s.heading.Render("Recent activity")}
	if len(entries) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, append(lines, s.empty.Render("No recent activity."))...)
	}

	if len(entries) > maxActivityRows {
		entries = entries[:maxActivityRows]
	}
	for _, entry := range entries {
		message := textField(entry, "message", "description", "action")
		if at := textField(entry, "date", "created_at", "at"); at != "" {
			message = s.meta.Render(at) + " " + message
		}
		lines = append(lines, s.detail.Render(message))
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func statusLine(v View, now time.Time) string {
	parts := make([]string, 0, 4)
	if v.Indicator != "" {
		parts = append(parts, v.Indicator)
	}

	switch {
	case v.State.InFlight:
		parts = append(parts, "refreshing")
	case v.State.LastRefreshAt.IsZero():
		parts = append(parts, "waiting for first refresh")
	case now.IsZero():
		parts = append(parts, "refreshed "+humanize.Time(v.State.LastRefreshAt))
	default:
		parts = append(parts, "refreshed "+humanize.RelTime(v.State.LastRefreshAt, now, "ago", "from now"))
	}

	switch {
	case v.State.Throttled:
		parts = append(parts, fmt.Sprintf("auto-refresh paused after %d errors", v.State.ConsecutiveErrors))
	case v.State.Paused:
		parts = append(parts, "auto-refresh paused")
	case v.State.Interval > 0:
		parts = append(parts, "every "+time.Duration(v.State.Interval).String())
	}

	return strings.Join(parts, " · ")
}

func renderSeatBar(registered, capacity int64, s styles) string {
	ratio := float64(registered) / float64(capacity)
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	filled := int(math.Round(float64(seatBarWidth) * ratio))

	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		s.barBracket.Render("["),
		s.barFill.Render(strings.Repeat("=", filled)),
		s.barEmpty.Render(strings.Repeat("-", seatBarWidth-filled)),
		s.barBracket.Render("]"),
	)
}

func textField(record domain.Record, keys ...string) string {
	for _, key := range keys {
		value, ok := record[key]
		if !ok || value == nil {
			continue
		}
		switch typed := value.(type) {
		case string:
			if trimmed := strings.TrimSpace(typed); trimmed != "" {
				return trimmed
			}
		case json.Number:
			return typed.String()
		default:
			return fmt.Sprint(typed)
		}
	}

	return ""
}

func intField(record domain.Record, keys ...string) (int64, bool) {
	for _, key := range keys {
		switch typed := record[key].(type) {
		case json.Number:
			if n, err := typed.Int64(); err == nil {
				return n, true
			}
			if f, err := typed.Float64(); err == nil {
				return int64(f), true
			}
		case float64:
			return int64(typed), true
		case int:
			return int64(typed), true
		case int64:
			return typed, true
		case string:
			if n, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64); err == nil {
				return n, true
			}
		}
	}

	return 0, false
}

func truncate(value string, width int) string {
	runes := []rune(value)
	if len(runes) <= width {
		return value
	}

	return string(runes[:width-1]) + "…"
}
