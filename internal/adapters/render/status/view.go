package status

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/bnema/paychat/internal/application"
	"github.com/bnema/paychat/internal/domain"
	"github.com/bnema/paychat/internal/ports"
)

const (
	defaultMaxMessages = 50
	maxShownNotices    = 3
	readinessBarWidth  = 12
)

type RenderOptions struct {
	Now time.Time
	// Clock, when set, refreshes Now on every live redraw.
	Clock ports.Clock
	// MaxMessages caps how many timeline entries are drawn, newest last.
	MaxMessages int
}

func renderSession(snap application.Snapshot, opts RenderOptions, s styles, spin string) string {
	lines := []string{
		s.title.Render("Conversation " + conversationLabel(snap.Info)),
		s.header.Render(transportLine(snap)),
	}
	if snap.Score != nil {
		lines = append(lines, scoreLine(*snap.Score, snap.ScoreChange, s))
	}

	lines = append(lines, s.section.Render(renderTimeline(snap.Timeline, opts, s)))

	if len(snap.Payments) > 0 {
		parts := []string{s.label.Render("payments:")}
		for _, attempt := range snap.Payments {
			parts = append(parts, attemptLine(attempt, s))
		}
		lines = append(lines, s.section.Render(lipgloss.JoinVertical(lipgloss.Left, parts...)))
	}

	if len(snap.Notices) > 0 {
		notices := snap.Notices
		if len(notices) > maxShownNotices {
			notices = notices[len(notices)-maxShownNotices:]
		}
		parts := make([]string, 0, len(notices))
		for _, n := range notices {
			parts = append(parts, s.warning.Render("! ")+s.detail.Render(n.Text))
		}
		lines = append(lines, s.section.Render(lipgloss.JoinVertical(lipgloss.Left, parts...)))
	}

	if snap.Waiting {
		indicator := strings.TrimSpace(spin)
		if indicator == "" {
			indicator = "..."
		}
		lines = append(lines, s.meta.Render(indicator+" waiting for a reply"))
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func conversationLabel(info ports.SessionInfo) string {
	if info.ConversationID == "" {
		return "(connecting)"
	}
	if info.PoolID == "" {
		return info.ConversationID
	}
	return fmt.Sprintf("%s (%s)", info.ConversationID, info.PoolID)
}

func transportLine(snap application.Snapshot) string {
	t := snap.Transport
	if t.Phase == "" {
		return "transport: idle"
	}
	line := fmt.Sprintf("transport: %s", t.Phase)
	if t.Active != "" && t.Active != application.PathNone {
		line += " via " + string(t.Active)
	}
	return line
}

func scoreLine(score int, change *application.ScoreChange, s styles) string {
	color := interpolateColor(float64(score), 0, 100)
	line := s.label.Render("score:") + " " + lipgloss.NewStyle().Foreground(color).Render(fmt.Sprintf("%d", score))
	if change == nil || change.Delta == 0 {
		return line
	}
	delta := fmt.Sprintf("%+d", change.Delta)
	if change.Delta > 0 {
		delta = s.success.Render(delta)
	} else {
		delta = s.warning.Render(delta)
	}
	line += " " + delta
	if change.Reason != "" {
		line += " " + s.meta.Render(change.Reason)
	}
	return line
}

func renderTimeline(timeline []domain.Message, opts RenderOptions, s styles) string {
	if len(timeline) == 0 {
		return s.empty.Render("No messages yet.")
	}
	limit := opts.MaxMessages
	if limit <= 0 {
		limit = defaultMaxMessages
	}
	if len(timeline) > limit {
		timeline = timeline[len(timeline)-limit:]
	}

	lines := make([]string, 0, len(timeline))
	for _, msg := range timeline {
		lines = append(lines, messageLine(msg, opts, s))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func messageLine(msg domain.Message, opts RenderOptions, s styles) string {
	stamp := s.meta.Render(formatClock(msg.CreatedAt, opts.Now))

	switch {
	case msg.Class == domain.ClassSystemPlaceholder:
		return stamp + " " + s.system.Render(msg.Body)
	case !msg.AgentOriginated:
		line := stamp + " " + s.user.Render("you") + ": " + s.detail.Render(msg.Body)
		if msg.ID.IsOptimistic() {
			line += " " + s.meta.Render("(sending)")
		}
		return line
	case msg.Class == domain.ClassSideChannel:
		return stamp + " " + s.side.Render(msg.Sender+" (to "+strings.Join(msg.Mentions, ", ")+"): "+msg.Body)
	default:
		line := stamp + " " + s.agent.Render(msg.Sender) + ": " + s.detail.Render(msg.Body)
		if msg.Completion != nil {
			line += " " + s.success.Render("[paid]")
		}
		return line
	}
}

func attemptLine(attempt application.PaymentAttempt, s styles) string {
	d := attempt.Directive
	line := fmt.Sprintf("%s %s %s for %s", d.ID, d.Amount, currency(d.Currency), serviceLabel(d.ServiceType))
	state := stateLabel(attempt.State, s)
	if attempt.State == domain.PaymentAborted && attempt.Err != nil {
		return s.detail.Render(line) + " " + state + " " + s.meta.Render(attempt.Err.Error())
	}
	return s.detail.Render(line) + " " + state
}

func renderPools(statuses []application.PoolStatus, opts RenderOptions, s styles) string {
	lines := []string{
		s.title.Render("Agent Pools"),
		s.header.Render(fmt.Sprintf("pools: %d", len(statuses))),
	}

	if len(statuses) == 0 {
		lines = append(lines, s.empty.Render("No pools configured. Run `paychat pool init`."))
		return lipgloss.JoinVertical(lipgloss.Left, lines...)
	}

	for _, status := range statuses {
		lines = append(lines, s.section.Render(renderPool(status, opts, s)))
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderPool(status application.PoolStatus, opts RenderOptions, s styles) string {
	pool := status.Pool
	title := s.user.Render(fmt.Sprintf("%s (%s)", pool.Name, pool.ID))
	if !pool.Active {
		title += " " + s.meta.Render("[inactive]")
	}

	parts := []string{title}
	if status.Err != nil {
		parts = append(parts, s.warning.Render("health: "+status.Err.Error()))
	} else {
		parts = append(parts, readinessLine(status.Health, s))
	}

	agents := "agents: none"
	if len(pool.Agents) > 0 {
		agents = "agents: " + strings.Join(pool.Agents, ", ")
	}
	parts = append(parts, s.detail.Render(agents))

	if !pool.UpdatedAt.IsZero() {
		parts = append(parts, s.meta.Render("updated "+formatRelative(pool.UpdatedAt, opts.Now)))
	}

	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func readinessLine(h domain.PoolHealth, s styles) string {
	minReady := h.MinReady
	if minReady <= 0 {
		minReady = domain.DefaultMinReadyAgents
	}
	percent := 100 * float64(h.ReadyAgents) / float64(minReady)

	verdict := s.success.Render("ready")
	if !h.Healthy() {
		verdict = s.warning.Render("not ready")
	}

	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		s.label.Render("ready:"),
		" ",
		renderProgressBar(percent, readinessBarWidth, s),
		" ",
		s.detail.Render(fmt.Sprintf("%d/%d", h.ReadyAgents, minReady)),
		" ",
		verdict,
	)
}

func renderPayments(records []ports.PaymentRecord, opts RenderOptions, s styles) string {
	lines := []string{
		s.title.Render("Payments"),
		s.header.Render(fmt.Sprintf("payments: %d", len(records))),
	}
	if len(records) == 0 {
		lines = append(lines, s.empty.Render("No payments recorded."))
		return lipgloss.JoinVertical(lipgloss.Left, lines...)
	}

	var total domain.Amount
	for _, record := range records {
		if record.State == domain.PaymentCompleted {
			total += record.Amount
		}
		parts := []string{
			s.detail.Render(fmt.Sprintf("%s %s USDC for %s", record.PaymentID, record.Amount, serviceLabel(record.ServiceType))),
			stateLabel(record.State, s),
		}
		if record.Signature != "" {
			parts = append(parts, s.meta.Render("tx "+shortAddress(record.Signature)))
		}
		if record.Reason != "" {
			parts = append(parts, s.meta.Render(record.Reason))
		}
		if !record.UpdatedAt.IsZero() {
			parts = append(parts, s.meta.Render(formatRelative(record.UpdatedAt, opts.Now)))
		}
		lines = append(lines, strings.Join(parts, " "))
	}
	lines = append(lines, s.section.Render(s.label.Render(fmt.Sprintf("spent: %s USDC", total))))

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func stateLabel(state domain.PaymentState, s styles) string {
	label := "[" + string(state) + "]"
	switch state {
	case domain.PaymentCompleted, domain.PaymentSettled, domain.PaymentNotifiedAgent:
		return s.success.Render(label)
	case domain.PaymentAborted:
		return s.warning.Render(label)
	default:
		return s.meta.Render(label)
	}
}

func serviceLabel(serviceType string) string {
	if serviceType == "" {
		return "unknown service"
	}
	return strings.ReplaceAll(serviceType, "_", " ")
}

func currency(c string) string {
	if c == "" {
		return domain.DefaultCurrency
	}
	return c
}

func shortAddress(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:4] + "..." + addr[len(addr)-4:]
}

func renderProgressBar(percent float64, width int, s styles) string {
	if width <= 0 {
		return ""
	}

	filled := int(math.Round(float64(width) * clampPercent(percent) / 100))
	fillSegment := s.barFill.Render(strings.Repeat("=", filled))
	emptySegment := s.barEmpty.Render(strings.Repeat("-", width-filled))

	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		s.barBracket.Render("["),
		fillSegment,
		emptySegment,
		s.barBracket.Render("]"),
	)
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func formatClock(at, now time.Time) string {
	if at.IsZero() {
		return "--:--"
	}
	if now.IsZero() {
		return at.Format("15:04")
	}
	yearA, monthA, dayA := now.Date()
	yearB, monthB, dayB := at.Date()
	if yearA == yearB && monthA == monthB && dayA == dayB {
		return at.Format("15:04")
	}
	return at.Format("15:04 02 Jan")
}

func formatRelative(at, now time.Time) string {
	if now.IsZero() {
		return at.Format(time.RFC3339)
	}
	elapsed := now.Sub(at)
	switch {
	case elapsed < time.Minute:
		return "just now"
	case elapsed < time.Hour:
		return plural(int(elapsed.Minutes()), "minute") + " ago"
	case elapsed < 24*time.Hour:
		return plural(int(elapsed.Hours()), "hour") + " ago"
	default:
		return plural(int(elapsed.Hours()/24), "day") + " ago"
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// interpolateColor maps value onto the 240..255 greyscale ramp.
func interpolateColor(value, min, max float64) lipgloss.Color {
	if max == min {
		return lipgloss.Color("255")
	}

	normalized := (value - min) / (max - min)
	if normalized < 0 {
		normalized = 0
	}
	if normalized > 1 {
		normalized = 1
	}

	colorCode := int(240.0 + 15.0*normalized)
	return lipgloss.Color(fmt.Sprintf("%d", colorCode))
}
