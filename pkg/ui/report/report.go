// Package report renders broadcast and tenant summaries for the terminal.
package report

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"botfleet/pkg/broadcast"
	"botfleet/pkg/registry"
)

var styles = defaultTheme()

// BroadcastResult renders one run's tally and its failures.
func BroadcastResult(r broadcast.Result) string {
	title := "Broadcast"
	if r.Test {
		title = "Test broadcast"
	}
	header := lipgloss.JoinHorizontal(lipgloss.Center,
		styles.header.Render(title),
		" ",
		styles.headerMeta.Render(r.Tenant+"  "+r.RunID),
	)

	rows := []string{
		row("status", statusStyle(r.Status).Render(string(r.Status))),
		row("attempted", strconv.Itoa(r.Total)),
		row("succeeded", styles.ok.Render(strconv.Itoa(r.Succeeded))),
		row("failed", failedCount(r.Failed)),
	}
	if r.Cancelled {
		rows = append(rows, row("skipped", styles.warn.Render(strconv.Itoa(r.Skipped))))
	}
	if !r.StartedAt.IsZero() && !r.FinishedAt.IsZero() {
		rows = append(rows, row("duration", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()))
	}
	rows = append(rows, styles.hint.Render(r.Message))

	parts := []string{header, styles.box.Render(strings.Join(rows, "\n"))}
	if len(r.Failures) > 0 {
		lines := make([]string, 0, len(r.Failures))
		for _, f := range r.Failures {
			lines = append(lines, fmt.Sprintf("%s  [%s] %s", f.UserID, f.Stage, f.Error))
		}
		parts = append(parts, styles.errorTitle.Render("Failures"), styles.errorBox.Render(strings.Join(lines, "\n")))
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

// BroadcastStatus renders a tenant's subscriber counts and last run.
func BroadcastStatus(s broadcast.Status) string {
	rows := []string{
		row("kind", s.Kind),
		row("subscribers", strconv.Itoa(s.Subscribers)),
		row("with location", strconv.Itoa(s.WithLocation)),
		row("custom prompt", yesNo(s.CustomPrompt)),
		row("running", yesNo(s.Running)),
	}
	if !s.BroadcastsEnabled {
		rows = append(rows, styles.warn.Render("broadcasts are not supported for this tenant kind"))
	}
	if s.LastRun != nil {
		rows = append(rows, row("last run", fmt.Sprintf("%s %s (%d/%d)",
			s.LastRun.FinishedAt.Format(time.RFC3339), s.LastRun.Status, s.LastRun.Succeeded, s.LastRun.Total)))
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		styles.header.Render("Broadcast status  "+s.Tenant),
		styles.box.Render(strings.Join(rows, "\n")),
	)
}

// TenantLoad renders the outcome of loading tenant definitions.
func TenantLoad(load registry.LoadReport, bots []*registry.BotInstance) string {
	lines := make([]string, 0, len(bots))
	for _, bot := range bots {
		cfg := bot.Config()
		lines = append(lines, fmt.Sprintf("%s %-20s %-10s %-8s %s",
			styles.ok.Render("✓"), cfg.ID, cfg.Kind, cfg.Platform, cfg.WebhookPath))
	}
	if len(lines) == 0 {
		lines = append(lines, styles.hint.Render("no tenants registered"))
	}

	parts := []string{
		styles.header.Render(fmt.Sprintf("Tenants  %d registered", len(bots))),
		styles.box.Render(strings.Join(lines, "\n")),
	}
	if load.Legacy {
		parts = append(parts, styles.hint.Render("legacy tenant synthesized from environment credentials"))
	}
	if len(load.Skipped) > 0 {
		skipped := make([]string, 0, len(load.Skipped))
		for _, err := range load.Skipped {
			skipped = append(skipped, "✗ "+err.Error())
		}
		parts = append(parts,
			styles.errorTitle.Render(fmt.Sprintf("Skipped  %d", len(load.Skipped))),
			styles.errorBox.Render(strings.Join(skipped, "\n")),
		)
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func row(label, value string) string {
	return styles.label.Render(label) + styles.value.Render(value)
}

func statusStyle(s broadcast.RunStatus) lipgloss.Style {
	switch s {
	case broadcast.StatusSuccess:
		return styles.ok
	case broadcast.StatusFailed:
		return styles.bad
	default:
		return styles.warn
	}
}

func failedCount(n int) string {
	if n == 0 {
		return "0"
	}
	return styles.bad.Render(strconv.Itoa(n))
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
