package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/heroku/docker-heroku-ruby-builder/internal/inventory"
	"github.com/heroku/docker-heroku-ruby-builder/internal/verify"
)

const (
	colorPrimary = lipgloss.Color("#7C3AED")
	colorMuted   = lipgloss.Color("#6B7280")
	colorSuccess = lipgloss.Color("#10B981")
	colorError   = lipgloss.Color("#EF4444")
	colorWarning = lipgloss.Color("#F59E0B")
	colorValue   = lipgloss.Color("#9CA3AF")
)

var (
	successStyle = lipgloss.NewStyle().Foreground(colorSuccess)

	cardStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorError).
			Padding(0, 1)
	cardHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(colorError)
	cardLabelStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorWarning)
	cardValueStyle  = lipgloss.NewStyle().Foreground(colorValue)
	cardHintStyle   = lipgloss.NewStyle().Foreground(colorMuted).Italic(true)

	tableHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary).Padding(0, 1)
	tableCellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

// renderFailureCard formats a command error for stderr. Verification errors
// list every failing artifact.
func renderFailureCard(command string, err error) string {
	var b strings.Builder
	header := "Command failed"
	if command != "" {
		header += ": inventory " + command
	}
	b.WriteString(cardHeaderStyle.Render(header))
	b.WriteString("\n")

	var ve *verify.Error
	var conflict *inventory.ChecksumConflictError
	switch {
	case errors.As(err, &ve):
		b.WriteString(cardLabelStyle.Render(fmt.Sprintf("%d of %d artifacts failed verification", len(ve.Failures), ve.Checked)))
		for _, f := range ve.Failures {
			b.WriteString("\n")
			b.WriteString(cardValueStyle.Render("• " + f.String()))
		}
	case errors.As(err, &conflict):
		b.WriteString(cardLabelStyle.Render("Checksum conflict") + "\n")
		b.WriteString(cardValueStyle.Render(err.Error()))
		b.WriteString("\n\n")
		b.WriteString(cardHintStyle.Render("The manifest was not modified. Rebuild with a new URL or remove the existing record."))
	default:
		b.WriteString(cardValueStyle.Render(err.Error()))
	}
	return cardStyle.Render(b.String())
}

// renderInventoryTable prints one row per artifact.
func renderInventoryTable(inv *inventory.Inventory) string {
	rows := make([][]string, 0, inv.Len())
	for _, a := range inv.Artifacts {
		rows = append(rows, []string{
			a.Version,
			string(a.Arch),
			a.Metadata.DistroVersion,
			a.Checksum.Short(12),
			a.Metadata.Timestamp.Format("2006-01-02 15:04:05Z07:00"),
			a.URL,
		})
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(colorMuted)).
		Headers("VERSION", "ARCH", "DISTRO", "SHA256", "BUILT", "URL").
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle
			}
			return tableCellStyle
		})
	return t.String()
}
