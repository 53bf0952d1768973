package cli

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Theme defines the color scheme for terminal output.
type Theme struct {
	Primary lipgloss.Color // Main accent color
	Dim     lipgloss.Color // Dimmed/help text color
	Warn    lipgloss.Color
}

// DefaultTheme is the default bright green theme.
var DefaultTheme = Theme{
	Primary: lipgloss.Color("#00ff9f"),
	Dim:     lipgloss.Color("#6e7681"),
	Warn:    lipgloss.Color("#f0b429"),
}


// Styles holds all styles derived from a theme.
type Styles struct {
	Title  lipgloss.Style
	Label  lipgloss.Style
	Border lipgloss.Style
	Header lipgloss.Style
	Cell   lipgloss.Style
	Help   lipgloss.Style
	Warn   lipgloss.Style

	// MaxCellWidth truncates table cells; 0 disables truncation.
	MaxCellWidth int
}

// NewStyles creates styles from a theme.
func NewStyles(t Theme) Styles {
	return Styles{
		Title:        lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		Label:        lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		Border:       lipgloss.NewStyle().Foreground(t.Primary),
		Header:       lipgloss.NewStyle().Bold(true).Foreground(t.Primary).Padding(0, 1),
		Cell:         lipgloss.NewStyle().Padding(0, 1),
		Help:         lipgloss.NewStyle().Foreground(t.Dim),
		Warn:         lipgloss.NewStyle().Foreground(t.Warn),
		MaxCellWidth: 60,
	}
}

// PlainStyles renders without colors, padding or truncation, for files and
// pipes.
func PlainStyles() Styles {
	plain := lipgloss.NewStyle()
	return Styles{
		Title: plain, Label: plain, Border: plain, Header: plain,
		Cell: plain, Help: plain, Warn: plain,
	}
}

// RenderTable renders t with a rounded border.
func RenderTable(s Styles, t Tabular) string {
	rows := t.Rows()
	if s.MaxCellWidth > 1 {
		for _, row := range rows {
			for i, cell := range row {
				if lipgloss.Width(cell) > s.MaxCellWidth {
					row[i] = "…" + truncateLeft(cell, s.MaxCellWidth-1)
				}
			}
		}
	}
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(s.Border).
		Headers(t.Header()...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return s.Header
			}
			return s.Cell
		}).
		Render()
}

// Field is one labeled line of a summary.
type Field struct {
	Label string
	Value string
}

// RenderSummary renders a titled list of fields with aligned values.
func RenderSummary(s Styles, title string, fields []Field) string {
	width := 0
	for _, f := range fields {
		width = max(width, lipgloss.Width(f.Label))
	}
	lines := []string{s.Title.Render(title)}
	for _, f := range fields {
		pad := strings.Repeat(" ", width-lipgloss.Width(f.Label))
		lines = append(lines, "  "+s.Label.Render(f.Label)+pad+"  "+f.Value)
	}
	return strings.Join(lines, "\n")
}

// truncateLeft keeps the last width columns of s. Paths are most
// distinctive at their end.
func truncateLeft(s string, width int) string {
	if width <= 0 {
		return ""
	}
	runes := []rune(s)
	currentWidth := 0
	for i := len(runes) - 1; i >= 0; i-- {
		w := lipgloss.Width(string(runes[i]))
		if currentWidth+w > width {
			return string(runes[i+1:])
		}
		currentWidth += w
	}
	return s
}
