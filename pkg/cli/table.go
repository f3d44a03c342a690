package cli

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Theme defines the color scheme of tables.
type Theme struct {
	Primary lipgloss.Color // Header and border color
	Dim     lipgloss.Color // Dimmed cells
}

// DefaultTheme is the default bright green theme.
var DefaultTheme = Theme{
	Primary: lipgloss.Color("#00ff9f"),
	Dim:     lipgloss.Color("#6e7681"),
}

// Styles holds all styles derived from a theme.
type Styles struct {
	Header lipgloss.Style
	Cell   lipgloss.Style
	Border lipgloss.Style
	Dim    lipgloss.Style
}

// NewStyles creates styles from a theme.
func NewStyles(t Theme) Styles {
	return Styles{
		Header: lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		Cell:   lipgloss.NewStyle(),
		Border: lipgloss.NewStyle().Foreground(t.Primary),
		Dim:    lipgloss.NewStyle().Foreground(t.Dim),
	}
}

// PlainStyles renders without colors, for tests and pipes.
func PlainStyles() Styles {
	s := lipgloss.NewStyle()
	return Styles{Header: s, Cell: s, Border: s, Dim: s}
}

// Table renders rows under a header inside a rounded border.
type Table struct {
	Styles  Styles
	Headers []string
	Rows    [][]string

	// Dim reports whether row i is rendered dimmed.
	Dim func(i int) bool
}

// Render renders the table to a string.
func (t Table) Render() string {
	widths := make([]int, len(t.Headers))
	for i, h := range t.Headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range t.Rows {
		for i := range min(len(row), len(widths)) {
			widths[i] = max(widths[i], lipgloss.Width(row[i]))
		}
	}

	bc := t.Styles.Border
	rule := func(left, mid, right string) string {
		parts := make([]string, len(widths))
		for i, w := range widths {
			parts[i] = strings.Repeat("─", w+2)
		}
		return bc.Render(left + strings.Join(parts, mid) + right)
	}
	line := func(cells []string, style lipgloss.Style) string {
		var sb strings.Builder
		sb.WriteString(bc.Render("│"))
		for i, w := range widths {
			text := ""
			if i < len(cells) {
				text = cells[i]
			}
			sb.WriteString(" " + style.Render(text) + strings.Repeat(" ", w-lipgloss.Width(text)) + " ")
			sb.WriteString(bc.Render("│"))
		}
		return sb.String()
	}

	lines := []string{
		rule("╭", "┬", "╮"),
		line(t.Headers, t.Styles.Header),
		rule("├", "┼", "┤"),
	}
	for i, row := range t.Rows {
		style := t.Styles.Cell
		if t.Dim != nil && t.Dim(i) {
			style = t.Styles.Dim
		}
		lines = append(lines, line(row, style))
	}
	lines = append(lines, rule("╰", "┴", "╯"))
	return strings.Join(lines, "\n")
}
