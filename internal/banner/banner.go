// Package banner renders the startup summary printed by both binaries.
package banner

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

const logo = `
    ╦╔═╦  ╦╦═╗╔═╗╦  ╔═╗╦ ╦
    ╠╩╗╚╗╔╝╠╦╝║╣ ║  ╠═╣╚╦╝
    ╩ ╩ ╚╝ ╩╚═╚═╝╩═╝╩ ╩ ╩ `

// Item is one status line. A disabled item is drawn dimmed.
type Item struct {
	Label   string
	Value   string
	Enabled bool
}

type Section struct {
	Title string
	Items []Item
}

var (
	dim    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan   = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold   = lipgloss.NewStyle().Bold(true)
)

// Render builds the banner for the named binary.
func Render(name, version string, sections []Section) string {
	check := green.Render("●")
	dot := dim.Render("●")
	separator := dim.Render("    ─────────────────────────────────")

	lines := []string{
		"",
		cyan.Bold(true).Render(logo),
		"    " + bold.Render(name) + " " + dim.Render("v"+version),
		"",
		separator,
		"",
	}

	for _, s := range sections {
		lines = append(lines, bold.Render("    "+s.Title), "")
		for _, it := range s.Items {
			label := fmt.Sprintf("%-14s", it.Label)
			if it.Enabled {
				lines = append(lines, fmt.Sprintf("    %s  %s %s", check, label, cyan.Render(it.Value)))
			} else {
				value := it.Value
				if value == "" {
					value = "disabled"
				}
				lines = append(lines, fmt.Sprintf("    %s  %s %s", dot, label, dim.Render(value)))
			}
		}
		lines = append(lines, "")
	}

	lines = append(lines,
		separator,
		"",
		"    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"),
		"",
	)
	return strings.Join(lines, "\n")
}

// Print writes the banner to stdout.
func Print(name, version string, sections []Section) {
	fmt.Println(Render(name, version, sections))
}

// ShortenPath replaces the home directory prefix with ~.
func ShortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	if path == home || strings.HasPrefix(path, home+string(os.PathSeparator)) {
		return "~" + path[len(home):]
	}
	return path
}
