package main

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/openmined/boxmirror/internal/mirror"
)

var (
	red       = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	green     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	yellow    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	cyan      = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	gray      = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	lightGray = lipgloss.NewStyle().Foreground(lipgloss.Color("248"))
	bold      = lipgloss.NewStyle().Bold(true)
)

func statusStyle(s mirror.Status) lipgloss.Style {
	switch s {
	case mirror.StatusSuccess:
		return green
	case mirror.StatusPartial:
		return yellow
	default:
		return red
	}
}

func stdinIsTerminal(fd uintptr) bool {
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
