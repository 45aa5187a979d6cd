package main

import (
	"fmt"
	"io/fs"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/tturner/hpcxfer/internal/transport"
)

var (
	dirStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	linkStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// renderListing formats ListDirWithAttributes output one entry per line.
func renderListing(entries []transport.DirEntry, long bool) string {
	var b strings.Builder
	for _, e := range entries {
		name := e.Name
		switch {
		case e.IsDir:
			name = dirStyle.Render(name + "/")
		case e.Attributes.Mode&fs.ModeSymlink != 0:
			name = linkStyle.Render(name)
		}
		if !long {
			b.WriteString(name)
			b.WriteByte('\n')
			continue
		}
		a := e.Attributes
		fmt.Fprintf(&b, "%s %10d %s %s\n",
			a.Mode.String(),
			a.Size,
			dimStyle.Render(a.Mtime.Format("2006-01-02 15:04")),
			name)
	}
	return b.String()
}
