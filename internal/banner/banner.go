package banner

import (
	"fmt"
	"strings"
)

const logo = `
======================================================================
            _ _       _ _       _
   ___ __ _| | |_ __ (_) | ___ | |_
  / __/ _` + "`" + ` | | | '_ \| | |/ _ \| __|
 | (_| (_| | | | |_) | | | (_) | |_
  \___\__,_|_|_| .__/|_|_|\___/ \__|
               |_|
----------------------------------------------------------------------`

const footer = `======================================================================`

// ConfigLine represents a single configuration line to display
type ConfigLine struct {
	Label string
	Value string
}

// Print displays the startup banner with the service name and configuration
func Print(serviceName string, config []ConfigLine) {
	fmt.Print(Render(serviceName, config))
}

// Render builds the banner text.
func Render(serviceName string, config []ConfigLine) string {
	var b strings.Builder
	b.WriteString(logo + "\n")
	b.WriteString(serviceName + "\n")

	maxLen := 0
	for _, c := range config {
		if len(c.Label) > maxLen {
			maxLen = len(c.Label)
		}
	}

	for _, c := range config {
		padding := strings.Repeat(" ", maxLen-len(c.Label))
		fmt.Fprintf(&b, "  %s%s : %s\n", c.Label, padding, c.Value)
	}

	b.WriteString("\nReady.\n")
	b.WriteString(footer + "\n\n")
	return b.String()
}
