package cli

import "github.com/charmbracelet/lipgloss"

// Fire colour palette 🔥
// Shared with the progress UI so help, reports and the TUI match
var (
	FireYellow  = lipgloss.Color("#FFD700") // Bright yellow
	FireOrange  = lipgloss.Color("#FF8C00") // Deep orange
	FireRed     = lipgloss.Color("#FF4500") // Orange-red
	FireCrimson = lipgloss.Color("#DC143C") // Deep crimson

	// Accent colours
	WarmGray = lipgloss.Color("#B8860B") // Dark goldenrod for subtle text
	OKGreen  = lipgloss.Color("#4A9B4A") // Ready caches
)
