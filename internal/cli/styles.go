package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/linuxmatters/featuretrack/internal/engine"
	"github.com/linuxmatters/featuretrack/internal/feature"
	"github.com/linuxmatters/featuretrack/internal/view"
)

// Color palette
var (
	primaryColor   = lipgloss.Color("#A40000") // featuretrack red
	accentColor    = lipgloss.Color("#FFA500") // Orange/gold
	successColor   = lipgloss.Color("#00AA00") // Green
	mutedColor     = lipgloss.Color("#888888") // Gray
	highlightColor = lipgloss.Color("#FFFF00") // Yellow
	textColor      = lipgloss.Color("#FFFFFF") // White
)

// Styles
var (
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	SubtitleStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	HeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(accentColor).
			MarginTop(1)

	SuccessStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(successColor)

	ErrorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	HighlightStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(highlightColor)

	KeyStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	ValueStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(textColor)

	BoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 2).
			MarginTop(1).
			MarginBottom(1)
)

const (
	appName  = "featuretrack 🔥"
	appBlurb = "Analyse audio into versioned feature tracks and sample them by musical position."
)

// PrintBanner prints the application banner
func PrintBanner() {
	fmt.Println(TitleStyle.Render(appName))
	fmt.Println(SubtitleStyle.Render(appBlurb))
	fmt.Println()
}

// PrintVersion prints version information
func PrintVersion(version string) {
	fmt.Println(TitleStyle.Render(appName))
	fmt.Printf("%s %s\n", KeyStyle.Render("Version:"), ValueStyle.Render(version))
	fmt.Println()
}

// PrintError prints an error message
func PrintError(message string) {
	fmt.Fprintf(os.Stderr, "%s %s\n", ErrorStyle.Render("Error:"), message)
}

// PrintWarning prints a warning message
func PrintWarning(message string) {
	fmt.Printf("%s %s\n", HighlightStyle.Render("Warning:"), message)
}

// PrintSuccess prints a success message
func PrintSuccess(message string) {
	fmt.Printf("%s %s\n", SuccessStyle.Render("✓"), message)
}

// PrintInfo prints an informational message
func PrintInfo(key, value string) {
	fmt.Printf("%s %s\n", KeyStyle.Render(key+":"), ValueStyle.Render(value))
}

// PrintBox prints content in a styled box
func PrintBox(content string) {
	fmt.Println(BoxStyle.Render(content))
}

// FormatDuration formats a duration nicely
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%.0fms", d.Seconds()*1000)
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

// FormatBytes formats bytes into human-readable format
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// StatusStyle colours a cache status by state
func StatusStyle(s feature.Status) lipgloss.Style {
	switch s.State {
	case feature.StateReady:
		return lipgloss.NewStyle().Bold(true).Foreground(OKGreen)
	case feature.StatePending:
		return lipgloss.NewStyle().Bold(true).Foreground(FireYellow)
	case feature.StateStale:
		return lipgloss.NewStyle().Bold(true).Foreground(FireOrange)
	case feature.StateFailed:
		return lipgloss.NewStyle().Bold(true).Foreground(FireCrimson)
	default:
		return KeyStyle
	}
}

// FormatReport renders a cache report with its tracks for the inspect
// command. c may be nil.
func FormatReport(r engine.Report, c *feature.Cache) string {
	var b strings.Builder

	b.WriteString(KeyStyle.Render("Source:    "))
	b.WriteString(ValueStyle.Render(r.SourceID))
	b.WriteString("\n")
	b.WriteString(KeyStyle.Render("Status:    "))
	b.WriteString(StatusStyle(r.Status).Render(r.Status.String()))
	b.WriteString("\n")

	if c != nil {
		b.WriteString(KeyStyle.Render("Hop:       "))
		b.WriteString(ValueStyle.Render(fmt.Sprintf("%.2fms / %.3f ticks", c.HopSeconds*1000, c.HopTicks)))
		b.WriteString("\n")
		b.WriteString(KeyStyle.Render("Frames:    "))
		b.WriteString(ValueStyle.Render(fmt.Sprintf("%d", c.FrameCount)))
		b.WriteString("\n")
		b.WriteString(KeyStyle.Render("Tempo:     "))
		b.WriteString(ValueStyle.Render(fmt.Sprintf("%s from tick %.0f", shortHash(c.Tempo.TempoMapHash), c.Tempo.StartTick)))
		b.WriteString("\n")
		b.WriteString(KeyStyle.Render("Input:     "))
		b.WriteString(ValueStyle.Render(shortHash(r.InputHash)))
		b.WriteString("\n")

		b.WriteString(HeaderStyle.Render("Tracks"))
		b.WriteString("\n")
		for _, key := range c.FeatureKeys() {
			t := c.Tracks[key]
			fmt.Fprintf(&b, "  %-12s %s v%d  %-8s %6d × %-4d %9s\n",
				key, KeyStyle.Render(t.CalculatorID), t.Version, t.Format,
				t.FrameCount, t.Channels, FormatBytes(int64(t.ByteSize())))
		}
	}

	if len(r.Consumers) > 0 {
		b.WriteString(HeaderStyle.Render("Intents"))
		b.WriteString("\n")
		fmt.Fprintf(&b, "  %s %s\n", KeyStyle.Render("consumers:"), strings.Join(r.Consumers, ", "))
		for _, d := range r.Missing {
			fmt.Fprintf(&b, "  %s %s\n", ErrorStyle.Render("missing:"), d.String())
		}
	}

	return b.String()
}

// FormatSample renders one sampled frame with its diagnostics.
func FormatSample(f *view.Frame, d view.Diagnostics) string {
	var b strings.Builder

	b.WriteString(KeyStyle.Render("Feature:   "))
	b.WriteString(ValueStyle.Render(d.FeatureKey))
	b.WriteString("\n")

	if f == nil {
		b.WriteString(ErrorStyle.Render("No value"))
		if d.FallbackReason != "" {
			b.WriteString(" " + KeyStyle.Render("("+d.FallbackReason+")"))
		}
		b.WriteString("\n")
		return b.String()
	}

	b.WriteString(KeyStyle.Render("Position:  "))
	b.WriteString(ValueStyle.Render(fmt.Sprintf("tick %.2f, frame %.3f", f.Tick, f.Index)))
	b.WriteString("\n")
	b.WriteString(KeyStyle.Render("Mode:      "))
	b.WriteString(ValueStyle.Render(d.Interpolation.String()))
	b.WriteString("\n")

	if f.Min != nil {
		b.WriteString(KeyStyle.Render("Min:       "))
		b.WriteString(formatValues(f.Min))
		b.WriteString("\n")
		b.WriteString(KeyStyle.Render("Max:       "))
		b.WriteString(formatValues(f.Max))
	} else {
		b.WriteString(KeyStyle.Render("Values:    "))
		b.WriteString(formatValues(f.Values))
	}
	b.WriteString("\n")

	if d.FallbackReason != "" {
		b.WriteString(KeyStyle.Render("Notes:     "))
		b.WriteString(HighlightStyle.Render(d.FallbackReason))
		b.WriteString("\n")
	}
	return b.String()
}

// formatValues prints at most eight values, then a count of the rest
func formatValues(vs []float64) string {
	const shown = 8
	parts := make([]string, 0, min(len(vs), shown)+1)
	for i, v := range vs {
		if i == shown {
			parts = append(parts, fmt.Sprintf("… +%d", len(vs)-shown))
			break
		}
		parts = append(parts, fmt.Sprintf("%.4g", v))
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	if h == "" {
		return "-"
	}
	return h
}
