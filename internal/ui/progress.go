package ui

import (
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/linuxmatters/featuretrack/internal/feature"
	"github.com/linuxmatters/featuretrack/internal/scheduler"
)

// Fire colour palette 🔥
var (
	fireYellow  = lipgloss.Color("#FFD700") // Bright yellow
	fireOrange  = lipgloss.Color("#FF8C00") // Deep orange
	fireRed     = lipgloss.Color("#FF4500") // Orange-red
	fireCrimson = lipgloss.Color("#DC143C") // Deep crimson
	emberGlow   = lipgloss.Color("#8B0000") // Dark ember red
	okGreen     = lipgloss.Color("#4A9B4A")

	warmGray = lipgloss.Color("#B8860B") // Dark goldenrod for subtle text
)

// Phase represents the current processing phase
type Phase int

const (
	PhaseDecode Phase = iota
	PhaseAnalysis
	PhaseComplete
)

// DecodeProgress reports samples decoded so far. Total is 0 when the
// container does not declare a length.
type DecodeProgress struct {
	Decoded int64
	Total   int64
	Elapsed time.Duration
}

// AudioInfo signals the end of decoding
type AudioInfo struct {
	Path       string
	SampleRate int
	Channels   int
	Duration   time.Duration
	DecodeTime time.Duration
}

// AnalysisProgress wraps a scheduler progress report
type AnalysisProgress struct {
	scheduler.Progress
	Elapsed time.Duration
}

// TrackSummary describes one stored track
type TrackSummary struct {
	FeatureKey   string
	CalculatorID string
	Version      int
	Format       feature.Format
	Frames       int
	Channels     int
	Bytes        int
}

// Summarize lists the tracks of c, sorted by feature key.
func Summarize(c *feature.Cache) []TrackSummary {
	if c == nil {
		return nil
	}
	out := make([]TrackSummary, 0, len(c.Tracks))
	for _, key := range c.FeatureKeys() {
		t := c.Tracks[key]
		out = append(out, TrackSummary{
			FeatureKey:   key,
			CalculatorID: t.CalculatorID,
			Version:      t.Version,
			Format:       t.Format,
			Frames:       t.FrameCount,
			Channels:     t.Channels,
			Bytes:        t.ByteSize(),
		})
	}
	return out
}

// AnalysisComplete signals the job has finished, successfully or not
type AnalysisComplete struct {
	SourceID     string
	Status       feature.Status
	Tracks       []TrackSummary
	Envelope     []float64   // RMS per frame, for the summary sparkline
	Preview      *image.RGBA // exported lanes, nil when not exported
	ArchivePath  string
	ExportPath   string
	AnalysisTime time.Duration
	Err          error
}

// progressQuitMsg is sent when it's time to quit after showing completion
type progressQuitMsg struct{}

// Model implements the Bubbletea model for decoding and analysis
type Model struct {
	progressBar progress.Model
	phase       Phase

	audio    *AudioInfo
	decode   DecodeProgress
	analysis AnalysisProgress

	// per-calculator progress in the order first reported
	calculators []string
	perCalc     map[string]scheduler.Progress

	complete *AnalysisComplete

	startTime       time.Time
	width           int
	noPreview       bool
	completionDelay time.Duration
}

// NewModel creates a new progress UI model
func NewModel(noPreview bool) *Model {
	// Fire gradient: deep red → orange → yellow
	p := progress.New(
		progress.WithGradient(string(fireCrimson), string(fireYellow)),
		progress.WithWidth(40),
		progress.WithoutPercentage(),
	)

	return &Model{
		progressBar:     p,
		phase:           PhaseDecode,
		perCalc:         make(map[string]scheduler.Progress),
		startTime:       time.Now(),
		completionDelay: 2 * time.Second,
		noPreview:       noPreview,
	}
}

// Init initializes the model
func (m *Model) Init() tea.Cmd {
	return nil
}

// Phase reports the current phase
func (m *Model) Phase() Phase {
	return m.phase
}

// Update handles messages
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.progressBar.Width = max(10, min(msg.Width-30, 50))
		return m, nil

	case DecodeProgress:
		m.decode = msg
		return m, nil

	case AudioInfo:
		m.audio = &msg
		m.phase = PhaseAnalysis
		return m, nil

	case AnalysisProgress:
		m.phase = PhaseAnalysis
		m.analysis = msg
		if _, seen := m.perCalc[msg.CalculatorID]; !seen && msg.CalculatorID != "" {
			m.calculators = append(m.calculators, msg.CalculatorID)
		}
		if msg.CalculatorID != "" {
			m.perCalc[msg.CalculatorID] = msg.Progress
		}
		return m, nil

	case AnalysisComplete:
		m.complete = &msg
		m.phase = PhaseComplete
		return m, tea.Tick(m.completionDelay, func(time.Time) tea.Msg {
			return progressQuitMsg{}
		})

	case progressQuitMsg:
		return m, tea.Quit

	case tea.KeyMsg:
		if m.complete != nil {
			return m, tea.Quit
		}
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	}

	return m, nil
}

// View renders the UI
func (m *Model) View() string {
	if m.phase == PhaseComplete {
		return m.renderComplete()
	}
	return m.renderProgress()
}

// CompletionSummary returns the final summary for printing after the
// program exits. Returns empty string if the job has not finished.
func (m *Model) CompletionSummary() string {
	if m.complete == nil {
		return ""
	}
	return m.renderComplete()
}

func (m *Model) renderProgress() string {
	var s strings.Builder

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(fireYellow).
		Render("featuretrack 🔥")

	s.WriteString(title)
	s.WriteString("\n")

	phaseLabel := "Decoding audio"
	if m.phase == PhaseAnalysis {
		phaseLabel = "Analysing features"
	}
	s.WriteString(lipgloss.NewStyle().Foreground(fireOrange).Render(phaseLabel))
	s.WriteString("\n\n")

	if m.phase == PhaseDecode {
		m.renderDecodeProgress(&s)
	} else {
		m.renderAnalysisProgress(&s)
	}

	s.WriteString("\n")
	m.renderAudioInfo(&s)

	return lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(fireRed).
		Padding(1, 2).
		Render(s.String())
}

func (m *Model) renderDecodeProgress(s *strings.Builder) {
	switch {
	case m.decode.Total > 0:
		percent := min(1, float64(m.decode.Decoded)/float64(m.decode.Total))
		s.WriteString("Progress: ")
		s.WriteString(m.progressBar.ViewAs(percent))
		fmt.Fprintf(s, "  %d%%\n", int(percent*100))
	case m.decode.Decoded > 0:
		s.WriteString(lipgloss.NewStyle().Faint(true).Render("Decoding..."))
		fmt.Fprintf(s, "  %d samples  │  Elapsed: %s\n", m.decode.Decoded, formatDuration(m.decode.Elapsed))
	default:
		s.WriteString(lipgloss.NewStyle().Faint(true).Render("Opening audio..."))
		s.WriteString("\n")
	}
}

func (m *Model) renderAnalysisProgress(s *strings.Builder) {
	if len(m.calculators) == 0 {
		s.WriteString(lipgloss.NewStyle().Faint(true).Render("Starting analysis..."))
		s.WriteString("\n")
		return
	}

	s.WriteString("Progress: ")
	s.WriteString(m.progressBar.ViewAs(m.analysis.Overall))
	fmt.Fprintf(s, "  %d%%\n", int(m.analysis.Overall*100))

	elapsed := m.analysis.Elapsed
	if elapsed == 0 {
		elapsed = time.Since(m.startTime)
	}
	var eta time.Duration
	if m.analysis.Overall > 0 {
		eta = time.Duration(float64(elapsed)/m.analysis.Overall) - elapsed
	}
	s.WriteString(lipgloss.NewStyle().Faint(true).Render(
		fmt.Sprintf("Time: %s  │  ETA: %s", formatDuration(elapsed), formatDuration(eta))))
	s.WriteString("\n\n")

	labelStyle := lipgloss.NewStyle().Foreground(warmGray)
	for _, id := range m.calculators {
		p := m.perCalc[id]
		ratio := 0.0
		if p.Total > 0 {
			ratio = float64(p.Processed) / float64(p.Total)
		}
		s.WriteString(labelStyle.Render(fmt.Sprintf("%-12s", id)))
		s.WriteString(" ")
		s.WriteString(makeGradientBar(ratio, 24))
		fmt.Fprintf(s, " %d/%d\n", p.Processed, p.Total)
	}
}

func (m *Model) renderAudioInfo(s *strings.Builder) {
	labelStyle := lipgloss.NewStyle().Faint(true)
	headerStyle := lipgloss.NewStyle().Faint(true).Bold(true)

	s.WriteString(headerStyle.Render("Audio"))
	s.WriteString(" │ ")

	if m.audio == nil {
		s.WriteString(lipgloss.NewStyle().Faint(true).Italic(true).Render("Decoding..."))
		return
	}
	fmt.Fprintf(s, "%.1fs  %s %d Hz  %s %d",
		m.audio.Duration.Seconds(),
		labelStyle.Render("Rate:"), m.audio.SampleRate,
		labelStyle.Render("Channels:"), m.audio.Channels)
}

func (m *Model) renderComplete() string {
	var s strings.Builder
	c := m.complete
	border := okGreen

	if c.Err != nil {
		border = fireCrimson
		s.WriteString(lipgloss.NewStyle().Bold(true).Foreground(fireCrimson).Render("✗ Analysis Failed"))
		s.WriteString("\n\n")
		fmt.Fprintf(&s, "%s %v\n", lipgloss.NewStyle().Faint(true).Render("Error:   "), c.Err)
	} else {
		s.WriteString(lipgloss.NewStyle().Bold(true).Foreground(fireYellow).Render("✓ Analysis Complete!"))
		s.WriteString("\n\n")
	}

	dimLabel := lipgloss.NewStyle().Faint(true)
	fmt.Fprintf(&s, "%s%s\n", dimLabel.Render("Source:   "), c.SourceID)
	fmt.Fprintf(&s, "%s%s\n", dimLabel.Render("Status:   "), c.Status)
	if c.ArchivePath != "" {
		fmt.Fprintf(&s, "%s%s\n", dimLabel.Render("Archive:  "), c.ArchivePath)
	}
	if c.ExportPath != "" {
		fmt.Fprintf(&s, "%s%s\n", dimLabel.Render("Export:   "), c.ExportPath)
	}
	fmt.Fprintf(&s, "%s%s\n", dimLabel.Render("Time:     "), formatDuration(c.AnalysisTime))

	if len(c.Tracks) > 0 {
		s.WriteString("\n")
		s.WriteString(lipgloss.NewStyle().Foreground(fireOrange).Render("Tracks:"))
		s.WriteString("\n")
		total := 0
		for _, t := range c.Tracks {
			total += t.Bytes
		}
		for _, t := range c.Tracks {
			share := 0.0
			if total > 0 {
				share = float64(t.Bytes) / float64(total)
			}
			fmt.Fprintf(&s, "  %-12s v%-2d %-8s %5d × %-4d %s %9s\n",
				t.FeatureKey, t.Version, t.Format, t.Frames, t.Channels,
				makeSparkline(share, 12), formatBytes(int64(t.Bytes)))
		}
	}

	if len(c.Envelope) > 0 {
		width := 64
		if m.width > 10 {
			width = min(m.width-10, 64)
		}
		s.WriteString("\n")
		s.WriteString(lipgloss.NewStyle().Foreground(fireOrange).Render("Loudness:"))
		s.WriteString("\n")
		s.WriteString(renderEnvelope(c.Envelope, width))
		s.WriteString("\n")
	}

	if c.Preview != nil && !m.noPreview {
		s.WriteString("\n")
		s.WriteString(RenderPreview(DownsampleImage(c.Preview, DefaultPreviewConfig())))
	}

	return lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(border).
		Padding(1, 2).
		Render(s.String()) + "\n"
}

// Helper functions

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func formatBytes(bytes int64) string {
	if bytes == 0 {
		return "0 B"
	}

	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"KB", "MB", "GB"}
	return fmt.Sprintf("%.1f %s", float64(bytes)/float64(div), units[min(exp, len(units)-1)])
}

func makeSparkline(ratio float64, width int) string {
	filled := min(int(ratio*float64(width)), width)

	var result strings.Builder
	for i := 0; i < width; i++ {
		if i < filled {
			pos := float64(i) / float64(width)
			var color lipgloss.Color
			switch {
			case pos < 0.25:
				color = emberGlow
			case pos < 0.5:
				color = fireCrimson
			case pos < 0.75:
				color = fireOrange
			default:
				color = fireYellow
			}
			result.WriteString(lipgloss.NewStyle().Foreground(color).Render("█"))
		} else {
			result.WriteString(lipgloss.NewStyle().Foreground(lipgloss.Color("#3A3A3A")).Render("░"))
		}
	}

	return result.String()
}

// makeGradientBar creates a subtle gradient bar for per-calculator progress
func makeGradientBar(ratio float64, width int) string {
	filled := max(0, min(int(ratio*float64(width)), width))

	gradientColors := []lipgloss.Color{
		lipgloss.Color("#8B0000"), // Dark red
		lipgloss.Color("#A52A2A"), // Brown-red
		lipgloss.Color("#CD5C5C"), // Indian red
		lipgloss.Color("#DC143C"), // Crimson
		lipgloss.Color("#FF6347"), // Tomato
		lipgloss.Color("#FF7F50"), // Coral
		lipgloss.Color("#FFA07A"), // Light salmon
		lipgloss.Color("#FFD700"), // Gold
	}

	var result strings.Builder
	for i := 0; i < width; i++ {
		if i < filled {
			pos := float64(i) / float64(width)
			colorIdx := min(int(pos*float64(len(gradientColors)-1)), len(gradientColors)-1)
			result.WriteString(lipgloss.NewStyle().Foreground(gradientColors[colorIdx]).Render("█"))
		} else {
			result.WriteString(lipgloss.NewStyle().Foreground(lipgloss.Color("#2A2A2A")).Render("░"))
		}
	}

	return result.String()
}

// renderEnvelope draws values as a two-row block chart, averaging runs of
// values that share a column
func renderEnvelope(values []float64, width int) string {
	if len(values) == 0 || width <= 0 {
		return ""
	}

	blocks := []rune{'▁', '▂', '▃', '▄', '▅', '▆', '▇', '█'}
	fireColors := []lipgloss.Color{
		lipgloss.Color("#8B0000"), // Dark red (ember)
		lipgloss.Color("#B22222"), // Firebrick
		lipgloss.Color("#DC143C"), // Crimson
		lipgloss.Color("#FF4500"), // Orange-red
		lipgloss.Color("#FF6347"), // Tomato
		lipgloss.Color("#FF8C00"), // Dark orange
		lipgloss.Color("#FFA500"), // Orange
		lipgloss.Color("#FFD700"), // Gold/Yellow
	}

	columns := min(width, len(values))
	heights := make([]float64, columns)
	peak := 0.0
	for c := range heights {
		lo := c * len(values) / columns
		hi := max(lo+1, (c+1)*len(values)/columns)
		sum := 0.0
		for _, v := range values[lo:hi] {
			sum += v
		}
		heights[c] = sum / float64(hi-lo)
		peak = max(peak, heights[c])
	}
	if peak == 0 {
		peak = 1
	}
	for c := range heights {
		heights[c] /= peak
	}

	colour := func(h float64) lipgloss.Style {
		return lipgloss.NewStyle().Foreground(fireColors[max(0, min(int(h*float64(len(fireColors)-1)), len(fireColors)-1))])
	}

	var result strings.Builder
	// top row holds the part above half scale
	for _, h := range heights {
		if h > 0.5 {
			idx := min(int((h-0.5)*2*float64(len(blocks)-1)), len(blocks)-1)
			result.WriteString(colour(h).Render(string(blocks[idx])))
		} else {
			result.WriteString(" ")
		}
	}
	result.WriteString("\n")
	for _, h := range heights {
		idx := len(blocks) - 1
		if h < 0.5 {
			idx = max(0, int(h*2*float64(len(blocks)-1)))
		}
		result.WriteString(colour(h).Render(string(blocks[idx])))
	}

	return result.String()
}
