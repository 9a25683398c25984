package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"

	"github.com/linuxmatters/featuretrack/internal/archive"
	"github.com/linuxmatters/featuretrack/internal/audio"
	"github.com/linuxmatters/featuretrack/internal/calc"
	"github.com/linuxmatters/featuretrack/internal/cli"
	"github.com/linuxmatters/featuretrack/internal/config"
	"github.com/linuxmatters/featuretrack/internal/engine"
	"github.com/linuxmatters/featuretrack/internal/feature"
	"github.com/linuxmatters/featuretrack/internal/logging"
	"github.com/linuxmatters/featuretrack/internal/renderer"
	"github.com/linuxmatters/featuretrack/internal/scheduler"
	"github.com/linuxmatters/featuretrack/internal/tempo"
	"github.com/linuxmatters/featuretrack/internal/ui"
	"github.com/linuxmatters/featuretrack/internal/view"
)

// version is set via ldflags at build time
// Local dev builds: "dev"
// Release builds: git tag (e.g. "v0.1.0")
var version = "dev"

type analyzeCmd struct {
	Audio       string   `arg:"" name:"audio" help:"Audio file to analyse (WAV, MP3 or FLAC)" type:"existingfile"`
	Source      string   `help:"Source id to archive under (default: file name)"`
	Calculators []string `help:"Calculators to run" default:"${calculators}" sep:","`
	Window      int      `help:"Analysis window in samples" default:"${window}"`
	Hop         int      `help:"Hop between frames in samples" default:"${hop}"`
	FFT         int      `name:"fft" help:"FFT size, a power of two" default:"${fft}"`
	StartTick   float64  `help:"Tick the audio starts at" default:"0"`
	PNG         string   `name:"png" help:"Write the analysed lanes to a PNG" type:"path"`
	Width       int      `help:"PNG width in pixels" default:"1280"`
	Plain       bool     `help:"Plain progress bars instead of the interactive UI"`
	NoPreview   bool     `help:"Disable the lanes preview in the summary"`
}

type sampleCmd struct {
	Source     string  `arg:"" help:"Archived source id"`
	Feature    string  `help:"Feature key to read" default:"${rms}"`
	Calculator string  `help:"Require this calculator to have produced the track"`
	Channel    string  `help:"Channel index or alias (e.g. Left)"`
	Tick       float64 `help:"Tick to sample at" default:"0"`
	Until      float64 `help:"Read every native frame from --tick up to this tick"`
	Mode       string  `help:"Interpolation: hold, linear or spline" default:"linear" enum:"hold,linear,spline"`
}

type inspectCmd struct {
	Source  string   `arg:"" optional:"" help:"Archived source id; omit to list sources"`
	Require []string `help:"Feature keys a consumer needs, reported against the cache" sep:","`
	PNG     string   `name:"png" help:"Write the archived lanes to a PNG" type:"path"`
	Width   int      `help:"PNG width in pixels" default:"1280"`
}

var CLI struct {
	LogLevel string  `help:"Log level: debug, info, warn or error" default:"${loglevel}"`
	Archive  string  `help:"Archive directory" default:"${archive}" type:"path"`
	PPQ      int     `name:"ppq" help:"Ticks per quarter note" default:"${ppq}"`
	BPM      float64 `name:"bpm" help:"Tempo when no tempo map is given" default:"${bpm}"`
	TempoMap string  `help:"Tempo map as tick=bpm pairs, e.g. 0=120,3840=120..140,7680=90!"`

	Analyze analyzeCmd `cmd:"" help:"Analyse an audio file into feature tracks and archive them"`
	Sample  sampleCmd  `cmd:"" help:"Sample an archived feature track at a musical position"`
	Inspect inspectCmd `cmd:"" help:"Show an archived cache and its tracks"`
	Version struct{}   `cmd:"" help:"Show version information"`
}

func main() {
	cfg := config.Load()
	vars := kong.Vars(cfg.Vars())
	vars["version"] = version
	vars["rms"] = config.RMSID

	ctx := kong.Parse(&CLI,
		kong.Name("featuretrack"),
		kong.Description("Analyse audio into versioned feature tracks and sample them by musical position."),
		vars,
		kong.UsageOnError(),
		kong.Help(cli.StyledHelpPrinter(kong.HelpOptions{Compact: true})),
	)

	cfg.ArchiveDir = CLI.Archive
	cfg.LogLevel = CLI.LogLevel
	cfg.PPQ = CLI.PPQ
	cfg.BPM = CLI.BPM

	var err error
	switch ctx.Command() {
	case "version":
		cli.PrintVersion(version)
		return
	case "analyze <audio>":
		cfg.WindowSize = CLI.Analyze.Window
		cfg.HopSize = CLI.Analyze.Hop
		cfg.FFTSize = CLI.Analyze.FFT
		err = runAnalyze(cfg, &CLI.Analyze)
	case "sample <source>":
		err = runSample(cfg, &CLI.Sample)
	case "inspect", "inspect <source>":
		err = runInspect(cfg, &CLI.Inspect)
	default:
		err = fmt.Errorf("unknown command %q", ctx.Command())
	}
	if err != nil {
		cli.PrintError(err.Error())
		os.Exit(1)
	}
}

// newLogger writes structured logs to stderr, or discards them while the
// interactive UI owns the terminal.
func newLogger(cfg config.Config, quiet bool) (logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	if quiet {
		return logging.NewNoOp(), nil
	}
	return logging.New(os.Stderr, level), nil
}

func newEngine(cfg config.Config, logger logging.Logger) (*engine.Engine, error) {
	live, err := tempo.ParseMap(cfg.PPQ, CLI.TempoMap, cfg.BPM)
	if err != nil {
		return nil, fmt.Errorf("invalid tempo map: %w", err)
	}
	return engine.New(engine.Options{
		Config:   cfg,
		Logger:   logger,
		Tempo:    live,
		Registry: calc.NewDefaultRegistry(logger),
	})
}

// sourceIDFor is the file name without its extension.
func sourceIDFor(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// span returns the tick range the cache covers under the live tempo map.
func span(e *engine.Engine, c *feature.Cache) (float64, float64) {
	if c == nil {
		return 0, 0
	}
	start := c.Tempo.StartTick
	seconds := c.HopSeconds * float64(c.FrameCount)
	return start, start + e.Tempo().SpanTicks(start, seconds)
}

func laneDescriptors(c *feature.Cache) []feature.Descriptor {
	if c == nil {
		return nil
	}
	keys := c.FeatureKeys()
	ds := make([]feature.Descriptor, len(keys))
	for i, k := range keys {
		ds[i] = feature.Descriptor{FeatureKey: k}
	}
	return ds
}

// progressSink receives decode and analysis progress from the worker
// goroutine.
type progressSink interface {
	decode(decoded, total int64)
	info(ui.AudioInfo)
	analysis(scheduler.Progress)
}

type teaSink struct {
	p     *tea.Program
	start time.Time
}

func (s teaSink) decode(decoded, total int64) {
	s.p.Send(ui.DecodeProgress{Decoded: decoded, Total: total, Elapsed: time.Since(s.start)})
}

func (s teaSink) info(i ui.AudioInfo) {
	s.p.Send(i)
}

func (s teaSink) analysis(pr scheduler.Progress) {
	s.p.Send(ui.AnalysisProgress{Progress: pr, Elapsed: time.Since(s.start)})
}

type plainSink struct {
	bars *ui.Plain
}

func (s plainSink) decode(decoded, total int64) {
	s.bars.Decode(decoded, total)
}

func (s plainSink) info(ui.AudioInfo) {}

func (s plainSink) analysis(pr scheduler.Progress) {
	s.bars.Analysis(pr)
}

func runAnalyze(cfg config.Config, cmd *analyzeCmd) error {
	interactive := !cmd.Plain && isatty.IsTerminal(os.Stdout.Fd())
	logger, err := newLogger(cfg, interactive)
	if err != nil {
		return err
	}

	arc, err := archive.Open(cfg.ArchiveDir, logger)
	if err != nil {
		return err
	}
	defer arc.Close()

	eng, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}

	sourceID := cmd.Source
	if sourceID == "" {
		sourceID = sourceIDFor(cmd.Audio)
	}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	eng.Start(runCtx)

	if !interactive {
		bars := ui.NewPlain(os.Stderr)
		result := analyse(runCtx, eng, arc, sourceID, cmd, plainSink{bars: bars})
		bars.Wait()
		if result.Err != nil {
			return result.Err
		}
		cli.PrintSuccess(fmt.Sprintf("analysed %s in %s", sourceID, cli.FormatDuration(result.AnalysisTime)))
		fmt.Print(cli.FormatReport(eng.Diagnostics(sourceID), eng.Store().Cache(sourceID)))
		cli.PrintInfo("Archive", result.ArchivePath)
		if result.ExportPath != "" {
			cli.PrintInfo("Lanes", result.ExportPath)
		}
		return nil
	}

	model := ui.NewModel(cmd.NoPreview)
	p := tea.NewProgram(model)

	var result ui.AnalysisComplete
	done := make(chan struct{})
	go func() {
		defer close(done)
		result = analyse(runCtx, eng, arc, sourceID, cmd, teaSink{p: p, start: time.Now()})
		p.Send(result)
	}()

	if _, err := p.Run(); err != nil {
		stop()
		return fmt.Errorf("running UI: %w", err)
	}

	// the UI quits early on ctrl+c; stop the job and let it unwind
	if model.Phase() != ui.PhaseComplete {
		stop()
		<-done
		cli.PrintWarning("analysis cancelled")
		return nil
	}
	<-done
	return result.Err
}

// analyse decodes, schedules and waits for the job, then archives the
// cache and optionally exports the lanes.
func analyse(ctx context.Context, eng *engine.Engine, arc *archive.Archive, sourceID string, cmd *analyzeCmd, sink progressSink) ui.AnalysisComplete {
	start := time.Now()
	result := ui.AnalysisComplete{SourceID: sourceID}

	pcm, err := audio.Load(cmd.Audio, sink.decode)
	if err != nil {
		result.Err = err
		return result
	}
	sink.info(ui.AudioInfo{
		Path:       cmd.Audio,
		SampleRate: pcm.SampleRate,
		Channels:   len(pcm.Channels),
		Duration:   time.Duration(pcm.Duration() * float64(time.Second)),
		DecodeTime: time.Since(start),
	})

	analysisStart := time.Now()
	job, err := eng.Schedule(sourceID, pcm, engine.ScheduleOptions{
		Calculators: cmd.Calculators,
		StartTick:   cmd.StartTick,
		OnProgress:  sink.analysis,
	})
	if err != nil {
		result.Err = err
		return result
	}

	jobErr := job.Wait(ctx)
	result.AnalysisTime = time.Since(analysisStart)
	result.Status = eng.Store().Status(sourceID)
	if jobErr != nil {
		if errors.Is(jobErr, scheduler.ErrCancelled) || errors.Is(jobErr, context.Canceled) {
			result.Err = fmt.Errorf("analysis of %s cancelled", sourceID)
		} else {
			result.Err = fmt.Errorf("analysing %s: %w", sourceID, jobErr)
		}
		return result
	}

	c := eng.Store().Cache(sourceID)
	result.Tracks = ui.Summarize(c)

	payload, err := eng.MarshalCache(sourceID)
	if err != nil {
		result.Err = err
		return result
	}
	if err := arc.Put(sourceID, payload); err != nil {
		result.Err = err
		return result
	}
	result.ArchivePath = filepath.Join(eng.Config().ArchiveDir, sourceID)

	startTick, endTick := span(eng, c)
	if frames, _ := eng.SampleRange(sourceID, feature.Descriptor{FeatureKey: config.RMSID}, startTick, endTick); frames != nil {
		result.Envelope = make([]float64, len(frames))
		for i, f := range frames {
			result.Envelope[i] = f.Values[0]
		}
	}

	if cmd.PNG != "" || !cmd.NoPreview {
		lanes := renderer.SampleLanes(eng, sourceID, laneDescriptors(c), startTick, endTick)
		opts := renderer.Options{Width: cmd.Width, Title: sourceID}
		if cmd.PNG != "" {
			if err := renderer.Export(cmd.PNG, lanes, opts); err != nil {
				result.Err = err
				return result
			}
			result.ExportPath = cmd.PNG
		}
		if !cmd.NoPreview {
			result.Preview = previewImage(lanes, opts)
		}
	}
	return result
}

// previewImage renders the lanes for the terminal preview. A render
// failure only loses the preview.
func previewImage(lanes []renderer.Lane, opts renderer.Options) *image.RGBA {
	img, err := renderer.Render(lanes, opts)
	if err != nil {
		return nil
	}
	return img
}

// restore opens the archive and installs the source's payload in a fresh
// engine.
func restore(cfg config.Config, sourceID string) (*engine.Engine, *feature.Cache, error) {
	logger, err := newLogger(cfg, false)
	if err != nil {
		return nil, nil, err
	}
	arc, err := archive.Open(cfg.ArchiveDir, logger)
	if err != nil {
		return nil, nil, err
	}
	defer arc.Close()

	payload, err := arc.Get(sourceID)
	if err != nil {
		return nil, nil, err
	}
	eng, err := newEngine(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	c, err := eng.RestoreCache(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("restoring %s: %w", sourceID, err)
	}
	return eng, c, nil
}

func runSample(cfg config.Config, cmd *sampleCmd) error {
	mode, err := view.ParseInterpolation(cmd.Mode)
	if err != nil {
		return err
	}
	eng, _, err := restore(cfg, cmd.Source)
	if err != nil {
		return err
	}

	d := feature.Descriptor{
		FeatureKey:   cmd.Feature,
		CalculatorID: cmd.Calculator,
		Channel:      cmd.Channel,
	}

	if cmd.Until > cmd.Tick {
		frames, diag := eng.SampleRange(cmd.Source, d, cmd.Tick, cmd.Until)
		if frames == nil {
			fmt.Print(cli.FormatSample(nil, diag))
			return nil
		}
		for i := range frames {
			fmt.Print(cli.FormatSample(&frames[i], diag))
		}
		return nil
	}

	f, diag := eng.Sample(cmd.Source, d, cmd.Tick, mode)
	fmt.Print(cli.FormatSample(f, diag))
	return nil
}

func runInspect(cfg config.Config, cmd *inspectCmd) error {
	if cmd.Source == "" {
		return listSources(cfg)
	}

	eng, c, err := restore(cfg, cmd.Source)
	if err != nil {
		return err
	}

	if len(cmd.Require) > 0 {
		ds := make([]feature.Descriptor, len(cmd.Require))
		for i, key := range cmd.Require {
			ds[i] = feature.Descriptor{FeatureKey: strings.TrimSpace(key)}
		}
		if _, err := eng.Publish("inspect", cmd.Source, ds); err != nil {
			return err
		}
	}

	fmt.Print(cli.FormatReport(eng.Diagnostics(cmd.Source), c))

	if cmd.PNG != "" {
		startTick, endTick := span(eng, c)
		lanes := renderer.SampleLanes(eng, cmd.Source, laneDescriptors(c), startTick, endTick)
		if err := renderer.Export(cmd.PNG, lanes, renderer.Options{Width: cmd.Width, Title: cmd.Source}); err != nil {
			return err
		}
		cli.PrintSuccess("lanes written to " + cmd.PNG)
	}
	return nil
}

func listSources(cfg config.Config) error {
	logger, err := newLogger(cfg, false)
	if err != nil {
		return err
	}
	arc, err := archive.Open(cfg.ArchiveDir, logger)
	if err != nil {
		return err
	}
	defer arc.Close()

	sources, err := arc.Sources()
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		cli.PrintWarning("no archived sources in " + cfg.ArchiveDir)
		return nil
	}
	for _, s := range sources {
		fmt.Println(s)
	}
	return nil
}
