package ui

import (
	"io"
	"sync"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/linuxmatters/featuretrack/internal/scheduler"
)

// Plain renders decoding and analysis progress as mpb bars, for output
// that is not a terminal or when the full-screen UI is disabled.
type Plain struct {
	progress *mpb.Progress

	mu     sync.Mutex
	decode *tracked
	bars   map[string]*tracked
	order  []string
}

type tracked struct {
	bar  *mpb.Bar
	last time.Time
}

// NewPlain writes bars to w.
func NewPlain(w io.Writer) *Plain {
	return &Plain{
		progress: mpb.New(mpb.WithOutput(w), mpb.WithWidth(64)),
		bars:     make(map[string]*tracked),
	}
}

func (p *Plain) addBar(name string, total int64) *tracked {
	bar := p.progress.AddBar(total,
		mpb.PrependDecorators(
			decor.Name(name+": ", decor.WC{W: 14, C: decor.DindentRight}),
			decor.CountersNoUnit("%d / %d"),
		),
		mpb.AppendDecorators(
			decor.Percentage(),
			decor.EwmaETA(decor.ET_STYLE_GO, 60),
		),
	)
	return &tracked{bar: bar, last: time.Now()}
}

func (t *tracked) set(current int64) {
	now := time.Now()
	t.bar.EwmaSetCurrent(current, now.Sub(t.last))
	t.last = now
}

// Decode matches audio.ProgressFunc. Streams without a declared length get
// no bar.
func (p *Plain) Decode(decoded, total int64) {
	if total <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.decode == nil {
		p.decode = p.addBar("decode", total)
	}
	p.decode.set(min(decoded, total))
}

// Analysis matches scheduler.ProgressFunc; one bar per calculator.
func (p *Plain) Analysis(pr scheduler.Progress) {
	if pr.CalculatorID == "" || pr.Total <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.bars[pr.CalculatorID]
	if !ok {
		t = p.addBar(pr.CalculatorID, int64(pr.Total))
		p.bars[pr.CalculatorID] = t
		p.order = append(p.order, pr.CalculatorID)
	}
	t.set(int64(pr.Processed))
}

// Calculators lists the calculators seen so far, in order of first report.
func (p *Plain) Calculators() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.order...)
}

// Wait stops rendering. Bars that never completed, as after a cancelled
// or failed job, are aborted in place.
func (p *Plain) Wait() {
	p.mu.Lock()
	all := make([]*tracked, 0, len(p.bars)+1)
	if p.decode != nil {
		all = append(all, p.decode)
	}
	for _, id := range p.order {
		all = append(all, p.bars[id])
	}
	p.mu.Unlock()

	for _, t := range all {
		if !t.bar.Completed() {
			t.bar.Abort(false)
		}
	}
	p.progress.Wait()
}
