package view

import (
	"github.com/linuxmatters/featuretrack/internal/feature"
	"github.com/linuxmatters/featuretrack/internal/tempo"
)

// indexEpsilon absorbs float error when a tick lands exactly on a frame.
const indexEpsilon = 1e-9

// projection maps ticks onto a track's frame grid.
//
// Directly, through the track's recorded hopTicks, when the cache was
// aligned to the live tempo map and that map has a single constant tempo.
// Otherwise through seconds on the live map, which stays exact across
// tempo changes and ramps.
type projection struct {
	startTick  float64
	hopTicks   float64
	hopSeconds float64

	mapper *tempo.Mapper
	origin float64
}

func newProjection(c *feature.Cache, t *feature.Track, live *tempo.Mapper, mismatch bool) projection {
	p := projection{
		startTick:  c.Tempo.StartTick,
		hopTicks:   t.HopTicks,
		hopSeconds: t.HopSeconds,
	}
	if live != nil && (mismatch || !live.IsConstant() || p.hopTicks <= 0) {
		p.mapper = live
		p.origin = live.TicksToSeconds(p.startTick)
	}
	return p
}

func (p projection) index(tick float64) float64 {
	if p.mapper != nil {
		return (p.mapper.TicksToSeconds(tick) - p.origin) / p.hopSeconds
	}
	if p.hopTicks <= 0 {
		return 0
	}
	return (tick - p.startTick) / p.hopTicks
}

func (p projection) tick(index float64) float64 {
	if p.mapper != nil {
		return p.mapper.SecondsToTicks(p.origin + index*p.hopSeconds)
	}
	return p.startTick + index*p.hopTicks
}
