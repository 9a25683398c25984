package feature

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrChannelResolution is returned when a descriptor's channel selector
// cannot be mapped onto a track.
var ErrChannelResolution = errors.New("channel resolution failed")

// Band is a half-open channel range [Start, End) within a track, used to
// select a run of spectrogram bins.
type Band struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Descriptor is a consumer's request for a feature.
type Descriptor struct {
	FeatureKey   string `json:"featureKey"`
	CalculatorID string `json:"calculatorId,omitempty"`

	// Channel is a numeric index or an alias such as "Left". Empty
	// selects every channel (or Band, when set).
	Channel string `json:"channel,omitempty"`
	Band    *Band  `json:"band,omitempty"`

	// MatchKey overrides the identity used for deduplication.
	MatchKey string `json:"matchKey,omitempty"`
}

// Key is the identity used to deduplicate descriptors.
func (d Descriptor) Key() string {
	if d.MatchKey != "" {
		return d.MatchKey
	}
	var b strings.Builder
	b.WriteString(d.FeatureKey)
	b.WriteByte('|')
	b.WriteString(d.CalculatorID)
	b.WriteByte('|')
	b.WriteString(d.Channel)
	if d.Band != nil {
		fmt.Fprintf(&b, "|%d:%d", d.Band.Start, d.Band.End)
	}
	return b.String()
}

func (d Descriptor) String() string {
	return d.Key()
}

// Selection is a contiguous run of channels inside a track.
type Selection struct {
	Offset int
	Count  int
}

// ResolveChannels maps the descriptor's channel selector onto track t.
// Aliases are looked up in the track table first, then the cache table.
// c may be nil.
func ResolveChannels(t *Track, c *Cache, d Descriptor) (Selection, error) {
	if d.Channel == "" {
		if d.Band == nil {
			return Selection{Offset: 0, Count: t.Channels}, nil
		}
		if d.Band.Start < 0 || d.Band.End > t.Channels || d.Band.Start >= d.Band.End {
			return Selection{}, fmt.Errorf("%w: band [%d, %d) outside %d channels",
				ErrChannelResolution, d.Band.Start, d.Band.End, t.Channels)
		}
		return Selection{Offset: d.Band.Start, Count: d.Band.End - d.Band.Start}, nil
	}

	if idx, err := strconv.Atoi(d.Channel); err == nil {
		if idx < 0 || idx >= t.Channels {
			return Selection{}, fmt.Errorf("%w: channel %d outside %d channels", ErrChannelResolution, idx, t.Channels)
		}
		return Selection{Offset: idx, Count: 1}, nil
	}

	if idx, ok := lookupAlias(t.ChannelAliases, d.Channel); ok {
		if idx < t.Channels {
			return Selection{Offset: idx, Count: 1}, nil
		}
	}
	if c != nil {
		if idx, ok := lookupAlias(c.ChannelAliases, d.Channel); ok && idx < t.Channels {
			return Selection{Offset: idx, Count: 1}, nil
		}
	}
	return Selection{}, fmt.Errorf("%w: alias %q not found", ErrChannelResolution, d.Channel)
}

// alias lookup is case-insensitive so "left" and "Left" resolve alike
func lookupAlias(aliases map[string]int, name string) (int, bool) {
	if idx, ok := aliases[name]; ok {
		return idx, true
	}
	for k, idx := range aliases {
		if strings.EqualFold(k, name) {
			return idx, true
		}
	}
	return 0, false
}
