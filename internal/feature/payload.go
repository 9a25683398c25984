package feature

import (
	"encoding/json"
	"fmt"
)

// TrackCodec lets a calculator control how its track data is serialized.
type TrackCodec interface {
	EncodeTrackData(t *Track) (json.RawMessage, error)
	DecodeTrackData(data json.RawMessage, t *Track) error
}

// CodecLookup returns the codec for a calculator, or nil for the default
// numeric encoding.
type CodecLookup func(calculatorID string) TrackCodec

type payload struct {
	SourceID        string                  `json:"sourceId"`
	HopSeconds      float64                 `json:"hopSeconds"`
	HopTicks        float64                 `json:"hopTicks"`
	TempoProjection TempoProjection         `json:"tempoProjection"`
	FrameCount      int                     `json:"frameCount"`
	FeatureTracks   map[string]payloadTrack `json:"featureTracks"`
	AnalysisParams  AnalysisParams          `json:"analysisParams"`

	ChannelAliases map[string]int            `json:"channelAliases,omitempty"`
	Profiles       map[string]AnalysisParams `json:"analysisProfiles,omitempty"`
	InputHash      string                    `json:"inputHash,omitempty"`
}

type payloadTrack struct {
	CalculatorID      string          `json:"calculatorId"`
	Version           int             `json:"version"`
	FrameCount        int             `json:"frameCount"`
	Channels          int             `json:"channels"`
	Format            string          `json:"format"`
	Data              json.RawMessage `json:"data"`
	ChannelAliases    map[string]int  `json:"channelAliases"`
	AnalysisProfileID string          `json:"analysisProfileId"`
	HopSeconds        float64         `json:"hopSeconds,omitempty"`
	HopTicks          float64         `json:"hopTicks,omitempty"`
}

type minMaxData struct {
	Min []float32 `json:"min"`
	Max []float32 `json:"max"`
}

// Marshal encodes a cache into the portable JSON envelope. lookup may be nil.
func Marshal(c *Cache, lookup CodecLookup) ([]byte, error) {
	p := payload{
		SourceID:        c.SourceID,
		HopSeconds:      c.HopSeconds,
		HopTicks:        c.HopTicks,
		TempoProjection: c.Tempo,
		FrameCount:      c.FrameCount,
		FeatureTracks:   make(map[string]payloadTrack, len(c.Tracks)),
		AnalysisParams:  c.Params,
		ChannelAliases:  c.ChannelAliases,
		Profiles:        c.Profiles,
		InputHash:       c.InputHash,
	}

	for key, t := range c.Tracks {
		data, err := encodeData(t, lookup)
		if err != nil {
			return nil, fmt.Errorf("failed to encode feature %s: %w", key, err)
		}
		pt := payloadTrack{
			CalculatorID:      t.CalculatorID,
			Version:           t.Version,
			FrameCount:        t.FrameCount,
			Channels:          t.Channels,
			Format:            string(t.Format),
			Data:              data,
			ChannelAliases:    t.ChannelAliases,
			AnalysisProfileID: t.AnalysisProfileID,
		}
		if t.HopSeconds != c.HopSeconds {
			pt.HopSeconds = t.HopSeconds
			pt.HopTicks = t.HopTicks
		}
		p.FeatureTracks[key] = pt
	}

	return json.Marshal(p)
}

// Unmarshal decodes a payload produced by Marshal. Unknown track formats
// fail with ErrUnsupportedFormat; buffers are checked against their shape.
func Unmarshal(data []byte, lookup CodecLookup) (*Cache, error) {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode cache payload: %w", err)
	}

	c := &Cache{
		SourceID:       p.SourceID,
		HopSeconds:     p.HopSeconds,
		HopTicks:       p.HopTicks,
		Tempo:          p.TempoProjection,
		FrameCount:     p.FrameCount,
		Tracks:         make(map[string]*Track, len(p.FeatureTracks)),
		ChannelAliases: p.ChannelAliases,
		Params:         p.AnalysisParams,
		Profiles:       p.Profiles,
		InputHash:      p.InputHash,
	}

	for key, pt := range p.FeatureTracks {
		format, err := ParseFormat(pt.Format)
		if err != nil {
			return nil, fmt.Errorf("feature %s: %w", key, err)
		}
		t := &Track{
			CalculatorID:      pt.CalculatorID,
			Version:           pt.Version,
			FrameCount:        pt.FrameCount,
			Channels:          pt.Channels,
			Format:            format,
			HopSeconds:        pt.HopSeconds,
			HopTicks:          pt.HopTicks,
			ChannelAliases:    pt.ChannelAliases,
			AnalysisProfileID: pt.AnalysisProfileID,
		}
		if t.HopSeconds == 0 {
			t.HopSeconds = c.HopSeconds
			t.HopTicks = c.HopTicks
		}
		if err := decodeData(pt.Data, t, lookup); err != nil {
			return nil, fmt.Errorf("feature %s: %w", key, err)
		}
		c.Tracks[key] = t
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func encodeData(t *Track, lookup CodecLookup) (json.RawMessage, error) {
	if lookup != nil {
		if codec := lookup(t.CalculatorID); codec != nil {
			return codec.EncodeTrackData(t)
		}
	}

	switch t.Format {
	case FormatFloat32:
		return json.Marshal(t.Float32)
	case FormatInt16:
		return json.Marshal(t.Int16)
	case FormatUint8:
		// []byte would marshal as base64; keep it numeric
		ints := make([]int, len(t.Uint8))
		for i, v := range t.Uint8 {
			ints[i] = int(v)
		}
		return json.Marshal(ints)
	case FormatMinMax:
		return json.Marshal(minMaxData{Min: t.Min, Max: t.Max})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, t.Format)
	}
}

func decodeData(data json.RawMessage, t *Track, lookup CodecLookup) error {
	if lookup != nil {
		if codec := lookup(t.CalculatorID); codec != nil {
			return codec.DecodeTrackData(data, t)
		}
	}

	switch t.Format {
	case FormatFloat32:
		return json.Unmarshal(data, &t.Float32)
	case FormatInt16:
		return json.Unmarshal(data, &t.Int16)
	case FormatUint8:
		var ints []int
		if err := json.Unmarshal(data, &ints); err != nil {
			return err
		}
		t.Uint8 = make([]uint8, len(ints))
		for i, v := range ints {
			if v < 0 || v > 255 {
				return fmt.Errorf("uint8 element %d out of range: %d", i, v)
			}
			t.Uint8[i] = uint8(v)
		}
		return nil
	case FormatMinMax:
		var mm minMaxData
		if err := json.Unmarshal(data, &mm); err != nil {
			return err
		}
		t.Min, t.Max = mm.Min, mm.Max
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, t.Format)
	}
}
