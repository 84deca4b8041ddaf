package audio

import (
	"log/slog"
	"sync"
)

// FormatConverter resamples [AudioFrame]s to a fixed target rate. It is the
// pipeline stage that wraps a [Resampler]: malformed frames never fail the
// caller, they come back empty and a warning is logged once per converter.
//
// Create one per relay direction; the converter owns its resampler cache and
// is not meant to be shared across goroutines.
type FormatConverter struct {
	// TargetRate is the sample rate every converted frame will carry.
	TargetRate int

	resampler     *Resampler
	warnedCorrupt sync.Once
	warnedRate    sync.Once
}

// NewFormatConverter returns a converter producing frames at targetRate.
func NewFormatConverter(targetRate int) *FormatConverter {
	return &FormatConverter{TargetRate: targetRate}
}

// Convert resamples frame to the target rate. A frame already at the target
// rate is returned as-is (zero allocation). Odd byte counts and frames with an
// unusable rate produce an empty frame; the caller treats that as "no audio
// this time" and carries on.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	out := AudioFrame{SampleRate: c.TargetRate, Origin: frame.Origin}
	if len(frame.Data) == 0 {
		return out
	}
	if len(frame.Data)%2 != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio converter: odd byte count in PCM16 data, dropping frame",
				"bytes", len(frame.Data),
				"origin", frame.Origin.String(),
			)
		})
		return out
	}
	if frame.SampleRate == c.TargetRate {
		return frame
	}

	r, ok := c.resamplerFor(frame.SampleRate)
	if !ok {
		return out
	}
	out.Data = r.ResamplePCM(frame.Data)
	return out
}

// resamplerFor returns a cached resampler for src → target, rebuilding it only
// if the source rate changes mid-stream.
func (c *FormatConverter) resamplerFor(src int) (*Resampler, bool) {
	if c.resampler != nil && c.resampler.SourceRate() == src && c.resampler.TargetRate() == c.TargetRate {
		return c.resampler, true
	}
	r, err := NewResampler(src, c.TargetRate)
	if err != nil {
		c.warnedRate.Do(func() {
			slog.Warn("audio converter: cannot resample, dropping frame", "err", err)
		})
		return nil, false
	}
	c.resampler = r
	return r, true
}
