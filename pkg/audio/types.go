package audio

import "fmt"

// Sample rates used by the two legs of a bridged call.
const (
	// RateTelephony is the narrowband rate of the phone leg.
	RateTelephony = 8000

	// RateRealtime is the wideband rate the realtime AI service speaks.
	RateRealtime = 24000
)

// Origin identifies which peer produced an [AudioFrame].
type Origin int

const (
	// OriginTelephony marks audio captured from the phone call.
	OriginTelephony Origin = iota + 1

	// OriginRealtime marks audio synthesised by the realtime AI peer.
	OriginRealtime
)

// String returns a short label suitable for log attributes.
func (o Origin) String() string {
	switch o {
	case OriginTelephony:
		return "telephony"
	case OriginRealtime:
		return "realtime"
	default:
		return fmt.Sprintf("origin(%d)", int(o))
	}
}

// AudioFrame is a contiguous block of little-endian PCM16 mono samples.
// Frames are treated as immutable once produced; ownership passes to the
// next pipeline stage along with the frame.
type AudioFrame struct {
	// Data holds the raw PCM16 bytes (2 bytes per sample).
	Data []byte

	// SampleRate in Hz (8000 on the phone leg, 16000 or 24000 on the AI leg).
	SampleRate int

	// Origin records which peer the audio came from.
	Origin Origin
}

// Samples reports the number of whole PCM16 samples in the frame.
func (f AudioFrame) Samples() int { return len(f.Data) / 2 }

// Empty reports whether the frame carries no audio.
func (f AudioFrame) Empty() bool { return len(f.Data) == 0 }
