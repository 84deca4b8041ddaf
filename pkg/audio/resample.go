package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// filterHalfLen is the number of zero crossings on each side of the
	// prototype low-pass, per unit of max(up, down).
	filterHalfLen = 10

	// kaiserBeta shapes the window. 5.0 gives roughly 50 dB of stop-band
	// attenuation, plenty for speech.
	kaiserBeta = 5.0
)

// Resampler converts PCM16 mono audio between two fixed sample rates using
// rational polyphase filtering: the signal is conceptually upsampled by Up,
// low-pass filtered, then decimated by Down. The same filter acts as the
// interpolator when upsampling and as the anti-aliasing filter when
// downsampling.
//
// A Resampler is immutable after construction and safe for concurrent use.
// Each call to [Resampler.Resample] treats its input as an independent block;
// no history is carried between calls.
type Resampler struct {
	src, dst int
	up, down int
	taps     []float64
	delay    int
}

// NewResampler builds a Resampler for src → dst. Both rates must be positive.
func NewResampler(src, dst int) (*Resampler, error) {
	if src <= 0 || dst <= 0 {
		return nil, fmt.Errorf("audio: invalid resample rates %d -> %d", src, dst)
	}
	g := gcd(src, dst)
	r := &Resampler{
		src:  src,
		dst:  dst,
		up:   dst / g,
		down: src / g,
	}
	if r.up == 1 && r.down == 1 {
		return r, nil
	}
	r.taps, r.delay = designLowPass(r.up, r.down)
	return r, nil
}

// SourceRate returns the input rate in Hz.
func (r *Resampler) SourceRate() int { return r.src }

// TargetRate returns the output rate in Hz.
func (r *Resampler) TargetRate() int { return r.dst }

// Factors returns the integer up/down factors, e.g. (3, 1) for 8k → 24k.
func (r *Resampler) Factors() (up, down int) { return r.up, r.down }

// OutputLen returns the number of samples produced for n input samples:
// ceil(n * up / down).
func (r *Resampler) OutputLen(n int) int {
	if n <= 0 {
		return 0
	}
	return (n*r.up + r.down - 1) / r.down
}

// Resample converts one block of samples. An empty block yields an empty
// (nil) result. When the rates are equal the input is copied unchanged.
func (r *Resampler) Resample(in []int16) []int16 {
	n := len(in)
	if n == 0 {
		return nil
	}
	if r.up == 1 && r.down == 1 {
		out := make([]int16, n)
		copy(out, in)
		return out
	}

	nOut := r.OutputLen(n)
	out := make([]int16, nOut)
	taps := r.taps
	for m := range nOut {
		// Position of this output sample on the upsampled time axis,
		// shifted by the filter's group delay.
		t := m*r.down + r.delay
		var acc float64
		// Only every up-th tap lines up with a real (non-stuffed) sample.
		for k := t % r.up; k < len(taps); k += r.up {
			j := (t - k) / r.up
			if j < 0 {
				break
			}
			if j >= n {
				continue
			}
			acc += taps[k] * float64(in[j])
		}
		out[m] = clamp16(acc)
	}
	return out
}

// ResamplePCM is the byte-level counterpart of [Resampler.Resample] for
// little-endian PCM16. Odd-length input cannot be PCM16 and yields nil.
func (r *Resampler) ResamplePCM(pcm []byte) []byte {
	if len(pcm) == 0 || len(pcm)%2 != 0 {
		return nil
	}
	return SamplesToPCM(r.Resample(PCMToSamples(pcm)))
}

// Resample converts samples from sourceRate to targetRate. It never fails:
// invalid rates return the input unchanged and an empty block returns nil.
// Callers converting a long stream should build one [Resampler] and reuse it.
func Resample(samples []int16, sourceRate, targetRate int) []int16 {
	r, err := NewResampler(sourceRate, targetRate)
	if err != nil {
		return samples
	}
	return r.Resample(samples)
}

// ResamplePCM converts little-endian PCM16 bytes from sourceRate to
// targetRate. Empty or odd-length input returns nil; invalid rates return the
// input unchanged.
func ResamplePCM(pcm []byte, sourceRate, targetRate int) []byte {
	r, err := NewResampler(sourceRate, targetRate)
	if err != nil {
		return pcm
	}
	return r.ResamplePCM(pcm)
}

// PCMToSamples decodes little-endian PCM16 bytes. A trailing odd byte is
// ignored.
func PCMToSamples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// SamplesToPCM encodes samples as little-endian PCM16 bytes.
func SamplesToPCM(samples []int16) []byte {
	if len(samples) == 0 {
		return nil
	}
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// designLowPass returns a Kaiser-windowed sinc low-pass for the given
// factors, scaled by up so that zero-stuffing does not attenuate the signal.
// The cutoff sits at the lower of the two Nyquist frequencies.
func designLowPass(up, down int) ([]float64, int) {
	maxFactor := max(up, down)
	half := filterHalfLen * maxFactor
	n := 2*half + 1
	fc := 1.0 / float64(maxFactor)

	taps := make([]float64, n)
	i0Beta := besselI0(kaiserBeta)
	var sum float64
	for k := range n {
		x := float64(k - half)
		ratio := x / float64(half)
		w := besselI0(kaiserBeta*math.Sqrt(1-ratio*ratio)) / i0Beta
		taps[k] = fc * sinc(fc*x) * w
		sum += taps[k]
	}
	scale := float64(up) / sum
	for k := range taps {
		taps[k] *= scale
	}
	return taps, half
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

// besselI0 evaluates the zeroth-order modified Bessel function of the first
// kind by its power series.
func besselI0(x float64) float64 {
	sum, term := 1.0, 1.0
	q := x * x / 4
	for k := 1; k < 50; k++ {
		term *= q / float64(k*k)
		sum += term
		if term < sum*1e-12 {
			break
		}
	}
	return sum
}

func clamp16(v float64) int16 {
	v = math.Round(v)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
