package audio_test

import (
	"math"
	"testing"

	"github.com/MrWong99/callbridge/pkg/audio"
)

// sine returns n samples of a tone at freq Hz sampled at rate Hz.
func sine(n, rate int, freq, amp float64) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(amp * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

// rms computes the root-mean-square of samples[from:to].
func rms(samples []int16, from, to int) float64 {
	var sum float64
	for _, s := range samples[from:to] {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(to-from))
}

func TestNewResampler_Factors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		src, dst     int
		up, down     int
		inLen, outLen int
	}{
		{8000, 24000, 3, 1, 160, 480},
		{24000, 8000, 1, 3, 240, 80},
		{8000, 16000, 2, 1, 160, 320},
		{24000, 16000, 2, 3, 240, 160},
		{16000, 8000, 1, 2, 7, 4},
		{8000, 8000, 1, 1, 160, 160},
	}
	for _, tc := range tests {
		r, err := audio.NewResampler(tc.src, tc.dst)
		if err != nil {
			t.Fatalf("NewResampler(%d, %d): %v", tc.src, tc.dst, err)
		}
		up, down := r.Factors()
		if up != tc.up || down != tc.down {
			t.Errorf("%d->%d factors = %d/%d, want %d/%d", tc.src, tc.dst, up, down, tc.up, tc.down)
		}
		if got := r.OutputLen(tc.inLen); got != tc.outLen {
			t.Errorf("%d->%d OutputLen(%d) = %d, want %d", tc.src, tc.dst, tc.inLen, got, tc.outLen)
		}
		if got := len(r.Resample(make([]int16, tc.inLen))); got != tc.outLen {
			t.Errorf("%d->%d len(Resample) = %d, want %d", tc.src, tc.dst, got, tc.outLen)
		}
	}
}

func TestNewResampler_InvalidRates(t *testing.T) {
	t.Parallel()
	for _, rates := range [][2]int{{0, 8000}, {8000, 0}, {-1, 24000}} {
		if _, err := audio.NewResampler(rates[0], rates[1]); err == nil {
			t.Errorf("NewResampler(%d, %d): expected error", rates[0], rates[1])
		}
	}
}

func TestResample_EmptyInput(t *testing.T) {
	t.Parallel()
	if got := audio.Resample(nil, 8000, 24000); len(got) != 0 {
		t.Errorf("Resample(nil) returned %d samples, want 0", len(got))
	}
	if got := audio.Resample([]int16{}, 24000, 8000); len(got) != 0 {
		t.Errorf("Resample(empty) returned %d samples, want 0", len(got))
	}
}

func TestResample_InvalidRatesReturnInput(t *testing.T) {
	t.Parallel()
	in := []int16{1, 2, 3}
	got := audio.Resample(in, 0, 8000)
	if len(got) != len(in) {
		t.Fatalf("len = %d, want %d", len(got), len(in))
	}
}

func TestResample_RoundTripLengths(t *testing.T) {
	t.Parallel()
	for _, n := range []int{1, 2, 3, 79, 80, 160, 241, 1000} {
		x := sine(n, 8000, 440, 8000)
		up := audio.Resample(x, 8000, 24000)
		if len(up) != 3*n {
			t.Errorf("n=%d: upsampled len = %d, want %d", n, len(up), 3*n)
		}
		back := audio.Resample(up, 24000, 8000)
		if len(back) != n {
			t.Errorf("n=%d: down(up(x)) len = %d, want %d", n, len(back), n)
		}

		wide := sine(n, 24000, 440, 8000)
		down := audio.Resample(wide, 24000, 8000)
		wantDown := (n + 2) / 3
		if len(down) != wantDown {
			t.Errorf("n=%d: downsampled len = %d, want %d", n, len(down), wantDown)
		}
		again := audio.Resample(down, 8000, 24000)
		if len(again) != 3*wantDown {
			t.Errorf("n=%d: up(down(x)) len = %d, want %d", n, len(again), 3*wantDown)
		}
	}
}

func TestResample_UpsamplePreservesWaveform(t *testing.T) {
	t.Parallel()
	const n = 800
	x := sine(n, 8000, 440, 10000)
	y := audio.Resample(x, 8000, 24000)
	want := sine(3*n, 24000, 440, 10000)

	// Skip the filter's edge transients at both ends of the block.
	var maxErr float64
	for i := 120; i < len(y)-120; i++ {
		maxErr = max(maxErr, math.Abs(float64(y[i])-float64(want[i])))
	}
	if maxErr > 300 {
		t.Errorf("max interior deviation = %.0f, want <= 300 (3%% of amplitude)", maxErr)
	}
}

func TestResample_UpsampleIsNotRepetition(t *testing.T) {
	t.Parallel()
	x := sine(160, 8000, 1000, 10000)
	y := audio.Resample(x, 8000, 24000)
	repeated := 0
	for i := 30; i < 150; i++ {
		if y[3*i] == y[3*i+1] && y[3*i+1] == y[3*i+2] {
			repeated++
		}
	}
	if repeated > 10 {
		t.Errorf("%d of 120 output triplets are identical; expected interpolation", repeated)
	}
}

func TestResample_DownsampleAttenuatesAliases(t *testing.T) {
	t.Parallel()
	const n = 2400
	// 6 kHz is above the 4 kHz Nyquist of the 8 kHz target and would alias to
	// 2 kHz if samples were simply dropped.
	x := sine(n, 24000, 6000, 10000)
	y := audio.Resample(x, 24000, 8000)

	in := rms(x, 0, len(x))
	out := rms(y, 40, len(y)-40)
	if out > in*0.05 {
		t.Errorf("aliased energy rms = %.1f, want < 5%% of input rms %.1f", out, in)
	}

	// A naive decimator would keep most of the energy.
	naive := make([]int16, 0, n/3)
	for i := 0; i < n; i += 3 {
		naive = append(naive, x[i])
	}
	if rms(naive, 0, len(naive)) < in*0.5 {
		t.Fatal("test signal does not alias under naive decimation; test is ineffective")
	}
}

func TestResample_DownsampleKeepsPassband(t *testing.T) {
	t.Parallel()
	const n = 2400
	x := sine(n, 24000, 500, 10000)
	y := audio.Resample(x, 24000, 8000)
	want := sine(n/3, 8000, 500, 10000)
	var maxErr float64
	for i := 40; i < len(y)-40; i++ {
		maxErr = max(maxErr, math.Abs(float64(y[i])-float64(want[i])))
	}
	if maxErr > 300 {
		t.Errorf("max interior deviation = %.0f, want <= 300", maxErr)
	}
}

func TestResample_ClampsToInt16(t *testing.T) {
	t.Parallel()
	// A full-scale square wave overshoots after filtering; the output must
	// saturate rather than wrap around.
	x := make([]int16, 240)
	for i := range x {
		if (i/20)%2 == 0 {
			x[i] = math.MaxInt16
		} else {
			x[i] = math.MinInt16
		}
	}
	y := audio.Resample(x, 8000, 24000)
	for i := 1; i < len(y); i++ {
		// A wrap-around shows up as a jump of nearly the full int16 range
		// between neighbouring samples of a smooth interpolation.
		if d := math.Abs(float64(y[i]) - float64(y[i-1])); d > 60000 {
			t.Fatalf("sample %d jumps by %.0f; output wrapped instead of clamping", i, d)
		}
	}
}

func TestResamplePCM_OddLengthReturnsEmpty(t *testing.T) {
	t.Parallel()
	if got := audio.ResamplePCM([]byte{1, 2, 3}, 8000, 24000); len(got) != 0 {
		t.Errorf("ResamplePCM(odd) returned %d bytes, want 0", len(got))
	}
	if got := audio.ResamplePCM(nil, 24000, 8000); len(got) != 0 {
		t.Errorf("ResamplePCM(nil) returned %d bytes, want 0", len(got))
	}
}

func TestResamplePCM_ByteLength(t *testing.T) {
	t.Parallel()
	pcm := audio.SamplesToPCM(sine(160, 8000, 300, 5000))
	out := audio.ResamplePCM(pcm, 8000, 24000)
	if len(out) != 960 {
		t.Errorf("len = %d, want 960 bytes (480 samples)", len(out))
	}
}

func TestPCMRoundTrip(t *testing.T) {
	t.Parallel()
	in := []int16{0, 1, -1, math.MaxInt16, math.MinInt16, 1234}
	got := audio.PCMToSamples(audio.SamplesToPCM(in))
	if len(got) != len(in) {
		t.Fatalf("len = %d, want %d", len(got), len(in))
	}
	for i := range in {
		if got[i] != in[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], in[i])
		}
	}
}
