package audio

import (
	"bytes"
	"math"
	"testing"
)

func sinePCM16(freqHz float64, sampleRate, samples int, amplitude float64) []int16 {
	out := make([]int16, samples)
	for i := range out {
		out[i] = int16(amplitude * 32767 * math.Sin(2*math.Pi*freqHz*float64(i)/float64(sampleRate)))
	}
	return out
}

func TestMuLawRoundTripEnergy(t *testing.T) {
	in := sinePCM16(440, 8000, 1600, 0.5)
	decoded := MuLawToPCM16(PCM16ToMuLaw(in))

	inRMS := RMS(in)
	outRMS := RMS(decoded)
	if inRMS == 0 {
		t.Fatalf("input RMS = 0")
	}
	dB := 20 * math.Log10(outRMS/inRMS)
	if math.Abs(dB) > 0.1 {
		t.Fatalf("round-trip energy drift = %.4f dB, want <= 0.1", dB)
	}
}

func TestMuLawSecondPassIdempotent(t *testing.T) {
	// Decoded-then-re-encoded mu-law must be stable from the second pass on.
	raw := make([]byte, 256)
	for i := range raw {
		raw[i] = byte(i)
	}
	once := PCM16ToMuLaw(MuLawToPCM16(raw))
	twice := PCM16ToMuLaw(MuLawToPCM16(once))
	if !bytes.Equal(once, twice) {
		t.Fatalf("second companding pass changed bytes")
	}
}

func TestMuLawEncodeDecodeExtremes(t *testing.T) {
	// 0x7f and 0xff both decode to zero, so byte-level round trips are not
	// stable near zero; the decoded value is.
	cases := []int16{0, 1, -1, 127, -128, 32767, -32768, muLawClip, -muLawClip}
	for _, s := range cases {
		d := DecodeMuLawSample(EncodeMuLawSample(s))
		if got := DecodeMuLawSample(EncodeMuLawSample(d)); got != d {
			t.Fatalf("sample %d: decoded value drifts %d -> %d", s, d, got)
		}
	}
}

func TestResampleSameRateIsIdentity(t *testing.T) {
	in := sinePCM16(440, 16000, 320, 0.8)
	out := Resample(in, 16000, 16000)
	if len(out) != len(in) {
		t.Fatalf("len = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("sample %d = %d, want %d", i, out[i], in[i])
		}
	}
}

func TestResampleLengths(t *testing.T) {
	cases := []struct {
		in, from, to, want int
	}{
		{160, 8000, 16000, 320},
		{320, 16000, 8000, 160},
		{480, 24000, 8000, 160},
		{160, 8000, 24000, 480},
		{1, 8000, 16000, 2},
	}
	for _, tc := range cases {
		out := Resample(make([]int16, tc.in), tc.from, tc.to)
		if len(out) != tc.want {
			t.Fatalf("resample(%d, %d->%d) len = %d, want %d", tc.in, tc.from, tc.to, len(out), tc.want)
		}
	}
}

func TestResampleEdgeClamp(t *testing.T) {
	in := []int16{100, 200, 300}
	out := Resample(in, 8000, 16000)
	if out[len(out)-1] != 300 {
		t.Fatalf("last sample = %d, want last-input repetition 300", out[len(out)-1])
	}
}

func TestRMS(t *testing.T) {
	if got := RMS(nil); got != 0 {
		t.Fatalf("RMS(nil) = %v, want 0", got)
	}
	if got := RMS(make([]int16, 160)); got != 0 {
		t.Fatalf("RMS(silence) = %v, want 0", got)
	}
	full := make([]int16, 160)
	for i := range full {
		full[i] = 32767
	}
	if got := RMS(full); got < 0.99 || got > 1.0 {
		t.Fatalf("RMS(full-scale DC) = %v, want ~1", got)
	}
}

func TestInt16LERoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768, 12345}
	got := BytesToInt16LE(Int16LEToBytes(in))
	if len(got) != len(in) {
		t.Fatalf("len = %d, want %d", len(got), len(in))
	}
	for i := range in {
		if got[i] != in[i] {
			t.Fatalf("sample %d = %d, want %d", i, got[i], in[i])
		}
	}
}

func TestWAVRoundTrip(t *testing.T) {
	pcm := Int16LEToBytes(sinePCM16(440, 16000, 800, 0.4))
	wav := EncodeWAVPCM16LE(pcm, 16000)
	if len(wav) != wavHeaderSize+len(pcm) {
		t.Fatalf("wav len = %d, want %d", len(wav), wavHeaderSize+len(pcm))
	}

	gotPCM, rate, err := ReadWAVPCM16LE(bytes.NewReader(wav))
	if err != nil {
		t.Fatalf("ReadWAVPCM16LE() error = %v", err)
	}
	if rate != 16000 {
		t.Fatalf("rate = %d, want 16000", rate)
	}
	if !bytes.Equal(gotPCM, pcm) {
		t.Fatalf("pcm bytes differ after WAV round trip")
	}
}

func TestReadWAVRejectsGarbage(t *testing.T) {
	if _, _, err := ReadWAVPCM16LE(bytes.NewReader([]byte("not a wav at all"))); err == nil {
		t.Fatalf("expected error for non-WAV input")
	}
}
