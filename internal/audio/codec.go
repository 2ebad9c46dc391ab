package audio

import (
	"encoding/base64"
	"math"
)

// G.711 mu-law constants.
const (
	muLawBias = 0x84
	muLawClip = 32635
)

var muLawDecodeTable [256]int16

func init() {
	for i := 0; i < 256; i++ {
		muLawDecodeTable[i] = decodeMuLawSample(byte(i))
	}
}

func decodeMuLawSample(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F
	v := ((int32(mantissa) << 3) + muLawBias) << exponent
	v -= muLawBias
	if sign != 0 {
		v = -v
	}
	return int16(v)
}

// EncodeMuLawSample compands one linear PCM16 sample to G.711 mu-law.
func EncodeMuLawSample(s int16) byte {
	var sign byte
	v := int32(s)
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > muLawClip {
		v = muLawClip
	}
	v += muLawBias
	exponent := byte(7)
	for mask := int32(0x4000); exponent > 0 && v&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((v >> (exponent + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}

// DecodeMuLawSample expands one G.711 mu-law byte to linear PCM16.
func DecodeMuLawSample(b byte) int16 {
	return muLawDecodeTable[b]
}

// MuLawToPCM16 expands a mu-law frame to linear PCM16 samples.
func MuLawToPCM16(in []byte) []int16 {
	out := make([]int16, len(in))
	for i, b := range in {
		out[i] = muLawDecodeTable[b]
	}
	return out
}

// PCM16ToMuLaw compands linear PCM16 samples to a mu-law frame.
func PCM16ToMuLaw(in []int16) []byte {
	out := make([]byte, len(in))
	for i, s := range in {
		out[i] = EncodeMuLawSample(s)
	}
	return out
}

// Resample converts mono PCM between integer sample rates by linear
// interpolation. Output length is round(len(in) * to / from); positions past
// the last input sample repeat it. Equal rates return a copy bit-identical
// to the input.
func Resample(in []int16, from, to int) []int16 {
	if len(in) == 0 {
		return nil
	}
	if from <= 0 || to <= 0 || from == to {
		out := make([]int16, len(in))
		copy(out, in)
		return out
	}
	outLen := int(math.Round(float64(len(in)) * float64(to) / float64(from)))
	if outLen <= 0 {
		return nil
	}
	out := make([]int16, outLen)
	step := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := pos - float64(j)
		out[i] = int16(math.Round(float64(in[j])*(1-frac) + float64(in[j+1])*frac))
	}
	return out
}

// RMS returns the root-mean-square energy of the frame normalized to [0,1].
func RMS(in []int16) float64 {
	if len(in) == 0 {
		return 0
	}
	var sum float64
	for _, s := range in {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum/float64(len(in))) / 32768.0
}

// BytesToInt16LE reinterprets little-endian PCM16 bytes as samples.
// A trailing odd byte is dropped.
func BytesToInt16LE(in []byte) []int16 {
	n := len(in) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(uint16(in[2*i]) | uint16(in[2*i+1])<<8)
	}
	return out
}

// Int16LEToBytes serializes samples as little-endian PCM16 bytes.
func Int16LEToBytes(in []int16) []byte {
	out := make([]byte, 2*len(in))
	for i, s := range in {
		out[2*i] = byte(uint16(s))
		out[2*i+1] = byte(uint16(s) >> 8)
	}
	return out
}

// EncodeBase64 frames raw bytes for a JSON audio field.
func EncodeBase64(in []byte) string {
	return base64.StdEncoding.EncodeToString(in)
}

// DecodeBase64 unframes a JSON audio field.
func DecodeBase64(in string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(in)
}
