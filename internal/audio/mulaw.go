package audio

import "encoding/binary"

// G.711 mu-law, the telephony media stream payload format.
const (
	muLawBias = 0x84
	muLawClip = 32635

	// MuLawSilence is the encoded value of a zero sample.
	MuLawSilence = 0xFF
)

// EncodeMuLaw converts PCM16LE mono samples to 8-bit mu-law.
func EncodeMuLaw(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		out[i] = linearToMuLaw(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out
}

// DecodeMuLaw converts 8-bit mu-law to PCM16LE mono samples.
func DecodeMuLaw(ulaw []byte) []byte {
	out := make([]byte, len(ulaw)*2)
	for i, u := range ulaw {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(muLawToLinear(u)))
	}
	return out
}

func linearToMuLaw(sample int16) byte {
	s := int(sample)
	sign := 0
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > muLawClip {
		s = muLawClip
	}
	s += muLawBias

	exponent := 7
	for mask := 0x4000; s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (s >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}

func muLawToLinear(u byte) int16 {
	u = ^u
	exponent := int(u>>4) & 0x07
	mantissa := int(u & 0x0F)
	s := ((mantissa<<3)+muLawBias)<<exponent - muLawBias
	if u&0x80 != 0 {
		return int16(-s)
	}
	return int16(s)
}

// ResamplePCM16 converts PCM16LE mono between sample rates by nearest-sample
// picking. Good enough for synthetic call audio, not for listening tests.
func ResamplePCM16(pcm []byte, fromRate, toRate int) []byte {
	if fromRate <= 0 || toRate <= 0 || fromRate == toRate {
		return pcm
	}
	inSamples := len(pcm) / 2
	outSamples := inSamples * toRate / fromRate
	out := make([]byte, outSamples*2)
	for i := 0; i < outSamples; i++ {
		src := i * fromRate / toRate
		copy(out[i*2:i*2+2], pcm[src*2:src*2+2])
	}
	return out
}
