package capture

import "math"

const pcmMaxAmplitude = 32768.0

// RMS returns sqrt(mean((x_i - centerline)^2)) over xs.
func RMS(xs []float64, centerline float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		d := x - centerline
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)))
}

// LoudnessU8 computes loudness of unsigned 8-bit time-domain data, the format a
// browser analyser node reports, where silence sits on the 128 centerline.
func LoudnessU8(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var sum float64
	for _, b := range data {
		d := (float64(b) - 128) / 128
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(data)))
}

// decodePCM16 appends little-endian signed 16-bit samples, normalised to [-1, 1], to dst.
func decodePCM16(dst []float64, pcm []byte) []float64 {
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8)
		dst = append(dst, float64(sample)/pcmMaxAmplitude)
	}
	return dst
}

// LoudnessPCM16 is the loudness of a PCM16LE buffer.
func LoudnessPCM16(pcm []byte) float64 {
	return RMS(decodePCM16(make([]float64, 0, len(pcm)/2), pcm), 0)
}
