package vad

import (
	"encoding/binary"
	"math"
)

// SmallRMSThreshold is the normalized energy floor below which a chunk is
// treated as silence without consulting the classifier. Keyboard taps and
// line noise sit under it, quiet speech above it.
const SmallRMSThreshold = 0.005

// CalculateNormalizedRMS computes the root-mean-square energy of raw 16-bit
// little-endian mono PCM, normalized to [0, 1] by the 16-bit full scale.
// Malformed input (empty, odd length) and non-finite intermediates yield 0.0,
// which downstream code treats as silence. Capture layers legitimately hand
// over empty buffers at stream boundaries, so this must never error.
func CalculateNormalizedRMS(pcm []byte) float64 {
	if len(pcm) < 2 || len(pcm)%2 != 0 {
		return 0.0
	}

	sampleCount := len(pcm) / 2
	var sumSquares float64
	for i := 0; i < sampleCount; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sumSquares += s * s
	}

	meanSquare := sumSquares / float64(sampleCount)
	if math.IsNaN(meanSquare) || math.IsInf(meanSquare, 0) || meanSquare < 0 {
		return 0.0
	}

	rms := math.Sqrt(meanSquare)
	if math.IsNaN(rms) || math.IsInf(rms, 0) {
		return 0.0
	}

	return rms / 32768
}
