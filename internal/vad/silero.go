package vad

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/streamer45/silero-vad-go/speech"

	"github.com/meetscribe/audiocore/internal/config"
)

// Silero only supports 8 and 16 kHz; everything is resampled to 16 kHz and
// classified in fixed 512-sample windows.
const (
	sileroSampleRate = 16000
	sileroWindowSize = 512

	// Chunks shorter than one model window fall back to a raw-RMS check:
	// the model cannot make a statistically meaningful call on so few
	// samples.
	shortChunkRMSThreshold = 0.01
)

// sileroDetector wraps the silero neural voice classifier. The model keeps
// recurrent state between calls, so Reset must be invoked when a new audio
// stream begins.
type sileroDetector struct {
	detector   *speech.Detector
	sampleRate int
	ratio      float64
}

func newSileroDetector(cfg config.VADConfig) (Detector, error) {
	d, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:  cfg.SileroModelPath,
		SampleRate: sileroSampleRate,
		Threshold:  float32(cfg.SileroThreshold),
	})
	if err != nil {
		return nil, fmt.Errorf("create silero detector: %w", err)
	}

	ratio := 1.0
	if cfg.SampleRate != sileroSampleRate {
		ratio = float64(sileroSampleRate) / float64(cfg.SampleRate)
	}

	return &sileroDetector{
		detector:   d,
		sampleRate: cfg.SampleRate,
		ratio:      ratio,
	}, nil
}

func (d *sileroDetector) IsSpeech(pcm []byte) (bool, error) {
	samples := bytesToFloat32(pcm)
	if d.ratio != 1.0 {
		samples = resampleLinear(samples, d.ratio)
	}

	if len(samples) < sileroWindowSize {
		return sampleRMS(samples) > shortChunkRMSThreshold, nil
	}

	// Full windows only; speech in any window marks the chunk as speech.
	fullWindows := len(samples) / sileroWindowSize
	windowed := samples[:fullWindows*sileroWindowSize]
	segments, err := d.detector.Detect(windowed)
	if err != nil {
		return false, fmt.Errorf("silero detect: %w", err)
	}
	return len(segments) > 0, nil
}

func (d *sileroDetector) Name() string { return ProviderSilero }

func (d *sileroDetector) Reset() {
	_ = d.detector.Reset()
}

func bytesToFloat32(pcm []byte) []float32 {
	sampleCount := len(pcm) / 2
	samples := make([]float32, sampleCount)
	for i := 0; i < sampleCount; i++ {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
	}
	return samples
}

// resampleLinear interpolates samples to the target rate. Good enough for a
// binary speech decision; this is not a playback path.
func resampleLinear(samples []float32, ratio float64) []float32 {
	if len(samples) == 0 {
		return samples
	}
	targetLen := int(float64(len(samples)) * ratio)
	if targetLen == 0 {
		return samples
	}
	out := make([]float32, targetLen)
	for i := range out {
		pos := float64(i) * float64(len(samples)-1) / float64(max(targetLen-1, 1))
		lo := int(pos)
		hi := lo + 1
		if hi >= len(samples) {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := float32(pos - float64(lo))
		out[i] = samples[lo]*(1-frac) + samples[hi]*frac
	}
	return out
}

func sampleRMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if math.IsNaN(rms) || math.IsInf(rms, 0) {
		return 0
	}
	return rms
}
