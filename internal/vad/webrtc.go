package vad

import (
	"fmt"

	webrtcvad "github.com/maxhawkins/go-webrtcvad"
)

// webrtcDetector wraps the WebRTC voice classifier. It is stateless between
// chunks and can only analyze frames up to 30 ms long.
type webrtcDetector struct {
	vad        *webrtcvad.VAD
	sampleRate int
}

func newWebRTCDetector(sampleRate int) Detector {
	v, err := webrtcvad.New()
	if err != nil {
		// Construction only fails on allocation; a nil inner VAD makes every
		// IsSpeech call error, which the call sites resolve fail-open.
		return &webrtcDetector{sampleRate: sampleRate}
	}
	return &webrtcDetector{vad: v, sampleRate: sampleRate}
}

func (d *webrtcDetector) IsSpeech(pcm []byte) (bool, error) {
	if d.vad == nil {
		return false, fmt.Errorf("webrtc vad not initialized")
	}

	// The classifier handles at most 30 ms of audio. Larger chunks
	// short-circuit to speech rather than erroring.
	maxFrameBytes := 2 * (30 * d.sampleRate / 1000)
	if len(pcm) > maxFrameBytes {
		return true, nil
	}

	ok, err := d.vad.Process(d.sampleRate, pcm)
	if err != nil {
		return false, fmt.Errorf("webrtc vad process: %w", err)
	}
	return ok, nil
}

func (d *webrtcDetector) Name() string { return ProviderWebRTC }

func (d *webrtcDetector) Reset() {}
