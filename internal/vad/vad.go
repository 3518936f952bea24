package vad

import (
	"log/slog"

	"github.com/meetscribe/audiocore/internal/config"
)

const (
	ProviderWebRTC = "webrtc"
	ProviderSilero = "silero"
)

// Detector classifies a PCM chunk as speech or non-speech.
//
// IsSpeech surfaces classifier faults to the caller; call sites treat a
// chunk that cannot be classified as speech.
type Detector interface {
	// IsSpeech reports whether the chunk of raw 16-bit LE mono PCM contains
	// speech.
	IsSpeech(pcm []byte) (bool, error)

	// Name identifies the backend for diagnostics.
	Name() string

	// Reset clears any internal state the backend keeps between calls.
	// Callers must reset when starting a new audio stream; the stateful
	// backends do not detect session boundaries on their own.
	Reset()
}

// New builds the configured detector. An unrecognized provider logs a warning
// and falls back to the default instead of failing startup, as does a silero
// backend whose model cannot be loaded.
func New(cfg config.VADConfig, log *slog.Logger) Detector {
	switch cfg.Provider {
	case ProviderSilero:
		d, err := newSileroDetector(cfg)
		if err != nil {
			log.Warn("silero VAD unavailable, falling back to webrtc",
				slog.String("error", err.Error()))
			return newWebRTCDetector(cfg.SampleRate)
		}
		log.Info("using silero VAD", slog.Float64("threshold", cfg.SileroThreshold))
		return d
	case ProviderWebRTC, "":
		log.Info("using webrtc VAD")
		return newWebRTCDetector(cfg.SampleRate)
	default:
		log.Warn("unknown VAD provider, falling back to webrtc",
			slog.String("provider", cfg.Provider))
		return newWebRTCDetector(cfg.SampleRate)
	}
}
