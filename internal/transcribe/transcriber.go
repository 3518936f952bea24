// Package transcribe abstracts the batch speech-to-text backends used for
// whole-meeting mixed audio and saved utterance blobs.
package transcribe

import (
	"context"
	"fmt"

	"github.com/meetscribe/audiocore/internal/config"
	"github.com/meetscribe/audiocore/internal/diarize"
)

// Result captures one transcription run. Words carry the per-word timings
// the diarizer aligns against speech-start events; backends without word
// timings leave it empty.
type Result struct {
	Text       string
	Words      []diarize.Word
	Language   string
	Confidence float64
}

// Transcriber abstracts batch STT backends.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (Result, error)
}

// New selects a backend by configured mode.
func New(cfg config.TranscriberConfig) (Transcriber, error) {
	switch cfg.Mode {
	case "mock", "":
		return NewMockTranscriber(), nil
	case "exec":
		return NewExecTranscriber(cfg)
	default:
		return nil, fmt.Errorf("unknown transcriber mode %q", cfg.Mode)
	}
}
