package transcribe

import (
	"context"
	"fmt"

	"github.com/meetscribe/audiocore/internal/diarize"
)

type mockTranscriber struct{}

func NewMockTranscriber() Transcriber {
	return &mockTranscriber{}
}

// Transcribe fabricates one word per second of audio so downstream
// alignment and persistence paths can run without a real model.
func (m *mockTranscriber) Transcribe(_ context.Context, pcm []byte, sampleRate int) (Result, error) {
	durationMS := int64(len(pcm)) / 2 * 1000 / int64(sampleRate)
	var words []diarize.Word
	text := ""
	for start := int64(0); start < durationMS; start += 1000 {
		end := start + 800
		if end > durationMS {
			end = durationMS
		}
		w := fmt.Sprintf("word%d.", len(words))
		words = append(words, diarize.Word{Text: w, StartMS: start, EndMS: end})
		if text != "" {
			text += " "
		}
		text += w
	}
	return Result{Text: text, Words: words, Language: "en"}, nil
}
