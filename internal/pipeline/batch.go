package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/meetscribe/audiocore/internal/diarize"
)

// BatchResult summarizes one mixed-audio reconciliation run.
type BatchResult struct {
	Text     string
	Language string
	Words    []diarize.DiarizedWord
	OffsetMS int64
	Score    float64
}

// ProcessRecording runs the non-realtime path for a finished meeting:
// transcribe the mixed-down audio once, align the words against the
// recording's stored speech-start events, and persist the attributed word
// list.
func (s *Service) ProcessRecording(ctx context.Context, recordingID string, mixedPCM []byte, sampleRate int) (BatchResult, error) {
	res, err := s.batch.Transcribe(ctx, mixedPCM, sampleRate)
	if err != nil {
		return BatchResult{}, fmt.Errorf("transcribe mixed audio: %w", err)
	}

	events, err := s.store.ListSpeechEvents(ctx, recordingID)
	if err != nil {
		return BatchResult{}, fmt.Errorf("load speech events: %w", err)
	}

	aligned := diarize.Diarize(res.Words, events, diarize.OptionsFromConfig(s.cfg.Diarization))

	if err := s.store.ReplaceDiarizedWords(ctx, recordingID, aligned.Words); err != nil {
		return BatchResult{}, fmt.Errorf("persist diarized words: %w", err)
	}

	s.log.Info("recording diarized",
		slog.String("recording_id", recordingID),
		slog.Int("transcript_words", len(res.Words)),
		slog.Int("attributed_words", len(aligned.Words)),
		slog.Int("speech_events", len(events)),
		slog.Int64("clock_offset_ms", aligned.OffsetMS),
		slog.Float64("alignment_score", aligned.Score))

	return BatchResult{
		Text:     res.Text,
		Language: res.Language,
		Words:    aligned.Words,
		OffsetMS: aligned.OffsetMS,
		Score:    aligned.Score,
	}, nil
}
