package diarize

import (
	"math"

	"github.com/meetscribe/audiocore/internal/config"
)

// Options control the offset search and greedy matching.
type Options struct {
	WordMergeDistMS int64
	WordMatchDistMS int64
	OffsetRangeMS   int64
	OffsetStepMS    int64
	BaseOffsetMS    int64
}

// DefaultOptions returns the tuned alignment parameters: 100ms utterance
// merge gap, 1s match window, offset scan over +/-500ms in 10ms steps.
func DefaultOptions() Options {
	return Options{
		WordMergeDistMS: 100,
		WordMatchDistMS: 1000,
		OffsetRangeMS:   500,
		OffsetStepMS:    10,
	}
}

// OptionsFromConfig maps the diarization config section onto Options.
func OptionsFromConfig(cfg config.DiarizationConfig) Options {
	return Options{
		WordMergeDistMS: int64(cfg.WordMergeDistMS),
		WordMatchDistMS: int64(cfg.WordMatchDistMS),
		OffsetRangeMS:   int64(cfg.OffsetRangeMS),
		OffsetStepMS:    int64(cfg.OffsetStepMS),
		BaseOffsetMS:    int64(cfg.BaseOffsetMS),
	}
}

// Result is the best alignment found by the offset scan.
type Result struct {
	Words    []DiarizedWord
	OffsetMS int64
	Score    float64
}

type matchedEvent struct {
	participantID string
	wordIndex     int // -1 when the event matched no word
}

// Diarize reconciles a flat transcript against independently timestamped
// speech-start events. It brute-forces candidate clock offsets and keeps the
// greedy matching with the highest score; ties keep the first offset scanned.
//
// This is a deliberate heuristic, not an optimal sequence alignment: clock
// drift is small and bounded, so a ~100-offset scan with forward-only greedy
// matching is accurate enough without the complexity of a DP alignment.
func Diarize(words []Word, events []SpeechStartEvent, opts Options) Result {
	annotated := AnnotateWords(words, opts.WordMergeDistMS)

	best := Result{}
	first := true
	for offset := -opts.OffsetRangeMS; offset <= opts.OffsetRangeMS; offset += opts.OffsetStepMS {
		score, diarized := scoreOffset(annotated, events, offset+opts.BaseOffsetMS, opts)
		if score > best.Score || first {
			best = Result{Words: diarized, OffsetMS: offset, Score: score}
			first = false
		}
	}
	return best
}

// scoreOffset runs the greedy one-to-one matching at one candidate offset.
//
// Events are processed in chronological order. Each event may claim at most
// one word, each word at most one event, and matches never go backward: once
// an event claims word i, later events only consider words after i. An event
// with no word inside the match window claims nothing; false triggers and
// inaudible speech produce exactly that.
func scoreOffset(words []AnnotatedWord, events []SpeechStartEvent, offsetMS int64, opts Options) (float64, []DiarizedWord) {
	var totalScore float64
	firstEligible := 0
	matched := make([]matchedEvent, 0, len(events))

	for _, event := range events {
		shiftedTS := event.TimestampMS - offsetMS

		bestIndex := -1
		var bestScore float64
		for i := firstEligible; i < len(words); i++ {
			distance := math.Abs(float64(words[i].StartMS - shiftedTS))
			if distance > float64(opts.WordMatchDistMS) {
				continue
			}

			var score float64
			switch {
			case words[i].IsUtteranceStart:
				// A speaker change is expected to coincide with an
				// utterance boundary.
				score = 1.0
			case words[i].IsSentenceStart:
				score = 0.5
			default:
				// Mid-utterance coincidences are penalized by temporal
				// distance and capped well below the boundary scores.
				normalized := distance / float64(opts.WordMatchDistMS)
				score = 0.25 * (1 - normalized)
			}

			if score > bestScore || bestIndex == -1 {
				bestIndex = i
				bestScore = score
			}
		}

		if bestIndex != -1 {
			totalScore += bestScore
			firstEligible = bestIndex + 1
		}
		matched = append(matched, matchedEvent{participantID: event.ParticipantID, wordIndex: bestIndex})
	}

	var diarized []DiarizedWord
	for i, m := range matched {
		if m.wordIndex == -1 {
			continue
		}

		// Words between this match and the next matched event belong to this
		// participant; unmatched events contribute no boundary. Words before
		// the first matched event are dropped rather than guessed.
		next := len(words)
		for _, later := range matched[i+1:] {
			if later.wordIndex != -1 {
				next = later.wordIndex
				break
			}
		}

		for w := m.wordIndex; w < next; w++ {
			diarized = append(diarized, DiarizedWord{Word: words[w].Word, ParticipantID: m.participantID})
		}
	}

	return totalScore, diarized
}
