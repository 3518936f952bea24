package diarize

import "strings"

// Word is one transcribed word on the mixed-audio timeline.
type Word struct {
	Text    string
	StartMS int64
	EndMS   int64
}

// AnnotatedWord carries the boundary flags used as matching priors: speaker
// changes are far more likely to coincide with an utterance or sentence start
// than with a mid-utterance word.
type AnnotatedWord struct {
	Word
	UtteranceLabel   int
	IsUtteranceStart bool
	IsSentenceStart  bool
}

// SpeechStartEvent is an independently captured "participant started
// speaking" signal. Its clock may drift from the transcript timeline.
type SpeechStartEvent struct {
	ParticipantID string
	TimestampMS   int64
}

// DiarizedWord is a word attributed to a participant.
type DiarizedWord struct {
	Word
	ParticipantID string
}

// AnnotateWords groups consecutive words into utterances and flags sentence
// starts. A word starts a new utterance when the gap since the previous
// word's end is at least mergeDistMS.
func AnnotateWords(words []Word, mergeDistMS int64) []AnnotatedWord {
	if len(words) == 0 {
		return nil
	}

	annotated := make([]AnnotatedWord, len(words))
	for i, w := range words {
		annotated[i] = AnnotatedWord{Word: w, UtteranceLabel: -1}
	}

	label := 0
	annotated[0].UtteranceLabel = label
	annotated[0].IsUtteranceStart = true
	annotated[0].IsSentenceStart = true

	for i := 1; i < len(annotated); i++ {
		prev := &annotated[i-1]
		cur := &annotated[i]

		if cur.StartMS-prev.EndMS >= mergeDistMS {
			label++
			cur.IsUtteranceStart = true
		}
		cur.UtteranceLabel = label
		cur.IsSentenceStart = endsSentence(prev.Text)
	}

	return annotated
}

func endsSentence(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	switch trimmed[len(trimmed)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}
