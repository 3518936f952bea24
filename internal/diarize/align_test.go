package diarize

import (
	"reflect"
	"testing"
)

func TestAnnotateWordsGroupsByGap(t *testing.T) {
	words := []Word{
		{Text: "hello", StartMS: 0, EndMS: 200},
		{Text: "world.", StartMS: 250, EndMS: 400}, // 50ms gap, same utterance
		{Text: "next", StartMS: 600, EndMS: 800},   // 200ms gap, new utterance
	}

	annotated := AnnotateWords(words, 100)

	if !annotated[0].IsUtteranceStart || !annotated[0].IsSentenceStart {
		t.Fatal("first word must start an utterance and a sentence")
	}
	if annotated[0].UtteranceLabel != 0 {
		t.Fatalf("expected label 0, got %d", annotated[0].UtteranceLabel)
	}
	if annotated[1].IsUtteranceStart {
		t.Fatal("50ms gap must not start a new utterance")
	}
	if annotated[1].UtteranceLabel != 0 {
		t.Fatalf("expected label 0, got %d", annotated[1].UtteranceLabel)
	}
	if !annotated[2].IsUtteranceStart {
		t.Fatal("200ms gap must start a new utterance")
	}
	if annotated[2].UtteranceLabel != 1 {
		t.Fatalf("expected label 1, got %d", annotated[2].UtteranceLabel)
	}
	if !annotated[2].IsSentenceStart {
		t.Fatal("word after terminal punctuation must start a sentence")
	}
	if annotated[1].IsSentenceStart {
		t.Fatal("word after unpunctuated word must not start a sentence")
	}
}

func TestAnnotateWordsEmpty(t *testing.T) {
	if got := AnnotateWords(nil, 100); got != nil {
		t.Fatalf("expected nil for empty input, got %v", got)
	}
}

func TestDiarizeSingleEventClaimsAllWords(t *testing.T) {
	words := []Word{
		{Text: "Hello", StartMS: 0, EndMS: 500},
		{Text: "World", StartMS: 600, EndMS: 1000},
	}
	events := []SpeechStartEvent{{ParticipantID: "7", TimestampMS: 50}}

	opts := DefaultOptions()
	opts.OffsetRangeMS = 100

	result := Diarize(words, events, opts)

	if len(result.Words) != 2 {
		t.Fatalf("expected both words assigned, got %d", len(result.Words))
	}
	for _, w := range result.Words {
		if w.ParticipantID != "7" {
			t.Fatalf("expected participant 7, got %q", w.ParticipantID)
		}
	}
	if result.Score != 1.0 {
		t.Fatalf("expected utterance-start score 1.0, got %v", result.Score)
	}
}

func TestDiarizeSplitsWordsBetweenSpeakers(t *testing.T) {
	words := []Word{
		{Text: "How", StartMS: 0, EndMS: 200},
		{Text: "are", StartMS: 220, EndMS: 400},
		{Text: "you?", StartMS: 420, EndMS: 600},
		{Text: "Fine", StartMS: 2000, EndMS: 2200},
		{Text: "thanks.", StartMS: 2220, EndMS: 2500},
	}
	events := []SpeechStartEvent{
		{ParticipantID: "alice", TimestampMS: 10},
		{ParticipantID: "bob", TimestampMS: 1990},
	}

	result := Diarize(words, events, DefaultOptions())

	if len(result.Words) != 5 {
		t.Fatalf("expected all 5 words assigned, got %d", len(result.Words))
	}
	for i := 0; i < 3; i++ {
		if result.Words[i].ParticipantID != "alice" {
			t.Fatalf("word %d: expected alice, got %q", i, result.Words[i].ParticipantID)
		}
	}
	for i := 3; i < 5; i++ {
		if result.Words[i].ParticipantID != "bob" {
			t.Fatalf("word %d: expected bob, got %q", i, result.Words[i].ParticipantID)
		}
	}
}

func TestDiarizeDropsLeadingUnmatchedWords(t *testing.T) {
	// First word is 5 seconds before any event: no match window reaches it,
	// so it is dropped rather than guessed.
	words := []Word{
		{Text: "orphan", StartMS: 0, EndMS: 200},
		{Text: "claimed", StartMS: 5000, EndMS: 5200},
	}
	events := []SpeechStartEvent{{ParticipantID: "p1", TimestampMS: 5000}}

	result := Diarize(words, events, DefaultOptions())

	if len(result.Words) != 1 {
		t.Fatalf("expected 1 attributed word, got %d", len(result.Words))
	}
	if result.Words[0].Text != "claimed" || result.Words[0].ParticipantID != "p1" {
		t.Fatalf("unexpected attribution: %+v", result.Words[0])
	}
}

func TestDiarizeUnmatchedEventContributesNoBoundary(t *testing.T) {
	words := []Word{
		{Text: "one", StartMS: 0, EndMS: 100},
		{Text: "two", StartMS: 150, EndMS: 250},
	}
	events := []SpeechStartEvent{
		{ParticipantID: "a", TimestampMS: 0},
		// Far beyond the match window of any word; matches nothing and must
		// not split a's span.
		{ParticipantID: "b", TimestampMS: 60000},
	}

	result := Diarize(words, events, DefaultOptions())

	if len(result.Words) != 2 {
		t.Fatalf("expected 2 words, got %d", len(result.Words))
	}
	for _, w := range result.Words {
		if w.ParticipantID != "a" {
			t.Fatalf("expected all words for a, got %q", w.ParticipantID)
		}
	}
}

func TestDiarizeDeterministic(t *testing.T) {
	words := []Word{
		{Text: "alpha.", StartMS: 100, EndMS: 300},
		{Text: "beta", StartMS: 700, EndMS: 900},
		{Text: "gamma", StartMS: 950, EndMS: 1100},
		{Text: "delta.", StartMS: 2500, EndMS: 2700},
	}
	events := []SpeechStartEvent{
		{ParticipantID: "x", TimestampMS: 120},
		{ParticipantID: "y", TimestampMS: 680},
		{ParticipantID: "z", TimestampMS: 2480},
	}

	first := Diarize(words, events, DefaultOptions())
	for i := 0; i < 5; i++ {
		again := Diarize(words, events, DefaultOptions())
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d differed: %+v vs %+v", i, first, again)
		}
	}
}

func TestDiarizeOutputMonotonic(t *testing.T) {
	words := []Word{
		{Text: "a", StartMS: 0, EndMS: 90},
		{Text: "b", StartMS: 100, EndMS: 190},
		{Text: "c.", StartMS: 300, EndMS: 390},
		{Text: "d", StartMS: 1500, EndMS: 1600},
		{Text: "e", StartMS: 1650, EndMS: 1750},
	}
	events := []SpeechStartEvent{
		{ParticipantID: "s1", TimestampMS: 5},
		{ParticipantID: "s2", TimestampMS: 1495},
	}

	result := Diarize(words, events, DefaultOptions())

	known := map[string]bool{"s1": true, "s2": true}
	var lastStart, lastEnd int64 = -1, -1
	for _, w := range result.Words {
		if w.StartMS < lastStart || w.EndMS < lastEnd {
			t.Fatalf("timestamps went backward at %+v", w)
		}
		lastStart, lastEnd = w.StartMS, w.EndMS
		if !known[w.ParticipantID] {
			t.Fatalf("participant %q does not correspond to any event", w.ParticipantID)
		}
	}
}

func TestDiarizeNoEvents(t *testing.T) {
	words := []Word{{Text: "lonely", StartMS: 0, EndMS: 100}}
	result := Diarize(words, nil, DefaultOptions())
	if len(result.Words) != 0 {
		t.Fatalf("expected no attributed words without events, got %d", len(result.Words))
	}
}

func TestDiarizeToleratesClockOffset(t *testing.T) {
	// Events captured 300ms ahead of the transcript timeline. The scan must
	// still land both speakers on their utterance starts.
	words := []Word{
		{Text: "first.", StartMS: 1000, EndMS: 1200},
		{Text: "second", StartMS: 3000, EndMS: 3200},
	}
	events := []SpeechStartEvent{
		{ParticipantID: "p1", TimestampMS: 1300},
		{ParticipantID: "p2", TimestampMS: 3300},
	}

	result := Diarize(words, events, DefaultOptions())

	if result.Score != 2.0 {
		t.Fatalf("expected both events matched at utterance starts, score 2.0, got %v", result.Score)
	}
	if result.Words[0].ParticipantID != "p1" || result.Words[1].ParticipantID != "p2" {
		t.Fatalf("unexpected assignment: %+v", result.Words)
	}
}
