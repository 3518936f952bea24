package recstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/meetscribe/audiocore/internal/config"
	"github.com/meetscribe/audiocore/internal/diarize"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	tmp := t.TempDir()
	cfg := config.StoreConfig{Path: filepath.Join(tmp, "audiocore.db"), RetentionMode: "session"}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenEphemeralWritesNothing(t *testing.T) {
	cfg := config.StoreConfig{RetentionMode: "ephemeral"}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.AppendSpeechEvent(context.Background(), "rec", "p1", 100); err != nil {
		t.Fatalf("ephemeral append must be a no-op: %v", err)
	}
	events, err := s.ListSpeechEvents(context.Background(), "rec")
	if err != nil || events != nil {
		t.Fatalf("ephemeral store must return nothing, got %v %v", events, err)
	}
}

func TestSpeechEventsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnsureRecording(ctx, "rec-1", "standup", "in_progress"); err != nil {
		t.Fatalf("ensure recording: %v", err)
	}
	if err := s.AppendSpeechEvent(ctx, "rec-1", "p2", 2000); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.AppendSpeechEvent(ctx, "rec-1", "p1", 500); err != nil {
		t.Fatalf("append: %v", err)
	}

	events, err := s.ListSpeechEvents(ctx, "rec-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].ParticipantID != "p1" || events[0].TimestampMS != 500 {
		t.Fatalf("events must come back in capture order, got %+v", events[0])
	}
}

func TestUtteranceLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnsureRecording(ctx, "rec-1", "", "in_progress"); err != nil {
		t.Fatalf("ensure recording: %v", err)
	}
	id, err := s.InsertUtterance(ctx, UtteranceRow{
		RecordingID: "rec-1",
		SpeakerID:   "s1",
		TimestampMS: 1000,
		DurationMS:  400,
		FlushReason: "silence_limit",
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if id == 0 {
		t.Fatal("expected a row id")
	}

	if err := s.SetUtteranceBlob(ctx, id, "rec-1/utt_1000.pcm"); err != nil {
		t.Fatalf("set blob: %v", err)
	}
	if err := s.SetUtteranceTranscript(ctx, id, "hello there"); err != nil {
		t.Fatalf("set transcript: %v", err)
	}

	rows, err := s.ListUtterances(ctx, "rec-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 utterance, got %d", len(rows))
	}
	got := rows[0]
	if got.BlobName != "rec-1/utt_1000.pcm" || got.Transcript != "hello there" {
		t.Fatalf("unexpected row: %+v", got)
	}
}

func TestDiarizedWordsReplace(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnsureRecording(ctx, "rec-1", "", "complete"); err != nil {
		t.Fatalf("ensure recording: %v", err)
	}
	first := []diarize.DiarizedWord{
		{Word: diarize.Word{Text: "old", StartMS: 0, EndMS: 100}, ParticipantID: "p1"},
	}
	if err := s.ReplaceDiarizedWords(ctx, "rec-1", first); err != nil {
		t.Fatalf("replace: %v", err)
	}

	second := []diarize.DiarizedWord{
		{Word: diarize.Word{Text: "hello", StartMS: 0, EndMS: 200}, ParticipantID: "p1"},
		{Word: diarize.Word{Text: "world", StartMS: 250, EndMS: 400}, ParticipantID: "p2"},
	}
	if err := s.ReplaceDiarizedWords(ctx, "rec-1", second); err != nil {
		t.Fatalf("replace again: %v", err)
	}

	words, err := s.ListDiarizedWords(ctx, "rec-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(words) != 2 {
		t.Fatalf("rerun must replace, not append: got %d words", len(words))
	}
	if words[0].Text != "hello" || words[1].ParticipantID != "p2" {
		t.Fatalf("unexpected words: %+v", words)
	}
}

func TestPruneByDaysAndRecordings(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.StoreConfig{
		Path:          filepath.Join(tmp, "audiocore.db"),
		RetentionMode: "session",
		RetentionDays: 7,
		MaxRecordings: 1,
	}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return now.Add(-30 * 24 * time.Hour) }
	if err := s.EnsureRecording(context.Background(), "ancient", "", "complete"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	s.clock = func() time.Time { return now }
	if err := s.EnsureRecording(context.Background(), "fresh", "", "complete"); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	if err := s.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM recordings`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected only the fresh recording to survive, got %d", count)
	}
}
