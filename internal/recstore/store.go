// Package recstore persists per-recording artifacts: speech-start events
// captured during the meeting, saved utterances, live transcript segments,
// and the diarized word list produced by the batch path.
package recstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/meetscribe/audiocore/internal/config"
	"github.com/meetscribe/audiocore/internal/diarize"
	_ "modernc.org/sqlite"
)

// Recording is one meeting's capture session.
type Recording struct {
	ID        string
	Title     string
	State     string
	CreatedAt time.Time
}

// SpeechEvent is a per-participant speech-start marker on the capture clock.
type SpeechEvent struct {
	ID            int64
	RecordingID   string
	ParticipantID string
	TimestampMS   int64
	CreatedAt     time.Time
}

// UtteranceRow is one finalized per-speaker utterance and its blob location.
type UtteranceRow struct {
	ID          int64
	RecordingID string
	SpeakerID   string
	TimestampMS int64
	DurationMS  int64
	FlushReason string
	BlobName    string
	Transcript  string
	CreatedAt   time.Time
}

// Store wraps the SQLite-backed recording database. An ephemeral retention
// mode keeps no database at all and turns every write into a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.StoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("recording store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("recording store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS recordings (
    recording_id TEXT PRIMARY KEY,
    title TEXT,
    state TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS speech_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    recording_id TEXT NOT NULL,
    participant_id TEXT NOT NULL,
    timestamp_ms INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(recording_id) REFERENCES recordings(recording_id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS utterances (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    recording_id TEXT NOT NULL,
    speaker_id TEXT NOT NULL,
    timestamp_ms INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL,
    flush_reason TEXT,
    blob_name TEXT,
    transcript TEXT,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(recording_id) REFERENCES recordings(recording_id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS diarized_words (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    recording_id TEXT NOT NULL,
    participant_id TEXT NOT NULL,
    word TEXT NOT NULL,
    start_ms INTEGER NOT NULL,
    end_ms INTEGER NOT NULL,
    FOREIGN KEY(recording_id) REFERENCES recordings(recording_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_speech_events_recording ON speech_events(recording_id, timestamp_ms);
CREATE INDEX IF NOT EXISTS idx_utterances_recording ON utterances(recording_id, timestamp_ms);
CREATE INDEX IF NOT EXISTS idx_diarized_words_recording ON diarized_words(recording_id, start_ms);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EnsureRecording upserts a recording row.
func (s *Store) EnsureRecording(ctx context.Context, recordingID, title, state string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recordings(recording_id, title, state, created_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(recording_id) DO UPDATE SET title=excluded.title, state=excluded.state`,
		recordingID, title, state, s.clock().UTC())
	return err
}

// AppendSpeechEvent records one speech-start marker.
func (s *Store) AppendSpeechEvent(ctx context.Context, recordingID, participantID string, timestampMS int64) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO speech_events(recording_id, participant_id, timestamp_ms, created_at)
		 VALUES(?, ?, ?, ?)`,
		recordingID, participantID, timestampMS, s.clock().UTC())
	return err
}

// ListSpeechEvents returns a recording's speech-start markers ordered by
// capture time, ready for diarization.
func (s *Store) ListSpeechEvents(ctx context.Context, recordingID string) ([]diarize.SpeechStartEvent, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT participant_id, timestamp_ms FROM speech_events
		 WHERE recording_id = ? ORDER BY timestamp_ms ASC`, recordingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []diarize.SpeechStartEvent
	for rows.Next() {
		var e diarize.SpeechStartEvent
		if err := rows.Scan(&e.ParticipantID, &e.TimestampMS); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// InsertUtterance writes a finalized utterance and returns its id.
func (s *Store) InsertUtterance(ctx context.Context, row UtteranceRow) (int64, error) {
	if s.db == nil {
		return 0, nil
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = s.clock().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO utterances(recording_id, speaker_id, timestamp_ms, duration_ms, flush_reason, blob_name, transcript, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		row.RecordingID, row.SpeakerID, row.TimestampMS, row.DurationMS, row.FlushReason, row.BlobName, row.Transcript, row.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// SetUtteranceBlob records the name an utterance's audio was stored under.
func (s *Store) SetUtteranceBlob(ctx context.Context, utteranceID int64, blobName string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE utterances SET blob_name = ? WHERE id = ?`, blobName, utteranceID)
	return err
}

// SetUtteranceTranscript attaches recognized text to an utterance.
func (s *Store) SetUtteranceTranscript(ctx context.Context, utteranceID int64, text string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE utterances SET transcript = ? WHERE id = ?`, text, utteranceID)
	return err
}

// ListUtterances returns a recording's utterances ordered by start time.
func (s *Store) ListUtterances(ctx context.Context, recordingID string) ([]UtteranceRow, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, recording_id, speaker_id, timestamp_ms, duration_ms, flush_reason, blob_name, transcript, created_at
		 FROM utterances WHERE recording_id = ? ORDER BY timestamp_ms ASC`, recordingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UtteranceRow
	for rows.Next() {
		var r UtteranceRow
		var created string
		if err := rows.Scan(&r.ID, &r.RecordingID, &r.SpeakerID, &r.TimestampMS, &r.DurationMS, &r.FlushReason, &r.BlobName, &r.Transcript, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			r.CreatedAt = ts
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ReplaceDiarizedWords swaps in a recording's attributed word list. The batch
// path may rerun alignment, so existing rows are dropped first.
func (s *Store) ReplaceDiarizedWords(ctx context.Context, recordingID string, words []diarize.DiarizedWord) error {
	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM diarized_words WHERE recording_id = ?`, recordingID); err != nil {
		return err
	}
	for _, w := range words {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO diarized_words(recording_id, participant_id, word, start_ms, end_ms)
			 VALUES(?, ?, ?, ?, ?)`,
			recordingID, w.ParticipantID, w.Text, w.StartMS, w.EndMS); err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// ListDiarizedWords returns a recording's attributed words in time order.
func (s *Store) ListDiarizedWords(ctx context.Context, recordingID string) ([]diarize.DiarizedWord, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT participant_id, word, start_ms, end_ms FROM diarized_words
		 WHERE recording_id = ? ORDER BY start_ms ASC, id ASC`, recordingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []diarize.DiarizedWord
	for rows.Next() {
		var w diarize.DiarizedWord
		if err := rows.Scan(&w.ParticipantID, &w.Text, &w.StartMS, &w.EndMS); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// Prune applies configured retention.
func (s *Store) Prune(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM recordings WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxRecordings > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM recordings WHERE recording_id IN (
			SELECT recording_id FROM recordings ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRecordings)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
