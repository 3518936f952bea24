package protocol

import "time"

// AudioChunk carries one participant's PCM audio from the capture layer.
// PCM is 16-bit little-endian mono at SampleRate.
type AudioChunk struct {
	RecordingID string `json:"recording_id"`
	SpeakerID   string `json:"speaker_id"`
	TimestampMS int64  `json:"timestamp_ms"`
	SampleRate  int    `json:"sample_rate"`
	PCM         []byte `json:"pcm"`
}

// SpeechStartEvent is an independently captured "participant started
// speaking" signal, e.g. from a client-side speaking indicator. Its clock
// may drift from the recording's own timeline.
type SpeechStartEvent struct {
	RecordingID   string `json:"recording_id"`
	ParticipantID string `json:"participant_id"`
	TimestampMS   int64  `json:"timestamp_ms"`
}

// UtteranceSaved announces a flushed utterance whose audio blob has been
// stored. BlobName is the stored name returned by the blob store, which may
// differ from the requested name.
type UtteranceSaved struct {
	UtteranceID   string    `json:"utterance_id"`
	RecordingID   string    `json:"recording_id"`
	ParticipantID string    `json:"participant_id"`
	BlobName      string    `json:"blob_name"`
	TimestampMS   int64     `json:"timestamp_ms"`
	DurationMS    int64     `json:"duration_ms"`
	FlushReason   string    `json:"flush_reason"`
	SampleRate    int       `json:"sample_rate"`
	SavedAt       time.Time `json:"saved_at"`
}

// TranscriptSegment is live streaming-transcription output for one speaker.
type TranscriptSegment struct {
	RecordingID   string    `json:"recording_id"`
	ParticipantID string    `json:"participant_id"`
	Text          string    `json:"text"`
	TimestampMS   int64     `json:"timestamp_ms"`
	ReceivedAt    time.Time `json:"received_at"`
}

// RecordingEnded signals that a meeting's capture has stopped and any
// buffered audio must be flushed.
type RecordingEnded struct {
	RecordingID string    `json:"recording_id"`
	EndedAt     time.Time `json:"ended_at"`
}

// ParticipantJoined announces roster metadata for a speaker id. Utterances
// from speakers with no roster entry are dropped rather than misattributed.
type ParticipantJoined struct {
	RecordingID string      `json:"recording_id"`
	Participant Participant `json:"participant"`
}

const (
	SubjectAudioChunkPrefix  = "audio.chunk"        // audio.chunk.<recording_id>.<speaker_id>
	SubjectSpeechStartPrefix = "speech.start"       // speech.start.<recording_id>
	SubjectParticipantPrefix = "participant.joined" // participant.joined.<recording_id>
	SubjectRecordingEnded    = "recording.ended"
	SubjectUtteranceSaved    = "utterance.saved"
	SubjectTranscriptLive    = "transcript.live"
)

// Participant is meeting-roster metadata resolved from a speaker id by the
// surrounding bot-control layer.
type Participant struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id,omitempty"`
	FullName string `json:"full_name,omitempty"`
	IsHost   bool   `json:"is_host,omitempty"`
	IsBot    bool   `json:"is_bot,omitempty"`
}
