package segmenter

import (
	"log/slog"
	"sync"
	"time"

	"github.com/meetscribe/audiocore/internal/config"
	"github.com/meetscribe/audiocore/internal/protocol"
	"github.com/meetscribe/audiocore/internal/vad"
)

// Flush reasons reported alongside saved utterances.
const (
	FlushReasonBufferFull   = "buffer_full"
	FlushReasonSilenceLimit = "silence_limit"
)

// Utterance is one flushed, trimmed span of a single speaker's audio.
type Utterance struct {
	SpeakerID   string
	Participant protocol.Participant
	PCM         []byte
	TimestampMS int64
	FlushReason string
	SampleRate  int
}

// LookupFunc resolves a speaker id to participant metadata. It reports false
// for speakers that cannot be found, e.g. a participant who already left.
type LookupFunc func(speakerID string) (protocol.Participant, bool)

// SinkFunc receives each successfully flushed utterance. It is never called
// for discarded utterances.
type SinkFunc func(Utterance)

type bufferedChunk struct {
	data   []byte
	silent bool
}

type speakerBuffer struct {
	chunks         []bufferedChunk
	totalBytes     int
	firstNonsilent time.Time
	lastNonsilent  time.Time
}

type queuedChunk struct {
	speakerID string
	chunkTime time.Time
	data      []byte
}

// Segmenter converts a continuous per-speaker chunk stream into discrete
// utterances bounded by silence or buffer size, with trailing-silence
// trimming and quality filters so obvious noise never reaches transcription.
//
// Chunks are queued from any goroutine via AddChunk and drained synchronously
// by ProcessChunks on the surrounding control loop's tick; there is no
// internal concurrency.
type Segmenter struct {
	cfg        config.SegmenterConfig
	sampleRate int
	detector   vad.Detector
	lookup     LookupFunc
	sink       SinkFunc
	log        *slog.Logger
	clock      func() time.Time

	mu      sync.Mutex
	queue   []queuedChunk
	buffers map[string]*speakerBuffer

	diag          diagnostics
	metrics       *meterSet
	lastDiagReset time.Time
}

func New(cfg config.SegmenterConfig, sampleRate int, detector vad.Detector, lookup LookupFunc, sink SinkFunc, log *slog.Logger) *Segmenter {
	s := &Segmenter{
		cfg:        cfg,
		sampleRate: sampleRate,
		detector:   detector,
		lookup:     lookup,
		sink:       sink,
		log:        log,
		clock:      time.Now,
		buffers:    make(map[string]*speakerBuffer),
		metrics:    newMeterSet(),
	}
	s.lastDiagReset = s.clock()
	return s
}

// AddChunk queues one chunk of raw PCM for a speaker. Safe to call from the
// bus subscription goroutine.
func (s *Segmenter) AddChunk(speakerID string, chunkTime time.Time, data []byte) {
	s.mu.Lock()
	s.queue = append(s.queue, queuedChunk{speakerID: speakerID, chunkTime: chunkTime, data: data})
	s.diag.chunksAdded++
	s.mu.Unlock()
	s.metrics.chunksAdded(1)
}

// ProcessChunks drains the queue, advances silence timers for every speaker
// still buffering, and emits diagnostics on its interval. Called on each
// pipeline tick.
func (s *Segmenter) ProcessChunks() {
	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, c := range pending {
		s.processChunk(c.speakerID, c.chunkTime, c.data)
	}

	// A speaker who stopped sending chunks still needs the silence timeout
	// to advance, so feed each active buffer a virtual silent chunk at now.
	now := s.clock()
	for _, speakerID := range s.activeSpeakers() {
		s.processChunk(speakerID, now, nil)
	}

	s.maybeLogDiagnostics()
}

// FlushAll force-flushes every speaker still buffering by synthesizing a
// silent chunk far enough in the future to trip the silence limit. Called at
// end of meeting so no in-progress utterance is lost.
func (s *Segmenter) FlushAll() {
	deadline := s.clock().Add(s.silenceLimit() + time.Second)
	for _, speakerID := range s.activeSpeakers() {
		s.processChunk(speakerID, deadline, nil)
	}
}

// ResetVAD clears classifier state. Call when a new audio stream starts; the
// stateful backends carry recurrent state across chunks.
func (s *Segmenter) ResetVAD() {
	s.detector.Reset()
}

func (s *Segmenter) activeSpeakers() []string {
	ids := make([]string, 0, len(s.buffers))
	for id := range s.buffers {
		ids = append(ids, id)
	}
	return ids
}

func (s *Segmenter) silenceLimit() time.Duration {
	return time.Duration(s.cfg.SilenceDurationMS) * time.Millisecond
}

func (s *Segmenter) silenceDetected(data []byte) bool {
	rms := vad.CalculateNormalizedRMS(data)
	if rms == 0 {
		s.diag.silentZeroRMS++
		return true
	}
	if rms < vad.SmallRMSThreshold {
		s.diag.silentSmallRMS++
		return true
	}

	speech, err := s.detector.IsSpeech(data)
	if err != nil {
		// Fail open: a classifier fault must never silently drop speech.
		s.log.Warn("VAD classifier error, assuming speech", slog.String("error", err.Error()))
		return false
	}
	if !speech {
		s.diag.silentVAD++
		return true
	}
	return false
}

func (s *Segmenter) processChunk(speakerID string, chunkTime time.Time, data []byte) {
	silent := true
	if len(data) > 0 {
		silent = s.silenceDetected(data)
	}

	buf, ok := s.buffers[speakerID]
	if !ok {
		if silent {
			return
		}
		buf = &speakerBuffer{firstNonsilent: chunkTime, lastNonsilent: chunkTime}
		s.buffers[speakerID] = buf
	}

	if len(data) > 0 {
		buf.chunks = append(buf.chunks, bufferedChunk{data: data, silent: silent})
		buf.totalBytes += len(data)
	}

	var flushReason string
	if buf.totalBytes >= s.cfg.UtteranceSizeLimit {
		flushReason = FlushReasonBufferFull
	}
	if silent {
		if chunkTime.Sub(buf.lastNonsilent) >= s.silenceLimit() {
			flushReason = FlushReasonSilenceLimit
		}
	} else {
		buf.lastNonsilent = chunkTime
	}

	if flushReason != "" && len(buf.chunks) > 0 {
		s.flush(speakerID, buf, flushReason)
	}
}

func (s *Segmenter) flush(speakerID string, buf *speakerBuffer, reason string) {
	// Post-flush state is identical for every outcome: the buffer and its
	// timers are gone.
	defer delete(s.buffers, speakerID)

	lastNonsilentIdx := len(buf.chunks) - 1
	for lastNonsilentIdx >= 0 && buf.chunks[lastNonsilentIdx].silent {
		lastNonsilentIdx--
	}

	trimmedCount := lastNonsilentIdx + 1
	if trimmedCount == 0 {
		// Everything buffered was silence.
		return
	}

	speechChunks := 0
	trimmedBytes := 0
	for i := 0; i < trimmedCount; i++ {
		if !buf.chunks[i].silent {
			speechChunks++
		}
		trimmedBytes += len(buf.chunks[i].data)
	}

	// The quality filters run on the trimmed view, not the raw buffer.
	speechRatio := float64(speechChunks) / float64(trimmedCount)
	durationMS := float64(trimmedBytes) / 2 / float64(s.sampleRate) * 1000

	if speechRatio < s.cfg.MinSpeechRatio {
		s.log.Info("discarding low-speech utterance",
			slog.String("speaker_id", speakerID),
			slog.Float64("speech_ratio", speechRatio),
			slog.Int("speech_chunks", speechChunks),
			slog.Int("trimmed_chunks", trimmedCount),
			slog.Float64("duration_ms", durationMS))
		s.diag.discardedLowSpeechRatio++
		s.metrics.discarded(1, "low_speech_ratio")
		return
	}

	if durationMS < float64(s.cfg.MinDurationMS) {
		s.log.Info("discarding short utterance",
			slog.String("speaker_id", speakerID),
			slog.Float64("duration_ms", durationMS),
			slog.Int("min_duration_ms", s.cfg.MinDurationMS),
			slog.Float64("speech_ratio", speechRatio))
		s.diag.discardedTooShort++
		s.metrics.discarded(1, "too_short")
		return
	}

	participant, found := s.lookup(speakerID)
	if !found {
		s.log.Warn("participant not found, dropping utterance", slog.String("speaker_id", speakerID))
		s.diag.participantNotFound++
		s.metrics.discarded(1, "participant_not_found")
		return
	}

	trimmed := s.trimTrailingSilence(speakerID, buf, lastNonsilentIdx, trimmedBytes)

	s.sink(Utterance{
		SpeakerID:   speakerID,
		Participant: participant,
		PCM:         trimmed,
		TimestampMS: buf.firstNonsilent.UnixMilli(),
		FlushReason: reason,
		SampleRate:  s.sampleRate,
	})
	s.diag.utterancesSent++
	s.metrics.sent(1)
}

// trimTrailingSilence concatenates chunks up to and including the last
// non-silent one, removing the run of trailing silence accumulated while
// waiting for the silence limit. Interior silence between speech segments is
// kept: [WORDS][SILENCE][WORDS][SILENCE][SILENCE] becomes
// [WORDS][SILENCE][WORDS].
func (s *Segmenter) trimTrailingSilence(speakerID string, buf *speakerBuffer, lastNonsilentIdx, trimmedBytes int) []byte {
	trimmedChunks := len(buf.chunks) - 1 - lastNonsilentIdx
	if trimmedChunks > 0 {
		s.diag.trailingChunksTrimmed += trimmedChunks
		bytesRemoved := buf.totalBytes - trimmedBytes
		s.log.Info("trimmed trailing silence",
			slog.String("speaker_id", speakerID),
			slog.Int("chunks_removed", trimmedChunks),
			slog.Int("chunks_total", len(buf.chunks)),
			slog.Float64("ms_removed", float64(bytesRemoved)/2/float64(s.sampleRate)*1000))
	}

	out := make([]byte, 0, trimmedBytes)
	for i := 0; i <= lastNonsilentIdx; i++ {
		out = append(out, buf.chunks[i].data...)
	}
	return out
}

// ActiveSpeakerCount reports how many speakers currently hold a buffer.
// Diagnostic only.
func (s *Segmenter) ActiveSpeakerCount() int {
	return len(s.buffers)
}
