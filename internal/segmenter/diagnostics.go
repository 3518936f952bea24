package segmenter

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// diagnostics is the rolling counter set logged and reset on a fixed
// interval. Observational only; nothing reads it to make decisions.
type diagnostics struct {
	chunksAdded             int
	silentZeroRMS           int
	silentSmallRMS          int
	silentVAD               int
	utterancesSent          int
	discardedLowSpeechRatio int
	discardedTooShort       int
	participantNotFound     int
	trailingChunksTrimmed   int
}

func (s *Segmenter) maybeLogDiagnostics() {
	now := s.clock()
	if now.Sub(s.lastDiagReset) < time.Duration(s.cfg.DiagnosticIntervalMS)*time.Millisecond {
		return
	}

	s.mu.Lock()
	snapshot := s.diag
	s.diag = diagnostics{}
	s.mu.Unlock()
	s.lastDiagReset = now

	if !s.cfg.LogDiagnostics {
		return
	}

	s.log.Info("segmenter diagnostics",
		slog.String("vad_provider", s.detector.Name()),
		slog.Int("chunks_added", snapshot.chunksAdded),
		slog.Int("silent_zero_rms", snapshot.silentZeroRMS),
		slog.Int("silent_small_rms", snapshot.silentSmallRMS),
		slog.Int("silent_vad", snapshot.silentVAD),
		slog.Int("utterances_sent", snapshot.utterancesSent),
		slog.Int("discarded_low_speech_ratio", snapshot.discardedLowSpeechRatio),
		slog.Int("discarded_too_short", snapshot.discardedTooShort),
		slog.Int("participant_not_found", snapshot.participantNotFound),
		slog.Int("trailing_chunks_trimmed", snapshot.trailingChunksTrimmed))
}

// TrailingChunksTrimmed reports the rolling count of trailing silent chunks
// removed since the last diagnostic reset.
func (s *Segmenter) TrailingChunksTrimmed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.diag.trailingChunksTrimmed
}

// meterSet holds the OTel counters mirroring the diagnostic set. The global
// meter provider is a no-op until the runtime installs the SDK.
type meterSet struct {
	added     metric.Int64Counter
	sentCount metric.Int64Counter
	dropped   metric.Int64Counter
}

func newMeterSet() *meterSet {
	meter := otel.Meter("audiocore/segmenter")
	added, _ := meter.Int64Counter("segmenter.chunks_added")
	sent, _ := meter.Int64Counter("segmenter.utterances_sent")
	dropped, _ := meter.Int64Counter("segmenter.utterances_discarded")
	return &meterSet{added: added, sentCount: sent, dropped: dropped}
}

func (m *meterSet) chunksAdded(n int64) {
	m.added.Add(context.Background(), n)
}

func (m *meterSet) sent(n int64) {
	m.sentCount.Add(context.Background(), n)
}

func (m *meterSet) discarded(n int64, reason string) {
	m.dropped.Add(context.Background(), n, metric.WithAttributes(attribute.String("reason", reason)))
}
