// Package pipeline wires the audio path together: bus subscriptions feed
// per-meeting segmenters or streaming routers, a tick goroutine drives
// chunk draining and upload polling, and the batch path reconciles mixed
// audio against speech-start events after the meeting.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/meetscribe/audiocore/internal/bus"
	"github.com/meetscribe/audiocore/internal/config"
	"github.com/meetscribe/audiocore/internal/protocol"
	"github.com/meetscribe/audiocore/internal/recstore"
	"github.com/meetscribe/audiocore/internal/segmenter"
	"github.com/meetscribe/audiocore/internal/streamrouter"
	"github.com/meetscribe/audiocore/internal/transcribe"
	"github.com/meetscribe/audiocore/internal/uploader"
	"github.com/meetscribe/audiocore/internal/vad"
)

const (
	ModeSegment = "segment"
	ModeStream  = "stream"
)

type queuedChunk struct {
	speakerID string
	chunkTime time.Time
	pcm       []byte
}

// meeting holds one recording's audio state. Chunks queue from the bus
// goroutine and drain on the tick, so segmenter and router internals only
// ever run on the tick goroutine.
type meeting struct {
	recordingID string
	seg         *segmenter.Segmenter
	router      *streamrouter.Router

	mu    sync.Mutex
	queue []queuedChunk
}

type utteranceMeta struct {
	recordingID   string
	participantID string
	timestampMS   int64
	durationMS    int64
	flushReason   string
	sampleRate    int
}

// Service is the realtime audio pipeline for all active recordings.
type Service struct {
	cfg      config.Config
	bus      *bus.Client
	store    *recstore.Store
	up       *uploader.Uploader
	batch    transcribe.Transcriber
	provider streamrouter.Provider
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	subs   []*nats.Subscription
	wg     sync.WaitGroup
	ready  bool

	mu           sync.Mutex
	meetings     map[string]*meeting
	participants map[string]protocol.Participant // recordingID/speakerID
	inflight     map[int64]utteranceMeta
}

func NewService(parent context.Context, cfg config.Config, busClient *bus.Client, store *recstore.Store,
	blobs uploader.BlobStore, batch transcribe.Transcriber, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:          cfg,
		bus:          busClient,
		store:        store,
		batch:        batch,
		provider:     newStreamingProvider(cfg.Streaming),
		log:          log,
		ctx:          ctx,
		cancel:       cancel,
		meetings:     make(map[string]*meeting),
		participants: make(map[string]protocol.Participant),
		inflight:     make(map[int64]utteranceMeta),
	}
	s.up = uploader.New(cfg.Uploader, blobs, s.onUploadDone, s.onUploadFailed, log)
	return s
}

func newStreamingProvider(cfg config.StreamingConfig) streamrouter.Provider {
	switch cfg.Provider {
	case "mock", "":
		return streamrouter.NewMockProvider()
	default:
		if cfg.APIKey == "" {
			return streamrouter.NewUnconfiguredProvider(cfg.Provider, "api key missing")
		}
		return streamrouter.NewUnconfiguredProvider(cfg.Provider, "provider not built in")
	}
}

// Start subscribes to the audio subjects and launches the tick loop.
func (s *Service) Start() error {
	subscriptions := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{protocol.SubjectAudioChunkPrefix + ".>", s.handleAudioChunk},
		{protocol.SubjectSpeechStartPrefix + ".>", s.handleSpeechStart},
		{protocol.SubjectParticipantPrefix + ".>", s.handleParticipantJoined},
		{protocol.SubjectRecordingEnded, s.handleRecordingEnded},
	}
	for _, sub := range subscriptions {
		handle, err := s.bus.Conn().Subscribe(sub.subject, sub.handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", sub.subject, err)
		}
		s.subs = append(s.subs, handle)
	}

	s.wg.Add(1)
	go s.tickLoop()
	s.ready = true
	return nil
}

// Healthy reports whether the pipeline is subscribed and ticking.
func (s *Service) Healthy() bool {
	return s.ready
}

// Close flushes every active meeting, finishes streaming sessions, and
// waits a bounded time for outstanding uploads.
func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()

	s.mu.Lock()
	active := make([]*meeting, 0, len(s.meetings))
	for _, m := range s.meetings {
		active = append(active, m)
	}
	s.meetings = make(map[string]*meeting)
	s.mu.Unlock()

	for _, m := range active {
		s.drainMeeting(m)
		m.seg.ProcessChunks()
		m.seg.FlushAll()
		m.router.FinishAll()
	}

	timeout := time.Duration(s.cfg.Uploader.ShutdownTimeoutMS) * time.Millisecond
	s.up.WaitForUploads(timeout)
	s.up.Shutdown()
}

func (s *Service) tickLoop() {
	defer s.wg.Done()
	interval := time.Duration(s.cfg.Pipeline.TickIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Service) tick() {
	s.mu.Lock()
	active := make([]*meeting, 0, len(s.meetings))
	for _, m := range s.meetings {
		active = append(active, m)
	}
	s.mu.Unlock()

	for _, m := range active {
		s.drainMeeting(m)
		if s.cfg.Pipeline.Mode == ModeStream {
			m.router.SweepIdle()
		} else {
			m.seg.ProcessChunks()
		}
	}
	s.up.ProcessUploads()
}

func (s *Service) drainMeeting(m *meeting) {
	m.mu.Lock()
	pending := m.queue
	m.queue = nil
	m.mu.Unlock()

	for _, c := range pending {
		if s.cfg.Pipeline.Mode == ModeStream {
			m.router.Route(c.speakerID, c.chunkTime, c.pcm)
		} else {
			m.seg.AddChunk(c.speakerID, c.chunkTime, c.pcm)
		}
	}
}

func (s *Service) meeting(recordingID string) (*meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.meetings[recordingID]; ok {
		return m, nil
	}

	m := &meeting{recordingID: recordingID}
	lookup := func(speakerID string) (protocol.Participant, bool) {
		return s.lookupParticipant(recordingID, speakerID)
	}
	// Each meeting gets its own detector; the silero backend keeps recurrent
	// state that must not leak across recordings.
	detector := vad.New(s.cfg.VAD, s.log)
	m.seg = segmenter.New(s.cfg.Segmenter, s.cfg.VAD.SampleRate, detector, lookup, func(u segmenter.Utterance) {
		s.saveUtterance(recordingID, u)
	}, s.log)

	router, err := streamrouter.New(s.cfg.Streaming, s.cfg.VAD.SampleRate, s.provider, detector, lookup,
		func(speakerID, text string, startMS, endMS int64) {
			s.publishTranscript(recordingID, speakerID, text, startMS)
		}, s.log)
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}
	m.router = router

	if err := s.store.EnsureRecording(s.ctx, recordingID, "", "in_progress"); err != nil {
		s.log.Warn("ensure recording failed", slog.String("recording_id", recordingID), slogError(err))
	}

	s.meetings[recordingID] = m
	s.log.Info("meeting started",
		slog.String("recording_id", recordingID),
		slog.String("mode", s.cfg.Pipeline.Mode))
	return m, nil
}

func (s *Service) lookupParticipant(recordingID, speakerID string) (protocol.Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[recordingID+"/"+speakerID]
	return p, ok
}

func (s *Service) handleAudioChunk(msg *nats.Msg) {
	var chunk protocol.AudioChunk
	if err := json.Unmarshal(msg.Data, &chunk); err != nil {
		s.log.Warn("failed to decode audio chunk", slogError(err))
		return
	}
	if chunk.RecordingID == "" || chunk.SpeakerID == "" {
		return
	}

	m, err := s.meeting(chunk.RecordingID)
	if err != nil {
		s.log.Warn("failed to start meeting state", slog.String("recording_id", chunk.RecordingID), slogError(err))
		return
	}

	m.mu.Lock()
	m.queue = append(m.queue, queuedChunk{
		speakerID: chunk.SpeakerID,
		chunkTime: time.UnixMilli(chunk.TimestampMS),
		pcm:       chunk.PCM,
	})
	m.mu.Unlock()
}

func (s *Service) handleSpeechStart(msg *nats.Msg) {
	var evt protocol.SpeechStartEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		s.log.Warn("failed to decode speech start", slogError(err))
		return
	}
	if err := s.store.AppendSpeechEvent(s.ctx, evt.RecordingID, evt.ParticipantID, evt.TimestampMS); err != nil {
		s.log.Warn("failed to persist speech start",
			slog.String("recording_id", evt.RecordingID), slogError(err))
	}
}

func (s *Service) handleParticipantJoined(msg *nats.Msg) {
	var evt protocol.ParticipantJoined
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		s.log.Warn("failed to decode participant", slogError(err))
		return
	}
	s.mu.Lock()
	s.participants[evt.RecordingID+"/"+evt.Participant.ID] = evt.Participant
	s.mu.Unlock()
}

func (s *Service) handleRecordingEnded(msg *nats.Msg) {
	var evt protocol.RecordingEnded
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		s.log.Warn("failed to decode recording end", slogError(err))
		return
	}
	s.EndMeeting(evt.RecordingID)
}

// EndMeeting flushes the recording's buffers, finishes its streaming
// sessions, and marks it complete. Safe to call for unknown recordings.
func (s *Service) EndMeeting(recordingID string) {
	s.mu.Lock()
	m, ok := s.meetings[recordingID]
	if ok {
		delete(s.meetings, recordingID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	// Chunks queued since the last tick have to run through classification
	// before the flush, or the tail of the meeting is lost.
	s.drainMeeting(m)
	m.seg.ProcessChunks()
	m.seg.FlushAll()
	m.seg.ResetVAD()
	m.router.FinishAll()

	if err := s.store.EnsureRecording(s.ctx, recordingID, "", "complete"); err != nil {
		s.log.Warn("mark recording complete failed", slog.String("recording_id", recordingID), slogError(err))
	}
	s.log.Info("meeting ended", slog.String("recording_id", recordingID))
}

func (s *Service) saveUtterance(recordingID string, u segmenter.Utterance) {
	durationMS := int64(len(u.PCM)) / 2 * 1000 / int64(u.SampleRate)
	id, err := s.store.InsertUtterance(s.ctx, recstore.UtteranceRow{
		RecordingID: recordingID,
		SpeakerID:   u.SpeakerID,
		TimestampMS: u.TimestampMS,
		DurationMS:  durationMS,
		FlushReason: u.FlushReason,
	})
	if err != nil {
		s.log.Error("failed to persist utterance",
			slog.String("recording_id", recordingID),
			slog.String("speaker_id", u.SpeakerID), slogError(err))
		return
	}

	s.mu.Lock()
	s.inflight[id] = utteranceMeta{
		recordingID:   recordingID,
		participantID: u.Participant.ID,
		timestampMS:   u.TimestampMS,
		durationMS:    durationMS,
		flushReason:   u.FlushReason,
		sampleRate:    u.SampleRate,
	}
	s.mu.Unlock()

	filename := fmt.Sprintf("%s/utt_%s_%d.pcm", recordingID, u.SpeakerID, u.TimestampMS)
	s.up.Upload(id, filename, u.PCM)
}

func (s *Service) onUploadDone(utteranceID int64, storedName string) {
	s.mu.Lock()
	meta, ok := s.inflight[utteranceID]
	delete(s.inflight, utteranceID)
	s.mu.Unlock()
	if !ok {
		return
	}

	if err := s.store.SetUtteranceBlob(s.ctx, utteranceID, storedName); err != nil {
		s.log.Warn("failed to record blob name", slog.Int64("utterance_id", utteranceID), slogError(err))
	}

	evt := protocol.UtteranceSaved{
		UtteranceID:   fmt.Sprintf("%d", utteranceID),
		RecordingID:   meta.recordingID,
		ParticipantID: meta.participantID,
		BlobName:      storedName,
		TimestampMS:   meta.timestampMS,
		DurationMS:    meta.durationMS,
		FlushReason:   meta.flushReason,
		SampleRate:    meta.sampleRate,
		SavedAt:       time.Now().UTC(),
	}
	data, err := json.Marshal(evt)
	if err != nil {
		s.log.Warn("failed to marshal utterance event", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectUtteranceSaved, data); err != nil {
		s.log.Warn("failed to publish utterance event", slogError(err))
	}
}

func (s *Service) onUploadFailed(utteranceID int64, err error) {
	s.mu.Lock()
	delete(s.inflight, utteranceID)
	s.mu.Unlock()
	s.log.Error("utterance upload failed", slog.Int64("utterance_id", utteranceID), slogError(err))
}

func (s *Service) publishTranscript(recordingID, speakerID, text string, timestampMS int64) {
	if text == "" {
		return
	}
	seg := protocol.TranscriptSegment{
		RecordingID:   recordingID,
		ParticipantID: speakerID,
		Text:          text,
		TimestampMS:   timestampMS,
		ReceivedAt:    time.Now().UTC(),
	}
	data, err := json.Marshal(seg)
	if err != nil {
		s.log.Warn("failed to marshal transcript segment", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectTranscriptLive, data); err != nil {
		s.log.Warn("failed to publish transcript segment", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
