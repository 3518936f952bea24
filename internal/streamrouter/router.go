// Package streamrouter multiplexes a meeting's inbound audio chunk stream
// across live per-speaker transcription sessions for the realtime path.
package streamrouter

import (
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/meetscribe/audiocore/internal/config"
	"github.com/meetscribe/audiocore/internal/protocol"
	"github.com/meetscribe/audiocore/internal/vad"
)

// Session is one live connection to a streaming transcription provider.
// Results arrive asynchronously through the callback given at creation.
type Session interface {
	Send(pcm []byte) error
	Finish() error
}

// SessionConfig carries the metadata a provider needs to open a session.
type SessionConfig struct {
	SpeakerID   string
	Participant protocol.Participant
	SampleRate  int
}

// TranscriptFunc receives recognized text for a speaker as the provider
// finalizes it. Invoked from provider goroutines, at least once per
// recognized utterance boundary.
type TranscriptFunc func(speakerID, text string, startMS, endMS int64)

// Provider opens streaming sessions against an external transcription
// service.
//
// Ready reports whether the provider has usable credentials; the router
// fails closed and drops chunks while it returns an error. NativeVAD
// reports whether the provider does its own semantic endpointing, which
// switches the router to unfiltered forwarding.
type Provider interface {
	Name() string
	Ready() error
	NativeVAD() bool
	NewSession(cfg SessionConfig, results TranscriptFunc) (Session, error)
}

type activeSession struct {
	session       Session
	lastNonsilent time.Time
}

// Router creates sessions lazily per speaker, forwards chunks, and retires
// sessions that go idle or exceed the concurrency cap. Like the segmenter it
// runs on the pipeline tick with no internal concurrency; the LRU order
// doubles as the last-send order used for eviction.
type Router struct {
	cfg      config.StreamingConfig
	provider Provider
	detector vad.Detector
	lookup   func(speakerID string) (protocol.Participant, bool)
	results  TranscriptFunc
	log      *slog.Logger
	clock    func() time.Time

	sessions   *lru.Cache[string, *activeSession]
	sampleRate int
}

func New(cfg config.StreamingConfig, sampleRate int, provider Provider, detector vad.Detector,
	lookup func(string) (protocol.Participant, bool), results TranscriptFunc, log *slog.Logger) (*Router, error) {
	r := &Router{
		cfg:        cfg,
		provider:   provider,
		detector:   detector,
		lookup:     lookup,
		results:    results,
		log:        log,
		clock:      time.Now,
		sampleRate: sampleRate,
	}
	cache, err := lru.NewWithEvict[string, *activeSession](cfg.MaxSessions, r.onEvict)
	if err != nil {
		return nil, fmt.Errorf("session cache: %w", err)
	}
	r.sessions = cache
	return r, nil
}

func (r *Router) onEvict(speakerID string, as *activeSession) {
	if err := as.session.Finish(); err != nil {
		r.log.Warn("finishing evicted session", slog.String("speaker_id", speakerID), slog.String("error", err.Error()))
		return
	}
	r.log.Info("session retired", slog.String("speaker_id", speakerID))
}

// Route forwards one chunk to the speaker's live session, creating it on
// first speech. Silent chunks never open a session under pre-filtered
// routing, but once a session exists every chunk is forwarded so the
// provider's endpointing sees the full stream.
func (r *Router) Route(speakerID string, chunkTime time.Time, pcm []byte) {
	silent := r.silenceDetected(pcm)

	as, ok := r.sessions.Get(speakerID)
	if !ok {
		if silent && !r.provider.NativeVAD() {
			return
		}
		as = r.openSession(speakerID, chunkTime)
		if as == nil {
			return
		}
	}

	if !silent {
		as.lastNonsilent = chunkTime
	}
	if err := as.session.Send(pcm); err != nil {
		// Drop the broken session; the next chunk recreates it.
		r.log.Warn("session send failed", slog.String("speaker_id", speakerID), slog.String("error", err.Error()))
		r.sessions.Remove(speakerID)
	}
}

func (r *Router) openSession(speakerID string, chunkTime time.Time) *activeSession {
	if err := r.provider.Ready(); err != nil {
		r.log.Warn("streaming provider not ready, dropping chunk",
			slog.String("provider", r.provider.Name()),
			slog.String("speaker_id", speakerID),
			slog.String("error", err.Error()))
		return nil
	}

	participant, _ := r.lookup(speakerID)
	sess, err := r.provider.NewSession(SessionConfig{
		SpeakerID:   speakerID,
		Participant: participant,
		SampleRate:  r.sampleRate,
	}, r.results)
	if err != nil {
		r.log.Warn("session creation failed, dropping chunk",
			slog.String("provider", r.provider.Name()),
			slog.String("speaker_id", speakerID),
			slog.String("error", err.Error()))
		return nil
	}

	as := &activeSession{session: sess, lastNonsilent: chunkTime}
	// Adding past the cap force-finishes the least-recently-used session.
	r.sessions.Add(speakerID, as)
	r.log.Info("session opened",
		slog.String("provider", r.provider.Name()),
		slog.String("speaker_id", speakerID),
		slog.Int("active_sessions", r.sessions.Len()))
	return as
}

func (r *Router) silenceDetected(pcm []byte) bool {
	rms := vad.CalculateNormalizedRMS(pcm)
	if rms == 0 || rms < vad.SmallRMSThreshold {
		return true
	}
	speech, err := r.detector.IsSpeech(pcm)
	if err != nil {
		r.log.Warn("vad failed, treating chunk as speech", slog.String("error", err.Error()))
		return false
	}
	return !speech
}

// SweepIdle finishes sessions whose speaker has been silent past the idle
// window. Called on the pipeline tick.
func (r *Router) SweepIdle() {
	now := r.clock()
	idle := time.Duration(r.cfg.IdleTimeoutMS) * time.Millisecond
	for _, speakerID := range r.sessions.Keys() {
		as, ok := r.sessions.Peek(speakerID)
		if !ok {
			continue
		}
		if now.Sub(as.lastNonsilent) >= idle {
			r.sessions.Remove(speakerID)
		}
	}
}

// FinishAll tears down every live session. Called at end of meeting.
func (r *Router) FinishAll() {
	r.sessions.Purge()
}

// ActiveSessions reports the number of live sessions.
func (r *Router) ActiveSessions() int {
	return r.sessions.Len()
}
