package streamrouter

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/meetscribe/audiocore/internal/config"
	"github.com/meetscribe/audiocore/internal/protocol"
)

type stubVAD struct{ speech bool }

func (s *stubVAD) IsSpeech([]byte) (bool, error) { return s.speech, nil }
func (s *stubVAD) Name() string                  { return "stub" }
func (s *stubVAD) Reset()                        {}

type fakeSession struct {
	sends    int
	sendErr  error
	finished bool
}

func (s *fakeSession) Send([]byte) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sends++
	return nil
}

func (s *fakeSession) Finish() error {
	s.finished = true
	return nil
}

type fakeProvider struct {
	readyErr  error
	createErr error
	nativeVAD bool
	sessions  map[string]*fakeSession
	created   int
}

func (p *fakeProvider) Name() string    { return "fake" }
func (p *fakeProvider) Ready() error    { return p.readyErr }
func (p *fakeProvider) NativeVAD() bool { return p.nativeVAD }

func (p *fakeProvider) NewSession(cfg SessionConfig, _ TranscriptFunc) (Session, error) {
	if p.createErr != nil {
		return nil, p.createErr
	}
	if p.sessions == nil {
		p.sessions = make(map[string]*fakeSession)
	}
	s := &fakeSession{}
	p.sessions[cfg.SpeakerID] = s
	p.created++
	return s, nil
}

func speechChunk() []byte {
	const sampleRate = 16000
	n := sampleRate / 10
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := 0.3 * 32767 * math.Sin(2*math.Pi*200*float64(i)/float64(sampleRate))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

func newTestRouter(t *testing.T, cfg config.StreamingConfig, p Provider, speech bool) *Router {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	lookup := func(id string) (protocol.Participant, bool) {
		return protocol.Participant{ID: id}, true
	}
	r, err := New(cfg, 16000, p, &stubVAD{speech: speech}, lookup, func(string, string, int64, int64) {}, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func testStreamingConfig() config.StreamingConfig {
	return config.StreamingConfig{Provider: "fake", IdleTimeoutMS: 300000, MaxSessions: 4}
}

func TestSilentChunkNeverOpensSession(t *testing.T) {
	p := &fakeProvider{}
	r := newTestRouter(t, testStreamingConfig(), p, true)

	r.Route("s1", time.Now(), make([]byte, 3200))

	if p.created != 0 {
		t.Fatalf("silence must not open a session, created=%d", p.created)
	}
	if r.ActiveSessions() != 0 {
		t.Fatal("no session expected")
	}
}

func TestSessionOpensOnSpeechThenForwardsSilence(t *testing.T) {
	p := &fakeProvider{}
	r := newTestRouter(t, testStreamingConfig(), p, true)

	r.Route("s1", time.Now(), speechChunk())
	if p.created != 1 {
		t.Fatalf("expected 1 session, created=%d", p.created)
	}

	// Once live, silent chunks flow through so provider endpointing works.
	r.Route("s1", time.Now(), make([]byte, 3200))
	if got := p.sessions["s1"].sends; got != 2 {
		t.Fatalf("expected 2 sends including the silent chunk, got %d", got)
	}
}

func TestNativeVADForwardsEverything(t *testing.T) {
	p := &fakeProvider{nativeVAD: true}
	r := newTestRouter(t, testStreamingConfig(), p, true)

	r.Route("s1", time.Now(), make([]byte, 3200))

	if p.created != 1 {
		t.Fatal("provider with built-in endpointing gets unfiltered chunks")
	}
	if p.sessions["s1"].sends != 1 {
		t.Fatalf("expected silent chunk forwarded, sends=%d", p.sessions["s1"].sends)
	}
}

func TestProviderNotReadyFailsClosed(t *testing.T) {
	p := &fakeProvider{readyErr: errors.New("no credentials")}
	r := newTestRouter(t, testStreamingConfig(), p, true)

	r.Route("s1", time.Now(), speechChunk())

	if p.created != 0 || r.ActiveSessions() != 0 {
		t.Fatal("missing credentials must fail closed")
	}
}

func TestCreationFailureRetriedOnNextChunk(t *testing.T) {
	p := &fakeProvider{createErr: errors.New("dial refused")}
	r := newTestRouter(t, testStreamingConfig(), p, true)

	r.Route("s1", time.Now(), speechChunk())
	if r.ActiveSessions() != 0 {
		t.Fatal("failed creation must leave no session")
	}

	p.createErr = nil
	r.Route("s1", time.Now(), speechChunk())
	if r.ActiveSessions() != 1 {
		t.Fatal("next chunk must retry session creation")
	}
}

func TestSessionCapEvictsLeastRecentlyUsed(t *testing.T) {
	cfg := testStreamingConfig()
	cfg.MaxSessions = 2
	p := &fakeProvider{}
	r := newTestRouter(t, cfg, p, true)

	now := time.Now()
	r.Route("a", now, speechChunk())
	r.Route("b", now.Add(time.Second), speechChunk())
	r.Route("c", now.Add(2*time.Second), speechChunk())

	if r.ActiveSessions() != 2 {
		t.Fatalf("cap is 2, got %d active", r.ActiveSessions())
	}
	if !p.sessions["a"].finished {
		t.Fatal("least-recently-used session must be force-finished")
	}
	if p.sessions["b"].finished || p.sessions["c"].finished {
		t.Fatal("recent sessions must stay live")
	}
}

func TestIdleSweepRetiresStaleSessions(t *testing.T) {
	p := &fakeProvider{}
	r := newTestRouter(t, testStreamingConfig(), p, true)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r.clock = func() time.Time { return base }
	r.Route("quiet", base, speechChunk())
	r.Route("active", base, speechChunk())

	r.clock = func() time.Time { return base.Add(4 * time.Minute) }
	r.Route("active", base.Add(4*time.Minute), speechChunk())

	r.clock = func() time.Time { return base.Add(6 * time.Minute) }
	r.SweepIdle()

	if !p.sessions["quiet"].finished {
		t.Fatal("idle session must be finished by the sweep")
	}
	if p.sessions["active"].finished {
		t.Fatal("recently speaking session must survive the sweep")
	}
	if r.ActiveSessions() != 1 {
		t.Fatalf("expected 1 remaining session, got %d", r.ActiveSessions())
	}
}

func TestSendFailureDropsSessionForRecreation(t *testing.T) {
	p := &fakeProvider{}
	r := newTestRouter(t, testStreamingConfig(), p, true)

	r.Route("s1", time.Now(), speechChunk())
	p.sessions["s1"].sendErr = errors.New("stream reset")
	r.Route("s1", time.Now(), speechChunk())

	if r.ActiveSessions() != 0 {
		t.Fatal("broken session must be dropped")
	}

	r.Route("s1", time.Now(), speechChunk())
	if p.created != 2 {
		t.Fatalf("expected recreation, created=%d", p.created)
	}
}

func TestFinishAllTearsDownEverySession(t *testing.T) {
	p := &fakeProvider{}
	r := newTestRouter(t, testStreamingConfig(), p, true)

	r.Route("a", time.Now(), speechChunk())
	r.Route("b", time.Now(), speechChunk())
	r.FinishAll()

	if r.ActiveSessions() != 0 {
		t.Fatal("FinishAll must leave no sessions")
	}
	for id, s := range p.sessions {
		if !s.finished {
			t.Fatalf("session %q not finished", id)
		}
	}
}

func TestMockProviderEmitsTranscriptOnFinish(t *testing.T) {
	var gotSpeaker, gotText string
	p := NewMockProvider()
	sess, err := p.NewSession(SessionConfig{SpeakerID: "s1", SampleRate: 16000},
		func(speakerID, text string, _, _ int64) {
			gotSpeaker, gotText = speakerID, text
		})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := sess.Send(make([]byte, 3200)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := sess.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if gotSpeaker != "s1" || gotText == "" {
		t.Fatalf("expected transcript for s1, got %q %q", gotSpeaker, gotText)
	}
	if err := sess.Send(make([]byte, 10)); err == nil {
		t.Fatal("send after finish must error")
	}
}
