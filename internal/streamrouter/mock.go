package streamrouter

import (
	"fmt"
	"sync"
)

// UnconfiguredProvider stands in for a provider that cannot be used, either
// unknown or missing credentials. Ready always fails, so the router drops
// chunks instead of opening sessions.
type UnconfiguredProvider struct {
	name   string
	reason string
}

func NewUnconfiguredProvider(name, reason string) *UnconfiguredProvider {
	return &UnconfiguredProvider{name: name, reason: reason}
}

func (p *UnconfiguredProvider) Name() string    { return p.name }
func (p *UnconfiguredProvider) Ready() error    { return fmt.Errorf("provider %s unavailable: %s", p.name, p.reason) }
func (p *UnconfiguredProvider) NativeVAD() bool { return false }

func (p *UnconfiguredProvider) NewSession(SessionConfig, TranscriptFunc) (Session, error) {
	return nil, fmt.Errorf("provider %s unavailable: %s", p.name, p.reason)
}

// MockProvider emits a synthetic transcript per session on Finish. It keeps
// local development and tests independent of any transcription service.
type MockProvider struct{}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (m *MockProvider) Name() string    { return "mock" }
func (m *MockProvider) Ready() error    { return nil }
func (m *MockProvider) NativeVAD() bool { return false }

func (m *MockProvider) NewSession(cfg SessionConfig, results TranscriptFunc) (Session, error) {
	return &mockSession{cfg: cfg, results: results}, nil
}

type mockSession struct {
	cfg     SessionConfig
	results TranscriptFunc

	mu       sync.Mutex
	bytes    int
	finished bool
}

func (s *mockSession) Send(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return fmt.Errorf("session finished")
	}
	s.bytes += len(pcm)
	return nil
}

func (s *mockSession) Finish() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return nil
	}
	s.finished = true
	durationMS := int64(s.bytes) / 2 * 1000 / int64(s.cfg.SampleRate)
	s.results(s.cfg.SpeakerID, fmt.Sprintf("[mock transcript bytes=%d]", s.bytes), 0, durationMS)
	return nil
}
