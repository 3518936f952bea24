// Package uploader persists finalized utterance audio to blob storage from a
// bounded worker pool so slow network I/O never blocks the audio tick.
package uploader

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// BlobStore is the storage backend for utterance audio. Save may alter the
// name to avoid collisions and returns the name actually stored under.
type BlobStore interface {
	Save(name string, data []byte) (string, error)
	Load(name string) ([]byte, error)
	Exists(name string) (bool, error)
	Delete(name string) error
}

// dedupeName appends a short random suffix before the extension.
func dedupeName(name string) string {
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	return fmt.Sprintf("%s_%s%s", base, uuid.NewString()[:8], ext)
}

// ObjectStoreBlobs stores blobs in a JetStream object store bucket, which
// rides on the embedded NATS server with no extra infrastructure.
type ObjectStoreBlobs struct {
	obs nats.ObjectStore
}

func NewObjectStoreBlobs(js nats.JetStreamContext, bucket string) (*ObjectStoreBlobs, error) {
	obs, err := js.ObjectStore(bucket)
	if err != nil {
		obs, err = js.CreateObjectStore(&nats.ObjectStoreConfig{
			Bucket:      bucket,
			Description: "utterance audio blobs",
		})
		if err != nil {
			return nil, fmt.Errorf("create object store bucket %q: %w", bucket, err)
		}
	}
	return &ObjectStoreBlobs{obs: obs}, nil
}

func (s *ObjectStoreBlobs) Save(name string, data []byte) (string, error) {
	if taken, _ := s.Exists(name); taken {
		name = dedupeName(name)
	}
	if _, err := s.obs.PutBytes(name, data); err != nil {
		return "", fmt.Errorf("put %q: %w", name, err)
	}
	return name, nil
}

func (s *ObjectStoreBlobs) Load(name string) ([]byte, error) {
	data, err := s.obs.GetBytes(name)
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", name, err)
	}
	return data, nil
}

func (s *ObjectStoreBlobs) Exists(name string) (bool, error) {
	_, err := s.obs.GetInfo(name)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, nats.ErrObjectNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("stat %q: %w", name, err)
	}
}

func (s *ObjectStoreBlobs) Delete(name string) error {
	return s.obs.Delete(name)
}

// MemoryBlobs is an in-memory BlobStore for tests and ephemeral runs.
type MemoryBlobs struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	saveErr error
}

func NewMemoryBlobs() *MemoryBlobs {
	return &MemoryBlobs{blobs: make(map[string][]byte)}
}

// FailSaves makes every subsequent Save return err. Test hook.
func (s *MemoryBlobs) FailSaves(err error) {
	s.mu.Lock()
	s.saveErr = err
	s.mu.Unlock()
}

func (s *MemoryBlobs) Save(name string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return "", s.saveErr
	}
	if _, exists := s.blobs[name]; exists {
		name = dedupeName(name)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.blobs[name] = cp
	return name, nil
}

func (s *MemoryBlobs) Load(name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[name]
	if !ok {
		return nil, fmt.Errorf("blob %q not found", name)
	}
	return data, nil
}

func (s *MemoryBlobs) Exists(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blobs[name]
	return ok, nil
}

func (s *MemoryBlobs) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, name)
	return nil
}

// Len reports the number of stored blobs.
func (s *MemoryBlobs) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}
