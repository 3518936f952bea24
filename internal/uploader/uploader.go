package uploader

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meetscribe/audiocore/internal/config"
)

// SuccessFunc is called with the utterance id and the name the blob was
// actually stored under, which may differ from the requested name.
type SuccessFunc func(utteranceID int64, storedName string)

// ErrorFunc is called for uploads that failed or timed out at shutdown.
type ErrorFunc func(utteranceID int64, err error)

type task struct {
	utteranceID int64
	filename    string
	data        []byte
}

type pending struct {
	filename   string
	done       chan struct{}
	storedName string
	err        error
}

// Uploader queues blob uploads onto a fixed worker pool. Completions are
// observed by polling ProcessUploads on the pipeline tick rather than
// blocking; only shutdown waits, and then with a bound.
type Uploader struct {
	store     BlobStore
	onSuccess SuccessFunc
	onError   ErrorFunc
	log       *slog.Logger

	tasks chan task
	wg    sync.WaitGroup

	mu       sync.Mutex
	inflight map[int64]*pending
	shutdown bool
}

func New(cfg config.UploaderConfig, store BlobStore, onSuccess SuccessFunc, onError ErrorFunc, log *slog.Logger) *Uploader {
	u := &Uploader{
		store:     store,
		onSuccess: onSuccess,
		onError:   onError,
		log:       log,
		tasks:     make(chan task, 256),
		inflight:  make(map[int64]*pending),
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		u.wg.Add(1)
		go u.worker()
	}
	return u
}

func (u *Uploader) worker() {
	defer u.wg.Done()
	for t := range u.tasks {
		storedName, err := u.store.Save(t.filename, t.data)

		u.mu.Lock()
		p, ok := u.inflight[t.utteranceID]
		u.mu.Unlock()
		if !ok {
			continue
		}
		p.storedName = storedName
		p.err = err
		close(p.done)
	}
}

// Upload queues one blob. Never blocks the caller unless the backlog channel
// is full, which indicates storage has stalled entirely.
func (u *Uploader) Upload(utteranceID int64, filename string, data []byte) {
	u.mu.Lock()
	if u.shutdown {
		u.mu.Unlock()
		u.log.Warn("upload after shutdown dropped", slog.Int64("utterance_id", utteranceID))
		return
	}
	u.inflight[utteranceID] = &pending{filename: filename, done: make(chan struct{})}
	n := len(u.inflight)
	u.mu.Unlock()

	u.tasks <- task{utteranceID: utteranceID, filename: filename, data: data}
	u.log.Info("upload queued",
		slog.Int64("utterance_id", utteranceID),
		slog.String("filename", filename),
		slog.Int("inflight", n))
}

// ProcessUploads collects finished uploads and fires their callbacks. Called
// on the pipeline tick from the control loop goroutine.
func (u *Uploader) ProcessUploads() {
	type result struct {
		id int64
		p  *pending
	}
	var completed []result

	u.mu.Lock()
	for id, p := range u.inflight {
		select {
		case <-p.done:
			completed = append(completed, result{id: id, p: p})
			delete(u.inflight, id)
		default:
		}
	}
	u.mu.Unlock()

	for _, r := range completed {
		if r.p.err != nil {
			u.log.Error("upload failed",
				slog.Int64("utterance_id", r.id),
				slog.String("filename", r.p.filename),
				slog.String("error", r.p.err.Error()))
			if u.onError != nil {
				u.onError(r.id, r.p.err)
			}
			continue
		}
		u.onSuccess(r.id, r.p.storedName)
	}
}

// Pending reports the number of uploads not yet collected.
func (u *Uploader) Pending() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.inflight)
}

// WaitForUploads polls until all pending uploads complete or the timeout
// passes. Uploads still unresolved at the deadline are reported as failures.
func (u *Uploader) WaitForUploads(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for {
		u.ProcessUploads()

		u.mu.Lock()
		n := len(u.inflight)
		u.mu.Unlock()
		if n == 0 {
			u.log.Info("all uploads completed")
			return
		}

		if time.Now().After(deadline) {
			u.log.Warn("upload wait timed out", slog.Int("still_pending", n))
			// Drop the stale entries so a completion landing after the
			// deadline cannot fire a success for an id already reported
			// as failed.
			u.mu.Lock()
			stale := make([]int64, 0, len(u.inflight))
			for id := range u.inflight {
				stale = append(stale, id)
				delete(u.inflight, id)
			}
			u.mu.Unlock()
			if u.onError != nil {
				for _, id := range stale {
					u.onError(id, fmt.Errorf("upload timed out at shutdown"))
				}
			}
			return
		}

		time.Sleep(100 * time.Millisecond)
	}
}

// Shutdown stops accepting uploads and waits for the workers to drain.
func (u *Uploader) Shutdown() {
	u.mu.Lock()
	if u.shutdown {
		u.mu.Unlock()
		return
	}
	u.shutdown = true
	u.mu.Unlock()

	close(u.tasks)
	u.wg.Wait()
}
