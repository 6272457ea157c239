package syncer

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/teacherly/plansync/internal/changequeue"
	"github.com/teacherly/plansync/internal/entity"
	"github.com/teacherly/plansync/internal/localstore"
)

// DraftWatcher watches the drafts directory for planning entities authored
// as JSON files. A settled draft is recorded on the change queue (CREATE
// when the data has no id, UPDATE otherwise), the file removed, and a sync
// of that entity type triggered.
type DraftWatcher struct {
	draftsDir string
	queue     *changequeue.Queue
	daemon    *Daemon
	logger    *log.Logger
	debounce  time.Duration

	watcher *fsnotify.Watcher

	pending   map[string]time.Time // path -> last event time
	pendingMu sync.Mutex

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDraftWatcher creates a DraftWatcher. Use Start to begin watching.
func NewDraftWatcher(draftsDir string, queue *changequeue.Queue, daemon *Daemon, debounce time.Duration, logger *log.Logger) (*DraftWatcher, error) {
	if draftsDir == "" {
		return nil, fmt.Errorf("draftsDir cannot be empty")
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[drafts] ", log.LstdFlags)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &DraftWatcher{
		draftsDir: draftsDir,
		queue:     queue,
		daemon:    daemon,
		logger:    logger,
		debounce:  debounce,
		watcher:   watcher,
		pending:   make(map[string]time.Time),
		done:      make(chan struct{}),
	}, nil
}

// Start ingests any drafts already on disk, then watches for new ones
// until the context is cancelled.
func (w *DraftWatcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.draftsDir, 0755); err != nil {
		return fmt.Errorf("failed to create drafts directory: %w", err)
	}
	if err := w.ingestExisting(ctx); err != nil {
		return err
	}
	if err := w.watcher.Add(w.draftsDir); err != nil {
		return fmt.Errorf("failed to watch drafts directory: %w", err)
	}
	w.logger.Printf("Watching: %s", w.draftsDir)

	w.wg.Add(2)
	go w.watchFileEvents(ctx)
	go w.processPending(ctx)
	return nil
}

// Stop closes the watcher and waits for the goroutines to exit. Safe to
// call regardless of whether the Start context was cancelled.
func (w *DraftWatcher) Stop() error {
	w.stopOnce.Do(func() { close(w.done) })
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

// ingestExisting records drafts written while nothing was watching.
func (w *DraftWatcher) ingestExisting(ctx context.Context) error {
	drafts, err := entity.ReadAllDraftFiles(w.draftsDir)
	if err != nil {
		return err
	}
	for _, d := range drafts {
		w.ingest(ctx, d)
	}
	return nil
}

func (w *DraftWatcher) watchFileEvents(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			// Only care about Create and Write on .json files. Removes are
			// our own cleanup after ingesting.
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			w.pendingMu.Lock()
			w.pending[event.Name] = time.Now()
			w.pendingMu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("Watcher error: %v", err)
		}
	}
}

// processPending ingests files whose events have settled.
func (w *DraftWatcher) processPending(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
			w.ingestSettled(ctx)
		}
	}
}

func (w *DraftWatcher) ingestSettled(ctx context.Context) {
	w.pendingMu.Lock()
	now := time.Now()
	var due []string
	for path, at := range w.pending {
		if now.Sub(at) < w.debounce {
			continue
		}
		due = append(due, path)
		delete(w.pending, path)
	}
	w.pendingMu.Unlock()

	for _, path := range due {
		d, err := entity.ReadDraftFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue // removed before settling
			}
			w.logger.Printf("Warning: skipping invalid draft %s: %v", filepath.Base(path), err)
			continue
		}
		w.ingest(ctx, d)
	}
}

// ingest records the draft on the change queue and removes the file.
func (w *DraftWatcher) ingest(ctx context.Context, d *entity.Draft) {
	kind := localstore.ChangeCreate
	entityID := d.EntityID()
	payload := d.Payload
	if entityID != "" && !entity.IsTempID(entityID) {
		kind = localstore.ChangeUpdate
	}
	if entityID == "" {
		entityID = entity.NewTempID()
		stamped, err := payload.WithID(entityID)
		if err != nil {
			w.logger.Printf("Warning: skipping draft %s: %v", filepath.Base(d.Path), err)
			return
		}
		payload = stamped
	}

	if _, err := w.queue.Record(ctx, kind, d.Payload.Type, entityID, payload); err != nil {
		w.logger.Printf("Warning: failed to queue draft %s: %v", filepath.Base(d.Path), err)
		return
	}
	w.logger.Printf("Queued %s %s from draft %s", kind, d.Payload.Type, filepath.Base(d.Path))

	if err := os.Remove(d.Path); err != nil && !os.IsNotExist(err) {
		w.logger.Printf("Warning: failed to remove ingested draft %s: %v", d.Path, err)
	}
	if w.daemon != nil {
		w.daemon.Trigger(d.Payload.Type)
	}
}
