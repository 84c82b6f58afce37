package localstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Well-known keys. Each key maps to one JSON document on disk.
const (
	KeyCart           = "cart"
	KeyToken          = "token"
	KeyUser           = "user"
	KeyPendingPayment = "pending_payment"
	KeyPendingOrder   = "pending_order"
)

const fileExt = ".json"

// selfWriteWindow is how long after one of our own saves a watcher event for
// the same key is treated as an echo rather than an external modification.
const selfWriteWindow = 500 * time.Millisecond

// Event describes a storage change. External is true when the change was made
// by another process and observed through the filesystem watcher.
type Event struct {
	Key      string
	External bool
}

// Subscriber receives storage change events. In-process events are delivered
// synchronously from Save/Delete; external events arrive from the watcher
// goroutine.
type Subscriber func(Event)

// Options configures Open.
type Options struct {
	Logger        *zap.Logger
	WatchExternal bool
}

// Store is a durable key/value store for the client's local state. Values are
// whole JSON documents; writes replace the document atomically.
type Store struct {
	dir    string
	logger *zap.Logger

	mu         sync.Mutex
	subs       map[int]Subscriber
	nextSub    int
	lastWrites map[string]time.Time
	closed     bool

	watcher *watcher
}

// Open prepares the storage directory and, when requested, starts the
// external-change watcher.
func Open(dir string, opts Options) (*Store, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, errors.New("localstore: directory is required")
	}
	if err := os.MkdirAll(trimmed, 0o700); err != nil {
		return nil, fmt.Errorf("localstore: create %s: %w", trimmed, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{
		dir:        trimmed,
		logger:     logger,
		subs:       make(map[int]Subscriber),
		lastWrites: make(map[string]time.Time),
	}

	if opts.WatchExternal {
		w, err := newWatcher(trimmed, logger, s.handleExternal)
		if err != nil {
			// The store still works without cross-process notifications.
			logger.Warn("localstore: external watch unavailable", zap.Error(err))
		} else {
			s.watcher = w
		}
	}

	return s, nil
}

// Close stops the watcher. The store itself needs no teardown.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.watcher != nil {
		return s.watcher.close()
	}
	return nil
}

// Load reads the document stored under key into out. Missing files and
// unparseable content both report absence: corrupt local state is treated as
// "nothing stored", logged at most, and never surfaced as an error.
func (s *Store) Load(key string, out any) bool {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("localstore: read failed", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		s.logger.Warn("localstore: corrupt document ignored", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// Save serialises value and atomically replaces the document under key, then
// notifies in-process subscribers before returning.
func (s *Store) Save(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("localstore: encode %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeLocked(key, data); err != nil {
		return err
	}
	s.lastWrites[key] = time.Now()
	s.notifyLocked(Event{Key: key})
	return nil
}

// Delete removes the document under key. Deleting an absent key is a no-op;
// subscribers are notified either way so observers converge on absence.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("localstore: delete %s: %w", key, err)
	}
	s.lastWrites[key] = time.Now()
	s.notifyLocked(Event{Key: key})
	return nil
}

// Subscribe registers a change subscriber and returns its cancel function.
func (s *Store) Subscribe(fn Subscriber) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key+fileExt)
}

func (s *Store) writeLocked(key string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, ".tmp-"+key+"-*")
	if err != nil {
		return fmt.Errorf("localstore: temp file for %s: %w", key, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("localstore: write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("localstore: close %s: %w", key, err)
	}
	if err := os.Rename(tmpName, s.path(key)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("localstore: replace %s: %w", key, err)
	}
	return nil
}

func (s *Store) notifyLocked(ev Event) {
	for _, fn := range s.subs {
		fn(ev)
	}
}

// handleExternal fans a filesystem event for key into the subscriber stream
// unless it is an echo of our own recent write.
func (s *Store) handleExternal(key string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if last, ok := s.lastWrites[key]; ok && time.Since(last) < selfWriteWindow {
		s.mu.Unlock()
		return
	}
	s.notifyLocked(Event{Key: key, External: true})
	s.mu.Unlock()
}
