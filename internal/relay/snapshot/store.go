package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Options configure the store.
type Options struct {
	Logger *slog.Logger

	// Retention evicts sessions whose LastActivity is older than this
	// on load and during the periodic sweep. Zero means the default.
	Retention time.Duration

	// JetStream, when set, mirrors every snapshot to NATS so another
	// relay instance can hydrate from the stream.
	JetStream *JetStreamOptions
}

// DefaultRetention bounds abandoned pairings: the reference system let
// sessions live forever, this store evicts after 90 idle days.
const DefaultRetention = 90 * 24 * time.Hour

const sweepInterval = 24 * time.Hour

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// Store writes one zstd-compressed JSON file per session under its
// root directory. Saves and deletes are asynchronous: mutations are
// queued and applied by a single writer goroutine so message handling
// never waits on disk.
type Store struct {
	dir       string
	retention time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	versions map[string]uint64

	ops    chan storeOp
	done   chan struct{}
	closed sync.Once

	js *jetStreamMirror
}

type storeOp struct {
	session  *Session // nil means delete
	deviceID string
	version  uint64
}

// New creates the store, its writer goroutine, and the optional
// JetStream mirror.
func New(dir string, opts Options) (*Store, error) {
	if dir == "" {
		return nil, errors.New("snapshot: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: init %s: %w", dir, err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = discardLogger
	}
	retention := opts.Retention
	if retention == 0 {
		retention = DefaultRetention
	}
	st := &Store{
		dir:       dir,
		retention: retention,
		logger:    logger,
		versions:  make(map[string]uint64),
		ops:       make(chan storeOp, 256),
		done:      make(chan struct{}),
	}
	if opts.JetStream != nil {
		mirror, err := newJetStreamMirror(opts.JetStream, logger)
		if err != nil {
			return nil, err
		}
		st.js = mirror
	}
	go st.run()
	return st, nil
}

// Close stops the writer after draining queued operations.
func (s *Store) Close() {
	s.closed.Do(func() {
		close(s.ops)
		<-s.done
		if s.js != nil {
			s.js.Close()
		}
	})
}

// Load reads every snapshot on disk, hydrating from the JetStream
// mirror first when configured. Sessions idle past the retention
// window are evicted rather than returned.
func (s *Store) Load() ([]*Session, error) {
	if s.js != nil {
		if err := s.js.hydrate(s); err != nil {
			s.logger.Error("snapshot hydrate from jetstream", "err", err)
		}
	}
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-s.retention)
	out := make([]*Session, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json.zst") {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		sess, err := readSessionFile(path)
		if err != nil {
			s.logger.Warn("snapshot unreadable, skipping", "path", path, "err", err)
			continue
		}
		if sess.LastActivity.Before(cutoff) {
			s.logger.Info("snapshot expired, evicting",
				"desktop", sess.DesktopDeviceID,
				"lastActivity", sess.LastActivity)
			_ = os.Remove(path)
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

// SaveAsync queues a snapshot write. The caller's copy is cloned
// before the method returns, so the registry may keep mutating it.
func (s *Store) SaveAsync(sess *Session) {
	if sess == nil || sess.DesktopDeviceID == "" {
		return
	}
	s.enqueue(storeOp{
		session:  sess.Clone(),
		deviceID: sess.DesktopDeviceID,
		version:  s.bumpVersion(sess.DesktopDeviceID),
	})
}

// DeleteAsync queues removal of a session's snapshot.
func (s *Store) DeleteAsync(desktopDeviceID string) {
	if desktopDeviceID == "" {
		return
	}
	s.enqueue(storeOp{
		deviceID: desktopDeviceID,
		version:  s.bumpVersion(desktopDeviceID),
	})
}

func (s *Store) bumpVersion(deviceID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[deviceID]++
	return s.versions[deviceID]
}

func (s *Store) enqueue(op storeOp) {
	// Never block message handling on persistence. If the queue is
	// full the oldest pending write for some session is stale anyway;
	// drop this one and count on a later mutation to re-save.
	select {
	case s.ops <- op:
	default:
		s.logger.Warn("snapshot queue full, dropping write", "desktop", op.deviceID)
	}
}

func (s *Store) run() {
	defer close(s.done)
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()
	for {
		select {
		case op, ok := <-s.ops:
			if !ok {
				return
			}
			s.apply(op)
		case <-sweep.C:
			s.sweepExpired()
		}
	}
}

func (s *Store) apply(op storeOp) {
	path := s.pathFor(op.deviceID)
	if op.session == nil {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Error("snapshot delete", "desktop", op.deviceID, "err", err)
		}
	} else if err := writeSessionFile(path, op.session); err != nil {
		s.logger.Error("snapshot write", "desktop", op.deviceID, "err", err)
	}
	if s.js != nil {
		if err := s.js.publish(op.deviceID, op.session, op.version); err != nil {
			s.logger.Error("snapshot mirror publish", "desktop", op.deviceID, "err", err)
		}
	}
}

func (s *Store) sweepExpired() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-s.retention)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json.zst") {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		sess, err := readSessionFile(path)
		if err != nil {
			continue
		}
		if sess.LastActivity.Before(cutoff) {
			s.logger.Info("snapshot expired, evicting", "desktop", sess.DesktopDeviceID)
			_ = os.Remove(path)
		}
	}
}

// applyMirrored writes a session replayed from the JetStream mirror
// directly to disk, bypassing the async queue (hydration runs before
// the registry starts handing out state).
func (s *Store) applyMirrored(deviceID string, sess *Session, version uint64) {
	s.mu.Lock()
	if version > s.versions[deviceID] {
		s.versions[deviceID] = version
	}
	s.mu.Unlock()
	path := s.pathFor(deviceID)
	if sess == nil {
		_ = os.Remove(path)
		return
	}
	if err := writeSessionFile(path, sess); err != nil {
		s.logger.Error("snapshot mirror apply", "desktop", deviceID, "err", err)
	}
}

func (s *Store) pathFor(deviceID string) string {
	return filepath.Join(s.dir, deviceID+".json.zst")
}

func writeSessionFile(path string, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return err
	}
	compressed := enc.EncodeAll(data, nil)
	_ = enc.Close()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, compressed, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readSessionFile(path string) (*Session, error) {
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	data, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, err
	}
	sess := &Session{}
	if err := json.Unmarshal(data, sess); err != nil {
		return nil, err
	}
	return sess, nil
}
