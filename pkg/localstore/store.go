// Package localstore mirrors a replica into a local bbolt file so the
// document is available offline and replayed on the next start.
//
// Each document gets its own file under the configured directory. Entries
// are JSON encoded batches of operations keyed by a big endian sequence, so
// iteration order is append order.
package localstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	bolt "go.etcd.io/bbolt"

	"github.com/astromechza/docsync/pkg/replica"
)

// Origin tags operations replayed from disk.
const Origin = "localstore"

var (
	// ErrPersistenceDegraded means the durable backend could not be opened and
	// the store runs memory-only.
	ErrPersistenceDegraded = errors.New("local persistence unavailable, running memory-only")
	ErrClosed              = errors.New("local store closed")
)

var (
	opsBucket  = []byte("ops")
	metaBucket = []byte("meta")
	nameKey    = []byte("name")
)

type State int32

const (
	StatePending State = iota
	StateSynced
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSynced:
		return "synced"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type Options struct {
	// Dir holds one file per document. Empty means no durable backend.
	Dir  string
	Name string
	Doc  *replica.Document

	Logger *slog.Logger
	// CompactThreshold is the number of entries after which the log is
	// rewritten as a single entry holding the full history.
	CompactThreshold int
	// OpenTimeout bounds the wait for the file lock.
	OpenTimeout time.Duration
	// NewBackOff returns the retry policy for a failed append.
	NewBackOff func() backoff.BackOff
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.CompactThreshold <= 0 {
		o.CompactThreshold = 500
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = time.Second
	}
	if o.NewBackOff == nil {
		o.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			b.MaxElapsedTime = 30 * time.Second
			return b
		}
	}
}

type Store struct {
	opts     Options
	log      *slog.Logger
	db       *bolt.DB
	degraded bool

	state  atomic.Int32
	synced chan struct{}

	mu      sync.Mutex
	queue   []replica.Op
	err     error
	entries int

	wake        chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	unsubscribe func()
	closeOnce   sync.Once
}

// Path returns the file backing the named document under dir.
func Path(dir, name string) string {
	return filepath.Join(dir, url.PathEscape(name)+".db")
}

// Open acquires the durable log for one document and starts replaying it
// into the replica in the background. Synced is closed once the replay has
// finished. When the backend is unavailable the store degrades to memory-only
// and reports synced straight away.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Doc == nil {
		return nil, errors.New("local store requires a document")
	}
	if opts.Name == "" {
		return nil, errors.New("local store requires a document name")
	}
	opts.setDefaults()
	s := &Store{
		opts:   opts,
		log:    opts.Logger.With("document", opts.Name, "provider", Origin),
		synced: make(chan struct{}),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	db, err := s.openBackend()
	if err != nil {
		s.log.Warn("local persistence unavailable, continuing without it", "err", err)
		s.degraded = true
		s.err = fmt.Errorf("%w: %v", ErrPersistenceDegraded, err)
		s.state.Store(int32(StateSynced))
		close(s.synced)
		close(s.done)
		return s, nil
	}
	s.db = db
	s.unsubscribe = opts.Doc.Subscribe(s.observe)
	go s.run()
	return s, nil
}

func (s *Store) openBackend() (*bolt.DB, error) {
	if s.opts.Dir == "" {
		return nil, errors.New("no storage directory configured")
	}
	if err := os.MkdirAll(s.opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	path := Path(s.opts.Dir, s.opts.Name)
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: s.opts.OpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(opsBucket); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		return meta.Put(nameKey, []byte(s.opts.Name))
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialise %s: %w", path, err)
	}
	return db, nil
}

func (s *Store) observe(op replica.Op, origin string) {
	if origin == Origin {
		return
	}
	s.mu.Lock()
	if s.err != nil || State(s.state.Load()) == StateClosed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, op)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Store) run() {
	defer close(s.done)
	s.replay()
	for {
		select {
		case <-s.wake:
			s.flush(true)
		case <-s.ctx.Done():
			s.flush(false)
			return
		}
	}
}

func (s *Store) replay() {
	var batches [][]replica.Op
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(opsBucket).ForEach(func(k, v []byte) error {
			var batch []replica.Op
			if err := json.Unmarshal(v, &batch); err != nil {
				s.log.Warn("skipping unreadable log entry", "key", binary.BigEndian.Uint64(k), "err", err)
				return nil
			}
			batches = append(batches, batch)
			return nil
		})
	})
	if err != nil {
		s.log.Error("failed to read local log", "err", err)
	}

	applied := 0
	for _, batch := range batches {
		for _, op := range batch {
			ok, err := s.opts.Doc.ApplyRemoteOp(op, Origin)
			if err != nil {
				s.log.Warn("skipping invalid logged operation", "op", op.ID, "err", err)
				continue
			}
			if ok {
				applied++
			}
		}
	}
	s.mu.Lock()
	s.entries = len(batches)
	s.mu.Unlock()

	s.state.CompareAndSwap(int32(StatePending), int32(StateSynced))
	close(s.synced)
	s.log.Info("replayed local log", "entries", len(batches), "applied", applied)
}

// flush appends everything queued as one entry. With retry set, failures are
// retried until the backoff gives up or the store closes.
func (s *Store) flush(retry bool) {
	s.mu.Lock()
	batch := s.queue
	s.queue = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	write := func() error { return s.append(batch) }
	var err error
	if retry {
		err = backoff.RetryNotify(write, backoff.WithContext(s.opts.NewBackOff(), s.ctx), func(err error, next time.Duration) {
			s.log.Warn("append failed, retrying", "ops", len(batch), "in", next, "err", err)
		})
	} else {
		err = write()
	}
	if err == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if retry && s.ctx.Err() != nil {
		// closing: give the batch one more attempt in the final flush
		s.queue = append(batch, s.queue...)
		return
	}
	s.err = fmt.Errorf("failed to append to local log: %w", err)
	s.queue = nil
	s.state.Store(int32(StateFailed))
	s.log.Error("local log failed permanently", "err", err)
}

func (s *Store) append(batch []replica.Op) error {
	raw, err := json.Marshal(batch)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to encode batch: %w", err))
	}
	s.mu.Lock()
	entries := s.entries
	s.mu.Unlock()

	compact := entries+1 > s.opts.CompactThreshold
	var history []byte
	if compact {
		if h := s.opts.Doc.History(); len(h) > 0 {
			if history, err = json.Marshal(h); err != nil {
				return backoff.Permanent(fmt.Errorf("failed to encode history: %w", err))
			}
		} else {
			compact = false
		}
	}

	if err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(opsBucket)
		if compact {
			if err := tx.DeleteBucket(opsBucket); err != nil {
				return err
			}
			fresh, err := tx.CreateBucket(opsBucket)
			if err != nil {
				return err
			}
			b = fresh
			raw = history
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(key(seq), raw)
	}); err != nil {
		return err
	}

	s.mu.Lock()
	if compact {
		s.entries = 1
	} else {
		s.entries++
	}
	s.mu.Unlock()
	if compact {
		s.log.Info("compacted local log", "ops", len(s.opts.Doc.History()))
	}
	return nil
}

func key(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func (s *Store) Synced() <-chan struct{} { return s.synced }

func (s *Store) State() State { return State(s.state.Load()) }

// Degraded reports whether the store runs without a durable backend.
func (s *Store) Degraded() bool { return s.degraded }

// Err returns ErrPersistenceDegraded for a memory-only store, or the
// permanent append failure.
func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops observing the replica, flushes the queued tail once and
// releases the file. It is safe to call more than once.
func (s *Store) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		s.cancel()
		select {
		case <-s.done:
		case <-ctx.Done():
			err = fmt.Errorf("failed to flush local log: %w", ctx.Err())
		}
		s.state.Store(int32(StateClosed))
		if s.db != nil {
			if cerr := s.db.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("failed to close local log: %w", cerr)
			}
		}
		s.log.Info("closed local store")
	})
	return err
}

// ReadLog returns every logged operation of a store file in append order.
func ReadLog(path string) (string, []replica.Op, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{ReadOnly: true, Timeout: time.Second})
	if err != nil {
		return "", nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer db.Close()

	var name string
	var ops []replica.Op
	err = db.View(func(tx *bolt.Tx) error {
		if meta := tx.Bucket(metaBucket); meta != nil {
			name = string(meta.Get(nameKey))
		}
		b := tx.Bucket(opsBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var batch []replica.Op
			if err := json.Unmarshal(v, &batch); err != nil {
				return fmt.Errorf("failed to decode entry %d: %w", binary.BigEndian.Uint64(k), err)
			}
			ops = append(ops, batch...)
			return nil
		})
	})
	if err != nil {
		return "", nil, err
	}
	return name, ops, nil
}
