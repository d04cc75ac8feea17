package degradation

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/core"
	"github.com/mikesvoboda/nemotron-v3-home-security-intelligence-sub003/metrics"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// Key layout:
//
//	fq:meta:{name}          queue registration
//	fq:head:{name}          sequence of the oldest item
//	fq:tail:{name}          sequence the next item will get
//	fq:msg:{name}:{seq}     envelope, seq big-endian so keys sort in FIFO order
const (
	metaPrefix = "fq:meta:"
	headPrefix = "fq:head:"
	tailPrefix = "fq:tail:"
	msgPrefix  = "fq:msg:"
)

// StoreConfig configures the on-disk fallback store
type StoreConfig struct {
	// Dir holds the database files; ignored when InMemory is set
	Dir string
	// InMemory keeps everything in RAM, for tests
	InMemory bool
	// SyncWrites fsyncs every write
	SyncWrites bool
}

// envelope is the stored form of one fallback item
type envelope struct {
	Data       []byte    `msgpack:"data"`
	EnqueuedAt time.Time `msgpack:"enqueued_at"`
}

// Item is one buffered fallback entry. Raw is the payload exactly as it
// was encoded; Data is its decoded form.
type Item struct {
	Data       interface{} `json:"data" yaml:"data"`
	Raw        string      `json:"raw" yaml:"raw"`
	EnqueuedAt time.Time   `json:"enqueued_at" yaml:"enqueued_at"`
}

// FallbackStore is the local database holding every fallback queue
type FallbackStore struct {
	db     *badger.DB
	logger *zap.SugaredLogger

	// serializes sequence counter updates across queues
	mu sync.Mutex
}

// OpenFallbackStore opens (or creates) the fallback database
func OpenFallbackStore(cfg StoreConfig, logger *zap.SugaredLogger) (*FallbackStore, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if !cfg.InMemory && cfg.Dir == "" {
		return nil, errors.New("fallback directory is required")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
			return nil, fmt.Errorf("create fallback directory %s: %w", cfg.Dir, err)
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: logger.Named("badger")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open fallback store: %w", err)
	}
	return &FallbackStore{db: db, logger: logger}, nil
}

// Close flushes and closes the database
func (s *FallbackStore) Close() error {
	return s.db.Close()
}

// Queue returns a handle to the named queue bounded to maxSize items
func (s *FallbackStore) Queue(name string, maxSize int) *FallbackQueue {
	if maxSize < 1 {
		maxSize = 1
	}
	return &FallbackQueue{store: s, name: name, maxSize: maxSize}
}

// Names lists every queue that has ever received an item
func (s *FallbackStore) Names() ([]string, error) {
	var names []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(metaPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			names = append(names, strings.TrimPrefix(string(it.Item().Key()), metaPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// FallbackQueue is a bounded FIFO persisted in the fallback store. When full,
// adding drops the oldest item.
type FallbackQueue struct {
	store   *FallbackStore
	name    string
	maxSize int
}

// Name returns the queue name
func (q *FallbackQueue) Name() string {
	return q.name
}

// Add appends item, returning how many old items were evicted to make room
func (q *FallbackQueue) Add(item interface{}) (int, error) {
	data, err := core.EncodePayload(item)
	if err != nil {
		return 0, err
	}
	raw, err := msgpack.Marshal(&envelope{Data: []byte(data), EnqueuedAt: time.Now().UTC()})
	if err != nil {
		return 0, fmt.Errorf("%w: fallback envelope: %v", core.ErrSerialization, err)
	}

	q.store.mu.Lock()
	defer q.store.mu.Unlock()

	evicted := 0
	err = q.store.db.Update(func(txn *badger.Txn) error {
		head, tail, err := q.bounds(txn)
		if err != nil {
			return err
		}

		if err := txn.Set(q.msgKey(tail), raw); err != nil {
			return err
		}
		tail++

		for tail-head > uint64(q.maxSize) {
			if err := txn.Delete(q.msgKey(head)); err != nil {
				return err
			}
			head++
			evicted++
		}

		if err := txn.Set([]byte(metaPrefix+q.name), nil); err != nil {
			return err
		}
		return q.setBounds(txn, head, tail)
	})
	if err != nil {
		return 0, fmt.Errorf("fallback add to %s: %w", q.name, err)
	}

	metrics.FallbackQueuedTotal.WithLabelValues(q.name, "disk").Inc()
	if evicted > 0 {
		metrics.FallbackEvictedTotal.WithLabelValues(q.name, "disk").Add(float64(evicted))
		q.store.logger.Warnw("Fallback queue full, evicted oldest items",
			"queue", q.name,
			"evicted", evicted,
			"max_size", q.maxSize)
	}
	return evicted, nil
}

// Get removes and returns the oldest item
func (q *FallbackQueue) Get() (Item, bool, error) {
	q.store.mu.Lock()
	defer q.store.mu.Unlock()

	var (
		item  Item
		found bool
	)
	err := q.store.db.Update(func(txn *badger.Txn) error {
		head, tail, err := q.bounds(txn)
		if err != nil || head >= tail {
			return err
		}

		item, err = q.read(txn, head)
		if err != nil {
			return err
		}
		found = true

		if err := txn.Delete(q.msgKey(head)); err != nil {
			return err
		}
		return q.setBounds(txn, head+1, tail)
	})
	if err != nil {
		return Item{}, false, fmt.Errorf("fallback get from %s: %w", q.name, err)
	}
	return item, found, nil
}

// Peek returns up to limit of the oldest items without removing them
func (q *FallbackQueue) Peek(limit int) ([]Item, error) {
	if limit <= 0 {
		return nil, nil
	}

	var items []Item
	err := q.store.db.View(func(txn *badger.Txn) error {
		head, tail, err := q.bounds(txn)
		if err != nil {
			return err
		}
		for seq := head; seq < tail && len(items) < limit; seq++ {
			item, err := q.read(txn, seq)
			if err != nil {
				return err
			}
			items = append(items, item)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fallback peek %s: %w", q.name, err)
	}
	return items, nil
}

// Count returns the number of buffered items
func (q *FallbackQueue) Count() (int, error) {
	var count int
	err := q.store.db.View(func(txn *badger.Txn) error {
		head, tail, err := q.bounds(txn)
		if err != nil {
			return err
		}
		count = int(tail - head)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("fallback count %s: %w", q.name, err)
	}
	return count, nil
}

func (q *FallbackQueue) bounds(txn *badger.Txn) (head, tail uint64, err error) {
	if head, err = readCounter(txn, []byte(headPrefix+q.name)); err != nil {
		return 0, 0, err
	}
	if tail, err = readCounter(txn, []byte(tailPrefix+q.name)); err != nil {
		return 0, 0, err
	}
	return head, tail, nil
}

func (q *FallbackQueue) setBounds(txn *badger.Txn, head, tail uint64) error {
	if err := txn.Set([]byte(headPrefix+q.name), uint64ToBytes(head)); err != nil {
		return err
	}
	return txn.Set([]byte(tailPrefix+q.name), uint64ToBytes(tail))
}

func (q *FallbackQueue) read(txn *badger.Txn, seq uint64) (Item, error) {
	it, err := txn.Get(q.msgKey(seq))
	if err != nil {
		return Item{}, err
	}

	var env envelope
	if err := it.Value(func(val []byte) error {
		return msgpack.Unmarshal(val, &env)
	}); err != nil {
		return Item{}, fmt.Errorf("%w: fallback envelope: %v", core.ErrSerialization, err)
	}

	data, err := core.DecodePayload(string(env.Data))
	if err != nil {
		metrics.PayloadDecodeFallbacksTotal.Inc()
	}
	return Item{Data: data, Raw: string(env.Data), EnqueuedAt: env.EnqueuedAt}, nil
}

// head returns the oldest item and its sequence number
func (q *FallbackQueue) head() (Item, uint64, bool, error) {
	var (
		item  Item
		seq   uint64
		found bool
	)
	err := q.store.db.View(func(txn *badger.Txn) error {
		head, tail, err := q.bounds(txn)
		if err != nil || head >= tail {
			return err
		}
		item, err = q.read(txn, head)
		if err != nil {
			return err
		}
		seq, found = head, true
		return nil
	})
	if err != nil {
		return Item{}, 0, false, fmt.Errorf("fallback head of %s: %w", q.name, err)
	}
	return item, seq, found, nil
}

// removeHead deletes the oldest item if it still has sequence seq. It
// reports false when the item was evicted in the meantime.
func (q *FallbackQueue) removeHead(seq uint64) (bool, error) {
	q.store.mu.Lock()
	defer q.store.mu.Unlock()

	removed := false
	err := q.store.db.Update(func(txn *badger.Txn) error {
		head, tail, err := q.bounds(txn)
		if err != nil || head != seq || head >= tail {
			return err
		}
		if err := txn.Delete(q.msgKey(head)); err != nil {
			return err
		}
		removed = true
		return q.setBounds(txn, head+1, tail)
	})
	if err != nil {
		return false, fmt.Errorf("fallback remove from %s: %w", q.name, err)
	}
	return removed, nil
}

func (q *FallbackQueue) msgKey(seq uint64) []byte {
	key := make([]byte, 0, len(msgPrefix)+len(q.name)+9)
	key = append(key, msgPrefix...)
	key = append(key, q.name...)
	key = append(key, ':')
	return append(key, uint64ToBytes(seq)...)
}

func readCounter(txn *badger.Txn, key []byte) (uint64, error) {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, err
	}
	var v uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupt counter %s", key)
		}
		v = binary.BigEndian.Uint64(val)
		return nil
	})
	return v, err
}

func uint64ToBytes(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

// badgerLogger adapts zap to badger's Logger interface. Badger is chatty at
// info level, so info is logged at debug.
type badgerLogger struct {
	logger *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf(format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf(format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}
