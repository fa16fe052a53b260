// Package deadletter provides the durable store for messages that exhausted
// their delivery retries or were rejected by an open circuit breaker. Entries
// are self-contained records in a BadgerDB keyspace with no references to
// live pipeline state, so they remain inspectable and replayable after the
// process that wrote them is gone.
package deadletter

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/dskow/relay-core/internal/metrics"
)

// Entry is one permanently-failed message. Immutable once written.
type Entry struct {
	ID         uint64    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Channel    string    `json:"channel"`
	Payload    []byte    `json:"payload"`
	Error      string    `json:"error"`
	Kind       string    `json:"kind"`
	RetryCount int       `json:"retry_count"`
}

// ErrNotFound is returned by Get and Delete for unknown entry IDs.
var ErrNotFound = errors.New("dead letter entry not found")

// Entry keys are the prefix plus a big-endian sequence number, so Badger's
// lexicographic key order is insertion order and List is oldest-first.
var entryPrefix = []byte("dl:")

const seqKey = "dl_seq"

// Store is the append-only dead-letter store.
type Store struct {
	db     *badger.DB
	seq    *badger.Sequence
	logger *slog.Logger
}

// Open opens (creating if needed) the store at dir.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening dead letter store: %w", err)
	}

	seq, err := db.GetSequence([]byte(seqKey), 64)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("opening dead letter sequence: %w", err)
	}

	s := &Store{db: db, seq: seq, logger: logger}

	if n, err := s.CountPending(); err == nil {
		metrics.DeadLetterDepth.Set(float64(n))
	}

	return s, nil
}

// Close releases the sequence and closes the database.
func (s *Store) Close() error {
	if err := s.seq.Release(); err != nil {
		s.logger.Warn("releasing dead letter sequence", "error", err)
	}
	return s.db.Close()
}

// Enqueue writes one entry. It never surfaces an error to the delivery path:
// a storage failure here must not take down delivery of subsequent messages,
// so it is logged and swallowed.
func (s *Store) Enqueue(channel string, payload []byte, cause string, kind string, retryCount int) {
	id, err := s.seq.Next()
	if err != nil {
		s.logger.Error("dead letter sequence failed, entry dropped",
			"channel", channel, "error", err)
		return
	}

	entry := Entry{
		ID:         id,
		Timestamp:  time.Now().UTC(),
		Channel:    channel,
		Payload:    payload,
		Error:      cause,
		Kind:       kind,
		RetryCount: retryCount,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		s.logger.Error("dead letter encode failed, entry dropped",
			"channel", channel, "error", err)
		return
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(id), data)
	})
	if err != nil {
		s.logger.Error("dead letter write failed, entry dropped",
			"channel", channel, "id", id, "error", err)
		return
	}

	metrics.DeadLetterDepth.Inc()
	s.logger.Warn("message dead-lettered",
		"channel", channel,
		"id", id,
		"kind", kind,
		"retry_count", retryCount,
		"error", cause,
	)
}

// CountPending returns the number of stored entries.
func (s *Store) CountPending() (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = entryPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("counting dead letters: %w", err)
	}
	return count, nil
}

// List returns up to limit entries, oldest-first. limit <= 0 returns all.
func (s *Store) List(limit int) ([]Entry, error) {
	var entries []Entry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = entryPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if limit > 0 && len(entries) >= limit {
				break
			}
			var e Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing dead letters: %w", err)
	}
	return entries, nil
}

// Get returns the entry with the given ID, or ErrNotFound.
func (s *Store) Get(id uint64) (*Entry, error) {
	var e Entry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		})
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Delete removes one entry by ID. Returns ErrNotFound for unknown IDs.
func (s *Store) Delete(id uint64) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		key := entryKey(id)
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return txn.Delete(key)
	})
	if err != nil {
		return err
	}
	metrics.DeadLetterDepth.Dec()
	return nil
}

// Purge deletes entries older than maxAge and returns how many were removed.
func (s *Store) Purge(maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)

	var stale []uint64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = entryPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var e Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return err
			}
			if e.Timestamp.Before(cutoff) {
				stale = append(stale, e.ID)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scanning dead letters: %w", err)
	}

	removed := 0
	for _, id := range stale {
		if err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(entryKey(id))
		}); err != nil {
			s.logger.Warn("dead letter purge delete failed", "id", id, "error", err)
			continue
		}
		removed++
	}

	if removed > 0 {
		metrics.DeadLetterDepth.Sub(float64(removed))
	}
	return removed, nil
}

// RunJanitor sweeps expired entries every interval until ctx is done.
// Intended to run as a background goroutine from main.
func (s *Store) RunJanitor(done <-chan struct{}, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n, err := s.Purge(maxAge); err != nil {
				s.logger.Error("dead letter purge failed", "error", err)
			} else if n > 0 {
				s.logger.Info("purged expired dead letters", "count", n, "max_age", maxAge)
			}
		case <-done:
			return
		}
	}
}

func entryKey(id uint64) []byte {
	key := make([]byte, len(entryPrefix)+8)
	copy(key, entryPrefix)
	binary.BigEndian.PutUint64(key[len(entryPrefix):], id)
	return key
}
