/*
	Key-addressed persistent store backing every registry in the system.

	All uniqueness checks (duplicate payment, duplicate gateway name, one-shot
	initialized-gateway consumption) must be atomic check-and-set operations,
	never read-then-write sequences, because independent requests execute
	concurrently against the shared registries. Each mutation here runs inside
	a single badger transaction and retries on write conflict, so exactly one
	of two racing CreateExclusive calls can win.
*/

package store

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v3"
)

type Config struct {
	Logger    *slog.Logger
	Directory string
	// Badger log verbosity; everything at or above this level is forwarded
	// to the slog logger.
	BadgerLogLevel slog.Level
}

type Store interface {
	// Get returns the value at key or ErrKeyNotFound.
	Get(key string) (string, error)

	// Set writes the value unconditionally.
	Set(key string, value string) error

	// CreateExclusive writes the value only if the key does not exist yet.
	// Returns ErrKeyExists otherwise. This is the atomic check-and-insert
	// every at-most-once invariant relies on.
	CreateExclusive(key string, value string) error

	// Update overwrites an existing key, ErrKeyNotFound if absent.
	Update(key string, value string) error

	// Mutate reads the value at key, applies fn and writes the result, all
	// inside one transaction. Concurrent mutations of the same key serialize
	// through the conflict retry, so none of them is lost. fn may therefore
	// run more than once and must be side-effect free. ErrKeyNotFound if the
	// key is absent.
	Mutate(key string, fn func(current string) (string, error)) error

	// Delete removes the key and returns the removed value, ErrKeyNotFound
	// if absent. Returning the value makes consume-style operations (take
	// the initialized gateway record, take the pending update batch) a
	// single atomic step.
	Delete(key string) (string, error)

	// Exists reports whether the key is present.
	Exists(key string) (bool, error)

	// IterateKeys returns up to limit keys with the given prefix, skipping
	// offset entries. limit <= 0 means no limit.
	IterateKeys(prefix string, offset int, limit int) ([]string, error)

	// QueueAppend appends an item to the FIFO queue at key, creating the
	// queue if needed, and returns the new length.
	QueueAppend(key string, item string) (int, error)

	// QueueDrain atomically returns the queue contents and clears them. An
	// empty or missing queue drains to nil without error.
	QueueDrain(key string) ([]string, error)

	Close() error
}

type db struct {
	logger *slog.Logger
	store  *badger.DB
}

var _ Store = &db{}

func New(cfg Config) (Store, error) {
	dir := filepath.Join(cfg.Directory, "values")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &ErrInternal{Err: err}
	}

	badgerLevel := badger.INFO
	switch cfg.BadgerLogLevel {
	case slog.LevelDebug:
		badgerLevel = badger.DEBUG
	case slog.LevelWarn:
		badgerLevel = badger.WARNING
	case slog.LevelError:
		badgerLevel = badger.ERROR
	}

	opts := badger.DefaultOptions(dir).
		WithLogger(newLogger(cfg.Logger.WithGroup("badger"))).
		WithLoggingLevel(badgerLevel).
		WithMemTableSize(16 << 20)

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, &ErrInternal{Err: err}
	}

	return &db{
		logger: cfg.Logger.WithGroup("store"),
		store:  bdb,
	}, nil
}

func (d *db) Close() error {
	if err := d.store.Close(); err != nil {
		d.logger.Error("error closing store db", "error", err)
		return &ErrInternal{Err: err}
	}
	return nil
}

// update runs fn inside a write transaction, retrying on badger conflicts so
// callers see check-and-set semantics rather than spurious failures.
func (d *db) update(fn func(txn *badger.Txn) error) error {
	for {
		err := d.store.Update(fn)
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return err
	}
}

func (d *db) Get(key string) (string, error) {
	var value []byte
	err := d.store.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return &ErrKeyNotFound{Key: key}
			}
			return &ErrInternal{Err: err}
		}
		value, err = item.ValueCopy(nil)
		if err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return string(value), nil
}

func (d *db) Set(key string, value string) error {
	return d.update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(key), []byte(value)); err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
}

func (d *db) CreateExclusive(key string, value string) error {
	return d.update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if err == nil {
			return &ErrKeyExists{Key: key}
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return &ErrInternal{Err: err}
		}
		if err := txn.Set([]byte(key), []byte(value)); err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
}

func (d *db) Update(key string, value string) error {
	return d.update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(key)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return &ErrKeyNotFound{Key: key}
			}
			return &ErrInternal{Err: err}
		}
		if err := txn.Set([]byte(key), []byte(value)); err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
}

func (d *db) Mutate(key string, fn func(current string) (string, error)) error {
	return d.update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return &ErrKeyNotFound{Key: key}
			}
			return &ErrInternal{Err: err}
		}
		current, err := item.ValueCopy(nil)
		if err != nil {
			return &ErrInternal{Err: err}
		}
		next, err := fn(string(current))
		if err != nil {
			return err
		}
		if err := txn.Set([]byte(key), []byte(next)); err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
}

func (d *db) Delete(key string) (string, error) {
	var value []byte
	err := d.update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return &ErrKeyNotFound{Key: key}
			}
			return &ErrInternal{Err: err}
		}
		value, err = item.ValueCopy(nil)
		if err != nil {
			return &ErrInternal{Err: err}
		}
		if err := txn.Delete([]byte(key)); err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return string(value), nil
}

func (d *db) Exists(key string) (bool, error) {
	err := d.store.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		return err
	})
	if err == nil {
		return true, nil
	}
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return false, &ErrInternal{Err: err}
}

func (d *db) IterateKeys(prefix string, offset int, limit int) ([]string, error) {
	var keys []string
	err := d.store.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefixBytes := []byte(prefix)
		skipped := 0
		collected := 0

		for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
			if skipped < offset {
				skipped++
				continue
			}
			if limit > 0 && collected >= limit {
				break
			}
			keys = append(keys, string(it.Item().Key()))
			collected++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

/*
	Queues are stored as a JSON array under their key. Append and drain both
	run in one transaction, which gives the drain-once guarantee: of two
	concurrent drains, one gets the batch and the other gets nothing.
*/

func (d *db) QueueAppend(key string, item string) (int, error) {
	var newLen int
	err := d.update(func(txn *badger.Txn) error {
		var items []string
		existing, err := txn.Get([]byte(key))
		if err == nil {
			raw, err := existing.ValueCopy(nil)
			if err != nil {
				return &ErrInternal{Err: err}
			}
			if err := json.Unmarshal(raw, &items); err != nil {
				return &ErrInvalidState{Key: key, Reason: "queue payload is not a JSON array"}
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return &ErrInternal{Err: err}
		}

		items = append(items, item)
		encoded, err := json.Marshal(items)
		if err != nil {
			return &ErrInternal{Err: err}
		}
		if err := txn.Set([]byte(key), encoded); err != nil {
			return &ErrInternal{Err: err}
		}
		newLen = len(items)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newLen, nil
}

func (d *db) QueueDrain(key string) ([]string, error) {
	var items []string
	err := d.update(func(txn *badger.Txn) error {
		existing, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return &ErrInternal{Err: err}
		}
		raw, err := existing.ValueCopy(nil)
		if err != nil {
			return &ErrInternal{Err: err}
		}
		if err := json.Unmarshal(raw, &items); err != nil {
			return &ErrInvalidState{Key: key, Reason: "queue payload is not a JSON array"}
		}
		if err := txn.Delete([]byte(key)); err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}
