// Package archive persists serialized cache payloads in a BadgerDB
// directory, keyed by source id.
package archive

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/linuxmatters/featuretrack/internal/logging"
)

// ErrNotFound is returned when no payload is stored for a source.
var ErrNotFound = errors.New("no archived cache")

const cachePrefix = "cache/"

// Archive stores one payload per source.
type Archive struct {
	db     *badger.DB
	logger logging.Logger
}

// Open opens or creates the archive in dir.
func Open(dir string, logger logging.Logger) (*Archive, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", dir, err)
	}
	return newArchive(db, logger), nil
}

// OpenInMemory opens an archive that is discarded on Close.
func OpenInMemory(logger logging.Logger) (*Archive, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory archive: %w", err)
	}
	return newArchive(db, logger), nil
}

func newArchive(db *badger.DB, logger logging.Logger) *Archive {
	return &Archive{
		db:     db,
		logger: logging.OrNoOp(logger).WithFields(logging.Fields{"component": "archive"}),
	}
}

func key(sourceID string) []byte {
	return []byte(cachePrefix + sourceID)
}

// Put stores payload for sourceID, replacing any previous one.
func (a *Archive) Put(sourceID string, payload []byte) error {
	if sourceID == "" {
		return errors.New("source id must not be empty")
	}
	err := a.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(sourceID), payload)
	})
	if err != nil {
		return fmt.Errorf("failed to archive %s: %w", sourceID, err)
	}
	a.logger.Debug("cache archived", logging.Fields{"source_id": sourceID, "bytes": len(payload)})
	return nil
}

// Get returns the payload for sourceID.
func (a *Archive) Get(sourceID string) ([]byte, error) {
	var payload []byte
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(sourceID))
		if err != nil {
			return err
		}
		payload, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w for %s", ErrNotFound, sourceID)
	}
	if err != nil {
		a.logger.Warn("archive read error", logging.Fields{"source_id": sourceID, "error": err.Error()})
		return nil, err
	}
	return payload, nil
}

// Delete removes the payload for sourceID. Deleting a missing source is
// not an error.
func (a *Archive) Delete(sourceID string) error {
	return a.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(sourceID))
	})
}

// Sources lists archived source ids, sorted.
func (a *Archive) Sources() ([]string, error) {
	var ids []string
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(cachePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, strings.TrimPrefix(string(it.Item().Key()), cachePrefix))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// Close flushes and closes the database.
func (a *Archive) Close() error {
	return a.db.Close()
}
