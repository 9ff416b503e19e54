package notes

import (
	"errors"
	"fmt"
	"slices"

	badger "github.com/dgraph-io/badger/v4"

	"voicenotes/log"
)

var collectionKey = []byte("voicenotes")

type BadgerOptions struct {
	// Dir is the directory for the database files. Required unless InMemory.
	Dir string

	// InMemory keeps everything in memory, for tests.
	InMemory bool
}

// BadgerStore keeps the whole collection as one JSON value in BadgerDB.
type BadgerStore struct {
	*collection
	db *badger.DB
}

func NewBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, fmt.Errorf("%w: badger directory is required", ErrPersistence)
	}
	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	dbOpts = dbOpts.WithLogger(badgerLogger{})
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("%w: opening badger: %v", ErrPersistence, err)
	}
	return &BadgerStore{collection: &collection{b: &badgerBlob{db: db, dir: opts.Dir}}, db: db}, nil
}

type badgerBlob struct {
	db  *badger.DB
	dir string
}

func (b *badgerBlob) String() string {
	if b.dir == "" {
		return "badger (in memory)"
	}
	return "badger " + b.dir
}

func (b *badgerBlob) read() ([]byte, bool, error) {
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(collectionKey)
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (b *badgerBlob) write(data []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(collectionKey, data)
	})
}

func (b *badgerBlob) quarantine() (string, error) {
	dst := append(slices.Clone(collectionKey), corruptSuffix...)
	err := b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(collectionKey)
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := txn.Set(dst, val); err != nil {
			return err
		}
		return txn.Delete(collectionKey)
	})
	return fmt.Sprintf("key %q", dst), err
}

func (b *badgerBlob) close() error {
	return b.db.Close()
}

// badgerLogger routes badger's chatter into the diagnostics log.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...any)   { log.Errorf("badger: "+format, args...) }
func (badgerLogger) Warningf(format string, args ...any) { log.Warnf("badger: "+format, args...) }
func (badgerLogger) Infof(format string, args ...any)    { log.Debugf("badger: "+format, args...) }
func (badgerLogger) Debugf(format string, args ...any)   { log.Debugf("badger: "+format, args...) }
