package core

// bbolt-backed Store implementation. bbolt's single-writer/many-reader
// transaction model matches the store contract (an exclusive write
// transaction, readers in parallel) and its bucket-per-table layout
// maps one-to-one onto the named tables.

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var allTables = []string{
	TableFrontiers, TableAccountsV0, TableAccountsV1,
	TableSendBlocks, TableRecvBlocks, TableOpenBlocks, TableChangeBlocks,
	TableStateV0, TableStateV1,
	TablePendingV0, TablePendingV1,
	TableRepresent, TableUnchecked, TableVote, TableOnlineWeight,
	TableMeta, TablePeers,
}

type boltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a bbolt database at path and
// ensures every table in allTables exists as a bucket.
func NewBoltStore(path string) (Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store_bolt: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, t := range allTables {
			if _, err := tx.CreateBucketIfNotExists([]byte(t)); err != nil {
				return fmt.Errorf("store_bolt: create bucket %s: %w", t, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &boltStore{db: db}, nil
}

type boltTxn struct {
	tx       *bolt.Tx
	writable bool
}

func (t *boltTxn) Writable() bool { return t.writable }

func (t *boltTxn) bucket(table string) *bolt.Bucket {
	return t.tx.Bucket([]byte(table))
}

func (t *boltTxn) Get(table string, key []byte) ([]byte, bool, error) {
	b := t.bucket(table)
	if b == nil {
		return nil, false, fmt.Errorf("store_bolt: unknown table %s", table)
	}
	v := b.Get(key)
	if v == nil {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (t *boltTxn) Put(table string, key, value []byte) error {
	if !t.writable {
		return errReadOnly
	}
	b := t.bucket(table)
	if b == nil {
		return fmt.Errorf("store_bolt: unknown table %s", table)
	}
	return b.Put(key, value)
}

func (t *boltTxn) Delete(table string, key []byte) error {
	if !t.writable {
		return errReadOnly
	}
	b := t.bucket(table)
	if b == nil {
		return fmt.Errorf("store_bolt: unknown table %s", table)
	}
	return b.Delete(key)
}

func (t *boltTxn) Iterate(table string, prefix []byte, fn func(key, value []byte) bool) error {
	b := t.bucket(table)
	if b == nil {
		return fmt.Errorf("store_bolt: unknown table %s", table)
	}
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		if !fn(k, v) {
			break
		}
	}
	return nil
}

func hasPrefix(k, prefix []byte) bool {
	if len(prefix) == 0 {
		return true
	}
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

func (s *boltStore) View(fn func(Txn) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&boltTxn{tx: tx, writable: false})
	})
}

func (s *boltStore) Update(fn func(Txn) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTxn{tx: tx, writable: true})
	})
}

func (s *boltStore) Close() error { return s.db.Close() }
