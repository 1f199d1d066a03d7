package core

// In-memory Store, used by tests and by genesis bootstrap before a data
// directory exists.

import (
	"bytes"
	"sort"
	"sync"
)

type memoryStore struct {
	mu     sync.RWMutex
	tables map[string]map[string][]byte
}

// NewMemoryStore returns a Store backed by in-process maps. Safe for
// concurrent use; every View/Update call takes the store-wide lock for
// its duration. Nothing is persisted, so it is for tests and bootstrap
// and is no substitute for store_bolt.go in production.
func NewMemoryStore() Store {
	return &memoryStore{tables: make(map[string]map[string][]byte)}
}

func (m *memoryStore) table(name string) map[string][]byte {
	t, ok := m.tables[name]
	if !ok {
		t = make(map[string][]byte)
		m.tables[name] = t
	}
	return t
}

type memoryTxn struct {
	s        *memoryStore
	writable bool
}

func (t *memoryTxn) Writable() bool { return t.writable }

func (t *memoryTxn) Get(table string, key []byte) ([]byte, bool, error) {
	v, ok := t.s.table(table)[string(key)]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (t *memoryTxn) Put(table string, key, value []byte) error {
	if !t.writable {
		return errReadOnly
	}
	v := make([]byte, len(value))
	copy(v, value)
	t.s.table(table)[string(key)] = v
	return nil
}

func (t *memoryTxn) Delete(table string, key []byte) error {
	if !t.writable {
		return errReadOnly
	}
	delete(t.s.table(table), string(key))
	return nil
}

func (t *memoryTxn) Iterate(table string, prefix []byte, fn func(key, value []byte) bool) error {
	tbl := t.s.table(table)
	keys := make([]string, 0, len(tbl))
	for k := range tbl {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !fn([]byte(k), tbl[k]) {
			break
		}
	}
	return nil
}

func (m *memoryStore) View(fn func(Txn) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&memoryTxn{s: m, writable: false})
}

func (m *memoryStore) Update(fn func(Txn) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&memoryTxn{s: m, writable: true})
}

func (m *memoryStore) Close() error { return nil }
