// Package store persists market aggregates and their slab buffers in
// pebble. Reads hand out copies; an invocation stages every write in
// one batch and commits it only after the engine succeeded.
package store

import (
	"bytes"
	"encoding/gob"
	"errors"

	"github.com/cockroachdb/pebble"

	"tidebook/domain/market"
)

var ErrNotFound = errors.New("store: not found")

// Key prefixes. Buffer and aggregate keys carry the raw 32-byte id.
var (
	prefixBuffer = []byte("buf/")
	prefixMarket = []byte("mkt/")
	prefixState  = []byte("st/")
)

type Store struct {
	db *pebble.DB
}

func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying pebble handle for sibling stores sharing
// the commit batch (the event outbox).
func (s *Store) DB() *pebble.DB {
	return s.db
}

func keyFor(prefix []byte, id market.AccountID) []byte {
	k := make([]byte, 0, len(prefix)+len(id))
	k = append(k, prefix...)
	return append(k, id[:]...)
}

func (s *Store) get(prefix []byte, id market.AccountID) ([]byte, error) {
	val, closer, err := s.db.Get(keyFor(prefix, id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

// Buffer returns a private copy of a slab buffer.
func (s *Store) Buffer(id market.AccountID) ([]byte, error) {
	return s.get(prefixBuffer, id)
}

func (s *Store) Market(id market.AccountID) (*market.Market, error) {
	raw, err := s.get(prefixMarket, id)
	if err != nil {
		return nil, err
	}
	var m market.Market
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) State(id market.AccountID) (*market.State, error) {
	raw, err := s.get(prefixState, id)
	if err != nil {
		return nil, err
	}
	var st market.State
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Batch stages the writes of one invocation.
type Batch struct {
	b *pebble.Batch
}

func (s *Store) Batch() *Batch {
	return &Batch{b: s.db.NewBatch()}
}

func (b *Batch) SetBuffer(id market.AccountID, buf []byte) error {
	return b.b.Set(keyFor(prefixBuffer, id), buf, nil)
}

func (b *Batch) SetMarket(m *market.Market) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return err
	}
	return b.b.Set(keyFor(prefixMarket, m.ID), buf.Bytes(), nil)
}

func (b *Batch) SetState(id market.AccountID, st *market.State) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(st); err != nil {
		return err
	}
	return b.b.Set(keyFor(prefixState, id), buf.Bytes(), nil)
}

// Set stages a raw key, used by the outbox to ride the same commit.
func (b *Batch) Set(key, value []byte) error {
	return b.b.Set(key, value, nil)
}

func (b *Batch) Commit() error {
	return b.b.Commit(pebble.Sync)
}

// Discard drops the staged writes.
func (b *Batch) Discard() {
	_ = b.b.Close()
}
