// (c) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package storage persists the precomputation pools. Items are opaque
// serialized blobs keyed by (node account, epoch, kind, id) with a parallel
// "mine" index for items this node initiated. Any ethdb key-value backend
// works: leveldb in the node, memorydb in tests.
package storage

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/ethdb"
)

// Kind tags which pool an item belongs to.
type Kind uint8

const (
	KindTriple Kind = iota
	KindPresignature
)

func (k Kind) String() string {
	switch k {
	case KindTriple:
		return "triple"
	case KindPresignature:
		return "presig"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ErrInconsistentStore reports disagreement between the main index and the
// mine index. This is a fatal condition: the pool contents can no longer be
// trusted and the owning manager must halt rather than risk reuse.
var ErrInconsistentStore = errors.New("storage: mine index does not match main index")

const minePrefix = "mine:"

// PoolStore is a durable pool of serialized items for one (account, kind)
// pair. All operations are atomic with respect to each other; readers observe
// either the pre- or post-state of any mutation.
type PoolStore struct {
	mu      sync.Mutex
	db      ethdb.KeyValueStore
	account string
	kind    Kind
}

// NewPoolStore opens the pool for account and kind over db. The db handle may
// be shared between stores.
func NewPoolStore(db ethdb.KeyValueStore, account string, kind Kind) *PoolStore {
	return &PoolStore{db: db, account: account, kind: kind}
}

// Keys are text so that operators can inspect the database directly:
// "<account>:<epoch>:<kind>:<id>" with fixed-width hex numerics, and the same
// under "mine:" for the secondary index. Fixed width keeps prefix iteration
// aligned with numeric order.
func (s *PoolStore) epochPrefix(epoch uint64) []byte {
	return []byte(fmt.Sprintf("%s:%016x:%s:", s.account, epoch, s.kind))
}

func (s *PoolStore) itemKey(epoch, id uint64) []byte {
	return append(s.epochPrefix(epoch), []byte(fmt.Sprintf("%016x", id))...)
}

func (s *PoolStore) mineKey(epoch, id uint64) []byte {
	return append([]byte(minePrefix), s.itemKey(epoch, id)...)
}

// Insert stores value under id. Inserting an id that is already present is a
// no-op: the existing item, and its existing ownership tag, win.
func (s *PoolStore) Insert(epoch, id uint64, value []byte, mine bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.itemKey(epoch, id)
	has, err := s.db.Has(key)
	if err != nil {
		return fmt.Errorf("storage: checking %s %d: %w", s.kind, id, err)
	}
	if has {
		return nil
	}
	batch := s.db.NewBatch()
	if err := batch.Put(key, value); err != nil {
		return fmt.Errorf("storage: staging %s %d: %w", s.kind, id, err)
	}
	if mine {
		if err := batch.Put(s.mineKey(epoch, id), []byte{1}); err != nil {
			return fmt.Errorf("storage: staging mine index for %s %d: %w", s.kind, id, err)
		}
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("storage: writing %s %d: %w", s.kind, id, err)
	}
	return nil
}

// Take atomically removes and returns the item stored under id. The second
// return is false when the id is absent.
func (s *PoolStore) Take(epoch, id uint64) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.itemKey(epoch, id)
	has, err := s.db.Has(key)
	if err != nil {
		return nil, false, fmt.Errorf("storage: checking %s %d: %w", s.kind, id, err)
	}
	if !has {
		return nil, false, nil
	}
	value, err := s.db.Get(key)
	if err != nil {
		return nil, false, fmt.Errorf("storage: reading %s %d: %w", s.kind, id, err)
	}
	batch := s.db.NewBatch()
	if err := batch.Delete(key); err != nil {
		return nil, false, fmt.Errorf("storage: deleting %s %d: %w", s.kind, id, err)
	}
	if err := batch.Delete(s.mineKey(epoch, id)); err != nil {
		return nil, false, fmt.Errorf("storage: deleting mine index for %s %d: %w", s.kind, id, err)
	}
	if err := batch.Write(); err != nil {
		return nil, false, fmt.Errorf("storage: committing take of %s %d: %w", s.kind, id, err)
	}
	return value, true, nil
}

// Contains reports whether id is present.
func (s *PoolStore) Contains(epoch, id uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	has, err := s.db.Has(s.itemKey(epoch, id))
	if err != nil {
		return false, fmt.Errorf("storage: checking %s %d: %w", s.kind, id, err)
	}
	return has, nil
}

// ContainsMine reports whether id is present and was initiated by this node.
func (s *PoolStore) ContainsMine(epoch, id uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mine, err := s.db.Has(s.mineKey(epoch, id))
	if err != nil {
		return false, fmt.Errorf("storage: checking mine index for %s %d: %w", s.kind, id, err)
	}
	if !mine {
		return false, nil
	}
	has, err := s.db.Has(s.itemKey(epoch, id))
	if err != nil {
		return false, fmt.Errorf("storage: checking %s %d: %w", s.kind, id, err)
	}
	if !has {
		return false, fmt.Errorf("%w: %s %d indexed as mine but absent", ErrInconsistentStore, s.kind, id)
	}
	return true, nil
}

// Len returns the number of items stored for epoch.
func (s *PoolStore) Len(epoch uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countPrefix(s.epochPrefix(epoch))
}

// LenMine returns the number of items stored for epoch that this node
// initiated.
func (s *PoolStore) LenMine(epoch uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countPrefix(append([]byte(minePrefix), s.epochPrefix(epoch)...))
}

func (s *PoolStore) countPrefix(prefix []byte) (int, error) {
	it := s.db.NewIterator(prefix, nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	if err := it.Error(); err != nil {
		return 0, fmt.Errorf("storage: iterating %s pool: %w", s.kind, err)
	}
	return n, nil
}

// IterMineIDs returns the ids of every mine-tagged item for epoch. Ordering
// follows key order (ascending id). Every returned id is verified against the
// main index; divergence surfaces as ErrInconsistentStore.
func (s *PoolStore) IterMineIDs(epoch uint64) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := append([]byte(minePrefix), s.epochPrefix(epoch)...)
	it := s.db.NewIterator(prefix, nil)
	defer it.Release()

	var ids []uint64
	for it.Next() {
		suffix := it.Key()[len(prefix):]
		id, err := strconv.ParseUint(string(suffix), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: unparseable mine key %q", ErrInconsistentStore, it.Key())
		}
		has, err := s.db.Has(s.itemKey(epoch, id))
		if err != nil {
			return nil, fmt.Errorf("storage: checking %s %d: %w", s.kind, id, err)
		}
		if !has {
			return nil, fmt.Errorf("%w: %s %d indexed as mine but absent", ErrInconsistentStore, s.kind, id)
		}
		ids = append(ids, id)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("storage: iterating mine index: %w", err)
	}
	return ids, nil
}

// IterIDs returns the ids of every item stored for epoch in ascending order.
func (s *PoolStore) IterIDs(epoch uint64) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := s.epochPrefix(epoch)
	it := s.db.NewIterator(prefix, nil)
	defer it.Release()

	var ids []uint64
	for it.Next() {
		id, err := strconv.ParseUint(string(it.Key()[len(prefix):]), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: unparseable key %q", ErrInconsistentStore, it.Key())
		}
		ids = append(ids, id)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("storage: iterating %s pool: %w", s.kind, err)
	}
	return ids, nil
}

// PurgeEpoch removes every item, and every mine index entry, tagged with
// epoch. Items from other epochs are untouched.
func (s *PoolStore) PurgeEpoch(epoch uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	for _, prefix := range [][]byte{
		s.epochPrefix(epoch),
		append([]byte(minePrefix), s.epochPrefix(epoch)...),
	} {
		it := s.db.NewIterator(prefix, nil)
		for it.Next() {
			key := make([]byte, len(it.Key()))
			copy(key, it.Key())
			if err := batch.Delete(key); err != nil {
				it.Release()
				return fmt.Errorf("storage: staging purge of epoch %d: %w", epoch, err)
			}
		}
		err := it.Error()
		it.Release()
		if err != nil {
			return fmt.Errorf("storage: iterating epoch %d: %w", epoch, err)
		}
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("storage: purging epoch %d: %w", epoch, err)
	}
	return nil
}
