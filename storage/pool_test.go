// (c) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package storage

import (
	"testing"

	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/stretchr/testify/require"
)

const testEpoch = uint64(123)

func newTestPool(t *testing.T) *PoolStore {
	t.Helper()
	return NewPoolStore(memorydb.New(), "node0.testnet", KindTriple)
}

func mustLen(t *testing.T, s *PoolStore, epoch uint64) (int, int) {
	t.Helper()
	n, err := s.Len(epoch)
	require.NoError(t, err)
	mine, err := s.LenMine(epoch)
	require.NoError(t, err)
	return n, mine
}

func TestPoolStoreEmpty(t *testing.T) {
	s := newTestPool(t)

	n, mine := mustLen(t, s, testEpoch)
	require.Zero(t, n)
	require.Zero(t, mine)

	has, err := s.Contains(testEpoch, 42)
	require.NoError(t, err)
	require.False(t, has)

	_, ok, err := s.Take(testEpoch, 42)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPoolStoreInsertTake(t *testing.T) {
	s := newTestPool(t)

	require.NoError(t, s.Insert(testEpoch, 1, []byte("one"), false))
	require.NoError(t, s.Insert(testEpoch, 2, []byte("two"), true))

	has, err := s.Contains(testEpoch, 1)
	require.NoError(t, err)
	require.True(t, has)
	mine, err := s.ContainsMine(testEpoch, 1)
	require.NoError(t, err)
	require.False(t, mine)
	mine, err = s.ContainsMine(testEpoch, 2)
	require.NoError(t, err)
	require.True(t, mine)

	n, mineLen := mustLen(t, s, testEpoch)
	require.Equal(t, 2, n)
	require.Equal(t, 1, mineLen)

	value, ok, err := s.Take(testEpoch, 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("two"), value)

	// Take must clear both indexes.
	has, err = s.Contains(testEpoch, 2)
	require.NoError(t, err)
	require.False(t, has)
	mine, err = s.ContainsMine(testEpoch, 2)
	require.NoError(t, err)
	require.False(t, mine)

	n, mineLen = mustLen(t, s, testEpoch)
	require.Equal(t, 1, n)
	require.Zero(t, mineLen)
}

func TestPoolStoreInsertIdempotent(t *testing.T) {
	s := newTestPool(t)

	require.NoError(t, s.Insert(testEpoch, 7, []byte("first"), true))
	// The existing item wins, including its ownership tag.
	require.NoError(t, s.Insert(testEpoch, 7, []byte("second"), false))

	value, ok, err := s.Take(testEpoch, 7)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("first"), value)
}

func TestPoolStoreIterMineIDs(t *testing.T) {
	s := newTestPool(t)

	require.NoError(t, s.Insert(testEpoch, 30, []byte("c"), true))
	require.NoError(t, s.Insert(testEpoch, 10, []byte("a"), true))
	require.NoError(t, s.Insert(testEpoch, 20, []byte("b"), false))

	ids, err := s.IterMineIDs(testEpoch)
	require.NoError(t, err)
	require.Equal(t, []uint64{10, 30}, ids)

	all, err := s.IterIDs(testEpoch)
	require.NoError(t, err)
	require.Equal(t, []uint64{10, 20, 30}, all)
}

func TestPoolStoreInconsistentMineIndex(t *testing.T) {
	db := memorydb.New()
	s := NewPoolStore(db, "node0.testnet", KindTriple)

	require.NoError(t, s.Insert(testEpoch, 5, []byte("x"), true))
	// Corrupt the store: remove the main entry behind the store's back.
	require.NoError(t, db.Delete(s.itemKey(testEpoch, 5)))

	_, err := s.ContainsMine(testEpoch, 5)
	require.ErrorIs(t, err, ErrInconsistentStore)
	_, err = s.IterMineIDs(testEpoch)
	require.ErrorIs(t, err, ErrInconsistentStore)
}

func TestPoolStorePurgeEpoch(t *testing.T) {
	s := newTestPool(t)

	require.NoError(t, s.Insert(testEpoch, 1, []byte("old"), true))
	require.NoError(t, s.Insert(testEpoch, 2, []byte("old"), false))
	require.NoError(t, s.Insert(testEpoch+1, 3, []byte("new"), true))

	require.NoError(t, s.PurgeEpoch(testEpoch))

	n, mine := mustLen(t, s, testEpoch)
	require.Zero(t, n)
	require.Zero(t, mine)

	// The next epoch is untouched.
	n, mine = mustLen(t, s, testEpoch+1)
	require.Equal(t, 1, n)
	require.Equal(t, 1, mine)
}

func TestPoolStoreEpochsAreDisjoint(t *testing.T) {
	s := newTestPool(t)

	require.NoError(t, s.Insert(testEpoch, 9, []byte("old"), true))

	has, err := s.Contains(testEpoch+1, 9)
	require.NoError(t, err)
	require.False(t, has)
}

func TestPoolStoreKindsAreDisjoint(t *testing.T) {
	db := memorydb.New()
	triples := NewPoolStore(db, "node0.testnet", KindTriple)
	presigs := NewPoolStore(db, "node0.testnet", KindPresignature)

	require.NoError(t, triples.Insert(testEpoch, 9, []byte("t"), true))

	has, err := presigs.Contains(testEpoch, 9)
	require.NoError(t, err)
	require.False(t, has)
	n, mine := mustLen(t, presigs, testEpoch)
	require.Zero(t, n)
	require.Zero(t, mine)
}

// Draining one store into a fresh one preserves every observation: contains,
// contains-mine and both lengths.
func TestPoolStoreRoundTrip(t *testing.T) {
	src := newTestPool(t)
	items := map[uint64]struct {
		value []byte
		mine  bool
	}{
		1:  {[]byte("a"), true},
		2:  {[]byte("b"), false},
		17: {[]byte("c"), true},
		42: {[]byte("d"), false},
	}
	for id, item := range items {
		require.NoError(t, src.Insert(testEpoch, id, item.value, item.mine))
	}

	dst := NewPoolStore(memorydb.New(), "node0.testnet", KindTriple)
	ids, err := src.IterIDs(testEpoch)
	require.NoError(t, err)
	for _, id := range ids {
		mine, err := src.ContainsMine(testEpoch, id)
		require.NoError(t, err)
		value, ok, err := src.Take(testEpoch, id)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, dst.Insert(testEpoch, id, value, mine))
	}

	n, mine := mustLen(t, dst, testEpoch)
	require.Equal(t, len(items), n)
	require.Equal(t, 2, mine)
	for id, item := range items {
		has, err := dst.Contains(testEpoch, id)
		require.NoError(t, err)
		require.True(t, has)
		hasMine, err := dst.ContainsMine(testEpoch, id)
		require.NoError(t, err)
		require.Equal(t, item.mine, hasMine)
	}
	n, _ = mustLen(t, src, testEpoch)
	require.Zero(t, n)
}
