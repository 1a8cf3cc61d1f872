// (c) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/maps"

	"github.com/Andy-commits-lgtm/mpc/storage"
	"github.com/Andy-commits-lgtm/mpc/tecdsa"
)

func TestTripleManagerEmpty(t *testing.T) {
	m := newTestTripleManager(t, waitingFactory, 4)

	require.Zero(t, m.Len())
	require.Zero(t, m.LenMine())
	require.Zero(t, m.LenPotential())
	require.True(t, m.IsEmpty())
	require.Equal(t, uint64(123), m.Epoch())
}

func TestTripleManagerForeignInsertThenTakeTwo(t *testing.T) {
	m := newTestTripleManager(t, waitingFactory, 4)

	require.NoError(t, m.Insert(testTriple(1), false))
	require.NoError(t, m.Insert(testTriple(2), false))

	require.True(t, m.Contains(1))
	require.True(t, m.Contains(2))
	require.False(t, m.ContainsMine(1))
	require.Equal(t, 2, m.Len())
	require.Zero(t, m.LenMine())
	require.Equal(t, 2, m.LenPotential())

	t0, t1, ok, err := m.TakeTwo(1, 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, TripleID(1), t0.ID)
	require.Equal(t, TripleID(2), t1.ID)

	require.Zero(t, m.Len())
	require.Zero(t, m.LenPotential())
	require.False(t, m.Contains(1))
}

func TestTripleManagerMineInsertThenTakeTwoMine(t *testing.T) {
	m := newTestTripleManager(t, waitingFactory, 4)

	require.NoError(t, m.Insert(testTriple(3), true))
	require.NoError(t, m.Insert(testTriple(4), true))

	require.True(t, m.ContainsMine(3))
	require.True(t, m.ContainsMine(4))
	require.Equal(t, 2, m.LenMine())

	t0, t1, ok, err := m.TakeTwoMine()
	require.NoError(t, err)
	require.True(t, ok)
	// FIFO: oldest pair first.
	require.Equal(t, TripleID(3), t0.ID)
	require.Equal(t, TripleID(4), t1.ID)

	require.Zero(t, m.LenMine())
	require.Zero(t, m.Len())
}

func TestTripleManagerTakeMissing(t *testing.T) {
	m := newTestTripleManager(t, waitingFactory, 4)

	_, ok, err := m.Take(42)
	require.NoError(t, err)
	require.False(t, ok)
	require.Zero(t, m.Len())
	require.Zero(t, m.LenPotential())
}

func TestTripleManagerTakeTwoAllOrNothing(t *testing.T) {
	m := newTestTripleManager(t, waitingFactory, 4)
	require.NoError(t, m.Insert(testTriple(1), false))

	_, _, ok, err := m.TakeTwo(1, 2)
	require.NoError(t, err)
	require.False(t, ok)
	// Neither was consumed.
	require.Equal(t, 1, m.Len())
	require.True(t, m.Contains(1))

	// A duplicated id never yields the same triple twice.
	_, _, ok, err = m.TakeTwo(1, 1)
	require.NoError(t, err)
	require.False(t, ok)
	require.True(t, m.Contains(1))
}

func TestTripleManagerTakeTwoMineLostPair(t *testing.T) {
	m := newTestTripleManager(t, waitingFactory, 4)
	require.NoError(t, m.Insert(testTriple(5), true))
	require.NoError(t, m.Insert(testTriple(6), true))

	// Lose one of the pair behind the FIFO's back.
	_, ok, err := m.store.Take(m.Epoch(), 6)
	require.NoError(t, err)
	require.True(t, ok)
	m.completedLen--

	t0, t1, ok, err := m.TakeTwoMine()
	require.NoError(t, err)
	require.False(t, ok)
	require.Zero(t, t0.ID)
	require.Zero(t, t1.ID)
	// The popped ids are not requeued: the surviving half of a pair must
	// never seed another presignature.
	require.Zero(t, m.LenMine())
}

func TestTripleManagerGenerate(t *testing.T) {
	m := newTestTripleManager(t, waitingFactory, 2)

	require.NoError(t, m.Generate())
	require.NoError(t, m.Generate())
	require.Equal(t, 2, m.LenGenerating())
	require.Equal(t, 2, m.LenPotential())
	require.Zero(t, m.Len())

	// Completed plus in-flight already meet the target.
	require.ErrorIs(t, m.Generate(), ErrPoolAtCapacity)
}

func TestTripleManagerGenerateInitError(t *testing.T) {
	failing := func([]tecdsa.Participant, tecdsa.Participant, int) (tecdsa.Protocol, error) {
		return nil, errors.New("bad participant set")
	}
	m := newTestTripleManager(t, failing, 2)

	err := m.Generate()
	require.ErrorIs(t, err, ErrInitFailed)
	require.False(t, IsRetriable(err))
	require.Zero(t, m.LenGenerating())
}

func TestTripleManagerPokeCompletesMine(t *testing.T) {
	var proto *fakeProtocol
	factory := func([]tecdsa.Participant, tecdsa.Participant, int) (tecdsa.Protocol, error) {
		proto = &fakeProtocol{actions: []tecdsa.Action{
			tecdsa.SendMany([]byte("round1")),
			tecdsa.SendPrivate(3, []byte("round2")),
		}}
		return proto, nil
	}
	m := newTestTripleManager(t, factory, 4)
	require.NoError(t, m.Generate())

	outbound, err := m.Poke()
	require.NoError(t, err)
	// Broadcast reaches everyone but us, plus one private message.
	require.Len(t, outbound, len(testSnapshot.Participants)-1+1)
	for _, out := range outbound {
		msg := out.Msg.(*TripleMessage)
		require.Equal(t, uint64(123), msg.Epoch)
		require.Equal(t, tecdsa.Participant(0), msg.From)
		require.NotEqual(t, tecdsa.Participant(0), out.To)
	}
	require.Equal(t, 1, m.LenGenerating())

	// Completion persists the triple and feeds the mine FIFO.
	proto.actions = []tecdsa.Action{tecdsa.Return(testTripleOutput())}
	outbound, err = m.Poke()
	require.NoError(t, err)
	require.Empty(t, outbound)
	require.Zero(t, m.LenGenerating())
	require.Equal(t, 1, m.Len())
	require.Equal(t, 1, m.LenMine())
	require.Equal(t, 1, m.LenPotential())
}

func TestTripleManagerPokeFailureFreesID(t *testing.T) {
	boom := errors.New("protocol aborted")
	factory := func([]tecdsa.Participant, tecdsa.Participant, int) (tecdsa.Protocol, error) {
		return &fakeProtocol{err: boom}, nil
	}
	m := newTestTripleManager(t, factory, 4)
	require.NoError(t, m.Generate())

	_, err := m.Poke()
	require.ErrorIs(t, err, boom)
	// The generator is gone and nothing reached the pool.
	require.Zero(t, m.LenGenerating())
	require.Zero(t, m.Len())
}

func TestTripleManagerGetOrGenerate(t *testing.T) {
	m := newTestTripleManager(t, waitingFactory, 4)

	// Unknown id: a foreign generator is created.
	proto, err := m.GetOrGenerate(9)
	require.NoError(t, err)
	require.NotNil(t, proto)
	require.Equal(t, 1, m.LenGenerating())

	// Same id: the existing generator is returned, not a new one.
	again, err := m.GetOrGenerate(9)
	require.NoError(t, err)
	require.Same(t, proto, again)
	require.Equal(t, 1, m.LenGenerating())

	// Completed id: the message must be discarded.
	require.NoError(t, m.Insert(testTriple(7), false))
	proto, err = m.GetOrGenerate(7)
	require.NoError(t, err)
	require.Nil(t, proto)
}

func TestTripleManagerDeliver(t *testing.T) {
	m := newTestTripleManager(t, waitingFactory, 4)

	require.NoError(t, m.Deliver(11, 2, []byte("hello")))
	require.Equal(t, 1, m.LenGenerating())
	gen := m.generators[11]
	require.False(t, gen.mine)
	require.Equal(t, []tecdsa.Participant{2}, gen.protocol.(*fakeProtocol).received)
}

func TestTripleManagerSweepExpired(t *testing.T) {
	m := newTestTripleManager(t, waitingFactory, 4)
	require.NoError(t, m.Generate())
	require.NoError(t, m.Generate())
	m.generators[maps.Keys(m.generators)[0]].startedAt = time.Now().Add(-time.Hour)

	require.Equal(t, 1, m.SweepExpired(time.Minute))
	require.Equal(t, 1, m.LenGenerating())
}

func TestTripleManagerReshare(t *testing.T) {
	m := newTestTripleManager(t, waitingFactory, 4)
	require.NoError(t, m.Insert(testTriple(1), true))
	require.NoError(t, m.Insert(testTriple(2), false))
	require.NoError(t, m.Generate())

	next := StateSnapshot{Epoch: 124, Threshold: 2, Participants: []tecdsa.Participant{0, 1, 2}}
	require.NoError(t, m.Reshare(next))

	require.Equal(t, uint64(124), m.Epoch())
	require.Zero(t, m.Len())
	require.Zero(t, m.LenMine())
	require.Zero(t, m.LenGenerating())
	require.False(t, m.Contains(1))

	// Same-epoch snapshots are a no-op.
	require.NoError(t, m.Insert(testTriple(9), true))
	require.NoError(t, m.Reshare(next))
	require.Equal(t, 1, m.Len())
}

func TestTripleManagerRecoversFromStore(t *testing.T) {
	db := memorydb.New()
	store := storage.NewPoolStore(db, "node0.testnet", storage.KindTriple)
	m, err := NewTripleManager(store, waitingFactory, 0, testSnapshot, 8)
	require.NoError(t, err)
	require.NoError(t, m.Insert(testTriple(1), true))
	require.NoError(t, m.Insert(testTriple(2), true))
	require.NoError(t, m.Insert(testTriple(3), false))

	// A restart rebuilds the pool depth and the mine FIFO from storage.
	reopened, err := NewTripleManager(store, waitingFactory, 0, testSnapshot, 8)
	require.NoError(t, err)
	require.Equal(t, 3, reopened.Len())
	require.Equal(t, 2, reopened.LenMine())

	t0, t1, ok, err := reopened.TakeTwoMine()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, TripleID(1), t0.ID)
	require.Equal(t, TripleID(2), t1.ID)

	// The share survived the round trip.
	wantShare := testTriple(1)
	require.Equal(t, wantShare.Share.C.Bytes(), t0.Share.C.Bytes())
	require.True(t, testTriple(1).Pub.BigC.IsEqual(t0.Pub.BigC))
}
