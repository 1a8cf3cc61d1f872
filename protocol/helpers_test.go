// (c) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package protocol

import (
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/stretchr/testify/require"

	"github.com/Andy-commits-lgtm/mpc/storage"
	"github.com/Andy-commits-lgtm/mpc/tecdsa"
)

var testSnapshot = StateSnapshot{
	Epoch:        123,
	Threshold:    5,
	Participants: []tecdsa.Participant{0, 1, 2, 3, 4, 5},
}

// fakeProtocol replays a scripted action sequence and records every inbound
// message.
type fakeProtocol struct {
	actions  []tecdsa.Action
	err      error
	received []tecdsa.Participant
}

func (f *fakeProtocol) Poke() (tecdsa.Action, error) {
	if f.err != nil {
		return tecdsa.Action{}, f.err
	}
	if len(f.actions) == 0 {
		return tecdsa.Wait(), nil
	}
	a := f.actions[0]
	f.actions = f.actions[1:]
	return a, nil
}

func (f *fakeProtocol) Message(from tecdsa.Participant, data []byte) {
	f.received = append(f.received, from)
}

// waitingFactory hands out protocols that never progress.
func waitingFactory(participants []tecdsa.Participant, me tecdsa.Participant, threshold int) (tecdsa.Protocol, error) {
	return &fakeProtocol{}, nil
}

func waitingPresignFactory(participants []tecdsa.Participant, me tecdsa.Participant, threshold int, t0, t1 Triple) (tecdsa.Protocol, error) {
	return &fakeProtocol{}, nil
}

func scalarOf(v uint32) secp256k1.ModNScalar {
	var s secp256k1.ModNScalar
	s.SetInt(v)
	return s
}

func testTripleOutput() *tecdsa.TripleOutput {
	a, b, c := scalarOf(2), scalarOf(3), scalarOf(6)
	return &tecdsa.TripleOutput{
		Share: tecdsa.TripleShare{A: a, B: b, C: c},
		Pub: tecdsa.TriplePub{
			BigA:         tecdsa.Commit(&a),
			BigB:         tecdsa.Commit(&b),
			BigC:         tecdsa.Commit(&c),
			Participants: testSnapshot.Participants,
			Threshold:    testSnapshot.Threshold,
		},
	}
}

func testTriple(id TripleID) Triple {
	out := testTripleOutput()
	return Triple{ID: id, Share: out.Share, Pub: out.Pub}
}

func testPresignature(id PresignatureID) Presignature {
	k, sigma := scalarOf(7), scalarOf(11)
	return Presignature{
		ID:           id,
		Output:       tecdsa.PresignOutput{BigR: tecdsa.Commit(&k), K: k, Sigma: sigma},
		Participants: testSnapshot.Participants,
		Triple0:      1,
		Triple1:      2,
	}
}

func newTestTripleManager(t *testing.T, factory TripleFactory, target int) *TripleManager {
	t.Helper()
	store := storage.NewPoolStore(memorydb.New(), "node0.testnet", storage.KindTriple)
	m, err := NewTripleManager(store, factory, 0, testSnapshot, target)
	require.NoError(t, err)
	return m
}

func newTestManagers(t *testing.T, tripleFactory TripleFactory, presignFactory PresignFactory, tripleTarget, presigTarget int) (*TripleManager, *PresignatureManager) {
	t.Helper()
	db := memorydb.New()
	triples, err := NewTripleManager(
		storage.NewPoolStore(db, "node0.testnet", storage.KindTriple),
		tripleFactory, 0, testSnapshot, tripleTarget)
	require.NoError(t, err)
	presigs, err := NewPresignatureManager(
		storage.NewPoolStore(db, "node0.testnet", storage.KindPresignature),
		triples, presignFactory, 0, testSnapshot, presigTarget)
	require.NoError(t, err)
	return triples, presigs
}
