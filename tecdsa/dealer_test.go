// (c) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package tecdsa

import (
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/require"
)

// runParties pokes every protocol and shuttles the resulting messages until
// all parties return an output.
func runParties(t *testing.T, parties map[Participant]Protocol) map[Participant]interface{} {
	t.Helper()

	outputs := make(map[Participant]interface{})
	for round := 0; round < 100; round++ {
		progress := false
		for me, proto := range parties {
			if _, done := outputs[me]; done {
				continue
			}
			for {
				action, err := proto.Poke()
				require.NoError(t, err)
				switch action.Type {
				case ActionWait:
				case ActionSendMany:
					progress = true
					for peer, other := range parties {
						if peer != me {
							other.Message(me, action.Data)
						}
					}
					continue
				case ActionSendPrivate:
					progress = true
					parties[action.To].Message(me, action.Data)
					continue
				case ActionReturn:
					progress = true
					outputs[me] = action.Output
				}
				break
			}
		}
		if len(outputs) == len(parties) {
			return outputs
		}
		if !progress {
			break
		}
	}
	t.Fatalf("protocol stalled with %d of %d outputs", len(outputs), len(parties))
	return nil
}

func TestTripleGenDealsConsistentShares(t *testing.T) {
	participants := []Participant{0, 1, 2}
	parties := make(map[Participant]Protocol)
	for _, me := range participants {
		proto, err := NewTripleGen(participants, me, 2)
		require.NoError(t, err)
		parties[me] = proto
	}

	outputs := runParties(t, parties)

	var sumA, sumB, sumC secp256k1.ModNScalar
	var pub *TriplePub
	for _, out := range outputs {
		triple, ok := out.(*TripleOutput)
		require.True(t, ok)
		sumA.Add(&triple.Share.A)
		sumB.Add(&triple.Share.B)
		sumC.Add(&triple.Share.C)
		if pub == nil {
			pub = &triple.Pub
		} else {
			require.True(t, pub.BigA.IsEqual(triple.Pub.BigA))
			require.True(t, pub.BigB.IsEqual(triple.Pub.BigB))
			require.True(t, pub.BigC.IsEqual(triple.Pub.BigC))
		}
		require.Equal(t, participants, triple.Pub.Participants)
		require.Equal(t, 2, triple.Pub.Threshold)
	}

	// The joint values must satisfy c = a*b and match the commitments.
	product := sumA
	product.Mul(&sumB)
	require.Equal(t, product.Bytes(), sumC.Bytes())
	require.True(t, Commit(&sumA).IsEqual(pub.BigA))
	require.True(t, Commit(&sumB).IsEqual(pub.BigB))
	require.True(t, Commit(&sumC).IsEqual(pub.BigC))
}

func TestPresignSharesMatchBigR(t *testing.T) {
	participants := []Participant{3, 7, 9}
	triple := func() *TripleOutput {
		return &TripleOutput{Pub: TriplePub{Participants: participants, Threshold: 2}}
	}
	parties := make(map[Participant]Protocol)
	for _, me := range participants {
		proto, err := NewPresign(participants, me, 2, triple(), triple())
		require.NoError(t, err)
		parties[me] = proto
	}

	outputs := runParties(t, parties)

	var sumK secp256k1.ModNScalar
	var bigR *secp256k1.PublicKey
	for _, out := range outputs {
		presig, ok := out.(*PresignOutput)
		require.True(t, ok)
		sumK.Add(&presig.K)
		if bigR == nil {
			bigR = presig.BigR
		} else {
			require.True(t, bigR.IsEqual(presig.BigR))
		}
	}
	require.True(t, Commit(&sumK).IsEqual(bigR))
}

func TestNewTripleGenValidation(t *testing.T) {
	tests := []struct {
		name         string
		participants []Participant
		me           Participant
		threshold    int
	}{
		{"empty set", nil, 0, 1},
		{"zero threshold", []Participant{0, 1}, 0, 0},
		{"threshold above set", []Participant{0, 1}, 0, 3},
		{"self not a member", []Participant{0, 1}, 2, 2},
		{"duplicate participant", []Participant{0, 1, 1}, 0, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTripleGen(tt.participants, tt.me, tt.threshold)
			require.Error(t, err)
		})
	}
}

func TestDealerIgnoresStrayMessages(t *testing.T) {
	participants := []Participant{0, 1}
	proto, err := NewTripleGen(participants, 1, 2)
	require.NoError(t, err)

	// Payloads not originated by the dealer must neither abort nor unblock
	// the protocol.
	proto.Message(1, []byte{payloadPublic, 0xff})
	proto.Message(5, []byte{payloadPrivate, 0xff})

	action, err := proto.Poke()
	require.NoError(t, err)
	require.Equal(t, ActionSendMany, action.Type)
	require.Equal(t, []byte{payloadJoin}, action.Data)

	action, err = proto.Poke()
	require.NoError(t, err)
	require.Equal(t, ActionWait, action.Type)
}
