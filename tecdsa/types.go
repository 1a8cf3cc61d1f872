// (c) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package tecdsa

import (
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// TripleShare is this node's additive share of a Beaver triple: three scalars
// a, b, c with the joint values satisfying c = a*b.
type TripleShare struct {
	A secp256k1.ModNScalar
	B secp256k1.ModNScalar
	C secp256k1.ModNScalar
}

// TriplePub is the public side of a Beaver triple: the commitments
// A = a*G, B = b*G, C = c*G, the participant set that generated it and the
// threshold in effect at generation time. A triple is only usable among
// exactly this participant set.
type TriplePub struct {
	BigA *secp256k1.PublicKey
	BigB *secp256k1.PublicKey
	BigC *secp256k1.PublicKey

	Participants []Participant
	Threshold    int
}

// TripleOutput is the result of one triple generation protocol run.
type TripleOutput struct {
	Share TripleShare
	Pub   TriplePub
}

// PresignOutput is precomputed signing material: the group element R, this
// node's share k of the nonce, and this node's share sigma of the linearized
// secret. One presignature produces exactly one signature.
type PresignOutput struct {
	BigR  *secp256k1.PublicKey
	K     secp256k1.ModNScalar
	Sigma secp256k1.ModNScalar
}

var errPointEncoding = errors.New("tecdsa: malformed compressed point")

// ScalarBytes returns the canonical 32-byte big-endian encoding of s.
func ScalarBytes(s *secp256k1.ModNScalar) []byte {
	b := s.Bytes()
	return b[:]
}

// ParseScalar decodes a canonical 32-byte scalar. Values >= the group order
// are rejected rather than reduced so that re-encoding round-trips.
func ParseScalar(b []byte) (secp256k1.ModNScalar, error) {
	var s secp256k1.ModNScalar
	if len(b) != 32 {
		return s, errors.New("tecdsa: scalar must be 32 bytes")
	}
	var buf [32]byte
	copy(buf[:], b)
	if overflow := s.SetBytes(&buf); overflow != 0 {
		return s, errors.New("tecdsa: scalar out of range")
	}
	return s, nil
}

// PointBytes returns the 33-byte compressed encoding of p.
func PointBytes(p *secp256k1.PublicKey) []byte {
	return p.SerializeCompressed()
}

// ParsePoint decodes a 33-byte compressed curve point.
func ParsePoint(b []byte) (*secp256k1.PublicKey, error) {
	p, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return nil, errPointEncoding
	}
	return p, nil
}

// Commit returns s*G as an affine public key.
func Commit(s *secp256k1.ModNScalar) *secp256k1.PublicKey {
	var result secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(s, &result)
	result.ToAffine()
	return secp256k1.NewPublicKey(&result.X, &result.Y)
}
