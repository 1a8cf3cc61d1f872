// (c) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/Andy-commits-lgtm/mpc/tecdsa"
)

// Stored pool items are CBOR with canonical ordering so that a record
// re-encodes byte-identically across restarts.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{Sort: cbor.SortCanonical}.EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}.DecMode()
	if err != nil {
		panic(err)
	}
}

type tripleRecord struct {
	ID           uint64   `cbor:"1,keyasint"`
	ShareA       []byte   `cbor:"2,keyasint"`
	ShareB       []byte   `cbor:"3,keyasint"`
	ShareC       []byte   `cbor:"4,keyasint"`
	BigA         []byte   `cbor:"5,keyasint"`
	BigB         []byte   `cbor:"6,keyasint"`
	BigC         []byte   `cbor:"7,keyasint"`
	Participants []uint32 `cbor:"8,keyasint"`
	Threshold    int      `cbor:"9,keyasint"`
}

type presignatureRecord struct {
	ID           uint64   `cbor:"1,keyasint"`
	BigR         []byte   `cbor:"2,keyasint"`
	K            []byte   `cbor:"3,keyasint"`
	Sigma        []byte   `cbor:"4,keyasint"`
	Participants []uint32 `cbor:"5,keyasint"`
	Triple0      uint64   `cbor:"6,keyasint"`
	Triple1      uint64   `cbor:"7,keyasint"`
}

func packParticipants(participants []tecdsa.Participant) []uint32 {
	out := make([]uint32, 0, len(participants))
	for _, p := range participants {
		out = append(out, uint32(p))
	}
	return out
}

func unpackParticipants(raw []uint32) []tecdsa.Participant {
	out := make([]tecdsa.Participant, 0, len(raw))
	for _, p := range raw {
		out = append(out, tecdsa.Participant(p))
	}
	return out
}

func encodeTriple(t Triple) ([]byte, error) {
	rec := tripleRecord{
		ID:           t.ID,
		ShareA:       tecdsa.ScalarBytes(&t.Share.A),
		ShareB:       tecdsa.ScalarBytes(&t.Share.B),
		ShareC:       tecdsa.ScalarBytes(&t.Share.C),
		BigA:         tecdsa.PointBytes(t.Pub.BigA),
		BigB:         tecdsa.PointBytes(t.Pub.BigB),
		BigC:         tecdsa.PointBytes(t.Pub.BigC),
		Participants: packParticipants(t.Pub.Participants),
		Threshold:    t.Pub.Threshold,
	}
	data, err := encMode.Marshal(&rec)
	if err != nil {
		return nil, fmt.Errorf("protocol: encoding triple %d: %w", t.ID, err)
	}
	return data, nil
}

func decodeTriple(data []byte) (Triple, error) {
	var rec tripleRecord
	if err := decMode.Unmarshal(data, &rec); err != nil {
		return Triple{}, fmt.Errorf("protocol: decoding triple record: %w", err)
	}
	t := Triple{ID: rec.ID}
	var err error
	if t.Share.A, err = tecdsa.ParseScalar(rec.ShareA); err != nil {
		return Triple{}, err
	}
	if t.Share.B, err = tecdsa.ParseScalar(rec.ShareB); err != nil {
		return Triple{}, err
	}
	if t.Share.C, err = tecdsa.ParseScalar(rec.ShareC); err != nil {
		return Triple{}, err
	}
	if t.Pub.BigA, err = tecdsa.ParsePoint(rec.BigA); err != nil {
		return Triple{}, err
	}
	if t.Pub.BigB, err = tecdsa.ParsePoint(rec.BigB); err != nil {
		return Triple{}, err
	}
	if t.Pub.BigC, err = tecdsa.ParsePoint(rec.BigC); err != nil {
		return Triple{}, err
	}
	t.Pub.Participants = unpackParticipants(rec.Participants)
	t.Pub.Threshold = rec.Threshold
	return t, nil
}

func encodePresignature(p Presignature) ([]byte, error) {
	rec := presignatureRecord{
		ID:           p.ID,
		BigR:         tecdsa.PointBytes(p.Output.BigR),
		K:            tecdsa.ScalarBytes(&p.Output.K),
		Sigma:        tecdsa.ScalarBytes(&p.Output.Sigma),
		Participants: packParticipants(p.Participants),
		Triple0:      p.Triple0,
		Triple1:      p.Triple1,
	}
	data, err := encMode.Marshal(&rec)
	if err != nil {
		return nil, fmt.Errorf("protocol: encoding presignature %d: %w", p.ID, err)
	}
	return data, nil
}

func decodePresignature(data []byte) (Presignature, error) {
	var rec presignatureRecord
	if err := decMode.Unmarshal(data, &rec); err != nil {
		return Presignature{}, fmt.Errorf("protocol: decoding presignature record: %w", err)
	}
	p := Presignature{ID: rec.ID, Triple0: rec.Triple0, Triple1: rec.Triple1}
	var err error
	if p.Output.BigR, err = tecdsa.ParsePoint(rec.BigR); err != nil {
		return Presignature{}, err
	}
	if p.Output.K, err = tecdsa.ParseScalar(rec.K); err != nil {
		return Presignature{}, err
	}
	if p.Output.Sigma, err = tecdsa.ParseScalar(rec.Sigma); err != nil {
		return Presignature{}, err
	}
	p.Participants = unpackParticipants(rec.Participants)
	return p, nil
}
