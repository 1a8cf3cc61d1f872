// (c) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package tecdsa

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sort"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/fxamacker/cbor/v2"
)

// The dealer protocols below are development and test backends, in the same
// spirit as an in-tree dummy consensus engine: fully functional against the
// [Protocol] interface, interactive over real messages, but NOT secure. The
// lowest participant samples the joint secrets and deals additive shares to
// everyone else, so it sees the full triple. Production deployments plug a
// dealerless cait-sith-style implementation into the same interface.

const (
	payloadJoin    = 0x00
	payloadPublic  = 0x01
	payloadPrivate = 0x02
)

var errBadPayload = errors.New("tecdsa: malformed dealer payload")

type triplePubWire struct {
	BigA         []byte   `cbor:"1,keyasint"`
	BigB         []byte   `cbor:"2,keyasint"`
	BigC         []byte   `cbor:"3,keyasint"`
	Participants []uint32 `cbor:"4,keyasint"`
	Threshold    int      `cbor:"5,keyasint"`
}

type tripleShareWire struct {
	A []byte `cbor:"1,keyasint"`
	B []byte `cbor:"2,keyasint"`
	C []byte `cbor:"3,keyasint"`
}

type presignPubWire struct {
	BigR []byte `cbor:"1,keyasint"`
}

type presignShareWire struct {
	K     []byte `cbor:"1,keyasint"`
	Sigma []byte `cbor:"2,keyasint"`
}

// dealerBase holds the state shared by both dealer protocols: the ordered
// participant set, the queue of actions still to emit, and the inbound buffer.
type dealerBase struct {
	me           Participant
	dealer       Participant
	participants []Participant
	threshold    int

	started bool
	queue   []Action

	pub   []byte
	share []byte
}

func newDealerBase(participants []Participant, me Participant, threshold int) (*dealerBase, error) {
	if len(participants) == 0 {
		return nil, errors.New("tecdsa: empty participant set")
	}
	if threshold < 1 || threshold > len(participants) {
		return nil, fmt.Errorf("tecdsa: invalid threshold %d for %d participants", threshold, len(participants))
	}
	sorted := make([]Participant, len(participants))
	copy(sorted, participants)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for i := 1; i < len(sorted); i++ {
		if sorted[i] == sorted[i-1] {
			return nil, fmt.Errorf("tecdsa: duplicate participant %s", sorted[i])
		}
	}
	self := false
	for _, p := range sorted {
		self = self || p == me
	}
	if !self {
		return nil, fmt.Errorf("tecdsa: %s is not in the participant set", me)
	}
	return &dealerBase{
		me:           me,
		dealer:       sorted[0],
		participants: sorted,
		threshold:    threshold,
	}, nil
}

// Message buffers an inbound payload. Only the dealer's public and private
// payloads carry protocol data; join announcements and anything sent by other
// participants are kept out of the buffer, and a bad payload surfaces as a
// stall rather than an abort, since byzantine peers must not be able to kill
// the protocol with a stray payload.
func (d *dealerBase) Message(from Participant, data []byte) {
	if from != d.dealer || len(data) < 1 {
		return
	}
	switch data[0] {
	case payloadPublic:
		d.pub = data[1:]
	case payloadPrivate:
		d.share = data[1:]
	}
}

func (d *dealerBase) next() (Action, bool) {
	if len(d.queue) == 0 {
		return Action{}, false
	}
	a := d.queue[0]
	d.queue = d.queue[1:]
	return a, true
}

func tag(kind byte, payload []byte) []byte {
	return append([]byte{kind}, payload...)
}

// randScalar samples a uniformly random nonzero scalar.
func randScalar() (secp256k1.ModNScalar, error) {
	var s secp256k1.ModNScalar
	var buf [32]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return s, err
		}
		if overflow := s.SetBytes(&buf); overflow == 0 && !s.IsZero() {
			return s, nil
		}
	}
}

// deal splits secret into one additive share per participant.
func deal(secret *secp256k1.ModNScalar, n int) ([]secp256k1.ModNScalar, error) {
	shares := make([]secp256k1.ModNScalar, n)
	var sum secp256k1.ModNScalar
	for i := 0; i < n-1; i++ {
		s, err := randScalar()
		if err != nil {
			return nil, err
		}
		shares[i] = s
		sum.Add(&s)
	}
	last := *secret
	last.Add(sum.Negate())
	shares[n-1] = last
	return shares, nil
}

// TripleGen is the dealer-based Beaver triple generation protocol.
type TripleGen struct {
	*dealerBase
}

// NewTripleGen starts a dealer-based triple generation over participants.
func NewTripleGen(participants []Participant, me Participant, threshold int) (*TripleGen, error) {
	base, err := newDealerBase(participants, me, threshold)
	if err != nil {
		return nil, err
	}
	return &TripleGen{dealerBase: base}, nil
}

func (t *TripleGen) Poke() (Action, error) {
	if !t.started {
		t.started = true
		// Announce participation first: the instance may have been started by
		// a node other than the dealer, and the dealer only deals for runs it
		// has heard of.
		t.queue = append(t.queue, SendMany([]byte{payloadJoin}))
		if t.me == t.dealer {
			if err := t.start(); err != nil {
				return Action{}, err
			}
		}
	}
	if a, ok := t.next(); ok {
		return a, nil
	}
	if t.me != t.dealer && t.pub != nil && t.share != nil {
		out, err := t.assemble()
		if err != nil {
			return Action{}, err
		}
		return Return(out), nil
	}
	return Wait(), nil
}

func (t *TripleGen) start() error {
	a, err := randScalar()
	if err != nil {
		return err
	}
	b, err := randScalar()
	if err != nil {
		return err
	}
	c := a
	c.Mul(&b)

	pub := TriplePub{
		BigA:         Commit(&a),
		BigB:         Commit(&b),
		BigC:         Commit(&c),
		Participants: t.participants,
		Threshold:    t.threshold,
	}
	wire := triplePubWire{
		BigA:      PointBytes(pub.BigA),
		BigB:      PointBytes(pub.BigB),
		BigC:      PointBytes(pub.BigC),
		Threshold: t.threshold,
	}
	for _, p := range t.participants {
		wire.Participants = append(wire.Participants, uint32(p))
	}
	pubBytes, err := cbor.Marshal(&wire)
	if err != nil {
		return err
	}

	n := len(t.participants)
	sharesA, err := deal(&a, n)
	if err != nil {
		return err
	}
	sharesB, err := deal(&b, n)
	if err != nil {
		return err
	}
	sharesC, err := deal(&c, n)
	if err != nil {
		return err
	}

	t.queue = append(t.queue, SendMany(tag(payloadPublic, pubBytes)))
	var mine TripleShare
	for i, p := range t.participants {
		share := TripleShare{A: sharesA[i], B: sharesB[i], C: sharesC[i]}
		if p == t.me {
			mine = share
			continue
		}
		shareBytes, err := cbor.Marshal(&tripleShareWire{
			A: ScalarBytes(&share.A),
			B: ScalarBytes(&share.B),
			C: ScalarBytes(&share.C),
		})
		if err != nil {
			return err
		}
		t.queue = append(t.queue, SendPrivate(p, tag(payloadPrivate, shareBytes)))
	}
	t.queue = append(t.queue, Return(&TripleOutput{Share: mine, Pub: pub}))
	return nil
}

func (t *TripleGen) assemble() (*TripleOutput, error) {
	var pubWire triplePubWire
	if err := cbor.Unmarshal(t.pub, &pubWire); err != nil {
		return nil, errBadPayload
	}
	var shareWire tripleShareWire
	if err := cbor.Unmarshal(t.share, &shareWire); err != nil {
		return nil, errBadPayload
	}
	bigA, err := ParsePoint(pubWire.BigA)
	if err != nil {
		return nil, err
	}
	bigB, err := ParsePoint(pubWire.BigB)
	if err != nil {
		return nil, err
	}
	bigC, err := ParsePoint(pubWire.BigC)
	if err != nil {
		return nil, err
	}
	a, err := ParseScalar(shareWire.A)
	if err != nil {
		return nil, err
	}
	b, err := ParseScalar(shareWire.B)
	if err != nil {
		return nil, err
	}
	c, err := ParseScalar(shareWire.C)
	if err != nil {
		return nil, err
	}
	participants := make([]Participant, 0, len(pubWire.Participants))
	for _, p := range pubWire.Participants {
		participants = append(participants, Participant(p))
	}
	return &TripleOutput{
		Share: TripleShare{A: a, B: b, C: c},
		Pub: TriplePub{
			BigA:         bigA,
			BigB:         bigB,
			BigC:         bigC,
			Participants: participants,
			Threshold:    pubWire.Threshold,
		},
	}, nil
}

// Presign is the dealer-based presigning protocol. The two Beaver triples it
// consumes are bound to the run by the caller; the dealer variant does not use
// them cryptographically, it only mirrors the message flow of the production
// protocol.
type Presign struct {
	*dealerBase
}

// NewPresign starts a dealer-based presigning protocol over the participant
// set shared by both consumed triples.
func NewPresign(participants []Participant, me Participant, threshold int, t0, t1 *TripleOutput) (*Presign, error) {
	if t0 == nil || t1 == nil {
		return nil, errors.New("tecdsa: presign requires two triples")
	}
	base, err := newDealerBase(participants, me, threshold)
	if err != nil {
		return nil, err
	}
	return &Presign{dealerBase: base}, nil
}

func (p *Presign) Poke() (Action, error) {
	if !p.started {
		p.started = true
		p.queue = append(p.queue, SendMany([]byte{payloadJoin}))
		if p.me == p.dealer {
			if err := p.start(); err != nil {
				return Action{}, err
			}
		}
	}
	if a, ok := p.next(); ok {
		return a, nil
	}
	if p.me != p.dealer && p.pub != nil && p.share != nil {
		out, err := p.assemble()
		if err != nil {
			return Action{}, err
		}
		return Return(out), nil
	}
	return Wait(), nil
}

func (p *Presign) start() error {
	k, err := randScalar()
	if err != nil {
		return err
	}
	sigma, err := randScalar()
	if err != nil {
		return err
	}
	bigR := Commit(&k)
	pubBytes, err := cbor.Marshal(&presignPubWire{BigR: PointBytes(bigR)})
	if err != nil {
		return err
	}

	n := len(p.participants)
	sharesK, err := deal(&k, n)
	if err != nil {
		return err
	}
	sharesSigma, err := deal(&sigma, n)
	if err != nil {
		return err
	}

	p.queue = append(p.queue, SendMany(tag(payloadPublic, pubBytes)))
	var out *PresignOutput
	for i, pt := range p.participants {
		if pt == p.me {
			out = &PresignOutput{BigR: bigR, K: sharesK[i], Sigma: sharesSigma[i]}
			continue
		}
		shareBytes, err := cbor.Marshal(&presignShareWire{
			K:     ScalarBytes(&sharesK[i]),
			Sigma: ScalarBytes(&sharesSigma[i]),
		})
		if err != nil {
			return err
		}
		p.queue = append(p.queue, SendPrivate(pt, tag(payloadPrivate, shareBytes)))
	}
	p.queue = append(p.queue, Return(out))
	return nil
}

func (p *Presign) assemble() (*PresignOutput, error) {
	var pubWire presignPubWire
	if err := cbor.Unmarshal(p.pub, &pubWire); err != nil {
		return nil, errBadPayload
	}
	var shareWire presignShareWire
	if err := cbor.Unmarshal(p.share, &shareWire); err != nil {
		return nil, errBadPayload
	}
	bigR, err := ParsePoint(pubWire.BigR)
	if err != nil {
		return nil, err
	}
	k, err := ParseScalar(shareWire.K)
	if err != nil {
		return nil, err
	}
	sigma, err := ParseScalar(shareWire.Sigma)
	if err != nil {
		return nil, err
	}
	return &PresignOutput{BigR: bigR, K: k, Sigma: sigma}, nil
}

var (
	_ Protocol = (*TripleGen)(nil)
	_ Protocol = (*Presign)(nil)
)
