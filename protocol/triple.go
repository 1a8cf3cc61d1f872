// (c) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package protocol implements the precomputation core of the signing cluster:
// the pooled Beaver triple and presignature managers, the inbound message
// router and the supply controller that keeps both pools stocked.
package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/Andy-commits-lgtm/mpc/storage"
	"github.com/Andy-commits-lgtm/mpc/tecdsa"
)

// TripleID identifies one triple, and before completion the generation
// protocol producing it. Chosen uniformly at random by the initiating node.
type TripleID = uint64

// Triple is one completed, unspent Beaver triple. The share is secret; the
// pub side carries the commitments and the participant set the triple is
// valid for. A triple must never seed more than one protocol.
type Triple struct {
	ID    TripleID
	Share tecdsa.TripleShare
	Pub   tecdsa.TriplePub
}

// TripleFactory starts one triple generation protocol instance.
type TripleFactory func(participants []tecdsa.Participant, me tecdsa.Participant, threshold int) (tecdsa.Protocol, error)

type tripleGenerator struct {
	protocol  tecdsa.Protocol
	mine      bool
	startedAt time.Time
}

// TripleManager owns the completed triple pool and every ongoing triple
// generation protocol. Completed triples are persisted through the pool
// store so that restarts do not lose them; generators are memory only and a
// crash simply abandons them.
type TripleManager struct {
	mu sync.Mutex

	store      *storage.PoolStore
	start      TripleFactory
	generators map[TripleID]*tripleGenerator
	mineReady  []TripleID

	// completedLen mirrors the store count for the current epoch so depth
	// checks stay off the disk. All pool mutations go through this manager.
	completedLen int

	me           tecdsa.Participant
	threshold    int
	epoch        uint64
	participants []tecdsa.Participant
	target       int
}

// NewTripleManager opens the triple pool for the given protocol state. The
// mine FIFO and pool depth are rebuilt from the store, so triples generated
// before a restart remain consumable.
func NewTripleManager(store *storage.PoolStore, start TripleFactory, me tecdsa.Participant, snap StateSnapshot, target int) (*TripleManager, error) {
	completed, err := store.Len(snap.Epoch)
	if err != nil {
		return nil, err
	}
	mineIDs, err := store.IterMineIDs(snap.Epoch)
	if err != nil {
		return nil, err
	}
	m := &TripleManager{
		store:        store,
		start:        start,
		generators:   make(map[TripleID]*tripleGenerator),
		mineReady:    mineIDs,
		completedLen: completed,
		me:           me,
		threshold:    snap.Threshold,
		epoch:        snap.Epoch,
		participants: snap.Participants,
		target:       target,
	}
	if completed > 0 {
		log.Info("Recovered triple pool", "epoch", snap.Epoch, "completed", completed, "mine", len(mineIDs))
	}
	return m, nil
}

// Epoch returns the epoch the manager currently operates in.
func (m *TripleManager) Epoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// Len returns the number of completed unspent triples.
func (m *TripleManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completedLen
}

// LenMine returns the number of completed unspent triples this node
// initiated.
func (m *TripleManager) LenMine() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mineReady)
}

// LenGenerating returns the number of ongoing generation protocols.
func (m *TripleManager) LenGenerating() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.generators)
}

// LenPotential returns the pool depth once every ongoing generation
// completes.
func (m *TripleManager) LenPotential() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completedLen + len(m.generators)
}

// IsEmpty reports whether the pool holds no completed triples.
func (m *TripleManager) IsEmpty() bool {
	return m.Len() == 0
}

// Contains reports whether a completed triple with the given id is pooled.
func (m *TripleManager) Contains(id TripleID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	has, err := m.store.Contains(m.epoch, id)
	if err != nil {
		log.Error("Triple pool lookup failed", "id", id, "err", err)
		return false
	}
	return has
}

// ContainsMine reports whether a completed triple with the given id is pooled
// and was initiated by this node.
func (m *TripleManager) ContainsMine(id TripleID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	has, err := m.store.ContainsMine(m.epoch, id)
	if err != nil {
		log.Error("Triple mine-index lookup failed", "id", id, "err", err)
		return false
	}
	return has
}

// randomID draws ids until one collides with neither the completed pool nor
// an ongoing generator. Caller holds m.mu.
func (m *TripleManager) randomID() (TripleID, error) {
	for {
		var buf [8]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("protocol: sampling triple id: %w", err)
		}
		id := binary.BigEndian.Uint64(buf[:])
		if _, generating := m.generators[id]; generating {
			continue
		}
		has, err := m.store.Contains(m.epoch, id)
		if err != nil {
			return 0, err
		}
		if !has {
			return id, nil
		}
	}
}

// Generate starts a new triple generation protocol initiated by this node.
// Returns ErrPoolAtCapacity when completed plus in-flight triples already
// meet the target.
func (m *TripleManager) Generate() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.completedLen+len(m.generators) >= m.target {
		return ErrPoolAtCapacity
	}
	id, err := m.randomID()
	if err != nil {
		return err
	}
	proto, err := m.start(m.participants, m.me, m.threshold)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInitFailed, err)
	}
	log.Info("Starting triple generation", "id", id, "epoch", m.epoch)
	m.generators[id] = &tripleGenerator{protocol: proto, mine: true, startedAt: time.Now()}
	return nil
}

// GetOrGenerate resolves the generator for id: nil when the triple is already
// completed (the caller must discard its message), the existing protocol when
// one is running, or a freshly joined foreign-initiated protocol otherwise.
func (m *TripleManager) GetOrGenerate(id TripleID) (tecdsa.Protocol, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getOrGenerate(id)
}

func (m *TripleManager) getOrGenerate(id TripleID) (tecdsa.Protocol, error) {
	has, err := m.store.Contains(m.epoch, id)
	if err != nil {
		return nil, err
	}
	if has {
		return nil, nil
	}
	if gen, ok := m.generators[id]; ok {
		return gen.protocol, nil
	}
	proto, err := m.start(m.participants, m.me, m.threshold)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInitFailed, err)
	}
	log.Info("Joining triple generation", "id", id, "epoch", m.epoch)
	m.generators[id] = &tripleGenerator{protocol: proto, mine: false, startedAt: time.Now()}
	return proto, nil
}

// Deliver ingests one inbound protocol message for id, joining the generation
// if this is the first reference to it. Messages for completed triples are
// discarded.
func (m *TripleManager) Deliver(id TripleID, from tecdsa.Participant, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	proto, err := m.getOrGenerate(id)
	if err != nil {
		return err
	}
	if proto == nil {
		log.Trace("Dropping message for completed triple", "id", id, "from", from)
		return nil
	}
	proto.Message(from, data)
	return nil
}

// Insert adds a completed triple to the pool. Used by the generation loop on
// protocol completion; exported for crash recovery tooling and tests.
func (m *TripleManager) Insert(t Triple, mine bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insert(t, mine)
}

func (m *TripleManager) insert(t Triple, mine bool) error {
	has, err := m.store.Contains(m.epoch, t.ID)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	data, err := encodeTriple(t)
	if err != nil {
		return err
	}
	if err := m.store.Insert(m.epoch, t.ID, data, mine); err != nil {
		return err
	}
	m.completedLen++
	if mine {
		m.mineReady = append(m.mineReady, t.ID)
	}
	return nil
}

// Take removes and returns the triple with the given id. Once returned the
// triple exists nowhere else; it must be consumed by exactly one protocol.
func (m *TripleManager) Take(id TripleID) (Triple, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.take(id)
}

func (m *TripleManager) take(id TripleID) (Triple, bool, error) {
	data, ok, err := m.store.Take(m.epoch, id)
	if err != nil || !ok {
		return Triple{}, false, err
	}
	t, err := decodeTriple(data)
	if err != nil {
		return Triple{}, false, err
	}
	m.completedLen--
	for i, ready := range m.mineReady {
		if ready == id {
			m.mineReady = append(m.mineReady[:i], m.mineReady[i+1:]...)
			break
		}
	}
	triplesTakenCounter.Inc()
	return t, true, nil
}

// TakeTwo removes both triples, or neither. A presignature binds its triple
// pair, so consuming only half of it would strand an unusable triple.
func (m *TripleManager) TakeTwo(id0, id1 TripleID) (Triple, Triple, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.takeTwo(id0, id1)
}

func (m *TripleManager) takeTwo(id0, id1 TripleID) (Triple, Triple, bool, error) {
	if id0 == id1 {
		return Triple{}, Triple{}, false, nil
	}
	for _, id := range []TripleID{id0, id1} {
		has, err := m.store.Contains(m.epoch, id)
		if err != nil {
			return Triple{}, Triple{}, false, err
		}
		if !has {
			return Triple{}, Triple{}, false, nil
		}
	}
	t0, ok, err := m.take(id0)
	if err != nil || !ok {
		return Triple{}, Triple{}, false, err
	}
	t1, ok, err := m.take(id1)
	if err != nil || !ok {
		// The pair check above makes this unreachable short of storage
		// corruption; the first triple is gone either way.
		return Triple{}, Triple{}, false, fmt.Errorf("%w: triple %d vanished mid-take", storage.ErrInconsistentStore, id1)
	}
	return t0, t1, true, nil
}

// TakeTwoMine removes the two oldest triples this node initiated. The popped
// ids are never requeued: a pair that cannot be taken whole was already lost.
func (m *TripleManager) TakeTwoMine() (Triple, Triple, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.mineReady) < 2 {
		return Triple{}, Triple{}, false, nil
	}
	id0, id1 := m.mineReady[0], m.mineReady[1]
	m.mineReady = m.mineReady[2:]
	t0, t1, ok, err := m.takeTwo(id0, id1)
	if err != nil {
		return Triple{}, Triple{}, false, err
	}
	if !ok {
		log.Warn("Owned triples are gone", "id0", id0, "id1", id1)
		return Triple{}, Triple{}, false, nil
	}
	return t0, t1, true, nil
}

// Poke advances every ongoing generation protocol as far as it will go and
// returns the outbound messages produced. Completed triples are persisted and
// their generators dropped; failed generators are dropped and reported, the
// pool itself is never touched by a failure.
func (m *TripleManager) Poke() ([]Outbound, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		outbound []Outbound
		failed   []error
	)
	for id, gen := range m.generators {
	steps:
		for {
			action, err := gen.protocol.Poke()
			if err != nil {
				log.Warn("Triple generation failed", "id", id, "epoch", m.epoch, "err", err)
				triplesFailedCounter.Inc()
				failed = append(failed, fmt.Errorf("triple %d: %w", id, err))
				delete(m.generators, id)
				break steps
			}
			switch action.Type {
			case tecdsa.ActionWait:
				break steps
			case tecdsa.ActionSendMany:
				for _, p := range m.participants {
					if p == m.me {
						continue
					}
					outbound = append(outbound, Outbound{
						To:  p,
						Msg: &TripleMessage{ID: id, Epoch: m.epoch, From: m.me, Data: action.Data},
					})
				}
			case tecdsa.ActionSendPrivate:
				outbound = append(outbound, Outbound{
					To:  action.To,
					Msg: &TripleMessage{ID: id, Epoch: m.epoch, From: m.me, Data: action.Data},
				})
			case tecdsa.ActionReturn:
				output, ok := action.Output.(*tecdsa.TripleOutput)
				if !ok {
					failed = append(failed, fmt.Errorf("triple %d: unexpected output %T", id, action.Output))
					delete(m.generators, id)
					break steps
				}
				if err := m.insert(Triple{ID: id, Share: output.Share, Pub: output.Pub}, gen.mine); err != nil {
					delete(m.generators, id)
					return outbound, err
				}
				log.Info("Completed triple generation", "id", id, "epoch", m.epoch, "mine", gen.mine,
					"elapsed", time.Since(gen.startedAt))
				triplesGeneratedCounter.Inc()
				delete(m.generators, id)
				break steps
			}
		}
	}
	return outbound, errors.Join(failed...)
}

// SweepExpired drops every generator running longer than timeout, treating it
// as failed. Bounds memory when a peer stalls mid-protocol.
func (m *TripleManager) SweepExpired(timeout time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	swept := 0
	for id, gen := range m.generators {
		if time.Since(gen.startedAt) > timeout {
			log.Warn("Dropping stuck triple generator", "id", id, "age", time.Since(gen.startedAt), "mine", gen.mine)
			delete(m.generators, id)
			triplesFailedCounter.Inc()
			swept++
		}
	}
	return swept
}

// Reshare moves the manager to a new protocol state. Every ongoing generator
// is dropped and the previous epoch's pool is purged: precomputed material
// never crosses an epoch boundary.
func (m *TripleManager) Reshare(snap StateSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Epoch == m.epoch {
		return nil
	}
	log.Info("Resharing triple pool", "epoch", m.epoch, "newEpoch", snap.Epoch,
		"dropped", len(m.generators), "purged", m.completedLen)
	old := m.epoch
	m.generators = make(map[TripleID]*tripleGenerator)
	m.mineReady = nil
	m.completedLen = 0
	m.epoch = snap.Epoch
	m.participants = snap.Participants
	m.threshold = snap.Threshold
	return m.store.PurgeEpoch(old)
}

func (m *TripleManager) updateMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()
	triplesGauge.Set(float64(m.completedLen))
	triplesMineGauge.Set(float64(len(m.mineReady)))
	tripleGeneratorsGauge.Set(float64(len(m.generators)))
}
