// (c) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

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

// PresignatureID identifies one presignature and its generation protocol.
type PresignatureID = uint64

// Presignature is one completed, unspent presignature. Triple0 and Triple1
// record which triples it consumed; by the time the presignature exists those
// triples are gone and cannot be recovered. Consumed exactly once to produce
// one signature.
type Presignature struct {
	ID           PresignatureID
	Output       tecdsa.PresignOutput
	Participants []tecdsa.Participant
	Triple0      TripleID
	Triple1      TripleID
}

// PresignFactory starts one presigning protocol instance over two consumed
// triples.
type PresignFactory func(participants []tecdsa.Participant, me tecdsa.Participant, threshold int, t0, t1 Triple) (tecdsa.Protocol, error)

type presignatureGenerator struct {
	protocol  tecdsa.Protocol
	mine      bool
	startedAt time.Time
	triple0   TripleID
	triple1   TripleID
}

// PresignatureManager owns the completed presignature pool and every ongoing
// presigning protocol. It has the same shape as TripleManager, with one extra
// obligation: every generator start consumes a triple pair, atomically.
type PresignatureManager struct {
	mu sync.Mutex

	store      *storage.PoolStore
	triples    *TripleManager
	start      PresignFactory
	generators map[PresignatureID]*presignatureGenerator
	mineReady  []PresignatureID

	completedLen int

	me           tecdsa.Participant
	threshold    int
	epoch        uint64
	participants []tecdsa.Participant
	target       int
}

// NewPresignatureManager opens the presignature pool, rebuilding the mine
// FIFO and pool depth from the store.
func NewPresignatureManager(store *storage.PoolStore, triples *TripleManager, start PresignFactory, me tecdsa.Participant, snap StateSnapshot, target int) (*PresignatureManager, error) {
	completed, err := store.Len(snap.Epoch)
	if err != nil {
		return nil, err
	}
	mineIDs, err := store.IterMineIDs(snap.Epoch)
	if err != nil {
		return nil, err
	}
	m := &PresignatureManager{
		store:        store,
		triples:      triples,
		start:        start,
		generators:   make(map[PresignatureID]*presignatureGenerator),
		mineReady:    mineIDs,
		completedLen: completed,
		me:           me,
		threshold:    snap.Threshold,
		epoch:        snap.Epoch,
		participants: snap.Participants,
		target:       target,
	}
	if completed > 0 {
		log.Info("Recovered presignature pool", "epoch", snap.Epoch, "completed", completed, "mine", len(mineIDs))
	}
	return m, nil
}

// Epoch returns the epoch the manager currently operates in.
func (m *PresignatureManager) Epoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// Len returns the number of completed unspent presignatures.
func (m *PresignatureManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completedLen
}

// LenMine returns the number of completed unspent presignatures this node
// initiated.
func (m *PresignatureManager) LenMine() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mineReady)
}

// LenGenerating returns the number of ongoing presigning protocols.
func (m *PresignatureManager) LenGenerating() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.generators)
}

// LenPotential returns the pool depth once every ongoing protocol completes.
func (m *PresignatureManager) LenPotential() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completedLen + len(m.generators)
}

// IsEmpty reports whether the pool holds no completed presignatures.
func (m *PresignatureManager) IsEmpty() bool {
	return m.Len() == 0
}

// Contains reports whether a completed presignature with the given id is
// pooled.
func (m *PresignatureManager) Contains(id PresignatureID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	has, err := m.store.Contains(m.epoch, id)
	if err != nil {
		log.Error("Presignature pool lookup failed", "id", id, "err", err)
		return false
	}
	return has
}

// ContainsMine reports whether a completed presignature with the given id is
// pooled and was initiated by this node.
func (m *PresignatureManager) ContainsMine(id PresignatureID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	has, err := m.store.ContainsMine(m.epoch, id)
	if err != nil {
		log.Error("Presignature mine-index lookup failed", "id", id, "err", err)
		return false
	}
	return has
}

func (m *PresignatureManager) randomID() (PresignatureID, error) {
	for {
		var buf [8]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("protocol: sampling presignature id: %w", err)
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

// Generate starts a new presigning protocol seeded with the two oldest
// triples this node owns. Returns ErrInsufficientTriples, consuming nothing,
// when fewer than two owned triples are pooled.
func (m *PresignatureManager) Generate() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.completedLen+len(m.generators) >= m.target {
		return ErrPoolAtCapacity
	}
	t0, t1, ok, err := m.triples.TakeTwoMine()
	if err != nil {
		return err
	}
	if !ok {
		return ErrInsufficientTriples
	}
	id, err := m.randomID()
	if err != nil {
		return err
	}
	proto, err := m.start(m.participants, m.me, m.threshold, t0, t1)
	if err != nil {
		// The triples are already consumed; a failed start loses them.
		log.Warn("Presign start failed, triple pair lost", "triple0", t0.ID, "triple1", t1.ID, "err", err)
		return fmt.Errorf("%w: %v", ErrInitFailed, err)
	}
	log.Info("Starting presignature generation", "id", id, "epoch", m.epoch, "triple0", t0.ID, "triple1", t1.ID)
	m.generators[id] = &presignatureGenerator{
		protocol:  proto,
		mine:      true,
		startedAt: time.Now(),
		triple0:   t0.ID,
		triple1:   t1.ID,
	}
	return nil
}

// GetOrGenerate resolves the generator for a foreign-initiated presignature:
// nil when the presignature is already completed, the existing protocol when
// one is running, otherwise a fresh protocol consuming the two named foreign
// triples. Returns ErrInsufficientTriples, consuming nothing, when either
// triple has not been co-generated yet; the caller may buffer and retry.
func (m *PresignatureManager) GetOrGenerate(id PresignatureID, triple0, triple1 TripleID) (tecdsa.Protocol, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getOrGenerate(id, triple0, triple1)
}

func (m *PresignatureManager) getOrGenerate(id PresignatureID, triple0, triple1 TripleID) (tecdsa.Protocol, error) {
	has, err := m.store.Contains(m.epoch, id)
	if err != nil {
		return nil, err
	}
	if has {
		return nil, nil
	}
	if gen, ok := m.generators[id]; ok {
		if gen.triple0 != triple0 || gen.triple1 != triple1 {
			log.Warn("Presignature message names a different triple pair", "id", id,
				"have0", gen.triple0, "have1", gen.triple1, "got0", triple0, "got1", triple1)
			return nil, nil
		}
		return gen.protocol, nil
	}
	t0, t1, ok, err := m.triples.TakeTwo(triple0, triple1)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInsufficientTriples
	}
	proto, err := m.start(m.participants, m.me, m.threshold, t0, t1)
	if err != nil {
		log.Warn("Presign join failed, triple pair lost", "triple0", triple0, "triple1", triple1, "err", err)
		return nil, fmt.Errorf("%w: %v", ErrInitFailed, err)
	}
	log.Info("Joining presignature generation", "id", id, "epoch", m.epoch, "triple0", triple0, "triple1", triple1)
	m.generators[id] = &presignatureGenerator{
		protocol:  proto,
		mine:      false,
		startedAt: time.Now(),
		triple0:   triple0,
		triple1:   triple1,
	}
	return proto, nil
}

// Deliver ingests one inbound protocol message for id. Messages for completed
// presignatures are discarded; ErrInsufficientTriples asks the caller to
// buffer and retry once the named triples arrive.
func (m *PresignatureManager) Deliver(id PresignatureID, triple0, triple1 TripleID, from tecdsa.Participant, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	proto, err := m.getOrGenerate(id, triple0, triple1)
	if err != nil {
		return err
	}
	if proto == nil {
		log.Trace("Dropping message for completed presignature", "id", id, "from", from)
		return nil
	}
	proto.Message(from, data)
	return nil
}

// Insert adds a completed presignature to the pool.
func (m *PresignatureManager) Insert(p Presignature, mine bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insert(p, mine)
}

func (m *PresignatureManager) insert(p Presignature, mine bool) error {
	has, err := m.store.Contains(m.epoch, p.ID)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	data, err := encodePresignature(p)
	if err != nil {
		return err
	}
	if err := m.store.Insert(m.epoch, p.ID, data, mine); err != nil {
		return err
	}
	m.completedLen++
	if mine {
		m.mineReady = append(m.mineReady, p.ID)
	}
	return nil
}

// Take removes and returns the presignature with the given id. The storage
// delete commits before the caller sees the value, so a presignature can
// never be consumed twice.
func (m *PresignatureManager) Take(id PresignatureID) (Presignature, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.take(id)
}

func (m *PresignatureManager) take(id PresignatureID) (Presignature, bool, error) {
	data, ok, err := m.store.Take(m.epoch, id)
	if err != nil || !ok {
		return Presignature{}, false, err
	}
	p, err := decodePresignature(data)
	if err != nil {
		return Presignature{}, false, err
	}
	m.completedLen--
	for i, ready := range m.mineReady {
		if ready == id {
			m.mineReady = append(m.mineReady[:i], m.mineReady[i+1:]...)
			break
		}
	}
	presigsTakenCounter.Inc()
	return p, true, nil
}

// TakeMine removes the oldest presignature this node initiated.
func (m *PresignatureManager) TakeMine() (Presignature, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.mineReady) == 0 {
		return Presignature{}, false, nil
	}
	id := m.mineReady[0]
	m.mineReady = m.mineReady[1:]
	p, ok, err := m.take(id)
	if err != nil {
		return Presignature{}, false, err
	}
	if !ok {
		log.Warn("Owned presignature is gone", "id", id)
		return Presignature{}, false, nil
	}
	return p, true, nil
}

// Poke advances every ongoing presigning protocol and returns the outbound
// messages produced.
func (m *PresignatureManager) Poke() ([]Outbound, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		outbound []Outbound
		failed   []error
	)
	for id, gen := range m.generators {
		msg := func(data []byte) *PresignatureMessage {
			return &PresignatureMessage{
				ID:      id,
				Epoch:   m.epoch,
				From:    m.me,
				Triple0: gen.triple0,
				Triple1: gen.triple1,
				Data:    data,
			}
		}
	steps:
		for {
			action, err := gen.protocol.Poke()
			if err != nil {
				log.Warn("Presignature generation failed", "id", id, "epoch", m.epoch, "err", err)
				presigsFailedCounter.Inc()
				failed = append(failed, fmt.Errorf("presignature %d: %w", id, err))
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
					outbound = append(outbound, Outbound{To: p, Msg: msg(action.Data)})
				}
			case tecdsa.ActionSendPrivate:
				outbound = append(outbound, Outbound{To: action.To, Msg: msg(action.Data)})
			case tecdsa.ActionReturn:
				output, ok := action.Output.(*tecdsa.PresignOutput)
				if !ok {
					failed = append(failed, fmt.Errorf("presignature %d: unexpected output %T", id, action.Output))
					delete(m.generators, id)
					break steps
				}
				presig := Presignature{
					ID:           id,
					Output:       *output,
					Participants: m.participants,
					Triple0:      gen.triple0,
					Triple1:      gen.triple1,
				}
				if err := m.insert(presig, gen.mine); err != nil {
					delete(m.generators, id)
					return outbound, err
				}
				log.Info("Completed presignature generation", "id", id, "epoch", m.epoch, "mine", gen.mine,
					"elapsed", time.Since(gen.startedAt))
				presigsGeneratedCounter.Inc()
				delete(m.generators, id)
				break steps
			}
		}
	}
	return outbound, errors.Join(failed...)
}

// SweepExpired drops every presigning protocol running longer than timeout.
// The triples those runs consumed are not recoverable.
func (m *PresignatureManager) SweepExpired(timeout time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	swept := 0
	for id, gen := range m.generators {
		if time.Since(gen.startedAt) > timeout {
			log.Warn("Dropping stuck presignature generator", "id", id, "age", time.Since(gen.startedAt),
				"triple0", gen.triple0, "triple1", gen.triple1)
			delete(m.generators, id)
			presigsFailedCounter.Inc()
			swept++
		}
	}
	return swept
}

// Reshare moves the manager to a new protocol state, dropping every ongoing
// protocol and purging the previous epoch's pool.
func (m *PresignatureManager) Reshare(snap StateSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Epoch == m.epoch {
		return nil
	}
	log.Info("Resharing presignature pool", "epoch", m.epoch, "newEpoch", snap.Epoch,
		"dropped", len(m.generators), "purged", m.completedLen)
	old := m.epoch
	m.generators = make(map[PresignatureID]*presignatureGenerator)
	m.mineReady = nil
	m.completedLen = 0
	m.epoch = snap.Epoch
	m.participants = snap.Participants
	m.threshold = snap.Threshold
	return m.store.PurgeEpoch(old)
}

func (m *PresignatureManager) updateMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()
	presigsGauge.Set(float64(m.completedLen))
	presigsMineGauge.Set(float64(len(m.mineReady)))
	presigGeneratorsGauge.Set(float64(len(m.generators)))
}
