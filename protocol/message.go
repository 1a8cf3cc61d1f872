// (c) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package protocol

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/ethereum/go-ethereum/log"

	"github.com/Andy-commits-lgtm/mpc/tecdsa"
)

// Message is one inbound or outbound protocol message. The epoch tag fences
// off material from previous participant sets; the from field is
// authoritative for routing replies.
type Message interface {
	MsgID() uint64
	MsgEpoch() uint64
	MsgFrom() tecdsa.Participant
}

// TripleMessage carries one step of a triple generation protocol. Data is an
// opaque payload of the underlying primitive.
type TripleMessage struct {
	ID    TripleID           `cbor:"1,keyasint"`
	Epoch uint64             `cbor:"2,keyasint"`
	From  tecdsa.Participant `cbor:"3,keyasint"`
	Data  []byte             `cbor:"4,keyasint"`
}

func (m *TripleMessage) MsgID() uint64               { return m.ID }
func (m *TripleMessage) MsgEpoch() uint64            { return m.Epoch }
func (m *TripleMessage) MsgFrom() tecdsa.Participant { return m.From }

// PresignatureMessage carries one step of a presigning protocol, plus the ids
// of the two triples the run consumes so that the receiver can bind its own
// generator to the same pair.
type PresignatureMessage struct {
	ID      PresignatureID     `cbor:"1,keyasint"`
	Epoch   uint64             `cbor:"2,keyasint"`
	From    tecdsa.Participant `cbor:"3,keyasint"`
	Triple0 TripleID           `cbor:"4,keyasint"`
	Triple1 TripleID           `cbor:"5,keyasint"`
	Data    []byte             `cbor:"6,keyasint"`
}

func (m *PresignatureMessage) MsgID() uint64               { return m.ID }
func (m *PresignatureMessage) MsgEpoch() uint64            { return m.Epoch }
func (m *PresignatureMessage) MsgFrom() tecdsa.Participant { return m.From }

// Outbound pairs a message with its recipient.
type Outbound struct {
	To  tecdsa.Participant
	Msg Message
}

type deferredPresign struct {
	msgs    []*PresignatureMessage
	firstAt time.Time
}

// Router demultiplexes inbound messages into the managers. Stale epochs and
// messages for completed items are dropped silently. Presignature messages
// that arrive before their triples finish are buffered for a bounded time
// and replayed by the supply loop.
type Router struct {
	mu       sync.Mutex
	triples  *TripleManager
	presigs  *PresignatureManager
	deferred *lru.Cache
	ttl      time.Duration

	notify chan struct{}
}

// NewRouter builds a router over both managers. bufferSize bounds how many
// pending presignatures may have buffered messages at once; ttl bounds how
// long any of them is kept.
func NewRouter(triples *TripleManager, presigs *PresignatureManager, bufferSize int, ttl time.Duration) (*Router, error) {
	deferred, err := lru.New(bufferSize)
	if err != nil {
		return nil, err
	}
	return &Router{
		triples:  triples,
		presigs:  presigs,
		deferred: deferred,
		ttl:      ttl,
		notify:   make(chan struct{}, 1),
	}, nil
}

// C signals that an inbound message made protocol progress and the managers
// are worth poking.
func (r *Router) C() <-chan struct{} {
	return r.notify
}

func (r *Router) kick() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Route dispatches one inbound message to the owning manager.
func (r *Router) Route(msg Message) error {
	switch m := msg.(type) {
	case *TripleMessage:
		return r.routeTriple(m)
	case *PresignatureMessage:
		return r.routePresignature(m)
	default:
		return fmt.Errorf("protocol: unroutable message type %T", msg)
	}
}

func (r *Router) routeTriple(m *TripleMessage) error {
	if m.Epoch != r.triples.Epoch() {
		log.Trace("Dropping stale triple message", "id", m.ID, "epoch", m.Epoch, "from", m.From)
		staleMessagesCounter.Inc()
		return nil
	}
	if err := r.triples.Deliver(m.ID, m.From, m.Data); err != nil {
		return err
	}
	r.kick()
	return nil
}

func (r *Router) routePresignature(m *PresignatureMessage) error {
	if m.Epoch != r.presigs.Epoch() {
		log.Trace("Dropping stale presignature message", "id", m.ID, "epoch", m.Epoch, "from", m.From)
		staleMessagesCounter.Inc()
		return nil
	}
	err := r.presigs.Deliver(m.ID, m.Triple0, m.Triple1, m.From, m.Data)
	switch {
	case err == nil:
		r.kick()
		return nil
	case IsRetriable(err):
		r.bufferDeferred(m)
		return nil
	default:
		return err
	}
}

// bufferDeferred buffers a presignature message whose triples have not arrived yet.
func (r *Router) bufferDeferred(m *PresignatureMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	log.Debug("Buffering early presignature message", "id", m.ID, "triple0", m.Triple0, "triple1", m.Triple1)
	deferredMessagesCounter.Inc()
	if entry, ok := r.deferred.Get(m.ID); ok {
		pending := entry.(*deferredPresign)
		pending.msgs = append(pending.msgs, m)
		return
	}
	r.deferred.Add(m.ID, &deferredPresign{msgs: []*PresignatureMessage{m}, firstAt: time.Now()})
}

// RetryDeferred replays buffered presignature messages and expires entries
// older than the TTL. Called from the supply loop each tick.
func (r *Router) RetryDeferred() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, key := range r.deferred.Keys() {
		entry, ok := r.deferred.Get(key)
		if !ok {
			continue
		}
		pending := entry.(*deferredPresign)
		if time.Since(pending.firstAt) > r.ttl {
			log.Debug("Expiring buffered presignature messages", "id", key, "count", len(pending.msgs))
			expiredMessagesCounter.Inc()
			r.deferred.Remove(key)
			continue
		}
		first := pending.msgs[0]
		if first.Epoch != r.presigs.Epoch() {
			r.deferred.Remove(key)
			continue
		}
		err := r.presigs.Deliver(first.ID, first.Triple0, first.Triple1, first.From, first.Data)
		if IsRetriable(err) {
			continue
		}
		if err != nil {
			return err
		}
		for _, m := range pending.msgs[1:] {
			if err := r.presigs.Deliver(m.ID, m.Triple0, m.Triple1, m.From, m.Data); err != nil && !IsRetriable(err) {
				return err
			}
		}
		r.deferred.Remove(key)
		r.kick()
	}
	return nil
}

// DeferredLen returns the number of presignatures with buffered messages.
func (r *Router) DeferredLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deferred.Len()
}
