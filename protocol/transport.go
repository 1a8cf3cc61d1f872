// (c) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package protocol

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/semaphore"

	"github.com/Andy-commits-lgtm/mpc/tecdsa"
)

// Transport delivers protocol messages to peers. Delivery is at-least-once:
// duplicates are tolerated by the protocol layer, ordering across items is
// not required. Send must not block the caller's manager loop beyond the
// backpressure of its bounded queue.
type Transport interface {
	Send(ctx context.Context, to tecdsa.Participant, msg Message) error
}

var errTransportClosed = errors.New("protocol: transport closed")

type loopbackDelivery struct {
	to  tecdsa.Participant
	msg Message
}

// Loopback is an in-process Transport connecting the routers of co-resident
// nodes. Used by dev mode and the integration tests; the production transport
// lives with the networking layer.
type Loopback struct {
	mu      sync.RWMutex
	routers map[tecdsa.Participant]*Router

	// slots bounds in-flight sends the same way the peer layer bounds active
	// app requests; Send blocks (or fails with its context) when the mesh is
	// saturated.
	slots *semaphore.Weighted
	queue chan loopbackDelivery

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewLoopback builds a loopback mesh with the given queue depth and in-flight
// send cap.
func NewLoopback(queueDepth int, maxInflight int64) *Loopback {
	return &Loopback{
		routers: make(map[tecdsa.Participant]*Router),
		slots:   semaphore.NewWeighted(maxInflight),
		queue:   make(chan loopbackDelivery, queueDepth),
		quit:    make(chan struct{}),
	}
}

// Attach registers the router receiving messages addressed to p.
func (l *Loopback) Attach(p tecdsa.Participant, router *Router) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.routers[p] = router
}

// Start launches the dispatch loop.
func (l *Loopback) Start() {
	l.wg.Add(1)
	go l.dispatch()
}

// Stop terminates the dispatch loop; queued messages are dropped.
func (l *Loopback) Stop() {
	close(l.quit)
	l.wg.Wait()
}

func (l *Loopback) Send(ctx context.Context, to tecdsa.Participant, msg Message) error {
	if err := l.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	select {
	case l.queue <- loopbackDelivery{to: to, msg: msg}:
		return nil
	case <-l.quit:
		l.slots.Release(1)
		return errTransportClosed
	case <-ctx.Done():
		l.slots.Release(1)
		return ctx.Err()
	}
}

func (l *Loopback) dispatch() {
	defer l.wg.Done()
	for {
		select {
		case delivery := <-l.queue:
			l.deliver(delivery)
			l.slots.Release(1)
		case <-l.quit:
			return
		}
	}
}

func (l *Loopback) deliver(d loopbackDelivery) {
	l.mu.RLock()
	router := l.routers[d.to]
	l.mu.RUnlock()
	if router == nil {
		log.Trace("Dropping message to unknown participant", "to", d.to)
		return
	}
	if err := router.Route(d.msg); err != nil {
		log.Error("Inbound message rejected", "to", d.to, "err", err)
	}
}
