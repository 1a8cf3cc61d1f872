// (c) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package protocol

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// SupplyOptions tunes the background restocking policy.
type SupplyOptions struct {
	// MaxConcurrentTripleGen bounds in-flight triple generators.
	MaxConcurrentTripleGen int
	// MaxConcurrentPresignatureGen bounds in-flight presigning protocols.
	MaxConcurrentPresignatureGen int
	// GeneratorTimeout is the age after which a stuck generator is dropped.
	GeneratorTimeout time.Duration
	// TickInterval is the controller cadence.
	TickInterval time.Duration
	// SendTimeout bounds each outbound transport send.
	SendTimeout time.Duration
}

// SupplyController keeps both pools stocked. It is the only caller of
// Generate on either manager: the managers never self-start. Each tick it
// sweeps stuck generators, replays buffered messages, starts new generators
// up to the configured targets and concurrency caps, pokes every protocol
// and ships the outbound messages.
type SupplyController struct {
	opts SupplyOptions

	state     StateSource
	triples   *TripleManager
	presigs   *PresignatureManager
	router    *Router
	transport Transport

	// initFailed latches a generator construction failure; the condition is
	// persistent (wrong participant set or threshold) so restocking pauses
	// until the next epoch snapshot.
	initFailed bool

	quit chan struct{}
	done chan struct{}
}

func NewSupplyController(opts SupplyOptions, state StateSource, triples *TripleManager, presigs *PresignatureManager, router *Router, transport Transport) *SupplyController {
	return &SupplyController{
		opts:      opts,
		state:     state,
		triples:   triples,
		presigs:   presigs,
		router:    router,
		transport: transport,
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the controller loop.
func (s *SupplyController) Start() {
	go s.loop()
}

// Stop terminates the controller loop and waits for it to exit.
func (s *SupplyController) Stop() {
	close(s.quit)
	<-s.done
}

func (s *SupplyController) loop() {
	defer close(s.done)

	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	stateCh := make(chan StateSnapshot, 8)
	sub := s.state.SubscribeState(stateCh)
	defer sub.Unsubscribe()

	for {
		select {
		case <-s.quit:
			return
		case <-sub.Err():
			return
		case snap := <-stateCh:
			if !s.reshare(snap) {
				return
			}
		case <-s.router.C():
			// Inbound progress: poke and ship replies without waiting for
			// the next tick.
			if !s.step(false) {
				return
			}
		case <-ticker.C:
			if !s.step(true) {
				return
			}
		}
	}
}

// reshare moves both managers to the new protocol state. Returns false on a
// fatal storage condition.
func (s *SupplyController) reshare(snap StateSnapshot) bool {
	log.Info("Protocol state changed", "epoch", snap.Epoch, "participants", len(snap.Participants), "threshold", snap.Threshold)
	if err := s.triples.Reshare(snap); err != nil {
		return s.report(err)
	}
	if err := s.presigs.Reshare(snap); err != nil {
		return s.report(err)
	}
	s.initFailed = false
	return true
}

// step runs one controller iteration. Policy work (sweeps, replay, restock)
// only happens on ticks; message-driven wakeups just advance the protocols.
// Returns false when the controller must halt.
func (s *SupplyController) step(tick bool) bool {
	if tick {
		if n := s.triples.SweepExpired(s.opts.GeneratorTimeout); n > 0 {
			log.Warn("Swept stuck triple generators", "count", n)
		}
		if n := s.presigs.SweepExpired(s.opts.GeneratorTimeout); n > 0 {
			log.Warn("Swept stuck presignature generators", "count", n)
		}
		if err := s.router.RetryDeferred(); err != nil {
			if !s.report(err) {
				return false
			}
		}
		if !s.restock() {
			return false
		}
	}

	outbound, err := s.triples.Poke()
	if err != nil && !s.report(err) {
		return false
	}
	if !s.send(outbound) {
		return false
	}
	outbound, err = s.presigs.Poke()
	if err != nil && !s.report(err) {
		return false
	}
	if !s.send(outbound) {
		return false
	}

	s.triples.updateMetrics()
	s.presigs.updateMetrics()
	return true
}

// restock starts new generators while pool depth targets and concurrency
// caps allow. Returns false on a fatal condition.
func (s *SupplyController) restock() bool {
	if s.initFailed {
		return true
	}
	for s.triples.LenGenerating() < s.opts.MaxConcurrentTripleGen {
		err := s.triples.Generate()
		if errors.Is(err, ErrPoolAtCapacity) {
			break
		}
		if errors.Is(err, ErrInitFailed) {
			log.Error("Triple generator init failed, pausing restock until next epoch", "err", err)
			s.initFailed = true
			return true
		}
		if err != nil {
			return s.report(err)
		}
	}
	for s.presigs.LenGenerating() < s.opts.MaxConcurrentPresignatureGen {
		err := s.presigs.Generate()
		if errors.Is(err, ErrPoolAtCapacity) || errors.Is(err, ErrInsufficientTriples) {
			break
		}
		if errors.Is(err, ErrInitFailed) {
			log.Error("Presign generator init failed, pausing restock until next epoch", "err", err)
			s.initFailed = true
			return true
		}
		if err != nil {
			return s.report(err)
		}
	}
	return true
}

// send ships outbound messages. Send failures are logged and dropped: the
// protocol either recovers from the peer's perspective or is reaped by the
// generator timeout.
func (s *SupplyController) send(outbound []Outbound) bool {
	for _, out := range outbound {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.SendTimeout)
		err := s.transport.Send(ctx, out.To, out.Msg)
		cancel()
		if err != nil {
			select {
			case <-s.quit:
				return false
			default:
			}
			log.Debug("Outbound send failed", "to", out.To, "err", err)
		}
	}
	return true
}

// report classifies an error from a manager operation. Fatal conditions halt
// the controller; anything else is retried on the next tick.
func (s *SupplyController) report(err error) bool {
	if IsFatal(err) {
		log.Error("Supply controller halting on fatal storage error", "err", err)
		return false
	}
	log.Warn("Supply tick error", "err", err)
	return true
}
