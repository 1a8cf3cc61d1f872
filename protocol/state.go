// (c) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package protocol

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/event"

	"github.com/Andy-commits-lgtm/mpc/tecdsa"
)

// StateSnapshot is one observation of the on-chain protocol state: the epoch,
// the participant set and the signing threshold. The epoch increments on
// every membership or threshold change, so equal epochs imply equal sets.
type StateSnapshot struct {
	Epoch        uint64
	Threshold    int
	Participants []tecdsa.Participant
}

// ParticipantSet returns the participants as a set for membership and
// equality checks.
func (s StateSnapshot) ParticipantSet() mapset.Set[tecdsa.Participant] {
	return mapset.NewThreadUnsafeSet(s.Participants...)
}

// Same reports whether two snapshots describe the same protocol state.
func (s StateSnapshot) Same(other StateSnapshot) bool {
	return s.Epoch == other.Epoch &&
		s.Threshold == other.Threshold &&
		s.ParticipantSet().Equal(other.ParticipantSet())
}

// StateSource provides protocol state snapshots and change notifications.
// The production implementation sits on the chain indexer; tests and dev mode
// use [ContractState].
type StateSource interface {
	Snapshot() StateSnapshot
	SubscribeState(ch chan<- StateSnapshot) event.Subscription
}

// ContractState is an in-memory StateSource fed by whoever observes the
// contract. Updates are fanned out over an event feed.
type ContractState struct {
	mu      sync.RWMutex
	current StateSnapshot
	feed    event.Feed
}

func NewContractState(initial StateSnapshot) *ContractState {
	return &ContractState{current: initial}
}

func (c *ContractState) Snapshot() StateSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Update installs a new snapshot and notifies subscribers. Snapshots equal to
// the current state are not re-broadcast.
func (c *ContractState) Update(snap StateSnapshot) {
	c.mu.Lock()
	if c.current.Same(snap) {
		c.mu.Unlock()
		return
	}
	c.current = snap
	c.mu.Unlock()
	c.feed.Send(snap)
}

func (c *ContractState) SubscribeState(ch chan<- StateSnapshot) event.Subscription {
	return c.feed.Subscribe(ch)
}
