// (c) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package protocol

import (
	"errors"

	"github.com/Andy-commits-lgtm/mpc/storage"
)

var (
	// ErrPoolAtCapacity is returned by Generate when completed plus in-flight
	// items already meet the configured target.
	ErrPoolAtCapacity = errors.New("protocol: pool already at target")

	// ErrInsufficientTriples is returned when a presignature cannot start
	// because the required triples are not in the pool. Retriable: more
	// triples arrive as generation progresses.
	ErrInsufficientTriples = errors.New("protocol: not enough triples")

	// ErrEpochMismatch marks a message tagged with an epoch other than the
	// current one. Stale messages are dropped silently.
	ErrEpochMismatch = errors.New("protocol: epoch mismatch")

	// ErrInitFailed wraps a protocol constructor failure, e.g. a participant
	// set the primitive rejects. The condition is persistent until the next
	// epoch snapshot.
	ErrInitFailed = errors.New("protocol: generator initialization failed")
)

// IsFatal reports whether err poisons the manager and requires a halt instead
// of a retry. Today that is exactly storage index inconsistency.
func IsFatal(err error) bool {
	return errors.Is(err, storage.ErrInconsistentStore)
}

// IsRetriable reports whether the caller should simply try again on the next
// supply tick.
func IsRetriable(err error) bool {
	return err != nil && !IsFatal(err) && !errors.Is(err, ErrInitFailed)
}
