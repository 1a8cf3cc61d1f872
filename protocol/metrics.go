// (c) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package protocol

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	triplesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mpc", Subsystem: "triples", Name: "completed",
		Help: "Completed unspent triples in the pool.",
	})
	triplesMineGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mpc", Subsystem: "triples", Name: "mine",
		Help: "Completed unspent triples initiated by this node.",
	})
	tripleGeneratorsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mpc", Subsystem: "triples", Name: "generators",
		Help: "Ongoing triple generation protocols.",
	})
	triplesGeneratedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mpc", Subsystem: "triples", Name: "generated_total",
		Help: "Triples completed since start.",
	})
	triplesFailedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mpc", Subsystem: "triples", Name: "failed_total",
		Help: "Triple generators dropped on protocol failure or timeout.",
	})
	triplesTakenCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mpc", Subsystem: "triples", Name: "taken_total",
		Help: "Triples consumed from the pool.",
	})

	presigsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mpc", Subsystem: "presignatures", Name: "completed",
		Help: "Completed unspent presignatures in the pool.",
	})
	presigsMineGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mpc", Subsystem: "presignatures", Name: "mine",
		Help: "Completed unspent presignatures initiated by this node.",
	})
	presigGeneratorsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mpc", Subsystem: "presignatures", Name: "generators",
		Help: "Ongoing presignature generation protocols.",
	})
	presigsGeneratedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mpc", Subsystem: "presignatures", Name: "generated_total",
		Help: "Presignatures completed since start.",
	})
	presigsFailedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mpc", Subsystem: "presignatures", Name: "failed_total",
		Help: "Presignature generators dropped on protocol failure or timeout.",
	})
	presigsTakenCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mpc", Subsystem: "presignatures", Name: "taken_total",
		Help: "Presignatures consumed from the pool.",
	})

	staleMessagesCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mpc", Subsystem: "router", Name: "stale_messages_total",
		Help: "Inbound messages dropped for epoch mismatch.",
	})
	deferredMessagesCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mpc", Subsystem: "router", Name: "deferred_messages_total",
		Help: "Presignature messages buffered while waiting for their triples.",
	})
	expiredMessagesCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mpc", Subsystem: "router", Name: "expired_messages_total",
		Help: "Buffered messages dropped after their TTL elapsed.",
	})
)
