// Package metrics exposes Prometheus collectors for kernel sessions.
//
// A nil *Metrics is valid and records nothing, so every component accepts an
// optional instance without checking.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "jupytercore"

// Exit outcomes recorded by ObserveExit.
const (
	ExitGraceful = "graceful"
	ExitKilled   = "killed"
	ExitError    = "error"
)

// Decode failure reasons recorded by IncDecodeError.
const (
	ReasonSignature = "signature"
	ReasonMalformed = "malformed"
)

// Metrics holds the collectors for one registry.
type Metrics struct {
	messagesSent     *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec
	decodeErrors     *prometheus.CounterVec
	kernelExits      *prometheus.CounterVec
	kernelsRunning   prometheus.Gauge
	discoveryErrors  prometheus.Counter
	launchDuration   *prometheus.HistogramVec
}

// MustNewMetrics creates the collectors and registers them with reg, falling
// back to the default registerer when reg is nil. Collectors already present
// in reg are reused. Any other registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		messagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "connection",
				Name:      "messages_sent_total",
				Help:      "Messages sent to the kernel, by channel.",
			},
			[]string{"channel"},
		),
		messagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "connection",
				Name:      "messages_received_total",
				Help:      "Messages received from the kernel, by channel.",
			},
			[]string{"channel"},
		),
		decodeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "connection",
				Name:      "decode_errors_total",
				Help:      "Inbound messages that failed to decode or verify.",
			},
			[]string{"channel", "reason"},
		),
		kernelExits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "process",
				Name:      "exits_total",
				Help:      "Kernel process exits, by outcome.",
			},
			[]string{"outcome"},
		),
		kernelsRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "process",
				Name:      "running",
				Help:      "Kernel processes currently running.",
			},
		),
		discoveryErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "kernelspec",
				Name:      "discovery_errors_total",
				Help:      "Kernel directories skipped because their kernel.json was unusable.",
			},
		),
		launchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "kernel",
				Name:      "launch_duration_seconds",
				Help:      "Time from launch until all channels connected.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status"},
		),
	}

	m.messagesSent = register(reg, m.messagesSent)
	m.messagesReceived = register(reg, m.messagesReceived)
	m.decodeErrors = register(reg, m.decodeErrors)
	m.kernelExits = register(reg, m.kernelExits)
	m.kernelsRunning = register(reg, m.kernelsRunning)
	m.discoveryErrors = register(reg, m.discoveryErrors)
	m.launchDuration = register(reg, m.launchDuration)

	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// IncSent counts one outbound message.
func (m *Metrics) IncSent(channel string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(channel).Inc()
}

// IncReceived counts one decoded inbound message.
func (m *Metrics) IncReceived(channel string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(channel).Inc()
}

// IncDecodeError counts one inbound failure; reason is ReasonSignature or
// ReasonMalformed.
func (m *Metrics) IncDecodeError(channel, reason string) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(channel, reason).Inc()
}

// KernelStarted increments the running gauge.
func (m *Metrics) KernelStarted() {
	if m == nil {
		return
	}
	m.kernelsRunning.Inc()
}

// ObserveExit decrements the running gauge and counts the exit outcome.
func (m *Metrics) ObserveExit(outcome string) {
	if m == nil {
		return
	}
	m.kernelsRunning.Dec()
	m.kernelExits.WithLabelValues(outcome).Inc()
}

// IncDiscoveryError counts one skipped kernel directory.
func (m *Metrics) IncDiscoveryError() {
	if m == nil {
		return
	}
	m.discoveryErrors.Inc()
}

// ObserveLaunch records how long a launch took; status is "ok" or "error".
func (m *Metrics) ObserveLaunch(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.launchDuration.WithLabelValues(status).Observe(d.Seconds())
}
