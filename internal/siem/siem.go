// Package siem implements the SIEM Forwarder: a single-producer,
// many-sinks asynchronous shipper that batches audit records to external
// sinks with retry, a per-sink circuit breaker, bounded back-pressure
// queues, and a dead-letter queue for batches that exhaust their retries.
package siem

import (
	"context"
	"time"

	"github.com/authgateway/gateway/internal/audit"
)

// SinkStatus is the health a Sink reports for its own external dependency.
type SinkStatus int

const (
	SinkHealthy SinkStatus = iota
	SinkDegraded
	SinkUnhealthy
)

// SinkHealth is the result of a Sink's own health probe.
type SinkHealth struct {
	Status SinkStatus
	Reason string
}

// Sink is an external SIEM destination. Implementations are expected to be
// safe for concurrent SendBatch calls only if SupportsBatch allows multiple
// workers; the forwarder itself ships each batch from exactly one worker.
type Sink interface {
	ID() string
	SendBatch(ctx context.Context, records []audit.Record) (int, error)
	Health(ctx context.Context) SinkHealth
	SupportsBatch() bool
	MaxPayloadSize() int
}

// AuditSource is the subset of internal/audit.Store the forwarder tails
// for unshipped records and reports shipment progress back to.
type AuditSource interface {
	ListUnforwardedSince(ctx context.Context, afterID string, limit int) ([]audit.Record, error)
	MarkForwarded(ctx context.Context, id string, at time.Time) error
}

// SinkConfig tunes one sink's batching, retry, circuit breaker, and
// back-pressure behavior. Zero values fall back to built-in defaults.
type SinkConfig struct {
	BatchSize          int           // default 100
	BatchInterval      time.Duration // default 5s
	RetryAttempts      int           // default 3
	RetryBaseDelay     time.Duration // default 2s
	RetryMaxDelay      time.Duration // default 60s
	CircuitMaxFailures int           // default 10
	CircuitCooldown    time.Duration // default 30s
	CircuitMaxCooldown time.Duration // default 5m
	QueueCapacity      int           // default 20000
}

func (c SinkConfig) withDefaults() SinkConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = 5 * time.Second
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 2 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 60 * time.Second
	}
	if c.CircuitMaxFailures <= 0 {
		c.CircuitMaxFailures = 10
	}
	if c.CircuitCooldown <= 0 {
		c.CircuitCooldown = 30 * time.Second
	}
	if c.CircuitMaxCooldown <= 0 {
		c.CircuitMaxCooldown = 5 * time.Minute
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 20000
	}
	return c
}

// batch pairs the records destined for one shipment with their source
// cursor: the highest audit record id in the batch. The Forwarder does not
// build batches of this type; its tail cursor (lastTailedID) advances as
// soon as tailed records are queued, whether or not they ship.
type batch struct {
	records  []audit.Record
	cursorID string
}
