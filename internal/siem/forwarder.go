package siem

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/authgateway/gateway/infrastructure/resilience"
	"github.com/authgateway/gateway/internal/audit"
	"github.com/authgateway/gateway/internal/gatewaymetrics"
)

// sinkState holds one registered sink's batching, retry, circuit-breaker,
// and dead-letter state.
type sinkState struct {
	sink Sink
	cfg  SinkConfig

	queue   *boundedQueue
	breaker *sinkBreaker

	deadMu     sync.Mutex
	deadLetter []audit.Record
}

func (s *sinkState) pushDeadLetter(records []audit.Record) {
	s.deadMu.Lock()
	defer s.deadMu.Unlock()
	s.deadLetter = append(s.deadLetter, records...)
}

func (s *sinkState) drainDeadLetter(n int) []audit.Record {
	s.deadMu.Lock()
	defer s.deadMu.Unlock()
	if n > len(s.deadLetter) {
		n = len(s.deadLetter)
	}
	out := make([]audit.Record, n)
	copy(out, s.deadLetter[:n])
	s.deadLetter = s.deadLetter[n:]
	return out
}

func (s *sinkState) deadLetterLen() int {
	s.deadMu.Lock()
	defer s.deadMu.Unlock()
	return len(s.deadLetter)
}

// ForwarderConfig tunes the shared tailer that pulls unshipped records out
// of the Audit Recorder and fans them out to every registered sink.
type ForwarderConfig struct {
	TailInterval   time.Duration // default 1s
	TailLimit      int           // default 500
	DeadLetterCron string        // default "@every 1m"
}

func (c ForwarderConfig) withDefaults() ForwarderConfig {
	if c.TailInterval <= 0 {
		c.TailInterval = time.Second
	}
	if c.TailLimit <= 0 {
		c.TailLimit = 500
	}
	if c.DeadLetterCron == "" {
		c.DeadLetterCron = "@every 1m"
	}
	return c
}

// Forwarder tails internal/audit.Store for records not yet marked
// siem_forwarded_at, fans each one out to every registered sink, and marks
// a record forwarded in the Audit Recorder only once every sink has
// acknowledged it. The append-only schema tracks one "left the building"
// timestamp rather than per-sink delivery state, so per-sink progress is
// kept here, in memory, as a count of sinks still owing each record, next
// to one shared resume cursor for the tail query; a record
// already durably audited is never lost even if its SIEM shipment never
// catches up after a crash, since the tail simply resumes from the oldest
// still-unforwarded row.
type Forwarder struct {
	source  AuditSource
	log     zerolog.Logger
	metrics *gatewaymetrics.Metrics
	cfg     ForwarderConfig

	mu    sync.RWMutex
	sinks map[string]*sinkState

	pendingMu sync.Mutex
	pending   map[string]int // audit record id -> sinks still owing delivery

	lastTailedID string

	cronSched *cron.Cron
	stop      chan struct{}
	wg        sync.WaitGroup
}

// New constructs a Forwarder. Call RegisterSink for each sink before Start.
func New(source AuditSource, log zerolog.Logger, metrics *gatewaymetrics.Metrics, cfg ForwarderConfig) *Forwarder {
	return &Forwarder{
		source:  source,
		log:     log.With().Str("component", "siem_forwarder").Logger(),
		metrics: metrics,
		cfg:     cfg.withDefaults(),
		sinks:   make(map[string]*sinkState),
		pending: make(map[string]int),
		stop:    make(chan struct{}),
	}
}

// RegisterSink adds a sink. Must be called before Start.
func (f *Forwarder) RegisterSink(sink Sink, cfg SinkConfig) {
	cfg = cfg.withDefaults()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks[sink.ID()] = &sinkState{
		sink:    sink,
		cfg:     cfg,
		queue:   newBoundedQueue(cfg.QueueCapacity),
		breaker: newSinkBreaker(cfg.CircuitMaxFailures, cfg.CircuitCooldown, cfg.CircuitMaxCooldown),
	}
}

// Start begins tailing the Audit Recorder and shipping to every registered
// sink. It returns once all background goroutines have been launched; call
// Stop to shut them down.
func (f *Forwarder) Start(ctx context.Context) {
	f.wg.Add(1)
	go f.tailLoop(ctx)

	f.mu.RLock()
	for _, st := range f.sinks {
		f.wg.Add(1)
		go f.flushLoop(ctx, st)
	}
	f.mu.RUnlock()

	f.cronSched = cron.New()
	_, _ = f.cronSched.AddFunc(f.cfg.DeadLetterCron, func() { f.sweepDeadLetters(ctx) })
	f.cronSched.Start()
}

// Stop halts the tailer, flush loops, and dead-letter sweep.
func (f *Forwarder) Stop() {
	close(f.stop)
	if f.cronSched != nil {
		<-f.cronSched.Stop().Done()
	}
	f.wg.Wait()
}

func (f *Forwarder) tailLoop(ctx context.Context) {
	defer f.wg.Done()
	ticker := time.NewTicker(f.cfg.TailInterval)
	defer ticker.Stop()
	for {
		select {
		case <-f.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.tailOnce(ctx)
		}
	}
}

func (f *Forwarder) tailOnce(ctx context.Context) {
	records, err := f.source.ListUnforwardedSince(ctx, f.lastTailedID, f.cfg.TailLimit)
	if err != nil {
		f.log.Warn().Err(err).Msg("siem tail query failed")
		return
	}
	if len(records) == 0 {
		return
	}

	f.mu.RLock()
	sinkCount := len(f.sinks)
	f.pendingMu.Lock()
	for _, rec := range records {
		f.pending[rec.ID] = sinkCount
	}
	f.pendingMu.Unlock()
	for _, st := range f.sinks {
		for _, rec := range records {
			st.queue.push(rec)
		}
	}
	f.mu.RUnlock()

	f.lastTailedID = records[len(records)-1].ID
}

func (f *Forwarder) flushLoop(ctx context.Context, st *sinkState) {
	defer f.wg.Done()
	ticker := time.NewTicker(st.cfg.BatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-f.stop:
			for st.queue.len() > 0 {
				f.flushOnce(ctx, st, st.cfg.BatchSize)
			}
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			for st.queue.len() >= st.cfg.BatchSize {
				f.flushOnce(ctx, st, st.cfg.BatchSize)
			}
			f.flushOnce(ctx, st, st.cfg.BatchSize)
		}
	}
}

func (f *Forwarder) flushOnce(ctx context.Context, st *sinkState, n int) {
	records := st.queue.drain(n)
	if len(records) == 0 {
		return
	}
	f.ship(ctx, st, records)
}

func (f *Forwarder) ship(ctx context.Context, st *sinkState, records []audit.Record) {
	retryCfg := resilience.RetryConfig{
		MaxAttempts:  st.cfg.RetryAttempts,
		InitialDelay: st.cfg.RetryBaseDelay,
		MaxDelay:     st.cfg.RetryMaxDelay,
		Multiplier:   2.0,
		Jitter:       0.1,
	}

	err := st.breaker.Execute(ctx, func() error {
		return resilience.Retry(ctx, retryCfg, func() error {
			_, sendErr := st.sink.SendBatch(ctx, records)
			return sendErr
		})
	})

	if f.metrics != nil {
		f.metrics.SIEMBatchSize.Observe(float64(len(records)))
		f.metrics.SIEMCircuitState.WithLabelValues(st.sink.ID()).Set(circuitStateGauge(st.breaker.State()))
	}

	if err != nil {
		st.pushDeadLetter(records)
		if f.metrics != nil {
			f.metrics.SIEMShipmentsTotal.WithLabelValues(st.sink.ID(), "failed").Inc()
			f.metrics.SIEMDeadLetterSize.Set(float64(f.totalDeadLetterLen()))
		}
		f.log.Warn().Str("sink", st.sink.ID()).Int("records", len(records)).Err(err).
			Msg("siem batch exhausted retries, moved to dead letter")
		return
	}

	if f.metrics != nil {
		f.metrics.SIEMShipmentsTotal.WithLabelValues(st.sink.ID(), "ok").Inc()
	}
	f.log.Debug().Str("sink", st.sink.ID()).Int("records", len(records)).Msg("siem batch shipped")
	f.acknowledge(ctx, records)
}

// acknowledge decrements the per-record pending-sink count and marks a
// record forwarded in the Audit Recorder once every sink has delivered it.
func (f *Forwarder) acknowledge(ctx context.Context, records []audit.Record) {
	now := time.Now()
	f.pendingMu.Lock()
	var fullyDelivered []string
	for _, rec := range records {
		remaining, ok := f.pending[rec.ID]
		if !ok {
			continue
		}
		remaining--
		if remaining <= 0 {
			delete(f.pending, rec.ID)
			fullyDelivered = append(fullyDelivered, rec.ID)
		} else {
			f.pending[rec.ID] = remaining
		}
	}
	f.pendingMu.Unlock()

	for _, id := range fullyDelivered {
		if err := f.source.MarkForwarded(ctx, id, now); err != nil {
			f.log.Warn().Str("record_id", id).Err(err).Msg("failed to mark audit record forwarded")
		}
	}
}

// sweepDeadLetters retries each sink's dead-letter queue once per cron
// tick, skipping sinks whose circuit is currently open.
func (f *Forwarder) sweepDeadLetters(ctx context.Context) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, st := range f.sinks {
		if st.breaker.State() == resilience.StateOpen {
			continue
		}
		records := st.drainDeadLetter(st.cfg.BatchSize)
		if len(records) == 0 {
			continue
		}
		f.ship(ctx, st, records)
	}
	if f.metrics != nil {
		f.metrics.SIEMDeadLetterSize.Set(float64(f.totalDeadLetterLen()))
	}
}

func (f *Forwarder) totalDeadLetterLen() int {
	total := 0
	for _, st := range f.sinks {
		total += st.deadLetterLen()
	}
	return total
}

func circuitStateGauge(s resilience.State) float64 {
	switch s {
	case resilience.StateHalfOpen:
		return 1
	case resilience.StateOpen:
		return 2
	default:
		return 0
	}
}
