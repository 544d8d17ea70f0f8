package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/studiowebux/stompload/internal/barrier"
	"github.com/studiowebux/stompload/internal/client"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Phase names, in execution order
const (
	PhaseWarmup     = "warmup"
	PhaseConnect    = "connect"
	PhaseSubscribe  = "subscribe"
	PhaseBroadcast  = "broadcast"
	PhaseDisconnect = "disconnect"

	phaseProducers = "producer-connect"
)

// Run statuses
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// cleanupWait bounds how long cleanup waits for transports to report close
const cleanupWait = 5 * time.Second

// PhaseResult is the outcome of one timed phase
type PhaseResult struct {
	Name       string                `json:"name" yaml:"name"`
	Duration   time.Duration         `json:"-" yaml:"-"`
	DurationMs int64                 `json:"durationMs" yaml:"durationMs"`
	Expected   int                   `json:"expected" yaml:"expected"`
	Completed  int                   `json:"completed" yaml:"completed"`
	Missing    []barrier.Outstanding `json:"missing,omitempty" yaml:"missing,omitempty"`
	Error      string                `json:"error,omitempty" yaml:"error,omitempty"`
}

// LatencySummary is send-to-receive latency over all deliveries, in milliseconds
type LatencySummary struct {
	Min int64   `json:"minMs" yaml:"minMs"`
	Avg float64 `json:"avgMs" yaml:"avgMs"`
	P50 int64   `json:"p50Ms" yaml:"p50Ms"`
	P95 int64   `json:"p95Ms" yaml:"p95Ms"`
	P99 int64   `json:"p99Ms" yaml:"p99Ms"`
	Max int64   `json:"maxMs" yaml:"maxMs"`
}

// Result is the report of one scenario run
type Result struct {
	Scenario           string         `json:"scenario" yaml:"scenario"`
	URL                string         `json:"url" yaml:"url"`
	Destination        string         `json:"destination" yaml:"destination"`
	Users              int            `json:"users" yaml:"users"`
	Messages           int            `json:"messages" yaml:"messages"`
	Producers          int            `json:"producers" yaml:"producers"`
	StartedAt          time.Time      `json:"startedAt" yaml:"startedAt"`
	CompletedAt        time.Time      `json:"completedAt" yaml:"completedAt"`
	Status             string         `json:"status" yaml:"status"`
	ExpectedDeliveries int            `json:"expectedDeliveries" yaml:"expectedDeliveries"`
	Delivered          int            `json:"delivered" yaml:"delivered"`
	ThroughputPerSec   float64        `json:"throughputPerSec" yaml:"throughputPerSec"`
	Latency            LatencySummary `json:"latency" yaml:"latency"`
	Phases             []PhaseResult  `json:"phases" yaml:"phases"`
	Error              string         `json:"error,omitempty" yaml:"error,omitempty"`
	Err                error          `json:"-" yaml:"-"`
}

// Success reports whether every phase completed
func (r *Result) Success() bool {
	return r.Status == StatusCompleted
}

// Duration is the wall time of the whole run
func (r *Result) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// Phase returns the named phase result, or nil
func (r *Result) Phase(name string) *PhaseResult {
	for i := range r.Phases {
		if r.Phases[i].Name == name {
			return &r.Phases[i]
		}
	}
	return nil
}

// Progress is a point-in-time view of a running harness
type Progress struct {
	Phase              string
	PhaseExpected      int
	PhaseCompleted     int
	Delivered          int
	ExpectedDeliveries int
	Elapsed            time.Duration
	Finished           bool
}

// Harness drives one scenario: U consumers, P producers, M messages each.
// A Harness runs once.
type Harness struct {
	config     *Config
	client     *client.Client
	fixture    []byte
	matcher    *PayloadMatcher
	httpClient *http.Client
	logger     *zap.Logger

	consumers []*sessionState
	producers []*sessionState

	// One latch per phase, created up front and never reused
	connectLatch    *barrier.Latch
	subscribeLatch  *barrier.Latch
	producerLatch   *barrier.Latch
	deliveryLatch   *barrier.Latch
	disconnectLatch *barrier.Latch

	statsMu sync.Mutex
	stats   *Stats

	mu         sync.Mutex
	phase      string
	phaseLatch *barrier.Latch
	startedAt  time.Time
	finishedAt time.Time

	started  atomic.Bool
	failOnce sync.Once
	failErr  error // written once before failed is closed
	failed   chan struct{}
}

// NewHarness validates config and prepares sessions and latches
func NewHarness(config *Config, logger *zap.Logger) (*Harness, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	converter, err := client.ConverterByName(config.Converter)
	if err != nil {
		return nil, err
	}
	fixture, err := converter.Marshal(config.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to convert payload: %w", err)
	}
	matcher, err := NewPayloadMatcher(config.Expect, fixture)
	if err != nil {
		return nil, fmt.Errorf("invalid expectation: %w", err)
	}

	dialer := client.NewWebSocketDialer(logger)
	dialer.TLS = config.TLS
	if len(config.Headers) > 0 {
		dialer.Header = http.Header{}
		for k, v := range config.Headers {
			dialer.Header.Set(k, v)
		}
	}

	httpClient, err := buildWarmupClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to build HTTP client: %w", err)
	}

	h := &Harness{
		config:     config,
		fixture:    fixture,
		matcher:    matcher,
		httpClient: httpClient,
		logger:     logger.With(zap.String("scenario", config.Name)),
		stats:      NewStats(config.ExpectedDeliveries()),
		failed:     make(chan struct{}),
	}
	h.client = client.New(config.URL, dialer, h.logger)
	h.client.Converter = converter

	consumerIDs := make([]string, config.Users)
	for i := range consumerIDs {
		consumerIDs[i] = "session-" + strconv.Itoa(i)
		h.consumers = append(h.consumers, newSessionState(consumerIDs[i], i, roleConsumer))
	}
	producerIDs := make([]string, config.Producers)
	for i := range producerIDs {
		producerIDs[i] = "producer-" + strconv.Itoa(i)
		h.producers = append(h.producers, newSessionState(producerIDs[i], i, roleProducer))
	}

	h.connectLatch = barrier.NewIDs(PhaseConnect, consumerIDs, 1)
	h.subscribeLatch = barrier.NewIDs(PhaseSubscribe, consumerIDs, 1)
	h.producerLatch = barrier.NewIDs(phaseProducers, producerIDs, 1)
	h.deliveryLatch = barrier.NewIDs(PhaseBroadcast, consumerIDs, config.Messages*config.Producers)
	h.disconnectLatch = barrier.NewIDs(PhaseDisconnect, consumerIDs, 1)

	return h, nil
}

// Config returns the scenario being run
func (h *Harness) Config() *Config {
	return h.config
}

// Run executes the phases in order and always disconnects every session
// before returning. The returned error is also stored in Result.Err.
func (h *Harness) Run(ctx context.Context) (*Result, error) {
	if !h.started.CompareAndSwap(false, true) {
		return nil, errors.New("harness has already run")
	}

	result := &Result{
		Scenario:           h.config.Name,
		URL:                h.config.URL,
		Destination:        h.config.Destination,
		Users:              h.config.Users,
		Messages:           h.config.Messages,
		Producers:          h.config.Producers,
		StartedAt:          time.Now(),
		Status:             StatusRunning,
		ExpectedDeliveries: h.config.ExpectedDeliveries(),
	}
	h.mu.Lock()
	h.startedAt = result.StartedAt
	h.mu.Unlock()

	h.logger.Info("scenario started",
		zap.String("url", h.config.URL),
		zap.Int("users", h.config.Users),
		zap.Int("messages", h.config.Messages),
		zap.Int("producers", h.config.Producers))

	err := h.execute(ctx, result)
	h.cleanup()

	result.CompletedAt = time.Now()
	h.mu.Lock()
	h.finishedAt = result.CompletedAt
	h.mu.Unlock()

	stats := h.Stats()
	result.Delivered = stats.Delivered
	result.ThroughputPerSec = stats.Throughput()
	result.Latency = LatencySummary{
		Min: stats.Min(),
		Avg: stats.AvgLatencyMs(),
		P50: stats.P50(),
		P95: stats.P95(),
		P99: stats.P99(),
		Max: stats.Max(),
	}

	switch {
	case err == nil:
		result.Status = StatusCompleted
	case errors.Is(err, context.Canceled):
		result.Status = StatusCancelled
	default:
		result.Status = StatusFailed
	}
	if err != nil {
		result.Err = err
		result.Error = err.Error()
		h.logger.Warn("scenario failed", zap.Error(err))
	} else {
		h.logger.Info("scenario completed",
			zap.Duration("duration", result.Duration()),
			zap.Float64("throughput_per_sec", result.ThroughputPerSec))
	}
	return result, err
}

// Progress returns a snapshot safe to call from any goroutine
func (h *Harness) Progress() Progress {
	h.mu.Lock()
	p := Progress{
		Phase:              h.phase,
		ExpectedDeliveries: h.config.ExpectedDeliveries(),
		Finished:           !h.finishedAt.IsZero(),
	}
	latch := h.phaseLatch
	switch {
	case h.startedAt.IsZero():
	case p.Finished:
		p.Elapsed = h.finishedAt.Sub(h.startedAt)
	default:
		p.Elapsed = time.Since(h.startedAt)
	}
	h.mu.Unlock()

	if latch != nil {
		p.PhaseExpected = latch.Expected()
		p.PhaseCompleted = p.PhaseExpected - latch.Remaining()
	}

	h.statsMu.Lock()
	p.Delivered = h.stats.Delivered
	h.statsMu.Unlock()
	return p
}

// Stats returns a copy of the delivery statistics
func (h *Harness) Stats() *Stats {
	h.statsMu.Lock()
	defer h.statsMu.Unlock()
	return h.stats.Clone()
}

type phaseStep struct {
	name  string
	latch *barrier.Latch
	run   func(context.Context) error
}

func (h *Harness) execute(ctx context.Context, result *Result) error {
	var steps []phaseStep
	if h.config.WarmupURL != "" {
		steps = append(steps, phaseStep{PhaseWarmup, nil, h.warmup})
	}
	steps = append(steps,
		phaseStep{PhaseConnect, h.connectLatch, h.connect},
		phaseStep{PhaseSubscribe, h.subscribeLatch, h.subscribe},
		phaseStep{PhaseBroadcast, h.deliveryLatch, h.broadcast},
		phaseStep{PhaseDisconnect, h.disconnectLatch, h.disconnect},
	)

	for _, step := range steps {
		if err := h.runPhase(ctx, result, step); err != nil {
			return err
		}
	}
	return nil
}

func (h *Harness) runPhase(ctx context.Context, result *Result, step phaseStep) error {
	h.mu.Lock()
	h.phase = step.name
	h.phaseLatch = step.latch
	h.mu.Unlock()

	h.logger.Debug("phase started", zap.String("phase", step.name))
	start := time.Now()

	err := h.abortErr(ctx)
	if err == nil {
		err = step.run(ctx)
	}

	pr := PhaseResult{Name: step.name, Duration: time.Since(start)}
	pr.DurationMs = pr.Duration.Milliseconds()
	if step.latch != nil {
		pr.Expected = step.latch.Expected()
		pr.Completed = pr.Expected - step.latch.Remaining()
		if err != nil {
			pr.Missing = step.latch.Missing()
		}
	} else {
		pr.Expected = 1
		if err == nil {
			pr.Completed = 1
		}
	}
	if err != nil {
		pr.Error = err.Error()
	}
	result.Phases = append(result.Phases, pr)

	h.logger.Info("phase finished",
		zap.String("phase", step.name),
		zap.Duration("duration", pr.Duration),
		zap.Int("completed", pr.Completed),
		zap.Int("expected", pr.Expected))

	if err != nil {
		return &PhaseError{Phase: step.name, Err: err}
	}
	return nil
}

// warmup issues one GET that must answer 200 before any session opens
func (h *Harness) warmup(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, h.config.GetConnectTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.config.WarmupURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create warm-up request: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("warm-up request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("warm-up %s returned HTTP %d", h.config.WarmupURL, resp.StatusCode)
	}
	return nil
}

// connect dials every consumer with bounded concurrency and waits for CONNECTED
func (h *Harness) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	dialed := make(chan struct{})
	go func() {
		defer close(dialed)
		g := new(errgroup.Group)
		g.SetLimit(h.config.DialConcurrency)
		for _, st := range h.consumers {
			if dialCtx.Err() != nil {
				break
			}
			st := st
			g.Go(func() error {
				return h.dial(dialCtx, st)
			})
		}
		// Dial failures already reached the failure recorder
		_ = g.Wait()
	}()

	err := h.await(ctx, h.connectLatch, h.config.GetConnectTimeout())
	cancel()
	<-dialed
	return err
}

func (h *Harness) dial(ctx context.Context, st *sessionState) error {
	s, err := h.client.ConnectSession(ctx, st.id, &sessionHandler{h: h, state: st})
	if err != nil {
		return err
	}
	st.session.Store(s)
	return nil
}

// subscribe subscribes every consumer with receipt receipt-<index>
func (h *Harness) subscribe(ctx context.Context) error {
	for _, st := range h.consumers {
		s := st.session.Load()
		if s == nil {
			return fmt.Errorf("%s has no open session", st.id)
		}
		if _, err := s.Subscribe(h.config.Destination, "receipt-"+strconv.Itoa(st.index)); err != nil {
			return fmt.Errorf("failed to subscribe %s: %w", st.id, err)
		}
		if err := h.abortErr(ctx); err != nil {
			return err
		}
	}
	return h.await(ctx, h.subscribeLatch, h.config.GetSubscribeTimeout())
}

// broadcast connects the producers, sends M messages from each and waits
// for U×M×P deliveries
func (h *Harness) broadcast(ctx context.Context) error {
	for _, st := range h.producers {
		if err := h.dial(ctx, st); err != nil {
			return err
		}
	}
	if err := h.await(ctx, h.producerLatch, h.config.GetConnectTimeout()); err != nil {
		return err
	}

	sendCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	sent := make(chan error, 1)
	go func() {
		g := new(errgroup.Group)
		for _, st := range h.producers {
			st := st
			g.Go(func() error {
				return h.produce(sendCtx, st)
			})
		}
		sent <- g.Wait()
	}()

	err := h.await(ctx, h.deliveryLatch, h.config.GetBroadcastTimeout())
	elapsed := time.Since(start)
	cancel()
	<-sent

	h.statsMu.Lock()
	h.stats.Elapsed = elapsed
	h.statsMu.Unlock()

	// Producers are done once every delivery is in
	for _, st := range h.producers {
		if derr := st.disconnect(); derr != nil {
			h.logger.Debug("producer disconnect failed", zap.String("session_id", st.id), zap.Error(derr))
		}
	}
	return err
}

func (h *Harness) produce(ctx context.Context, st *sessionState) error {
	s := st.session.Load()
	for i := 0; i < h.config.Messages; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.SendWithHeaders(h.config.SendDestination, h.fixture,
			HeaderSentAt, strconv.FormatInt(time.Now().UnixNano(), 10),
			HeaderProducer, st.id,
			HeaderSequence, strconv.Itoa(i))
		if err != nil {
			h.fail(&SessionFailure{SessionID: st.id, Kind: "send failed", Detail: err.Error()})
			return err
		}
	}
	return nil
}

// disconnect closes every consumer and waits for the transports to report close
func (h *Harness) disconnect(ctx context.Context) error {
	for _, st := range h.consumers {
		if err := st.disconnect(); err != nil {
			h.logger.Debug("disconnect failed", zap.String("session_id", st.id), zap.Error(err))
		}
	}
	return h.await(ctx, h.disconnectLatch, h.config.GetDisconnectTimeout())
}

// cleanup disconnects every session that is still open, whatever the outcome
func (h *Harness) cleanup() {
	var open []*client.Session
	for _, group := range [][]*sessionState{h.consumers, h.producers} {
		for _, st := range group {
			_ = st.disconnect()
			if s := st.session.Load(); s != nil {
				open = append(open, s)
			}
		}
	}

	deadline := time.NewTimer(cleanupWait)
	defer deadline.Stop()
	for _, s := range open {
		select {
		case <-s.Done():
		case <-deadline.C:
			h.logger.Warn("sessions still closing after cleanup", zap.Duration("waited", cleanupWait))
			return
		}
	}
}

// await blocks until l completes, the scenario aborts, ctx ends or timeout
// elapses
func (h *Harness) await(ctx context.Context, l *barrier.Latch, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-l.Done():
		return nil
	case <-h.failed:
		return h.failErr
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return l.TimeoutError(timeout)
	}
}

// abortErr reports an earlier failure or cancellation without blocking
func (h *Harness) abortErr(ctx context.Context) error {
	select {
	case <-h.failed:
		return h.failErr
	default:
	}
	return ctx.Err()
}

// fail records the first hard failure and wakes the orchestrator
func (h *Harness) fail(err error) {
	h.failOnce.Do(func() {
		h.failErr = err
		close(h.failed)
		h.logger.Warn("aborting scenario", zap.Error(err))
	})
}

func (h *Harness) recordDelivery(latencyMs int64) {
	h.statsMu.Lock()
	h.stats.AddDelivery(latencyMs)
	h.statsMu.Unlock()
}

func buildWarmupClient(config *Config) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil {
		tlsConfig, err := client.BuildTLSConfig(config.TLS)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}
	return &http.Client{Transport: transport}, nil
}
