package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charterlabs/eventcore/pkg/config"
	"github.com/charterlabs/eventcore/pkg/db/models"
	"github.com/charterlabs/eventcore/pkg/dedup"
	"github.com/charterlabs/eventcore/pkg/envelope"
	eventerrors "github.com/charterlabs/eventcore/pkg/errors"
	"github.com/charterlabs/eventcore/pkg/logger"
	"github.com/charterlabs/eventcore/pkg/metrics"
	"github.com/charterlabs/eventcore/pkg/stream"
)

const (
	defaultBatchSize    = 64
	defaultBlockTimeout = 5 * time.Second
	defaultStopGrace    = 30 * time.Second
)

// Handler processes one decoded envelope. Returning nil acknowledges the
// entry and records it as processed. Errors from the closed taxonomy in
// pkg/errors drive the acknowledgement decision: permanent codes record the
// entry as failed and acknowledge it, transient codes leave it pending for
// redelivery. Untyped errors are treated as transient.
//
// Handlers may run more than once for the same logical event when a crash
// lands between handler success and the dedup write; they should tolerate
// redundant execution. The dedup check before dispatch is the primary
// enforcement point, handler idempotency is defense in depth.
type Handler func(ctx context.Context, env envelope.Envelope) error

// Params collects the consumer's dependencies. Log, Store, Config and
// Logger are hard requirements; construction fails fast without them.
type Params struct {
	Config  *config.Config
	Log     stream.Log
	Store   dedup.Store
	Logger  *logger.Logger
	Metrics *metrics.ConsumerMetrics
}

// Consumer drives the read, dispatch, classify, acknowledge loop for one
// subscriber. The subscriber name is the consumer group: all instances in a
// group share one dedup ledger, so a position handled by any of them is
// handled for the group.
type Consumer struct {
	log     stream.Log
	store   dedup.Store
	logg    *logger.Logger
	metrics *metrics.ConsumerMetrics

	stream       string
	group        string
	name         string
	tenantID     *string
	batchSize    int64
	blockTimeout time.Duration

	claimMinIdle  time.Duration
	claimInterval time.Duration
	lastClaim     time.Time

	stopGrace time.Duration

	mu       sync.Mutex
	handlers map[string]Handler
	running  bool
	cancel   context.CancelFunc
	done     chan error

	now func() time.Time
}

func New(params Params) (*Consumer, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Log == nil {
		return nil, errors.New("event log is required")
	}
	if params.Store == nil {
		return nil, errors.New("dedup store is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	cc := params.Config.Consumer
	if cc.Stream == "" || cc.Group == "" || cc.Name == "" {
		return nil, errors.New("consumer stream, group and name are required")
	}

	batch := params.Config.Stream.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	block := params.Config.Stream.BlockTimeout
	if block <= 0 {
		block = defaultBlockTimeout
	}
	grace := cc.StopGrace
	if grace <= 0 {
		grace = defaultStopGrace
	}

	var tenant *string
	if params.Config.Dedup.TenantID != "" {
		t := params.Config.Dedup.TenantID
		tenant = &t
	}

	return &Consumer{
		log:           params.Log,
		store:         params.Store,
		logg:          params.Logger,
		metrics:       params.Metrics,
		stream:        cc.Stream,
		group:         cc.Group,
		name:          cc.Name,
		tenantID:      tenant,
		batchSize:     batch,
		blockTimeout:  block,
		claimMinIdle:  cc.ClaimMinIdle,
		claimInterval: cc.ClaimInterval,
		stopGrace:     grace,
		handlers:      make(map[string]Handler),
		now:           time.Now,
	}, nil
}

// RegisterHandler binds a handler to an event type. Duplicate registration
// for the same type is rejected so routing stays deterministic; registration
// is closed once the loop starts.
func (c *Consumer) RegisterHandler(eventType string, handler Handler) error {
	if eventType == "" {
		return errors.New("event type is required")
	}
	if handler == nil {
		return errors.New("handler is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return errors.New("cannot register handlers while running")
	}
	if _, exists := c.handlers[eventType]; exists {
		return fmt.Errorf("handler already registered for %q", eventType)
	}
	c.handlers[eventType] = handler
	return nil
}

// Run executes the loop until ctx is canceled or the infrastructure fails.
// Cancellation is graceful: the entry being handled finishes and its outcome
// is recorded before Run returns. Infrastructure errors from the log or the
// dedup store halt the loop and surface to the caller; nothing is acked or
// recorded for entries caught mid-flight, so they redeliver once the
// infrastructure recovers.
func (c *Consumer) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("consumer already running")
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	if err := c.log.EnsureGroup(ctx, c.stream, c.group); err != nil {
		return err
	}

	logCtx := c.logg.WithFields(ctx, map[string]any{
		"stream":   c.stream,
		"group":    c.group,
		"consumer": c.name,
	})
	c.logg.Info(logCtx, "consumer loop started")

	for {
		select {
		case <-ctx.Done():
			c.logg.Info(logCtx, "consumer loop stopped")
			return nil
		default:
		}

		if err := c.runOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				c.logg.Info(logCtx, "consumer loop stopped")
				return nil
			}
			c.logg.Error(logCtx, "consumer loop halted", err)
			return err
		}
	}
}

// Start launches Run on a background context. Use Stop to shut down.
func (c *Consumer) Start() error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return errors.New("consumer already started")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan error, 1)
	done := c.done
	c.mu.Unlock()

	go func() {
		done <- c.Run(ctx)
	}()
	return nil
}

// Stop cancels the loop and waits, up to the configured grace period, for
// the in-flight entry to finish. Entries whose handler has not completed are
// never acknowledged.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.done = nil
	c.mu.Unlock()

	if cancel == nil {
		return errors.New("consumer not started")
	}
	cancel()

	grace := time.NewTimer(c.stopGrace)
	defer grace.Stop()
	select {
	case err := <-done:
		return err
	case <-grace.C:
		return errors.New("consumer did not stop within grace period")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runOnce reclaims entries stranded by dead consumers, then reads and
// processes the next batch sequentially.
func (c *Consumer) runOnce(ctx context.Context) error {
	if c.claimDue() {
		claimed, err := c.log.Claim(ctx, c.stream, c.group, c.name, c.claimMinIdle, c.batchSize)
		if err != nil {
			return err
		}
		c.lastClaim = c.now()
		if len(claimed) > 0 {
			c.metrics.IncClaimed(c.group, len(claimed))
			c.logg.Info(c.logg.WithField(ctx, "claimed", len(claimed)), "reclaimed pending entries")
		}
		for _, entry := range claimed {
			if err := c.processEntry(ctx, entry); err != nil {
				return err
			}
		}
	}

	entries, err := c.log.ReadGroup(ctx, c.stream, c.group, c.name, c.batchSize, c.blockTimeout)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := c.processEntry(ctx, entry); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
	return nil
}

func (c *Consumer) claimDue() bool {
	if c.claimMinIdle <= 0 {
		return false
	}
	return c.lastClaim.IsZero() || c.now().Sub(c.lastClaim) >= c.claimInterval
}

// processEntry walks one entry through the state machine: dedup check,
// handler dispatch, claim, acknowledge. Returned errors are infrastructure
// failures that halt the loop; handler errors never propagate out of here.
func (c *Consumer) processEntry(ctx context.Context, entry stream.Entry) error {
	env := entry.Envelope
	logCtx := c.logg.WithFields(ctx, map[string]any{
		"stream":     c.stream,
		"group":      c.group,
		"position":   entry.Position,
		"event_id":   env.ID.String(),
		"event_type": env.Type,
	})

	processed, err := c.store.IsProcessed(ctx, c.group, entry.Position)
	if err != nil {
		return err
	}
	if processed {
		c.metrics.IncOutcome(c.group, metrics.OutcomeDuplicate)
		c.logg.Info(logCtx, "position already processed, acking without dispatch")
		return c.log.Ack(ctx, c.stream, c.group, entry.Position)
	}

	handler, ok := c.lookupHandler(env.Type)
	if !ok {
		unroutable := eventerrors.New(eventerrors.CodeUnroutable,
			fmt.Sprintf("no handler registered for event type %q", env.Type))
		c.logg.Warn(logCtx, "unroutable event type")
		return c.recordAndAck(ctx, entry, unroutable)
	}

	// Once dispatch begins the attempt runs to completion: the handler and
	// the bookkeeping that records its outcome survive loop cancellation,
	// so a Stop mid-handler never loses a finished attempt.
	hctx := context.WithoutCancel(ctx)

	handlerErr := c.dispatch(hctx, env, handler)
	if handlerErr == nil {
		c.logg.Info(logCtx, "handler succeeded")
		return c.recordAndAck(hctx, entry, nil)
	}

	if eventerrors.IsPermanent(handlerErr) {
		c.logg.Error(logCtx, "handler failed permanently", handlerErr)
		return c.recordAndAck(hctx, entry, handlerErr)
	}

	// Transient: no record, no ack. The entry stays pending in the group
	// and redelivers via XAUTOCLAIM or a restarted consumer.
	c.metrics.IncOutcome(c.group, metrics.OutcomeFailedTransient)
	c.logg.Warn(c.logg.WithField(logCtx, "error", handlerErr.Error()), "handler failed transiently, leaving entry pending")
	return nil
}

func (c *Consumer) dispatch(ctx context.Context, env envelope.Envelope, handler Handler) error {
	release := c.metrics.TrackInFlight(c.group)
	defer release()

	started := c.now()
	err := handler(ctx, env)
	c.metrics.ObserveDuration(c.group, env.Type, c.now().Sub(started))
	return err
}

// recordAndAck writes the dedup record for a finished attempt and then acks
// the log. handlerErr nil means success; a permanent handlerErr is recorded
// as failed so the poison message stops blocking the stream. Losing the
// claim race to another instance still acks: the work is recorded either way.
func (c *Consumer) recordAndAck(ctx context.Context, entry stream.Entry, handlerErr error) error {
	env := entry.Envelope
	claim := dedup.Claim{
		SubscriberName: c.group,
		StreamName:     c.stream,
		StreamPosition: entry.Position,
		EventID:        env.ID.String(),
		EventType:      env.Type,
		Status:         models.DedupStatusSucceeded,
		TenantID:       c.tenantID,
		Metadata:       env.Payload,
	}
	outcome := metrics.OutcomeSucceeded
	if handlerErr != nil {
		reason := handlerErr.Error()
		claim.Status = models.DedupStatusFailedPermanent
		claim.FailureReason = &reason
		outcome = metrics.OutcomeFailedPermanent
	}

	result, err := c.store.TryClaim(ctx, claim)
	if err != nil {
		return err
	}
	if result == dedup.OutcomeAlreadyProcessed {
		outcome = metrics.OutcomeDuplicate
	}
	c.metrics.IncOutcome(c.group, outcome)
	return c.log.Ack(ctx, c.stream, c.group, entry.Position)
}

func (c *Consumer) lookupHandler(eventType string) (Handler, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	handler, ok := c.handlers[eventType]
	return handler, ok
}
