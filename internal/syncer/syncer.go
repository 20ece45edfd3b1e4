// Package syncer reconciles the store's synced scope with a remote
// replica. Local writes queue as pending ops (collapsed per key) and are
// pushed on a schedule or on demand; inbound remote writes are applied
// under last-write-wins. A device that never syncs still works: the
// queue just grows until a drain succeeds.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/extcore/internal/capability"
	"github.com/basket/extcore/internal/otel"
	"github.com/basket/extcore/internal/store"
)

// State is the sync lifecycle of one key.
type State string

const (
	// StateClean means the key has no unpushed local writes.
	StateClean State = "clean"
	// StateDirty means a local write is queued but not yet pushed.
	StateDirty State = "dirty"
	// StateInFlight means a push for the key is on the wire.
	StateInFlight State = "inflight"
	// StateConflict means a remote write arrived while a local op was
	// pending. The state is transient: resolution runs immediately and
	// settles the key back to clean or dirty.
	StateConflict State = "conflict"
)

// ErrRemoteUnavailable wraps any transport failure talking to the
// replica. The queued op survives; the drain retries with backoff.
var ErrRemoteUnavailable = errors.New("sync remote unavailable")

// Remote is the replica transport.
type Remote interface {
	// Push sends one op. A nil return means the replica accepted it.
	Push(ctx context.Context, op store.SyncOp) error
	// Pull fetches ops committed on other devices since the last pull.
	Pull(ctx context.Context) ([]store.SyncOp, error)
}

// cronParser parses standard 5-field cron expressions.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for a Coordinator.
type Config struct {
	Store   *store.Store
	Remote  Remote
	Gate    capability.Checker // nil disables gating
	Logger  *slog.Logger
	Metrics *otel.Metrics // nil disables instrumentation

	// Schedule is a cron expression for periodic drains. Empty disables
	// scheduled drains; Kick and the write trigger still work.
	Schedule string
	// MaxAttempts caps push retries within one drain pass per key.
	MaxAttempts int
	// RetryBase is the first retry delay; doubles per attempt, capped
	// at 10x. Zero uses 250ms.
	RetryBase time.Duration
}

// Coordinator drives the push/pull cycle.
type Coordinator struct {
	store       *store.Store
	remote      Remote
	gate        capability.Checker
	logger      *slog.Logger
	metrics     *otel.Metrics
	schedule    cronlib.Schedule // nil when disabled
	maxAttempts int
	retryBase   time.Duration

	mu     sync.Mutex
	states map[string]State

	kick   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sub    *store.Subscription
}

// New creates a Coordinator. It does not start draining; call Start.
func New(cfg Config) (*Coordinator, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	retryBase := cfg.RetryBase
	if retryBase <= 0 {
		retryBase = 250 * time.Millisecond
	}

	var schedule cronlib.Schedule
	if cfg.Schedule != "" {
		parsed, err := cronParser.Parse(cfg.Schedule)
		if err != nil {
			return nil, fmt.Errorf("parse sync schedule %q: %w", cfg.Schedule, err)
		}
		schedule = parsed
	}

	c := &Coordinator{
		store:       cfg.Store,
		remote:      cfg.Remote,
		gate:        cfg.Gate,
		logger:      logger,
		metrics:     cfg.Metrics,
		schedule:    schedule,
		maxAttempts: maxAttempts,
		retryBase:   retryBase,
		states:      make(map[string]State),
		kick:        make(chan struct{}, 1),
	}
	if err := c.restoreStates(context.Background()); err != nil {
		return nil, err
	}
	return c, nil
}

// restoreStates rebuilds dirty-key tracking from the persisted queue, so
// writes from a previous run still drain after restart.
func (c *Coordinator) restoreStates(ctx context.Context) error {
	ops, err := c.store.PendingOps(ctx)
	if err != nil {
		return fmt.Errorf("restore pending sync state: %w", err)
	}
	for _, op := range ops {
		c.states[op.Key] = StateDirty
	}
	return nil
}

// StateOf reports the sync state of a key.
func (c *Coordinator) StateOf(key string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[key]; ok {
		return st
	}
	return StateClean
}

func (c *Coordinator) setState(key string, st State) {
	c.mu.Lock()
	if st == StateClean {
		delete(c.states, key)
	} else {
		c.states[key] = st
	}
	c.mu.Unlock()
}

// Start launches the drain loop. Local synced-scope writes trigger a
// drain; the cron schedule (if any) adds periodic drains on top.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	c.sub = c.store.Listen(store.ScopeSynced, func(r store.ChangeRecord) bool {
		return r.Cause == store.CauseLocal
	})

	c.wg.Add(1)
	go c.loop(ctx)
	c.logger.Info("sync coordinator started", "scheduled", c.schedule != nil)
}

// Stop cancels the loop and waits for it to exit.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	if c.sub != nil {
		c.store.Unlisten(c.sub)
	}
	c.logger.Info("sync coordinator stopped")
}

// Kick requests an immediate drain. Non-blocking; coalesces with any
// drain already requested.
func (c *Coordinator) Kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Coordinator) loop(ctx context.Context) {
	defer c.wg.Done()

	for {
		var scheduleCh <-chan time.Time
		var timer *time.Timer
		if c.schedule != nil {
			timer = time.NewTimer(time.Until(c.schedule.Next(time.Now())))
			scheduleCh = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case rec := <-c.sub.Ch():
			c.setState(rec.Key, StateDirty)
		case <-c.kick:
		case <-scheduleCh:
		}
		if timer != nil {
			timer.Stop()
		}
		// Absorb any further write notifications queued up before this
		// drain so one pass covers them all.
		c.absorbChanges()

		if err := c.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("sync drain failed", "error", err)
		}
	}
}

func (c *Coordinator) absorbChanges() {
	for {
		select {
		case rec := <-c.sub.Ch():
			c.setState(rec.Key, StateDirty)
		default:
			return
		}
	}
}

// Drain pushes every queued op, one key at a time in local commit
// order. Each key carries only its latest state: intermediate values
// overwritten before the drain are never sent. A transport failure
// retries with exponential backoff up to the attempt cap, then leaves
// the op queued for the next drain.
func (c *Coordinator) Drain(ctx context.Context) error {
	if c.gate != nil && c.gate.Check(capability.StorageSync) != capability.Granted {
		// Revoked sync permission defers the queue, it does not drop it.
		c.logger.Debug("sync drain skipped, storage.sync not granted")
		return nil
	}
	ops, err := c.store.PendingOps(ctx)
	if err != nil {
		return err
	}

	var firstErr error
	for _, op := range ops {
		if err := c.pushOne(ctx, op); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if errors.Is(err, context.Canceled) {
				return firstErr
			}
		}
	}
	return firstErr
}

func (c *Coordinator) pushOne(ctx context.Context, op store.SyncOp) error {
	c.setState(op.Key, StateInFlight)
	if c.metrics != nil {
		c.metrics.SyncAttempts.Add(ctx, 1)
	}

	delay := c.retryBase
	var err error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		err = c.remote.Push(ctx, op)
		if err == nil {
			if ackErr := c.store.AckPending(ctx, op.Key, op.Lamport); ackErr != nil {
				c.setState(op.Key, StateDirty)
				return ackErr
			}
			c.settle(ctx, op.Key)
			return nil
		}
		if attempt == c.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			c.setState(op.Key, StateDirty)
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > 10*c.retryBase {
			delay = 10 * c.retryBase
		}
	}

	c.setState(op.Key, StateDirty)
	if bumpErr := c.store.BumpPendingAttempts(ctx, op.Key); bumpErr != nil {
		c.logger.Warn("record push attempt failed", "key", op.Key, "error", bumpErr)
	}
	return fmt.Errorf("%w: push %s: %v", ErrRemoteUnavailable, op.Key, err)
}

// settle marks a key clean unless a newer local write re-queued it while
// the push was in flight.
func (c *Coordinator) settle(ctx context.Context, key string) {
	pending, err := c.store.PendingFor(ctx, key)
	if err != nil {
		c.logger.Warn("read pending after ack", "key", key, "error", err)
		return
	}
	if pending != nil {
		c.setState(key, StateDirty)
		return
	}
	c.setState(key, StateClean)
}

// PullOnce fetches remote ops and applies each through ApplyInbound.
func (c *Coordinator) PullOnce(ctx context.Context) error {
	ops, err := c.remote.Pull(ctx)
	if err != nil {
		return fmt.Errorf("%w: pull: %v", ErrRemoteUnavailable, err)
	}
	for _, op := range ops {
		if err := c.ApplyInbound(ctx, op); err != nil {
			return err
		}
	}
	return nil
}

// ApplyInbound reconciles one remote op with local state. A key with no
// pending local op applies directly under last-write-wins. A key with a
// pending op is a conflict: the two writes are ordered by their
// (timestamp, writer) pairs, so every device picks the same winner. When
// the remote write wins, the pending local op is discarded and the
// change surfaces locally as a remote-cause record; when the local write
// wins, the remote op is dropped and the pending push proceeds.
func (c *Coordinator) ApplyInbound(ctx context.Context, op store.SyncOp) error {
	pending, err := c.store.PendingFor(ctx, op.Key)
	if err != nil {
		return err
	}

	if pending != nil {
		c.setState(op.Key, StateConflict)
		if c.metrics != nil {
			c.metrics.SyncConflicts.Add(ctx, 1)
		}
		if !opBeats(op, *pending) {
			// Local write wins. Advance the clock past the loser so the
			// eventual push outranks it on the replica too.
			if err := c.store.WitnessClock(ctx, op.Lamport); err != nil {
				return err
			}
			c.logger.Debug("conflict resolved, local write kept",
				"key", op.Key, "remote_writer", op.Writer)
			c.setState(op.Key, StateDirty)
			return nil
		}
		if err := c.store.DiscardPending(ctx, op.Key, pending.Lamport); err != nil {
			return err
		}
		c.logger.Debug("conflict resolved, remote write kept",
			"key", op.Key, "remote_writer", op.Writer)
	}

	if _, err := c.store.ApplyRemote(ctx, op); err != nil {
		return err
	}
	c.settle(ctx, op.Key)
	return nil
}

// opBeats orders two ops the same way the store orders writes: higher
// timestamp wins, writer ID breaks ties.
func opBeats(a, b store.SyncOp) bool {
	if a.Lamport != b.Lamport {
		return a.Lamport > b.Lamport
	}
	return a.Writer > b.Writer
}
