package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/extcore/internal/capability"
	"github.com/basket/extcore/internal/otel"
	"github.com/basket/extcore/internal/registry"
)

const (
	defaultInboxBuffer    = 64
	defaultRequestTimeout = 30 * time.Second
)

// Handler is invoked once per inbound message addressed to a subscribed
// context. Handlers for one context run serially; a handler may itself
// call Send or Reply.
type Handler func(ctx context.Context, msg Message)

// Config holds the dependencies for a Bus.
type Config struct {
	Registry *registry.Registry
	Gate     capability.Checker // nil disables gating (tests)
	Logger   *slog.Logger
	Metrics  *otel.Metrics // nil disables instrumentation

	// DefaultTimeout applies to requests whose context carries no
	// deadline. Zero uses a 30s default.
	DefaultTimeout time.Duration
	// InboxBuffer is the per-context inbox capacity. Zero uses 64.
	InboxBuffer int
}

// inbox carries a context's queued messages plus its lifetime context,
// which handlers receive and which is cancelled on unsubscribe or
// termination so a handler mid-Send observes the shutdown.
type inbox struct {
	ch     chan Message
	ctx    context.Context
	cancel context.CancelFunc
}

type pendingCall struct {
	dest     string
	ch       chan Message  // buffered 1; receives the single response
	failed   chan struct{} // closed when the destination terminates
	answered bool
}

// Bus routes messages between registered contexts. Destination selectors
// resolve at send time against the registry, so a context that terminates
// between message construction and delivery yields ErrUnreachable rather
// than a silent drop.
type Bus struct {
	reg            *registry.Registry
	gate           capability.Checker
	logger         *slog.Logger
	metrics        *otel.Metrics
	defaultTimeout time.Duration
	inboxBuffer    int

	mu      sync.Mutex
	inboxes map[string]*inbox
	pending map[string]*pendingCall // request ID -> call
}

// New creates a Bus and hooks registry deregistration so in-flight
// requests to a terminated context resolve as ErrUnreachable instead of
// hanging.
func New(cfg Config) *Bus {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	buffer := cfg.InboxBuffer
	if buffer <= 0 {
		buffer = defaultInboxBuffer
	}
	b := &Bus{
		reg:            cfg.Registry,
		gate:           cfg.Gate,
		logger:         logger,
		metrics:        cfg.Metrics,
		defaultTimeout: timeout,
		inboxBuffer:    buffer,
		inboxes:        make(map[string]*inbox),
		pending:        make(map[string]*pendingCall),
	}
	b.reg.OnDeregister(b.dropContext)
	return b
}

// Subscribe registers the single handler for a context's inbound messages.
// The context must already be registered; a second handler for the same
// context is rejected.
func (b *Bus) Subscribe(instanceID string, handler Handler) error {
	if _, ok := b.reg.Lookup(instanceID); !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, instanceID)
	}

	b.mu.Lock()
	if _, exists := b.inboxes[instanceID]; exists {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, instanceID)
	}
	ictx, cancel := context.WithCancel(context.Background())
	ib := &inbox{
		ch:     make(chan Message, b.inboxBuffer),
		ctx:    ictx,
		cancel: cancel,
	}
	b.inboxes[instanceID] = ib
	b.mu.Unlock()

	go func() {
		for {
			select {
			case <-ib.ctx.Done():
				return
			case msg := <-ib.ch:
				handler(ib.ctx, msg)
			}
		}
	}()
	return nil
}

// Unsubscribe removes a context's handler. Idempotent.
func (b *Bus) Unsubscribe(instanceID string) {
	b.mu.Lock()
	ib, ok := b.inboxes[instanceID]
	if ok {
		delete(b.inboxes, instanceID)
	}
	b.mu.Unlock()
	if ok {
		ib.cancel()
	}
}

// Send delivers a message. For a request it blocks until a response,
// the caller's deadline, cancellation, or destination termination; the
// response (if any) is returned. For an event it broadcasts to every
// matching subscribed context and returns immediately with no response.
// Responses go through Reply, never Send.
func (b *Bus) Send(ctx context.Context, msg Message) (*Message, error) {
	if err := b.checkGate(); err != nil {
		return nil, err
	}
	switch msg.Kind {
	case KindEvent:
		return nil, b.broadcast(msg)
	case KindRequest:
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidKind, msg.Kind)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.defaultTimeout)
		defer cancel()
	}
	start := time.Now()

	// Resolution happens now, not at construction.
	matches := b.reg.Resolve(msg.To)
	if len(matches) == 0 {
		b.countUnreachable(ctx)
		return nil, fmt.Errorf("%w: no match for selector", ErrUnreachable)
	}
	if len(matches) > 1 {
		return nil, fmt.Errorf("%w: %d matches", ErrAmbiguous, len(matches))
	}
	dest := matches[0]

	b.mu.Lock()
	ib, ok := b.inboxes[dest.InstanceID]
	if !ok {
		b.mu.Unlock()
		b.countUnreachable(ctx)
		return nil, fmt.Errorf("%w: %s has no handler", ErrUnreachable, dest.InstanceID)
	}
	pc := &pendingCall{
		dest:   dest.InstanceID,
		ch:     make(chan Message, 1),
		failed: make(chan struct{}),
	}
	b.pending[msg.ID] = pc
	b.mu.Unlock()

	select {
	case ib.ch <- msg:
	case <-ib.ctx.Done():
		b.removePending(msg.ID)
		b.countUnreachable(ctx)
		return nil, fmt.Errorf("%w: %s terminated", ErrUnreachable, dest.InstanceID)
	case <-ctx.Done():
		b.removePending(msg.ID)
		return nil, b.deadlineError(ctx)
	}
	if b.metrics != nil {
		b.metrics.MessagesSent.Add(ctx, 1)
	}

	select {
	case resp := <-pc.ch:
		b.removePending(msg.ID)
		if b.metrics != nil {
			b.metrics.RequestDuration.Record(ctx, time.Since(start).Seconds())
		}
		return &resp, nil
	case <-pc.failed:
		b.removePending(msg.ID)
		b.countUnreachable(ctx)
		return nil, fmt.Errorf("%w: %s terminated mid-request", ErrUnreachable, dest.InstanceID)
	case <-ctx.Done():
		// Removing the correlation entry guarantees a late response is
		// silently discarded, never delivered.
		b.removePending(msg.ID)
		return nil, b.deadlineError(ctx)
	}
}

// Notify broadcasts an event to every context matching the selector.
// Fire-and-forget: zero matches is fine, delivery is best-effort.
func (b *Bus) Notify(from string, to registry.Selector, payload any) error {
	if err := b.checkGate(); err != nil {
		return err
	}
	return b.broadcast(NewEvent(from, to, payload))
}

// Reply sends the single response for a request. A second reply for the
// same request is rejected with ErrDuplicateResponse. A reply arriving
// after the requester timed out, cancelled, or saw the destination
// terminate is discarded silently.
func (b *Bus) Reply(from string, req Message, payload any) error {
	if req.Kind != KindRequest {
		return fmt.Errorf("%w: cannot reply to %s", ErrInvalidKind, req.Kind)
	}
	resp := Message{
		ID:            uuid.NewString(),
		From:          from,
		Kind:          KindResponse,
		Payload:       payload,
		CorrelationID: req.ID,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	pc, ok := b.pending[req.ID]
	if !ok {
		b.logger.Debug("late response discarded", "correlation_id", req.ID, "from", from)
		return nil
	}
	select {
	case <-pc.failed:
		return nil
	default:
	}
	if pc.answered {
		return fmt.Errorf("%w: correlation %s", ErrDuplicateResponse, req.ID)
	}
	pc.answered = true
	pc.ch <- resp
	return nil
}

// broadcast delivers an event to all matching subscribed contexts.
// Delivery is best-effort and non-blocking: a full inbox drops the event
// for that subscriber. Zero matches is not an error.
func (b *Bus) broadcast(msg Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	matches := b.reg.Resolve(msg.To)

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, dest := range matches {
		ib, ok := b.inboxes[dest.InstanceID]
		if !ok {
			continue
		}
		select {
		case ib.ch <- msg:
		default:
			b.logger.Warn("event dropped, inbox full", "instance_id", dest.InstanceID)
		}
	}
	if b.metrics != nil {
		b.metrics.MessagesSent.Add(context.Background(), 1)
	}
	return nil
}

// dropContext is the registry deregistration hook: the context's inbox is
// torn down and every unanswered request addressed to it fails with
// ErrUnreachable instead of hanging until timeout.
func (b *Bus) dropContext(instanceID string) {
	b.mu.Lock()
	ib, hadInbox := b.inboxes[instanceID]
	if hadInbox {
		delete(b.inboxes, instanceID)
	}
	for _, pc := range b.pending {
		if pc.dest != instanceID || pc.answered {
			continue
		}
		select {
		case <-pc.failed:
		default:
			close(pc.failed)
		}
	}
	b.mu.Unlock()
	if hadInbox {
		ib.cancel()
	}
}

func (b *Bus) removePending(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

func (b *Bus) checkGate() error {
	if b.gate == nil {
		return nil
	}
	if b.gate.Check(capability.Messaging) != capability.Granted {
		return fmt.Errorf("%w: %s", capability.ErrCapabilityDenied, capability.Messaging)
	}
	return nil
}

func (b *Bus) deadlineError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		if b.metrics != nil {
			b.metrics.MessageTimeouts.Add(context.Background(), 1)
		}
		return ErrTimeout
	}
	return ctx.Err()
}

func (b *Bus) countUnreachable(ctx context.Context) {
	if b.metrics != nil {
		b.metrics.MessagesUnreachable.Add(ctx, 1)
	}
}
