// Package broadcast fans registry events out to every connected peer.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/creachadair/taskgroup"
	pool "github.com/libp2p/go-buffer-pool"

	"github.com/auctionmesh/auctiond/libs/log"
	"github.com/auctionmesh/auctiond/libs/service"
	"github.com/auctionmesh/auctiond/types"
)

// DefaultQueueSize is the number of events that may wait for delivery.
const DefaultQueueSize = 256

var (
	// ErrConnectionWriteFailure is returned by a Target whose connection could
	// not take the frame. The target is skipped for that event only.
	ErrConnectionWriteFailure = errors.New("connection write failure")

	// ErrNotRunning is returned by Publish once the coordinator stopped.
	ErrNotRunning = errors.New("broadcast coordinator is not running")
)

// Target receives broadcast frames. WriteRaw must not retain frame after it
// returns and must be safe to call concurrently with the target's other
// writes.
type Target interface {
	ID() string
	WriteRaw(frame []byte) error
}

// Coordinator delivers events to the current set of targets. Events are
// delivered in the order they were published; within one event all targets
// are written to concurrently.
type Coordinator struct {
	service.BaseService
	logger  log.Logger
	metrics *Metrics

	queue chan types.Event

	mtx     sync.RWMutex
	targets map[string]Target

	done chan struct{}
}

// CoordinatorOption sets an optional parameter on the Coordinator.
type CoordinatorOption func(*Coordinator)

// WithMetrics sets the metrics.
func WithMetrics(m *Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// NewCoordinator returns a coordinator buffering up to queueSize events. A
// non-positive queueSize selects DefaultQueueSize.
func NewCoordinator(logger log.Logger, queueSize int, options ...CoordinatorOption) *Coordinator {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	c := &Coordinator{
		logger:  logger,
		metrics: NopMetrics(),
		queue:   make(chan types.Event, queueSize),
		targets: make(map[string]Target),
		done:    make(chan struct{}),
	}
	c.BaseService = *service.NewBaseService(logger, "Broadcast", c)
	for _, opt := range options {
		opt(c)
	}
	return c
}

// OnStart starts the delivery loop.
func (c *Coordinator) OnStart(ctx context.Context) error {
	go c.run(ctx)
	return nil
}

// OnStop implements service.Service. Events still queued are dropped.
func (c *Coordinator) OnStop() {}

// Add registers t. A target with the same ID replaces the previous one.
func (c *Coordinator) Add(t Target) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.targets[t.ID()] = t
	c.metrics.Peers.Set(float64(len(c.targets)))
}

// Remove unregisters the target with the given ID. Removing an unknown ID is a
// no-op.
func (c *Coordinator) Remove(id string) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	delete(c.targets, id)
	c.metrics.Peers.Set(float64(len(c.targets)))
}

// NumTargets returns the number of registered targets.
func (c *Coordinator) NumTargets() int {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return len(c.targets)
}

// Publish queues events for delivery. It blocks while the queue is full and
// returns early if ctx is done or the coordinator stops.
func (c *Coordinator) Publish(ctx context.Context, events ...types.Event) error {
	for _, ev := range events {
		select {
		case <-c.Quit():
			return ErrNotRunning
		default:
		}

		select {
		case c.queue <- ev:
			c.metrics.QueueDepth.Set(float64(len(c.queue)))
		case <-ctx.Done():
			return ctx.Err()
		case <-c.Quit():
			return ErrNotRunning
		}
	}
	return nil
}

// Done is closed once the delivery loop has exited.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Quit():
			return
		case ev := <-c.queue:
			c.metrics.QueueDepth.Set(float64(len(c.queue)))
			c.deliver(ev)
		}
	}
}

func (c *Coordinator) deliver(ev types.Event) {
	var buf pool.Buffer
	defer buf.Reset()

	frame, err := encodeUpdate(&buf, ev)
	if err != nil {
		c.logger.Error("failed to encode event", "kind", ev.Kind, "err", err)
		return
	}

	targets := c.snapshot()
	g := taskgroup.New(nil)
	for _, t := range targets {
		t := t
		g.Go(func() error {
			if err := t.WriteRaw(frame); err != nil {
				c.metrics.WriteFailures.Add(1)
				c.logger.Error("failed to deliver event", "peer", t.ID(), "kind", ev.Kind, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	c.metrics.EventsBroadcast.With("kind", string(ev.Kind)).Add(1)
	c.logger.Debug("event delivered", "kind", ev.Kind, "peers", len(targets))
}

func (c *Coordinator) snapshot() []Target {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	targets := make([]Target, 0, len(c.targets))
	for _, t := range c.targets {
		targets = append(targets, t)
	}
	return targets
}

// encodeUpdate writes ev into buf as an auction-update message and returns the
// frame, which aliases buf.
func encodeUpdate(buf *pool.Buffer, ev types.Event) ([]byte, error) {
	msg, err := types.NewMessage(types.MsgAuctionUpdate, ev)
	if err != nil {
		return nil, err
	}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(msg); err != nil {
		return nil, fmt.Errorf("encoding auction-update: %w", err)
	}
	frame := buf.Bytes()
	// drop the newline appended by Encode
	return frame[:len(frame)-1], nil
}
