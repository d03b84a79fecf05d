package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgelink-io/opcua-agent/internal/infrastructure/config"
)

// Queue policy values for config.MQTTQueueConfig.FullPolicy.
const (
	// PolicyBlock makes Enqueue wait for queue space, applying
	// backpressure to the telemetry pipeline.
	PolicyBlock = "block"

	// PolicyDrop makes Enqueue discard the newest message and count it.
	PolicyDrop = "drop"
)

const (
	// defaultQueueSize is used when the config leaves the size unset.
	defaultQueueSize = 1024

	// redeliveryInterval is the pause between delivery attempts while
	// the broker is unreachable.
	redeliveryInterval = time.Second
)

// PublishClient is the client slice the Publisher delivers through.
type PublishClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Message is one queued telemetry publication.
type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
}

// Publisher owns the agent's bounded delivery queue. A single goroutine
// drains it, so publish order always matches enqueue order; during a
// broker outage delivery retries in place and queued messages wait.
type Publisher struct {
	client PublishClient
	logger Logger
	queue  chan Message
	policy string

	dropped   atomic.Uint64
	published atomic.Uint64

	closeOnce sync.Once
	closed    chan struct{}
}

// NewPublisher creates a publisher over the given client.
//
// Parameters:
//   - client: Delivery target, usually *Client
//   - cfg: Queue capacity and full policy; zero values get defaults
//   - logger: Sink for delivery warnings, may be nil
//
// Returns:
//   - *Publisher: Ready to Run
func NewPublisher(client PublishClient, cfg config.MQTTQueueConfig, logger Logger) *Publisher {
	size := cfg.Size
	if size <= 0 {
		size = defaultQueueSize
	}
	policy := cfg.FullPolicy
	if policy == "" {
		policy = PolicyBlock
	}
	return &Publisher{
		client: client,
		logger: logger,
		queue:  make(chan Message, size),
		policy: policy,
		closed: make(chan struct{}),
	}
}

// Run drains the queue until the context is cancelled. It must be
// called exactly once, typically as a goroutine from the orchestrator.
//
// A failed publish is retried in place rather than skipped, so a broker
// outage delays delivery but never reorders or silently loses messages.
//
// Parameters:
//   - ctx: Cancelling it stops delivery; queued messages are abandoned
//
// Returns:
//   - error: ctx.Err() once stopped
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-p.queue:
			if err := p.deliver(ctx, msg); err != nil {
				return err
			}
		}
	}
}

// deliver publishes one message, retrying until it succeeds or the
// context is cancelled.
func (p *Publisher) deliver(ctx context.Context, msg Message) error {
	for {
		err := p.client.Publish(msg.Topic, msg.Payload, msg.QoS, false)
		if err == nil {
			p.published.Add(1)
			return nil
		}

		if p.logger != nil {
			p.logger.Warn("publish failed, will retry",
				"topic", msg.Topic,
				"error", err,
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(redeliveryInterval):
		}
	}
}

// Enqueue hands one message to the delivery queue.
//
// Under the block policy (default) a full queue makes Enqueue wait,
// applying backpressure upstream; under the drop policy the message is
// discarded, counted and ErrQueueFull returned.
//
// Parameters:
//   - ctx: Unblocks a waiting Enqueue when cancelled
//   - msg: The message to deliver
//
// Returns:
//   - error: ErrQueueFull (drop policy), ErrClosed, or ctx.Err()
func (p *Publisher) Enqueue(ctx context.Context, msg Message) error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}

	if p.policy == PolicyDrop {
		select {
		case p.queue <- msg:
			return nil
		default:
			p.dropped.Add(1)
			return fmt.Errorf("%w: dropped message for %s", ErrQueueFull, msg.Topic)
		}
	}

	select {
	case p.queue <- msg:
		return nil
	case <-p.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close rejects further Enqueue calls. Messages already queued are
// still delivered while Run keeps going.
func (p *Publisher) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
	})
}

// Dropped returns the number of messages discarded under the drop policy.
func (p *Publisher) Dropped() uint64 {
	return p.dropped.Load()
}

// Published returns the number of successfully delivered messages.
func (p *Publisher) Published() uint64 {
	return p.published.Load()
}

// QueueDepth returns the number of messages currently waiting.
func (p *Publisher) QueueDepth() int {
	return len(p.queue)
}
