package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/edgelink-io/opcua-agent/internal/bridges/opc"
	"github.com/edgelink-io/opcua-agent/internal/envelope"
	"github.com/edgelink-io/opcua-agent/internal/infrastructure/config"
	"github.com/edgelink-io/opcua-agent/internal/infrastructure/mqtt"
	"github.com/edgelink-io/opcua-agent/internal/protect"
	"github.com/edgelink-io/opcua-agent/internal/sessionstore"
)

// Connector is the slice of the OPC-UA connector the bridge consumes.
type Connector interface {
	// Events is the order-preserving data change stream. The bridge
	// treats channel closure as the end of the connector's life.
	Events() <-chan opc.ValueChange

	// States is the connector's lifecycle stream.
	States() <-chan opc.StateChange
}

// Publisher is the slice of the MQTT publisher the bridge delivers
// through.
type Publisher interface {
	Enqueue(ctx context.Context, msg mqtt.Message) error
}

// Recorder mirrors pipeline activity into local storage. Optional; all
// calls are best-effort and must never block the publish path.
type Recorder interface {
	RecordSample(device, node string, value float64, status string, timestamp time.Time)
	RecordChannelState(device, state string)
	RecordDropped(device string, count uint64)
}

// Logger is the structured logger slice the bridge needs.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// EngineFactory builds the protection engine for one channel. Exposed
// so tests can inject fakes per channel.
type EngineFactory func(cfg config.ChannelConfig) protect.Engine

// Options holds everything needed to create a bridge.
type Options struct {
	// Config is the loaded agent configuration.
	Config *config.Config

	// Connector is the OPC-UA event source.
	Connector Connector

	// Publisher is the MQTT delivery queue.
	Publisher Publisher

	// Store backs the Megolm engines of encrypted channels. Required
	// when any channel is encrypted, unless Engines is set.
	Store protect.SessionStore

	// Engines overrides per-channel engine selection. Optional; the
	// default selects Megolm-over-Store or Passthrough per channel.
	Engines EngineFactory

	// Recorder is the optional local telemetry recorder.
	Recorder Recorder

	// Logger is optional.
	Logger Logger
}

// channel is the runtime for one configured device channel.
type channel struct {
	cfg    config.ChannelConfig
	topic  string
	qos    byte
	engine protect.Engine

	// mandatory refuses cleartext fallback: a persistence failure on
	// this channel is terminal instead of a dropped message.
	mandatory bool

	state         ChannelState
	seq           uint64
	droppedDecode uint64
	droppedCrypto uint64
}

// Bridge runs the telemetry pipeline for all configured channels.
//
// Create with New, drive with Run. The connector and publisher run in
// their own goroutines; the bridge only consumes their channels.
type Bridge struct {
	connector Connector
	publisher Publisher
	recorder  Recorder
	logger    Logger

	// byNode maps an OPC-UA node ID to the channels publishing it.
	byNode   map[string][]*channel
	channels []*channel
	mu       sync.Mutex
}

// New creates a bridge from the configured channels.
//
// Topic templates are rendered and validated here: a malformed template
// is a configuration error and fails startup rather than surfacing
// mid-stream.
//
// Parameters:
//   - opts: Dependencies and configuration
//
// Returns:
//   - *Bridge: Ready to Run
//   - error: Missing dependencies or an invalid channel configuration
func New(opts Options) (*Bridge, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Connector == nil {
		return nil, fmt.Errorf("connector is required")
	}
	if opts.Publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}

	engines := opts.Engines
	if engines == nil {
		for _, ch := range opts.Config.Channels {
			if ch.Encrypted && opts.Store == nil {
				return nil, fmt.Errorf("session store is required for encrypted channel %q", ch.Device)
			}
		}
		engines = func(cfg config.ChannelConfig) protect.Engine {
			return protect.ForChannel(cfg.Encrypted, opts.Store)
		}
	}

	b := &Bridge{
		connector: opts.Connector,
		publisher: opts.Publisher,
		recorder:  opts.Recorder,
		logger:    opts.Logger,
		byNode:    make(map[string][]*channel),
	}

	for _, cfg := range opts.Config.Channels {
		topic, err := mqtt.RenderTopic(cfg.Topic, cfg.Device)
		if err != nil {
			return nil, fmt.Errorf("channel %q: %w", cfg.Device, err)
		}
		ch := &channel{
			cfg:       cfg,
			topic:     topic,
			qos:       opts.Config.ChannelQoS(cfg),
			engine:    engines(cfg),
			mandatory: cfg.Encrypted && opts.Config.Encryption.Mandatory,
			state:     StateStarting,
		}
		b.channels = append(b.channels, ch)
		b.byNode[cfg.Node] = append(b.byNode[cfg.Node], ch)
	}

	return b, nil
}

// Run consumes the connector's streams until the context is cancelled,
// the connector ends, or it reports a fatal error.
//
// Returns:
//   - error: ctx.Err() on shutdown, the connector's fatal error otherwise
func (b *Bridge) Run(ctx context.Context) error {
	b.setAll(StateSubscribing)

	events := b.connector.Events()
	states := b.connector.States()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case sc, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			if err := b.applyConnectorState(sc); err != nil {
				return err
			}

		case vc, ok := <-events:
			if !ok {
				// The connector is done. A fatal transition may still be
				// queued behind the closure; surface it.
				return b.drainFatal(ctx, states)
			}
			if err := b.dispatch(ctx, vc); err != nil {
				return err
			}
		}
	}
}

// applyConnectorState maps a connector transition onto every channel.
// The OPC-UA session is shared, so connector-level trouble affects all
// channels alike.
func (b *Bridge) applyConnectorState(sc opc.StateChange) error {
	switch sc.State {
	case opc.StateConnecting:
		b.setAll(StateSubscribing)
	case opc.StateConnected:
		b.setAll(StateStreaming)
	case opc.StateReconnecting:
		b.setAll(StateReconnecting)
	case opc.StateFailed:
		b.setAll(StateFailed)
		b.logError("subscription source failed", sc.Err)
		return sc.Err
	}
	return nil
}

// drainFatal checks for a fatal transition that raced the events
// channel closing.
func (b *Bridge) drainFatal(ctx context.Context, states <-chan opc.StateChange) error {
	for {
		select {
		case sc, ok := <-states:
			if !ok {
				return ctx.Err()
			}
			if sc.State == opc.StateFailed {
				b.setAll(StateFailed)
				return sc.Err
			}
		default:
			return ctx.Err()
		}
	}
}

// dispatch runs one value change through every channel mapped to its
// node. Only enqueue cancellation stops the bridge; every per-sample
// failure is absorbed by the channel it belongs to.
func (b *Bridge) dispatch(ctx context.Context, vc opc.ValueChange) error {
	for _, ch := range b.byNode[vc.NodeID] {
		if b.channelState(ch) == StateFailed {
			continue
		}

		env, err := envelope.Encode(ch.cfg.Device, vc.NodeID, vc.Value, vc.Received)
		if err != nil {
			b.countDecodeDrop(ch, err)
			continue
		}

		env.Sequence = b.nextSequence(ch)

		plaintext, err := env.Marshal()
		if err != nil {
			b.countDecodeDrop(ch, err)
			continue
		}

		payload, err := ch.engine.Protect(ctx, ch.cfg.Device, plaintext)
		if err != nil {
			b.handleProtectError(ch, err)
			continue
		}

		err = b.publisher.Enqueue(ctx, mqtt.Message{
			Topic:   ch.topic,
			Payload: payload,
			QoS:     ch.qos,
		})
		switch {
		case err == nil:
		case errors.Is(err, mqtt.ErrQueueFull):
			b.logWarn("delivery queue full, sample dropped",
				"device", ch.cfg.Device, "topic", ch.topic)
			if b.recorder != nil {
				b.recorder.RecordDropped(ch.cfg.Device, 1)
			}
			continue
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			b.logError("enqueue failed", err, "device", ch.cfg.Device)
			continue
		}

		b.mirrorSample(ch, env)
	}
	return nil
}

// handleProtectError absorbs one failed Protect call. A persistence
// failure on a mandatory-encryption channel is terminal: the agent
// refuses to keep the channel alive rather than risk publishing
// unprotected data. Everything else drops the message and continues.
func (b *Bridge) handleProtectError(ch *channel, err error) {
	if errors.Is(err, sessionstore.ErrPersistence) && ch.mandatory {
		b.setState(ch, StateFailed)
		b.logError("ratchet state not durable, refusing to publish", err,
			"device", ch.cfg.Device)
		return
	}

	b.mu.Lock()
	ch.droppedCrypto++
	b.mu.Unlock()

	// Crypto failures are potential integrity violations, not noise;
	// log them at error level so operators see the loss.
	b.logError("message dropped: protection failed", err,
		"device", ch.cfg.Device)
	if b.recorder != nil {
		b.recorder.RecordDropped(ch.cfg.Device, 1)
	}
}

// mirrorSample records a published numeric sample in the optional local
// recorder.
func (b *Bridge) mirrorSample(ch *channel, env *envelope.Envelope) {
	if b.recorder == nil {
		return
	}
	value, ok := numericValue(env.Value)
	if !ok {
		return
	}
	b.recorder.RecordSample(ch.cfg.Device, env.Node, value, env.Status, env.Timestamp)
}

// numericValue extracts a float64 from the numeric variant members.
func numericValue(v envelope.Value) (float64, bool) {
	switch v.Kind {
	case envelope.KindFloat:
		return v.Float, true
	case envelope.KindInt:
		return float64(v.Int), true
	case envelope.KindUint:
		return float64(v.Uint), true
	default:
		return 0, false
	}
}

// countDecodeDrop counts one undecodable sample. The channel keeps
// streaming; a malformed sample never stops the pipeline.
func (b *Bridge) countDecodeDrop(ch *channel, err error) {
	b.mu.Lock()
	ch.droppedDecode++
	b.mu.Unlock()

	b.logWarn("sample dropped: undecodable value",
		"device", ch.cfg.Device, "node", ch.cfg.Node, "error", err)
	if b.recorder != nil {
		b.recorder.RecordDropped(ch.cfg.Device, 1)
	}
}

// nextSequence stamps the channel's next envelope sequence number.
func (b *Bridge) nextSequence(ch *channel) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch.seq++
	return ch.seq
}

// channelState reads one channel's state.
func (b *Bridge) channelState(ch *channel) ChannelState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return ch.state
}

// setState moves one channel to a new state, ignoring no-op transitions
// and never resurrecting a failed channel.
func (b *Bridge) setState(ch *channel, state ChannelState) {
	b.mu.Lock()
	if ch.state == state || ch.state == StateFailed {
		b.mu.Unlock()
		return
	}
	ch.state = state
	b.mu.Unlock()

	b.logInfo("channel state changed",
		"device", ch.cfg.Device, "state", string(state))
	if b.recorder != nil {
		b.recorder.RecordChannelState(ch.cfg.Device, string(state))
	}
}

// setAll applies a state to every channel.
func (b *Bridge) setAll(state ChannelState) {
	for _, ch := range b.channels {
		b.setState(ch, state)
	}
}

// Metrics returns a snapshot of every channel's pipeline, sorted by
// device identifier.
func (b *Bridge) Metrics() []ChannelMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]ChannelMetrics, 0, len(b.channels))
	for _, ch := range b.channels {
		out = append(out, ChannelMetrics{
			Device:        ch.cfg.Device,
			State:         ch.state,
			Sequence:      ch.seq,
			DroppedDecode: ch.droppedDecode,
			DroppedCrypto: ch.droppedCrypto,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Device < out[j].Device })
	return out
}

// logInfo logs an info message if a logger is set.
func (b *Bridge) logInfo(msg string, args ...any) {
	if b.logger != nil {
		b.logger.Info(msg, args...)
	}
}

// logWarn logs a warning if a logger is set.
func (b *Bridge) logWarn(msg string, args ...any) {
	if b.logger != nil {
		b.logger.Warn(msg, args...)
	}
}

// logError logs an error if a logger is set.
func (b *Bridge) logError(msg string, err error, args ...any) {
	if b.logger != nil {
		b.logger.Error(msg, append([]any{"error", err}, args...)...)
	}
}
