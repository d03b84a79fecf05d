package opc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/monitor"
	"github.com/gopcua/opcua/ua"

	"github.com/edgelink-io/opcua-agent/internal/infrastructure/config"
)

// Connector operation constants.
const (
	// dialTimeout bounds endpoint discovery plus the initial connect.
	dialTimeout = 30 * time.Second

	// eventBuffer is the data change channel capacity. When consumers
	// fall behind, backpressure propagates here before anything drops.
	eventBuffer = 256

	// stateBuffer is the lifecycle channel capacity. State changes are
	// advisory; stale ones may be dropped when no one is listening.
	stateBuffer = 16

	// healthInterval is how often the pump inspects the client's
	// transport state to notice a dead connection without traffic.
	healthInterval = 10 * time.Second

	// reconnectInterval is the gopcua in-client retry interval; the
	// connector's own backoff governs full re-dials.
	reconnectInterval = 10 * time.Second

	// applicationURI identifies the agent in server session logs.
	applicationURI = "urn:edgelink:opcua-agent"
)

// Timestamp policy values for config.OPCUASubscriptionConfig.Timestamps.
const (
	TimestampsNone   = "none"
	TimestampsSource = "source"
	TimestampsServer = "server"
	TimestampsBoth   = "both"
)

// ValueChange is one data change notification for a monitored node.
type ValueChange struct {
	// NodeID is the canonical string form of the monitored node.
	NodeID string

	// Value is the reported data value after the subscription's
	// timestamp policy has been applied.
	Value *ua.DataValue

	// Received is when the agent saw the notification, in UTC. Used as
	// the envelope timestamp of last resort.
	Received time.Time
}

// Logger is the slice of the logging package the connector needs.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Connector owns the OPC-UA client connection and its subscriptions.
//
// Create with New, start with Run, consume Events and States. The
// connector is single-use: once Run returns, the events channel is
// closed and the connector cannot be restarted.
type Connector struct {
	cfg    config.OPCUAConfig
	logger Logger

	events chan ValueChange
	states chan StateChange

	// nodePolicy maps node ID → timestamp policy, built at subscribe
	// time so the shared pump can apply per-subscription settings.
	nodePolicy map[string]string
}

// New creates a connector for the configured server.
//
// Parameters:
//   - cfg: OPC-UA section of the agent config
//   - logger: Structured logger, may be nil
//
// Returns:
//   - *Connector: Ready to Run
func New(cfg config.OPCUAConfig, logger Logger) *Connector {
	return &Connector{
		cfg:        cfg,
		logger:     logger,
		events:     make(chan ValueChange, eventBuffer),
		states:     make(chan StateChange, stateBuffer),
		nodePolicy: make(map[string]string),
	}
}

// Events returns the order-preserving data change stream. The channel
// is closed when Run returns.
func (c *Connector) Events() <-chan ValueChange {
	return c.events
}

// States returns the lifecycle stream for the orchestrator.
func (c *Connector) States() <-chan StateChange {
	return c.states
}

// Run connects, subscribes and pumps data changes until the context is
// cancelled or a fatal error occurs.
//
// Transient failures re-dial with exponential backoff and jitter; the
// backoff resets after every successful connection. Rejected
// credentials and an exhausted retry budget are fatal.
//
// Parameters:
//   - ctx: Cancelling it stops the connector cleanly
//
// Returns:
//   - error: ctx.Err() on shutdown, ErrAuthFailed or ErrRetriesExhausted
//     (or another fatal error) otherwise
func (c *Connector) Run(ctx context.Context) error {
	defer close(c.events)

	bo := newBackoff(c.cfg.Reconnect.InitialDelay, c.cfg.Reconnect.MaxDelay)
	failures := 0
	first := true

	for {
		if first {
			c.emitState(StateConnecting, nil)
		} else {
			c.emitState(StateReconnecting, nil)
		}

		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			failures = 0
			bo.reset()
		}
		if fatal := c.classifyFatal(err); fatal != nil {
			c.emitState(StateFailed, fatal)
			return fatal
		}

		failures++
		if c.cfg.Reconnect.MaxAttempts > 0 && failures > c.cfg.Reconnect.MaxAttempts {
			exhausted := fmt.Errorf("%w: %d consecutive failures, last: %v",
				ErrRetriesExhausted, failures, err)
			c.emitState(StateFailed, exhausted)
			return exhausted
		}

		delay := bo.next()
		c.logWarn("connection lost, reconnecting",
			"error", err,
			"delay", delay.String(),
			"failures", failures,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// session runs one connection lifetime: dial, subscribe, pump. The
// returned bool reports whether the connection was fully established.
func (c *Connector) session(ctx context.Context) (bool, error) {
	client, err := c.dial(ctx)
	if err != nil {
		return false, err
	}
	defer client.Close(ctx)

	nm, err := monitor.NewNodeMonitor(client)
	if err != nil {
		return false, fmt.Errorf("creating node monitor: %w", err)
	}

	ch := make(chan *monitor.DataChangeMessage, eventBuffer)
	subscribed, err := c.subscribeAll(ctx, nm, ch)
	if err != nil {
		return false, err
	}
	defer func() {
		for _, sub := range subscribed {
			sub.Unsubscribe(ctx)
		}
	}()

	c.emitState(StateConnected, nil)
	c.logInfo("streaming data changes", "subscriptions", len(subscribed))

	return true, c.pump(ctx, client, ch)
}

// dial discovers endpoints, selects one per the configured security
// settings and connects.
func (c *Connector) dial(ctx context.Context) (*opcua.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	endpoints, err := opcua.GetEndpoints(dialCtx, c.cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: discovering endpoints: %w", ErrConnectionFailed, err)
	}

	ep := selectEndpoint(endpoints, c.cfg.SecurityPolicy, c.cfg.SecurityMode)
	if ep == nil {
		return nil, fmt.Errorf("%w: policy=%q mode=%q",
			ErrNoMatchingEndpoint, c.cfg.SecurityPolicy, c.cfg.SecurityMode)
	}
	c.logInfo("selected endpoint",
		"policy", ep.SecurityPolicyURI,
		"mode", securityModeName(ep.SecurityMode),
	)

	userTokenType := ua.UserTokenTypeAnonymous
	if c.cfg.Auth.Username != "" {
		userTokenType = ua.UserTokenTypeUserName
	}

	opts := []opcua.Option{
		opcua.SecurityFromEndpoint(ep, userTokenType),
		opcua.ApplicationURI(applicationURI),
		opcua.AutoReconnect(true),
		opcua.ReconnectInterval(reconnectInterval),
	}
	if c.cfg.Auth.Username != "" {
		opts = append(opts, opcua.AuthUsername(c.cfg.Auth.Username, c.cfg.Auth.Password))
	}
	if c.cfg.SessionTimeout > 0 {
		opts = append(opts, opcua.SessionTimeout(c.cfg.SessionTimeout))
	}

	// Servers may advertise an internal hostname; dial the configured
	// URL rather than the advertised one.
	client, err := opcua.NewClient(c.cfg.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: creating client: %w", ErrConnectionFailed, err)
	}
	if err := client.Connect(dialCtx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	return client, nil
}

// subscribeAll creates one OPC-UA subscription per configured sampling
// interval, all feeding the shared channel. Unresolvable nodes are
// logged and skipped.
func (c *Connector) subscribeAll(ctx context.Context, nm *monitor.NodeMonitor, ch chan *monitor.DataChangeMessage) ([]*monitor.Subscription, error) {
	var subscribed []*monitor.Subscription
	monitored := 0

	for _, subCfg := range c.cfg.Subscriptions {
		nodes := c.resolvableNodes(subCfg)
		if len(nodes) == 0 {
			c.logWarn("subscription has no resolvable nodes, skipping",
				"interval", subCfg.PublishInterval.String())
			continue
		}

		sub, err := nm.ChanSubscribe(
			ctx,
			&opcua.SubscriptionParameters{Interval: subCfg.PublishInterval},
			ch,
			nodes...,
		)
		if err != nil {
			for _, s := range subscribed {
				s.Unsubscribe(ctx)
			}
			return nil, fmt.Errorf("%w: subscribing %d nodes: %w",
				ErrConnectionFailed, len(nodes), err)
		}
		subscribed = append(subscribed, sub)
		monitored += len(nodes)
	}

	if monitored == 0 {
		return nil, ErrNoNodes
	}
	return subscribed, nil
}

// resolvableNodes returns the subscription's node IDs that parse,
// recording each node's timestamp policy for the pump.
func (c *Connector) resolvableNodes(subCfg config.OPCUASubscriptionConfig) []string {
	policy := subCfg.Timestamps
	if policy == "" {
		policy = TimestampsSource
	}

	nodes := make([]string, 0, len(subCfg.Nodes))
	for _, node := range subCfg.Nodes {
		if err := parseStrictNodeID(node); err != nil {
			c.logWarn("unresolvable node, skipping", "node", node, "error", err)
			continue
		}
		nodes = append(nodes, node)
		c.nodePolicy[node] = policy
	}
	return nodes
}

// parseStrictNodeID accepts only the node ID forms the agent supports:
// an optional "ns=<n>;" namespace followed by an i=/s=/g=/b= identifier
// part. ua.ParseNodeID alone is too lax here - it falls back to an ns=0
// string ID for any input without an "=" form, so a typo in the config
// would silently become a monitored item for a node that never exists.
func parseStrictNodeID(s string) error {
	if _, err := ua.ParseNodeID(s); err != nil {
		return err
	}

	id := s
	if i := strings.IndexByte(id, ';'); i >= 0 {
		id = id[i+1:]
	}
	switch {
	case strings.HasPrefix(id, "i="),
		strings.HasPrefix(id, "s="),
		strings.HasPrefix(id, "g="),
		strings.HasPrefix(id, "b="):
		return nil
	}
	return fmt.Errorf("node id %q: identifier part must be i=, s=, g= or b=", s)
}

// pump forwards data changes to the events channel until the context
// ends or the transport dies.
func (c *Connector) pump(ctx context.Context, client *opcua.Client, ch chan *monitor.DataChangeMessage) error {
	health := time.NewTicker(healthInterval)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-health.C:
			switch client.State() {
			case opcua.Closed, opcua.Disconnected:
				return fmt.Errorf("%w: transport closed", ErrConnectionFailed)
			case opcua.Reconnecting:
				c.emitState(StateReconnecting, nil)
			case opcua.Connected:
				c.emitState(StateConnected, nil)
			}

		case dcm := <-ch:
			if dcm.Error != nil {
				// Per-item errors (bad node, sampling rejected) don't
				// kill the stream; the affected node just goes quiet.
				c.logWarn("data change error", "error", dcm.Error)
				continue
			}

			nodeID := dcm.NodeID.String()
			value := applyTimestampPolicy(dcm.DataValue, c.nodePolicy[nodeID])

			select {
			case c.events <- ValueChange{
				NodeID:   nodeID,
				Value:    value,
				Received: time.Now().UTC(),
			}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// applyTimestampPolicy strips the timestamps a subscription didn't ask
// for, so downstream timestamp preference only sees requested ones.
func applyTimestampPolicy(dv *ua.DataValue, policy string) *ua.DataValue {
	if dv == nil || policy == TimestampsBoth {
		return dv
	}

	out := *dv
	switch policy {
	case TimestampsNone:
		out.SourceTimestamp = time.Time{}
		out.ServerTimestamp = time.Time{}
	case TimestampsSource:
		out.ServerTimestamp = time.Time{}
	case TimestampsServer:
		out.SourceTimestamp = time.Time{}
	}
	return &out
}

// classifyFatal maps an error to its fatal form, or nil when it is
// transient and worth a reconnect.
func (c *Connector) classifyFatal(err error) error {
	if err == nil {
		return nil
	}
	for _, code := range []ua.StatusCode{
		ua.StatusBadUserAccessDenied,
		ua.StatusBadIdentityTokenInvalid,
		ua.StatusBadIdentityTokenRejected,
	} {
		if errors.Is(err, code) {
			return fmt.Errorf("%w: %w", ErrAuthFailed, err)
		}
	}
	return nil
}

// emitState publishes a lifecycle transition without ever blocking the
// data path; when nobody listens, stale states are dropped.
func (c *Connector) emitState(state State, err error) {
	change := StateChange{State: state, Err: err, Time: time.Now().UTC()}
	select {
	case c.states <- change:
	default:
	}
}

// logInfo logs an info message if a logger is set.
func (c *Connector) logInfo(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Info(msg, args...)
	}
}

// logWarn logs a warning if a logger is set.
func (c *Connector) logWarn(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Warn(msg, args...)
	}
}
