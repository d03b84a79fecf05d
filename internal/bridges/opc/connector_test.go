package opc

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gopcua/opcua/ua"

	"github.com/edgelink-io/opcua-agent/internal/infrastructure/config"
)

// recordingLogger captures log calls for assertions.
type recordingLogger struct {
	warnings []string
}

func (l *recordingLogger) Info(string, ...any)       {}
func (l *recordingLogger) Warn(msg string, _ ...any) { l.warnings = append(l.warnings, msg) }
func (l *recordingLogger) Error(string, ...any)      {}

func TestResolvableNodes_SkipsUnparsable(t *testing.T) {
	logger := &recordingLogger{}
	c := New(config.OPCUAConfig{}, logger)

	nodes := c.resolvableNodes(config.OPCUASubscriptionConfig{
		Nodes: []string{
			"ns=2;s=Pumps.Pump1.Flow",
			"not a node id",
			"ns=2;i=42",
		},
		Timestamps: TimestampsBoth,
	})

	if len(nodes) != 2 {
		t.Fatalf("resolvableNodes() = %v, want 2 nodes", nodes)
	}
	if nodes[0] != "ns=2;s=Pumps.Pump1.Flow" || nodes[1] != "ns=2;i=42" {
		t.Errorf("resolvableNodes() = %v", nodes)
	}
	if len(logger.warnings) != 1 {
		t.Errorf("warnings = %v, want one skip warning", logger.warnings)
	}
	if got := c.nodePolicy["ns=2;i=42"]; got != TimestampsBoth {
		t.Errorf("nodePolicy = %q, want %q", got, TimestampsBoth)
	}
}

func TestParseStrictNodeID(t *testing.T) {
	tests := []struct {
		node  string
		valid bool
	}{
		{"ns=2;i=42", true},
		{"ns=2;s=Pumps.Pump1.Flow", true},
		{"i=2258", true},
		{"s=Plain", true},
		{"ns=0;g=09087e75-8e5e-499b-954f-f2a9603db28a", true},
		{"ns=1;b=YmFzZTY0", true},
		// gopcua parses a bare string as an ns=0 string ID, so these
		// only fail the strict identifier-part check.
		{"not a node id", false},
		{"ns=2", false},
		{"", false},
		{"ns=x;i=1", false},
	}

	for _, tt := range tests {
		err := parseStrictNodeID(tt.node)
		if tt.valid && err != nil {
			t.Errorf("parseStrictNodeID(%q) error = %v, want nil", tt.node, err)
		}
		if !tt.valid && err == nil {
			t.Errorf("parseStrictNodeID(%q) = nil, want error", tt.node)
		}
	}
}

func TestResolvableNodes_DefaultPolicy(t *testing.T) {
	c := New(config.OPCUAConfig{}, nil)

	c.resolvableNodes(config.OPCUASubscriptionConfig{
		Nodes: []string{"ns=2;s=X"},
	})

	if got := c.nodePolicy["ns=2;s=X"]; got != TimestampsSource {
		t.Errorf("default policy = %q, want %q", got, TimestampsSource)
	}
}

func TestApplyTimestampPolicy(t *testing.T) {
	source := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	server := source.Add(time.Millisecond)

	fresh := func() *ua.DataValue {
		return &ua.DataValue{SourceTimestamp: source, ServerTimestamp: server}
	}

	tests := []struct {
		policy     string
		wantSource bool
		wantServer bool
	}{
		{policy: TimestampsBoth, wantSource: true, wantServer: true},
		{policy: TimestampsSource, wantSource: true, wantServer: false},
		{policy: TimestampsServer, wantSource: false, wantServer: true},
		{policy: TimestampsNone, wantSource: false, wantServer: false},
	}

	for _, tt := range tests {
		t.Run(tt.policy, func(t *testing.T) {
			got := applyTimestampPolicy(fresh(), tt.policy)
			if got.SourceTimestamp.IsZero() == tt.wantSource {
				t.Errorf("SourceTimestamp present = %v, want %v", !got.SourceTimestamp.IsZero(), tt.wantSource)
			}
			if got.ServerTimestamp.IsZero() == tt.wantServer {
				t.Errorf("ServerTimestamp present = %v, want %v", !got.ServerTimestamp.IsZero(), tt.wantServer)
			}
		})
	}
}

func TestApplyTimestampPolicy_DoesNotMutateInput(t *testing.T) {
	source := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	dv := &ua.DataValue{SourceTimestamp: source, ServerTimestamp: source}

	applyTimestampPolicy(dv, TimestampsNone)

	if dv.SourceTimestamp.IsZero() || dv.ServerTimestamp.IsZero() {
		t.Error("input DataValue was mutated")
	}
}

func TestApplyTimestampPolicy_Nil(t *testing.T) {
	if got := applyTimestampPolicy(nil, TimestampsSource); got != nil {
		t.Errorf("applyTimestampPolicy(nil) = %v, want nil", got)
	}
}

func TestClassifyFatal(t *testing.T) {
	c := New(config.OPCUAConfig{}, nil)

	tests := []struct {
		name      string
		err       error
		wantFatal bool
	}{
		{name: "nil", err: nil},
		{name: "transient connection", err: fmt.Errorf("%w: dial tcp", ErrConnectionFailed)},
		{name: "missing endpoint", err: ErrNoMatchingEndpoint},
		{
			name:      "access denied",
			err:       fmt.Errorf("connect: %w", ua.StatusBadUserAccessDenied),
			wantFatal: true,
		},
		{
			name:      "identity token rejected",
			err:       fmt.Errorf("connect: %w", ua.StatusBadIdentityTokenRejected),
			wantFatal: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fatal := c.classifyFatal(tt.err)
			if tt.wantFatal {
				if !errors.Is(fatal, ErrAuthFailed) {
					t.Errorf("classifyFatal() = %v, want ErrAuthFailed", fatal)
				}
				return
			}
			if fatal != nil {
				t.Errorf("classifyFatal() = %v, want nil", fatal)
			}
		})
	}
}

func TestEmitState_NeverBlocks(t *testing.T) {
	c := New(config.OPCUAConfig{}, nil)

	// Nobody is draining the states channel; filling past the buffer
	// must drop instead of deadlocking the data path.
	for i := 0; i < stateBuffer*2; i++ {
		c.emitState(StateReconnecting, nil)
	}

	change := <-c.States()
	if change.State != StateReconnecting {
		t.Errorf("state = %q, want %q", change.State, StateReconnecting)
	}
	if change.Time.IsZero() {
		t.Error("state change missing timestamp")
	}
}
