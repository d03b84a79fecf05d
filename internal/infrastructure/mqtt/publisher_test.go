package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/edgelink-io/opcua-agent/internal/infrastructure/config"
)

// fakeClient records publishes and can simulate broker outages.
type fakeClient struct {
	mu        sync.Mutex
	published []Message
	failures  int // fail this many publishes before succeeding
}

func (f *fakeClient) Publish(topic string, payload []byte, qos byte, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return ErrNotConnected
	}
	f.published = append(f.published, Message{Topic: topic, Payload: payload, QoS: qos})
	return nil
}

func (f *fakeClient) messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.published...)
}

// waitFor polls until cond returns true or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition not met within deadline")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPublisher_PreservesOrder(t *testing.T) {
	client := &fakeClient{}
	pub := NewPublisher(client, config.MQTTQueueConfig{Size: 16}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pub.Run(ctx)

	const count = 10
	for i := 0; i < count; i++ {
		msg := Message{Topic: "telemetry/pump-1", Payload: []byte(fmt.Sprintf("%d", i)), QoS: 1}
		if err := pub.Enqueue(ctx, msg); err != nil {
			t.Fatalf("Enqueue(%d) error = %v", i, err)
		}
	}

	waitFor(t, func() bool { return pub.Published() == count })

	for i, msg := range client.messages() {
		if string(msg.Payload) != fmt.Sprintf("%d", i) {
			t.Errorf("message %d payload = %s, want %d", i, msg.Payload, i)
		}
	}
}

func TestPublisher_RetriesUntilBrokerReturns(t *testing.T) {
	client := &fakeClient{failures: 2}
	pub := NewPublisher(client, config.MQTTQueueConfig{Size: 4}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pub.Run(ctx)

	if err := pub.Enqueue(ctx, Message{Topic: "telemetry/pump-1", Payload: []byte("x"), QoS: 1}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	// Two failed attempts at 1s apart, then success.
	deadline := time.After(4 * time.Second)
	for pub.Published() == 0 {
		select {
		case <-deadline:
			t.Fatal("message never delivered after broker recovery")
		case <-time.After(20 * time.Millisecond):
		}
	}

	if got := len(client.messages()); got != 1 {
		t.Errorf("delivered %d messages, want 1", got)
	}
}

func TestPublisher_BlockPolicyAppliesBackpressure(t *testing.T) {
	client := &fakeClient{}
	pub := NewPublisher(client, config.MQTTQueueConfig{Size: 1, FullPolicy: PolicyBlock}, nil)
	// Run is intentionally not started: the queue stays full.

	ctx := context.Background()
	if err := pub.Enqueue(ctx, Message{Topic: "t/a", Payload: []byte("1")}); err != nil {
		t.Fatalf("first Enqueue() error = %v", err)
	}

	blocked := make(chan error, 1)
	go func() {
		blocked <- pub.Enqueue(ctx, Message{Topic: "t/a", Payload: []byte("2")})
	}()

	select {
	case err := <-blocked:
		t.Fatalf("Enqueue() returned %v, want it to block", err)
	case <-time.After(50 * time.Millisecond):
	}

	// Draining one slot unblocks the waiter.
	<-pub.queue
	select {
	case err := <-blocked:
		if err != nil {
			t.Errorf("unblocked Enqueue() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Enqueue() still blocked after queue drained")
	}
}

func TestPublisher_BlockedEnqueueHonoursContext(t *testing.T) {
	pub := NewPublisher(&fakeClient{}, config.MQTTQueueConfig{Size: 1}, nil)

	if err := pub.Enqueue(context.Background(), Message{Topic: "t/a"}); err != nil {
		t.Fatalf("first Enqueue() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	blocked := make(chan error, 1)
	go func() {
		blocked <- pub.Enqueue(ctx, Message{Topic: "t/a"})
	}()

	cancel()
	select {
	case err := <-blocked:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Enqueue() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Enqueue() did not honour cancellation")
	}
}

func TestPublisher_DropPolicyCounts(t *testing.T) {
	pub := NewPublisher(&fakeClient{}, config.MQTTQueueConfig{Size: 1, FullPolicy: PolicyDrop}, nil)
	ctx := context.Background()

	if err := pub.Enqueue(ctx, Message{Topic: "t/a"}); err != nil {
		t.Fatalf("first Enqueue() error = %v", err)
	}

	err := pub.Enqueue(ctx, Message{Topic: "t/a"})
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("Enqueue() error = %v, want ErrQueueFull", err)
	}
	if pub.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", pub.Dropped())
	}
}

func TestPublisher_CloseRejectsEnqueue(t *testing.T) {
	pub := NewPublisher(&fakeClient{}, config.MQTTQueueConfig{Size: 4}, nil)

	pub.Close()
	pub.Close() // idempotent

	err := pub.Enqueue(context.Background(), Message{Topic: "t/a"})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue() after Close error = %v, want ErrClosed", err)
	}
}

func TestPublisher_RunStopsOnCancel(t *testing.T) {
	pub := NewPublisher(&fakeClient{}, config.MQTTQueueConfig{Size: 4}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pub.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not stop on cancellation")
	}
}
