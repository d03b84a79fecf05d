package bridge

// ChannelState is one step of a channel's lifecycle.
type ChannelState string

// Channel lifecycle states. A channel loops between Streaming and
// Reconnecting for as long as failures stay transient; Failed is
// terminal for the process lifetime.
const (
	StateStarting     ChannelState = "starting"
	StateSubscribing  ChannelState = "subscribing"
	StateStreaming    ChannelState = "streaming"
	StateReconnecting ChannelState = "reconnecting"
	StateFailed       ChannelState = "failed"
)

// ChannelMetrics is a point-in-time snapshot of one channel's pipeline.
type ChannelMetrics struct {
	// Device is the channel's device identifier.
	Device string

	// State is the channel's current lifecycle state.
	State ChannelState

	// Sequence is the last stamped envelope sequence number.
	Sequence uint64

	// DroppedDecode counts samples dropped for undecodable values.
	DroppedDecode uint64

	// DroppedCrypto counts messages dropped for crypto or persistence
	// failures.
	DroppedCrypto uint64
}
