package mqtt

import (
	"fmt"
	"strings"
)

// Topic constants.
const (
	// DefaultTopicTemplate is used for channels that don't set one.
	DefaultTopicTemplate = "telemetry/{device}"

	// devicePlaceholder is replaced with the channel's device ID.
	devicePlaceholder = "{device}"

	// statusTopicFormat is the retained agent status topic (LWT and
	// graceful online/offline messages).
	statusTopicFormat = "telemetry/agents/%s/status"
)

// RenderTopic expands a channel's topic template for a device.
//
// An empty template falls back to DefaultTopicTemplate. The rendered
// topic is validated as a publish topic (non-empty, no wildcards, no
// leftover placeholders).
//
// Parameters:
//   - template: Topic template, typically containing "{device}"
//   - device: Channel device identifier
//
// Returns:
//   - string: The rendered topic
//   - error: ErrInvalidTopic if the result is not a valid publish topic
//
// Example:
//
//	topic, err := mqtt.RenderTopic("plant/{device}/telemetry", "pump-1")
//	// topic == "plant/pump-1/telemetry"
func RenderTopic(template, device string) (string, error) {
	if template == "" {
		template = DefaultTopicTemplate
	}
	topic := strings.ReplaceAll(template, devicePlaceholder, device)
	if err := ValidateTopic(topic); err != nil {
		return "", err
	}
	return topic, nil
}

// ValidateTopic checks that a topic is usable for publishing.
//
// Publish topics must be non-empty, must not contain the subscription
// wildcards '+' or '#', and must not contain unexpanded placeholders.
//
// Returns:
//   - error: ErrInvalidTopic with the reason, nil if valid
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: topic is empty", ErrInvalidTopic)
	}
	if strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("%w: publish topic %q contains wildcard", ErrInvalidTopic, topic)
	}
	if strings.ContainsAny(topic, "{}") {
		return fmt.Errorf("%w: topic %q has unexpanded placeholder", ErrInvalidTopic, topic)
	}
	for _, level := range strings.Split(topic, "/") {
		if level == "" {
			return fmt.Errorf("%w: topic %q has empty level", ErrInvalidTopic, topic)
		}
	}
	return nil
}

// statusTopic returns the retained status topic for an agent client ID.
func statusTopic(clientID string) string {
	return fmt.Sprintf(statusTopicFormat, clientID)
}
