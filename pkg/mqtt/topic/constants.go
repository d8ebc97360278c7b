package topic

// Standard MQTT topic syntax.
const (
	// Separator splits a topic into levels.
	Separator = "/"

	// Wildcard matches exactly one topic level.
	// "sensor/+/temperature" matches "sensor/kitchen/temperature".
	Wildcard = "+"

	// MultiWildcard matches the current level and everything below it.
	// It must be the last level of a filter.
	MultiWildcard = "#"

	// SharedPrefix introduces a shared subscription: $share/<group>/<filter>.
	SharedPrefix = "$share/"

	// MaxLength is the longest topic the protocol can encode.
	MaxLength = 65535
)
