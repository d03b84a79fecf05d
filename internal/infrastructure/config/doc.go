// Package config loads and validates the agent's YAML configuration.
//
// Configuration is layered: hardcoded defaults, then the YAML file,
// then OPCAGENT_* environment variable overrides for secrets and
// deployment-specific endpoints.
//
// The channel table (one OPC-UA node mapped to one MQTT topic) is
// read once at startup and immutable for the process lifetime; a
// configuration change requires a restart.
package config
