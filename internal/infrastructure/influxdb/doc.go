// Package influxdb provides the agent's optional local telemetry
// recorder, wrapping the official influxdb-client-go v2 library.
//
// # Purpose
//
// When enabled, the recorder mirrors published numeric samples into a
// local InfluxDB bucket so operators can inspect recent plant data
// without decrypting the MQTT stream. The recorder is strictly
// best-effort: it never blocks or fails the publish path.
//
// # Usage
//
//	rec, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    // ErrDisabled when turned off in config
//	}
//	defer rec.Close()
//
//	rec.RecordSample("pump-1", "ns=2;s=Pumps.Pump1.Flow", 12.5, "Good", ts)
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking; batch errors surface through the
// SetOnError callback. Connection and health check errors are returned
// directly.
package influxdb
