package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// RecordSample mirrors one published numeric telemetry sample.
//
// The write is non-blocking; data is batched and sent asynchronously.
// Samples recorded while disconnected are silently skipped so the
// publish path never stalls on the recorder.
//
// Parameters:
//   - device: Channel device identifier (e.g., "pump-1")
//   - node: OPC-UA node identifier the value came from
//   - value: The numeric sample value
//   - status: OPC-UA status classification ("Good", "Uncertain", "Bad")
//   - timestamp: The envelope timestamp (source-preferred)
//
// Example:
//
//	rec.RecordSample("pump-1", "ns=2;s=Pumps.Pump1.Flow", 12.5, "Good", ts)
func (r *Recorder) RecordSample(device, node string, value float64, status string, timestamp time.Time) {
	if !r.IsConnected() {
		return
	}

	point := write.NewPoint(
		"telemetry",
		map[string]string{
			"device": device,
			"node":   node,
			"status": status,
		},
		map[string]interface{}{
			"value": value,
		},
		timestamp,
	)

	r.writeAPI.WritePoint(point)
}

// RecordChannelState records a channel lifecycle transition so outages
// are visible next to the data they interrupted.
//
// Parameters:
//   - device: Channel device identifier
//   - state: New lifecycle state (e.g., "streaming", "reconnecting")
func (r *Recorder) RecordChannelState(device, state string) {
	if !r.IsConnected() {
		return
	}

	point := write.NewPoint(
		"channel_state",
		map[string]string{
			"device": device,
		},
		map[string]interface{}{
			"state": state,
		},
		time.Now(),
	)

	r.writeAPI.WritePoint(point)
}

// RecordDropped counts a sample discarded by the publisher queue's drop
// policy, tagged by device so sustained loss is attributable.
//
// Parameters:
//   - device: Channel device identifier
//   - count: Number of samples dropped since the last record
func (r *Recorder) RecordDropped(device string, count uint64) {
	if !r.IsConnected() || count == 0 {
		return
	}

	point := write.NewPoint(
		"dropped_samples",
		map[string]string{
			"device": device,
		},
		map[string]interface{}{
			"count": int64(count), // #nosec G115 -- practical drop counts fit int64
		},
		time.Now(),
	)

	r.writeAPI.WritePoint(point)
}
