package objectstore

import "time"

// Metrics collects object store operation telemetry. Implementations must be
// safe for concurrent use.
type Metrics interface {
	// ObserveOperation records one operation with its duration and outcome.
	ObserveOperation(operation string, duration time.Duration, err error)

	// RecordBytes counts downloaded bytes.
	RecordBytes(n int64)

	// RecordRetry counts one retry attempt for an operation.
	RecordRetry(operation string)
}

// NopMetrics discards all telemetry.
type NopMetrics struct{}

func (NopMetrics) ObserveOperation(string, time.Duration, error) {}
func (NopMetrics) RecordBytes(int64)                             {}
func (NopMetrics) RecordRetry(string)                            {}
