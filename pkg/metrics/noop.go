package metrics

import "time"

// NewNoopOperationMetrics returns an OperationMetrics that does nothing.
func NewNoopOperationMetrics() OperationMetrics { return noopOperationMetrics{} }

type noopOperationMetrics struct{}

func (noopOperationMetrics) RecordOperation(string, string, time.Duration, error) {}
func (noopOperationMetrics) RecordBytesTransferred(string, string, int64)         {}
func (noopOperationMetrics) RecordJobStart(string)                                {}
func (noopOperationMetrics) RecordJobEnd(string, string)                          {}

// NewNoopPoolMetrics returns a PoolMetrics that does nothing.
func NewNoopPoolMetrics() PoolMetrics { return noopPoolMetrics{} }

type noopPoolMetrics struct{}

func (noopPoolMetrics) RecordDial(time.Duration, error) {}
func (noopPoolMetrics) RecordIdleEviction()             {}
func (noopPoolMetrics) RecordProbeFailure()             {}
func (noopPoolMetrics) SetConnections(string, int)      {}
