package metrics

import "time"

// OperationMetrics provides observability for engine file operations.
//
// The interface is optional: passing nil to the engine selects the no-op
// implementation, so instrumented and bare deployments share one code path.
type OperationMetrics interface {
	// RecordOperation records one completed operation or bulk sub-operation
	// with its type (copy, move, ...), backend type, duration, and outcome.
	RecordOperation(opType, backendType string, duration time.Duration, err error)

	// RecordBytesTransferred records payload bytes moved through the engine.
	// Direction is "read" or "write".
	RecordBytesTransferred(direction, backendType string, bytes int64)

	// RecordJobStart increments the in-flight job gauge for an operation type.
	RecordJobStart(opType string)

	// RecordJobEnd decrements the in-flight job gauge and counts the job's
	// terminal status (completed, failed, cancelled).
	RecordJobEnd(opType, status string)
}

// PoolMetrics provides observability for the connection pool.
type PoolMetrics interface {
	// RecordDial records one full dial attempt with its outcome.
	RecordDial(duration time.Duration, err error)

	// RecordIdleEviction counts an idle connection being closed.
	RecordIdleEviction()

	// RecordProbeFailure counts a health probe dropping a connection.
	RecordProbeFailure()

	// SetConnections sets the number of pooled connections in a state.
	SetConnections(state string, count int)
}
