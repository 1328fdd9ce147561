package log

// Canonical field names for structured logging.
const (
	FieldComponent = "component"
	FieldEvent     = "event"

	FieldSessionID = "session_id"
	FieldWorkerID  = "worker_id"
	FieldWorkerIDs = "worker_ids"
	FieldPID       = "pid"
	FieldWorkerPID = "worker_pid"
	FieldReason    = "reason"

	FieldMethod = "method"
	FieldAddr   = "addr"
	FieldStage  = "stage"
)
