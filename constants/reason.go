package constants

// FailureReason is the taxonomy kind recorded in bundle_jobs.error_reason.
type FailureReason string

const (
	ReasonStamping           FailureReason = "StampingError"
	ReasonStorageUnavailable FailureReason = "StorageUnavailable"
	ReasonSuperseded         FailureReason = "Superseded"
	ReasonTimeout            FailureReason = "Timeout"
	ReasonAssembly           FailureReason = "AssemblyError"
	ReasonNotFound           FailureReason = "NotFound"
	ReasonInternal           FailureReason = "Internal"
)

// Retryable reports whether the reaper may re-queue a job that failed for this reason.
// Superseded is a cancellation and a stamping failure will fail the same way again.
func (r FailureReason) Retryable() bool {
	return r == ReasonTimeout || r == ReasonStorageUnavailable
}

// StampingMode selects what the orchestrator does with a document that cannot be stamped.
type StampingMode string

const (
	StampingStrict  StampingMode = "strict"  // abort the whole job
	StampingLenient StampingMode = "lenient" // exclude the document, record it, continue
)
