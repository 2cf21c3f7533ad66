package constants

// JobStatus is the canonical status for rows in bundle_jobs.
type JobStatus string

// Stable values (store these exact strings in DB).
const (
	JobStatusPending    JobStatus = "pending"    // created, not yet claimed
	JobStatusProcessing JobStatus = "processing" // claimed by one worker
	JobStatusReady      JobStatus = "ready"      // artifact persisted, path recorded
	JobStatusFailed     JobStatus = "failed"     // terminal unless explicitly retried
)

// InFlight reports whether a job in this status still has work ahead of it.
func (s JobStatus) InFlight() bool {
	return s == JobStatusPending || s == JobStatusProcessing
}

// Reusable reports whether a new request with the same fingerprint may attach to the job.
func (s JobStatus) Reusable() bool {
	return s.InFlight() || s == JobStatusReady
}

// CanTransition encodes the bundle job state machine. failed -> pending is only
// taken through an explicit retry.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusPending:
		return to == JobStatusProcessing || to == JobStatusFailed
	case JobStatusProcessing:
		return to == JobStatusReady || to == JobStatusFailed
	case JobStatusFailed:
		return to == JobStatusPending
	default:
		return false
	}
}
