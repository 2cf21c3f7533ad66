package entity

import (
	"time"

	"github.com/thekellymethod/proseiq-clean-sub002/constants"
)

// BundleJob represents a bundle job for data transfer between layers.
type BundleJob struct {
	ID                  string                   `json:"id"`
	CaseID              string                   `json:"case_id"`
	Title               string                   `json:"title"`
	RequestedExhibitIDs []string                 `json:"requested_exhibit_ids"`
	ExcludedExhibitIDs  []string                 `json:"excluded_exhibit_ids,omitempty"`
	InputFingerprint    string                   `json:"input_fingerprint"`
	RegistryVersion     int64                    `json:"registry_version"`
	BatesStart          int64                    `json:"bates_start"`
	Status              constants.JobStatus      `json:"status"`
	StorageBucket       *string                  `json:"storage_bucket,omitempty"`
	StoragePath         *string                  `json:"storage_path,omitempty"`
	ContentHash         *string                  `json:"content_hash,omitempty"`
	ErrorReason         *constants.FailureReason `json:"error_reason,omitempty"`
	ErrorMessage        *string                  `json:"error_message,omitempty"`
	Attempts            int                      `json:"attempts"`
	NextAttemptAt       *time.Time               `json:"next_attempt_at,omitempty"`
	ClaimedAt           *time.Time               `json:"claimed_at,omitempty"`
	FinishedAt          *time.Time               `json:"finished_at,omitempty"`
	CreatedAt           time.Time                `json:"created_at"`
	UpdatedAt           time.Time                `json:"updated_at"`
}
