package constants

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJobStateMachine(t *testing.T) {
	allowed := map[[2]JobStatus]bool{
		{JobStatusPending, JobStatusProcessing}: true,
		{JobStatusPending, JobStatusFailed}:     true,
		{JobStatusProcessing, JobStatusReady}:   true,
		{JobStatusProcessing, JobStatusFailed}:  true,
		{JobStatusFailed, JobStatusPending}:     true,
	}
	all := []JobStatus{JobStatusPending, JobStatusProcessing, JobStatusReady, JobStatusFailed}
	for _, from := range all {
		for _, to := range all {
			require.Equal(t, allowed[[2]JobStatus{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}

	require.True(t, JobStatusReady.Reusable())
	require.False(t, JobStatusFailed.Reusable())
	require.False(t, JobStatusReady.InFlight())
}

func TestFailureReasonRetryable(t *testing.T) {
	require.True(t, ReasonTimeout.Retryable())
	require.True(t, ReasonStorageUnavailable.Retryable())
	for _, r := range []FailureReason{ReasonStamping, ReasonSuperseded, ReasonAssembly, ReasonNotFound, ReasonInternal} {
		require.False(t, r.Retryable(), string(r))
	}
}

func TestIsAllowedExt(t *testing.T) {
	require.True(t, IsAllowedExt(".PDF"))
	require.True(t, IsAllowedExt("pdf"))
	require.False(t, IsAllowedExt(".docx"))
}
