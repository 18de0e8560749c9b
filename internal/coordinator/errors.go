package coordinator

import (
	"context"
	"errors"

	"aval/internal/cloud"
	"aval/internal/lease"
	"aval/internal/retry"
	"aval/internal/session"
	"aval/internal/update"
)

var errorClasses = []struct {
	err   error
	class string
}{
	{lease.ErrLeaseUnavailable, "lease_unavailable"},
	{update.ErrUpdateRollbackDetected, "update_rollback"},
	{update.ErrUpdateLaunchFailed, "update_launch_failed"},
	{update.ErrUpdateTimeout, "update_timeout"},
	{update.ErrBuildLookupFailed, "build_lookup_failed"},
	{session.ErrSessionCreationFailed, "session_creation_failed"},
	{session.ErrConnectivityFailed, "connectivity_failed"},
	{retry.ErrMaxRetriesExceeded, "max_retries_exceeded"},
	{cloud.ErrAuthFailed, "auth_failed"},
	{cloud.ErrNotInitialized, "not_initialized"},
	{ErrCommandFailed, "command_failed"},
	{ErrNoEligibleDevice, "no_eligible_device"},
	{context.Canceled, "cancelled"},
}

// ErrorClass names the kind of failure err is, for logs and metrics. Errors
// outside the known set are classified by how the request failed.
func ErrorClass(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range errorClasses {
		if errors.Is(err, c.err) {
			return c.class
		}
	}
	return retry.Classify(err)
}

// ExitCode maps the outcome of a run to the process exit status: 0 on
// success, 69 (EX_UNAVAILABLE) when no device could be locked, 1 otherwise.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNoEligibleDevice):
		return 69
	}
	return 1
}
