package domain

import "time"

// RolloutState enumerates the stages of an update request.
type RolloutState string

const (
	RolloutUnpacked      RolloutState = "unpacked"
	RolloutSnapshotTaken RolloutState = "snapshot_taken"
	RolloutDeploying     RolloutState = "deploying"
	RolloutCleanupWait   RolloutState = "cleanup_wait"
	RolloutCleanupPoll   RolloutState = "cleanup_poll"
	RolloutRetry         RolloutState = "retry"
	RolloutDone          RolloutState = "done"
	RolloutAbandoned     RolloutState = "abandoned"
)

// RolloutAttempt tracks the retirement of one project's prior generation.
type RolloutAttempt struct {
	Username  string
	Project   string
	Remaining []Container
	Attempt   int
	State     RolloutState
	StartedAt time.Time
}

// Done reports whether no old containers remain.
func (r RolloutAttempt) Done() bool {
	return len(r.Remaining) == 0
}
