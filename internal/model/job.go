package model

import "time"

// ReorganizePath names how a reorganization was carried out
type ReorganizePath string

const (
	// ReorganizeFast rewrites each partition file on its own
	ReorganizeFast ReorganizePath = "fast"
	// ReorganizeSlow merges every partition and routes rows into a new group
	ReorganizeSlow ReorganizePath = "slow"
)

// ReorganizeJob records one reorganization of a partition group
type ReorganizeJob struct {
	JobID       string
	Group       string
	Target      string
	SourceIDs   []int
	TargetIDs   []int
	Path        ReorganizePath
	SubTables   []string
	Rows        int64
	StartedAt   time.Time
	CompletedAt time.Time
	Status      JobStatus
	Error       string
}

// Duration is zero until the job ends
func (j *ReorganizeJob) Duration() time.Duration {
	if j.CompletedAt.IsZero() {
		return 0
	}
	return j.CompletedAt.Sub(j.StartedAt)
}

// JobStatus indicates the state of a maintenance job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)
