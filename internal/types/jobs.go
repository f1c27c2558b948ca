package types

import "time"

// Job is one read/export request tracked by the job executor. Jobs
// deduplicate by ParamsHash: identical parameters within the retention TTL
// reuse the stored output.
type Job struct {
	ID         string // uuid
	UserID     string
	ParamsHash string
	Status     JobStatus
	OutputType OutputType
	// OutputKey is the object-store key of the result file, when the output
	// is file-backed.
	OutputKey string
	// OutputJSON holds the inline JSON payload for point/polygon JSON reads.
	OutputJSON   []byte
	Errors       []string
	CreatedAt    time.Time
	FinishedAt   *time.Time
	LastAccessed time.Time
}

// Done reports whether the job reached a terminal state.
func (j *Job) Done() bool {
	return j.Status == JobSuccess || j.Status == JobFailed
}
