package models

import "time"

// JobStatus is the derived display state of a job
type JobStatus string

const (
	JobStatusCompleted  JobStatus = "completed"
	JobStatusProcessing JobStatus = "processing"
	JobStatusPaused     JobStatus = "paused"
	JobStatusPending    JobStatus = "pending"
)

// JobFile represents one submitted batch of phone numbers for one user.
// At most one JobFile per owner may be active at a time; that invariant is
// enforced at submission.
type JobFile struct {
	ID            string     `json:"id" db:"id"`
	FileName      string     `json:"fileName" db:"file_name"`
	OwnerUser     string     `json:"ownerUser" db:"owner_user"`
	TotalCount    int        `json:"totalCount" db:"total_count"`
	ProgressCount int        `json:"progressCount" db:"progress_count"`
	Active        bool       `json:"active" db:"active"`
	CreatedAt     time.Time  `json:"createdAt" db:"created_at"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty" db:"finished_at"`
}

// Status derives the display state from progress and the active flag
func (j *JobFile) Status() JobStatus {
	switch {
	case j.ProgressCount >= j.TotalCount && j.TotalCount > 0:
		return JobStatusCompleted
	case j.Active:
		return JobStatusProcessing
	case j.ProgressCount > 0:
		return JobStatusPaused
	default:
		return JobStatusPending
	}
}

// ProgressPercentage returns completion as a percentage, 0 for empty jobs
func (j *JobFile) ProgressPercentage() float64 {
	if j.TotalCount == 0 {
		return 0
	}
	return float64(j.ProgressCount) / float64(j.TotalCount) * 100
}
