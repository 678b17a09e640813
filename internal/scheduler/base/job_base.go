// Package base provides base implementation for scheduler jobs.
package base

// JobBase provides a default SetJob implementation.
// Jobs can embed this to satisfy the Job interface.
type JobBase struct {
	scheduledJob interface{}
}

// SetJob stores the scheduler's job reference
func (j *JobBase) SetJob(sj interface{}) {
	j.scheduledJob = sj
}
