package models

import "time"

// JobExecution is the lifecycle state of a workflow job.
type JobExecution string

const (
	JobQueued    JobExecution = "queued"
	JobRunning   JobExecution = "running"
	JobSucceeded JobExecution = "succeeded"
	JobFailed    JobExecution = "failed"
)

// Done reports whether the job reached a terminal state.
func (e JobExecution) Done() bool {
	return e == JobSucceeded || e == JobFailed
}

// TaskResult records one task run, successful or not.
type TaskResult struct {
	Name       string    `json:"name"`
	Result     string    `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	Attempts   int       `json:"attempts"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Job is the durable record of one workflow execution.
type Job struct {
	UUID           string            `json:"uuid"`
	Name           string            `json:"name"`
	Params         map[string]string `json:"params"`
	Execution      JobExecution      `json:"execution"`
	ChainResults   []TaskResult      `json:"chain_results"`
	OnErrorResults []TaskResult      `json:"onerror_results,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	Elapsed        time.Duration     `json:"elapsed"`
}
