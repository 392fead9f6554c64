package domain

import "time"

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

type RecalculationJob struct {
	ID              string
	Chain           string
	StartTime       time.Time
	EndTime         time.Time
	Status          JobStatus
	CreatedAt       time.Time
	StartedAt       time.Time
	FinishedAt      time.Time
	Error           string
	AddressesTotal  int
	AddressesDone   int
	AddressesFailed int
}
