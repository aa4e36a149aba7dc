package domain

import "time"

// ExecutionResult is the immutable record of one logical execution attempt
// (including its retries).
type ExecutionResult struct {
	ID         string
	Operation  string
	Order      Order
	Latency    time.Duration
	Attempts   int
	Success    bool
	Error      string
	RecordedAt time.Time
}
