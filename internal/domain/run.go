package domain

import "time"

// Run represents a single invocation recorded in the run ledger
type Run struct {
	ID             string
	Mode           Mode
	ConfigPath     string
	BaseModel      string
	OutputDir      string
	Rank           int
	Status         RunStatus
	LastCheckpoint string
	Error          string
	StartedAt      time.Time
	FinishedAt     *time.Time
}

// Duration returns how long the run took, or has taken so far
func (r *Run) Duration(now time.Time) time.Duration {
	if r.FinishedAt != nil {
		return r.FinishedAt.Sub(r.StartedAt)
	}
	return now.Sub(r.StartedAt)
}
