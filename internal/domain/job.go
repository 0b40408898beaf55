package domain

import "time"

type Status string

const (
	Waiting   Status = "waiting"
	Delayed   Status = "delayed"
	Active    Status = "active"
	Completed Status = "completed"
	Failed    Status = "failed"
	Cancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	switch s {
	case Completed, Failed, Cancelled:
		return true
	}
	return false
}

// Cancellable reports whether a job in status s may be transitioned to
// cancelled. Active jobs are excluded: the broker does not preempt a job
// once a worker has picked it up.
func (s Status) Cancellable() bool {
	return s == Waiting || s == Delayed
}

func (s Status) Valid() bool {
	switch s {
	case Waiting, Delayed, Active, Completed, Failed, Cancelled:
		return true
	}
	return false
}

// Job is one scheduled unit of delayed work. The broker owns the record;
// Owner, Tag and TxID are caller-supplied metadata used only as filter
// predicates, never interpreted here.
type Job struct {
	ID          string
	Owner       string
	Tag         string
	TxID        string
	Status      Status
	Payload     []byte
	Attempt     int
	MaxAttempts int
	DelayUntil  time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Filter is a conjunction of optional predicates over a single owner's
// jobs. Empty fields match everything; owner scoping is enforced by the
// service, not the filter itself.
type Filter struct {
	JobID  string
	Status Status
	Tag    string
	TxID   string
}

// Matches reports whether every non-empty predicate holds for j.
func (f Filter) Matches(j *Job) bool {
	if f.JobID != "" && f.JobID != j.ID {
		return false
	}
	if f.Status != "" && f.Status != j.Status {
		return false
	}
	if f.Tag != "" && f.Tag != j.Tag {
		return false
	}
	if f.TxID != "" && f.TxID != j.TxID {
		return false
	}
	return true
}

// Empty reports whether the filter carries no predicates at all, in which
// case it selects every job belonging to the owner.
func (f Filter) Empty() bool {
	return f.JobID == "" && f.Status == "" && f.Tag == "" && f.TxID == ""
}
