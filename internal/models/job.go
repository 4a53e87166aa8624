package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted in the job store.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusClaimed   JobStatus = "claimed"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusDead      JobStatus = "dead"
	StatusCanceled  JobStatus = "canceled"
)

// Terminal reports whether no further transition is possible from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusDead, StatusCanceled:
		return true
	}
	return false
}

// Leased reports whether s carries a lease owner and expiry.
func (s JobStatus) Leased() bool {
	return s == StatusClaimed || s == StatusRunning
}

// Valid reports whether s is one of the known states.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusClaimed, StatusRunning, StatusCompleted, StatusDead, StatusCanceled:
		return true
	}
	return false
}

// Job is one analysis request tracked through the queue.
type Job struct {
	ID              string     `json:"id"`
	OwnerRef        string     `json:"owner_ref"`
	SubjectRef      string     `json:"subject_ref"`
	Profile         string     `json:"profile,omitempty"`
	Status          JobStatus  `json:"status"`
	Attempts        int        `json:"attempts"`
	MaxAttempts     int        `json:"max_attempts"`
	RunAt           time.Time  `json:"run_at"`
	LeaseOwner      *string    `json:"lease_owner,omitempty"`
	LeaseUntil      *time.Time `json:"lease_until,omitempty"`
	DedupeKey       *string    `json:"dedupe_key,omitempty"`
	CurrentStep     int        `json:"current_step"`
	TotalSteps      int        `json:"total_steps"`
	ProgressMessage string     `json:"progress_message,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Result          *JobResult `json:"result,omitempty"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
}

// LogEntry is an append-only progress or audit line for a job.
type LogEntry struct {
	JobID     string    `json:"job_id"`
	Sequence  int64     `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Text      string    `json:"text"`
}

// OutputDocument is a numbered text document produced by a successful run.
type OutputDocument struct {
	JobID     string `json:"job_id"`
	Kind      string `json:"kind"`
	Index     int    `json:"index"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	SizeBytes int64  `json:"size_bytes"`
}

// JobResult is the summary stored on a completed job.
type JobResult struct {
	DocumentCount   int            `json:"document_count"`
	DocumentsByKind map[string]int `json:"documents_by_kind,omitempty"`
	Outline         *Outline       `json:"outline,omitempty"`
	Warnings        []string       `json:"warnings,omitempty"`
	// Incomplete is set when the analyzer succeeded but no documents were found.
	Incomplete bool   `json:"incomplete"`
	ExportedTo string `json:"exported_to,omitempty"`
}

// Outline carries the structured configuration files emitted by the analyzer.
type Outline struct {
	Abstractions  []Abstraction  `json:"abstractions,omitempty"`
	Relationships *Relationships `json:"relationships,omitempty"`
	Manifest      *Manifest      `json:"manifest,omitempty"`
}

type Abstraction struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	Files       []string `json:"files,omitempty" yaml:"files"`
}

type Relationships struct {
	Summary string         `json:"summary"`
	Edges   []Relationship `json:"relationships"`
}

type Relationship struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Label string `json:"label"`
}

type Manifest struct {
	Project  string   `json:"project" toml:"project"`
	Language string   `json:"language,omitempty" toml:"language"`
	Chapters []string `json:"chapters,omitempty" toml:"chapters"`
}

// JobView is what the upstream caller sees when reading a job.
type JobView struct {
	Job       Job              `json:"job"`
	Documents []OutputDocument `json:"documents"`
}
