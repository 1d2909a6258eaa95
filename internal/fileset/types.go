// Copyright 2025 James Ross

// Package fileset holds the file and batch aggregation model: a File
// groups mutable RequestTemplates; materializing a Batch snapshots those
// templates into an immutable cohort of Pending requests.
package fileset

import (
	"time"

	"github.com/doublewordai/batcherd/internal/request"
)

// FileStatus tracks whether a file is still accepting template edits.
type FileStatus string

const (
	FileStatusProcessed FileStatus = "processed"
	FileStatusDeleted   FileStatus = "deleted"
)

// File is a named collection of request templates.
type File struct {
	ID          request.FileID
	Name        string
	Description string
	SizeBytes   int64
	Status      FileStatus
	Purpose     string
	UploadedBy  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   *time.Time
	DeletedAt   *time.Time
}

// RequestTemplate is a mutable blueprint for a request. A Batch snapshots
// a template's fields at the moment the batch is created; later edits to
// the template never retroactively affect requests already materialized.
type RequestTemplate struct {
	ID        request.TemplateID
	FileID    request.FileID
	CustomID  string
	Endpoint  string
	Method    string
	Path      string
	Body      string
	Model     string
	APIKey    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Batch is one materialization of a file's templates into a cohort of
// requests. Batches are immutable once created.
type Batch struct {
	ID        request.BatchID
	FileID    request.FileID
	CreatedAt time.Time
}

// BatchStatus is the computed, never-stored aggregate view of a batch's
// cohort of requests.
type BatchStatus struct {
	BatchID       request.BatchID
	FileID        request.FileID
	FileName      string
	TotalRequests int
	Pending       int
	InProgress    int
	Completed     int
	Failed        int
	Canceled      int
	StartedAt     *time.Time
	LastUpdatedAt time.Time
	CreatedAt     time.Time
}

// IsFinished reports whether every request in the cohort has reached a
// final state (Completed, Failed, or Canceled).
func (s BatchStatus) IsFinished() bool {
	return s.Pending == 0 && s.InProgress == 0 && s.TotalRequests > 0
}
