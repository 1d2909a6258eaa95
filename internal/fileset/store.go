// Copyright 2025 James Ross
package fileset

import (
	"context"
	"time"

	"github.com/doublewordai/batcherd/internal/request"
)

// FileMeta is the metadata needed to create a File; fields left zero are
// filled in with defaults (empty/size 0, no expiry).
type FileMeta struct {
	Name        string
	Description string
	Purpose     string
	UploadedBy  string
	SizeBytes   int64
	ExpiresAt   *time.Time
}

// Store is the file/batch aggregation slice of the full Storage
// contract. Creating a batch must insert one Pending request per
// template atomically: either every row is created, or none.
type Store interface {
	// CreateFile persists a new File row with the given templates already
	// attached, all in one atomic unit. Streaming ingest that discovers
	// templates incrementally calls this once metadata is known, then
	// AppendTemplates for templates that arrive afterward.
	CreateFile(ctx context.Context, meta FileMeta, templates []RequestTemplate) (File, error)

	// CreateFileStream opens a File row with no templates attached yet, for
	// callers ingesting a source whose templates arrive incrementally (a
	// streamed upload, a line-by-line JSONL decode). The caller follows up
	// with one or more AppendTemplates calls as lines are decoded.
	CreateFileStream(ctx context.Context, meta FileMeta) (File, error)

	// AppendTemplates adds templates to an existing, not-yet-batched file.
	AppendTemplates(ctx context.Context, fileID request.FileID, templates []RequestTemplate) error

	GetFile(ctx context.Context, id request.FileID) (File, error)
	ListFiles(ctx context.Context) ([]File, error)
	GetFileTemplates(ctx context.Context, fileID request.FileID) ([]RequestTemplate, error)

	// DeleteFile soft-deletes the file row; ListFiles excludes it
	// afterward. Its batches and their requests are left unchanged: they
	// are not marked deleted and are still listed and dispatched.
	DeleteFile(ctx context.Context, id request.FileID) error

	// CreateBatch reads every current template of fileID and inserts one
	// Pending request per template, tagged with the new batch's id, in a
	// single atomic unit.
	CreateBatch(ctx context.Context, fileID request.FileID) (Batch, error)

	GetBatchStatus(ctx context.Context, batchID request.BatchID) (BatchStatus, error)
	ListFileBatches(ctx context.Context, fileID request.FileID) ([]Batch, error)
	GetBatchRequests(ctx context.Context, batchID request.BatchID) ([]request.AnyRequest, error)

	// CancelBatch cancels every non-terminal request in the batch's
	// cohort, best-effort.
	CancelBatch(ctx context.Context, batchID request.BatchID) ([]request.RequestID, error)
}
