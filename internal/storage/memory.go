// Copyright 2025 James Ross
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/doublewordai/batcherd/internal/fileset"
	"github.com/doublewordai/batcherd/internal/request"
	"github.com/doublewordai/batcherd/internal/statusbus"
)

// MemoryStorage is a sync.RWMutex-guarded in-memory Storage, grounded on
// the reference InMemoryStorage: ClaimRequests holds the write lock
// across the whole select-and-update, which is how a volatile map
// satisfies the atomic-claim requirement without row-level locking.
type MemoryStorage struct {
	mu   sync.RWMutex
	rows map[request.RequestID]request.AnyRequest

	files   map[request.FileID]*fileEntry
	batches map[request.BatchID]*batchEntry
	batchOf map[request.RequestID]request.BatchID

	bus *statusbus.Bus
}

type fileEntry struct {
	file      fileset.File
	templates map[request.TemplateID]fileset.RequestTemplate
	order     []request.TemplateID
}

type batchEntry struct {
	batch      fileset.Batch
	fileName   string
	requestIDs []request.RequestID
}

// NewMemoryStorage returns an empty MemoryStorage. bufSize sizes each
// status-update subscriber's channel buffer.
func NewMemoryStorage(bufSize int) *MemoryStorage {
	return &MemoryStorage{
		rows:    make(map[request.RequestID]request.AnyRequest),
		files:   make(map[request.FileID]*fileEntry),
		batches: make(map[request.BatchID]*batchEntry),
		batchOf: make(map[request.RequestID]request.BatchID),
		bus:     statusbus.New(bufSize),
	}
}

// Submit inserts a new Pending row, failing with ErrUniqueViolation if
// the id already exists.
func (s *MemoryStorage) Submit(ctx context.Context, data request.RequestData) (request.Request[request.Pending], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rows[data.ID]; exists {
		return request.Request[request.Pending]{}, request.ErrUniqueViolation
	}

	pending := request.Request[request.Pending]{Data: data, State: request.Pending{}}
	any := request.ToAny(pending)
	s.rows[data.ID] = any
	s.bus.Publish(any)
	return pending, nil
}

// ClaimRequests atomically claims up to limit eligible Pending rows.
func (s *MemoryStorage) ClaimRequests(ctx context.Context, limit int, daemonID request.DaemonID) ([]request.Request[request.Claimed], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	claimed := make([]request.Request[request.Claimed], 0, limit)

	// Deterministic order keeps tests reproducible; production semantics
	// don't promise FIFO (spec.md Non-goals), only exclusivity.
	ids := make([]request.RequestID, 0, len(s.rows))
	for id := range s.rows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	for _, id := range ids {
		if len(claimed) >= limit {
			break
		}
		row := s.rows[id]
		pending, ok := row.AsPending()
		if !ok || !pending.State.Eligible(now) {
			continue
		}
		c := request.Request[request.Claimed]{
			Data: pending.Data,
			State: request.Claimed{
				DaemonID:     daemonID,
				ClaimedAt:    now,
				RetryAttempt: pending.State.RetryAttempt,
			},
		}
		any := request.ToAny(c)
		s.rows[id] = any
		s.bus.Publish(any)
		claimed = append(claimed, c)
	}
	return claimed, nil
}

// Persist implements request.Store and Storage: it rejects writes against
// an already-terminal stored row.
func (s *MemoryStorage) Persist(ctx context.Context, r request.AnyRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked(r)
}

func (s *MemoryStorage) persistLocked(r request.AnyRequest) error {
	if existing, ok := s.rows[r.Data.ID]; ok && existing.IsTerminal() {
		return request.ErrInvalidState
	}
	s.rows[r.Data.ID] = r
	s.bus.Publish(r)
	return nil
}

// ClaimOne implements request.Store for the single-request Claim() path.
func (s *MemoryStorage) ClaimOne(ctx context.Context, id request.RequestID, daemonID request.DaemonID) (request.Request[request.Claimed], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return request.Request[request.Claimed]{}, request.ErrNotFound
	}
	pending, ok := row.AsPending()
	if !ok {
		return request.Request[request.Claimed]{}, request.ErrInvalidState
	}

	c := request.Request[request.Claimed]{
		Data: pending.Data,
		State: request.Claimed{
			DaemonID:     daemonID,
			ClaimedAt:    time.Now().UTC(),
			RetryAttempt: pending.State.RetryAttempt,
		},
	}
	any := request.ToAny(c)
	s.rows[id] = any
	s.bus.Publish(any)
	return c, nil
}

// ViewPendingRequests returns every currently-eligible Pending row.
func (s *MemoryStorage) ViewPendingRequests(ctx context.Context) ([]request.Request[request.Pending], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().UTC()
	out := make([]request.Request[request.Pending], 0)
	for _, row := range s.rows {
		if pending, ok := row.AsPending(); ok && pending.State.Eligible(now) {
			out = append(out, pending)
		}
	}
	return out, nil
}

// GetRequests bulk-fetches rows by id; missing ids are simply absent.
func (s *MemoryStorage) GetRequests(ctx context.Context, ids []request.RequestID) ([]request.AnyRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]request.AnyRequest, 0, len(ids))
	for _, id := range ids {
		if row, ok := s.rows[id]; ok {
			out = append(out, row)
		}
	}
	return out, nil
}

// CancelRequests best-effort cancels every non-terminal id given.
func (s *MemoryStorage) CancelRequests(ctx context.Context, ids []request.RequestID) ([]request.Request[request.Canceled], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]request.Request[request.Canceled], 0, len(ids))
	for _, id := range ids {
		row, ok := s.rows[id]
		if !ok || row.IsTerminal() {
			continue
		}
		canceled := request.Request[request.Canceled]{
			Data:  row.Data,
			State: request.Canceled{CanceledAt: time.Now().UTC()},
		}
		any := request.ToAny(canceled)
		s.rows[id] = any
		s.bus.Publish(any)
		out = append(out, canceled)
	}
	return out, nil
}

// ReapExpiredProcessing moves stale Processing rows back to Pending.
func (s *MemoryStorage) ReapExpiredProcessing(ctx context.Context, olderThan time.Duration) ([]request.RequestID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	var recovered []request.RequestID
	for id, row := range s.rows {
		if row.Status != request.StatusProcessing || row.Processing == nil {
			continue
		}
		if row.Processing.StartedAt.After(cutoff) {
			continue
		}
		pending := request.Request[request.Pending]{
			Data:  row.Data,
			State: request.Pending{RetryAttempt: row.Processing.RetryAttempt},
		}
		any := request.ToAny(pending)
		s.rows[id] = any
		s.bus.Publish(any)
		recovered = append(recovered, id)
	}
	return recovered, nil
}

// GetRequestUpdates streams every subsequent transition matching
// idFilter until ctx is canceled.
func (s *MemoryStorage) GetRequestUpdates(ctx context.Context, idFilter []request.RequestID) (<-chan Update, error) {
	return s.bus.Subscribe(ctx, idFilter), nil
}

// Bus exposes the canonical in-process update bus so a process hosting
// this storage can attach a statusbus.RedisRelay to it.
func (s *MemoryStorage) Bus() *statusbus.Bus { return s.bus }

// --- fileset.Store ---

// CreateFile persists a new File with its initial templates attached in
// one atomic unit.
func (s *MemoryStorage) CreateFile(ctx context.Context, meta fileset.FileMeta, templates []fileset.RequestTemplate) (fileset.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	id := request.NewFileID()
	f := fileset.File{
		ID:          id,
		Name:        meta.Name,
		Description: meta.Description,
		SizeBytes:   meta.SizeBytes,
		Purpose:     meta.Purpose,
		UploadedBy:  meta.UploadedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   meta.ExpiresAt,
	}

	entry := &fileEntry{file: f, templates: make(map[request.TemplateID]fileset.RequestTemplate)}
	for _, tmpl := range templates {
		tmpl.FileID = id
		if (tmpl.ID == request.TemplateID{}) {
			tmpl.ID = request.NewTemplateID()
		}
		tmpl.CreatedAt, tmpl.UpdatedAt = now, now
		entry.templates[tmpl.ID] = tmpl
		entry.order = append(entry.order, tmpl.ID)
	}
	s.files[id] = entry
	return f, nil
}

// CreateFileStream opens a File with no templates attached; the caller
// appends templates incrementally as a streamed source is decoded.
func (s *MemoryStorage) CreateFileStream(ctx context.Context, meta fileset.FileMeta) (fileset.File, error) {
	return s.CreateFile(ctx, meta, nil)
}

// AppendTemplates adds templates to an existing file.
func (s *MemoryStorage) AppendTemplates(ctx context.Context, fileID request.FileID, templates []fileset.RequestTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.files[fileID]
	if !ok {
		return request.ErrNotFound
	}
	now := time.Now().UTC()
	for _, tmpl := range templates {
		tmpl.FileID = fileID
		if (tmpl.ID == request.TemplateID{}) {
			tmpl.ID = request.NewTemplateID()
		}
		tmpl.CreatedAt, tmpl.UpdatedAt = now, now
		entry.templates[tmpl.ID] = tmpl
		entry.order = append(entry.order, tmpl.ID)
	}
	entry.file.UpdatedAt = now
	return nil
}

// GetFile fetches a file by id.
func (s *MemoryStorage) GetFile(ctx context.Context, id request.FileID) (fileset.File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.files[id]
	if !ok || entry.file.DeletedAt != nil {
		return fileset.File{}, request.ErrNotFound
	}
	return entry.file, nil
}

// ListFiles lists every non-deleted file.
func (s *MemoryStorage) ListFiles(ctx context.Context) ([]fileset.File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]fileset.File, 0, len(s.files))
	for _, entry := range s.files {
		if entry.file.DeletedAt == nil {
			out = append(out, entry.file)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetFileTemplates lists a file's templates in insertion order.
func (s *MemoryStorage) GetFileTemplates(ctx context.Context, fileID request.FileID) ([]fileset.RequestTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.files[fileID]
	if !ok {
		return nil, request.ErrNotFound
	}
	out := make([]fileset.RequestTemplate, 0, len(entry.order))
	for _, tid := range entry.order {
		out = append(out, entry.templates[tid])
	}
	return out, nil
}

// DeleteFile soft-deletes a file; listings exclude it thereafter.
func (s *MemoryStorage) DeleteFile(ctx context.Context, id request.FileID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.files[id]
	if !ok {
		return request.ErrNotFound
	}
	now := time.Now().UTC()
	entry.file.DeletedAt = &now
	entry.file.Status = fileset.FileStatusDeleted
	return nil
}

// CreateBatch snapshots every current template of fileID into one Pending
// request each, tagged with a new batch id, inserted atomically.
func (s *MemoryStorage) CreateBatch(ctx context.Context, fileID request.FileID) (fileset.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.files[fileID]
	if !ok || entry.file.DeletedAt != nil {
		return fileset.Batch{}, request.ErrNotFound
	}

	now := time.Now().UTC()
	batchID := request.NewBatchID()
	requestIDs := make([]request.RequestID, 0, len(entry.order))
	rows := make(map[request.RequestID]request.AnyRequest, len(entry.order))

	for _, tid := range entry.order {
		tmpl := entry.templates[tid]
		reqID := request.NewRequestID()
		data := request.RequestData{
			ID:       reqID,
			Endpoint: tmpl.Endpoint,
			Method:   tmpl.Method,
			Path:     tmpl.Path,
			Body:     tmpl.Body,
			Model:    tmpl.Model,
			APIKey:   tmpl.APIKey,
		}
		rows[reqID] = request.ToAny(request.Request[request.Pending]{Data: data})
		requestIDs = append(requestIDs, reqID)
	}

	// All-or-nothing: only commit once every row has been constructed
	// without error (construction above cannot fail, but the commit step
	// is kept distinct from the read-and-build step to mirror the
	// relational backends' transaction boundary).
	for id, row := range rows {
		s.rows[id] = row
		s.batchOf[id] = batchID
		s.bus.Publish(row)
	}
	s.batches[batchID] = &batchEntry{
		batch:      fileset.Batch{ID: batchID, FileID: fileID, CreatedAt: now},
		fileName:   entry.file.Name,
		requestIDs: requestIDs,
	}
	return s.batches[batchID].batch, nil
}

// GetBatchStatus computes the aggregate view of a batch's cohort.
func (s *MemoryStorage) GetBatchStatus(ctx context.Context, batchID request.BatchID) (fileset.BatchStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	be, ok := s.batches[batchID]
	if !ok {
		return fileset.BatchStatus{}, request.ErrNotFound
	}

	status := fileset.BatchStatus{
		BatchID:       batchID,
		FileID:        be.batch.FileID,
		FileName:      be.fileName,
		TotalRequests: len(be.requestIDs),
		CreatedAt:     be.batch.CreatedAt,
		LastUpdatedAt: be.batch.CreatedAt,
	}

	observeClaimedAt := func(t time.Time) {
		if status.StartedAt == nil || t.Before(*status.StartedAt) {
			claimedAt := t
			status.StartedAt = &claimedAt
		}
	}

	for _, id := range be.requestIDs {
		row, ok := s.rows[id]
		if !ok {
			continue
		}
		switch row.Status {
		case request.StatusPending:
			status.Pending++
		case request.StatusClaimed:
			status.InProgress++
			observeClaimedAt(row.Claimed.ClaimedAt)
		case request.StatusProcessing:
			status.InProgress++
			observeClaimedAt(row.Processing.ClaimedAt)
		case request.StatusCompleted:
			status.Completed++
			observeClaimedAt(row.Completed.ClaimedAt)
			if row.Completed.CompletedAt.After(status.LastUpdatedAt) {
				status.LastUpdatedAt = row.Completed.CompletedAt
			}
		case request.StatusFailed:
			status.Failed++
			observeClaimedAt(row.Failed.ClaimedAt)
			if row.Failed.FailedAt.After(status.LastUpdatedAt) {
				status.LastUpdatedAt = row.Failed.FailedAt
			}
		case request.StatusCanceled:
			status.Canceled++
			if row.Canceled.CanceledAt.After(status.LastUpdatedAt) {
				status.LastUpdatedAt = row.Canceled.CanceledAt
			}
		}
	}
	return status, nil
}

// ListFileBatches lists every batch materialized from fileID.
func (s *MemoryStorage) ListFileBatches(ctx context.Context, fileID request.FileID) ([]fileset.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]fileset.Batch, 0)
	for _, be := range s.batches {
		if be.batch.FileID == fileID {
			out = append(out, be.batch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetBatchRequests fetches every request row in a batch's cohort.
func (s *MemoryStorage) GetBatchRequests(ctx context.Context, batchID request.BatchID) ([]request.AnyRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	be, ok := s.batches[batchID]
	if !ok {
		return nil, request.ErrNotFound
	}
	out := make([]request.AnyRequest, 0, len(be.requestIDs))
	for _, id := range be.requestIDs {
		if row, ok := s.rows[id]; ok {
			out = append(out, row)
		}
	}
	return out, nil
}

// CancelBatch best-effort cancels every non-terminal request in a batch.
func (s *MemoryStorage) CancelBatch(ctx context.Context, batchID request.BatchID) ([]request.RequestID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	be, ok := s.batches[batchID]
	if !ok {
		return nil, request.ErrNotFound
	}

	var canceled []request.RequestID
	for _, id := range be.requestIDs {
		row, ok := s.rows[id]
		if !ok || row.IsTerminal() {
			continue
		}
		c := request.AnyRequest{
			Data:     row.Data,
			Status:   request.StatusCanceled,
			Canceled: &request.Canceled{CanceledAt: time.Now().UTC()},
		}
		if err := s.persistLocked(c); err != nil {
			continue
		}
		canceled = append(canceled, id)
	}
	return canceled, nil
}
