// Copyright 2025 James Ross
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/doublewordai/batcherd/internal/fileset"
	"github.com/doublewordai/batcherd/internal/request"
	"github.com/doublewordai/batcherd/internal/statusbus"
)

// sqlStorage implements every Storage method that reads and writes
// identically across the relational backends; only claim locking differs
// (PostgresStorage and SQLiteStorage each implement ClaimRequests and
// ClaimOne themselves). placeholder renders the i'th (1-based) bind
// parameter in the dialect's style ($1 for Postgres, ? for SQLite).
type sqlStorage struct {
	db          *sql.DB
	placeholder func(i int) string
	bus         *statusbus.Bus
}

const requestColumns = `id, endpoint, method, path, body, model, api_key, status, retry_attempt, not_before,
	daemon_id, claimed_at, started_at, response_status, response_body, completed_at, error, failed_at, canceled_at`

func ph(placeholder func(int) string, n int) string { return placeholder(n) }

// Submit inserts a new Pending row.
func (s *sqlStorage) Submit(ctx context.Context, data request.RequestData) (request.Request[request.Pending], error) {
	q := fmt.Sprintf(`INSERT INTO requests (id, endpoint, method, path, body, model, api_key, status, retry_attempt)
		VALUES (%s, %s, %s, %s, %s, %s, %s, 'pending', 0)`,
		ph(s.placeholder, 1), ph(s.placeholder, 2), ph(s.placeholder, 3), ph(s.placeholder, 4),
		ph(s.placeholder, 5), ph(s.placeholder, 6), ph(s.placeholder, 7))

	_, err := s.db.ExecContext(ctx, q, data.ID.String(), data.Endpoint, data.Method, data.Path, data.Body, data.Model, data.APIKey)
	if err != nil {
		if isUniqueViolation(err) {
			return request.Request[request.Pending]{}, request.ErrUniqueViolation
		}
		return request.Request[request.Pending]{}, fmt.Errorf("storage: submit: %w", err)
	}

	pending := request.Request[request.Pending]{Data: data, State: request.Pending{}}
	s.bus.Publish(request.ToAny(pending))
	return pending, nil
}

// Persist overwrites the stored state of r.Data.ID, refusing the write if
// the stored row is already terminal.
func (s *sqlStorage) Persist(ctx context.Context, r request.AnyRequest) error {
	q := fmt.Sprintf(`UPDATE requests SET
		status=%s, retry_attempt=%s, not_before=%s,
		daemon_id=%s, claimed_at=%s, started_at=%s,
		response_status=%s, response_body=%s, completed_at=%s,
		error=%s, failed_at=%s, canceled_at=%s
		WHERE id=%s AND status NOT IN ('completed', 'canceled')`,
		ph(s.placeholder, 1), ph(s.placeholder, 2), ph(s.placeholder, 3),
		ph(s.placeholder, 4), ph(s.placeholder, 5), ph(s.placeholder, 6),
		ph(s.placeholder, 7), ph(s.placeholder, 8), ph(s.placeholder, 9),
		ph(s.placeholder, 10), ph(s.placeholder, 11), ph(s.placeholder, 12),
		ph(s.placeholder, 13))

	args := persistArgs(r)
	args = append(args, r.Data.ID.String())

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("storage: persist: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: persist: rows affected: %w", err)
	}
	if n == 0 {
		// Either the row doesn't exist, or it's already terminal. A bulk
		// fetch distinguishes the two; either way the write is refused.
		row, getErr := s.getRequest(ctx, r.Data.ID)
		if getErr == nil && row.IsTerminal() {
			return request.ErrInvalidState
		}
		return request.ErrNotFound
	}

	s.bus.Publish(r)
	return nil
}

func persistArgs(r request.AnyRequest) []any {
	var (
		retryAttempt            uint32
		notBefore                *time.Time
		daemonID                 *string
		claimedAt, startedAt     *time.Time
		responseStatus           *int
		responseBody             *string
		completedAt              *time.Time
		errMsg                   *string
		failedAt, canceledAt     *time.Time
	)

	switch r.Status {
	case request.StatusPending:
		retryAttempt = r.Pending.RetryAttempt
		notBefore = r.Pending.NotBefore
	case request.StatusClaimed:
		retryAttempt = r.Claimed.RetryAttempt
		id := r.Claimed.DaemonID.String()
		daemonID = &id
		claimedAt = &r.Claimed.ClaimedAt
	case request.StatusProcessing:
		retryAttempt = r.Processing.RetryAttempt
		id := r.Processing.DaemonID.String()
		daemonID = &id
		claimedAt = &r.Processing.ClaimedAt
		startedAt = &r.Processing.StartedAt
	case request.StatusCompleted:
		responseStatus = &r.Completed.ResponseStatus
		responseBody = &r.Completed.ResponseBody
		claimedAt = &r.Completed.ClaimedAt
		startedAt = &r.Completed.StartedAt
		completedAt = &r.Completed.CompletedAt
	case request.StatusFailed:
		retryAttempt = r.Failed.RetryAttempt
		errMsg = &r.Failed.Error
		claimedAt = &r.Failed.ClaimedAt
		failedAt = &r.Failed.FailedAt
	case request.StatusCanceled:
		canceledAt = &r.Canceled.CanceledAt
	}

	return []any{
		string(r.Status), retryAttempt, notBefore,
		daemonID, claimedAt, startedAt,
		responseStatus, responseBody, completedAt,
		errMsg, failedAt, canceledAt,
	}
}

func (s *sqlStorage) getRequest(ctx context.Context, id request.RequestID) (request.AnyRequest, error) {
	q := fmt.Sprintf(`SELECT %s FROM requests WHERE id=%s`, requestColumns, ph(s.placeholder, 1))
	row := s.db.QueryRowContext(ctx, q, id.String())
	return scanRequestRow(row)
}

// ViewPendingRequests returns every currently-eligible Pending row.
func (s *sqlStorage) ViewPendingRequests(ctx context.Context) ([]request.Request[request.Pending], error) {
	q := fmt.Sprintf(`SELECT %s FROM requests WHERE status='pending' AND (not_before IS NULL OR not_before <= %s)`,
		requestColumns, ph(s.placeholder, 1))
	rows, err := s.db.QueryContext(ctx, q, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("storage: view pending: %w", err)
	}
	defer rows.Close()

	out := make([]request.Request[request.Pending], 0)
	for rows.Next() {
		any, err := scanRequestRow(rows)
		if err != nil {
			return nil, err
		}
		if pending, ok := any.AsPending(); ok {
			out = append(out, pending)
		}
	}
	return out, rows.Err()
}

// GetRequests bulk-fetches rows by id.
func (s *sqlStorage) GetRequests(ctx context.Context, ids []request.RequestID) ([]request.AnyRequest, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = ph(s.placeholder, i+1)
		args[i] = id.String()
	}
	q := fmt.Sprintf(`SELECT %s FROM requests WHERE id IN (%s)`, requestColumns, joinStrings(placeholders, ","))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: get requests: %w", err)
	}
	defer rows.Close()

	out := make([]request.AnyRequest, 0, len(ids))
	for rows.Next() {
		any, err := scanRequestRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, any)
	}
	return out, rows.Err()
}

// CancelRequests best-effort cancels every non-terminal id given.
func (s *sqlStorage) CancelRequests(ctx context.Context, ids []request.RequestID) ([]request.Request[request.Canceled], error) {
	rows, err := s.GetRequests(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]request.Request[request.Canceled], 0, len(rows))
	for _, row := range rows {
		if row.IsTerminal() {
			continue
		}
		canceled := request.Request[request.Canceled]{Data: row.Data, State: request.Canceled{CanceledAt: time.Now().UTC()}}
		if err := s.Persist(ctx, request.ToAny(canceled)); err != nil {
			continue
		}
		out = append(out, canceled)
	}
	return out, nil
}

// ReapExpiredProcessing moves stale Processing rows back to Pending.
func (s *sqlStorage) ReapExpiredProcessing(ctx context.Context, olderThan time.Duration) ([]request.RequestID, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	q := fmt.Sprintf(`SELECT id, retry_attempt FROM requests WHERE status='processing' AND started_at <= %s`, ph(s.placeholder, 1))
	rows, err := s.db.QueryContext(ctx, q, cutoff)
	if err != nil {
		return nil, fmt.Errorf("storage: reap: select: %w", err)
	}

	type stale struct {
		id      string
		attempt uint32
	}
	var staleRows []stale
	for rows.Next() {
		var s2 stale
		if err := rows.Scan(&s2.id, &s2.attempt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage: reap: scan: %w", err)
		}
		staleRows = append(staleRows, s2)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var recovered []request.RequestID
	for _, sr := range staleRows {
		u, err := uuid.Parse(sr.id)
		if err != nil {
			continue
		}
		id := request.RequestID(u)
		pending := request.Request[request.Pending]{Data: request.RequestData{ID: id}, State: request.Pending{RetryAttempt: sr.attempt}}
		if err := s.Persist(ctx, request.ToAny(pending)); err != nil {
			continue
		}
		recovered = append(recovered, id)
	}
	return recovered, nil
}

// GetRequestUpdates streams subsequent transitions via the in-process bus.
func (s *sqlStorage) GetRequestUpdates(ctx context.Context, idFilter []request.RequestID) (<-chan Update, error) {
	return s.bus.Subscribe(ctx, idFilter), nil
}

// Bus exposes the canonical in-process update bus so a process hosting
// this storage can attach a statusbus.RedisRelay to it.
func (s *sqlStorage) Bus() *statusbus.Bus { return s.bus }

func scanRequestRow(scanner interface{ Scan(dest ...any) error }) (request.AnyRequest, error) {
	var (
		idStr, endpoint, method, path, body, model, apiKey, status string
		retryAttempt                                                uint32
		notBefore                                                   sql.NullTime
		daemonID                                                    sql.NullString
		claimedAt, startedAt, completedAt, failedAt, canceledAt     sql.NullTime
		responseStatus                                              sql.NullInt64
		responseBody, errMsg                                        sql.NullString
	)

	if err := scanner.Scan(&idStr, &endpoint, &method, &path, &body, &model, &apiKey, &status, &retryAttempt, &notBefore,
		&daemonID, &claimedAt, &startedAt, &responseStatus, &responseBody, &completedAt, &errMsg, &failedAt, &canceledAt); err != nil {
		if err == sql.ErrNoRows {
			return request.AnyRequest{}, request.ErrNotFound
		}
		return request.AnyRequest{}, fmt.Errorf("storage: scan request row: %w", err)
	}

	idU, err := uuid.Parse(idStr)
	if err != nil {
		return request.AnyRequest{}, fmt.Errorf("storage: scan request row: bad id: %w", err)
	}

	out := request.AnyRequest{
		Data: request.RequestData{
			ID: request.RequestID(idU), Endpoint: endpoint, Method: method, Path: path,
			Body: body, Model: model, APIKey: apiKey,
		},
		Status: request.Status(status),
	}

	switch out.Status {
	case request.StatusPending:
		out.Pending = &request.Pending{RetryAttempt: retryAttempt}
		if notBefore.Valid {
			t := notBefore.Time
			out.Pending.NotBefore = &t
		}
	case request.StatusClaimed:
		did, _ := uuid.Parse(daemonID.String)
		out.Claimed = &request.Claimed{DaemonID: request.DaemonID(did), ClaimedAt: claimedAt.Time, RetryAttempt: retryAttempt}
	case request.StatusProcessing:
		did, _ := uuid.Parse(daemonID.String)
		out.Processing = &request.ProcessingSnapshot{
			DaemonID: request.DaemonID(did), ClaimedAt: claimedAt.Time, StartedAt: startedAt.Time, RetryAttempt: retryAttempt,
		}
	case request.StatusCompleted:
		out.Completed = &request.Completed{
			ResponseStatus: int(responseStatus.Int64), ResponseBody: responseBody.String,
			ClaimedAt: claimedAt.Time, StartedAt: startedAt.Time, CompletedAt: completedAt.Time,
		}
	case request.StatusFailed:
		out.Failed = &request.Failed{Error: errMsg.String, ClaimedAt: claimedAt.Time, FailedAt: failedAt.Time, RetryAttempt: retryAttempt}
	case request.StatusCanceled:
		out.Canceled = &request.Canceled{CanceledAt: canceledAt.Time}
	}

	return out, nil
}

func joinStrings(parts []string, sep string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += sep
		}
		out += p
	}
	return out
}

func isUniqueViolation(err error) bool {
	return isPQUniqueViolation(err) || isSQLiteUniqueViolation(err)
}

// fileset.Store

func (s *sqlStorage) CreateFile(ctx context.Context, meta fileset.FileMeta, templates []fileset.RequestTemplate) (fileset.File, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fileset.File{}, fmt.Errorf("storage: create file: begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	id := request.NewFileID()
	q := fmt.Sprintf(`INSERT INTO files (id, name, description, size_bytes, status, purpose, uploaded_by, created_at, updated_at, expires_at)
		VALUES (%s, %s, %s, %s, 'processed', %s, %s, %s, %s, %s)`,
		ph(s.placeholder, 1), ph(s.placeholder, 2), ph(s.placeholder, 3), ph(s.placeholder, 4),
		ph(s.placeholder, 5), ph(s.placeholder, 6), ph(s.placeholder, 7), ph(s.placeholder, 8), ph(s.placeholder, 9))
	if _, err := tx.ExecContext(ctx, q, id.String(), meta.Name, meta.Description, meta.SizeBytes, meta.Purpose, meta.UploadedBy, now, now, meta.ExpiresAt); err != nil {
		return fileset.File{}, fmt.Errorf("storage: create file: insert file: %w", err)
	}

	if err := insertTemplates(ctx, tx, s.placeholder, id, templates, now); err != nil {
		return fileset.File{}, err
	}

	if err := tx.Commit(); err != nil {
		return fileset.File{}, fmt.Errorf("storage: create file: commit: %w", err)
	}

	return fileset.File{
		ID: id, Name: meta.Name, Description: meta.Description, SizeBytes: meta.SizeBytes,
		Status: fileset.FileStatusProcessed, Purpose: meta.Purpose, UploadedBy: meta.UploadedBy,
		CreatedAt: now, UpdatedAt: now, ExpiresAt: meta.ExpiresAt,
	}, nil
}

func insertTemplates(ctx context.Context, tx *sql.Tx, placeholder func(int) string, fileID request.FileID, templates []fileset.RequestTemplate, now time.Time) error {
	for _, tmpl := range templates {
		tid := tmpl.ID
		if (tid == request.TemplateID{}) {
			tid = request.NewTemplateID()
		}
		q := fmt.Sprintf(`INSERT INTO request_templates (id, file_id, custom_id, endpoint, method, path, body, model, api_key, created_at, updated_at)
			VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
			ph(placeholder, 1), ph(placeholder, 2), ph(placeholder, 3), ph(placeholder, 4), ph(placeholder, 5),
			ph(placeholder, 6), ph(placeholder, 7), ph(placeholder, 8), ph(placeholder, 9), ph(placeholder, 10), ph(placeholder, 11))
		if _, err := tx.ExecContext(ctx, q, tid.String(), fileID.String(), tmpl.CustomID, tmpl.Endpoint, tmpl.Method, tmpl.Path,
			tmpl.Body, tmpl.Model, tmpl.APIKey, now, now); err != nil {
			return fmt.Errorf("storage: insert template: %w", err)
		}
	}
	return nil
}

// CreateFileStream opens a File with no templates attached; the caller
// appends templates incrementally as a streamed source is decoded.
func (s *sqlStorage) CreateFileStream(ctx context.Context, meta fileset.FileMeta) (fileset.File, error) {
	return s.CreateFile(ctx, meta, nil)
}

func (s *sqlStorage) AppendTemplates(ctx context.Context, fileID request.FileID, templates []fileset.RequestTemplate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: append templates: begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if err := insertTemplates(ctx, tx, s.placeholder, fileID, templates, now); err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE files SET updated_at=%s WHERE id=%s`, ph(s.placeholder, 1), ph(s.placeholder, 2))
	if _, err := tx.ExecContext(ctx, q, now, fileID.String()); err != nil {
		return fmt.Errorf("storage: append templates: touch file: %w", err)
	}
	return tx.Commit()
}

func (s *sqlStorage) GetFile(ctx context.Context, id request.FileID) (fileset.File, error) {
	q := fmt.Sprintf(`SELECT id, name, description, size_bytes, status, purpose, uploaded_by, created_at, updated_at, expires_at, deleted_at
		FROM files WHERE id=%s AND deleted_at IS NULL`, ph(s.placeholder, 1))
	row := s.db.QueryRowContext(ctx, q, id.String())
	f, err := scanFileRow(row)
	if err != nil {
		return fileset.File{}, err
	}
	return f, nil
}

func scanFileRow(scanner interface{ Scan(dest ...any) error }) (fileset.File, error) {
	var (
		idStr, name, description, status, purpose, uploadedBy string
		sizeBytes                                              int64
		createdAt, updatedAt                                   time.Time
		expiresAt, deletedAt                                   sql.NullTime
	)
	if err := scanner.Scan(&idStr, &name, &description, &sizeBytes, &status, &purpose, &uploadedBy, &createdAt, &updatedAt, &expiresAt, &deletedAt); err != nil {
		if err == sql.ErrNoRows {
			return fileset.File{}, request.ErrNotFound
		}
		return fileset.File{}, fmt.Errorf("storage: scan file row: %w", err)
	}
	u, err := uuid.Parse(idStr)
	if err != nil {
		return fileset.File{}, fmt.Errorf("storage: scan file row: bad id: %w", err)
	}
	f := fileset.File{
		ID: request.FileID(u), Name: name, Description: description, SizeBytes: sizeBytes,
		Status: fileset.FileStatus(status), Purpose: purpose, UploadedBy: uploadedBy,
		CreatedAt: createdAt, UpdatedAt: updatedAt,
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		f.ExpiresAt = &t
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		f.DeletedAt = &t
	}
	return f, nil
}

func (s *sqlStorage) ListFiles(ctx context.Context) ([]fileset.File, error) {
	q := `SELECT id, name, description, size_bytes, status, purpose, uploaded_by, created_at, updated_at, expires_at, deleted_at
		FROM files WHERE deleted_at IS NULL ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("storage: list files: %w", err)
	}
	defer rows.Close()

	out := make([]fileset.File, 0)
	for rows.Next() {
		f, err := scanFileRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *sqlStorage) GetFileTemplates(ctx context.Context, fileID request.FileID) ([]fileset.RequestTemplate, error) {
	q := fmt.Sprintf(`SELECT id, file_id, custom_id, endpoint, method, path, body, model, api_key, created_at, updated_at
		FROM request_templates WHERE file_id=%s ORDER BY created_at`, ph(s.placeholder, 1))
	rows, err := s.db.QueryContext(ctx, q, fileID.String())
	if err != nil {
		return nil, fmt.Errorf("storage: get file templates: %w", err)
	}
	defer rows.Close()

	out := make([]fileset.RequestTemplate, 0)
	for rows.Next() {
		var idStr, fileIDStr, customID, endpoint, method, path, body, model, apiKey string
		var createdAt, updatedAt time.Time
		if err := rows.Scan(&idStr, &fileIDStr, &customID, &endpoint, &method, &path, &body, &model, &apiKey, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan template row: %w", err)
		}
		tid, _ := uuid.Parse(idStr)
		fid, _ := uuid.Parse(fileIDStr)
		out = append(out, fileset.RequestTemplate{
			ID: request.TemplateID(tid), FileID: request.FileID(fid), CustomID: customID,
			Endpoint: endpoint, Method: method, Path: path, Body: body, Model: model, APIKey: apiKey,
			CreatedAt: createdAt, UpdatedAt: updatedAt,
		})
	}
	return out, rows.Err()
}

func (s *sqlStorage) DeleteFile(ctx context.Context, id request.FileID) error {
	q := fmt.Sprintf(`UPDATE files SET deleted_at=%s, status='deleted' WHERE id=%s AND deleted_at IS NULL`,
		ph(s.placeholder, 1), ph(s.placeholder, 2))
	res, err := s.db.ExecContext(ctx, q, time.Now().UTC(), id.String())
	if err != nil {
		return fmt.Errorf("storage: delete file: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: delete file: rows affected: %w", err)
	}
	if n == 0 {
		return request.ErrNotFound
	}
	return nil
}

func (s *sqlStorage) CreateBatch(ctx context.Context, fileID request.FileID) (fileset.Batch, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fileset.Batch{}, fmt.Errorf("storage: create batch: begin: %w", err)
	}
	defer tx.Rollback()

	checkQ := fmt.Sprintf(`SELECT 1 FROM files WHERE id=%s AND deleted_at IS NULL`, ph(s.placeholder, 1))
	var exists int
	if err := tx.QueryRowContext(ctx, checkQ, fileID.String()).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return fileset.Batch{}, request.ErrNotFound
		}
		return fileset.Batch{}, fmt.Errorf("storage: create batch: check file: %w", err)
	}

	tplQ := fmt.Sprintf(`SELECT endpoint, method, path, body, model, api_key FROM request_templates WHERE file_id=%s ORDER BY created_at`, ph(s.placeholder, 1))
	rows, err := tx.QueryContext(ctx, tplQ, fileID.String())
	if err != nil {
		return fileset.Batch{}, fmt.Errorf("storage: create batch: read templates: %w", err)
	}

	type tplRow struct{ endpoint, method, path, body, model, apiKey string }
	var templates []tplRow
	for rows.Next() {
		var t tplRow
		if err := rows.Scan(&t.endpoint, &t.method, &t.path, &t.body, &t.model, &t.apiKey); err != nil {
			rows.Close()
			return fileset.Batch{}, fmt.Errorf("storage: create batch: scan template: %w", err)
		}
		templates = append(templates, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fileset.Batch{}, err
	}

	now := time.Now().UTC()
	batchID := request.NewBatchID()
	batchQ := fmt.Sprintf(`INSERT INTO batches (id, file_id, created_at) VALUES (%s, %s, %s)`,
		ph(s.placeholder, 1), ph(s.placeholder, 2), ph(s.placeholder, 3))
	if _, err := tx.ExecContext(ctx, batchQ, batchID.String(), fileID.String(), now); err != nil {
		return fileset.Batch{}, fmt.Errorf("storage: create batch: insert batch: %w", err)
	}

	insertQ := fmt.Sprintf(`INSERT INTO requests (id, endpoint, method, path, body, model, api_key, status, retry_attempt, batch_id)
		VALUES (%s, %s, %s, %s, %s, %s, %s, 'pending', 0, %s)`,
		ph(s.placeholder, 1), ph(s.placeholder, 2), ph(s.placeholder, 3), ph(s.placeholder, 4),
		ph(s.placeholder, 5), ph(s.placeholder, 6), ph(s.placeholder, 7), ph(s.placeholder, 8))
	for _, t := range templates {
		reqID := request.NewRequestID()
		if _, err := tx.ExecContext(ctx, insertQ, reqID.String(), t.endpoint, t.method, t.path, t.body, t.model, t.apiKey, batchID.String()); err != nil {
			return fileset.Batch{}, fmt.Errorf("storage: create batch: insert request: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fileset.Batch{}, fmt.Errorf("storage: create batch: commit: %w", err)
	}

	return fileset.Batch{ID: batchID, FileID: fileID, CreatedAt: now}, nil
}

func (s *sqlStorage) GetBatchStatus(ctx context.Context, batchID request.BatchID) (fileset.BatchStatus, error) {
	headQ := fmt.Sprintf(`SELECT b.id, b.file_id, f.name, b.created_at FROM batches b JOIN files f ON f.id = b.file_id WHERE b.id=%s`, ph(s.placeholder, 1))
	var idStr, fileIDStr, fileName string
	var createdAt time.Time
	if err := s.db.QueryRowContext(ctx, headQ, batchID.String()).Scan(&idStr, &fileIDStr, &fileName, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return fileset.BatchStatus{}, request.ErrNotFound
		}
		return fileset.BatchStatus{}, fmt.Errorf("storage: batch status: %w", err)
	}
	fid, _ := uuid.Parse(fileIDStr)

	countQ := fmt.Sprintf(`SELECT status, COUNT(*), MIN(COALESCE(claimed_at, started_at)), MAX(COALESCE(completed_at, failed_at, canceled_at))
		FROM requests WHERE batch_id=%s GROUP BY status`, ph(s.placeholder, 1))
	rows, err := s.db.QueryContext(ctx, countQ, batchID.String())
	if err != nil {
		return fileset.BatchStatus{}, fmt.Errorf("storage: batch status: counts: %w", err)
	}
	defer rows.Close()

	status := fileset.BatchStatus{BatchID: batchID, FileID: request.FileID(fid), FileName: fileName, CreatedAt: createdAt, LastUpdatedAt: createdAt}
	for rows.Next() {
		var st string
		var count int
		var minStarted, maxFinished sql.NullTime
		if err := rows.Scan(&st, &count, &minStarted, &maxFinished); err != nil {
			return fileset.BatchStatus{}, fmt.Errorf("storage: batch status: scan: %w", err)
		}
		status.TotalRequests += count
		switch request.Status(st) {
		case request.StatusPending:
			status.Pending = count
		case request.StatusClaimed, request.StatusProcessing:
			status.InProgress += count
		case request.StatusCompleted:
			status.Completed = count
		case request.StatusFailed:
			status.Failed = count
		case request.StatusCanceled:
			status.Canceled = count
		}
		// min(claimed_at) spans the whole cohort, not just in-flight rows:
		// a batch that has finished still reports when it started.
		if minStarted.Valid && (status.StartedAt == nil || minStarted.Time.Before(*status.StartedAt)) {
			t := minStarted.Time
			status.StartedAt = &t
		}
		if maxFinished.Valid && maxFinished.Time.After(status.LastUpdatedAt) {
			status.LastUpdatedAt = maxFinished.Time
		}
	}
	return status, rows.Err()
}

func (s *sqlStorage) ListFileBatches(ctx context.Context, fileID request.FileID) ([]fileset.Batch, error) {
	q := fmt.Sprintf(`SELECT id, file_id, created_at FROM batches WHERE file_id=%s ORDER BY created_at`, ph(s.placeholder, 1))
	rows, err := s.db.QueryContext(ctx, q, fileID.String())
	if err != nil {
		return nil, fmt.Errorf("storage: list file batches: %w", err)
	}
	defer rows.Close()

	out := make([]fileset.Batch, 0)
	for rows.Next() {
		var idStr, fidStr string
		var createdAt time.Time
		if err := rows.Scan(&idStr, &fidStr, &createdAt); err != nil {
			return nil, fmt.Errorf("storage: scan batch row: %w", err)
		}
		bid, _ := uuid.Parse(idStr)
		fid, _ := uuid.Parse(fidStr)
		out = append(out, fileset.Batch{ID: request.BatchID(bid), FileID: request.FileID(fid), CreatedAt: createdAt})
	}
	return out, rows.Err()
}

func (s *sqlStorage) GetBatchRequests(ctx context.Context, batchID request.BatchID) ([]request.AnyRequest, error) {
	q := fmt.Sprintf(`SELECT %s FROM requests WHERE batch_id=%s`, requestColumns, ph(s.placeholder, 1))
	rows, err := s.db.QueryContext(ctx, q, batchID.String())
	if err != nil {
		return nil, fmt.Errorf("storage: get batch requests: %w", err)
	}
	defer rows.Close()

	out := make([]request.AnyRequest, 0)
	for rows.Next() {
		r, err := scanRequestRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStorage) CancelBatch(ctx context.Context, batchID request.BatchID) ([]request.RequestID, error) {
	q := fmt.Sprintf(`SELECT id FROM requests WHERE batch_id=%s AND status NOT IN ('completed', 'canceled')`, ph(s.placeholder, 1))
	rows, err := s.db.QueryContext(ctx, q, batchID.String())
	if err != nil {
		return nil, fmt.Errorf("storage: cancel batch: select: %w", err)
	}
	var ids []request.RequestID
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage: cancel batch: scan: %w", err)
		}
		u, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		ids = append(ids, request.RequestID(u))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	canceled, err := s.CancelRequests(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]request.RequestID, 0, len(canceled))
	for _, c := range canceled {
		out = append(out, c.Data.ID)
	}
	return out, nil
}
