// Copyright 2025 James Ross
package request

import (
	"encoding/json"
	"fmt"
	"time"
)

// wireRequest is the flattened on-the-wire shape for AnyRequest: a status
// discriminator alongside the union of every variant's fields, matching the
// file/batch JSONL and status-update wire formats from spec.md §6.
type wireRequest struct {
	ID       RequestID `json:"id"`
	Endpoint string    `json:"endpoint"`
	Method   string    `json:"method"`
	Path     string    `json:"path"`
	Body     string    `json:"body"`
	Model    string    `json:"model"`
	APIKey   string    `json:"api_key,omitempty"`

	Status Status `json:"status"`

	RetryAttempt *uint32    `json:"retry_attempt,omitempty"`
	NotBefore    *time.Time `json:"not_before,omitempty"`

	DaemonID  *DaemonID  `json:"daemon_id,omitempty"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`

	ResponseStatus *int       `json:"response_status,omitempty"`
	ResponseBody   *string    `json:"response_body,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`

	Error    *string    `json:"error,omitempty"`
	FailedAt *time.Time `json:"failed_at,omitempty"`

	CanceledAt *time.Time `json:"canceled_at,omitempty"`
}

// MarshalJSON renders a in the flattened wire shape: a status discriminator
// plus whichever variant fields apply, RFC 3339 UTC timestamps, canonical
// UUID strings.
func (a AnyRequest) MarshalJSON() ([]byte, error) {
	w := wireRequest{
		ID:       a.Data.ID,
		Endpoint: a.Data.Endpoint,
		Method:   a.Data.Method,
		Path:     a.Data.Path,
		Body:     a.Data.Body,
		Model:    a.Data.Model,
		APIKey:   a.Data.APIKey,
		Status:   a.Status,
	}

	switch a.Status {
	case StatusPending:
		w.RetryAttempt = &a.Pending.RetryAttempt
		w.NotBefore = a.Pending.NotBefore
	case StatusClaimed:
		w.DaemonID = &a.Claimed.DaemonID
		w.ClaimedAt = &a.Claimed.ClaimedAt
		w.RetryAttempt = &a.Claimed.RetryAttempt
	case StatusProcessing:
		w.DaemonID = &a.Processing.DaemonID
		w.ClaimedAt = &a.Processing.ClaimedAt
		w.StartedAt = &a.Processing.StartedAt
		w.RetryAttempt = &a.Processing.RetryAttempt
	case StatusCompleted:
		w.ResponseStatus = &a.Completed.ResponseStatus
		w.ResponseBody = &a.Completed.ResponseBody
		w.ClaimedAt = &a.Completed.ClaimedAt
		w.StartedAt = &a.Completed.StartedAt
		w.CompletedAt = &a.Completed.CompletedAt
	case StatusFailed:
		w.Error = &a.Failed.Error
		w.ClaimedAt = &a.Failed.ClaimedAt
		w.FailedAt = &a.Failed.FailedAt
		w.RetryAttempt = &a.Failed.RetryAttempt
	case StatusCanceled:
		w.CanceledAt = &a.Canceled.CanceledAt
	default:
		return nil, fmt.Errorf("request: marshal: unknown status %q", a.Status)
	}

	return json.Marshal(w)
}

// UnmarshalJSON reconstructs an AnyRequest from its flattened wire shape.
func (a *AnyRequest) UnmarshalJSON(b []byte) error {
	var w wireRequest
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}

	out := AnyRequest{
		Data: RequestData{
			ID:       w.ID,
			Endpoint: w.Endpoint,
			Method:   w.Method,
			Path:     w.Path,
			Body:     w.Body,
			Model:    w.Model,
			APIKey:   w.APIKey,
		},
		Status: w.Status,
	}

	switch w.Status {
	case StatusPending:
		if w.RetryAttempt == nil {
			return fmt.Errorf("request: unmarshal: pending missing retry_attempt")
		}
		out.Pending = &Pending{RetryAttempt: *w.RetryAttempt, NotBefore: w.NotBefore}
	case StatusClaimed:
		if w.DaemonID == nil || w.ClaimedAt == nil || w.RetryAttempt == nil {
			return fmt.Errorf("request: unmarshal: claimed missing required fields")
		}
		out.Claimed = &Claimed{DaemonID: *w.DaemonID, ClaimedAt: *w.ClaimedAt, RetryAttempt: *w.RetryAttempt}
	case StatusProcessing:
		if w.DaemonID == nil || w.ClaimedAt == nil || w.StartedAt == nil || w.RetryAttempt == nil {
			return fmt.Errorf("request: unmarshal: processing missing required fields")
		}
		out.Processing = &ProcessingSnapshot{
			DaemonID:     *w.DaemonID,
			ClaimedAt:    *w.ClaimedAt,
			StartedAt:    *w.StartedAt,
			RetryAttempt: *w.RetryAttempt,
		}
	case StatusCompleted:
		if w.ResponseStatus == nil || w.ResponseBody == nil || w.ClaimedAt == nil || w.StartedAt == nil || w.CompletedAt == nil {
			return fmt.Errorf("request: unmarshal: completed missing required fields")
		}
		out.Completed = &Completed{
			ResponseStatus: *w.ResponseStatus,
			ResponseBody:   *w.ResponseBody,
			ClaimedAt:      *w.ClaimedAt,
			StartedAt:      *w.StartedAt,
			CompletedAt:    *w.CompletedAt,
		}
	case StatusFailed:
		if w.Error == nil || w.ClaimedAt == nil || w.FailedAt == nil || w.RetryAttempt == nil {
			return fmt.Errorf("request: unmarshal: failed missing required fields")
		}
		out.Failed = &Failed{Error: *w.Error, ClaimedAt: *w.ClaimedAt, FailedAt: *w.FailedAt, RetryAttempt: *w.RetryAttempt}
	case StatusCanceled:
		if w.CanceledAt == nil {
			return fmt.Errorf("request: unmarshal: canceled missing canceled_at")
		}
		out.Canceled = &Canceled{CanceledAt: *w.CanceledAt}
	default:
		return fmt.Errorf("request: unmarshal: unknown status %q", w.Status)
	}

	*a = out
	return nil
}
