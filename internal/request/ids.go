// Copyright 2025 James Ross
package request

import (
	"github.com/google/uuid"
)

// RequestID globally identifies a request across its lifetime.
type RequestID uuid.UUID

// NewRequestID generates a fresh random request id.
func NewRequestID() RequestID { return RequestID(uuid.New()) }

// String renders the canonical 36-character UUID form used on the wire.
func (id RequestID) String() string { return uuid.UUID(id).String() }

// Short renders the first 8 hex characters, for log lines.
func (id RequestID) Short() string { return uuid.UUID(id).String()[:8] }

func (id RequestID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *RequestID) UnmarshalText(b []byte) error {
	u, err := uuid.Parse(string(b))
	if err != nil {
		return err
	}
	*id = RequestID(u)
	return nil
}

// DaemonID identifies a daemon replica for the lifetime of its process.
type DaemonID uuid.UUID

func NewDaemonID() DaemonID { return DaemonID(uuid.New()) }

func (id DaemonID) String() string { return uuid.UUID(id).String() }
func (id DaemonID) Short() string  { return uuid.UUID(id).String()[:8] }

func (id DaemonID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *DaemonID) UnmarshalText(b []byte) error {
	u, err := uuid.Parse(string(b))
	if err != nil {
		return err
	}
	*id = DaemonID(u)
	return nil
}

// FileID identifies an uploaded file of request templates.
type FileID uuid.UUID

func NewFileID() FileID { return FileID(uuid.New()) }

func (id FileID) String() string { return uuid.UUID(id).String() }
func (id FileID) Short() string  { return uuid.UUID(id).String()[:8] }

func (id FileID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *FileID) UnmarshalText(b []byte) error {
	u, err := uuid.Parse(string(b))
	if err != nil {
		return err
	}
	*id = FileID(u)
	return nil
}

// BatchID identifies one materialization of a file's templates.
type BatchID uuid.UUID

func NewBatchID() BatchID { return BatchID(uuid.New()) }

func (id BatchID) String() string { return uuid.UUID(id).String() }
func (id BatchID) Short() string  { return uuid.UUID(id).String()[:8] }

func (id BatchID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *BatchID) UnmarshalText(b []byte) error {
	u, err := uuid.Parse(string(b))
	if err != nil {
		return err
	}
	*id = BatchID(u)
	return nil
}

// TemplateID identifies a mutable request template within a file.
type TemplateID uuid.UUID

func NewTemplateID() TemplateID { return TemplateID(uuid.New()) }

func (id TemplateID) String() string { return uuid.UUID(id).String() }
func (id TemplateID) Short() string  { return uuid.UUID(id).String()[:8] }

func (id TemplateID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *TemplateID) UnmarshalText(b []byte) error {
	u, err := uuid.Parse(string(b))
	if err != nil {
		return err
	}
	*id = TemplateID(u)
	return nil
}
