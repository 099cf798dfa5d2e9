package service

import (
	"context"
	"time"

	"github.com/yourname/smsvault/internal/record"

	smail "github.com/yourname/smsvault/internal/mail"
)

// LocalStore is what the state machines need from local storage. The
// sqlite store implements it; tests use in-memory fakes.
type LocalStore interface {
	QueryNewerThan(ctx context.Context, t record.DataType, watermark int64, max int, allowedContactIDs []int64) ([]record.Record, error)
	MostRecentTimestamp(ctx context.Context, t record.DataType) (int64, error)
	InsertSms(ctx context.Context, rec record.Record) (int64, error)
	SmsExists(ctx context.Context, rec record.Record) (bool, error)
	InsertCall(ctx context.Context, rec record.Record) (int64, error)
	CallLogExists(ctx context.Context, rec record.Record) (bool, error)
	UpdateAllThreads(ctx context.Context) error
}

// BackupFolder is one destination folder during backup.
type BackupFolder interface {
	Append(msg *smail.Message) error
	Close() error
}

// MailStore is the logged-in mail store view a backup run writes to.
type MailStore interface {
	Folder(t record.DataType) (BackupFolder, error)
	Logout() error
}

// MailStoreConnector performs the LOGIN step. It runs at most twice per
// run: once more after a successful token refresh.
type MailStoreConnector func(ctx context.Context) (MailStore, error)

// Candidate is one restorable message: its envelope date plus a hook to
// fetch the raw body on demand.
type Candidate struct {
	Sent  time.Time
	Fetch func() ([]byte, error)
}

// RestoreStore lists restorable messages per data type, newest first,
// already truncated to the caller's cap.
type RestoreStore interface {
	Candidates(t record.DataType, max int, flaggedOnly bool) ([]Candidate, error)
	Logout() error
}

// RestoreStoreConnector performs the LOGIN step for restore.
type RestoreStoreConnector func(ctx context.Context) (RestoreStore, error)
