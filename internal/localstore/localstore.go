// Package localstore is the local storage collaborator: a sqlite schema
// standing in for the phone's SMS/MMS/call-log content providers, plus
// the contact directory and thread table used on restore.
package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/yourname/smsvault/internal/contacts"
	"github.com/yourname/smsvault/internal/mail"
	"github.com/yourname/smsvault/internal/record"
)

var createTableSQL = []string{
	`
CREATE TABLE IF NOT EXISTS sms (
_id INTEGER PRIMARY KEY AUTOINCREMENT,
address TEXT,
body TEXT,
date INTEGER NOT NULL,
type INTEGER NOT NULL,
thread_id INTEGER,
read INTEGER NOT NULL DEFAULT 0,
status INTEGER NOT NULL DEFAULT -1,
protocol INTEGER,
service_center TEXT,
person INTEGER
);`,
	// MMS rows; date is stored in seconds, matching the provider quirk.
	`
CREATE TABLE IF NOT EXISTS mms (
_id INTEGER PRIMARY KEY AUTOINCREMENT,
thread_id INTEGER,
date INTEGER NOT NULL,
msg_box INTEGER NOT NULL,
read INTEGER NOT NULL DEFAULT 0
);`,
	`
CREATE TABLE IF NOT EXISTS mms_addr (
_id INTEGER PRIMARY KEY AUTOINCREMENT,
mid INTEGER NOT NULL,
address TEXT,
type INTEGER NOT NULL DEFAULT 0,
FOREIGN KEY (mid) REFERENCES mms (_id)
);`,
	`
CREATE TABLE IF NOT EXISTS mms_part (
_id INTEGER PRIMARY KEY AUTOINCREMENT,
mid INTEGER NOT NULL,
ct TEXT,
cl TEXT,
text TEXT,
_data BLOB,
FOREIGN KEY (mid) REFERENCES mms (_id)
);`,
	`
CREATE TABLE IF NOT EXISTS calls (
_id INTEGER PRIMARY KEY AUTOINCREMENT,
number TEXT,
duration INTEGER NOT NULL DEFAULT 0,
date INTEGER NOT NULL,
type INTEGER NOT NULL,
new INTEGER NOT NULL DEFAULT 0,
name TEXT,
numbertype INTEGER
);`,
	`
CREATE TABLE IF NOT EXISTS contacts (
_id INTEGER PRIMARY KEY AUTOINCREMENT,
name TEXT,
number TEXT
);`,
	`
CREATE TABLE IF NOT EXISTS contact_emails (
contact_id INTEGER NOT NULL,
email TEXT NOT NULL,
is_primary INTEGER NOT NULL DEFAULT 0,
FOREIGN KEY (contact_id) REFERENCES contacts (_id)
);`,
	`
CREATE TABLE IF NOT EXISTS threads (
_id INTEGER PRIMARY KEY AUTOINCREMENT,
address TEXT NOT NULL UNIQUE,
date INTEGER NOT NULL DEFAULT 0,
message_count INTEGER NOT NULL DEFAULT 0,
snippet TEXT
);`,
}

// Store wraps the sqlite database.
type Store struct {
	db *sql.DB
}

func dsnFromPath(path string) string {
	if strings.HasPrefix(path, "file:") || strings.Contains(path, "?") || path == ":memory:" {
		return path
	}
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", dsnFromPath(path))
	if err != nil {
		return nil, errors.Wrapf(err, "open database %q", path)
	}
	for _, stmt := range createTableSQL {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "init schema: %q", stmt)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle for test seeding.
func (s *Store) DB() *sql.DB { return s.db }

// QueryNewerThan fetches up to max records of the given type with a
// timestamp strictly greater than the watermark, oldest first. max <= 0
// means unbounded. SMS excludes drafts and honors an optional contact
// allow-list; sent messages always pass the allow-list.
func (s *Store) QueryNewerThan(ctx context.Context, t record.DataType, watermark int64, max int, allowedContactIDs []int64) ([]record.Record, error) {
	var q string
	var args []any
	switch t {
	case record.SMS:
		q = `SELECT _id, address, body, date, type, thread_id, read, status, protocol, service_center, person
FROM sms WHERE date > ? AND type <> ?`
		args = []any{watermark, record.SmsTypeDraft}
		if allowedContactIDs != nil {
			q += fmt.Sprintf(" AND (type = %d OR person IN (%s))", record.SmsTypeSent, placeholders(len(allowedContactIDs)))
			for _, id := range allowedContactIDs {
				args = append(args, id)
			}
		}
		q += " ORDER BY date"
	case record.MMS:
		// watermark is milliseconds, the mms table stores seconds
		since := watermark
		if since > 0 {
			since /= 1000
		}
		q = `SELECT _id, thread_id, date, msg_box, read FROM mms WHERE date > ? ORDER BY date`
		args = []any{since}
	case record.CallLog:
		q = `SELECT _id, number, duration, date, type FROM calls WHERE date > ? ORDER BY date`
		args = []any{watermark}
	default:
		return nil, errors.Errorf("unknown data type %q", t)
	}
	if max > 0 {
		q += fmt.Sprintf(" LIMIT %d", max)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "query %s items", t)
	}
	defer rows.Close()
	return scanRecords(rows, t)
}

// MostRecentTimestamp returns the newest record timestamp for a type in
// milliseconds, or state's never-synced sentinel semantics via -1.
func (s *Store) MostRecentTimestamp(ctx context.Context, t record.DataType) (int64, error) {
	var q string
	switch t {
	case record.SMS:
		q = `SELECT date FROM sms WHERE type <> ` + fmt.Sprint(record.SmsTypeDraft) + ` ORDER BY date DESC LIMIT 1`
	case record.MMS:
		q = `SELECT date FROM mms ORDER BY date DESC LIMIT 1`
	case record.CallLog:
		q = `SELECT date FROM calls ORDER BY date DESC LIMIT 1`
	default:
		return -1, errors.Errorf("unknown data type %q", t)
	}
	var ts int64
	if err := s.db.QueryRowContext(ctx, q).Scan(&ts); err != nil {
		if err == sql.ErrNoRows {
			return -1, nil
		}
		return -1, errors.Wrap(err, "most recent timestamp")
	}
	if t == record.MMS {
		ts *= 1000
	}
	return ts, nil
}

// scanRecords turns arbitrary rows into field-map records, keeping every
// value as a string the way a provider cursor would.
func scanRecords(rows *sql.Rows, t record.DataType) ([]record.Record, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, errors.Wrap(err, "columns")
	}
	var out []record.Record
	for rows.Next() {
		vals := make([]sql.NullString, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errors.Wrap(err, "scan")
		}
		fields := make(map[string]string, len(cols))
		for i, c := range cols {
			if vals[i].Valid {
				fields[c] = vals[i].String
			}
		}
		out = append(out, record.New(t, fields))
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// InsertSms inserts a restored SMS row.
func (s *Store) InsertSms(ctx context.Context, rec record.Record) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO sms (address, body, date, type, thread_id, read, status, protocol, service_center)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Get(record.FieldAddress),
		rec.Get(record.FieldBody),
		rec.GetInt64(record.FieldDate),
		rec.GetInt(record.FieldType),
		nullableInt(rec, record.FieldThreadID),
		rec.GetInt(record.FieldRead),
		rec.GetInt(record.FieldStatus),
		nullableInt(rec, record.FieldProtocol),
		rec.Get(record.FieldServiceCenter),
	)
	if err != nil {
		return 0, errors.Wrap(err, "insert sms")
	}
	return res.LastInsertId()
}

// SmsExists is the advisory duplicate check: equality on
// date+address+type.
func (s *Store) SmsExists(ctx context.Context, rec record.Record) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM sms WHERE date = ? AND address = ? AND type = ?`,
		rec.GetInt64(record.FieldDate), rec.Get(record.FieldAddress), rec.GetInt(record.FieldType),
	).Scan(&n)
	if err != nil {
		return false, errors.Wrap(err, "sms exists")
	}
	return n > 0, nil
}

// InsertCall inserts a restored call-log row.
func (s *Store) InsertCall(ctx context.Context, rec record.Record) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO calls (number, duration, date, type, new, name, numbertype)
VALUES (?, ?, ?, ?, 0, ?, ?)`,
		rec.Get(record.FieldNumber),
		rec.GetInt64(record.FieldDuration),
		rec.GetInt64(record.FieldDate),
		rec.GetInt(record.FieldCallType),
		nullable(rec.Get(record.FieldName)),
		nullableInt(rec, record.FieldNumType),
	)
	if err != nil {
		return 0, errors.Wrap(err, "insert call")
	}
	return res.LastInsertId()
}

// CallLogExists checks duplicates on number+duration+type. The date is
// deliberately left out of the key; see DESIGN.md.
func (s *Store) CallLogExists(ctx context.Context, rec record.Record) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM calls WHERE number = ? AND duration = ? AND type = ?`,
		rec.Get(record.FieldNumber), rec.GetInt64(record.FieldDuration), rec.GetInt(record.FieldCallType),
	).Scan(&n)
	if err != nil {
		return false, errors.Wrap(err, "call log exists")
	}
	return n > 0, nil
}

// LookupNumber implements contacts.Directory against the contacts and
// contact_emails tables. A miss returns (nil, nil).
func (s *Store) LookupNumber(number string) (*contacts.DirectoryEntry, error) {
	var id int64
	var name sql.NullString
	err := s.db.QueryRow(`SELECT _id, name FROM contacts WHERE number = ? LIMIT 1`, number).Scan(&id, &name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "lookup contact %q", number)
	}
	entry := &contacts.DirectoryEntry{ID: id, Name: name.String}
	rows, err := s.db.Query(`SELECT email FROM contact_emails WHERE contact_id = ? ORDER BY is_primary DESC, email`, id)
	if err != nil {
		return nil, errors.Wrap(err, "lookup contact emails")
	}
	defer rows.Close()
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, errors.Wrap(err, "scan email")
		}
		entry.Emails = append(entry.Emails, email)
	}
	return entry, rows.Err()
}

// GetOrCreateThreadID implements mail.ThreadResolver.
func (s *Store) GetOrCreateThreadID(address string) (int64, error) {
	var id int64
	err := s.db.QueryRow(`SELECT _id FROM threads WHERE address = ?`, address).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, errors.Wrap(err, "thread lookup")
	}
	res, err := s.db.Exec(`INSERT INTO threads (address) VALUES (?)`, address)
	if err != nil {
		return 0, errors.Wrap(err, "thread create")
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "thread id")
	}
	return id, nil
}

// AddressRows implements mail.MmsSource.
func (s *Store) AddressRows(id string) ([]mail.AddrRow, error) {
	rows, err := s.db.Query(`SELECT address, type FROM mms_addr WHERE mid = ? ORDER BY _id`, id)
	if err != nil {
		return nil, errors.Wrapf(err, "mms %s addresses", id)
	}
	defer rows.Close()
	var out []mail.AddrRow
	for rows.Next() {
		var r mail.AddrRow
		var addr sql.NullString
		if err := rows.Scan(&addr, &r.Type); err != nil {
			return nil, errors.Wrap(err, "scan addr row")
		}
		r.Address = addr.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// BodyParts implements mail.MmsSource.
func (s *Store) BodyParts(id string) ([]mail.PartRow, error) {
	rows, err := s.db.Query(`SELECT ct, cl, text, _data FROM mms_part WHERE mid = ? ORDER BY _id`, id)
	if err != nil {
		return nil, errors.Wrapf(err, "mms %s parts", id)
	}
	defer rows.Close()
	var out []mail.PartRow
	for rows.Next() {
		var r mail.PartRow
		var ct, cl, text sql.NullString
		if err := rows.Scan(&ct, &cl, &text, &r.Data); err != nil {
			return nil, errors.Wrap(err, "scan part row")
		}
		r.ContentType = ct.String
		r.Filename = cl.String
		r.Text = text.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateAllThreads recomputes per-thread aggregates after a batch of
// inserts, the bulk equivalent of the per-row trigger the platform runs.
func (s *Store) UpdateAllThreads(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO threads (address, date, message_count, snippet)
SELECT address, MAX(date), COUNT(1), (
  SELECT body FROM sms s2 WHERE s2.address = s1.address ORDER BY s2.date DESC LIMIT 1
)
FROM sms s1 WHERE address IS NOT NULL AND address <> '' GROUP BY address
ON CONFLICT (address) DO UPDATE SET
  date = excluded.date,
  message_count = excluded.message_count,
  snippet = excluded.snippet`)
	if err != nil {
		return errors.Wrap(err, "update threads")
	}
	_, err = s.db.ExecContext(ctx, `
UPDATE sms SET thread_id = (SELECT _id FROM threads WHERE threads.address = sms.address)
WHERE thread_id IS NULL AND address IS NOT NULL AND address <> ''`)
	return errors.Wrap(err, "backfill thread ids")
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(rec record.Record, field string) any {
	if rec.Get(field) == "" {
		return nil
	}
	return rec.GetInt64(field)
}
