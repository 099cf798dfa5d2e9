package archive

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	smail "github.com/yourname/smsvault/internal/mail"
	"github.com/yourname/smsvault/internal/record"
)

func archivedMessage(t record.DataType, subject string, sent time.Time) *smail.Message {
	msg := smail.NewMessage()
	msg.Header.Set(smail.HeaderDataType, string(t))
	msg.Header.SetSubject(subject)
	msg.Header.SetDate(sent)
	msg.Parts = []smail.Part{{ContentType: "text/plain", Text: "body of " + subject}}
	return msg
}

func TestAppendAndScan(t *testing.T) {
	m := Open(filepath.Join(t.TempDir(), "backup.mbox"))
	sent := time.Date(2024, 3, 7, 12, 0, 0, 0, time.UTC)

	require.NoError(t, m.Append(archivedMessage(record.SMS, "SMS one", sent)))
	require.NoError(t, m.Append(archivedMessage(record.CallLog, "Call", sent.Add(time.Hour))))
	require.NoError(t, m.Append(archivedMessage(record.SMS, "SMS two", sent.Add(2*time.Hour))))

	entries, err := m.Scan(record.SMS)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	p, err := smail.Parse(bytes.NewReader(entries[0].Raw))
	require.NoError(t, err)
	assert.Equal(t, string(record.SMS), p.Get(smail.HeaderDataType))
	assert.Equal(t, "body of SMS one", p.Body)

	calls, err := m.Scan(record.CallLog)
	require.NoError(t, err)
	assert.Len(t, calls, 1)
}

func TestScanMissingFile(t *testing.T) {
	m := Open(filepath.Join(t.TempDir(), "nope.mbox"))
	entries, err := m.Scan(record.SMS)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestScanSkipsForeignMessages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mixed.mbox")
	foreign := "From someone@example.org Thu Mar  7 12:00:00 2024\n" +
		"From: someone@example.org\nSubject: unrelated\n\nnot ours\n\n"
	require.NoError(t, os.WriteFile(path, []byte(foreign), 0o600))

	m := Open(path)
	require.NoError(t, m.Append(archivedMessage(record.SMS, "ours", time.Now())))

	entries, err := m.Scan(record.SMS)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "messages without the type header are ignored")
}
