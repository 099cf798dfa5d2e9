// Package archive backs up to and restores from a local MBOX file, for
// use without an IMAP account or as an offline copy.
package archive

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/emersion/go-mbox"
	"github.com/pkg/errors"

	smail "github.com/yourname/smsvault/internal/mail"
	"github.com/yourname/smsvault/internal/record"
)

// Mbox is an append-only local archive of backup messages.
type Mbox struct {
	path string
}

func Open(path string) *Mbox {
	return &Mbox{path: path}
}

// Close is a no-op; every append opens and closes the file itself.
func (m *Mbox) Close() error { return nil }

// Append adds one backup message to the end of the file.
func (m *Mbox) Append(msg *smail.Message) error {
	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return errors.Wrap(err, "open archive")
	}
	defer f.Close()

	date := msg.SentDate()
	if date.IsZero() {
		date = time.Now()
	}
	w := mbox.NewWriter(f)
	mw, err := w.CreateMessage("", date)
	if err != nil {
		return errors.Wrap(err, "create archive message")
	}
	if err := msg.WriteTo(mw); err != nil {
		return errors.Wrap(err, "write archive message")
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, "flush archive")
	}
	return nil
}

// Entry is one archived message scanned out on restore.
type Entry struct {
	Raw []byte
}

// Scan reads the whole archive and returns the raw messages carrying the
// given data type header. Messages of other types, or without the header,
// are skipped.
func (m *Mbox) Scan(t record.DataType) ([]Entry, error) {
	f, err := os.Open(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "open archive")
	}
	defer f.Close()

	var out []Entry
	r := mbox.NewReader(f)
	for {
		mr, err := r.NextMessage()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "read archive")
		}
		raw, err := io.ReadAll(mr)
		if err != nil {
			return nil, errors.Wrap(err, "read archive message")
		}
		p, err := smail.Parse(bytes.NewReader(raw))
		if err != nil {
			// Tolerate foreign messages in a hand-edited file.
			continue
		}
		if p.Get(smail.HeaderDataType) == string(t) {
			out = append(out, Entry{Raw: raw})
		}
	}
}
