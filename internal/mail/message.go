// Package mail converts records to backup email messages and back.
package mail

import (
	"bytes"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// Part is one MIME body part of an outbound message: either inline text
// or a binary attachment.
type Part struct {
	ContentType string
	Filename    string
	Text        string
	Data        []byte
}

// Message is an outbound backup email under construction. It is owned by
// the converter until handed to the mail store for append and is not
// retained afterwards.
type Message struct {
	Header mail.Header
	Parts  []Part

	// Seen mirrors the mark-as-read policy; mapped onto the \Seen flag
	// on append.
	Seen bool
}

// NewMessage returns a message with an empty header.
func NewMessage() *Message {
	return &Message{}
}

// SentDate returns the header date, zero when unset or unparsable.
func (m *Message) SentDate() time.Time {
	t, err := m.Header.Date()
	if err != nil {
		return time.Time{}
	}
	return t
}

// DataType returns the value of the datatype header.
func (m *Message) DataType() string {
	v, _ := m.Header.Text(HeaderDataType)
	return v
}

// WriteTo serializes the message as RFC 2822 text. A single text part is
// written as a plain text/plain message; anything else becomes
// multipart/mixed with attachments base64-encoded.
func (m *Message) WriteTo(w io.Writer) error {
	if len(m.Parts) == 1 && m.Parts[0].Data == nil && strings.HasPrefix(m.Parts[0].ContentType, "text/") {
		body, err := mail.CreateSingleInlineWriter(w, mail.Header{Header: m.Header.Header.Copy()})
		if err != nil {
			return err
		}
		if _, err := io.WriteString(body, m.Parts[0].Text); err != nil {
			body.Close()
			return err
		}
		return body.Close()
	}

	mw, err := mail.CreateWriter(w, mail.Header{Header: m.Header.Header.Copy()})
	if err != nil {
		return err
	}
	for _, p := range m.Parts {
		if p.Data == nil {
			var ih mail.InlineHeader
			ih.SetContentType(p.ContentType, map[string]string{"charset": "utf-8"})
			pw, err := mw.CreateSingleInline(ih)
			if err != nil {
				return err
			}
			if _, err := io.WriteString(pw, p.Text); err != nil {
				pw.Close()
				return err
			}
			pw.Close()
			continue
		}
		var ah mail.AttachmentHeader
		ct := p.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		ah.SetContentType(ct, nil)
		if p.Filename != "" {
			// SetFilename emits an RFC 2231 encoded parameter when the
			// name carries special or non-ASCII characters.
			ah.SetFilename(p.Filename)
		}
		// go-message applies the transfer encoding on write.
		ah.Set("Content-Transfer-Encoding", "base64")
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return err
		}
		if _, err := aw.Write(p.Data); err != nil {
			aw.Close()
			return err
		}
		aw.Close()
	}
	return mw.Close()
}

// Bytes renders the message to a buffer, the form the mail store appends.
func (m *Message) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := m.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
