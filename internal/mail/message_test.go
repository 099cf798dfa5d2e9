package mail

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gomail "github.com/emersion/go-message/mail"
)

func TestSingleTextPartIsNotMultipart(t *testing.T) {
	msg := NewMessage()
	msg.Header.SetSubject("SMS with Alice")
	msg.Parts = []Part{{ContentType: "text/plain", Text: "short and sweet"}}

	raw, err := msg.Bytes()
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "multipart/")

	p, err := Parse(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "short and sweet", p.Body)
}

func TestMultipartWithAttachment(t *testing.T) {
	payload := []byte{0xff, 0xd8, 0x00, 0x01, 0x02}
	msg := NewMessage()
	msg.Header.SetSubject("MMS with Alice")
	msg.Parts = []Part{
		{ContentType: "text/plain", Text: "see attachment"},
		{ContentType: "image/jpeg", Filename: "björk live.jpg", Data: payload},
	}

	raw, err := msg.Bytes()
	require.NoError(t, err)

	mr, err := gomail.CreateReader(bytes.NewReader(raw))
	require.NoError(t, err)

	var gotText string
	var gotFilename string
	var gotData []byte
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		switch h := part.Header.(type) {
		case *gomail.InlineHeader:
			b, err := io.ReadAll(part.Body)
			require.NoError(t, err)
			gotText = string(b)
		case *gomail.AttachmentHeader:
			gotFilename, err = h.Filename()
			require.NoError(t, err)
			gotData, err = io.ReadAll(part.Body)
			require.NoError(t, err)
		}
	}
	assert.Equal(t, "see attachment", gotText)
	// Non-ASCII filenames survive the RFC 2231 encoding.
	assert.Equal(t, "björk live.jpg", gotFilename)
	assert.Equal(t, payload, gotData)
}

func TestAttachmentWithoutContentType(t *testing.T) {
	msg := NewMessage()
	msg.Header.SetSubject("x")
	msg.Parts = []Part{
		{ContentType: "text/plain", Text: "body"},
		{Filename: "blob.bin", Data: []byte{1, 2, 3}},
	}
	raw, err := msg.Bytes()
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(raw), "application/octet-stream"))
}
