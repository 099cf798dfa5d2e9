package imapstore

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	smail "github.com/yourname/smsvault/internal/mail"
	"github.com/yourname/smsvault/internal/record"
)

// testClient logs in to an in-memory IMAP server.
func testClient(t *testing.T) *Client {
	t.Helper()
	s := server.New(memory.New())
	s.AllowInsecureAuth = true
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.Serve(l) }()
	t.Cleanup(func() { _ = s.Close() })

	c, err := client.Dial(l.Addr().String())
	require.NoError(t, err)
	require.NoError(t, c.Login("username", "password"))
	return &Client{c: c, log: zap.NewNop()}
}

func typedMessage(typ record.DataType, body string, sent time.Time) *smail.Message {
	msg := smail.NewMessage()
	msg.Header.Set(smail.HeaderDataType, string(typ))
	msg.Header.SetSubject("backup")
	msg.Header.SetDate(sent)
	msg.Parts = []smail.Part{{ContentType: "text/plain", Text: body}}
	return msg
}

func TestFetchBodyReselectsMailbox(t *testing.T) {
	cl := testClient(t)
	sent := time.Date(2024, 3, 7, 12, 0, 0, 0, time.UTC)

	smsFolder, err := cl.OpenFolder("SMS")
	require.NoError(t, err)
	require.NoError(t, smsFolder.Append(typedMessage(record.SMS, "sms body", sent)))

	callFolder, err := cl.OpenFolder("Calls")
	require.NoError(t, err)
	require.NoError(t, callFolder.Append(typedMessage(record.CallLog, "call body", sent)))

	// A multi-type restore lists every folder's candidates before fetching
	// any body. Both folders share one connection; "Calls" is the mailbox
	// selected last, so the SMS fetch must not resolve its UID there.
	cands, err := smsFolder.Messages(record.SMS, 0, false, time.Time{})
	require.NoError(t, err)
	require.Len(t, cands, 1)

	callCands, err := callFolder.Messages(record.CallLog, 0, false, time.Time{})
	require.NoError(t, err)
	require.Len(t, callCands, 1)

	raw, err := smsFolder.FetchBody(cands[0].UID)
	require.NoError(t, err)
	p, err := smail.Parse(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, string(record.SMS), p.Get(smail.HeaderDataType))
	assert.Equal(t, "sms body", p.Body)

	raw, err = callFolder.FetchBody(callCands[0].UID)
	require.NoError(t, err)
	p, err = smail.Parse(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, string(record.CallLog), p.Get(smail.HeaderDataType))
}

func TestSelectNewest(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cands := []Candidate{
		{UID: 1, Sent: base.Add(1 * time.Hour)},
		{UID: 2},                               // no envelope date
		{UID: 3, Sent: base.Add(3 * time.Hour)},
		{UID: 4, Sent: base.Add(2 * time.Hour)},
	}

	got := SelectNewest(cands, 0)
	uids := make([]uint32, 0, len(got))
	for _, c := range got {
		uids = append(uids, c.UID)
	}
	// Newest first; the undated message sorts as oldest.
	assert.Equal(t, []uint32{3, 4, 1, 2}, uids)
}

func TestSelectNewestTruncates(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cands := []Candidate{
		{UID: 1, Sent: base.Add(1 * time.Hour)},
		{UID: 2},
		{UID: 3, Sent: base.Add(3 * time.Hour)},
	}

	got := SelectNewest(cands, 2)
	assert.Len(t, got, 2)
	assert.Equal(t, uint32(3), got[0].UID)
	assert.Equal(t, uint32(1), got[1].UID)
}

func TestSelectNewestEmpty(t *testing.T) {
	assert.Empty(t, SelectNewest(nil, 5))
}

func TestSelectNewestStableForTies(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cands := []Candidate{
		{UID: 10, Sent: ts},
		{UID: 11, Sent: ts},
		{UID: 12, Sent: ts},
	}
	got := SelectNewest(cands, 0)
	assert.Equal(t, uint32(10), got[0].UID)
	assert.Equal(t, uint32(11), got[1].UID)
	assert.Equal(t, uint32(12), got[2].UID)
}
