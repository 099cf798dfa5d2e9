package localstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourname/smsvault/internal/record"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "vault.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedSms(t *testing.T, s *Store, address string, date int64, typ int, person any) {
	t.Helper()
	_, err := s.DB().Exec(
		`INSERT INTO sms (address, body, date, type, read, person) VALUES (?, ?, ?, ?, 1, ?)`,
		address, "body", date, typ, person)
	require.NoError(t, err)
}

func TestQueryNewerThanSms(t *testing.T) {
	s := openStore(t)
	seedSms(t, s, "+1555", 1000, record.SmsTypeInbox, nil)
	seedSms(t, s, "+1555", 2000, record.SmsTypeSent, nil)
	seedSms(t, s, "+1555", 3000, record.SmsTypeDraft, nil)
	seedSms(t, s, "+1555", 4000, record.SmsTypeInbox, nil)

	recs, err := s.QueryNewerThan(context.Background(), record.SMS, 1000, 0, nil)
	require.NoError(t, err)
	// Strictly newer than the watermark, drafts excluded, oldest first.
	require.Len(t, recs, 2)
	assert.Equal(t, int64(2000), recs[0].DateMillis())
	assert.Equal(t, int64(4000), recs[1].DateMillis())
	assert.Equal(t, "body", recs[0].Get(record.FieldBody))
}

func TestQueryNewerThanLimit(t *testing.T) {
	s := openStore(t)
	for i := int64(0); i < 5; i++ {
		seedSms(t, s, "+1555", 1000+i, record.SmsTypeInbox, nil)
	}

	recs, err := s.QueryNewerThan(context.Background(), record.SMS, -1, 2, nil)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(1000), recs[0].DateMillis())
}

func TestQueryNewerThanAllowList(t *testing.T) {
	s := openStore(t)
	seedSms(t, s, "+allowed", 1000, record.SmsTypeInbox, 7)
	seedSms(t, s, "+stranger", 2000, record.SmsTypeInbox, 8)
	seedSms(t, s, "+anyone", 3000, record.SmsTypeSent, nil)

	recs, err := s.QueryNewerThan(context.Background(), record.SMS, -1, 0, []int64{7})
	require.NoError(t, err)
	// Sent messages always pass the allow-list.
	require.Len(t, recs, 2)
	assert.Equal(t, "+allowed", recs[0].Get(record.FieldAddress))
	assert.Equal(t, "+anyone", recs[1].Get(record.FieldAddress))
}

func TestQueryNewerThanMmsUsesSeconds(t *testing.T) {
	s := openStore(t)
	_, err := s.DB().Exec(`INSERT INTO mms (date, msg_box, read) VALUES (1700000000, 1, 1)`)
	require.NoError(t, err)
	_, err = s.DB().Exec(`INSERT INTO mms (date, msg_box, read) VALUES (1700000500, 2, 1)`)
	require.NoError(t, err)

	// The watermark arrives in milliseconds; rows are stored in seconds.
	recs, err := s.QueryNewerThan(context.Background(), record.MMS, 1700000000*1000, 0, nil)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(1700000500)*1000, recs[0].DateMillis())
}

func TestMostRecentTimestamp(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	ts, err := s.MostRecentTimestamp(ctx, record.SMS)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), ts, "an empty table reports never synced")

	seedSms(t, s, "+1555", 5000, record.SmsTypeInbox, nil)
	seedSms(t, s, "+1555", 9000, record.SmsTypeDraft, nil)
	ts, err = s.MostRecentTimestamp(ctx, record.SMS)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), ts, "drafts do not move the high-water mark")

	_, err = s.DB().Exec(`INSERT INTO mms (date, msg_box, read) VALUES (1700000000, 1, 1)`)
	require.NoError(t, err)
	ts, err = s.MostRecentTimestamp(ctx, record.MMS)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000)*1000, ts)
}

func TestInsertSmsAndExists(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	rec := record.New(record.SMS, map[string]string{
		record.FieldAddress: "+1555",
		record.FieldBody:    "hello",
		record.FieldDate:    "1234",
		record.FieldType:    "1",
		record.FieldRead:    "1",
	})

	ok, err := s.SmsExists(ctx, rec)
	require.NoError(t, err)
	assert.False(t, ok)

	id, err := s.InsertSms(ctx, rec)
	require.NoError(t, err)
	assert.Positive(t, id)

	ok, err = s.SmsExists(ctx, rec)
	require.NoError(t, err)
	assert.True(t, ok)

	// A different direction at the same timestamp is a distinct message.
	other := record.New(record.SMS, map[string]string{
		record.FieldAddress: "+1555",
		record.FieldDate:    "1234",
		record.FieldType:    "2",
	})
	ok, err = s.SmsExists(ctx, other)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCallLogExistsIgnoresDate(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	call := record.New(record.CallLog, map[string]string{
		record.FieldNumber:   "+1555",
		record.FieldDuration: "42",
		record.FieldCallType: "2",
		record.FieldDate:     "1000",
	})
	_, err := s.InsertCall(ctx, call)
	require.NoError(t, err)

	shifted := record.New(record.CallLog, map[string]string{
		record.FieldNumber:   "+1555",
		record.FieldDuration: "42",
		record.FieldCallType: "2",
		record.FieldDate:     "9999",
	})
	ok, err := s.CallLogExists(ctx, shifted)
	require.NoError(t, err)
	assert.True(t, ok, "the duplicate key is number, duration and type")

	longer := record.New(record.CallLog, map[string]string{
		record.FieldNumber:   "+1555",
		record.FieldDuration: "43",
		record.FieldCallType: "2",
	})
	ok, err = s.CallLogExists(ctx, longer)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLookupNumber(t *testing.T) {
	s := openStore(t)

	entry, err := s.LookupNumber("+1555")
	require.NoError(t, err)
	assert.Nil(t, entry, "a miss is not an error")

	res, err := s.DB().Exec(`INSERT INTO contacts (name, number) VALUES ('Alice', '+1555')`)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	_, err = s.DB().Exec(`INSERT INTO contact_emails (contact_id, email, is_primary) VALUES (?, 'alice@work.example', 0)`, id)
	require.NoError(t, err)
	_, err = s.DB().Exec(`INSERT INTO contact_emails (contact_id, email, is_primary) VALUES (?, 'alice@home.example', 1)`, id)
	require.NoError(t, err)

	entry, err = s.LookupNumber("+1555")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, id, entry.ID)
	assert.Equal(t, "Alice", entry.Name)
	assert.Equal(t, []string{"alice@home.example", "alice@work.example"}, entry.Emails)
}

func TestGetOrCreateThreadID(t *testing.T) {
	s := openStore(t)

	first, err := s.GetOrCreateThreadID("+1555")
	require.NoError(t, err)
	assert.Positive(t, first)

	again, err := s.GetOrCreateThreadID("+1555")
	require.NoError(t, err)
	assert.Equal(t, first, again)

	other, err := s.GetOrCreateThreadID("+1666")
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestUpdateAllThreads(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	for _, rec := range []record.Record{
		record.New(record.SMS, map[string]string{
			record.FieldAddress: "+1555", record.FieldBody: "first",
			record.FieldDate: "1000", record.FieldType: "1",
		}),
		record.New(record.SMS, map[string]string{
			record.FieldAddress: "+1555", record.FieldBody: "latest",
			record.FieldDate: "2000", record.FieldType: "2",
		}),
		record.New(record.SMS, map[string]string{
			record.FieldAddress: "+1666", record.FieldBody: "solo",
			record.FieldDate: "1500", record.FieldType: "1",
		}),
	} {
		_, err := s.InsertSms(ctx, rec)
		require.NoError(t, err)
	}

	require.NoError(t, s.UpdateAllThreads(ctx))

	var date, count int64
	var snippet string
	err := s.DB().QueryRow(`SELECT date, message_count, snippet FROM threads WHERE address = '+1555'`).
		Scan(&date, &count, &snippet)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), date)
	assert.Equal(t, int64(2), count)
	assert.Equal(t, "latest", snippet)

	var orphans int
	err = s.DB().QueryRow(`SELECT COUNT(1) FROM sms WHERE thread_id IS NULL`).Scan(&orphans)
	require.NoError(t, err)
	assert.Zero(t, orphans, "every restored message is attached to its thread")

	// A second pass is idempotent.
	require.NoError(t, s.UpdateAllThreads(ctx))
	var threads int
	err = s.DB().QueryRow(`SELECT COUNT(1) FROM threads`).Scan(&threads)
	require.NoError(t, err)
	assert.Equal(t, 2, threads)
}

func TestMmsSourceRows(t *testing.T) {
	s := openStore(t)
	res, err := s.DB().Exec(`INSERT INTO mms (date, msg_box, read) VALUES (1700000000, 1, 1)`)
	require.NoError(t, err)
	mid, err := res.LastInsertId()
	require.NoError(t, err)
	require.Equal(t, int64(1), mid)

	_, err = s.DB().Exec(`INSERT INTO mms_addr (mid, address, type) VALUES (1, '+1555', 137)`)
	require.NoError(t, err)
	_, err = s.DB().Exec(`INSERT INTO mms_addr (mid, address, type) VALUES (1, 'insert-address-token', 151)`)
	require.NoError(t, err)
	_, err = s.DB().Exec(`INSERT INTO mms_part (mid, ct, cl, text, _data) VALUES (1, 'text/plain', NULL, 'hi there', NULL)`)
	require.NoError(t, err)
	_, err = s.DB().Exec(`INSERT INTO mms_part (mid, ct, cl, text, _data) VALUES (1, 'image/jpeg', 'photo.jpg', NULL, ?)`, []byte{1, 2, 3})
	require.NoError(t, err)

	addrs, err := s.AddressRows("1")
	require.NoError(t, err)
	require.Len(t, addrs, 2)
	assert.Equal(t, "+1555", addrs[0].Address)
	assert.Equal(t, 137, addrs[0].Type)

	parts, err := s.BodyParts("1")
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, "hi there", parts[0].Text)
	assert.Equal(t, "photo.jpg", parts[1].Filename)
	assert.Equal(t, []byte{1, 2, 3}, parts[1].Data)
}
