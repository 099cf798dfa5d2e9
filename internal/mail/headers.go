package mail

import (
	"crypto/md5"
	"fmt"
	"strconv"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/yourname/smsvault/internal/contacts"
	"github.com/yourname/smsvault/internal/record"
)

// Custom headers embedded in every backup message. Names are kept
// byte-compatible with SMS Backup+ so existing archives restore cleanly.
const (
	HeaderID            = "X-smssync-id"
	HeaderAddress       = "X-smssync-address"
	HeaderDataType      = "X-smssync-datatype"
	HeaderType          = "X-smssync-type"
	HeaderDate          = "X-smssync-date"
	HeaderThreadID      = "X-smssync-thread"
	HeaderRead          = "X-smssync-read"
	HeaderStatus        = "X-smssync-status"
	HeaderProtocol      = "X-smssync-protocol"
	HeaderServiceCenter = "X-smssync-service_center"
	HeaderBackupTime    = "X-smssync-backup-time"
	HeaderVersion       = "X-smssync-version"
	HeaderDuration      = "X-smssync-duration"
)

const msgIDDomain = "sms-backup-plus.local"

// HeaderGenerator writes the custom header set. The reference token is a
// per-install random value; combined with the identity key it threads all
// messages for one contact into a single conversation, regardless of the
// phone-local thread id (which is not stable across devices).
type HeaderGenerator struct {
	reference string
	version   string
	now       func() time.Time
}

func NewHeaderGenerator(reference, version string) *HeaderGenerator {
	return &HeaderGenerator{reference: reference, version: version, now: time.Now}
}

// SetHeaders stamps the full header set for one record onto h.
func (g *HeaderGenerator) SetHeaders(h *mail.Header, rec record.Record, address string,
	person contacts.PersonRecord, sent time.Time, status int) {

	h.SetMsgIDList("References", []string{fmt.Sprintf("%s.%s@%s", g.reference, person.IdentityKey(), msgIDDomain)})
	h.SetMessageID(MessageID(sent, address, status))
	h.Set(HeaderAddress, contacts.Sanitize(address))
	h.Set(HeaderDataType, string(rec.Type))
	h.Set(HeaderBackupTime, toGMTString(g.now()))
	h.Set(HeaderVersion, g.version)
	h.SetDate(sent)

	switch rec.Type {
	case record.SMS:
		g.setSmsHeaders(h, rec)
	case record.MMS:
		g.setMmsHeaders(h, rec)
	case record.CallLog:
		g.setCallLogHeaders(h, rec)
	}
}

func (g *HeaderGenerator) setSmsHeaders(h *mail.Header, rec record.Record) {
	h.Set(HeaderID, rec.Get(record.FieldID))
	h.Set(HeaderType, rec.Get(record.FieldType))
	h.Set(HeaderDate, rec.Get(record.FieldDate))
	h.Set(HeaderThreadID, rec.Get(record.FieldThreadID))
	h.Set(HeaderRead, rec.Get(record.FieldRead))
	h.Set(HeaderStatus, rec.Get(record.FieldStatus))
	h.Set(HeaderProtocol, rec.Get(record.FieldProtocol))
	h.Set(HeaderServiceCenter, rec.Get(record.FieldServiceCenter))
}

func (g *HeaderGenerator) setMmsHeaders(h *mail.Header, rec record.Record) {
	h.Set(HeaderID, rec.Get(record.FieldID))
	h.Set(HeaderType, rec.Get(record.FieldMessageBox))
	h.Set(HeaderDate, rec.Get(record.FieldDate))
	h.Set(HeaderThreadID, rec.Get(record.FieldThreadID))
	h.Set(HeaderRead, rec.Get(record.FieldRead))
}

func (g *HeaderGenerator) setCallLogHeaders(h *mail.Header, rec record.Record) {
	h.Set(HeaderID, rec.Get(record.FieldID))
	h.Set(HeaderType, rec.Get(record.FieldCallType))
	h.Set(HeaderDate, rec.Get(record.FieldDate))
	h.Set(HeaderDuration, rec.Get(record.FieldDuration))
}

// MessageID derives a deterministic message id from the sent timestamp,
// address and subtype code. Re-running a backup for the same logical item
// yields the same id, so the mail store can deduplicate appends.
func MessageID(sent time.Time, address string, subtype int) string {
	d := md5.New()
	d.Write([]byte(strconv.FormatInt(sent.UnixMilli(), 10)))
	if address != "" {
		d.Write([]byte(address))
	}
	d.Write([]byte(strconv.Itoa(subtype)))
	return fmt.Sprintf("%x@%s", d.Sum(nil), msgIDDomain)
}

func toGMTString(t time.Time) string {
	return t.UTC().Format("2 Jan 2006 15:04:05") + " GMT"
}
