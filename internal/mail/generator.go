package mail

import (
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"go.uber.org/zap"

	"github.com/yourname/smsvault/internal/contacts"
	"github.com/yourname/smsvault/internal/record"
)

// MMS address-table row types (PduHeaders values).
const (
	PduFrom = 137
	PduTo   = 151
	PduCc   = 130
)

// AddrRow is one row of an MMS address table.
type AddrRow struct {
	Address string
	Type    int
}

// PartRow is one stored MMS body part.
type PartRow struct {
	ContentType string
	Filename    string
	Text        string
	Data        []byte
}

// MmsSource provides the address table and body parts for one MMS,
// keyed by the provider row id.
type MmsSource interface {
	AddressRows(id string) ([]AddrRow, error)
	BodyParts(id string) ([]PartRow, error)
}

// CallLogFilter is the configurable call-type enable set.
type CallLogFilter int

const (
	CallsEverything CallLogFilter = iota
	CallsMissed
	CallsIncoming
	CallsOutgoing
	CallsIncomingOutgoing
)

// Enabled reports whether entries of the given call type are backed up.
func (f CallLogFilter) Enabled(callType int) bool {
	switch f {
	case CallsOutgoing:
		return callType == record.CallOutgoing
	case CallsIncoming:
		return callType == record.CallIncoming
	case CallsMissed:
		return callType == record.CallMissed
	case CallsIncomingOutgoing:
		return callType != record.CallMissed
	default:
		return true
	}
}

// AllowList restricts backup to a set of contact identity keys. A nil
// list allows everyone.
type AllowList map[string]bool

// Allows reports whether the resolved identity passes the filter.
func (a AllowList) Allows(p contacts.PersonRecord) bool {
	if a == nil {
		return true
	}
	return a[p.IdentityKey()]
}

// GeneratorConfig carries the knobs for outbound conversion.
type GeneratorConfig struct {
	UserAddress   *mail.Address
	AddressStyle  contacts.AddressStyle
	SubjectPrefix bool
	Allowed       AllowList
	CallLogTypes  CallLogFilter
}

// Generator maps records to outbound messages, one data type at a time.
// A nil message with a nil error means the record was deliberately
// dropped (empty address, filtered contact, disabled call type).
type Generator struct {
	cfg     GeneratorConfig
	headers *HeaderGenerator
	lookup  *contacts.PersonLookup
	mms     MmsSource
	log     *zap.Logger
	now     func() time.Time
}

func NewGenerator(cfg GeneratorConfig, headers *HeaderGenerator, lookup *contacts.PersonLookup, mms MmsSource, log *zap.Logger) *Generator {
	return &Generator{cfg: cfg, headers: headers, lookup: lookup, mms: mms, log: log, now: time.Now}
}

// MessageFor dispatches on the record's data type.
func (g *Generator) MessageFor(rec record.Record) (*Message, error) {
	switch rec.Type {
	case record.SMS:
		return g.fromSms(rec)
	case record.MMS:
		return g.fromMms(rec)
	case record.CallLog:
		return g.fromCallLog(rec)
	default:
		return nil, fmt.Errorf("unknown data type %q", rec.Type)
	}
}

func (g *Generator) fromSms(rec record.Record) (*Message, error) {
	address := rec.Get(record.FieldAddress)
	if address == "" {
		return nil, nil
	}
	person := g.lookup.LookupPerson(address)
	if !g.cfg.Allowed.Allows(person) {
		return nil, nil
	}

	msg := NewMessage()
	msg.Header.SetSubject(g.subject(record.SMS, person))
	msg.Parts = []Part{{ContentType: "text/plain", Text: rec.Get(record.FieldBody)}}

	subtype := rec.GetInt(record.FieldType)
	if subtype == record.SmsTypeInbox {
		// Received message
		msg.Header.SetAddressList("From", []*mail.Address{person.Address(g.cfg.AddressStyle)})
		msg.Header.SetAddressList("To", []*mail.Address{g.cfg.UserAddress})
	} else {
		// Sent message
		msg.Header.SetAddressList("From", []*mail.Address{g.cfg.UserAddress})
		msg.Header.SetAddressList("To", []*mail.Address{person.Address(g.cfg.AddressStyle)})
	}

	g.headers.SetHeaders(&msg.Header, rec, address, person, g.sentDate(rec), subtype)
	return msg, nil
}

// mmsDetails is the resolved participant view of one MMS.
type mmsDetails struct {
	inbound    bool
	recipients []contacts.PersonRecord
	address    string
}

func (g *Generator) mmsDetails(rec record.Record) (mmsDetails, error) {
	rows, err := g.mms.AddressRows(rec.Get(record.FieldID))
	if err != nil {
		return mmsDetails{}, err
	}
	details := mmsDetails{inbound: true}
	for _, row := range rows {
		if row.Address == record.InsertAddressToken {
			// Placeholder row for the device's own address: outbound.
			details.inbound = false
			continue
		}
		if details.address == "" {
			details.address = row.Address
		}
		if row.Type == PduFrom || row.Type == PduTo || row.Type == PduCc || row.Type == 0 {
			details.recipients = append(details.recipients, g.lookup.LookupPerson(row.Address))
		}
	}
	// The message box column is authoritative when set.
	switch rec.GetInt(record.FieldMessageBox) {
	case record.MmsBoxInbox:
		details.inbound = true
	case record.MmsBoxSent:
		details.inbound = false
	}
	return details, nil
}

func (g *Generator) fromMms(rec record.Record) (*Message, error) {
	details, err := g.mmsDetails(rec)
	if err != nil {
		return nil, err
	}
	if len(details.recipients) == 0 {
		g.log.Warn("mms has no recipients", zap.String("id", rec.Get(record.FieldID)))
		return nil, nil
	}
	included := false
	for _, p := range details.recipients {
		if g.cfg.Allowed.Allows(p) {
			included = true
			break
		}
	}
	if !included {
		return nil, nil
	}

	msg := NewMessage()
	first := details.recipients[0]
	msg.Header.SetSubject(g.subject(record.MMS, first))

	if details.inbound {
		msg.Header.SetAddressList("From", []*mail.Address{first.Address(g.cfg.AddressStyle)})
		msg.Header.SetAddressList("To", []*mail.Address{g.cfg.UserAddress})
	} else {
		to := make([]*mail.Address, 0, len(details.recipients))
		for _, p := range details.recipients {
			to = append(to, p.Address(g.cfg.AddressStyle))
		}
		msg.Header.SetAddressList("From", []*mail.Address{g.cfg.UserAddress})
		msg.Header.SetAddressList("To", to)
	}

	parts, err := g.mms.BodyParts(rec.Get(record.FieldID))
	if err != nil {
		return nil, err
	}
	for _, p := range parts {
		switch {
		case strings.HasPrefix(p.ContentType, "text/") && p.Text != "":
			msg.Parts = append(msg.Parts, Part{ContentType: p.ContentType, Text: p.Text})
		case strings.EqualFold(p.ContentType, "application/smil"):
			// presentation markup, not worth keeping
		default:
			msg.Parts = append(msg.Parts, Part{ContentType: p.ContentType, Filename: p.Filename, Data: p.Data})
		}
	}

	g.headers.SetHeaders(&msg.Header, rec, details.address, first, g.sentDate(rec), rec.GetInt(record.FieldMessageBox))
	return msg, nil
}

func (g *Generator) fromCallLog(rec record.Record) (*Message, error) {
	address := rec.Get(record.FieldNumber)
	callType := rec.GetInt(record.FieldCallType)

	if !g.cfg.CallLogTypes.Enabled(callType) {
		return nil, nil
	}
	person := g.lookup.LookupPerson(address)
	if !g.cfg.Allowed.Allows(person) {
		return nil, nil
	}

	msg := NewMessage()
	msg.Header.SetSubject(g.subject(record.CallLog, person))

	switch callType {
	case record.CallOutgoing:
		msg.Header.SetAddressList("From", []*mail.Address{g.cfg.UserAddress})
		msg.Header.SetAddressList("To", []*mail.Address{person.Address(g.cfg.AddressStyle)})
	case record.CallIncoming, record.CallMissed, record.CallRejected, record.CallVoicemail:
		msg.Header.SetAddressList("From", []*mail.Address{person.Address(g.cfg.AddressStyle)})
		msg.Header.SetAddressList("To", []*mail.Address{g.cfg.UserAddress})
	default:
		// some phones put SMS rows in their call logs
		g.log.Warn("ignoring unknown call type", zap.Int("type", callType))
		return nil, nil
	}

	duration := rec.GetInt(record.FieldDuration)
	if duration < 0 {
		duration = 0
	}
	msg.Parts = []Part{{ContentType: "text/plain", Text: FormatCall(callType, person.DisplayNumber(), duration)}}

	g.headers.SetHeaders(&msg.Header, rec, address, person, g.sentDate(rec), callType)
	return msg, nil
}

func (g *Generator) sentDate(rec record.Record) time.Time {
	millis := rec.DateMillis()
	if millis <= 0 {
		return g.now()
	}
	return time.UnixMilli(millis)
}

var typeNames = map[record.DataType]string{
	record.SMS:     "SMS",
	record.MMS:     "MMS",
	record.CallLog: "Call",
}

func (g *Generator) subject(t record.DataType, person contacts.PersonRecord) string {
	if g.cfg.SubjectPrefix {
		return fmt.Sprintf("[%s] %s", record.InfoFor(t).DefaultFolder, person.DisplayName())
	}
	return fmt.Sprintf("%s with %s", typeNames[t], person.DisplayName())
}
