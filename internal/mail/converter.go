package mail

import (
	"io"
	"strconv"

	gomsg "github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/yourname/smsvault/internal/record"

	"github.com/yourname/smsvault/internal/contacts"
)

// MarkAsRead is the policy for the \Seen flag on backed up messages.
type MarkAsRead int

const (
	// MarkReadAlways flags every backup message as read.
	MarkReadAlways MarkAsRead = iota
	// MarkReadNever leaves every backup message unread.
	MarkReadNever
	// MarkReadMessageStatus mirrors the record's native read flag for
	// SMS/MMS; call-log entries have no such concept and default to read.
	MarkReadMessageStatus
)

// ThreadResolver assigns a local conversation id to an address on
// restore. It is an optional platform capability; implementations may be
// entirely absent.
type ThreadResolver interface {
	GetOrCreateThreadID(address string) (int64, error)
}

// ErrMissingDataType marks a message without the datatype header, which
// cannot be restored.
var ErrMissingDataType = errors.New("missing datatype header")

// Converter is the bidirectional record<->message mapping.
type Converter struct {
	gen    *Generator
	lookup *contacts.PersonLookup

	markAs            MarkAsRead
	markReadOnRestore bool

	threads          ThreadResolver
	threadsAvailable bool

	log *zap.Logger
}

// NewConverter builds a converter. threads may be nil when the platform
// offers no thread resolution; restored SMS then carry no thread id.
func NewConverter(gen *Generator, lookup *contacts.PersonLookup, markAs MarkAsRead,
	markReadOnRestore bool, threads ThreadResolver, log *zap.Logger) *Converter {
	return &Converter{
		gen:               gen,
		lookup:            lookup,
		markAs:            markAs,
		markReadOnRestore: markReadOnRestore,
		threads:           threads,
		threadsAvailable:  threads != nil,
		log:               log,
	}
}

// Convert maps one record to an outbound message, applying the
// mark-as-read policy. A nil message means the record was dropped.
func (c *Converter) Convert(rec record.Record) (*Message, error) {
	msg, err := c.gen.MessageFor(rec)
	if err != nil || msg == nil {
		return msg, err
	}
	msg.Seen = c.markAsSeen(rec)
	return msg, nil
}

// ClearCaches drops the transient lookup state accumulated during a
// batch.
func (c *Converter) ClearCaches() {
	c.lookup.Purge()
}

func (c *Converter) markAsSeen(rec record.Record) bool {
	switch c.markAs {
	case MarkReadMessageStatus:
		switch rec.Type {
		case record.SMS, record.MMS:
			return rec.Get(record.FieldRead) == "1"
		default:
			return true
		}
	case MarkReadNever:
		return false
	default:
		return true
	}
}

// ParsedMessage is a fetched backup message decoded far enough for
// restore: headers plus the first inline text part.
type ParsedMessage struct {
	Header  mail.Header
	Body    string
	HasBody bool
}

// Parse decodes a raw RFC 2822 message.
func Parse(r io.Reader) (*ParsedMessage, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "parse message")
	}
	p := &ParsedMessage{Header: mr.Header}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !gomsg.IsUnknownCharset(err) {
			return nil, errors.Wrap(err, "parse part")
		}
		if _, ok := part.Header.(*mail.InlineHeader); ok && !p.HasBody {
			b, err := io.ReadAll(part.Body)
			if err != nil {
				return nil, errors.Wrap(err, "read body")
			}
			p.Body = string(b)
			p.HasBody = true
		}
	}
	return p, nil
}

// Get returns the first value of a custom header.
func (p *ParsedMessage) Get(name string) string {
	v, _ := p.Header.Text(name)
	return v
}

// DataTypeOf reads the datatype header. Its absence is a hard failure;
// such a message is not one of ours.
func (c *Converter) DataTypeOf(p *ParsedMessage) (record.DataType, error) {
	v := p.Get(HeaderDataType)
	if v == "" {
		return "", ErrMissingDataType
	}
	t, ok := record.Valid(v)
	if !ok {
		return "", errors.Errorf("unknown datatype header %q", v)
	}
	return t, nil
}

// RestoreRecord reverses the conversion: message headers and body back to
// an insertable record. Only SMS and call log are restorable.
func (c *Converter) RestoreRecord(p *ParsedMessage) (record.Record, error) {
	t, err := c.DataTypeOf(p)
	if err != nil {
		return record.Record{}, err
	}
	switch t {
	case record.SMS:
		return c.restoreSms(p)
	case record.CallLog:
		return c.restoreCallLog(p)
	default:
		return record.Record{}, errors.Errorf("don't know how to restore %s", t)
	}
}

func (c *Converter) restoreSms(p *ParsedMessage) (record.Record, error) {
	if !p.HasBody {
		return record.Record{}, errors.New("sms message has no body")
	}
	address := p.Get(HeaderAddress)
	fields := map[string]string{
		record.FieldBody:          p.Body,
		record.FieldAddress:       address,
		record.FieldType:          p.Get(HeaderType),
		record.FieldProtocol:      p.Get(HeaderProtocol),
		record.FieldServiceCenter: p.Get(HeaderServiceCenter),
		record.FieldDate:          p.Get(HeaderDate),
		record.FieldStatus:        p.Get(HeaderStatus),
	}
	// The backed up thread id belongs to another device; resolve a
	// local one instead.
	if id, ok := c.threadID(address); ok {
		fields[record.FieldThreadID] = strconv.FormatInt(id, 10)
	}
	if c.markReadOnRestore {
		fields[record.FieldRead] = "1"
	} else {
		fields[record.FieldRead] = p.Get(HeaderRead)
	}
	return record.New(record.SMS, fields), nil
}

// threadID consults the optional resolver. The first failure disables
// resolution for the rest of the run, not per item.
func (c *Converter) threadID(address string) (int64, bool) {
	if address == "" || !c.threadsAvailable {
		return 0, false
	}
	id, err := c.threads.GetOrCreateThreadID(address)
	if err != nil {
		c.log.Error("thread resolution unavailable", zap.Error(err))
		c.threadsAvailable = false
		return 0, false
	}
	return id, true
}

func (c *Converter) restoreCallLog(p *ParsedMessage) (record.Record, error) {
	number := p.Get(HeaderAddress)
	fields := map[string]string{
		record.FieldNumber:   number,
		record.FieldCallType: p.Get(HeaderType),
		record.FieldDate:     p.Get(HeaderDate),
		record.FieldDuration: p.Get(HeaderDuration),
		record.FieldNew:      "0",
	}
	if person := c.lookup.LookupPerson(number); !person.IsUnknown() {
		fields[record.FieldName] = person.DisplayName()
		fields[record.FieldNumType] = "-2"
	}
	return record.New(record.CallLog, fields), nil
}
