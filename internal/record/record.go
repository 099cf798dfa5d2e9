// Package record holds the semantic model for one phone-originated item:
// an SMS, an MMS or a call-log entry, represented as a flat field map
// tagged with its data type.
package record

import "strconv"

// DataType tags a record with the provider it came from.
type DataType string

const (
	SMS     DataType = "SMS"
	MMS     DataType = "MMS"
	CallLog DataType = "CALLLOG"
)

// BackupOrder is the fixed priority order used when a shared batch budget
// is split across types.
var BackupOrder = []DataType{SMS, MMS, CallLog}

// Info is the static per-type data table: default folder, default
// enablement and the watermark key. One row per data type instead of an
// enum with embedded behavior.
type Info struct {
	DefaultFolder    string
	BackupByDefault  bool
	RestoreByDefault bool
	WatermarkKey     string
}

var infos = map[DataType]Info{
	SMS:     {DefaultFolder: "SMS", BackupByDefault: true, RestoreByDefault: true, WatermarkKey: "max_synced_date"},
	MMS:     {DefaultFolder: "SMS", BackupByDefault: true, RestoreByDefault: false, WatermarkKey: "max_synced_date_mms"},
	CallLog: {DefaultFolder: "Call log", BackupByDefault: false, RestoreByDefault: true, WatermarkKey: "max_synced_date_calllog"},
}

// InfoFor returns the static table row for a data type.
func InfoFor(t DataType) Info { return infos[t] }

// Valid reports whether s names a known data type.
func Valid(s string) (DataType, bool) {
	switch DataType(s) {
	case SMS, MMS, CallLog:
		return DataType(s), true
	}
	return "", false
}

// Common provider column names. These match the Android telephony and
// call-log providers so that backed up headers stay compatible with
// existing SMS Backup+ archives.
const (
	FieldID            = "_id"
	FieldAddress       = "address"
	FieldBody          = "body"
	FieldDate          = "date"
	FieldType          = "type"
	FieldThreadID      = "thread_id"
	FieldRead          = "read"
	FieldStatus        = "status"
	FieldProtocol      = "protocol"
	FieldServiceCenter = "service_center"
	FieldPerson        = "person"

	// MMS specific
	FieldMessageBox = "msg_box"

	// Call log specific
	FieldNumber   = "number"
	FieldDuration = "duration"
	FieldCallType = "type"
	FieldNew      = "new"
	FieldName     = "name"
	FieldNumType  = "numbertype"
)

// SMS message types (TextBasedSmsColumns.MESSAGE_TYPE_*).
const (
	SmsTypeAll    = 0
	SmsTypeInbox  = 1
	SmsTypeSent   = 2
	SmsTypeDraft  = 3
	SmsTypeOutbox = 4
	SmsTypeFailed = 5
	SmsTypeQueued = 6
)

// MMS message box values.
const (
	MmsBoxInbox = 1
	MmsBoxSent  = 2
)

// InsertAddressToken is the reserved placeholder row the MMS provider
// stores for the device's own address on outbound messages.
const InsertAddressToken = "insert-address-token"

// Call types (CallLog.Calls.*_TYPE).
const (
	CallIncoming  = 1
	CallOutgoing  = 2
	CallMissed    = 3
	CallVoicemail = 4
	CallRejected  = 5
)

// Record is one row materialized from a local provider, immutable once
// built. Values are kept as strings, mirroring the cursor they came from.
type Record struct {
	Type   DataType
	Fields map[string]string
}

// New builds a record of the given type from a field map.
func New(t DataType, fields map[string]string) Record {
	return Record{Type: t, Fields: fields}
}

// Get returns the named field, or "" when absent.
func (r Record) Get(name string) string { return r.Fields[name] }

// GetInt returns the named field parsed as an int, or -1 when absent or
// malformed, matching the lenient parsing the providers require.
func (r Record) GetInt(name string) int {
	n, err := strconv.Atoi(r.Fields[name])
	if err != nil {
		return -1
	}
	return n
}

// GetInt64 returns the named field parsed as int64, or 0 when absent or
// malformed.
func (r Record) GetInt64(name string) int64 {
	n, err := strconv.ParseInt(r.Fields[name], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// DateMillis returns the record timestamp in milliseconds since epoch.
// The MMS provider stores dates in seconds; everything else in millis.
func (r Record) DateMillis() int64 {
	d := r.GetInt64(FieldDate)
	if r.Type == MMS {
		return d * 1000
	}
	return d
}
