// Package contacts resolves phone numbers to display identities for
// message From/To construction and threading.
package contacts

import (
	"fmt"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/emersion/go-message/mail"
)

const (
	unknownNumber = "unknown.number"
	unknownEmail  = "unknown.email"

	// cacheSize bounds the lookup cache; eviction is LRU.
	cacheSize = 500
)

var controlChars = regexp.MustCompile(`\p{Cc}`)

// Sanitize strips control characters so a value can be embedded in a MIME
// header.
func Sanitize(s string) string {
	return controlChars.ReplaceAllString(s, "")
}

// AddressStyle selects how a contact is rendered in the display-name part
// of an email address.
type AddressStyle int

const (
	StyleName AddressStyle = iota
	StyleNameAndNumber
	StyleNumber
)

// PersonRecord is a resolved contact. ID <= 0 means no directory match was
// found; the raw number then serves as the identity key.
type PersonRecord struct {
	ID     int64
	Name   string
	Email  string
	Number string
}

// NewPersonRecord sanitizes all fields on construction; records are never
// mutated afterwards.
func NewPersonRecord(id int64, name, email, number string) PersonRecord {
	return PersonRecord{
		ID:     id,
		Name:   Sanitize(name),
		Email:  Sanitize(email),
		Number: Sanitize(number),
	}
}

// Unknown builds the record used when no contact-directory match exists.
func Unknown(number string) PersonRecord {
	return NewPersonRecord(0, "", "", number)
}

func (p PersonRecord) IsUnknown() bool { return p.ID <= 0 }

// IdentityKey is the stable key used for threading and cache correlation:
// the contact id when known, the raw number otherwise.
func (p PersonRecord) IdentityKey() string {
	if p.IsUnknown() {
		return p.Number
	}
	return fmt.Sprintf("%d", p.ID)
}

// DisplayNumber hides provider sentinels (-1, -2) behind "Unknown".
func (p PersonRecord) DisplayNumber() string {
	if p.Number == "" || p.Number == "-1" || p.Number == "-2" {
		return "Unknown"
	}
	return p.Number
}

// DisplayName falls back to the number when the directory had no name.
func (p PersonRecord) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.DisplayNumber()
}

// EmailAddress returns the contact's mail address, synthesizing one under
// the unknown.email domain when none is known.
func (p PersonRecord) EmailAddress() string {
	if p.IsUnknown() || p.Email == "" {
		no := p.Number
		if no == "" || no == "-1" {
			no = unknownNumber
		}
		return encodeLocal(strings.TrimSpace(no)) + "@" + unknownEmail
	}
	return p.Email
}

// Address renders the contact as a mail address in the given style.
func (p PersonRecord) Address(style AddressStyle) *mail.Address {
	var name string
	switch style {
	case StyleNumber:
		name = p.DisplayNumber()
	case StyleNameAndNumber:
		if p.Name != "" {
			name = fmt.Sprintf("%s (%s)", p.DisplayName(), p.DisplayNumber())
		} else {
			name = p.DisplayNumber()
		}
	case StyleName:
		name = p.DisplayName()
	}
	return &mail.Address{Name: name, Address: p.EmailAddress()}
}

// encodeLocal quotes a string so it is a valid local part.
func encodeLocal(s string) string {
	if s == "" {
		return s
	}
	ok := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' ||
			strings.ContainsRune("!#$%&'*+-/=?^_`{|}~.", r)) {
			ok = false
			break
		}
	}
	if ok && !strings.HasPrefix(s, ".") && !strings.HasSuffix(s, ".") {
		return s
	}
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}

// DirectoryEntry is a raw directory hit for a phone number.
type DirectoryEntry struct {
	ID     int64
	Name   string
	Emails []string // ordered by preference as stored
}

// Directory is the contact-directory collaborator. Implementations may
// fail for malformed numbers; PersonLookup absorbs those failures.
type Directory interface {
	LookupNumber(number string) (*DirectoryEntry, error)
}

// PersonLookup caches directory lookups behind a fixed-size LRU.
type PersonLookup struct {
	dir   Directory
	cache *lru.Cache[string, PersonRecord]
	log   *zap.Logger
}

func NewPersonLookup(dir Directory, log *zap.Logger) *PersonLookup {
	cache, _ := lru.New[string, PersonRecord](cacheSize)
	return &PersonLookup{dir: dir, cache: cache, log: log}
}

// LookupPerson resolves an address to an identity. The empty address maps
// to a canonical placeholder and is not cached. Directory errors degrade
// to an unknown identity; a lookup never aborts the surrounding run.
func (l *PersonLookup) LookupPerson(address string) PersonRecord {
	if address == "" {
		return NewPersonRecord(0, "", "", "-1")
	}
	if rec, ok := l.cache.Get(address); ok {
		return rec
	}
	rec := l.resolve(address)
	l.cache.Add(address, rec)
	return rec
}

// Purge empties the cache. Long batch runs call this periodically so a
// stale directory entry cannot outlive the batch it was resolved in.
func (l *PersonLookup) Purge() {
	l.cache.Purge()
}

func (l *PersonLookup) resolve(address string) PersonRecord {
	entry, err := l.dir.LookupNumber(address)
	if err != nil {
		// Seen with malformed numbers on some backends.
		l.log.Warn("contact lookup failed", zap.String("address", address), zap.Error(err))
		return Unknown(address)
	}
	if entry == nil {
		return Unknown(address)
	}
	return NewPersonRecord(entry.ID, entry.Name, pickEmail(entry.Emails), address)
}

// pickEmail prefers a personal-mail address over anything else, falling
// back to the first one found.
func pickEmail(emails []string) string {
	picked := ""
	for _, e := range emails {
		if picked == "" {
			picked = e
		}
		if isGmailAddress(e) {
			return e
		}
	}
	return picked
}

func isGmailAddress(email string) bool {
	e := strings.ToLower(email)
	return strings.HasSuffix(e, "gmail.com") || strings.HasSuffix(e, "googlemail.com")
}
