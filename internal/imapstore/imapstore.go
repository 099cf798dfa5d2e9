// Package imapstore talks to the remote IMAP archive: one folder per
// data type, append on backup, search and fetch on restore.
package imapstore

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/yourname/smsvault/internal/auth"
	smail "github.com/yourname/smsvault/internal/mail"
	"github.com/yourname/smsvault/internal/record"
)

// Config describes one IMAP account. When Tokens is set the connection
// authenticates with XOAUTH2, otherwise with LOGIN.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Tokens   auth.TokenProvider
	StartTLS bool
	TLS      *tls.Config
}

func (c Config) addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// Client is a logged-in IMAP connection.
type Client struct {
	c   *client.Client
	log *zap.Logger
}

// DialAndLogin connects and authenticates. An XOAUTH2 rejection caused by
// a stale access token surfaces as *auth.TokenAuthError so the caller can
// refresh and retry.
func DialAndLogin(ctx context.Context, cfg Config, log *zap.Logger) (*Client, error) {
	var c *client.Client
	var err error
	if cfg.StartTLS {
		// Plain connection, then upgrade with STARTTLS
		c, err = client.Dial(cfg.addr())
		if err != nil {
			return nil, errors.Wrap(err, "dial")
		}
		if err := c.StartTLS(cfg.TLS); err != nil {
			_ = c.Logout()
			return nil, errors.Wrap(err, "starttls")
		}
	} else {
		c, err = client.DialTLS(cfg.addr(), cfg.TLS)
		if err != nil {
			return nil, errors.Wrap(err, "dial")
		}
	}
	// Enable raw IMAP wire debug if requested via environment variable
	if os.Getenv("SMSVAULT_IMAP_DEBUG") == "1" {
		c.SetDebug(os.Stderr)
	}

	if cfg.Tokens != nil {
		tok, err := cfg.Tokens.AccessToken(ctx)
		if err != nil {
			_ = c.Logout()
			return nil, err
		}
		if err := c.Authenticate(auth.NewXoauth2Client(cfg.User, tok)); err != nil {
			_ = c.Logout()
			var tokenErr *auth.TokenAuthError
			if errors.As(err, &tokenErr) {
				return nil, tokenErr
			}
			return nil, errors.Wrap(err, "xoauth2 authenticate")
		}
	} else {
		if err := c.Login(cfg.User, cfg.Password); err != nil {
			_ = c.Logout()
			return nil, errors.Wrap(err, "login")
		}
	}
	return &Client{c: c, log: log}, nil
}

// Logout ends the session.
func (cl *Client) Logout() error { return cl.c.Logout() }

// Folder is a selected mailbox holding backup messages.
type Folder struct {
	c    *client.Client
	Name string
	log  *zap.Logger
}

// OpenFolder selects a mailbox read-write, creating it first when it does
// not exist yet.
func (cl *Client) OpenFolder(name string) (*Folder, error) {
	if _, err := cl.c.Select(name, false); err != nil {
		if err := cl.c.Create(name); err != nil {
			// Races with another client creating the same mailbox.
			if _, selErr := cl.c.Select(name, false); selErr != nil {
				return nil, errors.Wrapf(err, "create mailbox %q", name)
			}
			return &Folder{c: cl.c, Name: name, log: cl.log}, nil
		}
		if _, err := cl.c.Select(name, false); err != nil {
			return nil, errors.Wrapf(err, "select mailbox %q", name)
		}
	}
	return &Folder{c: cl.c, Name: name, log: cl.log}, nil
}

// Close deselects the mailbox without expunging.
func (f *Folder) Close() error { return f.c.Close() }

// ensureSelected re-selects the folder's mailbox when another folder on
// the same connection was selected in the meantime.
func (f *Folder) ensureSelected() error {
	if mbox := f.c.Mailbox(); mbox != nil && mbox.Name == f.Name {
		return nil
	}
	if _, err := f.c.Select(f.Name, false); err != nil {
		return errors.Wrapf(err, "select mailbox %q", f.Name)
	}
	return nil
}

// Append stores one backup message, setting \Seen per the message and
// the internal date to the record's sent date.
func (f *Folder) Append(msg *smail.Message) error {
	var flags []string
	if msg.Seen {
		flags = append(flags, imap.SeenFlag)
	}
	b, err := msg.Bytes()
	if err != nil {
		return errors.Wrap(err, "serialize message")
	}
	if err := f.c.Append(f.Name, flags, msg.SentDate(), bytes.NewBuffer(b)); err != nil {
		return errors.Wrap(err, "append")
	}
	return nil
}

// SearchBackupMessages finds the UIDs of restorable messages of one data
// type: not deleted, optionally only starred ones, optionally only those
// sent after a cutoff.
func (f *Folder) SearchBackupMessages(t record.DataType, sentSince time.Time, flaggedOnly bool) ([]uint32, error) {
	if err := f.ensureSelected(); err != nil {
		return nil, err
	}
	criteria := imap.NewSearchCriteria()
	criteria.Header.Add(smail.HeaderDataType, string(t))
	criteria.WithoutFlags = []string{imap.DeletedFlag}
	if flaggedOnly {
		criteria.WithFlags = []string{imap.FlaggedFlag}
	}
	if !sentSince.IsZero() {
		criteria.SentSince = sentSince
	}
	uids, err := f.c.UidSearch(criteria)
	if err != nil {
		return nil, errors.Wrap(err, "uid search")
	}
	return uids, nil
}

// Candidate is one restorable message known by UID and envelope date.
type Candidate struct {
	UID  uint32
	Sent time.Time
}

// FetchEnvelopes loads the envelope dates for a UID set.
func (f *Folder) FetchEnvelopes(uids []uint32) ([]Candidate, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	if err := f.ensureSelected(); err != nil {
		return nil, err
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid}
	ch := make(chan *imap.Message, 32)
	done := make(chan error, 1)
	go func() {
		done <- f.c.UidFetch(seqset, items, ch)
	}()
	var out []Candidate
	for msg := range ch {
		if msg == nil {
			continue
		}
		cand := Candidate{UID: msg.Uid}
		if msg.Envelope != nil {
			cand.Sent = msg.Envelope.Date
		}
		out = append(out, cand)
	}
	if err := <-done; err != nil {
		return nil, errors.Wrap(err, "fetch envelopes")
	}
	return out, nil
}

// SelectNewest orders candidates newest first, messages without a sent
// date sorting as oldest, and truncates to max (max <= 0 keeps all).
func SelectNewest(cands []Candidate, max int) []Candidate {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i].Sent, cands[j].Sent
		switch {
		case b.IsZero():
			return !a.IsZero()
		case a.IsZero():
			return false
		default:
			return a.After(b)
		}
	})
	if max > 0 && len(cands) > max {
		cands = cands[:max]
	}
	return cands
}

// Messages returns the newest restorable messages of one data type,
// truncated to max: search, envelope fetch, then sort and cut.
func (f *Folder) Messages(t record.DataType, max int, flaggedOnly bool, sentSince time.Time) ([]Candidate, error) {
	uids, err := f.SearchBackupMessages(t, sentSince, flaggedOnly)
	if err != nil {
		return nil, err
	}
	cands, err := f.FetchEnvelopes(uids)
	if err != nil {
		return nil, err
	}
	return SelectNewest(cands, max), nil
}

// FetchBody loads the raw RFC 2822 content of one message. UIDs are only
// meaningful relative to the folder's own mailbox, so the mailbox is
// re-selected first if needed.
func (f *Folder) FetchBody(uid uint32) ([]byte, error) {
	if err := f.ensureSelected(); err != nil {
		return nil, err
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchUid}
	ch := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- f.c.UidFetch(seqset, items, ch)
	}()
	var body []byte
	for msg := range ch {
		if msg == nil {
			continue
		}
		if lit := msg.GetBody(section); lit != nil {
			b, err := io.ReadAll(lit)
			if err != nil {
				return nil, errors.Wrap(err, "read body literal")
			}
			body = b
		}
	}
	if err := <-done; err != nil {
		return nil, errors.Wrap(err, "fetch body")
	}
	if body == nil {
		return nil, errors.Errorf("no body returned for uid %d", uid)
	}
	return body, nil
}
