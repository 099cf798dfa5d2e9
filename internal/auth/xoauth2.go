// Package auth implements XOAUTH2 authentication for IMAP plus token
// refresh on top of oauth2.
package auth

import (
	"encoding/json"
	"fmt"

	"github.com/emersion/go-sasl"
)

// TokenAuthError is the structured failure the server sends as a base64
// JSON challenge when an XOAUTH2 exchange is rejected. Status 400 means
// the access token itself was rejected and a refresh may help.
type TokenAuthError struct {
	Status  string `json:"status"`
	Schemes string `json:"schemes"`
	Scope   string `json:"scope"`
}

func (e *TokenAuthError) Error() string {
	return fmt.Sprintf("xoauth2 authentication failed (status %s)", e.Status)
}

// TokenRejected reports whether the failure is the recoverable kind:
// a stale access token that a refresh can replace.
func (e *TokenAuthError) TokenRejected() bool { return e.Status == "400" }

type xoauth2Client struct {
	username string
	token    string
	done     bool
}

// NewXoauth2Client returns a sasl.Client for the XOAUTH2 mechanism.
// A non-empty server challenge is decoded into a TokenAuthError so the
// caller can distinguish a stale token from other failures.
func NewXoauth2Client(username, token string) sasl.Client {
	return &xoauth2Client{username: username, token: token}
}

func (c *xoauth2Client) Start() (mech string, ir []byte, err error) {
	ir = []byte(fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", c.username, c.token))
	return "XOAUTH2", ir, nil
}

func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	if c.done || len(challenge) == 0 {
		return nil, sasl.ErrUnexpectedServerChallenge
	}
	c.done = true
	authErr := &TokenAuthError{}
	if err := json.Unmarshal(challenge, authErr); err != nil {
		return nil, fmt.Errorf("malformed xoauth2 challenge: %w", err)
	}
	// The protocol wants an empty response before the server sends its
	// final NO; surface the decoded error instead and let the dial fail.
	return nil, authErr
}
