package domain

import (
	"context"
	"time"
)

// Reachable is the probe's overall verdict for one email.
type Reachable string

const (
	ReachableYes     Reachable = "yes"
	ReachableNo      Reachable = "no"
	ReachableUnknown Reachable = "unknown"
)

// SyntaxCheck is the RFC-style local/domain split of the address.
type SyntaxCheck struct {
	Username string `json:"username"`
	Domain   string `json:"domain"`
	Valid    bool   `json:"valid"`
}

// SMTPCheck holds the evidence gathered from the RCPT dialogue.
type SMTPCheck struct {
	HostExists  bool `json:"host_exists"`
	FullInbox   bool `json:"full_inbox"`
	CatchAll    bool `json:"catch_all"`
	Deliverable bool `json:"deliverable"`
	Disabled    bool `json:"disabled"`
}

// MXRecord is one DNS MX entry, lowest preference first in the record list.
type MXRecord struct {
	Host string `json:"host"`
	Pref uint16 `json:"pref"`
}

// VerificationRecord is the per-email result of one probe.
type VerificationRecord struct {
	Email        string      `json:"email"`
	Reachable    Reachable   `json:"reachable"`
	Syntax       SyntaxCheck `json:"syntax"`
	SMTP         SMTPCheck   `json:"smtp"`
	HasMXRecords bool        `json:"has_mx_records"`
	MX           []MXRecord  `json:"mx,omitempty"`
	Disposable   bool        `json:"disposable"`
	RoleAccount  bool        `json:"role_account"`
	Free         bool        `json:"free"`
	Gravatar     bool        `json:"gravatar"`
	Suggestion   string      `json:"suggestion,omitempty"`
	Error        bool        `json:"error"`
	ErrorMsg     string      `json:"error_msg,omitempty"`
	CheckedAt    time.Time   `json:"checked_at"`
}

// Prober performs a single DNS + SMTP dialogue for one email. It is stateless
// and safe for concurrent use. The second return value signals a greylist
// response: the record must not be published and the email goes to the
// anti-greylisting store instead.
type Prober interface {
	Probe(ctx context.Context, email string) (*VerificationRecord, bool)
}
