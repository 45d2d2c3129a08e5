// Package smtperror classifies SMTP probe failures into the fixed error
// taxonomy surfaced in verification records. Kinds are strings, not types:
// they end up verbatim in the per-email error_msg field.
package smtperror

// Kind is one entry of the fixed error taxonomy.
type Kind string

const (
	KindTimeout            Kind = "timeout"
	KindNoSuchHost         Kind = "no such host"
	KindServerUnavailable  Kind = "server unavailable"
	KindBlocked            Kind = "blocked"
	KindTryAgainLater      Kind = "try again later"
	KindFullInbox          Kind = "full inbox"
	KindTooManyRCPT        Kind = "too many RCPT"
	KindNoRelay            Kind = "no relay"
	KindMailboxBusy        Kind = "mailbox busy"
	KindExceededLimits     Kind = "exceeded messaging limits"
	KindNotAllowed         Kind = "not allowed"
	KindNeedMAILBeforeRCPT Kind = "need MAIL before RCPT"
	KindRecipientMoved     Kind = "recipient has moved"

	// Kinds consumed internally by the prober, never written to error_msg:
	// they map onto dedicated record fields instead.
	KindNoSuchUser      Kind = "no such user"
	KindMailboxDisabled Kind = "mailbox disabled"
)

// Classification is the prober-facing interpretation of one SMTP failure.
type Classification struct {
	Kind Kind

	// Greylisted means the server asked us to come back later: the email is
	// reported to the controller as greylisted instead of producing a record.
	Greylisted bool

	// Permanent marks a 5xx verdict about the recipient itself
	// (no such user, disabled, full inbox): reachable=no, no retry.
	Permanent bool

	// FullInbox, Disabled and NoSuchUser select the record field the verdict
	// lands on.
	FullInbox  bool
	Disabled   bool
	NoSuchUser bool

	// Blocked means the probe host itself was refused (blacklisted); the
	// request-level blacklist flag is raised.
	Blocked bool
}
