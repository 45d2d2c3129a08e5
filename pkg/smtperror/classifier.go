package smtperror

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/emersion/go-smtp"
)

// Pattern lists below follow the usual wording of the big providers; reply
// codes are checked first, message text second.

var noSuchUserPatterns = []string{
	"no such user",
	"user unknown",
	"unknown user",
	"mailbox unavailable",
	"mailbox not found",
	"recipient rejected",
	"does not exist",
	"invalid recipient",
	"recipient address rejected",
	"address rejected",
}

var fullInboxPatterns = []string{
	"mailbox full",
	"over quota",
	"quota exceeded",
	"insufficient system storage",
	"storage exceeded",
}

var disabledPatterns = []string{
	"mailbox disabled",
	"account disabled",
	"account inactive",
	"mailbox is disabled",
	"address no longer accepts mail",
	"user suspended",
}

var blockedPatterns = []string{
	"blocked using",
	"blacklisted",
	"black list",
	"listed in",
	"spamhaus",
	"blocked by",
	"access denied",
	"poor reputation",
	"refused by recipient",
}

var greylistPatterns = []string{
	"try again later",
	"try later",
	"greylist",
	"greylisted",
	"temporarily deferred",
	"temporarily rejected",
	"temporary failure",
	"please retry",
	"throttl",
	"rate limit",
}

var tooManyRCPTPatterns = []string{
	"too many recipients",
	"too many rcpt",
}

var noRelayPatterns = []string{
	"relay access denied",
	"relaying denied",
	"not permitted to relay",
	"relay not permitted",
}

var movedPatterns = []string{
	"user has moved",
	"has moved",
	"please try",
}

var exceededLimitPatterns = []string{
	"exceeded messaging limits",
	"exceeded the message rate limit",
	"sending limit exceeded",
}

var needMailPatterns = []string{
	"need mail before rcpt",
	"need mail command",
	"bad sequence of commands",
}

// Classify interprets a failure from the RCPT dialogue or the surrounding
// network I/O. It never returns a zero Kind.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Kind: KindServerUnavailable}
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return classifyReply(smtpErr)
	}

	return classifyNetwork(err)
}

// classifyReply handles a structured SMTP reply.
func classifyReply(reply *smtp.SMTPError) Classification {
	msg := strings.ToLower(reply.Message)

	if reply.Code >= 500 {
		switch {
		// Relay denials first: "relay access denied" would otherwise match
		// the blocked patterns.
		case containsAny(msg, noRelayPatterns):
			return Classification{Kind: KindNoRelay}
		case containsAny(msg, blockedPatterns):
			return Classification{Kind: KindBlocked, Blocked: true}
		case containsAny(msg, fullInboxPatterns) || reply.Code == 552 || enhanced(reply, 5, 2, 2):
			return Classification{Kind: KindFullInbox, Permanent: true, FullInbox: true}
		case containsAny(msg, disabledPatterns) || enhanced(reply, 5, 2, 1):
			return Classification{Kind: KindMailboxDisabled, Permanent: true, Disabled: true}
		case containsAny(msg, needMailPatterns) || reply.Code == 503:
			return Classification{Kind: KindNeedMAILBeforeRCPT}
		case reply.Code == 551 || containsAny(msg, movedPatterns):
			return Classification{Kind: KindRecipientMoved, Permanent: true, NoSuchUser: true}
		case reply.Code == 553 || containsAny(msg, []string{"not allowed"}):
			return Classification{Kind: KindNotAllowed, Permanent: true, NoSuchUser: true}
		case containsAny(msg, exceededLimitPatterns):
			return Classification{Kind: KindExceededLimits}
		case containsAny(msg, noSuchUserPatterns), reply.Code == 550, enhanced(reply, 5, 1, 1):
			return Classification{Kind: KindNoSuchUser, Permanent: true, NoSuchUser: true}
		default:
			return Classification{Kind: KindNoSuchUser, Permanent: true, NoSuchUser: true}
		}
	}

	if reply.Code >= 400 {
		switch {
		case containsAny(msg, blockedPatterns):
			return Classification{Kind: KindBlocked, Blocked: true}
		case containsAny(msg, tooManyRCPTPatterns):
			return Classification{Kind: KindTooManyRCPT, Greylisted: true}
		case containsAny(msg, fullInboxPatterns):
			// 4xx over-quota: some servers soft-fail a full mailbox.
			return Classification{Kind: KindFullInbox, Permanent: true, FullInbox: true}
		case containsAny(msg, exceededLimitPatterns):
			return Classification{Kind: KindExceededLimits, Greylisted: true}
		case reply.Code == 450 || containsAny(msg, []string{"mailbox busy", "busy"}):
			return Classification{Kind: KindMailboxBusy, Greylisted: true}
		case reply.Code == 421:
			return Classification{Kind: KindServerUnavailable, Greylisted: true}
		default:
			// 451 and the rest of the 4xx family: deferred, come back later.
			return Classification{Kind: KindTryAgainLater, Greylisted: true}
		}
	}

	return Classification{Kind: KindServerUnavailable}
}

// classifyNetwork handles dial, DNS and deadline failures.
func classifyNetwork(err error) Classification {
	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{Kind: KindTimeout}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return Classification{Kind: KindNoSuchHost}
		}
		if dnsErr.IsTimeout {
			return Classification{Kind: KindTimeout}
		}
		return Classification{Kind: KindServerUnavailable}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Classification{Kind: KindTimeout}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such host"):
		return Classification{Kind: KindNoSuchHost}
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return Classification{Kind: KindTimeout}
	case containsAny(msg, blockedPatterns):
		return Classification{Kind: KindBlocked, Blocked: true}
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"):
		return Classification{Kind: KindServerUnavailable}
	default:
		return Classification{Kind: KindServerUnavailable}
	}
}

func enhanced(reply *smtp.SMTPError, a, b, c int) bool {
	return reply.EnhancedCode[0] == a && reply.EnhancedCode[1] == b && reply.EnhancedCode[2] == c
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
