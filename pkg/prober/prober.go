// Package prober performs single-email deliverability probes: DNS MX
// resolution followed by an SMTP RCPT dialogue against the best MX host.
// No mail is ever delivered; the dialogue stops after RCPT TO.
package prober

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/mailprobe/mailprobe/internal/domain"
	"github.com/mailprobe/mailprobe/pkg/logger"
	"github.com/mailprobe/mailprobe/pkg/smtperror"
)

// Config holds the probe tunables.
type Config struct {
	// HelloHostname is the name announced in HELO/EHLO.
	HelloHostname string
	// FromAddress is the probe sender used in MAIL FROM.
	FromAddress string
	// ConnectTimeout bounds the TCP dial to the MX host.
	ConnectTimeout time.Duration
	// OperationTimeout bounds the whole SMTP dialogue once connected.
	OperationTimeout time.Duration
	// CheckCatchAll enables the extra RCPT to a random local part.
	CheckCatchAll bool
	// CheckGravatar enables the gravatar existence lookup.
	CheckGravatar bool
}

// DefaultConfig returns the probe defaults.
func DefaultConfig() Config {
	return Config{
		HelloHostname:    "localhost",
		FromAddress:      "probe@localhost",
		ConnectTimeout:   30 * time.Second,
		OperationTimeout: 60 * time.Second,
		CheckCatchAll:    true,
		CheckGravatar:    true,
	}
}

// Prober implements domain.Prober.
type Prober struct {
	config   Config
	resolver *net.Resolver
	dialer   *net.Dialer
	logger   logger.Logger
}

// New creates a Prober. A nil resolver uses the system resolver.
func New(config Config, log logger.Logger) *Prober {
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if config.OperationTimeout == 0 {
		config.OperationTimeout = 60 * time.Second
	}
	if config.HelloHostname == "" {
		config.HelloHostname = "localhost"
	}
	if config.FromAddress == "" {
		config.FromAddress = "probe@localhost"
	}
	return &Prober{
		config:   config,
		resolver: net.DefaultResolver,
		dialer:   &net.Dialer{Timeout: config.ConnectTimeout},
		logger:   log,
	}
}

// Probe runs the full state machine for one email. The boolean return is the
// greylist signal: when true the record must be discarded and the email
// scheduled for a deferred retry.
func (p *Prober) Probe(ctx context.Context, email string) (*domain.VerificationRecord, bool) {
	rec := &domain.VerificationRecord{
		Email:     email,
		Reachable: domain.ReachableUnknown,
		CheckedAt: time.Now().UTC(),
	}

	// Step 1: syntax.
	username, dom, ok := splitAddress(email)
	rec.Syntax = domain.SyntaxCheck{Username: username, Domain: dom, Valid: ok}
	if !ok {
		rec.Reachable = domain.ReachableNo
		return rec, false
	}

	rec.Disposable = IsDisposableDomain(dom)
	rec.Free = IsFreeDomain(dom)
	rec.RoleAccount = IsRoleAccount(username)
	rec.Suggestion = SuggestDomain(username, dom)
	if p.config.CheckGravatar {
		rec.Gravatar = p.hasGravatar(ctx, email)
	}

	// Step 2: MX lookup with A/AAAA fallback.
	mxHosts, err := p.lookupMX(ctx, dom)
	if err != nil || len(mxHosts) == 0 {
		rec.HasMXRecords = false
		rec.Reachable = domain.ReachableNo
		return rec, false
	}
	rec.HasMXRecords = true
	rec.MX = mxHosts

	// Steps 3-5: dialogue against the best MX.
	greylisted := p.dialogue(ctx, rec, username, dom, mxHosts[0].Host)
	return rec, greylisted
}

// dialogue connects to the MX host and walks HELO, MAIL FROM, RCPT TO and the
// optional catch-all probe. It fills rec in place and returns the greylist
// signal.
func (p *Prober) dialogue(ctx context.Context, rec *domain.VerificationRecord, username, dom, mxHost string) bool {
	client, err := p.connect(ctx, mxHost)
	if err != nil {
		p.applyFailure(rec, err)
		return false
	}
	defer client.Close()

	rec.SMTP.HostExists = true

	if err := client.Hello(p.config.HelloHostname); err != nil {
		return p.applyFailure(rec, err)
	}
	if err := client.Mail(p.config.FromAddress, nil); err != nil {
		return p.applyFailure(rec, err)
	}

	rcptErr := client.Rcpt(rec.Email, nil)
	if rcptErr != nil {
		greylisted := p.applyFailure(rec, rcptErr)
		client.Quit()
		return greylisted
	}

	// 2xx: deliverable.
	rec.SMTP.Deliverable = true
	rec.Reachable = domain.ReachableYes

	// Step 6: catch-all detection. An accepted random local part makes the
	// positive RCPT ambiguous, but the verdict stays yes.
	if p.config.CheckCatchAll {
		probe := randomLocalPart() + "@" + dom
		if err := client.Rcpt(probe, nil); err == nil {
			rec.SMTP.CatchAll = true
		}
	}

	client.Quit()
	return false
}

// connect dials the MX host on port 25 and wraps it in an SMTP client with an
// absolute deadline covering the whole dialogue.
func (p *Prober) connect(ctx context.Context, mxHost string) (*smtp.Client, error) {
	conn, err := p.dialer.DialContext(ctx, "tcp", net.JoinHostPort(mxHost, "25"))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", mxHost, err)
	}
	if err := conn.SetDeadline(time.Now().Add(p.config.OperationTimeout)); err != nil {
		conn.Close()
		return nil, err
	}
	return smtp.NewClient(conn), nil
}

// applyFailure folds a classified failure into the record and returns the
// greylist signal.
func (p *Prober) applyFailure(rec *domain.VerificationRecord, err error) bool {
	c := smtperror.Classify(err)

	if c.Greylisted {
		p.logger.WithFields(map[string]interface{}{
			"email": rec.Email,
			"kind":  string(c.Kind),
		}).Debug("Greylist response from server")
		return true
	}

	switch {
	case c.FullInbox:
		rec.SMTP.FullInbox = true
		rec.Reachable = domain.ReachableNo
	case c.Disabled:
		rec.SMTP.Disabled = true
		rec.Reachable = domain.ReachableNo
	case c.NoSuchUser:
		rec.Reachable = domain.ReachableNo
	default:
		// Connect, timeout, DNS and policy errors: verdict unknown.
		rec.Reachable = domain.ReachableUnknown
		rec.Error = true
		rec.ErrorMsg = string(c.Kind)
	}
	return false
}

// lookupMX resolves the MX set for a domain, lowest preference first. When
// the domain publishes no MX records an A/AAAA answer is used as an implicit
// MX of preference 0, per RFC 5321.
func (p *Prober) lookupMX(ctx context.Context, dom string) ([]domain.MXRecord, error) {
	mxs, err := p.resolver.LookupMX(ctx, dom)
	if err == nil && len(mxs) > 0 {
		records := make([]domain.MXRecord, 0, len(mxs))
		for _, mx := range mxs {
			records = append(records, domain.MXRecord{
				Host: strings.TrimSuffix(mx.Host, "."),
				Pref: mx.Pref,
			})
		}
		sort.SliceStable(records, func(i, j int) bool {
			return records[i].Pref < records[j].Pref
		})
		return records, nil
	}

	addrs, aErr := p.resolver.LookupHost(ctx, dom)
	if aErr != nil || len(addrs) == 0 {
		if err == nil {
			err = aErr
		}
		return nil, err
	}
	return []domain.MXRecord{{Host: dom, Pref: 0}}, nil
}

// randomLocalPart returns an address-safe local part that cannot collide with
// a real mailbox.
func randomLocalPart() string {
	return "mp-" + strings.ReplaceAll(uuid.New().String(), "-", "")
}
