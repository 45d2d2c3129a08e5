package prober

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"net/http"
	"strings"
	"time"
)

// Curated domain lists. Intentionally small: these enrich the record, they
// never decide reachability.

var disposableDomains = map[string]struct{}{
	"10minutemail.com":  {},
	"dispostable.com":   {},
	"fakeinbox.com":     {},
	"getnada.com":       {},
	"guerrillamail.com": {},
	"mailinator.com":    {},
	"maildrop.cc":       {},
	"mintemail.com":     {},
	"mytemp.email":      {},
	"sharklasers.com":   {},
	"temp-mail.org":     {},
	"tempmail.dev":      {},
	"throwawaymail.com": {},
	"trashmail.com":     {},
	"yopmail.com":       {},
}

var freeDomains = map[string]struct{}{
	"aol.com":        {},
	"gmail.com":      {},
	"gmx.com":        {},
	"hotmail.com":    {},
	"icloud.com":     {},
	"live.com":       {},
	"mail.com":       {},
	"mail.ru":        {},
	"outlook.com":    {},
	"proton.me":      {},
	"protonmail.com": {},
	"yahoo.com":      {},
	"yandex.com":     {},
	"zoho.com":       {},
}

var roleAccounts = map[string]struct{}{
	"abuse":         {},
	"admin":         {},
	"billing":       {},
	"contact":       {},
	"help":          {},
	"hostmaster":    {},
	"info":          {},
	"marketing":     {},
	"no-reply":      {},
	"noreply":       {},
	"postmaster":    {},
	"sales":         {},
	"security":      {},
	"support":       {},
	"webmaster":     {},
}

// typoDomains maps frequent misspellings to the intended domain.
var typoDomains = map[string]string{
	"gamil.com":    "gmail.com",
	"gmial.com":    "gmail.com",
	"gmai.com":     "gmail.com",
	"gmaill.com":   "gmail.com",
	"gmail.co":     "gmail.com",
	"gmail.cm":     "gmail.com",
	"hotmial.com":  "hotmail.com",
	"hotmal.com":   "hotmail.com",
	"hotmail.co":   "hotmail.com",
	"outlok.com":   "outlook.com",
	"outloook.com": "outlook.com",
	"yaho.com":     "yahoo.com",
	"yahooo.com":   "yahoo.com",
	"yahoo.co":     "yahoo.com",
	"iclod.com":    "icloud.com",
	"icluod.com":   "icloud.com",
}

// IsDisposableDomain reports whether the domain belongs to a throwaway
// mailbox provider.
func IsDisposableDomain(domain string) bool {
	_, ok := disposableDomains[strings.ToLower(domain)]
	return ok
}

// IsFreeDomain reports whether the domain is a free consumer provider.
func IsFreeDomain(domain string) bool {
	_, ok := freeDomains[strings.ToLower(domain)]
	return ok
}

// IsRoleAccount reports whether the local part is a functional address
// rather than a person.
func IsRoleAccount(username string) bool {
	_, ok := roleAccounts[strings.ToLower(username)]
	return ok
}

// SuggestDomain returns a corrected address for a recognized domain typo, or
// the empty string.
func SuggestDomain(username, domain string) string {
	if fixed, ok := typoDomains[strings.ToLower(domain)]; ok {
		return username + "@" + fixed
	}
	return ""
}

// hasGravatar checks whether a gravatar exists for the address. Failures are
// treated as "no gravatar"; this check must never delay a verdict for long.
func (p *Prober) hasGravatar(ctx context.Context, email string) bool {
	sum := md5.Sum([]byte(strings.ToLower(strings.TrimSpace(email))))
	url := "https://www.gravatar.com/avatar/" + hex.EncodeToString(sum[:]) + "?d=404"

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, url, nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
