package prober

import (
	"strings"

	"github.com/asaskevich/govalidator"
)

// splitAddress validates the address and returns its local part and domain.
// The domain is lowercased; the local part keeps its case (servers may be
// case-sensitive on the left side).
func splitAddress(email string) (username, domain string, ok bool) {
	email = strings.TrimSpace(email)
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "", "", false
	}
	username = email[:at]
	domain = strings.ToLower(email[at+1:])
	if !govalidator.IsEmail(email) {
		return username, domain, false
	}
	return username, domain, true
}
