// Package normalize contains functions to normalize usernames, addresses,
// domains, and line endings.
package normalize

import (
	"strings"

	"github.com/dmitrifedorov/lmtpd/internal/envelope"
	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"
)

// User normalices an username using PRECIS.
// On error, it will also return the original username to simplify callers.
func User(user string) (string, error) {
	norm, err := precis.UsernameCaseMapped.String(user)
	if err != nil {
		return user, err
	}

	return norm, nil
}

// Addr normalizes an email address using PRECIS.
// On error, it will also return the original address to simplify callers.
func Addr(addr string) (string, error) {
	user, domain := envelope.Split(addr)

	user, err := User(user)
	if err != nil {
		return addr, err
	}

	return user + "@" + domain, nil
}

// Domain converts a (possibly Unicode) domain name to its ASCII
// compatibility encoding, for use in LHLO/EHLO and MX lookups.
// On error, it returns the original domain to simplify callers.
func Domain(domain string) (string, error) {
	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return domain, err
	}
	return ascii, nil
}

// DomainToUnicode converts a domain name from its ASCII compatibility
// encoding back to Unicode, for display purposes (e.g. in log lines).
// On error, it returns the original domain to simplify callers.
func DomainToUnicode(domain string) (string, error) {
	uni, err := idna.Lookup.ToUnicode(domain)
	if err != nil {
		return domain, err
	}
	return uni, nil
}

// ToCRLF normalises line endings in s to CRLF: bare LF is turned into
// CRLF, and existing CRLF is left alone.
func ToCRLF(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}
