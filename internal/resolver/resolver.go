// Package resolver implements the per-recipient resolution pipeline: turn
// a RCPT address into either a local-delivery decision or a proxy routing
// hint, enforcing the loop/TTL, class-mixing, and concurrency-gate
// invariants along the way.
//
// It is grounded on chasquid's conn.go RCPT handler (parse -> directory
// lookup -> reply-code mapping) and internal/dovecot's wire protocol,
// extended to carry the routing fields a real passdb lookup returns.
package resolver

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/dmitrifedorov/lmtpd/internal/address"
	"github.com/dmitrifedorov/lmtpd/internal/anvil"
)

// Error is a per-recipient resolution failure that maps directly onto an
// RFC 5321/2034 enhanced-status reply line. It never aborts the session;
// the caller turns it into a per-recipient reply and continues.
type Error struct {
	Code     int    // SMTP reply code, e.g. 550
	Enhanced string // enhanced status code, e.g. "5.1.1"
	Msg      string
}

func (e *Error) Error() string { return fmt.Sprintf("%d %s %s", e.Code, e.Enhanced, e.Msg) }

func errf(code int, enhanced, format string, a ...interface{}) *Error {
	return &Error{Code: code, Enhanced: enhanced, Msg: fmt.Sprintf(format, a...)}
}

// Route is a proxy routing hint returned by a ProxyDirectory lookup.
type Route struct {
	Host        string
	Port        string
	Protocol    string // "lmtp" (default) or "smtp"
	TimeoutMS   int    // proxy_timeout, converted from seconds to milliseconds
	RewriteUser string // "user"/"destuser" field, empty if no rewrite
}

// ProxyDirectory performs the passdb-style lookup used to decide whether a
// recipient should be proxied elsewhere. A nil Route with a nil error means
// "not found, fall through to local delivery".
type ProxyDirectory interface {
	Lookup(username string, peerIP net.IP, peerPort int) (*Route, error)
}

// LocalDirectory answers the "does this local user exist" question used on
// the local-delivery path.
type LocalDirectory interface {
	Exists(username string) (bool, error)
}

// QuotaChecker is an optional extension of LocalDirectory: a mail store
// that can report whether a user's INBOX is already over quota, consulted
// by the step 7 pre-check before a message is even spooled. A LocalDirectory
// that doesn't implement it is treated as never over quota.
type QuotaChecker interface {
	QuotaFull(username string) (bool, error)
}

// ConcurrencyGate enforces a per-user limit on simultaneous deliveries via
// the anvil broker protocol.
type ConcurrencyGate struct {
	Client  *anvil.Client
	Service string // e.g. "lmtp", used as the LOOKUP/CONNECT service component
	Limit   int    // <= 0 disables the gate
}

// Check performs the LOOKUP+CONNECT round trip for one recipient. If the
// gate is disabled (Limit <= 0) it always allows.
func (g *ConcurrencyGate) Check(username string) (bool, error) {
	if g == nil || g.Limit <= 0 {
		return true, nil
	}

	n, err := g.Client.Lookup(g.Service, username)
	if err != nil {
		return false, err
	}
	if n >= g.Limit {
		return false, nil
	}

	if err := g.Client.Connect(os.Getpid(), g.Service, username); err != nil {
		return false, err
	}
	return true, nil
}

// Resolver ties a proxy directory, a local directory, address translation,
// and the concurrency gate together to implement the per-RCPT decision
// tree of section 4.6.
type Resolver struct {
	Delimiters      string // recipient_delimiter, may be empty
	AddressTemplate string // lmtp_address_translate, may be empty
	ProxyEnabled    bool
	ProxyDir        ProxyDirectory // nil if ProxyEnabled is false
	LocalDir        LocalDirectory
	Gate            *ConcurrencyGate
	OwnHost         string // this server's advertised host, for the loop check
	OwnPort         string // this server's listening port, for the loop check

	// RcptCheckQuota enables the step 7 pre-check against LocalDir's
	// optional QuotaChecker extension (lmtp_rcpt_check_quota).
	RcptCheckQuota bool
	// QuotaFullTempfail selects the reply for an over-quota recipient:
	// true yields 452 4.2.2 (tempfail), false yields 552 5.2.2 (hardfail).
	QuotaFullTempfail bool
}

// Decision is the outcome of resolving one recipient.
type Decision struct {
	// Addr is the (possibly translated/rewritten) envelope address to
	// carry forward.
	Addr string
	// Username and Detail are the split local-part pieces, after any
	// proxy-side rewrite has been folded back in.
	Username string
	Detail   string
	// Proxy is non-nil when this recipient routes to an outbound proxy
	// destination; nil means local delivery.
	Proxy *Route
}

// Resolve applies the full per-recipient decision tree. haveProxyRcpt and
// haveLocalRcpt report whether the transaction already has recipients of
// each class, for the class-mixing check; ttl is the session's remaining
// proxy TTL (4.5's loop invariant).
func (r *Resolver) Resolve(addr string, peerIP net.IP, peerPort int, ttl int, haveProxyRcpt, haveLocalRcpt bool) (*Decision, error) {
	unwrapped := address.UnwrapQuotedLocal(addr)
	local, domain := split(unwrapped)
	username, detail := address.SplitDetail(local, r.Delimiters)

	if r.ProxyEnabled && r.ProxyDir != nil {
		route, err := r.ProxyDir.Lookup(username, peerIP, peerPort)
		if err != nil {
			return nil, errf(451, "4.3.0", "%s %v", addr, err)
		}

		if route != nil {
			if route.Host == "" {
				return nil, errf(451, "4.3.0", "%s lookup failure: routed without a host", addr)
			}

			if err := r.checkLoop(addr, route, ttl); err != nil {
				return nil, err
			}
			if haveLocalRcpt {
				return nil, errf(451, "4.3.0", "%s cannot mix local and proxied recipients", addr)
			}

			finalUser := username
			if route.RewriteUser != "" {
				finalUser = route.RewriteUser
			}
			finalLocal := finalUser
			if detail != "" {
				finalLocal = finalUser + string(r.Delimiters[0]) + detail
			}
			finalAddr := finalLocal
			if domain != "" {
				finalAddr = finalLocal + "@" + domain
			}

			return &Decision{
				Addr:     finalAddr,
				Username: finalUser,
				Detail:   detail,
				Proxy:    route,
			}, nil
		}
		// Not found: fall through to local delivery below.
	}

	exists, err := r.LocalDir.Exists(username)
	if err != nil {
		return nil, errf(451, "4.3.0", "%s temporary user lookup failure: %v", addr, err)
	}
	if !exists {
		return nil, errf(550, "5.1.1", "%s User doesn't exist: %s", addr, username)
	}
	if haveProxyRcpt {
		return nil, errf(451, "4.3.0", "%s cannot mix local and proxied recipients", addr)
	}

	if r.RcptCheckQuota {
		if qc, ok := r.LocalDir.(QuotaChecker); ok {
			full, err := qc.QuotaFull(username)
			if err != nil {
				return nil, errf(451, "4.3.0", "%s temporary quota lookup failure: %v", addr, err)
			}
			if full {
				if r.QuotaFullTempfail {
					return nil, errf(452, "4.2.2", "%s Mailbox quota exceeded", addr)
				}
				return nil, errf(552, "5.2.2", "%s Mailbox quota exceeded", addr)
			}
		}
	}

	finalAddr := unwrapped
	if r.AddressTemplate != "" {
		if t, ok := address.Translate(r.AddressTemplate, username, domain); ok {
			finalAddr = t
		}
	}

	if ok, err := r.Gate.Check(username); err != nil {
		return nil, errf(451, "4.3.0", "%s temporary concurrency lookup failure: %v", addr, err)
	} else if !ok {
		return nil, errf(451, "4.3.0", "%s Too many concurrent deliveries for user", addr)
	}

	return &Decision{
		Addr:     finalAddr,
		Username: username,
		Detail:   detail,
	}, nil
}

// checkLoop enforces the own-address and TTL invariants of 4.5 against a
// candidate proxy route.
func (r *Resolver) checkLoop(addr string, route *Route, ttl int) error {
	if ttl <= 1 {
		return errf(554, "5.4.6", "%s Proxying appears to be looping (TTL=0)", addr)
	}

	port := route.Port
	if port == "" {
		port = defaultPort(route.Protocol)
	}
	if route.Host == r.OwnHost && port == r.OwnPort {
		return errf(554, "5.4.6", "%s Proxying to itself (loop)", addr)
	}

	return nil
}

func defaultPort(protocol string) string {
	if protocol == "smtp" {
		return "25"
	}
	return "24"
}

func split(addr string) (local, domain string) {
	at := -1
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == '@' {
			at = i
			break
		}
	}
	if at < 0 {
		return addr, ""
	}
	return addr[:at], addr[at+1:]
}

// parseTimeout converts a "proxy_timeout" value (decimal seconds, per
// dovecot's extra-field convention) into milliseconds. An empty or
// unparseable value yields 0 (caller applies its own default).
func parseTimeout(s string) int {
	secs, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return secs * 1000
}
