// Package localdeliver implements the local-delivery fan-out of spec.md
// §4.7: given a spooled message body and a list of already-resolved local
// recipients, hand each one to the mail store through a narrow Courier
// interface and translate the outcome into a per-recipient enhanced-status
// reply.
//
// It is grounded on chasquid's internal/courier.Courier interface and
// courier/mda.go's exec-a-local-binary implementation; the mail store
// itself (mailbox storage, quota tracking) stays an external collaborator
// exactly as spec.md's "Out of scope" list requires.
package localdeliver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/mail"
	"os/exec"
	"strings"
	"syscall"
	"time"
	"unicode"

	"github.com/dmitrifedorov/lmtpd/internal/envelope"
	"github.com/dmitrifedorov/lmtpd/internal/normalize"
	"github.com/dmitrifedorov/lmtpd/internal/trace"
)

// ErrQuotaExceeded marks a permanent courier failure as a full-mailbox
// condition (step 6's quota case) rather than a generic storage error.
// A Courier implementation that can tell the two apart should wrap it with
// fmt.Errorf("...: %w", ErrQuotaExceeded).
var ErrQuotaExceeded = errors.New("mailbox quota exceeded")

// Courier delivers one already-serialized message to one local recipient.
// It is the narrow interface through which the mail store is consumed;
// this package never touches mailbox storage or quota state directly.
type Courier interface {
	// Deliver mail to a recipient's mailbox. timeout, if positive, bounds
	// how long the backend may hold its delivery lock (step 3); zero means
	// "use the backend's own default". Returns the error (if any), and
	// whether it is permanent (true) or transient (false).
	Deliver(from, to, mailbox string, data []byte, timeout time.Duration) (error, bool)
}

// HardLinkableCourier is an optional extension a Courier implementation
// may provide: after the first successful save in a fan-out, the saved
// mail's storage-side identifier is offered back to subsequent Deliver
// calls as srcMail, letting the backend hard-link the file instead of
// re-serializing the body for every recipient.
type HardLinkableCourier interface {
	Courier
	// DeliverLinked delivers using srcMail (from a prior successful
	// DeliverLinked call) as an optimization hint, returning the error,
	// whether it is permanent, and this delivery's own storage
	// identifier (for chaining to the next recipient).
	DeliverLinked(from, to, mailbox string, data []byte, srcMail string, timeout time.Duration) (error, bool, string)
}

// Recipient is one already-resolved local delivery target.
type Recipient struct {
	Addr     string // full envelope address, post-translation
	Username string
	Detail   string
	ORCPT    string // DSN original recipient, already xtext-decoded; may be empty
}

// Result is the per-recipient outcome of a fan-out, ready to render as a
// DATA-phase reply line.
type Result struct {
	Addr     string
	DestAddr string // dest_addr per step 4, for Delivered-To-style logging
	Code     int
	Enhanced string
	Msg      string
}

// Deliverer fans a single message out to every local recipient of one
// transaction.
type Deliverer struct {
	Courier Courier

	// SaveToDetailMailbox routes mail with a non-empty detail into a
	// detail-named mailbox instead of INBOX (lmtp_save_to_detail_mailbox).
	SaveToDetailMailbox bool

	// DeliveryAddressHeader selects what dest_addr is computed from for
	// Delivered-To-style logging: "none", "final" (the resolved envelope
	// address), or "original" (ORCPT, falling back to a header extracted
	// from the message).
	DeliveryAddressHeader string

	// LDAOriginalRecipientHeader names the message header to fall back to
	// when DeliveryAddressHeader is "original" and no ORCPT was given.
	LDAOriginalRecipientHeader string

	// QuotaFullTempfail selects the reply code for a quota-exceeded
	// delivery: true yields 452 4.2.2 (tempfail), false yields 552 5.2.2
	// (hardfail).
	QuotaFullTempfail bool
}

// errTimeout mirrors the MDA courier's own timeout sentinel.
var errTimeout = fmt.Errorf("operation timed out")

// Deliver runs the fan-out of spec.md §4.7 for one transaction: from is
// the envelope sender, sid the session id (echoed in the success reply),
// body the full spooled message, sessionTimeout the peer-advertised
// timeout (used to clamp the per-delivery lock budget per step 3).
func (d *Deliverer) Deliver(sid, from string, recipients []Recipient, body []byte, sessionTimeout time.Duration) []Result {
	results := make([]Result, 0, len(recipients))

	lockTimeout := clampLockTimeout(sessionTimeout)

	var srcMail string
	haveSrcMail := false

	for _, rcpt := range recipients {
		destAddr := d.destAddr(rcpt, body)
		mailbox := "INBOX"
		if rcpt.Detail != "" && d.SaveToDetailMailbox {
			mailbox = "INBOX." + rcpt.Detail
		}

		var err error

		if hc, ok := d.Courier.(HardLinkableCourier); ok {
			var newSrc string
			if haveSrcMail {
				err, _, newSrc = hc.DeliverLinked(from, rcpt.Addr, mailbox, body, srcMail, lockTimeout)
			} else {
				err, _, newSrc = hc.DeliverLinked(from, rcpt.Addr, mailbox, body, "", lockTimeout)
			}
			if err == nil && !haveSrcMail {
				srcMail = newSrc
				haveSrcMail = true
			}
		} else {
			err, _ = d.Courier.Deliver(from, rcpt.Addr, mailbox, body, lockTimeout)
		}

		results = append(results, d.resultFor(rcpt.Addr, sid, destAddr, err))
	}

	return results
}

// clampLockTimeout implements the mail_max_lock_timeout rule of §5: the
// per-delivery lock budget is clamped to [1s, sessionTimeout-1s]. An unset
// or non-positive sessionTimeout (no front-proxy TIMEOUT was advertised)
// must leave the backend's own default alone, signaled here by returning 0.
func clampLockTimeout(sessionTimeout time.Duration) time.Duration {
	if sessionTimeout <= 0 {
		return 0
	}
	max := sessionTimeout - time.Second
	if max < time.Second {
		max = time.Second
	}
	return max
}

// destAddr computes the address used for Delivered-To-style logging. Only
// when DeliveryAddressHeader is "original" does it look further than the
// envelope: ORCPT if present (used as given, without validation), else
// the configured header extracted from the message, else the envelope
// address. Every other DeliveryAddressHeader setting yields the envelope
// address.
func (d *Deliverer) destAddr(rcpt Recipient, body []byte) string {
	if d.DeliveryAddressHeader == "original" {
		if rcpt.ORCPT != "" {
			return rcpt.ORCPT
		}
		if d.LDAOriginalRecipientHeader != "" {
			if v := headerValue(body, d.LDAOriginalRecipientHeader); v != "" {
				return v
			}
		}
	}
	return rcpt.Addr
}

// headerValue extracts a single header's value from a raw RFC 5322
// message, for the few headers this package cares about
// (From, To, Message-ID, Subject, Return-Path, and any operator-configured
// original-recipient header).
func headerValue(body []byte, name string) string {
	msg, err := mail.ReadMessage(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	return msg.Header.Get(name)
}

// resultFor maps one courier outcome onto the enhanced-status reply of
// step 6: success is 250 2.0.0, a quota failure is 452 4.2.2 or 552 5.2.2
// depending on QuotaFullTempfail, and any other storage error (transient or
// permanent) is 451 4.2.0.
func (d *Deliverer) resultFor(addr, sid, destAddr string, err error) Result {
	if err == nil {
		return Result{Addr: addr, DestAddr: destAddr, Code: 250, Enhanced: "2.0.0",
			Msg: fmt.Sprintf("%s Saved", sid)}
	}

	if errors.Is(err, ErrQuotaExceeded) {
		if d.QuotaFullTempfail {
			return Result{Addr: addr, DestAddr: destAddr, Code: 452, Enhanced: "4.2.2", Msg: err.Error()}
		}
		return Result{Addr: addr, DestAddr: destAddr, Code: 552, Enhanced: "5.2.2", Msg: err.Error()}
	}

	return Result{Addr: addr, DestAddr: destAddr, Code: 451, Enhanced: "4.2.0", Msg: err.Error()}
}

// MDA delivers local mail by executing a local binary, like procmail or
// maildrop. It works with any binary that:
//   - Receives the email to deliver via stdin.
//   - Exits with code EX_TEMPFAIL (75) for transient issues.
//   - Exits with code EX_CANTCREAT (73) when the destination mailbox is
//     over quota (the convention maildrop and procmail both follow).
type MDA struct {
	Binary  string        // Path to the binary.
	Args    []string      // Arguments to pass.
	Timeout time.Duration // Default timeout for each invocation.
}

// exCantCreat is sysexits.h's EX_CANTCREAT, repurposed by maildrop/procmail
// to report a full mailbox.
const exCantCreat = 73

// Deliver an email. On failures, returns an error, and whether or not it
// is permanent. timeout, if positive, overrides p.Timeout for this call
// (the clamped lock budget of step 3); zero keeps p.Timeout.
func (p *MDA) Deliver(from, to, mailbox string, data []byte, timeout time.Duration) (error, bool) {
	tr := trace.New("Courier.MDA", to)
	defer tr.Finish()

	from = sanitizeForMDA(from)
	to = sanitizeForMDA(to)
	mailbox = sanitizeForMDA(mailbox)

	tr.Debugf("%s -> %s (%s)", from, to, mailbox)

	replacer := strings.NewReplacer(
		"%from%", from,
		"%from_user%", envelope.UserOf(from),
		"%from_domain%", envelope.DomainOf(from),

		"%to%", to,
		"%to_user%", envelope.UserOf(to),
		"%to_domain%", envelope.DomainOf(to),

		"%mailbox%", mailbox,
	)

	args := []string{}
	for _, a := range p.Args {
		args = append(args, replacer.Replace(a))
	}
	tr.Debugf("%s %q", p.Binary, args)

	effective := p.Timeout
	if timeout > 0 {
		effective = timeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), effective)
	defer cancel()
	cmd := exec.CommandContext(ctx, p.Binary, args...)

	cmd.Stdin = strings.NewReader(normalize.ToCRLF(string(data)))

	output, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return tr.Error(errTimeout), false
	}

	if err != nil {
		permanent := true
		quotaFull := false
		if exiterr, ok := err.(*exec.ExitError); ok {
			if status, ok := exiterr.Sys().(syscall.WaitStatus); ok {
				permanent = status.ExitStatus() != 75
				quotaFull = status.ExitStatus() == exCantCreat
			}
		}
		err = tr.Errorf("MDA delivery failed: %v - %q", err, string(output))
		if quotaFull {
			err = fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
		}
		return err, permanent
	}

	tr.Debugf("delivered")
	return nil, false
}

// sanitizeForMDA cleans the string, removing characters that could be
// problematic considering we will run an external command.
//
// This is defense in depth only; substitution and proper filtering happen
// at a different layer.
func sanitizeForMDA(s string) string {
	valid := func(r rune) rune {
		switch {
		case unicode.IsSpace(r), unicode.IsControl(r),
			strings.ContainsRune("/;\"'\\|*&$%()[]{}`!", r):
			return rune(-1)
		default:
			return r
		}
	}
	return strings.Map(valid, s)
}
