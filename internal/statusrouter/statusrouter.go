// Package statusrouter implements the response router of spec.md §4.8: it
// translates per-recipient local-delivery and outbound-proxy outcomes into
// inbound reply lines, preserving RCPT submission order even though
// outbound sub-clients may complete out of order.
//
// It is grounded on chasquid's pattern (spread across smtpsrv.Conn's
// RCPT/DATA handlers) of mapping a delivery outcome to a reply code,
// generalized here to the per-recipient, multi-destination case this
// system requires; reply rendering itself is internal/lineio's.
package statusrouter

import (
	"fmt"
	"sync"

	"github.com/dmitrifedorov/lmtpd/internal/lineio"
	"github.com/dmitrifedorov/lmtpd/internal/localdeliver"
	"github.com/dmitrifedorov/lmtpd/internal/outbound"
)

// ErrTempRemoteFailure is the default message used for a proxy DATA-phase
// temporary failure that did not carry a more specific upstream line.
const ErrTempRemoteFailure = "Temporary failure forwarding to remote host"

// Outcome is one recipient's final, renderable result.
type Outcome struct {
	Addr     string
	Code     int
	Enhanced string
	Msg      string
}

// Line renders the outcome as a single DATA-phase reply line body (the
// part after "<code> <enhanced> "), e.g. "<addr> <sid> Saved".
func (o Outcome) Line() string {
	return fmt.Sprintf("%s %s", o.Addr, o.Msg)
}

// FromLocal converts a local-delivery result into an Outcome.
func FromLocal(r localdeliver.Result) Outcome {
	return Outcome{Addr: r.Addr, Code: r.Code, Enhanced: r.Enhanced, Msg: r.Msg}
}

// FromOutboundRcpt converts an outbound RCPT-phase result into an Outcome.
// A successful RCPT does not by itself produce a final reply (the
// recipient still needs a DATA-phase outcome); this is used for RCPT-time
// rejections surfaced immediately (e.g. the remote server rejecting the
// address outright).
func FromOutboundRcpt(addr string, r outbound.Result) Outcome {
	if r.Success {
		return Outcome{Addr: addr, Code: 250, Enhanced: "2.1.5", Msg: "OK"}
	}
	return Outcome{Addr: addr, Code: 450, Enhanced: "4.1.1", Msg: remoteLine(r.Line)}
}

// FromOutboundData converts an outbound DATA-phase result into an Outcome.
func FromOutboundData(addr string, r outbound.Result) Outcome {
	if r.Success {
		return Outcome{Addr: addr, Code: 250, Enhanced: "2.0.0", Msg: remoteLine(r.Line)}
	}
	return Outcome{Addr: addr, Code: 451, Enhanced: "4.4.0", Msg: remoteLine(r.Line)}
}

func remoteLine(line string) string {
	if line == "" {
		return ErrTempRemoteFailure
	}
	return line
}

// Router buffers per-recipient outcomes keyed by their RCPT submission
// index. Replies must be emitted in submission order (spec.md §5), so an
// outcome that arrives for a later recipient is held back until every
// earlier recipient's outcome has arrived and been flushed.
type Router struct {
	mu      sync.Mutex
	out     *lineio.Codec
	total   int
	next    int
	pending map[int]Outcome
}

// New returns a Router that will emit exactly total outcomes, in
// submission order, to out.
func New(total int, out *lineio.Codec) *Router {
	return &Router{out: out, total: total, pending: make(map[int]Outcome)}
}

// Report records the outcome for the recipient submitted at index, and
// flushes any now-contiguous run starting at the next unflushed index.
func (r *Router) Report(index int, o Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending[index] = o
	for {
		o, ok := r.pending[r.next]
		if !ok {
			return nil
		}
		delete(r.pending, r.next)
		r.next++
		if err := r.out.WriteReply(o.Code, o.Enhanced, o.Line()); err != nil {
			return err
		}
	}
}

// Done reports whether every recipient's outcome has been flushed.
func (r *Router) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next >= r.total
}
