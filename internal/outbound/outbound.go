// Package outbound implements the outbound LMTP/SMTP proxy client state
// machine of spec.md §4.9: one instance per (host, port, protocol,
// timeout) destination tuple, pipelining RCPT commands and streaming the
// body once to every accepted recipient.
//
// It is grounded on internal/courier/smtp.go's dial/handshake/MailAndRcpt
// shape, built directly on net.Conn and net/textproto instead of
// net/smtp, since net/smtp's Client is one-command-at-a-time and cannot
// pipeline RCPT the way this design requires. internal/smtp's
// SMTPUTF8-preparation logic is reused unchanged, since it is orthogonal
// to pipelining.
package outbound

import (
	"fmt"
	"io"
	"net"
	"net/textproto"
	"sync"
	"time"
	"unicode"

	"golang.org/x/net/idna"

	"github.com/dmitrifedorov/lmtpd/internal/dotio"
	"github.com/dmitrifedorov/lmtpd/internal/envelope"
)

// Protocol selects the outbound wire dialect: LMTP gets one DATA reply per
// recipient, SMTP gets a single shared reply.
type Protocol string

const (
	LMTP Protocol = "lmtp"
	SMTP Protocol = "smtp"
)

// Result is delivered over a recipient's result channel, once for the
// RCPT phase and, if accepted, once more for the DATA phase.
type Result struct {
	Success bool
	Line    string
}

// rcpt tracks one recipient's pipeline position and result channels.
type rcpt struct {
	addr         string
	rcptCh       chan Result
	dataCh       chan Result
	sent         bool // RCPT TO command written to the wire
	rcptAnswered bool // rcptCh has been delivered to and closed
	rcptOK       bool
	dataHit      bool // dataCh has been delivered to and closed
}

// Client is one outbound sub-client: a single TCP connection to one
// destination, carrying every recipient routed to that (host, port,
// protocol, timeout) tuple for one transaction.
type Client struct {
	conn     net.Conn
	text     *textproto.Conn
	protocol Protocol
	timeout  time.Duration

	mu        sync.Mutex
	rcpts     []*rcpt
	dataPhase bool
	failed    bool
	failLine  string
}

// Dial connects to host:port and completes the greeting, returning a
// Client ready for Greet/MailFrom.
func Dial(host, port string, protocol Protocol, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, port), timeout)
	if err != nil {
		return nil, fmt.Errorf("outbound: dial %s:%s: %w", host, port, err)
	}
	conn.SetDeadline(time.Now().Add(timeout))

	c := &Client{
		conn:     conn,
		text:     textproto.NewConn(conn),
		protocol: protocol,
		timeout:  timeout,
	}

	if _, _, err := c.text.ReadResponse(220); err != nil {
		conn.Close()
		return nil, fmt.Errorf("outbound: bad greeting: %w", err)
	}
	return c, nil
}

// Greet sends LHLO (for LMTP) or EHLO (for SMTP), advertising helloDomain.
func (c *Client) Greet(helloDomain string) error {
	verb := "LHLO"
	if c.protocol == SMTP {
		verb = "EHLO"
	}
	id, err := c.text.Cmd("%s %s", verb, helloDomain)
	if err != nil {
		return err
	}
	c.text.StartResponse(id)
	defer c.text.EndResponse(id)
	_, _, err = c.text.ReadResponse(250)
	return err
}

// MailFrom sends MAIL FROM, with an optional trailing parameter string
// such as "BODY=8BITMIME".
func (c *Client) MailFrom(from, bodyParam string) error {
	from, _, err := prepareForSMTPUTF8(from)
	if err != nil {
		return err
	}

	cmdStr := fmt.Sprintf("MAIL FROM:<%s>", from)
	if bodyParam != "" {
		cmdStr += " " + bodyParam
	}
	id, err := c.text.Cmd("%s", cmdStr)
	if err != nil {
		return err
	}
	c.text.StartResponse(id)
	defer c.text.EndResponse(id)
	_, _, err = c.text.ReadResponse(250)
	return err
}

// AddRecipient queues a recipient for this destination. Recipients may be
// added before or after Greet/MailFrom, but never once the DATA phase has
// started (SendData has been called) — per spec.md §9's explicit
// non-goal. The returned channels each receive exactly one Result: rcptCh
// always, dataCh only if the RCPT was accepted.
func (c *Client) AddRecipient(addr string) (rcptCh, dataCh <-chan Result, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dataPhase {
		return nil, nil, fmt.Errorf("outbound: cannot add recipient after DATA phase has started")
	}

	r := &rcpt{
		addr:   addr,
		rcptCh: make(chan Result, 1),
		dataCh: make(chan Result, 1),
	}
	c.rcpts = append(c.rcpts, r)
	return r.rcptCh, r.dataCh, nil
}

// FlushRcpts pipelines every not-yet-sent RCPT TO command: all command
// lines are written before any reply is read, then replies are read back
// in submission order and dispatched to each recipient's rcptCh.
func (c *Client) FlushRcpts() error {
	c.mu.Lock()
	if c.failed {
		err := fmt.Errorf("outbound: %s", c.failLine)
		c.mu.Unlock()
		return err
	}
	var unsent []*rcpt
	for _, r := range c.rcpts {
		if !r.sent {
			unsent = append(unsent, r)
		}
	}
	c.mu.Unlock()

	if len(unsent) == 0 {
		return nil
	}

	ids := make([]uint, len(unsent))
	for i, r := range unsent {
		addr, _, err := prepareForSMTPUTF8(r.addr)
		if err != nil {
			return c.fail(err.Error())
		}
		id, err := c.text.Cmd("RCPT TO:<%s>", addr)
		if err != nil {
			return c.fail(err.Error())
		}
		ids[i] = id
		r.sent = true
	}

	for i, r := range unsent {
		c.text.StartResponse(ids[i])
		code, line, _ := c.text.ReadResponse(0)
		c.text.EndResponse(ids[i])

		success := code >= 200 && code < 300
		r.rcptOK = success
		r.rcptAnswered = true
		r.rcptCh <- Result{Success: success, Line: line}
		close(r.rcptCh)
		if !success {
			// This recipient will never reach the DATA phase.
			close(r.dataCh)
		}
	}

	return nil
}

// SendData flushes any unsent RCPTs, then transitions to the DATA phase:
// sends DATA, awaits 354, streams body (dot-stuffed, CRLF-normalized via
// internal/dotio), and dispatches the DATA reply/replies to every accepted
// recipient's dataCh. In LMTP mode, one reply is read per accepted
// recipient, in submission order; in SMTP mode, a single reply is read and
// broadcast to all.
func (c *Client) SendData(body io.Reader) error {
	if err := c.FlushRcpts(); err != nil {
		return err
	}

	c.mu.Lock()
	c.dataPhase = true
	accepted := make([]*rcpt, 0, len(c.rcpts))
	for _, r := range c.rcpts {
		if r.rcptOK {
			accepted = append(accepted, r)
		}
	}
	c.mu.Unlock()

	if len(accepted) == 0 {
		return nil
	}

	id, err := c.text.Cmd("DATA")
	if err != nil {
		return c.fail(err.Error())
	}
	c.text.StartResponse(id)
	code, line, _ := c.text.ReadResponse(354)
	c.text.EndResponse(id)
	if code != 354 {
		return c.fail(line)
	}

	w := dotio.NewWriter(c.text.W)
	if _, err := io.Copy(w, body); err != nil {
		return c.fail(err.Error())
	}
	if err := w.Close(); err != nil {
		return c.fail(err.Error())
	}
	if err := c.text.W.Flush(); err != nil {
		return c.fail(err.Error())
	}

	switch c.protocol {
	case SMTP:
		id := c.text.Next()
		c.text.StartResponse(id)
		code, line, _ := c.text.ReadResponse(0)
		c.text.EndResponse(id)
		result := Result{Success: code >= 200 && code < 300, Line: line}
		for _, r := range accepted {
			r.dataCh <- result
			close(r.dataCh)
			r.dataHit = true
		}
	default: // LMTP
		for _, r := range accepted {
			id := c.text.Next()
			c.text.StartResponse(id)
			code, line, _ := c.text.ReadResponse(0)
			c.text.EndResponse(id)
			r.dataCh <- Result{Success: code >= 200 && code < 300, Line: line}
			close(r.dataCh)
			r.dataHit = true
		}
	}

	return nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// fail marks the client failed, fails every not-yet-answered recipient
// (at whichever phase it is currently waiting in) with success=false, and
// closes the connection. It always returns a non-nil error describing the
// failure, for the caller to propagate.
func (c *Client) fail(line string) error {
	c.mu.Lock()
	c.failed = true
	c.failLine = line
	rcpts := c.rcpts
	dataStarted := c.dataPhase
	c.mu.Unlock()

	for _, r := range rcpts {
		if !r.rcptAnswered {
			r.rcptAnswered = true
			r.rcptCh <- Result{Success: false, Line: line}
			close(r.rcptCh)
			close(r.dataCh)
			continue
		}
		if dataStarted && r.rcptOK && !r.dataHit {
			r.dataHit = true
			r.dataCh <- Result{Success: false, Line: line}
			close(r.dataCh)
		}
	}

	c.conn.Close()
	return fmt.Errorf("outbound: %s", line)
}

// prepareForSMTPUTF8 mirrors internal/smtp's address preparation: pass
// non-ASCII addresses through unchanged (this system does not negotiate
// the SMTPUTF8 extension before MAIL FROM since the destination tuple is
// fixed by the resolver, not discovered), converting only a non-ASCII
// domain to its IDNA ASCII form when the local part is plain ASCII.
func prepareForSMTPUTF8(addr string) (string, bool, error) {
	if isASCII(addr) {
		return addr, false, nil
	}

	user, domain := envelope.Split(addr)
	if !isASCII(user) {
		return addr, true, nil
	}

	ascii, err := idna.ToASCII(domain)
	if err != nil {
		return addr, true, fmt.Errorf("non-ASCII domain is not IDNA safe: %w", err)
	}
	return user + "@" + ascii, false, nil
}

func isASCII(s string) bool {
	for _, c := range s {
		if c > unicode.MaxASCII {
			return false
		}
	}
	return true
}
