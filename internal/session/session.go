package session

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrifedorov/lmtpd/internal/address"
	"github.com/dmitrifedorov/lmtpd/internal/dotio"
	"github.com/dmitrifedorov/lmtpd/internal/envelope"
	"github.com/dmitrifedorov/lmtpd/internal/haproxy"
	"github.com/dmitrifedorov/lmtpd/internal/lineio"
	"github.com/dmitrifedorov/lmtpd/internal/localdeliver"
	"github.com/dmitrifedorov/lmtpd/internal/maillog"
	"github.com/dmitrifedorov/lmtpd/internal/metrics"
	"github.com/dmitrifedorov/lmtpd/internal/outbound"
	"github.com/dmitrifedorov/lmtpd/internal/resolver"
	"github.com/dmitrifedorov/lmtpd/internal/spool"
	"github.com/dmitrifedorov/lmtpd/internal/statusrouter"
	"github.com/dmitrifedorov/lmtpd/internal/trace"
)

// defaultTTL bounds how many times a recipient may be re-proxied before
// the loop check in internal/resolver rejects it; reset on XCLIENT TTL=.
const defaultTTL = 60

// maxRecipients caps a single transaction, matching RFC 5321 §4.5.3.1.8's
// stated minimum; generous enough for real traffic, small enough to bound
// memory from a misbehaving peer.
const maxRecipients = 100

// rcptEntry tracks one accepted recipient through DATA-phase reporting.
type rcptEntry struct {
	addr     string
	decision *resolver.Decision
	orcpt    string

	// Proxy-routed recipients only.
	client *outbound.Client
	rcptCh <-chan outbound.Result
	dataCh <-chan outbound.Result
}

// Session is one inbound LMTP connection.
type Session struct {
	srv  *Server
	conn net.Conn

	codec        *lineio.Codec
	tr           *trace.Trace
	remoteAddr   net.Addr
	onTLS        bool
	tlsConnState *tls.ConnectionState

	ehloDomain string

	// Overridable via XCLIENT, from trusted peers only.
	ttl            int
	sessionTimeout time.Duration

	mailFrom    string
	bodyParam   string
	recipients  []*rcptEntry
	haveLocal   bool
	haveProxy   bool

	outboundClients map[string]*outbound.Client

	sid string

	commandTimeout time.Duration
	deadline       time.Time
}

// Close tears down the underlying connection.
func (s *Session) Close() { s.conn.Close() }

// Handle runs the connection's command loop until QUIT, a protocol error,
// or the deadline is exceeded.
func (s *Session) Handle() {
	defer s.Close()
	defer s.tr.Finish()

	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()

	s.conn.SetDeadline(time.Now().Add(s.commandTimeout))

	if tc, ok := s.conn.(*tls.Conn); ok {
		if err := tc.Handshake(); err != nil {
			s.tr.Errorf("TLS handshake failed: %v", err)
			return
		}
		cstate := tc.ConnectionState()
		s.tlsConnState = &cstate
		s.onTLS = true
	}

	s.remoteAddr = s.conn.RemoteAddr()
	r := io.Reader(s.conn)
	if s.srv.HAProxyEnabled {
		br := bufio.NewReader(s.conn)
		src, _, err := haproxy.Handshake(br)
		if err != nil {
			s.tr.Errorf("haproxy handshake failed: %v", err)
			return
		}
		s.remoteAddr = src
		r = br
	}
	s.codec = lineio.New(r, s.conn)

	s.deadline = time.Now().Add(s.commandTimeout)
	s.greet()

	var errCount int
	for {
		if time.Since(s.deadline) > 0 {
			s.tr.Errorf("connection deadline exceeded")
			return
		}
		s.conn.SetDeadline(time.Now().Add(s.commandTimeout))

		cmd, params, err := s.codec.ReadCommand()
		if err != nil {
			if err != io.EOF {
				s.tr.Errorf("reading command: %v", err)
			}
			return
		}
		metrics.Commands.WithLabelValues(cmd).Inc()

		code, msg := s.dispatch(cmd, params)
		if code == 0 {
			// The handler already wrote its own reply (e.g. STARTTLS).
			if cmd == "QUIT" {
				return
			}
			continue
		}

		metrics.Replies.WithLabelValues(strconv.Itoa(code)).Inc()
		s.codec.WriteReply(code, "", strings.Split(msg, "\n")...)

		// Per-recipient RCPT rejections do not count towards the error
		// limit.
		if code >= 400 && cmd != "RCPT" {
			errCount++
			if errCount >= 3 {
				s.codec.WriteReply(421, "4.5.0", "Too many errors, bye")
				return
			}
		}
		if cmd == "QUIT" {
			return
		}
	}
}

func (s *Session) greet() {
	s.sid = newSID()
	s.codec.WriteReply(220, "", fmt.Sprintf("%s ESMTP lmtpd", s.srv.Hostname))
}

func (s *Session) dispatch(cmd, params string) (code int, msg string) {
	switch cmd {
	case "LHLO":
		return s.LHLO(params)
	case "STARTTLS":
		return s.STARTTLS(params)
	case "XCLIENT":
		return s.XCLIENT(params)
	case "MAIL":
		return s.MAIL(params)
	case "RCPT":
		return s.RCPT(params)
	case "DATA":
		return s.DATA(params)
	case "RSET":
		s.resetEnvelope()
		return 250, "2.0.0 OK"
	case "NOOP":
		return 250, "2.0.0 OK"
	case "VRFY":
		return 252, "2.3.3 Try RCPT instead"
	case "QUIT":
		return 221, "2.0.0 OK"
	default:
		return 500, "5.5.1 Unknown command"
	}
}

// LHLO SMTP command handler (spec.md §4.5 command matrix).
func (s *Session) LHLO(params string) (code int, msg string) {
	fields := strings.Fields(params)
	if len(fields) == 0 {
		return 501, "5.5.4 Invalid parameters"
	}
	s.ehloDomain = fields[0]
	s.resetEnvelope()

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", s.srv.Hostname)
	if s.srv.TLSConfig != nil && !s.onTLS {
		fmt.Fprintf(&b, "STARTTLS\n")
	}
	if s.srv.IsTrustedPeer(s.peerIP()) {
		fmt.Fprintf(&b, "XCLIENT ADDR PORT TTL TIMEOUT\n")
	}
	fmt.Fprintf(&b, "8BITMIME\n")
	fmt.Fprintf(&b, "ENHANCEDSTATUSCODES\n")
	fmt.Fprintf(&b, "PIPELINING")
	return 250, b.String()
}

// STARTTLS SMTP command handler.
func (s *Session) STARTTLS(params string) (code int, msg string) {
	if s.srv.TLSConfig == nil {
		return 454, "4.7.0 TLS not available"
	}
	if s.onTLS {
		return 443, "5.5.1 TLS already active"
	}

	s.codec.WriteReply(220, "", "go ahead")

	server := tls.Server(s.conn, s.srv.TLSConfig)
	if err := server.Handshake(); err != nil {
		s.tr.Errorf("STARTTLS handshake failed: %v", err)
		s.conn.Close()
		return 0, ""
	}
	s.conn = server
	s.codec = lineio.New(s.conn, s.conn)
	cstate := server.ConnectionState()
	s.tlsConnState = &cstate
	s.onTLS = true
	s.resetEnvelope()
	return 0, ""
}

// XCLIENT SMTP command handler: a trusted front proxy rewrites the
// session's apparent peer, per spec.md §4.5/§5.
func (s *Session) XCLIENT(params string) (code int, msg string) {
	if !s.srv.IsTrustedPeer(s.peerIP()) {
		return 550, "5.7.1 XCLIENT not allowed from this peer"
	}

	for _, tok := range strings.Fields(params) {
		k, v, ok := strings.Cut(tok, "=")
		if !ok {
			continue
		}
		switch strings.ToUpper(k) {
		case "ADDR":
			if ip := net.ParseIP(v); ip != nil {
				port := 0
				if tcp, ok := s.remoteAddr.(*net.TCPAddr); ok {
					port = tcp.Port
				}
				s.remoteAddr = &net.TCPAddr{IP: ip, Port: port}
			}
		case "PORT":
			if n, err := strconv.Atoi(v); err == nil {
				if tcp, ok := s.remoteAddr.(*net.TCPAddr); ok {
					s.remoteAddr = &net.TCPAddr{IP: tcp.IP, Port: n}
				}
			}
		case "TTL":
			if n, err := strconv.Atoi(v); err == nil {
				s.ttl = n
			}
		case "TIMEOUT":
			if n, err := strconv.Atoi(v); err == nil {
				s.sessionTimeout = time.Duration(n) * time.Second
			}
		}
	}

	s.resetEnvelope()
	s.greet()
	return 0, ""
}

// MAIL SMTP command handler.
func (s *Session) MAIL(params string) (code int, msg string) {
	if !strings.HasPrefix(strings.ToLower(params), "from:") {
		return 501, "5.5.4 Invalid parameters"
	}
	if s.mailFrom != "" {
		return 503, "5.5.1 Sender already given"
	}

	addr, p, err := address.Parse(params[5:])
	if err != nil {
		return 501, "5.5.4 Invalid parameters"
	}
	if _, ok := p["BODY"]; ok {
		s.bodyParam = "BODY=" + p["BODY"]
	}

	s.mailFrom = addr
	return 250, "2.1.0 OK"
}

// RCPT SMTP command handler: resolves the recipient (internal/resolver)
// and, for a proxy-routed recipient, queues it on the relevant outbound
// sub-client. Per spec.md §9's design decision, the inbound RCPT reply is
// sent as soon as the recipient is accepted locally; a later RCPT-time
// rejection from the upstream proxy surfaces as that recipient's single
// DATA-phase reply instead (the inbound protocol has no way to retract an
// already-acknowledged RCPT).
func (s *Session) RCPT(params string) (code int, msg string) {
	if !strings.HasPrefix(strings.ToLower(params), "to:") {
		return 501, "5.5.4 Invalid parameters"
	}
	if s.mailFrom == "" {
		return 503, "5.5.1 Sender not yet given"
	}
	if len(s.recipients) >= maxRecipients {
		return 452, "4.5.3 Too many recipients"
	}

	addr, p, err := address.Parse(params[3:])
	if err != nil {
		return 501, "5.5.4 Invalid parameters"
	}

	orcpt := ""
	if v, ok := p["ORCPT"]; ok {
		if d, derr := address.XtextDecode(v); derr == nil {
			orcpt = d
		}
	}

	decision, rerr := s.srv.Resolver.Resolve(addr, s.peerIP(), s.peerPort(), s.ttl, s.haveProxy, s.haveLocal)
	if rerr != nil {
		if re, ok := rerr.(*resolver.Error); ok {
			maillog.Rejected(s.remoteAddr, s.mailFrom, []string{addr}, re.Msg)
			return re.Code, re.Enhanced + " " + re.Msg
		}
		return 451, "4.3.0 " + rerr.Error()
	}

	entry := &rcptEntry{addr: decision.Addr, decision: decision, orcpt: orcpt}

	if decision.Proxy != nil {
		client, cerr := s.getOrCreateClient(decision.Proxy)
		if cerr != nil {
			return 451, "4.3.0 " + decision.Addr + " " + cerr.Error()
		}
		rcptCh, dataCh, aerr := client.AddRecipient(decision.Addr)
		if aerr != nil {
			return 451, "4.3.0 " + decision.Addr + " " + aerr.Error()
		}
		entry.client = client
		entry.rcptCh = rcptCh
		entry.dataCh = dataCh
		s.haveProxy = true
	} else {
		s.haveLocal = true
	}

	s.recipients = append(s.recipients, entry)
	maillog.Accepted(s.remoteAddr, s.sid, s.mailFrom, decision.Addr)
	return 250, "2.1.5 OK"
}

// getOrCreateClient returns the outbound sub-client for route's
// destination tuple, dialing and completing the handshake on first use.
func (s *Session) getOrCreateClient(route *resolver.Route) (*outbound.Client, error) {
	key := route.Host + "|" + route.Port + "|" + route.Protocol + "|" +
		strconv.Itoa(route.TimeoutMS)
	if c, ok := s.outboundClients[key]; ok {
		return c, nil
	}

	timeout := s.srv.DefaultProxyTimeout
	if route.TimeoutMS > 0 {
		timeout = time.Duration(route.TimeoutMS) * time.Millisecond
	}

	proto := outbound.LMTP
	if route.Protocol == "smtp" {
		proto = outbound.SMTP
	}
	port := route.Port
	if port == "" {
		port = "24"
	}

	c, err := outbound.Dial(route.Host, port, proto, timeout)
	if err != nil {
		return nil, err
	}
	if err := c.Greet(s.srv.Hostname); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.MailFrom(s.mailFrom, s.bodyParam); err != nil {
		c.Close()
		return nil, err
	}

	if s.outboundClients == nil {
		s.outboundClients = map[string]*outbound.Client{}
	}
	s.outboundClients[key] = c
	return c, nil
}

// DATA SMTP command handler: reads the dot-stuffed body into a spool,
// injects headers, then fans the message out to every accepted recipient
// (local, on one goroutine; proxied, one goroutine per destination),
// emitting per-recipient replies in RCPT submission order via
// internal/statusrouter.
func (s *Session) DATA(params string) (code int, msg string) {
	if len(s.recipients) == 0 {
		return 554, "5.5.1 No valid recipients"
	}

	s.codec.WriteReply(354, "", "OK")
	s.conn.SetDeadline(s.deadline.Add(s.sessionTimeout))

	sp := spool.New(s.srv.SpoolDir, 0)
	defer sp.Close()

	// Read through the same dotio.Reader for the whole transfer, even past
	// the size cap: the body is still dot-stuffed wire data and must be
	// consumed up to its real terminator line to keep the connection in
	// sync for the next command. Bytes past the cap are discarded rather
	// than spooled.
	dotr := dotio.NewReader(s.codec.Reader())

	var total int64
	tooBig := false
	buf := make([]byte, 32*1024)
	for {
		n, err := dotr.Read(buf)
		if n > 0 {
			total += int64(n)
			if !tooBig && total > s.srv.MaxDataSize {
				tooBig = true
			}
			if !tooBig {
				if aerr := sp.Append(buf[:n]); aerr != nil {
					s.tr.Errorf("spool append failed: %v", aerr)
					return 451, "4.3.0 Temporary internal failure"
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			s.tr.Errorf("reading DATA: %v", err)
			return 554, "5.4.0 Error reading DATA"
		}
	}
	if tooBig {
		return 552, "5.3.4 Message too big"
	}
	if sp.Promoted() {
		metrics.SpoolPromotions.Inc()
	}

	body, err := io.ReadAll(sp.Reader())
	if err != nil {
		s.tr.Errorf("reading spool: %v", err)
		return 451, "4.3.0 Temporary internal failure"
	}
	data := s.injectHeaders(body)

	router := statusrouter.New(len(s.recipients), s.codec)
	s.codec.Cork()

	var localRecipients []localdeliver.Recipient
	var localIdx []int
	proxyGroups := map[*outbound.Client][]int{}

	for i, e := range s.recipients {
		if e.decision.Proxy != nil {
			proxyGroups[e.client] = append(proxyGroups[e.client], i)
		} else {
			localRecipients = append(localRecipients, localdeliver.Recipient{
				Addr:     e.decision.Addr,
				Username: e.decision.Username,
				Detail:   e.decision.Detail,
				ORCPT:    e.orcpt,
			})
			localIdx = append(localIdx, i)
		}
	}

	done := make(chan struct{}, len(proxyGroups)+1)

	if len(localRecipients) > 0 {
		go func() {
			results := s.srv.Deliverer.Deliver(s.sid, s.mailFrom, localRecipients, data, s.sessionTimeout)
			for j, res := range results {
				maillog.Delivered(s.sid, s.mailFrom, res.DestAddr)
				router.Report(localIdx[j], statusrouter.FromLocal(res))
			}
			done <- struct{}{}
		}()
	} else {
		done <- struct{}{}
	}

	for client, idxs := range proxyGroups {
		client, idxs := client, idxs
		go func() {
			s.runProxyGroup(client, idxs, data, router)
			done <- struct{}{}
		}()
	}

	for range done {
		if router.Done() {
			break
		}
	}

	s.codec.Uncork()
	s.resetEnvelope()
	return 0, ""
}

// runProxyGroup flushes the pipelined RCPT phase for one destination's
// recipients, reports any RCPT-time rejection as that recipient's final
// outcome, streams the body once to every still-accepted recipient, and
// reports each DATA-phase outcome.
func (s *Session) runProxyGroup(client *outbound.Client, idxs []int, data []byte, router *statusrouter.Router) {
	if err := client.FlushRcpts(); err != nil {
		s.tr.Errorf("outbound RCPT phase failed: %v", err)
	}

	var pending []int
	for _, i := range idxs {
		e := s.recipients[i]
		r := <-e.rcptCh
		outcome := statusrouter.FromOutboundRcpt(e.decision.Addr, r)
		if !r.Success {
			maillog.Proxied(s.sid, s.mailFrom, e.decision.Addr, fmt.Errorf("%s", r.Line), false)
			router.Report(i, outcome)
			continue
		}
		pending = append(pending, i)
	}

	if len(pending) == 0 {
		return
	}

	if err := client.SendData(newBodyReader(data)); err != nil {
		s.tr.Errorf("outbound DATA phase failed: %v", err)
	}

	for _, i := range pending {
		e := s.recipients[i]
		r, ok := <-e.dataCh
		if !ok {
			r = outbound.Result{Success: false, Line: statusrouter.ErrTempRemoteFailure}
		}
		outcome := statusrouter.FromOutboundData(e.decision.Addr, r)
		var derr error
		if !r.Success {
			derr = fmt.Errorf("%s", r.Line)
		}
		maillog.Proxied(s.sid, s.mailFrom, e.decision.Addr, derr, false)
		router.Report(i, outcome)
	}
}

// injectHeaders prepends Return-Path, (conditionally) Delivered-To, and
// Received headers per spec.md §6.
func (s *Session) injectHeaders(body []byte) []byte {
	recvFor := ""
	if len(s.recipients) == 1 {
		recvFor = fmt.Sprintf("for <%s>; ", s.recipients[0].decision.Addr)
	}

	tlsDesc := "plain text"
	if s.onTLS && s.tlsConnState != nil {
		tlsDesc = "TLS"
	}

	received := fmt.Sprintf("from %s ([%s])\n\t(using %s)\n\tby %s with LMTP id %s\n\t%s%s",
		s.ehloDomain, s.peerIP(), tlsDesc, s.srv.Hostname, s.sid, recvFor, time.Now().Format(time.RFC1123Z))
	body = envelope.AddHeader(body, "Received", received)

	if len(s.recipients) == 1 {
		dest := s.deliveredTo(s.recipients[0])
		if dest != "" {
			body = envelope.AddHeader(body, "Delivered-To", dest)
		}
	}

	body = envelope.AddHeader(body, "Return-Path", fmt.Sprintf("<%s>", s.mailFrom))
	return body
}

func (s *Session) deliveredTo(e *rcptEntry) string {
	if s.srv.Deliverer == nil {
		return e.decision.Addr
	}
	switch s.srv.Deliverer.DeliveryAddressHeader {
	case "none":
		return ""
	case "original":
		if e.orcpt != "" {
			return e.orcpt
		}
		return e.decision.Addr
	default: // "final"
		return e.decision.Addr
	}
}

func (s *Session) resetEnvelope() {
	for _, c := range s.outboundClients {
		c.Close()
	}
	s.outboundClients = nil
	s.mailFrom = ""
	s.bodyParam = ""
	s.recipients = nil
	s.haveLocal = false
	s.haveProxy = false
}

func (s *Session) peerIP() net.IP {
	if tcp, ok := s.remoteAddr.(*net.TCPAddr); ok {
		return tcp.IP
	}
	return nil
}

func (s *Session) peerPort() int {
	if tcp, ok := s.remoteAddr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// newSID returns a short, unique-enough session id for logging and
// Received headers; collisions are harmless (it is not a security token).
func newSID() string {
	var b [6]byte
	for i := range b {
		b[i] = byte(rand.Intn(256))
	}
	return base64.RawURLEncoding.EncodeToString(b[:])
}

// newBodyReader returns an independent reader over data, so every
// destination's outbound sub-client streams its own copy concurrently
// without racing on a shared cursor.
func newBodyReader(data []byte) io.Reader {
	return bytes.NewReader(data)
}

// AUTH, HELP, EXPN are intentionally not implemented: spec.md's command
// matrix (§4.5) does not list them, and this system accepts mail only over
// a trusted or front-proxy-fronted connection with no end-user
// authentication step.
