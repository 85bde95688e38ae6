package session

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dmitrifedorov/lmtpd/internal/localdeliver"
	"github.com/dmitrifedorov/lmtpd/internal/metrics"
	"github.com/dmitrifedorov/lmtpd/internal/resolver"
)

type fakeLocalDir struct {
	users map[string]bool
}

func (f *fakeLocalDir) Exists(username string) (bool, error) {
	return f.users[username], nil
}

type fakeProxyDir struct {
	routes map[string]*resolver.Route
}

func (f *fakeProxyDir) Lookup(username string, peerIP net.IP, peerPort int) (*resolver.Route, error) {
	return f.routes[username], nil
}

type fakeCourier struct{}

func (fakeCourier) Deliver(from, to, mailbox string, data []byte, timeout time.Duration) (error, bool) {
	return nil, false
}

func newTestServer() *Server {
	srv := NewServer("mx.example.org")
	srv.MaxDataSize = 1 << 20
	srv.SpoolDir = ""
	srv.Resolver = &resolver.Resolver{
		Delimiters: "+",
		LocalDir:   &fakeLocalDir{users: map[string]bool{"alice": true}},
		OwnHost:    "mx.example.org",
		OwnPort:    "24",
	}
	srv.Deliverer = &localdeliver.Deliverer{Courier: fakeCourier{}}
	return srv
}

// dial starts srv.newSession over a real loopback TCP connection (so
// RemoteAddr is a *net.TCPAddr, matching what XCLIENT/trusted-peer checks
// expect) and returns the client side.
func dial(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		ln.Close()
		if err != nil {
			return
		}
		sess := srv.newSession(conn)
		sess.Handle()
	}()
	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readReply reads one (possibly multiline) reply, returning the
// "\n"-joined body with the "code[- ]" prefix stripped from each line.
func readReply(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	var lines []string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read reply: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		lines = append(lines, line)
		if len(line) >= 4 && line[3] == ' ' {
			break
		}
		if len(line) < 4 {
			break
		}
	}
	return strings.Join(lines, "\n")
}

func sendLine(t *testing.T, w *bufio.Writer, line string) {
	t.Helper()
	if _, err := fmt.Fprintf(w, "%s\r\n", line); err != nil {
		t.Fatalf("write %q: %v", line, err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func TestMinimalLocalDelivery(t *testing.T) {
	srv := newTestServer()
	conn := dial(t, srv)
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	readReply(t, r) // greeting

	sendLine(t, w, "LHLO client.example")
	if reply := readReply(t, r); !strings.Contains(reply, "250") {
		t.Fatalf("unexpected LHLO reply: %q", reply)
	}

	sendLine(t, w, "MAIL FROM:<sender@x>")
	if reply := readReply(t, r); !strings.HasPrefix(reply, "250 2.1.0") {
		t.Fatalf("unexpected MAIL reply: %q", reply)
	}

	sendLine(t, w, "RCPT TO:<alice@x>")
	if reply := readReply(t, r); !strings.HasPrefix(reply, "250 2.1.5") {
		t.Fatalf("unexpected RCPT reply: %q", reply)
	}

	sendLine(t, w, "DATA")
	if reply := readReply(t, r); !strings.HasPrefix(reply, "354") {
		t.Fatalf("unexpected DATA reply: %q", reply)
	}

	fmt.Fprintf(w, "Subject: hi\r\n\r\nhello\r\n.\r\n")
	w.Flush()

	reply := readReply(t, r)
	if !strings.HasPrefix(reply, "250 2.0.0") || !strings.Contains(reply, "alice@x") || !strings.Contains(reply, "Saved") {
		t.Fatalf("unexpected delivery reply: %q", reply)
	}

	sendLine(t, w, "QUIT")
	if reply := readReply(t, r); !strings.HasPrefix(reply, "221") {
		t.Fatalf("unexpected QUIT reply: %q", reply)
	}
}

func TestUnknownLocalUserRejectedAtRcpt(t *testing.T) {
	srv := newTestServer()
	conn := dial(t, srv)
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	readReply(t, r)

	sendLine(t, w, "LHLO client.example")
	readReply(t, r)
	sendLine(t, w, "MAIL FROM:<sender@x>")
	readReply(t, r)

	sendLine(t, w, "RCPT TO:<bob@x>")
	reply := readReply(t, r)
	if !strings.HasPrefix(reply, "550 5.1.1") {
		t.Fatalf("expected unknown-user rejection, got %q", reply)
	}

	sendLine(t, w, "DATA")
	reply = readReply(t, r)
	if !strings.HasPrefix(reply, "554 5.5.1") {
		t.Fatalf("expected no-valid-recipients on DATA, got %q", reply)
	}
}

func TestClassMixingRejected(t *testing.T) {
	srv := newTestServer()
	srv.Resolver.ProxyEnabled = true
	srv.Resolver.ProxyDir = &fakeProxyDir{routes: map[string]*resolver.Route{
		"carol": {Host: "mx2.example.org", Port: "24", Protocol: "lmtp"},
	}}

	conn := dial(t, srv)
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	readReply(t, r)

	sendLine(t, w, "LHLO client.example")
	readReply(t, r)
	sendLine(t, w, "MAIL FROM:<sender@x>")
	readReply(t, r)

	sendLine(t, w, "RCPT TO:<alice@x>")
	if reply := readReply(t, r); !strings.HasPrefix(reply, "250 2.1.5") {
		t.Fatalf("expected local recipient accepted, got %q", reply)
	}

	sendLine(t, w, "RCPT TO:<carol@x>")
	reply := readReply(t, r)
	if !strings.HasPrefix(reply, "451 4.3.0") || !strings.Contains(reply, "mix") {
		t.Fatalf("expected class-mixing rejection, got %q", reply)
	}
}

func TestTTLExhaustedOnProxiedRecipient(t *testing.T) {
	srv := newTestServer()
	srv.Resolver.ProxyEnabled = true
	srv.Resolver.ProxyDir = &fakeProxyDir{routes: map[string]*resolver.Route{
		"carol": {Host: "mx2.example.org", Port: "24", Protocol: "lmtp"},
	}}
	_, cidr, _ := net.ParseCIDR("127.0.0.1/32")
	srv.TrustedNetworks = []*net.IPNet{cidr}

	conn := dial(t, srv)
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	readReply(t, r)

	sendLine(t, w, "XCLIENT TTL=1")
	if reply := readReply(t, r); !strings.HasPrefix(reply, "220") {
		t.Fatalf("expected fresh greeting after XCLIENT, got %q", reply)
	}

	sendLine(t, w, "LHLO client.example")
	readReply(t, r)
	sendLine(t, w, "MAIL FROM:<sender@x>")
	readReply(t, r)

	sendLine(t, w, "RCPT TO:<carol@x>")
	reply := readReply(t, r)
	if !strings.HasPrefix(reply, "554 5.4.6") {
		t.Fatalf("expected TTL-exhausted rejection, got %q", reply)
	}
}

func TestTooManyRecipientsRejected(t *testing.T) {
	srv := newTestServer()
	conn := dial(t, srv)
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	readReply(t, r)

	sendLine(t, w, "LHLO client.example")
	readReply(t, r)
	sendLine(t, w, "MAIL FROM:<sender@x>")
	readReply(t, r)

	for i := 0; i < maxRecipients; i++ {
		sendLine(t, w, "RCPT TO:<alice@x>")
		if reply := readReply(t, r); !strings.HasPrefix(reply, "250 2.1.5") {
			t.Fatalf("unexpected rejection at recipient %d: %q", i, reply)
		}
	}

	sendLine(t, w, "RCPT TO:<alice@x>")
	reply := readReply(t, r)
	if !strings.HasPrefix(reply, "452 4.5.3") {
		t.Fatalf("expected too-many-recipients rejection, got %q", reply)
	}
}

func TestSpoolPromotionOnLargeBody(t *testing.T) {
	before := testutil.ToFloat64(metrics.SpoolPromotions)

	srv := newTestServer()
	conn := dial(t, srv)
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	readReply(t, r)

	sendLine(t, w, "LHLO client.example")
	readReply(t, r)
	sendLine(t, w, "MAIL FROM:<sender@x>")
	readReply(t, r)
	sendLine(t, w, "RCPT TO:<alice@x>")
	readReply(t, r)
	sendLine(t, w, "DATA")
	readReply(t, r)

	fmt.Fprintf(w, "Subject: big\r\n\r\n")
	line := strings.Repeat("x", 78) + "\r\n"
	for i := 0; i < 1000; i++ {
		fmt.Fprint(w, line)
	}
	fmt.Fprintf(w, ".\r\n")
	w.Flush()

	reply := readReply(t, r)
	if !strings.HasPrefix(reply, "250 2.0.0") {
		t.Fatalf("unexpected delivery reply: %q", reply)
	}

	after := testutil.ToFloat64(metrics.SpoolPromotions)
	if after != before+1 {
		t.Fatalf("expected SpoolPromotions to increment by 1, went from %v to %v", before, after)
	}
}

func TestMessageTooBigRejected(t *testing.T) {
	srv := newTestServer()
	srv.MaxDataSize = 100
	conn := dial(t, srv)
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	readReply(t, r)

	sendLine(t, w, "LHLO client.example")
	readReply(t, r)
	sendLine(t, w, "MAIL FROM:<sender@x>")
	readReply(t, r)
	sendLine(t, w, "RCPT TO:<alice@x>")
	readReply(t, r)
	sendLine(t, w, "DATA")
	readReply(t, r)

	fmt.Fprintf(w, "Subject: big\r\n\r\n%s\r\n.\r\n", strings.Repeat("x", 500))
	w.Flush()

	reply := readReply(t, r)
	if !strings.HasPrefix(reply, "552 5.3.4") {
		t.Fatalf("expected message-too-big rejection, got %q", reply)
	}

	// The connection must still be in sync: a further command gets a
	// normal reply rather than a desynced protocol error.
	sendLine(t, w, "NOOP")
	if reply := readReply(t, r); !strings.HasPrefix(reply, "250") {
		t.Fatalf("expected connection back in sync after too-big rejection, got %q", reply)
	}
}

func TestProxyFanOutSMTPSharedReply(t *testing.T) {
	fs := startFakeProxy(t, "250 2.0.0 queued")
	defer fs.ln.Close()
	host, port := fs.addr()

	srv := newTestServer()
	srv.Resolver.ProxyEnabled = true
	srv.Resolver.ProxyDir = &fakeProxyDir{routes: map[string]*resolver.Route{
		"carol": {Host: host, Port: port, Protocol: "smtp"},
		"dave":  {Host: host, Port: port, Protocol: "smtp"},
	}}

	conn := dial(t, srv)
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	readReply(t, r)

	sendLine(t, w, "LHLO client.example")
	readReply(t, r)
	sendLine(t, w, "MAIL FROM:<sender@x>")
	readReply(t, r)
	sendLine(t, w, "RCPT TO:<carol@x>")
	if reply := readReply(t, r); !strings.HasPrefix(reply, "250 2.1.5") {
		t.Fatalf("unexpected RCPT reply: %q", reply)
	}
	sendLine(t, w, "RCPT TO:<dave@x>")
	if reply := readReply(t, r); !strings.HasPrefix(reply, "250 2.1.5") {
		t.Fatalf("unexpected RCPT reply: %q", reply)
	}

	sendLine(t, w, "DATA")
	readReply(t, r)
	fmt.Fprintf(w, "Subject: hi\r\n\r\nbody\r\n.\r\n")
	w.Flush()

	first := readReply(t, r)
	second := readReply(t, r)
	if !strings.Contains(first, "carol@x") || !strings.Contains(second, "dave@x") {
		t.Fatalf("expected replies in RCPT submission order, got %q then %q", first, second)
	}
	if !strings.HasPrefix(first, "250") || !strings.HasPrefix(second, "250") {
		t.Fatalf("expected both recipients accepted, got %q and %q", first, second)
	}
}

// fakeProxy is a minimal line-oriented SMTP peer for the fan-out test.
type fakeProxy struct {
	ln      net.Listener
	dataRep string
}

func startFakeProxy(t *testing.T, dataRep string) *fakeProxy {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fs := &fakeProxy{ln: ln, dataRep: dataRep}
	go fs.serve()
	return fs
}

func (fs *fakeProxy) addr() (string, string) {
	host, port, _ := net.SplitHostPort(fs.ln.Addr().String())
	return host, port
}

func (fs *fakeProxy) serve() {
	conn, err := fs.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	w := bufio.NewWriter(conn)
	r := bufio.NewReader(conn)
	fmt.Fprintf(w, "220 proxy.example.org ready\r\n")
	w.Flush()

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case strings.HasPrefix(line, "EHLO "), strings.HasPrefix(line, "HELO "), strings.HasPrefix(line, "LHLO "):
			fmt.Fprintf(w, "250 hello\r\n")
		case strings.HasPrefix(line, "MAIL FROM:"):
			fmt.Fprintf(w, "250 2.1.0 OK\r\n")
		case strings.HasPrefix(line, "RCPT TO:"):
			fmt.Fprintf(w, "250 2.1.5 OK\r\n")
		case line == "DATA":
			fmt.Fprintf(w, "354 go ahead\r\n")
			w.Flush()
			for {
				bodyLine, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if bodyLine == ".\r\n" {
					break
				}
			}
			fmt.Fprintf(w, "%s\r\n", fs.dataRep)
		case line == "QUIT":
			fmt.Fprintf(w, "221 bye\r\n")
			w.Flush()
			return
		}
		w.Flush()
	}
}
