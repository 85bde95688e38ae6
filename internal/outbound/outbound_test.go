package outbound

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"
)

// fakeServer is a minimal line-oriented LMTP/SMTP peer for exercising the
// pipelined client against real TCP I/O.
type fakeServer struct {
	ln       net.Listener
	script   map[string]string // command prefix -> single-line reply
	dataReps []string          // DATA-phase replies, one per expected reply
	done     chan struct{}
}

func startFakeServer(t *testing.T, dataReps []string) *fakeServer {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeServer{ln: ln, dataReps: dataReps, done: make(chan struct{})}
	go s.serve(t)
	return s
}

func (s *fakeServer) addr() (string, string) {
	host, port, _ := net.SplitHostPort(s.ln.Addr().String())
	return host, port
}

func (s *fakeServer) serve(t *testing.T) {
	defer close(s.done)
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	w := bufio.NewWriter(conn)
	r := bufio.NewReader(conn)

	fmt.Fprintf(w, "220 fake.example.org ready\r\n")
	w.Flush()

	rcptCount := 0
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case strings.HasPrefix(line, "LHLO "), strings.HasPrefix(line, "EHLO "):
			fmt.Fprintf(w, "250 hello\r\n")
		case strings.HasPrefix(line, "MAIL FROM:"):
			fmt.Fprintf(w, "250 2.1.0 OK\r\n")
		case strings.HasPrefix(line, "RCPT TO:"):
			rcptCount++
			if strings.Contains(line, "bad@") {
				fmt.Fprintf(w, "550 5.1.1 no such user\r\n")
			} else {
				fmt.Fprintf(w, "250 2.1.5 OK\r\n")
			}
		case line == "DATA":
			fmt.Fprintf(w, "354 go ahead\r\n")
			w.Flush()
			// Consume the dot-terminated body.
			for {
				bodyLine, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if bodyLine == ".\r\n" {
					break
				}
			}
			for _, rep := range s.dataReps {
				fmt.Fprintf(w, "%s\r\n", rep)
			}
		case line == "QUIT":
			fmt.Fprintf(w, "221 bye\r\n")
			w.Flush()
			return
		}
		w.Flush()
	}
}

func TestLMTPHappyPath(t *testing.T) {
	s := startFakeServer(t, []string{"250 2.0.0 <a@x> accepted", "250 2.0.0 <b@x> accepted"})
	defer s.ln.Close()
	host, port := s.addr()

	c, err := Dial(host, port, LMTP, 5*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if err := c.Greet("mx.example.org"); err != nil {
		t.Fatalf("Greet: %v", err)
	}
	if err := c.MailFrom("sender@x", ""); err != nil {
		t.Fatalf("MailFrom: %v", err)
	}

	rcptCh1, dataCh1, err := c.AddRecipient("a@x")
	if err != nil {
		t.Fatalf("AddRecipient: %v", err)
	}
	rcptCh2, dataCh2, err := c.AddRecipient("b@x")
	if err != nil {
		t.Fatalf("AddRecipient: %v", err)
	}

	if err := c.FlushRcpts(); err != nil {
		t.Fatalf("FlushRcpts: %v", err)
	}

	r1 := <-rcptCh1
	r2 := <-rcptCh2
	if !r1.Success || !r2.Success {
		t.Fatalf("expected both RCPTs accepted: %+v %+v", r1, r2)
	}

	if err := c.SendData(strings.NewReader("Subject: hi\r\n\r\nbody\r\n")); err != nil {
		t.Fatalf("SendData: %v", err)
	}

	d1 := <-dataCh1
	d2 := <-dataCh2
	if !d1.Success || !d2.Success {
		t.Fatalf("expected both DATA replies ok: %+v %+v", d1, d2)
	}
}

func TestSMTPSharedDataReply(t *testing.T) {
	s := startFakeServer(t, []string{"250 2.0.0 queued"})
	defer s.ln.Close()
	host, port := s.addr()

	c, err := Dial(host, port, SMTP, 5*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if err := c.Greet("mx.example.org"); err != nil {
		t.Fatalf("Greet: %v", err)
	}
	if err := c.MailFrom("sender@x", ""); err != nil {
		t.Fatalf("MailFrom: %v", err)
	}

	_, dataCh1, _ := c.AddRecipient("a@x")
	_, dataCh2, _ := c.AddRecipient("b@x")

	if err := c.SendData(strings.NewReader("body\r\n")); err != nil {
		t.Fatalf("SendData: %v", err)
	}

	d1 := <-dataCh1
	d2 := <-dataCh2
	if !d1.Success || !d2.Success || d1.Line != d2.Line {
		t.Fatalf("expected identical broadcast reply: %+v %+v", d1, d2)
	}
}

func TestRejectedRecipientSkipsDataPhase(t *testing.T) {
	s := startFakeServer(t, []string{"250 2.0.0 <a@x> accepted"})
	defer s.ln.Close()
	host, port := s.addr()

	c, err := Dial(host, port, LMTP, 5*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	c.Greet("mx.example.org")
	c.MailFrom("sender@x", "")

	rcptCh1, _, _ := c.AddRecipient("a@x")
	rcptChBad, dataChBad, _ := c.AddRecipient("bad@x")

	if err := c.FlushRcpts(); err != nil {
		t.Fatalf("FlushRcpts: %v", err)
	}
	if r := <-rcptCh1; !r.Success {
		t.Fatalf("expected a@x accepted")
	}
	if r := <-rcptChBad; r.Success {
		t.Fatalf("expected bad@x rejected")
	}

	if err := c.SendData(strings.NewReader("body\r\n")); err != nil {
		t.Fatalf("SendData: %v", err)
	}

	if _, ok := <-dataChBad; ok {
		t.Fatalf("rejected recipient should not get a DATA reply")
	}
}

func TestAddRecipientAfterDataPhaseRejected(t *testing.T) {
	s := startFakeServer(t, []string{"250 ok"})
	defer s.ln.Close()
	host, port := s.addr()

	c, err := Dial(host, port, LMTP, 5*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	c.Greet("mx.example.org")
	c.MailFrom("sender@x", "")
	c.AddRecipient("a@x")

	if err := c.SendData(strings.NewReader("body\r\n")); err != nil {
		t.Fatalf("SendData: %v", err)
	}

	if _, _, err := c.AddRecipient("late@x"); err == nil {
		t.Fatalf("expected error adding recipient after DATA phase started")
	}
}
