package anvil

import (
	"bufio"
	"net"
	"strings"
	"testing"
)

func fakeServer(t *testing.T, handle func(conn net.Conn)) string {
	t.Helper()
	dir := t.TempDir()
	sock := dir + "/anvil.sock"

	l, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go handle(conn)
		}
	}()
	t.Cleanup(func() { l.Close() })
	return sock
}

func TestLookup(t *testing.T) {
	sock := fakeServer(t, func(conn net.Conn) {
		defer conn.Close()
		r := bufio.NewReader(conn)
		line, _ := r.ReadString('\n')
		if !strings.HasPrefix(line, "LOOKUP\tsmtp/alice") {
			t.Errorf("unexpected request: %q", line)
		}
		conn.Write([]byte("3\n"))
	})

	c := New(sock)
	n, err := c.Lookup("smtp", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("got %d, want 3", n)
	}
}

func TestConnect(t *testing.T) {
	received := make(chan string, 1)
	sock := fakeServer(t, func(conn net.Conn) {
		defer conn.Close()
		r := bufio.NewReader(conn)
		line, _ := r.ReadString('\n')
		received <- line
	})

	c := New(sock)
	if err := c.Connect(1234, "smtp", "bob"); err != nil {
		t.Fatal(err)
	}

	got := <-received
	if !strings.HasPrefix(got, "CONNECT\t1234\tsmtp/bob") {
		t.Errorf("unexpected request: %q", got)
	}
}
