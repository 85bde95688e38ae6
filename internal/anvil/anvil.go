// Package anvil implements a client for the concurrency broker ("anvil")
// protocol: a small external service that counts parallel deliveries per
// user and answers LOOKUP/CONNECT requests over a UNIX-domain socket.
//
// The wire protocol and connection handling mirror
// internal/dovecot.Auth: tab-separated request lines over a
// textproto.Conn, with a deadline scoped to each call.
package anvil

import (
	"fmt"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout bounds each LOOKUP/CONNECT round-trip.
const DefaultTimeout = 5 * time.Second

// Client talks to one anvil socket.
type Client struct {
	addr    string
	Timeout time.Duration
}

// New returns a client for the anvil UNIX socket at addr.
func New(addr string) *Client {
	return &Client{addr: addr, Timeout: DefaultTimeout}
}

// Lookup issues "LOOKUP\t<service>/<username>\n" and returns the decimal
// integer reply: the number of deliveries currently registered for that
// service/username pair.
func (c *Client) Lookup(service, username string) (int, error) {
	conn, err := c.dial()
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	key := escapeKey(service, username)
	if err := write(conn, fmt.Sprintf("LOOKUP\t%s\n", key)); err != nil {
		return 0, err
	}

	line, err := conn.ReadLine()
	if err != nil {
		return 0, fmt.Errorf("anvil: reading LOOKUP reply: %w", err)
	}

	n, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		return 0, fmt.Errorf("anvil: invalid LOOKUP reply %q: %w", line, err)
	}
	return n, nil
}

// Connect issues "CONNECT\t<pid>\t<service>/<username>\n", registering one
// in-progress delivery. There is no reply to wait for.
func (c *Client) Connect(pid int, service, username string) error {
	conn, err := c.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	key := escapeKey(service, username)
	return write(conn, fmt.Sprintf("CONNECT\t%d\t%s\n", pid, key))
}

func (c *Client) dial() (*textproto.Conn, error) {
	nc, err := net.DialTimeout("unix", c.addr, c.Timeout)
	if err != nil {
		return nil, fmt.Errorf("anvil: dial: %w", err)
	}
	nc.SetDeadline(time.Now().Add(c.Timeout))
	return textproto.NewConn(nc), nil
}

func write(conn *textproto.Conn, msg string) error {
	if _, err := conn.W.Write([]byte(msg)); err != nil {
		return err
	}
	return conn.W.Flush()
}

// escapeKey renders "service/username", tab-escaping the username per the
// wire protocol's requirement that keys not contain raw tabs.
func escapeKey(service, username string) string {
	return service + "/" + strings.ReplaceAll(username, "\t", "\\t")
}
