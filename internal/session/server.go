// Package session implements the inbound LMTP connection state machine of
// spec.md §4.5: a Server holding the process-wide collaborators (recipient
// resolver, local-delivery courier, TLS material, trusted-peer list) and a
// per-connection Session driving the command loop.
//
// It is grounded on chasquid's smtpsrv.Server/smtpsrv.Conn split: a shared
// Server accepting connections and handing each one off to a goroutine
// running Conn.Handle, adapted to this system's own collaborators instead
// of chasquid's queue/auth/aliases stack.
package session

import (
	"crypto/tls"
	"net"
	"time"

	"github.com/dmitrifedorov/lmtpd/internal/localdeliver"
	"github.com/dmitrifedorov/lmtpd/internal/maillog"
	"github.com/dmitrifedorov/lmtpd/internal/resolver"
	"github.com/dmitrifedorov/lmtpd/internal/trace"
)

// Server holds everything shared across every inbound connection.
type Server struct {
	// Hostname is advertised in the greeting and in Received headers.
	Hostname string

	// MaxDataSize bounds the DATA payload, in bytes.
	MaxDataSize int64

	// SpoolDir is where DATA payloads spill to disk past the in-memory
	// threshold (internal/spool).
	SpoolDir string

	// CommandTimeout bounds how long we wait for each command line; reset
	// after every command.
	CommandTimeout time.Duration

	// DefaultSessionTimeout is used as the delivery-lock clamp budget when
	// no XCLIENT TIMEOUT was given.
	DefaultSessionTimeout time.Duration

	// DefaultProxyTimeout is used for an outbound sub-client when the
	// directory lookup didn't specify proxy_timeout.
	DefaultProxyTimeout time.Duration

	// TLSConfig enables STARTTLS when non-nil.
	TLSConfig *tls.Config

	// HAProxyEnabled makes every accepted connection expect a PROXY
	// protocol v1 header before the LMTP greeting.
	HAProxyEnabled bool

	// TrustedNetworks lists the peers allowed to send XCLIENT.
	TrustedNetworks []*net.IPNet

	// Resolver implements the per-RCPT decision tree of spec.md §4.6.
	Resolver *resolver.Resolver

	// Deliverer fans a completed message out to local recipients.
	Deliverer *localdeliver.Deliverer

	// OwnHost/OwnPort are also carried on Resolver for the loop check, and
	// repeated here for LHLO/Received rendering convenience.
	OwnHost string
	OwnPort string

	listeners []net.Listener
}

// NewServer returns an empty Server; callers set its fields directly
// before calling AddListener/ListenAndServe.
func NewServer(hostname string) *Server {
	return &Server{
		Hostname:              hostname,
		CommandTimeout:        5 * time.Minute,
		DefaultSessionTimeout: 5 * time.Minute,
		DefaultProxyTimeout:   30 * time.Second,
	}
}

// AddListener starts listening on addr (host:port, or a UNIX path prefixed
// with "unix:").
func (s *Server) AddListener(addr string) error {
	network := "tcp"
	if len(addr) > 5 && addr[:5] == "unix:" {
		network = "unix"
		addr = addr[5:]
	}
	l, err := net.Listen(network, addr)
	if err != nil {
		return err
	}
	s.listeners = append(s.listeners, l)
	return nil
}

// ListenAndServe accepts connections on every configured listener. It does
// not return under normal operation.
func (s *Server) ListenAndServe() error {
	for _, l := range s.listeners {
		maillog.Listening(l.Addr().String())
		go s.serve(l)
	}
	select {}
}

func (s *Server) serve(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		sess := s.newSession(conn)
		go sess.Handle()
	}
}

// IsTrustedPeer reports whether ip may send XCLIENT.
func (s *Server) IsTrustedPeer(ip net.IP) bool {
	for _, n := range s.TrustedNetworks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (s *Server) newSession(conn net.Conn) *Session {
	return &Session{
		srv:            s,
		conn:           conn,
		tr:             trace.New("LMTP.Session", conn.RemoteAddr().String()),
		ttl:            defaultTTL,
		sessionTimeout: s.DefaultSessionTimeout,
		commandTimeout: s.CommandTimeout,
	}
}
