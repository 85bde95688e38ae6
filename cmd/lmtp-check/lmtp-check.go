// lmtp-check is a command-line tool for operators: it drives one LMTP (or
// plain SMTP, with --smtp) dialog by hand, the way a front proxy would, and
// reports each step instead of silently delivering.
//
// Example of use:
//
//	$ lmtp-check --addr localhost:24 -f juan@casa -d jose < email
package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/textproto"
	"os"
	"strings"

	"github.com/dmitrifedorov/lmtpd/internal/tlsconst"
)

var (
	fromwhom  = flag.String("f", "", "whom the message is from")
	recipient = flag.String("d", "", "recipient")

	addrNetwork = flag.String("addr_network", "",
		"network of the address to dial (e.g. unix or tcp); autodetected if empty")
	addr = flag.String("addr", "", "server address")

	useSMTP = flag.Bool("smtp", false, "speak plain SMTP (single shared reply) instead of LMTP")
	useTLS  = flag.Bool("starttls", false, "issue STARTTLS after the greeting")
)

func usage() {
	fmt.Fprintf(os.Stderr, `
lmtp-check drives one LMTP or SMTP dialog by hand and reports each step.

It takes command line arguments similar to maildrop or procmail, reads an
email via standard input, and sends it over the given server. Supports
connecting over UNIX sockets and TCP.

Flags:
`)
	flag.PrintDefaults()
}

// Exit with EX_TEMPFAIL, the sysexits.h code for "temporary failure".
func tempExit(format string, args ...interface{}) {
	fmt.Printf(format+"\n", args...)
	os.Exit(75)
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *addr == "" {
		fmt.Printf("No server address given (use --addr)\n")
		os.Exit(2)
	}

	if *addrNetwork == "" {
		*addrNetwork = "tcp"
		if strings.HasPrefix(*addr, "/") {
			*addrNetwork = "unix"
		}
	}

	conn, err := net.Dial(*addrNetwork, *addr)
	if err != nil {
		tempExit("Error connecting to (%s, %s): %v", *addrNetwork, *addr, err)
	}

	tc := textproto.NewConn(conn)

	_, _, err = tc.ReadResponse(220)
	if err != nil {
		tempExit("Server greeting error: %v", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		tempExit("Could not get hostname: %v", err)
	}

	verb := "LHLO"
	if *useSMTP {
		verb = "EHLO"
	}
	cmd(tc, 250, "%s %s", verb, hostname)

	if *useTLS {
		cmd(tc, 220, "STARTTLS")
		tlsConn := tls.Client(conn, &tls.Config{ServerName: serverNameOf(*addr), InsecureSkipVerify: true})
		if err := tlsConn.Handshake(); err != nil {
			tempExit("TLS handshake error: %v", err)
		}
		cstate := tlsConn.ConnectionState()
		log.Printf("TLS OK: %s - %s", tlsconst.VersionName(cstate.Version),
			tlsconst.CipherSuiteName(cstate.CipherSuite))
		tc = textproto.NewConn(tlsConn)
		cmd(tc, 250, "%s %s", verb, hostname)
	}

	cmd(tc, 250, "MAIL FROM:<%s>", *fromwhom)
	cmd(tc, 250, "RCPT TO:<%s>", *recipient)
	cmd(tc, 354, "DATA")

	w := tc.DotWriter()
	_, err = io.Copy(w, os.Stdin)
	w.Close()
	if err != nil {
		tempExit("Error writing DATA: %v", err)
	}

	// LMTP gives one reply per recipient; we only ever send one, so read
	// one code. Plain SMTP shares a single reply across all recipients,
	// which for a single recipient is indistinguishable from LMTP's case.
	_, _, err = tc.ReadResponse(250)
	if err != nil {
		tempExit("Delivery failed remotely: %v", err)
	}

	cmd(tc, 221, "QUIT")
	tc.Close()

	fmt.Println("OK: message accepted")
}

// cmd sends a command and checks it matched the expected code.
func cmd(conn *textproto.Conn, expectCode int, format string, args ...interface{}) {
	id, err := conn.Cmd(format, args...)
	if err != nil {
		tempExit("Sent %q, got %v", fmt.Sprintf(format, args...), err)
	}
	conn.StartResponse(id)
	defer conn.EndResponse(id)

	_, _, err = conn.ReadResponse(expectCode)
	if err != nil {
		tempExit("Sent %q, got %v", fmt.Sprintf(format, args...), err)
	}
}

func serverNameOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
