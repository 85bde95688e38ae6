// Package maillog implements a log specifically for mail events: accepted
// recipients, rejections, local deliveries, and outbound proxy attempts.
// It is independent of the debug trace log (internal/trace) — this is what
// operators grep for delivery history.
package maillog

import (
	"fmt"
	"io"
	"io/ioutil"
	"log/syslog"
	"net"
	"os"
	"sync"
	"time"

	"blitiri.com.ar/go/log"
	"github.com/dmitrifedorov/lmtpd/internal/trace"
)

// Global event logs.
var (
	sessionLog = trace.NewEventLog("Session", "Incoming LMTP")
)

// A writer that prepends timing information.
type timedWriter struct {
	w io.Writer
}

// Write the given buffer, prepending timing information.
func (t timedWriter) Write(b []byte) (int, error) {
	fmt.Fprintf(t.w, "%s  ", time.Now().Format("2006-01-02 15:04:05.000000"))
	return t.w.Write(b)
}

// Logger contains a backend used to log data to, such as a file or syslog.
// It implements various user-friendly methods for logging mail information
// to it.
type Logger struct {
	mu   sync.RWMutex
	w    io.Writer
	once sync.Once
	path string // non-empty only for a NewFile logger, for Reopen
}

// New creates a new Logger which will write messages to the given writer.
func New(w io.Writer) *Logger {
	return &Logger{w: timedWriter{w}}
}

// NewFile creates a new Logger which appends to the file at path, creating
// it if necessary.
func NewFile(path string) (*Logger, error) {
	f, err := openLogFile(path)
	if err != nil {
		return nil, err
	}
	return &Logger{w: timedWriter{f}, path: path}, nil
}

// NewSyslog creates a new Logger which will write messages to syslog.
func NewSyslog() (*Logger, error) {
	w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_MAIL, "lmtpd")
	if err != nil {
		return nil, err
	}

	l := &Logger{w: w}
	return l, nil
}

func openLogFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
}

// Reopen closes and reopens the underlying file, for log rotation via
// SIGHUP. It is a no-op for a syslog or non-file Logger.
func (l *Logger) Reopen() error {
	if l.path == "" {
		return nil
	}
	f, err := openLogFile(l.path)
	if err != nil {
		return err
	}
	l.mu.Lock()
	old := l.w
	l.w = timedWriter{f}
	l.mu.Unlock()
	if tw, ok := old.(timedWriter); ok {
		if c, ok := tw.w.(io.Closer); ok {
			c.Close()
		}
	}
	return nil
}

func (l *Logger) printf(format string, args ...interface{}) {
	l.mu.RLock()
	w := l.w
	l.mu.RUnlock()

	_, err := fmt.Fprintf(w, format, args...)
	if err != nil {
		l.once.Do(func() {
			log.Errorf("failed to write to maillog: %v", err)
			log.Errorf("(will not report this again)")
		})
	}
}

// Listening logs that the daemon is listening on the given address.
func (l *Logger) Listening(a string) {
	l.printf("daemon listening on %s\n", a)
}

// Accepted logs that a recipient was accepted on an incoming session.
func (l *Logger) Accepted(netAddr net.Addr, sid, from, to string) {
	msg := fmt.Sprintf("%s from=%s to=%s accepted sid=%s\n", netAddr, from, to, sid)
	l.printf(msg)
	sessionLog.Debugf(msg)
}

// Rejected logs that a recipient (or the whole transaction) was rejected.
func (l *Logger) Rejected(netAddr net.Addr, from string, to []string, reason string) {
	if from != "" {
		from = fmt.Sprintf(" from=%s", from)
	}
	toStr := ""
	if len(to) > 0 {
		toStr = fmt.Sprintf(" to=%v", to)
	}
	l.printf("%s rejected%s%s - %v\n", netAddr, from, toStr, reason)
}

// Delivered logs that a message was saved to a local mailbox.
func (l *Logger) Delivered(sid, from, to string) {
	l.printf("%s from=%s to=%s delivered locally\n", sid, from, to)
}

// Proxied logs the outcome of an outbound proxy delivery attempt.
func (l *Logger) Proxied(sid, from, to string, err error, permanent bool) {
	if err == nil {
		l.printf("%s from=%s to=%s proxied\n", sid, from, to)
		return
	}
	t := "(temporary)"
	if permanent {
		t = "(permanent)"
	}
	l.printf("%s from=%s to=%s proxy failed %s: %v\n", sid, from, to, t, err)
}

// Default logger, used by the following top-level functions.
var Default = New(ioutil.Discard)

// Listening logs that the daemon is listening on the given address.
func Listening(a string) { Default.Listening(a) }

// Accepted logs that a recipient was accepted on an incoming session.
func Accepted(netAddr net.Addr, sid, from, to string) { Default.Accepted(netAddr, sid, from, to) }

// Rejected logs that a recipient (or the whole transaction) was rejected.
func Rejected(netAddr net.Addr, from string, to []string, reason string) {
	Default.Rejected(netAddr, from, to, reason)
}

// Delivered logs that a message was saved to a local mailbox.
func Delivered(sid, from, to string) { Default.Delivered(sid, from, to) }

// Proxied logs the outcome of an outbound proxy delivery attempt.
func Proxied(sid, from, to string, err error, permanent bool) {
	Default.Proxied(sid, from, to, err, permanent)
}

// Reopen reopens the default logger's underlying file, for log rotation.
func Reopen() error { return Default.Reopen() }
