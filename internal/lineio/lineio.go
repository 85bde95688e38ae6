// Package lineio implements the CRLF-terminated line codec used by the
// inbound session (and by internal/statusrouter for its replies): reading
// command lines and writing response lines, with optional cork/uncork
// batching of multiline replies. The outbound proxy client does its own
// line framing with net/textproto.
package lineio

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Codec wraps a byte stream with line-oriented read/write helpers. It is
// connection-agnostic: callers hand it any io.Reader/io.Writer pair (a
// net.Conn, a pipe used in tests, ...).
type Codec struct {
	r *bufio.Reader
	w *bufio.Writer

	corked bool
}

// New returns a Codec reading from r and writing to w.
func New(r io.Reader, w io.Writer) *Codec {
	return &Codec{
		r: bufio.NewReader(r),
		w: bufio.NewWriter(w),
	}
}

// MaxLineLength bounds a single command or reply line, to keep a
// misbehaving peer from exhausting memory on an unterminated line.
const MaxLineLength = 4096

// ReadLine reads a single CRLF- (or bare LF-) terminated line, with the
// terminator stripped.
func (c *Codec) ReadLine() (string, error) {
	var buf []byte
	for {
		frag, err := c.r.ReadSlice('\n')
		if len(buf)+len(frag) > MaxLineLength {
			return "", fmt.Errorf("lineio: line too long")
		}
		buf = append(buf, frag...)
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			return "", err
		}
		break
	}
	line := strings.TrimSuffix(string(buf), "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, nil
}

// ReadCommand reads a line and splits it into an upper-cased command verb
// (the first whitespace-separated token, truncated to 8 characters is not
// enforced here — callers that care can check len(cmd)) and the remainder
// of the line verbatim.
func (c *Codec) ReadCommand() (cmd, args string, err error) {
	line, err := c.ReadLine()
	if err != nil {
		return "", "", err
	}
	line = strings.TrimLeft(line, " \t")
	sp := strings.IndexAny(line, " \t")
	if sp < 0 {
		return strings.ToUpper(line), "", nil
	}
	return strings.ToUpper(line[:sp]), strings.TrimLeft(line[sp+1:], " \t"), nil
}

// Reader exposes the underlying buffered reader, for callers (DATA
// ingestion) that need to take over raw byte reading after a command line.
func (c *Codec) Reader() *bufio.Reader { return c.r }

// WriteReply writes a, possibly multiline, reply. lines must have at least
// one element; all but the last are rendered "code-enhanced lines[i]", the
// last as "code enhanced lines[last]". enhanced may be empty, in which case
// it is omitted.
func (c *Codec) WriteReply(code int, enhanced string, lines ...string) error {
	if len(lines) == 0 {
		lines = []string{""}
	}
	for i, l := range lines {
		sep := byte('-')
		if i == len(lines)-1 {
			sep = ' '
		}
		var text string
		if enhanced != "" {
			text = enhanced + " " + l
		} else {
			text = l
		}
		if _, err := fmt.Fprintf(c.w, "%d%c%s\r\n", code, sep, text); err != nil {
			return err
		}
	}
	if !c.corked {
		return c.w.Flush()
	}
	return nil
}

// Cork defers flushing until Uncork is called, so several WriteReply calls
// can be coalesced into one underlying write.
func (c *Codec) Cork() { c.corked = true }

// Uncork stops deferring writes and flushes any buffered output.
func (c *Codec) Uncork() error {
	c.corked = false
	return c.w.Flush()
}

// Flush forces any buffered output to be written now, regardless of cork
// state.
func (c *Codec) Flush() error {
	return c.w.Flush()
}
