package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// MaxLineLength bounds a single command or acknowledgment line, terminator included.
const MaxLineLength = 256

// AckPrefix starts every acknowledgment line the server sends after a frame.
const AckPrefix = "ACK"

// ErrLineTooLong is returned for a line without a terminator within MaxLineLength bytes.
var ErrLineTooLong = errors.New("line too long")

// LineReader reads newline-terminated text lines. "\r\n" is accepted.
type LineReader struct {
	r *bufio.Reader
}

func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{r: bufio.NewReaderSize(r, MaxLineLength)}
}

// ReadLine returns the next line without its terminator.
// A stream that ends before any byte of a line is ErrConnectionClosed;
// one that ends inside a line is ErrFrameTruncated.
func (lr *LineReader) ReadLine() (string, error) {
	line, err := lr.r.ReadSlice('\n')
	switch {
	case err == nil:
	case errors.Is(err, bufio.ErrBufferFull):
		return "", ErrLineTooLong
	case errors.Is(err, io.EOF) && len(line) == 0:
		return "", ErrConnectionClosed
	case errors.Is(err, io.EOF):
		return "", fmt.Errorf("%w: unterminated line %q", ErrFrameTruncated, line)
	default:
		return "", fmt.Errorf("read line: %w", err)
	}
	return strings.TrimRight(string(line), "\r\n"), nil
}

// WriteLine writes s followed by "\n" in a single Write call.
func WriteLine(w io.Writer, s string) error {
	if strings.ContainsAny(s, "\r\n") {
		return fmt.Errorf("line %q contains a terminator", s)
	}
	if len(s)+1 > MaxLineLength {
		return ErrLineTooLong
	}
	_, err := io.WriteString(w, s+"\n")
	return err
}

// IsAck reports whether line is an acknowledgment rather than a command.
func IsAck(line string) bool {
	return line == AckPrefix || strings.HasPrefix(line, AckPrefix+" ")
}

// Ack formats the acknowledgment for the seq-th frame of a session.
func Ack(seq uint64) string {
	return fmt.Sprintf("%s %d", AckPrefix, seq)
}
