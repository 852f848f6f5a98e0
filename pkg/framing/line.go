// Package framing reassembles discrete JSON messages from an arbitrarily
// chunked byte stream. Codecs here perform no I/O.
package framing

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const logPrefix = "framing:line"

// DefaultDelimiter terminates each message in newline-delimited mode.
var DefaultDelimiter = []byte("\n")

// ParseError reports a frame that is not valid JSON. It is fatal to the
// connection the frame arrived on.
type ParseError struct {
	Frame []byte
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s - malformed frame (%d bytes): %v", logPrefix, len(e.Frame), e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// LineCodec reassembles newline-delimited JSON messages.
type LineCodec struct {
	buf   []byte
	delim []byte
}

// NewLineCodec creates a LineCodec. An empty delimiter selects DefaultDelimiter.
func NewLineCodec(delim []byte) *LineCodec {
	if len(delim) == 0 {
		delim = DefaultDelimiter
	}
	return &LineCodec{delim: append([]byte(nil), delim...)}
}

// Feed appends p to the reassembly buffer.
func (c *LineCodec) Feed(p []byte) {
	c.buf = append(c.buf, p...)
}

// Buffered returns the number of bytes not yet extracted.
func (c *LineCodec) Buffered() int {
	return len(c.buf)
}

// PopMessages extracts every complete frame in arrival order. Empty slices
// between delimiters are skipped. A malformed frame is consumed and reported
// as *ParseError; frames extracted before it are still returned.
func (c *LineCodec) PopMessages() ([]json.RawMessage, error) {
	var out []json.RawMessage
	for {
		idx := bytes.Index(c.buf, c.delim)
		if idx < 0 {
			return out, nil
		}

		frame := c.buf[:idx]
		c.buf = c.buf[idx+len(c.delim):]

		frame = bytes.TrimSpace(frame)
		if len(frame) == 0 {
			continue
		}

		var msg json.RawMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			return out, &ParseError{Frame: append([]byte(nil), frame...), Err: err}
		}
		out = append(out, msg)
	}
}

// Drain returns the unframed remainder and empties the buffer.
func (c *LineCodec) Drain() []byte {
	rest := c.buf
	c.buf = nil
	return rest
}

// Reset discards all buffered bytes.
func (c *LineCodec) Reset() {
	c.buf = nil
}

// EncodeLine serializes v as compact JSON followed by the default delimiter.
func EncodeLine(v interface{}) ([]byte, error) {
	return EncodeLineWith(v, DefaultDelimiter)
}

// EncodeLineWith serializes v followed by delim. Payloads containing the
// delimiter are rejected since the peer could not reassemble them.
func EncodeLineWith(v interface{}, delim []byte) ([]byte, error) {
	if len(delim) == 0 {
		delim = DefaultDelimiter
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to encode message: %w", logPrefix, err)
	}
	if bytes.Contains(data, delim) {
		return nil, fmt.Errorf("%s - encoded message contains the frame delimiter", logPrefix)
	}
	return append(data, delim...), nil
}
