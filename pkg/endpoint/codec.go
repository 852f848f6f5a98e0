package endpoint

import (
	"fmt"

	"github.com/morezero/hostbridge/pkg/framing"
)

// Mode selects the wire framing of a connection.
type Mode string

const (
	// ModeLine frames each JSON message with a trailing newline.
	ModeLine Mode = "line"
	// ModeLength frames each JSON message with a 4-byte big-endian length.
	ModeLength Mode = "length"
)

// ParseMode validates a mode name. Empty selects ModeLine.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeLine:
		return ModeLine, nil
	case ModeLength:
		return ModeLength, nil
	}
	return "", fmt.Errorf("%s - unknown framing mode %q", logPrefix, s)
}

// codec is the per-connection view of a framing mode. pop returns JSON
// payloads; a parse error is fatal to the connection in both modes.
// overhead is the framing bytes a buffered message may carry on top of its
// payload.
type codec interface {
	feed(p []byte)
	buffered() int
	overhead() int
	pop() ([][]byte, error)
	encode(v interface{}) ([]byte, error)
}

func newCodec(mode Mode, maxMessageSize int) codec {
	if mode == ModeLength {
		return &lengthCodec{c: framing.NewLengthCodec(maxMessageSize)}
	}
	return &lineCodec{c: framing.NewLineCodec(nil)}
}

type lineCodec struct {
	c *framing.LineCodec
}

func (l *lineCodec) feed(p []byte)  { l.c.Feed(p) }
func (l *lineCodec) buffered() int { return l.c.Buffered() }
func (l *lineCodec) overhead() int { return 0 }

func (l *lineCodec) pop() ([][]byte, error) {
	msgs, err := l.c.PopMessages()
	out := make([][]byte, len(msgs))
	for i, m := range msgs {
		out[i] = m
	}
	return out, err
}

func (l *lineCodec) encode(v interface{}) ([]byte, error) { return framing.EncodeLine(v) }

type lengthCodec struct {
	c *framing.LengthCodec
}

func (l *lengthCodec) feed(p []byte)  { l.c.Feed(p) }
func (l *lengthCodec) buffered() int { return l.c.Buffered() }
func (l *lengthCodec) overhead() int { return framing.HeaderSize }

func (l *lengthCodec) pop() ([][]byte, error) {
	payloads, err := l.c.PopMessages()
	out := make([][]byte, 0, len(payloads))
	for _, p := range payloads {
		msg, perr := framing.DecodeJSONFrame(p)
		if perr != nil {
			return out, perr
		}
		out = append(out, msg)
	}
	return out, err
}

func (l *lengthCodec) encode(v interface{}) ([]byte, error) { return framing.EncodeLengthJSON(v) }
