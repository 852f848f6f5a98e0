package framing

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

const lengthLogPrefix = "framing:length"

// HeaderSize is the size of the big-endian length prefix.
const HeaderSize = 4

// FrameTooLargeError reports a header announcing a payload above the limit.
type FrameTooLargeError struct {
	Size  int
	Limit int
}

func (e *FrameTooLargeError) Error() string {
	return fmt.Sprintf("%s - frame size %d exceeds limit %d", lengthLogPrefix, e.Size, e.Limit)
}

// LengthCodec reassembles 4-byte length-prefixed frames. It returns raw
// payloads; callers parse them.
type LengthCodec struct {
	buf      []byte
	maxFrame int
}

// NewLengthCodec creates a LengthCodec. maxFrame <= 0 disables the limit.
func NewLengthCodec(maxFrame int) *LengthCodec {
	return &LengthCodec{maxFrame: maxFrame}
}

// Feed appends p to the reassembly buffer.
func (c *LengthCodec) Feed(p []byte) {
	c.buf = append(c.buf, p...)
}

// Buffered returns the number of bytes not yet extracted.
func (c *LengthCodec) Buffered() int {
	return len(c.buf)
}

// PopMessages extracts every complete frame in arrival order. The header is
// only consumed together with its full payload.
func (c *LengthCodec) PopMessages() ([][]byte, error) {
	var out [][]byte
	for len(c.buf) >= HeaderSize {
		size := int(binary.BigEndian.Uint32(c.buf[:HeaderSize]))
		if c.maxFrame > 0 && size > c.maxFrame {
			return out, &FrameTooLargeError{Size: size, Limit: c.maxFrame}
		}
		if len(c.buf) < HeaderSize+size {
			break
		}
		payload := make([]byte, size)
		copy(payload, c.buf[HeaderSize:HeaderSize+size])
		c.buf = c.buf[HeaderSize+size:]
		out = append(out, payload)
	}
	return out, nil
}

// Reset discards all buffered bytes.
func (c *LengthCodec) Reset() {
	c.buf = nil
}

// EncodeLength prefixes payload with its big-endian length.
func EncodeLength(payload []byte) ([]byte, error) {
	if uint64(len(payload)) > math.MaxUint32 {
		return nil, fmt.Errorf("%s - payload of %d bytes does not fit a 4-byte header", lengthLogPrefix, len(payload))
	}
	out := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(out[:HeaderSize], uint32(len(payload)))
	copy(out[HeaderSize:], payload)
	return out, nil
}

// EncodeLengthJSON serializes v as JSON and prefixes it with its length.
func EncodeLengthJSON(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to encode message: %w", lengthLogPrefix, err)
	}
	return EncodeLength(data)
}

// DecodeJSONFrame parses a length-prefixed payload. Failures are reported as
// *ParseError so both framing modes share the same fatal semantics.
func DecodeJSONFrame(payload []byte) (json.RawMessage, error) {
	var msg json.RawMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, &ParseError{Frame: payload, Err: err}
	}
	return msg, nil
}
