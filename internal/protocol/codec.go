package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Codec frames envelopes as JSON lines over a reader/writer pair. Writes are
// serialized so concurrent senders never interleave frames; reads are
// expected from a single goroutine.
type Codec struct {
	wmu sync.Mutex
	w   *bufio.Writer
	dec *json.Decoder
}

// NewCodec builds a Codec over r and w.
func NewCodec(r io.Reader, w io.Writer) *Codec {
	return &Codec{
		w:   bufio.NewWriter(w),
		dec: json.NewDecoder(r),
	}
}

// Write frames and flushes one envelope.
func (c *Codec) Write(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("write envelope delimiter: %w", err)
	}
	if err := c.w.Flush(); err != nil {
		return fmt.Errorf("flush envelope: %w", err)
	}
	return nil
}

// Read decodes the next envelope and validates its frame. io.EOF is returned
// unwrapped when the stream ends.
func (c *Codec) Read() (Envelope, error) {
	var env Envelope
	if err := c.dec.Decode(&env); err != nil {
		if err == io.EOF {
			return Envelope{}, io.EOF
		}
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, fmt.Errorf("invalid envelope: %w", err)
	}
	return env, nil
}

// Encode marshals a payload or result into the raw form carried by an
// envelope.
func Encode(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

// Decode unmarshals a raw payload into out. A nil raw payload leaves out at
// its zero value.
func Decode(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
