// Package wire frames command and response envelopes as newline-delimited
// JSON over a byte stream. It is the serialization boundary between the
// broker and the worker harness: nothing but these envelopes ever crosses it.
package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"pkt.systems/jpact"

	"pkt.systems/instrumentd/api"
)

// DefaultMaxMessageBytes bounds a single encoded envelope. Instrument payloads
// are small; anything larger indicates a protocol violation.
const DefaultMaxMessageBytes = 4 << 20

// ErrMessageTooLarge is returned when an envelope exceeds the codec's bound.
var ErrMessageTooLarge = errors.New("wire: message exceeds size limit")

// Encoder writes envelopes to a stream, one compacted JSON document per line.
type Encoder struct {
	mu       sync.Mutex
	w        *bufio.Writer
	maxBytes int64
}

// NewEncoder wraps w. maxBytes <= 0 selects DefaultMaxMessageBytes.
func NewEncoder(w io.Writer, maxBytes int64) *Encoder {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	return &Encoder{w: bufio.NewWriter(w), maxBytes: maxBytes}
}

// Encode marshals v, compacts it, and writes it followed by a newline. It is
// safe for concurrent use; each envelope is written atomically and flushed so
// the peer never observes a partial line.
func (e *Encoder) Encode(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: encode: %w", err)
	}
	if int64(len(raw)) > e.maxBytes {
		return ErrMessageTooLarge
	}
	var compacted bytes.Buffer
	if err := jpact.CompactWriter(&compacted, bytes.NewReader(raw), e.maxBytes); err != nil {
		return fmt.Errorf("wire: compact: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(compacted.Bytes()); err != nil {
		return fmt.Errorf("wire: write: %w", err)
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("wire: write: %w", err)
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("wire: flush: %w", err)
	}
	return nil
}

// Decoder reads newline-delimited envelopes from a stream.
type Decoder struct {
	scanner  *bufio.Scanner
	maxBytes int64
}

// NewDecoder wraps r. maxBytes <= 0 selects DefaultMaxMessageBytes.
func NewDecoder(r io.Reader, maxBytes int64) *Decoder {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), int(maxBytes))
	return &Decoder{scanner: scanner, maxBytes: maxBytes}
}

// next returns the next non-empty line or io.EOF when the stream ends.
func (d *Decoder) next() ([]byte, error) {
	for d.scanner.Scan() {
		line := bytes.TrimSpace(d.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
	if err := d.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, ErrMessageTooLarge
		}
		return nil, fmt.Errorf("wire: read: %w", err)
	}
	return nil, io.EOF
}

// ReadCommand decodes the next command envelope. io.EOF signals a closed peer.
func (d *Decoder) ReadCommand() (api.Command, error) {
	line, err := d.next()
	if err != nil {
		return api.Command{}, err
	}
	var cmd api.Command
	if err := json.Unmarshal(line, &cmd); err != nil {
		return api.Command{}, fmt.Errorf("wire: decode command: %w", err)
	}
	if cmd.Name == "" {
		return api.Command{}, errors.New("wire: decode command: missing name")
	}
	return cmd, nil
}

// ReadResponse decodes and validates the next response envelope. A malformed
// response is returned alongside a *api.ProtocolError so the caller can log
// and drop it without ever matching it to a pending command.
func (d *Decoder) ReadResponse() (api.Response, error) {
	line, err := d.next()
	if err != nil {
		return api.Response{}, err
	}
	var resp api.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return api.Response{}, &api.ProtocolError{
			Code:   api.CodeMalformedResponse,
			Detail: "undecodable response: " + err.Error(),
		}
	}
	if err := api.ValidateResponse(resp); err != nil {
		return api.Response{}, err
	}
	return resp, nil
}
