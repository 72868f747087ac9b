package wire_test

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"pkt.systems/instrumentd/api"
	"pkt.systems/instrumentd/internal/wire"
)

func TestEncodeDecodeCommand(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	enc := wire.NewEncoder(&buf, 0)
	cmd := api.NewCommand("echo", map[string]any{"tag": "A", "levels": []any{1.5, 2.5}})
	if err := enc.Encode(cmd); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if n := bytes.Count(buf.Bytes(), []byte{'\n'}); n != 1 {
		t.Fatalf("expected exactly one line, got %d newlines", n)
	}

	dec := wire.NewDecoder(&buf, 0)
	got, err := dec.ReadCommand()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != cmd.ID {
		t.Fatalf("ID mutated in transit: %q != %q", got.ID, cmd.ID)
	}
	if got.Name != "echo" {
		t.Fatalf("name = %q, want echo", got.Name)
	}
	if got.Params["tag"] != "A" {
		t.Fatalf("params lost: %+v", got.Params)
	}
}

func TestDecoderSkipsBlankLines(t *testing.T) {
	t.Parallel()

	input := "\n\n{\"id\":\"1\",\"name\":\"ping\"}\n\n"
	dec := wire.NewDecoder(strings.NewReader(input), 0)
	cmd, err := dec.ReadCommand()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cmd.Name != api.CommandPing {
		t.Fatalf("name = %q, want %q", cmd.Name, api.CommandPing)
	}
	if _, err := dec.ReadCommand(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after last line, got %v", err)
	}
}

func TestReadResponseFlagsMissingStatus(t *testing.T) {
	t.Parallel()

	dec := wire.NewDecoder(strings.NewReader(`{"id":"abc","payload":{}}`+"\n"), 0)
	_, err := dec.ReadResponse()
	var perr *api.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if perr.Code != api.CodeMalformedResponse {
		t.Fatalf("code = %q, want %q", perr.Code, api.CodeMalformedResponse)
	}
}

func TestReadResponseFlagsGarbage(t *testing.T) {
	t.Parallel()

	dec := wire.NewDecoder(strings.NewReader("not json at all\n"), 0)
	_, err := dec.ReadResponse()
	var perr *api.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProtocolError for garbage, got %v", err)
	}
}

func TestReadResponsePreservesUncorrelated(t *testing.T) {
	t.Parallel()

	dec := wire.NewDecoder(strings.NewReader(`{"status":"ok"}`+"\n"), 0)
	resp, err := dec.ReadResponse()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Correlated() {
		t.Fatalf("uncorrelated response gained ID %q", resp.ID)
	}
}

func TestEncoderEnforcesSizeLimit(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	enc := wire.NewEncoder(&buf, 128)
	big := api.NewCommand("blob", map[string]any{"data": strings.Repeat("x", 4096)})
	if err := enc.Encode(big); !errors.Is(err, wire.ErrMessageTooLarge) {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("oversized envelope leaked %d bytes onto the stream", buf.Len())
	}
}

func TestDecoderCommandRequiresName(t *testing.T) {
	t.Parallel()

	dec := wire.NewDecoder(strings.NewReader(`{"id":"1"}`+"\n"), 0)
	if _, err := dec.ReadCommand(); err == nil {
		t.Fatal("expected error for command without name")
	}
}
