package api_test

import (
	"encoding/json"
	"errors"
	"testing"

	"pkt.systems/instrumentd/api"
)

func TestNewCommandGeneratesUniqueIDs(t *testing.T) {
	t.Parallel()

	a := api.NewCommand("echo", map[string]any{"tag": "A"})
	b := api.NewCommand("echo", map[string]any{"tag": "B"})
	if a.ID == "" || b.ID == "" {
		t.Fatalf("expected non-empty IDs, got %q and %q", a.ID, b.ID)
	}
	if a.ID == b.ID {
		t.Fatalf("expected distinct IDs, both %q", a.ID)
	}
}

func TestOKResponseEchoesCommandID(t *testing.T) {
	t.Parallel()

	cmd := api.NewCommand("read", nil)
	resp := api.OKResponse(cmd, map[string]any{"value": 42})
	if resp.ID != cmd.ID {
		t.Fatalf("response ID %q does not echo command ID %q", resp.ID, cmd.ID)
	}
	if !resp.OK() {
		t.Fatalf("expected ok status, got %q", resp.Status)
	}
	var out struct {
		Value int `json:"value"`
	}
	if err := resp.DecodePayload(&out); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if out.Value != 42 {
		t.Fatalf("payload value = %d, want 42", out.Value)
	}
}

func TestErrResponseCarriesCodeAndDetail(t *testing.T) {
	t.Parallel()

	cmd := api.NewCommand("fail", nil)
	resp := api.ErrResponse(cmd, api.CodeCommandFailure, "boom")
	if resp.OK() {
		t.Fatal("expected error status")
	}
	if resp.Error == nil || resp.Error.Code != api.CodeCommandFailure {
		t.Fatalf("unexpected error info: %+v", resp.Error)
	}
	if resp.Error.Detail != "boom" {
		t.Fatalf("detail = %q, want boom", resp.Error.Detail)
	}
}

func TestUncorrelatedResponseStaysUncorrelated(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"status":"ok","payload":{"legacy":true}}`)
	var resp api.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Correlated() {
		t.Fatalf("legacy response must not gain an ID, got %q", resp.ID)
	}
	out, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var echo map[string]any
	if err := json.Unmarshal(out, &echo); err != nil {
		t.Fatalf("unmarshal round-trip: %v", err)
	}
	if _, present := echo["id"]; present {
		t.Fatal("absent ID must be serialized as absent, not invented")
	}
}

func TestValidateResponseRejectsMissingStatus(t *testing.T) {
	t.Parallel()

	err := api.ValidateResponse(api.Response{ID: "abc"})
	if err == nil {
		t.Fatal("expected malformed-response error")
	}
	var perr *api.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProtocolError, got %T", err)
	}
	if perr.Code != api.CodeMalformedResponse {
		t.Fatalf("code = %q, want %q", perr.Code, api.CodeMalformedResponse)
	}
}

func TestValidateResponseRejectsUnknownStatus(t *testing.T) {
	t.Parallel()

	if err := api.ValidateResponse(api.Response{Status: "maybe"}); err == nil {
		t.Fatal("expected malformed-response error for unknown status")
	}
}

func TestValidateResponseRejectsErrorWithoutInfo(t *testing.T) {
	t.Parallel()

	if err := api.ValidateResponse(api.Response{Status: api.StatusError}); err == nil {
		t.Fatal("expected malformed-response error for error status without info")
	}
}

func TestValidateResponseAcceptsOK(t *testing.T) {
	t.Parallel()

	if err := api.ValidateResponse(api.Response{ID: "x", Status: api.StatusOK}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
